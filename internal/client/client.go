// Package client is a Go client for the chat relay channel protocol.
//
// A Client authenticates over a single WebSocket, correlates acks with the
// requests that produced them, and reconnects with exponential backoff when
// the channel drops. After the retry budget is spent the client goes Offline
// and closes its event stream.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/store"
)

const (
	DefaultInitialBackoff = time.Second
	DefaultMaxBackoff     = 5 * time.Second
	DefaultMaxAttempts    = 5

	defaultHandshakeTimeout = 10 * time.Second
	defaultAuthTimeout      = 10 * time.Second
	defaultEventBuffer      = 64
	writeWait               = 5 * time.Second
)

var (
	ErrAuthFailed   = errors.New("client: authentication failed")
	ErrNotConnected = errors.New("client: not connected")
	ErrDisconnected = errors.New("client: disconnected before ack")
	ErrRejected     = errors.New("client: request rejected")
)

type State int32

const (
	StateConnecting State = iota
	StateOnline
	StateReconnecting
	StateOffline
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOnline:
		return "online"
	case StateReconnecting:
		return "reconnecting"
	case StateOffline:
		return "offline"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Event is a server-pushed frame such as receive_message or incoming_call.
type Event struct {
	Name string
	Data json.RawMessage
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Data, v)
}

type Config struct {
	// URL is the channel endpoint, e.g. ws://localhost:8080/ws.
	URL   string
	Token string
	// Header is sent with every handshake (Origin, for example).
	Header http.Header

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// MaxAttempts bounds each connect cycle, the first dial included.
	MaxAttempts uint

	HandshakeTimeout time.Duration
	AuthTimeout      time.Duration
	EventBuffer      int

	// OnStateChange is called synchronously on every transition.
	OnStateChange func(State)
	Logger        *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = DefaultInitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = defaultAuthTimeout
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = defaultEventBuffer
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

type Client struct {
	cfg    Config
	log    *slog.Logger
	dialer websocket.Dialer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	events chan Event
	state  atomic.Int32

	writeMu sync.Mutex

	mu       sync.Mutex
	ws       *websocket.Conn
	identity string
	nextID   uint64
	pending  map[uint64]chan json.RawMessage
}

// Dial connects and authenticates, retrying with backoff. It returns once the
// server has accepted the token; ErrAuthFailed is not retried.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("client: URL is required")
	}
	if cfg.Token == "" {
		return nil, errors.New("client: token is required")
	}
	cfg = cfg.withDefaults()

	runCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:     cfg,
		log:     cfg.Logger.With("component", "chat_client"),
		dialer:  websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout, Proxy: http.ProxyFromEnvironment},
		ctx:     runCtx,
		cancel:  cancel,
		done:    make(chan struct{}),
		events:  make(chan Event, cfg.EventBuffer),
		pending: make(map[uint64]chan json.RawMessage),
	}
	c.state.Store(int32(StateConnecting))

	// The initial connect honours both the caller's deadline and Close.
	dialCtx, stop := context.WithCancel(ctx)
	unlink := context.AfterFunc(runCtx, stop)
	ws, err := c.connect(dialCtx)
	unlink()
	stop()
	if err != nil {
		cancel()
		c.setState(StateOffline)
		close(c.events)
		close(c.done)
		return nil, err
	}
	c.setState(StateOnline)
	go c.run(ws)
	return c, nil
}

func (c *Client) State() State { return State(c.state.Load()) }

// Identity is the user id the server assigned on authentication.
func (c *Client) Identity() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// Events delivers server pushes. It is closed when the client goes Offline or
// is closed.
func (c *Client) Events() <-chan Event { return c.events }

// Done is closed after the connection goroutine exits.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close sends a normal close frame and stops reconnecting.
func (c *Client) Close() error {
	c.cancel()
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws != nil {
		c.writeMu.Lock()
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = ws.Close()
	}
	<-c.done
	return nil
}

func (c *Client) setState(s State) {
	if State(c.state.Swap(int32(s))) == s {
		return
	}
	c.log.Debug("state changed", "state", s.String())
	if c.cfg.OnStateChange != nil {
		c.cfg.OnStateChange(s)
	}
}

func (c *Client) run(ws *websocket.Conn) {
	defer close(c.done)
	defer close(c.events)

	for {
		err := c.readLoop(ws)
		c.detach(ws)
		if c.ctx.Err() != nil {
			c.setState(StateClosed)
			return
		}
		c.log.Warn("channel dropped", "err", err)
		c.setState(StateReconnecting)

		ws, err = c.connect(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				c.setState(StateClosed)
				return
			}
			c.log.Warn("giving up on reconnect", "err", err)
			c.setState(StateOffline)
			return
		}
		c.setState(StateOnline)
	}
}

func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialBackoff
	b.MaxInterval = c.cfg.MaxBackoff

	return backoff.Retry(ctx, func() (*websocket.Conn, error) {
		return c.connectOnce(ctx)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(c.cfg.MaxAttempts),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.log.Info("connect failed, retrying", "err", err, "retry_in", next)
		}),
	)
}

func (c *Client) connectOnce(ctx context.Context) (*websocket.Conn, error) {
	ws, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, c.cfg.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, backoff.Permanent(fmt.Errorf("%w: handshake rejected", ErrAuthFailed))
		}
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() { _ = ws.Close() })
	defer stop()

	identity, err := c.authenticate(ws)
	if err != nil {
		_ = ws.Close()
		return nil, err
	}

	c.mu.Lock()
	c.ws = ws
	c.identity = identity
	c.mu.Unlock()
	return ws, nil
}

func (c *Client) authenticate(ws *websocket.Conn) (string, error) {
	if err := c.write(ws, protocol.EventAuthenticate, nil, c.cfg.Token); err != nil {
		return "", err
	}
	_ = ws.SetReadDeadline(time.Now().Add(c.cfg.AuthTimeout))
	defer func() { _ = ws.SetReadDeadline(time.Time{}) }()

	for {
		f, err := readFrame(ws)
		if err != nil {
			return "", err
		}
		if f.Event != protocol.EventAuthenticated {
			c.dispatch(f)
			continue
		}
		var res protocol.Authenticated
		if err := json.Unmarshal(f.Data, &res); err != nil {
			return "", fmt.Errorf("client: decode authenticated: %w", err)
		}
		if !res.Success {
			return "", backoff.Permanent(ErrAuthFailed)
		}
		return res.UserID, nil
	}
}

func (c *Client) readLoop(ws *websocket.Conn) error {
	for {
		f, err := readFrame(ws)
		if err != nil {
			var syntax *json.SyntaxError
			if errors.As(err, &syntax) {
				c.log.Warn("dropping malformed frame", "err", err)
				continue
			}
			return err
		}
		if f.Event == protocol.EventAck && f.ID != nil {
			c.resolve(*f.ID, f.Data)
			continue
		}
		c.dispatch(f)
	}
}

func readFrame(ws *websocket.Conn) (protocol.Frame, error) {
	_, raw, err := ws.ReadMessage()
	if err != nil {
		return protocol.Frame{}, err
	}
	var f protocol.Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return protocol.Frame{}, err
	}
	return f, nil
}

func (c *Client) dispatch(f protocol.Frame) {
	select {
	case c.events <- Event{Name: f.Event, Data: f.Data}:
	default:
		c.log.Warn("event buffer full, dropping event", "event", f.Event)
	}
}

func (c *Client) resolve(id uint64, data json.RawMessage) {
	c.mu.Lock()
	ch, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if ok {
		ch <- data
	}
}

// detach forgets ws and fails every request still waiting on it.
func (c *Client) detach(ws *websocket.Conn) {
	_ = ws.Close()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == ws {
		c.ws = nil
	}
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

func (c *Client) write(ws *websocket.Conn, event string, id *uint64, data any) error {
	b, err := protocol.Encode(event, id, data)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	return ws.WriteMessage(websocket.TextMessage, b)
}

// notify sends a frame that expects no ack.
func (c *Client) notify(event string, data any) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return ErrNotConnected
	}
	return c.write(ws, event, nil, data)
}

// request sends a frame with a fresh id and decodes the ack into reply.
func (c *Client) request(ctx context.Context, event string, data, reply any) error {
	ch := make(chan json.RawMessage, 1)
	c.mu.Lock()
	ws := c.ws
	if ws == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.nextID++
	id := c.nextID
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(ws, event, &id, data); err != nil {
		return err
	}
	select {
	case raw, ok := <-ch:
		if !ok {
			return ErrDisconnected
		}
		if err := json.Unmarshal(raw, reply); err != nil {
			return fmt.Errorf("client: decode %s ack: %w", event, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) call(ctx context.Context, event string, data any) error {
	var ack protocol.Ack
	if err := c.request(ctx, event, data, &ack); err != nil {
		return err
	}
	if !ack.Success {
		return fmt.Errorf("%w: %s", ErrRejected, ack.Error)
	}
	return nil
}

// SendMessage sends a message and returns the stored record.
func (c *Client) SendMessage(ctx context.Context, msg protocol.SendMessage) (store.Message, error) {
	var ack protocol.SendMessageAck
	if err := c.request(ctx, protocol.EventSendMessage, msg, &ack); err != nil {
		return store.Message{}, err
	}
	if !ack.Success || ack.Message == nil {
		return store.Message{}, fmt.Errorf("%w: %s", ErrRejected, ack.Error)
	}
	return *ack.Message, nil
}

func (c *Client) Typing(recipientID string, isTyping bool) error {
	return c.notify(protocol.EventTyping, protocol.Typing{RecipientID: recipientID, IsTyping: isTyping})
}

// Call offers a call to recipientID. kind is "audio" or "video".
func (c *Client) Call(ctx context.Context, recipientID string, offer webrtc.SessionDescription, kind string) error {
	raw, err := json.Marshal(offer)
	if err != nil {
		return err
	}
	return c.call(ctx, protocol.EventCallOffer, protocol.CallOffer{RecipientID: recipientID, Offer: raw, CallType: kind})
}

// Answer accepts the pending call from callerID.
func (c *Client) Answer(ctx context.Context, callerID string, answer webrtc.SessionDescription) error {
	raw, err := json.Marshal(answer)
	if err != nil {
		return err
	}
	return c.call(ctx, protocol.EventCallAnswer, protocol.CallAnswer{RecipientID: callerID, Answer: raw})
}

func (c *Client) Candidate(ctx context.Context, peerID string, candidate webrtc.ICECandidateInit) error {
	raw, err := json.Marshal(candidate)
	if err != nil {
		return err
	}
	return c.call(ctx, protocol.EventICECandidate, protocol.ICECandidate{RecipientID: peerID, Candidate: raw})
}

func (c *Client) EndCall(ctx context.Context, peerID string) error {
	return c.call(ctx, protocol.EventCallEnd, protocol.CallEnd{RecipientID: peerID})
}
