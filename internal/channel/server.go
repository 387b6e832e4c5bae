// Package channel terminates client WebSocket channels: it authenticates them,
// registers them under their identity, and dispatches inbound events to the
// message relay and call broker.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/auth"
	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/origin"
	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/ratelimit"
	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/registry"
	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/store"
)

const (
	DefaultAuthTimeout     = 10 * time.Second
	DefaultIdleTimeout     = 60 * time.Second
	DefaultPingInterval    = 20 * time.Second
	DefaultMaxMessageBytes = 64 * 1024
	DefaultSendQueue       = 256
	defaultHandlerTimeout  = 10 * time.Second
)

// MessageRelay is the part of the relay a channel dispatches to.
type MessageRelay interface {
	SendMessage(ctx context.Context, from string, req protocol.SendMessage) (store.Message, error)
	SendTyping(from, to string, isTyping bool) bool
}

// CallBroker is the part of the signaling broker a channel dispatches to.
type CallBroker interface {
	Offer(ctx context.Context, initiator, target string, offer json.RawMessage, kind signaling.CallKind) error
	Answer(answerer, initiator string, answer json.RawMessage) error
	Candidate(from, to string, candidate json.RawMessage) error
	End(from, to string)
}

// Presence is told when channels come and go.
type Presence interface {
	Online(identity string)
	Disconnected(identity string, conn registry.Conn) bool
}

type Config struct {
	Verifier auth.Verifier
	Registry *registry.Registry
	Relay    MessageRelay
	Calls    CallBroker
	Presence Presence
	Origins  origin.Policy

	Metrics *metrics.Metrics
	Logger  *slog.Logger

	AuthTimeout     time.Duration
	IdleTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageBytes int64
	SendQueue       int

	MessagesPerSecond        int
	HardCloseAfterViolations int
	ViolationWindow          time.Duration
	// Clock drives the inbound rate limiter. Defaults to the wall clock.
	Clock ratelimit.Clock
}

func (c Config) withDefaults() Config {
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = DefaultAuthTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if c.SendQueue <= 0 {
		c.SendQueue = DefaultSendQueue
	}
	if c.Clock == nil {
		c.Clock = ratelimit.RealClock{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Server upgrades HTTP requests to channels. It implements http.Handler.
type Server struct {
	cfg      Config
	upgrader websocket.Upgrader

	mu      sync.Mutex
	conns   map[*Conn]struct{}
	closing bool
	wg      sync.WaitGroup
}

func NewServer(cfg Config) (*Server, error) {
	switch {
	case cfg.Verifier == nil:
		return nil, errors.New("channel: verifier is required")
	case cfg.Registry == nil:
		return nil, errors.New("channel: registry is required")
	case cfg.Relay == nil:
		return nil, errors.New("channel: relay is required")
	case cfg.Calls == nil:
		return nil, errors.New("channel: call broker is required")
	case cfg.Presence == nil:
		return nil, errors.New("channel: presence is required")
	}
	cfg = cfg.withDefaults()
	s := &Server{
		cfg:   cfg,
		conns: make(map[*Conn]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			_, ok := cfg.Origins.Check(r)
			return ok
		},
	}
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// A token in the Authorization header or ?token= authenticates the channel
	// up front. A malformed one is rejected before upgrading.
	token, err := auth.CredentialFromRequest(r)
	if err != nil && !errors.Is(err, auth.ErrMissingCredentials) {
		s.cfg.Metrics.Inc(metrics.AuthFailure)
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader already wrote the HTTP error.
		return
	}

	c := s.newConn(ws, r)
	if !s.track(c) {
		writeClose(ws, websocket.CloseGoingAway, "server shutting down")
		_ = ws.Close()
		return
	}
	defer s.untrack(c)

	c.run(token)
}

// Len returns the number of open channels, authenticated or not.
func (s *Server) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Shutdown closes every open channel with 1001 and waits for their goroutines
// to finish or for ctx to expire. New upgrades are refused afterwards.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) newConn(ws *websocket.Conn, r *http.Request) *Conn {
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		id:         id,
		srv:        s,
		ws:         ws,
		log:        s.cfg.Logger.With("conn_id", id, "remote", r.RemoteAddr),
		ctx:        ctx,
		cancel:     cancel,
		out:        make(chan []byte, s.cfg.SendQueue),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
		closeCode:  websocket.CloseNormalClosure,
		limiter: ratelimit.NewChannelLimiter(ratelimit.Config{
			FramesPerSecond:          s.cfg.MessagesPerSecond,
			HardCloseAfterViolations: s.cfg.HardCloseAfterViolations,
			ViolationWindow:          s.cfg.ViolationWindow,
			Clock:                    s.cfg.Clock,
		}),
	}
}

func (s *Server) track(c *Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(c *Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	s.wg.Done()
}
