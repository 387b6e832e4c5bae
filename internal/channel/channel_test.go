package channel

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/auth"
	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/origin"
	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/presence"
	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/registry"
	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/relay"
	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/store"
)

const testSecret = "channel-test-secret"

const testOffer = `{"type":"offer","sdp":"v=0\r\n"}`
const testAnswer = `{"type":"answer","sdp":"v=0\r\n"}`

type harness struct {
	t       *testing.T
	srv     *Server
	http    *httptest.Server
	reg     *registry.Registry
	store   *store.Memory
	broker  *signaling.Broker
	metrics *metrics.Metrics
	minter  *auth.Minter
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	ctx := context.Background()

	mem := store.NewMemory()
	for _, pair := range [][2]string{{"alice", "bob"}, {"alice", "carol"}} {
		if err := mem.AddContacts(ctx, pair[0], pair[1]); err != nil {
			t.Fatalf("AddContacts: %v", err)
		}
	}
	m := metrics.New()
	reg := registry.New()
	broker := signaling.NewBroker(signaling.Config{
		Peers:                  reg,
		Contacts:               mem,
		NotifyPeerOnDisconnect: true,
		Metrics:                m,
	})
	t.Cleanup(broker.Close)
	rec, err := presence.New(presence.Config{
		Registry: reg,
		Calls:    broker,
		Contacts: mem,
		Scope:    presence.ScopeContacts,
		Metrics:  m,
	})
	if err != nil {
		t.Fatalf("presence.New: %v", err)
	}
	minter, err := auth.NewMinter(testSecret, time.Hour)
	if err != nil {
		t.Fatalf("NewMinter: %v", err)
	}

	cfg := Config{
		Verifier: auth.NewJWTVerifier(testSecret),
		Registry: reg,
		Relay:    relay.New(relay.Config{Messages: mem, Contacts: mem, Peers: reg, Metrics: m}),
		Calls:    broker,
		Presence: rec,
		Metrics:  m,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	srv, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		ts.Close()
	})
	return &harness{t: t, srv: srv, http: ts, reg: reg, store: mem, broker: broker, metrics: m, minter: minter}
}

func (h *harness) wsURL() string {
	return "ws" + strings.TrimPrefix(h.http.URL, "http")
}

func (h *harness) token(identity string) string {
	h.t.Helper()
	tok, err := h.minter.Mint(identity, "")
	if err != nil {
		h.t.Fatalf("Mint: %v", err)
	}
	return tok
}

type client struct {
	t  *testing.T
	ws *websocket.Conn
}

func (h *harness) dial() *client {
	h.t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(h.wsURL(), nil)
	if err != nil {
		h.t.Fatalf("dial: %v", err)
	}
	h.t.Cleanup(func() { _ = ws.Close() })
	return &client{t: h.t, ws: ws}
}

// login dials and authenticates identity, then waits for the registry to see it.
func (h *harness) login(identity string) *client {
	h.t.Helper()
	c := h.dial()
	c.send(protocol.EventAuthenticate, nil, h.token(identity))
	f := c.expect(protocol.EventAuthenticated)
	var got protocol.Authenticated
	mustUnmarshal(h.t, f.Data, &got)
	if !got.Success || got.UserID != identity {
		h.t.Fatalf("authenticated=%+v, want success for %s", got, identity)
	}
	return c
}

type inbound struct {
	Event string          `json:"event"`
	ID    *uint64         `json:"id"`
	Data  json.RawMessage `json:"data"`
}

func (c *client) send(event string, id *uint64, data any) {
	c.t.Helper()
	if err := c.ws.WriteJSON(protocol.Outbound{Event: event, ID: id, Data: data}); err != nil {
		c.t.Fatalf("write %s: %v", event, err)
	}
}

func (c *client) read() inbound {
	c.t.Helper()
	_ = c.ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	var f inbound
	if err := c.ws.ReadJSON(&f); err != nil {
		c.t.Fatalf("read: %v", err)
	}
	return f
}

// expect skips frames until one with the given event arrives.
func (c *client) expect(event string) inbound {
	c.t.Helper()
	for i := 0; i < 20; i++ {
		f := c.read()
		if f.Event == event {
			return f
		}
	}
	c.t.Fatalf("never received %q", event)
	return inbound{}
}

func (c *client) expectAck(id uint64) inbound {
	c.t.Helper()
	for i := 0; i < 20; i++ {
		f := c.read()
		if f.Event == protocol.EventAck && f.ID != nil && *f.ID == id {
			return f
		}
	}
	c.t.Fatalf("never received ack %d", id)
	return inbound{}
}

// expectClose reads until the server closes the channel.
func (c *client) expectClose(code int, text string) {
	c.t.Helper()
	ce := c.readClose()
	if ce.Code != code || ce.Text != text {
		c.t.Fatalf("close=%d %q, want %d %q", ce.Code, ce.Text, code, text)
	}
}

func (c *client) readClose() *websocket.CloseError {
	c.t.Helper()
	_ = c.ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, _, err := c.ws.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		if !errors.As(err, &ce) {
			c.t.Fatalf("read err=%v, want a close frame", err)
		}
		return ce
	}
}

func mustUnmarshal(t *testing.T, raw json.RawMessage, v any) {
	t.Helper()
	if err := json.Unmarshal(raw, v); err != nil {
		t.Fatalf("unmarshal %s: %v", raw, err)
	}
}

func id(n uint64) *uint64 { return &n }

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestChannel_SendMessageDeliversAndAcks(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.login("alice")
	bob := h.login("bob")

	alice.send(protocol.EventSendMessage, id(1), protocol.SendMessage{RecipientID: "bob", Content: "hello"})

	var ack protocol.SendMessageAck
	mustUnmarshal(t, alice.expectAck(1).Data, &ack)
	if !ack.Success || ack.Message == nil || ack.Message.Content != "hello" || ack.Message.SenderID != "alice" {
		t.Fatalf("ack=%+v", ack)
	}

	var got store.Message
	mustUnmarshal(t, bob.expect(protocol.EventReceiveMessage).Data, &got)
	if got.ID != ack.Message.ID || got.SenderID != "alice" || got.RecipientID != "bob" || got.Content != "hello" {
		t.Fatalf("received=%+v", got)
	}
}

func TestChannel_SendMessageToNonContact(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.login("alice")
	h.login("mallory")

	alice.send(protocol.EventSendMessage, id(7), protocol.SendMessage{RecipientID: "mallory", Content: "hi"})
	var ack protocol.SendMessageAck
	mustUnmarshal(t, alice.expectAck(7).Data, &ack)
	if ack.Success || ack.Error != relay.MessageNotContacts {
		t.Fatalf("ack=%+v, want not-contacts failure", ack)
	}
	msgs, _ := h.store.Conversation(context.Background(), "alice", "mallory", 0, 0)
	if len(msgs) != 0 {
		t.Fatalf("persisted %d messages, want 0", len(msgs))
	}
}

func TestChannel_StoreFailureAck(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.login("alice")
	h.store.FailInserts(errors.New("disk full"))

	alice.send(protocol.EventSendMessage, id(2), protocol.SendMessage{RecipientID: "bob", Content: "hi"})
	var ack protocol.SendMessageAck
	mustUnmarshal(t, alice.expectAck(2).Data, &ack)
	if ack.Success || ack.Error != relay.MessageSendFailed {
		t.Fatalf("ack=%+v", ack)
	}
}

func TestChannel_UnauthenticatedEventsRejected(t *testing.T) {
	h := newHarness(t, nil)
	c := h.dial()

	c.send(protocol.EventSendMessage, id(3), protocol.SendMessage{RecipientID: "bob", Content: "sneaky"})
	var ack protocol.Ack
	mustUnmarshal(t, c.expectAck(3).Data, &ack)
	if ack.Success || ack.Error != "Not authenticated" {
		t.Fatalf("ack=%+v", ack)
	}
	msgs, _ := h.store.Conversation(context.Background(), "alice", "bob", 0, 0)
	if len(msgs) != 0 {
		t.Fatalf("persisted %d messages, want 0", len(msgs))
	}

	// The channel can still authenticate afterwards.
	c.send(protocol.EventAuthenticate, nil, h.token("alice"))
	c.expect(protocol.EventAuthenticated)
}

func TestChannel_InvalidTokenCloses(t *testing.T) {
	h := newHarness(t, nil)
	c := h.dial()

	c.send(protocol.EventAuthenticate, nil, "not-a-jwt")
	var got protocol.Authenticated
	mustUnmarshal(t, c.expect(protocol.EventAuthenticated).Data, &got)
	if got.Success {
		t.Fatalf("authenticated=%+v, want failure", got)
	}
	c.expectClose(websocket.ClosePolicyViolation, "invalid credentials")
	if h.reg.Len() != 0 {
		t.Fatalf("registry len=%d, want 0", h.reg.Len())
	}
	if got := h.metrics.Get(metrics.AuthFailure); got != 1 {
		t.Fatalf("auth failures=%d, want 1", got)
	}
}

func TestChannel_AuthenticateObjectForm(t *testing.T) {
	h := newHarness(t, nil)
	c := h.dial()
	c.send(protocol.EventAuthenticate, id(1), map[string]string{"token": h.token("carol")})
	var ack protocol.Ack
	mustUnmarshal(t, c.expectAck(1).Data, &ack)
	if !ack.Success {
		t.Fatalf("ack=%+v", ack)
	}
	if _, ok := h.reg.Lookup("carol"); !ok {
		t.Fatalf("carol not registered")
	}
}

func TestChannel_AuthTimeout(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.AuthTimeout = 100 * time.Millisecond })
	c := h.dial()
	c.expectClose(websocket.ClosePolicyViolation, "authentication timeout")
	if got := h.metrics.Get(metrics.AuthTimeout); got != 1 {
		t.Fatalf("auth timeouts=%d, want 1", got)
	}
}

func TestChannel_ReauthenticateRejected(t *testing.T) {
	h := newHarness(t, nil)
	c := h.login("alice")

	c.send(protocol.EventAuthenticate, nil, h.token("bob"))
	var perr protocol.Error
	mustUnmarshal(t, c.expect(protocol.EventError).Data, &perr)
	if perr.Code != protocol.CodeAlreadyAuthenticated {
		t.Fatalf("error=%+v", perr)
	}
	if _, ok := h.reg.Lookup("bob"); ok {
		t.Fatalf("re-authentication registered bob")
	}

	// Still usable as alice.
	c.send(protocol.EventSendMessage, id(1), protocol.SendMessage{RecipientID: "bob", Content: "x"})
	var ack protocol.SendMessageAck
	mustUnmarshal(t, c.expectAck(1).Data, &ack)
	if !ack.Success || ack.Message.SenderID != "alice" {
		t.Fatalf("ack=%+v", ack)
	}
}

func TestChannel_QueryTokenAuthenticates(t *testing.T) {
	h := newHarness(t, nil)
	ws, _, err := websocket.DefaultDialer.Dial(h.wsURL()+"?token="+h.token("bob"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()
	c := &client{t: t, ws: ws}
	var got protocol.Authenticated
	mustUnmarshal(t, c.expect(protocol.EventAuthenticated).Data, &got)
	if !got.Success || got.UserID != "bob" {
		t.Fatalf("authenticated=%+v", got)
	}
}

func TestChannel_MalformedHeaderTokenRejected(t *testing.T) {
	h := newHarness(t, nil)
	header := http.Header{"Authorization": []string{"Basic Zm9vOmJhcg=="}}
	_, resp, err := websocket.DefaultDialer.Dial(h.wsURL(), header)
	if err == nil {
		t.Fatalf("dial succeeded, want failure")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("resp=%v, want 401", resp)
	}
}

func TestChannel_OriginPolicy(t *testing.T) {
	policy, err := origin.NewPolicy([]string{"https://chat.example"})
	if err != nil {
		t.Fatalf("NewPolicy: %v", err)
	}
	h := newHarness(t, func(cfg *Config) { cfg.Origins = policy })

	_, resp, err := websocket.DefaultDialer.Dial(h.wsURL(), http.Header{"Origin": []string{"https://evil.example"}})
	if err == nil {
		t.Fatalf("dial from disallowed origin succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("resp=%v, want 403", resp)
	}

	ws, _, err := websocket.DefaultDialer.Dial(h.wsURL(), http.Header{"Origin": []string{"https://chat.example"}})
	if err != nil {
		t.Fatalf("dial from allowed origin: %v", err)
	}
	_ = ws.Close()
}

func TestChannel_TypingForwarded(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.login("alice")
	bob := h.login("bob")

	alice.send(protocol.EventTyping, nil, protocol.Typing{RecipientID: "bob", IsTyping: true})
	var got protocol.UserTyping
	mustUnmarshal(t, bob.expect(protocol.EventUserTyping).Data, &got)
	if got != (protocol.UserTyping{UserID: "alice", IsTyping: true}) {
		t.Fatalf("user_typing=%+v", got)
	}
}

func TestChannel_PresenceOnlineOffline(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.login("alice")
	bob := h.login("bob")

	var online protocol.Presence
	mustUnmarshal(t, alice.expect(protocol.EventUserOnline).Data, &online)
	if online.UserID != "bob" {
		t.Fatalf("user_online=%+v", online)
	}

	_ = bob.ws.Close()
	var offline protocol.Presence
	mustUnmarshal(t, alice.expect(protocol.EventUserOffline).Data, &offline)
	if offline.UserID != "bob" {
		t.Fatalf("user_offline=%+v", offline)
	}
	waitFor(t, "bob removed", func() bool {
		_, ok := h.reg.Lookup("bob")
		return !ok
	})
}

func TestChannel_SupersededChannelStaysOpen(t *testing.T) {
	h := newHarness(t, nil)
	first := h.login("bob")
	second := h.login("bob")
	alice := h.login("alice")

	first.send(protocol.EventSendMessage, id(1), protocol.SendMessage{RecipientID: "alice", Content: "from old"})
	var ack protocol.SendMessageAck
	mustUnmarshal(t, first.expectAck(1).Data, &ack)
	if !ack.Success {
		t.Fatalf("superseded channel could not send: %+v", ack)
	}
	alice.expect(protocol.EventReceiveMessage)

	alice.send(protocol.EventSendMessage, id(2), protocol.SendMessage{RecipientID: "bob", Content: "to new"})
	var got store.Message
	mustUnmarshal(t, second.expect(protocol.EventReceiveMessage).Data, &got)
	if got.Content != "to new" {
		t.Fatalf("received=%+v", got)
	}

	before := h.srv.Len()
	_ = first.ws.Close()
	waitFor(t, "old channel closed", func() bool { return h.srv.Len() == before-1 })
	if c, ok := h.reg.Lookup("bob"); !ok || c == nil {
		t.Fatalf("bob went offline when the superseded channel closed")
	}
	if got := h.metrics.Get(metrics.PresenceOffline); got != 0 {
		t.Fatalf("offline events=%d, want 0", got)
	}
	if got := h.metrics.Get(metrics.ChannelSuperseded); got != 1 {
		t.Fatalf("superseded=%d, want 1", got)
	}
}

func TestChannel_CallFlow(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.login("alice")
	bob := h.login("bob")

	alice.send(protocol.EventCallOffer, id(1), protocol.CallOffer{RecipientID: "bob", Offer: json.RawMessage(testOffer), CallType: "video"})
	var ack protocol.Ack
	mustUnmarshal(t, alice.expectAck(1).Data, &ack)
	if !ack.Success {
		t.Fatalf("offer ack=%+v", ack)
	}
	var incoming protocol.IncomingCall
	mustUnmarshal(t, bob.expect(protocol.EventIncomingCall).Data, &incoming)
	if incoming.CallerID != "alice" || incoming.CallType != "video" {
		t.Fatalf("incoming_call=%+v", incoming)
	}

	bob.send(protocol.EventCallAnswer, nil, protocol.CallAnswer{RecipientID: "alice", Answer: json.RawMessage(testAnswer)})
	var answered protocol.CallAnswered
	mustUnmarshal(t, alice.expect(protocol.EventCallAnswered).Data, &answered)
	if answered.AnswererID != "bob" {
		t.Fatalf("call_answered=%+v", answered)
	}

	cand := json.RawMessage(`{"candidate":"candidate:1 1 udp 1 10.0.0.1 9 typ host"}`)
	alice.send(protocol.EventICECandidate, nil, protocol.ICECandidate{RecipientID: "bob", Candidate: cand})
	var relayed protocol.RelayedICECandidate
	mustUnmarshal(t, bob.expect(protocol.EventICECandidate).Data, &relayed)
	if relayed.From != "alice" {
		t.Fatalf("ice_candidate=%+v", relayed)
	}

	bob.send(protocol.EventCallEnd, nil, protocol.CallEnd{RecipientID: "alice"})
	var ended protocol.CallEnded
	mustUnmarshal(t, alice.expect(protocol.EventCallEnded).Data, &ended)
	if ended != (protocol.CallEnded{From: "bob"}) {
		t.Fatalf("call_ended=%+v", ended)
	}
	waitFor(t, "call removed", func() bool { return h.broker.Len() == 0 })
}

func TestChannel_CallErrorsAcked(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.login("alice")

	alice.send(protocol.EventCallAnswer, id(1), protocol.CallAnswer{RecipientID: "bob", Answer: json.RawMessage(testAnswer)})
	var ack protocol.Ack
	mustUnmarshal(t, alice.expectAck(1).Data, &ack)
	if ack.Success || ack.Error != "no pending call from that caller" {
		t.Fatalf("ack=%+v", ack)
	}

	alice.send(protocol.EventCallOffer, id(2), protocol.CallOffer{RecipientID: "bob", Offer: json.RawMessage(testOffer), CallType: "hologram"})
	mustUnmarshal(t, alice.expectAck(2).Data, &ack)
	if ack.Success {
		t.Fatalf("ack=%+v, want failure for unknown callType", ack)
	}
}

func TestChannel_CallerDisconnectEndsCall(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.login("alice")
	bob := h.login("bob")

	alice.send(protocol.EventCallOffer, id(1), protocol.CallOffer{RecipientID: "bob", Offer: json.RawMessage(testOffer), CallType: "audio"})
	bob.expect(protocol.EventIncomingCall)

	_ = alice.ws.Close()
	var ended protocol.CallEnded
	mustUnmarshal(t, bob.expect(protocol.EventCallEnded).Data, &ended)
	if ended != (protocol.CallEnded{From: "alice", Reason: protocol.ReasonDisconnected}) {
		t.Fatalf("call_ended=%+v", ended)
	}
	if h.broker.Len() != 0 {
		t.Fatalf("broker still tracks %d attempts", h.broker.Len())
	}
}

func TestChannel_BadFrames(t *testing.T) {
	h := newHarness(t, nil)
	c := h.login("alice")

	if err := c.ws.WriteMessage(websocket.TextMessage, []byte(`{"event":`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	var perr protocol.Error
	mustUnmarshal(t, c.expect(protocol.EventError).Data, &perr)
	if perr.Code != protocol.CodeBadMessage {
		t.Fatalf("error=%+v", perr)
	}

	c.send("dance", nil, nil)
	mustUnmarshal(t, c.expect(protocol.EventError).Data, &perr)
	if perr.Code != protocol.CodeUnknownEvent {
		t.Fatalf("error=%+v", perr)
	}

	c.send(protocol.EventSendMessage, id(9), map[string]any{"recipientId": "bob", "content": "x", "extra": true})
	var ack protocol.SendMessageAck
	mustUnmarshal(t, c.expectAck(9).Data, &ack)
	if ack.Success {
		t.Fatalf("unknown field accepted: %+v", ack)
	}
}

type frozenClock struct{ t time.Time }

func (c frozenClock) Now() time.Time { return c.t }

func TestChannel_RateLimitHardClose(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.MessagesPerSecond = 1
		cfg.HardCloseAfterViolations = 2
		cfg.ViolationWindow = time.Minute
		cfg.Clock = frozenClock{t: time.Unix(1_700_000_000, 0)}
	})
	c := h.dial()

	c.send(protocol.EventAuthenticate, nil, h.token("alice"))
	c.expect(protocol.EventAuthenticated)

	c.send(protocol.EventTyping, nil, protocol.Typing{RecipientID: "bob", IsTyping: true})
	var perr protocol.Error
	mustUnmarshal(t, c.expect(protocol.EventError).Data, &perr)
	if perr.Code != protocol.CodeRateLimited {
		t.Fatalf("error=%+v", perr)
	}

	c.send(protocol.EventTyping, nil, protocol.Typing{RecipientID: "bob", IsTyping: true})
	c.expectClose(websocket.ClosePolicyViolation, "rate limit exceeded")
}

func TestChannel_MessageTooLarge(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.MaxMessageBytes = 128 })
	c := h.login("alice")

	c.send(protocol.EventSendMessage, nil, protocol.SendMessage{RecipientID: "bob", Content: strings.Repeat("x", 512)})
	if ce := c.readClose(); ce.Code != websocket.CloseMessageTooBig {
		t.Fatalf("close=%d %q, want %d", ce.Code, ce.Text, websocket.CloseMessageTooBig)
	}
}

func TestChannel_KeepaliveClosesSilentClient(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.IdleTimeout = 200 * time.Millisecond
		cfg.PingInterval = 50 * time.Millisecond
	})
	c := h.login("alice")

	// Swallow pings without answering.
	c.ws.SetPingHandler(func(string) error { return nil })
	c.expectClose(websocket.CloseNormalClosure, "idle timeout")
}

func TestChannel_KeepaliveKeepsRespondingClient(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.IdleTimeout = 200 * time.Millisecond
		cfg.PingInterval = 50 * time.Millisecond
	})
	c := h.login("alice")

	// The default ping handler answers with pongs while we read.
	_ = c.ws.SetReadDeadline(time.Now().Add(600 * time.Millisecond))
	_, _, err := c.ws.ReadMessage()
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		t.Fatalf("server closed a responsive channel: %v", ce)
	}
	if _, ok := h.reg.Lookup("alice"); !ok {
		t.Fatalf("alice dropped from registry")
	}
}

func TestServer_ShutdownClosesChannels(t *testing.T) {
	h := newHarness(t, nil)
	c := h.login("alice")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- h.srv.Shutdown(ctx) }()

	c.expectClose(websocket.CloseGoingAway, "server shutting down")
	if err := <-done; err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if h.srv.Len() != 0 {
		t.Fatalf("open channels=%d, want 0", h.srv.Len())
	}
}

func TestConn_SendQueueFull(t *testing.T) {
	m := metrics.New()
	c := &Conn{
		srv:  &Server{cfg: Config{Metrics: m}},
		log:  slog.Default(),
		out:  make(chan []byte, 1),
		done: make(chan struct{}),
	}
	if err := c.Send(protocol.EventUserTyping, protocol.UserTyping{UserID: "a"}); err != nil {
		t.Fatalf("first Send: %v", err)
	}
	if err := c.Send(protocol.EventUserTyping, protocol.UserTyping{UserID: "a"}); !errors.Is(err, ErrSendQueueFull) {
		t.Fatalf("second Send err=%v, want ErrSendQueueFull", err)
	}
	if got := m.Get(metrics.SendQueueFull); got != 1 {
		t.Fatalf("send_queue_full=%d, want 1", got)
	}

	close(c.done)
	if err := c.Send(protocol.EventUserTyping, nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("Send after close err=%v, want ErrClosed", err)
	}
}

func TestNewServer_RequiresCollaborators(t *testing.T) {
	if _, err := NewServer(Config{}); err == nil {
		t.Fatalf("NewServer accepted an empty config")
	}
}
