package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/store"
)

const DefaultAnswerTimeout = 30 * time.Second

var (
	ErrNoPendingCall    = errors.New("signaling: no pending call from that caller")
	ErrNoActiveCall     = errors.New("signaling: no call between these participants")
	ErrInvalidOffer     = errors.New("signaling: invalid offer")
	ErrInvalidAnswer    = errors.New("signaling: invalid answer")
	ErrInvalidCandidate = errors.New("signaling: invalid candidate")
	ErrInvalidRequest   = errors.New("signaling: invalid request")
	ErrUnauthorized     = errors.New("signaling: participants are not contacts")
	ErrClosed           = errors.New("signaling: broker closed")
)

type CallKind string

const (
	CallAudio CallKind = "audio"
	CallVideo CallKind = "video"
)

func ParseCallKind(s string) (CallKind, error) {
	switch CallKind(s) {
	case CallAudio, CallVideo:
		return CallKind(s), nil
	default:
		return "", fmt.Errorf("%w: unknown callType %q", ErrInvalidRequest, s)
	}
}

// State is the lifecycle position of a call attempt.
type State int

const (
	StateOffered State = iota
	StateAnswered
	StateActive
	StateEnded
	StateTimedOut
)

func (s State) String() string {
	switch s {
	case StateOffered:
		return "offered"
	case StateAnswered:
		return "answered"
	case StateActive:
		return "active"
	case StateEnded:
		return "ended"
	case StateTimedOut:
		return "timed_out"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Deliverer pushes an event to the channel registered for identity.
type Deliverer interface {
	Deliver(identity, event string, data any) bool
}

// Timer is the subset of *time.Timer the broker uses.
type Timer interface {
	Stop() bool
}

type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

type Config struct {
	Peers Deliverer
	// Contacts gates Offer. Nil allows any pair.
	Contacts store.Contacts

	AnswerTimeout time.Duration
	// ValidateSDP parses offer and answer SDP bodies, not just their envelope.
	ValidateSDP bool
	// NotifyPeerOnDisconnect sends call_ended to the surviving participant when
	// the other one disconnects.
	NotifyPeerOnDisconnect bool

	Metrics *metrics.Metrics
	Logger  *slog.Logger

	// AfterFunc defaults to time.AfterFunc.
	AfterFunc AfterFunc
}

type callKey struct {
	initiator string
	target    string
}

type attempt struct {
	key   callKey
	kind  CallKind
	state State
	timer Timer
}

// Broker tracks call attempts keyed by (initiator, target) and forwards
// signaling payloads between the participants.
type Broker struct {
	peers         Deliverer
	contacts      store.Contacts
	answerTimeout time.Duration
	validateSDP   bool
	notifyGone    bool
	metrics       *metrics.Metrics
	log           *slog.Logger
	afterFunc     AfterFunc

	mu       sync.Mutex
	attempts map[callKey]*attempt
	closed   bool
}

func NewBroker(cfg Config) *Broker {
	timeout := cfg.AnswerTimeout
	if timeout <= 0 {
		timeout = DefaultAnswerTimeout
	}
	afterFunc := cfg.AfterFunc
	if afterFunc == nil {
		afterFunc = realAfterFunc
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		peers:         cfg.Peers,
		contacts:      cfg.Contacts,
		answerTimeout: timeout,
		validateSDP:   cfg.ValidateSDP,
		notifyGone:    cfg.NotifyPeerOnDisconnect,
		metrics:       cfg.Metrics,
		log:           logger,
		afterFunc:     afterFunc,
		attempts:      make(map[callKey]*attempt),
	}
}

// Offer starts a call attempt from initiator to target and forwards the offer
// if target is online. A live attempt for the same pair is replaced. The
// answer timer runs whether or not the offer was delivered.
func (b *Broker) Offer(ctx context.Context, initiator, target string, offer json.RawMessage, kind CallKind) error {
	if initiator == "" || target == "" || initiator == target {
		b.metrics.Inc(metrics.CallRejected)
		return fmt.Errorf("%w: invalid participants", ErrInvalidRequest)
	}
	if kind != CallAudio && kind != CallVideo {
		b.metrics.Inc(metrics.CallRejected)
		return fmt.Errorf("%w: unknown callType %q", ErrInvalidRequest, kind)
	}
	if _, err := parseSessionDescription(offer, webrtc.SDPTypeOffer, b.validateSDP); err != nil {
		b.metrics.Inc(metrics.CallRejected)
		return fmt.Errorf("%w: %w", ErrInvalidOffer, err)
	}
	if b.contacts != nil {
		ok, err := b.contacts.AreContacts(ctx, initiator, target)
		if err != nil {
			return fmt.Errorf("signaling: contacts lookup: %w", err)
		}
		if !ok {
			b.metrics.Inc(metrics.CallRejected)
			return ErrUnauthorized
		}
	}

	key := callKey{initiator: initiator, target: target}
	a := &attempt{key: key, kind: kind, state: StateOffered}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	if prev, ok := b.attempts[key]; ok {
		prev.timer.Stop()
		prev.state = StateEnded
		b.metrics.Inc(metrics.CallSuperseded)
	}
	b.attempts[key] = a
	a.timer = b.afterFunc(b.answerTimeout, func() { b.expire(a) })
	b.mu.Unlock()

	b.metrics.Inc(metrics.CallOffered)
	delivered := b.peers.Deliver(target, protocol.EventIncomingCall, protocol.IncomingCall{
		CallerID: initiator,
		Offer:    offer,
		CallType: string(kind),
	})
	b.log.Debug("call offered", "initiator", initiator, "target", target, "call_type", kind, "delivered", delivered)
	return nil
}

// expire runs on the answer timer. It is a no-op unless a is still the live,
// unanswered attempt for its pair.
func (b *Broker) expire(a *attempt) {
	b.mu.Lock()
	if b.attempts[a.key] != a || a.state != StateOffered {
		b.mu.Unlock()
		return
	}
	a.state = StateTimedOut
	delete(b.attempts, a.key)
	b.mu.Unlock()

	b.metrics.Inc(metrics.CallTimedOut)
	b.peers.Deliver(a.key.initiator, protocol.EventCallEnded, protocol.CallEnded{
		From:   a.key.target,
		Reason: protocol.ReasonTimeout,
	})
	b.log.Debug("call timed out", "initiator", a.key.initiator, "target", a.key.target)
}

// Answer accepts the pending offer initiator sent to answerer.
func (b *Broker) Answer(answerer, initiator string, answer json.RawMessage) error {
	if _, err := parseSessionDescription(answer, webrtc.SDPTypeAnswer, b.validateSDP); err != nil {
		b.metrics.Inc(metrics.CallRejected)
		return fmt.Errorf("%w: %w", ErrInvalidAnswer, err)
	}

	key := callKey{initiator: initiator, target: answerer}
	b.mu.Lock()
	a, ok := b.attempts[key]
	if !ok || a.state != StateOffered {
		b.mu.Unlock()
		b.metrics.Inc(metrics.CallRejected)
		return ErrNoPendingCall
	}
	a.timer.Stop()
	a.state = StateAnswered
	b.mu.Unlock()

	b.metrics.Inc(metrics.CallAnswered)
	b.peers.Deliver(initiator, protocol.EventCallAnswered, protocol.CallAnswered{
		AnswererID: answerer,
		Answer:     answer,
	})
	return nil
}

// Candidate forwards an opaque ICE candidate. Candidates are accepted in
// either direction for as long as an attempt between the pair exists; the
// first one after the answer marks the call active.
func (b *Broker) Candidate(from, to string, candidate json.RawMessage) error {
	if len(candidate) == 0 || string(candidate) == "null" {
		return ErrInvalidCandidate
	}

	b.mu.Lock()
	a := b.lookupLocked(from, to)
	if a == nil {
		b.mu.Unlock()
		b.metrics.Inc(metrics.CallRejected)
		return ErrNoActiveCall
	}
	if a.state == StateAnswered {
		a.state = StateActive
	}
	b.mu.Unlock()

	b.metrics.Inc(metrics.CallCandidate)
	b.peers.Deliver(to, protocol.EventICECandidate, protocol.RelayedICECandidate{
		From:      from,
		Candidate: candidate,
	})
	return nil
}

// End tears down any attempt between the pair and always tells the other side.
// Ending twice is harmless.
func (b *Broker) End(from, to string) {
	if from == "" || to == "" {
		return
	}
	b.mu.Lock()
	for _, key := range []callKey{{from, to}, {to, from}} {
		if a, ok := b.attempts[key]; ok {
			a.timer.Stop()
			a.state = StateEnded
			delete(b.attempts, key)
		}
	}
	b.mu.Unlock()

	b.metrics.Inc(metrics.CallEnded)
	b.peers.Deliver(to, protocol.EventCallEnded, protocol.CallEnded{From: from})
}

// ParticipantGone drops every attempt involving identity. It is called once
// the identity has no live channel left.
func (b *Broker) ParticipantGone(identity string) {
	var peers []string
	b.mu.Lock()
	for key, a := range b.attempts {
		if key.initiator != identity && key.target != identity {
			continue
		}
		a.timer.Stop()
		a.state = StateEnded
		delete(b.attempts, key)
		if key.initiator == identity {
			peers = append(peers, key.target)
		} else {
			peers = append(peers, key.initiator)
		}
	}
	b.mu.Unlock()

	for _, peer := range peers {
		b.metrics.Inc(metrics.CallPeerGone)
		if b.notifyGone {
			b.peers.Deliver(peer, protocol.EventCallEnded, protocol.CallEnded{
				From:   identity,
				Reason: protocol.ReasonDisconnected,
			})
		}
	}
}

// Lookup reports the state of the attempt initiator started toward target.
func (b *Broker) Lookup(initiator, target string) (State, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	a, ok := b.attempts[callKey{initiator: initiator, target: target}]
	if !ok {
		return 0, false
	}
	return a.state, true
}

// Len returns the number of live attempts.
func (b *Broker) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.attempts)
}

// Close stops every answer timer. Later offers fail with ErrClosed.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for key, a := range b.attempts {
		a.timer.Stop()
		a.state = StateEnded
		delete(b.attempts, key)
	}
}

// lookupLocked finds a live attempt between x and y in either direction,
// preferring the one x initiated.
func (b *Broker) lookupLocked(x, y string) *attempt {
	if a, ok := b.attempts[callKey{initiator: x, target: y}]; ok {
		return a
	}
	if a, ok := b.attempts[callKey{initiator: y, target: x}]; ok {
		return a
	}
	return nil
}
