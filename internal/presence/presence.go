// Package presence reconciles channel disconnects and announces online and
// offline transitions to other connected identities.
package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/registry"
	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/store"
)

// Scope selects who hears presence changes.
type Scope string

const (
	// ScopeContacts announces only to connected contacts of the identity.
	ScopeContacts Scope = "contacts"
	// ScopeAll announces to every connected identity.
	ScopeAll Scope = "all"
)

// CallTracker is notified when an identity has no live channel left.
type CallTracker interface {
	ParticipantGone(identity string)
}

type Config struct {
	Registry *registry.Registry
	Calls    CallTracker
	// Contacts is required for ScopeContacts.
	Contacts store.Contacts
	Scope    Scope
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
	// LookupTimeout bounds the contacts lookups of one fan-out.
	LookupTimeout time.Duration
}

type Reconciler struct {
	reg      *registry.Registry
	calls    CallTracker
	contacts store.Contacts
	scope    Scope
	metrics  *metrics.Metrics
	log      *slog.Logger
	timeout  time.Duration
}

func New(cfg Config) (*Reconciler, error) {
	if cfg.Registry == nil {
		return nil, errors.New("presence: registry is required")
	}
	scope := cfg.Scope
	switch scope {
	case "":
		scope = ScopeContacts
	case ScopeContacts, ScopeAll:
	default:
		return nil, fmt.Errorf("presence: invalid scope %q", scope)
	}
	if scope == ScopeContacts && cfg.Contacts == nil {
		return nil, errors.New("presence: contacts scope requires a contacts oracle")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.LookupTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Reconciler{
		reg:      cfg.Registry,
		calls:    cfg.Calls,
		contacts: cfg.Contacts,
		scope:    scope,
		metrics:  cfg.Metrics,
		log:      logger,
		timeout:  timeout,
	}, nil
}

// Disconnected handles the end of conn. When a newer channel has already
// replaced conn for identity the identity is still online and nothing happens.
// It reports whether the identity went offline.
func (r *Reconciler) Disconnected(identity string, conn registry.Conn) bool {
	if identity == "" {
		return false
	}
	if !r.reg.Remove(identity, conn) {
		r.log.Debug("superseded channel closed", "identity", identity, "conn_id", conn.ConnID())
		return false
	}
	if r.reconnected(identity) {
		return false
	}
	if r.calls != nil {
		r.calls.ParticipantGone(identity)
	}
	if r.reconnected(identity) {
		return false
	}
	r.metrics.Inc(metrics.PresenceOffline)
	r.announce(identity, protocol.EventUserOffline)
	return true
}

// reconnected reports whether a new channel registered identity after the
// old one was removed. The new channel owns the identity's calls and presence.
func (r *Reconciler) reconnected(identity string) bool {
	if _, ok := r.reg.Lookup(identity); ok {
		r.log.Debug("identity reconnected during disconnect", "identity", identity)
		return true
	}
	return false
}

// Online announces that identity has just authenticated a channel.
func (r *Reconciler) Online(identity string) {
	r.metrics.Inc(metrics.PresenceOnline)
	r.announce(identity, protocol.EventUserOnline)
}

func (r *Reconciler) announce(identity, event string) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	payload := protocol.Presence{UserID: identity}
	for _, other := range r.reg.Identities() {
		if other == identity {
			continue
		}
		if r.scope == ScopeContacts {
			ok, err := r.contacts.AreContacts(ctx, identity, other)
			if err != nil {
				r.log.Warn("presence contacts lookup failed", "identity", identity, "err", err)
				return
			}
			if !ok {
				continue
			}
		}
		r.reg.Deliver(other, event, payload)
	}
}
