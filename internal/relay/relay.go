// Package relay persists chat messages and forwards them to recipients that
// currently hold a channel. Offline recipients pick messages up from history;
// nothing is queued in memory.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/attachments"
	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/store"
)

var (
	ErrInvalidRequest = errors.New("relay: invalid request")
	ErrUnauthorized   = errors.New("relay: sender and recipient are not contacts")
	ErrStoreFailure   = errors.New("relay: failed to persist message")
)

// Client-facing error texts.
const (
	MessageNotContacts = "You are not friends with this user"
	MessageSendFailed  = "failed to send message"
)

// ClientMessage maps a relay error to the text returned to the sender. Store
// and oracle details never leak to clients.
func ClientMessage(err error) string {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return MessageNotContacts
	case errors.Is(err, ErrInvalidRequest):
		return strings.TrimPrefix(err.Error(), "relay: ")
	default:
		return MessageSendFailed
	}
}

// Deliverer pushes an event to the channel currently registered for an
// identity and reports whether one was found.
type Deliverer interface {
	Deliver(identity, event string, data any) bool
}

type Config struct {
	Messages store.MessageStore
	Contacts store.Contacts
	Peers    Deliverer
	Metrics  *metrics.Metrics
	Logger   *slog.Logger

	// Now defaults to time.Now.
	Now func() time.Time
	// NewID defaults to UUIDv7 strings.
	NewID func() (string, error)

	// AttachmentURLPrefix is the only prefix an attachmentUrl may carry,
	// followed by a stored file name. Defaults to attachments.PathPrefix.
	AttachmentURLPrefix string
}

type Relay struct {
	messages store.MessageStore
	contacts store.Contacts
	peers    Deliverer
	metrics  *metrics.Metrics
	log      *slog.Logger
	stamps   *Stamper
	newID    func() (string, error)

	attachmentPrefix string
}

func New(cfg Config) *Relay {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	newID := cfg.NewID
	if newID == nil {
		newID = newMessageID
	}
	prefix := cfg.AttachmentURLPrefix
	if prefix == "" {
		prefix = attachments.PathPrefix
	}
	return &Relay{
		messages: cfg.Messages,
		contacts: cfg.Contacts,
		peers:    cfg.Peers,
		metrics:  cfg.Metrics,
		log:      logger,
		stamps:   NewStamper(cfg.Now),
		newID:    newID,

		attachmentPrefix: prefix,
	}
}

// SendMessage authorizes, persists, and forwards a message from the
// authenticated identity from. The persisted record is returned for the
// sender's ack. A recipient without a channel is not an error.
func (r *Relay) SendMessage(ctx context.Context, from string, req protocol.SendMessage) (store.Message, error) {
	if err := r.validateSend(from, req); err != nil {
		return store.Message{}, err
	}

	ok, err := r.contacts.AreContacts(ctx, from, req.RecipientID)
	if err != nil {
		r.metrics.Inc(metrics.MessageStoreFailure)
		r.log.Warn("contacts lookup failed", "from", from, "to", req.RecipientID, "err", err)
		return store.Message{}, fmt.Errorf("%w: contacts lookup: %w", ErrStoreFailure, err)
	}
	if !ok {
		r.metrics.Inc(metrics.MessageUnauthorized)
		return store.Message{}, ErrUnauthorized
	}

	id, err := r.newID()
	if err != nil {
		return store.Message{}, fmt.Errorf("%w: generate id: %w", ErrStoreFailure, err)
	}
	msg, err := r.messages.InsertMessage(ctx, store.Message{
		ID:             id,
		SenderID:       from,
		RecipientID:    req.RecipientID,
		Content:        req.Content,
		CreatedAt:      r.stamps.Next(),
		AttachmentURL:  req.AttachmentURL,
		AttachmentType: req.AttachmentType,
	})
	if err != nil {
		r.metrics.Inc(metrics.MessageStoreFailure)
		r.log.Error("persist message failed", "from", from, "to", req.RecipientID, "err", err)
		return store.Message{}, fmt.Errorf("%w: %w", ErrStoreFailure, err)
	}
	r.metrics.Inc(metrics.MessageSent)

	if r.peers.Deliver(msg.RecipientID, protocol.EventReceiveMessage, msg) {
		r.metrics.Inc(metrics.MessageDelivered)
	} else {
		r.metrics.Inc(metrics.MessageUndelivered)
	}
	return msg, nil
}

// SendTyping forwards a typing indicator. It is never persisted and never
// authorized; an offline recipient simply misses it.
func (r *Relay) SendTyping(from, to string, isTyping bool) bool {
	if from == "" || to == "" || from == to {
		r.metrics.Inc(metrics.TypingDropped)
		return false
	}
	if !r.peers.Deliver(to, protocol.EventUserTyping, protocol.UserTyping{UserID: from, IsTyping: isTyping}) {
		r.metrics.Inc(metrics.TypingDropped)
		return false
	}
	r.metrics.Inc(metrics.TypingForwarded)
	return true
}

// Conversation returns the history between requester and peer, oldest first.
func (r *Relay) Conversation(ctx context.Context, requester, peer string, limit, offset int) ([]store.Message, error) {
	if requester == "" || peer == "" {
		return nil, fmt.Errorf("%w: missing participant", ErrInvalidRequest)
	}
	ok, err := r.contacts.AreContacts(ctx, requester, peer)
	if err != nil {
		return nil, fmt.Errorf("%w: contacts lookup: %w", ErrStoreFailure, err)
	}
	if !ok {
		return nil, ErrUnauthorized
	}
	msgs, err := r.messages.Conversation(ctx, requester, peer, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreFailure, err)
	}
	return msgs, nil
}

// RecentConversations lists the peers identity has talked with, most recent
// first.
func (r *Relay) RecentConversations(ctx context.Context, identity string, limit int) ([]store.RecentConversation, error) {
	if identity == "" {
		return nil, fmt.Errorf("%w: missing identity", ErrInvalidRequest)
	}
	out, err := r.messages.RecentConversations(ctx, identity, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreFailure, err)
	}
	return out, nil
}

func (r *Relay) validateSend(from string, req protocol.SendMessage) error {
	switch {
	case from == "":
		return fmt.Errorf("%w: missing sender", ErrInvalidRequest)
	case strings.TrimSpace(req.RecipientID) == "":
		return fmt.Errorf("%w: missing recipientId", ErrInvalidRequest)
	case req.Content == "" && req.AttachmentURL == "":
		return fmt.Errorf("%w: content or attachment required", ErrInvalidRequest)
	case req.AttachmentURL != "" && req.AttachmentType == "":
		return fmt.Errorf("%w: attachmentType required with attachmentUrl", ErrInvalidRequest)
	case req.AttachmentURL == "" && req.AttachmentType != "":
		return fmt.Errorf("%w: attachmentUrl required with attachmentType", ErrInvalidRequest)
	}
	if req.AttachmentURL == "" {
		return nil
	}
	name, ok := strings.CutPrefix(req.AttachmentURL, r.attachmentPrefix)
	if !ok || !attachments.IsStoredName(name) {
		return fmt.Errorf("%w: attachmentUrl must reference an uploaded file", ErrInvalidRequest)
	}
	if _, _, err := mime.ParseMediaType(req.AttachmentType); err != nil {
		return fmt.Errorf("%w: invalid attachmentType", ErrInvalidRequest)
	}
	return nil
}

func newMessageID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
