// Package store persists message records and answers the single authorization
// predicate the relay depends on: whether two identities are accepted contacts.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Message is an immutable chat message record.
type Message struct {
	ID             string    `json:"id"`
	SenderID       string    `json:"senderId"`
	RecipientID    string    `json:"recipientId"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"createdAt"`
	AttachmentURL  string    `json:"attachmentUrl,omitempty"`
	AttachmentType string    `json:"attachmentType,omitempty"`
}

// MessageStore persists and retrieves message records.
type MessageStore interface {
	// InsertMessage persists msg as given (the caller assigns ID and CreatedAt)
	// and returns the stored record.
	InsertMessage(ctx context.Context, msg Message) (Message, error)

	// Conversation returns messages exchanged between a and b, oldest first.
	// limit/offset page backwards from the newest message.
	Conversation(ctx context.Context, a, b string, limit, offset int) ([]Message, error)

	// RecentConversations lists the peers identity has exchanged messages
	// with, most recently active first.
	RecentConversations(ctx context.Context, identity string, limit int) ([]RecentConversation, error)
}

// RecentConversation is one row of an identity's conversation list.
type RecentConversation struct {
	OtherUserID   string    `json:"otherUserId"`
	LastMessageAt time.Time `json:"lastMessageAt"`
}

// Contacts answers "are these two identities allowed to exchange messages and
// calls". The predicate is symmetric.
type Contacts interface {
	AreContacts(ctx context.Context, a, b string) (bool, error)
}

// Store is a full backend: messages, contacts, and lifecycle.
type Store interface {
	MessageStore
	Contacts

	// AddContacts records an accepted contact relationship between a and b.
	AddContacts(ctx context.Context, a, b string) error
	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error
	Close() error
}

var (
	ErrDuplicateID = errors.New("store: duplicate message id")
	ErrInvalid     = errors.New("store: invalid message")
)

const (
	DefaultConversationLimit = 50
	MaxConversationLimit     = 500

	DefaultRecentLimit = 20
	MaxRecentLimit     = 200
)

// Driver selects a Store backend.
type Driver string

const (
	DriverMemory   Driver = "memory"
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

type Options struct {
	Driver      Driver
	SQLitePath  string
	DatabaseURL string
}

// Open constructs the configured backend and ensures its schema exists.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Driver {
	case DriverMemory:
		return NewMemory(), nil
	case DriverSQLite, "":
		return OpenSQLite(ctx, opts.SQLitePath)
	case DriverPostgres:
		return OpenPostgres(ctx, opts.DatabaseURL)
	default:
		return nil, fmt.Errorf("store: unsupported driver %q", opts.Driver)
	}
}

func validateMessage(msg Message) error {
	switch {
	case msg.ID == "":
		return fmt.Errorf("%w: missing id", ErrInvalid)
	case msg.SenderID == "" || msg.RecipientID == "":
		return fmt.Errorf("%w: missing sender or recipient", ErrInvalid)
	case msg.CreatedAt.IsZero():
		return fmt.Errorf("%w: missing createdAt", ErrInvalid)
	}
	return nil
}

func normalizePage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = DefaultConversationLimit
	}
	if limit > MaxConversationLimit {
		limit = MaxConversationLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func normalizeRecentLimit(limit int) int {
	if limit <= 0 {
		return DefaultRecentLimit
	}
	return min(limit, MaxRecentLimit)
}

// contactKey orders the pair so the relationship is symmetric.
func contactKey(a, b string) [2]string {
	if b < a {
		a, b = b, a
	}
	return [2]string{a, b}
}
