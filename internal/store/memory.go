package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Store used for development and tests.
type Memory struct {
	mu       sync.RWMutex
	messages []Message
	ids      map[string]struct{}
	contacts map[[2]string]struct{}

	// failInsert, when non-nil, is returned by InsertMessage.
	failInsert error
}

func NewMemory() *Memory {
	return &Memory{
		ids:      make(map[string]struct{}),
		contacts: make(map[[2]string]struct{}),
	}
}

// FailInserts makes subsequent InsertMessage calls return err (nil restores).
func (m *Memory) FailInserts(err error) {
	m.mu.Lock()
	m.failInsert = err
	m.mu.Unlock()
}

func (m *Memory) InsertMessage(ctx context.Context, msg Message) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	if err := validateMessage(msg); err != nil {
		return Message{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failInsert != nil {
		return Message{}, m.failInsert
	}
	if _, ok := m.ids[msg.ID]; ok {
		return Message{}, ErrDuplicateID
	}
	m.ids[msg.ID] = struct{}{}
	m.messages = append(m.messages, msg)
	return msg, nil
}

func (m *Memory) Conversation(ctx context.Context, a, b string, limit, offset int) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit, offset = normalizePage(limit, offset)

	m.mu.RLock()
	var matched []Message
	for _, msg := range m.messages {
		if (msg.SenderID == a && msg.RecipientID == b) || (msg.SenderID == b && msg.RecipientID == a) {
			matched = append(matched, msg)
		}
	}
	m.mu.RUnlock()

	// Newest first for paging, then flip back to chronological order.
	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	if offset >= len(matched) {
		return []Message{}, nil
	}
	matched = matched[offset:]
	if len(matched) > limit {
		matched = matched[:limit]
	}
	out := make([]Message, len(matched))
	for i := range matched {
		out[len(matched)-1-i] = matched[i]
	}
	return out, nil
}

func (m *Memory) RecentConversations(ctx context.Context, identity string, limit int) ([]RecentConversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit = normalizeRecentLimit(limit)

	m.mu.RLock()
	last := make(map[string]time.Time)
	for _, msg := range m.messages {
		var other string
		switch identity {
		case msg.SenderID:
			other = msg.RecipientID
		case msg.RecipientID:
			other = msg.SenderID
		default:
			continue
		}
		if at, ok := last[other]; !ok || msg.CreatedAt.After(at) {
			last[other] = msg.CreatedAt
		}
	}
	m.mu.RUnlock()

	out := make([]RecentConversation, 0, len(last))
	for other, at := range last {
		out = append(out, RecentConversation{OtherUserID: other, LastMessageAt: at})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastMessageAt.Equal(out[j].LastMessageAt) {
			return out[i].OtherUserID < out[j].OtherUserID
		}
		return out[i].LastMessageAt.After(out[j].LastMessageAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) AreContacts(ctx context.Context, a, b string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if a == "" || b == "" || a == b {
		return false, nil
	}
	m.mu.RLock()
	_, ok := m.contacts[contactKey(a, b)]
	m.mu.RUnlock()
	return ok, nil
}

func (m *Memory) AddContacts(ctx context.Context, a, b string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	m.contacts[contactKey(a, b)] = struct{}{}
	m.mu.Unlock()
	return nil
}

func (m *Memory) Ping(ctx context.Context) error { return ctx.Err() }

func (m *Memory) Close() error { return nil }
