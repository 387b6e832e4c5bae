package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// timeLayout is fixed-width so createdAt sorts lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS messages (
  id TEXT PRIMARY KEY,
  senderId TEXT NOT NULL,
  recipientId TEXT NOT NULL,
  content TEXT NOT NULL,
  createdAt TEXT NOT NULL,
  attachmentUrl TEXT,
  attachmentType TEXT
);
CREATE INDEX IF NOT EXISTS messages_pair_created
  ON messages (senderId, recipientId, createdAt);

CREATE TABLE IF NOT EXISTS friendships (
  id TEXT PRIMARY KEY,
  userId TEXT NOT NULL,
  friendId TEXT NOT NULL,
  status TEXT DEFAULT 'pending',
  createdAt TEXT NOT NULL,
  UNIQUE(userId, friendId)
);
`

// SQLite is a Store backed by a SQLite database file (pure Go driver).
type SQLite struct {
	db *sql.DB
}

func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("store: sqlite path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	// SQLite serializes writers; a single connection also keeps ":memory:"
	// databases from being split across pool connections.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: configure sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: migrate sqlite: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) InsertMessage(ctx context.Context, msg Message) (Message, error) {
	if err := validateMessage(msg); err != nil {
		return Message{}, err
	}
	msg.CreatedAt = msg.CreatedAt.UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, senderId, recipientId, content, createdAt, attachmentUrl, attachmentType)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SenderID, msg.RecipientID, msg.Content, msg.CreatedAt.Format(timeLayout),
		nullString(msg.AttachmentURL), nullString(msg.AttachmentType),
	)
	if err != nil {
		if isPrimaryKeyViolation(err) {
			return Message{}, ErrDuplicateID
		}
		return Message{}, fmt.Errorf("store: insert message: %w", err)
	}
	return msg, nil
}

func (s *SQLite) Conversation(ctx context.Context, a, b string, limit, offset int) ([]Message, error) {
	limit, offset = normalizePage(limit, offset)
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, senderId, recipientId, content, createdAt, attachmentUrl, attachmentType
		 FROM messages
		 WHERE (senderId = ? AND recipientId = ?) OR (senderId = ? AND recipientId = ?)
		 ORDER BY createdAt DESC, id DESC
		 LIMIT ? OFFSET ?`,
		a, b, b, a, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("store: query conversation: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var (
			msg            Message
			createdAt      string
			attachmentURL  sql.NullString
			attachmentType sql.NullString
		)
		if err := rows.Scan(&msg.ID, &msg.SenderID, &msg.RecipientID, &msg.Content, &createdAt, &attachmentURL, &attachmentType); err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		msg.CreatedAt, err = time.Parse(timeLayout, createdAt)
		if err != nil {
			return nil, fmt.Errorf("store: parse createdAt %q: %w", createdAt, err)
		}
		msg.AttachmentURL = attachmentURL.String
		msg.AttachmentType = attachmentType.String
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate conversation: %w", err)
	}
	reverse(out)
	if out == nil {
		out = []Message{}
	}
	return out, nil
}

func (s *SQLite) RecentConversations(ctx context.Context, identity string, limit int) ([]RecentConversation, error) {
	limit = normalizeRecentLimit(limit)
	rows, err := s.db.QueryContext(ctx,
		`SELECT CASE WHEN senderId = ? THEN recipientId ELSE senderId END AS otherUserId,
		        MAX(createdAt) AS lastMessageAt
		 FROM messages
		 WHERE senderId = ? OR recipientId = ?
		 GROUP BY otherUserId
		 ORDER BY lastMessageAt DESC, otherUserId ASC
		 LIMIT ?`,
		identity, identity, identity, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("store: query recent conversations: %w", err)
	}
	defer rows.Close()

	out := []RecentConversation{}
	for rows.Next() {
		var (
			rc   RecentConversation
			last string
		)
		if err := rows.Scan(&rc.OtherUserID, &last); err != nil {
			return nil, fmt.Errorf("store: scan recent conversation: %w", err)
		}
		rc.LastMessageAt, err = time.Parse(timeLayout, last)
		if err != nil {
			return nil, fmt.Errorf("store: parse lastMessageAt %q: %w", last, err)
		}
		out = append(out, rc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate recent conversations: %w", err)
	}
	return out, nil
}

func (s *SQLite) AreContacts(ctx context.Context, a, b string) (bool, error) {
	if a == "" || b == "" || a == b {
		return false, nil
	}
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM friendships
		 WHERE ((userId = ? AND friendId = ?) OR (userId = ? AND friendId = ?))
		 AND status = 'accepted'
		 LIMIT 1`,
		a, b, b, a,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: query friendship: %w", err)
	}
	return true, nil
}

func (s *SQLite) AddContacts(ctx context.Context, a, b string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO friendships (id, userId, friendId, status, createdAt)
		 VALUES (?, ?, ?, 'accepted', ?)
		 ON CONFLICT (userId, friendId) DO UPDATE SET status = 'accepted'`,
		uuid.NewString(), a, b, time.Now().UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("store: add friendship: %w", err)
	}
	return nil
}

func (s *SQLite) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLite) Close() error { return s.db.Close() }

func isPrimaryKeyViolation(err error) bool {
	var sqliteErr *sqlite.Error
	return errors.As(err, &sqliteErr) && sqliteErr.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func reverse(msgs []Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}
