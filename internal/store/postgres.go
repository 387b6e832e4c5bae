package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS messages (
  id TEXT PRIMARY KEY,
  sender_id TEXT NOT NULL,
  recipient_id TEXT NOT NULL,
  content TEXT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL,
  attachment_url TEXT,
  attachment_type TEXT
);
CREATE INDEX IF NOT EXISTS messages_pair_created
  ON messages (sender_id, recipient_id, created_at);

CREATE TABLE IF NOT EXISTS friendships (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  friend_id TEXT NOT NULL,
  status TEXT NOT NULL DEFAULT 'pending',
  created_at TIMESTAMPTZ NOT NULL,
  UNIQUE (user_id, friend_id)
);
`

// pgUniqueViolation is SQLSTATE unique_violation.
const pgUniqueViolation = "23505"

// Postgres is a Store backed by a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

func OpenPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, errors.New("store: database url is required")
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("store: connect postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: migrate postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) InsertMessage(ctx context.Context, msg Message) (Message, error) {
	if err := validateMessage(msg); err != nil {
		return Message{}, err
	}
	msg.CreatedAt = msg.CreatedAt.UTC()
	_, err := p.pool.Exec(ctx,
		`INSERT INTO messages (id, sender_id, recipient_id, content, created_at, attachment_url, attachment_type)
		 VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''))`,
		msg.ID, msg.SenderID, msg.RecipientID, msg.Content, msg.CreatedAt,
		msg.AttachmentURL, msg.AttachmentType,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return Message{}, ErrDuplicateID
		}
		return Message{}, fmt.Errorf("store: insert message: %w", err)
	}
	return msg, nil
}

func (p *Postgres) Conversation(ctx context.Context, a, b string, limit, offset int) ([]Message, error) {
	limit, offset = normalizePage(limit, offset)
	rows, err := p.pool.Query(ctx,
		`SELECT id, sender_id, recipient_id, content, created_at,
		        COALESCE(attachment_url, ''), COALESCE(attachment_type, '')
		 FROM messages
		 WHERE (sender_id = $1 AND recipient_id = $2) OR (sender_id = $2 AND recipient_id = $1)
		 ORDER BY created_at DESC, id DESC
		 LIMIT $3 OFFSET $4`,
		a, b, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("store: query conversation: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Message, error) {
		var msg Message
		err := row.Scan(&msg.ID, &msg.SenderID, &msg.RecipientID, &msg.Content, &msg.CreatedAt, &msg.AttachmentURL, &msg.AttachmentType)
		msg.CreatedAt = msg.CreatedAt.UTC()
		return msg, err
	})
	if err != nil {
		return nil, fmt.Errorf("store: scan conversation: %w", err)
	}
	reverse(out)
	if out == nil {
		out = []Message{}
	}
	return out, nil
}

func (p *Postgres) RecentConversations(ctx context.Context, identity string, limit int) ([]RecentConversation, error) {
	limit = normalizeRecentLimit(limit)
	rows, err := p.pool.Query(ctx,
		`SELECT CASE WHEN sender_id = $1 THEN recipient_id ELSE sender_id END AS other_user_id,
		        MAX(created_at) AS last_message_at
		 FROM messages
		 WHERE sender_id = $1 OR recipient_id = $1
		 GROUP BY other_user_id
		 ORDER BY last_message_at DESC, other_user_id ASC
		 LIMIT $2`,
		identity, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("store: query recent conversations: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (RecentConversation, error) {
		var rc RecentConversation
		err := row.Scan(&rc.OtherUserID, &rc.LastMessageAt)
		rc.LastMessageAt = rc.LastMessageAt.UTC()
		return rc, err
	})
	if err != nil {
		return nil, fmt.Errorf("store: scan recent conversations: %w", err)
	}
	if out == nil {
		out = []RecentConversation{}
	}
	return out, nil
}

func (p *Postgres) AreContacts(ctx context.Context, a, b string) (bool, error) {
	if a == "" || b == "" || a == b {
		return false, nil
	}
	var ok bool
	err := p.pool.QueryRow(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM friendships
		   WHERE ((user_id = $1 AND friend_id = $2) OR (user_id = $2 AND friend_id = $1))
		   AND status = 'accepted'
		 )`,
		a, b,
	).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("store: query friendship: %w", err)
	}
	return ok, nil
}

func (p *Postgres) AddContacts(ctx context.Context, a, b string) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO friendships (id, user_id, friend_id, status, created_at)
		 VALUES ($1, $2, $3, 'accepted', $4)
		 ON CONFLICT (user_id, friend_id) DO UPDATE SET status = 'accepted'`,
		uuid.NewString(), a, b, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("store: add friendship: %w", err)
	}
	return nil
}

func (p *Postgres) Ping(ctx context.Context) error { return p.pool.Ping(ctx) }

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
