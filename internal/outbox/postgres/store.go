// Package postgres implements outbox.Store on PostgreSQL.
package postgres

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rickgao/livesync/internal/outbox"
	"github.com/rickgao/livesync/internal/queue"
)

const schema = `
CREATE TABLE IF NOT EXISTS livesync_outbox (
	seq         BIGSERIAL   PRIMARY KEY,
	session_key TEXT        NOT NULL,
	message_id  TEXT        NOT NULL,
	channel     TEXT        NOT NULL,
	payload     JSONB       NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL,
	attempts    INTEGER     NOT NULL DEFAULT 0,
	UNIQUE (session_key, message_id)
)`

// Store persists outbox messages in the livesync_outbox table.
type Store struct {
	db     *pgxpool.Pool
	logger *slog.Logger
}

// New creates a store on db.
func New(db *pgxpool.Pool, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}
}

// EnsureSchema creates the outbox table if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create outbox table: %w", err)
	}
	return nil
}

// Save implements outbox.Store using pgx.Batch with ON CONFLICT DO NOTHING.
func (s *Store) Save(ctx context.Context, key string, msgs []queue.Message) error {
	if key == "" {
		return outbox.ErrEmptyKey
	}
	if len(msgs) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, m := range msgs {
		batch.Queue(`
			INSERT INTO livesync_outbox (session_key, message_id, channel, payload, created_at, attempts)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (session_key, message_id) DO NOTHING
		`, key, m.ID, m.Channel, []byte(m.Payload), m.CreatedAt, m.Attempts)
	}

	results := s.db.SendBatch(ctx, batch)
	defer results.Close()

	conflicts := 0
	for range msgs {
		ct, err := results.Exec()
		if err != nil {
			return fmt.Errorf("insert outbox message: %w", err)
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}

	s.logger.Debug("saved outbox messages",
		"key", key,
		"count", len(msgs),
		"conflicts", conflicts,
	)
	return nil
}

// Load implements outbox.Store.
func (s *Store) Load(ctx context.Context, key string) ([]queue.Message, error) {
	if key == "" {
		return nil, outbox.ErrEmptyKey
	}

	rows, err := s.db.Query(ctx, `
		SELECT message_id, channel, payload, created_at, attempts
		FROM livesync_outbox
		WHERE session_key = $1
		ORDER BY seq
	`, key)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	var msgs []queue.Message
	for rows.Next() {
		var m queue.Message
		var payload []byte
		if err := rows.Scan(&m.ID, &m.Channel, &payload, &m.CreatedAt, &m.Attempts); err != nil {
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}
		m.Payload = payload
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox rows: %w", err)
	}
	return msgs, nil
}

// Clear implements outbox.Store.
func (s *Store) Clear(ctx context.Context, key string) error {
	if key == "" {
		return outbox.ErrEmptyKey
	}
	if _, err := s.db.Exec(ctx, `DELETE FROM livesync_outbox WHERE session_key = $1`, key); err != nil {
		return fmt.Errorf("clear outbox: %w", err)
	}
	return nil
}
