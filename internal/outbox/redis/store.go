// Package redis implements outbox.Store on Redis lists.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/rickgao/livesync/internal/outbox"
	"github.com/rickgao/livesync/internal/queue"
)

// Config holds Redis connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string // Prepended to every key
}

// Store keeps each session's messages in a list at <prefix>outbox:<key>,
// with a companion set of stored IDs at <prefix>outbox:<key>:ids.
type Store struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

// New creates a store with its own client.
func New(cfg Config, logger *slog.Logger) *Store {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewWithClient(client, cfg.Prefix, logger)
}

// NewWithClient creates a store on an existing client.
func NewWithClient(client *redis.Client, prefix string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		client: client,
		prefix: prefix,
		logger: logger.With("component", "outbox-redis"),
	}
}

// Ping verifies the connection.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

// Close releases the client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) listKey(key string) string {
	return s.prefix + "outbox:" + key
}

func (s *Store) idsKey(key string) string {
	return s.prefix + "outbox:" + key + ":ids"
}

// Save implements outbox.Store.
func (s *Store) Save(ctx context.Context, key string, msgs []queue.Message) error {
	if key == "" {
		return outbox.ErrEmptyKey
	}
	if len(msgs) == 0 {
		return nil
	}

	// Claim IDs first so a message is appended at most once.
	claims := make([]*redis.IntCmd, len(msgs))
	_, err := s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, m := range msgs {
			claims[i] = p.SAdd(ctx, s.idsKey(key), m.ID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("claim outbox ids: %w", err)
	}

	values := make([]any, 0, len(msgs))
	for i, m := range msgs {
		if claims[i].Val() == 0 {
			continue
		}
		data, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("marshal outbox message: %w", err)
		}
		values = append(values, data)
	}
	if len(values) == 0 {
		return nil
	}

	if err := s.client.RPush(ctx, s.listKey(key), values...).Err(); err != nil {
		return fmt.Errorf("append outbox messages: %w", err)
	}

	s.logger.Debug("saved outbox messages", "key", key, "count", len(values))
	return nil
}

// Load implements outbox.Store.
func (s *Store) Load(ctx context.Context, key string) ([]queue.Message, error) {
	if key == "" {
		return nil, outbox.ErrEmptyKey
	}

	items, err := s.client.LRange(ctx, s.listKey(key), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read outbox: %w", err)
	}

	msgs := make([]queue.Message, 0, len(items))
	for _, item := range items {
		var m queue.Message
		if err := json.Unmarshal([]byte(item), &m); err != nil {
			s.logger.Warn("skipping corrupt outbox entry", "key", key, "error", err)
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// Clear implements outbox.Store.
func (s *Store) Clear(ctx context.Context, key string) error {
	if key == "" {
		return outbox.ErrEmptyKey
	}
	if err := s.client.Del(ctx, s.listKey(key), s.idsKey(key)).Err(); err != nil {
		return fmt.Errorf("clear outbox: %w", err)
	}
	return nil
}
