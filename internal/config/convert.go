package config

import (
	"fmt"

	"github.com/rickgao/livesync/internal/backoff"
	"github.com/rickgao/livesync/internal/connection"
	"github.com/rickgao/livesync/internal/heartbeat"
	outboxredis "github.com/rickgao/livesync/internal/outbox/redis"
	"github.com/rickgao/livesync/internal/queue"
	"github.com/rickgao/livesync/internal/transport/websocket"
	"github.com/rickgao/livesync/internal/version"
)

// ConnectionConfig converts the loaded settings into a manager config.
func (c *Config) ConnectionConfig() (connection.Config, error) {
	dispose, err := connection.ParseDisposePolicy(c.Queue.DisposePolicy)
	if err != nil {
		return connection.Config{}, fmt.Errorf("queue.dispose_policy: %w", err)
	}
	reauth, err := connection.ParseReauthPolicy(c.Session.Reauth)
	if err != nil {
		return connection.Config{}, fmt.Errorf("session.reauth: %w", err)
	}

	return connection.Config{
		Endpoint:       c.Session.Endpoint,
		ConnectTimeout: c.Session.ConnectTimeout,
		Heartbeat: heartbeat.Config{
			Interval: c.Heartbeat.Interval,
			Timeout:  c.Heartbeat.Timeout,
			Grace:    c.Heartbeat.Grace,
		},
		Queue: queue.Config{
			MaxSize: c.Queue.MaxSize,
			MaxAge:  c.Queue.MaxAge,
		},
		Reconnect: backoff.Policy{
			Base:           c.Reconnect.BaseDelay,
			Ceiling:        c.Reconnect.MaxDelay,
			JitterFraction: c.Reconnect.Jitter,
			MaxAttempts:    c.Reconnect.MaxAttempts,
		},
		DisposePolicy:  dispose,
		ReauthPolicy:   reauth,
		OutboxKey:      c.Outbox.Key,
		PersistTimeout: c.Outbox.Timeout,
	}, nil
}

// WebsocketConfig converts the transport settings.
func (c *Config) WebsocketConfig() websocket.Config {
	return websocket.Config{
		HandshakeTimeout: c.Transport.HandshakeTimeout,
		WriteTimeout:     c.Transport.WriteTimeout,
		ReadLimit:        c.Transport.ReadLimit,
		UserAgent:        version.UserAgent(),
	}
}

// StoreConfig converts the Redis settings for the outbox store.
func (r RedisConfig) StoreConfig() outboxredis.Config {
	return outboxredis.Config{
		Addr:     r.Addr,
		Password: r.Password,
		DB:       r.DB,
		Prefix:   r.Prefix,
	}
}
