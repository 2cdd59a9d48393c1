package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultConnectTimeout   = 15 * time.Second
	DefaultReauth           = "deferred"
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultWriteTimeout     = 5 * time.Second
	DefaultReadLimit        = 1 << 20
	DefaultPingInterval     = 15 * time.Second
	DefaultPingTimeout      = 40 * time.Second
	DefaultPingGrace        = 10 * time.Second
	DefaultQueueMaxSize     = 1000
	DefaultQueueMaxAge      = 5 * time.Minute
	DefaultDisposePolicy    = "drop"
	DefaultReconnectBase    = 500 * time.Millisecond
	DefaultReconnectMax     = 30 * time.Second
	DefaultReconnectJitter  = 0.2
	DefaultOutboxDriver     = "none"
	DefaultOutboxTimeout    = 10 * time.Second
	DefaultDBPort           = 5432
	DefaultDBSSLMode        = "prefer"
	DefaultMaxConns         = 4
	DefaultMinConns         = 1
	DefaultRedisPrefix      = "livesync:"
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "text"
)

func (c *Config) applyDefaults() {
	// Session defaults
	if c.Session.ConnectTimeout == 0 {
		c.Session.ConnectTimeout = DefaultConnectTimeout
	}
	if c.Session.Reauth == "" {
		c.Session.Reauth = DefaultReauth
	}

	// Transport defaults
	if c.Transport.HandshakeTimeout == 0 {
		c.Transport.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Transport.WriteTimeout == 0 {
		c.Transport.WriteTimeout = DefaultWriteTimeout
	}
	if c.Transport.ReadLimit == 0 {
		c.Transport.ReadLimit = DefaultReadLimit
	}

	// Heartbeat defaults
	if c.Heartbeat.Interval == 0 {
		c.Heartbeat.Interval = DefaultPingInterval
	}
	if c.Heartbeat.Timeout == 0 {
		c.Heartbeat.Timeout = DefaultPingTimeout
	}
	if c.Heartbeat.Grace == 0 {
		c.Heartbeat.Grace = DefaultPingGrace
	}

	// Queue defaults
	if c.Queue.MaxSize == 0 {
		c.Queue.MaxSize = DefaultQueueMaxSize
	}
	if c.Queue.MaxAge == 0 {
		c.Queue.MaxAge = DefaultQueueMaxAge
	}
	if c.Queue.DisposePolicy == "" {
		c.Queue.DisposePolicy = DefaultDisposePolicy
	}

	// Reconnect defaults
	if c.Reconnect.BaseDelay == 0 {
		c.Reconnect.BaseDelay = DefaultReconnectBase
	}
	if c.Reconnect.MaxDelay == 0 {
		c.Reconnect.MaxDelay = DefaultReconnectMax
	}
	if c.Reconnect.Jitter == 0 {
		c.Reconnect.Jitter = DefaultReconnectJitter
	}

	// Outbox defaults
	if c.Outbox.Driver == "" {
		c.Outbox.Driver = DefaultOutboxDriver
	}
	if c.Outbox.Timeout == 0 {
		c.Outbox.Timeout = DefaultOutboxTimeout
	}
	applyDBDefaults(&c.Outbox.Postgres)
	if c.Outbox.Redis.Prefix == "" {
		c.Outbox.Redis.Prefix = DefaultRedisPrefix
	}

	// Logging defaults
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
