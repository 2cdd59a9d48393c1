package config

import "time"

// Config is the root configuration for a livesync client.
type Config struct {
	Session   SessionConfig   `yaml:"session"`
	Transport TransportConfig `yaml:"transport"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Queue     QueueConfig     `yaml:"queue"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Outbox    OutboxConfig    `yaml:"outbox"`
	Debug     DebugConfig     `yaml:"debug"`
	Logging   LoggingConfig   `yaml:"logging"`
	Channels  []string        `yaml:"channels"` // Subscribed at startup; the first is the default send channel
}

// SessionConfig identifies the backend and how to authenticate to it.
// At most one token source may be set.
type SessionConfig struct {
	Endpoint        string        `yaml:"endpoint"`
	Token           string        `yaml:"token"`            // Static bearer token
	TokenFile       string        `yaml:"token_file"`       // Re-read on every connect
	TokenURL        string        `yaml:"token_url"`        // Token endpoint returning {"token", "expires_in"}
	TokenCredential string        `yaml:"token_credential"` // Bearer credential for token_url
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	Reauth          string        `yaml:"reauth"` // deferred | reconnect
}

// TransportConfig holds websocket settings.
type TransportConfig struct {
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	ReadLimit        int64         `yaml:"read_limit"`
}

// HeartbeatConfig holds liveness probe settings.
type HeartbeatConfig struct {
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
	Grace    time.Duration `yaml:"grace"`
}

// QueueConfig holds outbound queue settings.
type QueueConfig struct {
	MaxSize       int           `yaml:"max_size"`
	MaxAge        time.Duration `yaml:"max_age"`
	DisposePolicy string        `yaml:"dispose_policy"` // drop | reject | persist
}

// ReconnectConfig holds backoff settings.
type ReconnectConfig struct {
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Jitter      float64       `yaml:"jitter"`
	MaxAttempts int           `yaml:"max_attempts"` // 0 retries forever
}

// OutboxConfig selects where queued messages are persisted on disposal.
type OutboxConfig struct {
	Driver   string        `yaml:"driver"` // none | memory | postgres | redis
	Key      string        `yaml:"key"`
	Timeout  time.Duration `yaml:"timeout"`
	Postgres DBConfig      `yaml:"postgres"`
	Redis    RedisConfig   `yaml:"redis"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// RedisConfig holds a Redis connection.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// DebugConfig holds the debug HTTP server settings. Port 0 disables it.
type DebugConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}
