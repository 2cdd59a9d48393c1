package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rickgao/livesync/internal/connection"
)

func TestLoad(t *testing.T) {
	yaml := `
session:
  endpoint: wss://realtime.example.com/ws
  token: static-token
  connect_timeout: 5s
heartbeat:
  interval: 10s
  timeout: 30s
queue:
  max_size: 50
  dispose_policy: persist
outbox:
  driver: postgres
  key: desk-7
  postgres:
    host: localhost
    port: 5432
    name: livesync
    user: testuser
    password: testpass
channels:
  - chat
  - presence
`
	path := writeTempFile(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Session.Endpoint != "wss://realtime.example.com/ws" {
		t.Errorf("Session.Endpoint = %q", cfg.Session.Endpoint)
	}
	if cfg.Session.ConnectTimeout != 5*time.Second {
		t.Errorf("Session.ConnectTimeout = %v, want 5s", cfg.Session.ConnectTimeout)
	}
	if cfg.Heartbeat.Timeout != 30*time.Second {
		t.Errorf("Heartbeat.Timeout = %v, want 30s", cfg.Heartbeat.Timeout)
	}
	if cfg.Outbox.Postgres.Host != "localhost" {
		t.Errorf("Outbox.Postgres.Host = %q, want %q", cfg.Outbox.Postgres.Host, "localhost")
	}
	if len(cfg.Channels) != 2 || cfg.Channels[1] != "presence" {
		t.Errorf("Channels = %v", cfg.Channels)
	}
}

func TestLoadWithEnvSubstitution(t *testing.T) {
	t.Setenv("TEST_LIVESYNC_TOKEN", "secret123")
	t.Setenv("TEST_REDIS_ADDR", "redis:6379")

	yaml := `
session:
  endpoint: wss://realtime.example.com/ws
  token: ${TEST_LIVESYNC_TOKEN}
outbox:
  driver: redis
  key: desk-7
  redis:
    addr: ${TEST_REDIS_ADDR}
`
	path := writeTempFile(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Session.Token != "secret123" {
		t.Errorf("Session.Token = %q, want %q", cfg.Session.Token, "secret123")
	}
	if cfg.Outbox.Redis.Addr != "redis:6379" {
		t.Errorf("Outbox.Redis.Addr = %q, want %q", cfg.Outbox.Redis.Addr, "redis:6379")
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil || !strings.Contains(err.Error(), "read config file") {
		t.Errorf("missing file error = %v", err)
	}

	path := writeTempFile(t, "session: [not, a, map]")
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "parse config yaml") {
		t.Errorf("bad yaml error = %v", err)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeTempFile(t, `
session:
  endpoint: ws://localhost:8090/ws
queue:
  dispose_polcy: persist
`)
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "dispose_polcy") {
		t.Errorf("Load error = %v, want unknown field dispose_polcy", err)
	}
}

func TestLoadEmptyFile(t *testing.T) {
	cfg, err := LoadWithDefaults(writeTempFile(t, ""))
	if err != nil {
		t.Fatalf("LoadWithDefaults: %v", err)
	}
	if cfg.Queue.DisposePolicy != DefaultDisposePolicy {
		t.Errorf("Queue.DisposePolicy = %q, want default", cfg.Queue.DisposePolicy)
	}
}

func TestLoadExampleConfig(t *testing.T) {
	t.Setenv("LIVESYNC_TOKEN", "dev-token")
	t.Setenv("LIVESYNC_DB_PASSWORD", "outbox")

	cfg, err := LoadAndValidate(filepath.Join("..", "..", "configs", "livesync.local.yaml"))
	if err != nil {
		t.Fatalf("LoadAndValidate: %v", err)
	}
	if cfg.Outbox.Driver != "redis" || cfg.Outbox.Postgres.Password != "outbox" {
		t.Errorf("Outbox = %+v", cfg.Outbox)
	}
}

func TestLoadWithDefaults(t *testing.T) {
	yaml := `
session:
  endpoint: ws://localhost:8090/ws
`
	path := writeTempFile(t, yaml)

	cfg, err := LoadWithDefaults(path)
	if err != nil {
		t.Fatalf("LoadWithDefaults failed: %v", err)
	}

	// Check defaults were applied
	if cfg.Session.ConnectTimeout != DefaultConnectTimeout {
		t.Errorf("Session.ConnectTimeout = %v, want default %v", cfg.Session.ConnectTimeout, DefaultConnectTimeout)
	}
	if cfg.Heartbeat.Interval != DefaultPingInterval {
		t.Errorf("Heartbeat.Interval = %v, want default %v", cfg.Heartbeat.Interval, DefaultPingInterval)
	}
	if cfg.Queue.MaxSize != DefaultQueueMaxSize {
		t.Errorf("Queue.MaxSize = %d, want default %d", cfg.Queue.MaxSize, DefaultQueueMaxSize)
	}
	if cfg.Reconnect.MaxDelay != DefaultReconnectMax {
		t.Errorf("Reconnect.MaxDelay = %v, want default %v", cfg.Reconnect.MaxDelay, DefaultReconnectMax)
	}
	if cfg.Outbox.Driver != DefaultOutboxDriver {
		t.Errorf("Outbox.Driver = %q, want default %q", cfg.Outbox.Driver, DefaultOutboxDriver)
	}
	if cfg.Outbox.Postgres.Port != DefaultDBPort {
		t.Errorf("Outbox.Postgres.Port = %d, want default %d", cfg.Outbox.Postgres.Port, DefaultDBPort)
	}
	if cfg.Logging.Format != DefaultLogFormat {
		t.Errorf("Logging.Format = %q, want default %q", cfg.Logging.Format, DefaultLogFormat)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}
}

func TestLoadAndValidate(t *testing.T) {
	path := writeTempFile(t, "queue:\n  max_size: 10\n")
	_, err := LoadAndValidate(path)
	if err == nil || err.Error() != "validate config: session.endpoint is required" {
		t.Errorf("LoadAndValidate error = %v", err)
	}
}

// validConfig returns a config that passes validation.
func validConfig() Config {
	cfg := Config{Session: SessionConfig{Endpoint: "wss://realtime.example.com/ws"}}
	cfg.applyDefaults()
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "missing endpoint",
			mutate:  func(c *Config) { c.Session.Endpoint = "" },
			wantErr: "session.endpoint is required",
		},
		{
			name:    "http endpoint",
			mutate:  func(c *Config) { c.Session.Endpoint = "https://example.com" },
			wantErr: `session.endpoint scheme must be ws or wss, got "https"`,
		},
		{
			name: "two token sources",
			mutate: func(c *Config) {
				c.Session.Token = "a"
				c.Session.TokenFile = "/run/secrets/token"
			},
			wantErr: "session: set at most one of token, token_file, token_url",
		},
		{
			name:    "unknown reauth",
			mutate:  func(c *Config) { c.Session.Reauth = "sometimes" },
			wantErr: `session.reauth must be deferred or reconnect, got "sometimes"`,
		},
		{
			name:    "timeout not above interval",
			mutate:  func(c *Config) { c.Heartbeat.Timeout = c.Heartbeat.Interval },
			wantErr: "heartbeat.timeout (15s) must exceed heartbeat.interval (15s)",
		},
		{
			name:    "unknown dispose policy",
			mutate:  func(c *Config) { c.Queue.DisposePolicy = "keep" },
			wantErr: `queue.dispose_policy must be drop, reject or persist, got "keep"`,
		},
		{
			name:    "max delay below base",
			mutate:  func(c *Config) { c.Reconnect.MaxDelay = 100 * time.Millisecond },
			wantErr: "reconnect.max_delay (100ms) cannot be less than reconnect.base_delay (500ms)",
		},
		{
			name:    "jitter out of range",
			mutate:  func(c *Config) { c.Reconnect.Jitter = 1 },
			wantErr: "reconnect.jitter must be in [0, 1), got 1",
		},
		{
			name:    "persist without outbox",
			mutate:  func(c *Config) { c.Queue.DisposePolicy = "persist" },
			wantErr: "queue.dispose_policy persist requires an outbox.driver",
		},
		{
			name: "outbox without key",
			mutate: func(c *Config) {
				c.Outbox.Driver = "memory"
			},
			wantErr: "outbox.key is required when an outbox driver is set",
		},
		{
			name: "missing postgres password",
			mutate: func(c *Config) {
				c.Outbox.Driver = "postgres"
				c.Outbox.Key = "k"
				c.Outbox.Postgres = DBConfig{Host: "localhost", Name: "db", User: "user", MaxConns: 4}
			},
			wantErr: "outbox.postgres.password is required",
		},
		{
			name: "min_conns exceeds max_conns",
			mutate: func(c *Config) {
				c.Outbox.Driver = "postgres"
				c.Outbox.Key = "k"
				c.Outbox.Postgres = DBConfig{Host: "localhost", Name: "db", User: "user", Password: "pass", MaxConns: 5, MinConns: 10}
			},
			wantErr: "outbox.postgres.min_conns (10) cannot exceed max_conns (5)",
		},
		{
			name: "redis without addr",
			mutate: func(c *Config) {
				c.Outbox.Driver = "redis"
				c.Outbox.Key = "k"
			},
			wantErr: "outbox.redis.addr is required",
		},
		{
			name:    "debug port out of range",
			mutate:  func(c *Config) { c.Debug.Port = 70000 },
			wantErr: "debug.port must be between 0 and 65535, got 70000",
		},
		{
			name:    "empty channel",
			mutate:  func(c *Config) { c.Channels = []string{"chat", ""} },
			wantErr: "channels[1] is empty",
		},
		{
			name: "valid persist to redis",
			mutate: func(c *Config) {
				c.Queue.DisposePolicy = "persist"
				c.Outbox.Driver = "redis"
				c.Outbox.Key = "desk-7"
				c.Outbox.Redis.Addr = "localhost:6379"
				c.Debug.Port = 8091
				c.Channels = []string{"chat"}
			},
			wantErr: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
			} else {
				if err == nil {
					t.Errorf("Validate() expected error containing %q, got nil", tt.wantErr)
				} else if err.Error() != tt.wantErr {
					t.Errorf("Validate() error = %q, want %q", err.Error(), tt.wantErr)
				}
			}
		})
	}
}

func TestConnectionConfig(t *testing.T) {
	cfg := validConfig()
	cfg.Queue.DisposePolicy = "persist"
	cfg.Session.Reauth = "reconnect"
	cfg.Outbox.Driver = "memory"
	cfg.Outbox.Key = "desk-7"
	cfg.Reconnect.MaxAttempts = 12

	cc, err := cfg.ConnectionConfig()
	if err != nil {
		t.Fatalf("ConnectionConfig: %v", err)
	}
	if err := cc.Validate(); err != nil {
		t.Errorf("converted config invalid: %v", err)
	}
	if cc.DisposePolicy != connection.DisposePersist || cc.ReauthPolicy != connection.ReauthReconnect {
		t.Errorf("policies = %q, %q", cc.DisposePolicy, cc.ReauthPolicy)
	}
	if cc.Reconnect.Ceiling != DefaultReconnectMax || cc.Reconnect.MaxAttempts != 12 {
		t.Errorf("Reconnect = %+v", cc.Reconnect)
	}
	if cc.OutboxKey != "desk-7" || cc.PersistTimeout != DefaultOutboxTimeout {
		t.Errorf("outbox = %q, %v", cc.OutboxKey, cc.PersistTimeout)
	}

	ws := cfg.WebsocketConfig()
	if ws.ReadLimit != DefaultReadLimit || !strings.HasPrefix(ws.UserAgent, "livesync/") {
		t.Errorf("WebsocketConfig = %+v", ws)
	}
}

func writeTempFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}
