package config

import (
	"errors"
	"fmt"
	"net/url"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if err := c.Session.validate(); err != nil {
		return err
	}

	if c.Transport.ReadLimit < 1 {
		return errors.New("transport.read_limit must be >= 1")
	}

	if c.Heartbeat.Interval <= 0 {
		return errors.New("heartbeat.interval must be positive")
	}
	if c.Heartbeat.Timeout <= c.Heartbeat.Interval {
		return fmt.Errorf("heartbeat.timeout (%s) must exceed heartbeat.interval (%s)",
			c.Heartbeat.Timeout, c.Heartbeat.Interval)
	}
	if c.Heartbeat.Grace <= 0 {
		return errors.New("heartbeat.grace must be positive")
	}

	if c.Queue.MaxSize < 0 {
		return errors.New("queue.max_size must be >= 0")
	}
	switch c.Queue.DisposePolicy {
	case "drop", "reject", "persist":
	default:
		return fmt.Errorf("queue.dispose_policy must be drop, reject or persist, got %q", c.Queue.DisposePolicy)
	}

	if c.Reconnect.BaseDelay <= 0 {
		return errors.New("reconnect.base_delay must be positive")
	}
	if c.Reconnect.MaxDelay < c.Reconnect.BaseDelay {
		return fmt.Errorf("reconnect.max_delay (%s) cannot be less than reconnect.base_delay (%s)",
			c.Reconnect.MaxDelay, c.Reconnect.BaseDelay)
	}
	if c.Reconnect.Jitter < 0 || c.Reconnect.Jitter >= 1 {
		return fmt.Errorf("reconnect.jitter must be in [0, 1), got %g", c.Reconnect.Jitter)
	}
	if c.Reconnect.MaxAttempts < 0 {
		return errors.New("reconnect.max_attempts must be >= 0")
	}

	if err := c.Outbox.validate(); err != nil {
		return err
	}
	if c.Queue.DisposePolicy == "persist" && c.Outbox.Driver == "none" {
		return errors.New("queue.dispose_policy persist requires an outbox.driver")
	}

	if c.Debug.Port < 0 || c.Debug.Port > 65535 {
		return fmt.Errorf("debug.port must be between 0 and 65535, got %d", c.Debug.Port)
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	for i, ch := range c.Channels {
		if ch == "" {
			return fmt.Errorf("channels[%d] is empty", i)
		}
	}

	return nil
}

func (s *SessionConfig) validate() error {
	if s.Endpoint == "" {
		return errors.New("session.endpoint is required")
	}
	u, err := url.Parse(s.Endpoint)
	if err != nil {
		return fmt.Errorf("session.endpoint: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("session.endpoint scheme must be ws or wss, got %q", u.Scheme)
	}

	sources := 0
	for _, v := range []string{s.Token, s.TokenFile, s.TokenURL} {
		if v != "" {
			sources++
		}
	}
	if sources > 1 {
		return errors.New("session: set at most one of token, token_file, token_url")
	}

	if s.ConnectTimeout <= 0 {
		return errors.New("session.connect_timeout must be positive")
	}
	switch s.Reauth {
	case "deferred", "reconnect":
	default:
		return fmt.Errorf("session.reauth must be deferred or reconnect, got %q", s.Reauth)
	}
	return nil
}

func (o *OutboxConfig) validate() error {
	switch o.Driver {
	case "none", "memory":
	case "postgres":
		if err := o.Postgres.validate("outbox.postgres"); err != nil {
			return err
		}
	case "redis":
		if o.Redis.Addr == "" {
			return errors.New("outbox.redis.addr is required")
		}
	default:
		return fmt.Errorf("outbox.driver must be none, memory, postgres or redis, got %q", o.Driver)
	}

	if o.Driver != "none" && o.Key == "" {
		return errors.New("outbox.key is required when an outbox driver is set")
	}
	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
