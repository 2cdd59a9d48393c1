// Package auth supplies bearer tokens for connection attempts.
//
// The connection manager consults its Provider once per dial, so a token
// rotated between attempts is picked up without restarting the session.
package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
)

// ErrNoToken is returned when a provider has no token to offer.
var ErrNoToken = errors.New("no auth token available")

// Provider returns the current bearer token.
type Provider interface {
	Token(ctx context.Context) (string, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context) (string, error)

// Token implements Provider.
func (f ProviderFunc) Token(ctx context.Context) (string, error) {
	return f(ctx)
}

// Static is a fixed token that can be replaced at runtime.
type Static struct {
	mu    sync.RWMutex
	token string
}

// NewStatic creates a static provider. An empty token is allowed for
// endpoints that do not authenticate.
func NewStatic(token string) *Static {
	return &Static{token: token}
}

// Token implements Provider.
func (s *Static) Token(context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token, nil
}

// Set replaces the token.
func (s *Static) Set(token string) {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
}

// FileProvider reads the token from a file on every call, so an external
// process can rotate it.
type FileProvider struct {
	Path string
}

// Token implements Provider.
func (p FileProvider) Token(context.Context) (string, error) {
	if p.Path == "" {
		return "", fmt.Errorf("token file path is required")
	}
	data, err := os.ReadFile(p.Path)
	if err != nil {
		return "", fmt.Errorf("read token file: %w", err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", fmt.Errorf("token file %s: %w", p.Path, ErrNoToken)
	}
	return token, nil
}
