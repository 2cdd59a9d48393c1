package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync"
	"time"
)

// HTTPError represents a non-2xx response from the token endpoint.
type HTTPError struct {
	StatusCode int
	Message    string
	Body       []byte
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("token endpoint error %d: %s", e.StatusCode, e.Message)
}

// IsRetryable returns true if the error should trigger a retry.
func (e *HTTPError) IsRetryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429
}

// tokenResponse is the token endpoint's JSON body.
type tokenResponse struct {
	Token       string `json:"token"`
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"` // seconds
}

// HTTPProvider fetches bearer tokens from an HTTP endpoint and caches them
// until shortly before they expire.
type HTTPProvider struct {
	url        string
	credential string
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time

	maxRetries   int
	retryBackoff time.Duration
	expirySkew   time.Duration

	mu        sync.Mutex
	cached    string
	expiresAt time.Time
}

// HTTPOption configures an HTTPProvider.
type HTTPOption func(*HTTPProvider)

// NewHTTPProvider creates a provider that POSTs to url. credential, when
// set, is sent as the request's bearer token.
func NewHTTPProvider(url, credential string, opts ...HTTPOption) *HTTPProvider {
	p := &HTTPProvider{
		url:        url,
		credential: credential,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger:       slog.Default(),
		now:          time.Now,
		maxRetries:   3,
		retryBackoff: time.Second,
		expirySkew:   30 * time.Second,
	}

	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}

	return p
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) HTTPOption {
	return func(p *HTTPProvider) {
		p.httpClient.Timeout = d
	}
}

// WithRetries sets the retry configuration.
func WithRetries(max int, backoff time.Duration) HTTPOption {
	return func(p *HTTPProvider) {
		p.maxRetries = max
		p.retryBackoff = backoff
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) HTTPOption {
	return func(p *HTTPProvider) {
		p.logger = logger
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) HTTPOption {
	return func(p *HTTPProvider) {
		p.httpClient = hc
	}
}

// WithClock sets the time source used for cache expiry.
func WithClock(now func() time.Time) HTTPOption {
	return func(p *HTTPProvider) {
		p.now = now
	}
}

// Token implements Provider. A cached token is returned while it is valid.
func (p *HTTPProvider) Token(ctx context.Context) (string, error) {
	p.mu.Lock()
	if p.cached != "" && (p.expiresAt.IsZero() || p.now().Before(p.expiresAt)) {
		token := p.cached
		p.mu.Unlock()
		return token, nil
	}
	p.mu.Unlock()

	resp, err := p.fetchWithRetry(ctx)
	if err != nil {
		return "", err
	}

	token := resp.Token
	if token == "" {
		token = resp.AccessToken
	}
	if token == "" {
		return "", fmt.Errorf("token endpoint: %w", ErrNoToken)
	}

	p.mu.Lock()
	p.cached = token
	p.expiresAt = time.Time{}
	if resp.ExpiresIn > 0 {
		p.expiresAt = p.now().Add(time.Duration(resp.ExpiresIn)*time.Second - p.expirySkew)
	}
	p.mu.Unlock()

	return token, nil
}

// Invalidate drops the cached token so the next call fetches a new one.
func (p *HTTPProvider) Invalidate() {
	p.mu.Lock()
	p.cached = ""
	p.expiresAt = time.Time{}
	p.mu.Unlock()
}

// fetch performs one token request.
func (p *HTTPProvider) fetch(ctx context.Context) (*tokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, strings.NewReader("{}"))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	if p.credential != "" {
		req.Header.Set("Authorization", "Bearer "+p.credential)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, &HTTPError{
			StatusCode: resp.StatusCode,
			Message:    http.StatusText(resp.StatusCode),
			Body:       body,
		}
	}

	var out tokenResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &out, nil
}

// fetchWithRetry performs a token request with exponential backoff retry.
func (p *HTTPProvider) fetchWithRetry(ctx context.Context) (*tokenResponse, error) {
	var lastErr error
	backoff := p.retryBackoff

	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			// Add jitter: backoff * (0.5 to 1.5)
			jitter := backoff/2 + time.Duration(rand.Int64N(int64(backoff)))
			p.logger.Debug("retrying token request",
				"attempt", attempt,
				"backoff", jitter,
			)

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(jitter):
			}

			backoff *= 2
		}

		resp, err := p.fetch(ctx)
		if err == nil {
			return resp, nil
		}

		lastErr = err

		var httpErr *HTTPError
		if !errors.As(err, &httpErr) || !httpErr.IsRetryable() {
			return nil, err
		}
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}
