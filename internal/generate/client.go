package generate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"easel/internal/config"
)

const (
	defaultHTTPTimeout    = 120 * time.Second
	defaultRetryAttempts  = 2
	defaultRetryBaseDelay = 1 * time.Second
	defaultRetryMaxDelay  = 10 * time.Second
)

var (
	// ErrConfiguration reports a client missing required settings.
	ErrConfiguration = errors.New("generation configuration error")
	// ErrBackend reports a non-retryable backend response.
	ErrBackend = errors.New("generation backend error")
	// ErrNoResult reports a well-formed response that carried no image URL.
	ErrNoResult = errors.New("generation returned no result")
)

// Client wraps the image generation HTTP API.
type Client struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client

	retryMaxAttempts int
	retryBaseDelay   time.Duration
	retryMaxDelay    time.Duration
	sleeper          func(time.Duration)
}

// Option customizes the client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithRetryBackoff overrides the retry backoff delays.
func WithRetryBackoff(baseDelay, maxDelay time.Duration) Option {
	return func(c *Client) {
		c.retryBaseDelay = baseDelay
		c.retryMaxDelay = maxDelay
	}
}

// WithSleeper overrides how retry sleeps are performed (useful for tests).
func WithSleeper(sleeper func(time.Duration)) Option {
	return func(c *Client) {
		c.sleeper = sleeper
	}
}

// NewClient constructs a generation client from application config.
func NewClient(cfg config.Generation, opts ...Option) *Client {
	timeout := defaultHTTPTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	retries := cfg.RetryAttempts
	if retries < 0 {
		retries = defaultRetryAttempts
	}

	client := &Client{
		endpoint:         strings.TrimSpace(cfg.Endpoint),
		apiKey:           strings.TrimSpace(cfg.APIKey),
		httpClient:       &http.Client{Timeout: timeout},
		retryMaxAttempts: retries + 1,
		retryBaseDelay:   defaultRetryBaseDelay,
		retryMaxDelay:    defaultRetryMaxDelay,
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

type generateRequest struct {
	Prompt string `json:"prompt"`
}

type generateResponse struct {
	URL   string `json:"url"`
	Error string `json:"error,omitempty"`
}

// GenerateOne submits one request and returns the image URL. It satisfies
// the processor's Generator interface.
func (c *Client) GenerateOne(ctx context.Context, requestText string) (string, error) {
	if c.endpoint == "" {
		return "", fmt.Errorf("%w: endpoint not configured", ErrConfiguration)
	}

	body, err := json.Marshal(generateRequest{Prompt: requestText})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < c.retryMaxAttempts; attempt++ {
		if attempt > 0 {
			delay := c.retryBaseDelay << (attempt - 1)
			if delay > c.retryMaxDelay {
				delay = c.retryMaxDelay
			}
			if err := c.wait(ctx, delay); err != nil {
				return "", err
			}
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}

		url, retryable, err := c.do(ctx, body)
		if err == nil {
			return url, nil
		}
		lastErr = err
		if !retryable {
			return "", err
		}
	}
	return "", lastErr
}

// wait blocks for the backoff delay but returns early when the context is
// cancelled, so an aborted session does not sit out the full retry delay.
func (c *Client) wait(ctx context.Context, delay time.Duration) error {
	if c.sleeper != nil {
		c.sleeper(delay)
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *Client) do(ctx context.Context, body []byte) (string, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", false, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", true, fmt.Errorf("%w: %w", ErrBackend, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", true, fmt.Errorf("%w: read response: %w", ErrBackend, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return "", true, fmt.Errorf("%w: status %d", ErrBackend, resp.StatusCode)
	default:
		return "", false, fmt.Errorf("%w: status %d: %s", ErrBackend, resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	var parsed generateResponse
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return "", false, fmt.Errorf("%w: decode response: %w", ErrBackend, err)
	}
	if parsed.Error != "" {
		return "", false, fmt.Errorf("%w: %s", ErrBackend, parsed.Error)
	}
	if strings.TrimSpace(parsed.URL) == "" {
		return "", false, ErrNoResult
	}
	return parsed.URL, false, nil
}
