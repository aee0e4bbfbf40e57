// Package mediatools is the client for the remote media-tools service: a
// content-addressed media store (upload, status, download) plus the video tools
// that compose, merge and overlay stored assets.
package mediatools

import (
	"context"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	// Per-attempt timeout; uploads of rendered clips can be large.
	requestTimeout = 180 * time.Second

	// Retry configuration
	maxRetries     = 4
	baseRetryDelay = 1 * time.Second
	maxRetryDelay  = 30 * time.Second
)

// PollOptions bounds PollUntilReady. Zero fields fall back to the client defaults.
type PollOptions struct {
	Interval    time.Duration
	MaxAttempts int
}

// DefaultPollOptions gives a ceiling of roughly 20s per asset.
var DefaultPollOptions = PollOptions{
	Interval:    2 * time.Second,
	MaxAttempts: 10,
}

type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
	poll    PollOptions

	// Seams for tests: the wait used between polls and between retries.
	after      func(time.Duration) <-chan time.Time
	retryDelay func(attempt int) time.Duration
}

// Option customises a Client.
type Option func(*Client)

// WithAPIKey sends the key as a bearer token on every request.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithPollOptions overrides the default polling bounds.
func WithPollOptions(opts PollOptions) Option {
	return func(c *Client) { c.poll = opts.withDefaults(DefaultPollOptions) }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		poll:    DefaultPollOptions,
		client: &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		after:      time.After,
		retryDelay: retryDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (o PollOptions) withDefaults(d PollOptions) PollOptions {
	if o.Interval <= 0 {
		o.Interval = d.Interval
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = d.MaxAttempts
	}
	return o
}

// response is a fully-read HTTP response.
type response struct {
	status int
	body   []byte
	header http.Header
}

func (r *response) ok() bool {
	return r.status >= 200 && r.status < 300
}

// retryPolicy says which failures a call may be sent again after.
type retryPolicy int

const (
	// retryIdempotent retries any transient failure. Reads and content-addressed
	// uploads repeat without side effects.
	retryIdempotent retryPolicy = iota
	// retryUnsent retries only failures where the server never took the request:
	// a refused connection or 429. Tool calls start a remote render per request.
	retryUnsent
)

// do sends the request built by newReq, retrying transient network errors and
// retryable statuses with exponential backoff as policy allows. newReq is called
// once per attempt so request bodies can be rebuilt. The last response is
// returned as-is when it is not retryable or retries run out; err is set only
// when no response arrived.
func (c *Client) do(ctx context.Context, label string, policy retryPolicy, newReq func(ctx context.Context) (*http.Request, error)) (*response, error) {
	var (
		lastResp *response
		lastErr  error
	)
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.retryDelay(attempt)
			log.Warn().Str("op", label).Int("attempt", attempt).Dur("wait", delay).Msg("[MediaTools] retrying")

			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%s cancelled: %w", label, ctx.Err())
			case <-c.after(delay):
			}
		}

		reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
		req, err := newReq(reqCtx)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			cancel()
			lastErr = err
			lastResp = nil
			if policy.retryError(err) && ctx.Err() == nil {
				continue
			}
			return nil, err
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		cancel()
		if err != nil {
			lastErr = fmt.Errorf("failed to read response body: %w", err)
			lastResp = nil
			if policy == retryIdempotent {
				continue
			}
			return nil, lastErr
		}

		lastResp = &response{status: resp.StatusCode, body: body, header: resp.Header}
		if policy.retryStatus(resp.StatusCode) {
			log.Warn().Str("op", label).Int("status", resp.StatusCode).Str("body", truncate(string(body), 200)).Msg("[MediaTools] retryable status")
			continue
		}
		return lastResp, nil
	}

	if lastResp != nil {
		return lastResp, nil
	}
	return nil, fmt.Errorf("%s failed after %d attempts: %w", label, maxRetries+1, lastErr)
}

func (c *Client) url(path string) string {
	return c.baseURL + path
}

// retryDelay calculates exponential backoff with jitter: base * 2^attempt + random jitter
func retryDelay(attempt int) time.Duration {
	delay := float64(baseRetryDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(maxRetryDelay) {
		delay = float64(maxRetryDelay)
	}
	// Add 0–25% jitter to avoid thundering herd
	jitter := delay * 0.25 * rand.Float64()
	return time.Duration(delay + jitter)
}

// isRetryableError checks if a network-level error is worth retrying
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "EOF") ||
		strings.Contains(errStr, "broken pipe")
}

func (p retryPolicy) retryError(err error) bool {
	if p == retryUnsent {
		return err != nil && strings.Contains(err.Error(), "connection refused")
	}
	return isRetryableError(err)
}

func (p retryPolicy) retryStatus(status int) bool {
	if p == retryUnsent {
		return status == http.StatusTooManyRequests
	}
	return isRetryableStatus(status)
}

// isRetryableStatus checks if an HTTP status code is worth retrying
func isRetryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || // 429
		status == http.StatusRequestTimeout || // 408
		status == http.StatusBadGateway || // 502
		status == http.StatusServiceUnavailable || // 503
		status == http.StatusGatewayTimeout // 504
}

// truncate limits a string to maxLen characters for log output
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
