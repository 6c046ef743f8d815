// Package fetch implements the retrying HTTP client used for all marketplace
// requests.
package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/edouardg/marktmonitor/internal/logger"
	"github.com/edouardg/marktmonitor/internal/metrics"
)

const (
	// DefaultAttempts is the total number of tries per request.
	DefaultAttempts = 4
	// DefaultStartDelay is the backoff before the first retry; it doubles on
	// every further retry.
	DefaultStartDelay = 3 * time.Second

	requestTimeout   = 30 * time.Second
	maxResponseBytes = 10 * 1024 * 1024
	headerUserAgent  = "User-Agent"
	serverErrorFloor = 500
)

// StatusError is returned when the retry budget is exhausted or a
// non-retryable status is received. Callers use it to tell upstream refusals
// apart from transport failures.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("request for %s failed with HTTP %d", e.URL, e.Code)
}

// Client performs GET requests with a browser user agent, exponential
// backoff, and retry-cause logging.
type Client struct {
	http          *http.Client
	log           logger.Logger
	limiter       *rate.Limiter
	userAgent     string
	attempts      int
	startDelay    time.Duration
	retryStatuses map[int]struct{}
}

// Option configures a Client.
type Option func(*Client)

// WithUserAgent overrides the default desktop Chrome user agent.
func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

// WithAttempts overrides the total number of tries per request.
func WithAttempts(attempts int) Option {
	return func(c *Client) {
		if attempts > 0 {
			c.attempts = attempts
		}
	}
}

// WithStartDelay overrides the initial backoff delay.
func WithStartDelay(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.startDelay = d
		}
	}
}

// WithRateLimit bounds outbound requests per second across all callers.
func WithRateLimit(rps int) Option {
	return func(c *Client) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), rps)
		}
	}
}

// WithHTTPClient swaps the underlying HTTP client; mainly for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// NewClient creates a retrying client. By default it retries transport errors
// (DNS failures included) and 5xx responses, 4 attempts with 3s/6s/12s backoff.
func NewClient(log logger.Logger, userAgent string, opts ...Option) *Client {
	c := &Client{
		http:          &http.Client{Timeout: requestTimeout},
		log:           log,
		userAgent:     userAgent,
		attempts:      DefaultAttempts,
		startDelay:    DefaultStartDelay,
		retryStatuses: map[int]struct{}{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WithRetryStatuses returns a copy of the client that additionally retries
// the given status codes. Used by enrichment, where fresh items briefly 404
// while the CDN catches up.
func (c *Client) WithRetryStatuses(statuses ...int) *Client {
	clone := *c
	clone.retryStatuses = make(map[int]struct{}, len(c.retryStatuses)+len(statuses))
	for s := range c.retryStatuses {
		clone.retryStatuses[s] = struct{}{}
	}
	for _, s := range statuses {
		clone.retryStatuses[s] = struct{}{}
	}
	return &clone
}

// Fetch GETs the URL and returns the response body. A 204 yields an empty
// body. Extra headers are applied on top of the user agent; a caller-supplied
// User-Agent wins.
func (c *Client) Fetch(ctx context.Context, rawURL string, headers map[string]string) ([]byte, error) {
	// the last failure travels with this request only, never a shared map
	var lastCause string

	for attempt := 1; attempt <= c.attempts; attempt++ {
		if attempt > 1 {
			c.log.Warn("retrying request",
				logger.Int("attempt", attempt),
				logger.Int("attempts", c.attempts),
				logger.String("url", rawURL),
				logger.String("cause", lastCause))
			metrics.FetchRetriesTotal.Inc()

			if err := c.sleep(ctx, c.backoff(attempt)); err != nil {
				return nil, err
			}
		}

		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("rate limiter: %w", err)
			}
		}

		body, cause, err := c.do(ctx, rawURL, headers)
		if err == nil {
			metrics.FetchesTotal.WithLabelValues(metrics.OutcomeOK).Inc()
			return body, nil
		}
		if cause == "" {
			// non-retryable, surface immediately
			metrics.FetchesTotal.WithLabelValues(metrics.OutcomeError).Inc()
			return nil, err
		}
		lastCause = cause

		// keep the typed error from the final attempt
		if attempt == c.attempts {
			metrics.FetchesTotal.WithLabelValues(metrics.OutcomeError).Inc()
			c.log.Error("request failed after retries",
				logger.String("url", rawURL),
				logger.String("cause", lastCause))
			return nil, err
		}
	}

	// unreachable: the loop always returns
	return nil, &StatusError{URL: rawURL, Code: 0}
}

// FetchJSON GETs the URL and decodes the JSON response into out.
func (c *Client) FetchJSON(ctx context.Context, rawURL string, out any) error {
	body, err := c.Fetch(ctx, rawURL, nil)
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return fmt.Errorf("empty response from %s", rawURL)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response from %s: %w", rawURL, err)
	}
	return nil
}

// do performs a single attempt. It returns a non-empty cause when the failure
// is retryable.
func (c *Client) do(ctx context.Context, rawURL string, headers map[string]string) (body []byte, cause string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request for %s: %w", rawURL, err)
	}

	req.Header.Set(headerUserAgent, c.userAgent)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, "", fmt.Errorf("request for %s: %w", rawURL, err)
		}
		return nil, causeOf(err), fmt.Errorf("request for %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if readErr != nil {
			return nil, causeOf(readErr), fmt.Errorf("read response from %s: %w", rawURL, readErr)
		}
		return body, "", nil

	case resp.StatusCode == http.StatusNoContent:
		c.log.Warn("request returned no content", logger.String("url", rawURL))
		return nil, "", nil

	case c.retryable(resp.StatusCode):
		io.Copy(io.Discard, resp.Body) //nolint:errcheck // draining for keep-alive
		return nil, fmt.Sprintf("HTTP %d", resp.StatusCode),
			&StatusError{URL: rawURL, Code: resp.StatusCode}

	default:
		return nil, "", &StatusError{URL: rawURL, Code: resp.StatusCode}
	}
}

func (c *Client) retryable(status int) bool {
	if status >= serverErrorFloor {
		return true
	}
	_, ok := c.retryStatuses[status]
	return ok
}

// backoff returns the delay before the given attempt: startDelay before the
// second attempt, doubling after that.
func (c *Client) backoff(attempt int) time.Duration {
	d := c.startDelay
	for i := 2; i < attempt; i++ {
		d *= 2
	}
	return d
}

func (c *Client) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// causeOf renders a transport error the way retries are logged: the concrete
// error type and its message.
func causeOf(err error) string {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return fmt.Sprintf("%T: %v", urlErr.Err, urlErr.Err)
	}
	return fmt.Sprintf("%T: %v", err, err)
}
