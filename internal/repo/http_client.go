package repo

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/time/rate"

	"github.com/bigrig/bigrig/internal/config"
)

const (
	defaultUserAgent   = "bigrig"
	defaultMaxAttempts = 5
)

// ClientConfig configures a Client.
type ClientConfig struct {
	UserAgent string
	// RequestsPerSecond throttles requests; zero means unlimited.
	RequestsPerSecond float64
	// MaxAttempts bounds retries of idempotent requests.
	MaxAttempts int
	// Backoff is the delay before the second attempt; it doubles after that.
	Backoff time.Duration
	// Timeout bounds each request including its body; zero means none.
	Timeout time.Duration
}

// Client performs HTTP requests against package indexes with retries and
// rate limiting.
type Client struct {
	client      *http.Client
	limiter     *rate.Limiter
	userAgent   string
	maxAttempts int
	backoff     time.Duration
}

// NewClient creates a Client from cfg.
func NewClient(cfg ClientConfig) *Client {
	c := &Client{
		client:      clonedTransport(),
		limiter:     rate.NewLimiter(rate.Inf, 1),
		userAgent:   cfg.UserAgent,
		maxAttempts: cfg.MaxAttempts,
		backoff:     cfg.Backoff,
	}
	if c.userAgent == "" {
		c.userAgent = defaultUserAgent
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = defaultMaxAttempts
	}
	if c.backoff <= 0 {
		c.backoff = time.Second
	}
	c.client.Timeout = cfg.Timeout
	if cfg.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return c
}

// StatusError reports a non-2xx response.
type StatusError struct {
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("%s: status %d: %s", e.URL, e.StatusCode, e.Body)
}

// Get issues a GET request, retrying transport errors and 5xx responses.
// Any other response, successful or not, is returned to the caller, who
// must close its body.
func (c *Client) Get(ctx context.Context, url string, creds *config.Credentials) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			delay := c.backoff << (attempt - 1)
			slog.Warn("retrying request", "url", url, "attempt", attempt+1, "max_attempts", c.maxAttempts, "error", lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, errors.Wrapf(err, "GET %s", url)
		}
		resp, err := c.Do(req, creds)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			continue
		}
		if resp.StatusCode >= 500 {
			lastErr = &StatusError{URL: url, StatusCode: resp.StatusCode}
			closeRespBody(resp)
			continue
		}
		return resp, nil
	}
	return nil, errors.Wrapf(lastErr, "GET %s failed after %d attempts", url, c.maxAttempts)
}

// Do sends req once after waiting for the rate limiter. Credentials, when
// given, are sent as HTTP basic auth.
func (c *Client) Do(req *http.Request, creds *config.Credentials) (*http.Response, error) {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.userAgent)
	if creds != nil {
		req.SetBasicAuth(creds.Username, creds.Password)
	}
	return c.client.Do(req)
}

// checkStatus turns a non-2xx response into a *StatusError carrying the
// start of the body. The body is closed in that case.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	defer closeRespBody(resp)
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &StatusError{URL: resp.Request.URL.Redacted(), StatusCode: resp.StatusCode, Body: string(body)}
}

func closeRespBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		slog.Warn("failed to close response body", "error", err)
	}
}

// clonedTransport creates an HTTP client with tuned connection pooling.
func clonedTransport() *http.Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.MaxIdleConns = 100
	tr.MaxIdleConnsPerHost = 10
	tr.IdleConnTimeout = 90 * time.Second

	return &http.Client{
		Transport: tr,
		Timeout:   0,
	}
}
