// Package backend talks to the metrics and log backends the dashboard
// polls: Prometheus-compatible query APIs and Loki.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code       int
	RetryAfter time.Duration
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d error: %s", e.Code, e.Body)
}

// Retryable reports whether the request may succeed if repeated.
func (e *StatusError) Retryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

type Options struct {
	MaxRetries     int           // total attempts, at least 1
	RetryBaseDelay time.Duration // doubled on every retry
	MaxRetryDelay  time.Duration // caps both backoff and Retry-After
	RateLimit      float64       // requests per second, 0 disables
	Timeout        time.Duration // per request
	Headers        map[string]string
}

func DefaultOptions() Options {
	return Options{
		MaxRetries:     3,
		RetryBaseDelay: time.Second,
		MaxRetryDelay:  30 * time.Second,
		Timeout:        30 * time.Second,
	}
}

// Client issues GET requests against a base URL and decodes JSON, retrying
// on 429 and 5xx.
type Client struct {
	base    *url.URL
	name    string
	http    *http.Client
	opts    Options
	limiter *rate.Limiter
	sleep   func(ctx context.Context, d time.Duration) error
}

func NewClient(name, baseURL string, opts Options) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid %s url: %w", name, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid %s url: %q", name, baseURL)
	}
	if opts.MaxRetries < 1 {
		opts.MaxRetries = 1
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	c := &Client{
		base:  u,
		name:  name,
		http:  &http.Client{Timeout: opts.Timeout},
		opts:  opts,
		sleep: sleepCtx,
	}
	if opts.RateLimit > 0 {
		burst := int(opts.RateLimit)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	return c, nil
}

// GetJSON fetches path with params and decodes the body into out.
func (c *Client) GetJSON(ctx context.Context, path string, params url.Values, out any) error {
	var lastErr error
	for attempt := 0; attempt < c.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := c.retryDelay(attempt-1, lastErr)
			log.Debug().Str("backend", c.name).Str("path", path).Dur("delay", delay).Int("attempt", attempt+1).Msg("retrying request")
			if err := c.sleep(ctx, delay); err != nil {
				return err
			}
		}
		lastErr = c.get(ctx, path, params, out)
		if lastErr == nil {
			return nil
		}
		var se *StatusError
		if !errors.As(lastErr, &se) || !se.Retryable() {
			return lastErr
		}
	}
	return lastErr
}

func (c *Client) get(ctx context.Context, path string, params url.Values, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	u := *c.base
	u.Path = u.Path + path
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range c.opts.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", c.name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return &StatusError{
			Code:       resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
			Body:       truncate(string(body), 512),
		}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("invalid %s response: %w", c.name, err)
	}
	return nil
}

// retryDelay is Retry-After when the server sent one, otherwise
// base * 2^attempt; both capped at MaxRetryDelay.
func (c *Client) retryDelay(attempt int, err error) time.Duration {
	var d time.Duration
	var se *StatusError
	if errors.As(err, &se) && se.RetryAfter >= 0 {
		d = se.RetryAfter
	} else {
		d = c.opts.RetryBaseDelay << attempt
	}
	if c.opts.MaxRetryDelay > 0 && d > c.opts.MaxRetryDelay {
		d = c.opts.MaxRetryDelay
	}
	return d
}

// parseRetryAfter returns -1 when the header is absent or unparseable.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return -1
	}
	if n, err := strconv.Atoi(v); err == nil {
		if n < 0 {
			return -1
		}
		return time.Duration(n) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
		return 0
	}
	return -1
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
