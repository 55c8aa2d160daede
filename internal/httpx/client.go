package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	clierr "github.com/ggonzalez94/defi-yield/internal/errors"
)

// Observer receives one outcome per logical request (after retries).
type Observer interface {
	ObserveRequest(provider, outcome string, elapsed time.Duration)
}

type Option func(*Client)

// WithRateLimit throttles outgoing requests with a token bucket.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps <= 0 {
			return
		}
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithServerErrorRetries makes 5xx responses retryable. Off by default.
func WithServerErrorRetries() Option {
	return func(c *Client) { c.retryServerErrors = true }
}

func WithObserver(name string, obs Observer) Option {
	return func(c *Client) {
		c.name = name
		c.observer = obs
	}
}

func WithUserAgent(ua string) Option {
	return func(c *Client) {
		if strings.TrimSpace(ua) != "" {
			c.userAgent = ua
		}
	}
}

type Client struct {
	httpClient        *http.Client
	retries           int
	userAgent         string
	limiter           *rate.Limiter
	retryServerErrors bool
	name              string
	observer          Observer
	sleep             func(context.Context, time.Duration) error
}

func New(timeout time.Duration, retries int, opts ...Option) *Client {
	if retries < 0 {
		retries = 0
	}
	c := &Client{
		httpClient: &http.Client{Timeout: timeout},
		retries:    retries,
		userAgent:  "defi-yield/1.0",
		sleep:      sleepCtx,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// DoJSON executes req and decodes a 2xx body into out.
//
// Rate-limit responses (429) are retried with exponential backoff; once the
// attempt budget is spent the error escalates to CodeExhausted. Quota and
// billing responses (402, or a 429 whose body names a quota) are returned
// immediately as CodeQuota.
func (c *Client) DoJSON(ctx context.Context, req *http.Request, out any) (http.Header, error) {
	start := time.Now()
	hdr, err := c.do(ctx, req, out)
	if c.observer != nil {
		c.observer.ObserveRequest(c.name, outcomeOf(err), time.Since(start))
	}
	return hdr, err
}

func (c *Client) do(ctx context.Context, req *http.Request, out any) (http.Header, error) {
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, backoff(attempt)); err != nil {
				return nil, clierr.Wrap(clierr.CodeUnavailable, "request cancelled", err)
			}
		}
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, clierr.Wrap(clierr.CodeUnavailable, "request cancelled", err)
			}
		}

		cloneReq := req.Clone(ctx)
		if req.Body != nil && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, clierr.Wrap(clierr.CodeInternal, "clone request body", err)
			}
			cloneReq.Body = body
		}

		resp, err := c.httpClient.Do(cloneReq)
		if err != nil {
			return nil, mapNetError(err)
		}

		buf, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return resp.Header, clierr.Wrap(clierr.CodeUnavailable, "read provider response", readErr)
		}

		if isQuota(resp.StatusCode, buf) {
			return resp.Header, clierr.New(clierr.CodeQuota, "provider quota exhausted").
				WithHint("check the provider plan or billing status for this API key")
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			lastErr = clierr.New(clierr.CodeRateLimited, "provider rate limited request")
			if attempt < c.retries {
				continue
			}
			return resp.Header, clierr.Wrap(clierr.CodeExhausted, fmt.Sprintf("rate limited after %d attempts", attempt+1), lastErr).
				WithHint("wait a moment and retry, or lower the configured request rate")
		}

		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return resp.Header, clierr.New(clierr.CodeAuth, "provider authentication failed").
				WithHint("check the configured API key")
		}

		if resp.StatusCode == http.StatusNotFound {
			return resp.Header, clierr.New(clierr.CodeNotFound, "provider returned not found")
		}

		if resp.StatusCode >= http.StatusInternalServerError {
			lastErr = clierr.New(clierr.CodeUnavailable, fmt.Sprintf("provider unavailable (status %d)", resp.StatusCode))
			if c.retryServerErrors && attempt < c.retries {
				continue
			}
			return resp.Header, lastErr
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return resp.Header, clierr.New(clierr.CodeUnsupported, fmt.Sprintf("provider returned unexpected status %d", resp.StatusCode))
		}

		if out == nil {
			return resp.Header, nil
		}
		if len(bytes.TrimSpace(buf)) == 0 {
			return resp.Header, clierr.New(clierr.CodeUnavailable, "provider returned empty response")
		}
		if err := json.Unmarshal(buf, out); err != nil {
			return resp.Header, clierr.Wrap(clierr.CodeUnavailable, "decode provider JSON", err)
		}
		return resp.Header, nil
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return nil, clierr.New(clierr.CodeUnavailable, "request failed")
}

func DoBodyJSON(ctx context.Context, c *Client, method, url string, body []byte, headers map[string]string, out any) (http.Header, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "build request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return c.DoJSON(ctx, req, out)
}

// GetJSON is a shorthand for a GET with optional headers.
func GetJSON(ctx context.Context, c *Client, url string, headers map[string]string, out any) error {
	_, err := DoBodyJSON(ctx, c, http.MethodGet, url, nil, headers, out)
	return err
}

func isQuota(status int, body []byte) bool {
	if status == http.StatusPaymentRequired {
		return true
	}
	if status != http.StatusTooManyRequests && status != http.StatusForbidden {
		return false
	}
	lower := strings.ToLower(string(body))
	return strings.Contains(lower, "quota") || strings.Contains(lower, "credits") || strings.Contains(lower, "billing")
}

func outcomeOf(err error) string {
	if err == nil {
		return "ok"
	}
	e, ok := clierr.As(err)
	if !ok {
		return "error"
	}
	switch e.Code {
	case clierr.CodeQuota:
		return "quota"
	case clierr.CodeExhausted, clierr.CodeRateLimited:
		return "rate_limited"
	case clierr.CodeNotFound:
		return "not_found"
	default:
		return "error"
	}
}

func mapNetError(err error) error {
	if nerr, ok := err.(net.Error); ok {
		if nerr.Timeout() {
			return clierr.Wrap(clierr.CodeUnavailable, "provider timeout", err)
		}
	}
	return clierr.Wrap(clierr.CodeUnavailable, "provider request failed", err)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func backoff(attempt int) time.Duration {
	base := 120 * time.Millisecond
	d := base * time.Duration(1<<uint(attempt-1))
	if d > 2*time.Second {
		d = 2 * time.Second
	}
	jitter := time.Duration(rand.Intn(75)) * time.Millisecond
	return d + jitter
}
