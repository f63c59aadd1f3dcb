// Package httpx provides the shared retrying HTTP client. Every outbound
// provider call reuses its retry predicate and Retry-After handling.
package httpx

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"github.com/influencerai/worker/internal/domain"
)

const maxBodySnippet = 2048

// Client issues requests with a per-attempt timeout and bounded retries on
// 429, 5xx, and transport failures.
type Client struct {
	hc          *http.Client
	timeout     time.Duration
	maxAttempts int
	base        time.Duration
	jitter      time.Duration
}

// Response is a fully read HTTP response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// New constructs a client. maxAttempts counts the first try; values below 1
// snap to 1.
func New(timeout time.Duration, maxAttempts int, base, jitter time.Duration) *Client {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Client{
		hc:          &http.Client{},
		timeout:     timeout,
		maxAttempts: maxAttempts,
		base:        base,
		jitter:      jitter,
	}
}

// Do sends the request, retrying on 429, [500,599], and transport errors.
// The delay before attempt n+1 is max(Retry-After, base*2^(n-1)+rand[0,jitter)).
// On exhaustion it returns the last *domain.HTTPError or transport error.
func (c *Client) Do(ctx context.Context, method, url string, header http.Header, body []byte) (*Response, error) {
	var out *Response
	var retryAfter time.Duration

	op := func() error {
		retryAfter = 0
		attemptCtx := ctx
		if c.timeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, c.timeout)
			defer cancel()
		}
		// Recreate the request each attempt to avoid reusing consumed bodies.
		var rd io.Reader
		if body != nil {
			rd = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(attemptCtx, method, url, rd)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("op=httpx.Do: %w", err))
		}
		for k, vs := range header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		resp, err := c.hc.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599) {
			retryAfter = ParseRetryAfter(resp.Header.Get("Retry-After"))
			slog.Warn("retryable provider status",
				slog.String("method", method),
				slog.String("url", url),
				slog.Int("status", resp.StatusCode))
			return httpError(resp.StatusCode, b, url, method)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return backoff.Permanent(httpError(resp.StatusCode, b, url, method))
		}
		out = &Response{Status: resp.StatusCode, Header: resp.Header, Body: b}
		return nil
	}

	pol := &retryPolicy{base: c.base, jitter: c.jitter, hint: func() time.Duration { return retryAfter }}
	bo := backoff.WithContext(backoff.WithMaxRetries(pol, uint64(c.maxAttempts-1)), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, err
	}
	return out, nil
}

func httpError(status int, body []byte, url, method string) *domain.HTTPError {
	snippet := string(body)
	if len(snippet) > maxBodySnippet {
		snippet = snippet[:maxBodySnippet]
	}
	return &domain.HTTPError{Status: status, Body: snippet, URL: url, Method: method}
}

// retryPolicy produces max(Retry-After, base*2^(attempt-1) + rand[0,jitter)).
type retryPolicy struct {
	base    time.Duration
	jitter  time.Duration
	attempt int
	hint    func() time.Duration
}

func (p *retryPolicy) NextBackOff() time.Duration {
	d := p.base << p.attempt
	p.attempt++
	if p.jitter > 0 {
		d += time.Duration(rand.Int63n(int64(p.jitter)))
	}
	if ra := p.hint(); ra > d {
		d = ra
	}
	return d
}

func (p *retryPolicy) Reset() { p.attempt = 0 }

// ParseRetryAfter interprets a Retry-After header value as delta seconds or
// an HTTP-date. Unparseable or past values yield 0.
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		d := time.Until(t)
		if d < 0 {
			return 0
		}
		return d
	}
	return 0
}
