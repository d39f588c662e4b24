// Package httpclient is the retryable, pagination-aware, rate-limit-aware
// REST transport shared by every provider adapter. It decorates
// requests per attempt (so DPoP proofs and bearer tokens are always fresh),
// retries idempotent methods against a fixed status-code policy, and
// exposes a lazy one-page-at-a-time pagination helper.
package httpclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
)

// TransportError wraps a network-level failure (DNS, connection refused,
// timeout, TLS). It is never retried and is always classified as transient.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("%s: %s", e.Op, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// Response is a buffered HTTP response. Bodies for directory-sync pages are
// bounded (at most a few hundred records), so buffering one page at a time
// is safe and simplifies JSON decoding and Link-header inspection.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Decorator mutates an outgoing request before it is sent — injecting
// Authorization/DPoP headers, content type, etc. It is invoked fresh on
// every attempt, including retries, so time-bound proofs stay valid.
type Decorator func(req *http.Request) error

// Client is the shared HTTP transport for all provider adapters.
type Client struct {
	hc         *http.Client
	maxPerHost int64

	mu       sync.Mutex
	limiters map[string]*semaphore.Weighted
}

// New builds a Client with the given per-request timeout and per-host
// concurrency cap.
func New(timeout time.Duration, maxConcurrentPerHost int) *Client {
	return &Client{
		hc: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: maxConcurrentPerHost,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		maxPerHost: int64(maxConcurrentPerHost),
		limiters:   make(map[string]*semaphore.Weighted),
	}
}

func (c *Client) hostLimiter(host string) *semaphore.Weighted {
	c.mu.Lock()
	defer c.mu.Unlock()
	lim, ok := c.limiters[host]
	if !ok {
		lim = semaphore.NewWeighted(c.maxPerHost)
		c.limiters[host] = lim
	}
	return lim
}

// Get issues a retryable GET with the given query parameters.
func (c *Client) Get(ctx context.Context, rawURL string, query url.Values, decorate Decorator) (*Response, error) {
	u, err := buildURL(rawURL, query)
	if err != nil {
		return nil, err
	}
	return c.do(ctx, http.MethodGet, u, nil, decorate)
}

// Post issues a non-retried POST with a application/x-www-form-urlencoded
// body (token endpoint requests never retry past transport/5xx failures:
// the caller — typically a DPoP nonce handshake — owns any reissue).
func (c *Client) Post(ctx context.Context, rawURL string, form url.Values, decorate Decorator) (*Response, error) {
	return c.do(ctx, http.MethodPost, rawURL, []byte(form.Encode()), decorate)
}

func buildURL(rawURL string, query url.Values) (string, error) {
	if len(query) == 0 {
		return rawURL, nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", rawURL, err)
	}
	q := u.Query()
	for k, vs := range query {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// do executes method against rawURL with retries for idempotent methods,
// per the shared retry policy.
func (c *Client) do(ctx context.Context, method, rawURL string, body []byte, decorate Decorator) (*Response, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url %q: %w", rawURL, err)
	}

	limiter := c.hostLimiter(u.Host)
	if err := limiter.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer limiter.Release(1)

	retryable := method == http.MethodGet || method == http.MethodHead
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second

	for attempt := 0; ; attempt++ {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
		if err != nil {
			return nil, err
		}
		if method == http.MethodPost {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
		if decorate != nil {
			if err := decorate(req); err != nil {
				return nil, fmt.Errorf("decorate request: %w", err)
			}
		}

		resp, err := c.hc.Do(req)
		if err != nil {
			// Transport-level failures (DNS, connection refused, timeout, TLS)
			// are surfaced verbatim with no retry, regardless of method —
			// only HTTP-level responses go through the retry policy below.
			return nil, &TransportError{Op: method + " " + u.String(), Err: err}
		}

		buf, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return nil, fmt.Errorf("read response body: %w", readErr)
		}
		out := &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: buf}

		if !retryable || !shouldRetry(out.StatusCode) {
			return out, nil
		}

		wait := retryDelay(out, bo)
		log.Debug().Str("url", u.String()).Int("status", out.StatusCode).Dur("wait", wait).Int("attempt", attempt).Msg("retrying http request")
		if !c.sleep(ctx, wait) {
			return out, nil
		}
	}
}

func shouldRetry(status int) bool {
	switch status {
	case http.StatusTooManyRequests, // 429
		http.StatusRequestTimeout,     // 408
		http.StatusInternalServerError, // 500
		http.StatusBadGateway,          // 502
		http.StatusServiceUnavailable,  // 503
		http.StatusGatewayTimeout:      // 504
		return true
	default:
		return false
	}
}

// retryDelay computes how long to wait before the next attempt, honoring
// Okta's absolute X-Rate-Limit-Reset header, then the standard Retry-After
// header, then falling back to exponential backoff.
func retryDelay(resp *Response, bo *backoff.ExponentialBackOff) time.Duration {
	if resp.StatusCode == http.StatusTooManyRequests {
		if reset := resp.Header.Get("X-Rate-Limit-Reset"); reset != "" {
			if secs, err := strconv.ParseInt(reset, 10, 64); err == nil {
				d := time.Until(time.Unix(secs, 0))
				if d > 0 {
					return d
				}
			}
		}
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
				return time.Duration(secs) * time.Second
			}
		}
		return time.Second
	}
	return bo.NextBackOff()
}

func (c *Client) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = time.Millisecond
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// ParseLinkNext extracts the rel="next" URL from an RFC 5988 Link header
// value, as used by Okta's pagination.
func ParseLinkNext(header string) string {
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		segs := strings.Split(part, ";")
		if len(segs) < 2 {
			continue
		}
		urlPart := strings.TrimSpace(segs[0])
		if !strings.HasPrefix(urlPart, "<") || !strings.HasSuffix(urlPart, ">") {
			continue
		}
		isNext := false
		for _, attr := range segs[1:] {
			attr = strings.TrimSpace(attr)
			if attr == `rel="next"` || attr == "rel=next" {
				isNext = true
				break
			}
		}
		if isNext {
			return strings.Trim(urlPart, "<>")
		}
	}
	return ""
}
