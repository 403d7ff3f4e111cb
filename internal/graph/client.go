// Package graph is a minimal Microsoft-Graph-style drive client: delta
// enumeration, item CRUD, chunked uploads, verified downloads, and device
// code auth. It is the cloud transport behind internal/sync's collaborator
// interfaces; the reconciliation engine itself never imports it.
package graph

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// DefaultBaseURL is the production API endpoint.
const DefaultBaseURL = "https://graph.microsoft.com/v1.0"

const defaultUserAgent = "driftsync/0.1"

// Retry policy for throttled and failing requests.
const (
	maxAttempts    = 5
	initialBackoff = 1 * time.Second
	maxBackoff     = 60 * time.Second
)

// TokenSource supplies bearer tokens. Defined here, at the consumer.
type TokenSource interface {
	Token() (string, error)
}

// Options tunes a Client. The zero value works.
type Options struct {
	BaseURL   string
	UserAgent string

	// BandwidthLimit caps download/upload throughput in bytes per second.
	// Zero means unlimited.
	BandwidthLimit int64
}

// Client issues authenticated requests with retry, backoff, and optional
// bandwidth limiting on content streams.
type Client struct {
	base      string
	http      *http.Client
	tokens    TokenSource
	userAgent string
	limiter   *rate.Limiter
	logger    *slog.Logger

	// sleep is swapped out by tests to avoid real backoff delays.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient builds a Client. httpClient may be nil for http.DefaultClient.
func NewClient(httpClient *http.Client, tokens TokenSource, logger *slog.Logger, opts Options) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	if logger == nil {
		logger = slog.Default()
	}

	base := opts.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}

	ua := opts.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}

	var limiter *rate.Limiter
	if opts.BandwidthLimit > 0 {
		// Burst of one second's allowance keeps chunked transfers smooth
		// without letting the average exceed the cap.
		limiter = rate.NewLimiter(rate.Limit(opts.BandwidthLimit), int(opts.BandwidthLimit))
	}

	return &Client{
		base:      base,
		http:      httpClient,
		tokens:    tokens,
		userAgent: ua,
		limiter:   limiter,
		logger:    logger,
		sleep:     sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// do issues one authenticated request against the API, retrying throttled
// and server-failed attempts with exponential backoff (honoring
// Retry-After). On success the caller owns resp.Body. body, when non-nil,
// must be replayable: it is passed via getBody so retries can rewind.
func (c *Client) do(ctx context.Context, method, path string, getBody func() (io.Reader, error), header http.Header) (*http.Response, error) {
	url := path
	if strings.HasPrefix(path, "/") {
		url = c.base + path
	}

	backoff := initialBackoff

	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		resp, err := c.doOnce(ctx, method, url, getBody, header)
		if err == nil {
			return resp, nil
		}

		lastErr = err
		if !retryable(err) || attempt == maxAttempts {
			return nil, err
		}

		wait := backoff
		if ra := retryAfterOf(err); ra > 0 {
			wait = ra
		}

		c.logger.Warn("graph: transient failure, retrying",
			slog.String("method", method),
			slog.String("path", path),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", wait),
			slog.String("error", err.Error()),
		)

		if sleepErr := c.sleep(ctx, wait); sleepErr != nil {
			return nil, sleepErr
		}

		backoff = min(backoff*2, maxBackoff)
	}

	return nil, lastErr
}

func (c *Client) doOnce(ctx context.Context, method, url string, getBody func() (io.Reader, error), header http.Header) (*http.Response, error) {
	var body io.Reader

	if getBody != nil {
		b, err := getBody()
		if err != nil {
			return nil, fmt.Errorf("graph: preparing request body: %w", err)
		}

		body = b
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("graph: building request: %w", err)
	}

	for k, vs := range header {
		req.Header[k] = vs
	}

	tok, err := c.tokens.Token()
	if err != nil {
		return nil, fmt.Errorf("graph: acquiring token: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("graph: %s %s: %w", method, url, err)
	}

	if resp.StatusCode >= 300 {
		apiErr := newAPIError(resp)
		apiErr.retryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
		resp.Body.Close()

		return nil, apiErr
	}

	return resp, nil
}

// parseRetryAfter reads a Retry-After header in seconds form.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}

	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return 0
	}

	return time.Duration(secs) * time.Second
}

// limitReader wraps r with the client's bandwidth limiter when one is set.
func (c *Client) limitReader(ctx context.Context, r io.Reader) io.Reader {
	if c.limiter == nil {
		return r
	}

	return &limitedReader{r: r, limiter: c.limiter, ctx: ctx}
}

type limitedReader struct {
	r       io.Reader
	limiter *rate.Limiter
	ctx     context.Context
}

func (lr *limitedReader) Read(p []byte) (int, error) {
	// Cap the read at the limiter's burst so WaitN can always succeed.
	if burst := lr.limiter.Burst(); len(p) > burst {
		p = p[:burst]
	}

	n, err := lr.r.Read(p)
	if n > 0 {
		if waitErr := lr.limiter.WaitN(lr.ctx, n); waitErr != nil {
			return n, waitErr
		}
	}

	return n, err
}
