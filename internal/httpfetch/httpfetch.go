// Package httpfetch is the reference collab.DownloadHelper: a retrying HTTP fetcher for both
// manifests and fragments, combining manifest GET-with-redirect-handling and fragment fetch
// with retry (one goroutine per Submit) behind one DownloadHelper boundary, with Compress/ForceRefresh/
// HeaderOnly flags, byte-range support, and golang.org/x/time/rate pacing for a
// bandwidth-target-ratio / connection-speed throttle.
package httpfetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/ericcug/adaptivedemux2/internal/collab"
	"golang.org/x/time/rate"
)

const (
	defaultMaxRetries = 3
	defaultRetryDelay = 200 * time.Millisecond
	defaultTimeout    = 10 * time.Second
)

// Client is the reference collab.DownloadHelper.
type Client struct {
	mu sync.RWMutex

	httpClient *http.Client
	userAgent  string
	cookies    []*http.Cookie
	referer    string

	maxRetries int
	retryDelay time.Duration
	timeout    time.Duration

	limiter *rate.Limiter

	onDate func(time.Time)
}

// Option configures a Client at construction time.
type Option func(*Client)

// WithBandwidthLimit caps outbound transfer at bytesPerSecond using a token-bucket limiter.
func WithBandwidthLimit(bytesPerSecond int) Option {
	return func(c *Client) {
		if bytesPerSecond > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(bytesPerSecond), bytesPerSecond)
		}
	}
}

// WithDateCallback registers a callback invoked with the response's HTTP Date header (parsed per
// RFC 5322), which the caller typically wires up to skew its UTC clock estimate.
func WithDateCallback(f func(time.Time)) Option {
	return func(c *Client) { c.onDate = f }
}

// New constructs a Client.
func New(opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{
			Transport: &http.Transport{ResponseHeaderTimeout: 3 * time.Second},
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return nil // follow redirects for manifest fetches
			},
		},
		maxRetries: defaultMaxRetries,
		retryDelay: defaultRetryDelay,
		timeout:    defaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetUserAgent implements collab.DownloadHelper.
func (c *Client) SetUserAgent(ua string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userAgent = ua
}

// SetCookies implements collab.DownloadHelper. New cookies are merged with any already set,
// replacing entries with the same name.
func (c *Client) SetCookies(cookies []*http.Cookie) {
	c.mu.Lock()
	defer c.mu.Unlock()
	merged := make(map[string]*http.Cookie, len(c.cookies)+len(cookies))
	for _, ck := range c.cookies {
		merged[ck.Name] = ck
	}
	for _, ck := range cookies {
		merged[ck.Name] = ck
	}
	out := make([]*http.Cookie, 0, len(merged))
	for _, ck := range merged {
		out = append(out, ck)
	}
	c.cookies = out
}

// SetReferer implements collab.DownloadHelper.
func (c *Client) SetReferer(referer string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.referer = referer
}

// handle cancels an in-flight Submit via context cancellation.
type handle struct {
	cancel context.CancelFunc
}

func (h *handle) Cancel() { h.cancel() }

// Submit implements collab.DownloadHelper: it fetches req in a new goroutine, making at most
// maxRetries attempts in total with a fixed delay between them, and invokes onComplete exactly
// once.
func (c *Client) Submit(ctx context.Context, req collab.Request, flags collab.Flags, onComplete func(collab.Stats, []byte, error)) collab.Handle {
	ctx, cancel := context.WithCancel(ctx)
	h := &handle{cancel: cancel}

	go func() {
		stats, data, err := c.fetchWithRetry(ctx, req, flags)
		onComplete(stats, data, err)
	}()

	return h
}

func (c *Client) fetchWithRetry(ctx context.Context, req collab.Request, flags collab.Flags) (collab.Stats, []byte, error) {
	c.mu.RLock()
	maxRetries, retryDelay, timeout := c.maxRetries, c.retryDelay, c.timeout
	c.mu.RUnlock()

	var lastErr error
	stats := collab.Stats{URL: req.URL, Started: time.Now()}

	for attempt := 1; attempt <= maxRetries; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		data, statusCode, err := c.doOnce(attemptCtx, req, flags)
		cancel()

		if err == nil {
			stats.Completed = time.Now()
			stats.BytesReceived = int64(len(data))
			stats.StatusCode = statusCode
			return stats, data, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return stats, nil, ctx.Err()
		}
		select {
		case <-time.After(retryDelay):
		case <-ctx.Done():
			return stats, nil, ctx.Err()
		}
	}
	return stats, nil, fmt.Errorf("fetch %s failed after %d attempts: %w", req.URL, maxRetries, lastErr)
}

func (c *Client) doOnce(ctx context.Context, req collab.Request, flags collab.Flags) ([]byte, int, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}

	c.mu.RLock()
	if c.userAgent != "" {
		httpReq.Header.Set("User-Agent", c.userAgent)
	}
	if c.referer != "" {
		httpReq.Header.Set("Referer", c.referer)
	}
	for _, ck := range c.cookies {
		httpReq.AddCookie(ck)
	}
	c.mu.RUnlock()

	if flags&collab.FlagCompress != 0 {
		httpReq.Header.Set("Accept-Encoding", "gzip")
	}
	if flags&collab.FlagForceRefresh != 0 {
		httpReq.Header.Set("Cache-Control", "no-cache")
	}
	if req.ByteRangeOK && (req.RangeStart != 0 || req.RangeEnd != 0) {
		if req.RangeEnd > 0 {
			httpReq.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", req.RangeStart, req.RangeEnd))
		} else {
			httpReq.Header.Set("Range", fmt.Sprintf("bytes=%d-", req.RangeStart))
		}
	}
	if flags&collab.FlagHeaderOnly != 0 {
		httpReq.Method = http.MethodHead
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, 0, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if date, err := http.ParseTime(resp.Header.Get("Date")); err == nil && c.onDate != nil {
		c.onDate(date)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return nil, resp.StatusCode, fmt.Errorf("unexpected status %d for %s", resp.StatusCode, req.URL)
	}

	var body io.Reader = resp.Body
	if c.limiter != nil {
		body = &rateLimitedReader{ctx: ctx, r: resp.Body, limiter: c.limiter}
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read body: %w", err)
	}
	return data, resp.StatusCode, nil
}

// rateLimitedReader paces Read calls through a token bucket so aggregate throughput stays under
// the configured bandwidth cap.
type rateLimitedReader struct {
	ctx     context.Context
	r       io.Reader
	limiter *rate.Limiter
}

func (r *rateLimitedReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if n > 0 {
		if werr := r.limiter.WaitN(r.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}
