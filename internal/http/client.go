package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Options configures the HTTP client.
type Options struct {
	// MaxIdleConnsPerHost sets the maximum idle connections per host.
	// Default: 16
	MaxIdleConnsPerHost int

	// Timeout for individual requests, including reading the body.
	// Zero means no timeout, which is what long streamed downloads want.
	Timeout time.Duration

	// RetryAttempts is the maximum number of retries after a transport failure.
	// Status codes are never retried.
	// Default: 3
	RetryAttempts int

	// RetryBackoff is the initial backoff duration.
	// Default: 500ms
	RetryBackoff time.Duration

	// RetryMaxBackoff is the maximum backoff duration.
	// Default: 10s
	RetryMaxBackoff time.Duration

	// UserAgent is sent with every request.
	UserAgent string
}

// DefaultOptions returns options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		MaxIdleConnsPerHost: 16,
		RetryAttempts:       3,
		RetryBackoff:        500 * time.Millisecond,
		RetryMaxBackoff:     10 * time.Second,
		UserAgent:           "trickle/1.0",
	}
}

// FileInfo contains metadata about a remote resource.
type FileInfo struct {
	// Size is the announced content length, or -1 if unknown.
	Size          int64
	ETag          string
	AcceptsRanges bool
	ContentType   string
	LastModified  time.Time
}

// Stream is an open response body together with its status. The status is
// not validated; callers decide which codes they accept.
type Stream struct {
	Body          io.ReadCloser
	StatusCode    int
	ContentLength int64
	ContentRange  string
	ETag          string
}

// Close closes the response body.
func (s *Stream) Close() error {
	return s.Body.Close()
}

// Client fetches whole resources, typed records and byte streams.
type Client struct {
	client *http.Client
	opts   Options
}

// NewClient creates a new HTTP client with the given options.
func NewClient(opts Options) *Client {
	if opts.MaxIdleConnsPerHost <= 0 {
		opts.MaxIdleConnsPerHost = 16
	}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConnsPerHost: opts.MaxIdleConnsPerHost,
		MaxIdleConns:        opts.MaxIdleConnsPerHost * 2,
		IdleConnTimeout:     90 * time.Second,
		DisableCompression:  true, // range offsets refer to raw bytes
	}

	return &Client{
		client: &http.Client{
			Transport: transport,
			Timeout:   opts.Timeout,
		},
		opts: opts,
	}
}

// FetchBytes downloads the whole resource. Any status other than 200 is a
// *StatusError.
func (c *Client) FetchBytes(ctx context.Context, rawURL string) ([]byte, error) {
	s, err := c.FetchStream(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	if s.StatusCode != http.StatusOK {
		return nil, &StatusError{StatusCode: s.StatusCode, URL: rawURL}
	}

	data, err := io.ReadAll(s.Body)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &TransportError{Op: "read", URL: rawURL, Err: err}
	}
	return data, nil
}

// FetchJSON downloads the resource and decodes it as JSON into a T.
func FetchJSON[T any](ctx context.Context, c *Client, rawURL string) (T, error) {
	var v T
	data, err := c.FetchBytes(ctx, rawURL)
	if err != nil {
		return v, err
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, &DecodeError{URL: rawURL, Err: err}
	}
	return v, nil
}

// FetchStream opens a whole-resource GET and returns the unvalidated stream.
// The caller must close the stream.
func (c *Client) FetchStream(ctx context.Context, rawURL string) (*Stream, error) {
	req, err := c.newRequest(ctx, http.MethodGet, rawURL)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(ctx, req)
	if err != nil {
		return nil, err
	}
	return newStream(resp), nil
}

// FetchRange opens a GET restricted to [offset, offset+length-1] and returns
// the unvalidated stream. A compliant server answers 206.
// The caller must close the stream.
func (c *Client) FetchRange(ctx context.Context, rawURL string, offset, length int64) (*Stream, error) {
	req, err := c.newRequest(ctx, http.MethodGet, rawURL)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(ctx, WithRange(req, offset, length))
	if err != nil {
		return nil, err
	}
	return newStream(resp), nil
}

// Head performs a HEAD request to get resource metadata.
func (c *Client) Head(ctx context.Context, rawURL string) (*FileInfo, error) {
	req, err := c.newRequest(ctx, http.MethodHead, rawURL)
	if err != nil {
		return nil, err
	}

	resp, err := c.do(ctx, req)
	if err != nil {
		return nil, err
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{StatusCode: resp.StatusCode, URL: rawURL}
	}

	info := &FileInfo{
		Size:          resp.ContentLength,
		ETag:          cleanETag(resp.Header.Get("ETag")),
		AcceptsRanges: resp.Header.Get("Accept-Ranges") == "bytes",
		ContentType:   resp.Header.Get("Content-Type"),
	}

	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			info.LastModified = t
		}
	}

	return info, nil
}

func (c *Client) newRequest(ctx context.Context, method, rawURL string) (*http.Request, error) {
	if err := ValidateURL(rawURL); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidResource, rawURL, err)
	}
	if c.opts.UserAgent != "" {
		req.Header.Set("User-Agent", c.opts.UserAgent)
	}
	return req, nil
}

// do executes req, retrying transport failures with backoff.
func (c *Client) do(ctx context.Context, req *http.Request) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt <= c.opts.RetryAttempts; attempt++ {
		if attempt > 0 {
			if err := c.backoff(ctx, attempt); err != nil {
				return nil, err
			}
		}

		resp, err := c.client.Do(req)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			lastErr = err
			continue
		}

		return resp, nil
	}

	return nil, &TransportError{
		Op:       strings.ToLower(req.Method),
		URL:      req.URL.String(),
		Attempts: c.opts.RetryAttempts + 1,
		Err:      lastErr,
	}
}

// backoff waits for an exponentially increasing duration with jitter.
func (c *Client) backoff(ctx context.Context, attempt int) error {
	backoff := c.opts.RetryBackoff * time.Duration(1<<uint(attempt-1))
	if backoff > c.opts.RetryMaxBackoff {
		backoff = c.opts.RetryMaxBackoff
	}

	// Add jitter: 0.5 to 1.5 of backoff
	jitter := time.Duration(float64(backoff) * (0.5 + rand.Float64()))

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(jitter):
		return nil
	}
}

// ValidateURL reports ErrInvalidResource unless rawURL is an absolute http or
// https URL with a host.
func ValidateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidResource, rawURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: %q: unsupported scheme", ErrInvalidResource, rawURL)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: %q: missing host", ErrInvalidResource, rawURL)
	}
	return nil
}

func newStream(resp *http.Response) *Stream {
	return &Stream{
		Body:          resp.Body,
		StatusCode:    resp.StatusCode,
		ContentLength: resp.ContentLength,
		ContentRange:  resp.Header.Get("Content-Range"),
		ETag:          cleanETag(resp.Header.Get("ETag")),
	}
}

// IsRetryable reports whether err is worth retrying by the caller.
func IsRetryable(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// cleanETag removes quotes from an ETag value.
func cleanETag(etag string) string {
	etag = strings.TrimPrefix(etag, "W/")
	etag = strings.Trim(etag, `"`)
	return etag
}
