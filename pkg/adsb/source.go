package adsb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

// maxPayloadBytes bounds a single snapshot download.
const maxPayloadBytes = 32 << 20

// HTTPSource implements DataSource by polling a receiver's JSON endpoint,
// e.g. http://piaware.local/skyaware/data/aircraft.json or a VRS
// AircraftList.json URL.
type HTTPSource struct {
	// url is the full snapshot URL
	url string

	// httpClient is the HTTP client used for requests
	httpClient *http.Client

	// limiter spaces requests at least minInterval apart
	limiter *rate.Limiter
}

// NewHTTPSource creates a source for the given snapshot URL.
func NewHTTPSource(url string, timeout, minInterval time.Duration) *HTTPSource {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	limit := rate.Inf
	if minInterval > 0 {
		limit = rate.Every(minInterval)
	}
	return &HTTPSource{
		url: url,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		limiter: rate.NewLimiter(limit, 1),
	}
}

// FetchSnapshot downloads the current snapshot.
func (s *HTTPSource) FetchSnapshot(ctx context.Context) ([]byte, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %v", ErrFeedUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch %s: %w", ErrFeedUnavailable, s.url, err)
	}
	defer resp.Body.Close()

	// Check for rate limit (HTTP 429)
	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &RateLimitError{
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header),
			Message:    "feed rate limit exceeded",
		}
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: feed returned status %d: %s", ErrFeedUnavailable, resp.StatusCode, string(body))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPayloadBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", ErrFeedUnavailable, err)
	}
	return body, nil
}

// Close releases idle keep-alive connections held by the HTTP client.
func (s *HTTPSource) Close() error {
	s.httpClient.CloseIdleConnections()
	return nil
}

// FileSource implements DataSource by reading a snapshot from disk.
// Useful for replaying a captured aircraft.json.
type FileSource struct {
	path string
}

// NewFileSource creates a source that reads path on every fetch.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

// FetchSnapshot reads the file.
func (s *FileSource) FetchSnapshot(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFeedUnavailable, err)
	}
	return data, nil
}

// Close implements DataSource.
func (s *FileSource) Close() error { return nil }

// RateLimitError represents an HTTP 429 rate limit error with retry information.
type RateLimitError struct {
	StatusCode int
	RetryAfter time.Duration
	Message    string
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s (retry after %v)", e.Message, e.RetryAfter)
	}
	return e.Message
}

// Unwrap lets callers match rate limiting as a feed outage.
func (e *RateLimitError) Unwrap() error { return ErrFeedUnavailable }

// IsRateLimitError checks if an error is a rate limit error.
func IsRateLimitError(err error) (*RateLimitError, bool) {
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return rle, true
	}
	return nil, false
}

// parseRetryAfter extracts the Retry-After header value.
// Supports both delay-seconds and HTTP-date formats; returns 0 if absent.
func parseRetryAfter(headers http.Header) time.Duration {
	retryAfter := headers.Get("Retry-After")
	if retryAfter == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(retryAfter); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}

	if retryTime, err := http.ParseTime(retryAfter); err == nil {
		if d := time.Until(retryTime); d > 0 {
			return d
		}
	}

	return 0
}
