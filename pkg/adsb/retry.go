package adsb

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"
)

// RetryConfig configures retry behavior with exponential backoff.
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts (0 = single attempt)
	MaxRetries int

	// InitialDelay is the initial backoff delay
	InitialDelay time.Duration

	// MaxDelay caps every backoff delay
	MaxDelay time.Duration

	// Multiplier is the backoff multiplier (2.0 for exponential)
	Multiplier float64

	// RespectRetryAfter uses the Retry-After header of a RateLimitError when present
	RespectRetryAfter bool

	// ShouldRetry decides whether an error is transient. nil retries everything.
	ShouldRetry func(error) bool
}

// DefaultRetryConfig returns sensible defaults for retry behavior.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		InitialDelay:      time.Second,
		MaxDelay:          60 * time.Second,
		Multiplier:        2.0,
		RespectRetryAfter: true,
	}
}

// FeedRetryConfig is tuned for a poll loop that runs every few seconds:
// a short burst of retries that never outlasts a couple of poll intervals.
func FeedRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        2,
		InitialDelay:      500 * time.Millisecond,
		MaxDelay:          5 * time.Second,
		Multiplier:        2.0,
		RespectRetryAfter: true,
	}
}

// RetryWithBackoff executes fn with exponential backoff retry logic.
// See RetryWithBackoffResult.
func RetryWithBackoff(ctx context.Context, cfg RetryConfig, fn func() error) error {
	_, err := RetryWithBackoffResult(ctx, cfg, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// RetryWithBackoffResult executes fn with exponential backoff and returns its result.
// Rate limit errors (HTTP 429) are handled specially by respecting Retry-After.
//
// Example usage:
//
//	raw, err := RetryWithBackoffResult(ctx, FeedRetryConfig(), func() ([]byte, error) {
//	    return source.FetchSnapshot(ctx)
//	})
func RetryWithBackoffResult[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (T, error) {
	var result T
	var lastErr error
	delay := cfg.InitialDelay

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return result, fmt.Errorf("retry cancelled: %w", ctx.Err())
			case <-time.After(delay):
			}
		}

		res, err := fn()
		if err == nil {
			return res, nil
		}
		result = res
		lastErr = err

		if cfg.ShouldRetry != nil && !cfg.ShouldRetry(err) {
			return result, err
		}

		if rle, ok := IsRateLimitError(err); ok && cfg.RespectRetryAfter && rle.RetryAfter > 0 {
			slog.Warn("rate limited", "retry_after", rle.RetryAfter, "attempt", attempt+1)
			delay = capDelay(rle.RetryAfter, cfg.MaxDelay)
			continue
		}

		// delay = min(InitialDelay * Multiplier^attempt, MaxDelay)
		next := time.Duration(float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt)))
		delay = capDelay(next, cfg.MaxDelay)
	}

	if cfg.MaxRetries == 0 {
		return result, lastErr
	}
	return result, fmt.Errorf("max retries (%d) exceeded: %w", cfg.MaxRetries, lastErr)
}

func capDelay(d, limit time.Duration) time.Duration {
	if limit > 0 && d > limit {
		return limit
	}
	return d
}
