// Package resilience implements the guarded execution pipeline: circuit
// breaking, bounded retries with jittered backoff, and degradation of
// unrecoverable failures into partial results.
package resilience

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// RetryConfig controls the retry loop.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryConfig returns the stock retry knobs.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
	}
}

// Error messages matching any of these substrings are permanent failures;
// retrying them only burns attempts.
var nonRetryablePatterns = []string{
	"validation",
	"404",
	"not found",
	"forbidden",
	"unauthorized",
	"invalid url",
	"authentication",
}

// IsNonRetryable reports whether the error should abort the retry loop
// immediately. Matching is case-insensitive on the message.
func IsNonRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range nonRetryablePatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// Execute runs op with exponential backoff between attempts. It returns the
// first success, the number of attempts consumed, and the last error once
// attempts are exhausted. Non-retryable errors and context cancellation stop
// the loop without consuming remaining attempts. Backoff is
// base * 2^(attempt-1), capped at MaxDelay, plus up to 10% jitter, and only
// ever sleeps between attempts.
func Execute[T any](ctx context.Context, cfg RetryConfig, op func() (T, error)) (T, int, error) {
	var zero T
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		val, err := op()
		if err == nil {
			return val, attempt, nil
		}
		lastErr = err

		if IsNonRetryable(err) || ctx.Err() != nil {
			return zero, attempt, err
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return zero, attempt, fmt.Errorf("retry wait: %w", ctx.Err())
		case <-time.After(backoff(cfg, attempt)):
		}
	}
	return zero, cfg.MaxAttempts, lastErr
}

func backoff(cfg RetryConfig, attempt int) time.Duration {
	delay := cfg.BaseDelay << (attempt - 1)
	if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	return delay + randomJitter(delay/10)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
