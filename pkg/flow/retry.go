package flow

import (
	"context"
	"strings"
	"time"

	"relayd/pkg/logger"
)

// RetryOptions tunes ExecuteWithSelectiveRetry. Zero values fall back to
// 3 attempts, 1s base delay, 30s cap.
type RetryOptions struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func (o RetryOptions) withDefaults() RetryOptions {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = time.Second
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 30 * time.Second
	}
	return o
}

// noncePatterns mark errors that must never be retried: a nonce conflict
// means the transaction state already moved, and resubmitting the same
// payload risks a double-submit.
var noncePatterns = []string{
	"nonce too low",
	"nonce too high",
	"invalid nonce",
	"nonce",
	"replacement transaction underpriced",
}

// retryablePatterns cover transient network, timeout, and server-side
// failures.
var retryablePatterns = []string{
	"network",
	"connection",
	"econnrefused",
	"econnreset",
	"timeout",
	"deadline exceeded",
	"500",
	"502",
	"503",
	"bad gateway",
	"service unavailable",
	"internal server error",
}

func matchesAny(msg string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// IsNonceError reports whether err looks like a chain nonce conflict.
func IsNonceError(err error) bool {
	if err == nil {
		return false
	}
	return matchesAny(strings.ToLower(err.Error()), noncePatterns)
}

// IsRetryable reports whether err is worth another attempt. Nonce errors
// are checked first and always lose: "nonce timeout" is still a nonce
// error.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if IsNonceError(err) {
		return false
	}
	return matchesAny(strings.ToLower(err.Error()), retryablePatterns)
}

// ExecuteWithSelectiveRetry runs fn up to opts.MaxAttempts times, backing
// off exponentially between attempts, but only when the failure is
// classified retryable. Non-retryable errors return immediately; after
// exhaustion the last error is returned.
func ExecuteWithSelectiveRetry[T any](ctx context.Context, opts RetryOptions, fn func(ctx context.Context) (T, error)) (T, error) {
	opts = opts.withDefaults()

	var zero T
	var lastErr error
	delay := opts.BaseDelay
	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		out, err := fn(ctx)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !IsRetryable(err) {
			return zero, err
		}
		if attempt == opts.MaxAttempts {
			break
		}
		logger.Warn("retrying_after_transient_error", "attempt", attempt, "delay", delay.String(), "error", err)
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > opts.MaxDelay {
			delay = opts.MaxDelay
		}
	}
	return zero, lastErr
}
