package repository

import (
	"context"
	"strings"
	"time"
)

// retryConfig controls retry behavior for transient contention errors.
type retryConfig struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

var defaultRetryConfig = retryConfig{
	maxRetries: 3,
	baseDelay:  50 * time.Millisecond,
	maxDelay:   500 * time.Millisecond,
}

var contentionPatterns = []string{
	"database is locked",
	"SQLITE_BUSY",
	"Deadlock found",
	"Error 1213",
	"Lock wait timeout",
	"could not serialize access",
	"deadlock detected",
	"Duplicate entry",
	"duplicate key value",
	"UNIQUE constraint failed",
}

// isContention reports whether err is a lock or unique-race error that a
// fresh transaction can resolve.
func isContention(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, pattern := range contentionPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// retryOnContention runs fn again with exponential backoff while it fails
// with a contention error.
func retryOnContention(ctx context.Context, fn func() error) error {
	cfg := defaultRetryConfig
	var lastErr error
	for attempt := 0; attempt <= cfg.maxRetries; attempt++ {
		lastErr = fn()
		if lastErr == nil || !isContention(lastErr) {
			return lastErr
		}
		if attempt == cfg.maxRetries {
			break
		}
		delay := cfg.baseDelay << uint(attempt)
		if delay > cfg.maxDelay {
			delay = cfg.maxDelay
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}
