// Package database provides the transient-failure retry policy shared by
// every component that runs a gorm transaction against the embedded store.
// Connection pooling and health checking live in internal/store itself;
// this package supplies only the classify-and-backoff logic that store.Tx
// callers opt into for contention-prone transactions.
package database

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Retry calls fn up to maxRetries times, backing off exponentially between
// attempts, as long as the returned error is classified as retryable by
// IsRetryableError. The first non-retryable error is returned immediately.
func Retry(ctx context.Context, maxRetries int, logger *zap.Logger, fn func() error) error {
	var lastErr error

	for attempt := 0; attempt < maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !IsRetryableError(err) {
			return err
		}

		logger.Warn("transaction failed, retrying",
			zap.Int("attempt", attempt+1),
			zap.Int("max_retries", maxRetries),
			zap.Error(err),
		)

		backoff := time.Duration(1<<uint(attempt)) * 100 * time.Millisecond
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}

	return lastErr
}

// IsRetryableError reports whether err looks like a transient failure
// (lock contention, serialization failure, dropped connection) rather
// than a genuine data or logic error.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "deadlock"):
		return true
	case strings.Contains(msg, "serialization failure"), strings.Contains(msg, "40001"):
		return true
	case strings.Contains(msg, "database is locked"), strings.Contains(msg, "database table is locked"):
		return true
	case strings.Contains(msg, "connection reset"), strings.Contains(msg, "connection refused"), strings.Contains(msg, "broken pipe"):
		return true
	case strings.Contains(msg, "lock timeout"), strings.Contains(msg, "lock wait timeout"):
		return true
	case strings.Contains(msg, "bad connection"):
		return true
	default:
		return false
	}
}
