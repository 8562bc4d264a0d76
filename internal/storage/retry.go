package storage

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// isRetriable reports Postgres errors worth another attempt: transaction
// conflicts and lost connections.
func isRetriable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch {
	case pgErr.Code == "40001": // serialization_failure
		return true
	case pgErr.Code == "40P01": // deadlock_detected
		return true
	case strings.HasPrefix(pgErr.Code, "08"): // connection_exception class
		return true
	default:
		return false
	}
}

// WithRetry runs fn, retrying up to maxRetries times on retriable errors
// with jittered exponential backoff starting at baseDelay. Inside a
// transaction a failed statement aborts the transaction, so callers only
// retry on the pool.
func WithRetry(ctx context.Context, maxRetries int, baseDelay time.Duration, fn func() error) error {
	var err error
	for attempt := range maxRetries + 1 {
		err = fn()
		if err == nil || !isRetriable(err) {
			return err
		}
		if attempt == maxRetries {
			break
		}
		jitter := time.Duration(rand.Int64N(int64(baseDelay))) //nolint:gosec // jitter doesn't need crypto-strength randomness
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(baseDelay + jitter):
		}
		baseDelay *= 2
	}
	return err
}
