package storage

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/sophia-intel/knowledge-service/internal/core"
)

const (
	retryMaxAttempts  = 3
	retryInitialDelay = time.Second
)

// retryExecutor retries transient networked-store failures with exponential
// backoff (1s, 2s, 4s). Constraint violations and not-found results never
// retry.
type retryExecutor struct {
	logger *slog.Logger
}

func newRetryExecutor(logger *slog.Logger) *retryExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &retryExecutor{logger: logger}
}

// execute runs op, retrying transient failures up to retryMaxAttempts times.
func (r *retryExecutor) execute(ctx context.Context, name string, op func() error) error {
	delay := retryInitialDelay
	var lastErr error

	for attempt := 0; attempt <= retryMaxAttempts; attempt++ {
		err := op()
		if err == nil {
			if attempt > 0 {
				r.logger.Info("Operation succeeded after retry", "operation", name, "attempt", attempt+1)
			}
			return nil
		}
		lastErr = err

		if attempt == retryMaxAttempts || !isTransient(err) {
			break
		}

		r.logger.Warn("Operation failed, retrying",
			"operation", name, "attempt", attempt+1, "delay", delay, "error", err)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
	}
	return lastErr
}

// isTransient reports whether the error is worth retrying. Logical outcomes
// (not found, duplicates, constraint violations) are final.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, core.ErrNotFound) || errors.Is(err, core.ErrAlreadyExists) {
		return false
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 23 = integrity constraint violations, class 22 = data errors.
		if strings.HasPrefix(pgErr.Code, "23") || strings.HasPrefix(pgErr.Code, "22") {
			return false
		}
		// Class 08 = connection exceptions, 57 = operator intervention
		// (shutdown), 53 = insufficient resources.
		if strings.HasPrefix(pgErr.Code, "08") ||
			strings.HasPrefix(pgErr.Code, "57") ||
			strings.HasPrefix(pgErr.Code, "53") {
			return true
		}
		return false
	}

	// Plain network errors surface without a PgError.
	msg := err.Error()
	for _, marker := range []string{
		"connection refused", "connection reset", "broken pipe",
		"i/o timeout", "unexpected EOF", "conn closed", "conn busy",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// isUniqueViolation reports whether the error is a duplicate-key violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
