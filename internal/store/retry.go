package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

// RetryPolicy is the ≤4-attempt/10ms-base exponential backoff spec.md §5 and §7
// describe for TransientBackend errors (connection refused, unique-violation
// 23505). Shaped like the attempt-indexed doubling in the teacher's
// pkg/queue/consumer.go DefaultRetryPolicy.Decide, the one part of that file worth
// preserving (see DESIGN.md: the rest of consumer.go does not compile as found).
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 4, BaseDelay: 10 * time.Millisecond}
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
	}
	return d
}

// Retry runs fn up to policy.MaxAttempts times, sleeping policy.delay(attempt)
// between attempts, as long as the error is transient (IsTransient). A
// ConflictBenign error (unique-violation on an idempotent insert) is swallowed by
// the caller before it reaches Retry; Retry only concerns itself with genuinely
// transient failures.
func Retry(ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(policy.delay(attempt - 1)):
			}
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !IsTransient(lastErr) {
			return lastErr
		}
	}
	return &UnavailableError{Cause: lastErr}
}

// UnavailableError wraps a TransientBackend failure that survived every retry
// attempt, per spec.md §7's Unavailable (500) taxonomy entry.
type UnavailableError struct{ Cause error }

func (e *UnavailableError) Error() string { return "store: unavailable: " + e.Cause.Error() }
func (e *UnavailableError) Unwrap() error  { return e.Cause }

// IsTransient reports whether err looks like a connection/unique-violation class of
// failure the retry wrapper should retry.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, needle := range []string{"connection refused", "connection reset", "23505", "too many connections", "timeout"} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}

// IsUniqueViolation reports whether err is a Postgres unique-violation (SQLSTATE
// 23505) or the SQLite equivalent, the signal that an idempotent insert raced with
// itself and should be swallowed as ConflictBenign rather than surfaced.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "23505") || strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}
