package limiter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PG is a PostgreSQL-backed limiter with a sliding failure window and lockout.
type PG struct {
	pool     pgxQuerier
	window   time.Duration
	maxFails int
	blockFor time.Duration
	now      func() time.Time
}

type pgxQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewPG constructs a PostgreSQL-backed limiter over the status store pool.
func NewPG(q pgxQuerier, window time.Duration, maxFails int, blockFor time.Duration) *PG {
	return &PG{pool: q, window: window, maxFails: maxFails, blockFor: blockFor, now: time.Now}
}

// Allow reports whether an attempt is allowed and a retry-after duration.
func (l *PG) Allow(ctx context.Context, subject []byte) (bool, time.Duration, error) {
	const q = `SELECT blocked_until FROM password_attempts WHERE subject=$1`
	var blockedUntil time.Time
	err := l.pool.QueryRow(ctx, q, subject).Scan(&blockedUntil)
	switch {
	case err == nil:
		if now := l.now(); blockedUntil.After(now) {
			return false, blockedUntil.Sub(now), nil
		}
		return true, 0, nil
	case errors.Is(err, pgx.ErrNoRows):
		return true, 0, nil
	default:
		return false, 0, fmt.Errorf("password attempts: %w", err)
	}
}

// Success resets counters for subject.
func (l *PG) Success(ctx context.Context, subject []byte) error {
	const q = `DELETE FROM password_attempts WHERE subject=$1`
	if _, err := l.pool.Exec(ctx, q, subject); err != nil {
		return fmt.Errorf("password attempts: %w", err)
	}
	return nil
}

// Failure records a failed attempt; it may set a block until a future time.
func (l *PG) Failure(ctx context.Context, subject []byte) (bool, time.Duration, error) {
	const q = `
INSERT INTO password_attempts (subject, fail_count, blocked_until, updated_at)
VALUES ($1,1,'epoch',now())
ON CONFLICT (subject) DO UPDATE
SET
  fail_count = CASE WHEN EXCLUDED.updated_at - password_attempts.updated_at > $2::interval THEN 1 ELSE password_attempts.fail_count + 1 END,
  updated_at = now()
RETURNING fail_count`
	var fails int
	if err := l.pool.QueryRow(ctx, q, subject, l.window).Scan(&fails); err != nil {
		return false, 0, fmt.Errorf("password attempts: %w", err)
	}
	if fails < l.maxFails {
		return false, 0, nil
	}
	const upd = `UPDATE password_attempts SET blocked_until=$2 WHERE subject=$1`
	if _, err := l.pool.Exec(ctx, upd, subject, l.now().Add(l.blockFor)); err != nil {
		return false, 0, fmt.Errorf("password attempts: %w", err)
	}
	return true, l.blockFor, nil
}
