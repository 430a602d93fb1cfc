package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/mihaimyh/gobilling/pkg/billing"
)

// Locker is a billing.Locker built on session-level advisory locks.
// Each held lock pins one pooled connection until it is released.
type Locker struct {
	s            *Storage
	pollInterval time.Duration
}

// Locker returns a distributed lock shared by every replica using the same database
func (s *Storage) Locker() *Locker {
	return &Locker{s: s, pollInterval: 50 * time.Millisecond}
}

// TryLock implements billing.Locker
func (l *Locker) TryLock(ctx context.Context, key string) (func(), bool, error) {
	c, err := l.s.pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire connection: %w", err)
	}

	var ok bool
	if err := c.QueryRow(ctx, `SELECT pg_try_advisory_lock(hashtext($1))`, key).Scan(&ok); err != nil {
		c.Release()
		return nil, false, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !ok {
		c.Release()
		return nil, false, nil
	}

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := c.Exec(ctx, `SELECT pg_advisory_unlock(hashtext($1))`, key); err != nil {
			// A session that cannot unlock must not go back to the pool holding the lock
			_ = c.Conn().Close(ctx)
		}
		c.Release()
	}, true, nil
}

// Lock implements billing.Locker
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	for {
		unlock, ok, err := l.TryLock(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			return unlock, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// SweepGuard is a billing.SweepGuard backed by the sweep_runs table
type SweepGuard struct {
	s *Storage
}

// SweepGuard returns a sweep deduplication guard backed by this database
func (s *Storage) SweepGuard() *SweepGuard {
	return &SweepGuard{s: s}
}

// Acquire implements billing.SweepGuard
func (g *SweepGuard) Acquire(ctx context.Context, kind billing.SweepKind, day string, ttl time.Duration) (bool, error) {
	tx, err := g.s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	// Expired marks no longer block a rerun
	if _, err := tx.Exec(ctx,
		`DELETE FROM sweep_runs WHERE kind = $1 AND day = $2::date AND expires_at <= NOW()`,
		string(kind), day); err != nil {
		return false, fmt.Errorf("failed to expire sweep mark: %w", err)
	}

	tag, err := tx.Exec(ctx,
		`INSERT INTO sweep_runs (kind, day, expires_at)
			VALUES ($1, $2::date, NOW() + make_interval(secs => $3))
			ON CONFLICT (kind, day) DO NOTHING`,
		string(kind), day, ttl.Seconds())
	if err != nil {
		return false, fmt.Errorf("failed to mark sweep: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Release implements billing.SweepGuard
func (g *SweepGuard) Release(ctx context.Context, kind billing.SweepKind, day string) error {
	if _, err := g.s.pool.Exec(ctx,
		`DELETE FROM sweep_runs WHERE kind = $1 AND day = $2::date`, string(kind), day); err != nil {
		return fmt.Errorf("failed to release sweep mark: %w", err)
	}
	return nil
}
