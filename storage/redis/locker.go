package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/gobilling/pkg/billing"
)

// Locker is a billing.Locker shared by every replica using the same Redis.
// Locks expire after LockTTL so a crashed holder cannot block a subscription forever.
type Locker struct {
	s *Storage
}

// Locker returns a distributed lock backed by this storage's client
func (s *Storage) Locker() *Locker {
	return &Locker{s: s}
}

// TryLock implements billing.Locker
func (l *Locker) TryLock(ctx context.Context, key string) (func(), bool, error) {
	token := uuid.NewString()
	ok, err := l.s.client.SetNX(ctx, l.s.lockKey(key), token, l.s.config.LockTTL).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	return l.unlocker(key, token), true, nil
}

// Lock implements billing.Locker
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	ticker := time.NewTicker(l.s.config.LockPollInterval)
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

func (l *Locker) unlocker(key, token string) func() {
	return func() {
		// Detached: the lock must be released even when the caller's context is done
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = l.s.scripts["unlock"].Run(ctx, l.s.client, []string{l.s.lockKey(key)}, token).Err()
	}
}

// SweepGuard is a billing.SweepGuard shared by every replica using the same Redis
type SweepGuard struct {
	s *Storage
}

// SweepGuard returns a sweep deduplication guard backed by this storage's client
func (s *Storage) SweepGuard() *SweepGuard {
	return &SweepGuard{s: s}
}

// Acquire implements billing.SweepGuard
func (g *SweepGuard) Acquire(ctx context.Context, kind billing.SweepKind, day string, ttl time.Duration) (bool, error) {
	ok, err := g.s.client.SetNX(ctx, g.s.sweepKey(kind, day), time.Now().UTC().Format(time.RFC3339), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to mark sweep: %w", err)
	}
	return ok, nil
}

// Release implements billing.SweepGuard
func (g *SweepGuard) Release(ctx context.Context, kind billing.SweepKind, day string) error {
	if err := g.s.client.Del(ctx, g.s.sweepKey(kind, day)).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("failed to release sweep mark: %w", err)
	}
	return nil
}
