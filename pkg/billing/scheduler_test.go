package billing_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gobilling/pkg/billing"
	"github.com/mihaimyh/gobilling/storage/memory"
)

// runDay runs the renewal sweep at 02:00 and the retry sweep at 10:00 of day
func runDay(t *testing.T, env *testEnv, day time.Time) (renewal, retry *billing.SweepReport) {
	t.Helper()
	ctx := context.Background()

	env.clock.Set(day.Add(2 * time.Hour))
	renewal, err := env.scheduler.RunRenewalSweep(ctx)
	require.NoError(t, err)

	env.clock.Set(day.Add(10 * time.Hour))
	retry, err = env.scheduler.RunRetrySweep(ctx)
	require.NoError(t, err)
	return renewal, retry
}

func TestScheduler_RenewalSweepChargesDueSubscriptions(t *testing.T) {
	env := newTestEnv(t)
	due := env.seedSubscription(t, "user-1", billing.PlanStarter, day1)
	overdue := env.seedSubscription(t, "user-2", billing.PlanEnterprise, day1.Add(-48*time.Hour))
	notDue := env.seedSubscription(t, "user-3", billing.PlanStarter, day1.Add(72*time.Hour))

	report, err := env.scheduler.RunRenewalSweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, billing.SweepRenewal, report.Kind)
	assert.Equal(t, "2025-03-01", report.Day)
	assert.False(t, report.Duplicate)
	assert.Equal(t, 2, report.Selected)
	assert.Equal(t, 2, report.Succeeded)
	assert.Equal(t, 0, report.Failed)
	assert.Len(t, report.Outcomes, 2)

	now := env.clock.Now()
	for _, id := range []string{due.ID, overdue.ID} {
		sub := env.subscription(t, id)
		assert.True(t, sub.CurrentPeriodEnd.Equal(now.Add(billing.PeriodLength)))
	}
	assert.True(t, env.subscription(t, notDue.ID).CurrentPeriodEnd.Equal(notDue.CurrentPeriodEnd))
}

func TestScheduler_FailureIsolation(t *testing.T) {
	env := newTestEnv(t)
	env.seedSubscription(t, "user-1", billing.PlanStarter, day1)
	bad := env.seedSubscription(t, "user-bad", billing.PlanStarter, day1)
	env.seedSubscription(t, "user-3", billing.PlanStarter, day1)

	env.gateway.chargeFn = func(billingKey string, req billing.ChargeRequest) (*billing.ChargeReceipt, error) {
		if billingKey == "bk_user-bad" {
			return rejectAll(billingKey, req)
		}
		return &billing.ChargeReceipt{PaymentKey: "pk_" + req.OrderID}, nil
	}

	report, err := env.scheduler.RunRenewalSweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, report.Selected)
	assert.Equal(t, 2, report.Succeeded)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, env.subscription(t, bad.ID).FailedAttempts)
}

// An enterprise card declined on three consecutive days ends in
// payment_failed after exactly three charges and one failure notice.
func TestScheduler_ThreeDaysOfDeclines(t *testing.T) {
	env := newTestEnv(t)
	sub := env.seedSubscription(t, "user-1", billing.PlanEnterprise, day1)
	env.gateway.chargeFn = rejectAll

	for i := 0; i < 3; i++ {
		day := day1.AddDate(0, 0, i)
		renewal, retry := runDay(t, env, day)

		assert.Equal(t, 1, renewal.Failed, "day %d renewal", i+1)
		// the retry sweep never charges twice on the same day
		assert.Equal(t, 0, retry.Failed+retry.Succeeded, "day %d retry", i+1)

		got := env.subscription(t, sub.ID)
		assert.Equal(t, i+1, got.FailedAttempts)
	}

	paused := env.subscription(t, sub.ID)
	assert.Equal(t, billing.StatusPaymentFailed, paused.Status)
	require.NotNil(t, paused.PausedAt)
	assert.Equal(t, 3, env.gateway.chargeCount())
	for _, call := range env.gateway.charges {
		assert.Equal(t, int64(658900), call.Request.Amount)
	}

	_, failed := env.notifier.counts()
	assert.Equal(t, 1, failed)

	// day four: nothing selected
	renewal, retry := runDay(t, env, day1.AddDate(0, 0, 3))
	assert.Equal(t, 0, renewal.Selected)
	assert.Equal(t, 0, retry.Selected)
	assert.Equal(t, 3, env.gateway.chargeCount())
}

func TestScheduler_RetrySweepRecoversNextDay(t *testing.T) {
	env := newTestEnv(t)
	sub := env.seedSubscription(t, "user-1", billing.PlanProfessional, day1)
	env.gateway.chargeFn = rejectAll

	runDay(t, env, day1)
	require.Equal(t, 1, env.subscription(t, sub.ID).FailedAttempts)

	// card fixed before the next day's retry; renewal sweep at 02:00 charges first
	env.gateway.chargeFn = nil
	renewal, retry := runDay(t, env, day1.AddDate(0, 0, 1))
	assert.Equal(t, 1, renewal.Succeeded)
	assert.Equal(t, 0, retry.Selected)

	got := env.subscription(t, sub.ID)
	assert.Equal(t, billing.StatusActive, got.Status)
	assert.Equal(t, 0, got.FailedAttempts)
	assert.Equal(t, 2, env.gateway.chargeCount())
}

func TestScheduler_RetryOnlyCandidate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	// not due for renewal, but one failed attempt recorded yesterday
	sub := env.seedSubscription(t, "user-1", billing.PlanStarter, day1.Add(5*24*time.Hour))
	yesterday := day1.Add(-14 * time.Hour)
	sub.FailedAttempts = 1
	sub.LastAttemptAt = &yesterday
	require.NoError(t, env.ledger.CreateSubscription(ctx, sub))

	env.clock.Set(day1.Add(10 * time.Hour))
	report, err := env.scheduler.RunRetrySweep(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Selected)
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, 0, env.subscription(t, sub.ID).FailedAttempts)
}

func TestScheduler_DuplicateSweepIsSkipped(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedSubscription(t, "user-1", billing.PlanStarter, day1)

	first, err := env.scheduler.RunRenewalSweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, first.Succeeded)

	// a second subscription becomes due later the same day
	env.seedSubscription(t, "user-2", billing.PlanStarter, day1.Add(3*time.Hour))
	env.clock.Set(day1.Add(4 * time.Hour))

	second, err := env.scheduler.Run(ctx, billing.SweepRenewal)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, 0, second.Selected)
	assert.Equal(t, 1, env.gateway.chargeCount())

	// the retry sweep is tracked separately
	retry, err := env.scheduler.Run(ctx, billing.SweepRetry)
	require.NoError(t, err)
	assert.False(t, retry.Duplicate)
}

func TestScheduler_SharedGuardAcrossSchedulers(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedSubscription(t, "user-1", billing.PlanStarter, day1)

	guard := billing.NewMemorySweepGuard()
	newScheduler := func() *billing.Scheduler {
		s, err := billing.NewScheduler(env.ledger, env.executor, billing.SchedulerConfig{
			Guard: guard,
			Now:   env.clock.Now,
		})
		require.NoError(t, err)
		return s
	}
	a, b := newScheduler(), newScheduler()

	ra, err := a.RunRenewalSweep(ctx)
	require.NoError(t, err)
	rb, err := b.RunRenewalSweep(ctx)
	require.NoError(t, err)

	assert.False(t, ra.Duplicate)
	assert.True(t, rb.Duplicate)
	assert.Equal(t, 1, env.gateway.chargeCount())
}

func TestScheduler_ManySubscriptionsChargedOnce(t *testing.T) {
	env := newTestEnv(t)
	const n = 25
	for i := 0; i < n; i++ {
		env.seedSubscription(t, fmt.Sprintf("user-%02d", i), billing.PlanStarter, day1)
	}

	report, err := env.scheduler.RunRenewalSweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, n, report.Selected)
	assert.Equal(t, n, report.Succeeded)
	assert.Equal(t, n, env.gateway.chargeCount())

	seen := map[string]bool{}
	for _, call := range env.gateway.charges {
		assert.False(t, seen[call.BillingKey], "charged twice: %s", call.BillingKey)
		seen[call.BillingKey] = true
	}
}

func TestNewScheduler_Validation(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name   string
		config billing.SchedulerConfig
	}{
		{"retry before renewal", billing.SchedulerConfig{RenewalAt: "10:00", RetryAt: "02:00"}},
		{"same time", billing.SchedulerConfig{RenewalAt: "02:00", RetryAt: "02:00"}},
		{"malformed renewal", billing.SchedulerConfig{RenewalAt: "2am"}},
		{"malformed retry", billing.SchedulerConfig{RetryAt: "25:00"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := billing.NewScheduler(env.ledger, env.executor, tt.config)
			assert.ErrorIs(t, err, billing.ErrInvalidConfig)
		})
	}

	_, err := billing.NewScheduler(nil, env.executor, billing.SchedulerConfig{})
	assert.ErrorIs(t, err, billing.ErrStorageUnavailable)

	_, err = billing.NewScheduler(memory.New(), nil, billing.SchedulerConfig{})
	assert.ErrorIs(t, err, billing.ErrInvalidConfig)

	_, err = env.scheduler.Run(context.Background(), billing.SweepKind("weekly"))
	assert.ErrorIs(t, err, billing.ErrInvalidConfig)
}

func TestScheduler_StartStopsWithContext(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- env.scheduler.Start(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestMemorySweepGuard(t *testing.T) {
	g := billing.NewMemorySweepGuard()
	ctx := context.Background()

	ok, err := g.Acquire(ctx, billing.SweepRenewal, "2025-03-01", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = g.Acquire(ctx, billing.SweepRenewal, "2025-03-01", time.Hour)
	assert.False(t, ok)

	ok, _ = g.Acquire(ctx, billing.SweepRenewal, "2025-03-02", time.Hour)
	assert.True(t, ok)

	require.NoError(t, g.Release(ctx, billing.SweepRenewal, "2025-03-01"))
	ok, _ = g.Acquire(ctx, billing.SweepRenewal, "2025-03-01", time.Hour)
	assert.True(t, ok)

	ok, _ = g.Acquire(ctx, billing.SweepRetry, "2025-03-05", -time.Second)
	require.True(t, ok)
	ok, _ = g.Acquire(ctx, billing.SweepRetry, "2025-03-05", time.Hour)
	assert.True(t, ok, "expired marks are forgotten")
}
