//go:build integration

package postgres

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/mihaimyh/gobilling/pkg/billing"
	"github.com/mihaimyh/gobilling/pkg/billing/billingtest"
)

var (
	containerOnce sync.Once
	containerDSN  string
	containerErr  error
)

// getTestConnectionString returns a connection string for testing.
// Uses POSTGRES_TEST_DSN when set, otherwise starts a throwaway container.
func getTestConnectionString(t *testing.T) string {
	if dsn := os.Getenv("POSTGRES_TEST_DSN"); dsn != "" {
		return dsn
	}

	containerOnce.Do(func() {
		ctx := context.Background()
		container, err := tcpostgres.Run(ctx,
			"postgres:15-alpine",
			tcpostgres.WithDatabase("gobilling_test"),
			tcpostgres.WithUsername("test"),
			tcpostgres.WithPassword("test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(60*time.Second),
			),
		)
		if err != nil {
			containerErr = err
			return
		}
		containerDSN, containerErr = container.ConnectionString(ctx, "sslmode=disable")
	})
	if containerErr != nil {
		t.Skipf("Skipping test: failed to start PostgreSQL container: %v", containerErr)
	}
	return containerDSN
}

// setupTestStorage creates a test storage instance with empty tables
func setupTestStorage(t *testing.T) *Storage {
	t.Helper()
	ctx := context.Background()
	config := DefaultConfig()
	config.ConnectionString = getTestConnectionString(t)
	config.CleanupEnabled = false // Disable cleanup in tests

	storage, err := New(ctx, config)
	if err != nil {
		t.Skipf("Skipping test: failed to connect to PostgreSQL: %v", err)
	}
	t.Cleanup(storage.Close)

	_, err = storage.pool.Exec(ctx, "TRUNCATE TABLE subscriptions, payments, billing_keys, sweep_runs")
	require.NoError(t, err)

	return storage
}

func TestNew_RequiresConnectionString(t *testing.T) {
	_, err := New(context.Background(), DefaultConfig())
	assert.Error(t, err)
}

func TestStorage_Ledger(t *testing.T) {
	billingtest.RunLedgerTests(t, func(t *testing.T) billing.Ledger {
		return setupTestStorage(t)
	})
}

func TestStorage_ConcurrentCommits(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	sub := billingtest.Subscription("sub_1", "user1", billing.PlanStarter, billingtest.Base)
	require.NoError(t, storage.CreateSubscription(ctx, sub))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := storage.CommitChargeOutcome(ctx, "sub_1", &billing.ChargeCommit{At: billingtest.Base})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := storage.GetSubscription(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, billing.MaxFailedAttempts, got.FailedAttempts)
	assert.Equal(t, billing.StatusPaymentFailed, got.Status)
}

func TestStorage_Now(t *testing.T) {
	storage := setupTestStorage(t)

	now, err := storage.Now(context.Background())
	require.NoError(t, err)
	assert.Equal(t, time.UTC, now.Location())
	assert.WithinDuration(t, time.Now(), now, time.Minute)
}

func TestStorage_ExpirePendingPayments(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	stale := &billing.Payment{
		OrderID: "ESG_1_stale", UserID: "user1", Plan: billing.PlanProfessional, Amount: 328900,
		Status: billing.PaymentPending, Type: billing.PaymentInitial,
		CreatedAt: time.Now().UTC().Add(-48 * time.Hour),
	}
	fresh := &billing.Payment{
		OrderID: "ESG_2_fresh", UserID: "user1", Plan: billing.PlanProfessional, Amount: 328900,
		Status: billing.PaymentPending, Type: billing.PaymentInitial,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, storage.AppendPayment(ctx, stale))
	require.NoError(t, storage.AppendPayment(ctx, fresh))

	n, err := storage.expirePendingPayments(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := storage.GetPaymentByOrderID(ctx, "ESG_1_stale")
	require.NoError(t, err)
	assert.Equal(t, billing.PaymentFailed, got.Status)
	assert.Equal(t, "expired before confirmation", got.FailureReason)

	got, err = storage.GetPaymentByOrderID(ctx, "ESG_2_fresh")
	require.NoError(t, err)
	assert.Equal(t, billing.PaymentPending, got.Status)
}

func TestLocker(t *testing.T) {
	storage := setupTestStorage(t)
	locker := storage.Locker()
	ctx := context.Background()

	unlock, ok, err := locker.TryLock(ctx, "subscription:sub_1")
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = locker.TryLock(ctx, "subscription:sub_1")
	require.NoError(t, err)
	assert.False(t, ok)

	waitCtx, cancel := context.WithTimeout(ctx, 150*time.Millisecond)
	defer cancel()
	_, err = locker.Lock(waitCtx, "subscription:sub_1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock, err = locker.Lock(ctx, "subscription:sub_1")
	require.NoError(t, err)
	unlock()
}

func TestSweepGuard(t *testing.T) {
	storage := setupTestStorage(t)
	guard := storage.SweepGuard()
	ctx := context.Background()

	ok, err := guard.Acquire(ctx, billing.SweepRenewal, "2025-03-01", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = guard.Acquire(ctx, billing.SweepRenewal, "2025-03-01", time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = guard.Acquire(ctx, billing.SweepRetry, "2025-03-01", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, guard.Release(ctx, billing.SweepRenewal, "2025-03-01"))
	ok, err = guard.Acquire(ctx, billing.SweepRenewal, "2025-03-01", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	// an expired mark no longer blocks the day
	ok, err = guard.Acquire(ctx, billing.SweepRenewal, "2025-03-02", -time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = guard.Acquire(ctx, billing.SweepRenewal, "2025-03-02", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)
}
