package billing_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gobilling/pkg/billing"
)

func newReconciler(t *testing.T, env *testEnv) *billing.Reconciler {
	t.Helper()
	r, err := billing.NewReconciler(env.ledger, env.config)
	require.NoError(t, err)
	return r
}

func TestReconciler_PaymentStatusChanged(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sub := env.seedSubscription(t, "user-1", billing.PlanStarter, day1)
	out := env.executor.Charge(ctx, sub, billing.TriggerRenewal)
	require.Equal(t, billing.ChargeSucceeded, out.Result)

	r := newReconciler(t, env)
	result, err := r.Apply(ctx, &billing.WebhookEvent{
		EventType: billing.EventPaymentStatusChanged,
		Data:      billing.WebhookData{PaymentKey: out.PaymentKey, Status: "CANCELED"},
	})
	require.NoError(t, err)
	assert.Equal(t, billing.ReconcileApplied, result)

	p, err := env.ledger.GetPaymentByOrderID(ctx, out.OrderID)
	require.NoError(t, err)
	assert.Equal(t, billing.PaymentStatus("canceled"), p.Status)

	// payment status changes never touch the subscription
	got := env.subscription(t, sub.ID)
	assert.Equal(t, billing.StatusActive, got.Status)
}

func TestReconciler_IgnoresWhatItCannotLocate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	r := newReconciler(t, env)

	events := map[string]*billing.WebhookEvent{
		"unknown payment key": {
			EventType: billing.EventPaymentStatusChanged,
			Data:      billing.WebhookData{PaymentKey: "pk_missing", Status: "DONE"},
		},
		"missing status": {
			EventType: billing.EventPaymentStatusChanged,
			Data:      billing.WebhookData{PaymentKey: "pk_missing"},
		},
		"unknown billing key": {
			EventType: billing.EventBillingKeyDeleted,
			Data:      billing.WebhookData{BillingKey: "bk_missing"},
		},
		"empty billing key": {
			EventType: billing.EventBillingKeyDeleted,
		},
		"unknown event type": {
			EventType: "DEPOSIT_CALLBACK",
			Data:      billing.WebhookData{PaymentKey: "pk_1"},
		},
	}

	for name, event := range events {
		t.Run(name, func(t *testing.T) {
			result, err := r.Apply(ctx, event)
			require.NoError(t, err)
			assert.Equal(t, billing.ReconcileIgnored, result)
		})
	}
}

func TestReconciler_BillingKeyDeleted(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sub := env.seedSubscription(t, "user-1", billing.PlanStarter, day1)
	r := newReconciler(t, env)

	event := &billing.WebhookEvent{
		EventType: billing.EventBillingKeyDeleted,
		Data:      billing.WebhookData{BillingKey: "bk_user-1"},
	}
	result, err := r.Apply(ctx, event)
	require.NoError(t, err)
	assert.Equal(t, billing.ReconcileApplied, result)

	_, err = env.ledger.FindBillingKey(ctx, "user-1")
	assert.ErrorIs(t, err, billing.ErrBillingKeyNotFound)

	// replayed delivery is a no-op
	result, err = r.Apply(ctx, event)
	require.NoError(t, err)
	assert.Equal(t, billing.ReconcileIgnored, result)

	// the next renewal fails for lack of a payment method
	out := env.executor.Charge(ctx, sub, billing.TriggerRenewal)
	assert.Equal(t, billing.ChargeFailed, out.Result)
	assert.ErrorIs(t, out.Err, billing.ErrNoPaymentMethod)
}

func TestReconciler_WaitsForSubscriptionLock(t *testing.T) {
	locker := billing.NewKeyedLocker()
	env := newTestEnv(t, func(c *billing.Config) { c.Locker = locker })
	ctx := context.Background()
	sub := env.seedSubscription(t, "user-1", billing.PlanStarter, day1)
	out := env.executor.Charge(ctx, sub, billing.TriggerRenewal)
	require.Equal(t, billing.ChargeSucceeded, out.Result)

	unlock, ok, err := locker.TryLock(ctx, "subscription:"+sub.ID)
	require.NoError(t, err)
	require.True(t, ok)

	r := newReconciler(t, env)
	done := make(chan billing.ReconcileResult, 1)
	go func() {
		res, _ := r.Apply(ctx, &billing.WebhookEvent{
			EventType: billing.EventPaymentStatusChanged,
			Data:      billing.WebhookData{PaymentKey: out.PaymentKey, Status: "PARTIAL_CANCELED"},
		})
		done <- res
	}()

	select {
	case <-done:
		t.Fatal("status update must wait for the charge lock")
	default:
	}

	unlock()
	assert.Equal(t, billing.ReconcileApplied, <-done)
}
