// Package billingtest provides a behavioural test suite that every
// billing.Ledger implementation must pass.
package billingtest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gobilling/pkg/billing"
)

// Base is the reference time used by the suite. Backends store at least
// microsecond precision, so all times are whole seconds.
var Base = time.Date(2025, 3, 1, 2, 0, 0, 0, time.UTC)

// NewLedger returns an empty ledger for one subtest
type NewLedger func(t *testing.T) billing.Ledger

// RunLedgerTests runs the full ledger suite against newLedger
func RunLedgerTests(t *testing.T, newLedger NewLedger) {
	t.Run("Subscriptions", func(t *testing.T) { testSubscriptions(t, newLedger(t)) })
	t.Run("FindDueForRenewal", func(t *testing.T) { testFindDue(t, newLedger(t)) })
	t.Run("FindRetryCandidates", func(t *testing.T) { testFindRetry(t, newLedger(t)) })
	t.Run("FindActiveSubscription", func(t *testing.T) { testFindActive(t, newLedger(t)) })
	t.Run("CommitChargeOutcome", func(t *testing.T) { testCommit(t, newLedger(t)) })
	t.Run("CommitDuplicateOrder", func(t *testing.T) { testCommitDuplicate(t, newLedger(t)) })
	t.Run("CancelSubscription", func(t *testing.T) { testCancel(t, newLedger(t)) })
	t.Run("Payments", func(t *testing.T) { testPayments(t, newLedger(t)) })
	t.Run("ListPayments", func(t *testing.T) { testListPayments(t, newLedger(t)) })
	t.Run("BillingKeys", func(t *testing.T) { testBillingKeys(t, newLedger(t)) })
}

// Subscription builds an active subscription whose period ends at periodEnd
func Subscription(id, userID string, plan billing.Plan, periodEnd time.Time) *billing.Subscription {
	return &billing.Subscription{
		ID:                 id,
		UserID:             userID,
		Plan:               plan,
		Status:             billing.StatusActive,
		CurrentPeriodStart: periodEnd.Add(-billing.PeriodLength),
		CurrentPeriodEnd:   periodEnd,
		CreatedAt:          periodEnd.Add(-billing.PeriodLength),
		UpdatedAt:          periodEnd.Add(-billing.PeriodLength),
	}
}

func ids(subs []*billing.Subscription) []string {
	out := make([]string, 0, len(subs))
	for _, s := range subs {
		out = append(out, s.ID)
	}
	return out
}

func testSubscriptions(t *testing.T, l billing.Ledger) {
	ctx := context.Background()

	_, err := l.GetSubscription(ctx, "sub_missing")
	assert.ErrorIs(t, err, billing.ErrSubscriptionNotFound)

	sub := Subscription("sub_1", "user-1", billing.PlanStarter, Base)
	require.NoError(t, l.CreateSubscription(ctx, sub))

	got, err := l.GetSubscription(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", got.UserID)
	assert.Equal(t, billing.PlanStarter, got.Plan)
	assert.Equal(t, billing.StatusActive, got.Status)
	assert.True(t, got.CurrentPeriodEnd.Equal(Base))
	assert.True(t, got.CurrentPeriodStart.Equal(Base.Add(-billing.PeriodLength)))
	assert.Equal(t, 0, got.FailedAttempts)
	assert.Nil(t, got.LastAttemptAt)
	assert.Nil(t, got.CancelledAt)
}

func testFindDue(t *testing.T, l billing.Ledger) {
	ctx := context.Background()

	later := Subscription("sub_later", "user-1", billing.PlanStarter, Base.Add(-time.Hour))
	earlier := Subscription("sub_earlier", "user-2", billing.PlanStarter, Base.Add(-48*time.Hour))
	notDue := Subscription("sub_future", "user-3", billing.PlanStarter, Base.Add(time.Hour))
	paused := Subscription("sub_paused", "user-4", billing.PlanStarter, Base.Add(-time.Hour))
	paused.Status = billing.StatusPaymentFailed
	paused.FailedAttempts = billing.MaxFailedAttempts
	cancelled := Subscription("sub_cancelled", "user-5", billing.PlanStarter, Base.Add(-time.Hour))
	cancelled.Status = billing.StatusCancelled

	for _, s := range []*billing.Subscription{later, earlier, notDue, paused, cancelled} {
		require.NoError(t, l.CreateSubscription(ctx, s))
	}

	due, err := l.FindDueForRenewal(ctx, Base)
	require.NoError(t, err)
	assert.Equal(t, []string{"sub_earlier", "sub_later"}, ids(due))

	// the boundary is inclusive
	due, err = l.FindDueForRenewal(ctx, Base.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{"sub_earlier", "sub_later", "sub_future"}, ids(due))
}

func testFindRetry(t *testing.T, l billing.Ledger) {
	ctx := context.Background()

	for i := 0; i <= billing.MaxFailedAttempts; i++ {
		s := Subscription(fmt.Sprintf("sub_%d", i), fmt.Sprintf("user-%d", i), billing.PlanStarter,
			Base.Add(time.Duration(i)*time.Hour))
		s.FailedAttempts = i
		if i == billing.MaxFailedAttempts {
			s.Status = billing.StatusPaymentFailed
		}
		require.NoError(t, l.CreateSubscription(ctx, s))
	}
	cancelled := Subscription("sub_cancelled", "user-9", billing.PlanStarter, Base)
	cancelled.Status = billing.StatusCancelled
	cancelled.FailedAttempts = 1
	require.NoError(t, l.CreateSubscription(ctx, cancelled))

	retry, err := l.FindRetryCandidates(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"sub_1", "sub_2"}, ids(retry))
}

func testFindActive(t *testing.T, l billing.Ledger) {
	ctx := context.Background()

	_, err := l.FindActiveSubscription(ctx, "user-1")
	assert.ErrorIs(t, err, billing.ErrSubscriptionNotFound)

	old := Subscription("sub_old", "user-1", billing.PlanStarter, Base)
	old.Status = billing.StatusCancelled
	current := Subscription("sub_current", "user-1", billing.PlanEnterprise, Base.Add(24*time.Hour))
	other := Subscription("sub_other", "user-2", billing.PlanStarter, Base)
	for _, s := range []*billing.Subscription{old, current, other} {
		require.NoError(t, l.CreateSubscription(ctx, s))
	}

	got, err := l.FindActiveSubscription(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "sub_current", got.ID)
	assert.Equal(t, billing.PlanEnterprise, got.Plan)
}

func testCommit(t *testing.T, l billing.Ledger) {
	ctx := context.Background()

	_, err := l.CommitChargeOutcome(ctx, "sub_missing", &billing.ChargeCommit{At: Base})
	assert.ErrorIs(t, err, billing.ErrSubscriptionNotFound)

	require.NoError(t, l.CreateSubscription(ctx, Subscription("sub_1", "user-1", billing.PlanStarter, Base)))

	for i := 1; i <= billing.MaxFailedAttempts; i++ {
		at := Base.AddDate(0, 0, i-1)
		updated, err := l.CommitChargeOutcome(ctx, "sub_1", &billing.ChargeCommit{
			At: at,
			Payment: &billing.Payment{
				OrderID:        fmt.Sprintf("ESG_fail_%d", i),
				UserID:         "user-1",
				SubscriptionID: "sub_1",
				Plan:           billing.PlanStarter,
				Amount:         108900,
				Status:         billing.PaymentFailed,
				Type:           billing.PaymentRecurring,
				FailureReason:  "card declined",
				CreatedAt:      at,
			},
		})
		require.NoError(t, err)
		assert.Equal(t, i, updated.FailedAttempts)
		require.NotNil(t, updated.LastAttemptAt)
		assert.True(t, updated.LastAttemptAt.Equal(at))
	}

	paused, err := l.GetSubscription(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, billing.StatusPaymentFailed, paused.Status)
	require.NotNil(t, paused.PausedAt)

	at := Base.AddDate(0, 0, 5)
	completedAt := at
	updated, err := l.CommitChargeOutcome(ctx, "sub_1", &billing.ChargeCommit{
		Succeeded: true,
		At:        at,
		Payment: &billing.Payment{
			OrderID:        "ESG_ok",
			UserID:         "user-1",
			SubscriptionID: "sub_1",
			Plan:           billing.PlanStarter,
			Amount:         108900,
			Status:         billing.PaymentCompleted,
			Type:           billing.PaymentRecurring,
			PaymentKey:     "pk_ok",
			ReceiptURL:     "https://receipt/ok",
			CreatedAt:      at,
			CompletedAt:    &completedAt,
		},
	})
	require.NoError(t, err)
	assert.Equal(t, billing.StatusActive, updated.Status)
	assert.Equal(t, 0, updated.FailedAttempts)
	assert.Nil(t, updated.PausedAt)
	assert.True(t, updated.CurrentPeriodStart.Equal(at))
	assert.True(t, updated.CurrentPeriodEnd.Equal(at.Add(billing.PeriodLength)))
	require.NotNil(t, updated.LastPaymentAt)

	stored, err := l.GetSubscription(ctx, "sub_1")
	require.NoError(t, err)
	assert.True(t, stored.CurrentPeriodEnd.Equal(updated.CurrentPeriodEnd))

	byKey, err := l.GetPaymentByKey(ctx, "pk_ok")
	require.NoError(t, err)
	assert.Equal(t, "ESG_ok", byKey.OrderID)
	assert.Equal(t, billing.PaymentCompleted, byKey.Status)
	assert.Equal(t, "https://receipt/ok", byKey.ReceiptURL)

	failed, err := l.GetPaymentByOrderID(ctx, "ESG_fail_1")
	require.NoError(t, err)
	assert.Equal(t, billing.PaymentFailed, failed.Status)
	assert.Equal(t, "card declined", failed.FailureReason)
}

func testCommitDuplicate(t *testing.T, l billing.Ledger) {
	ctx := context.Background()
	require.NoError(t, l.CreateSubscription(ctx, Subscription("sub_1", "user-1", billing.PlanStarter, Base)))
	require.NoError(t, l.AppendPayment(ctx, &billing.Payment{
		OrderID:   "ESG_dup",
		UserID:    "user-1",
		Plan:      billing.PlanStarter,
		Amount:    108900,
		Status:    billing.PaymentPending,
		Type:      billing.PaymentInitial,
		CreatedAt: Base,
	}))

	_, err := l.CommitChargeOutcome(ctx, "sub_1", &billing.ChargeCommit{
		Succeeded: true,
		At:        Base,
		Payment: &billing.Payment{
			OrderID:   "ESG_dup",
			UserID:    "user-1",
			Amount:    108900,
			Status:    billing.PaymentCompleted,
			Type:      billing.PaymentRecurring,
			CreatedAt: Base,
		},
	})
	assert.ErrorIs(t, err, billing.ErrDuplicateOrderID)

	// nothing was applied
	sub, err := l.GetSubscription(ctx, "sub_1")
	require.NoError(t, err)
	assert.True(t, sub.CurrentPeriodEnd.Equal(Base))
	assert.Nil(t, sub.LastAttemptAt)
}

func testCancel(t *testing.T, l billing.Ledger) {
	ctx := context.Background()
	require.NoError(t, l.CreateSubscription(ctx, Subscription("sub_1", "user-1", billing.PlanStarter, Base)))

	_, err := l.CancelSubscription(ctx, "sub_1", "user-2", Base)
	assert.ErrorIs(t, err, billing.ErrSubscriptionNotFound)
	_, err = l.CancelSubscription(ctx, "sub_missing", "user-1", Base)
	assert.ErrorIs(t, err, billing.ErrSubscriptionNotFound)

	cancelled, err := l.CancelSubscription(ctx, "sub_1", "user-1", Base)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusCancelled, cancelled.Status)
	require.NotNil(t, cancelled.CancelledAt)
	assert.True(t, cancelled.CancelledAt.Equal(Base))

	_, err = l.CancelSubscription(ctx, "sub_1", "user-1", Base)
	assert.ErrorIs(t, err, billing.ErrSubscriptionNotActive)

	due, err := l.FindDueForRenewal(ctx, Base.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, due)
}

func testPayments(t *testing.T, l billing.Ledger) {
	ctx := context.Background()

	_, err := l.GetPaymentByOrderID(ctx, "ESG_missing")
	assert.ErrorIs(t, err, billing.ErrPaymentNotFound)
	_, err = l.GetPaymentByKey(ctx, "pk_missing")
	assert.ErrorIs(t, err, billing.ErrPaymentNotFound)
	_, err = l.CompletePayment(ctx, "ESG_missing", &billing.PaymentCompletion{PaymentKey: "pk", CompletedAt: Base})
	assert.ErrorIs(t, err, billing.ErrPaymentNotFound)

	pending := &billing.Payment{
		OrderID:   "ESG_1",
		UserID:    "user-1",
		Plan:      billing.PlanProfessional,
		Amount:    328900,
		Status:    billing.PaymentPending,
		Type:      billing.PaymentInitial,
		CreatedAt: Base,
	}
	require.NoError(t, l.AppendPayment(ctx, pending))
	assert.ErrorIs(t, l.AppendPayment(ctx, pending), billing.ErrDuplicateOrderID)

	got, err := l.GetPaymentByOrderID(ctx, "ESG_1")
	require.NoError(t, err)
	assert.Equal(t, int64(328900), got.Amount)
	assert.Equal(t, billing.PaymentPending, got.Status)
	assert.Nil(t, got.CompletedAt)

	completed, err := l.CompletePayment(ctx, "ESG_1", &billing.PaymentCompletion{
		PaymentKey:     "pk_1",
		ReceiptURL:     "https://receipt/1",
		SubscriptionID: "sub_1",
		CompletedAt:    Base.Add(time.Minute),
	})
	require.NoError(t, err)
	assert.Equal(t, billing.PaymentCompleted, completed.Status)
	assert.Equal(t, "pk_1", completed.PaymentKey)
	assert.Equal(t, "sub_1", completed.SubscriptionID)
	require.NotNil(t, completed.CompletedAt)

	_, err = l.CompletePayment(ctx, "ESG_1", &billing.PaymentCompletion{PaymentKey: "pk_1", CompletedAt: Base})
	assert.ErrorIs(t, err, billing.ErrPaymentAlreadyCompleted)

	byKey, err := l.GetPaymentByKey(ctx, "pk_1")
	require.NoError(t, err)
	assert.Equal(t, "ESG_1", byKey.OrderID)

	updated, err := l.UpdatePaymentStatus(ctx, "pk_1", billing.PaymentStatus("canceled"))
	require.NoError(t, err)
	require.NotNil(t, updated)
	assert.Equal(t, billing.PaymentStatus("canceled"), updated.Status)

	got, err = l.GetPaymentByOrderID(ctx, "ESG_1")
	require.NoError(t, err)
	assert.Equal(t, billing.PaymentStatus("canceled"), got.Status)

	none, err := l.UpdatePaymentStatus(ctx, "pk_missing", billing.PaymentCompleted)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func testListPayments(t *testing.T, l billing.Ledger) {
	ctx := context.Background()

	empty, err := l.ListPayments(ctx, "user-1")
	require.NoError(t, err)
	assert.Empty(t, empty)

	for i, orderID := range []string{"ESG_a", "ESG_b", "ESG_c"} {
		require.NoError(t, l.AppendPayment(ctx, &billing.Payment{
			OrderID:   orderID,
			UserID:    "user-1",
			Plan:      billing.PlanStarter,
			Amount:    108900,
			Status:    billing.PaymentPending,
			Type:      billing.PaymentInitial,
			CreatedAt: Base.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, l.AppendPayment(ctx, &billing.Payment{
		OrderID:   "ESG_other",
		UserID:    "user-2",
		Plan:      billing.PlanStarter,
		Amount:    108900,
		Status:    billing.PaymentPending,
		Type:      billing.PaymentInitial,
		CreatedAt: Base.Add(time.Hour),
	}))

	list, err := l.ListPayments(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "ESG_c", list[0].OrderID)
	assert.Equal(t, "ESG_b", list[1].OrderID)
	assert.Equal(t, "ESG_a", list[2].OrderID)
}

func testBillingKeys(t *testing.T, l billing.Ledger) {
	ctx := context.Background()

	_, err := l.FindBillingKey(ctx, "user-1")
	assert.ErrorIs(t, err, billing.ErrBillingKeyNotFound)

	first := &billing.BillingKey{
		ID:          "bkey_1",
		UserID:      "user-1",
		Token:       "bk_first",
		CustomerKey: "ck_1",
		CardCompany: "Shinhan",
		CardNumber:  "4330-12**-****-123*",
		CreatedAt:   Base,
	}
	require.NoError(t, l.SaveBillingKey(ctx, first))

	got, err := l.FindBillingKey(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "bk_first", got.Token)
	assert.Equal(t, "ck_1", got.CustomerKey)
	assert.Equal(t, "Shinhan", got.CardCompany)

	second := *first
	second.ID = "bkey_2"
	second.Token = "bk_second"
	second.CreatedAt = Base.Add(time.Hour)
	require.NoError(t, l.SaveBillingKey(ctx, &second))

	got, err = l.FindBillingKey(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "bk_second", got.Token)

	// the replaced token no longer resolves to a stored key
	removed, err := l.DeleteBillingKeyByToken(ctx, "bk_first")
	require.NoError(t, err)
	assert.False(t, removed)

	removed, err = l.DeleteBillingKeyByToken(ctx, "bk_second")
	require.NoError(t, err)
	assert.True(t, removed)

	_, err = l.FindBillingKey(ctx, "user-1")
	assert.ErrorIs(t, err, billing.ErrBillingKeyNotFound)

	removed, err = l.DeleteBillingKeyByToken(ctx, "bk_second")
	require.NoError(t, err)
	assert.False(t, removed)
}
