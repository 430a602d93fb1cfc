package billing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newActiveSub(failed int) *Subscription {
	start := time.Date(2025, 1, 1, 2, 0, 0, 0, time.UTC)
	return &Subscription{
		ID:                 "sub_1",
		UserID:             "user_1",
		Plan:               PlanStarter,
		Status:             StatusActive,
		CurrentPeriodStart: start,
		CurrentPeriodEnd:   start.Add(PeriodLength),
		FailedAttempts:     failed,
	}
}

func TestApplyChargeCommit_SuccessResetsFailures(t *testing.T) {
	for _, prior := range []int{0, 1, 2} {
		sub := newActiveSub(prior)
		at := time.Date(2025, 1, 31, 2, 0, 0, 0, time.UTC)

		ApplyChargeCommit(sub, &ChargeCommit{Succeeded: true, At: at})

		assert.Equal(t, 0, sub.FailedAttempts)
		assert.Equal(t, at, sub.CurrentPeriodStart)
		assert.Equal(t, sub.CurrentPeriodStart.Add(30*24*time.Hour), sub.CurrentPeriodEnd)
		require.NotNil(t, sub.LastPaymentAt)
		assert.Equal(t, at, *sub.LastPaymentAt)
		require.NotNil(t, sub.LastAttemptAt)
		assert.Equal(t, StatusActive, sub.Status)
	}
}

func TestApplyChargeCommit_FailuresPauseOnThird(t *testing.T) {
	sub := newActiveSub(0)
	at := time.Date(2025, 1, 31, 2, 0, 0, 0, time.UTC)

	for n := 1; n < MaxFailedAttempts; n++ {
		ApplyChargeCommit(sub, &ChargeCommit{At: at})
		assert.Equal(t, n, sub.FailedAttempts)
		assert.Equal(t, StatusActive, sub.Status)
		assert.Nil(t, sub.PausedAt)
		assert.True(t, IsRetryCandidate(sub))
	}

	ApplyChargeCommit(sub, &ChargeCommit{At: at})
	assert.Equal(t, 3, sub.FailedAttempts)
	assert.Equal(t, StatusPaymentFailed, sub.Status)
	require.NotNil(t, sub.PausedAt)
	assert.False(t, IsRetryCandidate(sub))
	assert.False(t, IsDueForRenewal(sub, at.Add(365*24*time.Hour)))

	// further failures never push the counter past the cap
	ApplyChargeCommit(sub, &ChargeCommit{At: at})
	assert.Equal(t, 3, sub.FailedAttempts)
}

func TestApplyChargeCommit_SuccessReactivatesPaused(t *testing.T) {
	sub := newActiveSub(3)
	paused := time.Now()
	sub.Status = StatusPaymentFailed
	sub.PausedAt = &paused

	ApplyChargeCommit(sub, &ChargeCommit{Succeeded: true, At: time.Now()})

	assert.Equal(t, StatusActive, sub.Status)
	assert.Nil(t, sub.PausedAt)
	assert.Equal(t, 0, sub.FailedAttempts)
}

func TestIsDueForRenewal(t *testing.T) {
	sub := newActiveSub(0)
	assert.False(t, IsDueForRenewal(sub, sub.CurrentPeriodEnd.Add(-time.Second)))
	assert.True(t, IsDueForRenewal(sub, sub.CurrentPeriodEnd))
	assert.True(t, IsDueForRenewal(sub, sub.CurrentPeriodEnd.Add(time.Hour)))

	sub.Status = StatusCancelled
	assert.False(t, IsDueForRenewal(sub, sub.CurrentPeriodEnd.Add(time.Hour)))
}

func TestIsRetryCandidate_Bounds(t *testing.T) {
	for failed, want := range map[int]bool{0: false, 1: true, 2: true, 3: false, 4: false} {
		assert.Equal(t, want, IsRetryCandidate(newActiveSub(failed)), "failedAttempts=%d", failed)
	}
}

func TestSameBillingDay(t *testing.T) {
	seoul, err := time.LoadLocation("Asia/Seoul")
	require.NoError(t, err)

	// 16:00 UTC and 14:00 UTC the same date are different days in Seoul (UTC+9)
	a := time.Date(2025, 3, 1, 14, 0, 0, 0, time.UTC)
	b := time.Date(2025, 3, 1, 16, 0, 0, 0, time.UTC)
	assert.True(t, SameBillingDay(a, b, time.UTC))
	assert.False(t, SameBillingDay(a, b, seoul))
}
