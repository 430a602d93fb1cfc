package billing

import (
	"context"
	"time"
)

// Ledger defines the interface for billing persistence.
// Every mutation of a single subscription or payment must be atomic: concurrent
// writers never lose each other's updates.
type Ledger interface {
	// FindDueForRenewal returns active subscriptions whose current period ended at or before now
	FindDueForRenewal(ctx context.Context, now time.Time) ([]*Subscription, error)

	// FindRetryCandidates returns active subscriptions with 1 or 2 failed attempts
	FindRetryCandidates(ctx context.Context) ([]*Subscription, error)

	// FindActiveSubscription returns the user's active subscription
	// Returns ErrSubscriptionNotFound if there is none
	FindActiveSubscription(ctx context.Context, userID string) (*Subscription, error)

	// GetSubscription retrieves a subscription by id
	GetSubscription(ctx context.Context, id string) (*Subscription, error)

	// CreateSubscription stores a new subscription
	CreateSubscription(ctx context.Context, sub *Subscription) error

	// CommitChargeOutcome applies a charge attempt to the subscription and appends
	// commit.Payment (if set) in one atomic step, returning the updated subscription
	CommitChargeOutcome(ctx context.Context, subscriptionID string, commit *ChargeCommit) (*Subscription, error)

	// CancelSubscription marks the user's subscription cancelled
	// Returns ErrSubscriptionNotActive if it is already cancelled
	CancelSubscription(ctx context.Context, subscriptionID, userID string, at time.Time) (*Subscription, error)

	// AppendPayment stores a new payment record
	// Returns ErrDuplicateOrderID if the order id is already taken
	AppendPayment(ctx context.Context, payment *Payment) error

	// GetPaymentByOrderID retrieves a payment by order id
	GetPaymentByOrderID(ctx context.Context, orderID string) (*Payment, error)

	// GetPaymentByKey retrieves a payment by the gateway payment key
	GetPaymentByKey(ctx context.Context, paymentKey string) (*Payment, error)

	// CompletePayment marks a pending payment completed
	// Returns ErrPaymentAlreadyCompleted if it is not pending
	CompletePayment(ctx context.Context, orderID string, completion *PaymentCompletion) (*Payment, error)

	// UpdatePaymentStatus overwrites the status of the payment matching paymentKey
	// Returns the matched payment, or nil if nothing matched
	UpdatePaymentStatus(ctx context.Context, paymentKey string, status PaymentStatus) (*Payment, error)

	// ListPayments returns the user's payments, newest first
	ListPayments(ctx context.Context, userID string) ([]*Payment, error)

	// FindBillingKey returns the user's billing key
	// Returns ErrBillingKeyNotFound if the user has none
	FindBillingKey(ctx context.Context, userID string) (*BillingKey, error)

	// SaveBillingKey stores a billing key, replacing any previous key of the same user
	SaveBillingKey(ctx context.Context, key *BillingKey) error

	// DeleteBillingKeyByToken removes the key with the given gateway token
	// Returns false (and no error) when no key matched
	DeleteBillingKeyByToken(ctx context.Context, token string) (bool, error)
}

// TimeSource defines an interface for getting time from the storage engine.
// Sweeps running on several replicas use it to agree on "now".
type TimeSource interface {
	// Now returns the current time from the storage engine.
	Now(ctx context.Context) (time.Time, error)
}

// ApplyChargeCommit mutates sub according to a charge attempt.
// Ledger implementations call it inside their atomic section.
func ApplyChargeCommit(sub *Subscription, commit *ChargeCommit) {
	at := commit.At
	sub.LastAttemptAt = &at
	sub.UpdatedAt = at

	if commit.Succeeded {
		start, end := NextPeriod(at)
		sub.CurrentPeriodStart = start
		sub.CurrentPeriodEnd = end
		sub.LastPaymentAt = &at
		sub.FailedAttempts = 0
		if sub.Status == StatusPaymentFailed {
			sub.Status = StatusActive
			sub.PausedAt = nil
		}
		return
	}

	if sub.FailedAttempts < MaxFailedAttempts {
		sub.FailedAttempts++
	}
	if sub.FailedAttempts >= MaxFailedAttempts && sub.Status == StatusActive {
		sub.Status = StatusPaymentFailed
		sub.PausedAt = &at
	}
}

// IsDueForRenewal reports whether sub belongs in a renewal sweep at now
func IsDueForRenewal(sub *Subscription, now time.Time) bool {
	return sub.Status == StatusActive && !sub.CurrentPeriodEnd.After(now)
}

// IsRetryCandidate reports whether sub belongs in a retry sweep
func IsRetryCandidate(sub *Subscription) bool {
	return sub.Status == StatusActive &&
		sub.FailedAttempts >= 1 &&
		sub.FailedAttempts < MaxFailedAttempts
}
