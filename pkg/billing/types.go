package billing

import "time"

// SubscriptionStatus is the lifecycle state of a subscription
type SubscriptionStatus string

const (
	StatusActive        SubscriptionStatus = "active"
	StatusPaymentFailed SubscriptionStatus = "payment_failed"
	StatusCancelled     SubscriptionStatus = "cancelled"
)

// PaymentStatus is the state of a payment record.
// Webhook reconciliation may store other lower-cased gateway values.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
)

// PaymentType distinguishes the first purchase from renewals
type PaymentType string

const (
	PaymentInitial   PaymentType = "initial"
	PaymentRecurring PaymentType = "recurring"
)

// Subscription is one recurring agreement between a user and a plan
type Subscription struct {
	ID                 string             `json:"id"`
	UserID             string             `json:"userId"`
	Plan               Plan               `json:"plan"`
	Status             SubscriptionStatus `json:"status"`
	CurrentPeriodStart time.Time          `json:"currentPeriodStart"`
	CurrentPeriodEnd   time.Time          `json:"currentPeriodEnd"`
	FailedAttempts     int                `json:"failedAttempts"`
	LastPaymentAt      *time.Time         `json:"lastPaymentAt,omitempty"`
	LastAttemptAt      *time.Time         `json:"lastAttemptAt,omitempty"`
	CancelledAt        *time.Time         `json:"cancelledAt,omitempty"`
	PausedAt           *time.Time         `json:"pausedAt,omitempty"`
	CreatedAt          time.Time          `json:"createdAt"`
	UpdatedAt          time.Time          `json:"updatedAt"`
}

// Clone returns a deep copy so callers never share pointers with a ledger
func (s *Subscription) Clone() *Subscription {
	if s == nil {
		return nil
	}
	c := *s
	c.LastPaymentAt = cloneTime(s.LastPaymentAt)
	c.LastAttemptAt = cloneTime(s.LastAttemptAt)
	c.CancelledAt = cloneTime(s.CancelledAt)
	c.PausedAt = cloneTime(s.PausedAt)
	return &c
}

// BillingKey is a registered, chargeable payment instrument.
// A user has at most one.
type BillingKey struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	Token       string    `json:"billingKey"`
	CustomerKey string    `json:"customerKey"`
	CardCompany string    `json:"cardCompany,omitempty"`
	CardNumber  string    `json:"cardNumber,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Payment records the outcome of one charge attempt
type Payment struct {
	OrderID        string        `json:"orderId"`
	UserID         string        `json:"userId"`
	SubscriptionID string        `json:"subscriptionId,omitempty"`
	Plan           Plan          `json:"plan"`
	Amount         int64         `json:"amount"`
	Status         PaymentStatus `json:"status"`
	Type           PaymentType   `json:"type"`
	PaymentKey     string        `json:"paymentKey,omitempty"`
	ReceiptURL     string        `json:"receiptUrl,omitempty"`
	FailureReason  string        `json:"failureReason,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
	CompletedAt    *time.Time    `json:"completedAt,omitempty"`
}

// Clone returns a deep copy of the payment
func (p *Payment) Clone() *Payment {
	if p == nil {
		return nil
	}
	c := *p
	c.CompletedAt = cloneTime(p.CompletedAt)
	return &c
}

// PaymentCompletion carries the terminal fields written when an initial
// purchase is confirmed by the gateway
type PaymentCompletion struct {
	PaymentKey     string
	ReceiptURL     string
	SubscriptionID string
	CompletedAt    time.Time
}

// ChargeCommit is the state change a ledger applies atomically after a
// charge attempt. Payment is nil when no payment row should be appended.
type ChargeCommit struct {
	Succeeded bool
	At        time.Time
	Payment   *Payment
}

// Trigger identifies what started a charge attempt
type Trigger string

const (
	TriggerRenewal Trigger = "renewal"
	TriggerRetry   Trigger = "retry"
	TriggerManual  Trigger = "manual"
)

// Scheduled reports whether the trigger comes from a sweep
func (t Trigger) Scheduled() bool {
	return t == TriggerRenewal || t == TriggerRetry
}

// ChargeResult is the coarse result of a charge attempt
type ChargeResult string

const (
	ChargeSucceeded ChargeResult = "succeeded"
	ChargeFailed    ChargeResult = "failed"
	ChargeSkipped   ChargeResult = "skipped"
)

// ChargeOutcome is what the executor reports back for one subscription.
// Err is nil only for ChargeSucceeded.
type ChargeOutcome struct {
	SubscriptionID string
	UserID         string
	Trigger        Trigger
	Result         ChargeResult
	Err            error
	Amount         int64
	OrderID        string
	PaymentKey     string
	Subscription   *Subscription
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
