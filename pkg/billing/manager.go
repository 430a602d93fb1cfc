package billing

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Manager is the entry point for account-facing billing flows: initial
// purchase, card registration, manual charges and cancellation. Recurring
// charges go through the same Executor the scheduler uses.
type Manager struct {
	ledger   Ledger
	gateway  Gateway
	executor *Executor
	config   Config
}

// PreparedPayment is returned to the client before it opens the payment window
type PreparedPayment struct {
	OrderID   string `json:"orderId"`
	Amount    int64  `json:"amount"`
	OrderName string `json:"orderName"`
	Plan      Plan   `json:"plan"`
}

// ConfirmedPurchase is the result of a confirmed initial purchase
type ConfirmedPurchase struct {
	Payment      *Payment      `json:"payment"`
	Subscription *Subscription `json:"subscription"`
}

// NewManager creates a billing manager sharing executor's gateway and config
func NewManager(ledger Ledger, executor *Executor) (*Manager, error) {
	if ledger == nil {
		return nil, ErrStorageUnavailable
	}
	if executor == nil {
		return nil, fmt.Errorf("%w: executor is required", ErrInvalidConfig)
	}
	return &Manager{
		ledger:   ledger,
		gateway:  executor.gateway,
		executor: executor,
		config:   executor.config,
	}, nil
}

// Executor returns the charge executor
func (m *Manager) Executor() *Executor {
	return m.executor
}

// PreparePayment creates a pending initial payment for plan
func (m *Manager) PreparePayment(ctx context.Context, userID string, plan Plan) (*PreparedPayment, error) {
	info, ok := LookupPlan(plan)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPlan, plan)
	}

	now := m.config.Now().UTC()
	payment := &Payment{
		OrderID:   NewOrderID(m.config.OrderIDPrefix, now),
		UserID:    userID,
		Plan:      plan,
		Amount:    TaxInclusive(info.Price),
		Status:    PaymentPending,
		Type:      PaymentInitial,
		CreatedAt: now,
	}
	if err := m.ledger.AppendPayment(ctx, payment); err != nil {
		return nil, fmt.Errorf("failed to store pending payment: %w", err)
	}

	return &PreparedPayment{
		OrderID:   payment.OrderID,
		Amount:    payment.Amount,
		OrderName: OrderName(m.config.ProductName, info),
		Plan:      plan,
	}, nil
}

// ConfirmPayment approves a prepared payment and starts the subscription.
// amount must equal the prepared amount; on mismatch nothing is written and
// the gateway is not called.
func (m *Manager) ConfirmPayment(ctx context.Context, paymentKey, orderID string, amount int64) (*ConfirmedPurchase, error) {
	lctx, cancel := context.WithTimeout(ctx, m.config.LockTimeout)
	unlock, err := m.config.Locker.Lock(lctx, orderLockKey(orderID))
	cancel()
	if err != nil {
		return nil, fmt.Errorf("lock order %s: %w", orderID, err)
	}
	defer unlock()

	payment, err := m.ledger.GetPaymentByOrderID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if payment.Amount != amount {
		return nil, fmt.Errorf("%w: expected %d, got %d", ErrAmountMismatch, payment.Amount, amount)
	}
	if payment.Status != PaymentPending {
		return nil, ErrPaymentAlreadyCompleted
	}

	gwCtx, gwCancel := context.WithTimeout(context.WithoutCancel(ctx), m.config.GatewayTimeout)
	start := time.Now()
	conf, err := m.gateway.ConfirmPayment(gwCtx, paymentKey, orderID, amount)
	err = normalizeGatewayError(gwCtx, err)
	gwCancel()
	m.config.Metrics.RecordGatewayCall("confirm_payment", gatewayStatus(err), time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("confirm payment: %w", err)
	}

	now := m.config.Now().UTC()
	periodStart, periodEnd := NextPeriod(now)
	sub := &Subscription{
		ID:                 NewID(PrefixSubscription),
		UserID:             payment.UserID,
		Plan:               payment.Plan,
		Status:             StatusActive,
		CurrentPeriodStart: periodStart,
		CurrentPeriodEnd:   periodEnd,
		LastPaymentAt:      &now,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	receiptURL := ""
	if conf != nil {
		receiptURL = conf.ReceiptURL
	}
	completed, err := m.ledger.CompletePayment(ctx, orderID, &PaymentCompletion{
		PaymentKey:     paymentKey,
		ReceiptURL:     receiptURL,
		SubscriptionID: sub.ID,
		CompletedAt:    now,
	})
	if err != nil {
		m.config.Logger.Error("payment confirmed at gateway but not recorded",
			Field{Key: "order_id", Value: orderID},
			Field{Key: "payment_key", Value: paymentKey},
			errField(err))
		return nil, fmt.Errorf("complete payment: %w", err)
	}

	if err := m.replaceActiveSubscription(ctx, sub); err != nil {
		m.config.Logger.Error("payment completed but subscription not created",
			Field{Key: "order_id", Value: orderID},
			Field{Key: "user_id", Value: payment.UserID},
			errField(err))
		return nil, err
	}

	m.config.Logger.Info("subscription started",
		Field{Key: "subscription_id", Value: sub.ID},
		Field{Key: "user_id", Value: sub.UserID},
		Field{Key: "plan", Value: string(sub.Plan)})
	return &ConfirmedPurchase{Payment: completed, Subscription: sub}, nil
}

// replaceActiveSubscription cancels the user's current active subscription,
// if any, and stores sub. A user has at most one active subscription.
func (m *Manager) replaceActiveSubscription(ctx context.Context, sub *Subscription) error {
	prev, err := m.ledger.FindActiveSubscription(ctx, sub.UserID)
	switch {
	case errors.Is(err, ErrSubscriptionNotFound):
	case err != nil:
		return fmt.Errorf("find active subscription: %w", err)
	default:
		if _, err := m.CancelSubscription(ctx, prev.ID, prev.UserID); err != nil {
			return fmt.Errorf("cancel previous subscription: %w", err)
		}
	}

	if err := m.ledger.CreateSubscription(ctx, sub); err != nil {
		return fmt.Errorf("create subscription: %w", err)
	}
	return nil
}

// RegisterBillingKey issues a billing key for the user's card and stores it,
// replacing a previously registered card
func (m *Manager) RegisterBillingKey(ctx context.Context, userID, authKey, customerKey string) (*BillingKey, error) {
	gwCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.config.GatewayTimeout)
	start := time.Now()
	issued, err := m.gateway.IssueBillingKey(gwCtx, authKey, customerKey)
	err = normalizeGatewayError(gwCtx, err)
	cancel()
	m.config.Metrics.RecordGatewayCall("issue_billing_key", gatewayStatus(err), time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("issue billing key: %w", err)
	}

	key := &BillingKey{
		ID:          NewID(PrefixBillingKey),
		UserID:      userID,
		Token:       issued.BillingKey,
		CustomerKey: issued.CustomerKey,
		CardCompany: issued.CardCompany,
		CardNumber:  issued.CardNumber,
		CreatedAt:   m.config.Now().UTC(),
	}
	if key.CustomerKey == "" {
		key.CustomerKey = customerKey
	}
	if err := m.ledger.SaveBillingKey(ctx, key); err != nil {
		return nil, fmt.Errorf("save billing key: %w", err)
	}

	m.config.Logger.Info("billing key registered", Field{Key: "user_id", Value: userID})
	return key, nil
}

// ChargeNow charges a subscription immediately, outside the daily sweeps.
// A paused subscription that is charged successfully becomes active again.
func (m *Manager) ChargeNow(ctx context.Context, subscriptionID string) (*ChargeOutcome, error) {
	sub, err := m.ledger.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	return m.executor.Charge(ctx, sub, TriggerManual), nil
}

// CancelSubscription stops renewals. Service continues until the end of the
// current period.
func (m *Manager) CancelSubscription(ctx context.Context, subscriptionID, userID string) (*Subscription, error) {
	lctx, cancel := context.WithTimeout(ctx, m.config.LockTimeout)
	unlock, err := m.config.Locker.Lock(lctx, subscriptionLockKey(subscriptionID))
	cancel()
	if err != nil {
		return nil, fmt.Errorf("lock subscription %s: %w", subscriptionID, err)
	}
	defer unlock()

	sub, err := m.ledger.CancelSubscription(ctx, subscriptionID, userID, m.config.Now().UTC())
	if err != nil {
		return nil, err
	}
	m.config.Logger.Info("subscription cancelled",
		Field{Key: "subscription_id", Value: sub.ID},
		Field{Key: "user_id", Value: sub.UserID})
	return sub, nil
}

// PaymentHistory returns the user's payments, newest first
func (m *Manager) PaymentHistory(ctx context.Context, userID string) ([]*Payment, error) {
	return m.ledger.ListPayments(ctx, userID)
}

// ActiveSubscription returns the user's active subscription
func (m *Manager) ActiveSubscription(ctx context.Context, userID string) (*Subscription, error) {
	return m.ledger.FindActiveSubscription(ctx, userID)
}

// BillingKey returns the user's registered card
func (m *Manager) BillingKey(ctx context.Context, userID string) (*BillingKey, error) {
	return m.ledger.FindBillingKey(ctx, userID)
}

// Payment returns a payment by order id
func (m *Manager) Payment(ctx context.Context, orderID string) (*Payment, error) {
	return m.ledger.GetPaymentByOrderID(ctx, orderID)
}

// Subscription returns a subscription by id
func (m *Manager) Subscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	return m.ledger.GetSubscription(ctx, subscriptionID)
}

// Access returns the subscription entitling userID to service right now.
// An active subscription always does; a cancelled one does until its paid
// period ends. Otherwise ErrSubscriptionNotFound is returned.
func (m *Manager) Access(ctx context.Context, userID string) (*Subscription, error) {
	sub, err := m.ledger.FindActiveSubscription(ctx, userID)
	if err == nil {
		return sub, nil
	}
	if !errors.Is(err, ErrSubscriptionNotFound) {
		return nil, err
	}

	// Only the most recently paid subscription can still be running
	payments, err := m.ledger.ListPayments(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	for _, p := range payments {
		if p.Status != PaymentCompleted || p.SubscriptionID == "" {
			continue
		}
		sub, err := m.ledger.GetSubscription(ctx, p.SubscriptionID)
		if err != nil {
			return nil, err
		}
		if sub.Status == StatusCancelled && m.config.Now().Before(sub.CurrentPeriodEnd) {
			return sub, nil
		}
		break
	}
	return nil, ErrSubscriptionNotFound
}
