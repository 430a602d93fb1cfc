package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Webhook event types pushed by the gateway
const (
	EventPaymentStatusChanged = "PAYMENT_STATUS_CHANGED"
	EventBillingKeyDeleted    = "BILLING_KEY_DELETED"
)

// WebhookEvent is a gateway-pushed state change, already authenticated
type WebhookEvent struct {
	EventType string      `json:"eventType"`
	Data      WebhookData `json:"data"`
}

// WebhookData carries the identifiers of the record an event refers to
type WebhookData struct {
	PaymentKey string `json:"paymentKey,omitempty"`
	OrderID    string `json:"orderId,omitempty"`
	Status     string `json:"status,omitempty"`
	BillingKey string `json:"billingKey,omitempty"`
}

// ReconcileResult tells whether an event changed the ledger
type ReconcileResult string

const (
	ReconcileApplied ReconcileResult = "applied"
	ReconcileIgnored ReconcileResult = "ignored"
)

// Reconciler applies webhook events to the ledger. It only mutates records
// it can locate; everything else is ignored without error because the
// sender does not retry.
type Reconciler struct {
	ledger Ledger
	config Config
}

// NewReconciler creates a webhook reconciler
func NewReconciler(ledger Ledger, config Config) (*Reconciler, error) {
	if ledger == nil {
		return nil, ErrStorageUnavailable
	}
	config.setDefaults()
	return &Reconciler{ledger: ledger, config: config}, nil
}

// Apply reconciles one event. Only ledger failures are returned as errors.
func (r *Reconciler) Apply(ctx context.Context, event *WebhookEvent) (ReconcileResult, error) {
	var (
		result ReconcileResult
		err    error
	)
	switch event.EventType {
	case EventPaymentStatusChanged:
		result, err = r.paymentStatusChanged(ctx, event.Data)
	case EventBillingKeyDeleted:
		result, err = r.billingKeyDeleted(ctx, event.Data)
	default:
		result = ReconcileIgnored
	}

	status := string(result)
	if err != nil {
		status = "error"
	}
	r.config.Metrics.RecordWebhookEvent(event.EventType, status)
	r.config.Logger.Debug("webhook event reconciled",
		Field{Key: "event_type", Value: event.EventType},
		Field{Key: "result", Value: status})
	return result, err
}

func (r *Reconciler) paymentStatusChanged(ctx context.Context, data WebhookData) (ReconcileResult, error) {
	if data.PaymentKey == "" || data.Status == "" {
		return ReconcileIgnored, nil
	}

	payment, err := r.ledger.GetPaymentByKey(ctx, data.PaymentKey)
	if errors.Is(err, ErrPaymentNotFound) {
		return ReconcileIgnored, nil
	}
	if err != nil {
		return "", fmt.Errorf("find payment: %w", err)
	}

	// Same lock as the executor so a status write never interleaves with a
	// charge commit on the same subscription.
	if payment.SubscriptionID != "" {
		lctx, cancel := context.WithTimeout(ctx, r.config.LockTimeout)
		unlock, err := r.config.Locker.Lock(lctx, subscriptionLockKey(payment.SubscriptionID))
		cancel()
		if err != nil {
			return "", fmt.Errorf("lock subscription %s: %w", payment.SubscriptionID, err)
		}
		defer unlock()
	}

	status := PaymentStatus(strings.ToLower(data.Status))
	updated, err := r.ledger.UpdatePaymentStatus(ctx, data.PaymentKey, status)
	if err != nil {
		return "", fmt.Errorf("update payment status: %w", err)
	}
	if updated == nil {
		return ReconcileIgnored, nil
	}

	r.config.Logger.Info("payment status updated from webhook",
		Field{Key: "order_id", Value: updated.OrderID},
		Field{Key: "from", Value: string(payment.Status)},
		Field{Key: "to", Value: string(status)})
	return ReconcileApplied, nil
}

func (r *Reconciler) billingKeyDeleted(ctx context.Context, data WebhookData) (ReconcileResult, error) {
	if data.BillingKey == "" {
		return ReconcileIgnored, nil
	}
	removed, err := r.ledger.DeleteBillingKeyByToken(ctx, data.BillingKey)
	if err != nil {
		return "", fmt.Errorf("delete billing key: %w", err)
	}
	if !removed {
		return ReconcileIgnored, nil
	}
	r.config.Logger.Info("billing key removed by gateway")
	return ReconcileApplied, nil
}
