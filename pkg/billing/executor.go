package billing

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Executor charges one subscription at a time against its billing key and
// commits the result to the ledger. It never returns an error: every
// failure is reported in the ChargeOutcome so a sweep can move on.
type Executor struct {
	ledger  Ledger
	gateway Gateway
	config  Config
}

// NewExecutor creates a charge executor
func NewExecutor(ledger Ledger, gateway Gateway, config Config) (*Executor, error) {
	if ledger == nil {
		return nil, ErrStorageUnavailable
	}
	if gateway == nil {
		return nil, fmt.Errorf("%w: gateway is required", ErrInvalidConfig)
	}
	config.setDefaults()
	if err := config.validate(); err != nil {
		return nil, err
	}

	if cbc := config.CircuitBreakerConfig; cbc != nil && cbc.Enabled {
		metrics := config.Metrics
		cb := NewDefaultCircuitBreaker(cbc.FailureThreshold, cbc.ResetTimeout, func(state CircuitBreakerState) {
			metrics.RecordCircuitBreakerStateChange(string(state))
		})
		gateway = NewCircuitBreakerGateway(gateway, cb)
	}

	return &Executor{ledger: ledger, gateway: gateway, config: config}, nil
}

// Charge runs one charge attempt for sub.
//
// The subscription is locked for the whole attempt and re-read under the
// lock, so a subscription that was renewed, cancelled or paused after it was
// selected is skipped. Scheduled triggers skip subscriptions already
// attempted on the same calendar day.
func (e *Executor) Charge(ctx context.Context, sub *Subscription, trigger Trigger) *ChargeOutcome {
	start := time.Now()
	out := &ChargeOutcome{
		SubscriptionID: sub.ID,
		UserID:         sub.UserID,
		Trigger:        trigger,
	}
	defer func() {
		e.config.Metrics.RecordCharge(string(trigger), string(sub.Plan), string(out.Result), out.Amount)
		e.config.Metrics.RecordChargeDuration(string(trigger), time.Since(start))
	}()

	unlock, ok, err := e.config.Locker.TryLock(ctx, subscriptionLockKey(sub.ID))
	if err != nil {
		return e.skip(out, fmt.Errorf("acquire subscription lock: %w", err))
	}
	if !ok {
		return e.skip(out, ErrSubscriptionLocked)
	}
	defer unlock()

	current, err := e.ledger.GetSubscription(ctx, sub.ID)
	if err != nil {
		return e.skip(out, fmt.Errorf("reload subscription: %w", err))
	}
	out.Subscription = current

	now := currentTime(ctx, e.ledger, e.config.Now)
	if err := e.checkEligible(current, trigger, now); err != nil {
		return e.skip(out, err)
	}

	return e.attempt(ctx, current, trigger, now, out)
}

func (e *Executor) checkEligible(sub *Subscription, trigger Trigger, now time.Time) error {
	switch trigger {
	case TriggerRenewal:
		if !IsDueForRenewal(sub, now) {
			return ErrNotEligible
		}
	case TriggerRetry:
		if !IsRetryCandidate(sub) {
			return ErrNotEligible
		}
	case TriggerManual:
		if sub.Status == StatusCancelled {
			return ErrSubscriptionNotActive
		}
	default:
		return fmt.Errorf("%w: unknown trigger %q", ErrNotEligible, trigger)
	}

	if trigger.Scheduled() && sub.LastAttemptAt != nil &&
		SameBillingDay(*sub.LastAttemptAt, now, e.config.Location) {
		return ErrAlreadyAttempted
	}
	return nil
}

func (e *Executor) attempt(ctx context.Context, sub *Subscription, trigger Trigger,
	now time.Time, out *ChargeOutcome) *ChargeOutcome {
	log := e.config.Logger
	fields := append(subscriptionFields(sub), Field{Key: "trigger", Value: string(trigger)})

	key, err := e.ledger.FindBillingKey(ctx, sub.UserID)
	if err != nil {
		if !errors.Is(err, ErrBillingKeyNotFound) {
			return e.skip(out, fmt.Errorf("find billing key: %w", err))
		}
		log.Warn("no payment method for subscription", fields...)
		return e.fail(ctx, sub, now, out, ErrNoPaymentMethod, nil)
	}

	info, amount, fellBack, err := ResolveCharge(sub.Plan, e.config.StrictPlans)
	if err != nil {
		log.Error("refusing to charge unknown plan", append(fields, errField(err))...)
		return e.skip(out, err)
	}
	if fellBack {
		log.Warn("unknown plan, charging fallback plan price",
			append(fields, Field{Key: "fallback_plan", Value: string(info.Code)})...)
	}

	orderID := NewOrderID(e.config.OrderIDPrefix, now)
	out.Amount = amount
	out.OrderID = orderID

	receipt, err := e.callGateway(ctx, key.Token, ChargeRequest{
		CustomerKey: key.CustomerKey,
		Amount:      amount,
		OrderID:     orderID,
		OrderName:   OrderName(e.config.ProductName, info),
	})
	if err != nil {
		log.Warn("charge failed", append(fields,
			Field{Key: "order_id", Value: orderID}, errField(err))...)
		return e.fail(ctx, sub, now, out, err, &Payment{
			OrderID:        orderID,
			UserID:         sub.UserID,
			SubscriptionID: sub.ID,
			Plan:           info.Code,
			Amount:         amount,
			Status:         PaymentFailed,
			Type:           PaymentRecurring,
			FailureReason:  GatewayMessage(err),
			CreatedAt:      now,
		})
	}

	out.PaymentKey = receipt.PaymentKey
	completedAt := now
	payment := &Payment{
		OrderID:        orderID,
		UserID:         sub.UserID,
		SubscriptionID: sub.ID,
		Plan:           info.Code,
		Amount:         amount,
		Status:         PaymentCompleted,
		Type:           PaymentRecurring,
		PaymentKey:     receipt.PaymentKey,
		ReceiptURL:     receipt.ReceiptURL,
		CreatedAt:      now,
		CompletedAt:    &completedAt,
	}

	out.Result = ChargeSucceeded
	updated, err := e.commit(ctx, sub.ID, &ChargeCommit{Succeeded: true, At: now, Payment: payment})
	if err != nil {
		// The customer has been charged; the record must be repaired by hand.
		log.Error("charge succeeded but ledger commit failed", append(fields,
			Field{Key: "order_id", Value: orderID},
			Field{Key: "payment_key", Value: receipt.PaymentKey},
			Field{Key: "amount", Value: amount},
			errField(err))...)
		out.Err = fmt.Errorf("commit charge outcome: %w", err)
		return out
	}
	out.Subscription = updated

	log.Info("charge succeeded", append(fields,
		Field{Key: "order_id", Value: orderID},
		Field{Key: "amount", Value: amount})...)
	e.notify(ctx, sub.UserID, func(nctx context.Context) error {
		return e.config.Notifier.NotifyChargeSucceeded(nctx, sub.UserID, amount)
	})
	return out
}

// fail counts a failed attempt. payment is nil when nothing reached the gateway.
func (e *Executor) fail(ctx context.Context, sub *Subscription, now time.Time,
	out *ChargeOutcome, cause error, payment *Payment) *ChargeOutcome {
	out.Result = ChargeFailed
	out.Err = cause

	updated, err := e.commit(ctx, sub.ID, &ChargeCommit{Succeeded: false, At: now, Payment: payment})
	if err != nil {
		e.config.Logger.Error("failed to record charge failure",
			append(subscriptionFields(sub), errField(err))...)
		out.Err = fmt.Errorf("%w (commit: %v)", cause, err)
		return out
	}
	out.Subscription = updated

	if sub.Status == StatusActive && updated.Status == StatusPaymentFailed {
		e.config.Logger.Warn("subscription paused after repeated charge failures",
			append(subscriptionFields(updated), Field{Key: "failed_attempts", Value: updated.FailedAttempts})...)
		e.notify(ctx, sub.UserID, func(nctx context.Context) error {
			return e.config.Notifier.NotifyChargeFailed(nctx, sub.UserID)
		})
	}
	return out
}

func (e *Executor) skip(out *ChargeOutcome, err error) *ChargeOutcome {
	out.Result = ChargeSkipped
	out.Err = err
	e.config.Logger.Debug("charge skipped",
		Field{Key: "subscription_id", Value: out.SubscriptionID},
		Field{Key: "trigger", Value: string(out.Trigger)},
		errField(err))
	return out
}

// callGateway charges under GatewayTimeout. The call is detached from ctx
// cancellation: an attempt in flight runs to completion or timeout.
func (e *Executor) callGateway(ctx context.Context, billingKey string, req ChargeRequest) (*ChargeReceipt, error) {
	gwCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.config.GatewayTimeout)
	defer cancel()

	start := time.Now()
	receipt, err := e.gateway.ChargeBillingKey(gwCtx, billingKey, req)
	err = normalizeGatewayError(gwCtx, err)
	e.config.Metrics.RecordGatewayCall("charge_billing_key", gatewayStatus(err), time.Since(start))
	if err == nil && receipt == nil {
		err = &GatewayError{Message: "empty charge response", Err: ErrGatewayUnreachable}
	}
	return receipt, err
}

func (e *Executor) commit(ctx context.Context, subscriptionID string, commit *ChargeCommit) (*Subscription, error) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.config.CommitTimeout)
	defer cancel()

	start := time.Now()
	updated, err := e.ledger.CommitChargeOutcome(cctx, subscriptionID, commit)
	e.config.Metrics.RecordStorageOperation("commit_charge_outcome", time.Since(start), err)
	return updated, err
}

func (e *Executor) notify(ctx context.Context, userID string, fn func(context.Context) error) {
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.config.GatewayTimeout)
	defer cancel()
	if err := fn(nctx); err != nil {
		e.config.Logger.Warn("notification failed", Field{Key: "user_id", Value: userID}, errField(err))
	}
}

// normalizeGatewayError maps any gateway error onto the charge failure taxonomy
func normalizeGatewayError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		if errors.Is(err, ErrGatewayTimeout) {
			return err
		}
		return &GatewayError{Message: err.Error(), Err: ErrGatewayTimeout}
	}
	if IsGatewayFailure(err) {
		return err
	}
	return &GatewayError{Message: err.Error(), Err: ErrGatewayUnreachable}
}

func gatewayStatus(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrGatewayRejected):
		return "rejected"
	case errors.Is(err, ErrGatewayTimeout):
		return "timeout"
	default:
		return "unreachable"
	}
}
