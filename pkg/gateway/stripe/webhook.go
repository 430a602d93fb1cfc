package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/gobilling/pkg/billing"
	"github.com/mihaimyh/gobilling/pkg/gateway/internal"
)

// Gateway-neutral statuses written for Stripe events, matching what Toss reports
const (
	statusCanceled        = "CANCELED"
	statusPartialCanceled = "PARTIAL_CANCELED"
	statusAborted         = "ABORTED"
)

// handleWebhook verifies a Stripe event and hands its billing meaning to the reconciler
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	internal.SetSecurityHeaders(w)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if p.webhookSecret == "" || p.config.Reconciler == nil {
		http.Error(w, "webhook not configured", http.StatusServiceUnavailable)
		return
	}

	body, err := internal.ReadBodyStrict(w, r, internal.MaxWebhookBody)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			p.metrics.RecordWebhookError(providerName, "payload_too_large")
		} else {
			http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
			p.metrics.RecordWebhookError(providerName, "invalid_payload")
		}
		return
	}

	event, err := webhook.ConstructEventWithOptions(body, r.Header.Get("Stripe-Signature"), p.webhookSecret,
		webhook.ConstructEventOptions{
			Tolerance:                p.config.WebhookTolerance,
			IgnoreAPIVersionMismatch: true,
		})
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		p.metrics.RecordWebhookError(providerName, "auth_failed")
		return
	}

	eventType := string(event.Type)
	status, err := p.processWebhookEvent(r.Context(), &event)
	p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
	if err != nil {
		p.metrics.RecordWebhookEvent(providerName, eventType, "error")
		p.logger.Error("stripe webhook reconciliation failed",
			billing.Field{Key: "event_type", Value: eventType},
			billing.Field{Key: "error", Value: err})
		http.Error(w, "failed to process webhook", http.StatusInternalServerError)
		return
	}

	p.metrics.RecordWebhookEvent(providerName, eventType, status)
	_ = internal.WriteJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// processWebhookEvent translates a Stripe event and applies it.
// Events with no billing meaning are acknowledged as ignored.
func (p *Provider) processWebhookEvent(ctx context.Context, event *stripe.Event) (string, error) {
	translated, err := translateEvent(event)
	if err != nil {
		// A verified event we cannot decode will not decode on redelivery either
		p.logger.Warn("stripe webhook payload not understood",
			billing.Field{Key: "event_type", Value: string(event.Type)},
			billing.Field{Key: "error", Value: err})
		return string(billing.ReconcileIgnored), nil
	}
	if translated == nil {
		return string(billing.ReconcileIgnored), nil
	}

	result, err := p.config.Reconciler.Apply(ctx, translated)
	if err != nil {
		return "", err
	}
	return string(result), nil
}

// translateEvent maps a Stripe event onto a billing.WebhookEvent, or nil
func translateEvent(event *stripe.Event) (*billing.WebhookEvent, error) {
	switch event.Type {
	case "payment_intent.canceled", "payment_intent.payment_failed":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return nil, fmt.Errorf("failed to unmarshal payment intent: %w", err)
		}
		status := statusCanceled
		if event.Type == "payment_intent.payment_failed" {
			status = statusAborted
		}
		return paymentStatusChanged(pi.ID, pi.Metadata[metadataOrderID], status), nil

	case "charge.refunded":
		var charge stripe.Charge
		if err := json.Unmarshal(event.Data.Raw, &charge); err != nil {
			return nil, fmt.Errorf("failed to unmarshal charge: %w", err)
		}
		if charge.PaymentIntent == nil {
			return nil, nil
		}
		status := statusPartialCanceled
		if charge.Refunded {
			status = statusCanceled
		}
		return paymentStatusChanged(charge.PaymentIntent.ID, charge.Metadata[metadataOrderID], status), nil

	case "payment_method.detached":
		var pm stripe.PaymentMethod
		if err := json.Unmarshal(event.Data.Raw, &pm); err != nil {
			return nil, fmt.Errorf("failed to unmarshal payment method: %w", err)
		}
		return &billing.WebhookEvent{
			EventType: billing.EventBillingKeyDeleted,
			Data:      billing.WebhookData{BillingKey: pm.ID},
		}, nil

	default:
		return nil, nil
	}
}

func paymentStatusChanged(paymentKey, orderID, status string) *billing.WebhookEvent {
	return &billing.WebhookEvent{
		EventType: billing.EventPaymentStatusChanged,
		Data: billing.WebhookData{
			PaymentKey: paymentKey,
			OrderID:    orderID,
			Status:     status,
		},
	}
}
