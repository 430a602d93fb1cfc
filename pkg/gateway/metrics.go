package gateway

import "time"

// Metrics defines the interface for tracking gateway adapter operations.
// All methods are optional - providers should gracefully handle nil metrics.
type Metrics interface {
	// RecordWebhookEvent records a webhook event received from the gateway.
	// eventType: The type of event (e.g., "PAYMENT_STATUS_CHANGED", "payment_intent.canceled")
	// status: "applied", "ignored" or "error"
	RecordWebhookEvent(provider, eventType, status string)

	// RecordWebhookProcessingDuration records how long it took to process a webhook.
	RecordWebhookProcessingDuration(provider, eventType string, duration time.Duration)

	// RecordWebhookError records a webhook rejected before reconciliation.
	// errorType: The type of error (e.g., "auth_failed", "invalid_payload", "payload_too_large")
	RecordWebhookError(provider, errorType string)

	// RecordAPICall records an API call to the gateway.
	// endpoint: The API endpoint called (e.g., "/v1/billing/{billingKey}")
	// status: HTTP status code as string (e.g., "200", "403"), or "error" on transport failure
	RecordAPICall(provider, endpoint, status string)

	// RecordAPICallDuration records how long an API call took.
	RecordAPICallDuration(provider, endpoint string, duration time.Duration)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhookEvent(_, _, _ string)                            {}
func (n *NoopMetrics) RecordWebhookProcessingDuration(_, _ string, _ time.Duration) {}
func (n *NoopMetrics) RecordWebhookError(_, _ string)                               {}
func (n *NoopMetrics) RecordAPICall(_, _, _ string)                                 {}
func (n *NoopMetrics) RecordAPICallDuration(_, _ string, _ time.Duration)           {}
