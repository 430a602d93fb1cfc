package billing

import "time"

// Metrics defines the interface for tracking billing operations.
type Metrics interface {
	// RecordCharge records the result of one charge attempt.
	// result is one of "succeeded", "failed" or "skipped".
	RecordCharge(trigger, plan, result string, amount int64)

	// RecordChargeDuration records the wall time of a full charge attempt.
	RecordChargeDuration(trigger string, duration time.Duration)

	// RecordSweep records a finished sweep.
	RecordSweep(kind string, selected, succeeded, failed, skipped int, duration time.Duration)

	// RecordGatewayCall records one outbound gateway call.
	// status is "ok", "rejected", "unreachable" or "timeout".
	RecordGatewayCall(operation, status string, duration time.Duration)

	// RecordWebhookEvent records a reconciled webhook event.
	// status is "applied", "ignored" or "error".
	RecordWebhookEvent(eventType, status string)

	// RecordStorageOperation records the duration and status of a ledger operation.
	RecordStorageOperation(operation string, duration time.Duration, err error)

	// RecordCircuitBreakerStateChange records a circuit breaker state change.
	RecordCircuitBreakerStateChange(state string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordCharge(_, _, _ string, _ int64)                       {}
func (n *NoopMetrics) RecordChargeDuration(_ string, _ time.Duration)             {}
func (n *NoopMetrics) RecordSweep(_ string, _, _, _, _ int, _ time.Duration)      {}
func (n *NoopMetrics) RecordGatewayCall(_, _ string, _ time.Duration)             {}
func (n *NoopMetrics) RecordWebhookEvent(_, _ string)                             {}
func (n *NoopMetrics) RecordStorageOperation(_ string, _ time.Duration, _ error) {}
func (n *NoopMetrics) RecordCircuitBreakerStateChange(_ string)                   {}
