package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics implements billing.Metrics using Prometheus.
type Metrics struct {
	chargesTotal               *prometheus.CounterVec
	chargedAmountTotal         *prometheus.CounterVec
	chargeDuration             *prometheus.HistogramVec
	sweepsTotal                *prometheus.CounterVec
	sweepSubscriptions         *prometheus.CounterVec
	sweepDuration              *prometheus.HistogramVec
	gatewayCallsTotal          *prometheus.CounterVec
	gatewayCallDuration        *prometheus.HistogramVec
	webhookEventsTotal         *prometheus.CounterVec
	storageOpsDuration         *prometheus.HistogramVec
	storageOpsErrors           *prometheus.CounterVec
	circuitBreakerStateChanges *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		chargesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "charges_total",
			Help:      "Total number of charge attempts by trigger, plan and result.",
		}, []string{"trigger", "plan", "result"}),

		chargedAmountTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "charged_amount_total",
			Help:      "Total amount successfully charged, in the smallest currency unit.",
		}, []string{"plan"}),

		chargeDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "charge_duration_seconds",
			Help:      "Latency of full charge attempts including the ledger commit.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"trigger"}),

		sweepsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweeps_total",
			Help:      "Total number of finished sweeps.",
		}, []string{"kind"}),

		sweepSubscriptions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_subscriptions_total",
			Help:      "Subscriptions handled by sweeps, by outcome.",
		}, []string{"kind", "outcome"}),

		sweepDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Wall time of sweeps.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300, 900},
		}, []string{"kind"}),

		gatewayCallsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_calls_total",
			Help:      "Total number of payment gateway calls by operation and status.",
		}, []string{"operation", "status"}),

		gatewayCallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gateway_call_duration_seconds",
			Help:      "Latency of payment gateway calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		webhookEventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_events_total",
			Help:      "Total number of reconciled webhook events.",
		}, []string{"event_type", "status"}),

		storageOpsDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "storage_operation_duration_seconds",
			Help:      "Latency of ledger operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		storageOpsErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_operation_errors_total",
			Help:      "Total number of ledger operation errors.",
		}, []string{"operation"}),

		circuitBreakerStateChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state_changes_total",
			Help:      "Total number of gateway circuit breaker state changes.",
		}, []string{"state"}),
	}
}

func (m *Metrics) RecordCharge(trigger, plan, result string, amount int64) {
	m.chargesTotal.WithLabelValues(trigger, plan, result).Inc()
	if result == "succeeded" {
		m.chargedAmountTotal.WithLabelValues(plan).Add(float64(amount))
	}
}

func (m *Metrics) RecordChargeDuration(trigger string, duration time.Duration) {
	m.chargeDuration.WithLabelValues(trigger).Observe(duration.Seconds())
}

func (m *Metrics) RecordSweep(kind string, selected, succeeded, failed, skipped int, duration time.Duration) {
	m.sweepsTotal.WithLabelValues(kind).Inc()
	m.sweepSubscriptions.WithLabelValues(kind, "selected").Add(float64(selected))
	m.sweepSubscriptions.WithLabelValues(kind, "succeeded").Add(float64(succeeded))
	m.sweepSubscriptions.WithLabelValues(kind, "failed").Add(float64(failed))
	m.sweepSubscriptions.WithLabelValues(kind, "skipped").Add(float64(skipped))
	m.sweepDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

func (m *Metrics) RecordGatewayCall(operation, status string, duration time.Duration) {
	m.gatewayCallsTotal.WithLabelValues(operation, status).Inc()
	m.gatewayCallDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

func (m *Metrics) RecordWebhookEvent(eventType, status string) {
	m.webhookEventsTotal.WithLabelValues(eventType, status).Inc()
}

func (m *Metrics) RecordStorageOperation(operation string, duration time.Duration, err error) {
	m.storageOpsDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.storageOpsErrors.WithLabelValues(operation).Inc()
	}
}

func (m *Metrics) RecordCircuitBreakerStateChange(state string) {
	m.circuitBreakerStateChanges.WithLabelValues(state).Inc()
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
