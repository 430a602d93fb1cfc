package billing

import (
	"context"
	"fmt"
	"time"
)

// Config holds settings shared by the Executor, Reconciler and Manager
type Config struct {
	// ProductName prefixes order names sent to the gateway (default: "ESG Insight")
	ProductName string

	// OrderIDPrefix prefixes generated order ids (default: "ESG")
	OrderIDPrefix string

	// StrictPlans makes charges for unknown plan codes fail with ErrUnknownPlan
	// instead of billing the professional price
	StrictPlans bool

	// GatewayTimeout bounds every gateway call (default: 30 seconds)
	GatewayTimeout time.Duration

	// CommitTimeout bounds the ledger commit after a gateway call (default: 10 seconds)
	CommitTimeout time.Duration

	// LockTimeout bounds waiting for a subscription lock outside sweeps (default: 15 seconds)
	LockTimeout time.Duration

	// Location defines calendar days for the once-per-day attempt guard (default: UTC)
	Location *time.Location

	// Now returns the current time (default: time.Now)
	Now func() time.Time

	// Locker serializes work per subscription (default: in-process KeyedLocker)
	Locker Locker

	// Notifier receives charge results (default: NoopNotifier)
	Notifier Notifier

	// Metrics is used for tracking billing operations (default: NoopMetrics)
	Metrics Metrics

	// Logger is used for structured logging (default: NoopLogger)
	Logger Logger

	// CircuitBreakerConfig wraps the gateway in a circuit breaker when enabled
	CircuitBreakerConfig *CircuitBreakerConfig
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	cfg := Config{}
	cfg.setDefaults()
	return cfg
}

func (c *Config) setDefaults() {
	if c.ProductName == "" {
		c.ProductName = "ESG Insight"
	}
	if c.OrderIDPrefix == "" {
		c.OrderIDPrefix = DefaultOrderPrefix
	}
	if c.GatewayTimeout <= 0 {
		c.GatewayTimeout = 30 * time.Second
	}
	if c.CommitTimeout <= 0 {
		c.CommitTimeout = 10 * time.Second
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = 15 * time.Second
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Locker == nil {
		c.Locker = NewKeyedLocker()
	}
	if c.Notifier == nil {
		c.Notifier = NoopNotifier{}
	}
	if c.Metrics == nil {
		c.Metrics = &NoopMetrics{}
	}
	if c.Logger == nil {
		c.Logger = &NoopLogger{}
	}
}

func (c *Config) validate() error {
	if len(c.OrderIDPrefix) > 16 {
		return fmt.Errorf("%w: order id prefix longer than 16 characters", ErrInvalidConfig)
	}
	if cb := c.CircuitBreakerConfig; cb != nil && cb.Enabled && cb.FailureThreshold < 0 {
		return fmt.Errorf("%w: negative circuit breaker threshold", ErrInvalidConfig)
	}
	return nil
}

// currentTime prefers the storage engine clock so replicas agree on cut-offs
func currentTime(ctx context.Context, ledger Ledger, now func() time.Time) time.Time {
	if ts, ok := ledger.(TimeSource); ok {
		if t, err := ts.Now(ctx); err == nil {
			return t.UTC()
		}
	}
	return now().UTC()
}

func subscriptionLockKey(id string) string {
	return "subscription:" + id
}

func orderLockKey(orderID string) string {
	return "order:" + orderID
}
