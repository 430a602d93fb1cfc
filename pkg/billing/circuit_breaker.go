package billing

import (
	"context"
	"errors"
	"sync"
	"time"
)

// CircuitBreakerState represents the current state of the circuit breaker.
type CircuitBreakerState string

const (
	StateClosed   CircuitBreakerState = "closed"
	StateOpen     CircuitBreakerState = "open"
	StateHalfOpen CircuitBreakerState = "half_open"
)

// ErrCircuitOpen is returned when the circuit breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreaker defines the interface for a circuit breaker.
type CircuitBreaker interface {
	// Execute executes the given function within the circuit breaker.
	Execute(ctx context.Context, fn func() error) error
	Success()
	Failure(err error)
	State() CircuitBreakerState
}

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	// Enabled determines if the circuit breaker is active
	Enabled bool

	// FailureThreshold is the number of consecutive failures before opening the circuit (default: 5)
	FailureThreshold int

	// ResetTimeout is how long the circuit stays open before a trial call (default: 30 seconds)
	ResetTimeout time.Duration
}

// DefaultCircuitBreaker is a consecutive-failure circuit breaker.
type DefaultCircuitBreaker struct {
	mu sync.RWMutex

	state               CircuitBreakerState
	failureThreshold    int
	resetTimeout        time.Duration
	consecutiveFailures int
	lastFailureTime     time.Time

	onStateChange func(state CircuitBreakerState)
}

// NewDefaultCircuitBreaker creates a new default circuit breaker.
func NewDefaultCircuitBreaker(failureThreshold int, resetTimeout time.Duration,
	onStateChange func(state CircuitBreakerState)) *DefaultCircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}
	return &DefaultCircuitBreaker{
		state:            StateClosed,
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		onStateChange:    onStateChange,
	}
}

func (cb *DefaultCircuitBreaker) State() CircuitBreakerState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.currentState()
}

func (cb *DefaultCircuitBreaker) currentState() CircuitBreakerState {
	if cb.state == StateOpen && time.Since(cb.lastFailureTime) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

func (cb *DefaultCircuitBreaker) Execute(_ context.Context, fn func() error) error {
	if cb.State() == StateOpen {
		return ErrCircuitOpen
	}

	if err := fn(); err != nil {
		cb.Failure(err)
		return err
	}

	cb.Success()
	return nil
}

func (cb *DefaultCircuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != StateClosed {
		cb.changeState(StateClosed)
	}
	cb.consecutiveFailures = 0
}

func (cb *DefaultCircuitBreaker) Failure(_ error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	cb.lastFailureTime = time.Now()

	if cb.state == StateClosed && cb.consecutiveFailures >= cb.failureThreshold {
		cb.changeState(StateOpen)
	}
}

func (cb *DefaultCircuitBreaker) changeState(newState CircuitBreakerState) {
	if cb.state != newState {
		cb.state = newState
		if cb.onStateChange != nil {
			cb.onStateChange(newState)
		}
	}
}

// CircuitBreakerGateway wraps a Gateway so that infrastructure failures open
// the circuit. Card declines and other rejections pass through without
// counting against the breaker.
type CircuitBreakerGateway struct {
	gateway Gateway
	cb      CircuitBreaker
}

// NewCircuitBreakerGateway creates a new gateway wrapper with circuit breaker.
func NewCircuitBreakerGateway(gateway Gateway, cb CircuitBreaker) *CircuitBreakerGateway {
	return &CircuitBreakerGateway{gateway: gateway, cb: cb}
}

func (g *CircuitBreakerGateway) run(ctx context.Context, fn func() error) error {
	var callErr error
	err := g.cb.Execute(ctx, func() error {
		callErr = fn()
		if callErr != nil && !errors.Is(callErr, ErrGatewayRejected) {
			return callErr
		}
		return nil
	})
	if errors.Is(err, ErrCircuitOpen) {
		return &GatewayError{Message: "circuit breaker is open", Err: ErrGatewayUnreachable}
	}
	return callErr
}

func (g *CircuitBreakerGateway) ChargeBillingKey(ctx context.Context, billingKey string,
	req ChargeRequest) (*ChargeReceipt, error) {
	var receipt *ChargeReceipt
	err := g.run(ctx, func() error {
		var e error
		receipt, e = g.gateway.ChargeBillingKey(ctx, billingKey, req)
		return e
	})
	return receipt, err
}

func (g *CircuitBreakerGateway) IssueBillingKey(ctx context.Context, authKey, customerKey string) (*IssuedBillingKey, error) {
	var issued *IssuedBillingKey
	err := g.run(ctx, func() error {
		var e error
		issued, e = g.gateway.IssueBillingKey(ctx, authKey, customerKey)
		return e
	})
	return issued, err
}

func (g *CircuitBreakerGateway) ConfirmPayment(ctx context.Context, paymentKey, orderID string,
	amount int64) (*Confirmation, error) {
	var conf *Confirmation
	err := g.run(ctx, func() error {
		var e error
		conf, e = g.gateway.ConfirmPayment(ctx, paymentKey, orderID, amount)
		return e
	})
	return conf, err
}
