// Package memory provides an in-memory implementation of the billing.Ledger interface.
// This implementation is suitable for testing and single-instance deployments.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mihaimyh/gobilling/pkg/billing"
)

// Storage implements billing.Ledger with in-memory storage
type Storage struct {
	mu sync.RWMutex

	subscriptions map[string]*billing.Subscription // subscription id -> subscription
	payments      map[string]*storedPayment        // order id -> payment
	paymentKeys   map[string]string                // payment key -> order id
	billingKeys   map[string]*billing.BillingKey   // user id -> key
	seq           int64
}

type storedPayment struct {
	payment *billing.Payment
	seq     int64
}

// New creates a new in-memory ledger
func New() *Storage {
	return &Storage{
		subscriptions: make(map[string]*billing.Subscription),
		payments:      make(map[string]*storedPayment),
		paymentKeys:   make(map[string]string),
		billingKeys:   make(map[string]*billing.BillingKey),
	}
}

// FindDueForRenewal implements billing.Ledger
func (s *Storage) FindDueForRenewal(_ context.Context, now time.Time) ([]*billing.Subscription, error) {
	return s.filter(func(sub *billing.Subscription) bool {
		return billing.IsDueForRenewal(sub, now)
	}), nil
}

// FindRetryCandidates implements billing.Ledger
func (s *Storage) FindRetryCandidates(_ context.Context) ([]*billing.Subscription, error) {
	return s.filter(billing.IsRetryCandidate), nil
}

func (s *Storage) filter(match func(*billing.Subscription) bool) []*billing.Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*billing.Subscription
	for _, sub := range s.subscriptions {
		if match(sub) {
			out = append(out, sub.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CurrentPeriodEnd.Equal(out[j].CurrentPeriodEnd) {
			return out[i].ID < out[j].ID
		}
		return out[i].CurrentPeriodEnd.Before(out[j].CurrentPeriodEnd)
	})
	return out
}

// FindActiveSubscription implements billing.Ledger
func (s *Storage) FindActiveSubscription(_ context.Context, userID string) (*billing.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *billing.Subscription
	for _, sub := range s.subscriptions {
		if sub.UserID != userID || sub.Status != billing.StatusActive {
			continue
		}
		if found == nil || sub.CreatedAt.After(found.CreatedAt) {
			found = sub
		}
	}
	if found == nil {
		return nil, billing.ErrSubscriptionNotFound
	}
	return found.Clone(), nil
}

// GetSubscription implements billing.Ledger
func (s *Storage) GetSubscription(_ context.Context, id string) (*billing.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subscriptions[id]
	if !ok {
		return nil, billing.ErrSubscriptionNotFound
	}
	return sub.Clone(), nil
}

// CreateSubscription implements billing.Ledger
func (s *Storage) CreateSubscription(_ context.Context, sub *billing.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.subscriptions[sub.ID] = sub.Clone()
	return nil
}

// CommitChargeOutcome implements billing.Ledger
func (s *Storage) CommitChargeOutcome(_ context.Context, subscriptionID string,
	commit *billing.ChargeCommit) (*billing.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subscriptions[subscriptionID]
	if !ok {
		return nil, billing.ErrSubscriptionNotFound
	}
	if commit.Payment != nil {
		if _, exists := s.payments[commit.Payment.OrderID]; exists {
			return nil, billing.ErrDuplicateOrderID
		}
	}

	updated := sub.Clone()
	billing.ApplyChargeCommit(updated, commit)
	s.subscriptions[subscriptionID] = updated
	if commit.Payment != nil {
		s.insertPayment(commit.Payment)
	}
	return updated.Clone(), nil
}

// CancelSubscription implements billing.Ledger
func (s *Storage) CancelSubscription(_ context.Context, subscriptionID, userID string,
	at time.Time) (*billing.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subscriptions[subscriptionID]
	if !ok || sub.UserID != userID {
		return nil, billing.ErrSubscriptionNotFound
	}
	if sub.Status == billing.StatusCancelled {
		return nil, billing.ErrSubscriptionNotActive
	}
	sub.Status = billing.StatusCancelled
	sub.CancelledAt = &at
	sub.UpdatedAt = at
	return sub.Clone(), nil
}

// AppendPayment implements billing.Ledger
func (s *Storage) AppendPayment(_ context.Context, payment *billing.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.payments[payment.OrderID]; exists {
		return billing.ErrDuplicateOrderID
	}
	s.insertPayment(payment)
	return nil
}

func (s *Storage) insertPayment(payment *billing.Payment) {
	s.seq++
	s.payments[payment.OrderID] = &storedPayment{payment: payment.Clone(), seq: s.seq}
	if payment.PaymentKey != "" {
		s.paymentKeys[payment.PaymentKey] = payment.OrderID
	}
}

// GetPaymentByOrderID implements billing.Ledger
func (s *Storage) GetPaymentByOrderID(_ context.Context, orderID string) (*billing.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.payments[orderID]
	if !ok {
		return nil, billing.ErrPaymentNotFound
	}
	return p.payment.Clone(), nil
}

// GetPaymentByKey implements billing.Ledger
func (s *Storage) GetPaymentByKey(_ context.Context, paymentKey string) (*billing.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	orderID, ok := s.paymentKeys[paymentKey]
	if !ok {
		return nil, billing.ErrPaymentNotFound
	}
	return s.payments[orderID].payment.Clone(), nil
}

// CompletePayment implements billing.Ledger
func (s *Storage) CompletePayment(_ context.Context, orderID string,
	completion *billing.PaymentCompletion) (*billing.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payments[orderID]
	if !ok {
		return nil, billing.ErrPaymentNotFound
	}
	if p.payment.Status != billing.PaymentPending {
		return nil, billing.ErrPaymentAlreadyCompleted
	}

	completedAt := completion.CompletedAt
	p.payment.Status = billing.PaymentCompleted
	p.payment.PaymentKey = completion.PaymentKey
	p.payment.ReceiptURL = completion.ReceiptURL
	p.payment.SubscriptionID = completion.SubscriptionID
	p.payment.CompletedAt = &completedAt
	if completion.PaymentKey != "" {
		s.paymentKeys[completion.PaymentKey] = orderID
	}
	return p.payment.Clone(), nil
}

// UpdatePaymentStatus implements billing.Ledger
func (s *Storage) UpdatePaymentStatus(_ context.Context, paymentKey string,
	status billing.PaymentStatus) (*billing.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	orderID, ok := s.paymentKeys[paymentKey]
	if !ok {
		return nil, nil
	}
	p := s.payments[orderID]
	p.payment.Status = status
	return p.payment.Clone(), nil
}

// ListPayments implements billing.Ledger
func (s *Storage) ListPayments(_ context.Context, userID string) ([]*billing.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*storedPayment
	for _, p := range s.payments {
		if p.payment.UserID == userID {
			matched = append(matched, p)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if a.payment.CreatedAt.Equal(b.payment.CreatedAt) {
			return a.seq > b.seq
		}
		return a.payment.CreatedAt.After(b.payment.CreatedAt)
	})

	out := make([]*billing.Payment, 0, len(matched))
	for _, p := range matched {
		out = append(out, p.payment.Clone())
	}
	return out, nil
}

// FindBillingKey implements billing.Ledger
func (s *Storage) FindBillingKey(_ context.Context, userID string) (*billing.BillingKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key, ok := s.billingKeys[userID]
	if !ok {
		return nil, billing.ErrBillingKeyNotFound
	}
	k := *key
	return &k, nil
}

// SaveBillingKey implements billing.Ledger
func (s *Storage) SaveBillingKey(_ context.Context, key *billing.BillingKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := *key
	s.billingKeys[key.UserID] = &k
	return nil
}

// DeleteBillingKeyByToken implements billing.Ledger
func (s *Storage) DeleteBillingKeyByToken(_ context.Context, token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for userID, key := range s.billingKeys {
		if key.Token == token {
			delete(s.billingKeys, userID)
			return true, nil
		}
	}
	return false, nil
}

// Clear removes all data (useful for testing)
func (s *Storage) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.subscriptions = make(map[string]*billing.Subscription)
	s.payments = make(map[string]*storedPayment)
	s.paymentKeys = make(map[string]string)
	s.billingKeys = make(map[string]*billing.BillingKey)
	s.seq = 0
}
