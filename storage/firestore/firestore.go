// Package firestore provides a Firestore implementation of the billing.Ledger interface.
// This implementation uses Google Cloud Firestore transactions so a charge outcome
// and its payment record are written together.
package firestore

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/gobilling/pkg/billing"
)

// Storage implements billing.Ledger using Google Cloud Firestore
type Storage struct {
	client                  *firestore.Client
	subscriptionsCollection string
	paymentsCollection      string
	billingKeysCollection   string
	metaCollection          string
}

// Config holds Firestore storage configuration
type Config struct {
	// SubscriptionsCollection is the Firestore collection for subscriptions
	// Default: "billing_subscriptions"
	SubscriptionsCollection string

	// PaymentsCollection is the Firestore collection for payment records, keyed by order id
	// Default: "billing_payments"
	PaymentsCollection string

	// BillingKeysCollection is the Firestore collection for billing keys, keyed by user id
	// Default: "billing_keys"
	BillingKeysCollection string

	// MetaCollection holds the clock document used by Now
	// Default: "billing_meta"
	MetaCollection string
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	// Set defaults
	if config.SubscriptionsCollection == "" {
		config.SubscriptionsCollection = "billing_subscriptions"
	}
	if config.PaymentsCollection == "" {
		config.PaymentsCollection = "billing_payments"
	}
	if config.BillingKeysCollection == "" {
		config.BillingKeysCollection = "billing_keys"
	}
	if config.MetaCollection == "" {
		config.MetaCollection = "billing_meta"
	}

	return &Storage{
		client:                  client,
		subscriptionsCollection: config.SubscriptionsCollection,
		paymentsCollection:      config.PaymentsCollection,
		billingKeysCollection:   config.BillingKeysCollection,
		metaCollection:          config.MetaCollection,
	}, nil
}

// --- Subscriptions ---

// FindDueForRenewal implements billing.Ledger.
// Requires a composite index on (status, currentPeriodEnd) outside the emulator.
func (s *Storage) FindDueForRenewal(ctx context.Context, now time.Time) ([]*billing.Subscription, error) {
	q := s.client.Collection(s.subscriptionsCollection).
		Where("status", "==", string(billing.StatusActive)).
		Where("currentPeriodEnd", "<=", now)
	subs, err := s.querySubscriptions(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to find due subscriptions: %w", err)
	}
	sortByPeriodEnd(subs)
	return subs, nil
}

// FindRetryCandidates implements billing.Ledger
func (s *Storage) FindRetryCandidates(ctx context.Context) ([]*billing.Subscription, error) {
	q := s.client.Collection(s.subscriptionsCollection).
		Where("status", "==", string(billing.StatusActive)).
		Where("failedAttempts", ">=", 1)
	subs, err := s.querySubscriptions(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to find retry candidates: %w", err)
	}

	candidates := subs[:0]
	for _, sub := range subs {
		if sub.FailedAttempts < billing.MaxFailedAttempts {
			candidates = append(candidates, sub)
		}
	}
	sortByPeriodEnd(candidates)
	return candidates, nil
}

// FindActiveSubscription implements billing.Ledger
func (s *Storage) FindActiveSubscription(ctx context.Context, userID string) (*billing.Subscription, error) {
	q := s.client.Collection(s.subscriptionsCollection).
		Where("userId", "==", userID).
		Where("status", "==", string(billing.StatusActive))
	subs, err := s.querySubscriptions(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to find active subscription: %w", err)
	}
	if len(subs) == 0 {
		return nil, billing.ErrSubscriptionNotFound
	}

	newest := subs[0]
	for _, sub := range subs[1:] {
		if sub.CreatedAt.After(newest.CreatedAt) {
			newest = sub
		}
	}
	return newest, nil
}

// GetSubscription implements billing.Ledger
func (s *Storage) GetSubscription(ctx context.Context, id string) (*billing.Subscription, error) {
	snap, err := s.client.Collection(s.subscriptionsCollection).Doc(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, billing.ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	if !snap.Exists() {
		return nil, billing.ErrSubscriptionNotFound
	}
	return subscriptionFromData(snap.Ref.ID, snap.Data()), nil
}

// CreateSubscription implements billing.Ledger
func (s *Storage) CreateSubscription(ctx context.Context, sub *billing.Subscription) error {
	if sub == nil || sub.ID == "" {
		return fmt.Errorf("invalid subscription")
	}
	_, err := s.client.Collection(s.subscriptionsCollection).Doc(sub.ID).Set(ctx, subscriptionData(sub))
	if err != nil {
		return fmt.Errorf("failed to create subscription: %w", err)
	}
	return nil
}

// CommitChargeOutcome implements billing.Ledger with a single transaction
// covering the subscription update and the payment record
func (s *Storage) CommitChargeOutcome(ctx context.Context, subscriptionID string,
	commit *billing.ChargeCommit) (*billing.Subscription, error) {
	subRef := s.client.Collection(s.subscriptionsCollection).Doc(subscriptionID)
	var updated *billing.Subscription

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		sub, err := txGetSubscription(tx, subRef)
		if err != nil {
			return err
		}

		var payRef *firestore.DocumentRef
		if commit.Payment != nil {
			payRef = s.client.Collection(s.paymentsCollection).Doc(commit.Payment.OrderID)
			snap, err := tx.Get(payRef)
			if err != nil && status.Code(err) != codes.NotFound {
				return err
			}
			if snap != nil && snap.Exists() {
				return billing.ErrDuplicateOrderID
			}
		}

		billing.ApplyChargeCommit(sub, commit)
		if err := tx.Set(subRef, subscriptionData(sub)); err != nil {
			return err
		}
		if payRef != nil {
			if err := tx.Create(payRef, paymentData(commit.Payment)); err != nil {
				return err
			}
		}

		updated = sub
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// CancelSubscription implements billing.Ledger
func (s *Storage) CancelSubscription(ctx context.Context, subscriptionID, userID string,
	at time.Time) (*billing.Subscription, error) {
	subRef := s.client.Collection(s.subscriptionsCollection).Doc(subscriptionID)
	var updated *billing.Subscription

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		sub, err := txGetSubscription(tx, subRef)
		if err != nil {
			return err
		}
		if sub.UserID != userID {
			return billing.ErrSubscriptionNotFound
		}
		if sub.Status == billing.StatusCancelled {
			return billing.ErrSubscriptionNotActive
		}

		at := at.UTC()
		sub.Status = billing.StatusCancelled
		sub.CancelledAt = &at
		sub.UpdatedAt = at
		if err := tx.Set(subRef, subscriptionData(sub)); err != nil {
			return err
		}
		updated = sub
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func txGetSubscription(tx *firestore.Transaction, ref *firestore.DocumentRef) (*billing.Subscription, error) {
	snap, err := tx.Get(ref)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, billing.ErrSubscriptionNotFound
		}
		return nil, err
	}
	if !snap.Exists() {
		return nil, billing.ErrSubscriptionNotFound
	}
	return subscriptionFromData(ref.ID, snap.Data()), nil
}

func (s *Storage) querySubscriptions(ctx context.Context, q firestore.Query) ([]*billing.Subscription, error) {
	docs, err := q.Documents(ctx).GetAll()
	if err != nil {
		return nil, err
	}
	subs := make([]*billing.Subscription, 0, len(docs))
	for _, doc := range docs {
		subs = append(subs, subscriptionFromData(doc.Ref.ID, doc.Data()))
	}
	return subs, nil
}

func sortByPeriodEnd(subs []*billing.Subscription) {
	sort.Slice(subs, func(i, j int) bool {
		if !subs[i].CurrentPeriodEnd.Equal(subs[j].CurrentPeriodEnd) {
			return subs[i].CurrentPeriodEnd.Before(subs[j].CurrentPeriodEnd)
		}
		return subs[i].ID < subs[j].ID
	})
}

// --- Payments ---

// AppendPayment implements billing.Ledger
func (s *Storage) AppendPayment(ctx context.Context, payment *billing.Payment) error {
	_, err := s.client.Collection(s.paymentsCollection).Doc(payment.OrderID).Create(ctx, paymentData(payment))
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return billing.ErrDuplicateOrderID
		}
		return fmt.Errorf("failed to append payment: %w", err)
	}
	return nil
}

// GetPaymentByOrderID implements billing.Ledger
func (s *Storage) GetPaymentByOrderID(ctx context.Context, orderID string) (*billing.Payment, error) {
	snap, err := s.client.Collection(s.paymentsCollection).Doc(orderID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, billing.ErrPaymentNotFound
		}
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}
	if !snap.Exists() {
		return nil, billing.ErrPaymentNotFound
	}
	return paymentFromData(snap.Ref.ID, snap.Data()), nil
}

// GetPaymentByKey implements billing.Ledger
func (s *Storage) GetPaymentByKey(ctx context.Context, paymentKey string) (*billing.Payment, error) {
	docs, err := s.paymentKeyQuery(paymentKey).Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}
	if len(docs) == 0 {
		return nil, billing.ErrPaymentNotFound
	}
	return paymentFromData(docs[0].Ref.ID, docs[0].Data()), nil
}

// CompletePayment implements billing.Ledger
func (s *Storage) CompletePayment(ctx context.Context, orderID string,
	completion *billing.PaymentCompletion) (*billing.Payment, error) {
	ref := s.client.Collection(s.paymentsCollection).Doc(orderID)
	var completed *billing.Payment

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return billing.ErrPaymentNotFound
			}
			return err
		}
		if !snap.Exists() {
			return billing.ErrPaymentNotFound
		}

		p := paymentFromData(orderID, snap.Data())
		if p.Status != billing.PaymentPending {
			return billing.ErrPaymentAlreadyCompleted
		}

		at := completion.CompletedAt.UTC()
		p.Status = billing.PaymentCompleted
		p.PaymentKey = completion.PaymentKey
		p.ReceiptURL = completion.ReceiptURL
		p.SubscriptionID = completion.SubscriptionID
		p.CompletedAt = &at
		err = tx.Update(ref, []firestore.Update{
			{Path: "status", Value: string(p.Status)},
			{Path: "paymentKey", Value: p.PaymentKey},
			{Path: "receiptUrl", Value: p.ReceiptURL},
			{Path: "subscriptionId", Value: p.SubscriptionID},
			{Path: "completedAt", Value: at},
		})
		if err != nil {
			return err
		}
		completed = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return completed, nil
}

// UpdatePaymentStatus implements billing.Ledger.
// Returns nil, nil when no payment carries paymentKey.
func (s *Storage) UpdatePaymentStatus(ctx context.Context, paymentKey string,
	newStatus billing.PaymentStatus) (*billing.Payment, error) {
	var updated *billing.Payment

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		updated = nil
		docs, err := tx.Documents(s.paymentKeyQuery(paymentKey)).GetAll()
		if err != nil {
			return err
		}
		if len(docs) == 0 {
			return nil
		}

		p := paymentFromData(docs[0].Ref.ID, docs[0].Data())
		p.Status = newStatus
		if err := tx.Update(docs[0].Ref, []firestore.Update{{Path: "status", Value: string(newStatus)}}); err != nil {
			return err
		}
		updated = p
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update payment status: %w", err)
	}
	return updated, nil
}

// ListPayments implements billing.Ledger
func (s *Storage) ListPayments(ctx context.Context, userID string) ([]*billing.Payment, error) {
	docs, err := s.client.Collection(s.paymentsCollection).
		Where("userId", "==", userID).
		Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}

	payments := make([]*billing.Payment, 0, len(docs))
	seqs := make(map[string]int64, len(docs))
	for _, doc := range docs {
		data := doc.Data()
		payments = append(payments, paymentFromData(doc.Ref.ID, data))
		seqs[doc.Ref.ID] = getInt64(data, "seq")
	}

	sort.Slice(payments, func(i, j int) bool {
		if !payments[i].CreatedAt.Equal(payments[j].CreatedAt) {
			return payments[i].CreatedAt.After(payments[j].CreatedAt)
		}
		return seqs[payments[i].OrderID] > seqs[payments[j].OrderID]
	})
	return payments, nil
}

func (s *Storage) paymentKeyQuery(paymentKey string) firestore.Query {
	return s.client.Collection(s.paymentsCollection).
		Where("paymentKey", "==", paymentKey).
		Limit(1)
}

// --- Billing keys ---

// FindBillingKey implements billing.Ledger
func (s *Storage) FindBillingKey(ctx context.Context, userID string) (*billing.BillingKey, error) {
	snap, err := s.client.Collection(s.billingKeysCollection).Doc(userID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, billing.ErrBillingKeyNotFound
		}
		return nil, fmt.Errorf("failed to get billing key: %w", err)
	}
	if !snap.Exists() {
		return nil, billing.ErrBillingKeyNotFound
	}

	data := snap.Data()
	return &billing.BillingKey{
		ID:          getString(data, "id"),
		UserID:      userID,
		Token:       getString(data, "billingKey"),
		CustomerKey: getString(data, "customerKey"),
		CardCompany: getString(data, "cardCompany"),
		CardNumber:  getString(data, "cardNumber"),
		CreatedAt:   getTime(data, "createdAt"),
	}, nil
}

// SaveBillingKey implements billing.Ledger. The user's previous key is replaced.
func (s *Storage) SaveBillingKey(ctx context.Context, key *billing.BillingKey) error {
	if key == nil || key.UserID == "" {
		return fmt.Errorf("invalid billing key")
	}

	_, err := s.client.Collection(s.billingKeysCollection).Doc(key.UserID).Set(ctx, map[string]interface{}{
		"id":          key.ID,
		"billingKey":  key.Token,
		"customerKey": key.CustomerKey,
		"cardCompany": key.CardCompany,
		"cardNumber":  key.CardNumber,
		"createdAt":   key.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to save billing key: %w", err)
	}
	return nil
}

// DeleteBillingKeyByToken implements billing.Ledger
func (s *Storage) DeleteBillingKeyByToken(ctx context.Context, token string) (bool, error) {
	q := s.client.Collection(s.billingKeysCollection).Where("billingKey", "==", token)
	var removed bool

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		removed = false
		docs, err := tx.Documents(q).GetAll()
		if err != nil {
			return err
		}
		for _, doc := range docs {
			if err := tx.Delete(doc.Ref); err != nil {
				return err
			}
			removed = true
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to delete billing key: %w", err)
	}
	return removed, nil
}

// --- TimeSource Support ---

// Now returns the Firestore server's commit time.
// Every replica reading it agrees on the sweep cut-off regardless of local clock skew.
func (s *Storage) Now(ctx context.Context) (time.Time, error) {
	res, err := s.client.Collection(s.metaCollection).Doc("clock").Set(ctx, map[string]interface{}{
		"now": firestore.ServerTimestamp,
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read server time: %w", err)
	}
	return res.UpdateTime.UTC(), nil
}

// --- Document mapping ---

func subscriptionData(sub *billing.Subscription) map[string]interface{} {
	data := map[string]interface{}{
		"userId":             sub.UserID,
		"plan":               string(sub.Plan),
		"status":             string(sub.Status),
		"currentPeriodStart": sub.CurrentPeriodStart,
		"currentPeriodEnd":   sub.CurrentPeriodEnd,
		"failedAttempts":     sub.FailedAttempts,
		"createdAt":          sub.CreatedAt,
		"updatedAt":          sub.UpdatedAt,
	}
	setTime(data, "lastPaymentAt", sub.LastPaymentAt)
	setTime(data, "lastAttemptAt", sub.LastAttemptAt)
	setTime(data, "cancelledAt", sub.CancelledAt)
	setTime(data, "pausedAt", sub.PausedAt)
	return data
}

func subscriptionFromData(id string, data map[string]interface{}) *billing.Subscription {
	return &billing.Subscription{
		ID:                 id,
		UserID:             getString(data, "userId"),
		Plan:               billing.Plan(getString(data, "plan")),
		Status:             billing.SubscriptionStatus(getString(data, "status")),
		CurrentPeriodStart: getTime(data, "currentPeriodStart"),
		CurrentPeriodEnd:   getTime(data, "currentPeriodEnd"),
		FailedAttempts:     getInt(data, "failedAttempts"),
		LastPaymentAt:      getTimePtr(data, "lastPaymentAt"),
		LastAttemptAt:      getTimePtr(data, "lastAttemptAt"),
		CancelledAt:        getTimePtr(data, "cancelledAt"),
		PausedAt:           getTimePtr(data, "pausedAt"),
		CreatedAt:          getTime(data, "createdAt"),
		UpdatedAt:          getTime(data, "updatedAt"),
	}
}

func paymentData(p *billing.Payment) map[string]interface{} {
	data := map[string]interface{}{
		"userId":         p.UserID,
		"subscriptionId": p.SubscriptionID,
		"plan":           string(p.Plan),
		"amount":         p.Amount,
		"status":         string(p.Status),
		"type":           string(p.Type),
		"receiptUrl":     p.ReceiptURL,
		"failureReason":  p.FailureReason,
		"createdAt":      p.CreatedAt,
		// seq orders payments that share a createdAt
		"seq": time.Now().UnixNano(),
	}
	// An empty key must not match GetPaymentByKey("")
	if p.PaymentKey != "" {
		data["paymentKey"] = p.PaymentKey
	}
	setTime(data, "completedAt", p.CompletedAt)
	return data
}

func paymentFromData(orderID string, data map[string]interface{}) *billing.Payment {
	return &billing.Payment{
		OrderID:        orderID,
		UserID:         getString(data, "userId"),
		SubscriptionID: getString(data, "subscriptionId"),
		Plan:           billing.Plan(getString(data, "plan")),
		Amount:         getInt64(data, "amount"),
		Status:         billing.PaymentStatus(getString(data, "status")),
		Type:           billing.PaymentType(getString(data, "type")),
		PaymentKey:     getString(data, "paymentKey"),
		ReceiptURL:     getString(data, "receiptUrl"),
		FailureReason:  getString(data, "failureReason"),
		CreatedAt:      getTime(data, "createdAt"),
		CompletedAt:    getTimePtr(data, "completedAt"),
	}
}

// Helper functions for type conversion from Firestore data

func setTime(data map[string]interface{}, key string, t *time.Time) {
	if t != nil {
		data[key] = *t
	}
}

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getInt(data map[string]interface{}, key string) int {
	return int(getInt64(data, key))
}

func getInt64(data map[string]interface{}, key string) int64 {
	switch v := data[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(math.Round(v))
	default:
		return 0
	}
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v.UTC()
	}
	return time.Time{}
}

func getTimePtr(data map[string]interface{}, key string) *time.Time {
	if v, ok := data[key].(time.Time); ok && !v.IsZero() {
		t := v.UTC()
		return &t
	}
	return nil
}
