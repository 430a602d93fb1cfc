// Package redis provides a Redis implementation of the billing.Ledger interface.
// Multi-key updates run inside WATCH/MULTI transactions; single-record
// read-modify-write operations use Lua scripts.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/gobilling/pkg/billing"
)

// Storage implements billing.Ledger using Redis
type Storage struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
}

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "gobilling:")
	KeyPrefix string

	// MaxRetries is the maximum number of optimistic transaction retries (default: 3)
	MaxRetries int

	// LockTTL bounds how long a subscription lock survives a crashed holder (default: 2 minutes)
	LockTTL time.Duration

	// LockPollInterval is how often a blocked Lock call retries (default: 50ms)
	LockPollInterval time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix:        "gobilling:",
		MaxRetries:       3,
		LockTTL:          2 * time.Minute,
		LockPollInterval: 50 * time.Millisecond,
	}
}

// New creates a new Redis storage adapter
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	defaults := DefaultConfig()
	if config.KeyPrefix == "" {
		config.KeyPrefix = defaults.KeyPrefix
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = defaults.MaxRetries
	}
	if config.LockTTL <= 0 {
		config.LockTTL = defaults.LockTTL
	}
	if config.LockPollInterval <= 0 {
		config.LockPollInterval = defaults.LockPollInterval
	}

	s := &Storage{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
	}
	s.loadScripts()
	return s, nil
}

// loadScripts compiles the Lua scripts used for atomic single-record updates
func (s *Storage) loadScripts() {
	// Update a payment's status by payment key. Returns the updated payment
	// JSON, or false when the key is unknown.
	s.scripts["payment_status"] = redis.NewScript(`
		local orderID = redis.call('GET', KEYS[1])
		if not orderID then
			return false
		end
		local paymentKey = ARGV[1] .. orderID
		local data = redis.call('GET', paymentKey)
		if not data then
			return false
		end
		local payment = cjson.decode(data)
		payment.status = ARGV[2]
		local encoded = cjson.encode(payment)
		redis.call('SET', paymentKey, encoded)
		return encoded
	`)

	// Delete a billing key by its gateway token. Returns 1 if a key was removed.
	s.scripts["delete_billing_key"] = redis.NewScript(`
		local userID = redis.call('GET', KEYS[1])
		if not userID then
			return 0
		end
		redis.call('DEL', KEYS[1])
		local keyKey = ARGV[1] .. userID
		local data = redis.call('GET', keyKey)
		if not data then
			return 0
		end
		local key = cjson.decode(data)
		if key.billingKey ~= ARGV[2] then
			return 0
		end
		redis.call('DEL', keyKey)
		return 1
	`)

	// Release a lock only if it is still held by the caller's token
	s.scripts["unlock"] = redis.NewScript(`
		if redis.call('GET', KEYS[1]) == ARGV[1] then
			return redis.call('DEL', KEYS[1])
		end
		return 0
	`)
}

// --- Subscriptions ---

// FindDueForRenewal implements billing.Ledger
func (s *Storage) FindDueForRenewal(ctx context.Context, now time.Time) ([]*billing.Subscription, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.dueKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read renewal index: %w", err)
	}

	subs, err := s.loadSubscriptions(ctx, ids)
	if err != nil {
		return nil, err
	}
	return filterSubscriptions(subs, func(sub *billing.Subscription) bool {
		return billing.IsDueForRenewal(sub, now)
	}), nil
}

// FindRetryCandidates implements billing.Ledger
func (s *Storage) FindRetryCandidates(ctx context.Context) ([]*billing.Subscription, error) {
	ids, err := s.client.SMembers(ctx, s.retryKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read retry index: %w", err)
	}

	subs, err := s.loadSubscriptions(ctx, ids)
	if err != nil {
		return nil, err
	}
	return filterSubscriptions(subs, billing.IsRetryCandidate), nil
}

// FindActiveSubscription implements billing.Ledger
func (s *Storage) FindActiveSubscription(ctx context.Context, userID string) (*billing.Subscription, error) {
	ids, err := s.client.SMembers(ctx, s.userSubscriptionsKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read user subscriptions: %w", err)
	}

	subs, err := s.loadSubscriptions(ctx, ids)
	if err != nil {
		return nil, err
	}

	var found *billing.Subscription
	for _, sub := range subs {
		if sub.Status != billing.StatusActive {
			continue
		}
		if found == nil || sub.CreatedAt.After(found.CreatedAt) {
			found = sub
		}
	}
	if found == nil {
		return nil, billing.ErrSubscriptionNotFound
	}
	return found, nil
}

// GetSubscription implements billing.Ledger
func (s *Storage) GetSubscription(ctx context.Context, id string) (*billing.Subscription, error) {
	return getSubscription(ctx, s.client, s.subscriptionKey(id))
}

// CreateSubscription implements billing.Ledger
func (s *Storage) CreateSubscription(ctx context.Context, sub *billing.Subscription) error {
	if sub == nil || sub.ID == "" || sub.UserID == "" {
		return fmt.Errorf("invalid subscription")
	}

	data, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("failed to marshal subscription: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.subscriptionKey(sub.ID), data, 0)
		pipe.SAdd(ctx, s.userSubscriptionsKey(sub.UserID), sub.ID)
		s.indexSubscription(ctx, pipe, sub)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store subscription: %w", err)
	}
	return nil
}

// CommitChargeOutcome implements billing.Ledger
func (s *Storage) CommitChargeOutcome(ctx context.Context, subscriptionID string,
	commit *billing.ChargeCommit) (*billing.Subscription, error) {
	subKey := s.subscriptionKey(subscriptionID)
	keys := []string{subKey}

	var paymentData []byte
	if commit.Payment != nil {
		data, err := json.Marshal(commit.Payment)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payment: %w", err)
		}
		paymentData = data
		keys = append(keys, s.paymentKey(commit.Payment.OrderID))
	}

	var updated *billing.Subscription
	err := s.watch(ctx, func(tx *redis.Tx) error {
		sub, err := getSubscription(ctx, tx, subKey)
		if err != nil {
			return err
		}
		if commit.Payment != nil {
			exists, err := tx.Exists(ctx, s.paymentKey(commit.Payment.OrderID)).Result()
			if err != nil {
				return fmt.Errorf("failed to check order id: %w", err)
			}
			if exists > 0 {
				return billing.ErrDuplicateOrderID
			}
		}

		billing.ApplyChargeCommit(sub, commit)
		data, err := json.Marshal(sub)
		if err != nil {
			return fmt.Errorf("failed to marshal subscription: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, subKey, data, 0)
			s.indexSubscription(ctx, pipe, sub)
			if commit.Payment != nil {
				s.writePayment(ctx, pipe, commit.Payment, paymentData)
			}
			return nil
		})
		if err != nil {
			return err
		}
		updated = sub
		return nil
	}, keys...)
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// CancelSubscription implements billing.Ledger
func (s *Storage) CancelSubscription(ctx context.Context, subscriptionID, userID string,
	at time.Time) (*billing.Subscription, error) {
	subKey := s.subscriptionKey(subscriptionID)

	var cancelled *billing.Subscription
	err := s.watch(ctx, func(tx *redis.Tx) error {
		sub, err := getSubscription(ctx, tx, subKey)
		if err != nil {
			return err
		}
		if sub.UserID != userID {
			return billing.ErrSubscriptionNotFound
		}
		if sub.Status == billing.StatusCancelled {
			return billing.ErrSubscriptionNotActive
		}

		sub.Status = billing.StatusCancelled
		sub.CancelledAt = &at
		sub.UpdatedAt = at
		data, err := json.Marshal(sub)
		if err != nil {
			return fmt.Errorf("failed to marshal subscription: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, subKey, data, 0)
			s.indexSubscription(ctx, pipe, sub)
			return nil
		})
		if err != nil {
			return err
		}
		cancelled = sub
		return nil
	}, subKey)
	if err != nil {
		return nil, err
	}
	return cancelled, nil
}

// indexSubscription keeps the renewal and retry indexes in line with sub
func (s *Storage) indexSubscription(ctx context.Context, pipe redis.Pipeliner, sub *billing.Subscription) {
	if sub.Status == billing.StatusActive {
		pipe.ZAdd(ctx, s.dueKey(), redis.Z{Score: float64(sub.CurrentPeriodEnd.UnixMilli()), Member: sub.ID})
	} else {
		pipe.ZRem(ctx, s.dueKey(), sub.ID)
	}
	if billing.IsRetryCandidate(sub) {
		pipe.SAdd(ctx, s.retryKey(), sub.ID)
	} else {
		pipe.SRem(ctx, s.retryKey(), sub.ID)
	}
}

func (s *Storage) loadSubscriptions(ctx context.Context, ids []string) ([]*billing.Subscription, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.subscriptionKey(id)
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load subscriptions: %w", err)
	}

	subs := make([]*billing.Subscription, 0, len(values))
	for _, v := range values {
		str, ok := v.(string)
		if !ok {
			continue // index entry without a record
		}
		var sub billing.Subscription
		if err := json.Unmarshal([]byte(str), &sub); err != nil {
			return nil, fmt.Errorf("failed to unmarshal subscription: %w", err)
		}
		subs = append(subs, &sub)
	}
	return subs, nil
}

func getSubscription(ctx context.Context, c redis.Cmdable, key string) (*billing.Subscription, error) {
	data, err := c.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, billing.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}

	var sub billing.Subscription
	if err := json.Unmarshal(data, &sub); err != nil {
		return nil, fmt.Errorf("failed to unmarshal subscription: %w", err)
	}
	return &sub, nil
}

func filterSubscriptions(subs []*billing.Subscription, match func(*billing.Subscription) bool) []*billing.Subscription {
	out := subs[:0]
	for _, sub := range subs {
		if match(sub) {
			out = append(out, sub)
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

// --- Payments ---

// AppendPayment implements billing.Ledger
func (s *Storage) AppendPayment(ctx context.Context, payment *billing.Payment) error {
	data, err := json.Marshal(payment)
	if err != nil {
		return fmt.Errorf("failed to marshal payment: %w", err)
	}

	created, err := s.client.SetNX(ctx, s.paymentKey(payment.OrderID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to store payment: %w", err)
	}
	if !created {
		return billing.ErrDuplicateOrderID
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		s.writePayment(ctx, pipe, payment, data)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to index payment: %w", err)
	}
	return nil
}

func (s *Storage) writePayment(ctx context.Context, pipe redis.Pipeliner, payment *billing.Payment, data []byte) {
	pipe.Set(ctx, s.paymentKey(payment.OrderID), data, 0)
	pipe.ZAdd(ctx, s.userPaymentsKey(payment.UserID), redis.Z{
		Score:  float64(payment.CreatedAt.UnixMilli()),
		Member: payment.OrderID,
	})
	if payment.PaymentKey != "" {
		pipe.Set(ctx, s.paymentKeyIndex(payment.PaymentKey), payment.OrderID, 0)
	}
}

// GetPaymentByOrderID implements billing.Ledger
func (s *Storage) GetPaymentByOrderID(ctx context.Context, orderID string) (*billing.Payment, error) {
	return getPayment(ctx, s.client, s.paymentKey(orderID))
}

// GetPaymentByKey implements billing.Ledger
func (s *Storage) GetPaymentByKey(ctx context.Context, paymentKey string) (*billing.Payment, error) {
	orderID, err := s.client.Get(ctx, s.paymentKeyIndex(paymentKey)).Result()
	if err == redis.Nil {
		return nil, billing.ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve payment key: %w", err)
	}
	return s.GetPaymentByOrderID(ctx, orderID)
}

// CompletePayment implements billing.Ledger
func (s *Storage) CompletePayment(ctx context.Context, orderID string,
	completion *billing.PaymentCompletion) (*billing.Payment, error) {
	key := s.paymentKey(orderID)

	var completed *billing.Payment
	err := s.watch(ctx, func(tx *redis.Tx) error {
		payment, err := getPayment(ctx, tx, key)
		if err != nil {
			return err
		}
		if payment.Status != billing.PaymentPending {
			return billing.ErrPaymentAlreadyCompleted
		}

		completedAt := completion.CompletedAt
		payment.Status = billing.PaymentCompleted
		payment.PaymentKey = completion.PaymentKey
		payment.ReceiptURL = completion.ReceiptURL
		payment.SubscriptionID = completion.SubscriptionID
		payment.CompletedAt = &completedAt

		data, err := json.Marshal(payment)
		if err != nil {
			return fmt.Errorf("failed to marshal payment: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			if payment.PaymentKey != "" {
				pipe.Set(ctx, s.paymentKeyIndex(payment.PaymentKey), orderID, 0)
			}
			return nil
		})
		if err != nil {
			return err
		}
		completed = payment
		return nil
	}, key)
	if err != nil {
		return nil, err
	}
	return completed, nil
}

// UpdatePaymentStatus implements billing.Ledger
func (s *Storage) UpdatePaymentStatus(ctx context.Context, paymentKey string,
	status billing.PaymentStatus) (*billing.Payment, error) {
	result, err := s.scripts["payment_status"].Run(
		ctx,
		s.client,
		[]string{s.paymentKeyIndex(paymentKey)},
		s.config.KeyPrefix+"payment:",
		string(status),
	).Text()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to execute payment status script: %w", err)
	}

	var payment billing.Payment
	if err := json.Unmarshal([]byte(result), &payment); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payment: %w", err)
	}
	return &payment, nil
}

// ListPayments implements billing.Ledger
func (s *Storage) ListPayments(ctx context.Context, userID string) ([]*billing.Payment, error) {
	orderIDs, err := s.client.ZRevRange(ctx, s.userPaymentsKey(userID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read payment history: %w", err)
	}
	if len(orderIDs) == 0 {
		return []*billing.Payment{}, nil
	}

	keys := make([]string, len(orderIDs))
	for i, id := range orderIDs {
		keys[i] = s.paymentKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load payments: %w", err)
	}

	payments := make([]*billing.Payment, 0, len(values))
	for _, v := range values {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var p billing.Payment
		if err := json.Unmarshal([]byte(str), &p); err != nil {
			return nil, fmt.Errorf("failed to unmarshal payment: %w", err)
		}
		payments = append(payments, &p)
	}
	return payments, nil
}

func getPayment(ctx context.Context, c redis.Cmdable, key string) (*billing.Payment, error) {
	data, err := c.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, billing.ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}

	var p billing.Payment
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payment: %w", err)
	}
	return &p, nil
}

// --- Billing keys ---

// FindBillingKey implements billing.Ledger
func (s *Storage) FindBillingKey(ctx context.Context, userID string) (*billing.BillingKey, error) {
	data, err := s.client.Get(ctx, s.billingKeyKey(userID)).Bytes()
	if err == redis.Nil {
		return nil, billing.ErrBillingKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get billing key: %w", err)
	}

	return decodeBillingKey(data)
}

func decodeBillingKey(data []byte) (*billing.BillingKey, error) {
	var key billing.BillingKey
	if err := json.Unmarshal(data, &key); err != nil {
		return nil, fmt.Errorf("failed to unmarshal billing key: %w", err)
	}
	return &key, nil
}

// SaveBillingKey implements billing.Ledger
func (s *Storage) SaveBillingKey(ctx context.Context, key *billing.BillingKey) error {
	if key == nil || key.UserID == "" || key.Token == "" {
		return fmt.Errorf("invalid billing key")
	}
	data, err := json.Marshal(key)
	if err != nil {
		return fmt.Errorf("failed to marshal billing key: %w", err)
	}

	keyKey := s.billingKeyKey(key.UserID)
	return s.watch(ctx, func(tx *redis.Tx) error {
		var previous *billing.BillingKey
		raw, err := tx.Get(ctx, keyKey).Bytes()
		switch {
		case err == redis.Nil:
		case err != nil:
			return fmt.Errorf("failed to get billing key: %w", err)
		default:
			if previous, err = decodeBillingKey(raw); err != nil {
				return err
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if previous != nil && previous.Token != key.Token {
				pipe.Del(ctx, s.billingTokenKey(previous.Token))
			}
			pipe.Set(ctx, keyKey, data, 0)
			pipe.Set(ctx, s.billingTokenKey(key.Token), key.UserID, 0)
			return nil
		})
		return err
	}, keyKey)
}

// DeleteBillingKeyByToken implements billing.Ledger
func (s *Storage) DeleteBillingKeyByToken(ctx context.Context, token string) (bool, error) {
	removed, err := s.scripts["delete_billing_key"].Run(
		ctx,
		s.client,
		[]string{s.billingTokenKey(token)},
		s.config.KeyPrefix+"billingkey:",
		token,
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to execute delete billing key script: %w", err)
	}
	return removed == 1, nil
}

// --- TimeSource Support ---

// Now returns the Redis server time so every replica uses the same clock
func (s *Storage) Now(ctx context.Context) (time.Time, error) {
	t, err := s.client.Time(ctx).Result()
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get redis time: %w", err)
	}
	return t.UTC(), nil
}

// watch runs fn in an optimistic transaction over keys, retrying when a
// watched key changes underneath it
func (s *Storage) watch(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error {
	var err error
	for attempt := 0; attempt <= s.config.MaxRetries; attempt++ {
		err = s.client.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("transaction retries exhausted: %w", err)
}

// --- Keys ---

func (s *Storage) subscriptionKey(id string) string {
	return s.config.KeyPrefix + "sub:" + id
}

func (s *Storage) userSubscriptionsKey(userID string) string {
	return s.config.KeyPrefix + "user:" + userID + ":subs"
}

func (s *Storage) dueKey() string {
	return s.config.KeyPrefix + "subs:due"
}

func (s *Storage) retryKey() string {
	return s.config.KeyPrefix + "subs:retry"
}

func (s *Storage) paymentKey(orderID string) string {
	return s.config.KeyPrefix + "payment:" + orderID
}

func (s *Storage) paymentKeyIndex(paymentKey string) string {
	return s.config.KeyPrefix + "paymentkey:" + paymentKey
}

func (s *Storage) userPaymentsKey(userID string) string {
	return s.config.KeyPrefix + "user:" + userID + ":payments"
}

func (s *Storage) billingKeyKey(userID string) string {
	return s.config.KeyPrefix + "billingkey:" + userID
}

func (s *Storage) billingTokenKey(token string) string {
	return s.config.KeyPrefix + "billingtoken:" + token
}

func (s *Storage) lockKey(key string) string {
	return s.config.KeyPrefix + "lock:" + key
}

func (s *Storage) sweepKey(kind billing.SweepKind, day string) string {
	return s.config.KeyPrefix + "sweep:" + string(kind) + ":" + day
}

// Close closes the Redis client connection
func (s *Storage) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
