// Package postgres provides a PostgreSQL implementation of the billing.Ledger interface.
// This implementation uses SQL transactions with SELECT FOR UPDATE so a charge
// outcome and its payment row are committed together.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/gobilling/pkg/billing"
)

//go:embed schema.sql
var schema string

// Storage implements billing.Ledger using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config

	// stopCleanup cancels the background cleanup goroutine
	stopCleanup func()
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// AutoMigrate creates the schema on startup
	AutoMigrate bool

	// Cleanup configuration
	CleanupEnabled  bool
	CleanupInterval time.Duration // How often to run cleanup
	PendingTTL      time.Duration // Pending initial payments older than this are marked failed
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		AutoMigrate:     true,
		CleanupEnabled:  true,
		CleanupInterval: 1 * time.Hour,
		PendingTTL:      24 * time.Hour,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	cleanupCtx, cancel := context.WithCancel(context.Background())
	s := &Storage{
		pool:        pool,
		config:      config,
		stopCleanup: cancel,
	}

	if config.AutoMigrate {
		if err := s.Migrate(ctx); err != nil {
			s.Close()
			return nil, err
		}
	}

	if config.CleanupEnabled && config.CleanupInterval > 0 {
		go s.startCleanup(cleanupCtx)
	}

	return s, nil
}

// Migrate creates the billing tables if they do not exist
func (s *Storage) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close closes the PostgreSQL connection pool and stops background cleanup
func (s *Storage) Close() {
	if s.stopCleanup != nil {
		s.stopCleanup()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

// --- Subscriptions ---

const subscriptionColumns = `id, user_id, plan, status, current_period_start, current_period_end,
	failed_attempts, last_payment_at, last_attempt_at, cancelled_at, paused_at, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

// execer is satisfied by both *pgxpool.Pool and pgx.Tx
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func scanSubscription(row scanner) (*billing.Subscription, error) {
	var sub billing.Subscription
	err := row.Scan(
		&sub.ID, &sub.UserID, &sub.Plan, &sub.Status,
		&sub.CurrentPeriodStart, &sub.CurrentPeriodEnd, &sub.FailedAttempts,
		&sub.LastPaymentAt, &sub.LastAttemptAt, &sub.CancelledAt, &sub.PausedAt,
		&sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	sub.CurrentPeriodStart = sub.CurrentPeriodStart.UTC()
	sub.CurrentPeriodEnd = sub.CurrentPeriodEnd.UTC()
	sub.CreatedAt = sub.CreatedAt.UTC()
	sub.UpdatedAt = sub.UpdatedAt.UTC()
	for _, t := range []*time.Time{sub.LastPaymentAt, sub.LastAttemptAt, sub.CancelledAt, sub.PausedAt} {
		if t != nil {
			*t = t.UTC()
		}
	}
	return &sub, nil
}

func (s *Storage) querySubscriptions(ctx context.Context, query string, args ...any) ([]*billing.Subscription, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*billing.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read subscriptions: %w", err)
	}
	return subs, nil
}

// FindDueForRenewal implements billing.Ledger
func (s *Storage) FindDueForRenewal(ctx context.Context, now time.Time) ([]*billing.Subscription, error) {
	return s.querySubscriptions(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
			WHERE status = 'active' AND current_period_end <= $1
			ORDER BY current_period_end, id`,
		now)
}

// FindRetryCandidates implements billing.Ledger
func (s *Storage) FindRetryCandidates(ctx context.Context) ([]*billing.Subscription, error) {
	return s.querySubscriptions(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
			WHERE status = 'active' AND failed_attempts >= 1 AND failed_attempts < $1
			ORDER BY current_period_end, id`,
		billing.MaxFailedAttempts)
}

// FindActiveSubscription implements billing.Ledger
func (s *Storage) FindActiveSubscription(ctx context.Context, userID string) (*billing.Subscription, error) {
	sub, err := scanSubscription(s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
			WHERE user_id = $1 AND status = 'active'
			ORDER BY created_at DESC LIMIT 1`,
		userID))
	if err == pgx.ErrNoRows {
		return nil, billing.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active subscription: %w", err)
	}
	return sub, nil
}

// GetSubscription implements billing.Ledger
func (s *Storage) GetSubscription(ctx context.Context, id string) (*billing.Subscription, error) {
	sub, err := scanSubscription(s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id))
	if err == pgx.ErrNoRows {
		return nil, billing.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

// CreateSubscription implements billing.Ledger
func (s *Storage) CreateSubscription(ctx context.Context, sub *billing.Subscription) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO subscriptions (`+subscriptionColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			ON CONFLICT (id) DO UPDATE SET
				user_id = EXCLUDED.user_id, plan = EXCLUDED.plan, status = EXCLUDED.status,
				current_period_start = EXCLUDED.current_period_start,
				current_period_end = EXCLUDED.current_period_end,
				failed_attempts = EXCLUDED.failed_attempts,
				last_payment_at = EXCLUDED.last_payment_at, last_attempt_at = EXCLUDED.last_attempt_at,
				cancelled_at = EXCLUDED.cancelled_at, paused_at = EXCLUDED.paused_at,
				updated_at = EXCLUDED.updated_at`,
		sub.ID, sub.UserID, string(sub.Plan), string(sub.Status),
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.FailedAttempts,
		sub.LastPaymentAt, sub.LastAttemptAt, sub.CancelledAt, sub.PausedAt,
		sub.CreatedAt, sub.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create subscription: %w", err)
	}
	return nil
}

func updateSubscription(ctx context.Context, tx pgx.Tx, sub *billing.Subscription) error {
	_, err := tx.Exec(ctx,
		`UPDATE subscriptions SET
				status = $2, current_period_start = $3, current_period_end = $4,
				failed_attempts = $5, last_payment_at = $6, last_attempt_at = $7,
				cancelled_at = $8, paused_at = $9, updated_at = $10
			WHERE id = $1`,
		sub.ID, string(sub.Status), sub.CurrentPeriodStart, sub.CurrentPeriodEnd,
		sub.FailedAttempts, sub.LastPaymentAt, sub.LastAttemptAt,
		sub.CancelledAt, sub.PausedAt, sub.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}
	return nil
}

// lockSubscription reads a subscription with a row lock held until tx ends
func lockSubscription(ctx context.Context, tx pgx.Tx, id string) (*billing.Subscription, error) {
	sub, err := scanSubscription(tx.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1 FOR UPDATE`, id))
	if err == pgx.ErrNoRows {
		return nil, billing.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock subscription: %w", err)
	}
	return sub, nil
}

// CommitChargeOutcome implements billing.Ledger
func (s *Storage) CommitChargeOutcome(ctx context.Context, subscriptionID string,
	commit *billing.ChargeCommit) (*billing.Subscription, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	sub, err := lockSubscription(ctx, tx, subscriptionID)
	if err != nil {
		return nil, err
	}

	if commit.Payment != nil {
		inserted, err := insertPayment(ctx, tx, commit.Payment)
		if err != nil {
			return nil, err
		}
		if !inserted {
			return nil, billing.ErrDuplicateOrderID
		}
	}

	billing.ApplyChargeCommit(sub, commit)
	if err := updateSubscription(ctx, tx, sub); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return sub, nil
}

// CancelSubscription implements billing.Ledger
func (s *Storage) CancelSubscription(ctx context.Context, subscriptionID, userID string,
	at time.Time) (*billing.Subscription, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	sub, err := lockSubscription(ctx, tx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if sub.UserID != userID {
		return nil, billing.ErrSubscriptionNotFound
	}
	if sub.Status == billing.StatusCancelled {
		return nil, billing.ErrSubscriptionNotActive
	}

	at = at.UTC()
	sub.Status = billing.StatusCancelled
	sub.CancelledAt = &at
	sub.UpdatedAt = at
	if err := updateSubscription(ctx, tx, sub); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return sub, nil
}

// --- Payments ---

const paymentColumns = `order_id, user_id, COALESCE(subscription_id, ''), plan, amount, status, type,
	COALESCE(payment_key, ''), COALESCE(receipt_url, ''), COALESCE(failure_reason, ''), created_at, completed_at`

func scanPayment(row scanner) (*billing.Payment, error) {
	var p billing.Payment
	err := row.Scan(
		&p.OrderID, &p.UserID, &p.SubscriptionID, &p.Plan, &p.Amount, &p.Status, &p.Type,
		&p.PaymentKey, &p.ReceiptURL, &p.FailureReason, &p.CreatedAt, &p.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	p.CreatedAt = p.CreatedAt.UTC()
	if p.CompletedAt != nil {
		completed := p.CompletedAt.UTC()
		p.CompletedAt = &completed
	}
	return &p, nil
}

// insertPayment returns false when the order id already exists
func insertPayment(ctx context.Context, q execer, p *billing.Payment) (bool, error) {
	tag, err := q.Exec(ctx,
		`INSERT INTO payments (order_id, user_id, subscription_id, plan, amount, status, type,
				payment_key, receipt_url, failure_reason, created_at, completed_at)
			VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, NULLIF($8, ''), NULLIF($9, ''), NULLIF($10, ''), $11, $12)
			ON CONFLICT (order_id) DO NOTHING`,
		p.OrderID, p.UserID, p.SubscriptionID, string(p.Plan), p.Amount, string(p.Status), string(p.Type),
		p.PaymentKey, p.ReceiptURL, p.FailureReason, p.CreatedAt, p.CompletedAt)
	if err != nil {
		return false, fmt.Errorf("failed to insert payment: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// AppendPayment implements billing.Ledger
func (s *Storage) AppendPayment(ctx context.Context, payment *billing.Payment) error {
	inserted, err := insertPayment(ctx, s.pool, payment)
	if err != nil {
		return err
	}
	if !inserted {
		return billing.ErrDuplicateOrderID
	}
	return nil
}

// GetPaymentByOrderID implements billing.Ledger
func (s *Storage) GetPaymentByOrderID(ctx context.Context, orderID string) (*billing.Payment, error) {
	return s.getPayment(ctx, `SELECT `+paymentColumns+` FROM payments WHERE order_id = $1`, orderID)
}

// GetPaymentByKey implements billing.Ledger
func (s *Storage) GetPaymentByKey(ctx context.Context, paymentKey string) (*billing.Payment, error) {
	return s.getPayment(ctx, `SELECT `+paymentColumns+` FROM payments WHERE payment_key = $1`, paymentKey)
}

func (s *Storage) getPayment(ctx context.Context, query string, arg string) (*billing.Payment, error) {
	p, err := scanPayment(s.pool.QueryRow(ctx, query, arg))
	if err == pgx.ErrNoRows {
		return nil, billing.ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}
	return p, nil
}

// CompletePayment implements billing.Ledger
func (s *Storage) CompletePayment(ctx context.Context, orderID string,
	completion *billing.PaymentCompletion) (*billing.Payment, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	var status billing.PaymentStatus
	err = tx.QueryRow(ctx, `SELECT status FROM payments WHERE order_id = $1 FOR UPDATE`, orderID).Scan(&status)
	if err == pgx.ErrNoRows {
		return nil, billing.ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock payment: %w", err)
	}
	if status != billing.PaymentPending {
		return nil, billing.ErrPaymentAlreadyCompleted
	}

	p, err := scanPayment(tx.QueryRow(ctx,
		`UPDATE payments SET status = $2, payment_key = NULLIF($3, ''), receipt_url = NULLIF($4, ''),
				subscription_id = NULLIF($5, ''), completed_at = $6
			WHERE order_id = $1
			RETURNING `+paymentColumns,
		orderID, string(billing.PaymentCompleted), completion.PaymentKey, completion.ReceiptURL,
		completion.SubscriptionID, completion.CompletedAt))
	if err != nil {
		return nil, fmt.Errorf("failed to complete payment: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return p, nil
}

// UpdatePaymentStatus implements billing.Ledger
func (s *Storage) UpdatePaymentStatus(ctx context.Context, paymentKey string,
	status billing.PaymentStatus) (*billing.Payment, error) {
	p, err := scanPayment(s.pool.QueryRow(ctx,
		`UPDATE payments SET status = $2 WHERE payment_key = $1 RETURNING `+paymentColumns,
		paymentKey, string(status)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update payment status: %w", err)
	}
	return p, nil
}

// ListPayments implements billing.Ledger
func (s *Storage) ListPayments(ctx context.Context, userID string) ([]*billing.Payment, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE user_id = $1 ORDER BY created_at DESC, seq DESC`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query payments: %w", err)
	}
	defer rows.Close()

	payments := []*billing.Payment{}
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		payments = append(payments, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read payments: %w", err)
	}
	return payments, nil
}

// --- Billing keys ---

// FindBillingKey implements billing.Ledger
func (s *Storage) FindBillingKey(ctx context.Context, userID string) (*billing.BillingKey, error) {
	var key billing.BillingKey
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, billing_key, customer_key, COALESCE(card_company, ''), COALESCE(card_number, ''), created_at
			FROM billing_keys WHERE user_id = $1`,
		userID).Scan(&key.ID, &key.UserID, &key.Token, &key.CustomerKey, &key.CardCompany, &key.CardNumber, &key.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, billing.ErrBillingKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get billing key: %w", err)
	}
	key.CreatedAt = key.CreatedAt.UTC()
	return &key, nil
}

// SaveBillingKey implements billing.Ledger
func (s *Storage) SaveBillingKey(ctx context.Context, key *billing.BillingKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO billing_keys (user_id, id, billing_key, customer_key, card_company, card_number, created_at)
			VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7)
			ON CONFLICT (user_id) DO UPDATE SET
				id = EXCLUDED.id, billing_key = EXCLUDED.billing_key, customer_key = EXCLUDED.customer_key,
				card_company = EXCLUDED.card_company, card_number = EXCLUDED.card_number,
				created_at = EXCLUDED.created_at`,
		key.UserID, key.ID, key.Token, key.CustomerKey, key.CardCompany, key.CardNumber, key.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save billing key: %w", err)
	}
	return nil
}

// DeleteBillingKeyByToken implements billing.Ledger
func (s *Storage) DeleteBillingKeyByToken(ctx context.Context, token string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM billing_keys WHERE billing_key = $1`, token)
	if err != nil {
		return false, fmt.Errorf("failed to delete billing key: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// --- TimeSource Support ---

// Now returns the database clock so every replica uses the same cut-off
func (s *Storage) Now(ctx context.Context) (time.Time, error) {
	var now time.Time
	if err := s.pool.QueryRow(ctx, `SELECT NOW()`).Scan(&now); err != nil {
		return time.Time{}, fmt.Errorf("failed to get database time: %w", err)
	}
	return now.UTC(), nil
}

// --- Cleanup ---

func (s *Storage) startCleanup(ctx context.Context) {
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Errors are retried on the next tick
			_, _ = s.expirePendingPayments(ctx)
		}
	}
}

// expirePendingPayments marks initial payments that were never confirmed as failed
func (s *Storage) expirePendingPayments(ctx context.Context) (int64, error) {
	if s.config.PendingTTL <= 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE payments SET status = $1, failure_reason = 'expired before confirmation'
			WHERE status = $2 AND type = $3 AND created_at < NOW() - make_interval(secs => $4)`,
		string(billing.PaymentFailed), string(billing.PaymentPending), string(billing.PaymentInitial),
		s.config.PendingTTL.Seconds())
	if err != nil {
		return 0, fmt.Errorf("failed to expire pending payments: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Cleanup manually triggers expiry of stale pending payments
func (s *Storage) Cleanup(ctx context.Context) error {
	_, err := s.expirePendingPayments(ctx)
	return err
}

// Ping checks the database connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
