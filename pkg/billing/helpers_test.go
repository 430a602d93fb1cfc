package billing_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gobilling/pkg/billing"
	"github.com/mihaimyh/gobilling/storage/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{now: t}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// fakeGateway records every call. chargeFn decides the result of charges;
// nil means accept.
type fakeGateway struct {
	mu        sync.Mutex
	charges   []chargeCall
	confirms  int
	issues    int
	chargeFn  func(billingKey string, req billing.ChargeRequest) (*billing.ChargeReceipt, error)
	confirmFn func(paymentKey, orderID string, amount int64) (*billing.Confirmation, error)
	issueFn   func(authKey, customerKey string) (*billing.IssuedBillingKey, error)
}

type chargeCall struct {
	BillingKey string
	Request    billing.ChargeRequest
}

func (g *fakeGateway) ChargeBillingKey(ctx context.Context, billingKey string,
	req billing.ChargeRequest) (*billing.ChargeReceipt, error) {
	g.mu.Lock()
	g.charges = append(g.charges, chargeCall{BillingKey: billingKey, Request: req})
	fn := g.chargeFn
	g.mu.Unlock()

	if fn != nil {
		return fn(billingKey, req)
	}
	return &billing.ChargeReceipt{PaymentKey: "pk_" + req.OrderID, ReceiptURL: "https://receipt/" + req.OrderID}, nil
}

func (g *fakeGateway) IssueBillingKey(ctx context.Context, authKey, customerKey string) (*billing.IssuedBillingKey, error) {
	g.mu.Lock()
	g.issues++
	fn := g.issueFn
	g.mu.Unlock()
	if fn != nil {
		return fn(authKey, customerKey)
	}
	return &billing.IssuedBillingKey{
		BillingKey:  "bk_" + authKey,
		CustomerKey: customerKey,
		CardCompany: "Shinhan",
		CardNumber:  "4330-12**-****-123*",
	}, nil
}

func (g *fakeGateway) ConfirmPayment(ctx context.Context, paymentKey, orderID string,
	amount int64) (*billing.Confirmation, error) {
	g.mu.Lock()
	g.confirms++
	fn := g.confirmFn
	g.mu.Unlock()
	if fn != nil {
		return fn(paymentKey, orderID, amount)
	}
	return &billing.Confirmation{PaymentKey: paymentKey, ReceiptURL: "https://receipt/" + orderID}, nil
}

func (g *fakeGateway) chargeCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.charges)
}

func (g *fakeGateway) lastCharge() chargeCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.charges[len(g.charges)-1]
}

func rejectAll(billingKey string, req billing.ChargeRequest) (*billing.ChargeReceipt, error) {
	return nil, &billing.GatewayError{Code: "REJECT_CARD_COMPANY", Message: "card declined", Err: billing.ErrGatewayRejected}
}

type recordingNotifier struct {
	mu        sync.Mutex
	succeeded []int64
	failed    []string
}

func (n *recordingNotifier) NotifyChargeSucceeded(_ context.Context, userID string, amount int64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.succeeded = append(n.succeeded, amount)
	return nil
}

func (n *recordingNotifier) NotifyChargeFailed(_ context.Context, userID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failed = append(n.failed, userID)
	return nil
}

func (n *recordingNotifier) counts() (int, int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.succeeded), len(n.failed)
}

type testEnv struct {
	ledger    *memory.Storage
	gateway   *fakeGateway
	clock     *fakeClock
	notifier  *recordingNotifier
	config    billing.Config
	executor  *billing.Executor
	scheduler *billing.Scheduler
	manager   *billing.Manager
}

var day1 = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

func newTestEnv(t *testing.T, opts ...func(*billing.Config)) *testEnv {
	t.Helper()

	env := &testEnv{
		ledger:   memory.New(),
		gateway:  &fakeGateway{},
		clock:    newFakeClock(day1.Add(2 * time.Hour)),
		notifier: &recordingNotifier{},
	}

	cfg := billing.DefaultConfig()
	cfg.Now = env.clock.Now
	cfg.Notifier = env.notifier
	cfg.GatewayTimeout = time.Second
	for _, opt := range opts {
		opt(&cfg)
	}
	env.config = cfg

	var err error
	env.executor, err = billing.NewExecutor(env.ledger, env.gateway, cfg)
	require.NoError(t, err)

	env.scheduler, err = billing.NewScheduler(env.ledger, env.executor, billing.SchedulerConfig{
		Location:    time.UTC,
		Concurrency: 2,
		Now:         env.clock.Now,
	})
	require.NoError(t, err)

	env.manager, err = billing.NewManager(env.ledger, env.executor)
	require.NoError(t, err)
	return env
}

// seedSubscription stores an active subscription whose period ends at
// periodEnd, plus a billing key for its user.
func (env *testEnv) seedSubscription(t *testing.T, userID string, plan billing.Plan, periodEnd time.Time) *billing.Subscription {
	t.Helper()
	ctx := context.Background()

	sub := &billing.Subscription{
		ID:                 billing.NewID(billing.PrefixSubscription),
		UserID:             userID,
		Plan:               plan,
		Status:             billing.StatusActive,
		CurrentPeriodStart: periodEnd.Add(-billing.PeriodLength),
		CurrentPeriodEnd:   periodEnd,
		CreatedAt:          periodEnd.Add(-billing.PeriodLength),
		UpdatedAt:          periodEnd.Add(-billing.PeriodLength),
	}
	require.NoError(t, env.ledger.CreateSubscription(ctx, sub))
	require.NoError(t, env.ledger.SaveBillingKey(ctx, &billing.BillingKey{
		ID:          billing.NewID(billing.PrefixBillingKey),
		UserID:      userID,
		Token:       "bk_" + userID,
		CustomerKey: "ck_" + userID,
	}))
	return sub
}

func (env *testEnv) subscription(t *testing.T, id string) *billing.Subscription {
	t.Helper()
	sub, err := env.ledger.GetSubscription(context.Background(), id)
	require.NoError(t, err)
	return sub
}
