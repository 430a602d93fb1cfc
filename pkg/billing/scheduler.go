package billing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
)

// SweepKind names one of the two daily sweeps
type SweepKind string

const (
	SweepRenewal SweepKind = "renewal"
	SweepRetry   SweepKind = "retry"
)

// SweepGuard records which sweeps already ran on a billing day, so a trigger
// that fires twice (restart, second replica) does not sweep twice.
type SweepGuard interface {
	// Acquire marks kind as run for day. ok is false if it already ran.
	Acquire(ctx context.Context, kind SweepKind, day string, ttl time.Duration) (ok bool, err error)

	// Release forgets a mark so the sweep can run again
	Release(ctx context.Context, kind SweepKind, day string) error
}

// SchedulerConfig holds scheduler configuration
type SchedulerConfig struct {
	// RenewalAt is the daily renewal sweep time, "HH:MM" (default: "02:00")
	RenewalAt string

	// RetryAt is the daily retry sweep time, "HH:MM" (default: "10:00").
	// Must be later than RenewalAt.
	RetryAt string

	// Location is the time zone of both trigger times and of the billing day (default: UTC)
	Location *time.Location

	// Concurrency bounds the number of charges in flight (default: 4)
	Concurrency int

	// Guard deduplicates sweeps per day (default: in-memory)
	Guard SweepGuard

	// GuardTTL is how long a sweep mark is kept (default: 36 hours)
	GuardTTL time.Duration

	// Now returns the current time (default: time.Now)
	Now func() time.Time

	Metrics Metrics
	Logger  Logger
}

// DefaultSchedulerConfig returns a SchedulerConfig with sensible defaults
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		RenewalAt:   "02:00",
		RetryAt:     "10:00",
		Location:    time.UTC,
		Concurrency: 4,
		GuardTTL:    36 * time.Hour,
	}
}

// SweepReport summarizes one sweep
type SweepReport struct {
	Kind      SweepKind
	Day       string
	Duplicate bool
	Selected  int
	Succeeded int
	Failed    int
	Skipped   int
	Duration  time.Duration
	Outcomes  []*ChargeOutcome
}

func (r *SweepReport) add(out *ChargeOutcome) {
	r.Outcomes = append(r.Outcomes, out)
	switch out.Result {
	case ChargeSucceeded:
		r.Succeeded++
	case ChargeFailed:
		r.Failed++
	default:
		r.Skipped++
	}
}

// Scheduler drives the daily renewal and retry sweeps
type Scheduler struct {
	ledger   Ledger
	executor *Executor
	config   SchedulerConfig

	renewalSpec string
	retrySpec   string

	// sweeps never overlap: a slow renewal sweep finishes before the retry sweep starts
	mu sync.Mutex
}

// NewScheduler creates a scheduler. It fails if RetryAt is not after RenewalAt.
func NewScheduler(ledger Ledger, executor *Executor, config SchedulerConfig) (*Scheduler, error) {
	if ledger == nil {
		return nil, ErrStorageUnavailable
	}
	if executor == nil {
		return nil, fmt.Errorf("%w: executor is required", ErrInvalidConfig)
	}

	defaults := DefaultSchedulerConfig()
	if config.RenewalAt == "" {
		config.RenewalAt = defaults.RenewalAt
	}
	if config.RetryAt == "" {
		config.RetryAt = defaults.RetryAt
	}
	if config.Location == nil {
		config.Location = defaults.Location
	}
	if config.Concurrency <= 0 {
		config.Concurrency = defaults.Concurrency
	}
	if config.GuardTTL <= 0 {
		config.GuardTTL = defaults.GuardTTL
	}
	if config.Guard == nil {
		config.Guard = NewMemorySweepGuard()
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}

	renewH, renewM, err := parseClock(config.RenewalAt)
	if err != nil {
		return nil, fmt.Errorf("%w: renewal time: %v", ErrInvalidConfig, err)
	}
	retryH, retryM, err := parseClock(config.RetryAt)
	if err != nil {
		return nil, fmt.Errorf("%w: retry time: %v", ErrInvalidConfig, err)
	}
	if retryH*60+retryM <= renewH*60+renewM {
		return nil, fmt.Errorf("%w: retry sweep (%s) must run after renewal sweep (%s)",
			ErrInvalidConfig, config.RetryAt, config.RenewalAt)
	}

	return &Scheduler{
		ledger:      ledger,
		executor:    executor,
		config:      config,
		renewalSpec: fmt.Sprintf("%d %d * * *", renewM, renewH),
		retrySpec:   fmt.Sprintf("%d %d * * *", retryM, retryH),
	}, nil
}

// Start registers both daily triggers and blocks until ctx is done.
// Running sweeps are allowed to finish before Start returns.
func (s *Scheduler) Start(ctx context.Context) error {
	c := cron.New(cron.WithLocation(s.config.Location))

	if _, err := c.AddFunc(s.renewalSpec, func() { s.runLogged(ctx, SweepRenewal) }); err != nil {
		return fmt.Errorf("failed to schedule renewal sweep: %w", err)
	}
	if _, err := c.AddFunc(s.retrySpec, func() { s.runLogged(ctx, SweepRetry) }); err != nil {
		return fmt.Errorf("failed to schedule retry sweep: %w", err)
	}

	c.Start()
	s.config.Logger.Info("billing scheduler started",
		Field{Key: "renewal_at", Value: s.config.RenewalAt},
		Field{Key: "retry_at", Value: s.config.RetryAt},
		Field{Key: "location", Value: s.config.Location.String()})

	<-ctx.Done()

	stopCtx := c.Stop()
	<-stopCtx.Done()
	s.config.Logger.Info("billing scheduler stopped")
	return nil
}

// Run executes one sweep by kind
func (s *Scheduler) Run(ctx context.Context, kind SweepKind) (*SweepReport, error) {
	switch kind {
	case SweepRenewal:
		return s.RunRenewalSweep(ctx)
	case SweepRetry:
		return s.RunRetrySweep(ctx)
	default:
		return nil, fmt.Errorf("%w: unknown sweep %q", ErrInvalidConfig, kind)
	}
}

// RunRenewalSweep charges every active subscription whose period has ended
func (s *Scheduler) RunRenewalSweep(ctx context.Context) (*SweepReport, error) {
	return s.sweep(ctx, SweepRenewal, TriggerRenewal, func(ctx context.Context, now time.Time) ([]*Subscription, error) {
		return s.ledger.FindDueForRenewal(ctx, now)
	})
}

// RunRetrySweep re-charges active subscriptions with 1 or 2 failed attempts
func (s *Scheduler) RunRetrySweep(ctx context.Context) (*SweepReport, error) {
	return s.sweep(ctx, SweepRetry, TriggerRetry, func(ctx context.Context, _ time.Time) ([]*Subscription, error) {
		return s.ledger.FindRetryCandidates(ctx)
	})
}

func (s *Scheduler) runLogged(ctx context.Context, kind SweepKind) {
	if _, err := s.Run(ctx, kind); err != nil {
		s.config.Logger.Error("sweep failed", Field{Key: "sweep", Value: string(kind)}, errField(err))
	}
}

func (s *Scheduler) sweep(ctx context.Context, kind SweepKind, trigger Trigger,
	find func(context.Context, time.Time) ([]*Subscription, error)) (*SweepReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	now := currentTime(ctx, s.ledger, s.config.Now)
	report := &SweepReport{Kind: kind, Day: BillingDay(now, s.config.Location)}
	log := s.config.Logger

	ok, err := s.config.Guard.Acquire(ctx, kind, report.Day, s.config.GuardTTL)
	if err != nil {
		return nil, fmt.Errorf("sweep guard: %w", err)
	}
	if !ok {
		report.Duplicate = true
		log.Info("sweep already ran today, skipping",
			Field{Key: "sweep", Value: string(kind)}, Field{Key: "day", Value: report.Day})
		return report, nil
	}

	subs, err := find(ctx, now)
	if err != nil {
		if rerr := s.config.Guard.Release(context.WithoutCancel(ctx), kind, report.Day); rerr != nil {
			log.Warn("failed to release sweep guard", Field{Key: "sweep", Value: string(kind)}, errField(rerr))
		}
		return nil, fmt.Errorf("select %s candidates: %w", kind, err)
	}
	report.Selected = len(subs)
	log.Info("sweep started",
		Field{Key: "sweep", Value: string(kind)},
		Field{Key: "day", Value: report.Day},
		Field{Key: "selected", Value: len(subs)})

	var (
		g   errgroup.Group
		rmu sync.Mutex
	)
	g.SetLimit(s.config.Concurrency)
	for _, sub := range subs {
		if ctx.Err() != nil {
			log.Warn("sweep interrupted", Field{Key: "sweep", Value: string(kind)}, errField(ctx.Err()))
			break
		}
		g.Go(func() error {
			out := s.executor.Charge(ctx, sub, trigger)
			rmu.Lock()
			report.add(out)
			rmu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	report.Duration = time.Since(start)
	s.config.Metrics.RecordSweep(string(kind), report.Selected, report.Succeeded, report.Failed,
		report.Skipped, report.Duration)
	log.Info("sweep finished",
		Field{Key: "sweep", Value: string(kind)},
		Field{Key: "day", Value: report.Day},
		Field{Key: "succeeded", Value: report.Succeeded},
		Field{Key: "failed", Value: report.Failed},
		Field{Key: "skipped", Value: report.Skipped},
		Field{Key: "duration", Value: report.Duration.String()})
	return report, nil
}

func parseClock(v string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", v)
	if err != nil {
		return 0, 0, fmt.Errorf("expected HH:MM, got %q", v)
	}
	return t.Hour(), t.Minute(), nil
}

// MemorySweepGuard is an in-process SweepGuard
type MemorySweepGuard struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

// NewMemorySweepGuard creates an empty MemorySweepGuard
func NewMemorySweepGuard() *MemorySweepGuard {
	return &MemorySweepGuard{seen: make(map[string]time.Time)}
}

func (g *MemorySweepGuard) Acquire(_ context.Context, kind SweepKind, day string, ttl time.Duration) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	for k, exp := range g.seen {
		if now.After(exp) {
			delete(g.seen, k)
		}
	}

	key := string(kind) + ":" + day
	if _, ok := g.seen[key]; ok {
		return false, nil
	}
	g.seen[key] = now.Add(ttl)
	return true, nil
}

func (g *MemorySweepGuard) Release(_ context.Context, kind SweepKind, day string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.seen, string(kind)+":"+day)
	return nil
}
