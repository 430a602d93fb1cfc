package main

import (
	"context"
	"fmt"
	"net/http"

	gfirestore "cloud.google.com/go/firestore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mihaimyh/gobilling/internal/config"
	"github.com/mihaimyh/gobilling/notify/pubsub"
	"github.com/mihaimyh/gobilling/pkg/api"
	"github.com/mihaimyh/gobilling/pkg/billing"
	billinglog "github.com/mihaimyh/gobilling/pkg/billing/logger/zerolog"
	billingmetrics "github.com/mihaimyh/gobilling/pkg/billing/metrics/prometheus"
	"github.com/mihaimyh/gobilling/pkg/gateway"
	gatewaymetrics "github.com/mihaimyh/gobilling/pkg/gateway/metrics/prometheus"
	"github.com/mihaimyh/gobilling/pkg/gateway/stripe"
	"github.com/mihaimyh/gobilling/pkg/gateway/toss"
	"github.com/mihaimyh/gobilling/storage/firestore"
	"github.com/mihaimyh/gobilling/storage/memory"
	"github.com/mihaimyh/gobilling/storage/postgres"
	"github.com/mihaimyh/gobilling/storage/redis"
)

// app holds every wired component and the cleanup that releases them
type app struct {
	manager   *billing.Manager
	scheduler *billing.Scheduler
	handler   http.Handler
	closers   []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// ledgerBackend is the storage selected by STORAGE_DRIVER.
// Locker and guard stay nil when the backend is single-process.
type ledgerBackend struct {
	ledger billing.Ledger
	locker billing.Locker
	guard  billing.SweepGuard
}

func newApp(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*app, error) {
	a := &app{}
	ready := false
	defer func() {
		if !ready {
			a.close()
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := billingmetrics.NewMetrics(reg, "gobilling")
	blog := billinglog.NewLogger(log)

	backend, err := a.openLedger(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	// Executor and reconciler must share one locker
	locker := backend.locker
	if locker == nil {
		locker = billing.NewKeyedLocker()
	}

	notifier, err := a.openNotifier(ctx, cfg, blog)
	if err != nil {
		return nil, err
	}

	billingCfg := billing.Config{
		ProductName:    cfg.ProductName,
		OrderIDPrefix:  cfg.OrderIDPrefix,
		StrictPlans:    cfg.StrictPlans,
		GatewayTimeout: cfg.GatewayTimeout,
		Location:       cfg.Location(),
		Locker:         locker,
		Notifier:       notifier,
		Metrics:        metrics,
		Logger:         blog,
		CircuitBreakerConfig: &billing.CircuitBreakerConfig{
			Enabled:          cfg.CircuitBreakerEnabled,
			FailureThreshold: cfg.CircuitBreakerThreshold,
			ResetTimeout:     cfg.CircuitBreakerReset,
		},
	}

	reconciler, err := billing.NewReconciler(backend.ledger, billingCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create reconciler: %w", err)
	}

	provider, err := newProvider(cfg, gateway.Config{
		SecretKey:     cfg.GatewaySecretKey,
		WebhookSecret: cfg.GatewayWebhookSecret,
		BaseURL:       cfg.GatewayBaseURL,
		Reconciler:    reconciler,
		Metrics:       gatewaymetrics.NewMetrics(reg, "gobilling_gateway"),
		Logger:        blog,
	})
	if err != nil {
		return nil, err
	}

	executor, err := billing.NewExecutor(backend.ledger, provider, billingCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create executor: %w", err)
	}

	a.manager, err = billing.NewManager(backend.ledger, executor)
	if err != nil {
		return nil, fmt.Errorf("failed to create manager: %w", err)
	}

	a.scheduler, err = billing.NewScheduler(backend.ledger, executor, billing.SchedulerConfig{
		RenewalAt:   cfg.RenewalAt,
		RetryAt:     cfg.RetryAt,
		Location:    cfg.Location(),
		Concurrency: cfg.Concurrency,
		Guard:       backend.guard,
		Metrics:     metrics,
		Logger:      blog,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	webhooks := map[string]http.Handler{provider.Name(): provider.WebhookHandler()}
	if provider.Name() == "toss" {
		// Toss documentation uses this path segment for webhook URLs
		webhooks["tosspayments"] = provider.WebhookHandler()
	}

	apiHandler, err := api.NewHandler(api.Config{
		Manager:        a.manager,
		ClientKey:      cfg.GatewayClientKey,
		Webhooks:       webhooks,
		AllowedOrigins: cfg.AllowedOrigins,
		Logger:         blog,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create API handler: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/", apiHandler.Routes())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	}
	a.handler = mux

	log.Info().
		Str("storage", cfg.StorageDriver).
		Str("gateway", provider.Name()).
		Str("notifier", cfg.Notifier).
		Msg("billing components initialized")
	ready = true
	return a, nil
}

func (a *app) openLedger(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*ledgerBackend, error) {
	switch cfg.StorageDriver {
	case "postgres":
		pgCfg := postgres.DefaultConfig()
		pgCfg.ConnectionString = cfg.PostgresDSN
		store, err := postgres.New(ctx, pgCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres ledger: %w", err)
		}
		a.closers = append(a.closers, store.Close)
		return &ledgerBackend{ledger: store, locker: store.Locker(), guard: store.SweepGuard()}, nil

	case "redis":
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		a.closers = append(a.closers, func() { _ = client.Close() })
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		redisCfg := redis.DefaultConfig()
		redisCfg.KeyPrefix = cfg.RedisKeyPrefix
		store, err := redis.New(client, redisCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to open redis ledger: %w", err)
		}
		return &ledgerBackend{ledger: store, locker: store.Locker(), guard: store.SweepGuard()}, nil

	case "firestore":
		client, err := gfirestore.NewClient(ctx, cfg.FirestoreProject)
		if err != nil {
			return nil, fmt.Errorf("failed to create firestore client: %w", err)
		}
		a.closers = append(a.closers, func() { _ = client.Close() })
		store, err := firestore.New(client, firestore.Config{})
		if err != nil {
			return nil, fmt.Errorf("failed to open firestore ledger: %w", err)
		}
		log.Warn().Msg("firestore ledger uses in-process locks; run a single scheduler replica")
		return &ledgerBackend{ledger: store}, nil

	default:
		log.Warn().Msg("memory ledger selected; state is lost on restart")
		return &ledgerBackend{ledger: memory.New()}, nil
	}
}

func (a *app) openNotifier(ctx context.Context, cfg *config.Config, log billing.Logger) (billing.Notifier, error) {
	if cfg.Notifier != "pubsub" {
		return &billing.LogNotifier{Logger: log}, nil
	}
	publisher, err := pubsub.NewPublisher(ctx, cfg.PubSubProjectID)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() { _ = publisher.Close() })
	return pubsub.NewNotifier(publisher, cfg.PubSubTopic)
}

func newProvider(cfg *config.Config, gwCfg gateway.Config) (gateway.Provider, error) {
	switch cfg.GatewayProvider {
	case "stripe":
		p, err := stripe.NewProvider(stripe.Config{Config: gwCfg, Currency: cfg.StripeCurrency})
		if err != nil {
			return nil, fmt.Errorf("failed to create stripe provider: %w", err)
		}
		return p, nil
	default:
		p, err := toss.NewProvider(gwCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create toss provider: %w", err)
		}
		return p, nil
	}
}
