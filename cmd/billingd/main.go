// Command billingd serves the billing API and runs the daily renewal and retry sweeps.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/mihaimyh/gobilling/internal/config"
	"github.com/mihaimyh/gobilling/internal/logger"
	"github.com/mihaimyh/gobilling/pkg/billing"
)

func main() {
	mode := flag.String("mode", "all", "Run mode: serve|scheduler|all")
	runOnce := flag.String("run-once", "", "Run a single sweep and exit: renewal|retry")
	flag.Parse()

	// .env is optional; real deployments inject the environment
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		bootLog := logger.New("", "info")
		bootLog.Fatal().Err(err).Msg("Error loading config")
	}

	log := logger.New(cfg.Env, cfg.LogLevel)
	if envErr != nil {
		log.Debug().Msg("no .env file found")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, log, *mode, *runOnce); err != nil {
		log.Fatal().Err(err).Str("mode", *mode).Msg("billingd failed")
	}
	log.Info().Str("mode", *mode).Msg("billingd stopped gracefully")
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger, mode, runOnce string) error {
	app, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer app.close()

	if runOnce != "" {
		return sweepOnce(ctx, app.scheduler, billing.SweepKind(runOnce), log)
	}

	g, ctx := errgroup.WithContext(ctx)
	switch mode {
	case "serve":
		g.Go(func() error { return serve(ctx, cfg.Port, app.handler, log) })
	case "scheduler":
		g.Go(func() error { return app.scheduler.Start(ctx) })
	case "all":
		g.Go(func() error { return serve(ctx, cfg.Port, app.handler, log) })
		g.Go(func() error { return app.scheduler.Start(ctx) })
	default:
		return fmt.Errorf("invalid mode: %s", mode)
	}
	return g.Wait()
}

func sweepOnce(ctx context.Context, s *billing.Scheduler, kind billing.SweepKind, log zerolog.Logger) error {
	if kind != billing.SweepRenewal && kind != billing.SweepRetry {
		return fmt.Errorf("invalid run-once sweep: %s", kind)
	}

	report, err := s.Run(ctx, kind)
	if err != nil {
		return fmt.Errorf("%s sweep: %w", kind, err)
	}
	log.Info().
		Str("kind", string(report.Kind)).
		Str("day", report.Day).
		Bool("duplicate", report.Duplicate).
		Int("selected", report.Selected).
		Int("succeeded", report.Succeeded).
		Int("failed", report.Failed).
		Int("skipped", report.Skipped).
		Dur("duration", report.Duration).
		Msg("sweep finished")
	return nil
}

func serve(ctx context.Context, port string, handler http.Handler, log zerolog.Logger) error {
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("Shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	return nil
}
