package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/alecgard/pipewatch/internal/api"
	"github.com/alecgard/pipewatch/internal/auth"
	"github.com/alecgard/pipewatch/internal/config"
	"github.com/alecgard/pipewatch/internal/credential"
	"github.com/alecgard/pipewatch/internal/metering"
	"github.com/alecgard/pipewatch/internal/metrics"
	"github.com/alecgard/pipewatch/internal/monitor"
	"github.com/alecgard/pipewatch/internal/notify"
	"github.com/alecgard/pipewatch/internal/ratelimit"
	"github.com/alecgard/pipewatch/internal/webhook"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Pipewatch server",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.Webhook.URL == "" {
		return errors.New("webhook.url is required to serve")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	slog.Info("connected to database")

	m := metrics.New()
	m.RegisterDBPoolCollector(func() (int32, int32, int32) {
		s := db.Stat()
		return s.TotalConns(), s.IdleConns(), s.AcquiredConns()
	})

	// Usage log.
	meterStore := metering.NewStore(db)
	collector := metering.NewCollector(meterStore, cfg.Metering.BatchSize, cfg.Metering.FlushInterval)
	collector.SetObserver(m)
	go collector.Start(ctx)

	// Credential pool.
	creds, err := loadCredentials(ctx, cfg, db)
	if err != nil {
		return err
	}
	creds.SetUsageSink(collector)
	creds.SetObserver(m)
	stats := creds.Stats(ctx)
	slog.Info("credential pool loaded", "credentials", len(stats))

	resetJob, err := credential.NewResetJob(creds, cfg.Credentials.ResetSchedule)
	if err != nil {
		return err
	}
	resetJob.Start()

	// Scheduler.
	b, err := openBackends(ctx, cfg, db)
	if err != nil {
		return err
	}
	defer b.close(context.Background())

	hook := webhook.NewClient(cfg.Webhook.URL, cfg.Webhook.Timeout)
	hook.SetMetrics(m)

	mgr := monitor.NewManager(monitor.Config{
		IntervalFloor:  cfg.Monitoring.IntervalFloor,
		MinRunGap:      cfg.Monitoring.MinRunGap,
		RetryBackoff:   cfg.Monitoring.RetryBackoff,
		RecoveryJitter: cfg.Monitoring.RecoveryJitter,
		RunTimeout:     cfg.Monitoring.RunTimeout,
	}, b.schedules, creds, hook, b.results)
	mgr.SetMetrics(m)

	if cfg.Notify.URL != "" {
		gw := notify.NewGateway(notify.GatewayConfig{
			URL:           cfg.Notify.URL,
			Token:         cfg.Notify.Token,
			Sender:        cfg.Notify.Sender,
			RatePerSecond: cfg.Notify.RatePerSecond,
			Burst:         cfg.Notify.Burst,
			Timeout:       cfg.Notify.Timeout,
		})
		gw.SetMetrics(m)
		mgr.SetNotifier(gw)
	} else {
		slog.Warn("notify.url is empty; owner notifications are disabled")
	}

	if _, err := mgr.InitializeScheduledMonitorings(ctx, ""); err != nil {
		return fmt.Errorf("recovering monitorings: %w", err)
	}

	// Admin API.
	verifier, err := auth.NewVerifier(cfg.Auth.AdminKeyHashes)
	if err != nil && !errors.Is(err, auth.ErrNoAdminKeys) {
		return fmt.Errorf("admin keys: %w", err)
	}
	if verifier != nil {
		verifier.SetMetrics(m)
	} else {
		slog.Warn("no admin keys configured; admin API is disabled")
	}

	var limiter *ratelimit.Limiter
	if cfg.RateLimit.Default > 0 {
		limiter = ratelimit.New(cfg.RateLimit.Default, cfg.RateLimit.Window)
	}

	router := api.NewRouter(api.RouterDeps{
		Credentials:    creds,
		Monitor:        mgr,
		Results:        b.results,
		Usage:          meterStore,
		Verifier:       verifier,
		Limiter:        limiter,
		Metrics:        m,
		HealthChecks:   b.checks,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
	})

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "addr", cfg.Addr())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-sigCh:
	case err := <-errCh:
		slog.Error("server error", "error", err)
	}
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	srvErr := srv.Shutdown(shutdownCtx)
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		slog.Error("waiting for in-flight runs", "error", err)
	}
	resetJob.Stop()
	collector.Stop()

	return srvErr
}
