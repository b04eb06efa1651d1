package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/dramaplan/billing"
	"github.com/dramaplan/billing/api"
	audithook "github.com/dramaplan/billing/audit_hook"
	"github.com/dramaplan/billing/config"
	notifyhook "github.com/dramaplan/billing/notify_hook"
	"github.com/dramaplan/billing/observability"
	"github.com/dramaplan/billing/sweeper"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the overage sweeper",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runServe(cmd.Context())
	},
}

func runServe(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s, err := openStore(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	logger.Info("store opened", "driver", cfg.Store.Driver)

	catalog, err := newCatalog(cfg.Plans)
	if err != nil {
		_ = s.Close()
		return fmt.Errorf("plan catalog: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	opts := []billing.Option{
		billing.WithLogger(logger),
		billing.WithCatalog(catalog),
		billing.WithProvider(newProvider(cfg, logger)),
		billing.WithEntitlementCacheTTL(cfg.Cache.TTL),
		billing.WithAutoMigrate(cfg.Store.AutoMigrate),
		billing.WithPlugin(observability.NewMetricsExtension(observability.NewPrometheusFactory(reg, ""))),
		billing.WithPlugin(audithook.New(audithook.NewSlogRecorder(logger), audithook.WithLogger(logger))),
	}

	cache, err := openCache(ctx, cfg)
	if err != nil {
		_ = s.Close()
		return fmt.Errorf("open cache: %w", err)
	}
	if cache != nil {
		opts = append(opts, billing.WithCache(cache))
	}

	if cfg.NATS.URL != "" {
		pub, err := notifyhook.ConnectNATS(cfg.NATS.URL, cfg.NATS.Name)
		if err != nil {
			_ = s.Close()
			return err
		}
		opts = append(opts, billing.WithPlugin(notifyhook.New(pub,
			notifyhook.WithLogger(logger),
			notifyhook.WithSubjectPrefix(cfg.NATS.SubjectPrefix),
		)))
	}

	engine := billing.New(s, opts...)
	if err := engine.Start(ctx); err != nil {
		_ = s.Close()
		return fmt.Errorf("start engine: %w", err)
	}
	defer func() {
		if err := engine.Stop(); err != nil {
			logger.Error("stop engine", "error", err)
		}
	}()

	if cfg.Sweeper.Enabled {
		sw := sweeper.New(s, engine, sweeper.Config{
			Schedule:     cfg.Sweeper.Schedule,
			PendingAfter: cfg.Sweeper.PendingAfter,
			BatchSize:    cfg.Sweeper.BatchSize,
		}, sweeper.WithLogger(logger))
		if err := sw.Start(); err != nil {
			return fmt.Errorf("start sweeper: %w", err)
		}
		defer func() { <-sw.Stop().Done() }()
	}

	handler := api.NewHandler(engine,
		api.WithLogger(logger),
		api.WithSignatureHeader(cfg.Webhook.SignatureHeader),
		api.WithMaxWebhookBytes(cfg.Webhook.MaxBytes),
	)
	router := api.NewRouter(handler, api.Config{
		JWTSecret:      []byte(cfg.Auth.JWTSecret),
		AllowedOrigins: cfg.Server.AllowedOrigins,
		RequestTimeout: cfg.Server.RequestTimeout,
	})
	if cfg.Server.MetricsPath != "" {
		router.Handle(cfg.Server.MetricsPath, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting server", "addr", cfg.Server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received, gracefully shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}
	logger.Info("server stopped")
	return nil
}
