package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/spf13/cobra"

	"github.com/marlonbarreto-git/nimbus-funnel/internal/config"
	"github.com/marlonbarreto-git/nimbus-funnel/internal/formcache"
	"github.com/marlonbarreto-git/nimbus-funnel/internal/funnel"
	"github.com/marlonbarreto-git/nimbus-funnel/internal/handler"
	"github.com/marlonbarreto-git/nimbus-funnel/internal/health"
	"github.com/marlonbarreto-git/nimbus-funnel/internal/orders"
	"github.com/marlonbarreto-git/nimbus-funnel/internal/payment"
	"github.com/marlonbarreto-git/nimbus-funnel/internal/ratelimit"
	"github.com/marlonbarreto-git/nimbus-funnel/internal/telemetry"
	"github.com/marlonbarreto-git/nimbus-funnel/internal/webhook"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the funnel HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

// closers run in reverse order on shutdown.
type closers []func() error

func (c *closers) add(fn func() error) { *c = append(*c, fn) }

func (c closers) run() {
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i](); err != nil {
			slog.Warn("shutdown_close_failed", "error", err)
		}
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := setupLogger(cfg.Log.Level)
	fmt.Println("Nimbus Funnel - starting...")

	var cleanup closers
	defer func() { cleanup.run() }()

	shutdownTracing := telemetry.Init(cfg.Tracing.Enabled)
	cleanup.add(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return shutdownTracing(ctx)
	})

	cat, err := loadCatalog(cfg.Catalog.Path)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}

	repo, storageMode := openOrders(ctx, cfg, &cleanup)
	ledger := orders.NewLedger(repo)

	var provider payment.Provider
	switch {
	case cfg.Payment.Provider == config.ProviderMock:
		provider = payment.NewMockProvider(payment.DefaultMockConfig())
	case cfg.PaymentEnabled():
		provider = payment.NewStripeProvider(cfg.Stripe.SecretKey)
	default:
		slog.Warn("payments_disabled", "reason", "stripe keys are not configured")
	}
	payments := payment.NewService(provider, cat, ledger)

	limitStore, err := openRateLimitStore(ctx, cfg, &cleanup)
	if err != nil {
		return err
	}
	limiter := ratelimit.New(limitStore, ratelimit.Config{
		Window:      cfg.RateLimit.Window,
		MaxRequests: cfg.RateLimit.MaxRequests,
	})

	formStorage, err := openFormStorage(cfg, &cleanup)
	if err != nil {
		return err
	}
	forms := formcache.New(formStorage, cfg.FormCache.TTLMinutes)
	forms.StartSweeper(5 * time.Minute)
	cleanup.add(forms.Close)

	notifier := funnel.NewLogNotifier(logger, 256)
	cleanup.add(func() error { notifier.Close(); return nil })
	registry := funnel.NewRegistry(notifier, cfg.Session.IdleTTL)
	registry.StartSweeper(time.Minute)
	cleanup.add(func() error { registry.Close(); return nil })

	monitor := health.NewMonitorWithConfig(
		config.HealthWindowSize,
		config.HealthWindowDurationMinutes*time.Minute,
	)

	if cfg.Stripe.WebhookSecret == "" {
		slog.Warn("webhook_secret_missing", "route", "POST /api/webhooks/stripe")
	}
	receiver := webhook.NewReceiver(cfg.Stripe.WebhookSecret, limiter, ledger, monitor)

	h := handler.New(handler.Deps{
		Registry:       registry,
		Catalog:        cat,
		Payments:       payments,
		Ledger:         ledger,
		Monitor:        monitor,
		Forms:          forms,
		Webhook:        receiver,
		PublishableKey: cfg.Stripe.PublishableKey,
		SuccessDelay:   cfg.Confirm.SuccessDelay,
		DemoSubmit:     cfg.DemoSubmitEnabled(),
		StorageMode:    storageMode,
	})

	var routes http.Handler = h.Routes()
	if cfg.Tracing.Enabled {
		routes = telemetry.Wrap(routes)
	}

	srv := &http.Server{
		Addr:              cfg.Server.Port,
		Handler:           routes,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server_starting",
			"port", cfg.Server.Port,
			"version", Version,
			"payment_provider", cfg.Payment.Provider,
			"payment_enabled", payments.Enabled(),
			"storage", storageMode,
			"ratelimit_backend", cfg.RateLimit.Backend,
			"formcache_backend", cfg.FormCache.Backend,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("server_stopping")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	slog.Info("server_stopped")
	return nil
}

// openOrders returns the PostgreSQL repository when a database is configured
// and reachable, and the in-memory one otherwise.
func openOrders(ctx context.Context, cfg *config.Config, cleanup *closers) (orders.Repository, string) {
	if cfg.Database.URL == "" {
		return orders.NewMemoryRepository(), "memory"
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	db, err := orders.Connect(connectCtx, cfg.Database.URL, orders.PoolConfig{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		slog.Warn("database_unavailable", "fallback", "memory", "error", err)
		return orders.NewMemoryRepository(), "memory"
	}
	repo := orders.NewPostgresRepository(db)
	if err := repo.EnsureSchema(connectCtx); err != nil {
		db.Close()
		slog.Warn("database_schema_failed", "fallback", "memory", "error", err)
		return orders.NewMemoryRepository(), "memory"
	}
	cleanup.add(db.Close)
	return repo, "postgres"
}

func openRateLimitStore(ctx context.Context, cfg *config.Config, cleanup *closers) (ratelimit.Store, error) {
	if cfg.RateLimit.Backend == config.BackendDynamoDB {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		return ratelimit.NewDynamoDBStore(dynamodb.NewFromConfig(awsCfg), cfg.RateLimit.Table), nil
	}
	store := ratelimit.NewMemoryStore()
	store.StartSweeper(cfg.RateLimit.Window)
	cleanup.add(store.Close)
	return store, nil
}

func openFormStorage(cfg *config.Config, cleanup *closers) (formcache.Storage, error) {
	if cfg.FormCache.Backend == config.BackendSQLite {
		if err := os.MkdirAll(filepath.Dir(cfg.FormCache.Path), 0o755); err != nil {
			return nil, fmt.Errorf("create form cache dir: %w", err)
		}
		s, err := formcache.OpenSQLite(cfg.FormCache.Path)
		if err != nil {
			return nil, fmt.Errorf("open form cache: %w", err)
		}
		cleanup.add(s.Close)
		return s, nil
	}
	return formcache.NewMemoryStorage(), nil
}
