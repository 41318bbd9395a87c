package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/kelseyhightower/envconfig"

	"paysettle/internal/common/cache"
	"paysettle/internal/common/database"
	"paysettle/internal/common/middleware"
	"paysettle/internal/common/queue"
	"paysettle/internal/ledger"
	ledgerapi "paysettle/internal/ledger/api"
	ledgerstore "paysettle/internal/ledger/store"
	"paysettle/internal/payment"
	paymentapi "paysettle/internal/payment/api"
	paymentstore "paysettle/internal/payment/store"
	"paysettle/internal/webhook"
	webhookapi "paysettle/internal/webhook/api"
	webhookstore "paysettle/internal/webhook/store"
)

// Config holds service configuration
type Config struct {
	Port        int    `envconfig:"SETTLEMENT_PORT" default:"8085"`
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`

	Database database.Config
	Redis    cache.Config
	Queue    queue.Config
	NATS     queue.NATSConfig
	Webhook  webhook.Config
}

// backend is a queue that runs its own workers
type backend interface {
	queue.Queue
	queue.Runner
}

func main() {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to process config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	if cfg.Database.Migrate {
		if err := database.Migrate(cfg.Database.URL, logger); err != nil {
			logger.Error("failed to migrate database", "error", err)
			os.Exit(1)
		}
	}

	db, err := database.New(ctx, cfg.Database, logger)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	redis := cache.Connect(ctx, cfg.Redis, logger)
	defer redis.Close()

	jobs, err := newBackend(ctx, cfg, db, logger)
	if err != nil {
		logger.Error("failed to set up job queue", "backend", cfg.Queue.Backend, "error", err)
		os.Exit(1)
	}

	// Repositories
	accounts := ledgerstore.New(db)
	payments := paymentstore.New(db)
	events := webhookstore.New(db)

	// Services
	ledgerService := ledger.NewService(accounts, accounts, db, logger)
	paymentService := payment.NewService(payments, db, logger)

	normalizers := webhook.DefaultNormalizers()
	guard := webhook.NewGuard(redis, events, cfg.Webhook.CacheTTL, logger)
	intake := webhook.NewIntake(guard, events, jobs, normalizers, logger)
	processor := webhook.NewProcessor(
		events,
		paymentService,
		ledgerService.Ledger(),
		ledgerService.Journal(),
		db,
		normalizers,
		logger,
	)

	if err := jobs.Subscribe(webhook.JobTypeProcessWebhook, processor.Handle); err != nil {
		logger.Error("failed to subscribe webhook processor", "error", err)
		os.Exit(1)
	}
	if err := jobs.Start(ctx); err != nil {
		logger.Error("failed to start job workers", "error", err)
		os.Exit(1)
	}

	if cfg.Webhook.RetryInterval > 0 {
		retrier := webhook.NewRetrier(events, jobs, cfg.Webhook.RetryPolicy(), logger)
		go retrier.Run(ctx, cfg.Webhook.RetryInterval, cfg.Webhook.RetryBatch)
	}

	// Handlers
	ledgerHandler := ledgerapi.NewHandler(ledgerService)
	paymentHandler := paymentapi.NewHandler(paymentService)
	webhookHandler := webhookapi.NewHandler(intake, guard, events, logger)

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.CorrelationID)
	r.Use(middleware.Recoverer(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.MaxBodySize(1 << 20))
	r.Use(chimw.Compress(5))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := db.HealthCheck(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unhealthy"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Mount("/ledger", ledgerHandler.Routes())
		r.Mount("/", paymentHandler.Routes())
	})
	r.Mount("/", webhookHandler.Routes())

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting settlement service",
			"port", cfg.Port,
			"environment", cfg.Environment,
			"queue_backend", cfg.Queue.Backend,
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()

	logger.Info("shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	if err := jobs.Stop(shutdownCtx); err != nil {
		logger.Error("job workers shutdown error", "error", err)
	}

	logger.Info("server stopped")
}

func newBackend(ctx context.Context, cfg Config, db *database.DB, logger *slog.Logger) (backend, error) {
	switch cfg.Queue.Backend {
	case "river":
		if err := queue.MigrateRiver(ctx, db.Pool()); err != nil {
			return nil, err
		}
		return queue.NewRiver(db.Pool(), cfg.Queue, logger)
	case "nats":
		return queue.ConnectJetStream(ctx, cfg.NATS, cfg.Queue, logger)
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.Queue.Backend)
	}
}

func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
