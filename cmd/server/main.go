package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/example/pickup-ops/internal/aggregate"
	"github.com/example/pickup-ops/internal/config"
	"github.com/example/pickup-ops/internal/dispatch"
	"github.com/example/pickup-ops/internal/eventlog"
	httpapi "github.com/example/pickup-ops/internal/http"
	"github.com/example/pickup-ops/internal/logging"
	"github.com/example/pickup-ops/internal/payments"
	"github.com/example/pickup-ops/internal/pickup"
	"github.com/example/pickup-ops/internal/relay"
	"github.com/example/pickup-ops/internal/settings"
	"github.com/example/pickup-ops/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel, "pickup-ops")
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.ServerConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		store  storage.Store = storage.NewMemoryStore()
		events eventlog.Log  = eventlog.NewMemoryLog()
		db     *sql.DB
	)
	if cfg.PGDSN != "" {
		var err error
		db, err = storage.OpenPostgres(ctx, cfg.PGDSN)
		if err != nil {
			return err
		}
		defer db.Close()
		if cfg.RunMigrations {
			if err := storage.Migrate(ctx, db, cfg.MigrationsDir); err != nil {
				return err
			}
			logger.Info("migrations applied", "dir", cfg.MigrationsDir)
		}
		store = storage.NewPostgresStore(db)
		events = eventlog.NewPostgresLog(db)
	} else {
		logger.Warn("PG_DSN not set; pickups and activity are kept in memory")
	}

	var (
		settingsRepo settings.Repository = settings.NewMemoryRepository()
		rc           *redis.Client
	)
	if cfg.RedisAddr != "" {
		rc = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		settingsRepo = settings.NewRedisRepository(rc, cfg.SettingsKey)
	}

	live := dispatch.NewRegistry(cfg.LiveMaxPending, logger)
	recorder := eventlog.NewRecorder(events, live, logger)

	settingsStore, err := settings.Open(ctx, settingsRepo, recorder, logger)
	if err != nil {
		return err
	}

	engine := aggregate.NewEngine(store)
	pickups := pickup.NewService(store, recorder, settingsStore, logger)
	pickups.OnChange = func(ctx context.Context) {
		if _, err := engine.Summary(ctx); err != nil {
			logger.Warn("aggregate refresh failed", "error", err)
		}
	}
	_, _ = engine.Summary(ctx)

	// Background subscribers stop when the registry closes.
	var workers sync.WaitGroup
	if len(cfg.KafkaBrokers) > 0 {
		kr := relay.NewKafkaRelay(relay.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic), logger)
		defer kr.Close()
		workers.Add(1)
		go func() {
			defer workers.Done()
			if err := kr.Run(ctx, live); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("relay stopped", "error", err)
			}
		}()
		logger.Info("relaying activity to kafka", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers)
	}

	var payer payments.Payer = payments.LogPayer{Logger: logger}
	if cfg.StripeAPIKey != "" {
		payer = payments.NewStripePayer(cfg.StripeAPIKey)
	}
	payouts := payments.NewWorker(payer, settingsStore, recorder, cfg.PayoutCurrency, logger)
	workers.Add(1)
	go func() {
		defer workers.Done()
		if err := payouts.Run(ctx, live); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("payout worker stopped", "error", err)
		}
	}()

	api := httpapi.NewServer(httpapi.Deps{
		Pickups:       pickups,
		Summary:       engine,
		Activity:      recorder,
		Settings:      settingsStore,
		Live:          live,
		AllowedOrigin: cfg.LiveChannelOrigin,
		Ready: func(ctx context.Context) error {
			if db != nil {
				if err := db.PingContext(ctx); err != nil {
					return err
				}
			}
			if rc != nil {
				return rc.Ping(ctx).Err()
			}
			return nil
		},
	}, logger)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("pickup-ops listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	// WebSocket connections are hijacked, so Shutdown does not wait for them.
	live.Close()
	stop()
	workers.Wait()
	return err
}
