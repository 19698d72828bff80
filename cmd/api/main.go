package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/punchamoorthee/feeledger/internal/api"
	"github.com/punchamoorthee/feeledger/internal/config"
	"github.com/punchamoorthee/feeledger/internal/events"
	"github.com/punchamoorthee/feeledger/internal/fees"
	"github.com/punchamoorthee/feeledger/internal/logging"
	"github.com/punchamoorthee/feeledger/internal/service"
	"github.com/punchamoorthee/feeledger/internal/store"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ledgerStore, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	rates, closeRates, err := openRates(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeRates()

	opts := []service.Option{
		service.WithLogger(logger),
		service.WithRates(rates),
		service.WithStaleAfter(cfg.RecoveryStaleAfter),
	}
	if cfg.RabbitMQURL != "" {
		pub, err := events.NewRabbitMQPublisher(cfg.RabbitMQURL, cfg.RabbitMQExchange, logger)
		if err != nil {
			return err
		}
		defer pub.Close()
		opts = append(opts, service.WithPublisher(pub))
	}

	ledger := service.NewLedger(ledgerStore, opts...)
	recovery := service.NewRecovery(ledgerStore, opts...)
	revenue := service.NewRevenue(ledgerStore)

	sweeper, err := service.NewSweeper(recovery, cfg.RecoverySchedule, logger)
	if err != nil {
		return err
	}

	handler := api.NewHandler(ledger, recovery, revenue, api.Options{
		AdminToken:     cfg.AdminToken,
		PaymentsToken:  cfg.PaymentsToken,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
		Logger:         logger,
	})
	if cfg.AdminToken == "" {
		logger.Warn("ADMIN_TOKEN not set, admin routes are disabled")
	}
	if cfg.AdminToken == "" && cfg.PaymentsToken == "" {
		logger.Warn("neither PAYMENTS_TOKEN nor ADMIN_TOKEN set, adding funds is disabled")
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server starting", zap.String("addr", srv.Addr), zap.Bool("in_memory", cfg.InMemory()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return sweeper.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})

	err = g.Wait()

	// The server and sweeper have stopped; flush what they started before
	// the publisher closes.
	drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if derr := ledger.Drain(drainCtx); derr != nil {
		logger.Warn("background transfers still settling at shutdown", zap.Error(derr))
	}
	if derr := recovery.Drain(drainCtx); derr != nil {
		logger.Warn("recovery events still publishing at shutdown", zap.Error(derr))
	}
	return err
}

// openStore returns the Postgres store when DB_SOURCE is set and the
// in-memory store otherwise.
func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store.Ledger, func(), error) {
	if cfg.InMemory() {
		logger.Warn("DB_SOURCE not set, ledger state lives in memory")
		return store.NewMemory(), func() {}, nil
	}

	if err := store.Migrate(cfg.DBSource, logger); err != nil {
		return nil, nil, err
	}
	pool, err := store.NewPool(ctx, cfg.DBSource)
	if err != nil {
		return nil, nil, err
	}
	pg := store.NewPostgres(pool)
	if err := pg.EnsureSystemAccounts(ctx); err != nil {
		pg.Close()
		return nil, nil, err
	}
	return pg, pg.Close, nil
}

// openRates reads FX rates from Redis when REDIS_URL is set, seeding the
// hash with the configured table; otherwise the table is used directly.
func openRates(ctx context.Context, cfg *config.Config, logger *zap.Logger) (fees.RateSource, func(), error) {
	static, err := fees.ParseStaticRates(cfg.FXRates)
	if err != nil {
		return nil, nil, fmt.Errorf("FX_RATES: %w", err)
	}
	if cfg.RedisURL == "" {
		return static, func() {}, nil
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("REDIS_URL: %w", err)
	}
	client := redis.NewClient(redisOpts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	rates := fees.NewRedisRates(client, "")
	if err := rates.Publish(ctx, static); err != nil {
		client.Close()
		return nil, nil, err
	}
	logger.Info("fx rates served from redis", zap.Int("seeded_pairs", len(static)))
	return rates, func() { client.Close() }, nil
}
