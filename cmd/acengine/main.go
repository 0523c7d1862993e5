// Package main запускает HTTP-сервер движка Attention-Credit.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/attention-credit/internal/achievement"
	"github.com/mmeshcher/attention-credit/internal/billing"
	"github.com/mmeshcher/attention-credit/internal/config"
	"github.com/mmeshcher/attention-credit/internal/events"
	"github.com/mmeshcher/attention-credit/internal/handler"
	"github.com/mmeshcher/attention-credit/internal/ledger"
	"github.com/mmeshcher/attention-credit/internal/middleware"
	"github.com/mmeshcher/attention-credit/internal/payout"
	"github.com/mmeshcher/attention-credit/internal/progress"
	"github.com/mmeshcher/attention-credit/internal/repository"
	"github.com/mmeshcher/attention-credit/internal/segment"
	"github.com/mmeshcher/attention-credit/internal/service"
	"github.com/mmeshcher/attention-credit/internal/streak"
	"github.com/mmeshcher/attention-credit/internal/trust"
)

// store объединяет всё, что движок требует от основного хранилища.
type store interface {
	service.Repository
	ledger.Store
	achievement.Store
	streak.Store
	billing.Store
}

type progressStore interface {
	segment.ProgressStore
	Close() error
}

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, err := openStore(cfg, logger)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}

	progressDB, err := openProgressStore(ctx, cfg)
	if err != nil {
		sugar.Fatalw("progress store initialization error", "error", err.Error())
	}
	defer progressDB.Close()

	var publisher ledger.Publisher = events.Nop{}
	if cfg.KafkaBrokers != "" {
		kp := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kp.Close()
		publisher = kp
		sugar.Infow("publishing ledger events", "brokers", cfg.KafkaBrokers)
	}

	ledgerSvc := ledger.New(repo, trust.MustDefault(), publisher, logger)
	biller := billing.NewBiller(repo, ledgerSvc, billing.Config{}, logger)

	deps := service.Deps{
		Repo:         repo,
		Ledger:       ledgerSvc,
		Segments:     segment.NewTracker(progressDB, logger),
		Achievements: achievement.NewEngine(repo, ledgerSvc, logger),
		Streaks:      streak.NewTracker(repo, ledgerSvc, cfg.Location(), streak.DefaultMilestones(), logger),
		Logger:       logger,
	}
	if cfg.PayoutSystemAddress != "" {
		deps.Payouts = payout.NewClient(cfg.PayoutSystemAddress)
	}

	svc, err := service.NewService(deps, service.Config{SessionIdleTimeout: cfg.SessionIdleTimeout})
	if err != nil {
		sugar.Fatalw("service initialization error", "error", err.Error())
	}

	authMiddleware := middleware.NewAuthMiddleware(cfg.JWTSecret)
	h := handler.NewHandler(svc, logger, authMiddleware, cfg.AdminToken)

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           h.SetupRouter(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	// Периодические списания подписок
	g.Go(func() error {
		biller.Start(ctx, cfg.BillingInterval)
		return nil
	})

	// Передача заявок на вывод в платёжный контур
	svc.StartPayoutDispatch(ctx)
	svc.StartSessionSweep(ctx)

	g.Go(func() error {
		sugar.Infow("starting attention-credit server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		if err := svc.Close(shutdownCtx); err != nil {
			return fmt.Errorf("service close error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}

func openStore(cfg *config.Config, logger *zap.Logger) (store, error) {
	if cfg.DatabaseURI == "" {
		logger.Warn("DATABASE_URI is empty, using in-memory storage")
		return repository.NewMemoryRepository(), nil
	}
	return repository.NewPostgresRepository(cfg.DatabaseURI)
}

func openProgressStore(ctx context.Context, cfg *config.Config) (progressStore, error) {
	switch cfg.ProgressStore {
	case config.ProgressStoreRedis:
		return progress.NewRedisStore(ctx, cfg.RedisAddress)
	default:
		return progress.OpenSQLite(cfg.ProgressDBPath)
	}
}
