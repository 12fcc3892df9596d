package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"tokopos/backend/internal/config"
	"tokopos/backend/internal/domain"
	"tokopos/backend/internal/events"
	"tokopos/backend/internal/httpapi"
	"tokopos/backend/internal/ledger"
	"tokopos/backend/internal/localstore"
	"tokopos/backend/internal/logging"
	"tokopos/backend/internal/service"
	"tokopos/backend/internal/settlement"
	"tokopos/backend/internal/store"
	"tokopos/backend/internal/store/memory"
	pgstore "tokopos/backend/internal/store/postgres"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := validateSecurityConfig(cfg); err != nil {
		logger.Fatal("invalid security configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("server stopped with error", zap.Error(err))
	}
	logger.Info("server stopped")
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	closers := make([]func() error, 0, 3)
	defer func() {
		for _, closeFn := range closers {
			if err := closeFn(); err != nil {
				logger.Warn("close error", zap.Error(err))
			}
		}
	}()

	startCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var repo store.Repository
	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(startCtx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("postgres unavailable and DATABASE_URL is set: %w", err)
		}
		closers = append(closers, pg.Close)
		if cfg.AutoMigrate {
			if err := pg.Migrate(startCtx); err != nil {
				return err
			}
			logger.Info("migrations applied")
		}
		repo = pg
		logger.Info("repository: postgres")
	} else {
		repo = memory.NewSeeded()
		logger.Info("repository: in-memory")
	}

	local, err := openLocalStore(startCtx, cfg, logger)
	if err != nil {
		return err
	}
	if closer, ok := local.(interface{ Close() error }); ok {
		closers = append(closers, closer.Close)
	}

	var publisher events.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		producer := events.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopicSales, logger)
		closers = append(closers, producer.Close)
		publisher = producer
		logger.Info("sale events: kafka", zap.Strings("brokers", cfg.KafkaBrokers), zap.String("topic", cfg.KafkaTopicSales))
	} else {
		publisher = events.NewInline(events.NewStockHandler(repo, logger))
		logger.Info("sale events: inline")
	}

	finalizer := settlement.NewFinalizer(repo, publisher, repo, logger, settlement.Config{
		StoreName:     cfg.StoreName,
		CommitTimeout: cfg.CommitTimeout(),
	})
	svc := service.New(repo, ledger.New(repo, logger), finalizer, local, logger, service.Options{
		StoreName:       cfg.StoreName,
		DefaultTenantID: cfg.DefaultTenantID,
		DefaultBranchID: cfg.DefaultBranchID,
	})
	go svc.RunEviction(ctx, time.Minute, cfg.SessionIdleTTL())

	auth := httpapi.NewAuthManager(cfg.AuthSecret, cfg.AccessTokenTTL())
	api := httpapi.New(svc, auth, cfg.AllowedOrigin, logger)

	if !cfg.IsProduction() {
		token, _, err := auth.IssueToken(domain.Actor{
			StaffID:  "bootstrap-admin",
			TenantID: cfg.DefaultTenantID,
			BranchID: cfg.DefaultBranchID,
			DeviceID: "backoffice",
			Role:     httpapi.RoleAdmin,
		})
		if err == nil {
			logger.Info("development admin token issued", zap.String("token", token))
		}
	}

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      cfg.CommitTimeout() + 5*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("POS backend listening", zap.String("addr", cfg.Address()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()
	return server.Shutdown(shutdownCtx)
}

// openLocalStore picks the held-order backend: redis when configured and
// reachable, otherwise files under HELD_ORDER_DIR.
func openLocalStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (localstore.Store, error) {
	if cfg.RedisAddr != "" {
		redisStore := localstore.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisStore.Ping(ctx); err != nil {
			logger.Warn("redis unavailable, using file store", zap.Error(err))
			_ = redisStore.Close()
		} else {
			logger.Info("held orders: redis", zap.String("addr", cfg.RedisAddr))
			return redisStore, nil
		}
	}
	fileStore, err := localstore.NewFile(cfg.HeldOrderDir)
	if err != nil {
		return nil, fmt.Errorf("open held order dir: %w", err)
	}
	logger.Info("held orders: file", zap.String("dir", cfg.HeldOrderDir))
	return fileStore, nil
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if cfg.IsProduction() && cfg.AllowedOrigin == "*" {
		return fmt.Errorf("ALLOWED_ORIGIN must not be * in production")
	}
	return nil
}
