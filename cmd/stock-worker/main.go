package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"tokopos/backend/internal/config"
	"tokopos/backend/internal/events"
	"tokopos/backend/internal/logging"
	pgstore "tokopos/backend/internal/store/postgres"
)

// stock-worker applies sale.finalized events from Kafka to the stock tables.
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

	if cfg.DatabaseURL == "" || len(cfg.KafkaBrokers) == 0 {
		logger.Fatal("DATABASE_URL and KAFKA_BROKERS are required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	pg, err := pgstore.New(startCtx, cfg.DatabaseURL)
	cancel()
	if err != nil {
		logger.Fatal("postgres unavailable", zap.Error(err))
	}
	defer pg.Close()

	consumer := events.NewConsumer(cfg.KafkaBrokers, cfg.KafkaTopicSales, cfg.KafkaConsumerGroup, logger)
	defer consumer.Close()

	err = consumer.Run(ctx, events.NewStockHandler(pg, logger))
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("consumer stopped", zap.Error(err))
	}
	logger.Info("stock worker stopped")
}
