// Package main provides the dose consumer entry point.
// Applies mark-taken commands from the dose.commands topic.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/bhumireddy99/MediTrack/internal/config"
	"github.com/bhumireddy99/MediTrack/internal/domain/reminder"
	"github.com/bhumireddy99/MediTrack/internal/infrastructure/postgres"
	"github.com/bhumireddy99/MediTrack/internal/infrastructure/redpanda"
	"github.com/bhumireddy99/MediTrack/internal/observability/metrics"
	"github.com/bhumireddy99/MediTrack/internal/observability/tracing"
	"github.com/bhumireddy99/MediTrack/pkg/circuitbreaker"
	"github.com/bhumireddy99/MediTrack/pkg/idempotency"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	logger, err := cfg.NewLogger()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx := context.Background()

	tcfg := tracing.DefaultConfig("dose-consumer")
	tcfg.Environment = cfg.Environment
	tcfg.OTLPEndpoint = cfg.OTLPEndpoint
	tcfg.SampleRate = cfg.TraceSampleRate
	tp, err := tracing.Init(ctx, tcfg)
	if err != nil {
		logger.Fatal("tracing init failed", zap.Error(err))
	}

	// Connect to database
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()

	if err := postgres.Migrate(ctx, pool); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}

	m := metrics.New()
	breakerCfg := reminder.BreakerConfig("record-store")
	breakerCfg.OnStateChange = func(name string, from, to circuitbreaker.State) {
		m.SetBreakerState(name, string(to))
	}
	breaker, err := circuitbreaker.NewManager(logger).GetOrCreate(breakerCfg.Name, breakerCfg)
	if err != nil {
		logger.Fatal("circuit breaker creation failed", zap.Error(err))
	}

	store := postgres.NewRecordStore(pool, logger)
	svc := reminder.NewService(store, breaker, reminder.ServiceConfig{
		Location: cfg.Location,
		Metrics:  m,
	}, logger)

	inbox := idempotency.NewInbox(pool, idempotency.DefaultInboxConfig(), logger)
	inbox.StartCleanup()
	defer inbox.Stop()

	if n, err := inbox.RecoverStaleEntries(ctx); err != nil {
		logger.Warn("stale inbox recovery failed", zap.Error(err))
	} else if n > 0 {
		logger.Info("recovered stale inbox entries", zap.Int64("count", n))
	}

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.KafkaBrokers
	producer, err := redpanda.NewProducer(producerCfg, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()

	handler := &commandHandler{
		marker:      svc,
		inbox:       inbox,
		deadLetters: producer,
		metrics:     m,
		logger:      logger,
		maxAttempts: 5,
		backoff:     200 * time.Millisecond,
	}

	consumerCfg := redpanda.DefaultConsumerConfig()
	consumerCfg.Brokers = cfg.KafkaBrokers
	consumerCfg.GroupID = cfg.ConsumerGroup
	consumerCfg.Topics = []string{redpanda.TopicDoseCommands}

	consumer, err := redpanda.NewConsumer(consumerCfg, handler.Handle, logger)
	if err != nil {
		logger.Fatal("consumer creation failed", zap.Error(err))
	}

	consumer.Start()
	logger.Info("dose consumer started",
		zap.Strings("brokers", cfg.KafkaBrokers),
		zap.String("group", cfg.ConsumerGroup))

	// Wait for shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	if err := consumer.Stop(); err != nil {
		logger.Error("consumer stop error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.Error("tracer shutdown error", zap.Error(err))
	}

	stats := consumer.Stats()
	logger.Info("dose consumer stopped",
		zap.Int64("messages", stats.MessagesRead),
		zap.Int64("errors", stats.ErrorCount))
}
