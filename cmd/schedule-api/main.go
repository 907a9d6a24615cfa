// Package main provides the schedule API service entry point.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/bhumireddy99/MediTrack/internal/api/handlers"
	"github.com/bhumireddy99/MediTrack/internal/api/middleware"
	"github.com/bhumireddy99/MediTrack/internal/config"
	"github.com/bhumireddy99/MediTrack/internal/domain/reminder"
	"github.com/bhumireddy99/MediTrack/internal/domain/schedule"
	"github.com/bhumireddy99/MediTrack/internal/infrastructure/postgres"
	"github.com/bhumireddy99/MediTrack/internal/infrastructure/redpanda"
	"github.com/bhumireddy99/MediTrack/internal/observability/metrics"
	"github.com/bhumireddy99/MediTrack/internal/observability/tracing"
	"github.com/bhumireddy99/MediTrack/pkg/circuitbreaker"
	"github.com/bhumireddy99/MediTrack/pkg/workerpool"
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

	tcfg := tracing.DefaultConfig("schedule-api")
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
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		logger.Fatal("database ping failed", zap.Error(err))
	}
	if err := postgres.Migrate(ctx, pool); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}
	logger.Info("connected to database")

	if admin, err := redpanda.NewAdmin(cfg.KafkaBrokers, logger); err != nil {
		logger.Warn("kafka admin unavailable", zap.Error(err))
	} else {
		topicCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		if err := admin.EnsureTopics(topicCtx, redpanda.DefaultTopicConfigs()); err != nil {
			logger.Warn("failed to ensure topics", zap.Error(err))
		}
		cancel()
		admin.Close()
	}

	m := metrics.New()
	breakers := circuitbreaker.NewManager(logger)
	breakerCfg := reminder.BreakerConfig("record-store")
	breakerCfg.OnStateChange = func(name string, from, to circuitbreaker.State) {
		m.SetBreakerState(name, string(to))
	}
	breaker, err := breakers.GetOrCreate(breakerCfg.Name, breakerCfg)
	if err != nil {
		logger.Fatal("circuit breaker creation failed", zap.Error(err))
	}

	store := postgres.NewRecordStore(pool, logger)
	svc := reminder.NewService(store, breaker, reminder.ServiceConfig{
		Location: cfg.Location,
		Metrics:  m,
	}, logger)

	// Keep resolved days fresh as snapshot notifications arrive
	watcherCfg := workerpool.DefaultConfig()
	watcherCfg.Workers = cfg.WatcherWorkers
	watcher, err := reminder.NewWatcher(svc, watcherCfg, logger)
	if err != nil {
		logger.Fatal("watcher creation failed", zap.Error(err))
	}
	watcher.OnUpdate(func(patientID string, day schedule.ResolvedDay) {
		fields := []zap.Field{
			zap.String("patient_id", patientID),
			zap.Int("taken", day.Counts.Taken),
			zap.Int("upcoming", day.Counts.Upcoming),
			zap.Int("missed", day.Counts.Missed),
		}
		if next, ok := day.NextUpcoming(); ok {
			fields = append(fields,
				zap.String("next_medicine", next.MedicineName),
				zap.Time("next_at", next.ScheduledAt))
		}
		logger.Info("schedule refreshed", fields...)
	})
	watcher.Start()

	consumerCfg := redpanda.DefaultConsumerConfig()
	consumerCfg.Brokers = cfg.KafkaBrokers
	consumerCfg.GroupID = cfg.ConsumerGroup + "-schedule-watch"
	consumerCfg.Topics = []string{redpanda.TopicPatientSnapshots}
	// only changes after startup matter; older days are read from the store
	consumerCfg.StartOffset = "latest"

	consumer, err := redpanda.NewConsumer(consumerCfg, func(ctx context.Context, msg *redpanda.ConsumedMessage) error {
		m.KafkaMessagesConsumed.Inc()
		if err := watcher.HandleEvent(msg.Value); err != nil {
			// a bad notification cannot become valid on redelivery
			logger.Warn("skipping snapshot notification",
				zap.Int64("offset", msg.Offset),
				zap.Error(err))
		}
		return nil
	}, logger)
	if err != nil {
		logger.Fatal("consumer creation failed", zap.Error(err))
	}
	consumer.Start()

	scheduleHandler := handlers.NewScheduleHandler(svc, logger)

	// Setup router
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS(cfg.AllowedOrigins))
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing("schedule-api"))
	r.Use(middleware.Metrics(m))

	// Health check (no auth)
	r.Get("/health", healthHandler)
	r.Get("/ready", readyHandler(pool, breakers, watcher, cfg.KafkaBrokers))
	r.Handle("/metrics", metrics.Handler())

	// API routes (with auth)
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(cfg.APIKeys))
		r.Mount("/patients", scheduleHandler.Routes())
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down server")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
	}()

	logger.Info("starting schedule API",
		zap.String("port", cfg.Port),
		zap.String("timezone", svc.Location().String()))
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server error", zap.Error(err))
	}

	if err := consumer.Stop(); err != nil {
		logger.Error("consumer stop error", zap.Error(err))
	}
	if err := watcher.Stop(); err != nil {
		logger.Error("watcher stop error", zap.Error(err))
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.Error("tracer shutdown error", zap.Error(err))
	}

	logger.Info("server stopped")
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"healthy","service":"schedule-api","version":"0.3.0"}`)
}

// readyHandler fails only when the database is unreachable. An open
// breaker, a missing broker or a backlogged watcher is reported but still
// serves degraded schedules.
func readyHandler(pool *pgxpool.Pool, breakers *circuitbreaker.Manager, watcher *reminder.Watcher, brokers []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		status := http.StatusOK
		body := map[string]interface{}{
			"database": "ok",
			"kafka":    "ok",
			"watcher":  "ok",
			"breakers": breakers.GetHealthStatus(),
		}
		if !watcher.Healthy() {
			body["watcher"] = "backlogged"
		}
		if err := pool.Ping(ctx); err != nil {
			status = http.StatusServiceUnavailable
			body["database"] = err.Error()
		}
		if err := redpanda.HealthCheck(ctx, brokers); err != nil {
			body["kafka"] = err.Error()
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(body)
	}
}
