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

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/hackgods/booking-arbiter/internal/booking"
	"github.com/hackgods/booking-arbiter/internal/config"
	"github.com/hackgods/booking-arbiter/internal/db"
	"github.com/hackgods/booking-arbiter/internal/events"
	"github.com/hackgods/booking-arbiter/internal/logger"
	"github.com/hackgods/booking-arbiter/internal/metrics"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load error: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if cfg.StoreBackend != config.StorePostgres {
		log.Fatal("outbox relay requires STORE_BACKEND=postgres")
	}

	log.Info("outbox-relay starting up",
		zap.String("env", cfg.Env),
		zap.Duration("interval", cfg.WorkerInterval),
		zap.Int("batch_size", cfg.RelayBatchSize),
		zap.Strings("kafka_brokers", cfg.KafkaBrokers),
		zap.String("kafka_topic", cfg.KafkaTopic),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect Postgres
	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		log.Fatal("postgres connection error", zap.Error(err))
	}
	defer pgPool.Close()
	log.Info("connected to Postgres")

	writer := events.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic)
	kafkaSink := events.NewKafkaSink(writer)
	defer func() {
		if err := kafkaSink.Close(); err != nil {
			log.Warn("error closing kafka writer", zap.Error(err))
		}
	}()

	sink := events.NewBreakerSink(kafkaSink, events.BreakerConfig{
		Name:                "kafka",
		ConsecutiveFailures: 5,
		OpenTimeout:         30 * time.Second,
	}, log.Named("breaker"))

	reg := prometheus.NewRegistry()
	m := metrics.NewCollector("booking_relay", reg)

	metricsSrv := &http.Server{
		Addr:              cfg.RelayMetricsAddr,
		Handler:           metrics.Handler(reg),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server error", zap.Error(err))
		}
	}()

	var outbox booking.Outbox = booking.NewPgStore(pgPool)
	relay := events.NewRelay(outbox, sink, cfg.RelayBatchSize, log.Named("relay"), m)

	relay.Run(rootCtx, cfg.WorkerInterval)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("metrics server shutdown error", zap.Error(err))
	}

	log.Info("outbox-relay stopped")
}
