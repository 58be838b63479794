package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hackgods/booking-arbiter/internal/api"
	"github.com/hackgods/booking-arbiter/internal/booking"
	"github.com/hackgods/booking-arbiter/internal/config"
	"github.com/hackgods/booking-arbiter/internal/db"
	"github.com/hackgods/booking-arbiter/internal/events"
	"github.com/hackgods/booking-arbiter/internal/lock"
	"github.com/hackgods/booking-arbiter/internal/logger"
	"github.com/hackgods/booking-arbiter/internal/metrics"
	redisclient "github.com/hackgods/booking-arbiter/internal/redis"
	"github.com/hackgods/booking-arbiter/internal/tracer"
	"github.com/hackgods/booking-arbiter/internal/websocket"
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

	log.Info("api-server starting up",
		zap.String("env", cfg.Env),
		zap.String("version", cfg.AppVersion),
		zap.String("http_port", cfg.HTTPPort),
		zap.String("store", cfg.StoreBackend),
		zap.String("lock", cfg.LockBackend),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := tracer.Init(rootCtx, tracer.Config{
		Enabled:     cfg.TracingEnabled,
		ServiceName: "booking-arbiter",
		Endpoint:    cfg.OTLPEndpoint,
		SampleRate:  cfg.TracingSampleRate,
	})
	if err != nil {
		log.Fatal("tracer init error", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.Warn("tracer shutdown error", zap.Error(err))
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewCollector("booking_arbiter", reg)

	var checks []api.Check

	var (
		store booking.Store
		mem   *booking.MemoryStore
	)
	switch cfg.StoreBackend {
	case config.StorePostgres:
		pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
		pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
		cancelPg()
		if err != nil {
			log.Fatal("postgres connection error", zap.Error(err))
		}
		defer pgPool.Close()
		log.Info("connected to Postgres")

		applied, err := db.Migrate(rootCtx, pgPool)
		if err != nil {
			log.Fatal("migration error", zap.Error(err))
		}
		log.Info("migrations applied", zap.Int("count", applied))

		store = booking.NewPgStore(pgPool)
		checks = append(checks, api.Check{Name: "postgres", Critical: true, Probe: pgPool.Ping})
	default:
		mem = booking.NewMemoryStore()
		seedMemory(mem, log)
		store = mem
	}

	var locker lock.Locker
	switch cfg.LockBackend {
	case config.LockRedis:
		rdb, err := redisclient.NewRedisClient(rootCtx, redisclient.Options{
			Addr:     cfg.RedisAddr,
			Username: cfg.RedisUsername,
			Password: cfg.RedisPassword,
		})
		if err != nil {
			log.Fatal("redis connection error", zap.Error(err))
		}
		defer func() {
			if err := rdb.Close(); err != nil {
				log.Warn("error closing redis", zap.Error(err))
			}
		}()
		log.Info("connected to Redis")

		locker = redisclient.NewLocker(rdb, cfg.LockTTL, cfg.LockWait, log.Named("lock"))
		// Without Redis no mutation can take its locks.
		checks = append(checks, api.Check{Name: "redis", Critical: true, Probe: redisProbe(rdb)})
	default:
		locker = lock.NewLocal(cfg.LockWait)
	}

	arbiter := booking.NewArbiter(store, locker, log.Named("booking"),
		booking.WithMetrics(m),
		booking.WithOperationTimeout(cfg.OperationTimeout),
	)

	hub := websocket.NewHub(log.Named("ws"))
	audit := events.SinkFunc(func(_ context.Context, evs []booking.Event) error {
		for _, e := range evs {
			log.Debug("event dispatched",
				zap.String("event_id", e.ID.String()),
				zap.String("type", string(e.Type)),
				zap.String("entity_id", e.EntityID.String()),
			)
		}
		return nil
	})
	dispatcher := events.NewDispatcher(events.FanOut(hub, audit), cfg.DispatchBuffer, log.Named("dispatch"), m)

	if mem != nil {
		// Nothing consumes the in-memory outbox; events already went out
		// through the dispatcher. Draining it keeps memory bounded.
		discard := events.SinkFunc(func(context.Context, []booking.Event) error { return nil })
		relay := events.NewRelay(mem, discard, cfg.RelayBatchSize, log.Named("relay"), m)
		go relay.Run(rootCtx, cfg.WorkerInterval)
	}

	router := api.NewRouter(api.RouterConfig{
		Arbiter:        arbiter,
		Events:         dispatcher,
		Logger:         log.Named("http"),
		Metrics:        m,
		MetricsHandler: metrics.Handler(reg),
		Realtime:       hub,
		Checks:         checks,
		Env:            cfg.Env,
		Version:        cfg.AppVersion,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-rootCtx.Done():
		log.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			log.Error("http server error", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http server shutdown error", zap.Error(err))
	}
	dispatcher.Shutdown(cfg.ShutdownTimeout)

	log.Info("api-server stopped")
}

func redisProbe(rdb *redis.Client) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	}
}

// seedMemory gives the in-memory backend something to book against and logs
// the ids so they can be used with curl.
func seedMemory(s *booking.MemoryStore, log *zap.Logger) {
	for range 3 {
		id := uuid.New()
		s.AddDoctor(id)
		log.Info("seeded doctor", zap.String("id", id.String()), zap.String("name", "Dr. "+gofakeit.LastName()))
	}
	for range 5 {
		id := uuid.New()
		s.AddPatient(id)
		log.Info("seeded patient", zap.String("id", id.String()))
	}
	for i, t := range []booking.RoomType{booking.RoomAC, booking.RoomAC, booking.RoomNonAC, booking.RoomNonAC} {
		r := booking.Room{
			ID:     uuid.New(),
			Number: strconv.Itoa(101 + i),
			Type:   t,
		}
		s.AddRoom(r)
		log.Info("seeded room", zap.String("id", r.ID.String()), zap.String("number", r.Number), zap.String("type", string(t)))
	}
}
