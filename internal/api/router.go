package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/hackgods/booking-arbiter/internal/metrics"
)

type RouterConfig struct {
	Arbiter Arbiter
	Events  EventDispatcher
	Logger  *zap.Logger
	Metrics *metrics.Collector

	// Optional; mounted at /metrics and /ws when set.
	MetricsHandler http.Handler
	Realtime       http.Handler

	Checks  []Check
	Env     string
	Version string
}

func NewRouter(cfg RouterConfig) http.Handler {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	r := chi.NewRouter()

	// Apply middleware
	r.Use(RequestIDMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(TracingMiddleware)
	r.Use(MetricsMiddleware(cfg.Metrics))
	r.Use(LoggingMiddleware(log))

	// Health endpoints
	health := NewHealthHandler(cfg.Checks, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	if cfg.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", cfg.MetricsHandler)
	}
	if cfg.Realtime != nil {
		r.Method(http.MethodGet, "/ws", cfg.Realtime)
	}

	h := &handlers{arb: cfg.Arbiter, events: cfg.Events, log: log}

	r.Route("/appointments", func(r chi.Router) {
		r.Post("/", h.proposeAppointment)
		r.Get("/", h.listAppointments)
		r.Get("/{id}", h.getAppointment)
		r.Patch("/{id}", h.updateAppointment)
		r.Delete("/{id}", h.deleteAppointment)
		r.Post("/{id}/cancel", h.cancelAppointment)
	})

	r.Route("/rooms", func(r chi.Router) {
		r.Get("/", h.listRooms)
		r.Get("/{id}", h.getRoom)
		r.Post("/{id}/assign", h.assignRoom)
		r.Post("/{id}/release", h.releaseRoom)
	})

	return r
}
