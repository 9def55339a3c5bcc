package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"

	"notebook-builder/internal/bridge"
	"notebook-builder/internal/config"
	"notebook-builder/internal/metrics"
	"notebook-builder/internal/middleware"
	"notebook-builder/internal/queue"
	"notebook-builder/internal/source"
)

// BridgePath is where clients open build sessions.
const BridgePath = "/v1/builds/ws"

// RouterDeps are the handlers and probes mounted by NewRouter.
type RouterDeps struct {
	Bridge  http.Handler
	Limiter *middleware.RateLimiter
	Metrics *prometheus.Registry
	// Healthy reports why the process cannot serve, or nil.
	Healthy func() error
}

// NewRouter mounts the bridge, the health probe and the metrics endpoint.
func NewRouter(cfg *config.Config, deps RouterDeps, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.AccessLog(logger))
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSAllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if deps.Healthy != nil {
			if err := deps.Healthy(); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_ = json.NewEncoder(w).Encode(map[string]string{"status": "unavailable", "error": err.Error()})
				return
			}
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	if deps.Metrics != nil {
		r.Handle("/metrics", metrics.Handler(deps.Metrics))
	}
	if deps.Bridge != nil {
		r.Group(func(r chi.Router) {
			if deps.Limiter != nil {
				r.Use(deps.Limiter.Middleware)
			}
			r.Handle(BridgePath, deps.Bridge)
		})
	}
	return r
}

// Dispatcher is the client-facing process: an HTTP server bridging client
// sessions onto the broker.
type Dispatcher struct {
	Handler http.Handler
	Limiter *middleware.RateLimiter

	base   *Base
	broker *queue.Broker
}

// NewDispatcher wires the dispatcher. reg receives the dispatch metrics.
func NewDispatcher(ctx context.Context, deps Deps, reg *prometheus.Registry) (*Dispatcher, error) {
	cfg := deps.Cfg
	base, err := OpenBase(ctx, deps)
	if err != nil {
		return nil, err
	}
	d := &Dispatcher{base: base}

	tokens, err := middleware.NewTokenValidator(ctx, cfg.Auth)
	if err != nil {
		_ = base.Close()
		return nil, err
	}
	d.broker, err = queue.Dial(cfg.Broker.URL, Topology(cfg), deps.Logger)
	if err != nil {
		_ = base.Close()
		return nil, err
	}

	d.Limiter = middleware.NewRateLimiter(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		Burst:             cfg.RateLimitBurst,
	})
	h := bridge.NewHandler(bridge.Config{
		LogBucket:      cfg.AWS.LogBucket,
		AllowedOrigins: cfg.CORSAllowedOrigins,
	}, bridge.Deps{
		Builds:  base.Repos.Builds,
		Users:   base.Repos.Users,
		Objects: base.Objects,
		Source: source.NewGitHub(source.Config{
			HTTPClient: &http.Client{Timeout: time.Minute},
			Logger:     deps.Logger,
		}),
		Broker:  bridge.QueueBroker{Broker: d.broker},
		Tokens:  tokens,
		Metrics: metrics.NewDispatch(reg),
	}, deps.Logger)

	d.Handler = NewRouter(cfg, RouterDeps{
		Bridge:  h,
		Limiter: d.Limiter,
		Metrics: reg,
		Healthy: d.broker.Err,
	}, deps.Logger)
	return d, nil
}

// Close releases the broker connection and the stores.
func (d *Dispatcher) Close() error {
	return errors.Join(d.broker.Close(), d.base.Close())
}
