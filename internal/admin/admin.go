// Package admin serves the control API: lifecycle and sync triggers, the
// form queue, partition listing, and the page websocket.
package admin

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"offline_cache_proxy/internal/controller"
	"offline_cache_proxy/internal/formqueue"
	"offline_cache_proxy/internal/obs"
)

const requestTimeout = 30 * time.Second

// Controller is the part of *controller.Controller the control API drives.
type Controller interface {
	Status(ctx context.Context) (controller.Status, error)
	Partitions(ctx context.Context) ([]controller.PartitionInfo, error)
	SkipWaiting(ctx context.Context) (controller.ActivateReport, error)
	Sync(ctx context.Context, tag string) error
	EnqueueForm(ctx context.Context, sub formqueue.Submission) (formqueue.Submission, error)
	PendingForms(ctx context.Context) ([]formqueue.Submission, error)
}

type HandlerConfig struct {
	Controller  Controller
	Auth        *Authenticator
	RateLimiter *RateLimiter
	// Pages upgrades page websockets. Nil disables the route.
	Pages http.Handler
	// Metrics serves the Prometheus registry. Nil disables the route.
	Metrics http.Handler
	Logger  *zap.Logger
}

func NewHandler(cfg HandlerConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = obs.WithModule("admin")
	}
	h := &handler{
		ctrl:        cfg.Controller,
		auth:        cfg.Auth,
		rateLimiter: cfg.RateLimiter,
		logger:      logger,
	}

	r := chi.NewRouter()
	r.Use(withRequestID)
	r.Use(middleware.Recoverer)
	r.Use(cfg.RateLimiter.Middleware)

	r.Get("/healthz", h.handleHealthz)
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		if cfg.Pages != nil {
			r.Method(http.MethodGet, "/clients/ws", cfg.Pages)
		}

		r.Group(func(r chi.Router) {
			r.Use(h.authenticate)
			r.Use(middleware.Timeout(requestTimeout))

			r.Get("/status", h.handleStatus)
			r.Get("/partitions", h.handlePartitions)
			r.Post("/skip-waiting", h.handleSkipWaiting)
			r.Post("/sync/{tag}", h.handleSync)
			r.Get("/forms", h.handleListForms)
			r.Post("/forms", h.handleEnqueueForm)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}
