package web

import (
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/znz-systems/mailindex/internal/ratelimit"
	"github.com/znz-systems/mailindex/internal/web/handlers"
	"github.com/znz-systems/mailindex/internal/web/middleware"
)

// RouterDeps holds all dependencies needed to build the router.
type RouterDeps struct {
	OpsHandler *handlers.OpsHandler
	Limiter    *ratelimit.Limiter
	WriteCost  int
	Gatherer   prometheus.Gatherer
}

// NewRouter wires all routes into a Chi router.
func NewRouter(deps RouterDeps) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.RealIP)

	r.Get("/healthz", deps.OpsHandler.HandleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RateLimit(deps.Limiter, deps.WriteCost))

		r.Get("/indexer", deps.OpsHandler.HandleIndexerStatus)
		r.Get("/queues/{queue}", deps.OpsHandler.HandleQueueStats)
		r.Get("/attachments/{hash}", deps.OpsHandler.HandleGetAttachment)
		r.Post("/attachments/sweep", deps.OpsHandler.HandleSweepAttachments)
	})

	return r
}
