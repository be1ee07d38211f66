// Package http exposes the registration commands and operational endpoints.
package http

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/strogmv/txwatch/internal/domain"
	"github.com/strogmv/txwatch/internal/service"
)

// SubscriptionService is the command side of the registry.
type SubscriptionService interface {
	Subscribe(ctx context.Context, topic string, dest domain.Destination) (bool, error)
	Unsubscribe(ctx context.Context, topic string, dest domain.Destination) (bool, error)
	List(ctx context.Context) (domain.Snapshot, error)
}

// LiveLister reports the subscriptions currently held upstream.
type LiveLister interface {
	Live() []service.LiveInfo
}

type Options struct {
	AllowedOrigins []string
	ServiceName    string
}

// NewRouter wires the API. live may be nil when the process runs without a
// reconciler.
func NewRouter(subs SubscriptionService, live LiveLister, opts Options) http.Handler {
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	h := &SubscriptionHandler{subs: subs, live: live}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1/subscriptions", func(r chi.Router) {
		r.Get("/", h.List)
		r.Post("/", h.Subscribe)
		r.Delete("/", h.Unsubscribe)
	})

	name := opts.ServiceName
	if name == "" {
		name = "txwatch"
	}
	return otelhttp.NewHandler(r, name)
}
