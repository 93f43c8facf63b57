// Package httpapi exposes the routing core over HTTP: completion,
// streaming, auto-selection, health, a small provider admin surface and
// the Prometheus scrape endpoint.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jordanhubbard/modelmux/internal/catalog"
	"github.com/jordanhubbard/modelmux/internal/engine"
	"github.com/jordanhubbard/modelmux/internal/idempotency"
	"github.com/jordanhubbard/modelmux/internal/metrics"
	"github.com/jordanhubbard/modelmux/internal/provider"
)

type Dependencies struct {
	Engine   *engine.Engine
	Catalog  *catalog.Catalog
	Adapters *provider.Registry
	Metrics  *metrics.Registry
	Logger   *slog.Logger

	// Idempotency replays /v1/complete responses for repeated
	// Idempotency-Key headers. Nil disables replay.
	Idempotency *idempotency.Cache
}

func MountRoutes(r chi.Router, d Dependencies) {
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		// Readiness means the process can actually route: at least one
		// provider in the catalog and one adapter registered.
		providerCount := d.Catalog.Len()
		adapterCount := d.Adapters.Len()
		w.Header().Set("Content-Type", "application/json")
		status := http.StatusOK
		state := "ok"
		if providerCount == 0 || adapterCount == 0 {
			status = http.StatusServiceUnavailable
			state = "unhealthy"
		}
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":    state,
			"providers": providerCount,
			"adapters":  adapterCount,
		})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			if d.Idempotency != nil {
				r.Use(idempotency.Middleware(d.Idempotency))
			}
			r.Post("/complete", CompleteHandler(d))
		})
		r.Post("/stream", StreamHandler(d))
		r.Post("/auto-select", AutoSelectHandler(d))
		r.Get("/health", HealthHandler(d))
	})

	r.Route("/admin/v1", func(r chi.Router) {
		r.Get("/providers", ProvidersListHandler(d))
		r.Post("/providers", ProvidersUpsertHandler(d))
		r.Delete("/providers/{id}", ProvidersDeleteHandler(d))
	})

	r.Handle("/metrics", d.Metrics.Handler())
}
