package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/jordanhubbard/modelmux/internal/catalog"
	"github.com/jordanhubbard/modelmux/internal/engine"
	"github.com/jordanhubbard/modelmux/internal/fault"
	"github.com/jordanhubbard/modelmux/internal/provider"
)

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// faultError writes a structured error with the kind's HTTP status.
func faultError(w http.ResponseWriter, err error) {
	kind := fault.KindOf(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(fault.HTTPStatus(kind))
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{
			"kind":    string(kind),
			"message": err.Error(),
		},
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// CompleteHandler serves POST /v1/complete: single-shot completion,
// fanning out and fusing when several providers are listed.
func CompleteHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req engine.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, "bad json", http.StatusBadRequest)
			return
		}
		ctx := provider.WithRequestID(r.Context(), middleware.GetReqID(r.Context()))
		fused, err := d.Engine.Complete(ctx, req)
		if err != nil {
			faultError(w, err)
			return
		}
		writeJSON(w, fused)
	}
}

// AutoSelectHandler serves POST /v1/auto-select: ranking without
// dispatching, so callers can review the choice first.
func AutoSelectHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req engine.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, "bad json", http.StatusBadRequest)
			return
		}
		sel, err := d.Engine.AutoSelect(r.Context(), req)
		if err != nil {
			faultError(w, err)
			return
		}
		writeJSON(w, sel)
	}
}

// HealthHandler serves GET /v1/health: per-provider circuit state and
// health score plus per-endpoint runtime counters.
func HealthHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, d.Engine.Health())
	}
}

// ProvidersListHandler serves GET /admin/v1/providers.
func ProvidersListHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, d.Catalog.List())
	}
}

// ProvidersUpsertHandler serves POST /admin/v1/providers. The entry is
// replaced atomically; an adapter speaking the default streaming
// protocol is registered for new provider IDs.
func ProvidersUpsertHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var p catalog.Provider
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			jsonError(w, "bad json", http.StatusBadRequest)
			return
		}
		if err := d.Catalog.Upsert(p); err != nil {
			faultError(w, err)
			return
		}
		if _, ok := d.Adapters.Get(p.ID); !ok {
			d.Adapters.Register(provider.NewSSE(p.ID))
		}
		d.Logger.Info("provider upserted",
			"provider", p.ID,
			"endpoints", len(p.Endpoints),
			"models", len(p.Models),
		)
		w.WriteHeader(http.StatusNoContent)
	}
}

// ProvidersDeleteHandler serves DELETE /admin/v1/providers/{id}.
func ProvidersDeleteHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if _, err := d.Catalog.Get(id); err != nil {
			faultError(w, err)
			return
		}
		d.Catalog.Remove(id)
		d.Logger.Info("provider removed", "provider", id)
		w.WriteHeader(http.StatusNoContent)
	}
}
