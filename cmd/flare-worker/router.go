package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// router serves the ops endpoints: liveness, readiness and metrics.
func (app *application) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		app.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", app.ready)
	if app.metrics != nil {
		r.Method(http.MethodGet, "/metrics", app.metrics.Handler())
	}
	return r
}

// ready reports whether the storage backend is reachable.
func (app *application) ready(w http.ResponseWriter, r *http.Request) {
	body := map[string]string{"status": "ready", "backend": app.backend}
	if app.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := app.db.PingContext(ctx); err != nil {
			app.logger.Warn("readiness check failed", "error", err)
			body["status"] = "unavailable"
			body["error"] = err.Error()
			app.writeJSON(w, http.StatusServiceUnavailable, body)
			return
		}
	}
	app.writeJSON(w, http.StatusOK, body)
}

func (app *application) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		app.logger.Error("failed to write response", "error", err)
	}
}
