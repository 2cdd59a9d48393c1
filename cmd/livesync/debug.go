package main

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/rickgao/livesync/internal/connection"
	"github.com/rickgao/livesync/internal/version"
)

// newDebugRouter serves health and introspection endpoints for m.
func newDebugRouter(m *connection.Manager, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		state := m.State()

		health := struct {
			Status  string           `json:"status"`
			State   connection.State `json:"state"`
			Version string           `json:"version"`
		}{
			State:   state,
			Version: version.String(),
		}

		code := http.StatusOK
		switch state {
		case connection.StateOpen:
			health.Status = "healthy"
		case connection.StateConnecting, connection.StateDegraded:
			health.Status = "degraded"
		default:
			health.Status = "unhealthy"
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, health)
	})

	r.Route("/debug", func(r chi.Router) {
		r.Get("/connection", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, m.Connection())
		})

		r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, m.Stats())
		})

		r.Post("/disconnect", func(w http.ResponseWriter, r *http.Request) {
			reason := r.URL.Query().Get("reason")
			if reason == "" {
				reason = "debug disconnect"
			}
			logger.Info("debug disconnect requested", "reason", reason)
			m.Disconnect(reason)
			writeJSON(w, http.StatusAccepted, map[string]string{"status": "disconnecting"})
		})

		r.Post("/connect", func(w http.ResponseWriter, r *http.Request) {
			m.Connect()
			writeJSON(w, http.StatusAccepted, map[string]string{"status": "connecting"})
		})
	})

	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
