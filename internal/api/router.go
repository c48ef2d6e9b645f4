package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sophia-intel/knowledge-service/internal/api/middleware"
)

// Pinger is the readiness dependency: the store must answer a ping before
// the service reports ready.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RouterConfig wires handlers and middleware settings into the router.
type RouterConfig struct {
	Knowledge *KnowledgeHandler
	Sync      *SyncHandler
	Store     Pinger

	Auth      middleware.AuthConfig
	RateLimit middleware.RateLimitConfig

	MetricsEnabled bool
	Logger         *slog.Logger
}

// NewRouter builds the HTTP router.
//
// Global middleware order: RequestID, Logging, Metrics, RateLimit. Auth is
// per-route: optional for knowledge reads, bearer for writes and for sync
// status/history, admin bearer for destructive and sync-control operations.
func NewRouter(config RouterConfig) *mux.Router {
	router := mux.NewRouter()

	router.Use(middleware.RequestIDMiddleware)
	router.Use(middleware.LoggingMiddleware(config.Logger))
	if config.MetricsEnabled {
		router.Use(middleware.MetricsMiddleware)
	}
	router.Use(middleware.RateLimitMiddleware(config.RateLimit))

	optional := middleware.OptionalAuth(config.Auth)
	authed := middleware.RequireAuth(config.Auth)
	admin := middleware.RequireAdmin(config.Auth)

	k := config.Knowledge
	s := config.Sync

	api := router.PathPrefix("/api/knowledge").Subrouter()

	// Fixed paths come before the {id} wildcard.
	api.Handle("/search", optional(http.HandlerFunc(k.Search))).Methods(http.MethodGet)
	api.Handle("/foundational", optional(http.HandlerFunc(k.Foundational))).Methods(http.MethodGet)
	api.Handle("/context", optional(http.HandlerFunc(k.Context))).Methods(http.MethodGet)
	api.Handle("/statistics", optional(http.HandlerFunc(k.Statistics))).Methods(http.MethodGet)

	api.Handle("/sync/trigger", admin(http.HandlerFunc(s.Trigger))).Methods(http.MethodPost)
	api.Handle("/sync/status", authed(http.HandlerFunc(s.Status))).Methods(http.MethodGet)
	api.Handle("/sync/history", authed(http.HandlerFunc(s.History))).Methods(http.MethodGet)
	api.Handle("/sync/resume", admin(http.HandlerFunc(s.Resume))).Methods(http.MethodPost)

	api.Handle("/batch/create", authed(http.HandlerFunc(k.BatchCreate))).Methods(http.MethodPost)
	api.Handle("/batch/update", authed(http.HandlerFunc(k.BatchUpdate))).Methods(http.MethodPut)
	api.Handle("/batch/delete", admin(http.HandlerFunc(k.BatchDelete))).Methods(http.MethodPost)

	api.Handle("/", authed(http.HandlerFunc(k.Create))).Methods(http.MethodPost)
	api.Handle("/", optional(http.HandlerFunc(k.List))).Methods(http.MethodGet)
	api.Handle("", authed(http.HandlerFunc(k.Create))).Methods(http.MethodPost)
	api.Handle("", optional(http.HandlerFunc(k.List))).Methods(http.MethodGet)

	api.Handle("/{id}/versions", optional(http.HandlerFunc(k.Versions))).Methods(http.MethodGet)
	api.Handle("/{id}/restore", admin(http.HandlerFunc(k.Restore))).Methods(http.MethodPost)
	api.Handle("/{id}/compare", optional(http.HandlerFunc(k.Compare))).Methods(http.MethodGet)
	api.Handle("/{id}", optional(http.HandlerFunc(k.Get))).Methods(http.MethodGet)
	api.Handle("/{id}", authed(http.HandlerFunc(k.Update))).Methods(http.MethodPut)
	api.Handle("/{id}", admin(http.HandlerFunc(k.Delete))).Methods(http.MethodDelete)

	router.HandleFunc("/health", healthHandler).Methods(http.MethodGet)
	router.HandleFunc("/health/ready", readyHandler(config.Store)).Methods(http.MethodGet)

	if config.MetricsEnabled {
		router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	}

	return router
}

// healthHandler reports process liveness.
func healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// readyHandler reports readiness: the store must be pingable.
func readyHandler(store Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false})
			return
		}
		if err := store.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"ready": false,
				"error": err.Error(),
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ready": true})
	}
}
