package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	apierrors "github.com/sophia-intel/knowledge-service/internal/api/errors"
	"github.com/sophia-intel/knowledge-service/internal/api/middleware"
	"github.com/sophia-intel/knowledge-service/internal/core"
	syncpkg "github.com/sophia-intel/knowledge-service/internal/sync"
)

const maxHistoryLimit = 100

// SyncHandler serves the /api/knowledge/sync endpoints against the
// scheduler.
type SyncHandler struct {
	scheduler *syncpkg.Scheduler
	logger    *slog.Logger
}

// NewSyncHandler creates the sync handler set.
func NewSyncHandler(scheduler *syncpkg.Scheduler, logger *slog.Logger) *SyncHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncHandler{scheduler: scheduler, logger: logger}
}

// Trigger handles POST /api/knowledge/sync/trigger with
// {"sync_type": "full"|"incremental"}; the sync runs synchronously from the
// caller's perspective.
func (h *SyncHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SyncType string `json:"sync_type"`
	}
	// Empty body defaults to incremental.
	_ = decodeOptionalBody(r, &req)

	kind := core.SyncIncremental
	switch req.SyncType {
	case "", "incremental":
	case "full":
		kind = core.SyncFull
	default:
		apierrors.Write(w, apierrors.Validation("sync_type must be 'full' or 'incremental'").
			WithRequestID(middleware.GetRequestID(r.Context())))
		return
	}

	result, err := h.scheduler.TriggerManual(r.Context(), kind)
	if err != nil {
		if errors.Is(err, core.ErrSyncInProgress) {
			writeJSON(w, http.StatusConflict, map[string]any{
				"error":          "Sync already in progress",
				"current_status": h.scheduler.Status().CurrentStatus,
			})
			return
		}
		apierrors.Write(w, apierrors.Upstream(err.Error()).
			WithRequestID(middleware.GetRequestID(r.Context())))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Sync completed",
		"result":  result,
	})
}

// Status handles GET /api/knowledge/sync/status.
func (h *SyncHandler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.scheduler.Status())
}

// History handles GET /api/knowledge/sync/history?limit=.
func (h *SyncHandler) History(w http.ResponseWriter, r *http.Request) {
	limit := 10
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > maxHistoryLimit {
			apierrors.Write(w, apierrors.Validation("limit must be between 1 and 100").
				WithRequestID(middleware.GetRequestID(r.Context())))
			return
		}
		limit = parsed
	}

	history := h.scheduler.History(limit)
	writeJSON(w, http.StatusOK, map[string]any{"history": history, "count": len(history)})
}

// Resume handles POST /api/knowledge/sync/resume, re-enabling paused jobs.
func (h *SyncHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.scheduler.Resume(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{"message": "Sync scheduler resumed"})
}

func decodeOptionalBody(r *http.Request, dest any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	return json.NewDecoder(r.Body).Decode(dest)
}
