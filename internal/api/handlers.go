// Package api exposes the knowledge service over HTTP: entity CRUD, search,
// version history and rollback, sync control, and health.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	apierrors "github.com/sophia-intel/knowledge-service/internal/api/errors"
	"github.com/sophia-intel/knowledge-service/internal/api/middleware"
	"github.com/sophia-intel/knowledge-service/internal/core"
	"github.com/sophia-intel/knowledge-service/internal/knowledge"
	"github.com/sophia-intel/knowledge-service/internal/storage"
)

const (
	maxListLimit      = 1000
	maxBatchCreate    = 100
	maxBatchUpdate    = 100
	maxBatchDelete    = 50
	maxRequestBody    = 1 << 20 // 1MB
	defaultListLimit  = 100
)

// KnowledgeHandler serves the /api/knowledge endpoints through the manager.
type KnowledgeHandler struct {
	manager  *knowledge.Manager
	validate *validator.Validate
	logger   *slog.Logger
}

// NewKnowledgeHandler creates the handler set.
func NewKnowledgeHandler(manager *knowledge.Manager, logger *slog.Logger) *KnowledgeHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &KnowledgeHandler{
		manager:  manager,
		validate: validator.New(),
		logger:   logger,
	}
}

// createRequest is the entity-create payload.
type createRequest struct {
	Name           string         `json:"name" validate:"required,min=1,max=255"`
	Category       string         `json:"category" validate:"required,min=1,max=100"`
	Classification string         `json:"classification" validate:"omitempty,oneof=foundational strategic operational reference"`
	Priority       int            `json:"priority" validate:"omitempty,min=1,max=5"`
	Content        core.Document  `json:"content"`
	Metadata       map[string]any `json:"metadata"`
	Source         string         `json:"source"`
}

// patchRequest is the entity-update payload; nil fields are left unchanged.
type patchRequest struct {
	Name           *string         `json:"name" validate:"omitempty,min=1,max=255"`
	Category       *string         `json:"category" validate:"omitempty,min=1,max=100"`
	Classification *string         `json:"classification" validate:"omitempty,oneof=foundational strategic operational reference"`
	Priority       *int            `json:"priority" validate:"omitempty,min=1,max=5"`
	Content        *core.Document  `json:"content"`
	Metadata       *map[string]any `json:"metadata"`
	IsActive       *bool           `json:"is_active"`
}

func (h *KnowledgeHandler) entityFromCreate(req *createRequest) *core.Entity {
	entity := core.NewEntity(req.Name, req.Category, req.Content)
	if entity.Content == nil {
		entity.Content = core.Document{}
	}
	if req.Classification != "" {
		entity.Classification = core.Classification(req.Classification)
	}
	if req.Priority != 0 {
		entity.Priority = core.Priority(req.Priority)
	}
	if req.Metadata != nil {
		entity.Metadata = req.Metadata
	}
	if req.Source != "" {
		entity.Source = req.Source
	}
	return entity
}

func applyPatch(entity *core.Entity, req *patchRequest) {
	if req.Name != nil {
		entity.Name = *req.Name
	}
	if req.Category != nil {
		entity.Category = *req.Category
	}
	if req.Classification != nil {
		entity.Classification = core.Classification(*req.Classification)
	}
	if req.Priority != nil {
		entity.Priority = core.Priority(*req.Priority)
	}
	if req.Content != nil {
		entity.Content = *req.Content
	}
	if req.Metadata != nil {
		entity.Metadata = *req.Metadata
	}
	if req.IsActive != nil {
		entity.IsActive = *req.IsActive
	}
}

// Create handles POST /api/knowledge/.
func (h *KnowledgeHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	entity, err := h.manager.Create(r.Context(), h.entityFromCreate(&req), callerName(r))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, entity)
}

// Get handles GET /api/knowledge/{id}.
func (h *KnowledgeHandler) Get(w http.ResponseWriter, r *http.Request) {
	entity, err := h.manager.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entity)
}

// Update handles PUT /api/knowledge/{id}.
func (h *KnowledgeHandler) Update(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req patchRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	current, err := h.manager.Get(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	entity := current.Clone()
	applyPatch(entity, &req)

	updated, err := h.manager.Update(r.Context(), entity, callerName(r))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// Delete handles DELETE /api/knowledge/{id}.
func (h *KnowledgeHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	deleted, err := h.manager.Delete(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if !deleted {
		apierrors.Write(w, apierrors.NotFound("Knowledge entity").
			WithRequestID(middleware.GetRequestID(r.Context())))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message": fmt.Sprintf("Knowledge entity %s deleted", id),
	})
}

// List handles GET /api/knowledge/ with classification, category, is_active,
// limit, and offset query filters.
func (h *KnowledgeHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := storage.ListFilter{}
	if v := q.Get("classification"); v != "" {
		c := core.Classification(v)
		if !c.Valid() {
			h.respondError(w, r, core.ErrInvalidClassification)
			return
		}
		filter.Classification = &c
	}
	if v := q.Get("category"); v != "" {
		filter.Category = &v
	}
	if v := q.Get("is_active"); v != "" {
		active, err := strconv.ParseBool(v)
		if err != nil {
			apierrors.Write(w, apierrors.Validation("is_active must be a boolean").
				WithRequestID(middleware.GetRequestID(r.Context())))
			return
		}
		filter.IsActive = &active
	}

	limit, err := queryInt(q.Get("limit"), defaultListLimit)
	if err != nil || limit < 0 || limit > maxListLimit {
		h.respondError(w, r, core.ErrInvalidLimit)
		return
	}
	offset, err := queryInt(q.Get("offset"), 0)
	if err != nil || offset < 0 {
		h.respondError(w, r, core.ErrInvalidOffset)
		return
	}

	entities, err := h.manager.List(r.Context(), filter, limit, offset)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse(entities))
}

// Search handles GET /api/knowledge/search.
func (h *KnowledgeHandler) Search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := q.Get("query")
	if query == "" {
		h.respondError(w, r, core.ErrEmptyQuery)
		return
	}
	includeOperational, _ := strconv.ParseBool(q.Get("include_operational"))

	entities, err := h.manager.Search(r.Context(), query, includeOperational)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse(entities))
}

// Foundational handles GET /api/knowledge/foundational.
func (h *KnowledgeHandler) Foundational(w http.ResponseWriter, r *http.Request) {
	entities, err := h.manager.ListFoundational(r.Context(), defaultListLimit)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse(entities))
}

// Versions handles GET /api/knowledge/{id}/versions.
func (h *KnowledgeHandler) Versions(w http.ResponseWriter, r *http.Request) {
	versions, err := h.manager.VersionHistory(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if versions == nil {
		versions = []*core.Version{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": versions, "count": len(versions)})
}

// Restore handles POST /api/knowledge/{id}/restore.
func (h *KnowledgeHandler) Restore(w http.ResponseWriter, r *http.Request) {
	var req struct {
		VersionNumber int `json:"version_number" validate:"required,min=1"`
	}
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	entity, err := h.manager.Rollback(r.Context(), mux.Vars(r)["id"], req.VersionNumber)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entity)
}

// Compare handles GET /api/knowledge/{id}/compare?v1=&v2=.
func (h *KnowledgeHandler) Compare(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	v1, err1 := strconv.Atoi(q.Get("v1"))
	v2, err2 := strconv.Atoi(q.Get("v2"))
	if err1 != nil || err2 != nil || v1 < 1 || v2 < 1 {
		apierrors.Write(w, apierrors.Validation("v1 and v2 must be positive version numbers").
			WithRequestID(middleware.GetRequestID(r.Context())))
		return
	}

	comparison, err := h.manager.CompareVersions(r.Context(), mux.Vars(r)["id"], v1, v2)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, comparison)
}

// Context handles GET /api/knowledge/context.
func (h *KnowledgeHandler) Context(w http.ResponseWriter, r *http.Request) {
	view, err := h.manager.GetPayReadyContext(r.Context())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// Statistics handles GET /api/knowledge/statistics.
func (h *KnowledgeHandler) Statistics(w http.ResponseWriter, r *http.Request) {
	stats, err := h.manager.Statistics(r.Context())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// batchResult is one per-item outcome in a batch response.
type batchResult struct {
	Index   int    `json:"index"`
	ID      string `json:"id,omitempty"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// BatchCreate handles POST /api/knowledge/batch/create with up to 100
// payloads; items succeed and fail independently.
func (h *KnowledgeHandler) BatchCreate(w http.ResponseWriter, r *http.Request) {
	var reqs []createRequest
	if !h.decodeBody(w, r, &reqs) {
		return
	}
	if len(reqs) == 0 || len(reqs) > maxBatchCreate {
		apierrors.Write(w, apierrors.Validation(
			fmt.Sprintf("batch size must be between 1 and %d", maxBatchCreate)).
			WithRequestID(middleware.GetRequestID(r.Context())))
		return
	}

	results := make([]batchResult, len(reqs))
	for i := range reqs {
		results[i] = batchResult{Index: i}
		if err := h.validate.Struct(&reqs[i]); err != nil {
			results[i].Error = err.Error()
			continue
		}
		entity, err := h.manager.Create(r.Context(), h.entityFromCreate(&reqs[i]), callerName(r))
		if err != nil {
			results[i].Error = err.Error()
			continue
		}
		results[i].Success = true
		results[i].ID = entity.ID
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

type batchPatch struct {
	ID string `json:"id" validate:"required"`
	patchRequest
}

// BatchUpdate handles PUT /api/knowledge/batch/update with up to 100 patches.
func (h *KnowledgeHandler) BatchUpdate(w http.ResponseWriter, r *http.Request) {
	var reqs []batchPatch
	if !h.decodeBody(w, r, &reqs) {
		return
	}
	if len(reqs) == 0 || len(reqs) > maxBatchUpdate {
		apierrors.Write(w, apierrors.Validation(
			fmt.Sprintf("batch size must be between 1 and %d", maxBatchUpdate)).
			WithRequestID(middleware.GetRequestID(r.Context())))
		return
	}

	results := make([]batchResult, len(reqs))
	for i := range reqs {
		results[i] = batchResult{Index: i, ID: reqs[i].ID}
		if err := h.validate.Struct(&reqs[i]); err != nil {
			results[i].Error = err.Error()
			continue
		}
		current, err := h.manager.Get(r.Context(), reqs[i].ID)
		if err != nil {
			results[i].Error = err.Error()
			continue
		}
		entity := current.Clone()
		applyPatch(entity, &reqs[i].patchRequest)
		if _, err := h.manager.Update(r.Context(), entity, callerName(r)); err != nil {
			results[i].Error = err.Error()
			continue
		}
		results[i].Success = true
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

// BatchDelete handles POST /api/knowledge/batch/delete with up to 50 ids.
func (h *KnowledgeHandler) BatchDelete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDs []string `json:"ids" validate:"required,min=1,max=50,dive,required"`
	}
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	if len(req.IDs) > maxBatchDelete {
		apierrors.Write(w, apierrors.Validation(
			fmt.Sprintf("batch size must be at most %d", maxBatchDelete)).
			WithRequestID(middleware.GetRequestID(r.Context())))
		return
	}

	results := make([]batchResult, len(req.IDs))
	for i, id := range req.IDs {
		results[i] = batchResult{Index: i, ID: id}
		deleted, err := h.manager.Delete(r.Context(), id)
		if err != nil {
			results[i].Error = err.Error()
			continue
		}
		if !deleted {
			results[i].Error = "not found"
			continue
		}
		results[i].Success = true
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

// decodeAndValidate decodes the JSON body into dest and runs struct
// validation, writing the 400 itself on failure.
func (h *KnowledgeHandler) decodeAndValidate(w http.ResponseWriter, r *http.Request, dest any) bool {
	if !h.decodeBody(w, r, dest) {
		return false
	}
	if err := h.validate.Struct(dest); err != nil {
		apierrors.Write(w, apierrors.Validation(err.Error()).
			WithRequestID(middleware.GetRequestID(r.Context())))
		return false
	}
	return true
}

func (h *KnowledgeHandler) decodeBody(w http.ResponseWriter, r *http.Request, dest any) bool {
	body := http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(body).Decode(dest); err != nil {
		apierrors.Write(w, apierrors.Validation("invalid JSON body: "+err.Error()).
			WithRequestID(middleware.GetRequestID(r.Context())))
		return false
	}
	return true
}

// respondError maps domain errors onto the edge's error envelope.
func (h *KnowledgeHandler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	requestID := middleware.GetRequestID(r.Context())

	var apiErr *apierrors.APIError
	switch {
	case core.IsNotFound(err):
		apiErr = apierrors.NotFound("Knowledge entity or version")
	case core.IsConflict(err):
		apiErr = apierrors.Conflict(err.Error())
	case err == core.ErrInvalidClassification, err == core.ErrInvalidPriority,
		err == core.ErrInvalidLimit, err == core.ErrInvalidOffset, err == core.ErrEmptyQuery:
		apiErr = apierrors.Validation(err.Error())
	default:
		h.logger.Error("Request failed", "error", err, "request_id", requestID)
		apiErr = apierrors.Internal("internal error")
	}
	apierrors.Write(w, apiErr.WithRequestID(requestID))
}

func callerName(r *http.Request) string {
	if p, ok := middleware.GetPrincipal(r.Context()); ok {
		return p.Subject
	}
	return "system"
}

func listResponse(entities []*core.Entity) map[string]any {
	if entities == nil {
		entities = []*core.Entity{}
	}
	return map[string]any{"items": entities, "count": len(entities)}
}

func queryInt(raw string, fallback int) (int, error) {
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}
