// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

// maxBatchBodyBytes bounds the size of a batch request body.
const maxBatchBodyBytes = 8 << 20

// ClientAuthenticator resolves the caller scope of an HTTP request.
type ClientAuthenticator interface {
	GetScope(r *http.Request) (CallerScope, error)
}

// SyncBackend is the service surface the HTTP handlers call. *SyncService implements it.
type SyncBackend interface {
	ApplyBatch(ctx context.Context, scope CallerScope, req *BatchRequest) (*BatchResponse, error)
	GetChangesSince(ctx context.Context, scope CallerScope, q ChangesQuery) (*ChangesResponse, error)
	Health(ctx context.Context, scope CallerScope) (*HealthResponse, error)
	ListConflicts(ctx context.Context, scope CallerScope, f ConflictFilter) (*ConflictListResponse, error)
	ResolveConflict(ctx context.Context, scope CallerScope, id int64) error
}

var _ SyncBackend = (*SyncService)(nil)

// HTTPSyncHandlers provides HTTP handlers for the sync API
type HTTPSyncHandlers struct {
	service       SyncBackend
	authenticator ClientAuthenticator
	logger        *slog.Logger
}

// NewHTTPSyncHandlers creates a new instance of sync handlers
func NewHTTPSyncHandlers(service SyncBackend, authenticator ClientAuthenticator, logger *slog.Logger) *HTTPSyncHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPSyncHandlers{
		service:       service,
		authenticator: authenticator,
		logger:        logger,
	}
}

// HandleBatch processes POST /sync/batch
func (h *HTTPSyncHandlers) HandleBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST method is allowed")
		return
	}
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}

	var req BatchRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBatchBodyBytes)).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse batch request")
		return
	}
	if req.Operations == nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "operations is required")
		return
	}

	resp, err := h.service.ApplyBatch(r.Context(), scope, &req)
	if err != nil {
		h.serviceError(w, "batch_failed", err, scope)
		return
	}
	h.logger.Debug("Batch applied", "source_id", scope.SourceID, "operations", len(req.Operations))
	h.writeJSON(w, resp)
}

// HandleChanges processes GET /sync/changes
func (h *HTTPSyncHandlers) HandleChanges(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET method is allowed")
		return
	}
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}

	qv := r.URL.Query()
	var q ChangesQuery
	lastSync := qv.Get("lastSync")
	if lastSync == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "lastSync is required")
		return
	}
	since, err := time.Parse(time.RFC3339Nano, lastSync)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "lastSync must be an ISO-8601 timestamp")
		return
	}
	q.Since = since
	q.EntityType = qv.Get("entityType")

	if s := qv.Get("afterId"); s != "" {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil || v < 0 {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "afterId must be a non-negative integer")
			return
		}
		q.AfterID = v
	}
	if s := qv.Get("limit"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v < 1 {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		q.Limit = v
	}
	if s := qv.Get("until"); s != "" {
		v, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "until must be an ISO-8601 timestamp")
			return
		}
		q.Until = &v
	}

	resp, err := h.service.GetChangesSince(r.Context(), scope, q)
	if err != nil {
		h.serviceError(w, "changes_failed", err, scope)
		return
	}
	h.writeJSON(w, resp)
}

// HandleHealth processes GET /sync/health
func (h *HTTPSyncHandlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET method is allowed")
		return
	}
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	resp, err := h.service.Health(r.Context(), scope)
	if err != nil {
		h.serviceError(w, "health_failed", err, scope)
		return
	}
	h.writeJSON(w, resp)
}

// HandleListConflicts processes GET /sync/conflicts
func (h *HTTPSyncHandlers) HandleListConflicts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET method is allowed")
		return
	}
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	qv := r.URL.Query()
	var f ConflictFilter
	if s := qv.Get("workOrderId"); s != "" {
		if v, err := strconv.ParseInt(s, 10, 64); err == nil {
			f.WorkOrderID = v
		}
	}
	if s := qv.Get("afterId"); s != "" {
		if v, err := strconv.ParseInt(s, 10, 64); err == nil {
			f.AfterID = v
		}
	}
	if s := qv.Get("limit"); s != "" {
		if v, err := strconv.Atoi(s); err == nil {
			f.Limit = v
		}
	}
	f.IncludeResolved = qv.Get("includeResolved") == "true"

	resp, err := h.service.ListConflicts(r.Context(), scope, f)
	if err != nil {
		h.serviceError(w, "list_conflicts_failed", err, scope)
		return
	}
	h.writeJSON(w, resp)
}

// HandleResolveConflict processes POST /sync/conflicts/resolve
func (h *HTTPSyncHandlers) HandleResolveConflict(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST method is allowed")
		return
	}
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	// Accept id via query (?id=) or JSON body {"id": n}
	var id int64
	if qs := r.URL.Query().Get("id"); qs != "" {
		if v, err := strconv.ParseInt(qs, 10, 64); err == nil {
			id = v
		}
	}
	if id == 0 {
		var body ResolveConflictRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
			id = body.ID
		}
	}
	if id <= 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "missing or invalid id")
		return
	}
	if err := h.service.ResolveConflict(r.Context(), scope, id); err != nil {
		h.serviceError(w, "resolve_failed", err, scope)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTPSyncHandlers) scope(w http.ResponseWriter, r *http.Request) (CallerScope, bool) {
	scope, err := h.authenticator.GetScope(r)
	if err == nil {
		err = scope.Validate()
	}
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return CallerScope{}, false
	}
	return scope, true
}

// serviceError maps service errors to HTTP statuses.
func (h *HTTPSyncHandlers) serviceError(w http.ResponseWriter, code string, err error, scope CallerScope) {
	switch {
	case errors.Is(err, ErrBadPayload), errors.Is(err, ErrUnknownEntity):
		h.writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, ErrServiceClosed):
		h.writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
	default:
		h.logger.Error("Sync request failed", "error", err, "code", code,
			"user_id", scope.UserID, "source_id", scope.SourceID)
		h.writeError(w, http.StatusInternalServerError, code, "Internal server error")
	}
}

func (h *HTTPSyncHandlers) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

// writeError writes a standardized error response
func (h *HTTPSyncHandlers) writeError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	writeJSONError(w, statusCode, errorCode, message)
	h.logger.Debug("HTTP error response",
		"status_code", statusCode,
		"error_code", errorCode,
		"message", message)
}

func writeJSONError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: errorCode, Message: message})
}
