package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"rlguard/internal/guard"
	"rlguard/internal/models"
	"rlguard/internal/ratelimit"

	"github.com/gorilla/mux"
)

const (
	maxCheckBodyBytes = 64 << 10
	defaultListLimit  = 100
	maxListLimit      = 1000
	healthPingTimeout = 2 * time.Second
)

// Handlers contains HTTP handlers for the guard API
type Handlers struct {
	guard             guard.Service
	policy            guard.Policy
	now               func() time.Time
	version           string
	cleanupBatchLimit int
}

// HandlerOption configures optional Handlers dependencies.
type HandlerOption func(*Handlers)

// WithPolicy sets the failure policy applied to check results.
func WithPolicy(p guard.Policy) HandlerOption {
	return func(h *Handlers) {
		h.policy = p
	}
}

// WithClock overrides time.Now, mainly for tests.
func WithClock(now func() time.Time) HandlerOption {
	return func(h *Handlers) {
		h.now = now
	}
}

// WithVersion sets the version reported by the health endpoint.
func WithVersion(v string) HandlerOption {
	return func(h *Handlers) {
		h.version = v
	}
}

// WithCleanupBatchLimit sets the batch size used when a cleanup request
// does not give one.
func WithCleanupBatchLimit(n int) HandlerOption {
	return func(h *Handlers) {
		h.cleanupBatchLimit = n
	}
}

// NewHandlers creates a new handlers instance
func NewHandlers(svc guard.Service, opts ...HandlerOption) *Handlers {
	h := &Handlers{
		guard:             svc,
		now:               time.Now,
		cleanupBatchLimit: 500,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Check records an attempt and reports the decision
// POST /api/v1/check
func (h *Handlers) Check(w http.ResponseWriter, r *http.Request) {
	var req models.CheckRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCheckBodyBytes)).Decode(&req); err != nil {
		h.writeErrorResponse(w, http.StatusBadRequest, models.ErrorCodeBadRequest, "Invalid JSON body")
		return
	}
	req.Normalize()
	if err := req.Validate(); err != nil {
		h.writeErrorResponse(w, http.StatusBadRequest, models.ErrorCodeInvalidRequest, err.Error())
		return
	}

	now := h.now()
	decision, err := h.guard.Check(r.Context(), req.Identifier, req.Action, now)
	decision, err = h.policy.Apply(decision, err, now)
	if err != nil {
		h.writeGuardError(w, err)
		return
	}

	ratelimit.WriteHeaders(w, decision)

	status := http.StatusOK
	if !decision.Allowed {
		status = http.StatusTooManyRequests
	}
	h.writeJSONResponse(w, status, models.NewCheckResponse(req.Action, decision))
}

// ResetGuard clears the record for a pair
// DELETE /api/v1/guards/{action}/{identifier}
func (h *Handlers) ResetGuard(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	action, identifier := vars["action"], vars["identifier"]

	if err := h.guard.Reset(r.Context(), identifier, action); err != nil {
		h.writeGuardError(w, err)
		return
	}

	slog.Info("Guard reset via API",
		"action", action,
		"identifier_fp", guard.Fingerprint(identifier),
		"remote_addr", r.RemoteAddr)

	w.WriteHeader(http.StatusNoContent)
}

// ListIdentifierGuards lists every record held for an identifier
// GET /api/v1/identifiers/{identifier}/guards
func (h *Handlers) ListIdentifierGuards(w http.ResponseWriter, r *http.Request) {
	identifier := mux.Vars(r)["identifier"]

	records, err := h.guard.Records(r.Context(), identifier)
	if err != nil {
		h.writeGuardError(w, err)
		return
	}

	h.writeJSONResponse(w, http.StatusOK, h.recordsResponse(records))
}

// ListBlocked lists records that are blocked right now
// GET /api/v1/blocked?limit=N
func (h *Handlers) ListBlocked(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", defaultListLimit)
	if err != nil || limit < 1 {
		h.writeErrorResponse(w, http.StatusBadRequest, models.ErrorCodeInvalidRequest, "limit must be a positive integer")
		return
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	records, err := h.guard.Blocked(r.Context(), h.now(), limit)
	if err != nil {
		h.writeGuardError(w, err)
		return
	}

	h.writeJSONResponse(w, http.StatusOK, h.recordsResponse(records))
}

// Cleanup runs a single cleanup batch
// POST /api/v1/cleanup?batch_limit=N
func (h *Handlers) Cleanup(w http.ResponseWriter, r *http.Request) {
	batchLimit, err := intParam(r, "batch_limit", h.cleanupBatchLimit)
	if err != nil {
		h.writeErrorResponse(w, http.StatusBadRequest, models.ErrorCodeInvalidRequest, "batch_limit must be an integer")
		return
	}

	now := h.now()
	removed, err := h.guard.CleanupExpired(r.Context(), now, batchLimit)
	if err != nil {
		h.writeGuardError(w, err)
		return
	}

	h.writeJSONResponse(w, http.StatusOK, &models.CleanupResponse{Removed: removed, RanAt: now})
}

// HealthCheck reports whether the guard can reach its store
// GET /health
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthPingTimeout)
	defer cancel()

	response := &models.HealthCheckResponse{
		Status:    models.StatusHealthy,
		Timestamp: h.now(),
		Version:   h.version,
		Storage:   "ok",
	}

	status := http.StatusOK
	if err := h.guard.Ping(ctx); err != nil {
		slog.Warn("Health check failed", "error", err)
		response.Status = models.StatusUnhealthy
		response.Storage = "unreachable"
		status = http.StatusServiceUnavailable
	}

	h.writeJSONResponse(w, status, response)
}

func (h *Handlers) recordsResponse(records []*models.GuardRecord) *models.ListRecordsResponse {
	now := h.now()
	infos := make([]models.GuardRecordInfo, 0, len(records))
	for _, rec := range records {
		infos = append(infos, models.NewGuardRecordInfo(rec, now))
	}
	return &models.ListRecordsResponse{Records: infos, TotalCount: len(infos)}
}

// writeGuardError maps a guard error onto its HTTP status and error code.
func (h *Handlers) writeGuardError(w http.ResponseWriter, err error) {
	var gerr *guard.Error
	message := "Internal server error"
	if errors.As(err, &gerr) && gerr.Message != "" {
		message = gerr.Message
	}

	switch guard.KindOf(err) {
	case guard.KindInvalidArgument:
		h.writeErrorResponse(w, http.StatusBadRequest, models.ErrorCodeInvalidRequest, message)
	case guard.KindConfiguration:
		h.writeErrorResponse(w, http.StatusUnprocessableEntity, models.ErrorCodeConfiguration, message)
	case guard.KindStorage:
		slog.Error("Guard storage failure", "error", err)
		h.writeErrorResponse(w, http.StatusServiceUnavailable, models.ErrorCodeServiceUnavailable, "Guard storage unavailable")
	default:
		slog.Error("Unexpected guard error", "error", err)
		h.writeErrorResponse(w, http.StatusInternalServerError, models.ErrorCodeInternalError, "Internal server error")
	}
}

// writeJSONResponse writes a JSON response
func (h *Handlers) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Headers are already out; nothing else can be sent.
		slog.Error("Error encoding JSON response", "error", err)
	}
}

// writeErrorResponse writes an error response
func (h *Handlers) writeErrorResponse(w http.ResponseWriter, statusCode int, errorCode, message string) {
	h.writeJSONResponse(w, statusCode, models.NewErrorResponse(message, errorCode))
}

// intParam parses an optional integer query parameter.
func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return n, nil
}
