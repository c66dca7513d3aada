// Package models - API response types and error handling.
// This file defines all outgoing API response structures with consistent formatting.
//
// Response Design Principles:
// - Consistent JSON structure across all endpoints
// - Optional fields use omitempty to reduce response size
// - Machine-readable error codes alongside human-readable messages
// - RFC3339 timestamps for international compatibility
package models

import (
	"math"
	"time"
)

// CheckResponse reports a guard decision to HTTP callers.
//
// Client Usage:
// - Check Allowed first
// - On denial, wait RetryAfterSeconds (also sent as the Retry-After header)
// - Degraded signals the decision came from the failure policy, not stored state
type CheckResponse struct {
	Allowed           bool      `json:"allowed"`
	Action            string    `json:"action"`
	Limit             int       `json:"limit"`
	Remaining         int       `json:"remaining"`
	RetryAfterSeconds int64     `json:"retry_after_seconds,omitempty"`
	ResetAt           time.Time `json:"reset_at,omitempty"`
	Degraded          bool      `json:"degraded,omitempty"`
}

// NewCheckResponse converts a decision into its wire form.
func NewCheckResponse(action string, d Decision) *CheckResponse {
	resp := &CheckResponse{
		Allowed:   d.Allowed,
		Action:    action,
		Limit:     d.Limit,
		Remaining: d.Remaining,
		ResetAt:   d.ResetAt,
		Degraded:  d.Degraded,
	}
	if !d.Allowed {
		resp.Remaining = 0
		resp.RetryAfterSeconds = RetryAfterSeconds(d.RetryAfter)
	}
	return resp
}

// RetryAfterSeconds rounds a wait up to whole seconds, never below one.
func RetryAfterSeconds(d time.Duration) int64 {
	secs := int64(math.Ceil(d.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

// GuardRecordInfo is the administrative view of a stored record.
type GuardRecordInfo struct {
	Identifier      string     `json:"identifier"`
	Action          string     `json:"action"`
	Attempts        int        `json:"attempts"`
	WindowExpiresAt time.Time  `json:"window_expires_at"`
	BlockedUntil    *time.Time `json:"blocked_until,omitempty"`
	Blocked         bool       `json:"blocked"`
	LastAttemptAt   time.Time  `json:"last_attempt_at"`
	CreatedAt       time.Time  `json:"created_at"`
}

// NewGuardRecordInfo builds the administrative view of r as seen at now.
func NewGuardRecordInfo(r *GuardRecord, now time.Time) GuardRecordInfo {
	return GuardRecordInfo{
		Identifier:      r.Identifier,
		Action:          r.Action,
		Attempts:        r.Attempts,
		WindowExpiresAt: r.WindowExpiresAt,
		BlockedUntil:    r.BlockedUntil,
		Blocked:         r.IsBlocked(now),
		LastAttemptAt:   r.LastAttemptAt,
		CreatedAt:       r.CreatedAt,
	}
}

type ListRecordsResponse struct {
	Records    []GuardRecordInfo `json:"records"`
	TotalCount int               `json:"total_count"`
}

type CleanupResponse struct {
	Removed int       `json:"removed"`
	RanAt   time.Time `json:"ran_at"`
}

type HealthCheckResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version,omitempty"`
	Storage   string    `json:"storage,omitempty"`
}

// ErrorResponse provides structured error information with debugging context.
//
// Error Categories:
// - Invalid requests: missing identifier or action
// - Configuration errors: action has no configured thresholds
// - Authorization errors: missing or wrong admin token
// - Unavailable: persistence failed and the policy is fail-closed
type ErrorResponse struct {
	Error     string            `json:"error"`                // Error type (always "error")
	Message   string            `json:"message"`              // Human-readable error description
	Code      string            `json:"code,omitempty"`       // Machine-readable error code
	Details   map[string]string `json:"details,omitempty"`    // Field-specific error details
	Timestamp time.Time         `json:"timestamp"`            // Error occurrence time
	RequestID string            `json:"request_id,omitempty"` // Unique request identifier
}

// Health Status Constants
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// Standard HTTP Error Codes
const (
	ErrorCodeNotFound           = "NOT_FOUND"           // 404: Resource doesn't exist
	ErrorCodeBadRequest         = "BAD_REQUEST"         // 400: Invalid request format
	ErrorCodeInvalidRequest     = "INVALID_REQUEST"     // 400: Invalid request data
	ErrorCodeConfiguration      = "CONFIGURATION_ERROR" // 422: Action not configured
	ErrorCodeInternalError      = "INTERNAL_ERROR"      // 500: Server-side error
	ErrorCodeUnauthorized       = "UNAUTHORIZED"        // 401: Authentication required
	ErrorCodeRateLimitExceeded  = "RATE_LIMIT_EXCEEDED" // 429: Guard denied the attempt
	ErrorCodeServiceUnavailable = "SERVICE_UNAVAILABLE" // 503: Service temporarily down
)

func NewErrorResponse(message string, code string) *ErrorResponse {
	return &ErrorResponse{
		Error:     "error",
		Message:   message,
		Code:      code,
		Timestamp: time.Now(),
	}
}
