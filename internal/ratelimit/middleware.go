package ratelimit

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"rlguard/internal/guard"
	"rlguard/internal/models"
)

// Config configures Middleware.
type Config struct {
	// Action is the guarded action every request counts against.
	Action string
	// Policy resolves storage failures; the zero value reports them as 503.
	Policy guard.Policy
	// Key defaults to ClientIP(false).
	Key KeyFunc
	// Now defaults to time.Now.
	Now func() time.Time
}

// Middleware returns HTTP middleware that counts each request as an attempt
// for cfg.Action and rejects it with 429 while the caller is blocked.
func Middleware(checker Checker, cfg Config) func(http.Handler) http.Handler {
	keyFn := cfg.Key
	if keyFn == nil {
		keyFn = ClientIP(false)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFn(r)
			at := now()

			decision, err := checker.Check(r.Context(), key, cfg.Action, at)
			decision, err = cfg.Policy.Apply(decision, err, at)
			if err != nil {
				status, code := errorStatus(err)
				slog.Error("Guard check failed",
					"action", cfg.Action,
					"identifier_fp", guard.Fingerprint(key),
					"error", err)
				writeError(w, status, "Rate limit check failed", code)
				return
			}

			WriteHeaders(w, decision)

			if !decision.Allowed {
				slog.Warn("Rate limit exceeded",
					"action", cfg.Action,
					"identifier_fp", guard.Fingerprint(key),
					"retry_after", models.RetryAfterSeconds(decision.RetryAfter),
					"degraded", decision.Degraded)
				writeError(w, http.StatusTooManyRequests, "Rate limit exceeded", models.ErrorCodeRateLimitExceeded)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// WriteHeaders sets the rate limit response headers for a decision. Blocked
// decisions also get Retry-After in whole seconds.
func WriteHeaders(w http.ResponseWriter, d models.Decision) {
	h := w.Header()
	if d.Limit > 0 {
		h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	}
	if !d.ResetAt.IsZero() {
		h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
	}
	if d.Degraded {
		h.Set("X-RateLimit-Degraded", "true")
	}
	if !d.Allowed {
		h.Set("Retry-After", strconv.FormatInt(models.RetryAfterSeconds(d.RetryAfter), 10))
	}
}

// errorStatus maps a guard error onto an HTTP status and error code.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, guard.ErrInvalidArgument):
		return http.StatusBadRequest, models.ErrorCodeBadRequest
	case errors.Is(err, guard.ErrStorage):
		return http.StatusServiceUnavailable, models.ErrorCodeServiceUnavailable
	default:
		return http.StatusInternalServerError, models.ErrorCodeInternalError
	}
}

func writeError(w http.ResponseWriter, status int, message, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(models.NewErrorResponse(message, code))
}
