package api

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"rlguard/internal/models"

	"github.com/gorilla/mux"
)

// statusRecorder captures the status code written by the next handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// loggingMiddleware logs HTTP requests. The route template is logged instead
// of the raw path so identifiers embedded in admin URLs stay out of the logs.
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		slog.Info("HTTP request",
			"method", r.Method,
			"route", routeTemplate(r),
			"status", rec.status,
			"duration", time.Since(start),
			"remote_addr", r.RemoteAddr)
	})
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

// recoveryMiddleware handles panics
func recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				slog.Error("Panic recovered", "error", err, "route", routeTemplate(r))
				writeError(w, http.StatusInternalServerError, "Internal server error", models.ErrorCodeInternalError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// adminAuthMiddleware requires "Authorization: Bearer <token>" matching the
// configured admin token. The comparison runs in constant time.
func adminAuthMiddleware(token string) mux.MiddlewareFunc {
	expected := []byte(token)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeError(w, http.StatusUnauthorized, "Authorization required", models.ErrorCodeUnauthorized)
				return
			}

			const prefix = "Bearer "
			if !strings.HasPrefix(authHeader, prefix) {
				writeError(w, http.StatusUnauthorized, "Invalid authorization format", models.ErrorCodeUnauthorized)
				return
			}

			presented := []byte(authHeader[len(prefix):])
			if len(expected) == 0 || subtle.ConstantTimeCompare(presented, expected) != 1 {
				slog.Warn("Rejected admin request", "route", routeTemplate(r), "remote_addr", r.RemoteAddr)
				writeError(w, http.StatusUnauthorized, "Invalid admin token", models.ErrorCodeUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func writeError(w http.ResponseWriter, status int, message, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(models.NewErrorResponse(message, code))
}
