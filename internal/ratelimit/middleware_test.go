package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rlguard/internal/guard"
	"rlguard/internal/models"
	"rlguard/internal/storage"
)

var fixedNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func okHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func newTestGuard(t *testing.T, maxAttempts int) *guard.Guard {
	t.Helper()
	store, err := storage.NewMemoryStore(storage.Config{})
	require.NoError(t, err)

	g, err := guard.New(map[string]models.ActionLimits{
		"api": {Window: time.Minute, MaxAttempts: maxAttempts, BlockDuration: 90 * time.Second},
	}, store, guard.Options{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	require.NoError(t, err)
	return g
}

func serve(handler http.Handler, remoteAddr string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("GET", "/test", nil)
	req.RemoteAddr = remoteAddr
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

type stubChecker struct {
	decision models.Decision
	err      error
	lastKey  string
}

func (s *stubChecker) Check(ctx context.Context, identifier, action string, now time.Time) (models.Decision, error) {
	s.lastKey = identifier
	return s.decision, s.err
}

func TestMiddleware_AllowedRequest(t *testing.T) {
	g := newTestGuard(t, 10)
	handler := Middleware(g, Config{Action: "api", Now: func() time.Time { return fixedNow }})(http.HandlerFunc(okHandler))

	rr := serve(handler, "192.168.1.1:12345", nil)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "10", rr.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "9", rr.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "1740830460", rr.Header().Get("X-RateLimit-Reset"))
	assert.Empty(t, rr.Header().Get("Retry-After"))
}

func TestMiddleware_DeniedRequest(t *testing.T) {
	g := newTestGuard(t, 2)
	handler := Middleware(g, Config{Action: "api", Now: func() time.Time { return fixedNow }})(http.HandlerFunc(okHandler))

	for i := 0; i < 2; i++ {
		rr := serve(handler, "192.168.1.1:12345", nil)
		assert.Equal(t, http.StatusOK, rr.Code)
	}

	// Third request should be denied
	rr := serve(handler, "192.168.1.1:12345", nil)

	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "90", rr.Header().Get("Retry-After"))
	assert.Equal(t, "2", rr.Header().Get("X-RateLimit-Limit"))

	var errResp map[string]interface{}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&errResp))
	assert.Equal(t, "Rate limit exceeded", errResp["message"])
	assert.Equal(t, models.ErrorCodeRateLimitExceeded, errResp["code"])

	// A different client is unaffected.
	rr = serve(handler, "192.168.1.2:12345", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestMiddleware_IgnoresProxyHeadersByDefault(t *testing.T) {
	checker := &stubChecker{decision: models.Allow(5, 4, fixedNow)}
	handler := Middleware(checker, Config{Action: "api"})(http.HandlerFunc(okHandler))

	serve(handler, "10.0.0.1:4000", map[string]string{"X-Forwarded-For": "203.0.113.50"})
	assert.Equal(t, "10.0.0.1", checker.lastKey)
}

func TestMiddleware_XForwardedFor(t *testing.T) {
	checker := &stubChecker{decision: models.Allow(5, 4, fixedNow)}
	handler := Middleware(checker, Config{Action: "api", Key: ClientIP(true)})(http.HandlerFunc(okHandler))

	serve(handler, "10.0.0.1:4000", map[string]string{"X-Forwarded-For": "203.0.113.50, 70.41.3.18"})
	assert.Equal(t, "203.0.113.50", checker.lastKey)
}

func TestMiddleware_XRealIP(t *testing.T) {
	checker := &stubChecker{decision: models.Allow(5, 4, fixedNow)}
	handler := Middleware(checker, Config{Action: "api", Key: ClientIP(true)})(http.HandlerFunc(okHandler))

	serve(handler, "10.0.0.1:4000", map[string]string{"X-Real-IP": "198.51.100.7"})
	assert.Equal(t, "198.51.100.7", checker.lastKey)
}

func TestMiddleware_StorageErrorFailClosed(t *testing.T) {
	checker := &stubChecker{err: &guard.Error{Kind: guard.KindStorage, Op: "check", Message: "down"}}
	policy := guard.Policy{Mode: guard.FailClosed, RetryAfter: 30 * time.Second}
	handler := Middleware(checker, Config{Action: "api", Policy: policy})(http.HandlerFunc(okHandler))

	rr := serve(handler, "10.0.0.1:4000", nil)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "30", rr.Header().Get("Retry-After"))
	assert.Equal(t, "true", rr.Header().Get("X-RateLimit-Degraded"))
}

func TestMiddleware_StorageErrorFailOpen(t *testing.T) {
	checker := &stubChecker{err: &guard.Error{Kind: guard.KindStorage, Op: "check", Message: "down"}}
	handler := Middleware(checker, Config{Action: "api", Policy: guard.Policy{Mode: guard.FailOpen}})(http.HandlerFunc(okHandler))

	rr := serve(handler, "10.0.0.1:4000", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "true", rr.Header().Get("X-RateLimit-Degraded"))
}

func TestMiddleware_ErrorsWithoutPolicy(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"storage", &guard.Error{Kind: guard.KindStorage}, http.StatusServiceUnavailable},
		{"invalid", &guard.Error{Kind: guard.KindInvalidArgument}, http.StatusBadRequest},
		{"configuration", &guard.Error{Kind: guard.KindConfiguration}, http.StatusInternalServerError},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker := &stubChecker{err: tt.err}
			handler := Middleware(checker, Config{Action: "api"})(http.HandlerFunc(okHandler))

			rr := serve(handler, "10.0.0.1:4000", nil)
			assert.Equal(t, tt.status, rr.Code)
			assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
		})
	}
}

func TestGetClientIP(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "[2001:db8::1]:443"
	assert.Equal(t, "2001:db8::1", getClientIP(req, false))

	req.RemoteAddr = "not-a-host-port"
	assert.Equal(t, "not-a-host-port", getClientIP(req, false))

	req.Header.Set("X-Forwarded-For", " , 1.2.3.4")
	req.Header.Set("X-Real-IP", "5.6.7.8")
	assert.Equal(t, "5.6.7.8", getClientIP(req, true))
}
