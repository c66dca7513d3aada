// Package ratelimit puts the guard in front of HTTP handlers. Each request is
// keyed (by default on the client IP), checked against one configured action,
// and either passed through or answered with 429 and standard rate limit
// headers.
package ratelimit

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"rlguard/internal/models"
)

// Checker is the part of the guard the middleware depends on.
type Checker interface {
	Check(ctx context.Context, identifier, action string, now time.Time) (models.Decision, error)
}

// KeyFunc extracts the identifier a request is limited by.
type KeyFunc func(r *http.Request) string

// ClientIP keys requests by client address. Proxy headers are only honoured
// when trustProxy is set, since any client can send them.
func ClientIP(trustProxy bool) KeyFunc {
	return func(r *http.Request) string {
		return getClientIP(r, trustProxy)
	}
}

// getClientIP extracts the client IP from the request, checking proxy headers
// when they are trusted.
func getClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}

		if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
			return xri
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
