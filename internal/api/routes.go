package api

import (
	"net/http"

	"rlguard/internal/models"

	"github.com/go-chi/cors"
	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gorilla/mux/otelmux"
)

type routeOptions struct {
	otelService  string
	adminLimiter func(http.Handler) http.Handler
}

// RouteOption configures optional route behavior.
type RouteOption func(*routeOptions)

// WithOTelMiddleware adds OpenTelemetry HTTP instrumentation middleware.
func WithOTelMiddleware(serviceName string) RouteOption {
	return func(o *routeOptions) {
		o.otelService = serviceName
	}
}

// WithAdminRateLimiter puts a guard middleware in front of the admin routes,
// ahead of authentication so failed token guesses count as attempts.
func WithAdminRateLimiter(middleware func(http.Handler) http.Handler) RouteOption {
	return func(o *routeOptions) {
		o.adminLimiter = middleware
	}
}

// SetupRoutes configures the HTTP routes for the API
func SetupRoutes(handlers *Handlers, config *models.Config, opts ...RouteOption) *mux.Router {
	var o routeOptions
	for _, opt := range opts {
		opt(&o)
	}

	router := mux.NewRouter()

	router.Use(recoveryMiddleware)
	router.Use(loggingMiddleware)
	if o.otelService != "" {
		router.Use(otelmux.Middleware(o.otelService,
			otelmux.WithFilter(func(r *http.Request) bool {
				return r.URL.Path != "/health" && r.URL.Path != "/api/v1/health"
			}),
		))
	}

	if config.Server.CORS.Enabled {
		router.Use(corsMiddleware(config.Server.CORS))
		// Preflights need a matching route for router middleware to run.
		router.PathPrefix("/").Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		})
	}

	router.HandleFunc("/health", handlers.HealthCheck).Methods(http.MethodGet)

	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/health", handlers.HealthCheck).Methods(http.MethodGet)
	api.HandleFunc("/check", handlers.Check).Methods(http.MethodPost)

	admin := api.PathPrefix("").Subrouter()
	if o.adminLimiter != nil {
		admin.Use(o.adminLimiter)
	}
	if config.Security.EnableAuth {
		admin.Use(adminAuthMiddleware(config.Security.AdminToken))
	}
	admin.HandleFunc("/guards/{action}/{identifier}", handlers.ResetGuard).Methods(http.MethodDelete)
	admin.HandleFunc("/identifiers/{identifier}/guards", handlers.ListIdentifierGuards).Methods(http.MethodGet)
	admin.HandleFunc("/blocked", handlers.ListBlocked).Methods(http.MethodGet)
	admin.HandleFunc("/cleanup", handlers.Cleanup).Methods(http.MethodPost)

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "Resource not found", models.ErrorCodeNotFound)
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed", models.ErrorCodeInvalidRequest)
	})

	return router
}

func corsMiddleware(cc models.CORSConfig) func(http.Handler) http.Handler {
	return cors.Handler(cors.Options{
		AllowedOrigins: cc.AllowedOrigins,
		AllowedMethods: cc.AllowedMethods,
		AllowedHeaders: cc.AllowedHeaders,
		ExposedHeaders: []string{"Retry-After", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		MaxAge:         cc.MaxAge,
	})
}
