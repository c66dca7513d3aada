package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rlguard/internal/api"
	"rlguard/internal/config"
	"rlguard/internal/events"
	"rlguard/internal/guard"
	"rlguard/internal/logger"
	"rlguard/internal/models"
	"rlguard/internal/observability"
	"rlguard/internal/ratelimit"
	"rlguard/internal/storage"
	"rlguard/internal/sweeper"
	"rlguard/internal/version"

	"golang.org/x/sync/errgroup"
)

var (
	configFile   = flag.String("config", "", "Path to configuration file")
	envFile      = flag.String("env-file", "", "Path to a dotenv file (defaults to ./.env when present)")
	writeExample = flag.String("write-example-config", "", "Write an example configuration file to this path and exit")
	showVersion  = flag.Bool("version", false, "Print version information and exit")
)

func main() {
	flag.Parse()

	ver := version.GetInfo()
	if *showVersion {
		fmt.Println(ver.String())
		return
	}

	if *writeExample != "" {
		if err := config.SaveExample(*writeExample); err != nil {
			slog.Error("Failed to write example configuration", "error", err)
			os.Exit(1)
		}
		fmt.Printf("Example configuration written to %s\n", *writeExample)
		return
	}

	if err := config.LoadEnvFile(*envFile); err != nil {
		slog.Error("Failed to load env file", "error", err)
		os.Exit(1)
	}

	// Load configuration
	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Initialize structured logging
	log, closer, err := logger.Setup(cfg.Logging, ver)
	if err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}
	if closer != nil {
		defer closer.Close()
	}
	slog.SetDefault(log)

	if len(cfg.Guard.Actions) == 0 {
		slog.Warn("No guarded actions configured; every check will be rejected as a configuration error")
	}
	slog.Info("Guard configuration loaded",
		"actions", config.ActionNames(cfg),
		"storage", cfg.Storage.Type,
		"failure_policy", cfg.Guard.FailurePolicy)

	// Initialize observability (OpenTelemetry)
	otelProvider, err := observability.Setup(cfg.Metrics, cfg.Observability, ver)
	if err != nil {
		slog.Error("Failed to initialize observability", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := otelProvider.Shutdown(shutdownCtx); err != nil {
			slog.Error("Failed to shutdown observability", "error", err)
		}
	}()

	// Initialize storage
	store, err := initializeStorage(cfg)
	if err != nil {
		slog.Error("Failed to initialize storage", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	// Publish block and reset events when configured
	var observer guard.Observer
	if cfg.Events.Enabled {
		publisher := events.NewKafkaPublisher(cfg.Events, ver.InstanceID, log)
		defer publisher.Close()
		observer = publisher
	}

	// Initialize the guard
	svc, err := initializeGuard(cfg, store, observer, log)
	if err != nil {
		slog.Error("Failed to initialize guard", "error", err)
		os.Exit(1)
	}
	policy := guard.PolicyFromConfig(cfg.Guard)

	// Background cleanup
	if cfg.Cleanup.Enabled {
		sw := sweeper.New(svc, sweeper.ConfigFrom(cfg.Cleanup, log))
		sw.Start()
		defer sw.Close()
	}

	handlers := api.NewHandlers(svc,
		api.WithPolicy(policy),
		api.WithVersion(ver.Version),
		api.WithCleanupBatchLimit(cfg.Cleanup.BatchLimit),
	)

	// Setup routes with middleware
	routeOpts := []api.RouteOption{}
	if cfg.Observability.Tracing.Enabled {
		routeOpts = append(routeOpts, api.WithOTelMiddleware(cfg.Observability.ServiceName))
	}
	if cfg.Security.AdminAction != "" {
		routeOpts = append(routeOpts, api.WithAdminRateLimiter(ratelimit.Middleware(svc, ratelimit.Config{
			Action: cfg.Security.AdminAction,
			Policy: policy,
			Key:    ratelimit.ClientIP(cfg.Guard.TrustProxyHeaders),
		})))
	}

	router := api.SetupRoutes(handlers, cfg, routeOpts...)

	var metricsServer *observability.MetricsServer
	if cfg.Metrics.Enabled {
		metricsServer = observability.NewMetricsServer(cfg.Metrics.Port, cfg.Metrics.Path, otelProvider)
	}

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("Starting server", "addr", server.Addr, "tls", cfg.Server.TLSEnabled)

		var err error
		if cfg.Server.TLSEnabled {
			err = server.ListenAndServeTLS(cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server: %w", err)
	})

	if metricsServer != nil {
		g.Go(func() error {
			if err := metricsServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	// Shut everything down on a signal or the first listener failure
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if metricsServer != nil {
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				slog.Error("Metrics server forced to shutdown", "error", err)
			}
		}
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server forced to shutdown", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		slog.Error("Server failed", "error", err)
	}

	slog.Info("Server shutdown complete")
}

// initializeStorage creates the configured store, instrumented when metrics are enabled
func initializeStorage(cfg *models.Config) (storage.Store, error) {
	store, err := storage.NewFactory().Create(cfg.Storage)
	if err != nil {
		return nil, err
	}
	if !cfg.Metrics.Enabled {
		return store, nil
	}

	instrumented, err := observability.NewInstrumentedStore(store)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to instrument storage: %w", err)
	}
	return instrumented, nil
}

// initializeGuard builds the guard over store, instrumented when metrics are enabled
func initializeGuard(cfg *models.Config, store storage.Store, observer guard.Observer, log *slog.Logger) (guard.Service, error) {
	opts := guard.OptionsFromConfig(cfg.Guard, cfg.Cleanup, log)
	opts.Observer = observer
	g, err := guard.New(cfg.Guard.Actions, store, opts)
	if err != nil {
		return nil, err
	}
	if !cfg.Metrics.Enabled {
		return g, nil
	}
	instrumented, err := observability.NewInstrumentedGuard(g)
	if err != nil {
		return nil, fmt.Errorf("failed to instrument guard: %w", err)
	}
	return instrumented, nil
}
