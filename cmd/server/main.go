// Atlas - CTF challenge container server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/atlas-ctf/atlas/internal/api"
	"github.com/atlas-ctf/atlas/internal/catalog"
	"github.com/atlas-ctf/atlas/internal/config"
	"github.com/atlas-ctf/atlas/internal/container"
	"github.com/atlas-ctf/atlas/internal/identity"
	"github.com/atlas-ctf/atlas/internal/lease"
	"github.com/atlas-ctf/atlas/internal/logstream"
	"github.com/atlas-ctf/atlas/internal/metrics"
	"github.com/atlas-ctf/atlas/internal/middleware"
	"github.com/atlas-ctf/atlas/internal/store"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath, store.WithRetry(cfg.Retry.DatabaseMaxRetries, cfg.Retry.DatabaseRetryBaseDelay))
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	if cfg.ChallengesFile != "" {
		n, err := catalog.SeedFile(context.Background(), repo, cfg.ChallengesFile)
		if err != nil {
			slog.Error("Failed to seed challenge catalog", "error", err, "file", cfg.ChallengesFile)
			os.Exit(1)
		}
		slog.Info("Challenge catalog seeded", "file", cfg.ChallengesFile, "challenges", n)
	}

	rt, err := container.NewDockerRuntime(container.DockerOptions{
		Host:            cfg.Runtime.DockerHost,
		OCIRuntime:      cfg.Runtime.OCIRuntime,
		StopTimeoutSecs: int(cfg.Timeout.Stop / time.Second),
	})
	if err != nil {
		slog.Error("Failed to initialize container runtime", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := rt.Close(); closeErr != nil {
			slog.Error("Failed to close container runtime", "error", closeErr)
		}
	}()
	if err := rt.Ping(context.Background()); err != nil {
		// Teams get runtime_unavailable until the daemon is back.
		slog.Warn("Container runtime unreachable at startup", "error", err)
	} else {
		slog.Info("Container runtime connected")
	}

	// Initialize services.
	viewers := logstream.NewManager()
	opts := lease.OptionsFromConfig(cfg)
	opts.OnRelease = viewers.CloseContainer
	tracker := lease.NewTracker(repo, repo, rt, opts)

	verifier := identity.NewVerifier(cfg.JWTSecret)

	// Initialize handlers.
	healthHandler := api.NewHealthHandler(repo, rt, cfg.Timeout.HealthCheck)
	challengeHandler := api.NewChallengeHandler(tracker, repo)
	logsHandler := logstream.NewHandler(rt, repo, viewers, cfg.OriginHosts())
	adminHandler := api.NewAdminHandler(tracker, repo, rt, logsHandler)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(middleware.CORS(cfg.AllowedOrigins()))

	// Public routes.
	healthHandler.RegisterHealth(r)
	r.Handle("/metrics", metrics.Handler())

	// Authenticated routes.
	r.Group(func(r chi.Router) {
		r.Use(verifier.Middleware)
		challengeHandler.RegisterRoutes(r, identity.RequireTeam(repo))
		adminHandler.RegisterRoutes(r, identity.RequireAdmin)
	})

	// Create server.
	// Log streams are long-lived, so there is no write timeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Start expiry reaper.
	lease.NewReaper(tracker, cfg.Lease.ReaperInterval).Start(ctx)

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
