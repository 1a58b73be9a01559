// mockprep - interview session orchestration and scoring server
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

	"github.com/ashureev/mockprep/internal/agent"
	"github.com/ashureev/mockprep/internal/api"
	"github.com/ashureev/mockprep/internal/config"
	"github.com/ashureev/mockprep/internal/identity"
	"github.com/ashureev/mockprep/internal/interview"
	"github.com/ashureev/mockprep/internal/metrics"
	"github.com/ashureev/mockprep/internal/middleware"
	"github.com/ashureev/mockprep/internal/proctor"
	"github.com/ashureev/mockprep/internal/sequence"
	"github.com/ashureev/mockprep/internal/session"
	"github.com/ashureev/mockprep/internal/store"
	"github.com/ashureev/mockprep/internal/stream"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "store", cfg.Store.Backend)

	repo, err := openRepository(cfg)
	if err != nil {
		slog.Error("Failed to initialize session store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Session store health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Session store connected")

	schedules, err := sequence.Load()
	if err != nil {
		slog.Error("Failed to load round schedules", "error", err)
		os.Exit(1)
	}

	// Directive pushes are optional; without an agent they only reach SSE.
	var notifier agent.Notifier = agent.NopNotifier{}
	if cfg.Agent.Address != "" {
		slog.Info("Connecting to agent directive endpoint via gRPC", "address", cfg.Agent.Address)
		grpcCfg := agent.DefaultGrpcConfig(cfg.Agent.Address)
		grpcCfg.RequestTimeout = cfg.Agent.Timeout
		client, err := agent.NewGrpcNotifier(grpcCfg, logger)
		if err != nil {
			slog.Warn("Failed to connect to agent, directives will only be streamed", "error", err)
		} else {
			notifier = client
		}
	} else {
		slog.Info("Agent directives disabled (AGENT_ADDR not set)")
	}
	defer notifier.Close()

	broadcaster := stream.NewBroadcaster(stream.Config{
		QueueSize: cfg.Stream.QueueSize,
		Keepalive: cfg.Stream.Keepalive,
		Retry:     cfg.Stream.Retry,
	}, logger)
	defer broadcaster.Close()

	sockets := proctor.NewRegistry(logger)

	mgr := interview.NewManager(interview.Config{
		Repo:        repo,
		Schedules:   schedules,
		Notifier:    notifier,
		Broadcaster: broadcaster,
		Sockets:     sockets,
		Proctor: proctor.Config{
			WarningDuration: cfg.Proctor.WarningDuration,
			Limit:           cfg.Proctor.ViolationLimit,
		},
		Logger: logger,
	})
	defer mgr.Shutdown()

	allowedOrigin := cfg.FrontendURL
	if allowedOrigin == "" {
		allowedOrigin = "*"
	}
	sessionHandler := api.NewSessionHandler(mgr, api.Options{
		MaxBody: cfg.MaxRequestBody,
		Stream:  broadcaster,
		Proctor: proctor.NewHandler(mgr, sockets, allowedOrigin, cfg.IsDevelopment(), logger),
		Logger:  logger,
	})
	healthHandler := api.NewHealthHandler(repo, cfg.Store.Backend)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(metrics.Middleware)
	r.Use(middleware.CORS(cfg.AllowedOrigins()))

	// Public routes.
	healthHandler.RegisterHealth(r)
	r.Handle("/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(cfg.IsDevelopment()))
		sessionHandler.RegisterRoutes(r)
	})

	// SSE connections require long timeouts (no WriteTimeout).
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sweeper := session.NewSweeper(repo, cfg.Store.SessionTTL, mgr.Close, logger)
	if err := sweeper.Start(ctx, cfg.Store.SweepSchedule); err != nil {
		slog.Error("Failed to start session sweeper", "error", err)
		os.Exit(1)
	}
	defer sweeper.Stop()

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

	// Close SSE streams first so Shutdown does not wait on them.
	broadcaster.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	slog.Info("Server stopped successfully")
}

func openRepository(cfg *config.Config) (store.Repository, error) {
	switch cfg.Store.Backend {
	case config.BackendRedis:
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return store.NewRedis(ctx, cfg.Store.RedisAddr, cfg.Store.RedisPassword, cfg.Store.RedisDB, cfg.Store.SessionTTL)
	default:
		return store.NewSQLite(cfg.Store.DBPath)
	}
}
