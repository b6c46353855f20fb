// SSO Portal - server-side hub for embedded learning modules
package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/sso-portal/internal/api"
	"github.com/ashureev/sso-portal/internal/config"
	"github.com/ashureev/sso-portal/internal/frame"
	"github.com/ashureev/sso-portal/internal/identity"
	"github.com/ashureev/sso-portal/internal/middleware"
	"github.com/ashureev/sso-portal/internal/module"
	"github.com/ashureev/sso-portal/internal/portal"
	"github.com/ashureev/sso-portal/internal/session"
	"github.com/ashureev/sso-portal/internal/store"
	"github.com/ashureev/sso-portal/internal/token"
	"github.com/ashureev/sso-portal/web"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"google.golang.org/grpc"
)

const healthProbeInterval = 15 * time.Second

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

	slog.Info("Starting server", "port", cfg.Port, "grpc_port", cfg.GRPCPort, "dev", cfg.IsDevelopment())

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
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

	if cfg.TokenSecret == "" {
		slog.Warn("TOKEN_SECRET not set, issuing unsigned demo tokens")
	}

	hub := frame.NewHub(cfg.AllowedOrigins, cfg.IsDevelopment())
	cores := portal.NewManager(portal.Options{
		Repository:     repo,
		Ephemeral:      store.NewMemoryKV(),
		Host:           hub,
		Issuer:         token.New(cfg.TokenSecret, cfg.TokenIssuer),
		AllowedOrigins: cfg.AllowedOrigins,
		Catalog:        module.DefaultCatalog(cfg.Modules.ElearningURL, cfg.Modules.MonitoringURL),
		Session: session.Options{
			TTL:               cfg.SessionTTL,
			InactivityTimeout: cfg.InactivityTimeout,
		},
		Loader: module.LoaderOptions{
			LoadTimeout: cfg.Timeout.ModuleLoad,
		},
	}, cfg.CoreIdleTTL)
	defer cores.Close()

	shells := api.NewShellManager()
	defer shells.CloseAll()

	// Initialize handlers.
	baseHandler := api.NewHandler(cores, repo, shells, cfg)
	healthHandler := api.NewHealthHandler(repo, cfg.Timeout.HealthCheck)
	sessionHandler := api.NewSessionHandler(baseHandler)
	moduleHandler := api.NewModuleHandler(baseHandler)
	dataHandler := api.NewDataHandler(baseHandler)
	shellHandler := api.NewShellHandler(baseHandler, cfg.IsDevelopment())

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))

	// Public routes.
	healthHandler.RegisterHealth(r)

	// Module pages connect here; they carry a frame id, not a device identity.
	r.Get("/ws/frame", hub.ServeHTTP)

	r.Group(func(r chi.Router) {
		r.Use(middleware.CORS(cfg.AllowedOrigins))
		r.Use(identity.Middleware(cfg.IsDevelopment()))

		r.Route("/api", func(r chi.Router) {
			sessionHandler.RegisterRoutes(r)
			moduleHandler.RegisterRoutes(r)
			dataHandler.RegisterRoutes(r)
		})
		r.Get("/ws/shell", shellHandler.ServeHTTP)

		// Serve embedded shell (SPA catch-all).
		r.Handle("/*", web.ShellHandler())
	})

	// Create server.
	// WebSocket connections are long-lived, so there is no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	grpcListener, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		slog.Error("Failed to listen for gRPC", "error", err, "port", cfg.GRPCPort)
		os.Exit(1)
	}
	grpcServer := grpc.NewServer()
	healthHandler.RegisterGRPC(grpcServer)

	// Start background workers.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cores.StartSweeper(ctx, portal.DefaultSweepInterval)
	healthHandler.StartProber(ctx, healthProbeInterval)
	slog.Info("Background workers started", "core_idle_ttl", cfg.CoreIdleTTL, "session_ttl", cfg.SessionTTL)

	go func() {
		slog.Info("gRPC health server listening", "addr", grpcListener.Addr().String())
		if err := grpcServer.Serve(grpcListener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			slog.Error("gRPC server failed", "error", err)
			os.Exit(1)
		}
	}()

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

	shells.CloseAll()
	grpcServer.GracefulStop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
