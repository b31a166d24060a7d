// chatdock - multi-agent chat surface server
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
	"github.com/meridianapps/chatdock/internal/api"
	"github.com/meridianapps/chatdock/internal/catalog"
	"github.com/meridianapps/chatdock/internal/config"
	"github.com/meridianapps/chatdock/internal/events"
	"github.com/meridianapps/chatdock/internal/gen"
	"github.com/meridianapps/chatdock/internal/identity"
	"github.com/meridianapps/chatdock/internal/middleware"
	"github.com/meridianapps/chatdock/internal/store"
	"github.com/meridianapps/chatdock/web"
	"github.com/prometheus/client_golang/prometheus/promhttp"
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

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "ai", cfg.AIEnabled())

	cat, err := catalog.Load(cfg.AgentsPath)
	if err != nil {
		slog.Error("Failed to load agent catalog", "error", err)
		os.Exit(1)
	}
	slog.Info("Agent catalog loaded", "agents", len(cat.Agents()))

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

	var generator gen.Generator
	if cfg.AIEnabled() {
		generator = gen.NewOpenAI(cfg.Generation)
		slog.Info("Generation backend configured", "model", cfg.Generation.Model)
	} else {
		slog.Info("AI features disabled (OPENAI_API_KEY not set)")
	}

	hub := events.NewHub()
	runtime := api.NewRuntime(repo, generator, hub, cfg.GenerationTimeout)
	defer runtime.Close()

	apiHandler := api.NewHandler(runtime, cat, repo, cfg.AIEnabled())
	wsHandler := events.NewWebSocketHandler(hub, cfg.FrontendURL, cfg.IsDevelopment())

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	corsOrigins := []string{"*"}
	if cfg.FrontendURL != "" {
		corsOrigins = []string{cfg.FrontendURL}
	}
	r.Use(middleware.CORS(corsOrigins))
	r.Use(identity.Middleware(repo, cfg.MonthlyGrant, cfg.IsDevelopment()))

	apiHandler.RegisterRoutes(r)

	// WebSocket event stream.
	r.Get("/ws/events", wsHandler.ServeHTTP)

	// Metrics.
	r.Handle("/metrics", promhttp.Handler())

	// Serve embedded frontend (SPA catch-all).
	r.Handle("/*", web.SPAHandler())

	// Note: SSE connections require long timeouts (no WriteTimeout).
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

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
