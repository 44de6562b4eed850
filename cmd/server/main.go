// Supportdesk - real-time customer-support routing hub
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/ashureev/supportdesk/internal/agent"
	"github.com/ashureev/supportdesk/internal/api"
	"github.com/ashureev/supportdesk/internal/classify"
	"github.com/ashureev/supportdesk/internal/config"
	"github.com/ashureev/supportdesk/internal/conversation"
	"github.com/ashureev/supportdesk/internal/metrics"
	"github.com/ashureev/supportdesk/internal/middleware"
	"github.com/ashureev/supportdesk/internal/realtime"
	"github.com/ashureev/supportdesk/internal/routing"
	"github.com/ashureev/supportdesk/internal/store"
	"github.com/ashureev/supportdesk/web"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/afero"
	"golang.org/x/time/rate"
)

// CLI holds command-line flags. Flags override the environment.
type CLI struct {
	EnvFile    string `name:"env-file" default:".env" help:"Path to a .env file to load."`
	AgentsFile string `name:"agents-file" help:"Agent seed YAML file (overrides AGENTS_FILE)."`
	Port       string `help:"Listen port (overrides PORT)."`
}

func main() {
	var cli CLI
	kong.Parse(&cli,
		kong.Name("supportdesk"),
		kong.Description("Real-time customer-support routing hub"),
		kong.UsageOnError(),
	)

	if err := run(cli); err != nil {
		slog.Error("Server exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cli CLI) error {
	if err := godotenv.Load(cli.EnvFile); err != nil {
		slog.Info("No .env file found, using environment variables", "path", cli.EnvFile)
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cli.AgentsFile != "" {
		cfg.AgentsFile = cli.AgentsFile
	}
	if cli.Port != "" {
		cfg.Port = cli.Port
	}

	level, _ := config.ParseLevel(cfg.LogLevel)
	logger := newLogger(cfg.LogFormat, level)
	slog.SetDefault(logger)

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Storage.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(ctx); err != nil {
		return fmt.Errorf("database health check: %w", err)
	}
	slog.Info("Database connected", "path", cfg.DBPath)

	agents, err := store.LoadAgentSeed(afero.NewOsFs(), cfg.AgentsFile)
	if err != nil {
		return err
	}
	if err := store.SeedAgents(ctx, repo, agents); err != nil {
		return err
	}
	slog.Info("Agents seeded", "count", len(agents))

	// Metrics.
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(promReg)

	// Generation backend.
	var gen agent.Generator
	if cfg.Generator.Addr != "" {
		slog.Info("Connecting to generation service", "address", cfg.Generator.Addr)
		grpcGen, err := agent.NewGrpcGenerator(agent.DefaultGrpcGeneratorConfig(cfg.Generator.Addr), logger)
		if err != nil {
			slog.Warn("Generation service unavailable, all turns will escalate to humans", "error", err)
			gen = agent.NewUnavailableGenerator(err.Error())
		} else {
			defer grpcGen.Close()
			gen = grpcGen
		}
	} else {
		slog.Info("GENERATOR_ADDR not set, all turns will escalate to humans")
		gen = agent.NewUnavailableGenerator("GENERATOR_ADDR not set")
	}
	breaker := agent.NewBreakerGenerator(gen, agent.BreakerConfig{
		MaxFailures: cfg.Generator.BreakerFailures,
		Timeout:     cfg.Generator.BreakerTimeout,
	}, logger)

	// Core services.
	hub := realtime.NewRegistry(m)
	presence := realtime.NewPresence(hub)
	coord := agent.NewCoordinator(repo, routing.New(repo), breaker, hub,
		agent.Config{DefaultTimeout: cfg.Generator.Timeout}, m, logger)
	svc := conversation.NewService(repo, coord, hub, classify.NewKeyword(),
		conversation.Config{PauseAIOnEscalation: cfg.PauseAIOnEscalation}, m, logger)

	agent.StartIdleSweeper(ctx, coord, cfg.SweepInterval, cfg.SessionIdleTTL)

	// Handlers.
	base := api.NewHandler(repo)
	conversationHandler := api.NewConversationHandler(base, svc)
	agentHandler := api.NewAgentHandler(base)
	systemHandler := api.NewSystemHandler(base, breaker, hub, coord)
	wsHandler := realtime.NewHandler(hub, presence, svc, svc, realtime.HandlerConfig{
		AllowedOrigin: cfg.FrontendURL,
		IsDev:         cfg.IsDevelopment(),
		SendTimeout:   cfg.Realtime.SendTimeout,
		QueueSize:     cfg.Realtime.QueueSize,
		FrameRate:     rate.Limit(cfg.Realtime.FrameRate),
		FrameBurst:    cfg.Realtime.FrameBurst,
	}, m)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(allowedOrigins(cfg)))

	r.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.RateLimit(cfg.HTTP.RateLimitPerMin, cfg.HTTP.RateBurst))
		systemHandler.RegisterRoutes(r)
		conversationHandler.RegisterRoutes(r)
		agentHandler.RegisterRoutes(r)
	})

	// WebSocket endpoint.
	r.Get("/ws", wsHandler.ServeHTTP)

	// Embedded support console (SPA catch-all).
	r.Handle("/*", web.SPAHandler())

	// WriteTimeout stays 0 so long-lived WebSocket connections are not cut.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// Wait for shutdown signal.
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	slog.Info("Server stopped successfully", "live", hub.Stats())
	return nil
}

func allowedOrigins(cfg *config.Config) []string {
	if cfg.IsDevelopment() || cfg.FrontendURL == "" {
		return []string{"*"}
	}
	return []string{cfg.FrontendURL}
}
