// Relay server: streams chat turns through an OpenAI-compatible Responses
// API, executes MCP tool calls, and exposes the HTTP administration surface.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/codeready-toolchain/relay/pkg/api"
	"github.com/codeready-toolchain/relay/pkg/config"
	"github.com/codeready-toolchain/relay/pkg/database"
	"github.com/codeready-toolchain/relay/pkg/mcp"
	"github.com/codeready-toolchain/relay/pkg/orchestrator"
	"github.com/codeready-toolchain/relay/pkg/secret"
	"github.com/codeready-toolchain/relay/pkg/services"
	"github.com/codeready-toolchain/relay/pkg/store"
	"github.com/codeready-toolchain/relay/pkg/upstream"
	"github.com/joho/godotenv"
)

func main() {
	envFile := flag.String("env-file", ".env", "Path to environment file")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil {
		slog.Warn("Could not load env file, continuing with existing environment",
			"path", *envFile, "error", err)
	}

	ctx := context.Background()

	// 1. Configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	slog.Info("Starting relay", "http_port", cfg.HTTPPort, "upstream", cfg.Upstream.BaseURL)

	// 2. Database
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}
	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	slog.Info("Connected to PostgreSQL database")

	st := store.NewPostgresStore(dbClient.DB())

	// 3. Credential encryption
	secrets, err := secret.NewService(cfg.EncryptionKey)
	if err != nil {
		slog.Error("Failed to initialize secret service", "error", err)
		os.Exit(1)
	}

	// 4. MCP infrastructure: lazy session registry with idle eviction
	registry := mcp.NewRegistry(st, secrets, cfg.MCP)
	evictCtx, stopEviction := context.WithCancel(ctx)
	defer stopEviction()
	registry.StartEviction(evictCtx)

	mcpClient := mcp.NewClient(registry)
	router := mcp.NewRouter(st, mcpClient, cfg.Orchestrator.ToolExecutionTimeout, cfg.MCP.CacheTTL)

	// 5. Orchestrator and services
	up := upstream.NewClient(cfg.Upstream)
	toolset := orchestrator.NewToolsetProvider(st, st)
	orch := orchestrator.New(st, up, toolset, router, cfg.Orchestrator, cfg.Upstream.DefaultModel)

	serverService := services.NewServerService(st, secrets, registry, mcpClient, cfg.Orchestrator)
	policyService := services.NewPolicyService(st, st)
	conversationService := services.NewConversationService(st)
	slog.Info("Services initialized")

	// 6. HTTP server
	e := echo.New()
	apiServer := api.NewServer(dbClient, orch, serverService, policyService, conversationService)
	apiServer.RegisterRoutes(e)

	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           e,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	// 7. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 8. Graceful shutdown: stop accepting requests, then drain MCP sessions.
	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 10*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	stopEviction()
	mcpShutdownCtx, mcpCancel := context.WithTimeout(ctx, cfg.ShutdownGracePeriod)
	defer mcpCancel()
	registry.CloseAll(mcpShutdownCtx)

	slog.Info("Shutdown complete")
}
