// Runwire server: loads configuration, assembles the engine and serves the
// HTTP API with SSE streaming.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/runwire/runwire/pkg/api"
	"github.com/runwire/runwire/pkg/config"
	"github.com/runwire/runwire/pkg/engine"
	"github.com/runwire/runwire/pkg/store/postgres"
	"github.com/runwire/runwire/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env from the config directory before anything reads the
	// environment.
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	ctx := context.Background()

	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// Store selection: PostgreSQL when DB_HOST is set, in-memory otherwise.
	var engineOpts []engine.Option
	var serverOpts []api.Option
	var db *sql.DB
	if os.Getenv("DB_HOST") != "" {
		dbCfg, err := postgres.LoadConfigFromEnv()
		if err != nil {
			slog.Error("Failed to load database config", "error", err)
			os.Exit(1)
		}
		db, err = postgres.Open(ctx, dbCfg)
		if err != nil {
			slog.Error("Failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := db.Close(); err != nil {
				slog.Error("Error closing database", "error", err)
			}
		}()
		engineOpts = append(engineOpts, engine.WithStore(postgres.NewStore(db)))
		serverOpts = append(serverOpts, api.WithDB(db))
		slog.Info("Connected to PostgreSQL database", "host", dbCfg.Host, "database", dbCfg.Database)
	} else {
		slog.Info("No DB_HOST set, using in-memory store")
	}

	eng, err := engine.New(ctx, cfg, engineOpts...)
	if err != nil {
		slog.Error("Failed to assemble engine", "error", err)
		os.Exit(1)
	}

	server := api.NewServer(eng, serverOpts...)
	addr := fmt.Sprintf(":%d", cfg.Server.Port)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", addr)
		if err := server.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Runwire started",
		"version", version.Full(),
		"runnables", len(eng.RunnableIDs()),
		"trace_export", cfg.Trace.Enabled)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// Abort active runs first so their terminal events still flow to
	// connected clients, then stop the listener.
	shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	if err := eng.Shutdown(shutdownCtx); err != nil {
		slog.Error("Engine shutdown error", "error", err)
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
