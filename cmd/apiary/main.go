// Apiary control server: event-sourced orchestration engine plus its HTTP
// control surface in one process.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/apiaryhq/apiary/pkg/api"
	"github.com/apiaryhq/apiary/pkg/config"
	"github.com/apiaryhq/apiary/pkg/engine"
	"github.com/apiaryhq/apiary/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configPath := flag.String("config",
		getEnv("APIARY_CONFIG", ""),
		"Path to the YAML configuration file (empty runs on built-in defaults)")
	flag.Parse()

	// Secrets such as the API key live in the environment; a local .env is
	// a convenience, not a requirement.
	if err := godotenv.Load(); err == nil {
		slog.Info("Loaded environment", "path", ".env")
	}

	slog.Info("Starting apiary",
		"version", version.Full(),
		"config", *configPath)

	// 1. Configuration
	var cfg *config.Config
	if *configPath == "" {
		cfg = config.Default()
		slog.Info("No configuration file given, using built-in defaults")
	} else {
		var err error
		cfg, err = config.Initialize(*configPath)
		if err != nil {
			slog.Error("Failed to initialize configuration", "error", err)
			os.Exit(1)
		}
	}

	// 2. Engine (opens the vault and replays it into projections)
	eng, err := engine.New(*cfg, engine.Options{})
	if err != nil {
		slog.Error("Failed to start engine", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	eng.Start(ctx)
	slog.Info("Engine started", "vault", eng.VaultRoot())

	// 3. HTTP control surface (non-blocking)
	httpServer := api.NewServer(*cfg, eng)
	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", addr)
		if err := httpServer.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// 4. Wait for a shutdown signal or a server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 5. Graceful shutdown: close the listener first so no new commands
	// arrive, then drain the engine (parked pipelines, housekeeping).
	httpCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	done := make(chan struct{})
	go func() {
		eng.Stop()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("Engine stopped gracefully")
	case <-time.After(30 * time.Second):
		slog.Warn("Engine shutdown timeout exceeded, exiting with pipelines still draining")
	}

	slog.Info("Shutdown complete")
}
