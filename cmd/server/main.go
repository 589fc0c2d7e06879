package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/ignite/intent-engine/internal/api"
	"github.com/ignite/intent-engine/internal/app"
	"github.com/ignite/intent-engine/internal/config"
	"github.com/ignite/intent-engine/internal/pkg/logger"
)

// checkPortAvailable verifies that the target port is not already in use.
func checkPortAvailable(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("address %s is already in use: %w", addr, err)
	}
	ln.Close()
	return nil
}

func configPath() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return "config/config.yaml"
}

func fatal(msg string, err error) {
	logger.Error(msg, "error", err)
	os.Exit(1)
}

func main() {
	cfg, err := config.LoadFromEnv(configPath())
	if err != nil {
		fatal("failed to load config", err)
	}
	app.SetupLogging(cfg.Log)
	if err := cfg.Validate(); err != nil {
		fatal("invalid config", err)
	}

	addr := cfg.Server.Addr()
	if err := checkPortAvailable(addr); err != nil {
		fatal("pre-flight check failed", err)
	}

	ctx := context.Background()
	db, err := app.OpenDatabase(cfg.Database)
	if err != nil {
		fatal("failed to connect to database", err)
	}
	logger.Info("connected to database")

	rdb, err := app.OpenRedis(ctx, cfg.Redis)
	if err != nil {
		fatal("failed to connect to redis", err)
	}
	if rdb == nil {
		logger.Warn("redis not configured, caches and rate limits are process-local")
	}

	a, err := app.New(ctx, cfg, db, rdb)
	if err != nil {
		fatal("failed to initialize services", err)
	}
	server := api.NewServer(a.Router(true))

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("starting server", "addr", addr, "analytics_transport", cfg.Analytics.Transport)
		if err := server.ListenAndServe(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatal("server error", err)
		}
	}()

	<-done
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	// After the listener drains, so in-flight events still reach analytics.
	a.Close(shutdownCtx)
	logger.Info("server stopped")
}
