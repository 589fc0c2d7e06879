package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ignite/intent-engine/internal/app"
	"github.com/ignite/intent-engine/internal/config"
	"github.com/ignite/intent-engine/internal/pkg/logger"
)

func fatal(msg string, err error) {
	logger.Error(msg, "error", err)
	os.Exit(1)
}

func main() {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "config/config.yaml"
	}
	cfg, err := config.LoadFromEnv(path)
	if err != nil {
		fatal("failed to load config", err)
	}
	app.SetupLogging(cfg.Log)
	if err := cfg.Validate(); err != nil {
		fatal("invalid config", err)
	}

	ctx := context.Background()
	db, err := app.OpenDatabase(cfg.Database)
	if err != nil {
		fatal("failed to connect to database", err)
	}
	rdb, err := app.OpenRedis(ctx, cfg.Redis)
	if err != nil {
		fatal("failed to connect to redis", err)
	}
	a, err := app.New(ctx, cfg, db, rdb)
	if err != nil {
		fatal("failed to initialize services", err)
	}

	// Ingest-only: the owner API is served by cmd/server.
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.Metrics.Handler())
	mux.Handle("/", a.TrackingHandler())

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("tracking service listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatal("listen", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down tracking service")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	a.Close(shutdownCtx)
}
