package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/ignite/intent-engine/internal/app"
	"github.com/ignite/intent-engine/internal/config"
	"github.com/ignite/intent-engine/internal/pkg/distlock"
	"github.com/ignite/intent-engine/internal/pkg/logger"
	"github.com/ignite/intent-engine/internal/repository/postgres"
	"github.com/ignite/intent-engine/internal/storage"
	"github.com/ignite/intent-engine/internal/tracking"
	"github.com/ignite/intent-engine/internal/worker"
)

func fatal(msg string, err error) {
	logger.Error(msg, "error", err)
	os.Exit(1)
}

// consumer is implemented by the SQS and Kafka analytics consumers.
type consumer interface {
	Start(ctx context.Context)
	Stop()
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
	logger.Info("starting analytics worker", "transport", cfg.Analytics.Transport)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := app.OpenDatabase(cfg.Database)
	if err != nil {
		fatal("failed to connect to database", err)
	}
	defer db.Close()
	rdb, err := app.OpenRedis(ctx, cfg.Redis)
	if err != nil {
		fatal("failed to connect to redis", err)
	}
	if rdb != nil {
		defer rdb.Close()
	}

	store := postgres.NewAnalyticsRepo(db)

	// With the inline transport the API writes Postgres itself and only the
	// maintenance jobs run here.
	var c consumer
	switch cfg.Analytics.Transport {
	case config.TransportSQS:
		client, err := tracking.NewSQSClient(ctx, cfg.SQS)
		if err != nil {
			fatal("failed to create sqs client", err)
		}
		c = tracking.NewSQSConsumer(client, cfg.SQS.QueueURL, store)
	case config.TransportKafka:
		c = tracking.NewKafkaConsumer(tracking.NewKafkaReader(cfg.Kafka), store)
	}
	if c != nil {
		c.Start(ctx)
	}

	maint := worker.NewMaintenanceWorker(store, postgres.NewUsageRepo(db),
		func(key string) distlock.Lock {
			return distlock.New(rdb, db, key, cfg.Worker.LockTTL)
		},
		worker.Config{
			PruneInterval:     cfg.Worker.PruneInterval,
			ReconcileInterval: cfg.Worker.ReconcileInterval,
			Retention:         cfg.Analytics.Retention,
		})
	if cfg.Archive.Enabled() {
		s3c, err := storage.NewS3Client(ctx, cfg.Archive)
		if err != nil {
			fatal("failed to create s3 client", err)
		}
		maint.WithArchiver(storage.NewArchiver(s3c, store, cfg.Archive))
		logger.Info("archiving analytics before prune", "bucket", cfg.Archive.Bucket)
	}
	maint.Start(ctx)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down worker")
	if c != nil {
		c.Stop()
	}
	cancel()
	maint.Wait()
	logger.Info("worker stopped")
}
