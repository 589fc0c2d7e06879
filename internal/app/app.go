// Package app wires configuration into the running components shared by
// the binaries under cmd/.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/intent-engine/internal/analytics"
	"github.com/ignite/intent-engine/internal/api"
	"github.com/ignite/intent-engine/internal/cache"
	"github.com/ignite/intent-engine/internal/config"
	"github.com/ignite/intent-engine/internal/engine"
	"github.com/ignite/intent-engine/internal/identity"
	"github.com/ignite/intent-engine/internal/ingest"
	"github.com/ignite/intent-engine/internal/intent"
	"github.com/ignite/intent-engine/internal/metrics"
	"github.com/ignite/intent-engine/internal/pkg/logger"
	"github.com/ignite/intent-engine/internal/pkg/ratelimit"
	"github.com/ignite/intent-engine/internal/quota"
	"github.com/ignite/intent-engine/internal/repository/postgres"
	"github.com/ignite/intent-engine/internal/service/campaign"
	"github.com/ignite/intent-engine/internal/site"
	"github.com/ignite/intent-engine/internal/tracking"
)

// SetupLogging applies the log section of cfg to the package logger.
func SetupLogging(cfg config.LogConfig) {
	logger.SetOutput(os.Stdout)
	logger.SetLevel(logger.ParseLevel(cfg.Level))
	logger.SetRedact(!cfg.DisableRedaction)
}

// OpenDatabase connects to PostgreSQL with the configured pool.
func OpenDatabase(cfg config.DatabaseConfig) (*sql.DB, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("database url is required (set DATABASE_URL)")
	}
	return postgres.Open(cfg.URL, postgres.PoolConfig{
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	})
}

// OpenRedis returns nil when no URL is configured.
func OpenRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	if cfg.URL == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// App holds the components of the HTTP service.
type App struct {
	Config     *config.Config
	DB         *sql.DB
	Redis      *redis.Client
	Metrics    *metrics.Metrics
	Guard      *quota.Guard
	Sites      *site.Service
	SiteCache  *cache.SiteCache
	Campaigns  *campaign.Service
	Aggregator *analytics.Aggregator
	Engine     *engine.Engine
	Limiter    *ratelimit.Limiter

	closers []func() error
}

// New builds the service graph on top of an open database and an optional
// Redis client. The aggregator is started; Close stops it.
func New(ctx context.Context, cfg *config.Config, db *sql.DB, rdb *redis.Client) (*App, error) {
	a := &App{Config: cfg, DB: db, Redis: rdb}

	a.Metrics = metrics.New(func() float64 {
		if a.Aggregator == nil {
			return 0
		}
		return float64(a.Aggregator.Stats().Pending())
	})

	siteRepo := postgres.NewSiteRepo(db)
	analyticsRepo := postgres.NewAnalyticsRepo(db)
	a.Guard = quota.NewGuard(postgres.NewUsageRepo(db), nil)
	a.Sites = site.NewService(siteRepo, siteRepo, a.Guard)
	a.Campaigns = campaign.NewService(postgres.NewCampaignRepo(db), a.Sites, a.Guard)

	var err error
	a.SiteCache, err = cache.NewSiteCache(siteRepo, rdb, cfg.Cache, a.Metrics)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error { a.SiteCache.Close(); return nil })

	sink, err := a.analyticsSink(ctx, analyticsRepo)
	if err != nil {
		a.closeAll()
		return nil, err
	}
	a.Aggregator = analytics.NewAggregator(sink, cfg.Analytics.Aggregator)
	a.Aggregator.Start()

	visitors := postgres.NewVisitorRepo(db)
	a.Engine = engine.New(engine.Deps{
		Normalizer: ingest.NewNormalizer(a.SiteCache, cfg.Ingest.ClockSkew, nil),
		Resolver:   identity.NewResolver(visitors, a.Guard),
		Visitors:   visitors,
		Scorer:     intent.NewScorer(cfg.Intent),
		Campaigns:  a.Campaigns,
		Analytics:  a.Aggregator,
		Reporter:   analytics.NewReporter(analyticsRepo),
		Metrics:    a.Metrics,
	}, cfg.Engine)

	a.Limiter = ratelimit.New(rdb, cfg.RateLimit)
	a.closers = append(a.closers, func() error { a.Limiter.Close(); return nil })
	return a, nil
}

// analyticsSink picks where the aggregator delivers records.
func (a *App) analyticsSink(ctx context.Context, repo *postgres.AnalyticsRepo) (analytics.Sink, error) {
	switch a.Config.Analytics.Transport {
	case config.TransportSQS:
		client, err := tracking.NewSQSClient(ctx, a.Config.SQS)
		if err != nil {
			return nil, err
		}
		logger.Info("analytics via sqs", "queue_url", a.Config.SQS.QueueURL)
		return tracking.NewSQSSink(client, a.Config.SQS.QueueURL), nil
	case config.TransportKafka:
		sink := tracking.NewKafkaSink(tracking.NewKafkaWriter(a.Config.Kafka))
		a.closers = append(a.closers, sink.Close)
		logger.Info("analytics via kafka", "topic", a.Config.Kafka.Topic)
		return sink, nil
	default:
		logger.Info("analytics written inline")
		return repo, nil
	}
}

// TrackingHandler returns the public tracking routes.
func (a *App) TrackingHandler() http.Handler {
	return tracking.NewHandler(a.Engine, a.Limiter, a.Metrics).Routes()
}

// Router returns the full HTTP surface: owner API, health, metrics and,
// when withTracking is set, the public tracking endpoints.
func (a *App) Router(withTracking bool) http.Handler {
	h := api.NewHandlers(a.Sites, a.Campaigns, a.Engine, a.Guard)
	hc := api.NewHealthChecker(a.DB, a.Redis, a.Aggregator)
	opts := api.RouteOptions{
		AllowedOrigins: a.Config.Server.AllowedOrigins,
		Metrics:        a.Metrics,
	}
	if withTracking {
		opts.Tracking = a.TrackingHandler()
	}
	return api.SetupRoutes(h, hc, opts)
}

// Close drains the aggregator and releases every resource, in reverse
// order of creation. The database and Redis client are closed too.
func (a *App) Close(ctx context.Context) {
	if a.Aggregator != nil {
		a.Aggregator.Stop(ctx)
	}
	a.closeAll()
	if a.Redis != nil {
		a.Redis.Close()
	}
	if a.DB != nil {
		a.DB.Close()
	}
}

func (a *App) closeAll() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			logger.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
}
