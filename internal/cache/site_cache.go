// Package cache fronts script key lookups on the ingestion hot path.
//
// Lookups go through three tiers: a small in-process ristretto cache, a
// shared Redis entry, and finally the website repository. Concurrent misses
// for the same key are collapsed into one repository call. Unknown keys are
// cached negatively for a shorter period so a bad snippet cannot hammer the
// database.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/ignite/intent-engine/internal/domain"
	"github.com/ignite/intent-engine/internal/metrics"
	"github.com/ignite/intent-engine/internal/pkg/logger"
	"github.com/ignite/intent-engine/internal/site"
)

// Loader is the authoritative source, normally site.Repository.
type Loader interface {
	ByScriptKey(ctx context.Context, key string) (*domain.Website, error)
}

// Config tunes the tiers.
type Config struct {
	TTL             time.Duration `yaml:"ttl"`
	NegativeTTL     time.Duration `yaml:"negative_ttl"`
	LocalTTL        time.Duration `yaml:"local_ttl"`
	LocalMaxEntries int64         `yaml:"local_max_entries"`
}

func (c *Config) setDefaults() {
	if c.TTL <= 0 {
		c.TTL = 5 * time.Minute
	}
	if c.NegativeTTL <= 0 {
		c.NegativeTTL = 30 * time.Second
	}
	if c.LocalTTL <= 0 {
		c.LocalTTL = 10 * time.Second
	}
	if c.LocalMaxEntries <= 0 {
		c.LocalMaxEntries = 10000
	}
}

const notFoundMarker = "-"

// notFound is stored in the local tier for unknown keys.
type notFound struct{}

// SiteCache implements ingest.SiteLookup.
type SiteCache struct {
	loader  Loader
	redis   *redis.Client
	local   *ristretto.Cache
	group   singleflight.Group
	cfg     Config
	metrics *metrics.Metrics
}

// NewSiteCache creates the cache. A nil Redis client skips the shared tier.
func NewSiteCache(loader Loader, client *redis.Client, cfg Config, m *metrics.Metrics) (*SiteCache, error) {
	cfg.setDefaults()
	local, err := ristretto.NewCache(&ristretto.Config{
		NumCounters:        cfg.LocalMaxEntries * 10,
		MaxCost:            cfg.LocalMaxEntries,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("local cache: %w", err)
	}
	return &SiteCache{loader: loader, redis: client, local: local, cfg: cfg, metrics: m}, nil
}

func redisKey(scriptKey string) string { return "site:sk:" + scriptKey }

// ByScriptKey resolves a script key. Unknown keys return site.ErrNotFound.
func (c *SiteCache) ByScriptKey(ctx context.Context, key string) (*domain.Website, error) {
	if v, ok := c.local.Get(key); ok {
		c.metrics.CacheLookup("local")
		if w, ok := v.(*domain.Website); ok {
			cp := *w
			return &cp, nil
		}
		return nil, site.ErrNotFound
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		return c.load(ctx, key)
	})
	if err != nil {
		return nil, err
	}
	cp := *(v.(*domain.Website))
	return &cp, nil
}

func (c *SiteCache) load(ctx context.Context, key string) (*domain.Website, error) {
	if w, found, err := c.fromRedis(ctx, key); err != nil {
		logger.Warn("site cache read failed", "error", err)
	} else if found {
		c.metrics.CacheLookup("redis")
		if w == nil {
			c.local.SetWithTTL(key, notFound{}, 1, c.cfg.NegativeTTL)
			return nil, site.ErrNotFound
		}
		c.local.SetWithTTL(key, w, 1, c.cfg.LocalTTL)
		return w, nil
	}

	w, err := c.loader.ByScriptKey(ctx, key)
	if errors.Is(err, site.ErrNotFound) {
		c.metrics.CacheLookup("miss")
		c.store(ctx, key, nil)
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	c.metrics.CacheLookup("database")
	c.store(ctx, key, w)
	return w, nil
}

// fromRedis returns found=true with a nil website for a cached miss.
func (c *SiteCache) fromRedis(ctx context.Context, key string) (*domain.Website, bool, error) {
	if c.redis == nil {
		return nil, false, nil
	}
	raw, err := c.redis.Get(ctx, redisKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if raw == notFoundMarker {
		return nil, true, nil
	}
	var w domain.Website
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return nil, false, fmt.Errorf("decode cached website: %w", err)
	}
	return &w, true, nil
}

func (c *SiteCache) store(ctx context.Context, key string, w *domain.Website) {
	if w == nil {
		c.local.SetWithTTL(key, notFound{}, 1, c.cfg.NegativeTTL)
	} else {
		c.local.SetWithTTL(key, w, 1, c.cfg.LocalTTL)
	}
	if c.redis == nil {
		return
	}

	val, ttl := notFoundMarker, c.cfg.NegativeTTL
	if w != nil {
		b, err := json.Marshal(w)
		if err != nil {
			logger.Warn("site cache encode failed", "error", err)
			return
		}
		val, ttl = string(b), c.cfg.TTL
	}
	if err := c.redis.Set(ctx, redisKey(key), val, ttl).Err(); err != nil {
		logger.Warn("site cache write failed", "error", err)
	}
}

// Close releases the local tier.
func (c *SiteCache) Close() {
	c.local.Close()
}
