package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ignite/intent-engine/internal/analytics"
	"github.com/ignite/intent-engine/internal/cache"
	"github.com/ignite/intent-engine/internal/engine"
	"github.com/ignite/intent-engine/internal/intent"
	"github.com/ignite/intent-engine/internal/pkg/ratelimit"
	"github.com/ignite/intent-engine/internal/storage"
	"github.com/ignite/intent-engine/internal/tracking"
)

// Analytics transports.
const (
	TransportInline = "inline"
	TransportSQS    = "sqs"
	TransportKafka  = "kafka"
)

// Config holds all configuration for the application
type Config struct {
	Server    ServerConfig          `yaml:"server"`
	Database  DatabaseConfig        `yaml:"database"`
	Redis     RedisConfig           `yaml:"redis"`
	Intent    intent.Config         `yaml:"intent"`
	Ingest    IngestConfig          `yaml:"ingest"`
	Engine    engine.Config         `yaml:"engine"`
	Analytics AnalyticsConfig       `yaml:"analytics"`
	SQS       tracking.SQSConfig    `yaml:"sqs"`
	Kafka     tracking.KafkaConfig  `yaml:"kafka"`
	Archive   storage.ArchiveConfig `yaml:"archive"`
	RateLimit ratelimit.Config      `yaml:"rate_limit"`
	Cache     cache.Config          `yaml:"cache"`
	Worker    WorkerConfig          `yaml:"worker"`
	Log       LogConfig             `yaml:"log"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port           int      `yaml:"port"`
	Host           string   `yaml:"host"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	// ShutdownTimeout bounds graceful shutdown, including the analytics drain.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig holds PostgreSQL settings.
type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// RedisConfig holds Redis settings. An empty URL disables Redis; caches and
// rate limits then run process-local.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// IngestConfig tunes event normalization.
type IngestConfig struct {
	ClockSkew time.Duration `yaml:"clock_skew"`
}

// AnalyticsConfig selects how analytics records leave the request path.
type AnalyticsConfig struct {
	// Transport is inline (aggregator writes Postgres directly), sqs or
	// kafka (aggregator publishes, cmd/worker writes Postgres).
	Transport  string                     `yaml:"transport"`
	Aggregator analytics.AggregatorConfig `yaml:"aggregator"`
	Retention  time.Duration              `yaml:"retention"`
}

// WorkerConfig holds the background job schedule.
type WorkerConfig struct {
	PruneInterval     time.Duration `yaml:"prune_interval"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	LockTTL           time.Duration `yaml:"lock_ttl"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `yaml:"level"`
	// DisableRedaction logs visitor tokens and IPs in full. Local use only.
	DisableRedaction bool `yaml:"disable_redaction"`
}

// Load reads configuration from a YAML file and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.setDefaults()
	return &cfg, nil
}

// Default returns a configuration with only defaults, for running without a
// config file.
func Default() *Config {
	var cfg Config
	cfg.setDefaults()
	return &cfg
}

func (cfg *Config) setDefaults() {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 10
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.Ingest.ClockSkew == 0 {
		cfg.Ingest.ClockSkew = 5 * time.Minute
	}
	if cfg.Analytics.Transport == "" {
		cfg.Analytics.Transport = TransportInline
	}
	if cfg.Analytics.Retention == 0 {
		cfg.Analytics.Retention = 90 * 24 * time.Hour
	}
	if cfg.SQS.Region == "" {
		cfg.SQS.Region = "us-west-2"
	}
	if cfg.Archive.Region == "" {
		cfg.Archive.Region = cfg.SQS.Region
	}
	if cfg.Kafka.Topic == "" {
		cfg.Kafka.Topic = "intent.analytics"
	}
	if cfg.Kafka.GroupID == "" {
		cfg.Kafka.GroupID = "intent-analytics-writer"
	}
	if cfg.Worker.PruneInterval == 0 {
		cfg.Worker.PruneInterval = time.Hour
	}
	if cfg.Worker.ReconcileInterval == 0 {
		cfg.Worker.ReconcileInterval = 6 * time.Hour
	}
	if cfg.Worker.LockTTL == 0 {
		cfg.Worker.LockTTL = 10 * time.Minute
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

// Validate reports settings the binaries cannot start with.
func (cfg *Config) Validate() error {
	switch cfg.Analytics.Transport {
	case TransportInline:
	case TransportSQS:
		if cfg.SQS.QueueURL == "" {
			return fmt.Errorf("analytics transport sqs requires sqs.queue_url")
		}
	case TransportKafka:
		if len(cfg.Kafka.Brokers) == 0 {
			return fmt.Errorf("analytics transport kafka requires kafka.brokers")
		}
	default:
		return fmt.Errorf("unknown analytics transport %q", cfg.Analytics.Transport)
	}
	if cfg.Analytics.Retention < 90*24*time.Hour {
		return fmt.Errorf("analytics.retention must cover the longest report period (90d), got %s", cfg.Analytics.Retention)
	}
	return nil
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars on ECS. A
// missing config file is not an error: defaults plus env are enough.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		cfg = Default()
	}

	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("ANALYTICS_TRANSPORT"); v != "" {
		cfg.Analytics.Transport = strings.ToLower(v)
	}
	if v := os.Getenv("SQS_ANALYTICS_QUEUE_URL"); v != "" {
		cfg.SQS.QueueURL = v
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		cfg.SQS.Region = v
	}
	if v := os.Getenv("SQS_ENDPOINT"); v != "" {
		cfg.SQS.Endpoint = v
	}
	if v := os.Getenv("ANALYTICS_ARCHIVE_BUCKET"); v != "" {
		cfg.Archive.Bucket = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = splitList(v)
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
