// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/JakeFAU/travel-routes/internal/extract"
	"github.com/JakeFAU/travel-routes/internal/logging"
)

// EnvPrefix prefixes every environment override, e.g. ROUTES_SERVER_PORT.
const EnvPrefix = "ROUTES"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig   `mapstructure:"server"`
	Auth      AuthConfig     `mapstructure:"auth"`
	Logging   logging.Config `mapstructure:"logging"`
	Source    SourceConfig   `mapstructure:"source"`
	Sync      SyncConfig     `mapstructure:"sync"`
	Store     StoreConfig    `mapstructure:"store"`
	Cache     CacheConfig    `mapstructure:"cache"`
	Snapshots SnapshotConfig `mapstructure:"snapshots"`
	Events    EventsConfig   `mapstructure:"events"`
	Query     QueryConfig    `mapstructure:"query"`
	Tracing   TracingConfig  `mapstructure:"tracing"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port" validate:"gt=0,lte=65535"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" validate:"gte=0"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" validate:"gte=0"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

// AuthConfig guards the sync trigger with an API key.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// SourceConfig describes the page routes are scraped from.
type SourceConfig struct {
	URL string `mapstructure:"url" validate:"required,url"`
	// Fetcher is "headless" for pages that need JavaScript, "static" otherwise.
	// "auto" probes statically and renders only client-side shells.
	Fetcher       string        `mapstructure:"fetcher" validate:"oneof=headless static auto"`
	UserAgent     string        `mapstructure:"user_agent"`
	Timeout       time.Duration `mapstructure:"timeout" validate:"gt=0"`
	MinInterval   time.Duration `mapstructure:"min_interval" validate:"gte=0"`
	RespectRobots bool          `mapstructure:"respect_robots"`
	ChromePath    string        `mapstructure:"chrome_path"`
	NoSandbox     bool          `mapstructure:"no_sandbox"`
	// PromotionThreshold is the body size below which a script-heavy probe
	// is rendered in the browser. Only used by the auto fetcher.
	PromotionThreshold int               `mapstructure:"promotion_threshold" validate:"gte=0"`
	Selectors          extract.Selectors `mapstructure:"selectors"`
}

// SyncConfig governs one synchronization run.
type SyncConfig struct {
	Policy            string        `mapstructure:"policy" validate:"oneof=abort best_effort"`
	UpsertConcurrency int           `mapstructure:"upsert_concurrency" validate:"gte=1,lte=64"`
	Timeout           time.Duration `mapstructure:"timeout" validate:"gte=0"`
}

// StoreConfig selects the route store backend.
type StoreConfig struct {
	Backend  string         `mapstructure:"backend" validate:"oneof=memory postgres mongo"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	Mongo    MongoConfig    `mapstructure:"mongo"`
}

// PostgresConfig controls access to the relational store.
type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns" validate:"gte=0"`
	MinConns        int32         `mapstructure:"min_conns" validate:"gte=0"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime" validate:"gte=0"`
	// EnsureSchema creates the table and indexes at startup.
	EnsureSchema bool `mapstructure:"ensure_schema"`
}

// MongoConfig controls access to the document store.
type MongoConfig struct {
	URI          string `mapstructure:"uri"`
	Database     string `mapstructure:"database"`
	Collection   string `mapstructure:"collection"`
	EnsureSchema bool   `mapstructure:"ensure_schema"`
}

// CacheConfig configures the optional Redis query cache.
type CacheConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db" validate:"gte=0"`
	TLS      bool          `mapstructure:"tls"`
	Prefix   string        `mapstructure:"prefix"`
	TTL      time.Duration `mapstructure:"ttl" validate:"gte=0"`
}

// SnapshotConfig sets where fetched source pages are archived.
type SnapshotConfig struct {
	Backend   string `mapstructure:"backend" validate:"oneof=none memory local gcs"`
	Prefix    string `mapstructure:"prefix"`
	Dir       string `mapstructure:"dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
}

// EventsConfig holds metadata for sync notifications.
type EventsConfig struct {
	Backend      string        `mapstructure:"backend" validate:"oneof=none memory pubsub kafka"`
	Topic        string        `mapstructure:"topic"`
	ProjectID    string        `mapstructure:"project_id"`
	Brokers      []string      `mapstructure:"brokers"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout" validate:"gte=0"`
}

// QueryConfig bounds read requests.
type QueryConfig struct {
	MaxLimit int `mapstructure:"max_limit" validate:"gte=0"`
}

// TracingConfig controls span sampling.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	SampleRatio float64 `mapstructure:"sample_ratio" validate:"gte=0,lte=1"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Every key gets a default, even an empty one, so AutomaticEnv can override it.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "5m")
	v.SetDefault("server.request_timeout", "5m")
	v.SetDefault("server.shutdown_timeout", "20s")
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("logging.service", "travel-routes")

	sel := extract.DefaultSelectors()
	v.SetDefault("source.url", "https://www.seat61.com/train-routes.htm")
	v.SetDefault("source.fetcher", "headless")
	v.SetDefault("source.user_agent", "travel-routes-bot/0.1")
	v.SetDefault("source.timeout", "30s")
	v.SetDefault("source.min_interval", "10s")
	v.SetDefault("source.respect_robots", true)
	v.SetDefault("source.chrome_path", "")
	v.SetDefault("source.no_sandbox", false)
	v.SetDefault("source.promotion_threshold", 2048)
	v.SetDefault("source.selectors.card", sel.Card)
	v.SetDefault("source.selectors.name", sel.Name)
	v.SetDefault("source.selectors.description", sel.Description)
	v.SetDefault("source.selectors.duration", sel.Duration)
	v.SetDefault("source.selectors.frequency", sel.Frequency)
	v.SetDefault("source.selectors.price", sel.Price)
	v.SetDefault("source.selectors.waypoint", sel.Waypoint)
	v.SetDefault("source.selectors.coordinate_attr", sel.CoordinateAttr)
	v.SetDefault("source.selectors.facility", sel.Facility)
	v.SetDefault("source.selectors.tip", sel.Tip)

	v.SetDefault("sync.policy", "abort")
	v.SetDefault("sync.upsert_concurrency", 4)
	v.SetDefault("sync.timeout", "2m")

	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.postgres.dsn", "")
	v.SetDefault("store.postgres.table", "train_routes")
	v.SetDefault("store.postgres.max_conns", 10)
	v.SetDefault("store.postgres.min_conns", 0)
	v.SetDefault("store.postgres.max_conn_lifetime", "30m")
	v.SetDefault("store.postgres.ensure_schema", true)
	v.SetDefault("store.mongo.uri", "")
	v.SetDefault("store.mongo.database", "travel")
	v.SetDefault("store.mongo.collection", "train_routes")
	v.SetDefault("store.mongo.ensure_schema", true)

	v.SetDefault("cache.enabled", false)
	v.SetDefault("cache.addr", "localhost:6379")
	v.SetDefault("cache.password", "")
	v.SetDefault("cache.db", 0)
	v.SetDefault("cache.tls", false)
	v.SetDefault("cache.prefix", "routes")
	v.SetDefault("cache.ttl", "5m")

	v.SetDefault("snapshots.backend", "none")
	v.SetDefault("snapshots.prefix", "snapshots")
	v.SetDefault("snapshots.dir", "data/snapshots")
	v.SetDefault("snapshots.gcs_bucket", "")

	v.SetDefault("events.backend", "none")
	v.SetDefault("events.topic", "routes-synced")
	v.SetDefault("events.project_id", "")
	v.SetDefault("events.brokers", []string{})
	v.SetDefault("events.batch_timeout", "100ms")

	v.SetDefault("query.max_limit", 500)
	v.SetDefault("tracing.enabled", true)
	v.SetDefault("tracing.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	var errs []error
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		errs = append(errs, errors.New("auth.api_key must be set when auth is enabled"))
	}
	if c.Store.Backend == "postgres" && c.Store.Postgres.DSN == "" {
		errs = append(errs, errors.New("store.postgres.dsn is required for the postgres backend"))
	}
	if c.Store.Postgres.MaxConns > 0 && c.Store.Postgres.MinConns > c.Store.Postgres.MaxConns {
		errs = append(errs, errors.New("store.postgres.min_conns must not exceed max_conns"))
	}
	if c.Store.Backend == "mongo" && c.Store.Mongo.URI == "" {
		errs = append(errs, errors.New("store.mongo.uri is required for the mongo backend"))
	}
	if c.Cache.Enabled && c.Cache.Addr == "" {
		errs = append(errs, errors.New("cache.addr must be set when the cache is enabled"))
	}
	if c.Snapshots.Backend == "local" && c.Snapshots.Dir == "" {
		errs = append(errs, errors.New("snapshots.dir is required for the local backend"))
	}
	if c.Snapshots.Backend == "gcs" && c.Snapshots.GCSBucket == "" {
		errs = append(errs, errors.New("snapshots.gcs_bucket is required for the gcs backend"))
	}
	if c.Events.Backend == "pubsub" && c.Events.ProjectID == "" {
		errs = append(errs, errors.New("events.project_id is required for the pubsub backend"))
	}
	if c.Events.Backend == "kafka" && len(c.Events.Brokers) == 0 {
		errs = append(errs, errors.New("events.brokers is required for the kafka backend"))
	}
	if c.Events.Backend != "none" && c.Events.Topic == "" {
		errs = append(errs, errors.New("events.topic must be set when events are enabled"))
	}
	if c.Sync.Timeout > 0 && c.Source.Timeout > c.Sync.Timeout {
		errs = append(errs, errors.New("source.timeout must not exceed sync.timeout"))
	}
	return errors.Join(errs...)
}
