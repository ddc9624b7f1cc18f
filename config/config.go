/*
Package config loads engagement engine settings.

SOURCES (later wins):
  1. DefaultConfig()
  2. TOML file (optional)
  3. Environment, one prefix per section:
       ENGAGEMENT_SERVER_PORT=9090
       ENGAGEMENT_STORE_DRIVER=sqlite
       ENGAGEMENT_KAFKA_BROKERS=k1:9092,k2:9092
       ENGAGEMENT_RECONCILIATION_INTERVAL=30m

EXAMPLE FILE:
  [server]
  host = "0.0.0.0"
  port = 8080

  [store]
  driver = "sqlite"
  path   = "engagement.db"

  [engine]
  level_step  = 175
  max_retries = 3

  [kafka]
  enabled = true
  brokers = ["localhost:9092"]
  topic   = "patient-events"
*/
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"

	"github.com/warp/engagement-engine/engagement"
)

// EnvPrefix is prepended to every section's environment variables.
const EnvPrefix = "ENGAGEMENT"

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	Server         ServerConfig         `toml:"server"`
	Store          StoreConfig          `toml:"store"`
	Engine         EngineConfig         `toml:"engine"`
	Analytics      AnalyticsConfig      `toml:"analytics"`
	Kafka          KafkaConfig          `toml:"kafka"`
	Reconciliation ReconciliationConfig `toml:"reconciliation"`
	Catalog        CatalogConfig        `toml:"catalog"`
	Logging        LoggingConfig        `toml:"logging"`
}

// ServerConfig controls the HTTP API.
type ServerConfig struct {
	Host            string        `toml:"host"`
	Port            int           `toml:"port"`
	AllowedOrigins  []string      `toml:"allowed_origins" split_words:"true"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout" split_words:"true"`
}

// Addr returns host:port for http.Server.
func (s ServerConfig) Addr() string { return fmt.Sprintf("%s:%d", s.Host, s.Port) }

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Driver string `toml:"driver"` // memory or sqlite
	Path   string `toml:"path"`
}

// EngineConfig tunes ingestion.
type EngineConfig struct {
	Curve           string        `toml:"curve"` // linear or exponential
	LevelGrowth     float64       `toml:"level_growth" split_words:"true"`
	LevelStep       int64         `toml:"level_step" split_words:"true"`
	MaxLevel        int           `toml:"max_level" split_words:"true"`
	MaxRetries      int           `toml:"max_retries" split_words:"true"`
	RetryBackoff    time.Duration `toml:"retry_backoff" split_words:"true"`
	DefaultTimeZone string        `toml:"default_time_zone" split_words:"true"`
}

// AnalyticsConfig holds the engagement score weights. Weights must sum
// to 100.
type AnalyticsConfig struct {
	ActiveWeight            int64   `toml:"active_weight" split_words:"true"`
	PointsWeight            int64   `toml:"points_weight" split_words:"true"`
	MilestoneWeight         int64   `toml:"milestone_weight" split_words:"true"`
	PointsHalfSaturation    int64   `toml:"points_half_saturation" split_words:"true"`
	MilestoneHalfSaturation int64   `toml:"milestone_half_saturation" split_words:"true"`
	TrendEpsilon            float64 `toml:"trend_epsilon" split_words:"true"`
}

// KafkaConfig controls event ingestion from Kafka.
type KafkaConfig struct {
	Enabled      bool          `toml:"enabled"`
	Brokers      []string      `toml:"brokers"`
	Topic        string        `toml:"topic"`
	GroupID      string        `toml:"group_id" split_words:"true"`
	MaxAttempts  int           `toml:"max_attempts" split_words:"true"`
	RetryBackoff time.Duration `toml:"retry_backoff" split_words:"true"`
}

// ReconciliationConfig controls the periodic ledger check.
type ReconciliationConfig struct {
	Enabled  bool          `toml:"enabled"`
	Interval time.Duration `toml:"interval"`
}

// CatalogConfig points at a catalog document. Empty path uses the
// built-in catalog.
type CatalogConfig struct {
	Path string `toml:"path"`
}

type LoggingConfig struct {
	Level  string `toml:"level"`  // debug, info, warn, error
	Format string `toml:"format"` // text or json
}

func DefaultConfig() Config {
	policy := engagement.DefaultScorePolicy()
	return Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            8080,
			AllowedOrigins:  []string{"*"},
			ShutdownTimeout: 10 * time.Second,
		},
		Store: StoreConfig{
			Driver: "memory",
			Path:   "engagement.db",
		},
		Engine: EngineConfig{
			Curve:           "linear",
			LevelGrowth:     1.15,
			LevelStep:       engagement.DefaultLevelStep,
			MaxLevel:        engagement.DefaultMaxLevel,
			MaxRetries:      3,
			RetryBackoff:    5 * time.Millisecond,
			DefaultTimeZone: "UTC",
		},
		Analytics: AnalyticsConfig{
			ActiveWeight:            policy.ActiveWeight.IntPart(),
			PointsWeight:            policy.PointsWeight.IntPart(),
			MilestoneWeight:         policy.MilestoneWeight.IntPart(),
			PointsHalfSaturation:    policy.PointsHalfSaturation,
			MilestoneHalfSaturation: policy.MilestoneHalfSaturation,
			TrendEpsilon:            policy.TrendEpsilon.InexactFloat64(),
		},
		Kafka: KafkaConfig{
			Brokers:      []string{"localhost:9092"},
			Topic:        "patient-engagement-events",
			GroupID:      "engagement-engine",
			MaxAttempts:  5,
			RetryBackoff: 200 * time.Millisecond,
		},
		Reconciliation: ReconciliationConfig{
			Enabled:  true,
			Interval: time.Hour,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load builds a Config from defaults, the TOML file at path (skipped when
// path is empty) and the environment.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := ApplyEnv(&cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg with ENGAGEMENT_<SECTION>_<FIELD> variables.
// Unset variables leave the current value alone.
func ApplyEnv(cfg *Config) error {
	sections := []struct {
		name string
		spec any
	}{
		{"SERVER", &cfg.Server},
		{"STORE", &cfg.Store},
		{"ENGINE", &cfg.Engine},
		{"ANALYTICS", &cfg.Analytics},
		{"KAFKA", &cfg.Kafka},
		{"RECONCILIATION", &cfg.Reconciliation},
		{"CATALOG", &cfg.Catalog},
		{"LOGGING", &cfg.Logging},
	}
	for _, s := range sections {
		if err := envconfig.Process(EnvPrefix+"_"+s.name, s.spec); err != nil {
			return fmt.Errorf("%w: env %s_%s: %v", ErrInvalidConfig, EnvPrefix, s.name, err)
		}
	}
	return nil
}

// Write encodes cfg as TOML.
func Write(w io.Writer, cfg Config) error {
	return toml.NewEncoder(w).Encode(cfg)
}

// Save writes cfg to path, creating or truncating it.
func Save(path string, cfg Config) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return Write(f, cfg)
}

// =============================================================================
// VALIDATION
// =============================================================================

func (c Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		fail("server.port %d out of range", c.Server.Port)
	}

	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if c.Store.Path == "" {
			fail("store.path is required for the sqlite driver")
		}
	default:
		fail("store.driver %q must be memory or sqlite", c.Store.Driver)
	}

	switch c.Engine.Curve {
	case "linear":
	case "exponential":
		if c.Engine.LevelGrowth <= 1 {
			fail("engine.level_growth must be > 1 for the exponential curve")
		}
	default:
		fail("engine.curve %q must be linear or exponential", c.Engine.Curve)
	}
	if c.Engine.LevelStep <= 0 {
		fail("engine.level_step must be > 0")
	}
	if c.Engine.MaxLevel < 1 {
		fail("engine.max_level must be >= 1")
	}
	if c.Engine.MaxRetries < 0 {
		fail("engine.max_retries must be >= 0")
	}
	if _, err := engagement.LoadLocation(c.Engine.DefaultTimeZone); err != nil {
		fail("engine.default_time_zone: %v", err)
	}

	if err := c.Analytics.ScorePolicy().Validate(); err != nil {
		fail("analytics: %v", err)
	}

	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			fail("kafka.brokers is required when kafka is enabled")
		}
		if c.Kafka.Topic == "" {
			fail("kafka.topic is required when kafka is enabled")
		}
		if c.Kafka.MaxAttempts < 1 {
			fail("kafka.max_attempts must be >= 1")
		}
	}

	if c.Reconciliation.Enabled && c.Reconciliation.Interval <= 0 {
		fail("reconciliation.interval must be > 0")
	}

	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		fail("logging.format %q must be text or json", c.Logging.Format)
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// =============================================================================
// CONVERSIONS
// =============================================================================

// LevelCurve returns the curve described by the engine section. For the
// exponential curve, level_step is the level 2 threshold.
func (e EngineConfig) LevelCurve() engagement.LevelCurve {
	if e.Curve == "exponential" {
		return engagement.ExponentialCurve{
			Base:     float64(e.LevelStep) / e.LevelGrowth,
			Growth:   e.LevelGrowth,
			MaxLevel: e.MaxLevel,
		}
	}
	return engagement.LinearCurve{Step: e.LevelStep, MaxLevel: e.MaxLevel}
}

// ScorePolicy converts the analytics section.
func (a AnalyticsConfig) ScorePolicy() engagement.ScorePolicy {
	return engagement.ScorePolicy{
		ActiveWeight:            decimal.NewFromInt(a.ActiveWeight),
		PointsWeight:            decimal.NewFromInt(a.PointsWeight),
		MilestoneWeight:         decimal.NewFromInt(a.MilestoneWeight),
		PointsHalfSaturation:    a.PointsHalfSaturation,
		MilestoneHalfSaturation: a.MilestoneHalfSaturation,
		TrendEpsilon:            decimal.NewFromFloat(a.TrendEpsilon),
	}
}

// EngineOptions translates the engine and analytics sections into engine
// options.
func (c Config) EngineOptions() []engagement.Option {
	return []engagement.Option{
		engagement.WithCurve(c.Engine.LevelCurve()),
		engagement.WithMaxRetries(c.Engine.MaxRetries),
		engagement.WithRetryBackoff(c.Engine.RetryBackoff),
		engagement.WithDefaultTimeZone(c.Engine.DefaultTimeZone),
		engagement.WithScorePolicy(c.Analytics.ScorePolicy()),
	}
}
