package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// DataPaths holds data directory configuration
type DataPaths struct {
	// DataDir is the base data directory (PERFWATCH_DATA_DIR, default: ./data)
	DataDir string `mapstructure:"data_dir"`
	// SQLitePath is the SQLite database file (PERFWATCH_SQLITE_PATH, default: ${DataDir}/perfwatch.db)
	SQLitePath string `mapstructure:"sqlite_path"`
}

// ClickHouseConfig configures the ClickHouse metric store
type ClickHouseConfig struct {
	Addr        string `mapstructure:"addr"`
	Database    string `mapstructure:"database"`
	Table       string `mapstructure:"table"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	TLS         bool   `mapstructure:"tls"`
	MaxPoolSize int    `mapstructure:"max_pool_size"`
}

// JobConfig schedules one periodic job
type JobConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval" validate:"gt=0"`
	// Budget is the wall-clock limit for one run
	Budget time.Duration `mapstructure:"budget" validate:"gt=0"`
}

// BaselineConfig tunes the baseline engine
type BaselineConfig struct {
	LookbackDays        int           `mapstructure:"lookback_days" validate:"min=1,max=365"`
	MinSamples          int           `mapstructure:"min_samples" validate:"min=1,max=1000"`
	MinChangePercent    float64       `mapstructure:"min_change_percent" validate:"gte=0"`
	StaleExecutionAfter time.Duration `mapstructure:"stale_execution_after" validate:"gt=0"`
	Parallelism         int           `mapstructure:"parallelism" validate:"min=1,max=64"`
}

// DetectConfig tunes anomaly detection
type DetectConfig struct {
	ZThreshold    float64       `mapstructure:"z_threshold" validate:"gt=0"`
	LookbackHours int           `mapstructure:"lookback_hours" validate:"min=1,max=720"`
	MinSamples    int           `mapstructure:"min_samples" validate:"min=1"`
	Bucket        string        `mapstructure:"bucket" validate:"oneof=1m 5m 1h"`
	CacheSize     int           `mapstructure:"cache_size" validate:"min=1"`
	CacheTTL      time.Duration `mapstructure:"cache_ttl" validate:"gt=0"`
}

// CorrelationConfig tunes pairwise correlation analysis
type CorrelationConfig struct {
	LookbackHours        int     `mapstructure:"lookback_hours" validate:"min=1,max=720"`
	Granularity          string  `mapstructure:"granularity" validate:"oneof=1m 5m 1h"`
	MinSamples           int     `mapstructure:"min_samples" validate:"min=3"`
	Threshold            float64 `mapstructure:"threshold" validate:"gt=0,lte=1"`
	ConfidenceSaturation int     `mapstructure:"confidence_saturation" validate:"min=1"`
	RaiseAlerts          bool    `mapstructure:"raise_alerts"`
}

// AlertingConfig tunes alert creation
type AlertingConfig struct {
	DedupWindow time.Duration `mapstructure:"dedup_window" validate:"gte=0"`
	MaxRetries  int           `mapstructure:"max_retries" validate:"min=1,max=20"`
}

// NotifyConfig tunes delivery
type NotifyConfig struct {
	Workers     int           `mapstructure:"workers" validate:"min=1,max=256"`
	QueueSize   int           `mapstructure:"queue_size" validate:"min=1"`
	DrainLimit  int           `mapstructure:"drain_limit" validate:"min=1"`
	ClaimTTL    time.Duration `mapstructure:"claim_ttl" validate:"gt=0"`
	HTTPTimeout time.Duration `mapstructure:"http_timeout" validate:"gt=0"`
	RetryBase   time.Duration `mapstructure:"retry_base" validate:"gt=0"`
	RetryMax    time.Duration `mapstructure:"retry_max" validate:"gt=0"`
	// RateLimit is the per-endpoint delivery rate in requests per second
	RateLimit float64 `mapstructure:"rate_limit" validate:"gt=0"`
	RateBurst int     `mapstructure:"rate_burst" validate:"min=1"`

	CircuitBreaker struct {
		MaxFailures         uint32        `mapstructure:"max_failures" validate:"min=1"`
		Timeout             time.Duration `mapstructure:"timeout" validate:"gt=0"`
		MaxHalfOpenRequests uint32        `mapstructure:"max_half_open_requests" validate:"min=1"`
	} `mapstructure:"circuit_breaker"`

	Batch struct {
		MaxSize int           `mapstructure:"max_size" validate:"min=1"`
		MaxWait time.Duration `mapstructure:"max_wait" validate:"gt=0"`
	} `mapstructure:"batch"`
}

// VaultConfig selects the encryption keys of the credential vault.
// Key material is read from the secret provider as "vault_key_<id>".
type VaultConfig struct {
	ActiveKeyID string   `mapstructure:"active_key_id" validate:"required"`
	KeyIDs      []string `mapstructure:"key_ids"`
}

// Config holds all configuration for perfwatch
type Config struct {
	DataPaths DataPaths `mapstructure:"data_paths"`

	Server struct {
		Addr         string        `mapstructure:"addr" validate:"required"`
		ReadTimeout  time.Duration `mapstructure:"read_timeout"`
		WriteTimeout time.Duration `mapstructure:"write_timeout"`
		RateLimit    struct {
			RequestsPerSecond float64 `mapstructure:"requests_per_second" validate:"gt=0"`
			Burst             int     `mapstructure:"burst" validate:"min=1"`
		} `mapstructure:"rate_limit"`
	} `mapstructure:"server"`

	Auth struct {
		Enabled   bool          `mapstructure:"enabled"`
		JWTSecret string        `mapstructure:"jwt_secret"`
		Issuer    string        `mapstructure:"issuer"`
		TokenTTL  time.Duration `mapstructure:"token_ttl"`
	} `mapstructure:"auth"`

	// SampleStore selects the metric store: "sqlite" or "clickhouse"
	SampleStore string           `mapstructure:"sample_store" validate:"oneof=sqlite clickhouse"`
	ClickHouse  ClickHouseConfig `mapstructure:"clickhouse"`

	Redis struct {
		Enabled  bool   `mapstructure:"enabled"`
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
		PoolSize int    `mapstructure:"pool_size"`
	} `mapstructure:"redis"`

	Baseline    BaselineConfig    `mapstructure:"baseline"`
	Detect      DetectConfig      `mapstructure:"detect"`
	Correlation CorrelationConfig `mapstructure:"correlation"`
	Alerting    AlertingConfig    `mapstructure:"alerting"`
	Notify      NotifyConfig      `mapstructure:"notify"`
	Vault       VaultConfig       `mapstructure:"vault"`

	Jobs struct {
		Baseline    JobConfig `mapstructure:"baseline"`
		Anomaly     JobConfig `mapstructure:"anomaly"`
		Correlation JobConfig `mapstructure:"correlation"`
		Drain       JobConfig `mapstructure:"drain"`
	} `mapstructure:"jobs"`

	Rules struct {
		// File optionally overrides the built-in rule tables
		File string `mapstructure:"file"`
	} `mapstructure:"rules"`

	Secrets struct {
		Provider string `mapstructure:"provider" validate:"oneof=env vault aws"`
		Vault    struct {
			Address string `mapstructure:"address"`
			Token   string `mapstructure:"token"`
			Path    string `mapstructure:"path"`
		} `mapstructure:"vault"`
		AWS struct {
			Region    string `mapstructure:"region"`
			AccessKey string `mapstructure:"access_key"`
			SecretKey string `mapstructure:"secret_key"`
			SecretID  string `mapstructure:"secret_id"`
		} `mapstructure:"aws"`
	} `mapstructure:"secrets"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_paths.data_dir", "./data")
	v.SetDefault("data_paths.sqlite_path", "")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.rate_limit.requests_per_second", 20.0)
	v.SetDefault("server.rate_limit.burst", 40)

	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.issuer", "perfwatch")
	v.SetDefault("auth.token_ttl", 12*time.Hour)

	v.SetDefault("sample_store", "sqlite")
	v.SetDefault("clickhouse.addr", "localhost:9000")
	v.SetDefault("clickhouse.database", "default")
	v.SetDefault("clickhouse.table", "operation_samples")
	v.SetDefault("clickhouse.username", "default")
	v.SetDefault("clickhouse.max_pool_size", 10)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)

	v.SetDefault("baseline.lookback_days", 7)
	v.SetDefault("baseline.min_samples", 30)
	v.SetDefault("baseline.min_change_percent", 5.0)
	v.SetDefault("baseline.stale_execution_after", 30*time.Minute)
	v.SetDefault("baseline.parallelism", 1)

	v.SetDefault("detect.z_threshold", 3.0)
	v.SetDefault("detect.lookback_hours", 1)
	v.SetDefault("detect.min_samples", 10)
	v.SetDefault("detect.bucket", "5m")
	v.SetDefault("detect.cache_size", 512)
	v.SetDefault("detect.cache_ttl", time.Minute)

	v.SetDefault("correlation.lookback_hours", 24)
	v.SetDefault("correlation.granularity", "5m")
	v.SetDefault("correlation.min_samples", 10)
	v.SetDefault("correlation.threshold", 0.75)
	v.SetDefault("correlation.confidence_saturation", 50)
	v.SetDefault("correlation.raise_alerts", true)

	v.SetDefault("alerting.dedup_window", 15*time.Minute)
	v.SetDefault("alerting.max_retries", 3)

	v.SetDefault("notify.workers", 4)
	v.SetDefault("notify.queue_size", 256)
	v.SetDefault("notify.drain_limit", 100)
	v.SetDefault("notify.claim_ttl", 2*time.Minute)
	v.SetDefault("notify.http_timeout", 10*time.Second)
	v.SetDefault("notify.retry_base", 30*time.Second)
	v.SetDefault("notify.retry_max", 30*time.Minute)
	v.SetDefault("notify.rate_limit", 1.0)
	v.SetDefault("notify.rate_burst", 5)
	v.SetDefault("notify.circuit_breaker.max_failures", 5)
	v.SetDefault("notify.circuit_breaker.timeout", time.Minute)
	v.SetDefault("notify.circuit_breaker.max_half_open_requests", 1)
	v.SetDefault("notify.batch.max_size", 20)
	v.SetDefault("notify.batch.max_wait", 30*time.Second)

	v.SetDefault("vault.active_key_id", "k1")
	v.SetDefault("vault.key_ids", []string{"k1"})

	v.SetDefault("jobs.baseline.enabled", true)
	v.SetDefault("jobs.baseline.interval", time.Hour)
	v.SetDefault("jobs.baseline.budget", 10*time.Minute)
	v.SetDefault("jobs.anomaly.enabled", true)
	v.SetDefault("jobs.anomaly.interval", 5*time.Minute)
	v.SetDefault("jobs.anomaly.budget", 2*time.Minute)
	v.SetDefault("jobs.correlation.enabled", true)
	v.SetDefault("jobs.correlation.interval", 30*time.Minute)
	v.SetDefault("jobs.correlation.budget", 5*time.Minute)
	v.SetDefault("jobs.drain.enabled", true)
	v.SetDefault("jobs.drain.interval", 15*time.Second)
	v.SetDefault("jobs.drain.budget", time.Minute)

	v.SetDefault("secrets.provider", "env")
	v.SetDefault("secrets.vault.path", "secret/perfwatch")
	v.SetDefault("secrets.aws.secret_id", "perfwatch/secrets")
}

func loadFromEnv(v *viper.Viper) {
	v.SetEnvPrefix("PERFWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("data_paths.data_dir", "PERFWATCH_DATA_DIR")
	_ = v.BindEnv("data_paths.sqlite_path", "PERFWATCH_SQLITE_PATH")
	_ = v.BindEnv("auth.jwt_secret", "PERFWATCH_JWT_SECRET")
	_ = v.BindEnv("redis.password", "PERFWATCH_REDIS_PASSWORD")
	_ = v.BindEnv("clickhouse.password", "PERFWATCH_CLICKHOUSE_PASSWORD")
}

// LoadConfig reads config.yaml from . or ./config, then applies PERFWATCH_* env overrides
func LoadConfig() (*Config, error) {
	return LoadConfigFrom("")
}

// LoadConfigFrom reads an explicit config file when path is non-empty
func LoadConfigFrom(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	setDefaults(v)
	loadFromEnv(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// no config file: defaults and env vars only
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	cfg.ResolveDataPaths()

	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the built-in configuration without reading files or env
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	// defaults always decode
	_ = v.Unmarshal(&cfg)
	cfg.ResolveDataPaths()
	return &cfg
}

// ResolveDataPaths derives unset paths from DataDir
func (c *Config) ResolveDataPaths() {
	if c.DataPaths.DataDir == "" {
		c.DataPaths.DataDir = "./data"
	}
	if c.DataPaths.SQLitePath == "" {
		c.DataPaths.SQLitePath = filepath.Join(c.DataPaths.DataDir, "perfwatch.db")
	} else if c.DataPaths.SQLitePath != ":memory:" && !filepath.IsAbs(c.DataPaths.SQLitePath) {
		c.DataPaths.SQLitePath = filepath.Clean(c.DataPaths.SQLitePath)
	}
}

// GetSQLitePath returns the resolved SQLite database path
func (c *Config) GetSQLitePath() string {
	if c.DataPaths.SQLitePath == "" {
		return filepath.Join(c.DataPaths.DataDir, "perfwatch.db")
	}
	return c.DataPaths.SQLitePath
}

var structValidator = validator.New()

// validateConfig applies struct tags and the cross-field rules tags cannot express
func validateConfig(cfg *Config) error {
	if err := structValidator.Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if cfg.Notify.RetryMax < cfg.Notify.RetryBase {
		return fmt.Errorf("invalid configuration: notify.retry_max (%s) must be >= notify.retry_base (%s)",
			cfg.Notify.RetryMax, cfg.Notify.RetryBase)
	}
	if cfg.SampleStore == "clickhouse" && cfg.ClickHouse.Addr == "" {
		return fmt.Errorf("invalid configuration: clickhouse.addr is required when sample_store is clickhouse")
	}
	if cfg.Redis.Enabled && cfg.Redis.Addr == "" {
		return fmt.Errorf("invalid configuration: redis.addr is required when redis is enabled")
	}
	if cfg.Auth.Enabled && len(cfg.Auth.JWTSecret) < 32 {
		return fmt.Errorf("invalid configuration: auth.jwt_secret must be at least 32 characters when auth is enabled")
	}
	if cfg.Secrets.Provider == "vault" && cfg.Secrets.Vault.Address == "" {
		return fmt.Errorf("invalid configuration: secrets.vault.address is required for the vault provider")
	}
	if cfg.Secrets.Provider == "aws" && cfg.Secrets.AWS.Region == "" {
		return fmt.Errorf("invalid configuration: secrets.aws.region is required for the aws provider")
	}

	found := false
	for _, id := range cfg.Vault.KeyIDs {
		if id == cfg.Vault.ActiveKeyID {
			found = true
			break
		}
	}
	if !found {
		cfg.Vault.KeyIDs = append(cfg.Vault.KeyIDs, cfg.Vault.ActiveKeyID)
	}
	return nil
}
