// Package config loads and validates the pipeline configuration.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Generator  GeneratorConfig  `mapstructure:"generator"`
	Consensus  ConsensusConfig  `mapstructure:"consensus"`
	Regime     RegimeConfig     `mapstructure:"regime"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Sources    []SourceConfig   `mapstructure:"sources"`
	Executors  []ExecutorConfig `mapstructure:"executors"`
	Queue      QueueConfig      `mapstructure:"queue"`
	API        APIConfig        `mapstructure:"api"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	Alerts     AlertsConfig     `mapstructure:"alerts"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"` // development, staging, production
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"` // "json" or "console"
}

// DatabaseConfig contains PostgreSQL settings for the ledger and queue
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
	PoolSize int    `mapstructure:"pool_size"`
}

// RedisConfig contains the shared cache tier settings
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// NATSConfig contains the optional event bus settings
type NATSConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Prefix  string `mapstructure:"prefix"`
}

// BudgetConfig holds per-operation soft budgets in milliseconds. The hard
// deadline for an operation is twice its soft budget.
type BudgetConfig struct {
	SignalGeneration int `mapstructure:"signal_generation"`
	DataSourceFetch  int `mapstructure:"data_source_fetch"`
}

// GeneratorConfig drives the signal-generation cycle
type GeneratorConfig struct {
	Symbols                   []string     `mapstructure:"symbols"`
	TickIntervalSeconds       int          `mapstructure:"tick_interval_seconds"`
	MinConfidenceThreshold    float64      `mapstructure:"min_confidence_threshold"`
	MaxStalenessSeconds       int          `mapstructure:"max_staleness_seconds"`
	PriceChangeThresholdPct   float64      `mapstructure:"price_change_threshold_pct"`
	SoftBudgetMs              BudgetConfig `mapstructure:"soft_budget_ms"`
	FanOut                    int          `mapstructure:"fan_out"` // 0 = min(8, len(symbols))
	StopGraceSeconds          int          `mapstructure:"stop_grace_seconds"`
	RetentionSeconds          int64        `mapstructure:"retention_seconds"`
	StopLossPct               float64      `mapstructure:"stop_loss_pct"`   // 0 disables stop price
	TakeProfitPct             float64      `mapstructure:"take_profit_pct"` // 0 disables target price
	TwentyFourSeven           bool         `mapstructure:"24_7_mode"`
	CompactionIntervalSeconds int          `mapstructure:"compaction_interval_seconds"`
}

// ConsensusConfig tunes the fusion engine
type ConsensusConfig struct {
	AgreementFloor      float64 `mapstructure:"agreement_floor"`
	AgreementBonus      float64 `mapstructure:"agreement_bonus"`
	MinSourceConfidence float64 `mapstructure:"min_source_confidence"`
}

// RegimeConfig tunes the regime detector
type RegimeConfig struct {
	ShortMA             int     `mapstructure:"short_ma"`
	LongMA              int     `mapstructure:"long_ma"`
	HighVolThresholdPct float64 `mapstructure:"high_vol_threshold_pct"`
	TrendEpsilonPct     float64 `mapstructure:"trend_epsilon_pct"`
	CacheTTLSeconds     int     `mapstructure:"cache_ttl_seconds"`
	CacheMaxEntries     int     `mapstructure:"cache_max_entries"`
}

// CacheConfig tunes the two-tier signal cache. TTLs are in seconds and keyed
// by market condition; the volatility cutoffs select between them.
type CacheConfig struct {
	LocalMaxEntries  int     `mapstructure:"local_max_entries"`
	SharedEnabled    bool    `mapstructure:"shared_enabled"`
	TTLMarketClosed  int     `mapstructure:"ttl_market_closed"`
	TTLLowVol        int     `mapstructure:"ttl_low_vol"`
	TTLNormal        int     `mapstructure:"ttl_normal"`
	TTLHighVol       int     `mapstructure:"ttl_high_vol"`
	LowVolThreshold  float64 `mapstructure:"low_vol_threshold_pct"`
	HighVolThreshold float64 `mapstructure:"high_vol_threshold_pct"`
}

// SourceConfig configures one registered data source
type SourceConfig struct {
	ID                     string  `mapstructure:"id"`
	Driver                 string  `mapstructure:"driver"` // adapter implementation; "sim" or "mock"
	Weight                 float64 `mapstructure:"weight"`
	Kind                   string  `mapstructure:"kind"` // "momentum", "mean_reversion", "sentiment", ...
	Bias                   float64 `mapstructure:"bias"` // sim driver drift skew
	RateLimitRPM           int     `mapstructure:"rate_limit_rpm"`
	CircuitFailThreshold   int     `mapstructure:"circuit_fail_threshold"`
	CircuitCooldownSeconds int     `mapstructure:"circuit_cooldown_seconds"`
	FetchTimeoutSeconds    int     `mapstructure:"fetch_timeout_seconds"`
}

// ExecutorConfig configures one trade-execution backend
type ExecutorConfig struct {
	ID                string              `mapstructure:"id"`
	Driver            string              `mapstructure:"driver"` // adapter implementation; "paper"
	MinConfidence     float64             `mapstructure:"min_confidence"`
	AllowedSymbols    []string            `mapstructure:"allowed_symbols"`
	RestrictedSymbols []string            `mapstructure:"restricted_symbols"`
	CorrelationGroups map[string][]string `mapstructure:"correlation_groups"` // group -> symbols
	MaxPositions      int                 `mapstructure:"max_positions"`
	MaxPerGroup       int                 `mapstructure:"max_per_group"`
	Workers           int                 `mapstructure:"workers"`
	InFlightBound     int                 `mapstructure:"in_flight_bound"`
	SnapshotSeconds   int                 `mapstructure:"snapshot_seconds"`
}

// QueueConfig tunes the conditional signal queue
type QueueConfig struct {
	DefaultTTLSeconds int `mapstructure:"default_ttl_seconds"`
	MaxAttempts       int `mapstructure:"max_attempts"`
	RetryBaseMs       int `mapstructure:"retry_base_ms"`
	RetryCapMs        int `mapstructure:"retry_cap_ms"`
	MaxSleepSeconds   int `mapstructure:"max_sleep_seconds"`
}

// APIConfig contains the ops HTTP surface settings
type APIConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// MonitoringConfig contains metrics and integrity sweep settings
type MonitoringConfig struct {
	PrometheusPort         int `mapstructure:"prometheus_port"`
	EnableMetrics          bool `mapstructure:"enable_metrics"`
	LatencySLOms           int `mapstructure:"latency_slo_ms"`
	LatencyWindowSeconds   int `mapstructure:"latency_window_seconds"`
	IntegritySweepSeconds  int `mapstructure:"integrity_sweep_seconds"`
	FullVerifySweepSeconds int `mapstructure:"full_verify_sweep_seconds"`
}

// AlertsConfig configures the alert sinks
type AlertsConfig struct {
	TelegramEnabled  bool    `mapstructure:"telegram_enabled"`
	TelegramBotToken string  `mapstructure:"telegram_bot_token"`
	TelegramChatIDs  []int64 `mapstructure:"telegram_chat_ids"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	// Enable environment variable overrides
	v.AutomaticEnv()
	v.SetEnvPrefix("SIGNALFUSE")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; using defaults and environment variables
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// App defaults
	v.SetDefault("app.name", "signalfuse")
	v.SetDefault("app.version", "0.1.0")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_format", "json")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.database", "signalfuse")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.pool_size", 10)

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)

	// NATS defaults (bus is opt-in)
	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.prefix", "signals.")

	// Generator defaults
	v.SetDefault("generator.symbols", []string{"BTC-USD", "ETH-USD"})
	v.SetDefault("generator.tick_interval_seconds", 5)
	v.SetDefault("generator.min_confidence_threshold", 75.0)
	v.SetDefault("generator.max_staleness_seconds", 600)
	v.SetDefault("generator.price_change_threshold_pct", 0.1)
	v.SetDefault("generator.soft_budget_ms.signal_generation", 10000)
	v.SetDefault("generator.soft_budget_ms.data_source_fetch", 5000)
	v.SetDefault("generator.fan_out", 0)
	v.SetDefault("generator.stop_grace_seconds", 30)
	v.SetDefault("generator.retention_seconds", int64(7*365*24*3600))
	v.SetDefault("generator.stop_loss_pct", 2.0)
	v.SetDefault("generator.take_profit_pct", 5.0)
	v.SetDefault("generator.24_7_mode", true)
	v.SetDefault("generator.compaction_interval_seconds", 300)

	// Consensus defaults
	v.SetDefault("consensus.agreement_floor", 0.15)
	v.SetDefault("consensus.agreement_bonus", 0.10)
	v.SetDefault("consensus.min_source_confidence", 50.0)

	// Regime defaults
	v.SetDefault("regime.short_ma", 20)
	v.SetDefault("regime.long_ma", 50)
	v.SetDefault("regime.high_vol_threshold_pct", 3.0)
	v.SetDefault("regime.trend_epsilon_pct", 0.2)
	v.SetDefault("regime.cache_ttl_seconds", 300)
	v.SetDefault("regime.cache_max_entries", 500)

	// Cache defaults
	v.SetDefault("cache.local_max_entries", 2048)
	v.SetDefault("cache.shared_enabled", false)
	v.SetDefault("cache.ttl_market_closed", 300)
	v.SetDefault("cache.ttl_low_vol", 30)
	v.SetDefault("cache.ttl_normal", 10)
	v.SetDefault("cache.ttl_high_vol", 3)
	v.SetDefault("cache.low_vol_threshold_pct", 1.0)
	v.SetDefault("cache.high_vol_threshold_pct", 3.0)

	// Queue defaults
	v.SetDefault("queue.default_ttl_seconds", 3600)
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.retry_base_ms", 500)
	v.SetDefault("queue.retry_cap_ms", 10000)
	v.SetDefault("queue.max_sleep_seconds", 30)

	// API defaults
	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 8081)

	// Monitoring defaults
	v.SetDefault("monitoring.prometheus_port", 9100)
	v.SetDefault("monitoring.enable_metrics", true)
	v.SetDefault("monitoring.latency_slo_ms", 500)
	v.SetDefault("monitoring.latency_window_seconds", 300)
	v.SetDefault("monitoring.integrity_sweep_seconds", 3600)
	v.SetDefault("monitoring.full_verify_sweep_seconds", 86400)

	// Alerts defaults
	v.SetDefault("alerts.telegram_enabled", false)
}

// GetDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// GetRedisAddr returns the Redis address
func (c *RedisConfig) GetRedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GetAPIAddr returns the ops API server address
func (c *APIConfig) GetAPIAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// TickInterval returns the scheduler tick interval
func (c *GeneratorConfig) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalSeconds) * time.Second
}

// StopGrace returns the shutdown grace deadline
func (c *GeneratorConfig) StopGrace() time.Duration {
	return time.Duration(c.StopGraceSeconds) * time.Second
}

// SoftBudget returns the per-cycle soft budget
func (c *GeneratorConfig) SoftBudget() time.Duration {
	return time.Duration(c.SoftBudgetMs.SignalGeneration) * time.Millisecond
}

// HardDeadline is twice the soft budget; cycles past it are cancelled
func (c *GeneratorConfig) HardDeadline() time.Duration {
	return 2 * c.SoftBudget()
}

// FetchBudget returns the cycle-wide soft budget for source fetches
func (c *GeneratorConfig) FetchBudget() time.Duration {
	return time.Duration(c.SoftBudgetMs.DataSourceFetch) * time.Millisecond
}

// MaxStaleness returns the source signal freshness cutoff
func (c *GeneratorConfig) MaxStaleness() time.Duration {
	return time.Duration(c.MaxStalenessSeconds) * time.Second
}

// Retention returns the signal retention period
func (c *GeneratorConfig) Retention() time.Duration {
	return time.Duration(c.RetentionSeconds) * time.Second
}

// Workers returns the bounded fan-out for per-symbol cycles
func (c *GeneratorConfig) Workers() int {
	if c.FanOut > 0 {
		return c.FanOut
	}
	n := len(c.Symbols)
	if n > 8 {
		return 8
	}
	if n < 1 {
		return 1
	}
	return n
}

// FetchTimeout returns the per-fetch deadline for a source
func (c *SourceConfig) FetchTimeout() time.Duration {
	if c.FetchTimeoutSeconds <= 0 {
		return 4 * time.Second
	}
	return time.Duration(c.FetchTimeoutSeconds) * time.Second
}

// Cooldown returns the breaker open-state cooldown
func (c *SourceConfig) Cooldown() time.Duration {
	if c.CircuitCooldownSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.CircuitCooldownSeconds) * time.Second
}

// SnapshotInterval returns the account poll cadence for an executor
func (c *ExecutorConfig) SnapshotInterval() time.Duration {
	if c.SnapshotSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.SnapshotSeconds) * time.Second
}

// WorkerCount returns the per-executor submission worker pool size
func (c *ExecutorConfig) WorkerCount() int {
	if c.Workers <= 0 {
		return 4
	}
	return c.Workers
}

// InFlightLimit returns the per-executor backpressure bound
func (c *ExecutorConfig) InFlightLimit() int {
	if c.InFlightBound <= 0 {
		return 1024
	}
	return c.InFlightBound
}

// DefaultTTL returns the default queue entry time-to-live
func (c *QueueConfig) DefaultTTL() time.Duration {
	return time.Duration(c.DefaultTTLSeconds) * time.Second
}

// RetryBase returns the base retry backoff
func (c *QueueConfig) RetryBase() time.Duration {
	return time.Duration(c.RetryBaseMs) * time.Millisecond
}

// RetryCap returns the retry backoff ceiling
func (c *QueueConfig) RetryCap() time.Duration {
	return time.Duration(c.RetryCapMs) * time.Millisecond
}

// MaxSleep returns the processor's maximum wait between drains
func (c *QueueConfig) MaxSleep() time.Duration {
	if c.MaxSleepSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.MaxSleepSeconds) * time.Second
}
