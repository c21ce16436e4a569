package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"tradegate/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Broker    BrokerConfig    `mapstructure:"broker"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Market    MarketConfig    `mapstructure:"market"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// SchedulerConfig governs background job cadence.
type SchedulerConfig struct {
	IngestInterval  time.Duration `mapstructure:"ingest_interval"`
	SweepInterval   time.Duration `mapstructure:"sweep_interval"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// BrokerConfig captures broker API connectivity and credentials.
type BrokerConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	UserKey        string        `mapstructure:"user_key"`
	Environment    string        `mapstructure:"environment"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	RateLimit      int           `mapstructure:"rate_limit"`
	RateWindow     time.Duration `mapstructure:"rate_window"`
}

// CacheConfig sets the read-path TTLs.
type CacheConfig struct {
	PortfolioTTL time.Duration `mapstructure:"portfolio_ttl"`
	RatesTTL     time.Duration `mapstructure:"rates_ttl"`
	DirectoryTTL time.Duration `mapstructure:"directory_ttl"`
	SymbolTTL    time.Duration `mapstructure:"symbol_ttl"`
}

// RiskConfig defines the pre-trade policy gates.
type RiskConfig struct {
	MaxDailyLossUSD      decimal.Decimal `mapstructure:"max_daily_loss_usd"`
	ApprovalThresholdUSD decimal.Decimal `mapstructure:"approval_threshold_usd"`
	ApprovalTTL          time.Duration   `mapstructure:"approval_ttl"`
	CooldownDuration     time.Duration   `mapstructure:"cooldown_duration"`
	OperatorSecret       string          `mapstructure:"operator_secret"`
}

// MarketConfig bounds the trading session used by scheduled jobs. Times
// are wall-clock in Timezone, formatted "15:04".
type MarketConfig struct {
	Timezone  string `mapstructure:"timezone"`
	OpenTime  string `mapstructure:"open_time"`
	CloseTime string `mapstructure:"close_time"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TRADEGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "tradegate")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("scheduler.ingest_interval", "1m")
	v.SetDefault("scheduler.sweep_interval", "5m")
	v.SetDefault("scheduler.advisory_lock_key", int64(0x74726447))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("broker.environment", "demo")
	v.SetDefault("broker.request_timeout", "15s")
	v.SetDefault("broker.rate_limit", 55)
	v.SetDefault("broker.rate_window", "60s")

	v.SetDefault("cache.portfolio_ttl", "15s")
	v.SetDefault("cache.rates_ttl", "15s")
	v.SetDefault("cache.directory_ttl", "60s")
	v.SetDefault("cache.symbol_ttl", "30m")

	v.SetDefault("risk.max_daily_loss_usd", "1000")
	v.SetDefault("risk.approval_threshold_usd", "5000")
	v.SetDefault("risk.approval_ttl", "15m")
	v.SetDefault("risk.cooldown_duration", "1h")

	v.SetDefault("market.timezone", "America/New_York")
	v.SetDefault("market.open_time", "09:30")
	v.SetDefault("market.close_time", "16:00")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
			stringToDecimalHookFunc(),
		)
	}
}

// stringToDecimalHookFunc decodes string and numeric config values into
// decimal.Decimal, so monetary thresholds never pass through float64
// arithmetic.
func stringToDecimalHookFunc() mapstructure.DecodeHookFuncType {
	decimalType := reflect.TypeOf(decimal.Decimal{})
	return func(_, to reflect.Type, data interface{}) (interface{}, error) {
		if to != decimalType {
			return data, nil
		}
		switch value := data.(type) {
		case string:
			return decimal.NewFromString(value)
		case float64:
			return decimal.NewFromFloat(value), nil
		case int:
			return decimal.NewFromInt(int64(value)), nil
		case int64:
			return decimal.NewFromInt(value), nil
		default:
			return data, nil
		}
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Broker.RateLimit <= 0 {
		return fmt.Errorf("broker.rate_limit must be greater than zero")
	}
	if c.Broker.RateWindow <= 0 {
		return fmt.Errorf("broker.rate_window must be greater than zero")
	}
	if env := c.Broker.Environment; env != "demo" && env != "real" {
		return fmt.Errorf("broker.environment must be demo or real, got %q", env)
	}
	if c.Risk.MaxDailyLossUSD.IsNegative() {
		return fmt.Errorf("risk.max_daily_loss_usd cannot be negative")
	}
	if c.Risk.ApprovalThresholdUSD.IsNegative() {
		return fmt.Errorf("risk.approval_threshold_usd cannot be negative")
	}
	if c.Risk.ApprovalTTL <= 0 {
		return fmt.Errorf("risk.approval_ttl must be greater than zero")
	}
	if c.Scheduler.IngestInterval <= 0 {
		return fmt.Errorf("scheduler.ingest_interval must be greater than zero")
	}
	if c.Scheduler.SweepInterval <= 0 {
		return fmt.Errorf("scheduler.sweep_interval must be greater than zero")
	}
	if _, err := time.LoadLocation(c.Market.Timezone); err != nil {
		return fmt.Errorf("market.timezone: %w", err)
	}
	for name, value := range map[string]string{
		"market.open_time":  c.Market.OpenTime,
		"market.close_time": c.Market.CloseTime,
	} {
		if _, err := time.Parse("15:04", value); err != nil {
			return fmt.Errorf("%s must be HH:MM, got %q", name, value)
		}
	}
	return nil
}
