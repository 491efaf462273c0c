package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"pegkeeper/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Ethereum  EthereumConfig  `mapstructure:"ethereum"`
	Oracle    OracleConfig    `mapstructure:"oracle"`
	Peg       PegConfig       `mapstructure:"peg"`
	Tiers     TiersConfig     `mapstructure:"tiers"`
	Safety    SafetyConfig    `mapstructure:"safety"`
	Executor  ExecutorConfig  `mapstructure:"executor"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Export    ExportConfig    `mapstructure:"export"`
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
}

// SchedulerConfig governs cycle cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToCycle    bool          `mapstructure:"align_to_cycle"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// EthereumConfig covers chain access and the trading venue.
type EthereumConfig struct {
	RPCURL         string        `mapstructure:"rpc_url"`
	ChainID        int64         `mapstructure:"chain_id"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	PoolAddress    string        `mapstructure:"pool_address"`
	RouterAddress  string        `mapstructure:"router_address"`
	BaseToken      string        `mapstructure:"base_token"`
	QuoteToken     string        `mapstructure:"quote_token"`
	WalletAddress  string        `mapstructure:"wallet_address"`
	PrivateKey     string        `mapstructure:"private_key"`
}

// OracleConfig parameterises price derivation and reference feeds.
type OracleConfig struct {
	NativeUSDFeed string        `mapstructure:"native_usd_feed"`
	AltUSDFeed    string        `mapstructure:"alt_usd_feed"`
	AltSymbol     string        `mapstructure:"alt_symbol"`
	MaxFeedAge    time.Duration `mapstructure:"max_feed_age"`
	CacheTTL      time.Duration `mapstructure:"cache_ttl"`
	TWAPWindow    time.Duration `mapstructure:"twap_window"`
}

// PegConfig holds the target and the hold band.
type PegConfig struct {
	TargetPrice     float64 `mapstructure:"target_price"`
	LowThresholdPct float64 `mapstructure:"low_threshold_pct"`
}

// TierConfig binds one urgency tier to its thresholds.
type TierConfig struct {
	ThresholdPct  float64 `mapstructure:"threshold_pct"`
	SlippageBps   int64   `mapstructure:"slippage_bps"`
	GasMultiplier float64 `mapstructure:"gas_multiplier"`
	SizeFactor    float64 `mapstructure:"size_factor"`
}

// TiersConfig lists the actionable urgency tiers in ascending severity.
type TiersConfig struct {
	Low       TierConfig `mapstructure:"low"`
	Medium    TierConfig `mapstructure:"medium"`
	High      TierConfig `mapstructure:"high"`
	Emergency TierConfig `mapstructure:"emergency"`
}

// SafetyConfig defines hard trading limits.
type SafetyConfig struct {
	MaxTradeBase         float64       `mapstructure:"max_trade_base"`
	MaxTradeQuote        float64       `mapstructure:"max_trade_quote"`
	MaxDailyVolumeQuote  float64       `mapstructure:"max_daily_volume_quote"`
	MinTimeBetweenTrades time.Duration `mapstructure:"min_time_between_trades"`
	MaxConsecutiveErrors int           `mapstructure:"max_consecutive_errors"`
}

// RetryConfig tunes per-call retry behaviour for chain I/O.
type RetryConfig struct {
	MaxAttempts  int           `mapstructure:"max_attempts"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	Multiplier   float64       `mapstructure:"multiplier"`
}

// ExecutorConfig governs swap submission.
type ExecutorConfig struct {
	FeeBps                int64         `mapstructure:"fee_bps"`
	GasPriceCeilingGwei   float64       `mapstructure:"gas_price_ceiling_gwei"`
	PriorityFeeGwei       float64       `mapstructure:"priority_fee_gwei"`
	EmergencyPriorityGwei float64       `mapstructure:"emergency_priority_gwei"`
	GasReserveNative      float64       `mapstructure:"gas_reserve_native"`
	ConfirmTimeout        time.Duration `mapstructure:"confirm_timeout"`
	Retry                 RetryConfig   `mapstructure:"retry"`
}

// AlertingConfig defines alert routing for breaker trips and emergencies.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Channels []string       `mapstructure:"channels"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes Telegram delivery parameters.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// MetricsConfig controls the optional Prometheus scrape endpoint.
type MetricsConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PEGKEEPER")
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
	v.SetDefault("app.name", "pegkeeper")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("scheduler.interval", "1m")
	v.SetDefault("scheduler.align_to_cycle", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x70656762))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("ethereum.chain_id", int64(1))
	v.SetDefault("ethereum.request_timeout", "10s")

	v.SetDefault("oracle.max_feed_age", "5m")
	v.SetDefault("oracle.cache_ttl", "30s")
	v.SetDefault("oracle.twap_window", "3m")
	v.SetDefault("oracle.alt_symbol", "BTC")

	v.SetDefault("peg.target_price", 1.0)
	v.SetDefault("peg.low_threshold_pct", 0.5)

	v.SetDefault("tiers.low.threshold_pct", 0.5)
	v.SetDefault("tiers.low.slippage_bps", int64(30))
	v.SetDefault("tiers.low.gas_multiplier", 1.0)
	v.SetDefault("tiers.low.size_factor", 0.05)

	v.SetDefault("tiers.medium.threshold_pct", 2.0)
	v.SetDefault("tiers.medium.slippage_bps", int64(50))
	v.SetDefault("tiers.medium.gas_multiplier", 1.2)
	v.SetDefault("tiers.medium.size_factor", 0.15)

	v.SetDefault("tiers.high.threshold_pct", 5.0)
	v.SetDefault("tiers.high.slippage_bps", int64(100))
	v.SetDefault("tiers.high.gas_multiplier", 1.5)
	v.SetDefault("tiers.high.size_factor", 0.4)

	v.SetDefault("tiers.emergency.threshold_pct", 10.0)
	v.SetDefault("tiers.emergency.slippage_bps", int64(300))
	v.SetDefault("tiers.emergency.gas_multiplier", 2.0)
	v.SetDefault("tiers.emergency.size_factor", 1.0)

	v.SetDefault("safety.max_trade_base", 10000.0)
	v.SetDefault("safety.max_trade_quote", 50.0)
	v.SetDefault("safety.max_daily_volume_quote", 500.0)
	v.SetDefault("safety.min_time_between_trades", "5m")
	v.SetDefault("safety.max_consecutive_errors", 5)

	v.SetDefault("executor.fee_bps", int64(30))
	v.SetDefault("executor.gas_price_ceiling_gwei", 300.0)
	v.SetDefault("executor.priority_fee_gwei", 1.0)
	v.SetDefault("executor.emergency_priority_gwei", 5.0)
	v.SetDefault("executor.gas_reserve_native", 0.05)
	v.SetDefault("executor.confirm_timeout", "2m")
	v.SetDefault("executor.retry.max_attempts", 3)
	v.SetDefault("executor.retry.initial_delay", "500ms")
	v.SetDefault("executor.retry.max_delay", "5s")
	v.SetDefault("executor.retry.multiplier", 2.0)

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("metrics.listen_addr", "")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Peg.TargetPrice <= 0 {
		return fmt.Errorf("peg.target_price must be greater than zero")
	}
	if c.Peg.LowThresholdPct <= 0 {
		return fmt.Errorf("peg.low_threshold_pct must be greater than zero")
	}
	if err := c.Tiers.validate(); err != nil {
		return err
	}
	if c.Safety.MaxConsecutiveErrors <= 0 {
		return fmt.Errorf("safety.max_consecutive_errors must be greater than zero")
	}
	if c.Safety.MaxDailyVolumeQuote <= 0 {
		return fmt.Errorf("safety.max_daily_volume_quote must be greater than zero")
	}
	if c.Safety.MinTimeBetweenTrades < 0 {
		return fmt.Errorf("safety.min_time_between_trades cannot be negative")
	}
	if c.Executor.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("executor.retry.max_attempts must be greater than zero")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token is required")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id is required")
		}
	}
	return nil
}

func (t *TiersConfig) validate() error {
	ordered := []TierConfig{t.Low, t.Medium, t.High, t.Emergency}
	names := []string{"low", "medium", "high", "emergency"}
	prev := 0.0
	for i, tier := range ordered {
		if tier.ThresholdPct <= prev {
			return fmt.Errorf("tiers.%s.threshold_pct must exceed the previous tier", names[i])
		}
		if tier.SlippageBps <= 0 {
			return fmt.Errorf("tiers.%s.slippage_bps must be greater than zero", names[i])
		}
		if tier.SizeFactor <= 0 || tier.SizeFactor > 1 {
			return fmt.Errorf("tiers.%s.size_factor must be in (0, 1]", names[i])
		}
		prev = tier.ThresholdPct
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
