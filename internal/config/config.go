package config

import (
	"errors"
	"fmt"
	"io/fs"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"anchored-view/internal/logging"
	"anchored-view/internal/oracle"
	"anchored-view/internal/registry"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Oracle    OracleConfig    `mapstructure:"oracle"`
	Assets    []AssetConfig   `mapstructure:"assets"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Ethereum  EthereumConfig  `mapstructure:"ethereum"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// OracleConfig holds the deployment-wide guard parameters.
type OracleConfig struct {
	Reporter string `mapstructure:"reporter"`
	// AnchorTolerance is a decimal fraction, e.g. "0.1" for 10%.
	AnchorTolerance string        `mapstructure:"anchor_tolerance"`
	AnchorPeriod    time.Duration `mapstructure:"anchor_period"`
	FutureTolerance time.Duration `mapstructure:"future_tolerance"`
}

// AssetConfig is one registry entry. Integer amounts are decimal strings so
// values such as "1e18" survive YAML and env decoding.
type AssetConfig struct {
	Symbol             string `mapstructure:"symbol"`
	Token              string `mapstructure:"token"`
	Underlying         string `mapstructure:"underlying"`
	BaseUnit           string `mapstructure:"base_unit"`
	PriceSource        string `mapstructure:"price_source"`
	FixedPrice         string `mapstructure:"fixed_price"`
	AnchorMarket       string `mapstructure:"anchor_market"`
	Reporter           string `mapstructure:"reporter"`
	ReporterMultiplier string `mapstructure:"reporter_multiplier"`
	AnchorReversed     bool   `mapstructure:"anchor_reversed"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// RedisConfig configures the published price cache.
type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// SchedulerConfig governs the bundle processing cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	FireOnStart     bool          `mapstructure:"fire_on_start"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	BatchSize       int           `mapstructure:"batch_size"`
}

// EthereumConfig covers on-chain pair access.
type EthereumConfig struct {
	RPCURL         string        `mapstructure:"rpc_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// AlertingConfig defines alert routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Cooldown time.Duration  `mapstructure:"cooldown"`
	Channels []string       `mapstructure:"channels"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes Telegram delivery.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults. A .env
// file in the working directory is applied to the environment first.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix("ANCHOREDVIEW")
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

func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
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
	v.SetDefault("app.name", "anchoredview")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("oracle.anchor_tolerance", "0.1")
	v.SetDefault("oracle.anchor_period", "30m")
	v.SetDefault("oracle.future_tolerance", "1h")

	v.SetDefault("scheduler.interval", "1m")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.fire_on_start", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x616e6368))
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.batch_size", 50)

	v.SetDefault("ethereum.request_timeout", "10s")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttl", "0s")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.cooldown", "30m")
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", ":9102")

	v.SetDefault("export.max_data_points", 100000)

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
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Scheduler.BatchSize <= 0 {
		return fmt.Errorf("scheduler.batch_size must be greater than zero")
	}
	if c.Oracle.Reporter != "" && !common.IsHexAddress(c.Oracle.Reporter) {
		return fmt.Errorf("oracle.reporter %q is not an address", c.Oracle.Reporter)
	}
	if c.Oracle.AnchorPeriod < 0 {
		return fmt.Errorf("oracle.anchor_period cannot be negative")
	}
	if _, err := c.toleranceMantissa(); err != nil {
		return err
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr is required when metrics are enabled")
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

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}

func (c *Config) toleranceMantissa() (*big.Int, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(c.Oracle.AnchorTolerance))
	if err != nil {
		return nil, fmt.Errorf("oracle.anchor_tolerance: %w", err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("oracle.anchor_tolerance cannot be negative")
	}
	return d.Shift(18).BigInt(), nil
}

// OracleParams translates the oracle section into core parameters.
func (c *Config) OracleParams() (oracle.Params, error) {
	tol, err := c.toleranceMantissa()
	if err != nil {
		return oracle.Params{}, err
	}
	var reporter common.Address
	if c.Oracle.Reporter != "" {
		reporter = common.HexToAddress(c.Oracle.Reporter)
	}
	return oracle.Params{
		Reporter:                reporter,
		AnchorToleranceMantissa: tol,
		AnchorPeriod:            c.Oracle.AnchorPeriod,
		FutureTolerance:         c.Oracle.FutureTolerance,
	}, nil
}

// TokenConfigs translates the assets section into registry input. Registry
// invariants are checked by registry.New, not here.
func (c *Config) TokenConfigs() ([]registry.TokenConfig, error) {
	out := make([]registry.TokenConfig, 0, len(c.Assets))
	for i, a := range c.Assets {
		tc, err := a.tokenConfig()
		if err != nil {
			return nil, fmt.Errorf("assets[%d] %s: %w", i, a.Symbol, err)
		}
		out = append(out, tc)
	}
	return out, nil
}

func (a AssetConfig) tokenConfig() (registry.TokenConfig, error) {
	source, err := registry.ParsePriceSource(a.PriceSource)
	if err != nil {
		return registry.TokenConfig{}, err
	}

	tc := registry.TokenConfig{
		Symbol:         strings.TrimSpace(a.Symbol),
		PriceSource:    source,
		AnchorReversed: a.AnchorReversed,
	}

	addrs := []struct {
		name string
		in   string
		out  *common.Address
	}{
		{"token", a.Token, &tc.Token},
		{"underlying", a.Underlying, &tc.Underlying},
		{"anchor_market", a.AnchorMarket, &tc.AnchorMarket},
		{"reporter", a.Reporter, &tc.Reporter},
	}
	for _, f := range addrs {
		if f.in == "" {
			continue
		}
		if !common.IsHexAddress(f.in) {
			return registry.TokenConfig{}, fmt.Errorf("%s %q is not an address", f.name, f.in)
		}
		*f.out = common.HexToAddress(f.in)
	}

	ints := []struct {
		name string
		in   string
		out  **big.Int
	}{
		{"base_unit", a.BaseUnit, &tc.BaseUnit},
		{"fixed_price", a.FixedPrice, &tc.FixedPrice},
		{"reporter_multiplier", a.ReporterMultiplier, &tc.ReporterMultiplier},
	}
	for _, f := range ints {
		if f.in == "" {
			continue
		}
		v, err := parseInteger(f.in)
		if err != nil {
			return registry.TokenConfig{}, fmt.Errorf("%s: %w", f.name, err)
		}
		*f.out = v
	}

	return tc, nil
}

func parseInteger(s string) (*big.Int, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return nil, err
	}
	if !d.IsInteger() || d.IsNegative() {
		return nil, fmt.Errorf("%q is not a non-negative integer", s)
	}
	return d.BigInt(), nil
}
