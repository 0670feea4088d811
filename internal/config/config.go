package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"spreadwatcher/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	FX        FXConfig        `mapstructure:"fx"`
	Feeds     FeedsConfig     `mapstructure:"feeds"`
	Families  []FamilyConfig  `mapstructure:"families"`
	Alerting  AlertingConfig  `mapstructure:"-"`
	Server    ServerConfig    `mapstructure:"server"`
	Publish   PublishConfig   `mapstructure:"publish"`
	Export    ExportConfig    `mapstructure:"export"`

	// AlertingErr is set when the alerting section could not be decoded; alerting
	// is then left disabled.
	AlertingErr error `mapstructure:"-"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
	Timezone    string `mapstructure:"timezone"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	EnsureSchema    bool          `mapstructure:"ensure_schema"`
}

// RedisConfig is used by the redis cooldown backend.
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// SchedulerConfig governs refresh cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	RunOnStart      bool          `mapstructure:"run_on_start"`
}

// FXConfig selects where the currency conversion rate comes from.
type FXConfig struct {
	Source         string          `mapstructure:"source"`
	Rate           float64         `mapstructure:"rate"`
	URL            string          `mapstructure:"url"`
	Field          string          `mapstructure:"field"`
	RequestTimeout time.Duration   `mapstructure:"request_timeout"`
	Chainlink      ChainlinkConfig `mapstructure:"chainlink"`
}

// ChainlinkConfig covers an on-chain AggregatorV3 FX feed.
type ChainlinkConfig struct {
	RPCURL     string `mapstructure:"rpc_url"`
	Aggregator string `mapstructure:"aggregator"`
	Invert     bool   `mapstructure:"invert"`
}

// FeedsConfig holds the bar feeds of both legs.
type FeedsConfig struct {
	Domestic FeedConfig `mapstructure:"domestic"`
	Foreign  FeedConfig `mapstructure:"foreign"`
}

// FeedConfig describes an HTTP bar endpoint. URL contains a {symbol} placeholder.
type FeedConfig struct {
	URL            string        `mapstructure:"url"`
	TimeLayout     string        `mapstructure:"time_layout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
	Currency       string        `mapstructure:"currency"`
	Unit           string        `mapstructure:"unit"`
}

// FamilyConfig is one commodity group sharing a spread table.
type FamilyConfig struct {
	Name       string           `mapstructure:"name"`
	Domestic   []ContractConfig `mapstructure:"domestic"`
	Foreign    []ContractConfig `mapstructure:"foreign"`
	UnitFactor float64          `mapstructure:"unit_factor" default:"31.1035"`
	Tolerance  time.Duration    `mapstructure:"tolerance" default:"30m"`
	SuffixLen  int              `mapstructure:"suffix_len" default:"4"`
}

// ContractConfig names a contract and its optional short alias.
type ContractConfig struct {
	Code  string `mapstructure:"code"`
	Short string `mapstructure:"short"`
}

// AlertingConfig defines alert thresholds and routing.
type AlertingConfig struct {
	Enabled    bool                  `mapstructure:"enabled"`
	Cooldown   time.Duration         `mapstructure:"cooldown"`
	Backend    string                `mapstructure:"backend"`
	Thresholds map[string]BandConfig `mapstructure:"thresholds"`
	Webhook    WebhookConfig         `mapstructure:"webhook"`
	Telegram   TelegramConfig        `mapstructure:"telegram"`
	Breaker    BreakerConfig         `mapstructure:"breaker"`
	RatePerMin float64               `mapstructure:"rate_per_min"`
}

// BandConfig is the accepted spread_percent range of a family.
type BandConfig struct {
	Min *float64 `mapstructure:"min"`
	Max *float64 `mapstructure:"max"`
}

// WebhookConfig posts alert text to an HTTP endpoint.
type WebhookConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// TelegramConfig describes the Telegram alert channel.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// BreakerConfig tunes the notifier circuit breaker.
type BreakerConfig struct {
	MaxFailures uint32        `mapstructure:"max_failures"`
	OpenTimeout time.Duration `mapstructure:"open_timeout"`
}

// ServerConfig controls the JSON HTTP router.
type ServerConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	HistoryLimit    int           `mapstructure:"history_limit"`
}

// PublishConfig holds downstream publishers of spread records.
type PublishConfig struct {
	Kafka KafkaConfig `mapstructure:"kafka"`
}

// KafkaConfig configures the spread-event topic.
type KafkaConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Brokers      []string      `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SPREADWATCHER")
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
	cfg.Alerting, cfg.AlertingErr = decodeAlerting(v)

	if err := cfg.applyFamilyDefaults(); err != nil {
		return nil, err
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
	v.SetDefault("app.name", "spreadwatcher")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.timezone", "Asia/Shanghai")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("scheduler.interval", "10m")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x73707264))
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.run_on_start", true)

	v.SetDefault("fx.source", "static")
	v.SetDefault("fx.rate", 7.04)
	v.SetDefault("fx.field", "rate")
	v.SetDefault("fx.request_timeout", "10s")

	v.SetDefault("feeds.domestic.request_timeout", "15s")
	v.SetDefault("feeds.domestic.user_agent", "spreadwatcher/1.0")
	v.SetDefault("feeds.domestic.currency", "CNY")
	v.SetDefault("feeds.domestic.unit", "g")
	v.SetDefault("feeds.foreign.request_timeout", "15s")
	v.SetDefault("feeds.foreign.user_agent", "spreadwatcher/1.0")
	v.SetDefault("feeds.foreign.currency", "USD")
	v.SetDefault("feeds.foreign.unit", "oz")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.cooldown", "60m")
	v.SetDefault("alerting.backend", "postgres")
	v.SetDefault("alerting.webhook.timeout", "10s")
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.breaker.max_failures", 5)
	v.SetDefault("alerting.breaker.open_timeout", "5m")
	v.SetDefault("alerting.rate_per_min", 30.0)

	v.SetDefault("redis.key_prefix", "spreadwatcher")

	v.SetDefault("server.enabled", false)
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.history_limit", 500)

	v.SetDefault("publish.kafka.enabled", false)
	v.SetDefault("publish.kafka.topic", "spread-records")
	v.SetDefault("publish.kafka.write_timeout", "10s")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.ensure_schema", true)
}

func decodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = decodeHooks()
	}
}

// decodeAlerting decodes the alerting section on its own. A malformed value
// yields a zero (disabled) AlertingConfig and the decode error.
func decodeAlerting(v *viper.Viper) (AlertingConfig, error) {
	var out AlertingConfig
	raw, ok := v.AllSettings()["alerting"]
	if !ok || raw == nil {
		return out, nil
	}

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &out,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
		DecodeHook:       decodeHooks(),
	})
	if err != nil {
		return AlertingConfig{}, fmt.Errorf("alerting decoder: %w", err)
	}
	if err := dec.Decode(raw); err != nil {
		return AlertingConfig{}, fmt.Errorf("decode alerting: %w", err)
	}
	return out, nil
}

// applyFamilyDefaults fills list elements viper defaults cannot reach.
func (c *Config) applyFamilyDefaults() error {
	for i := range c.Families {
		if err := defaults.Set(&c.Families[i]); err != nil {
			return fmt.Errorf("families[%d] defaults: %w", i, err)
		}
	}
	return nil
}

// Validate performs basic sanity checks on the pipeline configuration.
// Alerting settings are not validated here; a broken alert
// configuration disables alerting instead of preventing start-up.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if _, err := time.LoadLocation(c.App.Timezone); err != nil {
		return fmt.Errorf("app.timezone: %w", err)
	}
	switch c.FX.Source {
	case "static":
		if c.FX.Rate <= 0 {
			return fmt.Errorf("fx.rate must be greater than zero")
		}
	case "http":
		if c.FX.URL == "" {
			return fmt.Errorf("fx.url is required for fx.source=http")
		}
	case "chainlink":
		if c.FX.Chainlink.RPCURL == "" || c.FX.Chainlink.Aggregator == "" {
			return fmt.Errorf("fx.chainlink.rpc_url and fx.chainlink.aggregator are required for fx.source=chainlink")
		}
	default:
		return fmt.Errorf("fx.source %q not supported", c.FX.Source)
	}

	seen := make(map[string]struct{}, len(c.Families))
	for i, fam := range c.Families {
		if fam.Name == "" {
			return fmt.Errorf("families[%d].name is required", i)
		}
		if _, dup := seen[fam.Name]; dup {
			return fmt.Errorf("families[%d].name %q duplicated", i, fam.Name)
		}
		seen[fam.Name] = struct{}{}
		if len(fam.Domestic) == 0 || len(fam.Foreign) == 0 {
			return fmt.Errorf("family %s needs at least one domestic and one foreign contract", fam.Name)
		}
		if fam.UnitFactor <= 0 {
			return fmt.Errorf("family %s: unit_factor must be greater than zero", fam.Name)
		}
		if fam.Tolerance <= 0 {
			return fmt.Errorf("family %s: tolerance must be greater than zero", fam.Name)
		}
	}
	return nil
}

// Family returns the named family configuration.
func (c *Config) Family(name string) (FamilyConfig, bool) {
	for _, fam := range c.Families {
		if fam.Name == name {
			return fam, true
		}
	}
	return FamilyConfig{}, false
}

// Location resolves the reference time zone of naive feed timestamps.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.App.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
