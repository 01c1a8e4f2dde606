package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"protocol-monitor/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig                 `mapstructure:"app"`
	Logging   logging.Config            `mapstructure:"logging"`
	Database  DatabaseConfig            `mapstructure:"database"`
	Scheduler SchedulerConfig           `mapstructure:"scheduler"`
	DefiLlama DefiLlamaConfig           `mapstructure:"defillama"`
	Ethereum  EthereumConfig            `mapstructure:"ethereum"`
	Detection DetectionConfig           `mapstructure:"detection"`
	Notify    NotifyConfig              `mapstructure:"notify"`
	API       APIConfig                 `mapstructure:"api"`
	Export    ExportConfig              `mapstructure:"export"`
	Protocols map[string]ProtocolConfig `mapstructure:"protocols"`
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

// SchedulerConfig governs sampling cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// DefiLlamaConfig captures TVL source connectivity.
type DefiLlamaConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelay     time.Duration `mapstructure:"retry_delay"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// EthereumConfig covers on-chain market reads for lending protocols.
type EthereumConfig struct {
	RPCURL         string        `mapstructure:"rpc_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// DetectionConfig holds anomaly thresholds and the dedup window.
type DetectionConfig struct {
	TVLDrop24hPercent     float64       `mapstructure:"tvl_drop_24h_percent"`
	APYMinPercent         float64       `mapstructure:"apy_min_percent"`
	UtilizationMaxPercent float64       `mapstructure:"utilization_max_percent"`
	DedupWindow           time.Duration `mapstructure:"dedup_window"`
}

// NotifyConfig defines outbound alert routing.
type NotifyConfig struct {
	Slack SlackConfig `mapstructure:"slack"`
}

// SlackConfig describes the Slack incoming-webhook sink.
type SlackConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	WebhookURL     string        `mapstructure:"webhook_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// APIConfig governs the read-only reporting API.
type APIConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Listen          string        `mapstructure:"listen"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// ProtocolConfig is static per-protocol metadata, read-only at runtime.
type ProtocolConfig struct {
	Name          string `mapstructure:"name"`
	LlamaSlug     string `mapstructure:"llama_slug"`
	Type          string `mapstructure:"type"`
	Chain         string `mapstructure:"chain"`
	MarketAddress string `mapstructure:"market_address"`
}

// ProtocolTypeLending marks protocols subject to utilization checks.
const ProtocolTypeLending = "lending"

// Lending reports whether the protocol is a lending market.
func (p ProtocolConfig) Lending() bool {
	return p.Type == ProtocolTypeLending
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PROTOMON")
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
	v.SetDefault("app.name", "protomon")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("scheduler.interval", "15m")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x70726d6e))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("defillama.base_url", "https://api.llama.fi")
	v.SetDefault("defillama.request_timeout", "10s")
	v.SetDefault("defillama.max_retries", 3)
	v.SetDefault("defillama.retry_delay", "2s")
	v.SetDefault("defillama.user_agent", "protomon/1.0")

	v.SetDefault("ethereum.request_timeout", "10s")

	v.SetDefault("detection.tvl_drop_24h_percent", 20.0)
	v.SetDefault("detection.apy_min_percent", 2.0)
	v.SetDefault("detection.utilization_max_percent", 95.0)
	v.SetDefault("detection.dedup_window", "1h")

	v.SetDefault("notify.slack.enabled", false)
	v.SetDefault("notify.slack.request_timeout", "10s")

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.listen", ":8080")
	v.SetDefault("api.read_timeout", "15s")
	v.SetDefault("api.write_timeout", "15s")
	v.SetDefault("api.shutdown_timeout", "10s")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")

	v.SetDefault("protocols", map[string]any{
		"aave-v3": map[string]any{
			"name":       "Aave V3",
			"llama_slug": "aave-v3",
			"type":       "lending",
			"chain":      "ethereum",
		},
		"compound-v3": map[string]any{
			"name":       "Compound V3",
			"llama_slug": "compound-v3",
			"type":       "lending",
			"chain":      "ethereum",
		},
	})
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
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Detection.TVLDrop24hPercent < 0 {
		return fmt.Errorf("detection.tvl_drop_24h_percent cannot be negative")
	}
	if c.Detection.APYMinPercent < 0 {
		return fmt.Errorf("detection.apy_min_percent cannot be negative")
	}
	if c.Detection.UtilizationMaxPercent < 0 {
		return fmt.Errorf("detection.utilization_max_percent cannot be negative")
	}
	if c.Detection.DedupWindow <= 0 {
		return fmt.Errorf("detection.dedup_window must be greater than zero")
	}
	if c.DefiLlama.MaxRetries < 1 {
		return fmt.Errorf("defillama.max_retries must be at least 1")
	}
	if c.Notify.Slack.Enabled && c.Notify.Slack.WebhookURL == "" {
		return fmt.Errorf("notify.slack.webhook_url is required when slack is enabled")
	}
	if c.API.Enabled && c.API.Listen == "" {
		return fmt.Errorf("api.listen is required when the api is enabled")
	}
	if len(c.Protocols) == 0 {
		return fmt.Errorf("at least one protocol must be configured")
	}
	for id, proto := range c.Protocols {
		if proto.LlamaSlug == "" {
			return fmt.Errorf("protocols.%s.llama_slug is required", id)
		}
	}
	return nil
}

// ProtocolIDs returns configured protocol identifiers in sorted order.
func (c *Config) ProtocolIDs() []string {
	ids := make([]string, 0, len(c.Protocols))
	for id := range c.Protocols {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
