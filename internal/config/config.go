package config

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"negotiation-hive/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Server    ServerConfig    `mapstructure:"server"`
	Safety    SafetyConfig    `mapstructure:"safety"`
	Reasoning ReasoningConfig `mapstructure:"reasoning"`
	Crypto    CryptoConfig    `mapstructure:"crypto"`
	Events    EventsConfig    `mapstructure:"events"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Heartbeat HeartbeatConfig `mapstructure:"heartbeat"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
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

// RedisConfig backs the vitals cache and the event streams.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// ServerConfig governs the HTTP API and per-stage deadlines.
type ServerConfig struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	StageTimeout time.Duration `mapstructure:"stage_timeout"`
	SkillTimeout time.Duration `mapstructure:"skill_timeout"`
}

// SafetyConfig feeds the economic guard.
type SafetyConfig struct {
	MinProfitMargin float64 `mapstructure:"min_profit_margin"`
}

// ReasoningConfig selects the decision strategy.
type ReasoningConfig struct {
	Mode         string        `mapstructure:"mode"`
	Endpoint     string        `mapstructure:"endpoint"`
	Timeout      time.Duration `mapstructure:"timeout"`
	TriggerPrice float64       `mapstructure:"trigger_price"`
	UserAgent    string        `mapstructure:"user_agent"`
}

// CryptoConfig covers escrow settlement on Solana.
type CryptoConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Currency       string        `mapstructure:"currency"`
	Network        string        `mapstructure:"network"`
	RPCURL         string        `mapstructure:"rpc_url"`
	WalletAddress  string        `mapstructure:"wallet_address"`
	TokenAccount   string        `mapstructure:"token_account"`
	EncryptionKey  string        `mapstructure:"encryption_key"`
	DealTTL        time.Duration `mapstructure:"deal_ttl"`
	MemoLength     int           `mapstructure:"memo_length"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	SignatureLimit int           `mapstructure:"signature_limit"`
}

// EventsConfig routes binary events onto redis streams.
type EventsConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	StreamPrefix string `mapstructure:"stream_prefix"`
	MaxLen       int64  `mapstructure:"max_len"`
	Service      string `mapstructure:"service"`
}

// TelemetryConfig describes metrics sources and trace export.
type TelemetryConfig struct {
	PrometheusURL string        `mapstructure:"prometheus_url"`
	CacheTTL      time.Duration `mapstructure:"cache_ttl"`
	QueryTimeout  time.Duration `mapstructure:"query_timeout"`
	OTLPEndpoint  string        `mapstructure:"otlp_endpoint"`
	OTLPInsecure  bool          `mapstructure:"otlp_insecure"`
	SampleRate    float64       `mapstructure:"sample_rate"`
}

// HeartbeatConfig drives the synthetic negotiation loop.
type HeartbeatConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	ItemID          string        `mapstructure:"item_id"`
	BidMultiplier   float64       `mapstructure:"bid_multiplier"`
	AgentDID        string        `mapstructure:"agent_did"`
	AgentReputation float64       `mapstructure:"agent_reputation"`
}

// AlertingConfig defines operator notifications.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Channels []string       `mapstructure:"channels"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HIVE")
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
	v.SetDefault("app.name", "negotiation-hive")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("redis.db", 0)

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.stage_timeout", "15s")
	v.SetDefault("server.skill_timeout", "10s")

	v.SetDefault("safety.min_profit_margin", 0.1)

	v.SetDefault("reasoning.mode", "rule")
	v.SetDefault("reasoning.timeout", "20s")
	v.SetDefault("reasoning.trigger_price", 1000.0)

	v.SetDefault("crypto.enabled", false)
	v.SetDefault("crypto.currency", "SOL")
	v.SetDefault("crypto.network", "devnet")
	v.SetDefault("crypto.deal_ttl", "1h")
	v.SetDefault("crypto.memo_length", 8)
	v.SetDefault("crypto.request_timeout", "10s")
	v.SetDefault("crypto.signature_limit", 20)

	v.SetDefault("events.enabled", true)
	v.SetDefault("events.stream_prefix", "aura.hive")
	v.SetDefault("events.max_len", int64(10000))
	v.SetDefault("events.service", "core")

	v.SetDefault("telemetry.cache_ttl", "30s")
	v.SetDefault("telemetry.query_timeout", "5s")
	v.SetDefault("telemetry.otlp_insecure", true)
	v.SetDefault("telemetry.sample_rate", 1.0)

	v.SetDefault("heartbeat.enabled", false)
	v.SetDefault("heartbeat.interval", "1m")
	v.SetDefault("heartbeat.align_to_bucket", false)
	v.SetDefault("heartbeat.startup_delay", "5s")
	v.SetDefault("heartbeat.advisory_lock_key", int64(0x48495645))
	v.SetDefault("heartbeat.bid_multiplier", 1.2)
	v.SetDefault("heartbeat.agent_did", "did:aura:heartbeat")
	v.SetDefault("heartbeat.agent_reputation", 1.0)

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.max_data_points", 5000)
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
	if c.Safety.MinProfitMargin < 0 || c.Safety.MinProfitMargin >= 1 {
		return fmt.Errorf("safety.min_profit_margin must be within [0,1)")
	}
	if c.Server.StageTimeout <= 0 {
		return fmt.Errorf("server.stage_timeout must be greater than zero")
	}
	switch strings.ToLower(c.Reasoning.Mode) {
	case "rule":
	case "remote":
		if c.Reasoning.Endpoint == "" {
			return fmt.Errorf("reasoning.endpoint is required when reasoning.mode is remote")
		}
	default:
		return fmt.Errorf("reasoning.mode must be rule or remote, got %q", c.Reasoning.Mode)
	}
	if c.Crypto.Enabled {
		if err := c.Crypto.validate(); err != nil {
			return err
		}
	}
	if c.Heartbeat.Enabled {
		if c.Heartbeat.Interval <= 0 {
			return fmt.Errorf("heartbeat.interval must be greater than zero")
		}
		if c.Heartbeat.ItemID == "" {
			return fmt.Errorf("heartbeat.item_id is required when heartbeat is enabled")
		}
		if c.Heartbeat.BidMultiplier <= 0 {
			return fmt.Errorf("heartbeat.bid_multiplier must be greater than zero")
		}
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		return fmt.Errorf("telemetry.sample_rate must be within [0,1]")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	return nil
}

func (c CryptoConfig) validate() error {
	if c.RPCURL == "" {
		return fmt.Errorf("crypto.rpc_url is required when crypto is enabled")
	}
	if c.WalletAddress == "" {
		return fmt.Errorf("crypto.wallet_address is required when crypto is enabled")
	}
	switch strings.ToUpper(c.Currency) {
	case "SOL":
	case "USDC":
		if c.TokenAccount == "" {
			return fmt.Errorf("crypto.token_account is required for USDC settlement")
		}
	default:
		return fmt.Errorf("crypto.currency must be SOL or USDC, got %q", c.Currency)
	}
	if _, err := c.Key(); err != nil {
		return err
	}
	if c.DealTTL <= 0 {
		return fmt.Errorf("crypto.deal_ttl must be greater than zero")
	}
	if c.MemoLength < 4 || c.MemoLength > 32 {
		return fmt.Errorf("crypto.memo_length must be within [4,32]")
	}
	return nil
}

// Key decodes the base64 secret encryption key.
func (c CryptoConfig) Key() ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(c.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("crypto.encryption_key must be base64: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("crypto.encryption_key must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
