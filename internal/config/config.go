package config

import (
	"fmt"
	"time"

	"condor/internal/types"

	"github.com/mitchellh/mapstructure"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Broker     BrokerConfig     `mapstructure:"broker"`
	Risk       RiskConfig       `mapstructure:"risk"`
	Strategies StrategiesConfig `mapstructure:"strategies"`
	History    HistoryConfig    `mapstructure:"history"`
	Notify     NotifyConfig     `mapstructure:"notify"`
}

type AppConfig struct {
	Env      string `mapstructure:"env"`
	LogLevel string `mapstructure:"log_level"`
	HTTPAddr string `mapstructure:"http_addr"`
	LogPath  string `mapstructure:"log_path"`
}

type BrokerConfig struct {
	Endpoint            string `mapstructure:"endpoint"`
	ClientID            int    `mapstructure:"client_id"`
	HandshakeTimeoutSec int    `mapstructure:"handshake_timeout_seconds"`
	IdleTimeoutSec      int    `mapstructure:"idle_timeout_seconds"`
	MaxConnectAttempts  int    `mapstructure:"max_connect_attempts"`
	QueryTimeoutSec     int    `mapstructure:"query_timeout_seconds"`
}

type RiskConfig struct {
	MaxContractsPerOrder int64   `mapstructure:"max_contracts_per_order"`
	MaxOpenContracts     int64   `mapstructure:"max_open_contracts"`
	MaxOrdersPerMinute   int     `mapstructure:"max_orders_per_minute"`
	DailyLossLimit       float64 `mapstructure:"daily_loss_limit"`
	BlackoutMinutes      int     `mapstructure:"blackout_minutes_before_close"`
	MarketClose          string  `mapstructure:"market_close"`
	MarketTZ             string  `mapstructure:"market_tz"`
	QuoteMaxAgeSec       int     `mapstructure:"quote_max_age_seconds"`
}

type StrategiesConfig struct {
	File string `mapstructure:"file"`
}

type HistoryConfig struct {
	Path string `mapstructure:"path"`
}

type NotifyConfig struct {
	Telegram TelegramConfig `mapstructure:"telegram"`
}

type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
}

// Load reads and validates the YAML config at path.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config path cannot be empty")
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file failed (%s): %w", path, err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.WeaklyTypedInput = true
	}); err != nil {
		return nil, fmt.Errorf("parsing config failed: %w", err)
	}
	cfg.applyDefaults()
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.App.LogLevel == "" {
		c.App.LogLevel = "info"
	}
	if c.App.HTTPAddr == "" {
		c.App.HTTPAddr = ":8700"
	}
	if c.Broker.ClientID == 0 {
		c.Broker.ClientID = 1
	}
	if c.Broker.MaxConnectAttempts == 0 {
		c.Broker.MaxConnectAttempts = 10
	}
	if c.Risk.MarketClose == "" {
		c.Risk.MarketClose = "16:00"
	}
	if c.Risk.MarketTZ == "" {
		c.Risk.MarketTZ = "America/New_York"
	}
	if c.Risk.QuoteMaxAgeSec == 0 {
		c.Risk.QuoteMaxAgeSec = 10
	}
	if c.History.Path == "" {
		c.History.Path = "data/trades.db"
	}
}

func validate(c *Config) error {
	if c.Broker.Endpoint == "" {
		return fmt.Errorf("broker.endpoint is required")
	}
	if c.Risk.MaxContractsPerOrder <= 0 {
		return fmt.Errorf("risk.max_contracts_per_order must be positive")
	}
	if c.Risk.MaxOpenContracts < c.Risk.MaxContractsPerOrder {
		return fmt.Errorf("risk.max_open_contracts cannot be below max_contracts_per_order")
	}
	if _, err := time.LoadLocation(c.Risk.MarketTZ); err != nil {
		return fmt.Errorf("risk.market_tz: %w", err)
	}
	return nil
}

// Limits converts the risk section into the immutable snapshot handed to the
// gate and pipeline.
func (c *Config) Limits() types.RiskLimits {
	return types.RiskLimits{
		MaxContractsPerOrder: c.Risk.MaxContractsPerOrder,
		MaxOpenContracts:     c.Risk.MaxOpenContracts,
		MaxOrdersPerMinute:   c.Risk.MaxOrdersPerMinute,
		DailyLossLimit:       decimal.NewFromFloat(c.Risk.DailyLossLimit),
		BlackoutBeforeClose:  time.Duration(c.Risk.BlackoutMinutes) * time.Minute,
		MarketClose:          c.Risk.MarketClose,
		MarketTZ:             c.Risk.MarketTZ,
		QuoteMaxAge:          time.Duration(c.Risk.QuoteMaxAgeSec) * time.Second,
	}
}

// BrokerSession converts the broker section into session settings.
func (c *Config) BrokerSession() (endpoint string, clientID int, handshake, idle, query time.Duration, maxAttempts int) {
	return c.Broker.Endpoint,
		c.Broker.ClientID,
		time.Duration(c.Broker.HandshakeTimeoutSec) * time.Second,
		time.Duration(c.Broker.IdleTimeoutSec) * time.Second,
		time.Duration(c.Broker.QueryTimeoutSec) * time.Second,
		c.Broker.MaxConnectAttempts
}
