// Package config loads service configuration from file and environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config is the full service configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Log        LogConfig        `mapstructure:"log"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Settlement SettlementConfig `mapstructure:"settlement"`
	WS         WSConfig         `mapstructure:"ws"`
	Engine     EngineConfig     `mapstructure:"engine"`
	Markets    []MarketConfig   `mapstructure:"markets"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type SettlementConfig struct {
	Endpoint         string        `mapstructure:"endpoint"`
	BatchSize        int           `mapstructure:"batch_size"`
	BatchTimeout     time.Duration `mapstructure:"batch_timeout"`
	MaxRetries       int           `mapstructure:"max_retries"`
	BaseDelay        time.Duration `mapstructure:"base_delay"`
	SyncInterval     time.Duration `mapstructure:"sync_interval"`
	MaxResubmissions int           `mapstructure:"max_resubmissions"`
}

type WSConfig struct {
	ReplaySize int `mapstructure:"replay_size"`
	SendBuffer int `mapstructure:"send_buffer"`
}

type EngineConfig struct {
	QueueDepth     int           `mapstructure:"queue_depth"`
	ExpiryInterval time.Duration `mapstructure:"expiry_interval"`
}

// MarketConfig describes one market as configured; converted to a model
// market at startup.
type MarketConfig struct {
	ID               string `mapstructure:"id"`
	BaseAsset        string `mapstructure:"base_asset"`
	QuoteAsset       string `mapstructure:"quote_asset"`
	TickSize         string `mapstructure:"tick_size"`
	LotSize          string `mapstructure:"lot_size"`
	MinOrderSize     string `mapstructure:"min_order_size"`
	MaxOrdersPerSide int    `mapstructure:"max_orders_per_side"`
}

// Load reads configuration from velora.yaml (working directory or /etc/velora)
// with VELORA_* environment overrides.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("velora")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/velora")
	v.SetEnvPrefix("velora")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("database.path", "velora.db")
	v.SetDefault("settlement.endpoint", "http://localhost:9090")
	v.SetDefault("settlement.batch_size", 50)
	v.SetDefault("settlement.max_resubmissions", 3)
	v.SetDefault("settlement.batch_timeout", 500*time.Millisecond)
	v.SetDefault("settlement.max_retries", 3)
	v.SetDefault("settlement.base_delay", 200*time.Millisecond)
	v.SetDefault("settlement.sync_interval", time.Second)
	v.SetDefault("ws.replay_size", 1024)
	v.SetDefault("ws.send_buffer", 256)
	v.SetDefault("engine.queue_depth", 4096)
	v.SetDefault("engine.expiry_interval", time.Second)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Decimal parses a decimal config field, returning an error naming the field.
func Decimal(field, value string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("config field %s: %w", field, err)
	}
	return d, nil
}
