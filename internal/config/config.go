// Package config loads and validates the engine configuration from YAML,
// with environment variable expansion for secrets and paths.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the complete engine configuration.
type Config struct {
	System   SystemConfig   `yaml:"system"`
	Exchange ExchangeConfig `yaml:"exchange"`
	Trading  TradingConfig  `yaml:"trading"`
	Klines   []KlineConfig  `yaml:"klines"`
}

// SystemConfig contains process-level settings.
type SystemConfig struct {
	LogLevel string `yaml:"log_level"`
}

// ExchangeConfig identifies the venue and its connection parameters.
type ExchangeConfig struct {
	Name          string `yaml:"name"`
	FeedURL       string `yaml:"feed_url"`
	ReferencePath string `yaml:"reference_path"`

	// OrderRateLimit is the sustained outbound gateway requests per second;
	// OrderRateBurst the bucket size. Zero disables pacing.
	OrderRateLimit float64 `yaml:"order_rate_limit"`
	OrderRateBurst int     `yaml:"order_rate_burst"`
}

// TradingConfig contains the account and symbol setup.
type TradingConfig struct {
	Symbols []string `yaml:"symbols"`

	// AccountType selects the inventory model: spot, inverse-margin or
	// mixed-margin.
	AccountType string `yaml:"account_type"`
	// DualSide enables separate long/short position buckets and mandatory
	// offsets on orders.
	DualSide bool `yaml:"dual_side"`

	Leverage           float64            `yaml:"leverage"`
	MaxAccountPosition float64            `yaml:"max_account_position"`
	Balances           map[string]float64 `yaml:"balances"`
	EmergentBalances   map[string]float64 `yaml:"emergent_balances"`
}

// KlineConfig describes one bar stream built for every traded symbol.
type KlineConfig struct {
	FreqSeconds  int `yaml:"freq_seconds"`
	ShiftSeconds int `yaml:"shift_seconds"`
	MaxLength    int `yaml:"max_length"`
}

// ValidationError reports one invalid configuration field.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// Load reads, expands and validates a configuration file.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

var validLogLevels = []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
var validAccountTypes = []string{"spot", "inverse-margin", "mixed-margin"}

// Validate checks every section and collects all failures into one error.
func (c *Config) Validate() error {
	var errs []string
	for _, check := range []func() error{
		c.validateSystem,
		c.validateExchange,
		c.validateTrading,
		c.validateKlines,
	} {
		if err := check(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errs, "\n"))
	}
	return nil
}

func (c *Config) validateSystem() error {
	if c.System.LogLevel == "" {
		c.System.LogLevel = "INFO"
	}
	if !contains(validLogLevels, strings.ToUpper(c.System.LogLevel)) {
		return ValidationError{
			Field:   "system.log_level",
			Value:   c.System.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLogLevels, ", ")),
		}
	}
	return nil
}

func (c *Config) validateExchange() error {
	if c.Exchange.Name == "" {
		return ValidationError{Field: "exchange.name", Message: "exchange name is required"}
	}
	if c.Exchange.ReferencePath == "" {
		return ValidationError{Field: "exchange.reference_path", Message: "instrument reference path is required"}
	}
	if c.Exchange.OrderRateLimit < 0 {
		return ValidationError{
			Field:   "exchange.order_rate_limit",
			Value:   c.Exchange.OrderRateLimit,
			Message: "must not be negative",
		}
	}
	if c.Exchange.OrderRateLimit > 0 && c.Exchange.OrderRateBurst <= 0 {
		c.Exchange.OrderRateBurst = 1
	}
	return nil
}

func (c *Config) validateTrading() error {
	if len(c.Trading.Symbols) == 0 {
		return ValidationError{Field: "trading.symbols", Message: "at least one symbol is required"}
	}
	if c.Trading.AccountType == "" {
		c.Trading.AccountType = "spot"
	}
	if !contains(validAccountTypes, c.Trading.AccountType) {
		return ValidationError{
			Field:   "trading.account_type",
			Value:   c.Trading.AccountType,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validAccountTypes, ", ")),
		}
	}
	if c.Trading.AccountType != "spot" && c.Trading.Leverage <= 0 {
		return ValidationError{
			Field:   "trading.leverage",
			Value:   c.Trading.Leverage,
			Message: "margin accounts require a positive leverage",
		}
	}
	if c.Trading.MaxAccountPosition < 0 {
		return ValidationError{
			Field:   "trading.max_account_position",
			Value:   c.Trading.MaxAccountPosition,
			Message: "must not be negative",
		}
	}
	return nil
}

func (c *Config) validateKlines() error {
	for i, k := range c.Klines {
		if k.FreqSeconds <= 0 {
			return ValidationError{
				Field:   fmt.Sprintf("klines[%d].freq_seconds", i),
				Value:   k.FreqSeconds,
				Message: "must be positive",
			}
		}
		if k.ShiftSeconds < 0 || k.ShiftSeconds >= k.FreqSeconds {
			return ValidationError{
				Field:   fmt.Sprintf("klines[%d].shift_seconds", i),
				Value:   k.ShiftSeconds,
				Message: "must be in [0, freq_seconds)",
			}
		}
		if k.MaxLength <= 0 {
			return ValidationError{
				Field:   fmt.Sprintf("klines[%d].max_length", i),
				Value:   k.MaxLength,
				Message: "must be positive",
			}
		}
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
