// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"trade_engine/internal/core"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	Principal float64          `yaml:"principal"`
	System    SystemConfig     `yaml:"system"`
	Telemetry TelemetryConfig  `yaml:"telemetry"`
	Engine    EngineConfig     `yaml:"engine"`
	Exchange  ExchangeConfig   `yaml:"exchange"`
	Instances []InstanceConfig `yaml:"instances"`
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel string `yaml:"log_level"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
	// Span and OTel log record sinks: "", "stdout", "stderr" or a file path
	TraceOutput string `yaml:"trace_output"`
	LogOutput   string `yaml:"log_output"`
}

// EngineConfig tunes the bus, the order pool and the ledger maintenance sweep
type EngineConfig struct {
	BusCapacity   int           `yaml:"bus_capacity"`
	SignalBuffer  int           `yaml:"signal_buffer"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	AckTimeout    time.Duration `yaml:"ack_timeout"`
	OrderTTL      time.Duration `yaml:"order_ttl"`
	ArchiveLimit  int           `yaml:"archive_limit"`
	OrderWorkers  int           `yaml:"order_workers"`
	Paper         bool          `yaml:"paper"`
}

// ExchangeConfig contains exchange endpoint settings. Credentials never live in the file.
type ExchangeConfig struct {
	Testnet          bool          `yaml:"testnet"`
	RESTURL          string        `yaml:"rest_url"`
	StreamURL        string        `yaml:"stream_url"`
	RateLimit        float64       `yaml:"rate_limit"`
	RateLimitBurst   int           `yaml:"rate_limit_burst"`
	ListenKeyRefresh time.Duration `yaml:"listen_key_refresh"`
}

// InstanceConfig configures one traded instrument
type InstanceConfig struct {
	ID                string           `yaml:"id"`
	Symbol            string           `yaml:"symbol"`
	Mode              string           `yaml:"mode"`
	StopLoss          float64          `yaml:"stop_loss"`
	TakeProfit        float64          `yaml:"take_profit"`
	Principal         float64          `yaml:"principal"`
	PricePrecision    int32            `yaml:"price_precision"`
	QuantityPrecision int32            `yaml:"quantity_precision"`
	Strategies        []StrategyConfig `yaml:"strategies"`
}

// StrategyConfig configures one strategy of an instance
type StrategyConfig struct {
	ID            string  `yaml:"id"`
	Type          string  `yaml:"type"`
	Interval      string  `yaml:"interval"`
	Period        int     `yaml:"period"`
	BuyThreshold  float64 `yaml:"buy_threshold"`
	SellThreshold float64 `yaml:"sell_threshold"`
	Threshold     float64 `yaml:"threshold"`
}

// Strategy type names
const (
	StrategyRSI = "rsi"
	StrategyATR = "atr"
)

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable expansion
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes, normalizes and validates a YAML document
func Parse(data []byte) (*Config, error) {
	expandedData := expandEnvVars(string(data))

	var config Config
	if err := yaml.Unmarshal([]byte(expandedData), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.System.LogLevel == "" {
		c.System.LogLevel = "INFO"
	}
	if c.Telemetry.MetricsPort == 0 {
		c.Telemetry.MetricsPort = 9100
	}

	e := &c.Engine
	if e.BusCapacity == 0 {
		e.BusCapacity = 1024
	}
	if e.SignalBuffer == 0 {
		e.SignalBuffer = 256
	}
	if e.SweepInterval == 0 {
		e.SweepInterval = time.Second
	}
	if e.AckTimeout == 0 {
		e.AckTimeout = 30 * time.Second
	}
	if e.OrderTTL == 0 {
		e.OrderTTL = 24 * time.Hour
	}
	if e.ArchiveLimit == 0 {
		e.ArchiveLimit = 10000
	}
	if e.OrderWorkers == 0 {
		e.OrderWorkers = 4
	}

	if c.Exchange.RateLimit == 0 {
		c.Exchange.RateLimit = 25
	}
	if c.Exchange.RateLimitBurst == 0 {
		c.Exchange.RateLimitBurst = 30
	}
	if c.Exchange.ListenKeyRefresh == 0 {
		c.Exchange.ListenKeyRefresh = 30 * time.Minute
	}

	for i := range c.Instances {
		inst := &c.Instances[i]
		inst.Symbol = string(core.NormalizeSymbol(inst.Symbol))
		inst.Mode = strings.ToLower(strings.TrimSpace(inst.Mode))
		if inst.Mode == "" {
			inst.Mode = string(core.ModeOr)
		}
		if inst.Principal == 0 {
			inst.Principal = c.Principal
		}
		if inst.PricePrecision == 0 {
			inst.PricePrecision = 2
		}
		if inst.QuantityPrecision == 0 {
			inst.QuantityPrecision = 5
		}
		for j := range inst.Strategies {
			inst.Strategies[j].Type = strings.ToLower(strings.TrimSpace(inst.Strategies[j].Type))
		}
	}
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errors []string

	if err := c.validateSystemConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if err := c.validateEngineConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	for _, err := range c.validateInstances() {
		errors = append(errors, err.Error())
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errors, "\n"))
	}

	return nil
}

func (c *Config) validateSystemConfig() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		return ValidationError{
			Field:   "system.log_level",
			Value:   c.System.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	return nil
}

func (c *Config) validateEngineConfig() error {
	if c.Engine.BusCapacity < 1 {
		return ValidationError{Field: "engine.bus_capacity", Value: c.Engine.BusCapacity, Message: "must be positive"}
	}
	if c.Engine.SweepInterval < 0 || c.Engine.AckTimeout < 0 || c.Engine.OrderTTL < 0 {
		return ValidationError{Field: "engine", Message: "durations must not be negative"}
	}
	if c.Engine.OrderWorkers < 1 {
		return ValidationError{Field: "engine.order_workers", Value: c.Engine.OrderWorkers, Message: "must be positive"}
	}
	return nil
}

func (c *Config) validateInstances() []error {
	if len(c.Instances) == 0 {
		return []error{ValidationError{Field: "instances", Message: "at least one instance is required"}}
	}

	var errs []error
	symbols := make(map[string]bool)
	ids := make(map[string]string)

	checkID := func(field, id string) {
		if id == "" {
			return
		}
		if prev, dup := ids[id]; dup {
			errs = append(errs, ValidationError{Field: field, Value: id, Message: "id already used by " + prev})
			return
		}
		ids[id] = field
	}

	for i, inst := range c.Instances {
		prefix := fmt.Sprintf("instances[%d]", i)
		checkID(prefix+".id", inst.ID)

		if inst.Symbol == "" {
			errs = append(errs, ValidationError{Field: prefix + ".symbol", Message: "symbol is required"})
		} else if symbols[inst.Symbol] {
			errs = append(errs, ValidationError{Field: prefix + ".symbol", Value: inst.Symbol, Message: "only one instance per symbol is allowed"})
		}
		symbols[inst.Symbol] = true

		if inst.Mode != string(core.ModeOr) {
			errs = append(errs, ValidationError{Field: prefix + ".mode", Value: inst.Mode, Message: "must be one of: or"})
		}
		if inst.StopLoss < 0 || inst.StopLoss >= 1 {
			errs = append(errs, ValidationError{Field: prefix + ".stop_loss", Value: inst.StopLoss, Message: "must be in [0, 1)"})
		}
		if inst.TakeProfit < 0 {
			errs = append(errs, ValidationError{Field: prefix + ".take_profit", Value: inst.TakeProfit, Message: "must not be negative"})
		}
		if inst.Principal <= 0 {
			errs = append(errs, ValidationError{Field: prefix + ".principal", Value: inst.Principal, Message: "principal must be positive (set it per instance or globally)"})
		}
		if inst.PricePrecision < 0 || inst.QuantityPrecision < 0 {
			errs = append(errs, ValidationError{Field: prefix, Message: "precisions must not be negative"})
		}
		if len(inst.Strategies) == 0 {
			errs = append(errs, ValidationError{Field: prefix + ".strategies", Message: "at least one strategy is required"})
		}

		for j, s := range inst.Strategies {
			field := fmt.Sprintf("%s.strategies[%d]", prefix, j)
			checkID(field+".id", s.ID)
			if err := s.validate(field); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errs
}

func (s StrategyConfig) validate(field string) error {
	if _, err := core.ParseInterval(s.Interval); err != nil {
		return ValidationError{
			Field:   field + ".interval",
			Value:   s.Interval,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(core.ValidIntervals(), ", ")),
		}
	}
	if s.Period < 1 {
		return ValidationError{Field: field + ".period", Value: s.Period, Message: "must be at least 1"}
	}

	switch s.Type {
	case StrategyRSI:
		if s.BuyThreshold < 0 || s.SellThreshold > 100 || s.BuyThreshold >= s.SellThreshold {
			return ValidationError{
				Field:   field,
				Value:   fmt.Sprintf("buy=%v sell=%v", s.BuyThreshold, s.SellThreshold),
				Message: "rsi thresholds must satisfy 0 <= buy_threshold < sell_threshold <= 100",
			}
		}
	case StrategyATR:
		if s.Threshold <= 0 {
			return ValidationError{Field: field + ".threshold", Value: s.Threshold, Message: "atr threshold must be positive"}
		}
	default:
		return ValidationError{Field: field + ".type", Value: s.Type, Message: "must be one of: rsi, atr"}
	}
	return nil
}

// String returns a YAML rendering of the configuration
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// Helper functions

func expandEnvVars(s string) string {
	return os.Expand(s, os.Getenv)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// DefaultConfig returns a minimal valid configuration for testing
func DefaultConfig() *Config {
	cfg := &Config{
		Principal: 1000,
		Engine:    EngineConfig{Paper: true},
		Instances: []InstanceConfig{
			{
				ID:       "btc",
				Symbol:   "BTCUSDT",
				Mode:     string(core.ModeOr),
				StopLoss: 0.05,
				Strategies: []StrategyConfig{
					{ID: "btc-rsi-1h", Type: StrategyRSI, Interval: "1h", Period: 14, BuyThreshold: 30, SellThreshold: 70},
				},
			},
		},
	}
	cfg.applyDefaults()
	return cfg
}
