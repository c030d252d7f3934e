// Package config loads and validates the process configuration.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidationError describes a single invalid configuration field.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation failed for %s=%v: %s", e.Field, e.Value, e.Message)
}

// Config is the full process configuration.
type Config struct {
	Logging  LoggingConfig  `yaml:"logging"`
	Exchange ExchangeConfig `yaml:"exchange"`
	Trading  TradingConfig  `yaml:"trading"`
	Risk     RiskConfig     `yaml:"risk"`
	State    StateConfig    `yaml:"state"`
	Telegram TelegramConfig `yaml:"telegram"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type ExchangeConfig struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	Testnet   bool   `yaml:"testnet"`
	// RequestsPerSecond bounds outgoing REST calls.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
}

type TradingConfig struct {
	TickIntervalSeconds int    `yaml:"tick_interval_seconds"`
	SymbolsConfigPath   string `yaml:"symbols_config_path"`
	ConfigReloadSeconds int    `yaml:"config_reload_seconds"`

	// Defaults applied when the symbols file is absent or sparse.
	DefaultSymbol   string `yaml:"default_symbol"`
	DefaultLeverage int    `yaml:"default_leverage"`

	PrimaryInterval     string `yaml:"primary_interval"`
	TriggerInterval     string `yaml:"trigger_interval"`
	SLReferenceInterval string `yaml:"sl_reference_interval"`

	MAType    string  `yaml:"ma_type"`
	BBLength  int     `yaml:"bb_length"`
	MultOrig  float64 `yaml:"mult_orig"`
	MultNew   float64 `yaml:"mult_new"`
	DataLimit int     `yaml:"data_limit_primary"`

	// FixedQuantity seeds the generated symbols file. Carried in the
	// per-symbol format; sizing never falls back to it.
	FixedQuantity float64 `yaml:"fixed_quantity"`
}

type RiskConfig struct {
	UseFixedMonetaryRisk  bool    `yaml:"use_fixed_monetary_risk"`
	FixedMonetaryRisk     float64 `yaml:"fixed_monetary_risk_per_trade"`
	UsePercentageRisk     bool    `yaml:"use_percentage_risk"`
	RiskPercentage        float64 `yaml:"risk_percentage_per_trade"`
	UseMartingaleRecovery bool    `yaml:"use_martingale_loss_recovery"`
	RiskRewardMultiplier  float64 `yaml:"risk_reward_multiplier"`
}

type StateConfig struct {
	FilePath    string `yaml:"file_path"`
	JournalPath string `yaml:"journal_path"`
}

type TelegramConfig struct {
	Enabled            bool   `yaml:"enabled"`
	BotToken           string `yaml:"bot_token"`
	ChatID             string `yaml:"chat_id"`
	PollTimeoutSeconds int    `yaml:"poll_timeout_seconds"`
}

type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

// Load reads, env-expands, unmarshals and validates a config file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := expandEnvVars(string(raw))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// expandEnvVars substitutes ${VAR} references with environment values.
func expandEnvVars(s string) string {
	return os.Expand(s, func(key string) string {
		return os.Getenv(key)
	})
}

// DefaultConfig returns a configuration with sane defaults. Used as the
// unmarshal base and directly in tests.
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info"},
		Exchange: ExchangeConfig{
			RequestsPerSecond: 8,
		},
		Trading: TradingConfig{
			TickIntervalSeconds: 15,
			SymbolsConfigPath:   "symbols_config.json",
			ConfigReloadSeconds: 300,
			DefaultLeverage:     5,
			PrimaryInterval:     "5m",
			TriggerInterval:     "1m",
			SLReferenceInterval: "15m",
			MAType:              "SMA",
			BBLength:            20,
			MultOrig:            2.0,
			MultNew:             1.0,
			DataLimit:           300,
			FixedQuantity:       0.1,
		},
		Risk: RiskConfig{
			UseFixedMonetaryRisk:  true,
			FixedMonetaryRisk:     1.0,
			UseMartingaleRecovery: true,
			RiskRewardMultiplier:  10.0,
		},
		State: StateConfig{
			FilePath: "bot_state.json",
		},
		Telegram: TelegramConfig{PollTimeoutSeconds: 25},
		Metrics:  MetricsConfig{ListenAddr: ":9090"},
	}
}

// Validate checks every section.
func (c *Config) Validate() error {
	if err := c.Exchange.validate(); err != nil {
		return err
	}
	if err := c.Trading.validate(); err != nil {
		return err
	}
	if err := c.Risk.validate(); err != nil {
		return err
	}
	if err := c.State.validate(); err != nil {
		return err
	}
	if err := c.Telegram.validate(); err != nil {
		return err
	}
	return nil
}

func (e ExchangeConfig) validate() error {
	if e.APIKey == "" {
		return ValidationError{Field: "exchange.api_key", Value: "", Message: "must not be empty"}
	}
	if e.APISecret == "" {
		return ValidationError{Field: "exchange.api_secret", Value: "", Message: "must not be empty"}
	}
	if e.RequestsPerSecond <= 0 {
		return ValidationError{Field: "exchange.requests_per_second", Value: e.RequestsPerSecond, Message: "must be positive"}
	}
	return nil
}

func (t TradingConfig) validate() error {
	if t.TickIntervalSeconds <= 0 {
		return ValidationError{Field: "trading.tick_interval_seconds", Value: t.TickIntervalSeconds, Message: "must be positive"}
	}
	for _, iv := range []struct {
		field, value string
	}{
		{"trading.primary_interval", t.PrimaryInterval},
		{"trading.trigger_interval", t.TriggerInterval},
		{"trading.sl_reference_interval", t.SLReferenceInterval},
	} {
		if _, err := IntervalDuration(iv.value); err != nil {
			return ValidationError{Field: iv.field, Value: iv.value, Message: err.Error()}
		}
	}
	if t.BBLength < 2 {
		return ValidationError{Field: "trading.bb_length", Value: t.BBLength, Message: "must be at least 2"}
	}
	if t.MultOrig <= 0 || t.MultNew <= 0 {
		return ValidationError{Field: "trading.mult_orig/mult_new", Value: fmt.Sprintf("%v/%v", t.MultOrig, t.MultNew), Message: "multipliers must be positive"}
	}
	if t.DataLimit < t.BBLength+1 {
		return ValidationError{Field: "trading.data_limit_primary", Value: t.DataLimit, Message: "must cover bb_length+1 candles"}
	}
	return nil
}

func (r RiskConfig) validate() error {
	if r.UseFixedMonetaryRisk == r.UsePercentageRisk {
		return ValidationError{Field: "risk.use_fixed_monetary_risk", Value: r.UseFixedMonetaryRisk, Message: "exactly one risk source must be enabled"}
	}
	if r.UseFixedMonetaryRisk && r.FixedMonetaryRisk <= 0 {
		return ValidationError{Field: "risk.fixed_monetary_risk_per_trade", Value: r.FixedMonetaryRisk, Message: "must be positive"}
	}
	if r.UsePercentageRisk && (r.RiskPercentage <= 0 || r.RiskPercentage > 100) {
		return ValidationError{Field: "risk.risk_percentage_per_trade", Value: r.RiskPercentage, Message: "must be in (0, 100]"}
	}
	if r.RiskRewardMultiplier <= 0 {
		return ValidationError{Field: "risk.risk_reward_multiplier", Value: r.RiskRewardMultiplier, Message: "must be positive"}
	}
	return nil
}

func (s StateConfig) validate() error {
	if s.FilePath == "" {
		return ValidationError{Field: "state.file_path", Value: "", Message: "must not be empty"}
	}
	return nil
}

func (t TelegramConfig) validate() error {
	if t.Enabled && (t.BotToken == "" || t.ChatID == "") {
		return ValidationError{Field: "telegram.bot_token", Value: "", Message: "token and chat_id required when telegram is enabled"}
	}
	return nil
}

// MaskString hides all but the edges of a secret for logging.
func MaskString(s string) string {
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}
