package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config is the full configuration surface of the client core. All durations
// are expressed in milliseconds in config files to match the mobile shell's
// conventions, and converted on access.
type Config struct {
	Breaker   BreakerConfig   `mapstructure:"breaker"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Token     TokenConfig     `mapstructure:"token"`
	Pinning   PinningConfig   `mapstructure:"pinning"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

type BreakerConfig struct {
	FailureThreshold      int     `mapstructure:"failure_threshold" validate:"gt=0"`
	RecoveryTimeoutMs     int     `mapstructure:"recovery_timeout_ms" validate:"gt=0"`
	RecoveryBackoffFactor float64 `mapstructure:"recovery_backoff_factor" validate:"gte=1"`
}

type RetryConfig struct {
	MaxRetries         int  `mapstructure:"max_retries" validate:"gt=0"`
	BaseDelayMs        int  `mapstructure:"base_delay_ms" validate:"gt=0"`
	MaxDelayMs         int  `mapstructure:"max_delay_ms" validate:"gt=0"`
	ExponentialBackoff bool `mapstructure:"exponential_backoff"`
}

type TokenConfig struct {
	EncryptionEnabled    bool `mapstructure:"encryption_enabled"`
	DeviceBindingEnabled bool `mapstructure:"device_binding_enabled"`
	SafetyMarginMs       int  `mapstructure:"safety_margin_ms" validate:"gte=0"`
	GraceWindowMs        int  `mapstructure:"grace_window_ms" validate:"gte=0"`
}

type PinningConfig struct {
	StrictMode bool                `mapstructure:"strict_mode"`
	CacheTTLMs int                 `mapstructure:"cache_ttl_ms" validate:"gt=0"`
	Pins       map[string][]string `mapstructure:"pins"`
}

type RateLimitConfig struct {
	PerMinute int `mapstructure:"per_minute" validate:"gte=0"`
	PerHour   int `mapstructure:"per_hour" validate:"gte=0"`
}

func (c BreakerConfig) RecoveryTimeout() time.Duration {
	return time.Duration(c.RecoveryTimeoutMs) * time.Millisecond
}

func (c RetryConfig) BaseDelay() time.Duration {
	return time.Duration(c.BaseDelayMs) * time.Millisecond
}

func (c RetryConfig) MaxDelay() time.Duration {
	return time.Duration(c.MaxDelayMs) * time.Millisecond
}

func (c TokenConfig) SafetyMargin() time.Duration {
	return time.Duration(c.SafetyMarginMs) * time.Millisecond
}

func (c TokenConfig) GraceWindow() time.Duration {
	return time.Duration(c.GraceWindowMs) * time.Millisecond
}

func (c PinningConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLMs) * time.Millisecond
}

// Default returns the configuration used when no file overrides are present.
func Default() *Config {
	return &Config{
		Breaker: BreakerConfig{
			FailureThreshold:      5,
			RecoveryTimeoutMs:     30000,
			RecoveryBackoffFactor: 1.0,
		},
		Retry: RetryConfig{
			MaxRetries:         3,
			BaseDelayMs:        1000,
			MaxDelayMs:         30000,
			ExponentialBackoff: true,
		},
		Token: TokenConfig{
			EncryptionEnabled:    true,
			DeviceBindingEnabled: true,
			SafetyMarginMs:       30000,
			GraceWindowMs:        60000,
		},
		Pinning: PinningConfig{
			StrictMode: true,
			CacheTTLMs: 300000,
		},
		RateLimit: RateLimitConfig{
			PerMinute: 60,
			PerHour:   1000,
		},
	}
}

// Load reads configuration from a YAML file and environment variables
// (prefix HOY_CORE, dots replaced by underscores), layered over Default.
func Load(path string) (*Config, error) {
	vip := viper.New()
	if path != "" {
		vip.SetConfigFile(path)
	} else {
		vip.SetConfigName("core")
		vip.AddConfigPath("./configs")
		vip.AddConfigPath(".")
	}
	vip.SetConfigType("yaml")
	vip.SetEnvPrefix("HOY_CORE")
	vip.AutomaticEnv()
	vip.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(vip, Default())

	if err := vip.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := vip.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate applies the struct-tag rules to cfg.
func Validate(cfg *Config) error {
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func setDefaults(vip *viper.Viper, d *Config) {
	vip.SetDefault("breaker.failure_threshold", d.Breaker.FailureThreshold)
	vip.SetDefault("breaker.recovery_timeout_ms", d.Breaker.RecoveryTimeoutMs)
	vip.SetDefault("breaker.recovery_backoff_factor", d.Breaker.RecoveryBackoffFactor)
	vip.SetDefault("retry.max_retries", d.Retry.MaxRetries)
	vip.SetDefault("retry.base_delay_ms", d.Retry.BaseDelayMs)
	vip.SetDefault("retry.max_delay_ms", d.Retry.MaxDelayMs)
	vip.SetDefault("retry.exponential_backoff", d.Retry.ExponentialBackoff)
	vip.SetDefault("token.encryption_enabled", d.Token.EncryptionEnabled)
	vip.SetDefault("token.device_binding_enabled", d.Token.DeviceBindingEnabled)
	vip.SetDefault("token.safety_margin_ms", d.Token.SafetyMarginMs)
	vip.SetDefault("token.grace_window_ms", d.Token.GraceWindowMs)
	vip.SetDefault("pinning.strict_mode", d.Pinning.StrictMode)
	vip.SetDefault("pinning.cache_ttl_ms", d.Pinning.CacheTTLMs)
	vip.SetDefault("rate_limit.per_minute", d.RateLimit.PerMinute)
	vip.SetDefault("rate_limit.per_hour", d.RateLimit.PerHour)
}
