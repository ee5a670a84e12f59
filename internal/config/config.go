// Package config loads and validates engine configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Breaker   BreakerConfig   `mapstructure:"breaker"`
	Degrade   DegradeConfig   `mapstructure:"degrade"`
	Alerts    AlertsConfig    `mapstructure:"alerts"`
	Cleanup   CleanupConfig   `mapstructure:"cleanup"`
	Analyzer  AnalyzerConfig  `mapstructure:"analyzer"`
	Publisher PublisherConfig `mapstructure:"publisher"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// EngineConfig governs job admission and per-target execution.
type EngineConfig struct {
	MaxConcurrentJobs int `mapstructure:"max_concurrent_jobs"`
	TargetTimeoutMs   int `mapstructure:"target_timeout_ms"`
}

// RetryConfig controls the retry executor.
type RetryConfig struct {
	Attempts    int `mapstructure:"attempts"`
	BaseDelayMs int `mapstructure:"base_delay_ms"`
	MaxDelayMs  int `mapstructure:"max_delay_ms"`
}

// BreakerConfig controls the per-host circuit breaker.
type BreakerConfig struct {
	Threshold int `mapstructure:"threshold"`
	WindowMs  int `mapstructure:"window_ms"`
}

// DegradeConfig sets the partial-result scores per failure class.
type DegradeConfig struct {
	NetworkScore float64 `mapstructure:"network_score"`
	ParsingScore float64 `mapstructure:"parsing_score"`
	ServiceScore float64 `mapstructure:"service_score"`
}

// AlertsConfig tunes error-rate alerting.
type AlertsConfig struct {
	RatePerMinute float64 `mapstructure:"rate_per_minute"`
}

// CleanupConfig controls retention of terminal jobs.
type CleanupConfig struct {
	MaxAgeHours     int `mapstructure:"max_age_hours"`
	IntervalMinutes int `mapstructure:"interval_minutes"`
}

// AnalyzerConfig configures the default Colly analyzer.
type AnalyzerConfig struct {
	UserAgent      string `mapstructure:"user_agent"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// PublisherConfig holds metadata for publish-subscribe notifications.
// Provider is "memory" or "pubsub".
type PublisherConfig struct {
	Provider  string `mapstructure:"provider"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SITEGAUGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("engine.max_concurrent_jobs", 5)
	v.SetDefault("engine.target_timeout_ms", 30000)
	v.SetDefault("retry.attempts", 3)
	v.SetDefault("retry.base_delay_ms", 1000)
	v.SetDefault("retry.max_delay_ms", 30000)
	v.SetDefault("breaker.threshold", 5)
	v.SetDefault("breaker.window_ms", 300000)
	v.SetDefault("degrade.network_score", 0)
	v.SetDefault("degrade.parsing_score", 25)
	v.SetDefault("degrade.service_score", 60)
	v.SetDefault("alerts.rate_per_minute", 5)
	v.SetDefault("cleanup.max_age_hours", 24)
	v.SetDefault("cleanup.interval_minutes", 15)
	v.SetDefault("analyzer.timeout_seconds", 15)
	v.SetDefault("publisher.provider", "memory")
	v.SetDefault("publisher.topic_name", "analysis-events")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Engine.MaxConcurrentJobs <= 0 {
		return fmt.Errorf("engine.max_concurrent_jobs must be > 0")
	}
	if c.Engine.TargetTimeoutMs <= 0 {
		return fmt.Errorf("engine.target_timeout_ms must be > 0")
	}
	if c.Retry.Attempts <= 0 {
		return fmt.Errorf("retry.attempts must be > 0")
	}
	if c.Breaker.Threshold <= 0 {
		return fmt.Errorf("breaker.threshold must be > 0")
	}
	if c.Breaker.WindowMs <= 0 {
		return fmt.Errorf("breaker.window_ms must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Publisher.Provider {
	case "memory":
	case "pubsub":
		if c.Publisher.ProjectID == "" || c.Publisher.TopicName == "" {
			return fmt.Errorf("publisher.project_id and publisher.topic_name must be set for pubsub")
		}
	default:
		return fmt.Errorf("publisher.provider must be memory or pubsub, got %q", c.Publisher.Provider)
	}
	return nil
}

// TargetTimeout converts the per-target budget to a duration.
func (c Config) TargetTimeout() time.Duration {
	return time.Duration(c.Engine.TargetTimeoutMs) * time.Millisecond
}

// RetryBaseDelay converts the retry base delay to a duration.
func (c Config) RetryBaseDelay() time.Duration {
	return time.Duration(c.Retry.BaseDelayMs) * time.Millisecond
}

// RetryMaxDelay converts the retry delay ceiling to a duration.
func (c Config) RetryMaxDelay() time.Duration {
	return time.Duration(c.Retry.MaxDelayMs) * time.Millisecond
}

// BreakerWindow converts the breaker window to a duration.
func (c Config) BreakerWindow() time.Duration {
	return time.Duration(c.Breaker.WindowMs) * time.Millisecond
}

// CleanupMaxAge converts the retention limit to a duration.
func (c Config) CleanupMaxAge() time.Duration {
	return time.Duration(c.Cleanup.MaxAgeHours) * time.Hour
}

// CleanupInterval converts the sweep cadence to a duration.
func (c Config) CleanupInterval() time.Duration {
	return time.Duration(c.Cleanup.IntervalMinutes) * time.Minute
}

// AnalyzerTimeout converts the analyzer fetch budget to a duration.
func (c Config) AnalyzerTimeout() time.Duration {
	return time.Duration(c.Analyzer.TimeoutSeconds) * time.Second
}
