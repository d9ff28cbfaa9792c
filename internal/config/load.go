package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, e.g. FLARE_SERVER_PORT.
const EnvPrefix = "FLARE"

// setDefaults registers every key so AutomaticEnv can resolve it.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.environment", "development")
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.port", 8080)

	v.SetDefault("database.url", "")

	v.SetDefault("queue.batch_size", 10)
	v.SetDefault("queue.poll_interval", "1s")
	v.SetDefault("queue.max_attempts", 5)
	v.SetDefault("queue.retry_delay", "30s")
	v.SetDefault("queue.visibility_timeout", "2m")

	v.SetDefault("cache.default_ttl", "1h")

	v.SetDefault("actor.idle_timeout", "10s")
	v.SetDefault("actor.budget", "30s")

	v.SetDefault("workflow.worker_count", 4)
	v.SetDefault("workflow.poll_interval", "2s")
	v.SetDefault("workflow.step_max_attempts", 5)
	v.SetDefault("workflow.retry_base_delay", "10s")
	v.SetDefault("workflow.stale_after", "15m")
	v.SetDefault("workflow.maintenance_schedule", "@every 1m")

	v.SetDefault("email.api_key", "")
	v.SetDefault("email.sender_address", "")
	v.SetDefault("email.sender_name", "")
	v.SetDefault("email.admin_email", "")
	v.SetDefault("email.rate_limit", 20)
	v.SetDefault("email.rate_window_seconds", 60)

	v.SetDefault("llm.gemini_api_key", "")
	v.SetDefault("llm.model_name", "gemini-2.0-flash")

	v.SetDefault("version.repository", "du2333/flare-stack-blog")
	v.SetDefault("version.current", "v0.0.0")

	v.SetDefault("metrics.enabled", true)
}

// Load configuration from environment variables and optionally a config file.
// Environment variables take precedence over values from config files.
// Returns a populated Config struct or an error if loading/validation fails.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks cfg against its struct tags.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}
