package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server   ServerConfig   `mapstructure:"server" validate:"required"`
	Database DatabaseConfig `mapstructure:"database"`
	Queue    QueueConfig    `mapstructure:"queue" validate:"required"`
	Cache    CacheConfig    `mapstructure:"cache" validate:"required"`
	Actor    ActorConfig    `mapstructure:"actor" validate:"required"`
	Workflow WorkflowConfig `mapstructure:"workflow" validate:"required"`
	Email    EmailConfig    `mapstructure:"email"`
	LLM      LLMConfig      `mapstructure:"llm"`
	Version  VersionConfig  `mapstructure:"version" validate:"required"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// ServerConfig contains process-wide settings.
type ServerConfig struct {
	Environment string `mapstructure:"environment" validate:"required,oneof=development test production"`
	LogLevel    string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
	// Port serves the ops endpoints (health, readiness, metrics).
	Port int `mapstructure:"port" validate:"required,gt=0,lt=65536"`
}

// IsProduction reports whether external side effects (email delivery) are live.
func (c ServerConfig) IsProduction() bool {
	return c.Environment == "production"
}

// DatabaseConfig selects the storage backend.
// A postgres:// URL selects PostgreSQL, any other non-empty value is treated
// as a SQLite file path, and an empty value keeps everything in memory.
type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

// QueueConfig controls the message consumer and its durable transport.
type QueueConfig struct {
	BatchSize         int           `mapstructure:"batch_size" validate:"gt=0,lte=100"`
	PollInterval      time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	MaxAttempts       int           `mapstructure:"max_attempts" validate:"gt=0"`
	RetryDelay        time.Duration `mapstructure:"retry_delay" validate:"gte=0"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout" validate:"gt=0"`
}

// CacheConfig contains cache-aside defaults.
type CacheConfig struct {
	DefaultTTL string `mapstructure:"default_ttl" validate:"required"`
}

// ActorConfig controls isolated compute actors.
type ActorConfig struct {
	// IdleTimeout is the delay between the last method call and the cleanup alarm.
	IdleTimeout time.Duration `mapstructure:"idle_timeout" validate:"gt=0"`
	// Budget bounds the wall-clock time of a single actor method.
	Budget time.Duration `mapstructure:"budget" validate:"gt=0"`
}

// WorkflowConfig controls the workflow orchestrator.
type WorkflowConfig struct {
	WorkerCount         int           `mapstructure:"worker_count" validate:"gt=0"`
	PollInterval        time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	StepMaxAttempts     int           `mapstructure:"step_max_attempts" validate:"gt=0"`
	RetryBaseDelay      time.Duration `mapstructure:"retry_base_delay" validate:"gt=0"`
	StaleAfter          time.Duration `mapstructure:"stale_after" validate:"gt=0"`
	MaintenanceSchedule string        `mapstructure:"maintenance_schedule" validate:"required"`
}

// EmailConfig holds delivery settings. Delivery is disabled, not broken,
// when APIKey or SenderAddress is empty.
type EmailConfig struct {
	APIKey            string `mapstructure:"api_key"`
	SenderAddress     string `mapstructure:"sender_address" validate:"omitempty,email"`
	SenderName        string `mapstructure:"sender_name"`
	AdminEmail        string `mapstructure:"admin_email" validate:"omitempty,email"`
	RateLimit         int    `mapstructure:"rate_limit" validate:"gte=0"`
	RateWindowSeconds int    `mapstructure:"rate_window_seconds" validate:"gt=0"`
}

// LLMConfig contains the comment moderation model settings.
// Moderation falls back to local rules when GeminiAPIKey is empty.
type LLMConfig struct {
	GeminiAPIKey string `mapstructure:"gemini_api_key"`
	ModelName    string `mapstructure:"model_name" validate:"required_with=GeminiAPIKey"`
}

// VersionConfig configures the update check.
type VersionConfig struct {
	Repository string `mapstructure:"repository" validate:"required"`
	Current    string `mapstructure:"current" validate:"required"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}
