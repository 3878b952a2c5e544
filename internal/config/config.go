// Package config provides configuration loading, validation, and defaults
// for botfleet. Values come from a YAML file, BOTFLEET_* environment
// variables, and built-in defaults, in decreasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/edgard/botfleet/internal/apperr"
)

// EnvPrefix is the prefix for environment variable overrides, e.g.
// BOTFLEET_GEMINI_API_KEY.
const EnvPrefix = "BOTFLEET"

// Config holds the application configuration.
type Config struct {
	Logger       LoggerConfig       `mapstructure:"logger"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Gemini       GeminiConfig       `mapstructure:"gemini"`
	Telegram     TelegramConfig     `mapstructure:"telegram"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Admin        AdminConfig        `mapstructure:"admin"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler"`
	Messages     MessagesConfig     `mapstructure:"messages"`
}

// LoggerConfig controls the slog handler.
type LoggerConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `mapstructure:"json"`
}

// DatabaseConfig configures the sqlite store.
type DatabaseConfig struct {
	Path string `mapstructure:"path" validate:"required"`
	// MaxHistoryMessages bounds how much chat history is fed into a prompt.
	MaxHistoryMessages int           `mapstructure:"max_history_messages" validate:"min=1,max=1000"`
	OperationTimeout   time.Duration `mapstructure:"operation_timeout"    validate:"min=100ms,max=1m"`
	ReadRetries        int           `mapstructure:"read_retries"         validate:"min=1,max=10"`
}

// GeminiConfig configures the completion service client.
type GeminiConfig struct {
	APIKey               string        `mapstructure:"api_key"                validate:"required"`
	ModelName            string        `mapstructure:"model_name"             validate:"required"`
	Temperature          float32       `mapstructure:"temperature"            validate:"min=0,max=2"`
	MaxRetries           int           `mapstructure:"max_retries"            validate:"min=0,max=10"`
	RetryDelay           time.Duration `mapstructure:"retry_delay"            validate:"min=0,max=1m"`
	RequestTimeout       time.Duration `mapstructure:"request_timeout"        validate:"min=1s,max=10m"`
	BreakerMaxFailures   int           `mapstructure:"breaker_max_failures"   validate:"min=1"`
	BreakerResetInterval time.Duration `mapstructure:"breaker_reset_interval" validate:"min=1s"`
}

// TelegramConfig configures the per-bot transport connections.
type TelegramConfig struct {
	PollTimeout time.Duration `mapstructure:"poll_timeout" validate:"min=1s,max=5m"`
	SendTimeout time.Duration `mapstructure:"send_timeout" validate:"min=1s,max=5m"`
}

// OrchestratorConfig configures worker lifecycle handling.
type OrchestratorConfig struct {
	StopGracePeriod time.Duration `mapstructure:"stop_grace_period" validate:"min=100ms,max=5m"`
	// ResumeRunning restarts bots whose persisted status is running at boot.
	// When false, every persisted status is reset to stopped instead.
	ResumeRunning bool `mapstructure:"resume_running"`
}

// AdminConfig configures the admin HTTP API.
type AdminConfig struct {
	Addr           string   `mapstructure:"addr"            validate:"required,hostname_port"`
	AllowedOrigins []string `mapstructure:"allowed_origins" validate:"min=1"`
}

// SchedulerConfig maps task names to their schedules.
type SchedulerConfig struct {
	Tasks map[string]TaskConfig `mapstructure:"tasks" validate:"dive"`
}

// TaskConfig configures a single scheduled task.
type TaskConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Schedule string `mapstructure:"schedule" validate:"required_if=Enabled true"`
}

// MessagesConfig holds the fixed texts workers send.
type MessagesConfig struct {
	TextOnly     string `mapstructure:"text_only"     validate:"required"`
	GeneralError string `mapstructure:"general_error" validate:"required"`
	EchoPrefix   string `mapstructure:"echo_prefix"`
}

// LoadConfig reads the configuration at path, applies defaults and
// environment overrides, and validates the result. A missing file is not an
// error; defaults and environment variables are used instead.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, apperr.New(apperr.ErrValidation, fmt.Sprintf("failed to read config file %s", path), err)
		}
		slog.Info("Config file not found, using defaults and environment", "path", path)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, apperr.New(apperr.ErrValidation, "failed to parse config", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cfg against its struct tags.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return apperr.New(apperr.ErrValidation, "invalid configuration", err)
	}
	return nil
}
