package config

import (
	"time"

	"github.com/spf13/viper"
)

// Task names known to the scheduler.
const (
	TaskSQLMaintenance = "sql_maintenance"
	TaskStatusSync     = "status_sync"
)

// Default message texts.
const (
	DefaultTextOnlyMsg     = "Sorry, I can only reply to text messages."
	DefaultGeneralErrorMsg = "Sorry, something went wrong while processing your message. Please try again later."
	DefaultEchoPrefix      = "Echo: "
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.json", false)

	v.SetDefault("database.path", "botfleet.db")
	v.SetDefault("database.max_history_messages", 50)
	v.SetDefault("database.operation_timeout", 5*time.Second)
	v.SetDefault("database.read_retries", 3)

	v.SetDefault("gemini.api_key", "")
	v.SetDefault("gemini.model_name", "gemini-2.0-flash")
	v.SetDefault("gemini.temperature", 0.7)
	v.SetDefault("gemini.max_retries", 2)
	v.SetDefault("gemini.retry_delay", 2*time.Second)
	v.SetDefault("gemini.request_timeout", 60*time.Second)
	v.SetDefault("gemini.breaker_max_failures", 5)
	v.SetDefault("gemini.breaker_reset_interval", 30*time.Second)

	v.SetDefault("telegram.poll_timeout", 30*time.Second)
	v.SetDefault("telegram.send_timeout", 10*time.Second)

	v.SetDefault("orchestrator.stop_grace_period", 10*time.Second)
	v.SetDefault("orchestrator.resume_running", false)

	v.SetDefault("admin.addr", "127.0.0.1:8080")
	v.SetDefault("admin.allowed_origins", []string{"*"})

	v.SetDefault("scheduler.tasks", map[string]any{
		TaskSQLMaintenance: map[string]any{"enabled": true, "schedule": "0 0 4 * * *"},
		TaskStatusSync:     map[string]any{"enabled": true, "schedule": "0 */5 * * * *"},
	})

	v.SetDefault("messages.text_only", DefaultTextOnlyMsg)
	v.SetDefault("messages.general_error", DefaultGeneralErrorMsg)
	v.SetDefault("messages.echo_prefix", DefaultEchoPrefix)
}
