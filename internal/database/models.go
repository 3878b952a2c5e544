package database

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// BotStatus mirrors whether a bot has a running worker. The orchestrator's
// in-memory registry is authoritative; this value is kept for display.
type BotStatus string

// Bot statuses.
const (
	BotStatusStopped BotStatus = "stopped"
	BotStatusRunning BotStatus = "running"
)

// Reply modes for BotConfig.Mode.
const (
	ModeEcho     = "echo"
	ModeDispatch = "dispatch"
)

// BotConfig is the structured configuration document stored with a bot.
type BotConfig struct {
	Name string `json:"name" validate:"required"`
	// Mode selects echo replies or the action-dispatch pipeline. Empty means
	// dispatch when a prompt template is set, echo otherwise.
	Mode string `json:"mode,omitempty" validate:"omitempty,oneof=echo dispatch"`
	// PromptTemplate is a text/template with {{.ChatHistory}} and
	// {{.ProductSearchResult}} placeholders.
	PromptTemplate string         `json:"prompt_template,omitempty" validate:"required_if=Mode dispatch"`
	ProductCatalog string         `json:"product_catalog,omitempty"`
	Extra          map[string]any `json:"extra,omitempty"`
}

// EffectiveMode resolves an empty Mode.
func (c BotConfig) EffectiveMode() string {
	if c.Mode != "" {
		return c.Mode
	}
	if c.PromptTemplate != "" {
		return ModeDispatch
	}
	return ModeEcho
}

// Value stores the configuration as JSON text.
func (c BotConfig) Value() (driver.Value, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to encode bot config: %w", err)
	}
	return string(b), nil
}

// Scan decodes a JSON text column into the configuration.
func (c *BotConfig) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	case nil:
		*c = BotConfig{}
		return nil
	default:
		return fmt.Errorf("unsupported bot config column type %T", src)
	}
	var decoded BotConfig
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return fmt.Errorf("failed to decode bot config: %w", err)
	}
	*c = decoded
	return nil
}

// Bot is one configured, independently credentialed chat-responding identity.
type Bot struct {
	ID        string    `db:"bot_id"`
	Token     string    `db:"token"`
	Handle    string    `db:"handle"`
	Config    BotConfig `db:"config"`
	Status    BotStatus `db:"status"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// Chat is one conversation between end users and a bot. Identity is the
// (ChatID, BotID) pair.
type Chat struct {
	ChatID    string    `db:"chat_id"`
	BotID     string    `db:"bot_id"`
	Name      string    `db:"chat_name"`
	CreatedAt time.Time `db:"created_at"`
}

// Message is one append-only history entry. ID is assigned by the store and
// breaks timestamp ties when reading history back.
type Message struct {
	ID        int64     `db:"message_id"`
	ChatID    string    `db:"chat_id"`
	BotID     string    `db:"bot_id"`
	Text      string    `db:"message_text"`
	IsFromBot bool      `db:"is_from_bot"`
	Timestamp time.Time `db:"timestamp"`
}
