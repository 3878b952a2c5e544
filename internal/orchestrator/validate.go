package orchestrator

import (
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/edgard/botfleet/internal/apperr"
	"github.com/edgard/botfleet/internal/database"
	"github.com/edgard/botfleet/internal/pipeline"
)

// ValidateConfig checks a bot configuration document.
func ValidateConfig(v *validator.Validate, cfg database.BotConfig) error {
	if err := v.Struct(cfg); err != nil {
		return apperr.New(apperr.ErrValidation, "invalid bot configuration", err)
	}
	if cfg.EffectiveMode() == database.ModeDispatch {
		if _, err := pipeline.ParseTemplate(cfg.PromptTemplate); err != nil {
			return apperr.New(apperr.ErrValidation, "prompt template does not parse", err)
		}
	}
	return nil
}

func validateCredentials(token, handle string) error {
	if strings.TrimSpace(token) == "" {
		return apperr.New(apperr.ErrValidation, "credential token is required", nil)
	}
	if strings.ContainsAny(handle, " \t\n") {
		return apperr.Errorf(apperr.ErrValidation, "handle %q must not contain whitespace", handle)
	}
	return nil
}
