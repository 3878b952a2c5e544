// Package pipeline turns an inbound chat message plus history into reply
// text, either by echoing it or through a bounded action-dispatch flow that
// may consult the bot's product catalog once before answering.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"text/template"
	"time"

	"github.com/edgard/botfleet/internal/apperr"
	"github.com/edgard/botfleet/internal/database"
	"github.com/edgard/botfleet/internal/gemini"
	"github.com/edgard/botfleet/internal/logger"
)

// Completer is the completion service contract the pipeline consumes.
type Completer interface {
	Decide(ctx context.Context, prompt string, shape gemini.Shape) (*gemini.Decision, error)
	Lookup(ctx context.Context, catalog, query string) (*gemini.LookupResult, error)
}

// Options tune a Pipeline.
type Options struct {
	EchoPrefix string
	Logger     *slog.Logger
	// Now stamps the message being answered. Defaults to time.Now.
	Now func() time.Time
}

// Pipeline is bound to one bot's configuration. It holds no per-chat state
// and may be used by one worker for all of its chats.
type Pipeline struct {
	mode       string
	tmpl       *template.Template
	catalog    string
	completer  Completer
	echoPrefix string
	now        func() time.Time
	log        *slog.Logger
}

// New builds the pipeline for a bot configuration. Dispatch mode requires a
// parseable prompt template and a completer.
func New(cfg database.BotConfig, completer Completer, opts Options) (*Pipeline, error) {
	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}
	p := &Pipeline{
		mode:       cfg.EffectiveMode(),
		catalog:    cfg.ProductCatalog,
		completer:  completer,
		echoPrefix: opts.EchoPrefix,
		now:        opts.Now,
		log:        log.With("component", "pipeline", "mode", cfg.EffectiveMode()),
	}
	if p.now == nil {
		p.now = time.Now
	}

	switch p.mode {
	case database.ModeEcho:
		return p, nil
	case database.ModeDispatch:
		if completer == nil {
			return nil, apperr.New(apperr.ErrValidation, "dispatch mode needs a completion service", nil)
		}
		tmpl, err := ParseTemplate(cfg.PromptTemplate)
		if err != nil {
			return nil, apperr.New(apperr.ErrValidation, "invalid prompt template", err)
		}
		p.tmpl = tmpl
		return p, nil
	default:
		return nil, apperr.Errorf(apperr.ErrValidation, "unknown reply mode %q", p.mode)
	}
}

// Reply computes the reply to text given the chat history, oldest first.
// Dispatch makes at most two completion calls and one lookup.
func (p *Pipeline) Reply(ctx context.Context, text string, history []database.Message) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", apperr.New(apperr.ErrValidation, "cannot reply to an empty message", nil)
	}
	if p.mode == database.ModeEcho {
		return p.echoPrefix + text, nil
	}

	chatHistory := FormatHistory(history, text, p.now())

	prompt, err := render(p.tmpl, promptData{ChatHistory: chatHistory})
	if err != nil {
		return "", apperr.New(apperr.ErrValidation, "failed to render prompt template", err)
	}

	decision, err := p.completer.Decide(ctx, prompt, gemini.ShapeAction)
	if err != nil {
		return "", fmt.Errorf("decide: %w", err)
	}

	switch action := decision.Action.(type) {
	case gemini.ReplyAction:
		p.log.DebugContext(ctx, "Direct reply chosen", "analysis", decision.Analysis)
		return action.Message, nil
	case gemini.ProductSearchAction:
		p.log.DebugContext(ctx, "Product search chosen", "query", action.Query, "analysis", decision.Analysis)
		return p.replyWithSearch(ctx, chatHistory, action.Query)
	default:
		return "", apperr.Errorf(apperr.ErrService, "unhandled action %T", decision.Action)
	}
}

func (p *Pipeline) replyWithSearch(ctx context.Context, chatHistory, query string) (string, error) {
	result, err := p.completer.Lookup(ctx, p.catalog, query)
	if err != nil {
		return "", fmt.Errorf("product search: %w", err)
	}

	prompt, err := render(p.tmpl, promptData{ChatHistory: chatHistory, ProductSearchResult: result.Answer})
	if err != nil {
		return "", apperr.New(apperr.ErrValidation, "failed to render prompt template", err)
	}

	decision, err := p.completer.Decide(ctx, prompt, gemini.ShapeReply)
	if err != nil {
		return "", fmt.Errorf("decide after product search: %w", err)
	}

	switch action := decision.Action.(type) {
	case gemini.ReplyAction:
		return action.Message, nil
	case gemini.ProductSearchAction:
		return "", apperr.Errorf(apperr.ErrContractViolation,
			"completion returned %s when a reply was required", action.Kind())
	default:
		return "", apperr.Errorf(apperr.ErrContractViolation, "completion returned %T when a reply was required", decision.Action)
	}
}
