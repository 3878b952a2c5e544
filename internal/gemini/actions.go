package gemini

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/edgard/botfleet/internal/apperr"
)

// ActionKind is the discriminator of a structured completion result.
type ActionKind string

// Action kinds understood by the reply pipeline.
const (
	ActionReply         ActionKind = "reply"
	ActionProductSearch ActionKind = "product_search"
)

// Action is the closed set of actions a completion may choose. Only types in
// this package implement it; consumers switch over ReplyAction and
// ProductSearchAction.
type Action interface {
	Kind() ActionKind
	sealed()
}

// ReplyAction terminates the pipeline with a message for the chat.
type ReplyAction struct {
	Message string
}

// ProductSearchAction asks for a lookup against the bot's product catalog.
type ProductSearchAction struct {
	Query string
}

func (ReplyAction) Kind() ActionKind         { return ActionReply }
func (ProductSearchAction) Kind() ActionKind { return ActionProductSearch }
func (ReplyAction) sealed()                  {}
func (ProductSearchAction) sealed()          {}

// Shape narrows which actions the completion may return.
type Shape int

const (
	// ShapeAction allows any action.
	ShapeAction Shape = iota
	// ShapeReply forces the terminal reply action.
	ShapeReply
)

func (s Shape) String() string {
	if s == ShapeReply {
		return "reply"
	}
	return "action"
}

// Decision is a parsed completion result.
type Decision struct {
	Analysis string
	Action   Action
}

// LookupResult is the answer of a catalog lookup.
type LookupResult struct {
	Analysis string `json:"analysis"`
	Answer   string `json:"answer"`
}

type rawDecision struct {
	Analysis    string          `json:"analysis"`
	Action      ActionKind      `json:"action"`
	ActionInput json.RawMessage `json:"action_input"`
}

// ParseDecision decodes completion output into a Decision. Output wrapped in a
// markdown code fence or surrounded by prose is accepted as long as it holds
// one JSON object. Anything else is a service error.
func ParseDecision(text string) (*Decision, error) {
	var raw rawDecision
	if err := decodeObject(text, &raw); err != nil {
		return nil, err
	}

	decision := &Decision{Analysis: raw.Analysis}
	switch raw.Action {
	case ActionReply:
		var input struct {
			Message string `json:"message"`
		}
		if err := decodeInput(raw.ActionInput, &input); err != nil {
			return nil, err
		}
		if strings.TrimSpace(input.Message) == "" {
			return nil, apperr.New(apperr.ErrService, "reply action has an empty message", nil)
		}
		decision.Action = ReplyAction{Message: input.Message}
	case ActionProductSearch:
		var input struct {
			Query string `json:"query"`
		}
		if err := decodeInput(raw.ActionInput, &input); err != nil {
			return nil, err
		}
		if strings.TrimSpace(input.Query) == "" {
			return nil, apperr.New(apperr.ErrService, "product_search action has an empty query", nil)
		}
		decision.Action = ProductSearchAction{Query: input.Query}
	default:
		return nil, apperr.Errorf(apperr.ErrService, "unknown action %q", raw.Action)
	}
	return decision, nil
}

// ParseLookup decodes catalog lookup output.
func ParseLookup(text string) (*LookupResult, error) {
	var result LookupResult
	if err := decodeObject(text, &result); err != nil {
		return nil, err
	}
	if strings.TrimSpace(result.Answer) == "" {
		return nil, apperr.New(apperr.ErrService, "lookup returned an empty answer", nil)
	}
	return &result, nil
}

func decodeObject(text string, v any) error {
	body := extractJSONObject(text)
	if body == "" {
		return apperr.New(apperr.ErrService, "completion output holds no JSON object", nil)
	}
	if err := json.Unmarshal([]byte(body), v); err != nil {
		return apperr.New(apperr.ErrService, "completion output is not valid JSON", err)
	}
	return nil
}

// decodeInput accepts action_input either as an object or as a JSON string
// holding one, which some models emit.
func decodeInput(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return apperr.New(apperr.ErrService, "action_input is missing", nil)
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		raw = json.RawMessage(asString)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return apperr.New(apperr.ErrService, fmt.Sprintf("action_input does not match the action: %s", raw), err)
	}
	return nil
}

func extractJSONObject(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx != -1 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end < start {
		return ""
	}
	return text[start : end+1]
}
