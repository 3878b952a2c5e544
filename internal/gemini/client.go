// Package gemini implements the completion and catalog lookup clients on
// Google's Gemini API, using JSON schema responses.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
	"google.golang.org/genai"

	"github.com/edgard/botfleet/internal/apperr"
	"github.com/edgard/botfleet/internal/config"
)

// contentGenerator is the subset of genai.Models used here.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Client calls the Gemini API for decisions and catalog lookups. It is safe
// for concurrent use by all workers.
type Client struct {
	models         contentGenerator
	breaker        *gobreaker.CircuitBreaker
	log            *slog.Logger
	baseConfig     genai.GenerateContentConfig
	modelName      string
	maxRetries     int
	retryDelay     time.Duration
	requestTimeout time.Duration
}

// NewClient creates a Gemini client with the provided configuration.
func NewClient(ctx context.Context, cfg config.GeminiConfig, log *slog.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, apperr.New(apperr.ErrValidation, "gemini API key is required", nil)
	}

	gi, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	c := newClient(gi.Models, cfg, log)
	c.log.Info("Gemini client initialized successfully", "model", cfg.ModelName)
	return c, nil
}

func newClient(models contentGenerator, cfg config.GeminiConfig, log *slog.Logger) *Client {
	logger := log.With("component", "gemini_client")

	maxFailures := cfg.BreakerMaxFailures
	if maxFailures <= 0 {
		maxFailures = 5
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "gemini",
		MaxRequests: 1,
		Timeout:     cfg.BreakerResetInterval,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(maxFailures) //nolint:gosec // bounded by config validation
		},
		// Caller cancellations and unparseable output say nothing about
		// backend health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
	})

	temperature := cfg.Temperature
	return &Client{
		models:  models,
		breaker: breaker,
		log:     logger,
		baseConfig: genai.GenerateContentConfig{
			Temperature:      &temperature,
			ResponseMIMEType: "application/json",
			SafetySettings: []*genai.SafetySetting{
				{Category: genai.HarmCategoryHarassment, Threshold: genai.HarmBlockThresholdBlockNone},
				{Category: genai.HarmCategoryHateSpeech, Threshold: genai.HarmBlockThresholdBlockNone},
				{Category: genai.HarmCategorySexuallyExplicit, Threshold: genai.HarmBlockThresholdBlockNone},
				{Category: genai.HarmCategoryDangerousContent, Threshold: genai.HarmBlockThresholdBlockNone},
			},
		},
		modelName:      cfg.ModelName,
		maxRetries:     cfg.MaxRetries,
		retryDelay:     cfg.RetryDelay,
		requestTimeout: cfg.RequestTimeout,
	}
}

// Decide submits a rendered prompt and parses the structured decision. With
// ShapeReply the schema only admits the reply action; the caller still
// checks the result since the backend may ignore the schema.
func (c *Client) Decide(ctx context.Context, prompt string, shape Shape) (*Decision, error) {
	c.log.DebugContext(ctx, "Requesting decision", "shape", shape.String(), "prompt_length", len(prompt))

	instruction := DecideSystemInstruction
	if shape == ShapeReply {
		instruction += ForcedReplyInstruction
	}
	cfg := c.baseConfig
	cfg.SystemInstruction = genai.NewContentFromText(instruction, genai.RoleUser)
	cfg.ResponseSchema = decisionSchema(shape)

	text, err := c.generate(ctx, []*genai.Content{genai.NewContentFromText(prompt, genai.RoleUser)}, &cfg)
	if err != nil {
		return nil, err
	}

	decision, err := ParseDecision(text)
	if err != nil {
		c.log.ErrorContext(ctx, "Failed to parse decision from Gemini response", "error", err, "response_text", text)
		return nil, err
	}
	c.log.DebugContext(ctx, "Decision received", "action", decision.Action.Kind(), "analysis", decision.Analysis)
	return decision, nil
}

// Lookup answers query from the catalog text. An empty catalog is answered
// locally.
func (c *Client) Lookup(ctx context.Context, catalog, query string) (*LookupResult, error) {
	if catalog == "" {
		c.log.DebugContext(ctx, "Lookup without catalog, answering locally", "query", query)
		return &LookupResult{Analysis: "no catalog configured", Answer: EmptyCatalogAnswer}, nil
	}
	c.log.DebugContext(ctx, "Requesting catalog lookup", "query", query, "catalog_length", len(catalog))

	cfg := c.baseConfig
	cfg.SystemInstruction = genai.NewContentFromText(fmt.Sprintf(LookupSystemInstruction, catalog), genai.RoleUser)
	cfg.ResponseSchema = lookupSchema

	text, err := c.generate(ctx, []*genai.Content{genai.NewContentFromText(query, genai.RoleUser)}, &cfg)
	if err != nil {
		return nil, err
	}

	result, err := ParseLookup(text)
	if err != nil {
		c.log.ErrorContext(ctx, "Failed to parse lookup from Gemini response", "error", err, "response_text", text)
		return nil, err
	}
	return result, nil
}

// generate runs one request under the request timeout, retrying 500/503
// responses, and returns the response text.
func (c *Client) generate(ctx context.Context, contents []*genai.Content, cfg *genai.GenerateContentConfig) (string, error) {
	if c.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}

	resp, err := c.generateContentWithRetries(ctx, contents, cfg)
	if err != nil {
		return "", err
	}
	return c.extractTextFromResponse(ctx, resp)
}

func (c *Client) generateContentWithRetries(ctx context.Context, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	var err error
	for i := 0; i <= c.maxRetries; i++ {
		var out any
		out, err = c.breaker.Execute(func() (any, error) {
			return c.models.GenerateContent(ctx, c.modelName, contents, cfg)
		})
		if err == nil {
			return out.(*genai.GenerateContentResponse), nil
		}

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			c.log.WarnContext(ctx, "Gemini circuit breaker rejected call", "error", err)
			return nil, apperr.New(apperr.ErrService, "completion service unavailable", err)
		}

		code, retriable := retriableCode(err)
		if !retriable {
			c.log.ErrorContext(ctx, "Gemini API call failed with non-retriable error", "error", err)
			return nil, apperr.New(apperr.ErrService, "gemini API call failed", err)
		}
		if i == c.maxRetries {
			break
		}

		c.log.InfoContext(ctx, "Retrying Gemini API call due to retriable APIError",
			"attempt", i+1, "max_retries", c.maxRetries, "delay", c.retryDelay, "code", code)
		select {
		case <-ctx.Done():
			return nil, apperr.New(apperr.ErrService, "gemini API call abandoned", ctx.Err())
		case <-time.After(c.retryDelay):
		}
	}

	c.log.ErrorContext(ctx, "Gemini API call failed after max retries", "error", err)
	return nil, apperr.New(apperr.ErrService, fmt.Sprintf("gemini API call failed after %d retries", c.maxRetries), err)
}

func retriableCode(err error) (int, bool) {
	var ptr *genai.APIError
	if errors.As(err, &ptr) {
		return ptr.Code, ptr.Code == 500 || ptr.Code == 503
	}
	var val genai.APIError
	if errors.As(err, &val) {
		return val.Code, val.Code == 500 || val.Code == 503
	}
	return 0, false
}

func (c *Client) extractTextFromResponse(ctx context.Context, resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil {
		return "", apperr.New(apperr.ErrService, "gemini returned no response", nil)
	}

	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != genai.BlockedReasonUnspecified {
		reasonMsg := fmt.Sprintf("%v", resp.PromptFeedback.BlockReason)
		if resp.PromptFeedback.BlockReasonMessage != "" {
			reasonMsg = resp.PromptFeedback.BlockReasonMessage
		}
		c.log.ErrorContext(ctx, "Gemini request blocked", "reason", reasonMsg)
		return "", apperr.Errorf(apperr.ErrService, "request blocked by safety filter: %s", reasonMsg)
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		finishReason := "unknown"
		if len(resp.Candidates) > 0 && resp.Candidates[0].FinishReason != genai.FinishReasonUnspecified {
			finishReason = fmt.Sprintf("%v", resp.Candidates[0].FinishReason)
		}
		c.log.WarnContext(ctx, "Gemini response missing candidates or content", "finish_reason", finishReason)
		return "", apperr.Errorf(apperr.ErrService, "gemini returned no content, finish reason: %s", finishReason)
	}

	text := resp.Text()
	if text == "" {
		return "", apperr.New(apperr.ErrService, "gemini returned empty text", nil)
	}
	return text, nil
}
