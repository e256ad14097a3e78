// Package openai implements the code-generation capability on the OpenAI
// chat completions API.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	goopenai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/usewisp/wisp/pkg/engine"
)

// Config configures the generator.
type Config struct {
	APIKey  string `yaml:"api_key" validate:"required"`
	BaseURL string `yaml:"base_url" validate:"omitempty,url"`

	// Model generates the change sets; PlanModel drafts the feature plan.
	Model     string `yaml:"model"`
	PlanModel string `yaml:"plan_model"`

	// RequestsPerMinute paces calls across every pipeline sharing the client.
	RequestsPerMinute int `yaml:"requests_per_minute" validate:"min=0"`

	MaxTokens int           `yaml:"max_tokens" validate:"min=0"`
	Timeout   time.Duration `yaml:"timeout"`

	// MaxRepositoryBytes truncates the rendered repository in prompts.
	MaxRepositoryBytes int `yaml:"max_repository_bytes" validate:"min=0"`
}

// DefaultConfig returns generator defaults without credentials.
func DefaultConfig() Config {
	return Config{
		Model:              goopenai.GPT4o,
		PlanModel:          goopenai.GPT4o,
		RequestsPerMinute:  20,
		MaxTokens:          16000,
		Timeout:            5 * time.Minute,
		MaxRepositoryBytes: 400 * 1024,
	}
}

// Generator implements engine.CodeGenerator.
type Generator struct {
	client  *goopenai.Client
	limiter *rate.Limiter
	config  Config
	logger  zerolog.Logger
}

var _ engine.CodeGenerator = (*Generator)(nil)

// New creates a generator. Zero fields of cfg take DefaultConfig values.
func New(cfg Config, logger zerolog.Logger) (*Generator, error) {
	if cfg.APIKey == "" {
		return nil, engine.NewValidationError("openai api key is required", nil).WithOperation("new_openai_generator")
	}
	def := DefaultConfig()
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.PlanModel == "" {
		cfg.PlanModel = cfg.Model
	}
	if cfg.RequestsPerMinute == 0 {
		cfg.RequestsPerMinute = def.RequestsPerMinute
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = def.MaxTokens
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxRepositoryBytes == 0 {
		cfg.MaxRepositoryBytes = def.MaxRepositoryBytes
	}

	clientConfig := goopenai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	}
	clientConfig.HTTPClient = &http.Client{Timeout: cfg.Timeout}

	return &Generator{
		client:  goopenai.NewClientWithConfig(clientConfig),
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), 1),
		config:  cfg,
		logger:  logger.With().Str("component", "openai").Logger(),
	}, nil
}

// GenerateChanges produces a change set. Features are planned in a first
// call and turned into file changes in a second; fixes take one call.
func (g *Generator) GenerateChanges(ctx context.Context, req engine.GenerationRequest) (*engine.ChangeSet, error) {
	repo := g.renderRepository(req.Repository)

	var prompt string
	switch req.Purpose {
	case engine.PurposeFeature:
		plan, err := g.complete(ctx, g.config.PlanModel, planSystemPrompt, featurePlanPrompt(req.ProjectName, req.Instruction, repo), false)
		if err != nil {
			return nil, err
		}
		g.logger.Debug().Str("project", req.ProjectName).Int("plan_bytes", len(plan)).Msg("Feature plan drafted")
		prompt = featureChangesPrompt(plan, repo)
	case engine.PurposeFix:
		prompt = fixPrompt(req.Instruction, repo)
	default:
		return nil, engine.NewValidationError(fmt.Sprintf("unknown generation purpose %q", req.Purpose), nil).
			WithOperation("generate_changes")
	}

	raw, err := g.complete(ctx, g.config.Model, changeSystemPrompt, prompt, true)
	if err != nil {
		return nil, err
	}

	cs, err := ParseChangeSet(raw)
	if err != nil {
		return nil, err
	}

	g.logger.Info().
		Str("project", req.ProjectName).
		Str("purpose", string(req.Purpose)).
		Int("changes", len(cs.Changes)).
		Msg("Change set generated")
	return cs, nil
}

// ParseChangeSet decodes and validates a JSON change set.
func ParseChangeSet(raw string) (*engine.ChangeSet, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")

	var cs engine.ChangeSet
	if err := json.Unmarshal([]byte(raw), &cs); err != nil {
		return nil, engine.NewValidationError("generated change set is not valid JSON", err).
			WithOperation("parse_change_set")
	}
	if err := engine.ValidateChangeSet(&cs); err != nil {
		return nil, err
	}
	return &cs, nil
}

func (g *Generator) complete(ctx context.Context, model, system, prompt string, jsonMode bool) (string, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return "", err
	}

	req := goopenai.ChatCompletionRequest{
		Model:     model,
		MaxTokens: g.config.MaxTokens,
		Messages: []goopenai.ChatCompletionMessage{
			{Role: goopenai.ChatMessageRoleSystem, Content: system},
			{Role: goopenai.ChatMessageRoleUser, Content: prompt},
		},
	}
	if jsonMode {
		req.ResponseFormat = &goopenai.ChatCompletionResponseFormat{
			Type: goopenai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	start := time.Now()
	resp, err := g.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", classify(err, model)
	}
	if len(resp.Choices) == 0 {
		return "", engine.NewExternalServiceError(engine.SystemCodegen, "completion returned no choices", nil).
			WithOperation("chat_completion").
			WithResource(model)
	}

	choice := resp.Choices[0]
	if choice.FinishReason == goopenai.FinishReasonLength {
		return "", engine.NewValidationError("completion was cut off at the token limit", nil).
			WithOperation("chat_completion").
			WithResource(model).
			WithDetail("max_tokens", g.config.MaxTokens)
	}

	g.logger.Debug().
		Str("model", model).
		Int("prompt_tokens", resp.Usage.PromptTokens).
		Int("completion_tokens", resp.Usage.CompletionTokens).
		Dur("duration", time.Since(start)).
		Msg("Completion finished")

	return choice.Message.Content, nil
}

func (g *Generator) renderRepository(content *engine.RepositoryContent) string {
	if content == nil {
		return ""
	}
	rendered := content.Render()
	if limit := g.config.MaxRepositoryBytes; len(rendered) > limit {
		// Back off to a rune boundary so the prompt stays valid UTF-8.
		for limit > 0 && !utf8.RuneStart(rendered[limit]) {
			limit--
		}
		rendered = rendered[:limit] + "\n[repository truncated]\n"
	}
	return rendered
}

func classify(err error, model string) error {
	var apiErr *goopenai.APIError
	var reqErr *goopenai.RequestError

	status := 0
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}

	var e *engine.EngineError
	switch {
	case status == http.StatusTooManyRequests:
		e = engine.NewRateLimitedError(engine.SystemCodegen, "openai rate limit exceeded", 0, err)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e = engine.NewPermanentError("openai rejected credentials", err).
			WithCode(engine.ErrCodeExternalService).
			WithDetail("system", engine.SystemCodegen)
	case status == http.StatusBadRequest:
		e = engine.NewPermanentError("openai rejected the request", err).
			WithCode(engine.ErrCodeExternalService).
			WithDetail("system", engine.SystemCodegen)
	case errors.Is(err, context.Canceled):
		return err
	default:
		e = engine.NewExternalServiceError(engine.SystemCodegen, "openai completion failed", err)
	}
	if status != 0 {
		e.WithDetail("status", status)
	}
	return e.WithOperation("chat_completion").WithResource(model)
}
