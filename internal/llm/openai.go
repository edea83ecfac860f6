package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/danielpatrickdp/chunkforge/internal/orchestrator"
	"github.com/danielpatrickdp/chunkforge/internal/prose"
	"github.com/danielpatrickdp/chunkforge/internal/state"
)

// ErrNoChoices is returned when the completion carries no message.
var ErrNoChoices = errors.New("llm: no choices returned")

// #region config
// Config selects the model endpoint. BaseURL may point at any
// OpenAI-compatible server.
type Config struct {
	APIKey            string  `yaml:"api_key"`
	BaseURL           string  `yaml:"base_url"`
	Model             string  `yaml:"model" validate:"required"`
	ExtractModel      string  `yaml:"extract_model"`
	Temperature       float32 `yaml:"temperature" validate:"gte=0,lte=2"`
	MaxTokens         int     `yaml:"max_tokens" validate:"gte=0"`
	RequestsPerSecond float64 `yaml:"requests_per_second" validate:"gte=0"`
	Burst             int     `yaml:"burst" validate:"gte=0"`
}

// DefaultConfig returns a gpt-4o-mini configuration limited to 2 requests per second.
func DefaultConfig() Config {
	return Config{
		Model:             "gpt-4o-mini",
		Temperature:       0.8,
		RequestsPerSecond: 2,
		Burst:             1,
	}
}

// #endregion config

// #region client
// OpenAIClient is a Generator and Extractor backed by a chat completion API.
type OpenAIClient struct {
	client       *openai.Client
	model        string
	extractModel string
	temperature  float32
	maxTokens    int
	limiter      *rate.Limiter
	logger       *slog.Logger
}

// NewOpenAIClient builds a client. A zero RequestsPerSecond disables limiting.
func NewOpenAIClient(cfg Config, logger *slog.Logger) (*OpenAIClient, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("llm: model is required")
	}
	if cfg.APIKey == "" && cfg.BaseURL == "" {
		return nil, fmt.Errorf("llm: api key is required for the default endpoint")
	}
	if logger == nil {
		logger = slog.Default()
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	extractModel := cfg.ExtractModel
	if extractModel == "" {
		extractModel = cfg.Model
	}

	logger.Info("initializing openai client", slog.String("model", cfg.Model), slog.String("extract_model", extractModel))
	return &OpenAIClient{
		client:       openai.NewClientWithConfig(oc),
		model:        cfg.Model,
		extractModel: extractModel,
		temperature:  cfg.Temperature,
		maxTokens:    cfg.MaxTokens,
		limiter:      rate.NewLimiter(limit, burst),
		logger:       logger.With(slog.String("component", "llm")),
	}, nil
}

// #endregion client

// #region generate
// Generate writes the prose for one chunk.
func (o *OpenAIClient) Generate(ctx context.Context, pc orchestrator.PromptContext, st state.CanonicalState, chunkIndex int) (orchestrator.Generation, error) {
	pc.ChunkIndex = chunkIndex
	text, err := o.complete(ctx, o.model, o.temperature, generateSystem, generatePrompt(pc, st))
	if err != nil {
		return orchestrator.Generation{}, fmt.Errorf("generate chunk %d: %w", chunkIndex, err)
	}
	text = strings.TrimSpace(text)
	return orchestrator.Generation{Prose: text, WordCount: prose.WordCount(text)}, nil
}

// #endregion generate

// #region extract
// Extract asks the model for the delta text of prose. Extraction runs at
// temperature zero.
func (o *OpenAIClient) Extract(ctx context.Context, text string, st state.CanonicalState) (string, error) {
	out, err := o.complete(ctx, o.extractModel, 0, extractSystem, extractPrompt(text, st))
	if err != nil {
		return "", fmt.Errorf("extract: %w", err)
	}
	return out, nil
}

// #endregion extract

func (o *OpenAIClient) complete(ctx context.Context, model string, temperature float32, system, user string) (string, error) {
	if err := o.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limit: %w", err)
	}
	req := openai.ChatCompletionRequest{
		Model:       model,
		Temperature: temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
	}
	if o.maxTokens > 0 {
		req.MaxCompletionTokens = o.maxTokens
	}

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		o.logger.Error("chat completion failed", slog.String("model", model), slog.String("error", err.Error()))
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoChoices
	}
	o.logger.Debug("chat completion", slog.String("model", model), slog.String("finish_reason", string(resp.Choices[0].FinishReason)))
	return resp.Choices[0].Message.Content, nil
}
