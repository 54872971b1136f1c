// Package completion adapts LLM providers to the Completion interface.
// The Anthropic client is the production implementation; MockClient is
// the scripted double for tests.
package completion

import (
	"context"
	"fmt"
	"os"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/maestroframework/maestro/core"
	"github.com/maestroframework/maestro/telemetry"
)

const (
	// DefaultModel is used when no model is configured.
	DefaultModel = "claude-sonnet-4-20250514"

	defaultMaxTokens = 4096
)

// AnthropicClient implements core.Completion over the Anthropic SDK.
type AnthropicClient struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	logger    core.Logger
}

// AnthropicOptions configures an AnthropicClient.
type AnthropicOptions struct {
	APIKey    string // falls back to ANTHROPIC_API_KEY
	Model     string // falls back to MAESTRO_MODEL, then DefaultModel
	MaxTokens int64  // ceiling when the request does not set one
	Logger    core.Logger
}

// NewAnthropicClient creates the production completion client.
func NewAnthropicClient(opts AnthropicOptions) (*AnthropicClient, error) {
	apiKey := opts.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic API key: %w", core.ErrMissingConfiguration)
	}

	model := opts.Model
	if model == "" {
		model = os.Getenv("MAESTRO_MODEL")
	}
	if model == "" {
		model = DefaultModel
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	logger := opts.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("completion")
	}

	return &AnthropicClient{
		client:    anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:     model,
		maxTokens: maxTokens,
		logger:    logger,
	}, nil
}

// Model returns the configured model identifier.
func (c *AnthropicClient) Model() string {
	return c.model
}

// Generate sends one prompt and returns the text response.
func (c *AnthropicClient) Generate(ctx context.Context, req core.CompletionRequest) (*core.CompletionResponse, error) {
	if req.Prompt == "" {
		return nil, fmt.Errorf("completion request has no prompt: %w", core.ErrValidation)
	}

	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if len(req.Stop) > 0 {
		params.StopSequences = req.Stop
	}

	start := time.Now()
	message, err := c.client.Messages.New(ctx, params)
	telemetry.Duration("completion.duration_ms", start)
	if err != nil {
		c.logger.Error("Completion call failed", map[string]interface{}{
			"operation": "completion_generate",
			"model":     c.model,
			"error":     err.Error(),
		})
		return nil, fmt.Errorf("anthropic invocation failed: %v: %w", err, core.ErrCompletion)
	}

	var text string
	for _, block := range message.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}

	resp := &core.CompletionResponse{
		Text: text,
		Usage: core.TokenUsage{
			InputTokens:  int(message.Usage.InputTokens),
			OutputTokens: int(message.Usage.OutputTokens),
		},
	}
	telemetry.Counter("completion.requests")
	c.logger.Debug("Completion call succeeded", map[string]interface{}{
		"operation":     "completion_generate_complete",
		"model":         c.model,
		"input_tokens":  resp.Usage.InputTokens,
		"output_tokens": resp.Usage.OutputTokens,
	})
	return resp, nil
}

var _ core.Completion = (*AnthropicClient)(nil)
