package core

import (
	"context"
)

// Logger interface - minimal logging interface shared by every component.
// Implementations must be safe for concurrent use.
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})
}

// ComponentAwareLogger is an optional extension that tags every entry with
// the component that emitted it. Components check for it with a type
// assertion and fall back to the plain Logger when absent.
type ComponentAwareLogger interface {
	Logger
	WithComponent(component string) Logger
}

// Completion is the external text-completion capability. The platform never
// assumes determinism: callers parse responses defensively and fall back to
// documented sentinel defaults.
type Completion interface {
	Generate(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

// CompletionRequest carries one bounded generation call.
type CompletionRequest struct {
	System      string   `json:"system"`
	Prompt      string   `json:"prompt"`
	MaxTokens   int      `json:"max_tokens"`
	Temperature float64  `json:"temperature"`
	Stop        []string `json:"stop,omitempty"`
}

// CompletionResponse is the generated text plus token accounting.
type CompletionResponse struct {
	Text  string     `json:"text"`
	Usage TokenUsage `json:"usage"`
}

// TokenUsage for completion responses. Field names follow the
// provider's accounting.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ProgressFunc receives per-node progress events from the orchestrator.
// Percent is one of 20, 40, 60, 80, 100. Events for one session arrive in
// strict node order.
type ProgressFunc func(node string, percent int, message string)

// NoOpLogger provides a no-op logger implementation.
type NoOpLogger struct{}

func (n *NoOpLogger) Info(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Error(msg string, fields map[string]interface{}) {}
func (n *NoOpLogger) Warn(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Debug(msg string, fields map[string]interface{}) {}
