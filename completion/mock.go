package completion

import (
	"context"
	"sync"

	"github.com/maestroframework/maestro/core"
)

// MockClient is a scripted Completion for tests. Responses are played
// back in order; when the script runs out the last response repeats.
// Handlers registered with Respond take precedence over the script.
type MockClient struct {
	mu        sync.Mutex
	script    []string
	handlers  []func(core.CompletionRequest) (string, bool)
	failWith  error
	calls     int
	Requests  []core.CompletionRequest
	TokensIn  int
	TokensOut int
}

// NewMockClient creates a mock that replays the given responses.
func NewMockClient(responses ...string) *MockClient {
	return &MockClient{script: responses, TokensIn: 50, TokensOut: 200}
}

// Respond registers a matcher: when match returns true for a request,
// its text is returned instead of the script.
func (m *MockClient) Respond(match func(core.CompletionRequest) (string, bool)) *MockClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, match)
	return m
}

// FailWith makes every subsequent call return err.
func (m *MockClient) FailWith(err error) *MockClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWith = err
	return m
}

// Calls reports how many times Generate has been invoked.
func (m *MockClient) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *MockClient) Generate(ctx context.Context, req core.CompletionRequest) (*core.CompletionResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls++
	m.Requests = append(m.Requests, req)
	if m.failWith != nil {
		return nil, m.failWith
	}

	for _, handler := range m.handlers {
		if text, ok := handler(req); ok {
			return m.response(text), nil
		}
	}

	if len(m.script) == 0 {
		return m.response(""), nil
	}
	idx := m.calls - 1
	if idx >= len(m.script) {
		idx = len(m.script) - 1
	}
	return m.response(m.script[idx]), nil
}

func (m *MockClient) response(text string) *core.CompletionResponse {
	return &core.CompletionResponse{
		Text:  text,
		Usage: core.TokenUsage{InputTokens: m.TokensIn, OutputTokens: m.TokensOut},
	}
}

var _ core.Completion = (*MockClient)(nil)
