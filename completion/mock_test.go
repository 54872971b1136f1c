package completion

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/maestroframework/maestro/core"
)

func TestMockClient_ReplaysScript(t *testing.T) {
	mock := NewMockClient("first", "second")
	ctx := context.Background()

	for i, want := range []string{"first", "second", "second"} {
		resp, err := mock.Generate(ctx, core.CompletionRequest{Prompt: "p"})
		if err != nil {
			t.Fatalf("call %d: error = %v", i, err)
		}
		if resp.Text != want {
			t.Errorf("call %d: Text = %q, want %q", i, resp.Text, want)
		}
	}
	if mock.Calls() != 3 {
		t.Errorf("Calls() = %d, want 3", mock.Calls())
	}
}

func TestMockClient_HandlerBeatsScript(t *testing.T) {
	mock := NewMockClient("scripted").Respond(func(req core.CompletionRequest) (string, bool) {
		if strings.Contains(req.Prompt, "intent") {
			return `{"intent_type":"CREATE_AGENT"}`, true
		}
		return "", false
	})

	resp, _ := mock.Generate(context.Background(), core.CompletionRequest{Prompt: "classify this intent"})
	if resp.Text != `{"intent_type":"CREATE_AGENT"}` {
		t.Errorf("Text = %q, want handler response", resp.Text)
	}
	resp, _ = mock.Generate(context.Background(), core.CompletionRequest{Prompt: "other"})
	if resp.Text != "scripted" {
		t.Errorf("Text = %q, want scripted fallback", resp.Text)
	}
}

func TestMockClient_ReportsTokenUsage(t *testing.T) {
	mock := NewMockClient("x")
	resp, err := mock.Generate(context.Background(), core.CompletionRequest{Prompt: "p"})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if resp.Usage.InputTokens != 50 || resp.Usage.OutputTokens != 200 {
		t.Errorf("Usage = %+v, want the 50/200 defaults", resp.Usage)
	}
}

func TestMockClient_FailWith(t *testing.T) {
	sentinel := errors.New("provider down")
	mock := NewMockClient("x").FailWith(sentinel)
	_, err := mock.Generate(context.Background(), core.CompletionRequest{Prompt: "p"})
	if !errors.Is(err, sentinel) {
		t.Errorf("error = %v, want sentinel", err)
	}
}

func TestMockClient_RecordsRequests(t *testing.T) {
	mock := NewMockClient("x")
	mock.Generate(context.Background(), core.CompletionRequest{System: "sys", Prompt: "p1"})
	if len(mock.Requests) != 1 || mock.Requests[0].System != "sys" {
		t.Errorf("Requests = %+v", mock.Requests)
	}
}

func TestNewAnthropicClient_RequiresKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	_, err := NewAnthropicClient(AnthropicOptions{})
	if !core.IsConfigurationError(err) {
		t.Errorf("error = %v, want configuration error", err)
	}
}

func TestNewAnthropicClient_Defaults(t *testing.T) {
	t.Setenv("MAESTRO_MODEL", "")
	client, err := NewAnthropicClient(AnthropicOptions{APIKey: "test-key"})
	if err != nil {
		t.Fatalf("NewAnthropicClient() error = %v", err)
	}
	if client.Model() != DefaultModel {
		t.Errorf("Model() = %q, want %q", client.Model(), DefaultModel)
	}
}
