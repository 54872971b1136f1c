package synth

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/maestroframework/maestro/agentspec"
	"github.com/maestroframework/maestro/core"
)

// scriptedCompletion replays canned responses and records prompts.
type scriptedCompletion struct {
	responses []string
	prompts   []core.CompletionRequest
	calls     int
}

func (c *scriptedCompletion) Generate(ctx context.Context, req core.CompletionRequest) (*core.CompletionResponse, error) {
	c.prompts = append(c.prompts, req)
	if c.calls >= len(c.responses) {
		return nil, errors.New("script exhausted")
	}
	text := c.responses[c.calls]
	c.calls++
	return &core.CompletionResponse{Text: text, Usage: core.TokenUsage{InputTokens: 100, OutputTokens: 400}}, nil
}

func synthSpec() *agentspec.AgentSpec {
	spec, _ := agentspec.NewMonitorSpec(agentspec.MonitorParams{Target: "email", IntervalMinutes: 15})
	return spec
}

func TestSynthesize_TemplateFastPath(t *testing.T) {
	mock := &scriptedCompletion{}
	s := New(Options{Completion: mock})

	result, err := s.Synthesize(context.Background(), synthSpec(),
		"Monitor my email inbox and alert me about urgent messages every 15 minutes")
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	if result.Path != "template" || result.Template != "monitor" {
		t.Errorf("Path = %s, Template = %s, want template/monitor", result.Path, result.Template)
	}
	if mock.calls != 0 {
		t.Errorf("completion called %d times on fast path", mock.calls)
	}
	if err := Validate(result.Source); err != nil {
		t.Errorf("fast-path source fails validation: %v", err)
	}
	if !strings.Contains(result.Source, "class EmailMonitor(BaseAgent)") {
		t.Errorf("source missing expected class header:\n%s", result.Source)
	}
}

func TestSynthesize_SlowPathWhenNoTemplateMatches(t *testing.T) {
	mock := &scriptedCompletion{responses: []string{"```python\n" + validAgentSource + "\n```"}}
	s := New(Options{Completion: mock})

	result, err := s.Synthesize(context.Background(), synthSpec(),
		"Do something bespoke that no canned shape covers")
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	if result.Path != "completion" || result.Attempts != 1 {
		t.Errorf("Path = %s, Attempts = %d, want completion/1", result.Path, result.Attempts)
	}
	if result.TokensIn != 100 || result.TokensOut != 400 {
		t.Errorf("token accounting = %d/%d", result.TokensIn, result.TokensOut)
	}
}

func TestSynthesize_RetryFeedsPriorError(t *testing.T) {
	truncated := validAgentSource + "\n    def extra(self):"
	mock := &scriptedCompletion{responses: []string{truncated, validAgentSource}}
	s := New(Options{Completion: mock})

	result, err := s.Synthesize(context.Background(), synthSpec(), "bespoke request shape")
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	if result.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", result.Attempts)
	}
	if len(mock.prompts) != 2 {
		t.Fatalf("prompts recorded = %d", len(mock.prompts))
	}
	if strings.Contains(mock.prompts[0].Prompt, "previous attempt was rejected") {
		t.Error("first prompt already carries retry feedback")
	}
	if !strings.Contains(mock.prompts[1].Prompt, "previous attempt was rejected") {
		t.Error("second prompt does not feed back the prior rejection")
	}
}

func TestSynthesize_ForbiddenSourceExhaustsAttempts(t *testing.T) {
	malicious := strings.Replace(validAgentSource,
		`return {"status": "ok"}`,
		`subprocess.run(["curl", "evil"])
        return {}`, 1)
	mock := &scriptedCompletion{responses: []string{malicious, malicious, malicious}}
	s := New(Options{Completion: mock})

	_, err := s.Synthesize(context.Background(), synthSpec(), "bespoke request shape")
	if err == nil {
		t.Fatal("Synthesize() = nil error for forbidden source")
	}
	var genErr *CodeGenerationError
	if !errors.As(err, &genErr) {
		t.Fatalf("error type = %T, want *CodeGenerationError", err)
	}
	if genErr.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", genErr.Attempts)
	}
	if mock.calls != 3 {
		t.Errorf("completion called %d times, want 3", mock.calls)
	}
	if !strings.Contains(err.Error(), "Forbidden operation") {
		t.Errorf("error %q does not surface the forbidden operation", err)
	}
	if !errors.Is(err, core.ErrForbiddenOperation) {
		t.Errorf("error does not unwrap to ErrForbiddenOperation: %v", err)
	}
}

func TestSynthesize_SystemPromptListsRules(t *testing.T) {
	mock := &scriptedCompletion{responses: []string{validAgentSource}}
	s := New(Options{Completion: mock})

	if _, err := s.Synthesize(context.Background(), synthSpec(), "bespoke request shape"); err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	system := mock.prompts[0].System
	for _, want := range []string{"BaseAgent", "__init__", "initialize", "execute", "cleanup", "requests", "Never spawn processes"} {
		if !strings.Contains(system, want) {
			t.Errorf("system prompt missing %q", want)
		}
	}
}

func TestSynthesize_NoCompletionConfigured(t *testing.T) {
	s := New(Options{})
	_, err := s.Synthesize(context.Background(), synthSpec(), "bespoke request shape")
	var genErr *CodeGenerationError
	if !errors.As(err, &genErr) {
		t.Fatalf("error = %v, want *CodeGenerationError", err)
	}
}

func TestExtract(t *testing.T) {
	params := Extract("Sync contacts from hubspot to s3 every 2 hours")
	if params.Source != "hubspot" || params.Destination != "s3" {
		t.Errorf("source/destination = %s/%s", params.Source, params.Destination)
	}
	if params.IntervalMinutes != 120 {
		t.Errorf("IntervalMinutes = %d, want 120", params.IntervalMinutes)
	}

	params = Extract("Send me a report on sales pipeline every weekday")
	if params.Subject != "sales pipeline" {
		t.Errorf("Subject = %q", params.Subject)
	}
	if params.Cron != "0 9 * * 1-5" {
		t.Errorf("Cron = %q", params.Cron)
	}

	params = Extract("Watch my inbox in gmail for urgent mail")
	if params.Target != "email" {
		t.Errorf("Target = %q, want email", params.Target)
	}
	if len(params.Services) != 1 || params.Services[0] != "gmail" {
		t.Errorf("Services = %v", params.Services)
	}
}

func TestRegistryMatch_BelowFloorIgnored(t *testing.T) {
	reg := NewRegistry()
	params := Extract("please help with something vague")
	tmpl, confidence := reg.Match("please help with something vague", params)
	if tmpl != nil && confidence >= templateConfidenceFloor {
		t.Errorf("Match() = %s/%v for a vague request", tmpl.Name, confidence)
	}
}

func TestExtractJSONObject(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"bare object", `{"a": 1}`, `{"a": 1}`},
		{"prose around object", `Sure! Here is the classification: {"a": 1} Hope that helps.`, `{"a": 1}`},
		{"fenced with prose", "```json\nThe result:\n{\"a\": 1}\n```", `{"a": 1}`},
		{"nested braces", `prefix {"a": {"b": 2}} suffix`, `{"a": {"b": 2}}`},
		{"no object", "no json here", "no json here"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractJSONObject(tt.in); got != tt.want {
				t.Errorf("ExtractJSONObject(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
