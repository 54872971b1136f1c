package agentspec

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/maestroframework/maestro/core"
)

func validSpec() *AgentSpec {
	now := time.Now().UTC().Truncate(time.Second)
	return &AgentSpec{
		ID:           "agent:test-1",
		Name:         "Email Monitor",
		Description:  "Monitors an inbox for urgent messages and raises alerts.",
		Version:      "1.0.0",
		Capabilities: []Capability{CapEmailMonitoring, CapAlertSending},
		Triggers:     []Trigger{TimeIntervalTrigger(15)},
		Integrations: map[string]Integration{
			"gmail": {ServiceName: "gmail", AuthType: AuthOAuth2, Scopes: []string{"read_messages"}, RateLimit: 60},
		},
		Limits:    DefaultResourceLimits(),
		Status:    StatusDraft,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestValidate_AcceptsWellFormedSpec(t *testing.T) {
	if err := validSpec().Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}

func TestValidate_RejectsInvariantViolations(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*AgentSpec)
	}{
		{"missing id prefix", func(s *AgentSpec) { s.ID = "test-1" }},
		{"name too short", func(s *AgentSpec) { s.Name = "X" }},
		{"name with punctuation", func(s *AgentSpec) { s.Name = "Email-Monitor!" }},
		{"description too short", func(s *AgentSpec) { s.Description = "too short" }},
		{"bad version", func(s *AgentSpec) { s.Version = "1.0" }},
		{"no capabilities", func(s *AgentSpec) { s.Capabilities = nil }},
		{"unknown capability", func(s *AgentSpec) { s.Capabilities = []Capability{"time_travel"} }},
		{"no triggers", func(s *AgentSpec) { s.Triggers = nil }},
		{"unknown status", func(s *AgentSpec) { s.Status = "retired" }},
		{"integration key mismatch", func(s *AgentSpec) {
			s.Integrations["gmail"] = Integration{ServiceName: "outlook", AuthType: AuthOAuth2, RateLimit: 60}
		}},
		{"integration off whitelist", func(s *AgentSpec) {
			s.Capabilities = []Capability{CapTaskAutomation}
			s.Integrations = map[string]Integration{
				"myspace": {ServiceName: "myspace", AuthType: AuthAPIKey, RateLimit: 60},
			}
		}},
		{"integration rate limit too high", func(s *AgentSpec) {
			s.Integrations["gmail"] = Integration{ServiceName: "gmail", AuthType: AuthOAuth2, RateLimit: 10001}
		}},
		{"capability without backing integration", func(s *AgentSpec) {
			s.Integrations = map[string]Integration{
				"slack": {ServiceName: "slack", AuthType: AuthWebhook, RateLimit: 60},
			}
		}},
		{"unknown input field type", func(s *AgentSpec) {
			s.Inputs = map[string]FieldSchema{"x": {Type: "tuple"}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := validSpec()
			tt.mutate(spec)
			err := spec.Validate()
			if err == nil {
				t.Fatal("Validate() = nil, want error")
			}
			if !core.IsValidation(err) {
				t.Errorf("Validate() error = %v, want validation error", err)
			}
		})
	}
}

func TestValidate_ResourceLimitBoundaries(t *testing.T) {
	tests := []struct {
		name    string
		limits  ResourceLimits
		wantErr bool
	}{
		{"memory below floor", ResourceLimits{CPUCores: 1, MemoryMB: 127, TimeoutS: 300, MaxRetries: 3}, true},
		{"memory at floor", ResourceLimits{CPUCores: 1, MemoryMB: 128, TimeoutS: 300, MaxRetries: 3}, false},
		{"memory at ceiling", ResourceLimits{CPUCores: 1, MemoryMB: 2048, TimeoutS: 300, MaxRetries: 3}, false},
		{"memory above ceiling", ResourceLimits{CPUCores: 1, MemoryMB: 2049, TimeoutS: 300, MaxRetries: 3}, true},
		{"cpu below floor", ResourceLimits{CPUCores: 0.05, MemoryMB: 256, TimeoutS: 300, MaxRetries: 3}, true},
		{"cpu above ceiling", ResourceLimits{CPUCores: 4.5, MemoryMB: 256, TimeoutS: 300, MaxRetries: 3}, true},
		{"timeout below floor", ResourceLimits{CPUCores: 1, MemoryMB: 256, TimeoutS: 29, MaxRetries: 3}, true},
		{"timeout above ceiling", ResourceLimits{CPUCores: 1, MemoryMB: 256, TimeoutS: 3601, MaxRetries: 3}, true},
		{"retries above ceiling", ResourceLimits{CPUCores: 1, MemoryMB: 256, TimeoutS: 300, MaxRetries: 11}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.limits.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestParse_RoundTrip(t *testing.T) {
	original := validSpec()

	data, err := original.Serialize()
	if err != nil {
		t.Fatalf("Serialize() error = %v", err)
	}
	parsed, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if !reflect.DeepEqual(original, parsed) {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", parsed, original)
	}
}

func TestParse_RejectsGarbage(t *testing.T) {
	if _, err := Parse([]byte("not json")); err == nil {
		t.Fatal("Parse() = nil error on garbage")
	}
}

func TestCanonicalize_DeduplicatesCapabilities(t *testing.T) {
	spec := validSpec()
	spec.Capabilities = []Capability{CapEmailMonitoring, CapAlertSending, CapEmailMonitoring}
	spec.Canonicalize()

	want := []Capability{CapEmailMonitoring, CapAlertSending}
	if !reflect.DeepEqual(spec.Capabilities, want) {
		t.Errorf("Capabilities = %v, want %v", spec.Capabilities, want)
	}
}

func TestCanonicalize_TrimsName(t *testing.T) {
	spec := validSpec()
	spec.Name = "  Email Monitor  "
	spec.Canonicalize()
	if spec.Name != "Email Monitor" {
		t.Errorf("Name = %q, want trimmed", spec.Name)
	}
}

func TestIncrementVersion(t *testing.T) {
	tests := []struct {
		kind VersionKind
		want string
	}{
		{VersionPatch, "1.2.4"},
		{VersionMinor, "1.3.0"},
		{VersionMajor, "2.0.0"},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			spec := validSpec()
			spec.Version = "1.2.3"
			before := spec.UpdatedAt
			if err := spec.IncrementVersion(tt.kind); err != nil {
				t.Fatalf("IncrementVersion() error = %v", err)
			}
			if spec.Version != tt.want {
				t.Errorf("Version = %s, want %s", spec.Version, tt.want)
			}
			if !spec.UpdatedAt.After(before) {
				t.Error("UpdatedAt was not refreshed")
			}
		})
	}
}

func TestIncrementVersion_TwicePatch(t *testing.T) {
	spec := validSpec()
	spec.Version = "1.2.3"
	spec.IncrementVersion(VersionPatch)
	spec.IncrementVersion(VersionPatch)
	if spec.Version != "1.2.5" {
		t.Errorf("Version = %s, want 1.2.5 (patch moved by exactly +2)", spec.Version)
	}
}

func TestRequiredScopes_DeduplicatedUnion(t *testing.T) {
	spec := validSpec()
	spec.Integrations = map[string]Integration{
		"gmail": {ServiceName: "gmail", AuthType: AuthOAuth2,
			Scopes: []string{"read_messages", "read_labels"}, RateLimit: 60},
		"outlook": {ServiceName: "outlook", AuthType: AuthOAuth2,
			Scopes: []string{"read_messages", "send_messages"}, RateLimit: 60},
	}

	got := spec.RequiredScopes()
	want := []string{"read_labels", "read_messages", "send_messages"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("RequiredScopes() = %v, want %v", got, want)
	}
}

func TestValidationErrorUnwrapsToSentinel(t *testing.T) {
	err := validSpecError()
	if !errors.Is(err, core.ErrValidation) {
		t.Errorf("validation error does not unwrap to ErrValidation: %v", err)
	}
}

func validSpecError() error {
	spec := validSpec()
	spec.Name = ""
	return spec.Validate()
}
