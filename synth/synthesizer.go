// Package synth turns a validated agent spec into executable agent
// source. It tries a deterministic template first and falls back to a
// completion model, with every candidate passing the same static
// validation battery before it is accepted.
package synth

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/maestroframework/maestro/agentspec"
	"github.com/maestroframework/maestro/core"
	"github.com/maestroframework/maestro/telemetry"
)

const (
	// templateConfidenceFloor gates the fast path.
	templateConfidenceFloor = 0.7

	maxAttempts = 3

	maxCompletionTokens = 4096
)

// CodeGenerationError reports that all synthesis attempts failed. It
// carries the last rejection so callers can show the operator why.
type CodeGenerationError struct {
	Attempts   int
	LastReason string
	Err        error
}

func (e *CodeGenerationError) Error() string {
	return fmt.Sprintf("code generation failed after %d attempts: %s", e.Attempts, e.LastReason)
}

func (e *CodeGenerationError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return core.ErrCodeGeneration
}

// Result is the synthesizer's output: the accepted source plus how it
// was produced.
type Result struct {
	Source    string
	Path      string // "template" or "completion"
	Template  string // set on the fast path
	Attempts  int
	TokensIn  int
	TokensOut int
}

// Synthesizer produces agent source from specs.
type Synthesizer struct {
	registry   *Registry
	completion core.Completion
	logger     core.Logger
}

// Options configures a Synthesizer.
type Options struct {
	Completion core.Completion // required for the slow path
	Registry   *Registry       // defaults to the built-in set
	Logger     core.Logger     // optional
}

// New creates a Synthesizer.
func New(opts Options) *Synthesizer {
	registry := opts.Registry
	if registry == nil {
		registry = NewRegistry()
	}
	logger := opts.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("synth")
	}
	return &Synthesizer{registry: registry, completion: opts.Completion, logger: logger}
}

// Synthesize produces validated agent source for the spec. The request
// text, when available, feeds the deterministic extractor; with an
// empty request the spec description is used instead.
func (s *Synthesizer) Synthesize(ctx context.Context, spec *agentspec.AgentSpec, request string) (*Result, error) {
	start := time.Now()
	defer telemetry.Duration("synth.duration_ms", start)

	if request == "" {
		request = spec.Description
	}
	params := Extract(request)

	if result, err := s.tryTemplate(spec, request, params); err == nil && result != nil {
		telemetry.Counter("synth.template_hits")
		return result, nil
	}

	if s.completion == nil {
		return nil, &CodeGenerationError{
			Attempts:   0,
			LastReason: "no template matched and no completion client is configured",
		}
	}
	return s.generate(ctx, spec, params)
}

// tryTemplate runs the fast path. A nil result with nil error means no
// template qualified; a validation failure on a rendered template also
// falls through to the slow path rather than failing synthesis.
func (s *Synthesizer) tryTemplate(spec *agentspec.AgentSpec, request string, params ExtractedParams) (*Result, error) {
	tmpl, confidence := s.registry.Match(request, params)
	if tmpl == nil || confidence < templateConfidenceFloor {
		return nil, nil
	}

	source, err := tmpl.Render(spec, params)
	if err != nil {
		s.logger.Warn("Template render failed, falling back to completion", map[string]interface{}{
			"operation": "synth_template",
			"template":  tmpl.Name,
			"error":     err.Error(),
		})
		return nil, nil
	}
	if err := Validate(source); err != nil {
		s.logger.Warn("Rendered template failed validation", map[string]interface{}{
			"operation": "synth_template",
			"template":  tmpl.Name,
			"error":     err.Error(),
		})
		return nil, nil
	}

	s.logger.Info("Synthesized agent from template", map[string]interface{}{
		"operation":  "synth_template_complete",
		"template":   tmpl.Name,
		"agent_name": spec.Name,
		"confidence": confidence,
	})
	return &Result{Source: source, Path: "template", Template: tmpl.Name, Attempts: 0}, nil
}

// generate runs the completion slow path with retry, feeding the prior
// rejection into each subsequent prompt.
func (s *Synthesizer) generate(ctx context.Context, spec *agentspec.AgentSpec, params ExtractedParams) (*Result, error) {
	system := s.systemPrompt()
	lastReason := ""
	var lastErr error
	tokensIn, tokensOut := 0, 0

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		resp, err := s.completion.Generate(ctx, core.CompletionRequest{
			System:      system,
			Prompt:      s.userPrompt(spec, params, lastReason),
			MaxTokens:   maxCompletionTokens,
			Temperature: 0.2,
		})
		if err != nil {
			lastReason = err.Error()
			lastErr = err
			s.logger.Error("Completion call failed", map[string]interface{}{
				"operation": "synth_generate",
				"attempt":   attempt,
				"error":     err.Error(),
			})
			continue
		}
		tokensIn += resp.Usage.InputTokens
		tokensOut += resp.Usage.OutputTokens

		source := StripCodeFences(resp.Text)
		if err := Validate(source); err != nil {
			lastReason = err.Error()
			lastErr = err
			telemetry.Counter("synth.validation_failures")
			s.logger.Warn("Generated source rejected", map[string]interface{}{
				"operation": "synth_validate",
				"attempt":   attempt,
				"reason":    err.Error(),
			})
			continue
		}

		s.logger.Info("Synthesized agent via completion", map[string]interface{}{
			"operation":  "synth_generate_complete",
			"agent_name": spec.Name,
			"attempts":   attempt,
		})
		return &Result{
			Source: source, Path: "completion", Attempts: attempt,
			TokensIn: tokensIn, TokensOut: tokensOut,
		}, nil
	}

	telemetry.Counter("synth.exhausted")
	return nil, &CodeGenerationError{Attempts: maxAttempts, LastReason: lastReason, Err: lastErr}
}

func (s *Synthesizer) systemPrompt() string {
	var b strings.Builder
	b.WriteString("You write Python agents that run unattended in a locked-down sandbox.\n\n")
	b.WriteString("Rules:\n")
	fmt.Fprintf(&b, "- The agent is a single class inheriting from %s (import it from %s).\n", BaseClass, baseModule)
	fmt.Fprintf(&b, "- Define exactly these methods with real bodies: %s.\n", strings.Join(requiredMethods, ", "))
	b.WriteString("- __init__ must set name, version, capabilities, and config.\n")
	b.WriteString("- initialize() must be idempotent. cleanup() must release everything on every exit path.\n")
	fmt.Fprintf(&b, "- Only these libraries may be imported: %s.\n", strings.Join(approvedRoots(), ", "))
	b.WriteString("- Never spawn processes, never eval or exec, never open files for writing, never touch globals() or compile().\n")
	fmt.Fprintf(&b, "- Known template shapes for reference: %s.\n", strings.Join(s.registry.Names(), ", "))
	b.WriteString("- Output only the Python source, no prose.\n")
	return b.String()
}

func (s *Synthesizer) userPrompt(spec *agentspec.AgentSpec, params ExtractedParams, lastReason string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Agent name: %s\nVersion: %s\nDescription: %s\n", spec.Name, spec.Version, spec.Description)

	caps := make([]string, len(spec.Capabilities))
	for i, c := range spec.Capabilities {
		caps[i] = string(c)
	}
	fmt.Fprintf(&b, "Capabilities: %s\n", strings.Join(caps, ", "))

	for _, trig := range spec.Triggers {
		fmt.Fprintf(&b, "Trigger: %s\n", trig.Summary())
	}
	for name, integ := range spec.Integrations {
		fmt.Fprintf(&b, "Integration: %s (auth %s, scopes %s)\n", name, integ.AuthType, strings.Join(integ.Scopes, " "))
	}
	if len(params.Services) > 0 {
		fmt.Fprintf(&b, "Mentioned services: %s\n", strings.Join(params.Services, ", "))
	}
	if lastReason != "" {
		fmt.Fprintf(&b, "\nYour previous attempt was rejected: %s\nFix that exact problem and regenerate the full source.\n", lastReason)
	}
	return b.String()
}

func approvedRoots() []string {
	roots := make([]string, 0, len(approvedImports))
	for root := range approvedImports {
		roots = append(roots, root)
	}
	sort.Strings(roots) // stable prompt text across runs
	return roots
}

// StripCodeFences removes a surrounding markdown code fence, with or
// without a language tag, leaving bare source untouched.
func StripCodeFences(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```")
	if idx := strings.Index(trimmed, "\n"); idx >= 0 {
		trimmed = trimmed[idx+1:]
	}
	if idx := strings.LastIndex(trimmed, "```"); idx >= 0 {
		trimmed = trimmed[:idx]
	}
	return strings.TrimSpace(trimmed)
}

// ExtractJSONObject strips code fences and returns the outermost {...}
// substring. Completion replies often wrap the object in prose; callers
// parse the object alone. With no object present the stripped text is
// returned unchanged so the caller's unmarshal reports the failure.
func ExtractJSONObject(text string) string {
	stripped := StripCodeFences(text)
	first := strings.Index(stripped, "{")
	last := strings.LastIndex(stripped, "}")
	if first < 0 || last <= first {
		return stripped
	}
	return stripped[first : last+1]
}
