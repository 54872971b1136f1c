package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/maestroframework/maestro/agentspec"
	"github.com/maestroframework/maestro/core"
	"github.com/maestroframework/maestro/synth"
)

// nodeParseRequest trims and collapses whitespace. An empty request is
// unintelligible and fails the pipeline immediately.
func (o *Orchestrator) nodeParseRequest(ctx context.Context, state *State) (*Update, error) {
	cleaned := strings.Join(strings.Fields(state.UserRequest), " ")
	if cleaned == "" {
		return nil, fmt.Errorf("request is unintelligible: %w", core.ErrParse)
	}
	return &Update{
		UserRequest:      &cleaned,
		DeploymentStatus: status(DeploymentInProgress),
	}, nil
}

const intentSystemPrompt = `You classify requests for an agent automation platform.
Respond with ONLY a JSON object, no prose, with these fields:
  intent_type: one of CREATE_AGENT, MODIFY_AGENT, DELETE_AGENT, LIST_AGENTS,
    EXECUTE_TASK, CLARIFICATION_NEEDED, CREATE_DEPARTMENT, MODIFY_DEPARTMENT,
    DELETE_DEPARTMENT, LIST_DEPARTMENT
  parameters: object of extracted details (target, schedule, services, ...)
  confidence: number in [0,1]
  alternate_intents: array of other plausible intent types
  clarification_needed: boolean
  clarification_questions: array of questions to ask when unclear
  missing_info: array of missing detail names
  suggestions: array of suggested rephrasings`

// intentEnvelope is the wire shape the classifier returns.
type intentEnvelope struct {
	IntentType             string                 `json:"intent_type"`
	Parameters             map[string]interface{} `json:"parameters"`
	Confidence             float64                `json:"confidence"`
	AlternateIntents       []string               `json:"alternate_intents"`
	ClarificationNeeded    bool                   `json:"clarification_needed"`
	ClarificationQuestions []string               `json:"clarification_questions"`
	MissingInfo            []string               `json:"missing_info"`
	Suggestions            []string               `json:"suggestions"`
}

// nodeUnderstandIntent classifies the request and decides whether the
// pipeline needs to pause for clarification.
func (o *Orchestrator) nodeUnderstandIntent(ctx context.Context, state *State) (*Update, error) {
	if o.completion == nil {
		return nil, fmt.Errorf("intent classification needs a completion provider: %w", core.ErrMissingConfiguration)
	}

	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Request: %s\n", state.UserRequest)
	if history, ok := state.ExecutionContext["conversation_context"].(string); ok && history != "" {
		fmt.Fprintf(&prompt, "Recent conversation:\n%s\n", history)
	}
	if len(state.ExistingAgents) > 0 {
		fmt.Fprintf(&prompt, "The session already has %d agents.\n", len(state.ExistingAgents))
	}

	resp, err := o.completion.Generate(ctx, core.CompletionRequest{
		System:      intentSystemPrompt,
		Prompt:      prompt.String(),
		MaxTokens:   1024,
		Temperature: 0,
	})
	if err != nil {
		return nil, fmt.Errorf("intent classification: %w", err)
	}

	var envelope intentEnvelope
	if err := json.Unmarshal([]byte(synth.ExtractJSONObject(resp.Text)), &envelope); err != nil {
		return nil, fmt.Errorf("intent classifier returned malformed JSON: %v: %w", err, core.ErrParse)
	}
	intentType := IntentType(strings.ToUpper(strings.TrimSpace(envelope.IntentType)))
	if err := validateIntent(intentType); err != nil {
		return nil, err
	}

	intent := &ParsedIntent{
		IntentType:          intentType,
		Parameters:          envelope.Parameters,
		Confidence:          envelope.Confidence,
		AlternateIntents:    envelope.AlternateIntents,
		ClarificationNeeded: envelope.ClarificationNeeded,
	}
	needs := envelope.Confidence < o.clarificationThreshold || intentType == IntentClarificationNeeded

	update := &Update{
		ParsedIntent:       intent,
		NeedsClarification: &needs,
	}
	if needs {
		questions := envelope.ClarificationQuestions
		if len(questions) == 0 {
			questions = []string{"Could you describe what the agent should do in more detail?"}
		}
		update.ClarificationQuestions = questions
		update.MissingInfo = envelope.MissingInfo
		update.Suggestions = envelope.Suggestions
	}
	return update, nil
}

// nodeCheckExistingAgents loads the session's agent roster so later nodes
// can modify rather than duplicate.
func (o *Orchestrator) nodeCheckExistingAgents(ctx context.Context, state *State) (*Update, error) {
	agents, err := o.checkpoints.LoadAgents(ctx, state.SessionID)
	if err != nil {
		return nil, fmt.Errorf("loading session agents: %w", err)
	}
	return &Update{ExistingAgents: agents}, nil
}

const builderSystemPrompt = `You design agent specifications for an automation platform.
Respond with ONLY a JSON object:
  agent_type: one of monitor, sync, report, custom
  target: for monitor, one of email, website, files, inventory
  source, destination: for sync, service names
  subject: for report, what the report covers
  interval_minutes: integer polling interval
  cron: 5-field cron expression, for scheduled reports
  service: primary integration service name
  name: 2-50 character agent name, letters, digits and spaces only
  description: 10-500 character summary of what the agent does
  capabilities: array of capability tags, for custom agents`

type builderEnvelope struct {
	AgentType       string   `json:"agent_type"`
	Target          string   `json:"target"`
	Source          string   `json:"source"`
	Destination     string   `json:"destination"`
	Subject         string   `json:"subject"`
	IntervalMinutes int      `json:"interval_minutes"`
	Cron            string   `json:"cron"`
	Service         string   `json:"service"`
	Name            string   `json:"name"`
	Description     string   `json:"description"`
	Capabilities    []string `json:"capabilities"`
}

// nodeCreateAgent produces the AgentSpec and its source. Modification
// requests try the template fast path against the existing spec first;
// creation builds a fresh spec via the agent-builder prompt and the
// factory matching its shape.
func (o *Orchestrator) nodeCreateAgent(ctx context.Context, state *State) (*Update, error) {
	var (
		spec *agentspec.AgentSpec
		err  error
	)
	if state.ParsedIntent != nil && state.ParsedIntent.IntentType == IntentModifyAgent {
		spec, err = o.specForModification(state)
	} else {
		spec, err = o.buildSpec(ctx, state)
	}
	if err != nil {
		return nil, err
	}

	result, err := o.synthesizer.Synthesize(ctx, spec, state.UserRequest)
	if err != nil {
		return nil, err
	}

	o.logger.Info("Agent code synthesized", map[string]interface{}{
		"operation": "create_agent",
		"session":   state.SessionID,
		"agent_id":  spec.ID,
		"path":      result.Path,
		"attempts":  result.Attempts,
	})
	return &Update{
		AgentSpec: spec,
		ExecutionContext: map[string]interface{}{
			"agent_source":       result.Source,
			"synthesis_path":     result.Path,
			"synthesis_attempts": result.Attempts,
		},
	}, nil
}

// specForModification finds the agent the request refers to and bumps its
// version. With nothing to match, the most recent agent is modified.
func (o *Orchestrator) specForModification(state *State) (*agentspec.AgentSpec, error) {
	if len(state.ExistingAgents) == 0 {
		return nil, fmt.Errorf("no agents in session %s to modify: %w", state.SessionID, core.ErrNotFound)
	}

	target := state.ExistingAgents[len(state.ExistingAgents)-1]
	if state.ParsedIntent != nil {
		if name, ok := state.ParsedIntent.Parameters["agent_name"].(string); ok && name != "" {
			for _, a := range state.ExistingAgents {
				if strings.EqualFold(a.Name, name) || a.ID == name {
					target = a
					break
				}
			}
		}
	}

	spec := target
	if err := spec.IncrementVersion(agentspec.VersionMinor); err != nil {
		return nil, err
	}
	return &spec, nil
}

// buildSpec asks the completion for a builder envelope and instantiates
// the matching factory. When the envelope is unusable the deterministic
// extractor decides the shape instead.
func (o *Orchestrator) buildSpec(ctx context.Context, state *State) (*agentspec.AgentSpec, error) {
	params := synth.Extract(state.UserRequest)
	envelope := builderEnvelope{
		Target:          params.Target,
		Source:          params.Source,
		Destination:     params.Destination,
		Subject:         params.Subject,
		IntervalMinutes: params.IntervalMinutes,
		Cron:            params.Cron,
	}
	if len(params.Services) > 0 {
		envelope.Service = params.Services[0]
	}

	if o.completion != nil {
		resp, err := o.completion.Generate(ctx, core.CompletionRequest{
			System:      builderSystemPrompt,
			Prompt:      fmt.Sprintf("Design an agent for this request:\n%s", state.UserRequest),
			MaxTokens:   1024,
			Temperature: 0,
		})
		if err != nil {
			return nil, fmt.Errorf("agent builder: %w", err)
		}
		var built builderEnvelope
		if err := json.Unmarshal([]byte(synth.ExtractJSONObject(resp.Text)), &built); err == nil {
			envelope = mergeEnvelopes(envelope, built)
		} else {
			o.logger.Warn("Agent builder returned malformed JSON, using extracted parameters", map[string]interface{}{
				"operation": "build_spec",
				"session":   state.SessionID,
				"error":     err.Error(),
			})
		}
	}

	switch shape(envelope) {
	case "sync":
		return agentspec.NewSyncSpec(agentspec.SyncParams{
			Source:          envelope.Source,
			Destination:     envelope.Destination,
			IntervalMinutes: envelope.IntervalMinutes,
			CreatedBy:       state.SessionID,
		})
	case "report":
		return agentspec.NewReportSpec(agentspec.ReportParams{
			Subject:   envelope.Subject,
			Cron:      envelope.Cron,
			Service:   envelope.Service,
			CreatedBy: state.SessionID,
		})
	case "custom":
		return o.customSpec(envelope, state)
	default:
		return agentspec.NewMonitorSpec(agentspec.MonitorParams{
			Target:          envelope.Target,
			IntervalMinutes: envelope.IntervalMinutes,
			Service:         envelope.Service,
			CreatedBy:       state.SessionID,
		})
	}
}

// shape decides which factory fits the envelope. The builder's own
// agent_type wins when it names a known shape.
func shape(e builderEnvelope) string {
	switch strings.ToLower(strings.TrimSpace(e.AgentType)) {
	case "monitor", "sync", "report", "custom":
		return strings.ToLower(strings.TrimSpace(e.AgentType))
	}
	if e.Source != "" && e.Destination != "" {
		return "sync"
	}
	if e.Subject != "" {
		return "report"
	}
	return "monitor"
}

// customSpec is the generic constructor for agents no factory covers.
func (o *Orchestrator) customSpec(e builderEnvelope, state *State) (*agentspec.AgentSpec, error) {
	var caps []agentspec.Capability
	for _, c := range e.Capabilities {
		tag := agentspec.Capability(strings.ToLower(strings.TrimSpace(c)))
		if agentspec.IsKnownCapability(tag) {
			caps = append(caps, tag)
		}
	}
	if len(caps) == 0 {
		caps = []agentspec.Capability{agentspec.CapTaskAutomation}
	}

	name := strings.TrimSpace(e.Name)
	if name == "" {
		name = "Custom Automation Agent"
	}
	description := strings.TrimSpace(e.Description)
	if description == "" {
		description = fmt.Sprintf("Automates the request: %.200s", state.UserRequest)
	}

	var triggers []agentspec.Trigger
	if e.IntervalMinutes > 0 {
		triggers = append(triggers, agentspec.TimeIntervalTrigger(e.IntervalMinutes))
	} else if e.Cron != "" {
		triggers = append(triggers, agentspec.TimeCronTrigger(e.Cron))
	} else {
		triggers = append(triggers, agentspec.ManualTrigger("Run on demand from the orchestrator"))
	}

	now := time.Now().UTC()
	spec := &agentspec.AgentSpec{
		ID:           agentspec.NewID(),
		Name:         name,
		Description:  description,
		Version:      "1.0.0",
		Capabilities: caps,
		Triggers:     triggers,
		Limits:       agentspec.DefaultResourceLimits(),
		Status:       agentspec.StatusDraft,
		CreatedAt:    now,
		UpdatedAt:    now,
		CreatedBy:    state.SessionID,
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return spec, nil
}

func mergeEnvelopes(base, built builderEnvelope) builderEnvelope {
	if built.AgentType != "" {
		base.AgentType = built.AgentType
	}
	if built.Target != "" {
		base.Target = built.Target
	}
	if built.Source != "" {
		base.Source = built.Source
	}
	if built.Destination != "" {
		base.Destination = built.Destination
	}
	if built.Subject != "" {
		base.Subject = built.Subject
	}
	if built.IntervalMinutes > 0 {
		base.IntervalMinutes = built.IntervalMinutes
	}
	if built.Cron != "" {
		base.Cron = built.Cron
	}
	if built.Service != "" {
		base.Service = built.Service
	}
	if built.Name != "" {
		base.Name = built.Name
	}
	if built.Description != "" {
		base.Description = built.Description
	}
	if len(built.Capabilities) > 0 {
		base.Capabilities = built.Capabilities
	}
	return base
}

// nodeDeployAgent activates the spec, upserts it into the session roster,
// and, when a sandbox is wired, runs the generated source in it.
func (o *Orchestrator) nodeDeployAgent(ctx context.Context, state *State) (*Update, error) {
	if state.AgentSpec == nil {
		return nil, fmt.Errorf("deploy reached with no agent spec: %w", core.ErrNotInitialized)
	}
	spec := *state.AgentSpec
	spec.Status = agentspec.StatusActive
	spec.UpdatedAt = time.Now().UTC()

	roster := upsert(state.ExistingAgents, spec)
	if err := o.checkpoints.SaveAgents(ctx, state.SessionID, roster); err != nil {
		return nil, fmt.Errorf("persisting session agents: %w", err)
	}

	update := &Update{
		AgentSpec:        &spec,
		ExistingAgents:   roster,
		DeploymentStatus: status(DeploymentCompleted),
		ExecutionContext: map[string]interface{}{},
	}

	if o.sandbox != nil {
		source, _ := state.ExecutionContext["agent_source"].(string)
		result, err := o.sandbox.Execute(ctx, sandboxRequest(spec, source))
		switch {
		case err == nil:
			update.ExecutionContext["sandbox_id"] = result.SandboxID
			update.ExecutionContext["worker_id"] = result.WorkerID
			update.ExecutionContext["exit_status"] = result.Status
			update.ExecutionContext["exit_code"] = result.ExitCode
			update.ExecutionContext["log_tail"] = lastLines(result.Output, deployLogTail)
			if result.Result != nil {
				update.ExecutionContext["agent_result"] = result.Result
			}
		case errors.Is(err, core.ErrSandboxBuild) || errors.Is(err, core.ErrSandboxCreate):
			// nothing ran yet; let the retry budget handle it
			return nil, fmt.Errorf("sandbox execution for %s: %w", spec.ID, err)
		default:
			// the spec is already stored; a runtime failure does not
			// undo the deployment
			update.ExecutionContext["sandbox_error"] = err.Error()
			o.logger.Warn("Sandbox run failed after deployment", map[string]interface{}{
				"operation": "deploy_agent",
				"session":   state.SessionID,
				"agent_id":  spec.ID,
				"error":     err.Error(),
			})
		}
	}

	o.logger.Info("Agent deployed", map[string]interface{}{
		"operation": "deploy_agent",
		"session":   state.SessionID,
		"agent_id":  spec.ID,
		"agents":    len(roster),
	})
	return update, nil
}

// upsert replaces the roster entry with the same ID or appends.
func upsert(roster []agentspec.AgentSpec, spec agentspec.AgentSpec) []agentspec.AgentSpec {
	out := make([]agentspec.AgentSpec, 0, len(roster)+1)
	replaced := false
	for _, a := range roster {
		if a.ID == spec.ID {
			out = append(out, spec)
			replaced = true
			continue
		}
		out = append(out, a)
	}
	if !replaced {
		out = append(out, spec)
	}
	return out
}

// lastLines returns the trailing n lines of text.
func lastLines(text string, n int) string {
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
