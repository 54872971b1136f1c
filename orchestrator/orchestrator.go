package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/maestroframework/maestro/agentspec"
	"github.com/maestroframework/maestro/checkpoint"
	"github.com/maestroframework/maestro/core"
	"github.com/maestroframework/maestro/sandbox"
	"github.com/maestroframework/maestro/synth"
	"github.com/maestroframework/maestro/telemetry"
)

const (
	defaultMaxRetries             = 3
	defaultClarificationThreshold = 0.5

	// deployLogTail is how many trailing sandbox log lines deploy
	// attaches to the execution context.
	deployLogTail = 20
)

// Node names in graph order. Checkpoint steps derive from these:
// {node}_start, {node}_complete, {node}_error.
const (
	NodeParseRequest        = "parse_request"
	NodeUnderstandIntent    = "understand_intent"
	NodeCheckExistingAgents = "check_existing_agents"
	NodeCreateAgent         = "create_agent"
	NodeDeployAgent         = "deploy_agent"
)

// node is one step of the pipeline graph.
type node struct {
	name    string
	percent int
	message string
	run     func(ctx context.Context, state *State) (*Update, error)
}

// Orchestrator drives the request pipeline.
type Orchestrator struct {
	checkpoints            *checkpoint.Store
	completion             core.Completion
	synthesizer            *synth.Synthesizer
	sandbox                *sandbox.Manager
	progress               core.ProgressFunc
	maxRetries             int
	clarificationThreshold float64
	logger                 core.Logger
}

// Options configures an Orchestrator.
type Options struct {
	Checkpoints *checkpoint.Store // required
	Completion  core.Completion   // required for intent classification
	Synthesizer *synth.Synthesizer
	Sandbox     *sandbox.Manager  // optional; deploy skips execution without it
	Progress    core.ProgressFunc // optional
	MaxRetries  int
	Logger      core.Logger
}

// New creates an orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.Checkpoints == nil {
		return nil, fmt.Errorf("orchestrator needs a checkpoint store: %w", core.ErrInvalidConfiguration)
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.Synthesizer == nil {
		opts.Synthesizer = synth.New(synth.Options{Completion: opts.Completion, Logger: opts.Logger})
	}
	logger := opts.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("orchestrator")
	}
	progress := opts.Progress
	if progress == nil {
		progress = func(node string, percent int, message string) {}
	}
	return &Orchestrator{
		checkpoints:            opts.Checkpoints,
		completion:             opts.Completion,
		synthesizer:            opts.Synthesizer,
		sandbox:                opts.Sandbox,
		progress:               progress,
		maxRetries:             opts.MaxRetries,
		clarificationThreshold: defaultClarificationThreshold,
		logger:                 logger,
	}, nil
}

// nodes returns the pipeline graph in execution order.
func (o *Orchestrator) nodes() []node {
	return []node{
		{NodeParseRequest, 20, "Reading your request", o.nodeParseRequest},
		{NodeUnderstandIntent, 40, "Working out what you need", o.nodeUnderstandIntent},
		{NodeCheckExistingAgents, 60, "Checking your existing agents", o.nodeCheckExistingAgents},
		{NodeCreateAgent, 80, "Building your agent", o.nodeCreateAgent},
		{NodeDeployAgent, 100, "Deploying your agent", o.nodeDeployAgent},
	}
}

// Process runs one request through the pipeline. The returned state is
// terminal: completed, failed, or paused for clarification.
func (o *Orchestrator) Process(ctx context.Context, sessionID, request string) (*State, error) {
	state := NewState(sessionID, request)
	return o.run(ctx, state, 0)
}

// run executes the graph from node index start against the given state.
func (o *Orchestrator) run(ctx context.Context, state *State, start int) (*State, error) {
	began := time.Now()
	defer telemetry.Duration("orchestrator.run_ms", began)
	graph := o.nodes()

	for i := start; i < len(graph); i++ {
		n := graph[i]
		if err := o.executeNode(ctx, state, n); err != nil {
			return state, err
		}

		switch n.name {
		case NodeUnderstandIntent:
			if state.NeedsClarification {
				o.logger.Info("Pausing for clarification", map[string]interface{}{
					"operation": "clarification_pause",
					"session":   state.SessionID,
					"questions": len(state.ClarificationQuestions),
				})
				return state, nil
			}
		case NodeCheckExistingAgents:
			if !routesToCreate(state.ParsedIntent) {
				return o.finishWithoutCreate(ctx, state)
			}
		}
	}
	return state, nil
}

// executeNode checkpoints, reports progress, runs the node, and applies
// the retry policy: a failed node re-executes with a softened message
// until retry_count exceeds the limit, then the session fails.
func (o *Orchestrator) executeNode(ctx context.Context, state *State, n node) error {
	for {
		if err := o.checkpoints.Save(ctx, state.SessionID, n.name+"_start", state); err != nil {
			return err
		}
		message := n.message
		if state.RetryCount > 0 {
			message = "Hit a snag, trying again: " + strings.ToLower(n.message[:1]) + n.message[1:]
		}
		o.progress(n.name, n.percent, message)

		update, err := n.run(ctx, state)
		if err == nil {
			state.Apply(update)
			return o.checkpoints.Save(ctx, state.SessionID, n.name+"_complete", state)
		}

		state.RetryCount++
		state.ErrorMessage = err.Error()
		o.checkpoints.Save(ctx, state.SessionID, n.name+"_error", state)
		telemetry.Counter("orchestrator.node_errors")
		o.logger.Error("Pipeline node failed", map[string]interface{}{
			"operation": "node_" + n.name,
			"session":   state.SessionID,
			"retry":     state.RetryCount,
			"error":     err.Error(),
		})

		if state.RetryCount > o.maxRetries {
			state.DeploymentStatus = DeploymentFailed
			o.checkpoints.Save(ctx, state.SessionID, n.name+"_error", state)
			return fmt.Errorf("node %s: %v: %w", n.name, err, core.ErrMaxRetriesExceeded)
		}
	}
}

// finishWithoutCreate closes out intents that never reach the build
// nodes: listing, deletion, execution, and the department intents.
func (o *Orchestrator) finishWithoutCreate(ctx context.Context, state *State) (*State, error) {
	if state.ParsedIntent != nil {
		switch state.ParsedIntent.IntentType {
		case IntentListAgents:
			names := make([]string, 0, len(state.ExistingAgents))
			for _, a := range state.ExistingAgents {
				names = append(names, a.Name)
			}
			state.ExecutionContext["agents"] = names
		case IntentDeleteAgent:
			if err := o.deleteRequestedAgent(ctx, state); err != nil {
				state.DeploymentStatus = DeploymentFailed
				state.ErrorMessage = err.Error()
				o.checkpoints.Save(ctx, state.SessionID, "end_error", state)
				return state, err
			}
		}
	}
	state.DeploymentStatus = DeploymentCompleted
	if err := o.checkpoints.Save(ctx, state.SessionID, "end_complete", state); err != nil {
		return state, err
	}
	o.progress("end", 100, "Done")
	return state, nil
}

// deleteRequestedAgent removes the named agent (or the whole roster when
// no name is given) from the session.
func (o *Orchestrator) deleteRequestedAgent(ctx context.Context, state *State) error {
	name, _ := state.ParsedIntent.Parameters["agent_name"].(string)
	if name == "" {
		state.ExistingAgents = nil
		return o.checkpoints.DeleteAgents(ctx, state.SessionID)
	}
	kept := make([]agentspec.AgentSpec, 0, len(state.ExistingAgents))
	for _, a := range state.ExistingAgents {
		if strings.EqualFold(a.Name, name) || a.ID == name {
			continue
		}
		kept = append(kept, a)
	}
	if len(kept) == len(state.ExistingAgents) {
		return fmt.Errorf("agent %q: %w", name, core.ErrNotFound)
	}
	state.ExistingAgents = kept
	return o.checkpoints.SaveAgents(ctx, state.SessionID, kept)
}

// routesToCreate reports whether the intent continues into the build
// half of the graph.
func routesToCreate(intent *ParsedIntent) bool {
	if intent == nil {
		return false
	}
	return intent.IntentType == IntentCreateAgent || intent.IntentType == IntentModifyAgent
}

// Clarify resumes a session paused for clarification. Answers are folded
// into the original request and the pipeline re-enters at parse_request.
func (o *Orchestrator) Clarify(ctx context.Context, sessionID string, answers map[string]string) (*State, error) {
	state, err := o.Recover(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !state.NeedsClarification {
		return nil, fmt.Errorf("session %s is not waiting for clarification: %w", sessionID, core.ErrNotInitialized)
	}

	questions := make([]string, 0, len(answers))
	for q := range answers {
		questions = append(questions, q)
	}
	sort.Strings(questions)
	var details []string
	for _, q := range questions {
		details = append(details, fmt.Sprintf("%s: %s", q, answers[q]))
	}
	state.UserRequest = fmt.Sprintf("%s. Additional details: %s", state.UserRequest, strings.Join(details, "; "))
	state.NeedsClarification = false
	state.ParsedIntent = nil
	state.ClarificationQuestions = nil
	state.MissingInfo = nil
	state.Suggestions = nil
	state.DeploymentStatus = DeploymentPending

	return o.run(ctx, state, 0)
}

// Recover loads a session's most recent checkpointed state.
func (o *Orchestrator) Recover(ctx context.Context, sessionID string) (*State, error) {
	envelope, err := o.checkpoints.Load(ctx, sessionID, "")
	if err != nil {
		return nil, err
	}
	var state State
	if err := json.Unmarshal(envelope.State, &state); err != nil {
		return nil, fmt.Errorf("checkpoint for %s holds malformed state: %v: %w", sessionID, err, core.ErrParse)
	}
	return &state, nil
}

// Resume recovers a session and re-runs it from the last incomplete
// step. A non-empty newRequest replaces the recovered request. Resuming
// a completed session is a no-op.
func (o *Orchestrator) Resume(ctx context.Context, sessionID, newRequest string) (*State, error) {
	envelope, err := o.checkpoints.Load(ctx, sessionID, "")
	if err != nil {
		return nil, err
	}
	var state State
	if err := json.Unmarshal(envelope.State, &state); err != nil {
		return nil, fmt.Errorf("checkpoint for %s holds malformed state: %v: %w", sessionID, err, core.ErrParse)
	}
	if state.DeploymentStatus == DeploymentCompleted {
		return &state, nil
	}
	if newRequest != "" {
		state.UserRequest = newRequest
		state.ParsedIntent = nil
	}
	state.RetryCount = 0
	state.ErrorMessage = ""
	return o.run(ctx, &state, o.resumeIndex(envelope.Step))
}

// resumeIndex maps a checkpoint step name to the node the run should
// re-enter at: a completed step resumes at its successor, anything else
// re-executes the step itself.
func (o *Orchestrator) resumeIndex(step string) int {
	name := step
	completed := false
	for _, suffix := range []string{"_start", "_complete", "_error"} {
		if strings.HasSuffix(step, suffix) {
			name = strings.TrimSuffix(step, suffix)
			completed = suffix == "_complete"
			break
		}
	}
	for i, n := range o.nodes() {
		if n.name == name {
			if completed && i+1 < len(o.nodes()) {
				return i + 1
			}
			return i
		}
	}
	return 0
}

// ListSessions surfaces all checkpointed sessions, newest first.
func (o *Orchestrator) ListSessions(ctx context.Context) ([]checkpoint.SessionSummary, error) {
	return o.checkpoints.ListSessions(ctx)
}

// Agents returns the session's current roster.
func (o *Orchestrator) Agents(ctx context.Context, sessionID string) ([]agentspec.AgentSpec, error) {
	return o.checkpoints.LoadAgents(ctx, sessionID)
}

// CleanupSession drops the session's agent roster.
func (o *Orchestrator) CleanupSession(ctx context.Context, sessionID string) error {
	return o.checkpoints.DeleteAgents(ctx, sessionID)
}

// StopAgent stops a running sandbox worker.
func (o *Orchestrator) StopAgent(ctx context.Context, workerID string) error {
	if o.sandbox == nil {
		return fmt.Errorf("no sandbox configured: %w", core.ErrNotInitialized)
	}
	return o.sandbox.Stop(ctx, workerID, 10*time.Second)
}

// AgentLogs returns the trailing log lines of a sandbox worker.
func (o *Orchestrator) AgentLogs(ctx context.Context, workerID string, tail int) (string, error) {
	if o.sandbox == nil {
		return "", fmt.Errorf("no sandbox configured: %w", core.ErrNotInitialized)
	}
	return o.sandbox.Logs(ctx, workerID, tail)
}

// AgentStats returns live resource usage for a sandbox worker.
func (o *Orchestrator) AgentStats(ctx context.Context, workerID string) (*sandbox.WorkerStats, error) {
	if o.sandbox == nil {
		return nil, fmt.Errorf("no sandbox configured: %w", core.ErrNotInitialized)
	}
	return o.sandbox.Stats(ctx, workerID)
}

// sandboxRequest maps a spec and its source onto a sandbox execution.
func sandboxRequest(spec agentspec.AgentSpec, source string) sandbox.Request {
	return sandbox.Request{
		AgentID: spec.ID,
		Source:  source,
		Limits:  spec.Limits,
		Timeout: time.Duration(spec.Limits.TimeoutS) * time.Second,
	}
}
