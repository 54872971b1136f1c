package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/maestroframework/maestro/agentspec"
	"github.com/maestroframework/maestro/checkpoint"
	"github.com/maestroframework/maestro/completion"
	"github.com/maestroframework/maestro/core"
	"github.com/maestroframework/maestro/sandbox"
)

const confidentCreateIntent = `{
	"intent_type": "CREATE_AGENT",
	"parameters": {"target": "email"},
	"confidence": 0.92
}`

const emailMonitorBuilder = `{
	"agent_type": "monitor",
	"target": "email",
	"interval_minutes": 15,
	"service": "gmail"
}`

// classifier routes intent and builder prompts to canned JSON and leaves
// everything else to the synthesizer's template fast path.
func classifier(intentJSON, builderJSON string) *completion.MockClient {
	return completion.NewMockClient().
		Respond(func(req core.CompletionRequest) (string, bool) {
			if strings.Contains(req.System, "classify requests") {
				return intentJSON, true
			}
			return "", false
		}).
		Respond(func(req core.CompletionRequest) (string, bool) {
			if strings.Contains(req.System, "design agent specifications") {
				return builderJSON, true
			}
			return "", false
		})
}

type progressRecorder struct {
	nodes    []string
	percents []int
}

func (p *progressRecorder) record(node string, percent int, message string) {
	p.nodes = append(p.nodes, node)
	p.percents = append(p.percents, percent)
}

func newTestOrchestrator(t *testing.T, mock *completion.MockClient, opts Options) (*Orchestrator, *checkpoint.Store) {
	t.Helper()
	store := checkpoint.NewStore(core.NewMemoryStore(), checkpoint.Options{})
	opts.Checkpoints = store
	opts.Completion = mock
	o, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return o, store
}

func TestProcess_CreateAgentHappyPath(t *testing.T) {
	ctx := context.Background()
	progress := &progressRecorder{}
	o, store := newTestOrchestrator(t, classifier(confidentCreateIntent, emailMonitorBuilder),
		Options{Progress: progress.record})

	state, err := o.Process(ctx, "session_1", "Monitor my email inbox and alert me about urgent messages every 15 minutes")
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if state.DeploymentStatus != DeploymentCompleted {
		t.Fatalf("DeploymentStatus = %s, state = %+v", state.DeploymentStatus, state)
	}
	if state.AgentSpec == nil || state.AgentSpec.Status != agentspec.StatusActive {
		t.Fatalf("AgentSpec = %+v", state.AgentSpec)
	}
	if src, _ := state.ExecutionContext["agent_source"].(string); !strings.Contains(src, "BaseAgent") {
		t.Error("no generated source attached to execution context")
	}

	want := []int{20, 40, 60, 80, 100}
	if len(progress.percents) != len(want) {
		t.Fatalf("progress events = %v", progress.percents)
	}
	for i, p := range want {
		if progress.percents[i] != p {
			t.Errorf("progress[%d] = %d, want %d", i, progress.percents[i], p)
		}
	}

	agents, err := store.LoadAgents(ctx, "session_1")
	if err != nil || len(agents) != 1 {
		t.Fatalf("LoadAgents() = %v, %v", agents, err)
	}
	if agents[0].ID != state.AgentSpec.ID {
		t.Errorf("persisted roster = %+v", agents)
	}

	latest, err := store.Latest(ctx, "session_1")
	if err != nil {
		t.Fatalf("Latest() error = %v", err)
	}
	if latest.Step != NodeDeployAgent+"_complete" {
		t.Errorf("latest checkpoint = %s", latest.Step)
	}
}

func TestProcess_EmptyRequestFails(t *testing.T) {
	o, _ := newTestOrchestrator(t, completion.NewMockClient(), Options{})

	state, err := o.Process(context.Background(), "session_2", "   \t  ")
	if !errors.Is(err, core.ErrMaxRetriesExceeded) {
		t.Fatalf("error = %v, want retries exceeded", err)
	}
	if state.DeploymentStatus != DeploymentFailed {
		t.Errorf("DeploymentStatus = %s", state.DeploymentStatus)
	}
	if !strings.Contains(state.ErrorMessage, "unintelligible") {
		t.Errorf("ErrorMessage = %q", state.ErrorMessage)
	}
}

func TestProcess_CollapsesWhitespace(t *testing.T) {
	o, _ := newTestOrchestrator(t, classifier(confidentCreateIntent, emailMonitorBuilder), Options{})

	state, err := o.Process(context.Background(), "session_3", "  Monitor   my\temail\n inbox and  alert me every 15 minutes ")
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if state.UserRequest != "Monitor my email inbox and alert me every 15 minutes" {
		t.Errorf("UserRequest = %q", state.UserRequest)
	}
}

func TestProcess_PausesForClarification(t *testing.T) {
	vague := `{
		"intent_type": "CLARIFICATION_NEEDED",
		"confidence": 0.3,
		"clarification_questions": ["What should the agent watch?"],
		"missing_info": ["target"],
		"suggestions": ["Try: monitor my email inbox"]
	}`
	o, _ := newTestOrchestrator(t, classifier(vague, emailMonitorBuilder), Options{})

	state, err := o.Process(context.Background(), "session_4", "do the thing")
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if !state.NeedsClarification {
		t.Fatal("NeedsClarification = false")
	}
	if len(state.ClarificationQuestions) != 1 || len(state.MissingInfo) != 1 || len(state.Suggestions) != 1 {
		t.Errorf("clarification fields = %+v", state)
	}
	if state.DeploymentStatus == DeploymentCompleted || state.DeploymentStatus == DeploymentFailed {
		t.Errorf("DeploymentStatus = %s, want paused mid-flight", state.DeploymentStatus)
	}
}

func TestProcess_LowConfidenceAlsoPauses(t *testing.T) {
	hesitant := `{"intent_type": "CREATE_AGENT", "confidence": 0.4}`
	o, _ := newTestOrchestrator(t, classifier(hesitant, emailMonitorBuilder), Options{})

	state, err := o.Process(context.Background(), "session_5", "make something useful")
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if !state.NeedsClarification {
		t.Error("confidence 0.4 did not pause for clarification")
	}
	// the default question fills in when the classifier offers none
	if len(state.ClarificationQuestions) == 0 {
		t.Error("no clarification questions populated")
	}
}

func TestClarify_FoldsAnswersAndReruns(t *testing.T) {
	ctx := context.Background()
	calls := 0
	mock := completion.NewMockClient().
		Respond(func(req core.CompletionRequest) (string, bool) {
			if !strings.Contains(req.System, "classify requests") {
				return "", false
			}
			calls++
			if calls == 1 {
				return `{"intent_type": "CLARIFICATION_NEEDED", "confidence": 0.2,
					"clarification_questions": ["What should the agent watch?"]}`, true
			}
			return confidentCreateIntent, true
		}).
		Respond(func(req core.CompletionRequest) (string, bool) {
			if strings.Contains(req.System, "design agent specifications") {
				return emailMonitorBuilder, true
			}
			return "", false
		})
	o, _ := newTestOrchestrator(t, mock, Options{})

	state, err := o.Process(ctx, "session_6", "monitor something and alert me every 15 minutes")
	if err != nil || !state.NeedsClarification {
		t.Fatalf("Process() = %+v, %v", state, err)
	}

	resumed, err := o.Clarify(ctx, "session_6", map[string]string{
		"What should the agent watch?": "my email inbox",
	})
	if err != nil {
		t.Fatalf("Clarify() error = %v", err)
	}
	if !strings.Contains(resumed.UserRequest, ". Additional details: What should the agent watch?: my email inbox") {
		t.Errorf("UserRequest = %q", resumed.UserRequest)
	}
	if resumed.NeedsClarification {
		t.Error("NeedsClarification still set after answers")
	}
	if resumed.DeploymentStatus != DeploymentCompleted {
		t.Errorf("DeploymentStatus = %s", resumed.DeploymentStatus)
	}
}

func TestClarify_RejectsUnpausedSession(t *testing.T) {
	o, store := newTestOrchestrator(t, completion.NewMockClient(), Options{})
	ctx := context.Background()
	store.Save(ctx, "session_7", "deploy_agent_complete", NewState("session_7", "done already"))

	if _, err := o.Clarify(ctx, "session_7", map[string]string{"q": "a"}); err == nil {
		t.Error("Clarify() = nil error for a session not waiting on answers")
	}
}

func TestProcess_ListAgentsEndsEarly(t *testing.T) {
	ctx := context.Background()
	listIntent := `{"intent_type": "LIST_AGENTS", "confidence": 0.95}`
	o, store := newTestOrchestrator(t, classifier(listIntent, emailMonitorBuilder), Options{})

	seed, _ := agentspec.NewMonitorSpec(agentspec.MonitorParams{Target: "email"})
	store.SaveAgents(ctx, "session_8", []agentspec.AgentSpec{*seed})

	state, err := o.Process(ctx, "session_8", "show me my agents")
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if state.DeploymentStatus != DeploymentCompleted {
		t.Errorf("DeploymentStatus = %s", state.DeploymentStatus)
	}
	names, _ := state.ExecutionContext["agents"].([]string)
	if len(names) != 1 || names[0] != seed.Name {
		t.Errorf("agents = %v", state.ExecutionContext["agents"])
	}
	if state.AgentSpec != nil {
		t.Error("listing built an agent spec")
	}
}

func TestProcess_DeleteAgentByName(t *testing.T) {
	ctx := context.Background()
	seed, _ := agentspec.NewMonitorSpec(agentspec.MonitorParams{Target: "email"})
	deleteIntent := fmt.Sprintf(`{"intent_type": "DELETE_AGENT", "confidence": 0.9,
		"parameters": {"agent_name": %q}}`, seed.Name)
	o, store := newTestOrchestrator(t, classifier(deleteIntent, emailMonitorBuilder), Options{})
	store.SaveAgents(ctx, "session_9", []agentspec.AgentSpec{*seed})

	state, err := o.Process(ctx, "session_9", "delete the email monitor")
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if state.DeploymentStatus != DeploymentCompleted {
		t.Errorf("DeploymentStatus = %s", state.DeploymentStatus)
	}
	agents, _ := store.LoadAgents(ctx, "session_9")
	if len(agents) != 0 {
		t.Errorf("roster after delete = %v", agents)
	}
}

func TestProcess_ModifyBumpsVersion(t *testing.T) {
	ctx := context.Background()
	seed, _ := agentspec.NewMonitorSpec(agentspec.MonitorParams{Target: "email", IntervalMinutes: 30})
	modifyIntent := `{"intent_type": "MODIFY_AGENT", "confidence": 0.9}`
	o, store := newTestOrchestrator(t, classifier(modifyIntent, emailMonitorBuilder), Options{})
	store.SaveAgents(ctx, "session_10", []agentspec.AgentSpec{*seed})

	state, err := o.Process(ctx, "session_10", "monitor my email inbox and alert me every 15 minutes instead")
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if state.AgentSpec == nil || state.AgentSpec.ID != seed.ID {
		t.Fatalf("modified spec = %+v, want same agent", state.AgentSpec)
	}
	if state.AgentSpec.Version != "1.1.0" {
		t.Errorf("Version = %s, want minor bump", state.AgentSpec.Version)
	}
	agents, _ := store.LoadAgents(ctx, "session_10")
	if len(agents) != 1 {
		t.Errorf("roster grew on modify: %v", agents)
	}
}

func TestProcess_ModifyWithEmptySessionFails(t *testing.T) {
	modifyIntent := `{"intent_type": "MODIFY_AGENT", "confidence": 0.9}`
	o, _ := newTestOrchestrator(t, classifier(modifyIntent, emailMonitorBuilder), Options{MaxRetries: 1})

	state, err := o.Process(context.Background(), "session_11", "change my agent")
	if !errors.Is(err, core.ErrMaxRetriesExceeded) {
		t.Fatalf("error = %v", err)
	}
	if state.DeploymentStatus != DeploymentFailed {
		t.Errorf("DeploymentStatus = %s", state.DeploymentStatus)
	}
}

func TestProcess_DeploysIntoSandbox(t *testing.T) {
	ctx := context.Background()
	fake := sandbox.NewFakeRuntime()
	fake.NextOutput = "starting\n{\"status\": \"ok\", \"alerts\": 2}\n"
	mgr, err := sandbox.NewManager(sandbox.ManagerOptions{Runtime: fake, BaseDir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	o, _ := newTestOrchestrator(t, classifier(confidentCreateIntent, emailMonitorBuilder),
		Options{Sandbox: mgr})

	state, err := o.Process(ctx, "session_12", "Monitor my email inbox and alert me about urgent messages every 15 minutes")
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if state.ExecutionContext["worker_id"] == "" || state.ExecutionContext["sandbox_id"] == "" {
		t.Errorf("execution context = %v", state.ExecutionContext)
	}
	if state.ExecutionContext["exit_status"] != sandbox.StatusCompleted {
		t.Errorf("exit_status = %v", state.ExecutionContext["exit_status"])
	}
	result, _ := state.ExecutionContext["agent_result"].(map[string]interface{})
	if result["status"] != "ok" {
		t.Errorf("agent_result = %v", result)
	}
	if tail, _ := state.ExecutionContext["log_tail"].(string); !strings.Contains(tail, "starting") {
		t.Errorf("log_tail = %q", tail)
	}
}

func TestProcess_SandboxRuntimeFailureStillDeploys(t *testing.T) {
	ctx := context.Background()
	fake := sandbox.NewFakeRuntime()
	fake.FailStart = errors.New("worker crashed on start")
	mgr, err := sandbox.NewManager(sandbox.ManagerOptions{Runtime: fake, BaseDir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	o, store := newTestOrchestrator(t, classifier(confidentCreateIntent, emailMonitorBuilder),
		Options{Sandbox: mgr})

	state, err := o.Process(ctx, "session_17", "Monitor my email inbox and alert me about urgent messages every 15 minutes")
	if err != nil {
		t.Fatalf("Process() error = %v, want deployment to survive a runtime failure", err)
	}
	if state.DeploymentStatus != DeploymentCompleted {
		t.Errorf("DeploymentStatus = %s", state.DeploymentStatus)
	}
	if msg, _ := state.ExecutionContext["sandbox_error"].(string); !strings.Contains(msg, "worker crashed") {
		t.Errorf("sandbox_error = %q", msg)
	}

	// the spec was stored despite the failed run
	agents, err := store.LoadAgents(ctx, "session_17")
	if err != nil || len(agents) != 1 {
		t.Errorf("roster = %v, err %v", agents, err)
	}
}

func TestProcess_SandboxCreateFailureFailsDeployment(t *testing.T) {
	fake := sandbox.NewFakeRuntime()
	fake.FailCreate = errors.New("image missing")
	mgr, err := sandbox.NewManager(sandbox.ManagerOptions{Runtime: fake, BaseDir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	o, _ := newTestOrchestrator(t, classifier(confidentCreateIntent, emailMonitorBuilder),
		Options{Sandbox: mgr, MaxRetries: 1})

	state, err := o.Process(context.Background(), "session_18", "Monitor my email inbox and alert me about urgent messages every 15 minutes")
	if !errors.Is(err, core.ErrMaxRetriesExceeded) {
		t.Fatalf("Process() error = %v, want max retries exceeded", err)
	}
	if state.DeploymentStatus != DeploymentFailed {
		t.Errorf("DeploymentStatus = %s", state.DeploymentStatus)
	}
}

func TestProcess_ClassifierProseAroundJSONStillParses(t *testing.T) {
	wrapped := "Sure, here is my classification:\n" + confidentCreateIntent + "\nLet me know if you need more."
	o, _ := newTestOrchestrator(t, classifier(wrapped, emailMonitorBuilder), Options{})

	state, err := o.Process(context.Background(), "session_19", "Monitor my email inbox and alert me about urgent messages every 15 minutes")
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if state.ParsedIntent == nil || state.ParsedIntent.IntentType != IntentCreateAgent {
		t.Errorf("ParsedIntent = %+v", state.ParsedIntent)
	}
	if state.DeploymentStatus != DeploymentCompleted {
		t.Errorf("DeploymentStatus = %s", state.DeploymentStatus)
	}
}

func TestRecoverAndResume(t *testing.T) {
	ctx := context.Background()
	o, store := newTestOrchestrator(t, classifier(confidentCreateIntent, emailMonitorBuilder), Options{})

	// a run interrupted after check_existing_agents
	interrupted := NewState("session_13", "Monitor my email inbox and alert me every 15 minutes")
	interrupted.DeploymentStatus = DeploymentInProgress
	interrupted.ParsedIntent = &ParsedIntent{IntentType: IntentCreateAgent, Confidence: 0.9}
	if err := store.Save(ctx, "session_13", NodeCheckExistingAgents+"_complete", interrupted); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	recovered, err := o.Recover(ctx, "session_13")
	if err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	if recovered.ParsedIntent == nil || recovered.ParsedIntent.IntentType != IntentCreateAgent {
		t.Fatalf("recovered = %+v", recovered)
	}

	state, err := o.Resume(ctx, "session_13", "")
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if state.DeploymentStatus != DeploymentCompleted {
		t.Errorf("DeploymentStatus = %s", state.DeploymentStatus)
	}
	if state.AgentSpec == nil {
		t.Error("resume did not finish the build")
	}
}

func TestResume_CompletedIsNoOp(t *testing.T) {
	ctx := context.Background()
	mock := classifier(confidentCreateIntent, emailMonitorBuilder)
	o, store := newTestOrchestrator(t, mock, Options{})

	done := NewState("session_14", "already finished")
	done.DeploymentStatus = DeploymentCompleted
	store.Save(ctx, "session_14", NodeDeployAgent+"_complete", done)

	state, err := o.Resume(ctx, "session_14", "something new")
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if state.UserRequest != "already finished" {
		t.Errorf("UserRequest = %q, completed sessions must not re-run", state.UserRequest)
	}
	if mock.Calls() != 0 {
		t.Errorf("completion calls = %d, want 0", mock.Calls())
	}
}

func TestResume_MissingSessionIsNotFound(t *testing.T) {
	o, _ := newTestOrchestrator(t, completion.NewMockClient(), Options{})
	if _, err := o.Resume(context.Background(), "session_ghost", ""); !core.IsNotFound(err) {
		t.Errorf("error = %v, want not found", err)
	}
}

func TestResumeIndex(t *testing.T) {
	o, _ := newTestOrchestrator(t, completion.NewMockClient(), Options{})
	tests := []struct {
		step string
		want int
	}{
		{"parse_request_complete", 1},
		{"parse_request_start", 0},
		{"create_agent_error", 3},
		{"deploy_agent_complete", 4},
		{"unknown_step", 0},
	}
	for _, tt := range tests {
		if got := o.resumeIndex(tt.step); got != tt.want {
			t.Errorf("resumeIndex(%q) = %d, want %d", tt.step, got, tt.want)
		}
	}
}

func TestProcess_MalformedClassifierJSONRetriesThenFails(t *testing.T) {
	mock := completion.NewMockClient("this is not json")
	o, _ := newTestOrchestrator(t, mock, Options{MaxRetries: 2})

	state, err := o.Process(context.Background(), "session_15", "monitor my email")
	if !errors.Is(err, core.ErrMaxRetriesExceeded) {
		t.Fatalf("error = %v", err)
	}
	if state.RetryCount != 3 {
		t.Errorf("RetryCount = %d, want limit+1", state.RetryCount)
	}
	// retried the classifier once per attempt
	if mock.Calls() != 3 {
		t.Errorf("completion calls = %d", mock.Calls())
	}
}

func TestNew_RequiresCheckpoints(t *testing.T) {
	if _, err := New(Options{}); !core.IsConfigurationError(err) {
		t.Errorf("New() error = %v", err)
	}
}

func TestUpsert(t *testing.T) {
	a, _ := agentspec.NewMonitorSpec(agentspec.MonitorParams{Target: "email"})
	b, _ := agentspec.NewMonitorSpec(agentspec.MonitorParams{Target: "files"})

	roster := upsert(nil, *a)
	roster = upsert(roster, *b)
	if len(roster) != 2 {
		t.Fatalf("roster = %d entries", len(roster))
	}

	changed := *a
	changed.Description = "An updated description for the email watcher."
	roster = upsert(roster, changed)
	if len(roster) != 2 {
		t.Errorf("upsert of existing ID grew roster to %d", len(roster))
	}
	if roster[0].Description != changed.Description {
		t.Errorf("roster[0] = %+v, want replaced in place", roster[0])
	}
}
