package department

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/maestroframework/maestro/agentspec"
	"github.com/maestroframework/maestro/bus"
	"github.com/maestroframework/maestro/core"
)

func newOrchestrator(t *testing.T, d *Department, exec AgentExecutor) *Orchestrator {
	t.Helper()
	o, err := NewOrchestrator(OrchestratorOptions{Department: d, Executor: exec})
	if err != nil {
		t.Fatalf("NewOrchestrator() error = %v", err)
	}
	return o
}

func TestCoordinate_ParallelAllSucceed(t *testing.T) {
	d := activeDept(t,
		agent("agent:a", agentspec.CapDataAnalysis),
		agent("agent:b", agentspec.CapDataAnalysis),
	)
	o := newOrchestrator(t, d, ExecutorFunc(func(ctx context.Context, a agentspec.AgentSpec, task map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"agent": a.ID, "item": task["n"]}, nil
	}))

	result, err := o.Coordinate(context.Background(), "crunch", CoordinationContext{
		Mode: ModeParallel,
		WorkItems: []map[string]interface{}{
			{"n": 1}, {"n": 2}, {"n": 3}, {"n": 4},
		},
	})
	if err != nil {
		t.Fatalf("Coordinate() error = %v", err)
	}
	if !result.Success {
		t.Fatalf("result = %+v", result)
	}
	if len(result.Outputs) != 4 {
		t.Errorf("Outputs = %d entries, want one per work item", len(result.Outputs))
	}

	wf, _ := d.Workflow("crunch")
	if wf.Status != WorkflowCompleted {
		t.Errorf("workflow status = %s", wf.Status)
	}
}

func TestCoordinate_ParallelOneFailureFailsAll(t *testing.T) {
	d := activeDept(t, agent("agent:a"), agent("agent:b"))
	o := newOrchestrator(t, d, ExecutorFunc(func(ctx context.Context, a agentspec.AgentSpec, task map[string]interface{}) (map[string]interface{}, error) {
		if task["n"] == 2 {
			return nil, errors.New("item rejected")
		}
		return map[string]interface{}{"ok": true}, nil
	}))

	result, err := o.Coordinate(context.Background(), "crunch", CoordinationContext{
		Mode:      ModeParallel,
		WorkItems: []map[string]interface{}{{"n": 1}, {"n": 2}, {"n": 3}},
	})
	if err != nil {
		t.Fatalf("Coordinate() error = %v", err)
	}
	if result.Success {
		t.Error("Success = true with a failed work item")
	}
	if len(result.Errors) == 0 {
		t.Error("no errors recorded")
	}

	wf, _ := d.Workflow("crunch")
	if wf.Status != WorkflowFailed {
		t.Errorf("workflow status = %s", wf.Status)
	}
}

func TestCoordinate_SequentialThreadsOutput(t *testing.T) {
	d := activeDept(t, agent("agent:a"), agent("agent:b"), agent("agent:c"))
	var seenPrevious []bool
	o := newOrchestrator(t, d, ExecutorFunc(func(ctx context.Context, a agentspec.AgentSpec, task map[string]interface{}) (map[string]interface{}, error) {
		_, has := task["previous_output"]
		seenPrevious = append(seenPrevious, has)
		return map[string]interface{}{"from": a.ID}, nil
	}))

	result, err := o.Coordinate(context.Background(), "pipeline", CoordinationContext{Mode: ModeSequential})
	if err != nil {
		t.Fatalf("Coordinate() error = %v", err)
	}
	if !result.Success || len(result.Outputs) != 3 {
		t.Fatalf("result = %+v", result)
	}
	want := []bool{false, true, true}
	for i, has := range seenPrevious {
		if has != want[i] {
			t.Errorf("step %d: previous_output present = %v, want %v", i, has, want[i])
		}
	}
}

func TestCoordinate_SequentialStopsEarly(t *testing.T) {
	d := activeDept(t, agent("agent:a"), agent("agent:b"), agent("agent:c"))
	var ran []string
	o := newOrchestrator(t, d, ExecutorFunc(func(ctx context.Context, a agentspec.AgentSpec, task map[string]interface{}) (map[string]interface{}, error) {
		ran = append(ran, a.ID)
		if a.ID == "agent:b" {
			return nil, errors.New("critical step failed")
		}
		return map[string]interface{}{}, nil
	}))

	result, _ := o.Coordinate(context.Background(), "pipeline", CoordinationContext{Mode: ModeSequential})
	if result.Success {
		t.Error("Success = true after a failed step")
	}
	if len(ran) != 2 {
		t.Errorf("ran = %v, want stop after the failing step", ran)
	}
}

func TestCoordinate_CollaborativeAnySucceeds(t *testing.T) {
	d := activeDept(t, agent("agent:a"), agent("agent:b"), agent("agent:c"))
	o := newOrchestrator(t, d, ExecutorFunc(func(ctx context.Context, a agentspec.AgentSpec, task map[string]interface{}) (map[string]interface{}, error) {
		if a.ID == "agent:b" {
			return map[string]interface{}{"answer": 42}, nil
		}
		return nil, errors.New("no idea")
	}))

	result, err := o.Coordinate(context.Background(), "brainstorm", CoordinationContext{Mode: ModeCollaborative})
	if err != nil {
		t.Fatalf("Coordinate() error = %v", err)
	}
	if !result.Success {
		t.Errorf("result = %+v, want success when one agent delivers", result)
	}
	if _, ok := result.Outputs["agent:b"]; !ok {
		t.Errorf("Outputs = %v", result.Outputs)
	}
	if len(result.Errors) != 2 {
		t.Errorf("Errors = %v", result.Errors)
	}
}

func TestCoordinate_CollaborativeTimeout(t *testing.T) {
	d := activeDept(t, agent("agent:a"))
	o := newOrchestrator(t, d, ExecutorFunc(func(ctx context.Context, a agentspec.AgentSpec, task map[string]interface{}) (map[string]interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	result, err := o.Coordinate(context.Background(), "stuck", CoordinationContext{
		Mode:    ModeCollaborative,
		Timeout: 30 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Coordinate() error = %v", err)
	}
	if result.Success {
		t.Error("Success = true on timeout")
	}
	if result.Error != "Collaboration timeout" {
		t.Errorf("Error = %q, want \"Collaboration timeout\"", result.Error)
	}
}

func TestCoordinate_CollaborativeTimeoutIsolatesLateWriters(t *testing.T) {
	d := activeDept(t, agent("agent:a"), agent("agent:b"))
	o := newOrchestrator(t, d, ExecutorFunc(func(ctx context.Context, a agentspec.AgentSpec, task map[string]interface{}) (map[string]interface{}, error) {
		// ignores cancellation and answers long after the deadline
		time.Sleep(150 * time.Millisecond)
		return map[string]interface{}{"late": a.ID}, nil
	}))

	result, err := o.Coordinate(context.Background(), "stragglers", CoordinationContext{
		Mode:    ModeCollaborative,
		Timeout: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Coordinate() error = %v", err)
	}
	if result.Success || result.Error != "Collaboration timeout" {
		t.Fatalf("result = %+v", result)
	}
	snapshot := len(result.Outputs)

	// let the stragglers finish; the returned result must not change
	time.Sleep(200 * time.Millisecond)
	if len(result.Outputs) != snapshot {
		t.Errorf("Outputs grew from %d to %d after the timeout returned", snapshot, len(result.Outputs))
	}

	wf, _ := d.Workflow("stragglers")
	if wf.Status != WorkflowFailed {
		t.Errorf("workflow status = %s", wf.Status)
	}
}

func TestCoordinate_CollaborativeBroadcastsOpener(t *testing.T) {
	store := core.NewMemoryStore()
	b := bus.New(store, bus.Options{})
	ctx := context.Background()
	b.JoinDepartment(ctx, "sales", "agent:a")

	d := activeDept(t, agent("agent:a"))
	o, err := NewOrchestrator(OrchestratorOptions{
		Department: d,
		Bus:        b,
		Executor: ExecutorFunc(func(ctx context.Context, a agentspec.AgentSpec, task map[string]interface{}) (map[string]interface{}, error) {
			return map[string]interface{}{}, nil
		}),
	})
	if err != nil {
		t.Fatalf("NewOrchestrator() error = %v", err)
	}

	if _, err := o.Coordinate(ctx, "session", CoordinationContext{Mode: ModeCollaborative}); err != nil {
		t.Fatalf("Coordinate() error = %v", err)
	}

	msgs, _ := b.Pending(ctx, "agent:a", 10)
	if len(msgs) != 1 {
		t.Fatalf("opener messages = %d, want 1", len(msgs))
	}
	if msgs[0].Payload["session"] != "collaboration_start" {
		t.Errorf("opener payload = %v", msgs[0].Payload)
	}
}

func TestSelectAgents_CapabilityIntersection(t *testing.T) {
	d := activeDept(t,
		agent("agent:crm", agentspec.CapCRMUpdates),
		agent("agent:mail", agentspec.CapEmailMonitoring),
		agent("agent:data", agentspec.CapDataAnalysis),
	)
	o := newOrchestrator(t, d, ExecutorFunc(func(ctx context.Context, a agentspec.AgentSpec, task map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{}, nil
	}))

	selected := o.selectAgents(CoordinationContext{
		RequiredCapabilities: []agentspec.Capability{agentspec.CapCRMUpdates},
	})
	if len(selected) != 1 || selected[0].ID != "agent:crm" {
		t.Errorf("selected = %v", ids(selected))
	}
}

func TestSelectAgents_ComplexCapsAtThree(t *testing.T) {
	d := activeDept(t,
		agent("agent:1", agentspec.CapDataAnalysis),
		agent("agent:2", agentspec.CapDataAnalysis),
		agent("agent:3", agentspec.CapDataAnalysis),
		agent("agent:4", agentspec.CapDataAnalysis),
	)
	o := newOrchestrator(t, d, ExecutorFunc(func(ctx context.Context, a agentspec.AgentSpec, task map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{}, nil
	}))

	selected := o.selectAgents(CoordinationContext{
		RequiredCapabilities: []agentspec.Capability{agentspec.CapDataAnalysis},
		Complexity:           "complex",
	})
	if len(selected) != 3 {
		t.Errorf("selected %d agents for complex task, want 3", len(selected))
	}
}

func TestSelectAgents_FallbackToFirstAvailable(t *testing.T) {
	d := activeDept(t, agent("agent:only", agentspec.CapReportGeneration))
	o := newOrchestrator(t, d, ExecutorFunc(func(ctx context.Context, a agentspec.AgentSpec, task map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{}, nil
	}))

	selected := o.selectAgents(CoordinationContext{
		RequiredCapabilities: []agentspec.Capability{agentspec.CapWebScraping},
	})
	if len(selected) != 1 || selected[0].ID != "agent:only" {
		t.Errorf("selected = %v, want first-available fallback", ids(selected))
	}
}

func ids(agents []agentspec.AgentSpec) string {
	var out []string
	for _, a := range agents {
		out = append(out, a.ID)
	}
	return strings.Join(out, ",")
}
