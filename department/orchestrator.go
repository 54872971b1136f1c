package department

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/maestroframework/maestro/agentspec"
	"github.com/maestroframework/maestro/bus"
	"github.com/maestroframework/maestro/core"
	"github.com/maestroframework/maestro/telemetry"
)

// Mode selects the coordination strategy.
type Mode string

const (
	ModeParallel      Mode = "parallel"
	ModeSequential    Mode = "sequential"
	ModeCollaborative Mode = "collaborative"
)

// defaultCollaborationTimeout bounds a collaborative session.
const defaultCollaborationTimeout = 300 * time.Second

// maxComplexAgents caps selection for complex tasks.
const maxComplexAgents = 3

// AgentExecutor runs one task on one agent and returns its output.
// The sandbox-backed executor is the production implementation; tests
// use function fakes.
type AgentExecutor interface {
	Execute(ctx context.Context, agent agentspec.AgentSpec, task map[string]interface{}) (map[string]interface{}, error)
}

// ExecutorFunc adapts a function to AgentExecutor.
type ExecutorFunc func(ctx context.Context, agent agentspec.AgentSpec, task map[string]interface{}) (map[string]interface{}, error)

func (f ExecutorFunc) Execute(ctx context.Context, agent agentspec.AgentSpec, task map[string]interface{}) (map[string]interface{}, error) {
	return f(ctx, agent, task)
}

// CoordinationContext carries the inputs to one coordination run.
type CoordinationContext struct {
	Mode                 Mode
	WorkItems            []map[string]interface{}
	RequiredCapabilities []agentspec.Capability
	Complexity           string // "simple", "moderate", "complex"
	Timeout              time.Duration
	Payload              map[string]interface{}
}

// CoordinationResult is the outcome of one coordination run.
type CoordinationResult struct {
	Success  bool                   `json:"success"`
	Mode     Mode                   `json:"mode"`
	Outputs  map[string]interface{} `json:"outputs"`
	Errors   []string               `json:"errors,omitempty"`
	Error    string                 `json:"error,omitempty"`
	Agents   []string               `json:"agents"`
	Duration time.Duration          `json:"duration"`
}

// Orchestrator coordinates a department's agents across workflows.
type Orchestrator struct {
	dept     *Department
	executor AgentExecutor
	bus      *bus.Bus
	logger   core.Logger
}

// OrchestratorOptions configures an Orchestrator.
type OrchestratorOptions struct {
	Department *Department
	Executor   AgentExecutor
	Bus        *bus.Bus // optional, used by collaborative sessions
	Logger     core.Logger
}

// NewOrchestrator creates a department orchestrator.
func NewOrchestrator(opts OrchestratorOptions) (*Orchestrator, error) {
	if opts.Department == nil || opts.Executor == nil {
		return nil, fmt.Errorf("department and executor are required: %w", core.ErrInvalidConfiguration)
	}
	logger := opts.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("dept-orchestrator")
	}
	return &Orchestrator{
		dept:     opts.Department,
		executor: opts.Executor,
		bus:      opts.Bus,
		logger:   logger,
	}, nil
}

// Coordinate runs one workflow across the selected agents and settles
// it on the department.
func (o *Orchestrator) Coordinate(ctx context.Context, workflowName string, cc CoordinationContext) (*CoordinationResult, error) {
	start := time.Now()
	agents := o.selectAgents(cc)
	if len(agents) == 0 {
		return nil, fmt.Errorf("department %s has no agents: %w", o.dept.ID(), core.ErrNotFound)
	}
	agentIDs := make([]string, len(agents))
	for i, a := range agents {
		agentIDs[i] = a.ID
	}

	if _, err := o.dept.StartWorkflow(workflowName, workflowName, agentIDs); err != nil {
		return nil, err
	}

	var result *CoordinationResult
	switch cc.Mode {
	case ModeSequential:
		result = o.runSequential(ctx, agents, cc)
	case ModeCollaborative:
		result = o.runCollaborative(ctx, agents, cc)
	default:
		result = o.runParallel(ctx, agents, cc)
	}
	result.Agents = agentIDs
	result.Duration = time.Since(start)

	if err := o.dept.SettleWorkflow(workflowName, result.Success, result.Outputs, result.Errors); err != nil {
		return nil, err
	}
	telemetry.Duration("department.coordination_ms", start)
	o.logger.Info("Coordination finished", map[string]interface{}{
		"operation":  "coordinate_complete",
		"department": o.dept.ID(),
		"workflow":   workflowName,
		"mode":       string(result.Mode),
		"success":    result.Success,
		"agents":     len(agentIDs),
	})
	return result, nil
}

// runParallel round-robins work items across agents and requires every
// task to succeed.
func (o *Orchestrator) runParallel(ctx context.Context, agents []agentspec.AgentSpec, cc CoordinationContext) *CoordinationResult {
	result := &CoordinationResult{Mode: ModeParallel, Outputs: map[string]interface{}{}}
	items := cc.WorkItems
	if len(items) == 0 {
		items = []map[string]interface{}{cc.Payload}
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for i, item := range items {
		agent := agents[i%len(agents)]
		item := item
		key := fmt.Sprintf("item_%d", i)
		g.Go(func() error {
			out, err := o.executor.Execute(gctx, agent, item)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", agent.ID, err))
				return err
			}
			result.Outputs[key] = out
			return nil
		})
	}
	result.Success = g.Wait() == nil
	return result
}

// runSequential threads each agent's output into the next task and
// stops at the first failure.
func (o *Orchestrator) runSequential(ctx context.Context, agents []agentspec.AgentSpec, cc CoordinationContext) *CoordinationResult {
	result := &CoordinationResult{Mode: ModeSequential, Outputs: map[string]interface{}{}}
	task := map[string]interface{}{}
	for k, v := range cc.Payload {
		task[k] = v
	}

	for i, agent := range agents {
		out, err := o.executor.Execute(ctx, agent, task)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", agent.ID, err))
			result.Success = false
			return result
		}
		result.Outputs[fmt.Sprintf("step_%d", i)] = out
		// thread this step's output into the next step's context
		task["previous_output"] = out
	}
	result.Success = true
	return result
}

// runCollaborative opens the session with a broadcast, runs every
// agent concurrently under one timeout, and succeeds if any agent
// succeeds. Hitting the timeout fails the whole session.
func (o *Orchestrator) runCollaborative(ctx context.Context, agents []agentspec.AgentSpec, cc CoordinationContext) *CoordinationResult {
	result := &CoordinationResult{Mode: ModeCollaborative, Outputs: map[string]interface{}{}}
	timeout := cc.Timeout
	if timeout <= 0 {
		timeout = defaultCollaborationTimeout
	}
	sessionCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if o.bus != nil {
		opener := map[string]interface{}{"session": "collaboration_start"}
		for k, v := range cc.Payload {
			opener[k] = v
		}
		if _, err := o.bus.Broadcast(sessionCtx, o.dept.ID(), opener, ""); err != nil {
			o.logger.Warn("Session opener broadcast failed", map[string]interface{}{
				"operation":  "coordinate_collaborative",
				"department": o.dept.ID(),
				"error":      err.Error(),
			})
		}
	}

	var mu sync.Mutex
	outputs := map[string]interface{}{}
	var errs []string
	succeeded := 0
	var wg sync.WaitGroup
	for _, agent := range agents {
		agent := agent
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := o.executor.Execute(sessionCtx, agent, cc.Payload)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", agent.ID, err))
				return
			}
			outputs[agent.ID] = out
			succeeded++
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		result.Outputs = outputs
		result.Errors = errs
		result.Success = succeeded > 0
	case <-sessionCtx.Done():
		// agents ignoring cancellation may still be running; the
		// returned result only carries a snapshot they cannot touch
		mu.Lock()
		for k, v := range outputs {
			result.Outputs[k] = v
		}
		result.Errors = append(result.Errors, errs...)
		mu.Unlock()
		result.Success = false
		result.Error = "Collaboration timeout"
	}
	return result
}

// selectAgents picks agents whose capabilities intersect the required
// set. Complex tasks get up to three agents; when nothing matches, the
// first available agent is the fallback.
func (o *Orchestrator) selectAgents(cc CoordinationContext) []agentspec.AgentSpec {
	available := o.dept.Agents()
	if len(available) == 0 {
		return nil
	}
	if len(cc.RequiredCapabilities) == 0 {
		if strings.EqualFold(cc.Complexity, "complex") && len(available) > maxComplexAgents {
			return available[:maxComplexAgents]
		}
		return available
	}

	var matched []agentspec.AgentSpec
	for _, agent := range available {
		if capabilityIntersects(agent.Capabilities, cc.RequiredCapabilities) {
			matched = append(matched, agent)
			if strings.EqualFold(cc.Complexity, "complex") && len(matched) == maxComplexAgents {
				break
			}
		}
	}
	if len(matched) == 0 {
		return available[:1]
	}
	return matched
}

func capabilityIntersects(have, want []agentspec.Capability) bool {
	for _, h := range have {
		for _, w := range want {
			if h == w {
				return true
			}
		}
	}
	return false
}
