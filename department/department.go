// Package department groups live agents into an operating unit with
// workflow tracking, a health model, and multi-agent coordination.
package department

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/maestroframework/maestro/agentspec"
	"github.com/maestroframework/maestro/core"
)

// Status is a department's lifecycle state. A department moves
// inactive -> initializing -> active, flips to coordinating while a
// workflow runs, and ends in paused, error, or offline.
type Status string

const (
	StatusInactive     Status = "inactive"
	StatusInitializing Status = "initializing"
	StatusActive       Status = "active"
	StatusCoordinating Status = "coordinating"
	StatusPaused       Status = "paused"
	StatusError        Status = "error"
	StatusOffline      Status = "offline"
)

// Health grades a department's recent behavior.
type Health string

const (
	HealthHealthy  Health = "healthy"
	HealthDegraded Health = "degraded"
	HealthCritical Health = "critical"
	HealthOffline  Health = "offline"
)

// maxErrors is the error count at which health turns critical.
const maxErrors = 5

// maxHistory and maxErrorLog bound the persisted audit slices.
const (
	maxHistory  = 50
	maxErrorLog = 100
)

// WorkflowStatus is one workflow's lifecycle state.
type WorkflowStatus string

const (
	WorkflowPending    WorkflowStatus = "pending"
	WorkflowInProgress WorkflowStatus = "in_progress"
	WorkflowCompleted  WorkflowStatus = "completed"
	WorkflowFailed     WorkflowStatus = "failed"
	WorkflowPaused     WorkflowStatus = "paused"
)

// Workflow is one unit of department work.
type Workflow struct {
	ID             string                 `json:"id"`
	Task           string                 `json:"task"`
	Status         WorkflowStatus         `json:"status"`
	StartedAt      time.Time              `json:"started_at"`
	CompletedAt    time.Time              `json:"completed_at,omitempty"`
	Progress       int                    `json:"progress"`
	AssignedAgents []string               `json:"assigned_agents"`
	Results        map[string]interface{} `json:"results,omitempty"`
	Errors         []string               `json:"errors,omitempty"`
}

// CoordinationRecord is one entry in the coordination history.
type CoordinationRecord struct {
	Workflow    string        `json:"workflow"`
	Success     bool          `json:"success"`
	CompletedAt time.Time     `json:"completed_at"`
	Duration    time.Duration `json:"duration_ns"`
}

// state is the persisted form of a department.
type state struct {
	ID               string                 `json:"id"`
	Name             string                 `json:"name"`
	Status           Status                 `json:"status"`
	Agents           []agentspec.AgentSpec  `json:"agents"`
	Workflows        map[string]*Workflow   `json:"workflows"`
	Completed        int                    `json:"completed"`
	Failed           int                    `json:"failed"`
	ErrorCount       int                    `json:"error_count"`
	MeanCompletion   time.Duration          `json:"mean_completion_ns"`
	SharedMemory     map[string]interface{} `json:"shared_memory"`
	LastCoordination time.Time              `json:"last_coordination,omitempty"`
	History          []CoordinationRecord   `json:"coordination_history"`
	ErrorLog         []string               `json:"error_log"`
	ResourceUsage    map[string]interface{} `json:"resource_usage"`
}

// Department owns a set of agents and their workflows.
type Department struct {
	mu sync.Mutex
	st state

	store  core.StateStore
	logger core.Logger
}

// Options configures a Department.
type Options struct {
	ID     string
	Name   string
	Store  core.StateStore // optional, required only for Save/LoadState
	Logger core.Logger
}

// New creates an offline department.
func New(opts Options) (*Department, error) {
	if opts.ID == "" {
		return nil, fmt.Errorf("department id is required: %w", core.ErrValidation)
	}
	if opts.Name == "" {
		opts.Name = opts.ID
	}
	logger := opts.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("department")
	}
	return &Department{
		st: state{
			ID:           opts.ID,
			Name:         opts.Name,
			Status:       StatusInactive,
			Workflows:    make(map[string]*Workflow),
			SharedMemory: make(map[string]interface{}),
		},
		store:  opts.Store,
		logger: logger,
	}, nil
}

// ID returns the department identifier.
func (d *Department) ID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.st.ID
}

// Status returns the current lifecycle state.
func (d *Department) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.st.Status
}

// Start brings the department online through the initializing state.
func (d *Department) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.st.Status == StatusActive || d.st.Status == StatusCoordinating {
		return fmt.Errorf("department %s: %w", d.st.ID, core.ErrAlreadyStarted)
	}
	d.st.Status = StatusInitializing
	d.logger.Debug("Department initializing", map[string]interface{}{
		"operation":  "department_start",
		"department": d.st.ID,
	})
	d.st.Status = StatusActive
	d.logger.Info("Department started", map[string]interface{}{
		"operation":  "department_start",
		"department": d.st.ID,
		"agents":     len(d.st.Agents),
	})
	return nil
}

// Pause suspends the department. Running workflows are paused.
func (d *Department) Pause(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.st.Status = StatusPaused
	d.pauseWorkflowsLocked()
	d.logger.Info("Department paused", map[string]interface{}{
		"operation":  "department_pause",
		"department": d.st.ID,
	})
	return nil
}

// Stop takes the department offline. Running workflows are paused.
func (d *Department) Stop(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.st.Status = StatusOffline
	d.pauseWorkflowsLocked()
	d.logger.Info("Department stopped", map[string]interface{}{
		"operation":  "department_stop",
		"department": d.st.ID,
	})
	return nil
}

func (d *Department) pauseWorkflowsLocked() {
	for _, wf := range d.st.Workflows {
		if wf.Status == WorkflowInProgress {
			wf.Status = WorkflowPaused
		}
	}
}

// AddAgent registers an agent with the department.
func (d *Department) AddAgent(spec agentspec.AgentSpec) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, existing := range d.st.Agents {
		if existing.ID == spec.ID {
			return fmt.Errorf("agent %s already in department %s: %w", spec.ID, d.st.ID, core.ErrValidation)
		}
	}
	d.st.Agents = append(d.st.Agents, spec)
	return nil
}

// RemoveAgent deregisters an agent.
func (d *Department) RemoveAgent(agentID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, existing := range d.st.Agents {
		if existing.ID == agentID {
			d.st.Agents = append(d.st.Agents[:i], d.st.Agents[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("agent %s not in department %s: %w", agentID, d.st.ID, core.ErrNotFound)
}

// Agents returns a copy of the agent list.
func (d *Department) Agents() []agentspec.AgentSpec {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]agentspec.AgentSpec, len(d.st.Agents))
	copy(out, d.st.Agents)
	return out
}

// StartWorkflow opens a workflow record in pending state and moves it
// to in_progress. The department shows coordinating while any workflow
// is running.
func (d *Department) StartWorkflow(id, task string, assigned []string) (*Workflow, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.st.Status != StatusActive && d.st.Status != StatusCoordinating {
		return nil, fmt.Errorf("department %s is not active: %w", d.st.ID, core.ErrNotInitialized)
	}
	if _, exists := d.st.Workflows[id]; exists {
		return nil, fmt.Errorf("workflow %s already exists: %w", id, core.ErrValidation)
	}
	wf := &Workflow{
		ID:             id,
		Task:           task,
		Status:         WorkflowInProgress,
		StartedAt:      time.Now().UTC(),
		AssignedAgents: assigned,
	}
	d.st.Workflows[id] = wf
	d.st.Status = StatusCoordinating
	return d.copyWorkflow(wf), nil
}

// StopWorkflow pauses a running workflow.
func (d *Department) StopWorkflow(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	wf, ok := d.st.Workflows[id]
	if !ok {
		return fmt.Errorf("workflow %s: %w", id, core.ErrNotFound)
	}
	if wf.Status == WorkflowInProgress || wf.Status == WorkflowPending {
		wf.Status = WorkflowPaused
	}
	return nil
}

// SettleWorkflow records a workflow's outcome and updates the
// aggregate counters and the running mean completion time.
func (d *Department) SettleWorkflow(id string, success bool, results map[string]interface{}, errs []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	wf, ok := d.st.Workflows[id]
	if !ok {
		return fmt.Errorf("workflow %s: %w", id, core.ErrNotFound)
	}
	wf.CompletedAt = time.Now().UTC()
	wf.Results = results
	wf.Errors = errs

	if success {
		wf.Status = WorkflowCompleted
		wf.Progress = 100
		d.st.Completed++
		// running mean over completed workflows only
		elapsed := wf.CompletedAt.Sub(wf.StartedAt)
		n := time.Duration(d.st.Completed)
		d.st.MeanCompletion += (elapsed - d.st.MeanCompletion) / n
	} else {
		wf.Status = WorkflowFailed
		d.st.Failed++
		d.st.ErrorCount++
		if len(errs) == 0 {
			errs = []string{"workflow failed with no recorded error"}
		}
		for _, e := range errs {
			d.st.ErrorLog = append(d.st.ErrorLog, fmt.Sprintf("%s: %s", id, e))
		}
		if len(d.st.ErrorLog) > maxErrorLog {
			d.st.ErrorLog = d.st.ErrorLog[len(d.st.ErrorLog)-maxErrorLog:]
		}
	}

	d.st.LastCoordination = wf.CompletedAt
	d.st.History = append(d.st.History, CoordinationRecord{
		Workflow:    id,
		Success:     success,
		CompletedAt: wf.CompletedAt,
		Duration:    wf.CompletedAt.Sub(wf.StartedAt),
	})
	if len(d.st.History) > maxHistory {
		d.st.History = d.st.History[len(d.st.History)-maxHistory:]
	}
	d.st.ResourceUsage = map[string]interface{}{
		"agents":             len(d.st.Agents),
		"workflows_tracked":  len(d.st.Workflows),
		"workflows_running":  d.runningLocked(),
		"mean_completion_ns": int64(d.st.MeanCompletion),
	}
	if d.st.Status == StatusCoordinating && d.runningLocked() == 0 {
		d.st.Status = StatusActive
	}

	d.logger.Info("Workflow settled", map[string]interface{}{
		"operation":  "workflow_settle",
		"department": d.st.ID,
		"workflow":   id,
		"status":     string(wf.Status),
		"health":     string(d.healthLocked()),
	})
	return nil
}

// Workflow returns a copy of one workflow record.
func (d *Department) Workflow(id string) (*Workflow, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	wf, ok := d.st.Workflows[id]
	if !ok {
		return nil, fmt.Errorf("workflow %s: %w", id, core.ErrNotFound)
	}
	return d.copyWorkflow(wf), nil
}

func (d *Department) copyWorkflow(wf *Workflow) *Workflow {
	out := *wf
	out.AssignedAgents = append([]string(nil), wf.AssignedAgents...)
	out.Errors = append([]string(nil), wf.Errors...)
	return &out
}

// SuccessRate is completed/(completed+failed); 1.0 with no history.
func (d *Department) SuccessRate() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.successRateLocked()
}

func (d *Department) successRateLocked() float64 {
	total := d.st.Completed + d.st.Failed
	if total == 0 {
		return 1.0
	}
	return float64(d.st.Completed) / float64(total)
}

// Health grades the department from its counters.
func (d *Department) Health() Health {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.healthLocked()
}

func (d *Department) runningLocked() int {
	running := 0
	for _, wf := range d.st.Workflows {
		if wf.Status == WorkflowInProgress {
			running++
		}
	}
	return running
}

func (d *Department) healthLocked() Health {
	if d.st.Status != StatusActive && d.st.Status != StatusCoordinating {
		return HealthOffline
	}
	rate := d.successRateLocked()
	switch {
	case d.st.ErrorCount >= maxErrors || rate < 0.5:
		return HealthCritical
	case rate < 0.8:
		return HealthDegraded
	default:
		return HealthHealthy
	}
}

// MeanCompletionTime is the running mean over completed workflows.
func (d *Department) MeanCompletionTime() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.st.MeanCompletion
}

// LastCoordination is when the most recent workflow settled.
func (d *Department) LastCoordination() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.st.LastCoordination
}

// CoordinationHistory returns a copy of the recent coordination
// records, oldest first.
func (d *Department) CoordinationHistory() []CoordinationRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]CoordinationRecord(nil), d.st.History...)
}

// ErrorLog returns a copy of the recent workflow failure messages.
func (d *Department) ErrorLog() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.st.ErrorLog...)
}

// ResourceUsage returns the snapshot taken at the last settle.
func (d *Department) ResourceUsage() map[string]interface{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]interface{}, len(d.st.ResourceUsage))
	for k, v := range d.st.ResourceUsage {
		out[k] = v
	}
	return out
}

// SetShared writes a key into the department's shared memory.
func (d *Department) SetShared(key string, value interface{}) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.st.SharedMemory[key] = value
}

// GetShared reads a key from the department's shared memory.
func (d *Department) GetShared(key string) (interface{}, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.st.SharedMemory[key]
	return v, ok
}

func stateKey(id string) string {
	return fmt.Sprintf("department:%s:state", id)
}

// SaveState persists the department snapshot.
func (d *Department) SaveState(ctx context.Context) error {
	if d.store == nil {
		return fmt.Errorf("department %s has no state store: %w", d.ID(), core.ErrNotInitialized)
	}
	d.mu.Lock()
	blob, err := json.Marshal(d.st)
	id := d.st.ID
	d.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to marshal department %s: %w", id, err)
	}
	if err := d.store.SetEx(ctx, stateKey(id), string(blob), 0); err != nil {
		return fmt.Errorf("failed to save department %s: %w", id, err)
	}
	return nil
}

// LoadState restores the department snapshot. A missing snapshot
// leaves the department unchanged.
func (d *Department) LoadState(ctx context.Context) error {
	if d.store == nil {
		return fmt.Errorf("department %s has no state store: %w", d.ID(), core.ErrNotInitialized)
	}
	blob, err := d.store.Get(ctx, stateKey(d.ID()))
	if err != nil {
		if core.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to load department %s: %w", d.ID(), err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	var restored state
	if err := json.Unmarshal([]byte(blob), &restored); err != nil {
		return fmt.Errorf("department %s snapshot is corrupted: %w", d.st.ID, err)
	}
	if restored.Workflows == nil {
		restored.Workflows = make(map[string]*Workflow)
	}
	if restored.SharedMemory == nil {
		restored.SharedMemory = make(map[string]interface{})
	}
	d.st = restored
	return nil
}
