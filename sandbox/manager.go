package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/maestroframework/maestro/agentspec"
	"github.com/maestroframework/maestro/core"
	"github.com/maestroframework/maestro/telemetry"
)

const (
	// StatusCompleted, StatusFailed, StatusTimeout are the terminal
	// sandbox statuses.
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusTimeout   = "timeout"

	// stopGrace is how long a timed-out worker gets to shut down before
	// it is killed.
	stopGrace = 10 * time.Second

	logTail = 50
)

// Ceilings are the process-wide caps no agent may exceed regardless of
// its declared limits.
type Ceilings struct {
	CPUCores float64
	MemoryMB int
	Timeout  time.Duration
}

// DefaultCeilings returns the standard process-wide caps.
func DefaultCeilings() Ceilings {
	return Ceilings{CPUCores: 2.0, MemoryMB: 1024, Timeout: 300 * time.Second}
}

// Request is one sandbox execution: the agent source, its secrets, and
// the declared limits (clamped by the manager's ceilings).
type Request struct {
	AgentID string
	Source  string
	Secrets map[string]string
	Limits  agentspec.ResourceLimits
	Timeout time.Duration
}

// Result is what an execution produced.
type Result struct {
	SandboxID string                 `json:"sandbox_id"`
	WorkerID  string                 `json:"worker_id"`
	Status    string                 `json:"status"`
	ExitCode  int                    `json:"exit_code"`
	Output    string                 `json:"output"`
	Result    map[string]interface{} `json:"result"`
	Duration  time.Duration          `json:"duration"`
}

// Manager materializes agent workspaces and drives workers through the
// Runtime.
type Manager struct {
	runtime  Runtime
	image    string
	ceilings Ceilings
	baseDir  string
	logger   core.Logger
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	Runtime  Runtime  // required
	Image    string   // base image reference
	Ceilings Ceilings // zero value means DefaultCeilings
	BaseDir  string   // parent for per-sandbox work dirs, defaults to os.TempDir
	Logger   core.Logger
}

// NewManager creates a sandbox Manager.
func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.Runtime == nil {
		return nil, fmt.Errorf("sandbox runtime is required: %w", core.ErrInvalidConfiguration)
	}
	if opts.Image == "" {
		opts.Image = DefaultImage
	}
	if opts.Ceilings == (Ceilings{}) {
		opts.Ceilings = DefaultCeilings()
	}
	if opts.BaseDir == "" {
		opts.BaseDir = os.TempDir()
	}
	logger := opts.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("sandbox")
	}
	return &Manager{
		runtime:  opts.Runtime,
		image:    opts.Image,
		ceilings: opts.Ceilings,
		baseDir:  opts.BaseDir,
		logger:   logger,
	}, nil
}

// Execute runs agent source to completion inside a fresh worker and
// returns the extracted result. The worker and its workspace are
// removed on every path.
func (m *Manager) Execute(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	sandboxID := "sandbox-" + uuid.NewString()[:8]
	limits := m.clamp(req.Limits)
	timeout := req.Timeout
	if timeout <= 0 || timeout > m.ceilings.Timeout {
		timeout = m.ceilings.Timeout
	}

	if err := m.runtime.EnsureImage(ctx); err != nil {
		return nil, fmt.Errorf("sandbox image: %v: %w", err, core.ErrSandboxBuild)
	}
	if err := m.runtime.EnsureNetwork(ctx); err != nil {
		return nil, fmt.Errorf("sandbox network: %v: %w", err, core.ErrSandboxCreate)
	}

	workDir, err := m.materialize(sandboxID, req)
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(workDir)

	spec := WorkerSpec{
		Name:    sandboxID,
		Image:   m.image,
		WorkDir: workDir,
		Env: map[string]string{
			"SANDBOX_ID":       sandboxID,
			"AGENT_TIMEOUT":    fmt.Sprintf("%d", int(timeout.Seconds())),
			"AGENT_MAX_MEMORY": fmt.Sprintf("%d", limits.MemoryMB),
			"AGENT_FILE":       "/agent/agent.py",
		},
		CPUCores: limits.CPUCores,
		MemoryMB: limits.MemoryMB,
	}

	workerID, err := m.runtime.Create(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("create worker for %s: %v: %w", req.AgentID, err, core.ErrSandboxCreate)
	}
	defer m.runtime.Remove(context.WithoutCancel(ctx), workerID)

	if err := m.runtime.Start(ctx, workerID); err != nil {
		return nil, fmt.Errorf("start worker %s: %v: %w", workerID, err, core.ErrSandboxRuntime)
	}
	m.logger.Info("Sandbox started", map[string]interface{}{
		"operation":  "sandbox_execute",
		"sandbox_id": sandboxID,
		"agent_id":   req.AgentID,
		"cpu_cores":  limits.CPUCores,
		"memory_mb":  limits.MemoryMB,
		"timeout_s":  int(timeout.Seconds()),
	})

	wait, err := m.runtime.Wait(ctx, workerID, timeout)
	if err != nil {
		return nil, fmt.Errorf("wait on worker %s: %v: %w", workerID, err, core.ErrSandboxRuntime)
	}

	result := &Result{SandboxID: sandboxID, WorkerID: workerID}
	if wait.TimedOut {
		if err := m.runtime.Stop(context.WithoutCancel(ctx), workerID, stopGrace); err != nil {
			m.logger.Warn("Failed to stop timed-out worker", map[string]interface{}{
				"operation":  "sandbox_stop",
				"sandbox_id": sandboxID,
				"error":      err.Error(),
			})
		}
		result.Status = StatusTimeout
		telemetry.Counter("sandbox.timeouts")
	} else {
		result.ExitCode = wait.ExitCode
		if wait.ExitCode == 0 {
			result.Status = StatusCompleted
		} else {
			result.Status = StatusFailed
		}
	}

	output, err := m.runtime.Logs(ctx, workerID, logTail)
	if err != nil {
		m.logger.Warn("Failed to collect worker logs", map[string]interface{}{
			"operation":  "sandbox_logs",
			"sandbox_id": sandboxID,
			"error":      err.Error(),
		})
	}
	result.Output = output
	result.Result = ExtractResult(output, result.Status)
	result.Duration = time.Since(start)

	telemetry.Duration("sandbox.duration_ms", start)
	m.logger.Info("Sandbox finished", map[string]interface{}{
		"operation":   "sandbox_execute_complete",
		"sandbox_id":  sandboxID,
		"status":      result.Status,
		"exit_code":   result.ExitCode,
		"duration_ms": result.Duration.Milliseconds(),
	})
	return result, nil
}

// Logs returns the last lines from a worker.
func (m *Manager) Logs(ctx context.Context, workerID string, tail int) (string, error) {
	if tail <= 0 {
		tail = logTail
	}
	return m.runtime.Logs(ctx, workerID, tail)
}

// Stats returns a resource snapshot for a running worker.
func (m *Manager) Stats(ctx context.Context, workerID string) (*WorkerStats, error) {
	return m.runtime.Stats(ctx, workerID)
}

// Stop gracefully stops a worker.
func (m *Manager) Stop(ctx context.Context, workerID string, grace time.Duration) error {
	if grace <= 0 {
		grace = stopGrace
	}
	return m.runtime.Stop(ctx, workerID, grace)
}

// Destroy force-removes a worker.
func (m *Manager) Destroy(ctx context.Context, workerID string) error {
	return m.runtime.Remove(ctx, workerID)
}

// List enumerates sandbox workers.
func (m *Manager) List(ctx context.Context) ([]WorkerInfo, error) {
	return m.runtime.List(ctx)
}

// clamp applies the process-wide ceilings to declared limits.
func (m *Manager) clamp(limits agentspec.ResourceLimits) agentspec.ResourceLimits {
	out := limits
	if out.CPUCores <= 0 || out.CPUCores > m.ceilings.CPUCores {
		out.CPUCores = m.ceilings.CPUCores
	}
	if out.MemoryMB <= 0 || out.MemoryMB > m.ceilings.MemoryMB {
		out.MemoryMB = m.ceilings.MemoryMB
	}
	ceilingS := int(m.ceilings.Timeout.Seconds())
	if out.TimeoutS <= 0 || out.TimeoutS > ceilingS {
		out.TimeoutS = ceilingS
	}
	return out
}

// materialize lays out the per-sandbox workspace: agent source and
// secrets read-only, logs writable by the worker.
func (m *Manager) materialize(sandboxID string, req Request) (string, error) {
	workDir := filepath.Join(m.baseDir, sandboxID)
	for _, sub := range []string{"agent", "secrets", "logs"} {
		if err := os.MkdirAll(filepath.Join(workDir, sub), 0o755); err != nil {
			return "", fmt.Errorf("materialize %s: %v: %w", sandboxID, err, core.ErrSandboxCreate)
		}
	}
	if err := os.WriteFile(filepath.Join(workDir, "agent", "agent.py"), []byte(req.Source), 0o444); err != nil {
		return "", fmt.Errorf("write agent source: %v: %w", err, core.ErrSandboxCreate)
	}
	secrets := req.Secrets
	if secrets == nil {
		secrets = map[string]string{}
	}
	blob, err := json.Marshal(secrets)
	if err != nil {
		return "", fmt.Errorf("marshal secrets: %v: %w", err, core.ErrSandboxCreate)
	}
	if err := os.WriteFile(filepath.Join(workDir, "secrets", "secrets.json"), blob, 0o400); err != nil {
		return "", fmt.Errorf("write secrets: %v: %w", err, core.ErrSandboxCreate)
	}
	// logs dir must stay writable for the non-root worker user
	if err := os.Chmod(filepath.Join(workDir, "logs"), 0o777); err != nil {
		return "", fmt.Errorf("open logs dir: %v: %w", err, core.ErrSandboxCreate)
	}
	return workDir, nil
}

// ExtractResult scans output bottom-up for the last line that is a
// complete JSON object and returns it. When no such line exists the
// result is the status plus the raw output.
func ExtractResult(output, status string) map[string]interface{} {
	lines := strings.Split(output, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "{") || !strings.HasSuffix(line, "}") {
			continue
		}
		var parsed map[string]interface{}
		if err := json.Unmarshal([]byte(line), &parsed); err == nil {
			return parsed
		}
	}
	return map[string]interface{}{"status": status, "raw": output}
}
