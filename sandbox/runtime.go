// Package sandbox runs generated agent code inside resource-limited,
// network-isolated workers. The Manager owns the execution flow; the
// Runtime interface abstracts the container engine so tests run against
// a fake.
package sandbox

import (
	"context"
	"time"
)

// WorkerSpec describes one worker to create: the materialized work
// directory (agent/, secrets/, logs/ subdirectories), environment, and
// the clamped resource caps.
type WorkerSpec struct {
	Name     string
	Image    string
	WorkDir  string
	Env      map[string]string
	CPUCores float64
	MemoryMB int
}

// WaitResult reports how a worker finished.
type WaitResult struct {
	ExitCode int
	TimedOut bool
}

// WorkerStats is a point-in-time resource snapshot.
type WorkerStats struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryMB      float64 `json:"memory_mb"`
	MemoryLimitMB float64 `json:"memory_limit_mb"`
	NetInputKB    float64 `json:"net_input_kb"`
	NetOutputKB   float64 `json:"net_output_kb"`
}

// WorkerInfo is one row of List.
type WorkerInfo struct {
	ID        string
	Name      string
	Status    string
	StartedAt time.Time
}

// Runtime is the container-engine seam. DockerRuntime is the production
// implementation; FakeRuntime backs the tests.
type Runtime interface {
	// EnsureImage makes the base image available, building it at most once.
	EnsureImage(ctx context.Context) error
	// EnsureNetwork creates the isolated network if it does not exist:
	// inter-container traffic disabled, outbound masquerade enabled.
	EnsureNetwork(ctx context.Context) error

	Create(ctx context.Context, spec WorkerSpec) (string, error)
	Start(ctx context.Context, id string) error
	// Wait blocks until the worker exits or the timeout elapses.
	Wait(ctx context.Context, id string, timeout time.Duration) (WaitResult, error)
	Stop(ctx context.Context, id string, grace time.Duration) error
	Remove(ctx context.Context, id string) error

	Logs(ctx context.Context, id string, tail int) (string, error)
	Stats(ctx context.Context, id string) (*WorkerStats, error)
	List(ctx context.Context) ([]WorkerInfo, error)
}
