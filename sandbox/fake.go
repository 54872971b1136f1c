package sandbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/maestroframework/maestro/core"
)

// FakeRuntime is an in-memory Runtime for tests. Scripted output,
// exit codes, and timeouts are keyed off the next execution.
type FakeRuntime struct {
	mu sync.Mutex

	// script for the next worker
	NextOutput   string
	NextExitCode int
	NextTimesOut bool
	FailCreate   error
	FailStart    error

	workers map[string]*fakeWorker
	seq     int

	// call records
	Stopped  []string
	Removed  []string
	Created  []WorkerSpec
	ImageOK  bool
	NetOK    bool
}

type fakeWorker struct {
	spec     WorkerSpec
	output   string
	exitCode int
	timesOut bool
	status   string
	started  time.Time
}

// NewFakeRuntime creates an empty fake.
func NewFakeRuntime() *FakeRuntime {
	return &FakeRuntime{workers: make(map[string]*fakeWorker)}
}

func (f *FakeRuntime) EnsureImage(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ImageOK = true
	return nil
}

func (f *FakeRuntime) EnsureNetwork(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.NetOK = true
	return nil
}

func (f *FakeRuntime) Create(ctx context.Context, spec WorkerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailCreate != nil {
		return "", f.FailCreate
	}
	f.seq++
	id := fmt.Sprintf("fake-%d", f.seq)
	f.workers[id] = &fakeWorker{
		spec:     spec,
		output:   f.NextOutput,
		exitCode: f.NextExitCode,
		timesOut: f.NextTimesOut,
		status:   "created",
	}
	f.Created = append(f.Created, spec)
	return id, nil
}

func (f *FakeRuntime) Start(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailStart != nil {
		return f.FailStart
	}
	w, ok := f.workers[id]
	if !ok {
		return fmt.Errorf("worker %s: %w", id, core.ErrNotFound)
	}
	w.status = "running"
	w.started = time.Now()
	return nil
}

func (f *FakeRuntime) Wait(ctx context.Context, id string, timeout time.Duration) (WaitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.workers[id]
	if !ok {
		return WaitResult{}, fmt.Errorf("worker %s: %w", id, core.ErrNotFound)
	}
	if w.timesOut {
		w.status = "running"
		return WaitResult{TimedOut: true}, nil
	}
	w.status = "exited"
	return WaitResult{ExitCode: w.exitCode}, nil
}

func (f *FakeRuntime) Stop(ctx context.Context, id string, grace time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if w, ok := f.workers[id]; ok {
		w.status = "exited"
	}
	f.Stopped = append(f.Stopped, id)
	return nil
}

func (f *FakeRuntime) Remove(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.workers, id)
	f.Removed = append(f.Removed, id)
	return nil
}

func (f *FakeRuntime) Logs(ctx context.Context, id string, tail int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.workers[id]
	if !ok {
		return "", fmt.Errorf("worker %s: %w", id, core.ErrNotFound)
	}
	return w.output, nil
}

func (f *FakeRuntime) Stats(ctx context.Context, id string) (*WorkerStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.workers[id]
	if !ok {
		return nil, fmt.Errorf("worker %s: %w", id, core.ErrNotFound)
	}
	return &WorkerStats{
		CPUPercent:    12.5,
		MemoryMB:      64,
		MemoryLimitMB: float64(w.spec.MemoryMB),
	}, nil
}

func (f *FakeRuntime) List(ctx context.Context) ([]WorkerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	infos := make([]WorkerInfo, 0, len(f.workers))
	for id, w := range f.workers {
		infos = append(infos, WorkerInfo{ID: id, Name: w.spec.Name, Status: w.status, StartedAt: w.started})
	}
	return infos, nil
}

var _ Runtime = (*FakeRuntime)(nil)
