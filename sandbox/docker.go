package sandbox

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/maestroframework/maestro/core"
)

const (
	// DefaultImage is the sandbox base image reference.
	DefaultImage = "maestro-agent:latest"

	// networkName is the isolated network all workers attach to.
	networkName = "maestro-sandbox"

	sandboxLabel = "maestro.sandbox"

	cpuPeriod = 100_000
)

// dockerfile builds the base image when it is missing: a slim Python
// with the requests stack and an unprivileged user.
const dockerfile = `FROM python:3.12-slim
RUN pip install --no-cache-dir requests && useradd -u 1000 -m agent
USER 1000:1000
ENTRYPOINT ["python", "/agent/agent.py"]
`

// DockerRuntime is the production Runtime over the Docker engine.
type DockerRuntime struct {
	client *client.Client
	image  string
	logger core.Logger

	mu           sync.Mutex
	imageReady   bool
	networkReady bool
}

// DockerOptions configures a DockerRuntime.
type DockerOptions struct {
	Host   string // defaults to the environment's docker host
	Image  string
	Logger core.Logger
}

// NewDockerRuntime connects to the Docker daemon and verifies it is
// reachable.
func NewDockerRuntime(ctx context.Context, opts DockerOptions) (*DockerRuntime, error) {
	clientOpts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if opts.Host != "" {
		clientOpts = []client.Opt{client.WithHost(opts.Host), client.WithAPIVersionNegotiation()}
	}
	dockerClient, err := client.NewClientWithOpts(clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	if _, err := dockerClient.Ping(ctx); err != nil {
		dockerClient.Close()
		return nil, fmt.Errorf("docker daemon unreachable: %w", err)
	}

	img := opts.Image
	if img == "" {
		img = DefaultImage
	}
	logger := opts.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("docker")
	}
	return &DockerRuntime{client: dockerClient, image: img, logger: logger}, nil
}

// Close releases the docker client.
func (d *DockerRuntime) Close() error {
	return d.client.Close()
}

// EnsureImage checks for the base image and builds it once if missing.
func (d *DockerRuntime) EnsureImage(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.imageReady {
		return nil
	}

	images, err := d.client.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", d.image)),
	})
	if err != nil {
		return fmt.Errorf("failed to list images: %w", err)
	}
	if len(images) > 0 {
		d.imageReady = true
		return nil
	}

	d.logger.Info("Building sandbox base image", map[string]interface{}{
		"operation": "sandbox_build",
		"image":     d.image,
	})
	buildCtx, err := dockerfileTar()
	if err != nil {
		return err
	}
	resp, err := d.client.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
		Tags:       []string{d.image},
		Dockerfile: "Dockerfile",
		Remove:     true,
	})
	if err != nil {
		return fmt.Errorf("image build failed: %v: %w", err, core.ErrSandboxBuild)
	}
	defer resp.Body.Close()
	// the build only completes once the response stream is drained
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return fmt.Errorf("image build stream: %v: %w", err, core.ErrSandboxBuild)
	}
	d.imageReady = true
	return nil
}

// EnsureNetwork creates the isolated worker network once: no
// inter-container traffic, outbound masquerade on.
func (d *DockerRuntime) EnsureNetwork(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.networkReady {
		return nil
	}

	networks, err := d.client.NetworkList(ctx, network.ListOptions{
		Filters: filters.NewArgs(filters.Arg("name", networkName)),
	})
	if err != nil {
		return fmt.Errorf("failed to list networks: %w", err)
	}
	for _, nw := range networks {
		if nw.Name == networkName {
			d.networkReady = true
			return nil
		}
	}

	_, err = d.client.NetworkCreate(ctx, networkName, network.CreateOptions{
		Driver: "bridge",
		Options: map[string]string{
			"com.docker.network.bridge.enable_icc":           "false",
			"com.docker.network.bridge.enable_ip_masquerade": "true",
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create sandbox network: %w", err)
	}
	d.networkReady = true
	return nil
}

// Create builds the hardened worker: non-root, read-only root FS,
// noexec tmpfs, no escalation, capped memory and CPU quota.
func (d *DockerRuntime) Create(ctx context.Context, spec WorkerSpec) (string, error) {
	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}

	containerConfig := &container.Config{
		Image:      spec.Image,
		Env:        env,
		User:       "1000:1000",
		Entrypoint: strslice.StrSlice{"python", "/agent/agent.py"},
		Labels:     map[string]string{sandboxLabel: "true"},
	}
	hostConfig := &container.HostConfig{
		ReadonlyRootfs: true,
		CapDrop:        strslice.StrSlice{"ALL"},
		SecurityOpt:    []string{"no-new-privileges"},
		NetworkMode:    container.NetworkMode(networkName),
		Tmpfs:          map[string]string{"/tmp": "rw,noexec,nosuid,size=64m"},
		Resources: container.Resources{
			Memory:    int64(spec.MemoryMB) << 20,
			CPUPeriod: cpuPeriod,
			CPUQuota:  int64(spec.CPUCores * cpuPeriod),
		},
		Mounts: []mount.Mount{
			{Type: mount.TypeBind, Source: filepath.Join(spec.WorkDir, "agent"), Target: "/agent", ReadOnly: true},
			{Type: mount.TypeBind, Source: filepath.Join(spec.WorkDir, "secrets"), Target: "/secrets", ReadOnly: true},
			{Type: mount.TypeBind, Source: filepath.Join(spec.WorkDir, "logs"), Target: "/logs"},
		},
	}

	resp, err := d.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("failed to create container %s: %w", spec.Name, err)
	}
	return resp.ID, nil
}

func (d *DockerRuntime) Start(ctx context.Context, id string) error {
	if err := d.client.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container %s: %w", id, err)
	}
	return nil
}

// Wait blocks until the container stops or the timeout fires.
func (d *DockerRuntime) Wait(ctx context.Context, id string, timeout time.Duration) (WaitResult, error) {
	waitCh, errCh := d.client.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case status := <-waitCh:
		if status.Error != nil {
			return WaitResult{}, fmt.Errorf("container %s wait: %s", id, status.Error.Message)
		}
		return WaitResult{ExitCode: int(status.StatusCode)}, nil
	case err := <-errCh:
		return WaitResult{}, fmt.Errorf("container %s wait: %w", id, err)
	case <-timer.C:
		return WaitResult{TimedOut: true}, nil
	case <-ctx.Done():
		return WaitResult{}, ctx.Err()
	}
}

func (d *DockerRuntime) Stop(ctx context.Context, id string, grace time.Duration) error {
	graceSeconds := int(grace.Seconds())
	if err := d.client.ContainerStop(ctx, id, container.StopOptions{Timeout: &graceSeconds}); err != nil {
		return fmt.Errorf("failed to stop container %s: %w", id, err)
	}
	return nil
}

func (d *DockerRuntime) Remove(ctx context.Context, id string) error {
	if err := d.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("failed to remove container %s: %w", id, err)
	}
	return nil
}

// Logs returns the last tail lines of combined stdout and stderr.
func (d *DockerRuntime) Logs(ctx context.Context, id string, tail int) (string, error) {
	reader, err := d.client.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       fmt.Sprintf("%d", tail),
	})
	if err != nil {
		return "", fmt.Errorf("failed to read logs for %s: %w", id, err)
	}
	defer reader.Close()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, reader); err != nil {
		return "", fmt.Errorf("failed to demux logs for %s: %w", id, err)
	}
	return buf.String(), nil
}

// statsSample is the subset of the engine's stats payload we read.
type statsSample struct {
	CPUStats struct {
		CPUUsage struct {
			TotalUsage uint64 `json:"total_usage"`
		} `json:"cpu_usage"`
		SystemUsage uint64 `json:"system_cpu_usage"`
		OnlineCPUs  uint32 `json:"online_cpus"`
	} `json:"cpu_stats"`
	PreCPUStats struct {
		CPUUsage struct {
			TotalUsage uint64 `json:"total_usage"`
		} `json:"cpu_usage"`
		SystemUsage uint64 `json:"system_cpu_usage"`
	} `json:"precpu_stats"`
	MemoryStats struct {
		Usage uint64 `json:"usage"`
		Limit uint64 `json:"limit"`
	} `json:"memory_stats"`
	Networks map[string]struct {
		RxBytes uint64 `json:"rx_bytes"`
		TxBytes uint64 `json:"tx_bytes"`
	} `json:"networks"`
}

func (d *DockerRuntime) Stats(ctx context.Context, id string) (*WorkerStats, error) {
	resp, err := d.client.ContainerStats(ctx, id, false)
	if err != nil {
		return nil, fmt.Errorf("failed to read stats for %s: %w", id, err)
	}
	defer resp.Body.Close()

	var sample statsSample
	if err := json.NewDecoder(resp.Body).Decode(&sample); err != nil {
		return nil, fmt.Errorf("failed to decode stats for %s: %w", id, err)
	}

	stats := &WorkerStats{
		MemoryMB:      float64(sample.MemoryStats.Usage) / (1 << 20),
		MemoryLimitMB: float64(sample.MemoryStats.Limit) / (1 << 20),
	}
	cpuDelta := float64(sample.CPUStats.CPUUsage.TotalUsage) - float64(sample.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(sample.CPUStats.SystemUsage) - float64(sample.PreCPUStats.SystemUsage)
	if cpuDelta > 0 && sysDelta > 0 {
		cpus := float64(sample.CPUStats.OnlineCPUs)
		if cpus == 0 {
			cpus = 1
		}
		stats.CPUPercent = cpuDelta / sysDelta * cpus * 100.0
	}
	for _, nw := range sample.Networks {
		stats.NetInputKB += float64(nw.RxBytes) / 1024
		stats.NetOutputKB += float64(nw.TxBytes) / 1024
	}
	return stats, nil
}

// List enumerates all sandbox workers, running or exited.
func (d *DockerRuntime) List(ctx context.Context) ([]WorkerInfo, error) {
	containers, err := d.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", sandboxLabel+"=true")),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	infos := make([]WorkerInfo, 0, len(containers))
	for _, c := range containers {
		name := ""
		if len(c.Names) > 0 {
			name = c.Names[0]
		}
		infos = append(infos, WorkerInfo{
			ID:        c.ID,
			Name:      name,
			Status:    c.State,
			StartedAt: time.Unix(c.Created, 0),
		})
	}
	return infos, nil
}

func dockerfileTar() (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{Name: "Dockerfile", Mode: 0o644, Size: int64(len(dockerfile))}
	if err := tw.WriteHeader(hdr); err != nil {
		return nil, fmt.Errorf("failed to build image context: %w", err)
	}
	if _, err := tw.Write([]byte(dockerfile)); err != nil {
		return nil, fmt.Errorf("failed to build image context: %w", err)
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("failed to build image context: %w", err)
	}
	return &buf, nil
}

var _ Runtime = (*DockerRuntime)(nil)
