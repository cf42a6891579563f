package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// ContainerRequest describes one ephemeral sandboxed run.
type ContainerRequest struct {
	Image string
	Cmd   []string
	Binds []string // host:container[:ro] mounts for source/harness files
	Env   []string
}

// ContainerResult is the synchronous outcome of a sandboxed run.
type ContainerResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// ContainerRunner is the external container-execution capability. It is an
// interface so the evaluator can run without a Docker daemon in tests.
type ContainerRunner interface {
	Run(ctx context.Context, req ContainerRequest) (*ContainerResult, error)
}

// DockerRunner runs each request in a fresh network-disabled container with
// memory, CPU, process-count and output ceilings. The container is removed
// unconditionally after the run.
type DockerRunner struct {
	cli       *client.Client
	memoryMB  int64
	nanoCPUs  int64
	pidsLimit int64
	timeout   time.Duration
	maxOutput int
}

// NewDockerRunner connects to the local Docker daemon.
func NewDockerRunner(memoryMB, nanoCPUs, pidsLimit int64, timeout time.Duration, maxOutput int) (*DockerRunner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("connect to docker daemon: %w", err)
	}
	return &DockerRunner{
		cli:       cli,
		memoryMB:  memoryMB,
		nanoCPUs:  nanoCPUs,
		pidsLimit: pidsLimit,
		timeout:   timeout,
		maxOutput: maxOutput,
	}, nil
}

func (r *DockerRunner) Run(ctx context.Context, req ContainerRequest) (*ContainerResult, error) {
	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	pids := r.pidsLimit
	cfg := &container.Config{
		Image:           req.Image,
		Cmd:             req.Cmd,
		Env:             req.Env,
		NetworkDisabled: true,
	}
	hostCfg := &container.HostConfig{
		Binds: req.Binds,
		Resources: container.Resources{
			Memory:    r.memoryMB * 1024 * 1024,
			NanoCPUs:  r.nanoCPUs,
			PidsLimit: &pids,
		},
	}

	created, err := r.cli.ContainerCreate(runCtx, cfg, hostCfg, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("create sandbox container: %w", err)
	}
	// Teardown happens no matter how the run went.
	defer func() {
		rmCtx, rmCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer rmCancel()
		_ = r.cli.ContainerRemove(rmCtx, created.ID, container.RemoveOptions{Force: true})
	}()

	if err := r.cli.ContainerStart(runCtx, created.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("start sandbox container: %w", err)
	}

	waitCh, errCh := r.cli.ContainerWait(runCtx, created.ID, container.WaitConditionNotRunning)
	var exitCode int
	select {
	case status := <-waitCh:
		exitCode = int(status.StatusCode)
	case err := <-errCh:
		if err != nil {
			return nil, fmt.Errorf("wait for sandbox container: %w", err)
		}
	case <-runCtx.Done():
		return nil, ErrTestTimeout
	}

	logs, err := r.cli.ContainerLogs(runCtx, created.ID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("read sandbox logs: %w", err)
	}
	defer logs.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, logs); err != nil {
		return nil, fmt.Errorf("demux sandbox logs: %w", err)
	}

	return &ContainerResult{
		Stdout:   Truncate(stdout.String(), r.maxOutput),
		Stderr:   Truncate(stderr.String(), r.maxOutput),
		ExitCode: exitCode,
	}, nil
}
