package builtin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/taskforge/engine/engine/executor"
	"github.com/taskforge/engine/engine/task"
)

// dockerPayload is the JSON shape a "docker" task's payload decodes into.
type dockerPayload struct {
	Image   string   `json:"image"`
	Command []string `json:"command"`
}

// DockerExecutor runs a task's command inside a throwaway container,
// adapted from ratchetplugin.ContainerManager's availability probe and
// exec-and-collect-output technique, simplified from a persistent
// per-project workspace to a single container-per-task lifecycle that
// fits the Executor contract (one Execute call, one outcome).
type DockerExecutor struct {
	cli       client.APIClient
	available bool
}

// NewDockerExecutor probes for a reachable Docker daemon. If none is
// found, the executor still registers but Execute fails fast with a
// descriptive error instead of panicking — mirroring ContainerManager's
// graceful-degradation design.
func NewDockerExecutor() *DockerExecutor {
	e := &DockerExecutor{}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return e
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		_ = cli.Close()
		return e
	}
	e.cli = cli
	e.available = true
	return e
}

func (e *DockerExecutor) TaskType() string { return "docker" }

// IsAvailable reports whether a Docker daemon was reachable at construction.
func (e *DockerExecutor) IsAvailable() bool { return e.available }

func (e *DockerExecutor) Execute(ctx context.Context, t *task.Item, sink executor.ProgressSink) error {
	if !e.available {
		return fmt.Errorf("docker executor: daemon not available")
	}
	var p dockerPayload
	if err := json.Unmarshal([]byte(t.Payload), &p); err != nil {
		return fmt.Errorf("docker executor: invalid payload: %w", err)
	}
	if p.Image == "" {
		return fmt.Errorf("docker executor: payload.image is required")
	}

	sink.Report(0, "creating container", "")

	resp, err := e.cli.ContainerCreate(ctx, &dockercontainer.Config{
		Image: p.Image,
		Cmd:   p.Command,
	}, nil, nil, nil, "")
	if err != nil {
		return fmt.Errorf("docker executor: create: %w", err)
	}
	defer func() {
		rmCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = e.cli.ContainerRemove(rmCtx, resp.ID, dockercontainer.RemoveOptions{Force: true})
	}()

	if err := e.cli.ContainerStart(ctx, resp.ID, dockercontainer.StartOptions{}); err != nil {
		return fmt.Errorf("docker executor: start: %w", err)
	}
	sink.Report(25, "container running", "")

	statusCh, errCh := e.cli.ContainerWait(ctx, resp.ID, dockercontainer.WaitConditionNotRunning)
	var exitCode int64
	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("docker executor: wait: %w", err)
		}
	case status := <-statusCh:
		exitCode = status.StatusCode
	case <-ctx.Done():
		return ctx.Err()
	}
	sink.Report(90, "collecting output", "")

	out, err := e.cli.ContainerLogs(ctx, resp.ID, dockercontainer.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err == nil {
		defer out.Close()
		var stdout, stderr bytes.Buffer
		_, _ = stdcopy.StdCopy(&stdout, &stderr, out)
		output := stdout.String()
		if stderr.Len() > 0 {
			output += "\n" + stderr.String()
		}
		sink.SetOutput(output)
	}

	if exitCode != 0 {
		return fmt.Errorf("docker executor: container exited with code %d", exitCode)
	}
	sink.Report(100, "container finished", "")
	return nil
}

// Close releases the Docker client's resources, if one was created.
func (e *DockerExecutor) Close() error {
	if e.cli == nil {
		return nil
	}
	return e.cli.Close()
}
