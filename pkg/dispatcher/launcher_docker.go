package dispatcher

import (
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

// DockerLauncher runs each task's runner in its own container, bind-mounting
// the allocated workspace slot and applying per-pool CPU/memory quotas
// (spec §4.3 "DOCKER"). No in-pack usage file demonstrates docker/client
// wiring (the retrieval pack's hashicorp-nomad docker driver survived
// distillation as tests only, see DESIGN.md); this follows the
// github.com/docker/docker client's own documented ContainerCreate/Start
// idiom.
type DockerLauncher struct {
	cli *client.Client
}

// NewDockerLauncher returns a DockerLauncher talking to the local Docker
// daemon over its default connection (DOCKER_HOST / the platform socket).
func NewDockerLauncher() (*DockerLauncher, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker launcher: %w", err)
	}
	return &DockerLauncher{cli: cli}, nil
}

func (l *DockerLauncher) Launch(ctx context.Context, req LaunchRequest) (string, error) {
	if req.Image == "" {
		return "", fmt.Errorf("%w: docker launch requires an image", ErrLaunchFailed)
	}

	env := make([]string, 0, len(req.Env))
	for k, v := range req.Env {
		env = append(env, k+"="+v)
	}

	const workspaceMount = "/workspace"
	hostCfg := &container.HostConfig{
		Mounts: []mount.Mount{
			{Type: mount.TypeBind, Source: req.SlotPath, Target: workspaceMount},
		},
		Resources: container.Resources{
			Memory:   req.MemoryQuotaMB * 1024 * 1024,
			NanoCPUs: int64(req.CPUQuota * 1e9),
		},
		AutoRemove: false, // caller inspects exit status before removal
	}

	created, err := l.cli.ContainerCreate(ctx, &container.Config{
		Image:      req.Image,
		Env:        env,
		WorkingDir: workspaceMount,
		Labels: map[string]string{
			"necrocode.runner_id": req.RunnerID,
			"necrocode.spec":      req.SpecName,
			"necrocode.task_id":   req.TaskID,
		},
		ExposedPorts: nat.PortSet{},
	}, hostCfg, nil, nil, "necrocode-runner-"+req.RunnerID)
	if err != nil {
		return "", fmt.Errorf("%w: create container: %v", ErrLaunchFailed, err)
	}

	if err := l.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("%w: start container: %v", ErrLaunchFailed, err)
	}

	return created.ID, nil
}

func (l *DockerLauncher) Terminate(ctx context.Context, handle string) error {
	timeout := 10
	if err := l.cli.ContainerStop(ctx, handle, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("docker launcher: stop %s: %w", handle, err)
	}
	return l.cli.ContainerRemove(ctx, handle, container.RemoveOptions{Force: true})
}

// Logs returns the container's combined stdout/stderr stream, used by the
// runner's artifact-upload phase when running under DOCKER mode.
func (l *DockerLauncher) Logs(ctx context.Context, handle string) (io.ReadCloser, error) {
	return l.cli.ContainerLogs(ctx, handle, container.LogsOptions{ShowStdout: true, ShowStderr: true})
}
