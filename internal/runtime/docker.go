package runtime

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"

	"github.com/Is-a-space/discord-vps-creator/internal/models"
)

// Docker drives instances through the Docker Engine API. The underlying
// client pools connections and is safe for concurrent use.
type Docker struct {
	cli *client.Client
}

// NewDocker connects to the engine at host, or the environment's default
// when host is empty.
func NewDocker(host string) (*Docker, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrRuntimeUnavailable, err)
	}
	return &Docker{cli: cli}, nil
}

func (d *Docker) Ping(ctx context.Context) error {
	if _, err := d.cli.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", models.ErrRuntimeUnavailable, err)
	}
	return nil
}

func (d *Docker) Create(ctx context.Context, spec CreateSpec) (string, error) {
	rc, err := d.cli.ImagePull(ctx, spec.Image, image.PullOptions{})
	if err != nil {
		return "", mapErr(err)
	}
	// the pull completes when the progress stream ends
	_, _ = io.Copy(io.Discard, rc)
	rc.Close()

	host := &container.HostConfig{
		Resources: container.Resources{
			Memory:   spec.Limits.MemoryBytes,
			NanoCPUs: spec.Limits.NanoCPUs,
		},
	}
	if spec.Limits.StorageSize != "" {
		host.StorageOpt = map[string]string{"size": spec.Limits.StorageSize}
	}
	created, err := d.cli.ContainerCreate(ctx, &container.Config{
		Image: spec.Image,
		Cmd:   spec.Command,
		Tty:   true,
	}, host, nil, nil, "")
	if err != nil {
		return "", mapErr(err)
	}

	info, err := d.cli.ContainerInspect(ctx, created.ID)
	if err != nil {
		return "", mapErr(err)
	}
	name := strings.TrimPrefix(info.Name, "/")

	if err := d.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return name, mapErr(err)
	}
	return name, nil
}

func (d *Docker) Start(ctx context.Context, name string) error {
	return mapErr(d.cli.ContainerStart(ctx, name, container.StartOptions{}))
}

func (d *Docker) Stop(ctx context.Context, name string) error {
	return mapErr(d.cli.ContainerStop(ctx, name, container.StopOptions{}))
}

func (d *Docker) Remove(ctx context.Context, name string) error {
	return mapErr(d.cli.ContainerRemove(ctx, name, container.RemoveOptions{Force: true}))
}

func (d *Docker) Status(ctx context.Context, name string) (Status, error) {
	info, err := d.cli.ContainerInspect(ctx, name)
	if err != nil {
		return StatusUnknown, mapErr(err)
	}
	switch info.State.Status {
	case "running":
		return StatusRunning, nil
	case "exited":
		return StatusExited, nil
	case "created":
		return StatusCreated, nil
	default:
		return StatusUnknown, nil
	}
}

func (d *Docker) Logs(ctx context.Context, name string) ([]byte, error) {
	// instances run with a TTY, so the stream is raw rather than multiplexed
	rc, err := d.cli.ContainerLogs(ctx, name, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return nil, mapErr(err)
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func (d *Docker) Exec(ctx context.Context, name string, cmd []string) error {
	exec, err := d.cli.ContainerExecCreate(ctx, name, container.ExecOptions{
		Cmd:    cmd,
		Detach: true,
		Tty:    true,
	})
	if err != nil {
		return mapErr(err)
	}
	return mapErr(d.cli.ContainerExecStart(ctx, exec.ID, container.ExecStartOptions{
		Detach: true,
		Tty:    true,
	}))
}

func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errdefs.IsNotFound(err):
		return fmt.Errorf("%w: %v", models.ErrNotFound, err)
	default:
		return fmt.Errorf("%w: %v", models.ErrRuntimeOperationFailed, err)
	}
}
