package docker

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// Bind mounts a host path into the container.
type Bind struct {
	Source string
	Target string
}

// RunOutput is the captured result of a container run.
type RunOutput struct {
	ExitCode int64
	Stdout   string
	Stderr   string
}

// RunToCompletion creates a container, waits for it to exit, collects its
// demultiplexed logs and removes it.
func (c *Client) RunToCompletion(ctx context.Context, name, image, workdir string, cmd []string, binds []Bind) (RunOutput, error) {
	if c == nil || c.inner == nil {
		return RunOutput{}, fmt.Errorf("docker client not initialized")
	}
	if strings.TrimSpace(image) == "" {
		return RunOutput{}, fmt.Errorf("image name cannot be empty")
	}

	mounts := make([]mount.Mount, 0, len(binds))
	for _, b := range binds {
		mounts = append(mounts, mount.Mount{Type: mount.TypeBind, Source: b.Source, Target: b.Target})
	}
	cfg := &container.Config{
		Image:      image,
		Cmd:        cmd,
		WorkingDir: workdir,
	}
	hostCfg := &container.HostConfig{Mounts: mounts}

	created, err := c.inner.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		return RunOutput{}, fmt.Errorf("container create: %w", err)
	}
	defer func() {
		_ = c.RemoveContainer(context.WithoutCancel(ctx), created.ID)
	}()

	if err := c.inner.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return RunOutput{}, fmt.Errorf("container start: %w", err)
	}
	code, err := c.WaitForStop(ctx, created.ID)
	if err != nil {
		return RunOutput{}, err
	}

	logs, err := c.inner.ContainerLogs(ctx, created.ID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return RunOutput{ExitCode: code}, fmt.Errorf("container logs: %w", err)
	}
	defer logs.Close()
	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, logs); err != nil {
		return RunOutput{ExitCode: code}, fmt.Errorf("read container logs: %w", err)
	}
	return RunOutput{ExitCode: code, Stdout: stdout.String(), Stderr: stderr.String()}, nil
}

// RemoveContainer removes an existing container if it exists.
func (c *Client) RemoveContainer(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("container id cannot be empty")
	}
	if err := c.inner.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}

// WaitForStop blocks until the container stops and returns the exit code.
func (c *Client) WaitForStop(ctx context.Context, containerID string) (int64, error) {
	statusCh, errCh := c.inner.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	for {
		select {
		case err := <-errCh:
			if err == nil {
				continue
			}
			if client.IsErrNotFound(err) {
				return 0, fmt.Errorf("wait for container %s: %w", containerID, ErrNotFound)
			}
			return 0, fmt.Errorf("wait for container stop: %w", err)
		case status := <-statusCh:
			if status.Error != nil && status.Error.Message != "" {
				return status.StatusCode, fmt.Errorf("container wait: %s", status.Error.Message)
			}
			return status.StatusCode, nil
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}
