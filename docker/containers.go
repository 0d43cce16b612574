package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/everydev1618/fleet/engine"
	"github.com/everydev1618/fleet/monitor"
	"github.com/everydev1618/fleet/protocol"
)

// ExecTimeout bounds the whole exec lifecycle.
const ExecTimeout = 30 * time.Second

// ExecResult holds the outcome of a command run inside a container.
type ExecResult struct {
	ExitCode int    `json:"exitCode"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// ListContainers lists containers of one host, or of every host when
// hostID is zero. A host that fails is reported in its entry.
func (c *DockerClient) ListContainers(ctx context.Context, hostID int64, all bool) ([]protocol.HostContainers, error) {
	targets, err := c.selectTargets(hostID)
	if err != nil {
		return nil, err
	}

	out := make([]protocol.HostContainers, len(targets))
	var wg sync.WaitGroup
	for i, t := range targets {
		wg.Add(1)
		go func(i int, t monitor.Target) {
			defer wg.Done()
			entry := protocol.HostContainers{HostID: t.Host.ID, HostName: t.Host.Name, Containers: []protocol.ContainerSummary{}}
			list, err := onHost(ctx, c, t.Host.ID, func(ctx context.Context, e engine.Engine) ([]container.Summary, error) {
				return e.ContainerList(ctx, container.ListOptions{All: all})
			})
			if err != nil {
				slog.Warn("list containers failed", "host", t.Host.Name, "error", err)
				entry.Error = err.Error()
			}
			for _, s := range list {
				entry.Containers = append(entry.Containers, summarize(s))
			}
			out[i] = entry
		}(i, t)
	}
	wg.Wait()

	if hostID != 0 && out[0].Error != "" {
		return nil, fmt.Errorf("list containers on %s: %s", out[0].HostName, out[0].Error)
	}
	return out, nil
}

func summarize(s container.Summary) protocol.ContainerSummary {
	name := ""
	if len(s.Names) > 0 {
		name = strings.TrimPrefix(s.Names[0], "/")
	}
	var ports []string
	for _, p := range s.Ports {
		if p.PublicPort != 0 {
			ports = append(ports, fmt.Sprintf("%s:%d->%d/%s", p.IP, p.PublicPort, p.PrivatePort, p.Type))
		} else {
			ports = append(ports, fmt.Sprintf("%d/%s", p.PrivatePort, p.Type))
		}
	}
	return protocol.ContainerSummary{
		ID:      s.ID,
		Name:    name,
		Image:   s.Image,
		State:   string(s.State),
		Status:  s.Status,
		Created: s.Created,
		Ports:   ports,
		Labels:  s.Labels,
	}
}

// InspectContainer returns the daemon's full description of a container.
func (c *DockerClient) InspectContainer(ctx context.Context, hostID int64, id string) (container.InspectResponse, error) {
	return onHost(ctx, c, hostID, func(ctx context.Context, e engine.Engine) (container.InspectResponse, error) {
		return e.ContainerInspect(ctx, id)
	})
}

// ContainerStats samples the resource usage of a container once.
func (c *DockerClient) ContainerStats(ctx context.Context, hostID int64, id string) (protocol.ContainerStats, error) {
	_, e, err := c.connection(hostID)
	if err != nil {
		return protocol.ContainerStats{}, err
	}
	return monitor.ContainerStats(ctx, c.monitorConfig(), e, id)
}

// StartContainer starts a container.
func (c *DockerClient) StartContainer(ctx context.Context, hostID int64, id string) error {
	return c.act(ctx, hostID, func(ctx context.Context, e engine.Engine) error {
		return e.ContainerStart(ctx, id, container.StartOptions{})
	})
}

// StopContainer stops a container, waiting timeout seconds before killing
// it when timeout is set.
func (c *DockerClient) StopContainer(ctx context.Context, hostID int64, id string, timeout *int) error {
	return c.act(ctx, hostID, func(ctx context.Context, e engine.Engine) error {
		return e.ContainerStop(ctx, id, container.StopOptions{Timeout: timeout})
	})
}

// RestartContainer restarts a container.
func (c *DockerClient) RestartContainer(ctx context.Context, hostID int64, id string, timeout *int) error {
	return c.act(ctx, hostID, func(ctx context.Context, e engine.Engine) error {
		return e.ContainerRestart(ctx, id, container.StopOptions{Timeout: timeout})
	})
}

// RemoveContainer removes a container.
func (c *DockerClient) RemoveContainer(ctx context.Context, hostID int64, id string, force bool) error {
	return c.act(ctx, hostID, func(ctx context.Context, e engine.Engine) error {
		return e.ContainerRemove(ctx, id, container.RemoveOptions{Force: force})
	})
}

// PauseContainer pauses a container.
func (c *DockerClient) PauseContainer(ctx context.Context, hostID int64, id string) error {
	return c.act(ctx, hostID, func(ctx context.Context, e engine.Engine) error {
		return e.ContainerPause(ctx, id)
	})
}

// UnpauseContainer resumes a paused container.
func (c *DockerClient) UnpauseContainer(ctx context.Context, hostID int64, id string) error {
	return c.act(ctx, hostID, func(ctx context.Context, e engine.Engine) error {
		return e.ContainerUnpause(ctx, id)
	})
}

// KillContainer sends a signal to a container. An empty signal is SIGKILL.
func (c *DockerClient) KillContainer(ctx context.Context, hostID int64, id, signal string) error {
	if signal == "" {
		signal = "SIGKILL"
	}
	return c.act(ctx, hostID, func(ctx context.Context, e engine.Engine) error {
		return e.ContainerKill(ctx, id, signal)
	})
}

// RenameContainer renames a container.
func (c *DockerClient) RenameContainer(ctx context.Context, hostID int64, id, newName string) error {
	if newName == "" {
		return fmt.Errorf("new container name is required")
	}
	return c.act(ctx, hostID, func(ctx context.Context, e engine.Engine) error {
		return e.ContainerRename(ctx, id, newName)
	})
}

// ContainerLogs returns the logs of a container, split into stdout and
// stderr unless the container runs with a terminal.
func (c *DockerClient) ContainerLogs(ctx context.Context, hostID int64, id string, opts protocol.LogOptions) (protocol.ContainerLogs, error) {
	info, err := c.InspectContainer(ctx, hostID, id)
	if err != nil {
		return protocol.ContainerLogs{}, err
	}
	tty := info.Config != nil && info.Config.Tty

	if opts.Tail == "" && opts.Since == "" {
		opts.Tail = "100"
	}
	return onHost(ctx, c, hostID, func(ctx context.Context, e engine.Engine) (protocol.ContainerLogs, error) {
		rc, err := e.ContainerLogs(ctx, id, container.LogsOptions{
			ShowStdout: true,
			ShowStderr: true,
			Tail:       opts.Tail,
			Since:      opts.Since,
			Timestamps: opts.Timestamps,
		})
		if err != nil {
			return protocol.ContainerLogs{}, err
		}
		defer rc.Close()

		stdout, stderr, err := demux(rc, tty)
		if err != nil {
			return protocol.ContainerLogs{}, fmt.Errorf("read logs: %w", err)
		}
		return protocol.ContainerLogs{Stdout: stdout, Stderr: stderr}, nil
	})
}

// ExecContainer runs a command inside a container and collects its output.
// Creating the exec instance is retried; running it is not.
func (c *DockerClient) ExecContainer(ctx context.Context, hostID int64, id string, opts protocol.ExecOptions) (ExecResult, error) {
	if len(opts.Cmd) == 0 {
		return ExecResult{}, fmt.Errorf("exec command is required")
	}
	_, e, err := c.connection(hostID)
	if err != nil {
		return ExecResult{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, ExecTimeout)
	defer cancel()

	created, err := onHost(ctx, c, hostID, func(ctx context.Context, e engine.Engine) (container.ExecCreateResponse, error) {
		return e.ContainerExecCreate(ctx, id, container.ExecOptions{
			Cmd:          opts.Cmd,
			Tty:          opts.Tty,
			WorkingDir:   opts.WorkingDir,
			Env:          opts.Env,
			User:         opts.User,
			AttachStdout: true,
			AttachStderr: true,
		})
	})
	if err != nil {
		return ExecResult{}, fmt.Errorf("create exec: %w", err)
	}

	attach, err := e.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{Tty: opts.Tty})
	if err != nil {
		return ExecResult{}, fmt.Errorf("attach exec: %w", err)
	}
	defer attach.Close()

	type output struct {
		stdout, stderr string
		err            error
	}
	done := make(chan output, 1)
	go func() {
		stdout, stderr, err := demux(attach.Reader, opts.Tty)
		done <- output{stdout, stderr, err}
	}()

	var out output
	select {
	case out = <-done:
	case <-ctx.Done():
		return ExecResult{}, fmt.Errorf("exec timed out after %s: %w", ExecTimeout, ctx.Err())
	}
	if out.err != nil {
		return ExecResult{}, fmt.Errorf("read exec output: %w", out.err)
	}

	inspect, err := e.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return ExecResult{}, fmt.Errorf("inspect exec: %w", err)
	}
	return ExecResult{ExitCode: inspect.ExitCode, Stdout: out.stdout, Stderr: out.stderr}, nil
}

// demux splits a multiplexed stream into stdout and stderr. A terminal
// stream is not multiplexed and is returned whole as stdout.
func demux(r io.Reader, tty bool) (string, string, error) {
	var stdout, stderr bytes.Buffer
	if tty {
		_, err := io.Copy(&stdout, r)
		return stdout.String(), "", err
	}
	_, err := stdcopy.StdCopy(&stdout, &stderr, r)
	if err == io.EOF {
		err = nil
	}
	return stdout.String(), stderr.String(), err
}
