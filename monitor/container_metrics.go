package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"golang.org/x/sync/errgroup"

	"github.com/everydev1618/fleet/engine"
	"github.com/everydev1618/fleet/protocol"
)

// statsConcurrency bounds concurrent stats requests per host.
const statsConcurrency = 8

// ContainerMetricsMonitor reports resource usage of running containers.
type ContainerMetricsMonitor struct {
	cfg  Config
	loop loop
}

// NewContainerMetricsMonitor creates a container metrics monitor.
func NewContainerMetricsMonitor(cfg Config, interval time.Duration) *ContainerMetricsMonitor {
	return &ContainerMetricsMonitor{cfg: cfg, loop: loop{interval: interval}}
}

// Start begins collection. The first collection runs immediately.
func (m *ContainerMetricsMonitor) Start() { m.loop.start(true, m.Collect) }

// Stop halts collection.
func (m *ContainerMetricsMonitor) Stop() { m.loop.stop() }

// Running reports whether the monitor is active.
func (m *ContainerMetricsMonitor) Running() bool { return m.loop.running() }

// Collect emits one container:metrics event per running container on every
// host. Failures are logged per host and per container.
func (m *ContainerMetricsMonitor) Collect(ctx context.Context) {
	var hosts errgroup.Group
	for _, t := range m.cfg.targets() {
		hosts.Go(func() error {
			m.collectHost(ctx, t)
			return nil
		})
	}
	_ = hosts.Wait()
}

func (m *ContainerMetricsMonitor) collectHost(ctx context.Context, t Target) {
	list, err := call(ctx, m.cfg, func(ctx context.Context) ([]container.Summary, error) {
		return t.Engine.ContainerList(ctx, container.ListOptions{
			Filters: filters.NewArgs(filters.Arg("status", "running")),
		})
	})
	if err != nil {
		if ctx.Err() == nil {
			slog.Warn("list running containers failed", "host", t.Host.Name, "error", err)
		}
		return
	}

	var g errgroup.Group
	g.SetLimit(statsConcurrency)
	for _, c := range list {
		g.Go(func() error {
			stats, err := ContainerStats(ctx, m.cfg, t.Engine, c.ID)
			if err != nil {
				if ctx.Err() == nil {
					slog.Warn("container stats failed", "host", t.Host.Name, "container", c.ID, "error", err)
				}
				return nil
			}
			name := ""
			if len(c.Names) > 0 {
				name = strings.TrimPrefix(c.Names[0], "/")
			}
			m.cfg.emit(protocol.EventContainerMetrics, protocol.ContainerMetricsEvent{
				HostID:      t.Host.ID,
				HostName:    t.Host.Name,
				ContainerID: c.ID,
				Name:        name,
				Stats:       stats,
				At:          time.Now(),
			})
			return nil
		})
	}
	_ = g.Wait()
}

// ContainerStats takes one stats sample of a container.
func ContainerStats(ctx context.Context, cfg Config, e engine.Engine, id string) (protocol.ContainerStats, error) {
	raw, err := call(ctx, cfg, func(ctx context.Context) (*container.StatsResponse, error) {
		r, err := e.ContainerStats(ctx, id, false)
		if err != nil {
			return nil, err
		}
		return engine.DecodeStats(r.Body)
	})
	if err != nil {
		return protocol.ContainerStats{}, fmt.Errorf("stats %s: %w", id, err)
	}
	return engine.CalculateStats(raw), nil
}
