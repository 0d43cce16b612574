package docker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"

	"github.com/everydev1618/fleet/engine"
	"github.com/everydev1618/fleet/monitor"
	"github.com/everydev1618/fleet/protocol"
)

// Monitoring returns the orchestrator, creating it on first use.
func (c *DockerClient) Monitoring() (*monitor.Orchestrator, error) {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return nil, ErrDisposed
	}
	created := false
	if c.monitoring == nil {
		c.monitoring = monitor.New(c.opts, c.emit)
		created = true
	}
	mon := c.monitoring
	c.mu.Unlock()

	if created {
		c.syncMonitoring(mon)
	}
	return mon, nil
}

// StartMonitoring starts every monitor. Options, when given, replace the
// client's monitoring options and rebuild the orchestrator.
func (c *DockerClient) StartMonitoring(ctx context.Context, opts *protocol.MonitoringOptions) (monitor.Status, error) {
	if err := c.check(); err != nil {
		return monitor.Status{}, err
	}
	if opts != nil {
		c.mu.Lock()
		old := c.monitoring
		c.monitoring = nil
		c.opts.Monitoring = opts.Normalize()
		c.mu.Unlock()
		if old != nil {
			old.Stop()
		}
	}

	mon, err := c.Monitoring()
	if err != nil {
		return monitor.Status{}, err
	}
	mon.Start(ctx)
	return mon.Status(), nil
}

// StopMonitoring stops every monitor.
func (c *DockerClient) StopMonitoring() (monitor.Status, error) {
	if err := c.check(); err != nil {
		return monitor.Status{}, err
	}
	c.mu.RLock()
	mon := c.monitoring
	c.mu.RUnlock()
	if mon == nil {
		return monitor.Status{Monitors: map[string]bool{}}, nil
	}
	mon.Stop()
	return mon.Status(), nil
}

// MonitoringStatus reports the state of the monitors.
func (c *DockerClient) MonitoringStatus() (monitor.Status, error) {
	if err := c.check(); err != nil {
		return monitor.Status{}, err
	}
	c.mu.RLock()
	mon := c.monitoring
	c.mu.RUnlock()
	if mon == nil {
		return monitor.Status{Monitors: map[string]bool{}, Options: c.opts.Monitoring}, nil
	}
	return mon.Status(), nil
}

// MonitoringActive reports whether monitoring is running.
func (c *DockerClient) MonitoringActive() bool {
	c.mu.RLock()
	mon := c.monitoring
	c.mu.RUnlock()
	return mon != nil && mon.Active()
}

// RestartEventStream reopens the native event streams.
func (c *DockerClient) RestartEventStream() error {
	if err := c.check(); err != nil {
		return err
	}
	c.mu.RLock()
	mon := c.monitoring
	c.mu.RUnlock()
	if mon == nil || !mon.Active() {
		return fmt.Errorf("monitoring is not active")
	}
	mon.RestartEventStream()
	return nil
}

// refreshMonitoring pushes the current hosts and connections to the
// orchestrator if one exists.
func (c *DockerClient) refreshMonitoring() {
	c.mu.RLock()
	mon := c.monitoring
	c.mu.RUnlock()
	if mon != nil {
		c.syncMonitoring(mon)
	}
}

func (c *DockerClient) syncMonitoring(mon *monitor.Orchestrator) {
	c.mu.RLock()
	hosts := make([]protocol.Host, 0, len(c.hosts))
	for _, h := range c.hosts {
		hosts = append(hosts, h)
	}
	conns := make(map[int64]engine.Engine, len(c.connections))
	for id, e := range c.connections {
		conns[id] = e
	}
	c.mu.RUnlock()

	mon.Update(hosts, conns)
}

// HostMetrics returns the daemon metrics of one host, or of every host when
// hostID is zero. Hosts that fail are left out.
func (c *DockerClient) HostMetrics(ctx context.Context, hostID int64) ([]protocol.HostMetricsEvent, error) {
	targets, err := c.selectTargets(hostID)
	if err != nil {
		return nil, err
	}

	cfg := c.monitorConfig()
	results := make([]*protocol.HostMetricsEvent, len(targets))
	var wg sync.WaitGroup
	for i, t := range targets {
		wg.Add(1)
		go func(i int, t monitor.Target) {
			defer wg.Done()
			ev, err := monitor.HostMetrics(ctx, cfg, t)
			if err != nil {
				slog.Warn("host metrics failed", "host", t.Host.Name, "error", err)
				return
			}
			results[i] = &ev
		}(i, t)
	}
	wg.Wait()

	out := make([]protocol.HostMetricsEvent, 0, len(results))
	for _, r := range results {
		if r != nil {
			out = append(out, *r)
		}
	}
	if hostID != 0 && len(out) == 0 {
		return nil, fmt.Errorf("host metrics unavailable for host %d", hostID)
	}
	return out, nil
}

// ContainerMetrics samples every running container on one host, or on every
// host when hostID is zero. Containers that fail are left out.
func (c *DockerClient) ContainerMetrics(ctx context.Context, hostID int64) ([]protocol.ContainerMetricsEvent, error) {
	targets, err := c.selectTargets(hostID)
	if err != nil {
		return nil, err
	}
	cfg := c.monitorConfig()

	var (
		mu  sync.Mutex
		out = []protocol.ContainerMetricsEvent{}
		wg  sync.WaitGroup
	)
	for _, t := range targets {
		list, err := onHost(ctx, c, t.Host.ID, func(ctx context.Context, e engine.Engine) ([]container.Summary, error) {
			return e.ContainerList(ctx, container.ListOptions{
				Filters: filters.NewArgs(filters.Arg("status", "running")),
			})
		})
		if err != nil {
			slog.Warn("list running containers failed", "host", t.Host.Name, "error", err)
			continue
		}
		for _, s := range list {
			wg.Add(1)
			go func(t monitor.Target, s container.Summary) {
				defer wg.Done()
				stats, err := monitor.ContainerStats(ctx, cfg, t.Engine, s.ID)
				if err != nil {
					slog.Warn("container stats failed", "host", t.Host.Name, "container", s.ID, "error", err)
					return
				}
				name := ""
				if len(s.Names) > 0 {
					name = strings.TrimPrefix(s.Names[0], "/")
				}
				mu.Lock()
				out = append(out, protocol.ContainerMetricsEvent{
					HostID:      t.Host.ID,
					HostName:    t.Host.Name,
					ContainerID: s.ID,
					Name:        name,
					Stats:       stats,
					At:          time.Now(),
				})
				mu.Unlock()
			}(t, s)
		}
	}
	wg.Wait()
	return out, nil
}
