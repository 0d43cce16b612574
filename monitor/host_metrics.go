package monitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/system"
	"golang.org/x/sync/errgroup"

	"github.com/everydev1618/fleet/protocol"
)

// HostMetricsMonitor reports daemon info for every host.
type HostMetricsMonitor struct {
	cfg  Config
	loop loop
}

// NewHostMetricsMonitor creates a host metrics monitor.
func NewHostMetricsMonitor(cfg Config, interval time.Duration) *HostMetricsMonitor {
	return &HostMetricsMonitor{cfg: cfg, loop: loop{interval: interval}}
}

// Start begins collection. The first collection runs immediately.
func (m *HostMetricsMonitor) Start() { m.loop.start(true, m.Collect) }

// Stop halts collection.
func (m *HostMetricsMonitor) Stop() { m.loop.stop() }

// Running reports whether the monitor is active.
func (m *HostMetricsMonitor) Running() bool { return m.loop.running() }

// Collect fetches info and version from every host concurrently and emits
// one host:metrics event per host that answered.
func (m *HostMetricsMonitor) Collect(ctx context.Context) {
	var g errgroup.Group
	for _, t := range m.cfg.targets() {
		g.Go(func() error {
			ev, err := HostMetrics(ctx, m.cfg, t)
			if err != nil {
				if ctx.Err() == nil {
					slog.Warn("host metrics failed", "host", t.Host.Name, "error", err)
				}
				return nil
			}
			m.cfg.emit(protocol.EventHostMetrics, ev)
			return nil
		})
	}
	_ = g.Wait()
}

// HostMetrics fetches info and version of one host.
func HostMetrics(ctx context.Context, cfg Config, t Target) (protocol.HostMetricsEvent, error) {
	var (
		info    system.Info
		version types.Version
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		info, err = call(gctx, cfg, t.Engine.Info)
		return err
	})
	g.Go(func() error {
		var err error
		version, err = call(gctx, cfg, t.Engine.ServerVersion)
		return err
	})
	if err := g.Wait(); err != nil {
		return protocol.HostMetricsEvent{}, err
	}

	return protocol.HostMetricsEvent{
		HostID:            t.Host.ID,
		HostName:          t.Host.Name,
		ServerVersion:     version.Version,
		APIVersion:        version.APIVersion,
		OperatingSystem:   info.OperatingSystem,
		Architecture:      info.Architecture,
		CPUs:              info.NCPU,
		MemTotal:          info.MemTotal,
		Containers:        info.Containers,
		ContainersRunning: info.ContainersRunning,
		ContainersPaused:  info.ContainersPaused,
		ContainersStopped: info.ContainersStopped,
		Images:            info.Images,
		At:                time.Now(),
	}, nil
}
