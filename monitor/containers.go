package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"

	"github.com/everydev1618/fleet/protocol"
)

// ContainerState is what the poller remembers about one container.
type ContainerState struct {
	ID    string
	Name  string
	Image string
	State string
}

// Snapshot is the container list of one host keyed by container id.
type Snapshot map[string]ContainerState

// SnapshotOf builds a snapshot from a container listing.
func SnapshotOf(list []container.Summary) Snapshot {
	s := make(Snapshot, len(list))
	for _, c := range list {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		s[c.ID] = ContainerState{ID: c.ID, Name: name, Image: c.Image, State: string(c.State)}
	}
	return s
}

// Change is one detected container transition.
type Change struct {
	Type      protocol.EventType
	Container ContainerState
}

// Diff compares two snapshots of the same host. New ids are created,
// running transitions are started or stopped, and vanished ids are removed.
// Changes are ordered by container id within each kind.
func Diff(prev, next Snapshot) []Change {
	var created, started, stopped, removed []Change

	for id, c := range next {
		old, seen := prev[id]
		switch {
		case !seen:
			created = append(created, Change{protocol.EventContainerCreated, c})
		case old.State != "running" && c.State == "running":
			started = append(started, Change{protocol.EventContainerStarted, c})
		case old.State == "running" && c.State != "running":
			stopped = append(stopped, Change{protocol.EventContainerStopped, c})
		}
	}
	for id, c := range prev {
		if _, ok := next[id]; !ok {
			removed = append(removed, Change{protocol.EventContainerRemoved, c})
		}
	}

	var out []Change
	for _, group := range [][]Change{created, started, stopped, removed} {
		slices.SortFunc(group, func(a, b Change) int {
			return strings.Compare(a.Container.ID, b.Container.ID)
		})
		out = append(out, group...)
	}
	return out
}

func snapshotKey(hostID int64) string {
	return fmt.Sprintf("host-%d", hostID)
}

// ContainerEventMonitor polls container lists and reports lifecycle changes.
type ContainerEventMonitor struct {
	cfg  Config
	loop loop

	mu        sync.Mutex
	snapshots map[string]Snapshot
}

// NewContainerEventMonitor creates a container poller.
func NewContainerEventMonitor(cfg Config, interval time.Duration) *ContainerEventMonitor {
	return &ContainerEventMonitor{
		cfg:       cfg,
		loop:      loop{interval: interval},
		snapshots: make(map[string]Snapshot),
	}
}

// Start captures the current container lists as the baseline and then
// polls on every interval.
func (m *ContainerEventMonitor) Start(ctx context.Context) {
	if m.loop.running() {
		return
	}
	m.Baseline(ctx)
	m.loop.start(false, m.Poll)
}

// Stop halts polling.
func (m *ContainerEventMonitor) Stop() { m.loop.stop() }

// Running reports whether the monitor is active.
func (m *ContainerEventMonitor) Running() bool { return m.loop.running() }

// Baseline records the current container list of every host without
// emitting events.
func (m *ContainerEventMonitor) Baseline(ctx context.Context) {
	m.each(ctx, func(t Target, s Snapshot) {
		m.mu.Lock()
		m.snapshots[snapshotKey(t.Host.ID)] = s
		m.mu.Unlock()
	})
}

// Poll lists containers on every host and emits the changes since the
// previous snapshot of that host.
func (m *ContainerEventMonitor) Poll(ctx context.Context) {
	m.each(ctx, func(t Target, s Snapshot) {
		key := snapshotKey(t.Host.ID)
		m.mu.Lock()
		prev := m.snapshots[key]
		m.snapshots[key] = s
		m.mu.Unlock()

		now := time.Now()
		for _, c := range Diff(prev, s) {
			m.cfg.emit(c.Type, protocol.ContainerEvent{
				HostID:      t.Host.ID,
				HostName:    t.Host.Name,
				ContainerID: c.Container.ID,
				Name:        c.Container.Name,
				Image:       c.Container.Image,
				State:       c.Container.State,
				Source:      "poll",
				At:          now,
			})
		}
	})
}

// Forget drops snapshots of hosts that are no longer targeted.
func (m *ContainerEventMonitor) Forget(keep map[int64]bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.snapshots {
		var id int64
		if _, err := fmt.Sscanf(key, "host-%d", &id); err == nil && !keep[id] {
			delete(m.snapshots, key)
		}
	}
}

func (m *ContainerEventMonitor) each(ctx context.Context, fn func(Target, Snapshot)) {
	var wg sync.WaitGroup
	for _, t := range m.cfg.targets() {
		wg.Add(1)
		go func(t Target) {
			defer wg.Done()
			list, err := call(ctx, m.cfg, func(ctx context.Context) ([]container.Summary, error) {
				return t.Engine.ContainerList(ctx, container.ListOptions{All: true})
			})
			if err != nil {
				if ctx.Err() == nil {
					slog.Warn("container poll failed", "host", t.Host.Name, "error", err)
				}
				return
			}
			fn(t, SnapshotOf(list))
		}(t)
	}
	wg.Wait()
}
