package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/docker/docker/api/types"

	"github.com/everydev1618/fleet/protocol"
)

// HealthMonitor pings every host and reports health flips.
type HealthMonitor struct {
	cfg  Config
	loop loop

	mu     sync.Mutex
	status map[int64]bool
}

// NewHealthMonitor creates a health monitor.
func NewHealthMonitor(cfg Config, interval time.Duration) *HealthMonitor {
	return &HealthMonitor{
		cfg:    cfg,
		loop:   loop{interval: interval},
		status: make(map[int64]bool),
	}
}

// Start begins periodic checks. The first check runs immediately.
func (m *HealthMonitor) Start() {
	m.loop.start(true, m.Check)
}

// Stop halts the checks.
func (m *HealthMonitor) Stop() { m.loop.stop() }

// Running reports whether the monitor is active.
func (m *HealthMonitor) Running() bool { return m.loop.running() }

// Status returns the last observed health per host id.
func (m *HealthMonitor) Status() map[int64]bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int64]bool, len(m.status))
	for id, ok := range m.status {
		out[id] = ok
	}
	return out
}

// Forget drops the recorded state of hosts that are no longer targeted.
func (m *HealthMonitor) Forget(keep map[int64]bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.status {
		if !keep[id] {
			delete(m.status, id)
		}
	}
}

// Check pings every host once. The first result for a host only sets its
// baseline; events fire on later flips.
func (m *HealthMonitor) Check(ctx context.Context) {
	var wg sync.WaitGroup
	for _, t := range m.cfg.targets() {
		wg.Add(1)
		go func(t Target) {
			defer wg.Done()
			_, err := call(ctx, m.cfg, func(ctx context.Context) (types.Ping, error) {
				return t.Engine.Ping(ctx)
			})
			if ctx.Err() != nil {
				return
			}
			m.record(t.Host, err)
		}(t)
	}
	wg.Wait()
}

func (m *HealthMonitor) record(h protocol.Host, err error) {
	healthy := err == nil

	m.mu.Lock()
	prev, seen := m.status[h.ID]
	m.status[h.ID] = healthy
	m.mu.Unlock()

	if !seen {
		if !healthy {
			slog.Warn("host unreachable at first check", "host", h.Name, "host_id", h.ID, "error", err)
		}
		return
	}
	if prev == healthy {
		return
	}

	ev := protocol.HealthEvent{
		HostID:   h.ID,
		HostName: h.Name,
		Healthy:  healthy,
		At:       time.Now(),
	}
	if err != nil {
		ev.Error = err.Error()
		slog.Warn("host unhealthy", "host", h.Name, "host_id", h.ID, "error", err)
	} else {
		slog.Info("host recovered", "host", h.Name, "host_id", h.ID)
	}
	m.cfg.emit(protocol.EventHostHealthChanged, ev)
}
