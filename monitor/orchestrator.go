package monitor

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/everydev1618/fleet/engine"
	"github.com/everydev1618/fleet/protocol"
)

// Monitor names reported in Status.
const (
	NameHealthCheck      = "healthCheck"
	NameContainerEvents  = "containerEvents"
	NameHostMetrics      = "hostMetrics"
	NameContainerMetrics = "containerMetrics"
	NameEventStream      = "eventStream"
)

// Orchestrator owns the five monitors of one client. They share the host
// list and the connection map held here.
type Orchestrator struct {
	opts protocol.MonitoringOptions

	mu      sync.RWMutex
	hosts   []protocol.Host
	engines map[int64]engine.Engine
	active  bool
	started time.Time

	health           *HealthMonitor
	containers       *ContainerEventMonitor
	hostMetrics      *HostMetricsMonitor
	containerMetrics *ContainerMetricsMonitor
	events           *EventStreamMonitor
}

// Status describes the orchestrator and each monitor.
type Status struct {
	Active    bool                       `json:"active"`
	StartedAt *time.Time                 `json:"startedAt,omitempty"`
	Monitors  map[string]bool            `json:"monitors"`
	Hosts     int                        `json:"hosts"`
	Health    map[int64]bool             `json:"health"`
	Streams   int                        `json:"eventStreams"`
	Options   protocol.MonitoringOptions `json:"options"`
}

// New creates an orchestrator. Intervals below the floor are clamped and
// every remote call goes through the client's retry policy.
func New(client protocol.ClientOptions, emit EmitFunc) *Orchestrator {
	client = client.Normalize()
	o := &Orchestrator{
		opts:    client.Monitoring,
		engines: make(map[int64]engine.Engine),
	}

	cfg := Config{
		Policy:  engine.PolicyFrom(client),
		Timeout: client.Timeout(),
		Emit:    emit,
		Targets: o.Targets,
	}
	o.health = NewHealthMonitor(cfg, o.opts.HealthCheckInterval())
	o.containers = NewContainerEventMonitor(cfg, o.opts.ContainerEventInterval())
	o.hostMetrics = NewHostMetricsMonitor(cfg, o.opts.HostMetricsInterval())
	o.containerMetrics = NewContainerMetricsMonitor(cfg, o.opts.ContainerMetricsInterval())
	o.events = NewEventStreamMonitor(cfg)
	return o
}

// Targets returns the hosts that have a live connection, ordered by id.
func (o *Orchestrator) Targets() []Target {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]Target, 0, len(o.hosts))
	for _, h := range o.hosts {
		if e, ok := o.engines[h.ID]; ok && e != nil {
			out = append(out, Target{Host: h, Engine: e})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Host.ID < out[j].Host.ID })
	return out
}

// Start starts every enabled monitor. Starting an active orchestrator is a
// no-op.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	if o.active {
		o.mu.Unlock()
		return
	}
	o.active = true
	o.started = time.Now()
	o.mu.Unlock()

	o.health.Start()
	o.containers.Start(ctx)
	o.hostMetrics.Start()
	if !o.opts.DisableContainerMetrics {
		o.containerMetrics.Start()
	}
	if !o.opts.DisableEventStream {
		o.events.Start()
	}
	slog.Info("monitoring started", "hosts", len(o.Targets()))
}

// Stop stops every monitor.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	wasActive := o.active
	o.active = false
	o.mu.Unlock()

	o.health.Stop()
	o.containers.Stop()
	o.hostMetrics.Stop()
	o.containerMetrics.Stop()
	o.events.Stop()
	if wasActive {
		slog.Info("monitoring stopped")
	}
}

// Active reports whether monitoring is running.
func (o *Orchestrator) Active() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.active
}

// Status reports the state of every monitor.
func (o *Orchestrator) Status() Status {
	o.mu.RLock()
	s := Status{
		Active:  o.active,
		Hosts:   len(o.hosts),
		Options: o.opts,
	}
	if o.active {
		started := o.started
		s.StartedAt = &started
	}
	o.mu.RUnlock()

	s.Monitors = map[string]bool{
		NameHealthCheck:      o.health.Running(),
		NameContainerEvents:  o.containers.Running(),
		NameHostMetrics:      o.hostMetrics.Running(),
		NameContainerMetrics: o.containerMetrics.Running(),
		NameEventStream:      o.events.Running(),
	}
	s.Health = o.health.Status()
	s.Streams = o.events.Streams()
	return s
}

// Update replaces the monitored host list and connection map together and
// refreshes once.
func (o *Orchestrator) Update(hosts []protocol.Host, engines map[int64]engine.Engine) {
	o.mu.Lock()
	o.hosts = append([]protocol.Host(nil), hosts...)
	o.engines = make(map[int64]engine.Engine, len(engines))
	for id, e := range engines {
		o.engines[id] = e
	}
	o.mu.Unlock()
	o.refresh()
}

// RestartEventStream reopens the native event streams against the current
// hosts.
func (o *Orchestrator) RestartEventStream() {
	if o.opts.DisableEventStream {
		return
	}
	o.events.Restart()
}

// refresh drops state for vanished hosts and, while active, reopens the
// event streams since they are bound to the old connections.
func (o *Orchestrator) refresh() {
	keep := make(map[int64]bool)
	for _, t := range o.Targets() {
		keep[t.Host.ID] = true
	}
	o.health.Forget(keep)
	o.containers.Forget(keep)

	if o.Active() {
		o.RestartEventStream()
	}
}
