package monitor

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"

	"github.com/everydev1618/fleet/protocol"
)

var streamActions = map[events.Action]protocol.EventType{
	events.ActionCreate:  protocol.EventContainerCreated,
	events.ActionStart:   protocol.EventContainerStarted,
	events.ActionStop:    protocol.EventContainerStopped,
	events.ActionDie:     protocol.EventContainerDied,
	events.ActionDestroy: protocol.EventContainerDestroyed,
}

// EventStreamMonitor consumes the daemon's own container event stream on
// every host. A stream that fails is reported and stays down until Restart.
type EventStreamMonitor struct {
	cfg Config

	mu      sync.Mutex
	running bool
	streams map[int64]*eventStream
}

type eventStream struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewEventStreamMonitor creates an event stream monitor.
func NewEventStreamMonitor(cfg Config) *EventStreamMonitor {
	return &EventStreamMonitor{cfg: cfg, streams: make(map[int64]*eventStream)}
}

// Start opens one stream per host.
func (m *EventStreamMonitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	for _, t := range m.cfg.targets() {
		m.streams[t.Host.ID] = m.open(t)
	}
}

// Stop closes every stream.
func (m *EventStreamMonitor) Stop() {
	m.mu.Lock()
	streams := m.streams
	m.streams = make(map[int64]*eventStream)
	m.running = false
	m.mu.Unlock()

	for _, s := range streams {
		s.cancel()
		<-s.done
	}
}

// Restart closes every stream and reopens them against the current hosts.
func (m *EventStreamMonitor) Restart() {
	m.Stop()
	m.Start()
}

// Running reports whether the monitor is active.
func (m *EventStreamMonitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Streams returns the number of open streams.
func (m *EventStreamMonitor) Streams() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.streams {
		select {
		case <-s.done:
		default:
			n++
		}
	}
	return n
}

func (m *EventStreamMonitor) open(t Target) *eventStream {
	ctx, cancel := context.WithCancel(context.Background())
	s := &eventStream{cancel: cancel, done: make(chan struct{})}

	args := filters.NewArgs(filters.Arg("type", string(events.ContainerEventType)))
	for a := range streamActions {
		args.Add("event", string(a))
	}
	msgs, errs := t.Engine.Events(ctx, events.ListOptions{Filters: args})

	go func() {
		defer close(s.done)
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-errs:
				if err == nil || errors.Is(err, context.Canceled) || ctx.Err() != nil {
					return
				}
				slog.Warn("event stream failed", "host", t.Host.Name, "error", err)
				m.cfg.emit(protocol.EventError, protocol.ErrorEvent{
					Source:  "event-stream",
					HostID:  t.Host.ID,
					Message: err.Error(),
				})
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				m.handle(t, msg)
			}
		}
	}()
	return s
}

func (m *EventStreamMonitor) handle(t Target, msg events.Message) {
	typ, ok := streamActions[msg.Action]
	if !ok || (msg.Type != "" && msg.Type != events.ContainerEventType) {
		return
	}
	at := time.Now()
	if msg.TimeNano > 0 {
		at = time.Unix(0, msg.TimeNano)
	}
	m.cfg.emit(typ, protocol.ContainerEvent{
		HostID:      t.Host.ID,
		HostName:    t.Host.Name,
		ContainerID: msg.Actor.ID,
		Name:        strings.TrimPrefix(msg.Actor.Attributes["name"], "/"),
		Image:       msg.Actor.Attributes["image"],
		Source:      "stream",
		At:          at,
	})
}
