package fleet

import (
	"encoding/json"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/everydev1618/fleet/protocol"
)

// AnyEvent registers a hook for every event type.
const AnyEvent protocol.EventType = "*"

// ClientEvent is an event emitted by a client's worker.
type ClientEvent struct {
	ClientID      int64              `json:"clientId"`
	ClientName    string             `json:"clientName"`
	Type          protocol.EventType `json:"type"`
	Ctx           json.RawMessage    `json:"ctx,omitempty"`
	AdditionalCtx json.RawMessage    `json:"additionalCtx,omitempty"`
	Timestamp     time.Time          `json:"timestamp"`
}

// Decode unmarshals the event context into v.
func (e ClientEvent) Decode(v any) error {
	return protocol.Event{Type: e.Type, Ctx: e.Ctx}.Decode(v)
}

// HookFunc handles one event. Hooks run on the worker's delivery path and
// should return quickly.
type HookFunc func(ClientEvent)

// Plugin groups hooks under a name.
type Plugin struct {
	Name  string
	Hooks map[protocol.EventType]HookFunc
}

// RegisterPlugin adds a plugin. A plugin with the same name is replaced.
func (m *Manager) RegisterPlugin(p Plugin) {
	m.hookMu.Lock()
	defer m.hookMu.Unlock()
	for i, existing := range m.plugins {
		if existing.Name == p.Name {
			m.plugins[i] = p
			return
		}
	}
	m.plugins = append(m.plugins, p)
}

// UnregisterPlugin removes a plugin by name.
func (m *Manager) UnregisterPlugin(name string) {
	m.hookMu.Lock()
	defer m.hookMu.Unlock()
	out := m.plugins[:0]
	for _, p := range m.plugins {
		if p.Name != name {
			out = append(out, p)
		}
	}
	m.plugins = out
}

// OnEvent registers a single hook as an anonymous plugin.
func (m *Manager) OnEvent(t protocol.EventType, fn HookFunc) {
	m.hookMu.Lock()
	defer m.hookMu.Unlock()
	m.plugins = append(m.plugins, Plugin{Hooks: map[protocol.EventType]HookFunc{t: fn}})
}

// dispatch runs every hook registered for the event. A panicking hook is
// logged and does not stop the others.
func (m *Manager) dispatch(e ClientEvent) {
	m.hookMu.RLock()
	plugins := make([]Plugin, len(m.plugins))
	copy(plugins, m.plugins)
	m.hookMu.RUnlock()

	for _, p := range plugins {
		if fn, ok := p.Hooks[e.Type]; ok {
			runHook(p.Name, fn, e)
		}
		if fn, ok := p.Hooks[AnyEvent]; ok {
			runHook(p.Name, fn, e)
		}
	}
}

func runHook(plugin string, fn HookFunc, e ClientEvent) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("plugin hook panicked",
				"plugin", plugin,
				"event", e.Type,
				"client", e.ClientID,
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()
	fn(e)
}
