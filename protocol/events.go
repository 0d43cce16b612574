package protocol

import (
	"encoding/json"
	"time"
)

// EventType identifies an outward event.
type EventType string

const (
	EventHostAdded         EventType = "host:added"
	EventHostRemoved       EventType = "host:removed"
	EventHostUpdated       EventType = "host:updated"
	EventHostHealthChanged EventType = "host:health:changed"
	EventHostMetrics       EventType = "host:metrics"

	EventContainerCreated   EventType = "container:created"
	EventContainerStarted   EventType = "container:started"
	EventContainerStopped   EventType = "container:stopped"
	EventContainerRemoved   EventType = "container:removed"
	EventContainerDied      EventType = "container:died"
	EventContainerDestroyed EventType = "container:destroyed"
	EventContainerMetrics   EventType = "container:metrics"

	EventConnectionCreated EventType = "connection:created"
	EventConnectionClosed  EventType = "connection:closed"
	EventMessageSend       EventType = "message:send"

	EventError EventType = "error"
	EventLog   EventType = "__log__"
)

// IsContainerLifecycle reports whether t describes a container state change.
func (t EventType) IsContainerLifecycle() bool {
	switch t {
	case EventContainerCreated, EventContainerStarted, EventContainerStopped,
		EventContainerRemoved, EventContainerDied, EventContainerDestroyed:
		return true
	}
	return false
}

// HostEvent is the context of host:added, host:removed and host:updated.
type HostEvent struct {
	ClientID int64 `json:"clientId"`
	Host     Host  `json:"host"`
}

// HealthEvent is the context of host:health:changed.
type HealthEvent struct {
	HostID   int64     `json:"hostId"`
	HostName string    `json:"hostName"`
	Healthy  bool      `json:"healthy"`
	Error    string    `json:"error,omitempty"`
	At       time.Time `json:"timestamp"`
}

// ContainerEvent is the context of container lifecycle events.
type ContainerEvent struct {
	HostID      int64     `json:"hostId"`
	HostName    string    `json:"hostName"`
	ContainerID string    `json:"containerId"`
	Name        string    `json:"name,omitempty"`
	Image       string    `json:"image,omitempty"`
	State       string    `json:"state,omitempty"`
	Source      string    `json:"source"` // "poll" or "stream"
	At          time.Time `json:"timestamp"`
}

// HostMetricsEvent is the context of host:metrics.
type HostMetricsEvent struct {
	HostID            int64     `json:"hostId"`
	HostName          string    `json:"hostName"`
	ServerVersion     string    `json:"serverVersion"`
	APIVersion        string    `json:"apiVersion"`
	OperatingSystem   string    `json:"operatingSystem"`
	Architecture      string    `json:"architecture"`
	CPUs              int       `json:"cpus"`
	MemTotal          int64     `json:"memTotal"`
	Containers        int       `json:"containers"`
	ContainersRunning int       `json:"containersRunning"`
	ContainersPaused  int       `json:"containersPaused"`
	ContainersStopped int       `json:"containersStopped"`
	Images            int       `json:"images"`
	At                time.Time `json:"timestamp"`
}

// ContainerMetricsEvent is the context of container:metrics.
type ContainerMetricsEvent struct {
	HostID      int64          `json:"hostId"`
	HostName    string         `json:"hostName"`
	ContainerID string         `json:"containerId"`
	Name        string         `json:"name"`
	Stats       ContainerStats `json:"stats"`
	At          time.Time      `json:"timestamp"`
}

// ContainerStats is the computed resource usage of one container.
type ContainerStats struct {
	CPUPercent    float64 `json:"cpuPercent"`
	MemoryUsage   uint64  `json:"memoryUsage"`
	MemoryLimit   uint64  `json:"memoryLimit"`
	MemoryPercent float64 `json:"memoryPercent"`
	NetworkRx     uint64  `json:"networkRx"`
	NetworkTx     uint64  `json:"networkTx"`
	BlockRead     uint64  `json:"blockRead"`
	BlockWrite    uint64  `json:"blockWrite"`
	PIDs          uint64  `json:"pids"`
}

// ConnectionEvent is the context of connection:created and connection:closed.
type ConnectionEvent struct {
	ConnectionID string `json:"connectionId"`
}

// SendEvent is the context of message:send. Message is the already encoded
// stream message destined for the connection.
type SendEvent struct {
	ConnectionID string          `json:"connectionId"`
	Message      json.RawMessage `json:"message"`
}

// ErrorEvent is the context of error events.
type ErrorEvent struct {
	Source  string `json:"source"`
	HostID  int64  `json:"hostId,omitempty"`
	Message string `json:"message"`
}

// LogEvent is the context of __log__ passthrough events.
type LogEvent struct {
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}
