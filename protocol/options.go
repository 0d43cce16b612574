package protocol

import (
	"fmt"
	"time"
)

// Floors enforced on client options.
const (
	MinTimeout            = time.Second
	MinRetryDelay         = 100 * time.Millisecond
	MinMonitoringInterval = 10 * time.Second
)

// Defaults applied to unset client options.
const (
	DefaultTimeout                  = 10 * time.Second
	DefaultRetryAttempts            = 3
	DefaultRetryDelay               = time.Second
	DefaultHealthCheckInterval      = 30 * time.Second
	DefaultContainerEventInterval   = 10 * time.Second
	DefaultHostMetricsInterval      = 30 * time.Second
	DefaultContainerMetricsInterval = 30 * time.Second
)

// Host is one remote container-engine daemon owned by a client.
type Host struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Host   string `json:"host"`
	Port   int    `json:"port"`
	Secure bool   `json:"secure"`
}

// Validate checks that the host can be dialed.
func (h Host) Validate() error {
	if h.Name == "" {
		return fmt.Errorf("host name is required")
	}
	if h.Host == "" {
		return fmt.Errorf("host address is required")
	}
	if h.Port < 1 || h.Port > 65535 {
		return fmt.Errorf("host port %d out of range 1-65535", h.Port)
	}
	return nil
}

// Endpoint returns the daemon URL for the host.
func (h Host) Endpoint() string {
	return fmt.Sprintf("tcp://%s:%d", h.Host, h.Port)
}

// ClientOptions configure one client's worker.
type ClientOptions struct {
	TimeoutMS     int               `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
	RetryAttempts int               `json:"retry_attempts,omitempty" yaml:"retry_attempts,omitempty"`
	RetryDelayMS  int               `json:"retry_delay_ms,omitempty" yaml:"retry_delay_ms,omitempty"`
	Monitoring    MonitoringOptions `json:"monitoring,omitempty" yaml:"monitoring,omitempty"`

	// PruneSchedule is a cron expression; when set the manager prunes
	// dangling images on every host of the client on that schedule.
	PruneSchedule string `json:"prune_schedule,omitempty" yaml:"prune_schedule,omitempty"`

	// StartMonitoring starts the monitors as soon as the worker is initialised.
	StartMonitoring bool `json:"start_monitoring,omitempty" yaml:"start_monitoring,omitempty"`
}

// MonitoringOptions configure the monitoring orchestrator.
type MonitoringOptions struct {
	HealthCheckIntervalMS      int  `json:"health_check_interval_ms,omitempty" yaml:"health_check_interval_ms,omitempty"`
	ContainerEventIntervalMS   int  `json:"container_event_interval_ms,omitempty" yaml:"container_event_interval_ms,omitempty"`
	HostMetricsIntervalMS      int  `json:"host_metrics_interval_ms,omitempty" yaml:"host_metrics_interval_ms,omitempty"`
	ContainerMetricsIntervalMS int  `json:"container_metrics_interval_ms,omitempty" yaml:"container_metrics_interval_ms,omitempty"`
	DisableEventStream         bool `json:"disable_event_stream,omitempty" yaml:"disable_event_stream,omitempty"`
	DisableContainerMetrics    bool `json:"disable_container_metrics,omitempty" yaml:"disable_container_metrics,omitempty"`
}

// Timeout returns the per-call timeout.
func (o ClientOptions) Timeout() time.Duration {
	return clamp(ms(o.TimeoutMS), DefaultTimeout, MinTimeout)
}

// RetryDelay returns the fixed delay between retry attempts.
func (o ClientOptions) RetryDelay() time.Duration {
	return clamp(ms(o.RetryDelayMS), DefaultRetryDelay, MinRetryDelay)
}

// Attempts returns the number of attempts for each remote call.
func (o ClientOptions) Attempts() int {
	if o.RetryAttempts <= 0 {
		return DefaultRetryAttempts
	}
	return o.RetryAttempts
}

// Normalize returns a copy with defaults filled in and floors applied.
func (o ClientOptions) Normalize() ClientOptions {
	o.TimeoutMS = int(o.Timeout() / time.Millisecond)
	o.RetryDelayMS = int(o.RetryDelay() / time.Millisecond)
	o.RetryAttempts = o.Attempts()
	o.Monitoring = o.Monitoring.Normalize()
	return o
}

// Merge fills zero fields of o from defaults. Boolean flags set in
// defaults apply to every client.
func (o ClientOptions) Merge(defaults ClientOptions) ClientOptions {
	if o.TimeoutMS == 0 {
		o.TimeoutMS = defaults.TimeoutMS
	}
	if o.RetryAttempts == 0 {
		o.RetryAttempts = defaults.RetryAttempts
	}
	if o.RetryDelayMS == 0 {
		o.RetryDelayMS = defaults.RetryDelayMS
	}
	if o.PruneSchedule == "" {
		o.PruneSchedule = defaults.PruneSchedule
	}
	// Flags can only be switched on by defaults, never off.
	o.StartMonitoring = o.StartMonitoring || defaults.StartMonitoring
	m, d := &o.Monitoring, defaults.Monitoring
	m.DisableEventStream = m.DisableEventStream || d.DisableEventStream
	m.DisableContainerMetrics = m.DisableContainerMetrics || d.DisableContainerMetrics
	if m.HealthCheckIntervalMS == 0 {
		m.HealthCheckIntervalMS = d.HealthCheckIntervalMS
	}
	if m.ContainerEventIntervalMS == 0 {
		m.ContainerEventIntervalMS = d.ContainerEventIntervalMS
	}
	if m.HostMetricsIntervalMS == 0 {
		m.HostMetricsIntervalMS = d.HostMetricsIntervalMS
	}
	if m.ContainerMetricsIntervalMS == 0 {
		m.ContainerMetricsIntervalMS = d.ContainerMetricsIntervalMS
	}
	return o
}

// HealthCheckInterval returns the health check period.
func (m MonitoringOptions) HealthCheckInterval() time.Duration {
	return clamp(ms(m.HealthCheckIntervalMS), DefaultHealthCheckInterval, MinMonitoringInterval)
}

// ContainerEventInterval returns the container polling period.
func (m MonitoringOptions) ContainerEventInterval() time.Duration {
	return clamp(ms(m.ContainerEventIntervalMS), DefaultContainerEventInterval, MinMonitoringInterval)
}

// HostMetricsInterval returns the host metrics period.
func (m MonitoringOptions) HostMetricsInterval() time.Duration {
	return clamp(ms(m.HostMetricsIntervalMS), DefaultHostMetricsInterval, MinMonitoringInterval)
}

// ContainerMetricsInterval returns the container metrics period.
func (m MonitoringOptions) ContainerMetricsInterval() time.Duration {
	return clamp(ms(m.ContainerMetricsIntervalMS), DefaultContainerMetricsInterval, MinMonitoringInterval)
}

// Normalize returns a copy with defaults filled in and floors applied.
func (m MonitoringOptions) Normalize() MonitoringOptions {
	m.HealthCheckIntervalMS = int(m.HealthCheckInterval() / time.Millisecond)
	m.ContainerEventIntervalMS = int(m.ContainerEventInterval() / time.Millisecond)
	m.HostMetricsIntervalMS = int(m.HostMetricsInterval() / time.Millisecond)
	m.ContainerMetricsIntervalMS = int(m.ContainerMetricsInterval() / time.Millisecond)
	return m
}

func ms(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

func clamp(d, def, floor time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	if d < floor {
		return floor
	}
	return d
}
