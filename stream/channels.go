package stream

import (
	"fmt"
	"time"
)

// Channel names.
const (
	ChannelContainerStats = "container_stats"
	ChannelHostMetrics    = "host_metrics"
	ChannelContainerList  = "container_list"
	ChannelContainerLogs  = "container_logs"
	ChannelDockerEvents   = "docker_events"
	ChannelAllStats       = "all_stats"
)

// Parameters a channel may require.
const (
	ParamHostID      = "hostId"
	ParamContainerID = "containerId"
)

// MinInterval is the shortest push interval a subscription may ask for.
const MinInterval = 100 * time.Millisecond

// ChannelInfo describes one channel of the catalogue.
type ChannelInfo struct {
	Name            string   `json:"name"`
	Description     string   `json:"description"`
	Required        []string `json:"required,omitempty"`
	DefaultInterval int      `json:"defaultInterval,omitempty"`
	EventDriven     bool     `json:"eventDriven,omitempty"`
}

var catalogue = []ChannelInfo{
	{
		Name:            ChannelContainerStats,
		Description:     "Resource usage of one container",
		Required:        []string{ParamHostID, ParamContainerID},
		DefaultInterval: 1000,
	},
	{
		Name:            ChannelHostMetrics,
		Description:     "Daemon info of one host, or of every host when hostId is omitted",
		DefaultInterval: 5000,
	},
	{
		Name:            ChannelContainerList,
		Description:     "Container listing of every host, or of one host",
		DefaultInterval: 2000,
	},
	{
		Name:            ChannelContainerLogs,
		Description:     "New log output of one container",
		Required:        []string{ParamHostID, ParamContainerID},
		DefaultInterval: 2000,
	},
	{
		Name:        ChannelDockerEvents,
		Description: "Container lifecycle events as they are observed",
		EventDriven: true,
	},
	{
		Name:            ChannelAllStats,
		Description:     "Host metrics and container resource usage of every host",
		DefaultInterval: 5000,
	},
}

// Channels returns the channel catalogue.
func Channels() []ChannelInfo {
	out := make([]ChannelInfo, len(catalogue))
	copy(out, catalogue)
	return out
}

func lookup(name string) (ChannelInfo, bool) {
	for _, c := range catalogue {
		if c.Name == name {
			return c, true
		}
	}
	return ChannelInfo{}, false
}

// validate checks a subscription request against the catalogue and returns
// the effective push interval.
func validate(channel string, opts Options) (ChannelInfo, time.Duration, error) {
	info, ok := lookup(channel)
	if !ok {
		return info, 0, fmt.Errorf("%w: %q", ErrUnknownChannel, channel)
	}
	for _, p := range info.Required {
		switch p {
		case ParamHostID:
			if opts.HostID == 0 {
				return info, 0, fmt.Errorf("%w: %s requires %s", ErrMissingParam, channel, p)
			}
		case ParamContainerID:
			if opts.ContainerID == "" {
				return info, 0, fmt.Errorf("%w: %s requires %s", ErrMissingParam, channel, p)
			}
		}
	}

	if info.EventDriven {
		return info, 0, nil
	}
	interval := time.Duration(info.DefaultInterval) * time.Millisecond
	if opts.IntervalMS > 0 {
		interval = time.Duration(opts.IntervalMS) * time.Millisecond
	}
	if interval < MinInterval {
		interval = MinInterval
	}
	return info, interval, nil
}
