package protocol

// RequestType identifies the kind of request sent to a worker.
type RequestType string

// Internal lifecycle messages exchanged between the manager and a worker.
const (
	TypeInit         RequestType = "__init__"
	TypeInitComplete RequestType = "__init_complete__"
	TypeMetrics      RequestType = "__metrics__"
	TypeEvent        RequestType = "__event__"
	TypeCrash        RequestType = "__crash__"
)

// Host management.
const (
	ReqPing       RequestType = "ping"
	ReqAddHost    RequestType = "addHost"
	ReqRemoveHost RequestType = "removeHost"
	ReqUpdateHost RequestType = "updateHost"
	ReqGetHosts   RequestType = "getHosts"
)

// Containers.
const (
	ReqListContainers   RequestType = "listContainers"
	ReqInspectContainer RequestType = "inspectContainer"
	ReqContainerStats   RequestType = "getContainerStats"
	ReqStartContainer   RequestType = "startContainer"
	ReqStopContainer    RequestType = "stopContainer"
	ReqRestartContainer RequestType = "restartContainer"
	ReqRemoveContainer  RequestType = "removeContainer"
	ReqPauseContainer   RequestType = "pauseContainer"
	ReqUnpauseContainer RequestType = "unpauseContainer"
	ReqKillContainer    RequestType = "killContainer"
	ReqRenameContainer  RequestType = "renameContainer"
	ReqContainerLogs    RequestType = "getContainerLogs"
	ReqExecContainer    RequestType = "execContainer"
)

// Images, networks, volumes and system.
const (
	ReqListImages    RequestType = "listImages"
	ReqPullImage     RequestType = "pullImage"
	ReqListNetworks  RequestType = "listNetworks"
	ReqListVolumes   RequestType = "listVolumes"
	ReqSystemInfo    RequestType = "getSystemInfo"
	ReqSystemVersion RequestType = "getSystemVersion"
	ReqDiskUsage     RequestType = "getDiskUsage"
	ReqPruneImages   RequestType = "pruneImages"
)

// Monitoring lifecycle.
const (
	ReqStartMonitoring    RequestType = "startMonitoring"
	ReqStopMonitoring     RequestType = "stopMonitoring"
	ReqMonitoringStatus   RequestType = "getMonitoringStatus"
	ReqRestartEventStream RequestType = "restartEventStream"
)

// Streams.
const (
	ReqCreateConnection  RequestType = "createStreamConnection"
	ReqCloseConnection   RequestType = "closeStreamConnection"
	ReqSubscribe         RequestType = "subscribe"
	ReqUnsubscribe       RequestType = "unsubscribe"
	ReqListSubscriptions RequestType = "listSubscriptions"
	ReqListChannels      RequestType = "listChannels"
	ReqStreamMessage     RequestType = "streamMessage"
)

// Teardown.
const (
	ReqCleanup     RequestType = "cleanup"
	ReqDeleteTable RequestType = "deleteTable"
)

// Request is sent from the manager to a worker. Only the fields relevant
// to Type are populated.
type Request struct {
	Type      RequestType `json:"type"`
	RequestID string      `json:"requestId,omitempty"`

	// For __init__
	ClientID int64          `json:"clientId,omitempty"`
	Name     string         `json:"name,omitempty"`
	Options  *ClientOptions `json:"options,omitempty"`

	// Host targeting
	HostID int64 `json:"hostId,omitempty"`
	Host   *Host `json:"host,omitempty"`

	// Container targeting
	ContainerID string `json:"containerId,omitempty"`
	All         bool   `json:"all,omitempty"`
	NewName     string `json:"newName,omitempty"`
	Signal      string `json:"signal,omitempty"`
	Force       bool   `json:"force,omitempty"`
	StopTimeout *int   `json:"stopTimeout,omitempty"`

	// For getContainerLogs
	Logs *LogOptions `json:"logs,omitempty"`

	// For execContainer
	Exec *ExecOptions `json:"exec,omitempty"`

	// For pullImage
	Image string `json:"image,omitempty"`
	Tag   string `json:"tag,omitempty"`

	// For startMonitoring
	Monitoring *MonitoringOptions `json:"monitoring,omitempty"`

	// Streams
	ConnectionID   string            `json:"connectionId,omitempty"`
	Channel        string            `json:"channel,omitempty"`
	SubscriptionID string            `json:"subscriptionId,omitempty"`
	Subscribe      *SubscribeOptions `json:"subscribeOptions,omitempty"`
	Raw            string            `json:"raw,omitempty"`
}

// LogOptions selects which log lines are returned.
type LogOptions struct {
	Tail       string `json:"tail,omitempty"`
	Since      string `json:"since,omitempty"`
	Timestamps bool   `json:"timestamps,omitempty"`
}

// ExecOptions describes a command run inside a container.
type ExecOptions struct {
	Cmd        []string `json:"cmd"`
	Tty        bool     `json:"tty,omitempty"`
	WorkingDir string   `json:"workingDir,omitempty"`
	Env        []string `json:"env,omitempty"`
	User       string   `json:"user,omitempty"`
}

// SubscribeOptions parameterise a stream subscription.
type SubscribeOptions struct {
	HostID      int64  `json:"hostId,omitempty"`
	ContainerID string `json:"containerId,omitempty"`
	IntervalMS  int    `json:"interval,omitempty"`
	Tail        string `json:"tail,omitempty"`
}
