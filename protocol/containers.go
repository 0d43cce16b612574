package protocol

// ContainerSummary is one entry of a container listing.
type ContainerSummary struct {
	ID      string            `json:"id"`
	Name    string            `json:"name"`
	Image   string            `json:"image"`
	State   string            `json:"state"`
	Status  string            `json:"status"`
	Created int64             `json:"created"`
	Ports   []string          `json:"ports,omitempty"`
	Labels  map[string]string `json:"labels,omitempty"`
}

// HostContainers is the container listing of one host. Error is set when
// the host could not be listed; other hosts are unaffected.
type HostContainers struct {
	HostID     int64              `json:"hostId"`
	HostName   string             `json:"hostName"`
	Containers []ContainerSummary `json:"containers"`
	Error      string             `json:"error,omitempty"`
}

// ContainerLogs holds demultiplexed log output.
type ContainerLogs struct {
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
}
