package engine

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types/container"

	"github.com/everydev1618/fleet/protocol"
)

// CalculateStats reduces a raw stats sample to the figures the fleet reports.
//
// CPU percent is (cpuDelta / systemDelta) * onlineCPUs * 100, where the
// deltas are taken against the pre-sample in the same response. It is zero
// when the system delta is not positive. Memory usage is the raw usage
// counter without subtracting page cache.
func CalculateStats(s *container.StatsResponse) protocol.ContainerStats {
	var out protocol.ContainerStats
	if s == nil {
		return out
	}

	out.CPUPercent = CPUPercent(s.CPUStats, s.PreCPUStats)

	out.MemoryUsage = s.MemoryStats.Usage
	out.MemoryLimit = s.MemoryStats.Limit
	if s.MemoryStats.Limit > 0 {
		out.MemoryPercent = float64(s.MemoryStats.Usage) / float64(s.MemoryStats.Limit) * 100
	}

	for _, n := range s.Networks {
		out.NetworkRx += n.RxBytes
		out.NetworkTx += n.TxBytes
	}

	for _, e := range s.BlkioStats.IoServiceBytesRecursive {
		switch strings.ToLower(e.Op) {
		case "read":
			out.BlockRead += e.Value
		case "write":
			out.BlockWrite += e.Value
		}
	}

	out.PIDs = s.PidsStats.Current
	return out
}

// CPUPercent computes the CPU usage between two samples.
func CPUPercent(cur, pre container.CPUStats) float64 {
	systemDelta := float64(cur.SystemUsage) - float64(pre.SystemUsage)
	if systemDelta <= 0 {
		return 0
	}
	cpuDelta := float64(cur.CPUUsage.TotalUsage) - float64(pre.CPUUsage.TotalUsage)
	if cpuDelta < 0 {
		return 0
	}

	online := float64(cur.OnlineCPUs)
	if online == 0 {
		online = float64(len(cur.CPUUsage.PercpuUsage))
	}
	if online == 0 {
		online = 1
	}
	return cpuDelta / systemDelta * online * 100
}

// DecodeStats reads one stats sample from a non-streaming stats body and
// closes it.
func DecodeStats(body io.ReadCloser) (*container.StatsResponse, error) {
	defer body.Close()
	var s container.StatsResponse
	if err := json.NewDecoder(body).Decode(&s); err != nil {
		return nil, fmt.Errorf("decode stats: %w", err)
	}
	return &s, nil
}
