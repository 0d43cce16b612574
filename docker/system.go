package docker

import (
	"context"
	"log/slog"
	"sync"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/system"
	"github.com/docker/go-units"

	"github.com/everydev1618/fleet/engine"
	"github.com/everydev1618/fleet/monitor"
)

// PruneResult reports what an image prune removed on one host.
type PruneResult struct {
	HostID         int64    `json:"hostId"`
	HostName       string   `json:"hostName"`
	Deleted        []string `json:"deleted"`
	SpaceReclaimed uint64   `json:"spaceReclaimed"`
	Reclaimed      string   `json:"reclaimed"`
	Error          string   `json:"error,omitempty"`
}

// SystemInfo returns the daemon info of a host.
func (c *DockerClient) SystemInfo(ctx context.Context, hostID int64) (system.Info, error) {
	return onHost(ctx, c, hostID, func(ctx context.Context, e engine.Engine) (system.Info, error) {
		return e.Info(ctx)
	})
}

// SystemVersion returns the daemon version of a host.
func (c *DockerClient) SystemVersion(ctx context.Context, hostID int64) (types.Version, error) {
	return onHost(ctx, c, hostID, func(ctx context.Context, e engine.Engine) (types.Version, error) {
		return e.ServerVersion(ctx)
	})
}

// DiskUsage returns the disk usage summary of a host.
func (c *DockerClient) DiskUsage(ctx context.Context, hostID int64) (types.DiskUsage, error) {
	return onHost(ctx, c, hostID, func(ctx context.Context, e engine.Engine) (types.DiskUsage, error) {
		return e.DiskUsage(ctx, types.DiskUsageOptions{})
	})
}

// PruneImages removes dangling images from one host, or from every host
// when hostID is zero. Per-host failures are reported in their entry.
func (c *DockerClient) PruneImages(ctx context.Context, hostID int64) ([]PruneResult, error) {
	targets, err := c.selectTargets(hostID)
	if err != nil {
		return nil, err
	}

	out := make([]PruneResult, len(targets))
	var wg sync.WaitGroup
	for i, t := range targets {
		wg.Add(1)
		go func(i int, t monitor.Target) {
			defer wg.Done()
			res := PruneResult{HostID: t.Host.ID, HostName: t.Host.Name, Deleted: []string{}}
			report, err := onHost(ctx, c, t.Host.ID, func(ctx context.Context, e engine.Engine) (image.PruneReport, error) {
				return e.ImagesPrune(ctx, filters.NewArgs(filters.Arg("dangling", "true")))
			})
			if err != nil {
				slog.Warn("prune images failed", "host", t.Host.Name, "error", err)
				res.Error = err.Error()
			}
			for _, d := range report.ImagesDeleted {
				if d.Deleted != "" {
					res.Deleted = append(res.Deleted, d.Deleted)
				}
			}
			res.SpaceReclaimed = report.SpaceReclaimed
			res.Reclaimed = units.HumanSize(float64(report.SpaceReclaimed))
			out[i] = res
		}(i, t)
	}
	wg.Wait()
	return out, nil
}
