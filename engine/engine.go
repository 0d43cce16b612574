// Package engine is the gateway to remote container-engine daemons. It wraps
// the docker SDK client behind a narrow interface, dials hosts over plain or
// TLS TCP, and carries the retry policy and stats arithmetic shared by the
// capability facade and the monitors.
package engine

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/system"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/tlsconfig"

	"github.com/everydev1618/fleet/protocol"
)

// Engine is the subset of the daemon API the fleet uses. *client.Client
// satisfies it.
type Engine interface {
	Ping(ctx context.Context) (types.Ping, error)
	Info(ctx context.Context) (system.Info, error)
	ServerVersion(ctx context.Context) (types.Version, error)
	DiskUsage(ctx context.Context, options types.DiskUsageOptions) (types.DiskUsage, error)

	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerStats(ctx context.Context, containerID string, stream bool) (container.StatsResponseReader, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRestart(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerPause(ctx context.Context, containerID string) error
	ContainerUnpause(ctx context.Context, containerID string) error
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerRename(ctx context.Context, containerID, newContainerName string) error
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerExecCreate(ctx context.Context, containerID string, options container.ExecOptions) (container.ExecCreateResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, options container.ExecAttachOptions) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)

	ImageList(ctx context.Context, options image.ListOptions) ([]image.Summary, error)
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	ImagesPrune(ctx context.Context, pruneFilter filters.Args) (image.PruneReport, error)

	NetworkList(ctx context.Context, options network.ListOptions) ([]network.Summary, error)
	VolumeList(ctx context.Context, options volume.ListOptions) (volume.ListResponse, error)

	Events(ctx context.Context, options events.ListOptions) (<-chan events.Message, <-chan error)

	Close() error
}

var _ Engine = (*client.Client)(nil)

// Dialer opens an Engine for a host.
type Dialer interface {
	Dial(host protocol.Host) (Engine, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(host protocol.Host) (Engine, error)

// Dial calls f(host).
func (f DialerFunc) Dial(host protocol.Host) (Engine, error) {
	return f(host)
}

// TLSDialer dials hosts with the docker SDK. Secure hosts use TLS; when
// CertDir is set, ca.pem, cert.pem and key.pem are loaded from it the way
// the docker CLI reads DOCKER_CERT_PATH.
type TLSDialer struct {
	CertDir            string
	InsecureSkipVerify bool
	Timeout            time.Duration
}

// DefaultDialer dials without client certificates.
var DefaultDialer Dialer = TLSDialer{}

// Dial implements Dialer.
func (d TLSDialer) Dial(host protocol.Host) (Engine, error) {
	if err := host.Validate(); err != nil {
		return nil, err
	}

	opts := []client.Opt{
		client.WithHost(host.Endpoint()),
		client.WithAPIVersionNegotiation(),
	}
	if d.Timeout > 0 {
		opts = append(opts, client.WithTimeout(d.Timeout))
	}

	if host.Secure {
		cfg, err := d.tlsConfig()
		if err != nil {
			return nil, fmt.Errorf("tls config for %s: %w", host.Name, err)
		}
		opts = append(opts,
			client.WithHTTPClient(&http.Client{
				Transport: &http.Transport{TLSClientConfig: cfg},
			}),
			client.WithScheme("https"),
		)
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to %s (%s): %w", host.Name, host.Endpoint(), err)
	}
	return cli, nil
}

func (d TLSDialer) tlsConfig() (*tls.Config, error) {
	if d.CertDir == "" {
		cfg := tlsconfig.ClientDefault()
		cfg.InsecureSkipVerify = d.InsecureSkipVerify
		return cfg, nil
	}
	return tlsconfig.Client(tlsconfig.Options{
		CAFile:             filepath.Join(d.CertDir, "ca.pem"),
		CertFile:           filepath.Join(d.CertDir, "cert.pem"),
		KeyFile:            filepath.Join(d.CertDir, "key.pem"),
		InsecureSkipVerify: d.InsecureSkipVerify,
	})
}
