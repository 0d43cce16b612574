// Package enginetest provides an in-memory engine.Engine for tests.
package enginetest

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/system"
	"github.com/docker/docker/api/types/volume"

	"github.com/everydev1618/fleet/engine"
	"github.com/everydev1618/fleet/protocol"
)

// ErrNotImplemented is returned by methods whose func field is nil.
var ErrNotImplemented = errors.New("enginetest: not implemented")

// Engine is a fake daemon. Each method delegates to the matching func field;
// Ping, ContainerList and Events have usable defaults.
type Engine struct {
	PingFunc             func(ctx context.Context) (types.Ping, error)
	InfoFunc             func(ctx context.Context) (system.Info, error)
	ServerVersionFunc    func(ctx context.Context) (types.Version, error)
	DiskUsageFunc        func(ctx context.Context) (types.DiskUsage, error)
	ContainerListFunc    func(ctx context.Context, opts container.ListOptions) ([]container.Summary, error)
	ContainerInspectFunc func(ctx context.Context, id string) (container.InspectResponse, error)
	ContainerStatsFunc   func(ctx context.Context, id string) (*container.StatsResponse, error)
	ContainerLogsFunc    func(ctx context.Context, id string, opts container.LogsOptions) (io.ReadCloser, error)
	ExecAttachFunc       func(ctx context.Context, execID string) (types.HijackedResponse, error)
	ExecInspectFunc      func(ctx context.Context, execID string) (container.ExecInspect, error)
	ImageListFunc        func(ctx context.Context) ([]image.Summary, error)
	ImagePullFunc        func(ctx context.Context, ref string) (io.ReadCloser, error)
	ImagesPruneFunc      func(ctx context.Context, f filters.Args) (image.PruneReport, error)
	NetworkListFunc      func(ctx context.Context) ([]network.Summary, error)
	VolumeListFunc       func(ctx context.Context) (volume.ListResponse, error)

	// ActionFunc handles start, stop, restart, remove, pause, unpause, kill
	// and rename. A nil ActionFunc records the call and succeeds.
	ActionFunc func(ctx context.Context, action, id string) error

	// EventsC feeds Events; nil means Events blocks until ctx is done.
	// Closing it ends the stream with io.EOF.
	EventsC chan events.Message
	// EventsErr feeds the error channel of Events.
	EventsErr chan error

	mu     sync.Mutex
	calls  []string
	closed bool
	pings  int
	opens  int
}

var _ engine.Engine = (*Engine)(nil)

// Calls returns the recorded container actions as "action:id".
func (e *Engine) Calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.calls...)
}

// Closed reports whether Close was called.
func (e *Engine) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Pings returns how many times Ping was called.
func (e *Engine) Pings() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pings
}

// Opens returns how many times Events was called.
func (e *Engine) Opens() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.opens
}

func (e *Engine) record(action, id string) {
	e.mu.Lock()
	e.calls = append(e.calls, action+":"+id)
	e.mu.Unlock()
}

func (e *Engine) action(ctx context.Context, action, id string) error {
	e.record(action, id)
	if e.ActionFunc != nil {
		return e.ActionFunc(ctx, action, id)
	}
	return nil
}

func (e *Engine) Ping(ctx context.Context) (types.Ping, error) {
	e.mu.Lock()
	e.pings++
	e.mu.Unlock()
	if e.PingFunc != nil {
		return e.PingFunc(ctx)
	}
	return types.Ping{APIVersion: "1.47"}, nil
}

func (e *Engine) Info(ctx context.Context) (system.Info, error) {
	if e.InfoFunc != nil {
		return e.InfoFunc(ctx)
	}
	return system.Info{}, ErrNotImplemented
}

func (e *Engine) ServerVersion(ctx context.Context) (types.Version, error) {
	if e.ServerVersionFunc != nil {
		return e.ServerVersionFunc(ctx)
	}
	return types.Version{}, ErrNotImplemented
}

func (e *Engine) DiskUsage(ctx context.Context, _ types.DiskUsageOptions) (types.DiskUsage, error) {
	if e.DiskUsageFunc != nil {
		return e.DiskUsageFunc(ctx)
	}
	return types.DiskUsage{}, ErrNotImplemented
}

func (e *Engine) ContainerList(ctx context.Context, opts container.ListOptions) ([]container.Summary, error) {
	if e.ContainerListFunc != nil {
		return e.ContainerListFunc(ctx, opts)
	}
	return nil, nil
}

func (e *Engine) ContainerInspect(ctx context.Context, id string) (container.InspectResponse, error) {
	if e.ContainerInspectFunc != nil {
		return e.ContainerInspectFunc(ctx, id)
	}
	return container.InspectResponse{}, ErrNotImplemented
}

func (e *Engine) ContainerStats(ctx context.Context, id string, _ bool) (container.StatsResponseReader, error) {
	if e.ContainerStatsFunc == nil {
		return container.StatsResponseReader{}, ErrNotImplemented
	}
	s, err := e.ContainerStatsFunc(ctx, id)
	if err != nil {
		return container.StatsResponseReader{}, err
	}
	return container.StatsResponseReader{Body: JSONBody(s), OSType: "linux"}, nil
}

func (e *Engine) ContainerStart(ctx context.Context, id string, _ container.StartOptions) error {
	return e.action(ctx, "start", id)
}

func (e *Engine) ContainerStop(ctx context.Context, id string, _ container.StopOptions) error {
	return e.action(ctx, "stop", id)
}

func (e *Engine) ContainerRestart(ctx context.Context, id string, _ container.StopOptions) error {
	return e.action(ctx, "restart", id)
}

func (e *Engine) ContainerRemove(ctx context.Context, id string, _ container.RemoveOptions) error {
	return e.action(ctx, "remove", id)
}

func (e *Engine) ContainerPause(ctx context.Context, id string) error {
	return e.action(ctx, "pause", id)
}

func (e *Engine) ContainerUnpause(ctx context.Context, id string) error {
	return e.action(ctx, "unpause", id)
}

func (e *Engine) ContainerKill(ctx context.Context, id, signal string) error {
	return e.action(ctx, "kill", id+":"+signal)
}

func (e *Engine) ContainerRename(ctx context.Context, id, newName string) error {
	return e.action(ctx, "rename", id+":"+newName)
}

func (e *Engine) ContainerLogs(ctx context.Context, id string, opts container.LogsOptions) (io.ReadCloser, error) {
	if e.ContainerLogsFunc != nil {
		return e.ContainerLogsFunc(ctx, id, opts)
	}
	return io.NopCloser(strings.NewReader("")), nil
}

func (e *Engine) ContainerExecCreate(_ context.Context, id string, _ container.ExecOptions) (container.ExecCreateResponse, error) {
	e.record("exec", id)
	return container.ExecCreateResponse{ID: "exec-" + id}, nil
}

func (e *Engine) ContainerExecAttach(ctx context.Context, execID string, _ container.ExecAttachOptions) (types.HijackedResponse, error) {
	if e.ExecAttachFunc != nil {
		return e.ExecAttachFunc(ctx, execID)
	}
	return types.HijackedResponse{}, ErrNotImplemented
}

func (e *Engine) ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error) {
	if e.ExecInspectFunc != nil {
		return e.ExecInspectFunc(ctx, execID)
	}
	return container.ExecInspect{ExecID: execID}, nil
}

func (e *Engine) ImageList(ctx context.Context, _ image.ListOptions) ([]image.Summary, error) {
	if e.ImageListFunc != nil {
		return e.ImageListFunc(ctx)
	}
	return nil, nil
}

func (e *Engine) ImagePull(ctx context.Context, ref string, _ image.PullOptions) (io.ReadCloser, error) {
	if e.ImagePullFunc != nil {
		return e.ImagePullFunc(ctx, ref)
	}
	return io.NopCloser(strings.NewReader(`{"status":"Downloaded"}` + "\n")), nil
}

func (e *Engine) ImagesPrune(ctx context.Context, f filters.Args) (image.PruneReport, error) {
	if e.ImagesPruneFunc != nil {
		return e.ImagesPruneFunc(ctx, f)
	}
	return image.PruneReport{}, nil
}

func (e *Engine) NetworkList(ctx context.Context, _ network.ListOptions) ([]network.Summary, error) {
	if e.NetworkListFunc != nil {
		return e.NetworkListFunc(ctx)
	}
	return nil, nil
}

func (e *Engine) VolumeList(ctx context.Context, _ volume.ListOptions) (volume.ListResponse, error) {
	if e.VolumeListFunc != nil {
		return e.VolumeListFunc(ctx)
	}
	return volume.ListResponse{}, nil
}

func (e *Engine) Events(ctx context.Context, _ events.ListOptions) (<-chan events.Message, <-chan error) {
	e.mu.Lock()
	e.opens++
	e.mu.Unlock()
	msgs := make(chan events.Message)
	errs := make(chan error, 1)
	go func() {
		defer close(errs)
		for {
			select {
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			case err := <-e.EventsErr:
				errs <- err
				return
			case m, ok := <-e.EventsC:
				if !ok {
					errs <- io.EOF
					return
				}
				select {
				case msgs <- m:
				case <-ctx.Done():
					errs <- ctx.Err()
					return
				}
			}
		}
	}()
	return msgs, errs
}

func (e *Engine) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return nil
}

// Dialer hands out fakes keyed by host name. Hosts without an entry get a
// fresh Engine that is recorded for later inspection.
type Dialer struct {
	mu      sync.Mutex
	Engines map[string]*Engine
	Err     error
	dialed  []string
}

// Dial implements engine.Dialer.
func (d *Dialer) Dial(h protocol.Host) (engine.Engine, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Err != nil {
		return nil, d.Err
	}
	if d.Engines == nil {
		d.Engines = make(map[string]*Engine)
	}
	d.dialed = append(d.dialed, h.Name)
	e, ok := d.Engines[h.Name]
	if !ok {
		e = &Engine{}
		d.Engines[h.Name] = e
	}
	return e, nil
}

// Dialed returns the host names dialed so far.
func (d *Dialer) Dialed() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.dialed...)
}
