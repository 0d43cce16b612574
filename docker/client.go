// Package docker is the capability facade a worker exposes for one client:
// host management, container, image, network, volume and system operations
// against every host of the client, and the monitoring lifecycle.
package docker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/everydev1618/fleet/engine"
	"github.com/everydev1618/fleet/monitor"
	"github.com/everydev1618/fleet/protocol"
)

var (
	ErrDisposed     = errors.New("docker client disposed")
	ErrHostNotFound = errors.New("host not found")
	ErrInvalidHost  = errors.New("invalid host")
)

// HostStore persists the hosts of a client.
type HostStore interface {
	ListHosts(ctx context.Context, clientID int64) ([]protocol.Host, error)
	InsertHost(ctx context.Context, clientID int64, h protocol.Host) (int64, error)
	UpdateHost(ctx context.Context, clientID int64, h protocol.Host) error
	DeleteHost(ctx context.Context, clientID, hostID int64) error
	DeleteHosts(ctx context.Context, clientID int64) error
}

// DockerClient executes operations against the hosts of one client. It
// holds one live connection per host, keyed by host id.
type DockerClient struct {
	clientID int64
	opts     protocol.ClientOptions
	policy   engine.Policy
	store    HostStore
	dialer   engine.Dialer
	emit     monitor.EmitFunc

	mu          sync.RWMutex
	hosts       map[int64]protocol.Host
	connections map[int64]engine.Engine
	monitoring  *monitor.Orchestrator
	disposed    bool
}

// Option configures a DockerClient.
type Option func(*DockerClient)

// WithDialer replaces the dialer used to open host connections.
func WithDialer(d engine.Dialer) Option {
	return func(c *DockerClient) {
		c.dialer = d
	}
}

// WithEmitter sets the receiver of host and monitoring events.
func WithEmitter(emit monitor.EmitFunc) Option {
	return func(c *DockerClient) {
		c.emit = emit
	}
}

// New creates a facade for clientID. Options are normalized so the floor
// values always apply.
func New(clientID int64, opts protocol.ClientOptions, store HostStore, options ...Option) *DockerClient {
	opts = opts.Normalize()
	c := &DockerClient{
		clientID:    clientID,
		opts:        opts,
		policy:      engine.PolicyFrom(opts),
		store:       store,
		dialer:      engine.DefaultDialer,
		hosts:       make(map[int64]protocol.Host),
		connections: make(map[int64]engine.Engine),
	}
	for _, o := range options {
		o(c)
	}
	return c
}

// ClientID returns the id of the owning client.
func (c *DockerClient) ClientID() int64 { return c.clientID }

// Options returns the normalized options.
func (c *DockerClient) Options() protocol.ClientOptions { return c.opts }

// Dispose stops monitoring and closes every connection. Any later call
// fails with ErrDisposed.
func (c *DockerClient) Dispose() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true
	mon := c.monitoring
	c.monitoring = nil
	conns := c.connections
	c.connections = make(map[int64]engine.Engine)
	c.mu.Unlock()

	if mon != nil {
		mon.Stop()
	}
	for _, e := range conns {
		e.Close()
	}
}

// Disposed reports whether Dispose was called.
func (c *DockerClient) Disposed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.disposed
}

func (c *DockerClient) check() error {
	if c.Disposed() {
		return ErrDisposed
	}
	return nil
}

func (c *DockerClient) emitEvent(t protocol.EventType, ctx any) {
	if c.emit != nil {
		c.emit(t, ctx)
	}
}

// connection returns the host and live connection for hostID.
func (c *DockerClient) connection(hostID int64) (protocol.Host, engine.Engine, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.disposed {
		return protocol.Host{}, nil, ErrDisposed
	}
	h, ok := c.hosts[hostID]
	if !ok {
		return h, nil, fmt.Errorf("%w: %d", ErrHostNotFound, hostID)
	}
	e, ok := c.connections[hostID]
	if !ok {
		return h, nil, fmt.Errorf("host %s has no live connection", h.Name)
	}
	return h, e, nil
}

// targets returns every host with a live connection, ordered by id.
func (c *DockerClient) targets() []monitor.Target {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]monitor.Target, 0, len(c.connections))
	for id, e := range c.connections {
		if h, ok := c.hosts[id]; ok {
			out = append(out, monitor.Target{Host: h, Engine: e})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Host.ID < out[j].Host.ID })
	return out
}

// selectTargets returns the target for hostID, or every target when hostID
// is zero.
func (c *DockerClient) selectTargets(hostID int64) ([]monitor.Target, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	if hostID == 0 {
		return c.targets(), nil
	}
	h, e, err := c.connection(hostID)
	if err != nil {
		return nil, err
	}
	return []monitor.Target{{Host: h, Engine: e}}, nil
}

// monitorConfig is the shared configuration handed to monitor helpers.
func (c *DockerClient) monitorConfig() monitor.Config {
	return monitor.Config{
		Policy:  c.policy,
		Timeout: c.opts.Timeout(),
		Emit:    c.emit,
		Targets: c.targets,
	}
}

// onHost runs fn against the connection of hostID under the retry policy,
// with the per-call timeout applied to every attempt.
func onHost[T any](ctx context.Context, c *DockerClient, hostID int64, fn func(ctx context.Context, e engine.Engine) (T, error)) (T, error) {
	var zero T
	_, e, err := c.connection(hostID)
	if err != nil {
		return zero, err
	}
	return engine.Do(ctx, c.policy, func(ctx context.Context) (T, error) {
		ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout())
		defer cancel()
		return fn(ctx, e)
	})
}

// act is onHost for calls without a result.
func (c *DockerClient) act(ctx context.Context, hostID int64, fn func(ctx context.Context, e engine.Engine) error) error {
	_, err := onHost(ctx, c, hostID, func(ctx context.Context, e engine.Engine) (struct{}, error) {
		return struct{}{}, fn(ctx, e)
	})
	return err
}
