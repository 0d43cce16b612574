package docker

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/everydev1618/fleet/protocol"
)

// PingResult splits the hosts of a client by reachability.
type PingResult struct {
	ReachableInstances   []protocol.Host   `json:"reachableInstances"`
	UnreachableInstances []protocol.Host   `json:"unreachableInstances"`
	Errors               map[string]string `json:"errors,omitempty"`
}

// Init loads the persisted hosts and opens a connection to each. A host
// that cannot be dialed is logged and skipped.
func (c *DockerClient) Init(ctx context.Context) error {
	if err := c.check(); err != nil {
		return err
	}
	hosts, err := c.store.ListHosts(ctx, c.clientID)
	if err != nil {
		return fmt.Errorf("load hosts: %w", err)
	}

	for _, h := range hosts {
		e, err := c.dialer.Dial(h)
		if err != nil {
			slog.Warn("connect host failed", "client", c.clientID, "host", h.Name, "error", err)
			continue
		}
		c.mu.Lock()
		c.hosts[h.ID] = h
		c.connections[h.ID] = e
		c.mu.Unlock()
	}
	c.refreshMonitoring()
	slog.Debug("docker client initialized", "client", c.clientID, "hosts", len(hosts))
	return nil
}

// AddHost validates, persists and connects a host. A host with an id is
// taken as already persisted.
func (c *DockerClient) AddHost(ctx context.Context, h protocol.Host) (protocol.Host, error) {
	if err := c.check(); err != nil {
		return h, err
	}
	if err := h.Validate(); err != nil {
		return h, fmt.Errorf("%w: %v", ErrInvalidHost, err)
	}

	persisted := false
	if h.ID == 0 {
		id, err := c.store.InsertHost(ctx, c.clientID, h)
		if err != nil {
			return h, fmt.Errorf("persist host %s: %w", h.Name, err)
		}
		h.ID = id
		persisted = true
	}

	e, err := c.dialer.Dial(h)
	if err != nil {
		if persisted {
			if derr := c.store.DeleteHost(ctx, c.clientID, h.ID); derr != nil {
				slog.Warn("rollback host insert failed", "host", h.Name, "error", derr)
			}
		}
		return h, fmt.Errorf("connect host %s: %w", h.Name, err)
	}

	c.mu.Lock()
	if old, ok := c.connections[h.ID]; ok {
		old.Close()
	}
	c.hosts[h.ID] = h
	c.connections[h.ID] = e
	c.mu.Unlock()

	c.refreshMonitoring()
	c.emitEvent(protocol.EventHostAdded, protocol.HostEvent{ClientID: c.clientID, Host: h})
	return h, nil
}

// RemoveHost closes the connection of a host and deletes it.
func (c *DockerClient) RemoveHost(ctx context.Context, hostID int64) error {
	if err := c.check(); err != nil {
		return err
	}
	c.mu.RLock()
	h, ok := c.hosts[hostID]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrHostNotFound, hostID)
	}

	// The row goes first: a failed delete leaves the host fully connected.
	if err := c.store.DeleteHost(ctx, c.clientID, hostID); err != nil {
		return fmt.Errorf("delete host %s: %w", h.Name, err)
	}

	c.mu.Lock()
	e := c.connections[hostID]
	delete(c.hosts, hostID)
	delete(c.connections, hostID)
	c.mu.Unlock()
	if e != nil {
		e.Close()
	}

	c.refreshMonitoring()
	c.emitEvent(protocol.EventHostRemoved, protocol.HostEvent{ClientID: c.clientID, Host: h})
	return nil
}

// UpdateHost replaces a host's settings and reconnects it under the same id.
func (c *DockerClient) UpdateHost(ctx context.Context, h protocol.Host) (protocol.Host, error) {
	if err := c.check(); err != nil {
		return h, err
	}
	if err := h.Validate(); err != nil {
		return h, fmt.Errorf("%w: %v", ErrInvalidHost, err)
	}

	c.mu.RLock()
	_, ok := c.hosts[h.ID]
	c.mu.RUnlock()
	if !ok {
		return h, fmt.Errorf("%w: %d", ErrHostNotFound, h.ID)
	}

	e, err := c.dialer.Dial(h)
	if err != nil {
		return h, fmt.Errorf("connect host %s: %w", h.Name, err)
	}
	if err := c.store.UpdateHost(ctx, c.clientID, h); err != nil {
		e.Close()
		return h, fmt.Errorf("persist host %s: %w", h.Name, err)
	}

	c.mu.Lock()
	old := c.connections[h.ID]
	c.hosts[h.ID] = h
	c.connections[h.ID] = e
	c.mu.Unlock()
	if old != nil {
		old.Close()
	}

	c.refreshMonitoring()
	c.emitEvent(protocol.EventHostUpdated, protocol.HostEvent{ClientID: c.clientID, Host: h})
	return h, nil
}

// Hosts returns the hosts of the client ordered by id.
func (c *DockerClient) Hosts() ([]protocol.Host, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	out := make([]protocol.Host, 0, len(c.hosts))
	for _, h := range c.hosts {
		out = append(out, h)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// HostIDs returns the ids of hosts with a live connection.
func (c *DockerClient) HostIDs() []int64 {
	ids := make([]int64, 0)
	for _, t := range c.targets() {
		ids = append(ids, t.Host.ID)
	}
	return ids
}

// Ping pings every connected host concurrently. It never fails because of
// an individual host.
func (c *DockerClient) Ping(ctx context.Context) (PingResult, error) {
	if err := c.check(); err != nil {
		return PingResult{}, err
	}
	targets := c.targets()

	type outcome struct {
		host protocol.Host
		err  error
	}
	results := make([]outcome, len(targets))
	var wg sync.WaitGroup
	for i, t := range targets {
		wg.Add(1)
		go func(i int, h protocol.Host) {
			defer wg.Done()
			results[i] = outcome{h, c.pingHost(ctx, h.ID)}
		}(i, t.Host)
	}
	wg.Wait()

	res := PingResult{
		ReachableInstances:   []protocol.Host{},
		UnreachableInstances: []protocol.Host{},
	}
	for _, r := range results {
		if r.err == nil {
			res.ReachableInstances = append(res.ReachableInstances, r.host)
			continue
		}
		res.UnreachableInstances = append(res.UnreachableInstances, r.host)
		if res.Errors == nil {
			res.Errors = make(map[string]string)
		}
		res.Errors[r.host.Name] = r.err.Error()
	}
	return res, nil
}

// pingHost makes one unretried attempt, so Ping returns within a single
// call timeout however many hosts are silent.
func (c *DockerClient) pingHost(ctx context.Context, hostID int64) error {
	_, e, err := c.connection(hostID)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout())
	defer cancel()
	_, err = e.Ping(ctx)
	return err
}

// DeleteHosts removes every persisted host of the client.
func (c *DockerClient) DeleteHosts(ctx context.Context) error {
	if err := c.check(); err != nil {
		return err
	}
	return c.store.DeleteHosts(ctx, c.clientID)
}
