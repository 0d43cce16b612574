package fleet

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/everydev1618/fleet/protocol"
	"github.com/everydev1618/fleet/worker"
)

// WorkerMetrics is one worker's entry in the pool metrics. When the worker
// does not answer, Error is set and only the manager-side fields are filled.
type WorkerMetrics struct {
	worker.Metrics
	ErrorCount int    `json:"errorCount"`
	LastError  string `json:"lastError,omitempty"`
	Busy       bool   `json:"busy"`
	Error      string `json:"error,omitempty"`
}

// PoolMetrics aggregates the metrics of every worker.
type PoolMetrics struct {
	TotalWorkers  int             `json:"totalWorkers"`
	MaxWorkers    int             `json:"maxWorkers"`
	Initialized   int             `json:"initializedWorkers"`
	Busy          int             `json:"busyWorkers"`
	UptimeSeconds float64         `json:"uptimeSeconds"`
	Workers       []WorkerMetrics `json:"workers"`
}

// GetPoolMetrics asks every worker for its metrics concurrently. A worker
// that fails or times out degrades its own entry only.
func (m *Manager) GetPoolMetrics(ctx context.Context) PoolMetrics {
	m.mu.RLock()
	clients := make([]*Client, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	m.mu.RUnlock()

	entries := make([]WorkerMetrics, len(clients))
	g, gctx := errgroup.WithContext(ctx)
	for i, c := range clients {
		g.Go(func() error {
			entries[i] = m.workerMetrics(gctx, c)
			return nil
		})
	}
	g.Wait()

	sort.Slice(entries, func(i, j int) bool { return entries[i].ClientID < entries[j].ClientID })
	pm := PoolMetrics{
		TotalWorkers:  len(entries),
		MaxWorkers:    m.maxWorkers,
		UptimeSeconds: time.Since(m.started).Seconds(),
		Workers:       entries,
	}
	for _, e := range entries {
		if e.Initialized {
			pm.Initialized++
		}
		if e.Busy {
			pm.Busy++
		}
	}
	return pm
}

func (m *Manager) workerMetrics(ctx context.Context, c *Client) WorkerMetrics {
	info := c.Info()
	entry := WorkerMetrics{
		Metrics: worker.Metrics{
			ClientID:     c.ID,
			Name:         c.Name,
			Initialized:  info.Initialized,
			HostsManaged: len(info.HostIDs),
		},
		ErrorCount: info.ErrorCount,
		LastError:  info.LastError,
		Busy:       info.Busy,
	}

	msg, err := c.call(ctx, protocol.Request{Type: protocol.TypeMetrics}, m.metricsTimeout)
	if err == nil && !msg.Success {
		err = &RemoteError{Message: msg.Error}
	}
	if err == nil {
		var wm worker.Metrics
		if err = json.Unmarshal(msg.Data, &wm); err == nil {
			entry.Metrics = wm
		}
	}
	if err != nil {
		if errors.Is(err, ErrTimeout) {
			entry.Error = "metrics request timed out"
		} else {
			entry.Error = err.Error()
		}
	}
	return entry
}

// Status is a summary of the pool that needs no worker round trip.
type Status struct {
	TotalWorkers  int          `json:"totalWorkers"`
	MaxWorkers    int          `json:"maxWorkers"`
	Initialized   int          `json:"initializedWorkers"`
	Busy          int          `json:"busyWorkers"`
	Plugins       []string     `json:"plugins"`
	Schedules     int          `json:"schedules"`
	UptimeSeconds float64      `json:"uptimeSeconds"`
	Clients       []ClientInfo `json:"clients"`
}

// GetStatus summarises the pool from the manager's own bookkeeping.
func (m *Manager) GetStatus(ctx context.Context) (Status, error) {
	clients, err := m.GetAllClients(ctx, false)
	if err != nil {
		return Status{}, err
	}
	s := Status{
		TotalWorkers:  len(clients),
		MaxWorkers:    m.maxWorkers,
		Schedules:     len(m.scheduler.ListJobs()),
		UptimeSeconds: time.Since(m.started).Seconds(),
		Clients:       clients,
		Plugins:       []string{},
	}
	for _, c := range clients {
		if c.Initialized {
			s.Initialized++
		}
		if c.Busy {
			s.Busy++
		}
	}
	m.hookMu.RLock()
	for _, p := range m.plugins {
		if p.Name != "" {
			s.Plugins = append(s.Plugins, p.Name)
		}
	}
	m.hookMu.RUnlock()
	return s, nil
}
