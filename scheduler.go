package fleet

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/everydev1618/fleet/docker"
	"github.com/everydev1618/fleet/protocol"
)

// MaintenanceJob is a recurring maintenance run for one client.
type MaintenanceJob struct {
	ClientID int64  `json:"clientId"`
	Cron     string `json:"cron"`
}

// Scheduler runs per-client maintenance on cron schedules.
type Scheduler struct {
	c   *cron.Cron
	run func(clientID int64)

	mu      sync.Mutex
	jobs    map[int64]MaintenanceJob
	entries map[int64]cron.EntryID // client id → cron entry ID
}

// NewScheduler creates a Scheduler that calls run when a client's job fires.
func NewScheduler(run func(clientID int64)) *Scheduler {
	return &Scheduler{
		c:       cron.New(),
		run:     run,
		jobs:    make(map[int64]MaintenanceJob),
		entries: make(map[int64]cron.EntryID),
	}
}

// Start begins the cron runner in the background.
func (s *Scheduler) Start() {
	s.c.Start()
	slog.Debug("scheduler started")
}

// Stop halts the cron runner and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.c.Stop().Done()
	slog.Debug("scheduler stopped")
}

// AddJob schedules maintenance for a client, replacing any previous job.
func (s *Scheduler) AddJob(job MaintenanceJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.entries[job.ClientID]; ok {
		s.c.Remove(id)
		delete(s.entries, job.ClientID)
		delete(s.jobs, job.ClientID)
	}

	clientID := job.ClientID
	entryID, err := s.c.AddFunc(job.Cron, func() { s.run(clientID) })
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", job.Cron, err)
	}
	s.entries[job.ClientID] = entryID
	s.jobs[job.ClientID] = job

	slog.Info("scheduler: job added", "client", job.ClientID, "cron", job.Cron)
	return nil
}

// RemoveJob drops a client's job. It reports whether one existed.
func (s *Scheduler) RemoveJob(clientID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.entries[clientID]
	if !ok {
		return false
	}
	s.c.Remove(id)
	delete(s.entries, clientID)
	delete(s.jobs, clientID)
	slog.Info("scheduler: job removed", "client", clientID)
	return true
}

// ListJobs returns a snapshot of all current jobs.
func (s *Scheduler) ListJobs() []MaintenanceJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]MaintenanceJob, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}

// schedule registers the prune job of a client if it has one.
func (m *Manager) schedule(id int64, opts protocol.ClientOptions) {
	expr := opts.Merge(m.defaults).PruneSchedule
	if expr == "" {
		return
	}
	if err := m.scheduler.AddJob(MaintenanceJob{ClientID: id, Cron: expr}); err != nil {
		slog.Warn("schedule maintenance failed", "client", id, "error", err)
	}
}

// prune removes dangling images on every host of a client.
func (m *Manager) prune(clientID int64) {
	ctx := context.Background()
	results, err := Send[[]docker.PruneResult](ctx, m, clientID, protocol.Request{Type: protocol.ReqPruneImages})
	if err != nil {
		slog.Warn("scheduled prune failed", "client", clientID, "error", err)
		return
	}
	for _, r := range results {
		if r.Error != "" {
			slog.Warn("scheduled prune failed on host", "client", clientID, "host", r.HostName, "error", r.Error)
			continue
		}
		slog.Info("scheduled prune", "client", clientID, "host", r.HostName, "deleted", len(r.Deleted), "reclaimed", r.Reclaimed)
	}
}
