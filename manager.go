package fleet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/everydev1618/fleet/engine"
	"github.com/everydev1618/fleet/protocol"
	"github.com/everydev1618/fleet/store"
	"github.com/everydev1618/fleet/worker"
)

// Defaults for a Manager.
const (
	DefaultMaxWorkers     = 10
	DefaultRequestTimeout = 30 * time.Second
	DefaultInitTimeout    = 30 * time.Second
	DefaultMetricsTimeout = 5 * time.Second
	cleanupTimeout        = 5 * time.Second
)

// WorkerFactory spawns a worker whose outbound messages go to post.
type WorkerFactory func(cfg worker.Config, post worker.PostFunc) Worker

func startWorker(cfg worker.Config, post worker.PostFunc) Worker {
	return worker.Start(cfg, post)
}

// Manager owns the pool of client workers.
type Manager struct {
	store          store.Store
	dialer         engine.Dialer
	defaults       protocol.ClientOptions
	maxWorkers     int
	requestTimeout time.Duration
	initTimeout    time.Duration
	metricsTimeout time.Duration
	heartbeat      time.Duration
	spawn          WorkerFactory

	mu      sync.RWMutex
	clients map[int64]*Client

	hookMu  sync.RWMutex
	plugins []Plugin

	scheduler *Scheduler
	started   time.Time
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithStore sets the persistence collaborator. Required.
func WithStore(s store.Store) ManagerOption {
	return func(m *Manager) {
		m.store = s
	}
}

// WithDialer sets how workers connect to hosts.
func WithDialer(d engine.Dialer) ManagerOption {
	return func(m *Manager) {
		m.dialer = d
	}
}

// WithDefaults sets the options applied to clients that leave fields unset.
func WithDefaults(opts protocol.ClientOptions) ManagerOption {
	return func(m *Manager) {
		m.defaults = opts
	}
}

// WithMaxWorkers bounds the pool.
func WithMaxWorkers(n int) ManagerOption {
	return func(m *Manager) {
		m.maxWorkers = n
	}
}

// WithRequestTimeout bounds each correlated request.
func WithRequestTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.requestTimeout = d
	}
}

// WithInitTimeout bounds the worker handshake.
func WithInitTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.initTimeout = d
	}
}

// WithMetricsTimeout bounds each worker's answer to a metrics request.
func WithMetricsTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.metricsTimeout = d
	}
}

// WithHeartbeat sets the stream heartbeat interval of every worker.
func WithHeartbeat(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.heartbeat = d
	}
}

// WithWorkerFactory replaces how workers are spawned.
func WithWorkerFactory(f WorkerFactory) ManagerOption {
	return func(m *Manager) {
		m.spawn = f
	}
}

// NewManager creates a Manager and starts its maintenance scheduler.
func NewManager(opts ...ManagerOption) (*Manager, error) {
	m := &Manager{
		maxWorkers:     DefaultMaxWorkers,
		requestTimeout: DefaultRequestTimeout,
		initTimeout:    DefaultInitTimeout,
		metricsTimeout: DefaultMetricsTimeout,
		spawn:          startWorker,
		clients:        make(map[int64]*Client),
		started:        time.Now(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.store == nil {
		return nil, ErrNoStore
	}
	m.scheduler = NewScheduler(m.prune)
	m.scheduler.Start()
	return m, nil
}

// Store returns the persistence collaborator.
func (m *Manager) Store() store.Store {
	return m.store
}

// RegisterClient persists a client and creates its worker. If the worker
// cannot be created the row is deleted again.
func (m *Manager) RegisterClient(ctx context.Context, name string, opts protocol.ClientOptions) (int64, error) {
	if name == "" {
		return 0, fmt.Errorf("client name is required")
	}
	if m.full() {
		return 0, ErrPoolExhausted
	}

	id, err := m.store.InsertClient(ctx, name, opts)
	if err != nil {
		return 0, fmt.Errorf("persist client %s: %w", name, err)
	}

	if _, err := m.createWorker(ctx, id, name, opts); err != nil {
		if derr := m.store.DeleteClient(context.WithoutCancel(ctx), id); derr != nil {
			slog.Warn("rollback client insert failed", "client", id, "error", derr)
		}
		return 0, err
	}
	m.schedule(id, opts)
	slog.Info("client registered", "client", id, "name", name)
	return id, nil
}

// Restore creates workers for every persisted client. A client whose
// worker fails to start is logged and skipped.
func (m *Manager) Restore(ctx context.Context) error {
	clients, err := m.store.ListClients(ctx)
	if err != nil {
		return err
	}
	for _, sc := range clients {
		if m.Get(sc.ID) != nil {
			continue
		}
		if _, err := m.createWorker(ctx, sc.ID, sc.Name, sc.Options); err != nil {
			slog.Warn("restore client failed", "client", sc.ID, "name", sc.Name, "error", err)
			continue
		}
		m.schedule(sc.ID, sc.Options)
	}
	return nil
}

func (m *Manager) full() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients) >= m.maxWorkers
}

// createWorker spawns a worker for a client and waits for its handshake.
func (m *Manager) createWorker(ctx context.Context, id int64, name string, opts protocol.ClientOptions) (*Client, error) {
	c := newClient(id, name, opts)

	m.mu.Lock()
	if len(m.clients) >= m.maxWorkers {
		m.mu.Unlock()
		return nil, ErrPoolExhausted
	}
	if _, exists := m.clients[id]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("client %d already has a worker", id)
	}
	m.clients[id] = c
	m.mu.Unlock()

	cfg := worker.Config{Store: m.store, Dialer: m.dialer, Heartbeat: m.heartbeat}
	w := m.spawn(cfg, func(data []byte) { m.receive(c, data) })
	c.mu.Lock()
	c.worker = w
	c.mu.Unlock()

	merged := opts.Merge(m.defaults)
	msg, err := c.call(ctx, protocol.Request{
		Type:     protocol.TypeInit,
		ClientID: id,
		Name:     name,
		Options:  &merged,
	}, m.initTimeout)
	if err == nil && !msg.Success {
		err = &RemoteError{Message: msg.Error}
	}
	if err != nil {
		m.destroy(c)
		if errors.Is(err, ErrTimeout) {
			err = ErrInitTimeout
		}
		return nil, &ClientError{ClientID: id, Op: "init", Err: err}
	}

	var hostIDs []int64
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &hostIDs); err != nil {
			slog.Warn("decode init reply", "client", id, "error", err)
		}
	}
	c.setHosts(hostIDs)
	c.mu.Lock()
	c.initialized = true
	c.mu.Unlock()
	slog.Debug("worker started", "client", id, "hosts", len(hostIDs))
	return c, nil
}

// destroy terminates a client's worker and removes it from the pool.
func (m *Manager) destroy(c *Client) {
	m.mu.Lock()
	if m.clients[c.ID] == c {
		delete(m.clients, c.ID)
	}
	m.mu.Unlock()
	if w := c.shutdown(); w != nil {
		w.Terminate()
	}
}

// Get returns the live client with id, or nil.
func (m *Manager) Get(id int64) *Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.clients[id]
}

// SendRequest sends req to a client's worker and returns the encoded
// result. Failures reported by the worker come back as *RemoteError.
func (m *Manager) SendRequest(ctx context.Context, clientID int64, req protocol.Request) (json.RawMessage, error) {
	c := m.Get(clientID)
	if c == nil {
		return nil, &ClientError{ClientID: clientID, Op: string(req.Type), Err: ErrNoWorker}
	}
	if !c.Initialized() {
		return nil, &ClientError{ClientID: clientID, Op: string(req.Type), Err: ErrNotInitialized}
	}

	req.RequestID = ""
	msg, err := c.call(ctx, req, m.requestTimeout)
	if err == nil && !msg.Success {
		err = &RemoteError{Message: msg.Error}
	}
	if err != nil {
		c.recordError(err)
		return nil, &ClientError{ClientID: clientID, Op: string(req.Type), Err: err}
	}
	return msg.Data, nil
}

// Send is SendRequest decoding the result into T.
func Send[T any](ctx context.Context, m *Manager, clientID int64, req protocol.Request) (T, error) {
	var out T
	data, err := m.SendRequest(ctx, clientID, req)
	if err != nil {
		return out, err
	}
	if len(data) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("decode %s result: %w", req.Type, err)
	}
	return out, nil
}

// UpdateClient rebuilds a client's worker with new settings.
func (m *Manager) UpdateClient(ctx context.Context, id int64, name string, opts protocol.ClientOptions) error {
	if name == "" {
		return fmt.Errorf("client name is required")
	}
	old := m.Get(id)
	if old != nil {
		m.cleanup(ctx, old, false)
	}
	m.scheduler.RemoveJob(id)

	if err := m.store.UpdateClient(ctx, id, name, opts); err != nil {
		if old != nil {
			if _, rerr := m.createWorker(ctx, id, old.Name, old.Options); rerr != nil {
				slog.Warn("restore worker after failed update", "client", id, "error", rerr)
			} else {
				m.schedule(id, old.Options)
			}
		}
		if errors.Is(err, store.ErrNotFound) {
			err = ErrClientNotFound
		}
		return fmt.Errorf("update client %d: %w", id, err)
	}
	if _, err := m.createWorker(ctx, id, name, opts); err != nil {
		return err
	}
	m.schedule(id, opts)
	slog.Info("client updated", "client", id, "name", name)
	return nil
}

// RemoveClient tears down a client's worker and deletes its row.
func (m *Manager) RemoveClient(ctx context.Context, id int64) error {
	c := m.Get(id)
	if c != nil {
		m.cleanup(ctx, c, true)
	}
	m.scheduler.RemoveJob(id)

	if err := m.store.DeleteClient(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) && c != nil {
			return nil
		}
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("client %d: %w", id, ErrClientNotFound)
		}
		return fmt.Errorf("delete client %d: %w", id, err)
	}
	slog.Info("client removed", "client", id)
	return nil
}

// cleanup asks the worker to release its resources, optionally deleting
// its hosts first, then terminates it. Failed steps are logged.
func (m *Manager) cleanup(ctx context.Context, c *Client, deleteHosts bool) {
	if c.Initialized() {
		steps := []protocol.RequestType{protocol.ReqCleanup}
		if deleteHosts {
			steps = []protocol.RequestType{protocol.ReqDeleteTable, protocol.ReqCleanup}
		}
		for _, typ := range steps {
			msg, err := c.call(ctx, protocol.Request{Type: typ}, cleanupTimeout)
			if err == nil && !msg.Success {
				err = &RemoteError{Message: msg.Error}
			}
			if err != nil {
				slog.Warn("worker cleanup step failed", "client", c.ID, "step", typ, "error", err)
			}
		}
	}
	m.destroy(c)
}

// GetAllClients lists live clients and, with includeStored, the persisted
// clients that have no live worker.
func (m *Manager) GetAllClients(ctx context.Context, includeStored bool) ([]ClientInfo, error) {
	m.mu.RLock()
	live := make(map[int64]ClientInfo, len(m.clients))
	for id, c := range m.clients {
		live[id] = c.Info()
	}
	m.mu.RUnlock()

	out := make([]ClientInfo, 0, len(live))
	for _, info := range live {
		out = append(out, info)
	}

	if includeStored {
		stored, err := m.store.ListClients(ctx)
		if err != nil {
			return nil, err
		}
		for _, sc := range stored {
			if _, ok := live[sc.ID]; ok {
				continue
			}
			out = append(out, ClientInfo{
				ID:        sc.ID,
				Name:      sc.Name,
				Options:   sc.Options,
				HostIDs:   []int64{},
				CreatedAt: sc.CreatedAt,
			})
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Close stops the scheduler and tears down every worker.
func (m *Manager) Close(ctx context.Context) error {
	m.scheduler.Stop()

	m.mu.RLock()
	clients := make([]*Client, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			m.cleanup(ctx, c, false)
		}(c)
	}
	wg.Wait()
	return nil
}

// receive classifies a message posted by a worker.
func (m *Manager) receive(c *Client, data []byte) {
	msg, err := protocol.DecodeMessage(data)
	if err != nil {
		slog.Error("decode worker message", "client", c.ID, "error", err)
		return
	}

	switch {
	case msg.IsEvent():
		m.handleEvent(c, msg)
	case msg.Type == protocol.TypeCrash:
		slog.Error("worker crashed", "client", c.ID, "name", c.Name, "error", msg.Error)
		if msg.RequestID != "" {
			c.deliver(msg)
		}
		c.recordError(errors.New(msg.Error))
		// Termination waits for the worker's goroutines, this one included.
		go m.destroy(c)
	default:
		if !c.deliver(msg) {
			slog.Debug("uncorrelated worker message", "client", c.ID, "type", msg.Type, "request", msg.RequestID)
		}
	}
}

func (m *Manager) handleEvent(c *Client, msg protocol.Message) {
	ev, err := msg.Event()
	if err != nil {
		slog.Error("decode worker event", "client", c.ID, "error", err)
		return
	}

	switch ev.Type {
	case protocol.EventHostAdded:
		var he protocol.HostEvent
		if err := ev.Decode(&he); err == nil {
			c.addHost(he.Host.ID)
		}
	case protocol.EventHostRemoved:
		var he protocol.HostEvent
		if err := ev.Decode(&he); err == nil {
			c.removeHost(he.Host.ID)
		}
	case protocol.EventLog:
		var le protocol.LogEvent
		if err := ev.Decode(&le); err == nil {
			relog(c, le)
		}
	}

	m.dispatch(ClientEvent{
		ClientID:      c.ID,
		ClientName:    c.Name,
		Type:          ev.Type,
		Ctx:           ev.Ctx,
		AdditionalCtx: ev.AdditionalCtx,
		Timestamp:     time.Now(),
	})
}

// relog writes a worker's log record with the client's attributes.
func relog(c *Client, le protocol.LogEvent) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(le.Level)); err != nil {
		level = slog.LevelInfo
	}
	args := make([]any, 0, 4+2*len(le.Attrs))
	args = append(args, "client", c.ID, "name", c.Name)
	keys := make([]string, 0, len(le.Attrs))
	for k := range le.Attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, k, le.Attrs[k])
	}
	slog.Log(context.Background(), level, le.Message, args...)
}
