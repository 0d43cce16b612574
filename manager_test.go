package fleet

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/docker/docker/api/types"

	"github.com/everydev1618/fleet/docker"
	"github.com/everydev1618/fleet/engine/enginetest"
	"github.com/everydev1618/fleet/protocol"
	"github.com/everydev1618/fleet/store"
	"github.com/everydev1618/fleet/worker"
)

// fakeWorker answers requests with handle; a nil reply means silence.
type fakeWorker struct {
	post       worker.PostFunc
	handle     func(req protocol.Request) *protocol.Message
	terminated atomic.Bool
}

func (f *fakeWorker) Post(data []byte) error {
	req, err := protocol.DecodeRequest(data)
	if err != nil {
		return err
	}
	go func() {
		if msg := f.handle(req); msg != nil {
			data, _ := protocol.Encode(msg)
			f.post(data)
		}
	}()
	return nil
}

func (f *fakeWorker) Terminate() {
	f.terminated.Store(true)
}

func factory(handle func(req protocol.Request) *protocol.Message) (WorkerFactory, *[]*fakeWorker) {
	var mu sync.Mutex
	var spawned []*fakeWorker
	return func(cfg worker.Config, post worker.PostFunc) Worker {
		w := &fakeWorker{post: post, handle: handle}
		mu.Lock()
		spawned = append(spawned, w)
		mu.Unlock()
		return w
	}, &spawned
}

func initOK(req protocol.Request) *protocol.Message {
	if req.Type == protocol.TypeInit {
		return &protocol.Message{Type: protocol.TypeInitComplete, RequestID: req.RequestID, Success: true, Data: json.RawMessage(`[]`)}
	}
	return nil
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "fleet.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	if err := s.Init(); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestManager(t *testing.T, opts ...ManagerOption) (*Manager, *store.SQLiteStore, *enginetest.Dialer) {
	t.Helper()
	st := newTestStore(t)
	dialer := &enginetest.Dialer{}
	base := []ManagerOption{
		WithStore(st),
		WithDialer(dialer),
		WithInitTimeout(2 * time.Second),
		WithRequestTimeout(2 * time.Second),
		WithDefaults(protocol.ClientOptions{RetryAttempts: 1, RetryDelayMS: 100}),
	}
	m, err := NewManager(append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	t.Cleanup(func() { m.Close(context.Background()) })
	return m, st, dialer
}

func TestNewManagerDefaults(t *testing.T) {
	m, _, _ := newTestManager(t)
	if m.maxWorkers != DefaultMaxWorkers {
		t.Errorf("maxWorkers = %d, want %d", m.maxWorkers, DefaultMaxWorkers)
	}
	if _, err := NewManager(); !errors.Is(err, ErrNoStore) {
		t.Errorf("NewManager() without store error = %v, want ErrNoStore", err)
	}
}

func TestRegisterClient(t *testing.T) {
	m, st, _ := newTestManager(t)
	ctx := context.Background()

	id, err := m.RegisterClient(ctx, "acme", protocol.ClientOptions{})
	if err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}
	if _, err := st.GetClient(ctx, id); err != nil {
		t.Errorf("registered client not persisted: %v", err)
	}

	live, err := m.GetAllClients(ctx, false)
	if err != nil {
		t.Fatalf("GetAllClients(false) error = %v", err)
	}
	all, err := m.GetAllClients(ctx, true)
	if err != nil {
		t.Fatalf("GetAllClients(true) error = %v", err)
	}
	if len(live) != 1 || len(all) != 1 {
		t.Fatalf("clients live=%d all=%d, want 1 and 1", len(live), len(all))
	}
	if live[0].ID != all[0].ID || live[0].Name != all[0].Name || !live[0].Initialized {
		t.Errorf("live %+v and stored %+v disagree", live[0], all[0])
	}
}

func TestGetAllClientsIncludesStored(t *testing.T) {
	m, st, _ := newTestManager(t)
	ctx := context.Background()

	if _, err := st.InsertClient(ctx, "dormant", protocol.ClientOptions{}); err != nil {
		t.Fatalf("InsertClient() error = %v", err)
	}
	if _, err := m.RegisterClient(ctx, "live", protocol.ClientOptions{}); err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}

	live, _ := m.GetAllClients(ctx, false)
	all, _ := m.GetAllClients(ctx, true)
	if len(live) != 1 || len(all) != 2 {
		t.Fatalf("clients live=%d all=%d, want 1 and 2", len(live), len(all))
	}
	if all[0].Name != "dormant" || all[0].Active {
		t.Errorf("stored-only entry = %+v", all[0])
	}
}

func TestRegisterClientRollback(t *testing.T) {
	spawn, spawned := factory(func(req protocol.Request) *protocol.Message {
		return &protocol.Message{Type: protocol.TypeInitComplete, RequestID: req.RequestID, Error: "boom"}
	})
	m, st, _ := newTestManager(t, WithWorkerFactory(spawn))
	ctx := context.Background()

	_, err := m.RegisterClient(ctx, "doomed", protocol.ClientOptions{})
	var remote *RemoteError
	if !errors.As(err, &remote) || remote.Message != "boom" {
		t.Fatalf("RegisterClient() error = %v, want remote boom", err)
	}
	if _, err := st.GetClientByName(ctx, "doomed"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("row survived failed registration: %v", err)
	}
	if m.Get(1) != nil {
		t.Error("failed worker left in pool")
	}
	if !(*spawned)[0].terminated.Load() {
		t.Error("failed worker not terminated")
	}
}

func TestInitTimeout(t *testing.T) {
	spawn, _ := factory(func(req protocol.Request) *protocol.Message { return nil })
	m, st, _ := newTestManager(t, WithWorkerFactory(spawn), WithInitTimeout(50*time.Millisecond))
	ctx := context.Background()

	_, err := m.RegisterClient(ctx, "slow", protocol.ClientOptions{})
	if !errors.Is(err, ErrInitTimeout) {
		t.Fatalf("RegisterClient() error = %v, want ErrInitTimeout", err)
	}
	clients, _ := st.ListClients(ctx)
	if len(clients) != 0 {
		t.Errorf("rows after init timeout = %d, want 0", len(clients))
	}
}

func TestPoolExhausted(t *testing.T) {
	m, st, _ := newTestManager(t, WithMaxWorkers(1))
	ctx := context.Background()

	if _, err := m.RegisterClient(ctx, "first", protocol.ClientOptions{}); err != nil {
		t.Fatalf("RegisterClient(first) error = %v", err)
	}
	if _, err := m.RegisterClient(ctx, "second", protocol.ClientOptions{}); !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("RegisterClient(second) error = %v, want ErrPoolExhausted", err)
	}
	if _, err := st.GetClientByName(ctx, "second"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("rejected client persisted: %v", err)
	}
	live, _ := m.GetAllClients(ctx, false)
	if len(live) != 1 {
		t.Errorf("live workers = %d, want 1", len(live))
	}
}

func TestSendRequestUnknownClient(t *testing.T) {
	m, _, _ := newTestManager(t)
	_, err := m.SendRequest(context.Background(), 99, protocol.Request{Type: protocol.ReqPing})
	if !errors.Is(err, ErrNoWorker) {
		t.Fatalf("SendRequest() error = %v, want ErrNoWorker", err)
	}
	if got := err.Error(); got != "client 99 ping: no worker found" {
		t.Errorf("error = %q", got)
	}
}

func TestSendRequestNotInitialized(t *testing.T) {
	spawn, _ := factory(func(req protocol.Request) *protocol.Message { return nil })
	m, _, _ := newTestManager(t, WithWorkerFactory(spawn), WithInitTimeout(time.Second))
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.RegisterClient(ctx, "pending", protocol.ClientOptions{})
	}()

	deadline := time.Now().Add(time.Second)
	for m.Get(1) == nil && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	_, err := m.SendRequest(ctx, 1, protocol.Request{Type: protocol.ReqPing})
	if !errors.Is(err, ErrNotInitialized) {
		t.Errorf("SendRequest() error = %v, want ErrNotInitialized", err)
	}
	<-done
}

func TestSendRequestRemoteError(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	id, err := m.RegisterClient(ctx, "acme", protocol.ClientOptions{})
	if err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}

	_, err = m.SendRequest(ctx, id, protocol.Request{Type: protocol.ReqRemoveHost, HostID: 42})
	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("SendRequest() error = %v, want RemoteError", err)
	}
	info := m.Get(id).Info()
	if info.ErrorCount != 1 || info.LastError == "" {
		t.Errorf("error bookkeeping = %d %q", info.ErrorCount, info.LastError)
	}
}

func TestSendRequestTimeout(t *testing.T) {
	spawn, _ := factory(initOK)
	m, _, _ := newTestManager(t, WithWorkerFactory(spawn), WithRequestTimeout(50*time.Millisecond))
	ctx := context.Background()
	id, err := m.RegisterClient(ctx, "quiet", protocol.ClientOptions{})
	if err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}

	_, err = m.SendRequest(ctx, id, protocol.Request{Type: protocol.ReqPing})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("SendRequest() error = %v, want ErrTimeout", err)
	}
	if m.Get(id) == nil {
		t.Error("worker removed after request timeout")
	}
}

func TestHostIDsTracked(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	id, err := m.RegisterClient(ctx, "acme", protocol.ClientOptions{})
	if err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}

	host, err := Send[protocol.Host](ctx, m, id, protocol.Request{
		Type: protocol.ReqAddHost,
		Host: &protocol.Host{Name: "a", Host: "a.internal", Port: 2375},
	})
	if err != nil {
		t.Fatalf("addHost error = %v", err)
	}
	if ids := m.Get(id).Info().HostIDs; len(ids) != 1 || ids[0] != host.ID {
		t.Fatalf("HostIDs = %v, want [%d]", ids, host.ID)
	}

	if _, err := m.SendRequest(ctx, id, protocol.Request{Type: protocol.ReqRemoveHost, HostID: host.ID}); err != nil {
		t.Fatalf("removeHost error = %v", err)
	}
	if ids := m.Get(id).Info().HostIDs; len(ids) != 0 {
		t.Errorf("HostIDs after remove = %v", ids)
	}
}

func TestPingSplitsHosts(t *testing.T) {
	m, _, dialer := newTestManager(t)
	dialer.Engines = map[string]*enginetest.Engine{
		"b": {PingFunc: func(ctx context.Context) (types.Ping, error) { return types.Ping{}, errors.New("refused") }},
	}
	ctx := context.Background()
	id, _ := m.RegisterClient(ctx, "acme", protocol.ClientOptions{})

	for _, name := range []string{"a", "b"} {
		if _, err := m.SendRequest(ctx, id, protocol.Request{
			Type: protocol.ReqAddHost,
			Host: &protocol.Host{Name: name, Host: name + ".internal", Port: 2375},
		}); err != nil {
			t.Fatalf("addHost(%s) error = %v", name, err)
		}
	}

	res, err := Send[docker.PingResult](ctx, m, id, protocol.Request{Type: protocol.ReqPing})
	if err != nil {
		t.Fatalf("ping error = %v", err)
	}
	if len(res.ReachableInstances) != 1 || res.ReachableInstances[0].Name != "a" {
		t.Errorf("reachable = %+v", res.ReachableInstances)
	}
	if len(res.UnreachableInstances) != 1 || res.UnreachableInstances[0].Name != "b" {
		t.Errorf("unreachable = %+v", res.UnreachableInstances)
	}
}

func TestPluginHooksIsolated(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	var got []string
	var mu sync.Mutex
	m.RegisterPlugin(Plugin{Name: "bad", Hooks: map[protocol.EventType]HookFunc{
		protocol.EventHostAdded: func(ClientEvent) { panic("hook failure") },
	}})
	m.RegisterPlugin(Plugin{Name: "good", Hooks: map[protocol.EventType]HookFunc{
		protocol.EventHostAdded: func(e ClientEvent) {
			var he protocol.HostEvent
			if err := e.Decode(&he); err == nil {
				mu.Lock()
				got = append(got, he.Host.Name)
				mu.Unlock()
			}
		},
	}})

	id, _ := m.RegisterClient(ctx, "acme", protocol.ClientOptions{})
	if _, err := m.SendRequest(ctx, id, protocol.Request{
		Type: protocol.ReqAddHost,
		Host: &protocol.Host{Name: "a", Host: "a.internal", Port: 2375},
	}); err != nil {
		t.Fatalf("addHost error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != "a" {
		t.Errorf("good hook saw %v, want [a]", got)
	}
}

func TestCrashRemovesWorker(t *testing.T) {
	spawn, spawned := factory(func(req protocol.Request) *protocol.Message {
		if msg := initOK(req); msg != nil {
			return msg
		}
		return &protocol.Message{Type: protocol.TypeCrash, RequestID: req.RequestID, Error: "worker crashed: nil map"}
	})
	m, _, _ := newTestManager(t, WithWorkerFactory(spawn))
	ctx := context.Background()
	id, err := m.RegisterClient(ctx, "fragile", protocol.ClientOptions{})
	if err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}

	if _, err := m.SendRequest(ctx, id, protocol.Request{Type: protocol.ReqPing}); err == nil {
		t.Fatal("SendRequest() to crashing worker succeeded")
	}

	w := (*spawned)[0]
	deadline := time.Now().Add(time.Second)
	for !w.terminated.Load() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if _, err := m.SendRequest(ctx, id, protocol.Request{Type: protocol.ReqPing}); !errors.Is(err, ErrNoWorker) {
		t.Errorf("SendRequest() after crash error = %v, want ErrNoWorker", err)
	}
	if !w.terminated.Load() {
		t.Error("crashed worker not terminated")
	}
}

func TestUpdateClientRebuildsWorker(t *testing.T) {
	m, st, _ := newTestManager(t)
	ctx := context.Background()
	id, _ := m.RegisterClient(ctx, "acme", protocol.ClientOptions{})
	if _, err := m.SendRequest(ctx, id, protocol.Request{
		Type: protocol.ReqAddHost,
		Host: &protocol.Host{Name: "a", Host: "a.internal", Port: 2375},
	}); err != nil {
		t.Fatalf("addHost error = %v", err)
	}
	before := m.Get(id)

	if err := m.UpdateClient(ctx, id, "acme-renamed", protocol.ClientOptions{RetryAttempts: 2}); err != nil {
		t.Fatalf("UpdateClient() error = %v", err)
	}
	after := m.Get(id)
	if after == nil || after == before || after.Name != "acme-renamed" {
		t.Fatalf("worker not rebuilt: %+v", after)
	}
	if ids := after.Info().HostIDs; len(ids) != 1 {
		t.Errorf("hosts after rebuild = %v, want 1", ids)
	}
	sc, _ := st.GetClient(ctx, id)
	if sc.Name != "acme-renamed" || sc.Options.RetryAttempts != 2 {
		t.Errorf("stored client = %+v", sc)
	}
}

func TestUpdateClientConflictKeepsWorker(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	id, _ := m.RegisterClient(ctx, "acme", protocol.ClientOptions{})
	if _, err := m.RegisterClient(ctx, "globex", protocol.ClientOptions{}); err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}

	err := m.UpdateClient(ctx, id, "globex", protocol.ClientOptions{})
	if !errors.Is(err, store.ErrDuplicate) {
		t.Fatalf("UpdateClient() error = %v, want ErrDuplicate", err)
	}
	c := m.Get(id)
	if c == nil || c.Name != "acme" || !c.Initialized() {
		t.Errorf("worker after failed update = %+v, want acme restored", c)
	}
	if err := m.UpdateClient(ctx, 99, "nobody", protocol.ClientOptions{}); !errors.Is(err, ErrClientNotFound) {
		t.Errorf("UpdateClient(99) error = %v, want ErrClientNotFound", err)
	}
}

func TestRemoveClient(t *testing.T) {
	m, st, _ := newTestManager(t)
	ctx := context.Background()
	id, _ := m.RegisterClient(ctx, "acme", protocol.ClientOptions{})
	if _, err := m.SendRequest(ctx, id, protocol.Request{
		Type: protocol.ReqAddHost,
		Host: &protocol.Host{Name: "a", Host: "a.internal", Port: 2375},
	}); err != nil {
		t.Fatalf("addHost error = %v", err)
	}

	if err := m.RemoveClient(ctx, id); err != nil {
		t.Fatalf("RemoveClient() error = %v", err)
	}
	if m.Get(id) != nil {
		t.Error("worker survived RemoveClient")
	}
	if _, err := st.GetClient(ctx, id); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("row survived RemoveClient: %v", err)
	}
	hosts, _ := st.ListHosts(ctx, id)
	if len(hosts) != 0 {
		t.Errorf("hosts survived RemoveClient: %v", hosts)
	}
	if err := m.RemoveClient(ctx, id); !errors.Is(err, ErrClientNotFound) {
		t.Errorf("second RemoveClient() error = %v, want ErrClientNotFound", err)
	}
}

func TestRestore(t *testing.T) {
	m, st, _ := newTestManager(t)
	ctx := context.Background()
	for _, name := range []string{"a", "b"} {
		if _, err := st.InsertClient(ctx, name, protocol.ClientOptions{}); err != nil {
			t.Fatalf("InsertClient() error = %v", err)
		}
	}
	if err := m.Restore(ctx); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	live, _ := m.GetAllClients(ctx, false)
	if len(live) != 2 {
		t.Errorf("live after restore = %d, want 2", len(live))
	}
}

func TestPoolMetricsDegrades(t *testing.T) {
	var silent atomic.Bool
	spawn, _ := factory(func(req protocol.Request) *protocol.Message {
		switch req.Type {
		case protocol.TypeInit:
			return initOK(req)
		case protocol.TypeMetrics:
			if silent.Load() {
				return nil
			}
			msg := protocol.Success(req.RequestID, worker.Metrics{ClientID: req.ClientID, Initialized: true, HostsManaged: 3})
			msg.Type = protocol.TypeMetrics
			return &msg
		}
		return nil
	})
	m, _, _ := newTestManager(t, WithWorkerFactory(spawn), WithMetricsTimeout(50*time.Millisecond))
	ctx := context.Background()
	if _, err := m.RegisterClient(ctx, "one", protocol.ClientOptions{}); err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}

	pm := m.GetPoolMetrics(ctx)
	if pm.TotalWorkers != 1 || pm.Workers[0].HostsManaged != 3 || pm.Workers[0].Error != "" {
		t.Fatalf("metrics = %+v", pm)
	}

	silent.Store(true)
	pm = m.GetPoolMetrics(ctx)
	if pm.TotalWorkers != 1 || pm.Workers[0].Error == "" || pm.Workers[0].Name != "one" {
		t.Errorf("degraded metrics = %+v", pm.Workers[0])
	}
}

func TestGetStatus(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	m.RegisterPlugin(Plugin{Name: "audit"})
	if _, err := m.RegisterClient(ctx, "acme", protocol.ClientOptions{PruneSchedule: "@daily"}); err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}

	s, err := m.GetStatus(ctx)
	if err != nil {
		t.Fatalf("GetStatus() error = %v", err)
	}
	if s.TotalWorkers != 1 || s.Initialized != 1 || s.Schedules != 1 {
		t.Errorf("status = %+v", s)
	}
	if len(s.Plugins) != 1 || s.Plugins[0] != "audit" {
		t.Errorf("plugins = %v", s.Plugins)
	}
}
