package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"

	"github.com/everydev1618/fleet/engine/enginetest"
	"github.com/everydev1618/fleet/protocol"
)

type memHosts struct {
	mu        sync.Mutex
	nextID    int64
	hosts     map[int64]protocol.Host
	deleteErr error
}

func newMemHosts(hosts ...protocol.Host) *memHosts {
	s := &memHosts{hosts: make(map[int64]protocol.Host)}
	for _, h := range hosts {
		s.nextID++
		h.ID = s.nextID
		s.hosts[h.ID] = h
	}
	return s
}

func (s *memHosts) ListHosts(ctx context.Context, clientID int64) ([]protocol.Host, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []protocol.Host
	for i := int64(1); i <= s.nextID; i++ {
		if h, ok := s.hosts[i]; ok {
			out = append(out, h)
		}
	}
	return out, nil
}

func (s *memHosts) InsertHost(ctx context.Context, clientID int64, h protocol.Host) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	h.ID = s.nextID
	s.hosts[h.ID] = h
	return h.ID, nil
}

func (s *memHosts) UpdateHost(ctx context.Context, clientID int64, h protocol.Host) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.hosts[h.ID]; !ok {
		return errors.New("no such host")
	}
	s.hosts[h.ID] = h
	return nil
}

func (s *memHosts) DeleteHost(ctx context.Context, clientID, hostID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleteErr != nil {
		return s.deleteErr
	}
	delete(s.hosts, hostID)
	return nil
}

func (s *memHosts) DeleteHosts(ctx context.Context, clientID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hosts = make(map[int64]protocol.Host)
	return nil
}

type events struct {
	mu   sync.Mutex
	seen []protocol.EventType
}

func (e *events) emit(t protocol.EventType, ctx any) {
	e.mu.Lock()
	e.seen = append(e.seen, t)
	e.mu.Unlock()
}

func (e *events) has(t protocol.EventType) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range e.seen {
		if s == t {
			return true
		}
	}
	return false
}

var fastRetry = protocol.ClientOptions{RetryAttempts: 1, RetryDelayMS: 100, TimeoutMS: 2000}

func newTestClient(t *testing.T, opts protocol.ClientOptions, hosts ...protocol.Host) (*DockerClient, *enginetest.Dialer, *memHosts, *events) {
	t.Helper()
	store := newMemHosts(hosts...)
	dialer := &enginetest.Dialer{}
	ev := &events{}
	c := New(7, opts, store, WithDialer(dialer), WithEmitter(ev.emit))
	if err := c.Init(context.Background()); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	t.Cleanup(c.Dispose)
	return c, dialer, store, ev
}

func testHost(name string) protocol.Host {
	return protocol.Host{Name: name, Host: name + ".internal", Port: 2375}
}

func TestInitConnectsPersistedHosts(t *testing.T) {
	c, dialer, _, _ := newTestClient(t, fastRetry, testHost("a"), testHost("b"))
	if got := dialer.Dialed(); len(got) != 2 {
		t.Errorf("Dialed() = %v, want two hosts", got)
	}
	if got := c.HostIDs(); len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Errorf("HostIDs() = %v, want [1 2]", got)
	}
}

func TestAddHostValidation(t *testing.T) {
	c, _, _, _ := newTestClient(t, fastRetry)

	tests := []struct {
		name string
		host protocol.Host
	}{
		{"no name", protocol.Host{Host: "x", Port: 2375}},
		{"no address", protocol.Host{Name: "x", Port: 2375}},
		{"port zero", protocol.Host{Name: "x", Host: "x", Port: 0}},
		{"port too large", protocol.Host{Name: "x", Host: "x", Port: 70000}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := c.AddHost(context.Background(), tt.host); !errors.Is(err, ErrInvalidHost) {
				t.Errorf("AddHost() error = %v, want ErrInvalidHost", err)
			}
		})
	}
}

func TestAddRemoveHost(t *testing.T) {
	c, dialer, store, ev := newTestClient(t, fastRetry)

	h, err := c.AddHost(context.Background(), testHost("a"))
	if err != nil {
		t.Fatalf("AddHost() error = %v", err)
	}
	if h.ID == 0 {
		t.Fatal("AddHost() returned host without id")
	}
	if !ev.has(protocol.EventHostAdded) {
		t.Error("host:added not emitted")
	}
	if got, _ := store.ListHosts(context.Background(), 7); len(got) != 1 {
		t.Errorf("store has %d hosts, want 1", len(got))
	}

	if err := c.RemoveHost(context.Background(), h.ID); err != nil {
		t.Fatalf("RemoveHost() error = %v", err)
	}
	if !dialer.Engines["a"].Closed() {
		t.Error("connection not closed on RemoveHost")
	}
	if !ev.has(protocol.EventHostRemoved) {
		t.Error("host:removed not emitted")
	}
	if got, _ := store.ListHosts(context.Background(), 7); len(got) != 0 {
		t.Errorf("store has %d hosts after remove, want 0", len(got))
	}
	if err := c.RemoveHost(context.Background(), h.ID); !errors.Is(err, ErrHostNotFound) {
		t.Errorf("second RemoveHost() error = %v, want ErrHostNotFound", err)
	}
}

func TestRemoveHostStoreFailureKeepsHost(t *testing.T) {
	c, dialer, store, ev := newTestClient(t, fastRetry, testHost("a"))
	store.deleteErr = errors.New("db locked")

	if err := c.RemoveHost(context.Background(), 1); err == nil || !strings.Contains(err.Error(), "db locked") {
		t.Fatalf("RemoveHost() error = %v, want db locked", err)
	}
	if got := c.HostIDs(); len(got) != 1 || got[0] != 1 {
		t.Errorf("HostIDs() = %v, want [1]", got)
	}
	if dialer.Engines["a"].Closed() {
		t.Error("connection closed although the row survived")
	}
	if ev.has(protocol.EventHostRemoved) {
		t.Error("host:removed emitted for a failed remove")
	}
	if _, err := c.Ping(context.Background()); err != nil {
		t.Errorf("Ping() error = %v", err)
	}

	store.deleteErr = nil
	if err := c.RemoveHost(context.Background(), 1); err != nil {
		t.Fatalf("RemoveHost() retry error = %v", err)
	}
	if !dialer.Engines["a"].Closed() {
		t.Error("connection not closed after successful remove")
	}
}

func TestAddHostDialFailureRollsBack(t *testing.T) {
	c, dialer, store, _ := newTestClient(t, fastRetry)
	dialer.Err = errors.New("bad tls")

	if _, err := c.AddHost(context.Background(), testHost("a")); err == nil {
		t.Fatal("AddHost() error = nil, want dial error")
	}
	if got, _ := store.ListHosts(context.Background(), 7); len(got) != 0 {
		t.Errorf("store has %d hosts after failed add, want 0", len(got))
	}
}

func TestUpdateHostReconnects(t *testing.T) {
	c, dialer, _, ev := newTestClient(t, fastRetry, testHost("a"))
	old := dialer.Engines["a"]

	updated := testHost("renamed")
	updated.ID = 1
	if _, err := c.UpdateHost(context.Background(), updated); err != nil {
		t.Fatalf("UpdateHost() error = %v", err)
	}
	if !old.Closed() {
		t.Error("old connection not closed")
	}
	hosts, _ := c.Hosts()
	if len(hosts) != 1 || hosts[0].ID != 1 || hosts[0].Name != "renamed" {
		t.Errorf("Hosts() = %v", hosts)
	}
	if !ev.has(protocol.EventHostUpdated) {
		t.Error("host:updated not emitted")
	}
}

func TestPingSplitsReachability(t *testing.T) {
	c, dialer, _, _ := newTestClient(t, fastRetry, testHost("A"), testHost("B"))
	dialer.Engines["B"].PingFunc = func(ctx context.Context) (types.Ping, error) {
		return types.Ping{}, errors.New("connection refused")
	}

	res, err := c.Ping(context.Background())
	if err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
	if len(res.ReachableInstances) != 1 || res.ReachableInstances[0].Name != "A" {
		t.Errorf("ReachableInstances = %v, want [A]", res.ReachableInstances)
	}
	if len(res.UnreachableInstances) != 1 || res.UnreachableInstances[0].Name != "B" {
		t.Errorf("UnreachableInstances = %v, want [B]", res.UnreachableInstances)
	}
	if !strings.Contains(res.Errors["B"], "connection refused") {
		t.Errorf("Errors = %v", res.Errors)
	}
}

func TestPingSilentHostMakesOneAttempt(t *testing.T) {
	// Retries and delays as configured by default, with the per-call
	// timeout at its floor to keep the test short.
	opts := protocol.ClientOptions{TimeoutMS: 1000}.Normalize()
	c, dialer, _, _ := newTestClient(t, opts, testHost("a"), testHost("b"))
	dialer.Engines["b"].PingFunc = func(ctx context.Context) (types.Ping, error) {
		<-ctx.Done()
		return types.Ping{}, ctx.Err()
	}

	start := time.Now()
	res, err := c.Ping(context.Background())
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
	if elapsed > opts.Timeout()+500*time.Millisecond {
		t.Errorf("Ping() took %v, want at most one call timeout (%v)", elapsed, opts.Timeout())
	}
	if n := dialer.Engines["b"].Pings(); n != 1 {
		t.Errorf("silent host pinged %d times, want 1", n)
	}
	if len(res.ReachableInstances) != 1 || res.ReachableInstances[0].Name != "a" {
		t.Errorf("ReachableInstances = %v, want [a]", res.ReachableInstances)
	}
	if len(res.UnreachableInstances) != 1 || res.UnreachableInstances[0].Name != "b" {
		t.Errorf("UnreachableInstances = %v, want [b]", res.UnreachableInstances)
	}
}

func TestDisposedRejectsCalls(t *testing.T) {
	c, dialer, _, _ := newTestClient(t, fastRetry, testHost("a"))
	fake := dialer.Engines["a"]
	c.Dispose()

	if _, err := c.Ping(context.Background()); !errors.Is(err, ErrDisposed) {
		t.Errorf("Ping() error = %v, want ErrDisposed", err)
	}
	if err := c.StartContainer(context.Background(), 1, "x"); !errors.Is(err, ErrDisposed) {
		t.Errorf("StartContainer() error = %v, want ErrDisposed", err)
	}
	if _, err := c.AddHost(context.Background(), testHost("b")); !errors.Is(err, ErrDisposed) {
		t.Errorf("AddHost() error = %v, want ErrDisposed", err)
	}
	if fake.Pings() != 0 || len(fake.Calls()) != 0 {
		t.Error("disposed client reached the daemon")
	}
	if !fake.Closed() {
		t.Error("Dispose() did not close connections")
	}
}

func TestContainerActionsRetry(t *testing.T) {
	c, dialer, _, _ := newTestClient(t, protocol.ClientOptions{RetryAttempts: 3, RetryDelayMS: 100}, testHost("a"))
	failures := 2
	dialer.Engines["a"].ActionFunc = func(ctx context.Context, action, id string) error {
		if failures > 0 {
			failures--
			return errors.New("daemon busy")
		}
		return nil
	}

	if err := c.StartContainer(context.Background(), 1, "web"); err != nil {
		t.Fatalf("StartContainer() error = %v", err)
	}
	if got := len(dialer.Engines["a"].Calls()); got != 3 {
		t.Errorf("daemon called %d times, want 3", got)
	}
}

func TestContainerActionsExhaustRetries(t *testing.T) {
	c, dialer, _, _ := newTestClient(t, protocol.ClientOptions{RetryAttempts: 2, RetryDelayMS: 100}, testHost("a"))
	dialer.Engines["a"].ActionFunc = func(ctx context.Context, action, id string) error {
		return fmt.Errorf("%s failed", action)
	}

	err := c.KillContainer(context.Background(), 1, "web", "")
	if err == nil || !strings.Contains(err.Error(), "kill failed") {
		t.Fatalf("KillContainer() error = %v, want last daemon error", err)
	}
	calls := dialer.Engines["a"].Calls()
	if len(calls) != 2 || calls[0] != "kill:web:SIGKILL" {
		t.Errorf("Calls() = %v", calls)
	}
}

func TestUnknownHost(t *testing.T) {
	c, _, _, _ := newTestClient(t, fastRetry)
	if err := c.StopContainer(context.Background(), 99, "x", nil); !errors.Is(err, ErrHostNotFound) {
		t.Errorf("StopContainer() error = %v, want ErrHostNotFound", err)
	}
}

func TestListContainersPartialFailure(t *testing.T) {
	c, dialer, _, _ := newTestClient(t, fastRetry, testHost("a"), testHost("b"))
	dialer.Engines["a"].ContainerListFunc = func(ctx context.Context, opts container.ListOptions) ([]container.Summary, error) {
		return []container.Summary{{ID: "c1", Names: []string{"/web"}, State: "running", Ports: []container.Port{{PrivatePort: 80, PublicPort: 8080, Type: "tcp"}}}}, nil
	}
	dialer.Engines["b"].ContainerListFunc = func(ctx context.Context, opts container.ListOptions) ([]container.Summary, error) {
		return nil, errors.New("timeout")
	}

	got, err := c.ListContainers(context.Background(), 0, true)
	if err != nil {
		t.Fatalf("ListContainers() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ListContainers() returned %d hosts, want 2", len(got))
	}
	if len(got[0].Containers) != 1 || got[0].Containers[0].Name != "web" || got[0].Containers[0].Ports[0] != ":8080->80/tcp" {
		t.Errorf("host a = %+v", got[0])
	}
	if got[1].Error == "" {
		t.Error("host b error not reported")
	}

	if _, err := c.ListContainers(context.Background(), 2, true); err == nil {
		t.Error("ListContainers(host b) error = nil, want error")
	}
}

func TestExecDemultiplexes(t *testing.T) {
	c, dialer, _, _ := newTestClient(t, fastRetry, testHost("a"))
	fake := dialer.Engines["a"]
	fake.ExecAttachFunc = func(ctx context.Context, execID string) (types.HijackedResponse, error) {
		data := append(enginetest.Frame(1, "hello\n"), enginetest.Frame(2, "warn\n")...)
		data = append(data, enginetest.Frame(1, "world\n")...)
		return enginetest.Hijacked(data), nil
	}
	fake.ExecInspectFunc = func(ctx context.Context, execID string) (container.ExecInspect, error) {
		return container.ExecInspect{ExecID: execID, ExitCode: 3}, nil
	}

	res, err := c.ExecContainer(context.Background(), 1, "web", protocol.ExecOptions{Cmd: []string{"sh", "-c", "x"}})
	if err != nil {
		t.Fatalf("ExecContainer() error = %v", err)
	}
	if res.Stdout != "hello\nworld\n" || res.Stderr != "warn\n" || res.ExitCode != 3 {
		t.Errorf("ExecContainer() = %+v", res)
	}
}

func TestExecTTYIsRaw(t *testing.T) {
	c, dialer, _, _ := newTestClient(t, fastRetry, testHost("a"))
	dialer.Engines["a"].ExecAttachFunc = func(ctx context.Context, execID string) (types.HijackedResponse, error) {
		return enginetest.Hijacked([]byte("\x01raw tty output")), nil
	}

	res, err := c.ExecContainer(context.Background(), 1, "web", protocol.ExecOptions{Cmd: []string{"top"}, Tty: true})
	if err != nil {
		t.Fatalf("ExecContainer() error = %v", err)
	}
	if res.Stdout != "\x01raw tty output" || res.Stderr != "" {
		t.Errorf("ExecContainer() = %+v", res)
	}
}

func TestExecRequiresCommand(t *testing.T) {
	c, _, _, _ := newTestClient(t, fastRetry, testHost("a"))
	if _, err := c.ExecContainer(context.Background(), 1, "web", protocol.ExecOptions{}); err == nil {
		t.Error("ExecContainer() error = nil, want error")
	}
}

func TestContainerLogs(t *testing.T) {
	c, dialer, _, _ := newTestClient(t, fastRetry, testHost("a"))
	fake := dialer.Engines["a"]
	fake.ContainerInspectFunc = func(ctx context.Context, id string) (container.InspectResponse, error) {
		return container.InspectResponse{Config: &container.Config{Tty: false}}, nil
	}
	var gotTail string
	fake.ContainerLogsFunc = func(ctx context.Context, id string, opts container.LogsOptions) (io.ReadCloser, error) {
		gotTail = opts.Tail
		data := append(enginetest.Frame(1, "out\n"), enginetest.Frame(2, "err\n")...)
		return io.NopCloser(strings.NewReader(string(data))), nil
	}

	logs, err := c.ContainerLogs(context.Background(), 1, "web", protocol.LogOptions{})
	if err != nil {
		t.Fatalf("ContainerLogs() error = %v", err)
	}
	if logs.Stdout != "out\n" || logs.Stderr != "err\n" {
		t.Errorf("ContainerLogs() = %+v", logs)
	}
	if gotTail != "100" {
		t.Errorf("tail = %q, want 100", gotTail)
	}
}

func TestPullImage(t *testing.T) {
	c, dialer, _, _ := newTestClient(t, fastRetry, testHost("a"))
	fake := dialer.Engines["a"]

	res, err := c.PullImage(context.Background(), 1, "nginx", "1.27")
	if err != nil {
		t.Fatalf("PullImage() error = %v", err)
	}
	if res.Image != "nginx:1.27" || res.Status != "Downloaded" {
		t.Errorf("PullImage() = %+v", res)
	}

	fake.ImagePullFunc = func(ctx context.Context, ref string) (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(`{"status":"Pulling"}` + "\n" + `{"errorDetail":{"message":"manifest unknown"},"error":"manifest unknown"}`)), nil
	}
	if _, err := c.PullImage(context.Background(), 1, "nginx", "nope"); err == nil || !strings.Contains(err.Error(), "manifest unknown") {
		t.Errorf("PullImage() error = %v, want manifest unknown", err)
	}
}

func TestPruneImages(t *testing.T) {
	c, dialer, _, _ := newTestClient(t, fastRetry, testHost("a"))
	dialer.Engines["a"].ImagesPruneFunc = func(ctx context.Context, f filters.Args) (image.PruneReport, error) {
		if got := f.Get("dangling"); len(got) != 1 || got[0] != "true" {
			t.Errorf("prune filters = %v", f)
		}
		return image.PruneReport{
			ImagesDeleted:  []image.DeleteResponse{{Deleted: "sha256:abc"}, {Untagged: "old:tag"}},
			SpaceReclaimed: 2048,
		}, nil
	}

	got, err := c.PruneImages(context.Background(), 0)
	if err != nil {
		t.Fatalf("PruneImages() error = %v", err)
	}
	if len(got) != 1 || len(got[0].Deleted) != 1 || got[0].SpaceReclaimed != 2048 || got[0].Reclaimed == "" {
		t.Errorf("PruneImages() = %+v", got)
	}
}

func TestMonitoringLifecycle(t *testing.T) {
	c, _, _, _ := newTestClient(t, fastRetry, testHost("a"))

	status, err := c.StartMonitoring(context.Background(), &protocol.MonitoringOptions{HealthCheckIntervalMS: 1000})
	if err != nil {
		t.Fatalf("StartMonitoring() error = %v", err)
	}
	if !status.Active || status.Hosts != 1 {
		t.Errorf("status = %+v", status)
	}
	if status.Options.HealthCheckIntervalMS != 10000 {
		t.Errorf("HealthCheckIntervalMS = %d, want clamped to 10000", status.Options.HealthCheckIntervalMS)
	}
	if !c.MonitoringActive() {
		t.Error("MonitoringActive() = false")
	}
	if err := c.RestartEventStream(); err != nil {
		t.Errorf("RestartEventStream() error = %v", err)
	}

	if _, err := c.AddHost(context.Background(), testHost("b")); err != nil {
		t.Fatalf("AddHost() error = %v", err)
	}
	if status, _ := c.MonitoringStatus(); status.Hosts != 2 {
		t.Errorf("monitored hosts = %d after AddHost, want 2", status.Hosts)
	}

	status, err = c.StopMonitoring()
	if err != nil {
		t.Fatalf("StopMonitoring() error = %v", err)
	}
	if status.Active {
		t.Error("monitoring still active after StopMonitoring")
	}
	if err := c.RestartEventStream(); err == nil {
		t.Error("RestartEventStream() on stopped monitoring error = nil")
	}
}
