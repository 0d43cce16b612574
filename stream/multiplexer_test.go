package stream

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/everydev1618/fleet/protocol"
)

type mockSource struct {
	statsCalls atomic.Int32
	statsErr   error
	logs       []protocol.LogOptions
	mu         sync.Mutex
}

func (s *mockSource) ContainerStats(ctx context.Context, hostID int64, containerID string) (protocol.ContainerStats, error) {
	s.statsCalls.Add(1)
	if s.statsErr != nil {
		return protocol.ContainerStats{}, s.statsErr
	}
	return protocol.ContainerStats{CPUPercent: 12.5, PIDs: 3}, nil
}

func (s *mockSource) HostMetrics(ctx context.Context, hostID int64) ([]protocol.HostMetricsEvent, error) {
	return []protocol.HostMetricsEvent{{HostID: 1, CPUs: 2}}, nil
}

func (s *mockSource) ContainerMetrics(ctx context.Context, hostID int64) ([]protocol.ContainerMetricsEvent, error) {
	return []protocol.ContainerMetricsEvent{{HostID: 1, ContainerID: "c1"}}, nil
}

func (s *mockSource) ListContainers(ctx context.Context, hostID int64, all bool) ([]protocol.HostContainers, error) {
	return []protocol.HostContainers{{HostID: 1}}, nil
}

func (s *mockSource) ContainerLogs(ctx context.Context, hostID int64, containerID string, opts protocol.LogOptions) (protocol.ContainerLogs, error) {
	s.mu.Lock()
	s.logs = append(s.logs, opts)
	s.mu.Unlock()
	return protocol.ContainerLogs{Stdout: "line\n"}, nil
}

type sink struct {
	mu   sync.Mutex
	msgs []Message
}

func (k *sink) send(m Message) {
	k.mu.Lock()
	k.msgs = append(k.msgs, m)
	k.mu.Unlock()
}

func (k *sink) wait(t *testing.T, n int) []Message {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		k.mu.Lock()
		if len(k.msgs) >= n {
			out := append([]Message(nil), k.msgs...)
			k.mu.Unlock()
			return out
		}
		k.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("received fewer than %d messages", n)
	return nil
}

func newConn(t *testing.T, m *Multiplexer, id string) *sink {
	t.Helper()
	k := &sink{}
	if _, err := m.CreateConnection(id, k.send); err != nil {
		t.Fatalf("CreateConnection() error = %v", err)
	}
	return k
}

func TestSubscribeValidation(t *testing.T) {
	m := New(&mockSource{})
	defer m.Close()
	newConn(t, m, "c")

	tests := []struct {
		name    string
		channel string
		opts    Options
		wantErr error
	}{
		{"unknown channel", "nope", Options{}, ErrUnknownChannel},
		{"stats without container", ChannelContainerStats, Options{HostID: 1}, ErrMissingParam},
		{"stats without host", ChannelContainerStats, Options{ContainerID: "x"}, ErrMissingParam},
		{"logs without container", ChannelContainerLogs, Options{HostID: 1}, ErrMissingParam},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Subscribe("c", tt.channel, tt.opts, nil)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Subscribe() error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	if _, err := m.Subscribe("missing", ChannelContainerList, Options{}, nil); !errors.Is(err, ErrUnknownConnection) {
		t.Errorf("Subscribe() on unknown connection error = %v", err)
	}
}

func TestUnsubscribeUnknown(t *testing.T) {
	m := New(&mockSource{})
	defer m.Close()
	if m.Unsubscribe("c:container_list:1") {
		t.Error("Unsubscribe(unknown) = true, want false")
	}
}

func TestSubscribePushesData(t *testing.T) {
	src := &mockSource{}
	m := New(src)
	defer m.Close()
	k := newConn(t, m, "c")

	id, err := m.Subscribe("c", ChannelContainerStats, Options{HostID: 1, ContainerID: "x", IntervalMS: 10}, nil)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if !strings.HasPrefix(id, "c:container_stats:") {
		t.Errorf("subscription id = %q, want prefix c:container_stats:", id)
	}

	msg := k.wait(t, 1)[0]
	if msg.Type != "data" || msg.Channel != ChannelContainerStats || msg.SubscriptionID != id {
		t.Errorf("message = %+v", msg)
	}
	var stats protocol.ContainerStats
	if err := json.Unmarshal(msg.Data, &stats); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if stats.CPUPercent != 12.5 {
		t.Errorf("CPUPercent = %v, want 12.5", stats.CPUPercent)
	}

	if !m.Unsubscribe(id) {
		t.Error("Unsubscribe() = false, want true")
	}
	calls := src.statsCalls.Load()
	time.Sleep(50 * time.Millisecond)
	if got := src.statsCalls.Load(); got != calls {
		t.Errorf("source called %d more times after Unsubscribe", got-calls)
	}
}

func TestFailedTickKeepsTimer(t *testing.T) {
	src := &mockSource{statsErr: errors.New("daemon gone")}
	m := New(src)
	defer m.Close()
	k := newConn(t, m, "c")

	if _, err := m.Subscribe("c", ChannelContainerStats, Options{HostID: 1, ContainerID: "x", IntervalMS: 10}, nil); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	msgs := k.wait(t, 3)
	for _, msg := range msgs[:3] {
		if msg.Type != "error" || msg.Error == nil || msg.Error.Message != "daemon gone" {
			t.Errorf("message = %+v, want error", msg)
		}
	}
}

func TestCloseConnectionCascades(t *testing.T) {
	m := New(&mockSource{})
	defer m.Close()
	newConn(t, m, "c")
	newConn(t, m, "other")

	for _, ch := range []string{ChannelContainerList, ChannelHostMetrics, ChannelDockerEvents} {
		if _, err := m.Subscribe("c", ch, Options{}, func(Message) {}); err != nil {
			t.Fatalf("Subscribe(%s) error = %v", ch, err)
		}
	}
	if _, err := m.Subscribe("other", ChannelContainerList, Options{}, func(Message) {}); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	if !m.CloseConnection("c") {
		t.Fatal("CloseConnection() = false, want true")
	}
	for _, s := range m.Subscriptions("") {
		if strings.HasPrefix(s.ID, "c:") {
			t.Errorf("subscription %s survived CloseConnection", s.ID)
		}
	}
	if got := len(m.Subscriptions("other")); got != 1 {
		t.Errorf("other connection has %d subscriptions, want 1", got)
	}
	if got := m.Connections(); len(got) != 1 || got[0] != "other" {
		t.Errorf("Connections() = %v, want [other]", got)
	}
}

func TestUnsubscribeHost(t *testing.T) {
	m := New(&mockSource{})
	defer m.Close()
	newConn(t, m, "c")

	for _, host := range []int64{1, 1, 2} {
		if _, err := m.Subscribe("c", ChannelHostMetrics, Options{HostID: host}, func(Message) {}); err != nil {
			t.Fatalf("Subscribe() error = %v", err)
		}
	}

	if n := m.UnsubscribeHost(1); n != 2 {
		t.Errorf("UnsubscribeHost(1) = %d, want 2", n)
	}
	subs := m.Subscriptions("c")
	if len(subs) != 1 || subs[0].Options.HostID != 2 {
		t.Errorf("remaining subscriptions = %+v, want one on host 2", subs)
	}
	if n := m.UnsubscribeHost(1); n != 0 {
		t.Errorf("second UnsubscribeHost(1) = %d, want 0", n)
	}
}

func TestSubscriptionIDsUnique(t *testing.T) {
	m := New(&mockSource{})
	defer m.Close()
	newConn(t, m, "c")

	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		id, err := m.Subscribe("c", ChannelDockerEvents, Options{}, func(Message) {})
		if err != nil {
			t.Fatalf("Subscribe() error = %v", err)
		}
		if seen[id] {
			t.Fatalf("duplicate subscription id %s", id)
		}
		seen[id] = true
	}
}

func TestPublishDockerEvents(t *testing.T) {
	m := New(&mockSource{})
	defer m.Close()
	k := newConn(t, m, "c")

	if _, err := m.Subscribe("c", ChannelDockerEvents, Options{HostID: 2}, nil); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	m.Publish(protocol.EventContainerStarted, protocol.ContainerEvent{HostID: 1, ContainerID: "a"})
	m.Publish(protocol.EventContainerStarted, protocol.ContainerEvent{HostID: 2, ContainerID: "b"})

	msgs := k.wait(t, 1)
	if len(msgs) != 1 {
		t.Fatalf("received %d messages, want 1", len(msgs))
	}
	var got struct {
		Type  protocol.EventType      `json:"type"`
		Event protocol.ContainerEvent `json:"event"`
	}
	if err := json.Unmarshal(msgs[0].Data, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Type != protocol.EventContainerStarted || got.Event.ContainerID != "b" {
		t.Errorf("published = %+v", got)
	}
}

func TestContainerLogsTailThenSince(t *testing.T) {
	src := &mockSource{}
	m := New(src)
	defer m.Close()
	k := newConn(t, m, "c")

	if _, err := m.Subscribe("c", ChannelContainerLogs, Options{HostID: 1, ContainerID: "x", IntervalMS: 10, Tail: "5"}, nil); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	k.wait(t, 2)

	src.mu.Lock()
	defer src.mu.Unlock()
	if src.logs[0].Tail != "5" || src.logs[0].Since != "" {
		t.Errorf("first fetch = %+v, want tail 5", src.logs[0])
	}
	if src.logs[1].Since == "" {
		t.Errorf("second fetch = %+v, want since", src.logs[1])
	}
}

func TestHeartbeat(t *testing.T) {
	m := New(&mockSource{})
	defer m.Close()
	a := newConn(t, m, "a")
	b := newConn(t, m, "b")

	m.StartHeartbeat(10 * time.Millisecond)
	if msg := a.wait(t, 1)[0]; msg.Type != "ping" {
		t.Errorf("heartbeat type = %q, want ping", msg.Type)
	}
	b.wait(t, 1)
}

func TestHandleMessage(t *testing.T) {
	m := New(&mockSource{})
	defer m.Close()
	newConn(t, m, "c")

	tests := []struct {
		name     string
		raw      string
		wantType string
		wantCode string
	}{
		{"malformed", `{"type":`, "error", "parse_error"},
		{"ping", `{"type":"ping"}`, "pong", ""},
		{"missing type", `{}`, "error", "invalid_message"},
		{"unknown type", `{"type":"dance"}`, "error", "unknown_type"},
		{"unknown channel", `{"type":"subscribe","channel":"nope"}`, "error", "unknown_channel"},
		{"missing param", `{"type":"subscribe","channel":"container_stats","options":{"hostId":1}}`, "error", "missing_param"},
		{"subscribe", `{"type":"subscribe","channel":"docker_events"}`, "subscribed", ""},
		{"unsubscribe unknown", `{"type":"unsubscribe","subscriptionId":"c:x:1"}`, "unsubscribed", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := m.HandleMessage("c", []byte(tt.raw))
			if got.Type != tt.wantType {
				t.Errorf("reply type = %q, want %q", got.Type, tt.wantType)
			}
			if tt.wantCode != "" && (got.Error == nil || got.Error.Code != tt.wantCode) {
				t.Errorf("reply error = %+v, want code %q", got.Error, tt.wantCode)
			}
		})
	}
}

func TestHandleMessageUnsubscribeReportsResult(t *testing.T) {
	m := New(&mockSource{})
	defer m.Close()
	newConn(t, m, "c")

	sub := m.HandleMessage("c", []byte(`{"type":"subscribe","channel":"docker_events"}`))
	raw, _ := json.Marshal(ControlMessage{Type: "unsubscribe", SubscriptionID: sub.SubscriptionID})

	got := m.HandleMessage("c", raw)
	if got.Success == nil || !*got.Success {
		t.Errorf("unsubscribe reply = %+v, want success", got)
	}
	got = m.HandleMessage("c", raw)
	if got.Success == nil || *got.Success {
		t.Errorf("second unsubscribe reply = %+v, want failure", got)
	}
}

func TestChannelsCatalogue(t *testing.T) {
	want := map[string]int{
		ChannelContainerStats: 1000,
		ChannelHostMetrics:    5000,
		ChannelContainerList:  2000,
		ChannelAllStats:       5000,
	}
	for _, c := range Channels() {
		if d, ok := want[c.Name]; ok && c.DefaultInterval != d {
			t.Errorf("%s default interval = %d, want %d", c.Name, c.DefaultInterval, d)
		}
		if c.Name == ChannelDockerEvents && !c.EventDriven {
			t.Error("docker_events is not event driven")
		}
	}
}
