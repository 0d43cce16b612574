// Package stream multiplexes named data channels onto logical connections.
// Each subscription pulls from a Source on its own interval and pushes the
// result to a callback.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/everydev1618/fleet/protocol"
)

var (
	ErrUnknownChannel    = errors.New("unknown channel")
	ErrMissingParam      = errors.New("missing required parameter")
	ErrUnknownConnection = errors.New("unknown connection")
	ErrClosed            = errors.New("multiplexer closed")
)

// DefaultHeartbeat is the interval of the connection heartbeat.
const DefaultHeartbeat = 30 * time.Second

// Options parameterise a subscription.
type Options = protocol.SubscribeOptions

// Source supplies channel data.
type Source interface {
	ContainerStats(ctx context.Context, hostID int64, containerID string) (protocol.ContainerStats, error)
	HostMetrics(ctx context.Context, hostID int64) ([]protocol.HostMetricsEvent, error)
	ContainerMetrics(ctx context.Context, hostID int64) ([]protocol.ContainerMetricsEvent, error)
	ListContainers(ctx context.Context, hostID int64, all bool) ([]protocol.HostContainers, error)
	ContainerLogs(ctx context.Context, hostID int64, containerID string, opts protocol.LogOptions) (protocol.ContainerLogs, error)
}

// Message is pushed to connections and subscription callbacks.
type Message struct {
	Type           string          `json:"type"`
	Channel        string          `json:"channel,omitempty"`
	SubscriptionID string          `json:"subscriptionId,omitempty"`
	Data           json.RawMessage `json:"data,omitempty"`
	Error          *ErrorBody      `json:"error,omitempty"`
	Success        *bool           `json:"success,omitempty"`
	Timestamp      int64           `json:"timestamp"`
}

// ErrorBody is the structured error of an error message.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Callback receives the messages of one subscription.
type Callback func(Message)

// SendFunc delivers messages to a connection.
type SendFunc func(Message)

// SubscriptionInfo describes an active subscription.
type SubscriptionInfo struct {
	ID           string    `json:"id"`
	Channel      string    `json:"channel"`
	Options      Options   `json:"options"`
	IntervalMS   int       `json:"interval,omitempty"`
	Active       bool      `json:"active"`
	LastActivity time.Time `json:"lastActivity"`
}

type subscription struct {
	id       string
	conn     string
	channel  string
	opts     Options
	interval time.Duration
	callback Callback

	mu           sync.Mutex
	active       bool
	lastActivity time.Time
	logsSince    time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

func (s *subscription) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *subscription) info() SubscriptionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SubscriptionInfo{
		ID:           s.id,
		Channel:      s.channel,
		Options:      s.opts,
		IntervalMS:   int(s.interval / time.Millisecond),
		Active:       s.active,
		LastActivity: s.lastActivity,
	}
}

type connection struct {
	id      string
	send    SendFunc
	created time.Time
}

// Multiplexer owns the connections and subscriptions of one worker.
type Multiplexer struct {
	source  Source
	timeout time.Duration

	mu            sync.Mutex
	connections   map[string]*connection
	subscriptions map[string]*subscription
	lastSubTime   int64
	closed        bool

	heartbeatStop chan struct{}
	heartbeatDone chan struct{}
}

// Option configures a Multiplexer.
type Option func(*Multiplexer)

// WithCallTimeout bounds each call to the source.
func WithCallTimeout(d time.Duration) Option {
	return func(m *Multiplexer) {
		m.timeout = d
	}
}

// New creates a multiplexer pulling from src.
func New(src Source, opts ...Option) *Multiplexer {
	m := &Multiplexer{
		source:        src,
		timeout:       10 * time.Second,
		connections:   make(map[string]*connection),
		subscriptions: make(map[string]*subscription),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateConnection registers a connection. An empty id gets a fresh one.
// The returned id prefixes every subscription made on the connection.
func (m *Multiplexer) CreateConnection(id string, send SendFunc) (string, error) {
	if id == "" {
		id = uuid.New().String()
	}
	if strings.Contains(id, ":") {
		return "", fmt.Errorf("connection id %q must not contain ':'", id)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", ErrClosed
	}
	if _, exists := m.connections[id]; exists {
		return "", fmt.Errorf("connection %s already exists", id)
	}
	m.connections[id] = &connection{id: id, send: send, created: time.Now()}
	return id, nil
}

// CloseConnection unsubscribes everything on the connection and forgets it.
// It reports whether the connection existed.
func (m *Multiplexer) CloseConnection(id string) bool {
	m.mu.Lock()
	_, ok := m.connections[id]
	delete(m.connections, id)
	var ids []string
	prefix := id + ":"
	for subID := range m.subscriptions {
		if strings.HasPrefix(subID, prefix) {
			ids = append(ids, subID)
		}
	}
	m.mu.Unlock()

	for _, subID := range ids {
		m.Unsubscribe(subID)
	}
	return ok
}

// Connections returns the ids of open connections.
func (m *Multiplexer) Connections() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.connections))
	for id := range m.connections {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Subscribe starts pushing channel data to cb. A nil cb delivers to the
// connection itself.
func (m *Multiplexer) Subscribe(connID, channel string, opts Options, cb Callback) (string, error) {
	info, interval, err := validate(channel, opts)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", ErrClosed
	}
	conn, ok := m.connections[connID]
	if !ok {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrUnknownConnection, connID)
	}
	if cb == nil {
		cb = Callback(conn.send)
	}

	sub := &subscription{
		id:           m.nextID(connID, channel),
		conn:         connID,
		channel:      channel,
		opts:         opts,
		interval:     interval,
		callback:     cb,
		active:       true,
		lastActivity: time.Now(),
	}
	m.subscriptions[sub.id] = sub
	m.mu.Unlock()

	if !info.EventDriven {
		m.startTimer(sub)
	}
	slog.Debug("stream subscribed", "subscription", sub.id, "interval", interval)
	return sub.id, nil
}

// nextID derives a subscription id from the connection, the channel and the
// creation time. Callers hold m.mu.
func (m *Multiplexer) nextID(connID, channel string) string {
	ts := time.Now().UnixNano()
	if ts <= m.lastSubTime {
		ts = m.lastSubTime + 1
	}
	m.lastSubTime = ts
	return fmt.Sprintf("%s:%s:%d", connID, channel, ts)
}

// Unsubscribe stops a subscription. It reports false for unknown ids.
func (m *Multiplexer) Unsubscribe(id string) bool {
	m.mu.Lock()
	sub, ok := m.subscriptions[id]
	delete(m.subscriptions, id)
	m.mu.Unlock()
	if !ok {
		return false
	}

	sub.mu.Lock()
	sub.active = false
	cancel, done := sub.cancel, sub.done
	sub.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	return true
}

// UnsubscribeHost stops every subscription bound to hostID and returns how
// many were stopped.
func (m *Multiplexer) UnsubscribeHost(hostID int64) int {
	m.mu.Lock()
	var ids []string
	for id, s := range m.subscriptions {
		if s.opts.HostID == hostID {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	n := 0
	for _, id := range ids {
		if m.Unsubscribe(id) {
			n++
		}
	}
	return n
}

// Subscriptions lists the subscriptions of a connection, or of every
// connection when connID is empty.
func (m *Multiplexer) Subscriptions(connID string) []SubscriptionInfo {
	m.mu.Lock()
	subs := make([]*subscription, 0, len(m.subscriptions))
	for _, s := range m.subscriptions {
		if connID == "" || s.conn == connID {
			subs = append(subs, s)
		}
	}
	m.mu.Unlock()

	out := make([]SubscriptionInfo, 0, len(subs))
	for _, s := range subs {
		out = append(out, s.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Publish pushes a container lifecycle event to every docker_events
// subscription whose host filter matches.
func (m *Multiplexer) Publish(t protocol.EventType, ev protocol.ContainerEvent) {
	m.mu.Lock()
	var subs []*subscription
	for _, s := range m.subscriptions {
		if s.channel != ChannelDockerEvents {
			continue
		}
		if s.opts.HostID != 0 && s.opts.HostID != ev.HostID {
			continue
		}
		if s.opts.ContainerID != "" && s.opts.ContainerID != ev.ContainerID {
			continue
		}
		subs = append(subs, s)
	}
	m.mu.Unlock()

	for _, s := range subs {
		s.touch()
		m.deliver(s, dataMessage(s, map[string]any{"type": t, "event": ev}))
	}
}

// StartHeartbeat pings every connection on interval until Close.
func (m *Multiplexer) StartHeartbeat(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultHeartbeat
	}
	m.mu.Lock()
	if m.heartbeatStop != nil || m.closed {
		m.mu.Unlock()
		return
	}
	stop, done := make(chan struct{}), make(chan struct{})
	m.heartbeatStop, m.heartbeatDone = stop, done
	m.mu.Unlock()

	go func() {
		defer close(done)
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				m.Heartbeat()
			}
		}
	}()
}

// Heartbeat sends one ping to every connection.
func (m *Multiplexer) Heartbeat() {
	m.mu.Lock()
	conns := make([]*connection, 0, len(m.connections))
	for _, c := range m.connections {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	msg := Message{Type: "ping", Timestamp: time.Now().UnixMilli()}
	for _, c := range conns {
		safeSend(c.send, msg)
	}
}

// Close stops the heartbeat and every subscription and forgets all
// connections.
func (m *Multiplexer) Close() {
	m.mu.Lock()
	m.closed = true
	stop, done := m.heartbeatStop, m.heartbeatDone
	m.heartbeatStop, m.heartbeatDone = nil, nil
	conns := make([]string, 0, len(m.connections))
	for id := range m.connections {
		conns = append(conns, id)
	}
	orphans := make([]string, 0)
	for id, s := range m.subscriptions {
		if _, ok := m.connections[s.conn]; !ok {
			orphans = append(orphans, id)
		}
	}
	m.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
	for _, id := range conns {
		m.CloseConnection(id)
	}
	for _, id := range orphans {
		m.Unsubscribe(id)
	}
}

func (m *Multiplexer) startTimer(s *subscription) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.mu.Lock()
	s.cancel, s.done = cancel, done
	s.mu.Unlock()

	go func() {
		defer close(done)
		t := time.NewTicker(s.interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				m.tick(ctx, s)
			}
		}
	}()
}

// tick fetches and pushes one update. Failures are pushed as error messages
// and never stop the timer.
func (m *Multiplexer) tick(ctx context.Context, s *subscription) {
	callCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	data, err := m.fetch(callCtx, s)
	if ctx.Err() != nil {
		return
	}
	s.touch()
	if err != nil {
		m.deliver(s, errorMessage(s, "fetch_failed", err))
		return
	}
	m.deliver(s, dataMessage(s, data))
}

func (m *Multiplexer) fetch(ctx context.Context, s *subscription) (any, error) {
	o := s.opts
	switch s.channel {
	case ChannelContainerStats:
		return m.source.ContainerStats(ctx, o.HostID, o.ContainerID)
	case ChannelHostMetrics:
		return m.source.HostMetrics(ctx, o.HostID)
	case ChannelContainerList:
		return m.source.ListContainers(ctx, o.HostID, true)
	case ChannelAllStats:
		hosts, err := m.source.HostMetrics(ctx, o.HostID)
		if err != nil {
			return nil, err
		}
		containers, err := m.source.ContainerMetrics(ctx, o.HostID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"hosts": hosts, "containers": containers}, nil
	case ChannelContainerLogs:
		return m.fetchLogs(ctx, s)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownChannel, s.channel)
}

// fetchLogs returns the tail on the first tick and only newer output after.
func (m *Multiplexer) fetchLogs(ctx context.Context, s *subscription) (protocol.ContainerLogs, error) {
	s.mu.Lock()
	since := s.logsSince
	s.mu.Unlock()

	opts := protocol.LogOptions{Timestamps: true}
	if since.IsZero() {
		opts.Tail = s.opts.Tail
		if opts.Tail == "" {
			opts.Tail = "100"
		}
	} else {
		opts.Since = fmt.Sprintf("%d.%09d", since.Unix(), since.Nanosecond())
	}

	now := time.Now()
	logs, err := m.source.ContainerLogs(ctx, s.opts.HostID, s.opts.ContainerID, opts)
	if err != nil {
		return logs, err
	}
	s.mu.Lock()
	s.logsSince = now
	s.mu.Unlock()
	return logs, nil
}

func (m *Multiplexer) deliver(s *subscription, msg Message) {
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()
	if !active {
		return
	}
	safeSend(SendFunc(s.callback), msg)
}

func safeSend(send SendFunc, msg Message) {
	if send == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("stream callback panicked", "panic", r)
		}
	}()
	send(msg)
}

func dataMessage(s *subscription, data any) Message {
	raw, err := json.Marshal(data)
	if err != nil {
		return errorMessage(s, "encode_failed", err)
	}
	return Message{
		Type:           "data",
		Channel:        s.channel,
		SubscriptionID: s.id,
		Data:           raw,
		Timestamp:      time.Now().UnixMilli(),
	}
}

func errorMessage(s *subscription, code string, err error) Message {
	return Message{
		Type:           "error",
		Channel:        s.channel,
		SubscriptionID: s.id,
		Error:          &ErrorBody{Code: code, Message: err.Error()},
		Timestamp:      time.Now().UnixMilli(),
	}
}
