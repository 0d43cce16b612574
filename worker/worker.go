// Package worker runs one client in its own goroutine. The manager and the
// worker exchange nothing but encoded messages: requests go in through
// Post, responses and events come out through the PostFunc given to Start.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/everydev1618/fleet/docker"
	"github.com/everydev1618/fleet/engine"
	"github.com/everydev1618/fleet/protocol"
	"github.com/everydev1618/fleet/stream"
)

var (
	ErrTerminated     = errors.New("worker terminated")
	ErrNotInitialized = errors.New("worker not initialized")
	ErrMailboxFull    = errors.New("worker mailbox full")
)

// mailboxSize bounds queued requests per worker.
const mailboxSize = 256

// PostFunc delivers an encoded message to the manager.
type PostFunc func(data []byte)

// Config holds what a worker needs besides its init request.
type Config struct {
	Store     docker.HostStore
	Dialer    engine.Dialer
	Heartbeat time.Duration
}

// Worker is a running client.
type Worker struct {
	cfg  Config
	post PostFunc

	inbox  chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup

	mu       sync.RWMutex
	clientID int64
	name     string
	client   *docker.DockerClient
	mux      *stream.Multiplexer
	started  time.Time
	crashed  bool
}

// Start spawns a worker. post is called from worker goroutines. The reply
// to a successful __init__ carries the ids of the connected hosts.
func Start(cfg Config, post PostFunc) *Worker {
	if cfg.Dialer == nil {
		cfg.Dialer = engine.DefaultDialer
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		cfg:     cfg,
		post:    post,
		inbox:   make(chan []byte, mailboxSize),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		started: time.Now(),
	}
	go w.run()
	return w
}

// Post queues an encoded request. The bytes are copied.
func (w *Worker) Post(data []byte) error {
	buf := append([]byte(nil), data...)
	select {
	case <-w.ctx.Done():
		return ErrTerminated
	default:
	}
	select {
	case w.inbox <- buf:
		return nil
	case <-w.ctx.Done():
		return ErrTerminated
	default:
		return ErrMailboxFull
	}
}

// Terminate stops the worker, abandoning in-flight requests, and waits for
// its goroutines to exit.
func (w *Worker) Terminate() {
	w.cancel()
	<-w.done
}

// Done is closed once the worker has stopped.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

func (w *Worker) run() {
	defer close(w.done)
	defer w.teardown()

	for {
		select {
		case <-w.ctx.Done():
			return
		case data := <-w.inbox:
			w.wg.Add(1)
			go w.handle(data)
		}
	}
}

func (w *Worker) teardown() {
	w.wg.Wait()
	w.mu.Lock()
	client, mux := w.client, w.mux
	w.client, w.mux = nil, nil
	w.mu.Unlock()
	if mux != nil {
		mux.Close()
	}
	if client != nil {
		client.Dispose()
	}
}

// handle decodes and executes one request. A panic is reported to the
// manager as a crash.
func (w *Worker) handle(data []byte) {
	defer w.wg.Done()

	var req protocol.Request
	defer func() {
		if r := recover(); r != nil {
			w.mu.Lock()
			w.crashed = true
			w.mu.Unlock()
			slog.Error("worker panic", "client", w.id(), "request", req.Type, "panic", r, "stack", string(debug.Stack()))
			w.send(protocol.Message{
				Type:      protocol.TypeCrash,
				RequestID: req.RequestID,
				Error:     fmt.Sprintf("worker crashed: %v", r),
			})
		}
	}()

	req, err := protocol.DecodeRequest(data)
	if err != nil {
		w.send(protocol.Failure("", fmt.Errorf("decode request: %w", err)))
		return
	}

	switch req.Type {
	case protocol.TypeInit:
		w.send(w.init(req))
		return
	case protocol.TypeMetrics:
		msg := protocol.Success(req.RequestID, w.metrics())
		msg.Type = protocol.TypeMetrics
		w.send(msg)
		return
	}

	client, mux := w.components()
	if client == nil {
		w.send(protocol.Failure(req.RequestID, ErrNotInitialized))
		return
	}

	result, err := w.dispatch(w.ctx, client, mux, req)
	if w.ctx.Err() != nil {
		return
	}
	if err != nil {
		w.send(protocol.Failure(req.RequestID, err))
		return
	}
	w.send(protocol.Success(req.RequestID, result))
}

func (w *Worker) init(req protocol.Request) protocol.Message {
	reply := func(err error) protocol.Message {
		msg := protocol.Message{Type: protocol.TypeInitComplete, RequestID: req.RequestID, Success: err == nil}
		if err != nil {
			msg.Error = err.Error()
		}
		return msg
	}

	w.mu.Lock()
	if w.client != nil {
		w.mu.Unlock()
		return reply(errors.New("worker already initialized"))
	}
	w.mu.Unlock()

	var opts protocol.ClientOptions
	if req.Options != nil {
		opts = *req.Options
	}
	client := docker.New(req.ClientID, opts, w.cfg.Store,
		docker.WithDialer(w.cfg.Dialer),
		docker.WithEmitter(w.emit),
	)
	if err := client.Init(w.ctx); err != nil {
		client.Dispose()
		return reply(err)
	}
	mux := stream.New(client, stream.WithCallTimeout(client.Options().Timeout()))
	mux.StartHeartbeat(w.cfg.Heartbeat)

	w.mu.Lock()
	w.clientID = req.ClientID
	w.name = req.Name
	w.client = client
	w.mux = mux
	w.mu.Unlock()

	if opts.StartMonitoring {
		if _, err := client.StartMonitoring(w.ctx, nil); err != nil {
			w.log(slog.LevelWarn, "start monitoring failed", map[string]any{"error": err.Error()})
		}
	}
	ids := client.HostIDs()
	w.log(slog.LevelInfo, "worker initialized", map[string]any{"hosts": len(ids)})
	msg := reply(nil)
	if data, err := json.Marshal(ids); err == nil {
		msg.Data = data
	}
	return msg
}

func (w *Worker) components() (*docker.DockerClient, *stream.Multiplexer) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.client, w.mux
}

func (w *Worker) id() int64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.clientID
}

func (w *Worker) send(msg protocol.Message) {
	data, err := protocol.Encode(msg)
	if err != nil {
		slog.Error("encode worker message", "error", err)
		return
	}
	w.post(data)
}

// emit posts an event envelope. Container lifecycle events also feed the
// docker_events stream channel.
func (w *Worker) emit(t protocol.EventType, ctx any) {
	if t.IsContainerLifecycle() {
		if ev, ok := ctx.(protocol.ContainerEvent); ok {
			if _, mux := w.components(); mux != nil {
				mux.Publish(t, ev)
			}
		}
	}

	e, err := protocol.NewEvent(t, ctx, nil)
	if err != nil {
		slog.Error("encode event", "type", t, "error", err)
		return
	}
	msg, err := protocol.EventMessage(e)
	if err != nil {
		slog.Error("encode event envelope", "type", t, "error", err)
		return
	}
	w.send(msg)
}

// log forwards a log record to the manager, which logs it with the client's
// attributes.
func (w *Worker) log(level slog.Level, msg string, attrs map[string]any) {
	w.emit(protocol.EventLog, protocol.LogEvent{Level: level.String(), Message: msg, Attrs: attrs})
}

// Metrics describes a worker for pool metrics.
type Metrics struct {
	ClientID      int64           `json:"clientId"`
	Name          string          `json:"name"`
	Initialized   bool            `json:"initialized"`
	HostsManaged  int             `json:"hostsManaged"`
	Monitoring    map[string]bool `json:"monitoring"`
	Connections   int             `json:"streamConnections"`
	Subscriptions int             `json:"streamSubscriptions"`
	MemoryBytes   uint64          `json:"memoryBytes"`
	Goroutines    int             `json:"goroutines"`
	UptimeSeconds float64         `json:"uptimeSeconds"`
}

func (w *Worker) metrics() Metrics {
	w.mu.RLock()
	m := Metrics{
		ClientID:      w.clientID,
		Name:          w.name,
		Initialized:   w.client != nil,
		Monitoring:    map[string]bool{},
		UptimeSeconds: time.Since(w.started).Seconds(),
	}
	client, mux := w.client, w.mux
	w.mu.RUnlock()

	if client != nil {
		m.HostsManaged = len(client.HostIDs())
		if status, err := client.MonitoringStatus(); err == nil {
			m.Monitoring = status.Monitors
			m.Monitoring["active"] = status.Active
		}
	}
	if mux != nil {
		m.Connections = len(mux.Connections())
		m.Subscriptions = len(mux.Subscriptions(""))
	}

	// Workers share one process, so memory is process-wide.
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	m.MemoryBytes = ms.Alloc
	m.Goroutines = runtime.NumGoroutine()
	return m
}
