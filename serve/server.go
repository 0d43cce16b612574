// Package serve exposes a Manager over HTTP: a REST API for clients and
// requests, an SSE event firehose and a WebSocket endpoint per stream
// connection.
package serve

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/everydev1618/fleet"
	"github.com/everydev1618/fleet/protocol"
	"github.com/everydev1618/fleet/store"
)

// Config holds server configuration.
type Config struct {
	Addr      string
	Heartbeat time.Duration
}

// Server is the HTTP server for the fleet REST API.
type Server struct {
	manager   *fleet.Manager
	store     store.Store
	broker    *EventBroker
	sockets   *socketHub
	upgrader  websocket.Upgrader
	cfg       Config
	startedAt time.Time
}

// New creates a new Server and wires the manager's events into it.
func New(m *fleet.Manager, cfg Config) *Server {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 30 * time.Second
	}
	s := &Server{
		manager: m,
		store:   m.Store(),
		broker:  NewEventBroker(),
		sockets: newSocketHub(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		cfg:       cfg,
		startedAt: time.Now(),
	}
	s.wireCallbacks()
	return s
}

// Handler returns the routed, CORS-wrapped handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return corsMiddleware(mux)
}

// Start listens for HTTP requests and blocks until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.Addr,
		Handler: s.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("fleet serve started", "addr", s.cfg.Addr)
		fmt.Printf("API:    http://localhost%s/api/status\n", s.cfg.Addr)
		fmt.Printf("Events: http://localhost%s/api/events\n", s.cfg.Addr)
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down server")
	case err := <-errCh:
		return err
	}

	// Close broker and sockets first so their handlers return and the
	// HTTP server can drain.
	s.broker.Close()
	s.sockets.closeAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}
	return nil
}

// registerRoutes adds all API routes to the mux.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Clients
	mux.HandleFunc("GET /api/clients", s.handleListClients)
	mux.HandleFunc("POST /api/clients", s.handleCreateClient)
	mux.HandleFunc("GET /api/clients/{id}", s.handleGetClient)
	mux.HandleFunc("PUT /api/clients/{id}", s.handleUpdateClient)
	mux.HandleFunc("DELETE /api/clients/{id}", s.handleDeleteClient)
	mux.HandleFunc("POST /api/clients/{id}/request", s.handleClientRequest)

	// Streams
	mux.HandleFunc("GET /api/clients/{id}/stream", s.handleStream)
	mux.HandleFunc("GET /api/channels", s.handleChannels)

	// Pool
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/metrics", s.handleMetrics)
	mux.HandleFunc("GET /api/health", s.handleHealth)

	// Events
	mux.HandleFunc("GET /api/events", s.handleSSE)
	mux.HandleFunc("GET /api/events/history", s.handleEventHistory)
}

// wireCallbacks registers the event-log plugin: every event goes to the
// broker, lasting ones go to the store, and message:send is relayed to the
// matching WebSocket.
func (s *Server) wireCallbacks() {
	s.manager.RegisterPlugin(fleet.Plugin{
		Name: "event-log",
		Hooks: map[protocol.EventType]fleet.HookFunc{
			fleet.AnyEvent: s.recordEvent,
		},
	})
	s.manager.RegisterPlugin(fleet.Plugin{
		Name: "stream-relay",
		Hooks: map[protocol.EventType]fleet.HookFunc{
			protocol.EventMessageSend:      s.relayMessage,
			protocol.EventConnectionClosed: s.dropSocket,
		},
	})
}

func (s *Server) recordEvent(e fleet.ClientEvent) {
	switch e.Type {
	case protocol.EventMessageSend, protocol.EventLog:
		return
	}

	s.broker.Publish(BrokerEvent{
		Type:       string(e.Type),
		ClientID:   e.ClientID,
		ClientName: e.ClientName,
		Data:       e.Ctx,
		Timestamp:  e.Timestamp,
	})

	if !persisted(e.Type) {
		return
	}
	if err := s.store.InsertEvent(context.Background(), store.Event{
		ClientID:  e.ClientID,
		Type:      string(e.Type),
		Data:      truncate(string(e.Ctx), 4096),
		Timestamp: e.Timestamp,
	}); err != nil {
		slog.Warn("record event failed", "type", e.Type, "client", e.ClientID, "error", err)
	}
}

// persisted reports whether events of type t go to the event log. Periodic
// metrics are only streamed.
func persisted(t protocol.EventType) bool {
	switch t {
	case protocol.EventHostMetrics, protocol.EventContainerMetrics:
		return false
	}
	return true
}

func (s *Server) relayMessage(e fleet.ClientEvent) {
	var se protocol.SendEvent
	if err := e.Decode(&se); err != nil {
		slog.Warn("decode message:send", "client", e.ClientID, "error", err)
		return
	}
	s.sockets.send(e.ClientID, se.ConnectionID, se.Message)
}

func (s *Server) dropSocket(e fleet.ClientEvent) {
	var ce protocol.ConnectionEvent
	if err := e.Decode(&ce); err == nil {
		s.sockets.close(e.ClientID, ce.ConnectionID)
	}
}

// corsMiddleware adds permissive CORS headers for development.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
