package serve

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/everydev1618/fleet"
	"github.com/everydev1618/fleet/protocol"
	"github.com/everydev1618/fleet/stream"
)

const writeWait = 10 * time.Second

// socket is one WebSocket bound to a stream connection. gorilla allows a
// single concurrent writer, hence the mutex.
type socket struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *socket) write(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *socket) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.write(data)
}

// socketHub routes message:send events to the socket of their connection.
type socketHub struct {
	mu      sync.RWMutex
	sockets map[string]*socket
}

func newSocketHub() *socketHub {
	return &socketHub{sockets: make(map[string]*socket)}
}

func socketKey(clientID int64, connID string) string {
	return fmt.Sprintf("%d/%s", clientID, connID)
}

func (h *socketHub) add(clientID int64, connID string, s *socket) {
	h.mu.Lock()
	h.sockets[socketKey(clientID, connID)] = s
	h.mu.Unlock()
}

func (h *socketHub) remove(clientID int64, connID string) *socket {
	h.mu.Lock()
	defer h.mu.Unlock()
	key := socketKey(clientID, connID)
	s := h.sockets[key]
	delete(h.sockets, key)
	return s
}

func (h *socketHub) send(clientID int64, connID string, data []byte) {
	h.mu.RLock()
	s := h.sockets[socketKey(clientID, connID)]
	h.mu.RUnlock()
	if s == nil {
		return
	}
	if err := s.write(data); err != nil {
		slog.Debug("stream socket write failed", "client", clientID, "connection", connID, "error", err)
	}
}

func (h *socketHub) close(clientID int64, connID string) {
	if s := h.remove(clientID, connID); s != nil {
		s.conn.Close()
	}
}

func (h *socketHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for key, s := range h.sockets {
		s.conn.Close()
		delete(h.sockets, key)
	}
}

// handleStream upgrades to a WebSocket and binds it to a new stream
// connection of the client. Inbound frames are control messages; replies
// and pushed channel data are written back as text frames.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id, ok := clientID(w, r)
	if !ok {
		return
	}
	if c := s.manager.Get(id); c == nil || !c.Initialized() {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: fleet.ErrNoWorker.Error()})
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "client", id, "error", err)
		return
	}
	sock := &socket{conn: conn}
	connID := uuid.New().String()
	s.sockets.add(id, connID, sock)

	ctx := context.WithoutCancel(r.Context())
	defer func() {
		s.sockets.remove(id, connID)
		conn.Close()
		if _, err := s.manager.SendRequest(ctx, id, protocol.Request{
			Type:         protocol.ReqCloseConnection,
			ConnectionID: connID,
		}); err != nil {
			slog.Debug("close stream connection failed", "client", id, "connection", connID, "error", err)
		}
	}()

	if _, err := s.manager.SendRequest(ctx, id, protocol.Request{
		Type:         protocol.ReqCreateConnection,
		ConnectionID: connID,
	}); err != nil {
		sock.writeJSON(stream.Message{
			Type:      "error",
			Error:     &stream.ErrorBody{Code: "connection_failed", Message: err.Error()},
			Timestamp: time.Now().UnixMilli(),
		})
		return
	}
	sock.writeJSON(map[string]string{"type": "connected", "connectionId": connID})

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("stream socket read error", "client", id, "connection", connID, "error", err)
			}
			return
		}
		if mt != websocket.TextMessage {
			continue
		}

		reply, err := fleet.Send[stream.Message](ctx, s.manager, id, protocol.Request{
			Type:         protocol.ReqStreamMessage,
			ConnectionID: connID,
			Raw:          string(data),
		})
		if err != nil {
			reply = stream.Message{
				Type:      "error",
				Error:     &stream.ErrorBody{Code: "request_failed", Message: err.Error()},
				Timestamp: time.Now().UnixMilli(),
			}
		}
		if err := sock.writeJSON(reply); err != nil {
			return
		}
	}
}
