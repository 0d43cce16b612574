package serve

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/everydev1618/fleet"
	"github.com/everydev1618/fleet/protocol"
	"github.com/everydev1618/fleet/store"
	"github.com/everydev1618/fleet/stream"
)

// --- Client Handlers ---

func (s *Server) handleListClients(w http.ResponseWriter, r *http.Request) {
	includeStored := r.URL.Query().Get("stored") == "true"
	clients, err := s.manager.GetAllClients(r.Context(), includeStored)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, clients)
}

func (s *Server) handleGetClient(w http.ResponseWriter, r *http.Request) {
	id, ok := clientID(w, r)
	if !ok {
		return
	}
	if c := s.manager.Get(id); c != nil {
		writeJSON(w, http.StatusOK, c.Info())
		return
	}
	sc, err := s.store.GetClient(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, fleet.ClientInfo{
		ID:        sc.ID,
		Name:      sc.Name,
		Options:   sc.Options,
		HostIDs:   []int64{},
		CreatedAt: sc.CreatedAt,
	})
}

func (s *Server) handleCreateClient(w http.ResponseWriter, r *http.Request) {
	var req ClientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON body"})
		return
	}
	if req.Name == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "name is required"})
		return
	}

	id, err := s.manager.RegisterClient(r.Context(), req.Name, req.Options)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ClientCreatedResponse{Success: true, ClientID: id})
}

func (s *Server) handleUpdateClient(w http.ResponseWriter, r *http.Request) {
	id, ok := clientID(w, r)
	if !ok {
		return
	}
	var req ClientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON body"})
		return
	}
	if req.Name == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "name is required"})
		return
	}

	if err := s.manager.UpdateClient(r.Context(), id, req.Name, req.Options); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleDeleteClient(w http.ResponseWriter, r *http.Request) {
	id, ok := clientID(w, r)
	if !ok {
		return
	}
	if err := s.manager.RemoveClient(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// handleClientRequest forwards a raw protocol request to a client's worker.
func (s *Server) handleClientRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := clientID(w, r)
	if !ok {
		return
	}
	var req protocol.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON body"})
		return
	}
	if req.Type == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "type is required"})
		return
	}
	switch req.Type {
	case protocol.TypeInit, protocol.TypeMetrics, protocol.ReqCleanup, protocol.ReqDeleteTable:
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "request type " + string(req.Type) + " is reserved"})
		return
	}

	data, err := s.manager.SendRequest(r.Context(), id, req)
	if err != nil {
		writeError(w, err)
		return
	}
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	writeJSON(w, http.StatusOK, data)
}

// --- Pool Handlers ---

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.manager.GetStatus(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.GetPoolMetrics(r.Context()))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
		"sse_clients":    s.broker.Subscribers(),
	})
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, stream.Channels())
}

// --- Event Handlers ---

func (s *Server) handleEventHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 100
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid limit"})
			return
		}
		limit = n
	}
	var id int64
	if v := q.Get("client"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid client id"})
			return
		}
		id = n
	}

	events, err := s.store.ListEvents(r.Context(), id, limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	if events == nil {
		events = []store.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func clientID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id < 1 {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid client id"})
		return 0, false
	}
	return id, true
}

// writeError maps manager errors to HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var remote *fleet.RemoteError
	switch {
	case errors.Is(err, fleet.ErrNoWorker), errors.Is(err, fleet.ErrClientNotFound), errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, fleet.ErrNotInitialized), errors.Is(err, store.ErrDuplicate):
		status = http.StatusConflict
	case errors.Is(err, fleet.ErrPoolExhausted):
		status = http.StatusServiceUnavailable
	case errors.Is(err, fleet.ErrTimeout), errors.Is(err, fleet.ErrInitTimeout):
		status = http.StatusGatewayTimeout
	case errors.As(err, &remote):
		status = http.StatusBadGateway
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error()})
}
