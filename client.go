package fleet

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/everydev1618/fleet/protocol"
)

// Worker is the manager's handle on an isolated worker.
type Worker interface {
	Post(data []byte) error
	Terminate()
}

// Client is the manager's view of one registered tenant and its worker.
type Client struct {
	ID        int64
	Name      string
	Options   protocol.ClientOptions
	CreatedAt time.Time

	mu          sync.Mutex
	worker      Worker
	hostIDs     map[int64]struct{}
	pending     map[string]chan protocol.Message
	busy        int
	initialized bool
	closed      bool
	lastError   string
	errorCount  int
}

func newClient(id int64, name string, opts protocol.ClientOptions) *Client {
	return &Client{
		ID:        id,
		Name:      name,
		Options:   opts,
		CreatedAt: time.Now(),
		hostIDs:   make(map[int64]struct{}),
		pending:   make(map[string]chan protocol.Message),
	}
}

// ClientInfo is a snapshot of a client.
type ClientInfo struct {
	ID          int64                  `json:"id"`
	Name        string                 `json:"name"`
	Options     protocol.ClientOptions `json:"options"`
	Active      bool                   `json:"active"`
	Initialized bool                   `json:"initialized"`
	Busy        bool                   `json:"busy"`
	HostIDs     []int64                `json:"hostIds"`
	LastError   string                 `json:"lastError,omitempty"`
	ErrorCount  int                    `json:"errorCount"`
	CreatedAt   time.Time              `json:"createdAt"`
}

// Info returns a snapshot of the client.
func (c *Client) Info() ClientInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]int64, 0, len(c.hostIDs))
	for id := range c.hostIDs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ClientInfo{
		ID:          c.ID,
		Name:        c.Name,
		Options:     c.Options,
		Active:      !c.closed,
		Initialized: c.initialized,
		Busy:        c.busy > 0,
		HostIDs:     ids,
		LastError:   c.lastError,
		ErrorCount:  c.errorCount,
		CreatedAt:   c.CreatedAt,
	}
}

// Initialized reports whether the worker completed its handshake.
func (c *Client) Initialized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initialized
}

// call posts req and waits for the message correlated with it.
func (c *Client) call(ctx context.Context, req protocol.Request, timeout time.Duration) (protocol.Message, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.New().String()
	}
	data, err := protocol.Encode(req)
	if err != nil {
		return protocol.Message{}, err
	}

	ch := make(chan protocol.Message, 1)
	c.mu.Lock()
	if c.closed || c.worker == nil {
		c.mu.Unlock()
		return protocol.Message{}, ErrNoWorker
	}
	w := c.worker
	c.pending[req.RequestID] = ch
	c.busy++
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, req.RequestID)
		c.busy--
		c.mu.Unlock()
	}()

	if err := w.Post(data); err != nil {
		return protocol.Message{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case msg := <-ch:
		return msg, nil
	case <-timer.C:
		return protocol.Message{}, ErrTimeout
	case <-ctx.Done():
		return protocol.Message{}, ctx.Err()
	}
}

// deliver hands a correlated message to its waiting caller. It reports
// whether anyone was waiting.
func (c *Client) deliver(msg protocol.Message) bool {
	c.mu.Lock()
	ch, ok := c.pending[msg.RequestID]
	c.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- msg:
	default:
	}
	return true
}

// shutdown marks the client closed, fails every pending call and returns
// the worker for termination.
func (c *Client) shutdown() Worker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.initialized = false
	for id, ch := range c.pending {
		select {
		case ch <- protocol.Message{RequestID: id, Error: "worker terminated"}:
		default:
		}
	}
	w := c.worker
	c.worker = nil
	return w
}

func (c *Client) recordError(err error) {
	c.mu.Lock()
	c.lastError = err.Error()
	c.errorCount++
	c.mu.Unlock()
}

func (c *Client) setHosts(ids []int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		c.hostIDs[id] = struct{}{}
	}
}

func (c *Client) addHost(id int64) {
	c.mu.Lock()
	c.hostIDs[id] = struct{}{}
	c.mu.Unlock()
}

func (c *Client) removeHost(id int64) {
	c.mu.Lock()
	delete(c.hostIDs, id)
	c.mu.Unlock()
}
