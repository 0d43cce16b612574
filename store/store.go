// Package store persists clients, their hosts and the outward event log.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/everydev1618/fleet/protocol"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("already exists")
)

// Store is the persistence collaborator of the manager. Host methods
// satisfy docker.HostStore so workers can share the same store.
type Store interface {
	// Init creates tables if they don't exist.
	Init() error

	// Close closes the store.
	Close() error

	// InsertClient persists a client and returns its id.
	InsertClient(ctx context.Context, name string, opts protocol.ClientOptions) (int64, error)

	// UpdateClient replaces the name and options of a client.
	UpdateClient(ctx context.Context, id int64, name string, opts protocol.ClientOptions) error

	// DeleteClient removes a client together with its hosts.
	DeleteClient(ctx context.Context, id int64) error

	// GetClient returns a client by id.
	GetClient(ctx context.Context, id int64) (Client, error)

	// GetClientByName returns a client by its unique name.
	GetClientByName(ctx context.Context, name string) (Client, error)

	// ListClients returns all clients ordered by id.
	ListClients(ctx context.Context) ([]Client, error)

	ListHosts(ctx context.Context, clientID int64) ([]protocol.Host, error)
	InsertHost(ctx context.Context, clientID int64, h protocol.Host) (int64, error)
	UpdateHost(ctx context.Context, clientID int64, h protocol.Host) error
	DeleteHost(ctx context.Context, clientID, hostID int64) error
	DeleteHosts(ctx context.Context, clientID int64) error

	// InsertEvent records an outward event.
	InsertEvent(ctx context.Context, e Event) error

	// ListEvents returns recent events, newest first. A zero clientID
	// returns events of every client.
	ListEvents(ctx context.Context, clientID int64, limit int) ([]Event, error)
}

// Client is a persisted tenant.
type Client struct {
	ID        int64                  `json:"id"`
	Name      string                 `json:"name"`
	Options   protocol.ClientOptions `json:"options"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// Event is a persisted outward event.
type Event struct {
	ID        int64     `json:"id"`
	ClientID  int64     `json:"client_id"`
	Type      string    `json:"type"`
	Data      string    `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}
