package fleet

import (
	"errors"
	"fmt"
)

var (
	ErrPoolExhausted  = errors.New("maximum number of workers reached")
	ErrNoWorker       = errors.New("no worker found")
	ErrNotInitialized = errors.New("worker not initialized")
	ErrTimeout        = errors.New("request timed out")
	ErrInitTimeout    = errors.New("worker init timed out")
	ErrClientNotFound = errors.New("client not found")
	ErrNoStore        = errors.New("manager requires a store")
)

// ClientError wraps a failure of an operation on one client.
type ClientError struct {
	ClientID int64
	Op       string
	Err      error
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("client %d %s: %v", e.ClientID, e.Op, e.Err)
}

func (e *ClientError) Unwrap() error {
	return e.Err
}

// RemoteError is a failure reported by a worker. Only the message crosses
// the worker boundary.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return e.Message
}
