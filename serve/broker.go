package serve

import (
	"errors"
	"sync"
)

const (
	maxSubscribers   = 50
	subscriberBuffer = 64
)

// ErrTooManySubscribers is returned by Subscribe once the limit is reached.
var ErrTooManySubscribers = errors.New("too many event subscribers")

// Subscription is one SSE listener. C is closed by Unsubscribe or when the
// broker shuts down.
type Subscription struct {
	C <-chan BrokerEvent

	ch       chan BrokerEvent
	clientID int64
	dropped  int
}

// Dropped returns how many events were discarded because C was full.
func (s *Subscription) Dropped() int { return s.dropped }

func (s *Subscription) wants(e BrokerEvent) bool {
	return s.clientID == 0 || s.clientID == e.ClientID
}

// EventBroker routes fleet events to SSE subscribers, each scoped to one
// client or to all of them.
type EventBroker struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

// NewEventBroker creates an empty broker.
func NewEventBroker() *EventBroker {
	return &EventBroker{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a listener for clientID's events; 0 receives every
// client. The caller must Unsubscribe when done.
func (b *EventBroker) Subscribe(clientID int64) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, errors.New("event broker closed")
	}
	if len(b.subs) >= maxSubscribers {
		return nil, ErrTooManySubscribers
	}
	ch := make(chan BrokerEvent, subscriberBuffer)
	sub := &Subscription{C: ch, ch: ch, clientID: clientID}
	b.subs[sub] = struct{}{}
	return sub, nil
}

// Unsubscribe detaches sub and closes its channel. Calling it twice is safe.
func (b *EventBroker) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub.ch)
	}
}

// Close detaches every subscriber so their handlers return. Later
// Subscribe calls fail.
func (b *EventBroker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for sub := range b.subs {
		delete(b.subs, sub)
		close(sub.ch)
	}
}

// Publish delivers e to the subscribers scoped to its client without
// blocking. A subscriber whose buffer is full misses the event.
func (b *EventBroker) Publish(e BrokerEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subs {
		if !sub.wants(e) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			sub.dropped++
		}
	}
}

// Subscribers returns the number of attached listeners.
func (b *EventBroker) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
