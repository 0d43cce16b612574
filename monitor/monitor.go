// Package monitor runs the polling and streaming loops that watch a client's
// hosts and turn what they see into events.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/everydev1618/fleet/engine"
	"github.com/everydev1618/fleet/protocol"
)

// Target is a monitored host and its live connection.
type Target struct {
	Host   protocol.Host
	Engine engine.Engine
}

// EmitFunc receives every event a monitor produces.
type EmitFunc func(t protocol.EventType, ctx any)

// Targets returns the current set of monitored hosts.
type Targets func() []Target

// Config is shared by all monitors of one orchestrator.
type Config struct {
	Policy  engine.Policy
	Timeout time.Duration
	Emit    EmitFunc
	Targets Targets
}

func (c Config) emit(t protocol.EventType, ctx any) {
	if c.Emit != nil {
		c.Emit(t, ctx)
	}
}

func (c Config) targets() []Target {
	if c.Targets == nil {
		return nil
	}
	return c.Targets()
}

// call runs fn under the per-call timeout and retry policy.
func call[T any](ctx context.Context, c Config, fn func(ctx context.Context) (T, error)) (T, error) {
	return engine.Do(ctx, c.Policy, func(ctx context.Context) (T, error) {
		if c.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, c.Timeout)
			defer cancel()
		}
		return fn(ctx)
	})
}

// loop runs a tick function on every interval until stopped, optionally
// ticking once as soon as it starts.
type loop struct {
	interval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func (l *loop) start(immediate bool, tick func(ctx context.Context)) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	l.cancel = cancel
	l.done = done

	go func() {
		defer close(done)
		if immediate {
			tick(ctx)
		}
		t := time.NewTicker(l.interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				tick(ctx)
			}
		}
	}()
	return true
}

func (l *loop) stop() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel, l.done = nil, nil
	l.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func (l *loop) running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cancel != nil
}
