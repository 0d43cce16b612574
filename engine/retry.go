package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/everydev1618/fleet/protocol"
)

// Policy is a fixed-delay retry policy.
type Policy struct {
	Attempts int
	Delay    time.Duration
}

// PolicyFrom builds the policy described by normalized client options.
func PolicyFrom(o protocol.ClientOptions) Policy {
	return Policy{Attempts: o.Attempts(), Delay: o.RetryDelay()}
}

// RetryError is returned once every attempt has failed. It wraps the error
// of the last attempt.
type RetryError struct {
	Attempts int
	Err      error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *RetryError) Unwrap() error {
	return e.Err
}

// Retry runs fn until it succeeds or the policy is exhausted, sleeping
// p.Delay between attempts. Cancelling ctx stops waiting and returns the
// context error.
func Retry(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	_, err := Do(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Do is Retry for calls that return a value.
func Do[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var zero T
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 && p.Delay > 0 {
			t := time.NewTimer(p.Delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return zero, ctx.Err()
			case <-t.C:
			}
		}

		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return zero, lastErr
		}
	}
	return zero, &RetryError{Attempts: attempts, Err: lastErr}
}
