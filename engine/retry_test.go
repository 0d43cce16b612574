package engine

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetrySucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), Policy{Attempts: 3, Delay: time.Millisecond}, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetryReturnsLastError(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), Policy{Attempts: 2, Delay: time.Millisecond}, func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return errors.New("first")
		}
		return errors.New("second")
	})

	var re *RetryError
	if !errors.As(err, &re) {
		t.Fatalf("Retry() error = %T, want *RetryError", err)
	}
	if re.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", re.Attempts)
	}
	if re.Err.Error() != "second" {
		t.Errorf("last error = %q, want %q", re.Err, "second")
	}
}

func TestRetryZeroAttemptsRunsOnce(t *testing.T) {
	calls := 0
	_ = Retry(context.Background(), Policy{}, func(ctx context.Context) error {
		calls++
		return errors.New("boom")
	})
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetryStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Retry(ctx, Policy{Attempts: 5, Delay: time.Hour}, func(ctx context.Context) error {
		calls++
		cancel()
		return errors.New("boom")
	})
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if err == nil {
		t.Fatal("Retry() error = nil, want error")
	}
}

func TestDoReturnsValue(t *testing.T) {
	v, err := Do(context.Background(), Policy{Attempts: 2}, func(ctx context.Context) (string, error) {
		return "ok", nil
	})
	if err != nil || v != "ok" {
		t.Errorf("Do() = %q, %v", v, err)
	}
}
