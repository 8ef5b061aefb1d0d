package loop

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPostRunsInOrder(t *testing.T) {
	l := New(0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	var got []int
	for i := 0; i < 10; i++ {
		i := i
		l.Post(func() { got = append(got, i) })
	}
	// Do waits for everything queued before it
	if err := l.Do(func() {}); err != nil {
		t.Fatalf("Do failed: %v", err)
	}

	for i := 0; i < 10; i++ {
		if got[i] != i {
			t.Fatalf("expected in-order execution, got %v", got)
		}
	}
}

func TestDoAfterClose(t *testing.T) {
	l := New(1)
	l.Close()
	l.Close() // idempotent

	err := l.Do(func() { t.Error("function ran on a closed loop") })
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	// Post on a closed loop must not block
	l.Post(func() {})
}

func TestRunStopsOnCancel(t *testing.T) {
	l := New(1)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- l.Run(ctx) }()
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	select {
	case <-l.Done():
	default:
		t.Error("cancelled loop should report done")
	}
}
