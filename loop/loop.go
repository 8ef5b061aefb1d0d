// Package loop provides the single serialized context the connection
// manager runs on. Application calls and transport events are both
// submitted here, so the manager itself needs no locking.
package loop

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Do after the loop has stopped.
var ErrClosed = errors.New("loop closed")

// DefaultBuffer is the queue depth used when New is given 0.
const DefaultBuffer = 256

// Loop executes submitted functions one at a time, in submission order.
type Loop struct {
	queue     chan func()
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a loop; call Run to start executing.
func New(buffer int) *Loop {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Loop{
		queue: make(chan func(), buffer),
		done:  make(chan struct{}),
	}
}

// Run executes queued functions until ctx is cancelled or Close is called.
func (l *Loop) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			l.Close()
			return ctx.Err()
		case <-l.done:
			return nil
		case fn := <-l.queue:
			fn()
		}
	}
}

// Post queues fn without waiting for it to run. It is dropped once the
// loop is closed. Post satisfies transport.Executor. It blocks while the
// queue is full, so code running on the loop must not call it; transports
// only post from their own goroutines.
func (l *Loop) Post(fn func()) {
	select {
	case <-l.done:
	case l.queue <- fn:
	}
}

// Do queues fn and waits until it has run.
// Never call Do from inside the loop; it would wait on itself.
func (l *Loop) Do(fn func()) error {
	select {
	case <-l.done:
		return ErrClosed
	default:
	}
	ran := make(chan struct{})
	select {
	case <-l.done:
		return ErrClosed
	case l.queue <- func() { fn(); close(ran) }:
	}
	select {
	case <-ran:
		return nil
	case <-l.done:
		return ErrClosed
	}
}

// Close stops the loop. Safe to call multiple times.
func (l *Loop) Close() {
	l.closeOnce.Do(func() { close(l.done) })
}

// Done is closed once the loop has stopped.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}
