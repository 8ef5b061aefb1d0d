package label

import "errors"

// Space is the number of distinct transaction labels.
// The label travels in a 4-bit header field, so it is 16.
const Space = 16

// ErrLabelsExhausted is returned when every label is already pending.
var ErrLabelsExhausted = errors.New("transaction labels exhausted")

// Allocator hands out transaction labels for one channel.
// It is the single source of truth for which labels are in flight.
// Not safe for concurrent use; the owning channel serializes access.
type Allocator struct {
	pending uint16 // bit n set means label n is awaiting a response
}

// New creates an allocator with every label free.
func New() *Allocator {
	return &Allocator{}
}

// Allocate returns the smallest label that is not pending and marks it
// pending. It never wraps onto a label still in flight: when all labels
// are taken it fails with ErrLabelsExhausted.
func (a *Allocator) Allocate() (uint8, error) {
	for l := uint8(0); l < Space; l++ {
		if a.pending&(1<<l) == 0 {
			a.pending |= 1 << l
			return l, nil
		}
	}
	return 0, ErrLabelsExhausted
}

// Release returns a label to the free set.
// Releasing a label that is not pending is a no-op, so duplicate
// completions are harmless.
func (a *Allocator) Release(l uint8) {
	if l >= Space {
		return
	}
	a.pending &^= 1 << l
}

// Pending reports whether l is currently allocated.
func (a *Allocator) Pending(l uint8) bool {
	return l < Space && a.pending&(1<<l) != 0
}

// Len returns the number of pending labels.
func (a *Allocator) Len() int {
	n := 0
	for p := a.pending; p != 0; p &= p - 1 {
		n++
	}
	return n
}

// Full reports whether another Allocate would fail.
func (a *Allocator) Full() bool {
	return a.Len() == Space
}

// Reset frees every label. Used when the channel goes away.
func (a *Allocator) Reset() {
	a.pending = 0
}
