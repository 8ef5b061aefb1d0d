package table

import (
	"errors"

	"github.com/risa-org/avct/transport"
)

var (
	// ErrNoResources is returned by Alloc when every handle is in use.
	ErrNoResources = errors.New("no free connection handles")
	// ErrBadHandle is returned for a handle that is not allocated.
	ErrBadHandle = errors.New("unknown connection handle")
	// ErrNotFound is returned when no record exists for a peer address.
	ErrNotFound = errors.New("no connection for peer")
	// ErrDuplicatePeer is returned by Alloc for a peer that already has a
	// handle. A peer owns at most one record.
	ErrDuplicatePeer = errors.New("connection for peer already exists")
)

// DefaultCapacity is the number of handles in a table built with capacity 0.
const DefaultCapacity = 14

// Handle is the small integer applications use to name a record.
type Handle uint8

// Table is a fixed-capacity registry of records keyed by handle, with a
// secondary index by peer address. It owns handle allocation and nothing
// else: no business rules live here.
// Not safe for concurrent use.
type Table[V any] struct {
	slots  []*slot[V]
	byPeer map[transport.Address]Handle
}

type slot[V any] struct {
	peer  transport.Address
	value V
}

// New creates an empty table. capacity <= 0 selects DefaultCapacity;
// anything above 256 is clamped to the handle range.
func New[V any](capacity int) *Table[V] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if capacity > 256 {
		capacity = 256
	}
	return &Table[V]{
		slots:  make([]*slot[V], capacity),
		byPeer: make(map[transport.Address]Handle),
	}
}

// Alloc takes the lowest free handle, builds the value for it and stores
// it under peer. build sees the handle before the value is stored so the
// value can carry it.
func (t *Table[V]) Alloc(peer transport.Address, build func(Handle) V) (Handle, error) {
	if _, ok := t.byPeer[peer]; ok {
		return 0, ErrDuplicatePeer
	}
	for i, s := range t.slots {
		if s != nil {
			continue
		}
		h := Handle(i)
		t.slots[i] = &slot[V]{peer: peer, value: build(h)}
		t.byPeer[peer] = h
		return h, nil
	}
	return 0, ErrNoResources
}

// Free returns a handle to the pool. Freeing an unknown handle is a no-op.
func (t *Table[V]) Free(h Handle) {
	if int(h) >= len(t.slots) || t.slots[h] == nil {
		return
	}
	peer := t.slots[h].peer
	if cur, ok := t.byPeer[peer]; ok && cur == h {
		delete(t.byPeer, peer)
	}
	t.slots[h] = nil
}

// Lookup returns the value stored under h.
func (t *Table[V]) Lookup(h Handle) (V, error) {
	if int(h) >= len(t.slots) || t.slots[h] == nil {
		var zero V
		return zero, ErrBadHandle
	}
	return t.slots[h].value, nil
}

// LookupPeer returns the handle and value stored for peer.
func (t *Table[V]) LookupPeer(peer transport.Address) (Handle, V, error) {
	h, ok := t.byPeer[peer]
	if !ok {
		var zero V
		return 0, zero, ErrNotFound
	}
	return h, t.slots[h].value, nil
}

// Range calls fn for every allocated handle in ascending order until fn
// returns false.
func (t *Table[V]) Range(fn func(Handle, V) bool) {
	for i, s := range t.slots {
		if s == nil {
			continue
		}
		if !fn(Handle(i), s.value) {
			return
		}
	}
}

// Len returns the number of allocated handles.
func (t *Table[V]) Len() int {
	return len(t.byPeer)
}

// Cap returns the fixed capacity of the table.
func (t *Table[V]) Cap() int {
	return len(t.slots)
}
