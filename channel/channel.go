package channel

import (
	"github.com/risa-org/avct/label"
	"github.com/risa-org/avct/transport"
)

// Kind says which of the two logical channels of a session this is.
type Kind int

const (
	Control Kind = iota // required, carries commands and responses
	Browse              // optional, bound to an existing control channel
)

func (k Kind) String() string {
	if k == Browse {
		return "browse"
	}
	return "control"
}

// Lifecycle is where a channel currently is.
type Lifecycle int

const (
	Idle          Lifecycle = iota // 0 - initial and terminal, no transport channel
	Connecting                     // 1 - connect requested or indicated, not yet confirmed
	Connected                      // 2 - transport channel open, data may flow
	Disconnecting                  // 3 - local teardown requested, awaiting the transport
)

func (l Lifecycle) String() string {
	switch l {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// State tracks one channel of a connection record.
// One of these exists per channel kind; the browse State of a record is
// just a second field next to the control State, it never owns its sibling.
type State struct {
	Kind       Kind
	Lifecycle  Lifecycle
	Congested  bool   // transmit side reported congested by the transport
	Violations uint64 // protocol violations seen on this channel

	cid        transport.ChannelID
	hasChannel bool
	labels     *label.Allocator
}

// New creates an Idle channel with no transport channel and no labels in flight.
func New(kind Kind) *State {
	return &State{
		Kind:      kind,
		Lifecycle: Idle,
		labels:    label.New(),
	}
}

// Transition moves the channel to a new lifecycle state.
// Transitions outside the table are refused and leave the state unchanged.
func (s *State) Transition(next Lifecycle) bool {
	if !isValidTransition(s.Lifecycle, next) {
		return false
	}
	s.Lifecycle = next
	if next == Idle {
		s.clear()
	}
	return true
}

// Reset forces the channel to Idle from any state.
// The transport is authoritative about a channel going away.
func (s *State) Reset() {
	s.Lifecycle = Idle
	s.clear()
}

// Bind records the transport channel carrying this channel.
func (s *State) Bind(cid transport.ChannelID) {
	s.cid = cid
	s.hasChannel = true
}

// ChannelID returns the transport channel, if any.
func (s *State) ChannelID() (transport.ChannelID, bool) {
	return s.cid, s.hasChannel
}

// HasChannel reports whether a transport channel is bound.
func (s *State) HasChannel() bool {
	return s.hasChannel
}

// Labels returns the pending transaction labels of this channel.
func (s *State) Labels() *label.Allocator {
	return s.labels
}

// IsIdle is a shorthand used by the record bookkeeping.
func (s *State) IsIdle() bool {
	return s.Lifecycle == Idle
}

func (s *State) clear() {
	s.cid = 0
	s.hasChannel = false
	s.Congested = false
	s.labels.Reset()
}

// isValidTransition defines which lifecycle changes are legal.
// Idle is both where a channel starts and where every path ends.
func isValidTransition(from, to Lifecycle) bool {
	allowed := map[Lifecycle][]Lifecycle{
		Idle:          {Connecting},
		Connecting:    {Connected, Idle},
		Connected:     {Disconnecting, Idle},
		Disconnecting: {Idle},
	}

	for _, valid := range allowed[from] {
		if to == valid {
			return true
		}
	}
	return false
}
