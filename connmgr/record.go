package connmgr

import (
	"github.com/risa-org/avct/channel"
	"github.com/risa-org/avct/frame"
	"github.com/risa-org/avct/table"
	"github.com/risa-org/avct/transport"
)

// Handle names a connection record to applications.
type Handle = table.Handle

// Role says which side originates the transport connect.
type Role int

const (
	Initiator Role = iota
	Acceptor
)

func (r Role) String() string {
	if r == Acceptor {
		return "acceptor"
	}
	return "initiator"
}

// Event is what a ControlFunc is told about. Browse events mirror the
// control events and are told apart by Channel.
type Event int

const (
	EventConnectConfirm Event = iota // locally initiated channel finished connecting
	EventConnectIndication           // remotely initiated channel finished connecting
	EventDisconnectConfirm           // locally requested disconnect completed
	EventDisconnectIndication        // channel went away
	EventCongested
	EventUncongested
	EventBrowseConnectConfirm
	EventBrowseConnectIndication
	EventBrowseDisconnectConfirm
	EventBrowseDisconnectIndication
	EventBrowseCongested
	EventBrowseUncongested
)

const browseOffset = EventBrowseConnectConfirm - EventConnectConfirm

var eventNames = map[Event]string{
	EventConnectConfirm:             "connect-cfm",
	EventConnectIndication:          "connect-ind",
	EventDisconnectConfirm:          "disconnect-cfm",
	EventDisconnectIndication:       "disconnect-ind",
	EventCongested:                  "congested",
	EventUncongested:                "uncongested",
	EventBrowseConnectConfirm:       "browse-connect-cfm",
	EventBrowseConnectIndication:    "browse-connect-ind",
	EventBrowseDisconnectConfirm:    "browse-disconnect-cfm",
	EventBrowseDisconnectIndication: "browse-disconnect-ind",
	EventBrowseCongested:            "browse-congested",
	EventBrowseUncongested:          "browse-uncongested",
}

func (e Event) String() string {
	if s, ok := eventNames[e]; ok {
		return s
	}
	return "unknown"
}

// Channel returns which channel the event is about.
func (e Event) Channel() channel.Kind {
	if e >= EventBrowseConnectConfirm {
		return channel.Browse
	}
	return channel.Control
}

func (e Event) on(kind channel.Kind) Event {
	if kind == channel.Browse {
		return e + browseOffset
	}
	return e
}

// Message is one complete message received on a channel.
type Message struct {
	Channel   channel.Kind
	Label     uint8
	Type      frame.CR
	IPID      bool // the peer did not recognise our profile id
	ProfileID uint16
	Body      []byte
}

// ControlFunc receives connection events for a record.
type ControlFunc func(h Handle, ev Event, result transport.Result, peer transport.Address)

// MessageFunc receives messages for a record.
type MessageFunc func(h Handle, msg Message)

// Record is one logical session with one peer.
type Record struct {
	Handle    Handle
	Peer      transport.Address
	Role      Role
	ProfileID uint16
	Control   *channel.State
	Browse    *channel.State // nil unless browsing was requested or indicated

	control    ControlFunc
	message    MessageFunc
	reassembly frame.Reassembler
}

func newRecord(h Handle, peer transport.Address, role Role, pid uint16, c ControlFunc, msg MessageFunc) *Record {
	return &Record{
		Handle:    h,
		Peer:      peer,
		Role:      role,
		ProfileID: pid,
		Control:   channel.New(channel.Control),
		control:   c,
		message:   msg,
	}
}

// channel returns the state for kind, nil when browse was never created.
func (r *Record) channel(kind channel.Kind) *channel.State {
	if kind == channel.Browse {
		return r.Browse
	}
	return r.Control
}

// origin records who started a transport channel.
type origin int

const (
	local origin = iota
	remote
)

// bindingKey names a transport channel. The control and browse PSMs each
// have their own channel id space.
type bindingKey struct {
	kind channel.Kind
	cid  transport.ChannelID
}

// binding maps a transport channel back to its record and channel kind.
type binding struct {
	handle Handle
	kind   channel.Kind
	origin origin
}
