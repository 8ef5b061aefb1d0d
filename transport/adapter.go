package transport

import (
	"errors"
	"fmt"
)

// ErrTransportClosed is returned when you try to use a channel or
// registration the transport no longer knows about.
var ErrTransportClosed = errors.New("transport closed")

// ErrUnsupported is returned by transports that cannot run on this platform.
var ErrUnsupported = errors.New("transport not supported on this platform")

// ErrCongested is returned by Send when the channel cannot take more data
// right now. The channel counts as congested from that call on, and the
// transport reports the end of it with OnCongestion(cid, false).
var ErrCongested = errors.New("channel congested")

// PSM is the well-known identifier inbound connections are routed by.
type PSM uint16

const (
	PSMControl PSM = 0x0017 // control channel
	PSMBrowse  PSM = 0x001B // browsing channel
)

func (p PSM) String() string {
	return fmt.Sprintf("0x%04x", uint16(p))
}

// ChannelID identifies one transport-level connection.
// It is assigned by the transport and is only meaningful to it.
type ChannelID uint16

func (c ChannelID) String() string {
	return fmt.Sprintf("0x%04x", uint16(c))
}

// SecurityLevel is requested on outgoing connections.
type SecurityLevel uint8

const (
	SecurityNone SecurityLevel = iota
	SecurityLow
	SecurityMedium
	SecurityHigh
)

// Result is the outcome of a connect attempt, as reported by the transport.
type Result uint16

const (
	ResultSuccess     Result = iota // channel is open
	ResultRejected                  // remote (or local policy) refused
	ResultNoResources               // transport ran out of channels
	ResultSecurity                  // security requirements not met
	ResultTimeout                   // remote never answered
	ResultFailed                    // anything else
)

func (r Result) String() string {
	switch r {
	case ResultSuccess:
		return "success"
	case ResultRejected:
		return "rejected"
	case ResultNoResources:
		return "no-resources"
	case ResultSecurity:
		return "security"
	case ResultTimeout:
		return "timeout"
	default:
		return "failed"
	}
}

// Handlers is the event surface a transport drives for one registered PSM.
// Every call must arrive on the same serialized context the owner of the
// handlers runs on; transports receive an Executor for that purpose.
type Handlers interface {
	// OnConnectIndication reports a remote connect attempt. Returning false
	// rejects it. An accepted channel is completed by OnConnectConfirmation.
	OnConnectIndication(peer Address, cid ChannelID, psm PSM) bool

	// OnConnectConfirmation completes a connect attempt, local or remote.
	OnConnectConfirmation(cid ChannelID, result Result)

	// OnDisconnectIndication reports that the channel is gone. Locally
	// requested disconnects are confirmed through this call too.
	OnDisconnectIndication(cid ChannelID)

	// OnCongestion reports transmit congestion changes on a channel.
	// Congestion that starts inside Send is reported to the caller as
	// ErrCongested instead, never through a call from Send itself.
	OnCongestion(cid ChannelID, congested bool)

	// OnData delivers one received packet.
	OnData(cid ChannelID, data []byte)
}

// Adapter is the contract every lower transport must satisfy.
// The connection manager only ever talks to this interface; it never
// imports a concrete transport.
//
// Connect and Disconnect are fire-and-forget: an error means the request
// could not even be dispatched. The outcome arrives later as an event.
// None of the methods block, and none of them call back into Handlers.
type Adapter interface {
	Register(psm PSM, h Handlers) error
	Deregister(psm PSM) error
	Connect(psm PSM, peer Address, sec SecurityLevel) (ChannelID, error)
	Disconnect(cid ChannelID) error
	Send(cid ChannelID, data []byte) error
}

// Executor runs fn on the owner's serialized context, in submission order.
type Executor func(fn func())
