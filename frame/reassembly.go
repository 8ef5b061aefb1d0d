package frame

import (
	"errors"
	"fmt"
)

// MaxMessage bounds the size of a reassembled message.
const MaxMessage = 64 * 1024

// ErrUnexpectedFragment is returned for continue/end packets with no
// message in progress, or fragments that do not belong to it.
var ErrUnexpectedFragment = errors.New("unexpected fragment")

// Message is a complete, reassembled message.
type Message struct {
	Header
	Body []byte
}

// Reassembler rebuilds fragmented messages on one channel.
// A single packet or a new start packet discards a message in progress.
type Reassembler struct {
	active   bool
	header   Header
	expected uint8
	received uint8
	buf      []byte
}

// Add feeds one packet. It returns the message and true once a message is
// complete. Errors leave the reassembler empty, ready for the next start.
func (r *Reassembler) Add(p Packet) (Message, bool, error) {
	switch p.PacketType {
	case Single:
		r.reset()
		return Message{Header: p.Header, Body: clone(p.Body)}, true, nil

	case Start:
		r.reset()
		if p.NumPackets < 2 {
			return Message{}, false, fmt.Errorf("%w: start announces %d packets", ErrMalformed, p.NumPackets)
		}
		r.active = true
		r.header = p.Header
		r.expected = p.NumPackets
		r.received = 1
		r.buf = append(r.buf[:0], p.Body...)
		return Message{}, false, nil
	}

	if !r.active {
		return Message{}, false, fmt.Errorf("%w: %s without start", ErrUnexpectedFragment, p.PacketType)
	}
	if p.Label != r.header.Label {
		r.reset()
		return Message{}, false, fmt.Errorf("%w: label %d inside message %d", ErrUnexpectedFragment, p.Label, r.header.Label)
	}
	if len(r.buf)+len(p.Body) > MaxMessage {
		r.reset()
		return Message{}, false, fmt.Errorf("%w: reassembled message over %d bytes", ErrMalformed, MaxMessage)
	}

	r.received++
	r.buf = append(r.buf, p.Body...)

	switch {
	case p.PacketType == End && r.received == r.expected:
		msg := Message{Header: r.header, Body: clone(r.buf)}
		r.reset()
		return msg, true, nil
	case p.PacketType == End, r.received >= r.expected:
		got, want := r.received, r.expected
		r.reset()
		return Message{}, false, fmt.Errorf("%w: got %d of %d packets", ErrUnexpectedFragment, got, want)
	}
	return Message{}, false, nil
}

// InProgress reports whether part of a message has been received.
func (r *Reassembler) InProgress() bool {
	return r.active
}

func (r *Reassembler) reset() {
	r.active = false
	r.header = Header{}
	r.expected = 0
	r.received = 0
	r.buf = r.buf[:0]
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
