// Package frame encodes and decodes the packet header carried on the
// control and browse channels.
//
// Wire format of the first byte of every packet:
//
//	bit 7..4  transaction label
//	bit 3..2  packet type (single, start, continue, end)
//	bit 1     C/R (0 command, 1 response)
//	bit 0     IPID (set on a response to an unknown profile)
//
// A single packet follows it with the 16-bit big-endian profile id, a start
// packet with the number of packets and then the profile id. Continue and
// end packets carry only the header byte.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/risa-org/avct/label"
)

var (
	// ErrMalformed is returned for packets too short for their type.
	ErrMalformed = errors.New("malformed packet")
	// ErrTooLarge is returned when a message cannot be split for the MTU.
	ErrTooLarge = errors.New("message too large for mtu")
)

// PacketType is the fragmentation role of a packet.
type PacketType uint8

const (
	Single PacketType = iota
	Start
	Continue
	End
)

func (p PacketType) String() string {
	switch p {
	case Single:
		return "single"
	case Start:
		return "start"
	case Continue:
		return "continue"
	default:
		return "end"
	}
}

// CR distinguishes commands from responses.
type CR uint8

const (
	Command  CR = 0
	Response CR = 1
)

func (c CR) String() string {
	if c == Response {
		return "response"
	}
	return "command"
}

const (
	singleHeaderLen   = 3
	startHeaderLen    = 4
	fragmentHeaderLen = 1
)

// Header is what the upper layer cares about in a message.
type Header struct {
	Label     uint8
	Type      CR
	IPID      bool
	ProfileID uint16
}

// Packet is one decoded packet, possibly a fragment.
type Packet struct {
	Header
	PacketType PacketType
	NumPackets uint8 // only meaningful for Start
	Body       []byte
}

func headerByte(h Header, pt PacketType) byte {
	b := (h.Label&0x0f)<<4 | byte(pt)<<2 | byte(h.Type&1)<<1
	if h.IPID {
		b |= 1
	}
	return b
}

// Decode parses one packet. The returned Body aliases b.
func Decode(b []byte) (Packet, error) {
	if len(b) < 1 {
		return Packet{}, ErrMalformed
	}
	var p Packet
	p.Label = b[0] >> 4
	p.PacketType = PacketType(b[0] >> 2 & 0x03)
	p.Type = CR(b[0] >> 1 & 0x01)
	p.IPID = b[0]&0x01 != 0

	switch p.PacketType {
	case Single:
		if len(b) < singleHeaderLen {
			return Packet{}, fmt.Errorf("%w: single packet of %d bytes", ErrMalformed, len(b))
		}
		p.ProfileID = binary.BigEndian.Uint16(b[1:3])
		p.Body = b[singleHeaderLen:]
	case Start:
		if len(b) < startHeaderLen {
			return Packet{}, fmt.Errorf("%w: start packet of %d bytes", ErrMalformed, len(b))
		}
		p.NumPackets = b[1]
		p.ProfileID = binary.BigEndian.Uint16(b[2:4])
		p.Body = b[startHeaderLen:]
	default:
		p.Body = b[fragmentHeaderLen:]
	}
	return p, nil
}

// Encode frames body behind h. With mtu <= 0, or when the message fits,
// a single packet is produced; otherwise the message is split into a start
// packet, continue packets and an end packet, none longer than mtu.
func Encode(h Header, body []byte, mtu int) ([][]byte, error) {
	if h.Label >= label.Space {
		return nil, fmt.Errorf("label %d out of range", h.Label)
	}
	if mtu <= 0 || singleHeaderLen+len(body) <= mtu {
		pkt := make([]byte, singleHeaderLen+len(body))
		pkt[0] = headerByte(h, Single)
		binary.BigEndian.PutUint16(pkt[1:3], h.ProfileID)
		copy(pkt[singleHeaderLen:], body)
		return [][]byte{pkt}, nil
	}
	if mtu <= startHeaderLen {
		return nil, fmt.Errorf("%w: mtu %d", ErrTooLarge, mtu)
	}

	first := mtu - startHeaderLen
	rest := mtu - fragmentHeaderLen
	n := 1 + (len(body)-first+rest-1)/rest
	if n > 255 {
		return nil, fmt.Errorf("%w: %d bytes need %d packets", ErrTooLarge, len(body), n)
	}

	pkts := make([][]byte, 0, n)
	start := make([]byte, startHeaderLen+first)
	start[0] = headerByte(h, Start)
	start[1] = byte(n)
	binary.BigEndian.PutUint16(start[2:4], h.ProfileID)
	copy(start[startHeaderLen:], body[:first])
	pkts = append(pkts, start)

	for off := first; off < len(body); off += rest {
		end := min(off+rest, len(body))
		pt := Continue
		if end == len(body) {
			pt = End
		}
		pkt := make([]byte, fragmentHeaderLen+end-off)
		pkt[0] = headerByte(h, pt)
		copy(pkt[fragmentHeaderLen:], body[off:end])
		pkts = append(pkts, pkt)
	}
	return pkts, nil
}

// Reject builds the single-packet response sent back for a command whose
// profile id nobody registered.
func Reject(h Header) []byte {
	r := Header{Label: h.Label, Type: Response, IPID: true, ProfileID: h.ProfileID}
	pkt := make([]byte, singleHeaderLen)
	pkt[0] = headerByte(r, Single)
	binary.BigEndian.PutUint16(pkt[1:3], r.ProfileID)
	return pkt
}
