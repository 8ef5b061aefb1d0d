package frame

import (
	"bytes"
	"errors"
	"testing"
)

func TestSinglePacketLayout(t *testing.T) {
	h := Header{Label: 0x0A, Type: Response, ProfileID: 0x110E}
	pkts, err := Encode(h, []byte{0xDE, 0xAD}, 0)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if len(pkts) != 1 {
		t.Fatalf("expected 1 packet, got %d", len(pkts))
	}

	// label 0xA in the high nibble, single, response bit set
	want := []byte{0xA2, 0x11, 0x0E, 0xDE, 0xAD}
	if !bytes.Equal(pkts[0], want) {
		t.Errorf("expected % x, got % x", want, pkts[0])
	}

	p, err := Decode(pkts[0])
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if p.Header != h || p.PacketType != Single {
		t.Errorf("unexpected decoded packet %+v", p)
	}
	if !bytes.Equal(p.Body, []byte{0xDE, 0xAD}) {
		t.Errorf("unexpected body % x", p.Body)
	}
}

func TestDecodeShortPackets(t *testing.T) {
	cases := [][]byte{
		nil,
		{0x00},             // single with no profile id
		{0x00, 0x11},       // single with half a profile id
		{0x04, 0x02, 0x11}, // start missing a byte
	}
	for _, c := range cases {
		if _, err := Decode(c); !errors.Is(err, ErrMalformed) {
			t.Errorf("% x: expected ErrMalformed, got %v", c, err)
		}
	}

	// continue packets are a header byte only
	p, err := Decode([]byte{0x38})
	if err != nil {
		t.Fatalf("expected bare continue to decode, got %v", err)
	}
	if p.PacketType != Continue || p.Label != 3 || len(p.Body) != 0 {
		t.Errorf("unexpected continue packet %+v", p)
	}
}

func TestEncodeRejectsBadLabel(t *testing.T) {
	if _, err := Encode(Header{Label: 16}, nil, 0); err == nil {
		t.Error("expected error for label outside the 4-bit field")
	}
}

// TestFragmentRoundTrip splits a message and puts it back together.
func TestFragmentRoundTrip(t *testing.T) {
	body := make([]byte, 100)
	for i := range body {
		body[i] = byte(i)
	}
	h := Header{Label: 5, Type: Command, ProfileID: 0x110E}

	pkts, err := Encode(h, body, 20)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	// 16 bytes in the start packet, then 19 per fragment: 16+19*4 = 92, +8
	if len(pkts) != 6 {
		t.Fatalf("expected 6 packets, got %d", len(pkts))
	}
	for i, pkt := range pkts {
		if len(pkt) > 20 {
			t.Errorf("packet %d is %d bytes, over the mtu", i, len(pkt))
		}
	}

	var r Reassembler
	for i, pkt := range pkts {
		p, err := Decode(pkt)
		if err != nil {
			t.Fatalf("Decode %d failed: %v", i, err)
		}
		msg, done, err := r.Add(p)
		if err != nil {
			t.Fatalf("Add %d failed: %v", i, err)
		}
		if done != (i == len(pkts)-1) {
			t.Fatalf("packet %d: done=%v", i, done)
		}
		if done {
			if msg.Header != h {
				t.Errorf("expected header %+v, got %+v", h, msg.Header)
			}
			if !bytes.Equal(msg.Body, body) {
				t.Error("reassembled body differs from original")
			}
		}
	}
	if r.InProgress() {
		t.Error("reassembler should be idle after the end packet")
	}
}

func TestEncodeTooLarge(t *testing.T) {
	if _, err := Encode(Header{}, make([]byte, 10), 4); !errors.Is(err, ErrTooLarge) {
		t.Errorf("expected ErrTooLarge for tiny mtu, got %v", err)
	}
	if _, err := Encode(Header{}, make([]byte, 255*10), 10); !errors.Is(err, ErrTooLarge) {
		t.Errorf("expected ErrTooLarge for too many packets, got %v", err)
	}
}

func TestReassemblerRejectsOrphans(t *testing.T) {
	var r Reassembler

	_, _, err := r.Add(Packet{PacketType: End, Header: Header{Label: 1}})
	if !errors.Is(err, ErrUnexpectedFragment) {
		t.Errorf("expected ErrUnexpectedFragment, got %v", err)
	}

	r.Add(Packet{PacketType: Start, NumPackets: 3, Header: Header{Label: 1}})
	_, _, err = r.Add(Packet{PacketType: Continue, Header: Header{Label: 2}})
	if !errors.Is(err, ErrUnexpectedFragment) {
		t.Errorf("expected ErrUnexpectedFragment for foreign label, got %v", err)
	}
	if r.InProgress() {
		t.Error("a bad fragment should drop the message in progress")
	}
}

func TestReassemblerCountMismatch(t *testing.T) {
	var r Reassembler
	r.Add(Packet{PacketType: Start, NumPackets: 3, Body: []byte{1}})

	// end arrives one packet early
	_, done, err := r.Add(Packet{PacketType: End, Body: []byte{2}})
	if done || !errors.Is(err, ErrUnexpectedFragment) {
		t.Errorf("expected count mismatch error, got done=%v err=%v", done, err)
	}
}

// TestSingleInterruptsFragments checks a single packet wins over a partial message.
func TestSingleInterruptsFragments(t *testing.T) {
	var r Reassembler
	r.Add(Packet{PacketType: Start, NumPackets: 2, Body: []byte{1}})

	msg, done, err := r.Add(Packet{PacketType: Single, Body: []byte{9}})
	if err != nil || !done {
		t.Fatalf("expected single to complete, got done=%v err=%v", done, err)
	}
	if !bytes.Equal(msg.Body, []byte{9}) {
		t.Errorf("unexpected body % x", msg.Body)
	}
	if r.InProgress() {
		t.Error("partial message should have been dropped")
	}
}

func TestReject(t *testing.T) {
	pkt := Reject(Header{Label: 4, Type: Command, ProfileID: 0x1234})
	p, err := Decode(pkt)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !p.IPID || p.Type != Response || p.Label != 4 || p.ProfileID != 0x1234 {
		t.Errorf("unexpected reject %+v", p)
	}
}
