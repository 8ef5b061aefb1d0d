package bridge

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/risa-org/avct/transport"
)

// Stream open header, sent by the side that opens a stream:
//
//	[2 bytes: PSM big-endian][6 bytes: source bdaddr][1 byte: security level]
//
// The accepting side answers with one byte carrying a transport.Result.
// After a successful answer both directions carry frames:
//
//	[4 bytes: payload length uint32 big-endian][N bytes: payload]
//
// Streams are byte streams, so the length prefix restores the packet
// boundaries an L2CAP channel would have preserved.
const openHeaderLen = 9

// MaxFrame bounds a single frame payload.
const MaxFrame = 1 << 16

var errFrameTooLarge = errors.New("frame too large")

type openHeader struct {
	PSM      transport.PSM
	Source   transport.Address
	Security transport.SecurityLevel
}

func writeOpen(w io.Writer, h openHeader) error {
	var buf [openHeaderLen]byte
	binary.BigEndian.PutUint16(buf[0:2], uint16(h.PSM))
	copy(buf[2:8], h.Source[:])
	buf[8] = byte(h.Security)
	_, err := w.Write(buf[:])
	return err
}

func readOpen(r io.Reader) (openHeader, error) {
	var buf [openHeaderLen]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return openHeader{}, err
	}
	var h openHeader
	h.PSM = transport.PSM(binary.BigEndian.Uint16(buf[0:2]))
	copy(h.Source[:], buf[2:8])
	h.Security = transport.SecurityLevel(buf[8])
	return h, nil
}

func writeAnswer(w io.Writer, result transport.Result) error {
	_, err := w.Write([]byte{byte(result)})
	return err
}

func readAnswer(r io.Reader) (transport.Result, error) {
	var buf [1]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return transport.ResultFailed, err
	}
	return transport.Result(buf[0]), nil
}

// writeFrame writes one frame with a single Write so frames from one
// writer never interleave.
func writeFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrame {
		return fmt.Errorf("%w: %d bytes", errFrameTooLarge, len(payload))
	}
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(payload)))
	copy(buf[4:], payload)
	_, err := w.Write(buf)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxFrame {
		return nil, fmt.Errorf("%w: %d bytes", errFrameTooLarge, n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
