package bridge

import (
	"net"
	"sync"

	"github.com/risa-org/avct/transport"
)

// stream is one bridged channel: a yamux stream plus the bookkeeping the
// adapter needs to report exactly one outcome for it.
type stream struct {
	cid  transport.ChannelID
	psm  transport.PSM
	peer transport.Address
	h    transport.Handlers
	out  chan []byte
	done chan struct{}

	mu        sync.Mutex
	conn      net.Conn // nil until the stream is opened
	open      bool     // answer exchanged, frames may flow
	aborted   bool     // given up locally before it opened; no more events
	congested bool
	closeOnce sync.Once
}

func newStream(cid transport.ChannelID, psm transport.PSM, peer transport.Address, h transport.Handlers, queue int) *stream {
	return &stream{
		cid:  cid,
		psm:  psm,
		peer: peer,
		h:    h,
		out:  make(chan []byte, queue),
		done: make(chan struct{}),
	}
}

// attach hands the stream its connection. It reports false if the stream
// was aborted or closed meanwhile; the caller then owns conn and must
// close it.
func (s *stream) attach(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.aborted {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
	}
	s.conn = conn
	return true
}

// markOpen flips the stream to open unless it was aborted.
func (s *stream) markOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.aborted {
		return false
	}
	s.open = true
	return true
}

func (s *stream) isOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

func (s *stream) isAborted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborted
}

// abortPending marks a stream that has not opened yet as aborted.
// It reports false when the stream is already open.
func (s *stream) abortPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open {
		return false
	}
	s.aborted = true
	return true
}

// setCongested records the congestion state and reports whether it changed.
func (s *stream) setCongested(c bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.congested == c {
		return false
	}
	s.congested = c
	return true
}

// close releases the stream. Safe to call multiple times.
func (s *stream) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
	})
}
