package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/hashicorp/yamux"

	"github.com/risa-org/avct/transport"
)

// open runs the initiating side of a channel: find or dial the session,
// open a stream, exchange header and answer, then pump frames.
func (a *Adapter) open(s *stream, sec transport.SecurityLevel) {
	sess, err := a.session(s.peer)
	if err != nil {
		a.fail(s, transport.ResultFailed, err)
		return
	}
	conn, err := sess.Open()
	if err != nil {
		a.fail(s, transport.ResultFailed, fmt.Errorf("open stream: %w", err))
		return
	}
	if !s.attach(conn) {
		conn.Close()
		a.forget(s)
		return
	}

	if err := writeOpen(conn, openHeader{PSM: s.psm, Source: a.cfg.Local, Security: sec}); err != nil {
		a.fail(s, transport.ResultFailed, fmt.Errorf("write open header: %w", err))
		return
	}
	result, err := readAnswer(conn)
	if err != nil {
		a.fail(s, transport.ResultFailed, fmt.Errorf("read answer: %w", err))
		return
	}
	if result != transport.ResultSuccess {
		a.fail(s, result, nil)
		return
	}
	if !s.markOpen() {
		a.forget(s)
		s.close()
		return
	}

	a.logger.Debug("channel open", "cid", s.cid, "psm", s.psm, "peer", s.peer)
	a.exec(func() { s.h.OnConnectConfirmation(s.cid, transport.ResultSuccess) })
	a.pump(s)
}

// fail ends a channel that never opened and reports the result, unless the
// owner already gave up on it.
func (a *Adapter) fail(s *stream, result transport.Result, err error) {
	a.forget(s)
	s.close()
	if err != nil {
		a.logger.Debug("channel failed", "cid", s.cid, "psm", s.psm, "peer", s.peer, "error", err)
	}
	if s.isAborted() || a.ctx.Err() != nil {
		return
	}
	a.exec(func() { s.h.OnConnectConfirmation(s.cid, result) })
}

// accept runs the answering side of a stream opened by the peer.
func (a *Adapter) accept(sess *yamux.Session, conn net.Conn) {
	hdr, err := readOpen(conn)
	if err != nil {
		a.logger.Debug("bad open header", "error", err)
		conn.Close()
		return
	}
	a.route(hdr.Source, sess)

	a.mu.Lock()
	h, ok := a.handlers[hdr.PSM]
	switch {
	case a.closed:
		a.mu.Unlock()
		conn.Close()
		return
	case !ok:
		a.mu.Unlock()
		a.refuse(conn, hdr, transport.ResultRejected)
		return
	case hdr.Security < a.cfg.MinSecurity:
		a.mu.Unlock()
		a.refuse(conn, hdr, transport.ResultSecurity)
		return
	}
	s := newStream(a.allocCID(), hdr.PSM, hdr.Source, h, a.cfg.SendQueue)
	s.conn = conn
	a.channels[s.cid] = s
	a.mu.Unlock()

	decision := make(chan bool, 1)
	a.exec(func() { decision <- h.OnConnectIndication(hdr.Source, s.cid, hdr.PSM) })
	var accepted bool
	select {
	case accepted = <-decision:
	case <-a.ctx.Done():
		a.forget(s)
		s.close()
		return
	}

	if !accepted {
		a.forget(s)
		if err := writeAnswer(conn, transport.ResultRejected); err != nil {
			a.logger.Debug("write answer", "cid", s.cid, "error", err)
		}
		s.close()
		return
	}
	if err := writeAnswer(conn, transport.ResultSuccess); err != nil {
		a.fail(s, transport.ResultFailed, fmt.Errorf("write answer: %w", err))
		return
	}
	if !s.markOpen() {
		a.forget(s)
		s.close()
		return
	}

	a.logger.Debug("channel accepted", "cid", s.cid, "psm", s.psm, "peer", s.peer)
	a.exec(func() { s.h.OnConnectConfirmation(s.cid, transport.ResultSuccess) })
	a.pump(s)
}

func (a *Adapter) refuse(conn net.Conn, hdr openHeader, result transport.Result) {
	a.logger.Debug("refusing stream", "psm", hdr.PSM, "peer", hdr.Source, "result", result)
	if err := writeAnswer(conn, result); err != nil {
		a.logger.Debug("write answer", "error", err)
	}
	conn.Close()
}

// pump moves frames until the stream ends, then reports the disconnect.
func (a *Adapter) pump(s *stream) {
	a.group.Go(func() error {
		a.writeLoop(s)
		return nil
	})

	for {
		payload, err := readFrame(s.conn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				a.logger.Debug("channel read ended", "cid", s.cid, "error", err)
			}
			break
		}
		a.exec(func() { s.h.OnData(s.cid, payload) })
	}

	a.forget(s)
	s.close()
	if a.ctx.Err() != nil {
		return
	}
	a.logger.Debug("channel closed", "cid", s.cid, "psm", s.psm, "peer", s.peer)
	a.exec(func() { s.h.OnDisconnectIndication(s.cid) })
}

func (a *Adapter) writeLoop(s *stream) {
	for {
		select {
		case <-s.done:
			return
		case data := <-s.out:
			if err := writeFrame(s.conn, data); err != nil {
				a.logger.Debug("channel write failed", "cid", s.cid, "error", err)
				s.close()
				return
			}
			if len(s.out) == 0 && s.setCongested(false) {
				a.exec(func() { s.h.OnCongestion(s.cid, false) })
			}
		}
	}
}

// session returns the session that reaches peer, dialing one if needed.
func (a *Adapter) session(peer transport.Address) (*yamux.Session, error) {
	a.mu.Lock()
	if sess := a.routes[peer]; sess != nil && !sess.IsClosed() {
		a.mu.Unlock()
		return sess, nil
	}
	target := a.cfg.Peers[peer]
	a.mu.Unlock()

	if a.cfg.Dialer == nil {
		return nil, fmt.Errorf("%w: %s: no dialer configured", ErrUnknownPeer, peer)
	}
	conn, err := a.cfg.Dialer.Dial(a.ctx, target)
	if err != nil {
		return nil, fmt.Errorf("dial %s (%s): %w", peer, target, err)
	}
	sess, err := yamux.Client(conn, a.yamux)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("yamux client %s: %w", target, err)
	}

	a.mu.Lock()
	if existing := a.routes[peer]; existing != nil && !existing.IsClosed() {
		// lost a dial race
		a.mu.Unlock()
		sess.Close()
		return existing, nil
	}
	if a.closed {
		a.mu.Unlock()
		sess.Close()
		return nil, transport.ErrTransportClosed
	}
	a.routes[peer] = sess
	a.sessions[sess] = struct{}{}
	a.mu.Unlock()

	a.logger.Info("session established", "peer", peer, "target", target)
	a.group.Go(func() error {
		a.serveSession(sess)
		return nil
	})
	return sess, nil
}

// route remembers sess as the way back to peer if there is none yet.
func (a *Adapter) route(peer transport.Address, sess *yamux.Session) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if cur := a.routes[peer]; cur == nil || cur.IsClosed() {
		a.routes[peer] = sess
	}
}

// serveSession accepts streams until the session ends.
func (a *Adapter) serveSession(sess *yamux.Session) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		sess.Close()
		return
	}
	a.sessions[sess] = struct{}{}
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		delete(a.sessions, sess)
		for peer, cur := range a.routes {
			if cur == sess {
				delete(a.routes, peer)
			}
		}
		a.mu.Unlock()
		sess.Close()
	}()

	for {
		conn, err := sess.Accept()
		if err != nil {
			if a.ctx.Err() == nil && !errors.Is(err, yamux.ErrSessionShutdown) && !errors.Is(err, io.EOF) {
				a.logger.Debug("session ended", "error", err)
			}
			return
		}
		a.group.Go(func() error {
			a.accept(sess, conn)
			return nil
		})
	}
}

// ServeConn runs the accepting side of a yamux session over conn until it
// ends. Channels may be opened from either side once it is up.
func (a *Adapter) ServeConn(conn net.Conn) error {
	sess, err := yamux.Server(conn, a.yamux)
	if err != nil {
		conn.Close()
		return fmt.Errorf("yamux server: %w", err)
	}
	a.serveSession(sess)
	return nil
}

// Serve accepts network connections on l until l is closed or the adapter
// shuts down. It returns nil after Close.
func (a *Adapter) Serve(l net.Listener) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return transport.ErrTransportClosed
	}
	a.listeners = append(a.listeners, l)
	a.mu.Unlock()

	a.logger.Info("serving", "addr", l.Addr())
	for {
		conn, err := l.Accept()
		if err != nil {
			if a.ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		a.group.Go(func() error {
			if err := a.ServeConn(conn); err != nil {
				a.logger.Warn("session setup failed", "remote", conn.RemoteAddr(), "error", err)
			}
			return nil
		})
	}
}

// Context is cancelled when the adapter is closed.
func (a *Adapter) Context() context.Context {
	return a.ctx
}
