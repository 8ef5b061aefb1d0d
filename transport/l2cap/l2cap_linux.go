//go:build linux

package l2cap

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/risa-org/avct/transport"
)

// Socket options from <bluetooth/bluetooth.h> that x/sys/unix does not carry.
const (
	btSecurity = 4

	btSecurityLow    = 1
	btSecurityMedium = 2
	btSecurityHigh   = 3
)

// congestionPoll bounds how long the writability poll holds writeMu.
const congestionPoll = 20 * time.Millisecond

// Adapter is a transport.Adapter over kernel L2CAP sockets.
type Adapter struct {
	cfg     Config
	logger  hclog.Logger
	nextCID *atomic.Uint32

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	mu        sync.Mutex
	closed    bool
	listeners map[transport.PSM]*listener
	channels  map[transport.ChannelID]*channel
}

type listener struct {
	fd int
	h  transport.Handlers
}

// channel is one L2CAP socket. fd is -1 until a connect has a socket and
// again once it is closed.
type channel struct {
	cid  transport.ChannelID
	psm  transport.PSM
	peer transport.Address
	h    transport.Handlers

	mu        sync.Mutex
	fd        int
	open      bool
	aborted   bool
	congested bool

	// writeMu is held by anything that uses fd outside the goroutine owning
	// the socket; closed is set under it before the descriptor is released.
	writeMu sync.Mutex
	closed  bool
}

var _ transport.Adapter = (*Adapter)(nil)

// New creates an adapter. Sockets are only created by Register and Connect.
func New(cfg Config) *Adapter {
	cfg.defaults()
	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)
	return &Adapter{
		cfg:       cfg,
		logger:    cfg.Logger.Named("l2cap"),
		nextCID:   atomic.NewUint32(firstCID - 1),
		ctx:       ctx,
		cancel:    cancel,
		group:     group,
		listeners: make(map[transport.PSM]*listener),
		channels:  make(map[transport.ChannelID]*channel),
	}
}

// Register listens on psm and routes inbound channels to h.
func (a *Adapter) Register(psm transport.PSM, h transport.Handlers) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return transport.ErrTransportClosed
	}
	if _, ok := a.listeners[psm]; ok {
		return fmt.Errorf("psm %s already registered", psm)
	}

	fd, err := socket()
	if err != nil {
		return err
	}
	sa := &unix.SockaddrL2{PSM: uint16(psm), Addr: a.cfg.Local.Reversed()}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return fmt.Errorf("bind psm %s: %w", psm, err)
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		unix.Close(fd)
		return fmt.Errorf("listen psm %s: %w", psm, err)
	}

	l := &listener{fd: fd, h: h}
	a.listeners[psm] = l
	a.group.Go(func() error {
		a.acceptLoop(psm, l)
		return nil
	})
	a.logger.Info("listening", "psm", psm)
	return nil
}

// Deregister closes the listener for psm. Open channels are unaffected.
func (a *Adapter) Deregister(psm transport.PSM) error {
	a.mu.Lock()
	l, ok := a.listeners[psm]
	delete(a.listeners, psm)
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("psm %s not registered", psm)
	}
	return closeSocket(l.fd)
}

// Connect starts a connection to peer and returns its channel id at once;
// the kernel's answer arrives through OnConnectConfirmation.
func (a *Adapter) Connect(psm transport.PSM, peer transport.Address, sec transport.SecurityLevel) (transport.ChannelID, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return 0, transport.ErrTransportClosed
	}
	l, ok := a.listeners[psm]
	if !ok {
		return 0, fmt.Errorf("psm %s not registered", psm)
	}

	ch := &channel{cid: a.allocCID(), psm: psm, peer: peer, h: l.h, fd: -1}
	a.channels[ch.cid] = ch
	a.group.Go(func() error {
		a.connect(ch, sec)
		return nil
	})
	return ch.cid, nil
}

// Disconnect shuts a channel down. An open channel reports
// OnDisconnectIndication when its socket is gone; a pending one is
// abandoned without further events.
func (a *Adapter) Disconnect(cid transport.ChannelID) error {
	ch := a.lookup(cid)
	if ch == nil {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, cid)
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if !ch.open {
		ch.aborted = true
	}
	// wakes the blocked read or connect
	ch.shutdown()
	return nil
}

// Send writes one SDU without blocking. Sequential-packet sockets keep
// message boundaries. A full socket buffer returns transport.ErrCongested;
// OnCongestion(cid, false) follows once the socket takes data again.
func (a *Adapter) Send(cid transport.ChannelID, data []byte) error {
	ch := a.lookup(cid)
	if ch == nil {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, cid)
	}
	ch.mu.Lock()
	open, congested := ch.open, ch.congested
	ch.mu.Unlock()
	if !open {
		return fmt.Errorf("channel %s not open", cid)
	}
	if congested {
		return fmt.Errorf("%w: %s", transport.ErrCongested, cid)
	}

	ch.writeMu.Lock()
	defer ch.writeMu.Unlock()
	if ch.closed {
		return fmt.Errorf("channel %s: %w", cid, transport.ErrTransportClosed)
	}
	err := unix.Sendto(ch.fd, data, unix.MSG_DONTWAIT|unix.MSG_NOSIGNAL, nil)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, unix.EAGAIN):
		ch.mu.Lock()
		ch.congested = true
		ch.mu.Unlock()
		a.spawn(func() { a.waitWritable(ch) })
		return fmt.Errorf("%w: %s", transport.ErrCongested, cid)
	default:
		return fmt.Errorf("write channel %s: %w", cid, err)
	}
}

// Close shuts down every listener and channel and waits for the adapter's
// goroutines. No handler is called for channels closed here.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	listeners := a.listeners
	channels := a.channels
	a.listeners = make(map[transport.PSM]*listener)
	a.channels = make(map[transport.ChannelID]*channel)
	a.mu.Unlock()

	a.cancel()

	var result *multierror.Error
	for psm, l := range listeners {
		if err := closeSocket(l.fd); err != nil {
			result = multierror.Append(result, fmt.Errorf("close psm %s: %w", psm, err))
		}
	}
	for _, ch := range channels {
		ch.mu.Lock()
		ch.aborted = !ch.open
		ch.shutdown()
		ch.mu.Unlock()
	}
	if err := a.group.Wait(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

func (a *Adapter) acceptLoop(psm transport.PSM, l *listener) {
	defer unix.Close(l.fd)
	for {
		nfd, sa, err := unix.Accept4(l.fd, unix.SOCK_CLOEXEC)
		if err != nil {
			if errors.Is(err, unix.EINTR) || errors.Is(err, unix.ECONNABORTED) {
				continue
			}
			if a.ctx.Err() == nil {
				a.logger.Debug("accept loop ended", "psm", psm, "error", err)
			}
			return
		}
		l2, ok := sa.(*unix.SockaddrL2)
		if !ok {
			unix.Close(nfd)
			continue
		}

		a.mu.Lock()
		if a.closed {
			a.mu.Unlock()
			unix.Close(nfd)
			return
		}
		ch := &channel{
			cid:  a.allocCID(),
			psm:  psm,
			peer: transport.AddressFromReversed(l2.Addr),
			h:    l.h,
			fd:   nfd,
		}
		a.channels[ch.cid] = ch
		a.mu.Unlock()

		a.group.Go(func() error {
			a.accept(ch)
			return nil
		})
	}
}

// accept asks the owner about an inbound channel the kernel has already
// completed. A rejected channel is simply closed.
func (a *Adapter) accept(ch *channel) {
	decision := make(chan bool, 1)
	a.cfg.Executor(func() { decision <- ch.h.OnConnectIndication(ch.peer, ch.cid, ch.psm) })

	var accepted bool
	select {
	case accepted = <-decision:
	case <-a.ctx.Done():
	}
	if !accepted || !ch.markOpen() {
		a.forget(ch)
		ch.closeFD()
		return
	}
	a.logger.Debug("channel accepted", "cid", ch.cid, "psm", ch.psm, "peer", ch.peer)
	a.cfg.Executor(func() { ch.h.OnConnectConfirmation(ch.cid, transport.ResultSuccess) })
	a.readLoop(ch)
}

func (a *Adapter) connect(ch *channel, sec transport.SecurityLevel) {
	fd, err := socket()
	if err != nil {
		a.fail(ch, transport.ResultNoResources, err)
		return
	}
	ch.mu.Lock()
	if ch.aborted {
		ch.mu.Unlock()
		unix.Close(fd)
		a.forget(ch)
		return
	}
	ch.fd = fd
	ch.mu.Unlock()

	if err := setSecurity(fd, sec); err != nil {
		a.fail(ch, transport.ResultSecurity, err)
		return
	}
	if err := unix.Bind(fd, &unix.SockaddrL2{Addr: a.cfg.Local.Reversed()}); err != nil {
		a.fail(ch, transport.ResultFailed, fmt.Errorf("bind: %w", err))
		return
	}
	if err := unix.Connect(fd, &unix.SockaddrL2{PSM: uint16(ch.psm), Addr: ch.peer.Reversed()}); err != nil {
		a.fail(ch, resultFor(err), fmt.Errorf("connect: %w", err))
		return
	}
	if !ch.markOpen() {
		a.forget(ch)
		ch.closeFD()
		return
	}

	a.logger.Debug("channel open", "cid", ch.cid, "psm", ch.psm, "peer", ch.peer)
	a.cfg.Executor(func() { ch.h.OnConnectConfirmation(ch.cid, transport.ResultSuccess) })
	a.readLoop(ch)
}

func (a *Adapter) fail(ch *channel, result transport.Result, err error) {
	a.forget(ch)
	ch.closeFD()
	ch.mu.Lock()
	aborted := ch.aborted
	ch.mu.Unlock()
	a.logger.Debug("channel failed", "cid", ch.cid, "psm", ch.psm, "peer", ch.peer, "error", err)
	if aborted || a.ctx.Err() != nil {
		return
	}
	a.cfg.Executor(func() { ch.h.OnConnectConfirmation(ch.cid, result) })
}

func (a *Adapter) readLoop(ch *channel) {
	ch.mu.Lock()
	fd := ch.fd
	ch.mu.Unlock()

	buf := make([]byte, a.cfg.ReadBuffer)
	for {
		n, err := unix.Read(fd, buf)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil || n == 0 {
			if err != nil {
				a.logger.Debug("channel read ended", "cid", ch.cid, "error", err)
			}
			break
		}
		data := append([]byte(nil), buf[:n]...)
		a.cfg.Executor(func() { ch.h.OnData(ch.cid, data) })
	}

	a.forget(ch)
	ch.closeFD()
	if a.ctx.Err() != nil {
		return
	}
	a.cfg.Executor(func() { ch.h.OnDisconnectIndication(ch.cid) })
}

// waitWritable reports the end of congestion once the socket accepts data
// again. It gives up when the channel or the adapter goes away.
func (a *Adapter) waitWritable(ch *channel) {
	for a.ctx.Err() == nil {
		ready, gone := ch.pollWritable(congestionPoll)
		if gone {
			return
		}
		if !ready {
			continue
		}
		ch.mu.Lock()
		ch.congested = false
		ch.mu.Unlock()
		a.cfg.Executor(func() { ch.h.OnCongestion(ch.cid, false) })
		return
	}
}

func (ch *channel) pollWritable(timeout time.Duration) (ready, gone bool) {
	ch.writeMu.Lock()
	defer ch.writeMu.Unlock()
	if ch.closed {
		return false, true
	}
	fds := []unix.PollFd{{Fd: int32(ch.fd), Events: unix.POLLOUT}}
	n, err := unix.Poll(fds, int(timeout/time.Millisecond))
	if err != nil {
		return false, !errors.Is(err, unix.EINTR)
	}
	if n > 0 && fds[0].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
		return false, true
	}
	return n > 0 && fds[0].Revents&unix.POLLOUT != 0, false
}

// closeFD releases the socket once. Disconnect and Close stop touching it
// as soon as fd is -1.
func (ch *channel) closeFD() {
	ch.writeMu.Lock()
	defer ch.writeMu.Unlock()
	ch.mu.Lock()
	fd := ch.fd
	ch.fd = -1
	ch.mu.Unlock()
	if ch.closed {
		return
	}
	ch.closed = true
	if fd >= 0 {
		unix.Close(fd)
	}
}

// shutdown wakes whatever is blocked on the socket. Caller holds ch.mu,
// which keeps closeFD from releasing the descriptor underneath.
func (ch *channel) shutdown() {
	if ch.fd >= 0 {
		unix.Shutdown(ch.fd, unix.SHUT_RDWR)
	}
}

func (ch *channel) markOpen() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.aborted {
		return false
	}
	ch.open = true
	return true
}

// allocCID returns an unused channel id. Caller holds a.mu.
func (a *Adapter) allocCID() transport.ChannelID {
	for {
		cid := transport.ChannelID(a.nextCID.Inc())
		if cid < firstCID {
			continue
		}
		if _, used := a.channels[cid]; !used {
			return cid
		}
	}
}

// spawn runs fn on the adapter's group unless the adapter is closed.
func (a *Adapter) spawn(fn func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.group.Go(func() error {
		fn()
		return nil
	})
}

func (a *Adapter) lookup(cid transport.ChannelID) *channel {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.channels[cid]
}

func (a *Adapter) forget(ch *channel) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.channels[ch.cid] == ch {
		delete(a.channels, ch.cid)
	}
}

func socket() (int, error) {
	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, unix.BTPROTO_L2CAP)
	if err != nil {
		return -1, fmt.Errorf("l2cap socket: %w", err)
	}
	return fd, nil
}

// closeSocket wakes a blocked accept and releases the listener. The accept
// loop closes the descriptor itself.
func closeSocket(fd int) error {
	if err := unix.Shutdown(fd, unix.SHUT_RDWR); err != nil && !errors.Is(err, unix.ENOTCONN) {
		return err
	}
	return nil
}

func setSecurity(fd int, sec transport.SecurityLevel) error {
	level := securityOption(sec)
	if level == 0 {
		return nil
	}
	// struct bt_security { uint8_t level; uint8_t key_size; }
	if err := unix.SetsockoptString(fd, unix.SOL_BLUETOOTH, btSecurity, string([]byte{level, 0})); err != nil {
		return fmt.Errorf("set security %d: %w", level, err)
	}
	return nil
}

func securityOption(sec transport.SecurityLevel) byte {
	switch sec {
	case transport.SecurityLow:
		return btSecurityLow
	case transport.SecurityMedium:
		return btSecurityMedium
	case transport.SecurityHigh:
		return btSecurityHigh
	default:
		return 0
	}
}

// resultFor maps a connect errno to the result reported to the owner.
func resultFor(err error) transport.Result {
	switch {
	case errors.Is(err, unix.ECONNREFUSED):
		return transport.ResultRejected
	case errors.Is(err, unix.EACCES), errors.Is(err, unix.EPERM):
		return transport.ResultSecurity
	case errors.Is(err, unix.ETIMEDOUT), errors.Is(err, unix.EHOSTDOWN), errors.Is(err, unix.EHOSTUNREACH):
		return transport.ResultTimeout
	case errors.Is(err, unix.ENOMEM), errors.Is(err, unix.ENOBUFS), errors.Is(err, unix.EMFILE):
		return transport.ResultNoResources
	default:
		return transport.ResultFailed
	}
}
