// Package bridge implements transport.Adapter by carrying L2CAP-like
// channels between two hosts over an ordinary network connection.
//
// Every network connection carries one yamux session; every channel is one
// yamux stream on it. Either side may open streams, so one TCP or WebSocket
// connection serves channels initiated from both ends.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/yamux"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/risa-org/avct/transport"
)

var (
	// ErrUnknownPeer is returned by Connect for a peer with no route.
	ErrUnknownPeer = errors.New("no route to peer")
	// ErrUnknownChannel is returned for a channel id the adapter does not know.
	ErrUnknownChannel = errors.New("unknown channel")
	// ErrNotOpen is returned by Send before the channel is connected.
	ErrNotOpen = errors.New("channel not open")
	// ErrCongested is returned by Send when the channel's queue is full.
	ErrCongested = transport.ErrCongested
)

const (
	firstCID         = 0x0040
	DefaultSendQueue = 64
)

// Config configures an Adapter.
type Config struct {
	// Local is the address announced to peers as the source of our channels.
	Local transport.Address
	// Peers maps peer addresses to dial targets: host:port for the TCP
	// dialer, a ws:// URL for the WebSocket dialer.
	Peers  map[transport.Address]string
	Dialer Dialer

	// Executor delivers handler calls onto the owner's serialized context.
	// Nil calls handlers directly from the adapter's goroutines.
	Executor transport.Executor

	// MinSecurity rejects inbound channels asking for less.
	MinSecurity transport.SecurityLevel
	SendQueue   int

	Logger hclog.Logger
}

// Adapter is a transport.Adapter over yamux sessions.
type Adapter struct {
	cfg     Config
	logger  hclog.Logger
	exec    transport.Executor
	yamux   *yamux.Config
	nextCID *atomic.Uint32

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	mu        sync.Mutex
	closed    bool
	handlers  map[transport.PSM]transport.Handlers
	routes    map[transport.Address]*yamux.Session
	sessions  map[*yamux.Session]struct{}
	channels  map[transport.ChannelID]*stream
	listeners []net.Listener
}

var _ transport.Adapter = (*Adapter)(nil)

// New creates an adapter. It does nothing on the network until Connect,
// Serve, ServeConn or Handler is used.
func New(cfg Config) *Adapter {
	logger := cfg.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	logger = logger.Named("bridge")
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = DefaultSendQueue
	}
	exec := cfg.Executor
	if exec == nil {
		exec = func(fn func()) { fn() }
	}

	conf := yamux.DefaultConfig()
	conf.LogOutput = logger.Named("yamux").StandardWriter(&hclog.StandardLoggerOptions{InferLevels: true})

	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)
	return &Adapter{
		cfg:      cfg,
		logger:   logger,
		exec:     exec,
		yamux:    conf,
		nextCID:  atomic.NewUint32(firstCID - 1),
		ctx:      ctx,
		cancel:   cancel,
		group:    group,
		handlers: make(map[transport.PSM]transport.Handlers),
		routes:   make(map[transport.Address]*yamux.Session),
		sessions: make(map[*yamux.Session]struct{}),
		channels: make(map[transport.ChannelID]*stream),
	}
}

// Register routes inbound streams for psm to h.
func (a *Adapter) Register(psm transport.PSM, h transport.Handlers) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return transport.ErrTransportClosed
	}
	if _, ok := a.handlers[psm]; ok {
		return fmt.Errorf("psm %s already registered", psm)
	}
	a.handlers[psm] = h
	return nil
}

// Deregister stops accepting streams for psm. Open channels are unaffected.
func (a *Adapter) Deregister(psm transport.PSM) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.handlers[psm]; !ok {
		return fmt.Errorf("psm %s not registered", psm)
	}
	delete(a.handlers, psm)
	return nil
}

// Connect starts opening a channel to peer and returns its id right away.
// The outcome is reported through OnConnectConfirmation of the handlers
// registered for psm.
func (a *Adapter) Connect(psm transport.PSM, peer transport.Address, sec transport.SecurityLevel) (transport.ChannelID, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return 0, transport.ErrTransportClosed
	}
	h, ok := a.handlers[psm]
	if !ok {
		return 0, fmt.Errorf("psm %s not registered", psm)
	}
	if _, ok := a.cfg.Peers[peer]; !ok && a.routes[peer] == nil {
		return 0, fmt.Errorf("%w: %s", ErrUnknownPeer, peer)
	}

	s := newStream(a.allocCID(), psm, peer, h, a.cfg.SendQueue)
	a.channels[s.cid] = s
	a.group.Go(func() error {
		a.open(s, sec)
		return nil
	})
	return s.cid, nil
}

// Disconnect closes a channel. An open channel is reported closed through
// OnDisconnectIndication once the peer has acknowledged; a channel that is
// still being opened is dropped silently.
func (a *Adapter) Disconnect(cid transport.ChannelID) error {
	s := a.lookup(cid)
	if s == nil {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, cid)
	}
	if s.abortPending() {
		a.forget(s)
		s.close()
		return nil
	}
	s.close()
	return nil
}

// Send queues data for the channel without blocking.
func (a *Adapter) Send(cid transport.ChannelID, data []byte) error {
	s := a.lookup(cid)
	if s == nil {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, cid)
	}
	if !s.isOpen() {
		return fmt.Errorf("%w: %s", ErrNotOpen, cid)
	}
	if len(data) > MaxFrame {
		return fmt.Errorf("%w: %d bytes", errFrameTooLarge, len(data))
	}

	buf := append([]byte(nil), data...)
	select {
	case <-s.done:
		return transport.ErrTransportClosed
	default:
	}
	select {
	case s.out <- buf:
		return nil
	default:
	}
	// the caller learns about congestion from the error; writeLoop
	// reports its end
	s.setCongested(true)
	return fmt.Errorf("%w: %s", ErrCongested, cid)
}

// Close shuts down listeners, sessions and channels and waits for the
// adapter's goroutines. No handler is called for channels closed here.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	listeners := a.listeners
	sessions := make([]*yamux.Session, 0, len(a.sessions))
	for sess := range a.sessions {
		sessions = append(sessions, sess)
	}
	streams := make([]*stream, 0, len(a.channels))
	for _, s := range a.channels {
		streams = append(streams, s)
	}
	a.channels = make(map[transport.ChannelID]*stream)
	a.mu.Unlock()

	a.cancel()

	var result *multierror.Error
	for _, l := range listeners {
		if err := l.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			result = multierror.Append(result, fmt.Errorf("close listener %s: %w", l.Addr(), err))
		}
	}
	for _, s := range streams {
		s.abortPending()
		s.close()
	}
	for _, sess := range sessions {
		if err := sess.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close session: %w", err))
		}
	}

	if err := a.group.Wait(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
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

func (a *Adapter) lookup(cid transport.ChannelID) *stream {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.channels[cid]
}

func (a *Adapter) forget(s *stream) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.channels[s.cid] == s {
		delete(a.channels, s.cid)
	}
}
