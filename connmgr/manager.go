// Package connmgr is the connection manager: it binds the control and
// browse PSMs to a transport, owns the connection table, runs the
// per-channel state machines and routes transport events to records.
//
// Thread-safety: none of the methods are safe for concurrent use. Every
// application call and every transport event must run on one serialized
// context (see package loop). No method blocks.
package connmgr

import (
	"fmt"

	"github.com/armon/go-metrics"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"github.com/risa-org/avct/channel"
	"github.com/risa-org/avct/table"
	"github.com/risa-org/avct/transport"
)

// Config controls a Manager. The zero value is usable: default PSMs,
// default capacity, acceptor behaviour off, no fragmentation.
type Config struct {
	ControlPSM transport.PSM
	BrowsePSM  transport.PSM
	Security   transport.SecurityLevel
	Capacity   int

	// AcceptUnknownPeers lets a connect indication from a peer without a
	// record create one, in the Acceptor role, wired to the defaults below.
	AcceptUnknownPeers bool
	DefaultProfileID   uint16
	DefaultControl     ControlFunc
	DefaultMessage     MessageFunc

	Collision CollisionPolicy

	// ControlMTU splits outgoing control messages into fragments; 0 never
	// fragments. BrowseMTU rejects browse messages that do not fit; 0 means
	// no limit.
	ControlMTU int
	BrowseMTU  int

	Logger hclog.Logger
}

// Manager is the public face of the protocol layer.
type Manager struct {
	adapter    transport.Adapter
	cfg        Config
	logger     hclog.Logger
	registered bool
	records    *table.Table[*Record]
	bindings   map[bindingKey]binding
	violations uint64
}

// New creates a manager over adapter. Nothing is bound until Register.
func New(adapter transport.Adapter, cfg Config) *Manager {
	if cfg.ControlPSM == 0 {
		cfg.ControlPSM = transport.PSMControl
	}
	if cfg.BrowsePSM == 0 {
		cfg.BrowsePSM = transport.PSMBrowse
	}
	logger := cfg.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Manager{
		adapter:  adapter,
		cfg:      cfg,
		logger:   logger.Named("avct"),
		records:  table.New[*Record](cfg.Capacity),
		bindings: make(map[bindingKey]binding),
	}
}

// Register binds the control and browse PSMs to the transport.
// From here on every inbound connect on either PSM is routed to m.
func (m *Manager) Register() error {
	if m.registered {
		return ErrAlreadyRegistered
	}
	if m.cfg.ControlPSM == m.cfg.BrowsePSM {
		return fmt.Errorf("control and browse both use psm %s", m.cfg.ControlPSM)
	}

	if err := m.adapter.Register(m.cfg.ControlPSM, psmHandlers{m: m, kind: channel.Control}); err != nil {
		return fmt.Errorf("register control psm %s: %w", m.cfg.ControlPSM, err)
	}
	if err := m.adapter.Register(m.cfg.BrowsePSM, psmHandlers{m: m, kind: channel.Browse}); err != nil {
		if derr := m.adapter.Deregister(m.cfg.ControlPSM); derr != nil {
			m.logger.Warn("failed to undo control registration", "error", derr)
		}
		return fmt.Errorf("register browse psm %s: %w", m.cfg.BrowsePSM, err)
	}

	m.registered = true
	m.logger.Info("registered", "control_psm", m.cfg.ControlPSM, "browse_psm", m.cfg.BrowsePSM)
	return nil
}

// Deregister unbinds both PSMs. Shutdown is unconditional: both PSMs are
// always unbound, remaining records are reported but do not stop it.
func (m *Manager) Deregister() error {
	if !m.registered {
		return ErrNotRegistered
	}
	if n := m.records.Len(); n > 0 {
		m.logger.Warn("deregistering with connections still allocated", "records", n)
		metrics.IncrCounter([]string{"avct", "deregister", "inconsistent"}, 1)
	}

	var result *multierror.Error
	for _, psm := range []transport.PSM{m.cfg.ControlPSM, m.cfg.BrowsePSM} {
		if err := m.adapter.Deregister(psm); err != nil {
			result = multierror.Append(result, fmt.Errorf("deregister psm %s: %w", psm, err))
		}
	}
	m.registered = false
	m.logger.Info("deregistered")
	return result.ErrorOrNil()
}

// Registered reports whether Register has succeeded and Deregister has
// not been called since.
func (m *Manager) Registered() bool {
	return m.registered
}

// CreateConnection allocates a record for peer. An Initiator immediately
// asks the transport to connect the control channel; an Acceptor waits
// for the peer. If the connect request cannot even be dispatched the
// record is not created and ErrNoResources is returned.
func (m *Manager) CreateConnection(peer transport.Address, role Role, profileID uint16, control ControlFunc, message MessageFunc) (Handle, error) {
	if !m.registered {
		return 0, ErrNotRegistered
	}
	if _, _, err := m.records.LookupPeer(peer); err == nil {
		return 0, fmt.Errorf("%w: %s", ErrDuplicatePeer, peer)
	}
	if m.records.Len() >= m.records.Cap() {
		return 0, ErrNoResources
	}

	var cid transport.ChannelID
	if role == Initiator {
		var err error
		cid, err = m.adapter.Connect(m.cfg.ControlPSM, peer, m.cfg.Security)
		if err != nil {
			return 0, fmt.Errorf("%w: connect %s: %w", ErrNoResources, peer, err)
		}
	}

	h, err := m.records.Alloc(peer, func(h Handle) *Record {
		return newRecord(h, peer, role, profileID, control, message)
	})
	if err != nil {
		if role == Initiator {
			m.disconnect(channel.Control, cid)
		}
		return 0, err
	}

	if role == Initiator {
		rec, _ := m.records.Lookup(h)
		rec.Control.Transition(channel.Connecting)
		rec.Control.Bind(cid)
		m.bindings[bindingKey{channel.Control, cid}] = binding{handle: h, kind: channel.Control, origin: local}
	}

	m.logger.Debug("connection created", "handle", h, "peer", peer, "role", role, "profile", hclog.Fmt("0x%04x", profileID))
	metrics.IncrCounter([]string{"avct", "connection", "created"}, 1)
	m.gauge()
	return h, nil
}

// CreateBrowse adds a browse channel to an existing record whose control
// channel is connecting or connected. An Initiator requests the browse
// transport connection right away. A browse channel that already exists
// and is not idle is left alone.
func (m *Manager) CreateBrowse(h Handle, role Role) error {
	rec, err := m.records.Lookup(h)
	if err != nil {
		return err
	}
	switch rec.Control.Lifecycle {
	case channel.Connecting, channel.Connected:
	default:
		return fmt.Errorf("%w: control channel is %s", ErrNotReady, rec.Control.Lifecycle)
	}

	if rec.Browse == nil {
		rec.Browse = channel.New(channel.Browse)
	}
	if !rec.Browse.IsIdle() || role != Initiator {
		return nil
	}

	cid, err := m.adapter.Connect(m.cfg.BrowsePSM, rec.Peer, m.cfg.Security)
	if err != nil {
		return fmt.Errorf("%w: browse connect %s: %w", ErrNoResources, rec.Peer, err)
	}
	rec.Browse.Transition(channel.Connecting)
	rec.Browse.Bind(cid)
	m.bindings[bindingKey{channel.Browse, cid}] = binding{handle: h, kind: channel.Browse, origin: local}
	return nil
}

// RemoveBrowse disconnects the browse channel, if any, and drops it.
func (m *Manager) RemoveBrowse(h Handle) error {
	rec, err := m.records.Lookup(h)
	if err != nil {
		return err
	}
	if rec.Browse == nil {
		return nil
	}
	if err := m.drop(rec.Browse); err != nil {
		m.logger.Warn("browse disconnect failed", "handle", h, "error", err)
	}
	rec.Browse = nil
	return nil
}

// RemoveConnection disconnects browse then control, detaches the record
// and frees the handle. It is valid in every state; events that arrive
// later for the old transport channels are ignored.
func (m *Manager) RemoveConnection(h Handle) error {
	rec, err := m.records.Lookup(h)
	if err != nil {
		return err
	}

	var result *multierror.Error
	if rec.Browse != nil {
		result = multierror.Append(result, m.drop(rec.Browse))
	}
	result = multierror.Append(result, m.drop(rec.Control))
	if err := result.ErrorOrNil(); err != nil {
		m.logger.Warn("transport disconnect failed during remove", "handle", h, "error", err)
	}

	rec.control = nil
	rec.message = nil
	m.records.Free(h)

	m.logger.Debug("connection removed", "handle", h, "peer", rec.Peer)
	metrics.IncrCounter([]string{"avct", "connection", "removed"}, 1)
	m.gauge()
	return nil
}

// Disconnect tears down both channels of a record but keeps the record,
// so it can be connected again. Connected channels move to Disconnecting
// and report EventDisconnectConfirm once the transport is done; channels
// still connecting are abandoned.
func (m *Manager) Disconnect(h Handle) error {
	rec, err := m.records.Lookup(h)
	if err != nil {
		return err
	}

	var result *multierror.Error
	if rec.Browse != nil {
		result = multierror.Append(result, m.close(rec.Browse))
	}
	result = multierror.Append(result, m.close(rec.Control))
	return result.ErrorOrNil()
}

// Lookup returns the handle of the record for peer.
func (m *Manager) Lookup(peer transport.Address) (Handle, error) {
	h, _, err := m.records.LookupPeer(peer)
	return h, err
}

// Len returns the number of allocated records.
func (m *Manager) Len() int {
	return m.records.Len()
}

// Violations returns the number of protocol violations seen so far.
func (m *Manager) Violations() uint64 {
	return m.violations
}

// close starts a local teardown of one channel.
func (m *Manager) close(st *channel.State) error {
	switch st.Lifecycle {
	case channel.Connected:
		cid, _ := st.ChannelID()
		if err := m.adapter.Disconnect(cid); err != nil {
			delete(m.bindings, bindingKey{st.Kind, cid})
			st.Reset()
			return fmt.Errorf("disconnect %s channel %s: %w", st.Kind, cid, err)
		}
		st.Transition(channel.Disconnecting)
	case channel.Connecting:
		return m.drop(st)
	}
	return nil
}

// drop forgets a channel immediately, asking the transport to disconnect
// it if one is bound and no disconnect is already in flight.
func (m *Manager) drop(st *channel.State) error {
	cid, ok := st.ChannelID()
	requested := st.Lifecycle == channel.Disconnecting
	st.Reset()
	if !ok {
		return nil
	}
	delete(m.bindings, bindingKey{st.Kind, cid})
	if requested {
		return nil
	}
	if err := m.adapter.Disconnect(cid); err != nil {
		return fmt.Errorf("disconnect %s channel %s: %w", st.Kind, cid, err)
	}
	return nil
}

// disconnect is drop for a channel that never made it into a record.
func (m *Manager) disconnect(kind channel.Kind, cid transport.ChannelID) {
	delete(m.bindings, bindingKey{kind, cid})
	if err := m.adapter.Disconnect(cid); err != nil {
		m.logger.Debug("disconnect failed", "cid", cid, "error", err)
	}
}

func (m *Manager) gauge() {
	metrics.SetGauge([]string{"avct", "records"}, float32(m.records.Len()))
}
