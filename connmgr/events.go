package connmgr

import (
	"fmt"

	"github.com/armon/go-metrics"
	"github.com/risa-org/avct/channel"
	"github.com/risa-org/avct/frame"
	"github.com/risa-org/avct/transport"
)

// psmHandlers is the handler table registered for one PSM. Channel ids are
// only unique per PSM, so every event is resolved together with the kind.
type psmHandlers struct {
	m    *Manager
	kind channel.Kind
}

func (p psmHandlers) OnConnectIndication(peer transport.Address, cid transport.ChannelID, _ transport.PSM) bool {
	return p.m.onConnectIndication(p.kind, peer, cid)
}

func (p psmHandlers) OnConnectConfirmation(cid transport.ChannelID, result transport.Result) {
	p.m.onConnectConfirmation(p.kind, cid, result)
}

func (p psmHandlers) OnDisconnectIndication(cid transport.ChannelID) {
	p.m.onDisconnectIndication(p.kind, cid)
}

func (p psmHandlers) OnCongestion(cid transport.ChannelID, congested bool) {
	p.m.onCongestion(p.kind, cid, congested)
}

func (p psmHandlers) OnData(cid transport.ChannelID, data []byte) {
	p.m.onData(p.kind, cid, data)
}

func (m *Manager) onConnectIndication(kind channel.Kind, peer transport.Address, cid transport.ChannelID) bool {
	h, rec, err := m.records.LookupPeer(peer)
	created := false
	if err != nil {
		if !m.cfg.AcceptUnknownPeers {
			m.rejected(kind, peer, cid, ReasonUnknownPeer)
			return false
		}
		h, err = m.records.Alloc(peer, func(h Handle) *Record {
			return newRecord(h, peer, Acceptor, m.cfg.DefaultProfileID, m.cfg.DefaultControl, m.cfg.DefaultMessage)
		})
		if err != nil {
			m.rejected(kind, peer, cid, ReasonNoResources)
			return false
		}
		rec, _ = m.records.Lookup(h)
		created = true
		m.logger.Debug("connection created by peer", "handle", h, "peer", peer)
		metrics.IncrCounter([]string{"avct", "connection", "created"}, 1)
		m.gauge()
	}

	// browse may be indicated before, or without, a local CreateBrowse
	if kind == channel.Browse && rec.Browse == nil {
		rec.Browse = channel.New(channel.Browse)
	}
	st := rec.channel(kind)

	adm := m.admit(st)
	if !adm.accept {
		m.rejected(kind, peer, cid, adm.reason)
		if created {
			m.records.Free(h)
			m.gauge()
		}
		return false
	}
	if adm.replace {
		m.logger.Debug("connect collision, adopting remote channel", "handle", h, "channel", kind, "cid", cid)
		if err := m.drop(st); err != nil {
			m.logger.Debug("abandoning local attempt failed", "handle", h, "error", err)
		}
	}

	st.Transition(channel.Connecting)
	st.Bind(cid)
	m.bindings[bindingKey{kind, cid}] = binding{handle: h, kind: kind, origin: remote}
	return true
}

func (m *Manager) rejected(kind channel.Kind, peer transport.Address, cid transport.ChannelID, reason string) {
	m.logger.Debug("rejecting inbound connect", "channel", kind, "peer", peer, "cid", cid, "reason", reason)
	metrics.IncrCounterWithLabels([]string{"avct", "connect", "rejected"}, 1,
		[]metrics.Label{{Name: "reason", Value: reason}})
}

func (m *Manager) onConnectConfirmation(kind channel.Kind, cid transport.ChannelID, result transport.Result) {
	rec, st, b, ok := m.resolve(kind, cid)
	if !ok {
		m.logger.Trace("confirmation for unknown channel", "channel", kind, "cid", cid, "result", result)
		return
	}
	if st.Lifecycle != channel.Connecting {
		m.violation(rec, st, fmt.Sprintf("connect confirmation in state %s", st.Lifecycle))
		return
	}

	ev := EventConnectConfirm
	if b.origin == remote {
		ev = EventConnectIndication
	}
	if result == transport.ResultSuccess {
		st.Transition(channel.Connected)
	} else {
		delete(m.bindings, bindingKey{kind, cid})
		st.Transition(channel.Idle)
	}
	m.logger.Debug("connect complete", "handle", rec.Handle, "channel", st.Kind, "cid", cid, "result", result)
	m.notify(rec, ev.on(st.Kind), result)
}

func (m *Manager) onDisconnectIndication(kind channel.Kind, cid transport.ChannelID) {
	rec, st, b, ok := m.resolve(kind, cid)
	if !ok {
		m.logger.Trace("disconnect for unknown channel", "channel", kind, "cid", cid)
		return
	}
	delete(m.bindings, bindingKey{kind, cid})

	ev := disconnectEvent(st)
	st.Reset()
	if b.kind == channel.Control {
		rec.reassembly = frame.Reassembler{}
	}

	// browse is unusable without control, whether or not the transport
	// tells us about it separately
	var browseEv Event
	cascade := b.kind == channel.Control && rec.Browse != nil && !rec.Browse.IsIdle()
	if cascade {
		browseEv = disconnectEvent(rec.Browse)
		if err := m.drop(rec.Browse); err != nil {
			m.logger.Debug("browse teardown after control loss failed", "handle", rec.Handle, "error", err)
		}
	}

	m.logger.Debug("disconnected", "handle", rec.Handle, "channel", b.kind, "cid", cid, "event", ev.on(b.kind))
	m.notify(rec, ev.on(b.kind), transport.ResultSuccess)
	if cascade {
		m.notify(rec, browseEv.on(channel.Browse), transport.ResultSuccess)
	}
}

func disconnectEvent(st *channel.State) Event {
	if st.Lifecycle == channel.Disconnecting {
		return EventDisconnectConfirm
	}
	return EventDisconnectIndication
}

func (m *Manager) onCongestion(kind channel.Kind, cid transport.ChannelID, congested bool) {
	rec, st, _, ok := m.resolve(kind, cid)
	if !ok || st.Congested == congested {
		return
	}
	st.Congested = congested
	ev := EventUncongested
	if congested {
		ev = EventCongested
	}
	m.notify(rec, ev.on(st.Kind), transport.ResultSuccess)
}

func (m *Manager) onData(kind channel.Kind, cid transport.ChannelID, data []byte) {
	rec, st, _, ok := m.resolve(kind, cid)
	if !ok {
		m.violation(nil, nil, fmt.Sprintf("data on unknown %s channel %s", kind, cid))
		return
	}
	if st.Lifecycle != channel.Connected {
		m.violation(rec, st, fmt.Sprintf("data in state %s", st.Lifecycle))
		return
	}
	if st.Kind == channel.Browse && rec.Control.Lifecycle != channel.Connected {
		m.violation(rec, st, "browse data without a connected control channel")
		return
	}

	pkt, err := frame.Decode(data)
	if err != nil {
		m.violation(rec, st, err.Error())
		return
	}

	var msg frame.Message
	if st.Kind == channel.Control {
		var done bool
		msg, done, err = rec.reassembly.Add(pkt)
		if err != nil {
			m.violation(rec, st, err.Error())
			return
		}
		if !done {
			return
		}
	} else {
		if pkt.PacketType != frame.Single {
			m.violation(rec, st, fmt.Sprintf("%s packet on browse channel", pkt.PacketType))
			return
		}
		msg = frame.Message{Header: pkt.Header, Body: append([]byte(nil), pkt.Body...)}
	}

	// profile id zero accepts any profile
	if msg.Type == frame.Command && rec.ProfileID != 0 && msg.ProfileID != rec.ProfileID {
		m.logger.Debug("command for unregistered profile", "handle", rec.Handle, "profile", msg.ProfileID)
		if err := m.adapter.Send(cid, frame.Reject(msg.Header)); err != nil {
			m.logger.Warn("failed to reject command", "handle", rec.Handle, "error", err)
		}
		return
	}
	if msg.Type == frame.Response {
		st.Labels().Release(msg.Label)
	}

	if rec.message != nil {
		rec.message(rec.Handle, Message{
			Channel:   st.Kind,
			Label:     msg.Label,
			Type:      msg.Type,
			IPID:      msg.IPID,
			ProfileID: msg.ProfileID,
			Body:      msg.Body,
		})
	}
}

// resolve maps a transport channel to its record and state. Bindings whose
// record or state has disappeared are cleaned up on the way.
func (m *Manager) resolve(kind channel.Kind, cid transport.ChannelID) (*Record, *channel.State, binding, bool) {
	key := bindingKey{kind, cid}
	b, ok := m.bindings[key]
	if !ok {
		return nil, nil, b, false
	}
	rec, err := m.records.Lookup(b.handle)
	if err != nil {
		delete(m.bindings, key)
		return nil, nil, b, false
	}
	st := rec.channel(b.kind)
	if st == nil {
		delete(m.bindings, key)
		return nil, nil, b, false
	}
	if bound, has := st.ChannelID(); !has || bound != cid {
		delete(m.bindings, key)
		return nil, nil, b, false
	}
	return rec, st, b, true
}

// violation counts and reports a protocol violation. The offending data is
// dropped; the connection stays up.
func (m *Manager) violation(rec *Record, st *channel.State, reason string) {
	m.violations++
	kind := "unknown"
	if st != nil {
		st.Violations++
		kind = st.Kind.String()
	}
	err := fmt.Errorf("%w: %s", ErrProtocolViolation, reason)
	if rec != nil {
		m.logger.Warn("dropping packet", "handle", rec.Handle, "channel", kind, "error", err)
	} else {
		m.logger.Warn("dropping packet", "error", err)
	}
	metrics.IncrCounterWithLabels([]string{"avct", "protocol_violation"}, 1,
		[]metrics.Label{{Name: "channel", Value: kind}})
}

func (m *Manager) notify(rec *Record, ev Event, result transport.Result) {
	if rec.control != nil {
		rec.control(rec.Handle, ev, result, rec.Peer)
	}
}
