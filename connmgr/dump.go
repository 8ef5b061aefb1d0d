package connmgr

import (
	"fmt"
	"io"

	"github.com/risa-org/avct/channel"
	"github.com/risa-org/avct/transport"
)

// ChannelStatus is a read-only snapshot of one channel.
type ChannelStatus struct {
	Kind       channel.Kind
	Lifecycle  channel.Lifecycle
	ChannelID  transport.ChannelID
	HasChannel bool
	Pending    int
	Congested  bool
	Violations uint64
}

// Status is a read-only snapshot of one record.
type Status struct {
	Handle    Handle
	Peer      transport.Address
	Role      Role
	ProfileID uint16
	Control   ChannelStatus
	Browse    *ChannelStatus // nil when the record has no browse channel
}

func channelStatus(st *channel.State) ChannelStatus {
	cid, ok := st.ChannelID()
	return ChannelStatus{
		Kind:       st.Kind,
		Lifecycle:  st.Lifecycle,
		ChannelID:  cid,
		HasChannel: ok,
		Pending:    st.Labels().Len(),
		Congested:  st.Congested,
		Violations: st.Violations,
	}
}

func statusOf(rec *Record) Status {
	s := Status{
		Handle:    rec.Handle,
		Peer:      rec.Peer,
		Role:      rec.Role,
		ProfileID: rec.ProfileID,
		Control:   channelStatus(rec.Control),
	}
	if rec.Browse != nil {
		b := channelStatus(rec.Browse)
		s.Browse = &b
	}
	return s
}

// Status returns a snapshot of the record behind h.
func (m *Manager) Status(h Handle) (Status, error) {
	rec, err := m.records.Lookup(h)
	if err != nil {
		return Status{}, err
	}
	return statusOf(rec), nil
}

// Statuses returns snapshots of every record in handle order.
func (m *Manager) Statuses() []Status {
	out := make([]Status, 0, m.records.Len())
	m.records.Range(func(_ Handle, rec *Record) bool {
		out = append(out, statusOf(rec))
		return true
	})
	return out
}

// Dump writes a human-readable view of the connection table to w.
// Write errors are ignored; Dump never changes any state.
func (m *Manager) Dump(w io.Writer) {
	fmt.Fprintf(w, "AVCTP registered=%t control_psm=%s browse_psm=%s records=%d/%d violations=%d\n",
		m.registered, m.cfg.ControlPSM, m.cfg.BrowsePSM, m.records.Len(), m.records.Cap(), m.violations)
	for _, s := range m.Statuses() {
		fmt.Fprintf(w, "  handle=%d peer=%s role=%s profile=0x%04x\n", s.Handle, s.Peer, s.Role, s.ProfileID)
		dumpChannel(w, &s.Control)
		if s.Browse != nil {
			dumpChannel(w, s.Browse)
		}
	}
}

func dumpChannel(w io.Writer, c *ChannelStatus) {
	cid := "-"
	if c.HasChannel {
		cid = c.ChannelID.String()
	}
	fmt.Fprintf(w, "    %-7s state=%s cid=%s pending=%d congested=%t violations=%d\n",
		c.Kind, c.Lifecycle, cid, c.Pending, c.Congested, c.Violations)
}
