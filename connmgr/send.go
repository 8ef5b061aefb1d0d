package connmgr

import (
	"errors"
	"fmt"

	"github.com/risa-org/avct/channel"
	"github.com/risa-org/avct/frame"
	"github.com/risa-org/avct/label"
	"github.com/risa-org/avct/transport"
)

// SendCommand allocates a transaction label on the channel, frames body as
// a command and hands it to the transport. The label stays pending until
// the matching response arrives or ReleaseLabel is called; it is released
// straight away if the transport refuses the send.
func (m *Manager) SendCommand(h Handle, kind channel.Kind, body []byte) (uint8, error) {
	rec, st, cid, err := m.sendable(h, kind)
	if err != nil {
		return 0, err
	}

	l, err := st.Labels().Allocate()
	if err != nil {
		return 0, fmt.Errorf("handle %d %s: %w", h, kind, err)
	}

	hdr := frame.Header{Label: l, Type: frame.Command, ProfileID: rec.ProfileID}
	if err := m.transmit(cid, kind, hdr, body); err != nil {
		// do not keep a label for a message that never left
		st.Labels().Release(l)
		return 0, err
	}
	return l, nil
}

// SendResponse answers a command received with label l. Responses reuse
// the peer's label; nothing is allocated.
func (m *Manager) SendResponse(h Handle, kind channel.Kind, l uint8, body []byte) error {
	if l >= label.Space {
		return fmt.Errorf("label %d out of range", l)
	}
	rec, _, cid, err := m.sendable(h, kind)
	if err != nil {
		return err
	}
	hdr := frame.Header{Label: l, Type: frame.Response, ProfileID: rec.ProfileID}
	return m.transmit(cid, kind, hdr, body)
}

// ReleaseLabel gives up on a pending command, typically after the
// application's response timer fired. Releasing twice is harmless.
func (m *Manager) ReleaseLabel(h Handle, kind channel.Kind, l uint8) error {
	rec, err := m.records.Lookup(h)
	if err != nil {
		return err
	}
	st := rec.channel(kind)
	if st == nil {
		return fmt.Errorf("%w: no %s channel", ErrNotReady, kind)
	}
	st.Labels().Release(l)
	return nil
}

// sendable checks that the channel can carry a message right now.
func (m *Manager) sendable(h Handle, kind channel.Kind) (*Record, *channel.State, transport.ChannelID, error) {
	rec, err := m.records.Lookup(h)
	if err != nil {
		return nil, nil, 0, err
	}
	st := rec.channel(kind)
	if st == nil || st.Lifecycle != channel.Connected {
		return nil, nil, 0, fmt.Errorf("%w: %s channel not connected", ErrNotReady, kind)
	}
	if kind == channel.Browse && rec.Control.Lifecycle != channel.Connected {
		return nil, nil, 0, fmt.Errorf("%w: control channel not connected", ErrNotReady)
	}
	cid, _ := st.ChannelID()
	return rec, st, cid, nil
}

func (m *Manager) transmit(cid transport.ChannelID, kind channel.Kind, hdr frame.Header, body []byte) error {
	mtu := m.cfg.ControlMTU
	if kind == channel.Browse {
		// browse never fragments
		mtu = 0
		if m.cfg.BrowseMTU > 0 && len(body)+3 > m.cfg.BrowseMTU {
			return fmt.Errorf("%w: %d byte browse message, mtu %d", frame.ErrTooLarge, len(body), m.cfg.BrowseMTU)
		}
	}

	pkts, err := frame.Encode(hdr, body, mtu)
	if err != nil {
		return err
	}
	for _, pkt := range pkts {
		if err := m.adapter.Send(cid, pkt); err != nil {
			if errors.Is(err, transport.ErrCongested) {
				m.onCongestion(kind, cid, true)
			}
			return fmt.Errorf("send on %s channel %s: %w", kind, cid, err)
		}
	}
	return nil
}
