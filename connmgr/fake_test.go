package connmgr

import (
	"errors"

	"github.com/risa-org/avct/transport"
)

var errFake = errors.New("fake transport refused")

type connectCall struct {
	psm  transport.PSM
	peer transport.Address
	cid  transport.ChannelID
}

type sendCall struct {
	cid  transport.ChannelID
	data []byte
}

// fakeAdapter is a minimal transport.Adapter for testing.
// It records every request and hands out channel ids from 0x0040 up.
type fakeAdapter struct {
	handlers     map[transport.PSM]transport.Handlers
	deregistered []transport.PSM
	connects     []connectCall
	disconnects  []transport.ChannelID
	sent         []sendCall
	nextCID      transport.ChannelID

	failRegister map[transport.PSM]bool
	failConnect  bool
	failSend     bool
	sendErr      error
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		handlers:     make(map[transport.PSM]transport.Handlers),
		failRegister: make(map[transport.PSM]bool),
		nextCID:      0x0040,
	}
}

func (f *fakeAdapter) Register(psm transport.PSM, h transport.Handlers) error {
	if f.failRegister[psm] {
		return errFake
	}
	f.handlers[psm] = h
	return nil
}

func (f *fakeAdapter) Deregister(psm transport.PSM) error {
	f.deregistered = append(f.deregistered, psm)
	delete(f.handlers, psm)
	return nil
}

func (f *fakeAdapter) Connect(psm transport.PSM, peer transport.Address, _ transport.SecurityLevel) (transport.ChannelID, error) {
	if f.failConnect {
		return 0, errFake
	}
	cid := f.nextCID
	f.nextCID++
	f.connects = append(f.connects, connectCall{psm: psm, peer: peer, cid: cid})
	return cid, nil
}

func (f *fakeAdapter) Disconnect(cid transport.ChannelID) error {
	f.disconnects = append(f.disconnects, cid)
	return nil
}

func (f *fakeAdapter) Send(cid transport.ChannelID, data []byte) error {
	if f.failSend {
		return errFake
	}
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, sendCall{cid: cid, data: append([]byte(nil), data...)})
	return nil
}

// lastConnect returns the channel id of the most recent connect request.
func (f *fakeAdapter) lastConnect() transport.ChannelID {
	return f.connects[len(f.connects)-1].cid
}

func (f *fakeAdapter) disconnected(cid transport.ChannelID) bool {
	for _, c := range f.disconnects {
		if c == cid {
			return true
		}
	}
	return false
}

type controlCall struct {
	handle Handle
	event  Event
	result transport.Result
	peer   transport.Address
}

// recorder captures callbacks.
type recorder struct {
	events   []controlCall
	messages []Message
}

func (r *recorder) control(h Handle, ev Event, result transport.Result, peer transport.Address) {
	r.events = append(r.events, controlCall{handle: h, event: ev, result: result, peer: peer})
}

func (r *recorder) message(_ Handle, msg Message) {
	r.messages = append(r.messages, msg)
}

func (r *recorder) lastEvent() controlCall {
	return r.events[len(r.events)-1]
}
