package bridge

import (
	"context"
	"net"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/risa-org/avct/loop"
	"github.com/risa-org/avct/transport"
)

var (
	addrA = transport.MustParseAddress("00:1A:7D:DA:71:01")
	addrB = transport.MustParseAddress("00:1A:7D:DA:71:02")
)

type event struct {
	kind      string
	peer      transport.Address
	cid       transport.ChannelID
	result    transport.Result
	congested bool
	data      []byte
}

// handlers records every transport event on a channel.
type handlers struct {
	accept bool
	events chan event
}

func newHandlers(accept bool) *handlers {
	return &handlers{accept: accept, events: make(chan event, 64)}
}

func (h *handlers) OnConnectIndication(peer transport.Address, cid transport.ChannelID, _ transport.PSM) bool {
	h.events <- event{kind: "ind", peer: peer, cid: cid}
	return h.accept
}

func (h *handlers) OnConnectConfirmation(cid transport.ChannelID, result transport.Result) {
	h.events <- event{kind: "cfm", cid: cid, result: result}
}

func (h *handlers) OnDisconnectIndication(cid transport.ChannelID) {
	h.events <- event{kind: "disc", cid: cid}
}

func (h *handlers) OnCongestion(cid transport.ChannelID, congested bool) {
	h.events <- event{kind: "cong", cid: cid, congested: congested}
}

func (h *handlers) OnData(cid transport.ChannelID, data []byte) {
	h.events <- event{kind: "data", cid: cid, data: data}
}

func (h *handlers) next(t *testing.T, kind string) event {
	t.Helper()
	select {
	case ev := <-h.events:
		require.Equal(t, kind, ev.kind, "unexpected event %+v", ev)
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", kind)
		return event{}
	}
}

// pipePair returns a dialing adapter for addrA and an accepting adapter
// for addrB joined by in-memory connections.
func pipePair(t *testing.T, bcfg Config) (*Adapter, *Adapter) {
	t.Helper()
	bcfg.Local = addrB
	b := New(bcfg)
	a := New(Config{
		Local: addrA,
		Peers: map[transport.Address]string{addrB: "pipe"},
		Dialer: DialerFunc(func(ctx context.Context, target string) (net.Conn, error) {
			c1, c2 := net.Pipe()
			go b.ServeConn(c2)
			return c1, nil
		}),
	})
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

// connected opens a control channel from a to b and waits for both ends.
func connected(t *testing.T, a, b *Adapter, ha, hb *handlers) (transport.ChannelID, transport.ChannelID) {
	t.Helper()
	cid, err := a.Connect(transport.PSMControl, addrB, transport.SecurityNone)
	require.NoError(t, err)

	ind := hb.next(t, "ind")
	require.Equal(t, addrA, ind.peer)
	hb.next(t, "cfm")

	cfm := ha.next(t, "cfm")
	require.Equal(t, cid, cfm.cid)
	require.Equal(t, transport.ResultSuccess, cfm.result)
	return cid, ind.cid
}

func TestConnectAndExchange(t *testing.T) {
	a, b := pipePair(t, Config{})
	ha, hb := newHandlers(true), newHandlers(true)
	require.NoError(t, a.Register(transport.PSMControl, ha))
	require.NoError(t, b.Register(transport.PSMControl, hb))

	cid, bcid := connected(t, a, b, ha, hb)
	require.GreaterOrEqual(t, uint16(cid), uint16(0x0040))

	require.NoError(t, a.Send(cid, []byte{0x00, 0x11, 0x0E, 0x01}))
	ev := hb.next(t, "data")
	require.Equal(t, bcid, ev.cid)
	require.Equal(t, []byte{0x00, 0x11, 0x0E, 0x01}, ev.data)

	require.NoError(t, b.Send(bcid, []byte("pong")))
	require.Equal(t, []byte("pong"), ha.next(t, "data").data)
}

func TestConnectRejectedByPeer(t *testing.T) {
	a, b := pipePair(t, Config{})
	ha, hb := newHandlers(true), newHandlers(false)
	require.NoError(t, a.Register(transport.PSMControl, ha))
	require.NoError(t, b.Register(transport.PSMControl, hb))

	cid, err := a.Connect(transport.PSMControl, addrB, transport.SecurityNone)
	require.NoError(t, err)

	hb.next(t, "ind")
	cfm := ha.next(t, "cfm")
	require.Equal(t, cid, cfm.cid)
	require.Equal(t, transport.ResultRejected, cfm.result)

	require.ErrorIs(t, a.Send(cid, []byte{1}), ErrUnknownChannel)
}

func TestConnectUnregisteredRemotePSM(t *testing.T) {
	a, b := pipePair(t, Config{})
	ha, hb := newHandlers(true), newHandlers(true)
	require.NoError(t, a.Register(transport.PSMBrowse, ha))
	require.NoError(t, b.Register(transport.PSMControl, hb))

	_, err := a.Connect(transport.PSMBrowse, addrB, transport.SecurityNone)
	require.NoError(t, err)

	require.Equal(t, transport.ResultRejected, ha.next(t, "cfm").result)
	require.Empty(t, hb.events)
}

func TestConnectInsufficientSecurity(t *testing.T) {
	a, b := pipePair(t, Config{MinSecurity: transport.SecurityMedium})
	ha, hb := newHandlers(true), newHandlers(true)
	require.NoError(t, a.Register(transport.PSMControl, ha))
	require.NoError(t, b.Register(transport.PSMControl, hb))

	_, err := a.Connect(transport.PSMControl, addrB, transport.SecurityLow)
	require.NoError(t, err)
	require.Equal(t, transport.ResultSecurity, ha.next(t, "cfm").result)

	_, err = a.Connect(transport.PSMControl, addrB, transport.SecurityHigh)
	require.NoError(t, err)
	hb.next(t, "ind")
	require.Equal(t, transport.ResultSuccess, ha.next(t, "cfm").result)
}

func TestDisconnectReachesBothSides(t *testing.T) {
	a, b := pipePair(t, Config{})
	ha, hb := newHandlers(true), newHandlers(true)
	require.NoError(t, a.Register(transport.PSMControl, ha))
	require.NoError(t, b.Register(transport.PSMControl, hb))
	cid, bcid := connected(t, a, b, ha, hb)

	require.NoError(t, a.Disconnect(cid))

	require.Equal(t, bcid, hb.next(t, "disc").cid)
	require.Equal(t, cid, ha.next(t, "disc").cid)

	require.ErrorIs(t, a.Disconnect(cid), ErrUnknownChannel)
}

// TestReverseChannel checks the accepting side can open a channel back
// over the session the peer established.
func TestReverseChannel(t *testing.T) {
	a, b := pipePair(t, Config{})
	ha, hb := newHandlers(true), newHandlers(true)
	require.NoError(t, a.Register(transport.PSMControl, ha))
	require.NoError(t, b.Register(transport.PSMControl, hb))
	require.NoError(t, a.Register(transport.PSMBrowse, ha))
	require.NoError(t, b.Register(transport.PSMBrowse, hb))
	connected(t, a, b, ha, hb)

	bcid, err := b.Connect(transport.PSMBrowse, addrA, transport.SecurityNone)
	require.NoError(t, err)

	require.Equal(t, addrB, ha.next(t, "ind").peer)
	ha.next(t, "cfm")
	cfm := hb.next(t, "cfm")
	require.Equal(t, bcid, cfm.cid)
	require.Equal(t, transport.ResultSuccess, cfm.result)
}

func TestConnectErrors(t *testing.T) {
	a, _ := pipePair(t, Config{})

	_, err := a.Connect(transport.PSMControl, addrB, transport.SecurityNone)
	require.Error(t, err, "psm not registered locally")

	require.NoError(t, a.Register(transport.PSMControl, newHandlers(true)))
	_, err = a.Connect(transport.PSMControl, transport.MustParseAddress("00:00:00:00:00:09"), transport.SecurityNone)
	require.ErrorIs(t, err, ErrUnknownPeer)

	require.NoError(t, a.Close())
	_, err = a.Connect(transport.PSMControl, addrB, transport.SecurityNone)
	require.ErrorIs(t, err, transport.ErrTransportClosed)
	require.NoError(t, a.Close())
}

func TestDialFailureIsReported(t *testing.T) {
	a := New(Config{
		Local: addrA,
		Peers: map[transport.Address]string{addrB: "nowhere"},
		Dialer: DialerFunc(func(context.Context, string) (net.Conn, error) {
			return nil, net.ErrClosed
		}),
	})
	defer a.Close()
	h := newHandlers(true)
	require.NoError(t, a.Register(transport.PSMControl, h))

	cid, err := a.Connect(transport.PSMControl, addrB, transport.SecurityNone)
	require.NoError(t, err)

	cfm := h.next(t, "cfm")
	require.Equal(t, cid, cfm.cid)
	require.Equal(t, transport.ResultFailed, cfm.result)
}

func TestRegisterErrors(t *testing.T) {
	a := New(Config{})
	defer a.Close()

	require.NoError(t, a.Register(transport.PSMControl, newHandlers(true)))
	require.Error(t, a.Register(transport.PSMControl, newHandlers(true)))
	require.NoError(t, a.Deregister(transport.PSMControl))
	require.Error(t, a.Deregister(transport.PSMControl))
}

func TestSendErrors(t *testing.T) {
	a, b := pipePair(t, Config{})
	ha, hb := newHandlers(true), newHandlers(true)
	require.NoError(t, a.Register(transport.PSMControl, ha))
	require.NoError(t, b.Register(transport.PSMControl, hb))

	require.ErrorIs(t, a.Send(0x0999, []byte{1}), ErrUnknownChannel)

	cid, _ := connected(t, a, b, ha, hb)
	require.Error(t, a.Send(cid, make([]byte, MaxFrame+1)))
}

// stalledHandlers hold up OnData until released, so the peer stops reading
// and the sender's stream runs out of window.
type stalledHandlers struct {
	*handlers
	release chan struct{}
}

func (s stalledHandlers) OnData(transport.ChannelID, []byte) {
	<-s.release
}

// TestCongestedSendOnBusyExecutor calls Send from inside the executor while
// the executor's queue is full, the way the connection manager does.
func TestCongestedSendOnBusyExecutor(t *testing.T) {
	l := loop.New(1)
	ctx, cancel := context.WithCancel(context.Background())
	go l.Run(ctx)

	b := New(Config{Local: addrB})
	a := New(Config{
		Local: addrA,
		Peers: map[transport.Address]string{addrB: "pipe"},
		Dialer: DialerFunc(func(context.Context, string) (net.Conn, error) {
			c1, c2 := net.Pipe()
			go b.ServeConn(c2)
			return c1, nil
		}),
		Executor:  l.Post,
		SendQueue: 1,
	})
	t.Cleanup(func() {
		a.Close()
		b.Close()
		cancel()
	})

	var once sync.Once
	hb := stalledHandlers{handlers: newHandlers(true), release: make(chan struct{})}
	release := func() { once.Do(func() { close(hb.release) }) }
	t.Cleanup(release)

	ha := newHandlers(true)
	require.NoError(t, a.Register(transport.PSMControl, ha))
	require.NoError(t, b.Register(transport.PSMControl, hb))
	cid, _ := connected(t, a, b, ha, hb.handlers)

	payload := make([]byte, 8<<10)
	var sendErr error
	done := make(chan error, 1)
	go func() {
		done <- l.Do(func() {
			l.Post(func() {}) // the queue is now full until this returns
			for i := 0; i < 1000 && sendErr == nil; i++ {
				sendErr = a.Send(cid, payload)
			}
		})
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Send blocked on its own executor")
	}
	require.ErrorIs(t, sendErr, transport.ErrCongested)

	// congestion that began in Send is only reported by its error; the
	// first event is its end
	release()
	ev := ha.next(t, "cong")
	require.Equal(t, cid, ev.cid)
	require.False(t, ev.congested)

	require.NoError(t, a.Send(cid, []byte{1}))
}

func TestOverTCP(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	b := New(Config{Local: addrB})
	a := New(Config{
		Local:  addrA,
		Peers:  map[transport.Address]string{addrB: l.Addr().String()},
		Dialer: TCP(time.Second),
	})
	served := make(chan error, 1)
	go func() { served <- b.Serve(l) }()
	defer a.Close()

	ha, hb := newHandlers(true), newHandlers(true)
	require.NoError(t, a.Register(transport.PSMControl, ha))
	require.NoError(t, b.Register(transport.PSMControl, hb))

	cid, _ := connected(t, a, b, ha, hb)
	require.NoError(t, a.Send(cid, []byte("over tcp")))
	require.Equal(t, []byte("over tcp"), hb.next(t, "data").data)

	require.NoError(t, b.Close())
	select {
	case err := <-served:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Close")
	}
}

func TestOverWebSocket(t *testing.T) {
	b := New(Config{Local: addrB})
	srv := httptest.NewServer(b.Handler())
	t.Cleanup(srv.Close)
	t.Cleanup(func() { b.Close() })

	a := New(Config{
		Local:  addrA,
		Peers:  map[transport.Address]string{addrB: "ws" + strings.TrimPrefix(srv.URL, "http")},
		Dialer: WebSocket(2 * time.Second),
	})
	t.Cleanup(func() { a.Close() })

	ha, hb := newHandlers(true), newHandlers(true)
	require.NoError(t, a.Register(transport.PSMControl, ha))
	require.NoError(t, b.Register(transport.PSMControl, hb))

	cid, bcid := connected(t, a, b, ha, hb)
	require.NoError(t, a.Send(cid, []byte("over websocket")))
	require.Equal(t, []byte("over websocket"), hb.next(t, "data").data)

	require.NoError(t, b.Send(bcid, []byte("back")))
	require.Equal(t, []byte("back"), ha.next(t, "data").data)
}
