package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/armon/go-metrics"
	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/errgroup"

	"github.com/risa-org/avct/channel"
	"github.com/risa-org/avct/config"
	"github.com/risa-org/avct/connmgr"
	"github.com/risa-org/avct/frame"
	"github.com/risa-org/avct/loop"
	"github.com/risa-org/avct/transport"
	"github.com/risa-org/avct/transport/bridge"
	"github.com/risa-org/avct/transport/l2cap"
)

const (
	dialTimeout = 10 * time.Second
	// ctypeAccepted is the AV/C response code the responder answers with.
	ctypeAccepted = 0x09
)

// closingAdapter is a transport the daemon owns and shuts down.
type closingAdapter interface {
	transport.Adapter
	Close() error
}

type daemon struct {
	v       *config.Values
	logger  hclog.Logger
	loop    *loop.Loop
	adapter closingAdapter
	mgr     *connmgr.Manager
}

// run wires the stack together and blocks until ctx is cancelled or a
// termination signal arrives.
func run(ctx context.Context, v *config.Values) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := hclog.New(&hclog.LoggerOptions{
		Name:       "avctd",
		Level:      v.Level,
		JSONFormat: v.LogJSON,
		Color:      hclog.AutoColor,
	})

	inm := metrics.NewInmemSink(10*time.Second, time.Minute)
	metrics.DefaultInmemSignal(inm)
	mcfg := metrics.DefaultConfig("avctd")
	mcfg.EnableHostname = false
	if _, err := metrics.NewGlobal(mcfg, inm); err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	d := &daemon{v: v, logger: logger, loop: loop.New(0)}
	adapter, err := d.newAdapter()
	if err != nil {
		return err
	}
	d.adapter = adapter
	d.mgr = connmgr.New(adapter, connmgr.Config{
		Security:           v.SecurityLevel,
		Capacity:           v.Capacity,
		AcceptUnknownPeers: v.AcceptUnknown,
		DefaultProfileID:   v.ProfileID,
		DefaultControl:     d.onControl,
		DefaultMessage:     d.onMessage,
		Collision:          v.CollisionPolicy,
		ControlMTU:         v.ControlMTU,
		BrowseMTU:          v.BrowseMTU,
		Logger:             logger,
	})

	// the loop outlives ctx so shutdown can still release records on it
	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := d.loop.Run(loopCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	var startErr error
	if err := d.loop.Do(func() { startErr = d.start() }); err != nil {
		return err
	}
	if startErr != nil {
		d.shutdown()
		return startErr
	}
	if err := d.serve(ctx, g); err != nil {
		d.shutdown()
		return err
	}
	g.Go(func() error {
		d.dumpOnSignal(ctx)
		return nil
	})

	printInfo(fmt.Sprintf("running on %s, control psm %s, browse psm %s", v.Transport, transport.PSMControl, transport.PSMBrowse))
	<-ctx.Done()
	d.shutdown()

	if err := g.Wait(); err != nil {
		return err
	}
	return nil
}

func (d *daemon) newAdapter() (closingAdapter, error) {
	v := d.v
	switch v.Transport {
	case config.TransportTCP, config.TransportWebSocket:
		dialer := bridge.TCP(dialTimeout)
		if v.Transport == config.TransportWebSocket {
			dialer = bridge.WebSocket(dialTimeout)
		}
		return bridge.New(bridge.Config{
			Local:    v.LocalAddr,
			Peers:    v.PeerTargets,
			Dialer:   dialer,
			Executor: d.loop.Post,
			Logger:   d.logger,
		}), nil
	default:
		local := v.LocalAddr
		if local.IsZero() && v.Adapter != "" {
			addr, err := l2cap.AdapterAddress(v.Adapter)
			if err != nil {
				return nil, fmt.Errorf("adapter %s: %w", v.Adapter, err)
			}
			local = addr
		}
		return l2cap.New(l2cap.Config{
			Local:    local,
			Executor: d.loop.Post,
			Logger:   d.logger,
		}), nil
	}
}

// start runs on the loop: register and kick off configured connections.
func (d *daemon) start() error {
	if err := d.mgr.Register(); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	for _, peer := range d.v.ConnectAddrs {
		h, err := d.mgr.CreateConnection(peer, connmgr.Initiator, d.v.ProfileID, d.onControl, d.onMessage)
		if err != nil {
			d.logger.Warn("connect failed", "peer", peer, "error", err)
			printWarn(fmt.Sprintf("could not connect to %s: %v", peer, err))
			continue
		}
		d.logger.Info("connecting", "peer", peer, "handle", h)
	}
	return nil
}

// serve starts accepting bridged connections when a listen address is set.
func (d *daemon) serve(ctx context.Context, g *errgroup.Group) error {
	if d.v.Listen == "" || d.v.Transport == config.TransportL2CAP {
		return nil
	}
	b, ok := d.adapter.(*bridge.Adapter)
	if !ok {
		return nil
	}

	if d.v.Transport == config.TransportTCP {
		l, err := net.Listen("tcp", d.v.Listen)
		if err != nil {
			return fmt.Errorf("listen %s: %w", d.v.Listen, err)
		}
		g.Go(func() error { return b.Serve(l) })
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/avct", b.Handler())
	srv := &http.Server{Addr: d.v.Listen, Handler: mux, ReadHeaderTimeout: dialTimeout}
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return nil
}

// shutdown releases every record, unbinds the PSMs and closes the
// transport. The loop may already be gone; then only the transport closes.
func (d *daemon) shutdown() {
	err := d.loop.Do(func() {
		for _, s := range d.mgr.Statuses() {
			d.mgr.RemoveConnection(s.Handle)
		}
		if d.mgr.Registered() {
			if err := d.mgr.Deregister(); err != nil {
				d.logger.Warn("deregister failed", "error", err)
			}
		}
	})
	if err != nil && !errors.Is(err, loop.ErrClosed) {
		d.logger.Warn("shutdown", "error", err)
	}
	if err := d.adapter.Close(); err != nil {
		d.logger.Warn("closing transport", "error", err)
	}
	d.loop.Close()
}

// dumpOnSignal writes the connection table to stderr on SIGHUP.
func (d *daemon) dumpOnSignal(ctx context.Context) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGHUP)
	defer signal.Stop(sigs)

	for {
		select {
		case <-ctx.Done():
			return
		case <-sigs:
			d.loop.Post(func() { d.mgr.Dump(os.Stderr) })
		}
	}
}

func (d *daemon) onControl(h connmgr.Handle, ev connmgr.Event, result transport.Result, peer transport.Address) {
	d.logger.Info("event", "handle", h, "event", ev, "result", result, "peer", peer)

	switch ev {
	case connmgr.EventConnectConfirm, connmgr.EventConnectIndication:
		if result != transport.ResultSuccess || !d.v.Browse {
			return
		}
		s, err := d.mgr.Status(h)
		if err != nil || s.Role != connmgr.Initiator {
			return
		}
		if err := d.mgr.CreateBrowse(h, connmgr.Initiator); err != nil {
			d.logger.Warn("browse connect failed", "handle", h, "error", err)
		}
	}
}

// onMessage answers every command as accepted, echoing its operands.
func (d *daemon) onMessage(h connmgr.Handle, msg connmgr.Message) {
	d.logger.Debug("message", "handle", h, "channel", msg.Channel, "label", msg.Label,
		"type", msg.Type, "bytes", len(msg.Body))
	if msg.Type != frame.Command {
		return
	}

	body := append([]byte(nil), msg.Body...)
	if msg.Channel == channel.Control && len(body) > 0 {
		body[0] = ctypeAccepted
	}
	if err := d.mgr.SendResponse(h, msg.Channel, msg.Label, body); err != nil {
		d.logger.Warn("response failed", "handle", h, "label", msg.Label, "error", err)
	}
}
