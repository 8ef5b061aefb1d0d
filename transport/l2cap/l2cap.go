// Package l2cap implements transport.Adapter on the host's Bluetooth stack
// through AF_BLUETOOTH sequential-packet sockets. Only Linux is supported;
// elsewhere every call fails with transport.ErrUnsupported.
package l2cap

import (
	"errors"

	"github.com/hashicorp/go-hclog"

	"github.com/risa-org/avct/transport"
)

// ErrUnknownChannel is returned for a channel id the adapter does not know.
var ErrUnknownChannel = errors.New("unknown channel")

const (
	firstCID = 0x0040
	// DefaultReadBuffer holds the largest SDU a channel will deliver.
	DefaultReadBuffer = 1 << 16
	listenBacklog     = 4
)

// Config configures an Adapter.
type Config struct {
	// Local is the adapter address to bind to; zero binds to any adapter.
	Local transport.Address
	// Executor delivers handler calls onto the owner's serialized context.
	// Nil calls handlers directly from the adapter's goroutines.
	Executor   transport.Executor
	ReadBuffer int
	Logger     hclog.Logger
}

func (c *Config) defaults() {
	if c.ReadBuffer <= 0 {
		c.ReadBuffer = DefaultReadBuffer
	}
	if c.Logger == nil {
		c.Logger = hclog.NewNullLogger()
	}
	if c.Executor == nil {
		c.Executor = func(fn func()) { fn() }
	}
}
