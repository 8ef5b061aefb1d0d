//go:build !linux

package l2cap

import (
	"github.com/risa-org/avct/transport"
)

// Adapter reports transport.ErrUnsupported for every operation.
type Adapter struct{}

var _ transport.Adapter = (*Adapter)(nil)

func New(Config) *Adapter { return &Adapter{} }

func (*Adapter) Register(transport.PSM, transport.Handlers) error { return transport.ErrUnsupported }
func (*Adapter) Deregister(transport.PSM) error                   { return transport.ErrUnsupported }

func (*Adapter) Connect(transport.PSM, transport.Address, transport.SecurityLevel) (transport.ChannelID, error) {
	return 0, transport.ErrUnsupported
}

func (*Adapter) Disconnect(transport.ChannelID) error  { return transport.ErrUnsupported }
func (*Adapter) Send(transport.ChannelID, []byte) error { return transport.ErrUnsupported }
func (*Adapter) Close() error                           { return nil }
