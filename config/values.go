package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/hashicorp/go-hclog"

	"github.com/risa-org/avct/connmgr"
	"github.com/risa-org/avct/table"
	"github.com/risa-org/avct/transport"
)

// Transports the daemon can run on.
const (
	TransportL2CAP     = "l2cap"
	TransportTCP       = "tcp"
	TransportWebSocket = "websocket"
)

// Values describes the possible configuration values that a user can
// supply to the daemon.
type Values struct {
	Transport     string   `koanf:"transport"`
	Adapter       string   `koanf:"adapter"`
	Address       string   `koanf:"address"`
	Listen        string   `koanf:"listen"`
	Peers         []string `koanf:"peers"`
	Connect       []string `koanf:"connect"`
	Profile       string   `koanf:"profile"`
	Security      string   `koanf:"security"`
	Collision     string   `koanf:"collision"`
	Capacity      int      `koanf:"capacity"`
	ControlMTU    int      `koanf:"control-mtu"`
	BrowseMTU     int      `koanf:"browse-mtu"`
	AcceptUnknown bool     `koanf:"accept-unknown"`
	Browse        bool     `koanf:"browse"`
	LogLevel      string   `koanf:"log-level"`
	LogJSON       bool     `koanf:"log-json"`

	LocalAddr       transport.Address
	PeerTargets     map[transport.Address]string
	ConnectAddrs    []transport.Address
	ProfileID       uint16
	SecurityLevel   transport.SecurityLevel
	CollisionPolicy connmgr.CollisionPolicy
	Level           hclog.Level
}

// Defaults returns the values used for keys nobody set.
func Defaults() Values {
	return Values{
		Transport:     TransportL2CAP,
		Profile:       "0x110e",
		Security:      "low",
		Collision:     "remote",
		Capacity:      table.DefaultCapacity,
		AcceptUnknown: true,
		LogLevel:      "info",
	}
}

// validateValues validates all configuration values.
func (v *Values) validateValues() error {
	for _, validate := range []func() error{
		v.validateTransport,
		v.validateAddress,
		v.validatePeers,
		v.validateConnect,
		v.validateProfile,
		v.validateSecurity,
		v.validateCollision,
		v.validateLimits,
		v.validateLogLevel,
	} {
		if err := validate(); err != nil {
			return err
		}
	}

	return nil
}

func (v *Values) validateTransport() error {
	switch v.Transport {
	case TransportL2CAP:
	case TransportTCP, TransportWebSocket:
		if v.Address == "" {
			return fmt.Errorf("transport %s: an address is required", v.Transport)
		}
	default:
		return fmt.Errorf("%s: unknown transport (use l2cap, tcp or websocket)", v.Transport)
	}

	return nil
}

func (v *Values) validateAddress() error {
	if v.Address == "" {
		return nil
	}

	addr, err := transport.ParseAddress(v.Address)
	if err != nil {
		return fmt.Errorf("address: %w", err)
	}
	v.LocalAddr = addr

	return nil
}

// validatePeers parses 'bdaddr=target' entries into PeerTargets.
func (v *Values) validatePeers() error {
	v.PeerTargets = make(map[transport.Address]string, len(v.Peers))
	for _, entry := range v.Peers {
		addr, target, ok := strings.Cut(entry, "=")
		if !ok || target == "" {
			return fmt.Errorf("peer %q: expected bdaddr=target", entry)
		}

		bdaddr, err := transport.ParseAddress(strings.TrimSpace(addr))
		if err != nil {
			return fmt.Errorf("peer %q: %w", entry, err)
		}
		v.PeerTargets[bdaddr] = strings.TrimSpace(target)
	}

	return nil
}

func (v *Values) validateConnect() error {
	v.ConnectAddrs = v.ConnectAddrs[:0]
	for _, s := range v.Connect {
		addr, err := transport.ParseAddress(strings.TrimSpace(s))
		if err != nil {
			return fmt.Errorf("connect %q: %w", s, err)
		}
		if v.Transport != TransportL2CAP {
			if _, ok := v.PeerTargets[addr]; !ok {
				return fmt.Errorf("connect %s: no peer target configured", addr)
			}
		}
		v.ConnectAddrs = append(v.ConnectAddrs, addr)
	}

	return nil
}

func (v *Values) validateProfile() error {
	id, err := strconv.ParseUint(v.Profile, 0, 16)
	if err != nil {
		return fmt.Errorf("profile %q: %w", v.Profile, err)
	}
	v.ProfileID = uint16(id)

	return nil
}

func (v *Values) validateSecurity() error {
	switch strings.ToLower(v.Security) {
	case "", "none":
		v.SecurityLevel = transport.SecurityNone
	case "low":
		v.SecurityLevel = transport.SecurityLow
	case "medium":
		v.SecurityLevel = transport.SecurityMedium
	case "high":
		v.SecurityLevel = transport.SecurityHigh
	default:
		return fmt.Errorf("%s: unknown security level (use none, low, medium or high)", v.Security)
	}

	return nil
}

func (v *Values) validateCollision() error {
	switch v.Collision {
	case "", "remote":
		v.CollisionPolicy = connmgr.CollisionPreferRemote
	case "local":
		v.CollisionPolicy = connmgr.CollisionPreferLocal
	default:
		return fmt.Errorf("%s: unknown collision policy (use remote or local)", v.Collision)
	}

	return nil
}

func (v *Values) validateLimits() error {
	if v.Capacity < 1 || v.Capacity > 256 {
		return fmt.Errorf("capacity %d: must be between 1 and 256", v.Capacity)
	}
	if v.ControlMTU != 0 && v.ControlMTU < 5 {
		return fmt.Errorf("control-mtu %d: too small to fragment", v.ControlMTU)
	}
	if v.BrowseMTU < 0 {
		return fmt.Errorf("browse-mtu %d: must not be negative", v.BrowseMTU)
	}

	return nil
}

func (v *Values) validateLogLevel() error {
	v.Level = hclog.LevelFromString(v.LogLevel)
	if v.Level == hclog.NoLevel {
		return fmt.Errorf("%s: unknown log level", v.LogLevel)
	}

	return nil
}
