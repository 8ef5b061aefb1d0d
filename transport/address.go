package transport

import (
	"fmt"
	"net"
)

// Address is a 48-bit device address, most significant byte first
// (the order it is printed in, not the order the radio sends it).
type Address [6]byte

// ParseAddress parses "AA:BB:CC:DD:EE:FF" (or the dash separated form).
func ParseAddress(s string) (Address, error) {
	var a Address
	hw, err := net.ParseMAC(s)
	if err != nil {
		return a, fmt.Errorf("parse address %q: %w", s, err)
	}
	if len(hw) != len(a) {
		return a, fmt.Errorf("parse address %q: want 6 bytes, got %d", s, len(hw))
	}
	copy(a[:], hw)
	return a, nil
}

// MustParseAddress is ParseAddress for constants and tests.
func MustParseAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Address) String() string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", a[0], a[1], a[2], a[3], a[4], a[5])
}

// IsZero reports whether a is the all-zero (any) address.
func (a Address) IsZero() bool {
	return a == Address{}
}

// Reversed returns the address in radio byte order (least significant first).
func (a Address) Reversed() [6]byte {
	var b [6]byte
	for i := range a {
		b[i] = a[5-i]
	}
	return b
}

// AddressFromReversed is the inverse of Reversed.
func AddressFromReversed(b [6]byte) Address {
	var a Address
	for i := range b {
		a[i] = b[5-i]
	}
	return a
}
