package transport

import "testing"

// TestResultConstants checks all results are distinct and printable.
// iota bugs (accidentally reordering constants) would break this.
func TestResultConstants(t *testing.T) {
	results := []Result{
		ResultSuccess,
		ResultRejected,
		ResultNoResources,
		ResultSecurity,
		ResultTimeout,
		ResultFailed,
	}

	seen := make(map[Result]bool)
	names := make(map[string]bool)
	for _, r := range results {
		if seen[r] {
			t.Errorf("duplicate Result value: %d", r)
		}
		seen[r] = true
		if names[r.String()] {
			t.Errorf("duplicate Result name: %s", r)
		}
		names[r.String()] = true
	}
}

func TestPSMDefaultsDistinct(t *testing.T) {
	if PSMControl == PSMBrowse {
		t.Fatal("control and browse PSMs must differ")
	}
	if PSMControl.String() != "0x0017" {
		t.Errorf("expected 0x0017, got %s", PSMControl)
	}
	if PSMBrowse.String() != "0x001b" {
		t.Errorf("expected 0x001b, got %s", PSMBrowse)
	}
}

func TestParseAddress(t *testing.T) {
	a, err := ParseAddress("11:22:33:44:55:66")
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if a != (Address{0x11, 0x22, 0x33, 0x44, 0x55, 0x66}) {
		t.Errorf("unexpected address bytes %v", a)
	}
	if a.String() != "11:22:33:44:55:66" {
		t.Errorf("expected round trip, got %s", a)
	}

	if _, err := ParseAddress("not-an-address"); err == nil {
		t.Error("expected error for garbage input")
	}
	// 8-byte EUI-64 parses as a MAC but is not a device address
	if _, err := ParseAddress("00:11:22:33:44:55:66:77"); err == nil {
		t.Error("expected error for 8-byte address")
	}
}

// TestReversedRoundTrip checks radio byte order conversion both ways.
func TestReversedRoundTrip(t *testing.T) {
	a := MustParseAddress("AA:BB:CC:DD:EE:FF")
	r := a.Reversed()
	if r != [6]byte{0xFF, 0xEE, 0xDD, 0xCC, 0xBB, 0xAA} {
		t.Errorf("unexpected reversed bytes %v", r)
	}
	if AddressFromReversed(r) != a {
		t.Error("reversing twice should give the original address")
	}
	if a.IsZero() {
		t.Error("non-zero address reported as zero")
	}
	if !(Address{}).IsZero() {
		t.Error("zero address not reported as zero")
	}
}
