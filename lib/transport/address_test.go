package transport

import (
	"testing"
)

// TestParseAddressSpec tests parsing of routable, non-routable and malformed
// voter address specs
func TestParseAddressSpec(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantErr  bool
		routable bool
	}{
		{"routable", "10.0.0.1:9092", false, true},
		{"routable hostname", "voter-1.example.com:9093", false, true},
		{"non-routable", "0.0.0.0:9092", false, false},
		{"missing port", "10.0.0.1", true, false},
		{"empty", "", true, false},
		{"bad port", "10.0.0.1:notaport", true, false},
		{"port out of range", "10.0.0.1:99999", true, false},
		{"empty host", ":9092", true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec, err := ParseAddressSpec(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Errorf("ParseAddressSpec(%q) should have failed", tt.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseAddressSpec(%q) failed: %v", tt.input, err)
			}
			if spec.Routable() != tt.routable {
				t.Errorf("ParseAddressSpec(%q).Routable() = %t, want %t", tt.input, spec.Routable(), tt.routable)
			}
		})
	}
}

// TestResolveSecurityProtocol tests the explicit mapping, the fallback to a
// protocol inferred from the listener name and the fatal no-resolution case
func TestResolveSecurityProtocol(t *testing.T) {
	securityMap := map[string]string{
		"CONTROLLER": "SSL",
	}

	// Explicit mapping wins
	protocol, err := ResolveSecurityProtocol("CONTROLLER", securityMap)
	if err != nil {
		t.Fatalf("resolution failed: %v", err)
	}
	if protocol != "SSL" {
		t.Errorf("expected SSL, got %s", protocol)
	}

	// Fallback: the listener name itself names a protocol
	protocol, err = ResolveSecurityProtocol("PLAINTEXT", nil)
	if err != nil {
		t.Fatalf("fallback resolution failed: %v", err)
	}
	if protocol != "PLAINTEXT" {
		t.Errorf("expected PLAINTEXT, got %s", protocol)
	}

	// No resolution is an error
	if _, err := ResolveSecurityProtocol("INTERNAL", nil); err == nil {
		t.Error("resolution for unmapped listener should fail")
	}

	// An explicit mapping to an unknown protocol is an error
	if _, err := ResolveSecurityProtocol("X", map[string]string{"X": "ROT13"}); err == nil {
		t.Error("resolution to unknown protocol should fail")
	}
}
