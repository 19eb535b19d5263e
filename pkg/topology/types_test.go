package topology

import "testing"

func TestValidUsername(t *testing.T) {
	tests := []struct {
		name string
		ok   bool
	}{
		{"alice", true},
		{"a2c", true},
		{"lab_user-01", true},
		{"ab", false},        // too short
		{"Alice", false},     // uppercase
		{"1alice", false},    // digit first
		{"_alice", false},    // underscore first
		{"alice.smith", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := ValidUsername(tt.name); got != tt.ok {
			t.Errorf("ValidUsername(%q) = %v, want %v", tt.name, got, tt.ok)
		}
	}
}

func TestInterfaceWindow(t *testing.T) {
	tests := []struct {
		name   string
		cfg    NodeConfig
		lo, hi int
	}{
		{
			name: "zero-based",
			cfg:  NodeConfig{FirstInterfaceIndex: 0, DataInterfaceCount: 4},
			lo:   0, hi: 3,
		},
		{
			name: "one-based container",
			cfg:  NodeConfig{FirstInterfaceIndex: 1, DataInterfaceCount: 8},
			lo:   1, hi: 8,
		},
		{
			name: "reserved slots skipped",
			cfg:  NodeConfig{FirstInterfaceIndex: 0, DataInterfaceCount: 6, ReservedInterfaceCount: 2},
			lo:   2, hi: 5,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lo, hi := tt.cfg.InterfaceWindow()
			if lo != tt.lo || hi != tt.hi {
				t.Errorf("InterfaceWindow() = %d..%d, want %d..%d", lo, hi, tt.lo, tt.hi)
			}
		})
	}
}

func TestParseInterface(t *testing.T) {
	cfg := &NodeConfig{
		InterfacePrefix:     "eth",
		FirstInterfaceIndex: 1,
		DataInterfaceCount:  4,
		ManagementInterface: "eth0",
	}

	tests := []struct {
		in      string
		slot    int
		wantErr bool
	}{
		{"eth1", 1, false},
		{"eth4", 4, false},
		{"eth0", 0, true},  // management
		{"eth5", 0, true},  // past window
		{"ethX", 0, true},  // non-numeric
		{"ge-0", 0, true},  // wrong prefix
	}
	for _, tt := range tests {
		slot, err := cfg.ParseInterface(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseInterface(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if err == nil && slot != tt.slot {
			t.Errorf("ParseInterface(%q) = %d, want %d", tt.in, slot, tt.slot)
		}
	}
}

func TestParseEndpoint(t *testing.T) {
	ep, err := ParseEndpoint("dev01:ge-0-0-1")
	if err != nil {
		t.Fatalf("ParseEndpoint() error = %v", err)
	}
	if ep.Node != "dev01" || ep.Interface != "ge-0-0-1" {
		t.Errorf("ParseEndpoint() = %+v", ep)
	}

	for _, bad := range []string{"dev01", ":eth1", "dev01:", ""} {
		if _, err := ParseEndpoint(bad); err == nil {
			t.Errorf("ParseEndpoint(%q) accepted", bad)
		}
	}
}

func TestMTUMax(t *testing.T) {
	if got := (&NodeConfig{}).MTUMax(); got != MTUCeilingDefault {
		t.Errorf("MTUMax() = %d, want default %d", got, MTUCeilingDefault)
	}
	if got := (&NodeConfig{MTUCeiling: 9216}).MTUMax(); got != 9216 {
		t.Errorf("MTUMax() = %d, want 9216", got)
	}
}
