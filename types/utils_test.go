package types

import (
	"errors"
	"testing"
)

func TestParseNodeIdentity(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected NodeIdentity
		wantErr  bool
	}{
		{
			name:     "valid triple",
			input:    "10.0.0.5:7100:8108",
			expected: NodeIdentity{PeeringIP: "10.0.0.5", PeeringPort: 7100, APIPort: 8108},
		},
		{
			name:     "hostname instead of ip",
			input:    "node-1:7100:8108",
			expected: NodeIdentity{PeeringIP: "node-1", PeeringPort: 7100, APIPort: 8108},
		},
		{
			name:     "surrounding whitespace trimmed",
			input:    "  192.168.1.1:7100:8108  ",
			expected: NodeIdentity{PeeringIP: "192.168.1.1", PeeringPort: 7100, APIPort: 8108},
		},
		{
			name:    "missing api port",
			input:   "10.0.0.5:7100",
			wantErr: true,
		},
		{
			name:    "too many fields",
			input:   "10.0.0.5:7100:8108:9999",
			wantErr: true,
		},
		{
			name:    "empty host",
			input:   ":7100:8108",
			wantErr: true,
		},
		{
			name:    "non-numeric peering port",
			input:   "10.0.0.5:abc:8108",
			wantErr: true,
		},
		{
			name:    "zero api port",
			input:   "10.0.0.5:7100:0",
			wantErr: true,
		},
		{
			name:    "port out of range",
			input:   "10.0.0.5:7100:70000",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := ParseNodeIdentity(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q, got none", tt.input)
				}
				if !errors.Is(err, ErrMalformedNodeConfig) {
					t.Errorf("expected ErrMalformedNodeConfig, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if id != tt.expected {
				t.Errorf("ParseNodeIdentity(%q) = %+v, expected %+v", tt.input, id, tt.expected)
			}
		})
	}
}

func TestParseClusterConfig(t *testing.T) {
	conf, err := ParseClusterConfig("10.0.0.1:7100:8108,10.0.0.2:7100:8108,10.0.0.3:7100:8108")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(conf) != 3 {
		t.Fatalf("expected 3 nodes, got %d", len(conf))
	}
	if conf.IsSingleton() {
		t.Error("three-node config reported as singleton")
	}
	if conf[2].PeeringIP != "10.0.0.3" {
		t.Errorf("expected third node host 10.0.0.3, got %s", conf[2].PeeringIP)
	}

	if _, err := ParseClusterConfig(""); err == nil {
		t.Error("expected error for empty nodes string")
	}
	if _, err := ParseClusterConfig("10.0.0.1:7100:8108,bogus"); err == nil {
		t.Error("expected error for malformed member")
	}
}

func TestClusterConfigRoundTrip(t *testing.T) {
	in := "10.0.0.1:7100:8108,10.0.0.2:7101:8109"
	conf, err := ParseClusterConfig(in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := conf.String(); got != in {
		t.Errorf("round trip mismatch: got %q, expected %q", got, in)
	}
}

func TestNodeIdentityAddresses(t *testing.T) {
	id := NodeIdentity{PeeringIP: "10.0.0.5", PeeringPort: 7100, APIPort: 8108}
	if got := id.String(); got != "10.0.0.5:7100:8108" {
		t.Errorf("String() = %q", got)
	}
	if got := id.PeeringAddress(); got != "10.0.0.5:7100" {
		t.Errorf("PeeringAddress() = %q", got)
	}
	if got := id.APIAddress(); got != "10.0.0.5:8108" {
		t.Errorf("APIAddress() = %q", got)
	}
}

func TestNodeState_String(t *testing.T) {
	tests := []struct {
		state    NodeState
		expected string
	}{
		{StateAbsent, "Absent"},
		{StateFollower, "Follower"},
		{StateCandidate, "Candidate"},
		{StateLeader, "Leader"},
		{StateShutdown, "Shutdown"},
		{NodeState(99), "Unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.expected {
			t.Errorf("NodeState(%d).String() = %q, expected %q", tt.state, got, tt.expected)
		}
	}
}
