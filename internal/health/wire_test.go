package health

import (
	"testing"
	"time"

	"github.com/pgcluster/controlplane/pkg/types"
)

func TestEncodeDecodeReport_RoundTrip(t *testing.T) {
	report := types.HealthReport{
		NodeID:              "node-a",
		GroupID:             "group-1",
		Role:                types.RoleStandbyInSync,
		ReplicationLagBytes: 4096,
		LastWAL:             123456789,
		ObservedAt:          time.Unix(1700000000, 12345),
	}

	raw := encodeReport(report)
	if len(raw) != reportWireLen {
		t.Fatalf("len(raw) = %d, want %d", len(raw), reportWireLen)
	}

	decoded, err := decodeReport(report.GroupID, report.NodeID, raw)
	if err != nil {
		t.Fatalf("decodeReport returned error: %v", err)
	}
	if decoded.Role != report.Role {
		t.Errorf("Role = %s, want %s", decoded.Role, report.Role)
	}
	if decoded.ReplicationLagBytes != report.ReplicationLagBytes {
		t.Errorf("ReplicationLagBytes = %d, want %d", decoded.ReplicationLagBytes, report.ReplicationLagBytes)
	}
	if decoded.LastWAL != report.LastWAL {
		t.Errorf("LastWAL = %d, want %d", decoded.LastWAL, report.LastWAL)
	}
	if !decoded.ObservedAt.Equal(report.ObservedAt) {
		t.Errorf("ObservedAt = %v, want %v", decoded.ObservedAt, report.ObservedAt)
	}
}

func TestDecodeReport_WrongLength(t *testing.T) {
	_, err := decodeReport("group-1", "node-a", []byte{0x01, 0x02})
	if err == nil {
		t.Error("expected error for malformed report")
	}
}

func TestHealthKey(t *testing.T) {
	key := healthKey("group-1", "node-a")
	if key != "/health/group-1/node-a" {
		t.Errorf("healthKey = %s, want /health/group-1/node-a", key)
	}
}

func TestRoleWireCodes_MatchSpec(t *testing.T) {
	cases := map[types.Role]byte{
		types.RolePrimary:        0x01,
		types.RoleStandbyInSync:  0x02,
		types.RoleStandbyLagging: 0x03,
		types.RoleUnreachable:    0x04,
		types.RoleUnknown:        0x05,
	}
	for role, want := range cases {
		if got := role.WireCode(); got != want {
			t.Errorf("%s.WireCode() = 0x%02x, want 0x%02x", role, got, want)
		}
	}
}
