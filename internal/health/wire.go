package health

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/pgcluster/controlplane/pkg/types"
)

const reportWireLen = 1 + 8 + 8 + 8 // role byte + lag bytes + WAL + observed-at nanos

// healthKey returns the consensus-store key a group/node's HealthReport is
// published under.
func healthKey(group types.GroupID, node types.NodeID) string {
	return fmt.Sprintf("/health/%s/%s", group, node)
}

// encodeReport renders a HealthReport into the bit-exact wire layout: role
// code (1 byte), replication lag in bytes (uint64 BE), WAL position
// (uint64 BE), ObservedAt as unix nanos (int64 BE).
func encodeReport(r types.HealthReport) []byte {
	buf := make([]byte, reportWireLen)
	buf[0] = r.Role.WireCode()
	binary.BigEndian.PutUint64(buf[1:9], r.ReplicationLagBytes)
	binary.BigEndian.PutUint64(buf[9:17], r.LastWAL)
	binary.BigEndian.PutUint64(buf[17:25], uint64(r.ObservedAt.UnixNano()))
	return buf
}

// decodeReport parses the wire layout written by encodeReport.
func decodeReport(group types.GroupID, node types.NodeID, raw []byte) (types.HealthReport, error) {
	if len(raw) != reportWireLen {
		return types.HealthReport{}, fmt.Errorf("health: malformed report for %s/%s: got %d bytes, want %d", group, node, len(raw), reportWireLen)
	}
	return types.HealthReport{
		NodeID:              node,
		GroupID:             group,
		Role:                types.RoleFromWireCode(raw[0]),
		ReplicationLagBytes: binary.BigEndian.Uint64(raw[1:9]),
		LastWAL:             binary.BigEndian.Uint64(raw[9:17]),
		ObservedAt:          time.Unix(0, int64(binary.BigEndian.Uint64(raw[17:25]))),
	}, nil
}
