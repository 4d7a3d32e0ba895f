package topology

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/pgcluster/controlplane/pkg/types"
)

func leaseKey(group types.GroupID) string {
	return fmt.Sprintf("/group/%s/lease", group)
}

func healthKey(group types.GroupID, node types.NodeID) string {
	return fmt.Sprintf("/health/%s/%s", group, node)
}

// decodeLease parses <NodeID> \x00 <Epoch BE uint64> \x00 <ExpiresAt BE
// int64 nanos>, the same wire layout the Leader Lease Manager writes.
func decodeLease(raw []byte) (types.NodeID, types.Epoch, time.Time, error) {
	sep := bytes.IndexByte(raw, 0)
	if sep < 0 {
		return "", 0, time.Time{}, fmt.Errorf("topology: malformed lease, no separator")
	}
	nodeID := types.NodeID(raw[:sep])
	rest := raw[sep+1:]
	if len(rest) != 17 {
		return "", 0, time.Time{}, fmt.Errorf("topology: malformed lease, %d bytes after node id", len(rest))
	}
	epoch := types.Epoch(binary.BigEndian.Uint64(rest[:8]))
	expiresAt := time.Unix(0, int64(binary.BigEndian.Uint64(rest[9:17])))
	return nodeID, epoch, expiresAt, nil
}

const healthReportWireLen = 1 + 8 + 8 + 8

// decodeHealthReport parses the role/lag/WAL/observed-at wire layout the
// Health Monitor publishes.
func decodeHealthReport(group types.GroupID, node types.NodeID, raw []byte) (types.HealthReport, error) {
	if len(raw) != healthReportWireLen {
		return types.HealthReport{}, fmt.Errorf("topology: malformed health report for %s/%s", group, node)
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
