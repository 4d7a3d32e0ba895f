package lease

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/pgcluster/controlplane/pkg/types"
)

// leaseKey returns the consensus-store key holding a group's lease value.
func leaseKey(group types.GroupID) string {
	return fmt.Sprintf("/group/%s/lease", group)
}

// electionKey returns the key a candidate posts its WAL position proposal
// under during phase 1 of an election.
func electionKey(group types.GroupID, node types.NodeID) string {
	return fmt.Sprintf("/group/%s/election/%s", group, node)
}

// encodeLease renders a lease value as <NodeID> \x00 <Epoch BE uint64> \x00
// <ExpiresAt BE int64 nanos>.
func encodeLease(nodeID types.NodeID, epoch types.Epoch, expiresAt time.Time) []byte {
	var buf bytes.Buffer
	buf.WriteString(string(nodeID))
	buf.WriteByte(0)
	var epochBytes [8]byte
	binary.BigEndian.PutUint64(epochBytes[:], uint64(epoch))
	buf.Write(epochBytes[:])
	buf.WriteByte(0)
	var expiresBytes [8]byte
	binary.BigEndian.PutUint64(expiresBytes[:], uint64(expiresAt.UnixNano()))
	buf.Write(expiresBytes[:])
	return buf.Bytes()
}

// decodeLease parses the wire layout written by encodeLease.
func decodeLease(raw []byte) (types.NodeID, types.Epoch, time.Time, error) {
	firstSep := bytes.IndexByte(raw, 0)
	if firstSep < 0 {
		return "", 0, time.Time{}, fmt.Errorf("lease: missing node separator")
	}
	nodeID := types.NodeID(raw[:firstSep])
	rest := raw[firstSep+1:]
	if len(rest) != 8+1+8 {
		return "", 0, time.Time{}, fmt.Errorf("lease: malformed value, %d bytes after node id", len(rest))
	}
	epoch := types.Epoch(binary.BigEndian.Uint64(rest[:8]))
	if rest[8] != 0 {
		return "", 0, time.Time{}, fmt.Errorf("lease: missing epoch separator")
	}
	expiresAt := time.Unix(0, int64(binary.BigEndian.Uint64(rest[9:17])))
	return nodeID, epoch, expiresAt, nil
}

// encodeElectionProposal renders a WAL position as a big-endian uint64.
func encodeElectionProposal(wal uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, wal)
	return buf
}

func decodeElectionProposal(raw []byte) (uint64, error) {
	if len(raw) != 8 {
		return 0, fmt.Errorf("lease: malformed election proposal, %d bytes", len(raw))
	}
	return binary.BigEndian.Uint64(raw), nil
}

// decodeHealthRoleAndTime reads just the Role and ObservedAt fields out of a
// HealthReport's wire encoding (role byte, lag uint64, WAL uint64, observed
// nanos int64), without depending on the health package.
func decodeHealthRoleAndTime(raw []byte) (types.Role, time.Time, error) {
	const wantLen = 1 + 8 + 8 + 8
	if len(raw) != wantLen {
		return types.RoleUnknown, time.Time{}, fmt.Errorf("lease: malformed health report, %d bytes", len(raw))
	}
	role := types.RoleFromWireCode(raw[0])
	observedAt := time.Unix(0, int64(binary.BigEndian.Uint64(raw[17:25])))
	return role, observedAt, nil
}
