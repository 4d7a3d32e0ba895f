package topology

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/pgcluster/controlplane/internal/testutil"
	"github.com/pgcluster/controlplane/pkg/types"
)

// encodeHealthReportForTest and encodeLeaseForTest mirror the wire layouts
// internal/health and internal/lease write, so the broadcaster can be
// exercised without depending on those packages.

func encodeHealthReportForTest(r types.HealthReport) []byte {
	buf := make([]byte, healthReportWireLen)
	buf[0] = r.Role.WireCode()
	binary.BigEndian.PutUint64(buf[1:9], r.ReplicationLagBytes)
	binary.BigEndian.PutUint64(buf[9:17], r.LastWAL)
	binary.BigEndian.PutUint64(buf[17:25], uint64(r.ObservedAt.UnixNano()))
	return buf
}

func encodeLeaseForTest(node types.NodeID, epoch types.Epoch, expiresAt time.Time) []byte {
	var buf bytes.Buffer
	buf.WriteString(string(node))
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

func publishHealth(t *testing.T, store *testutil.FakeStore, group types.GroupID, node types.NodeID, role types.Role, lag uint64) {
	t.Helper()
	report := types.HealthReport{GroupID: group, NodeID: node, Role: role, ReplicationLagBytes: lag, ObservedAt: time.Now()}
	raw := encodeHealthReportForTest(report)
	if _, err := store.Put(context.Background(), healthKey(group, node), raw, 0); err != nil {
		t.Fatalf("Put health: %v", err)
	}
}

func publishLease(t *testing.T, store *testutil.FakeStore, group types.GroupID, node types.NodeID, epoch types.Epoch, ttl time.Duration) {
	t.Helper()
	raw := encodeLeaseForTest(node, epoch, time.Now().Add(ttl))
	if _, err := store.Put(context.Background(), leaseKey(group), raw, 0); err != nil {
		t.Fatalf("Put lease: %v", err)
	}
}

func waitForVersion(t *testing.T, b *Broadcaster, min uint64, timeout time.Duration) *types.TopologySnapshot {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		snap := b.Current()
		if snap.SnapshotVersion >= min && len(snap.Groups) > 0 {
			return snap
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("snapshot did not reach version >= %d within %s", min, timeout)
	return nil
}

func TestBroadcaster_DerivesLeaderAndReplicas(t *testing.T) {
	store := testutil.NewFakeStore()
	publishLease(t, store, "group-1", "node-a", 5, time.Minute)
	publishHealth(t, store, "group-1", "node-b", types.RoleStandbyInSync, 100)
	publishHealth(t, store, "group-1", "node-c", types.RoleStandbyLagging, 99999999)

	b := NewBroadcaster(Config{
		Groups:       []GroupSpec{{ID: "group-1", Members: []types.NodeID{"node-a", "node-b", "node-c"}}},
		PollInterval: 20 * time.Millisecond,
	}, store, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx)
	defer b.Stop()

	snap := waitForVersion(t, b, 1, time.Second)
	gt := snap.Groups["group-1"]
	if !gt.Leader.Known || gt.Leader.NodeID != "node-a" {
		t.Errorf("leader = %+v, want node-a known", gt.Leader)
	}
	if len(gt.InSync) != 1 || gt.InSync[0].NodeID != "node-b" {
		t.Errorf("InSync = %+v, want [node-b]", gt.InSync)
	}
	if len(gt.Lagging) != 1 || gt.Lagging[0].NodeID != "node-c" {
		t.Errorf("Lagging = %+v, want [node-c]", gt.Lagging)
	}
}

func TestBroadcaster_MissingMemberIsDeadOrUnknown(t *testing.T) {
	store := testutil.NewFakeStore()

	b := NewBroadcaster(Config{
		Groups:       []GroupSpec{{ID: "group-1", Members: []types.NodeID{"node-a"}}},
		PollInterval: 20 * time.Millisecond,
	}, store, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx)
	defer b.Stop()

	snap := waitForVersion(t, b, 1, time.Second)
	gt := snap.Groups["group-1"]
	if gt.Leader.Known {
		t.Error("expected no leader when the lease key is absent")
	}
	if len(gt.DeadOrUnknown) != 1 || gt.DeadOrUnknown[0] != "node-a" {
		t.Errorf("DeadOrUnknown = %+v, want [node-a]", gt.DeadOrUnknown)
	}
}

func TestBroadcaster_SnapshotVersionIsMonotonic(t *testing.T) {
	store := testutil.NewFakeStore()
	b := NewBroadcaster(Config{
		Groups:       []GroupSpec{{ID: "group-1", Members: []types.NodeID{"node-a"}}},
		PollInterval: 10 * time.Millisecond,
	}, store, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx)
	defer b.Stop()

	first := waitForVersion(t, b, 1, time.Second)
	publishHealth(t, store, "group-1", "node-a", types.RoleStandbyInSync, 10)
	time.Sleep(50 * time.Millisecond)
	second := b.Current()
	if second.SnapshotVersion <= first.SnapshotVersion {
		t.Errorf("expected version to strictly increase, got %d then %d", first.SnapshotVersion, second.SnapshotVersion)
	}
}

func TestBroadcaster_SubscribeNotifiesOnChange(t *testing.T) {
	store := testutil.NewFakeStore()
	b := NewBroadcaster(Config{
		Groups:       []GroupSpec{{ID: "group-1", Members: []types.NodeID{"node-a"}}},
		PollInterval: 10 * time.Millisecond,
	}, store, nil, nil)

	ch := b.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx)
	defer b.Stop()

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected a notification after the initial rebuild")
	}
}
