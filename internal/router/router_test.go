package router

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/pgcluster/controlplane/pkg/types"
)

type fakeTopology struct {
	snapshot *types.TopologySnapshot
	sub      chan struct{}
}

func newFakeTopology(snap *types.TopologySnapshot) *fakeTopology {
	return &fakeTopology{snapshot: snap, sub: make(chan struct{}, 1)}
}

func (f *fakeTopology) Current() *types.TopologySnapshot { return f.snapshot }
func (f *fakeTopology) Subscribe() <-chan struct{}        { return f.sub }

func (f *fakeTopology) set(snap *types.TopologySnapshot) {
	f.snapshot = snap
	select {
	case f.sub <- struct{}{}:
	default:
	}
}

type pipeBackend struct {
	conn net.Conn
}

func (b *pipeBackend) Connect(ctx context.Context) error { return nil }
func (b *pipeBackend) Forward(ctx context.Context, dst, src types.ConnLike) (int64, int64, error) {
	buf := make([]byte, 4096)
	n, err := src.Read(buf)
	if n > 0 {
		b.conn.Write(buf[:n])
	}
	if err != nil {
		return int64(n), 0, nil
	}
	return int64(n), 0, nil
}
func (b *pipeBackend) Ping(ctx context.Context) error { return nil }
func (b *pipeBackend) State() types.ConnState         { return types.ConnConnected }
func (b *pipeBackend) Close() error                   { return b.conn.Close() }

func TestRouter_SelectWithWaitSucceedsImmediately(t *testing.T) {
	snap := snapshotWithGroup("g1", types.GroupTopology{
		Leader: types.GroupLeader{NodeID: "a", Epoch: 1, Known: true},
	})
	r := NewRouter(Config{GroupID: "g1"}, newFakeTopology(snap), fakeDialer, nil, nil)

	node, epoch, err := r.selectWithWait(context.Background(), types.IntentReadWrite)
	if err != nil || node != "a" || epoch != 1 {
		t.Fatalf("got %v %v %v", node, epoch, err)
	}
}

func TestRouter_SelectWithWaitTimesOutWithNoLeader(t *testing.T) {
	snap := snapshotWithGroup("g1", types.GroupTopology{})
	r := NewRouter(Config{GroupID: "g1", WaitForPrimary: 150 * time.Millisecond}, newFakeTopology(snap), fakeDialer, nil, nil)

	_, _, err := r.selectWithWait(context.Background(), types.IntentReadWrite)
	if err == nil {
		t.Fatal("expected error once wait deadline elapses")
	}
}

func TestRouter_ReconcileDrainsAndCancelsStaleNode(t *testing.T) {
	snap := snapshotWithGroup("g1", types.GroupTopology{
		Leader: types.GroupLeader{NodeID: "a", Epoch: 1, Known: true},
	})
	topo := newFakeTopology(snap)
	r := NewRouter(Config{GroupID: "g1"}, topo, fakeDialer, nil, nil)

	// Seed a pool for a node that is about to fall out of the topology.
	stale := r.pool("b")
	cancelled := false
	sess := &session{cancel: func() { cancelled = true }}
	r.trackSession("b", sess)

	r.reconcile(topo.Current())

	if !stale.draining {
		t.Fatal("expected stale node's pool to be marked draining")
	}
	if !cancelled {
		t.Fatal("expected sessions on the stale node to be cancelled")
	}
}

func TestRouter_RejectWriteIntentsTogglesState(t *testing.T) {
	r := NewRouter(Config{GroupID: "g1"}, newFakeTopology(snapshotWithGroup("g1", types.GroupTopology{})), fakeDialer, nil, nil)
	r.RejectWriteIntents(true)
	r.mu.Lock()
	rejecting := r.rejectingWrites
	r.mu.Unlock()
	if !rejecting {
		t.Fatal("expected rejectingWrites to be true")
	}
}

func TestReplayConn_ServesPeekedBytesFirst(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		server.Write([]byte("tail"))
	}()

	rc := newReplayConn(client, []byte("head-"))
	buf := make([]byte, 64)
	n, err := rc.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(buf[:n], []byte("head-")) {
		t.Fatalf("expected peeked prefix first, got %q", buf[:n])
	}

	n, err = rc.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(buf[:n], []byte("tail")) {
		t.Fatalf("expected underlying conn bytes next, got %q", buf[:n])
	}
}
