package health

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pgcluster/controlplane/internal/testutil"
	"github.com/pgcluster/controlplane/pkg/types"
)

type fakeProbe struct {
	mu     sync.Mutex
	result ProbeResult
	err    error
	calls  int
}

func (p *fakeProbe) Probe(ctx context.Context) (ProbeResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.result, p.err
}

func (p *fakeProbe) set(result ProbeResult, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.result, p.err = result, err
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

func TestMonitor_PublishesClassifiedReport(t *testing.T) {
	store := testutil.NewFakeStore()
	probe := &fakeProbe{result: ProbeResult{Reachable: true, Writable: true, WALPosition: 42}}

	m := NewMonitor(Config{
		GroupID:  "group-1",
		NodeID:   "node-a",
		Interval: 20 * time.Millisecond,
		Timeout:  50 * time.Millisecond,
	}, probe, store, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Stop()

	waitFor(t, time.Second, func() bool {
		report, ok := m.LocalReport()
		return ok && report.Role == types.RolePrimary
	})

	raw, _, ok, err := store.Get(context.Background(), healthKey("group-1", "node-a"))
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if !ok {
		t.Fatal("expected a published health report")
	}
	decoded, err := decodeReport("group-1", "node-a", raw)
	if err != nil {
		t.Fatalf("decodeReport error: %v", err)
	}
	if decoded.Role != types.RolePrimary {
		t.Errorf("published Role = %s, want Primary", decoded.Role)
	}
	if decoded.LastWAL != 42 {
		t.Errorf("published LastWAL = %d, want 42", decoded.LastWAL)
	}
}

func TestMonitor_UnreachableOnProbeError(t *testing.T) {
	store := testutil.NewFakeStore()
	probe := &fakeProbe{err: context.DeadlineExceeded}

	m := NewMonitor(Config{
		GroupID:  "group-1",
		NodeID:   "node-b",
		Interval: 20 * time.Millisecond,
		Timeout:  10 * time.Millisecond,
	}, probe, store, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Stop()

	waitFor(t, time.Second, func() bool {
		report, ok := m.LocalReport()
		return ok && report.Role == types.RoleUnreachable
	})
}

func TestMonitor_SingleFlightSkipsOverlappingTicks(t *testing.T) {
	store := testutil.NewFakeStore()
	probe := &fakeProbe{result: ProbeResult{Reachable: true, Writable: true}}

	m := NewMonitor(Config{
		GroupID:  "group-1",
		NodeID:   "node-c",
		Interval: 5 * time.Millisecond,
		Timeout:  time.Second,
	}, probe, store, nil, nil)

	m.mu.Lock()
	m.inFlight = true
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	m.Start(ctx)
	<-ctx.Done()
	m.Stop()

	probe.mu.Lock()
	calls := probe.calls
	probe.mu.Unlock()
	if calls != 0 {
		t.Errorf("calls = %d, want 0 (single-flight should have skipped every tick)", calls)
	}
}
