package topology

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pgcluster/controlplane/pkg/types"
	"github.com/pgcluster/controlplane/pkg/utils"
)

// GroupSpec is the static membership the Broadcaster needs to know which
// keys to read per group; it mirrors config.GroupConfig without importing it.
type GroupSpec struct {
	ID      types.GroupID
	Members []types.NodeID
}

// Config configures a Broadcaster instance.
type Config struct {
	Groups []GroupSpec

	// PollInterval is the fallback rebuild cadence: a rebuild runs on every
	// tick in addition to those triggered by watch events, guarding against
	// a missed or dropped watch.
	PollInterval time.Duration
}

// Broadcaster derives and publishes the cluster's canonical TopologySnapshot.
type Broadcaster struct {
	cfg     Config
	store   types.ConsensusStore
	logger  *utils.StructuredLogger
	metrics types.MetricsCollector

	current atomic.Pointer[types.TopologySnapshot]

	subMu sync.Mutex
	subs  []chan struct{}

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewBroadcaster constructs a Broadcaster over the given groups.
func NewBroadcaster(cfg Config, store types.ConsensusStore, logger *utils.StructuredLogger, metrics types.MetricsCollector) *Broadcaster {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if logger == nil {
		logger, _ = utils.NewStructuredLogger(utils.DefaultStructuredLoggerConfig())
	}

	b := &Broadcaster{
		cfg:     cfg,
		store:   store,
		logger:  logger.WithComponent("topology"),
		metrics: metrics,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	empty := &types.TopologySnapshot{Groups: make(map[types.GroupID]types.GroupTopology), IssuedAt: time.Time{}}
	b.current.Store(empty)
	return b
}

// Current returns the latest published snapshot; never nil.
func (b *Broadcaster) Current() *types.TopologySnapshot {
	return b.current.Load()
}

// Subscribe returns a single-element, overwriting notification channel: a
// send indicates a new snapshot is available via Current. A slow reader may
// miss intermediate versions but never misses the latest.
func (b *Broadcaster) Subscribe() <-chan struct{} {
	ch := make(chan struct{}, 1)
	b.subMu.Lock()
	b.subs = append(b.subs, ch)
	b.subMu.Unlock()
	return ch
}

func (b *Broadcaster) notify() {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Start rebuilds the snapshot on watch events from the lease and health key
// spaces, with a polling fallback in case a watch is dropped.
func (b *Broadcaster) Start(ctx context.Context) {
	go b.run(ctx)
}

// Stop halts the broadcaster.
func (b *Broadcaster) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
	<-b.doneCh
}

func (b *Broadcaster) run(ctx context.Context) {
	defer close(b.doneCh)

	leaseEvents, _ := b.store.Watch(ctx, "/group/", 0)
	healthEvents, _ := b.store.Watch(ctx, "/health/", 0)

	ticker := time.NewTicker(b.cfg.PollInterval)
	defer ticker.Stop()

	b.rebuild(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stopCh:
			return
		case _, ok := <-leaseEvents:
			if !ok {
				leaseEvents = nil
				continue
			}
			b.rebuild(ctx)
		case _, ok := <-healthEvents:
			if !ok {
				healthEvents = nil
				continue
			}
			b.rebuild(ctx)
		case <-ticker.C:
			b.rebuild(ctx)
		}
	}
}

// rebuild implements the TB's derivation algorithm and publishes the result
// if it passes the stale-read protection check.
func (b *Broadcaster) rebuild(ctx context.Context) {
	next := &types.TopologySnapshot{
		Groups:   make(map[types.GroupID]types.GroupTopology),
		IssuedAt: time.Now(),
	}

	var maxRevision int64
	prev := b.current.Load()
	if rev, err := b.store.Now(ctx); err == nil && rev > maxRevision {
		maxRevision = rev
	}

	for _, group := range b.cfg.Groups {
		gt, ok := b.deriveGroup(ctx, group)
		if !ok {
			continue
		}
		if prevGT, existed := prev.Groups[group.ID]; existed && prevGT.Leader.Known {
			if gt.Leader.Known && gt.Leader.Epoch < prevGT.Leader.Epoch {
				// Stale read: the new snapshot would demote a group whose
				// previously observed leader Epoch is strictly greater.
				// Refuse this group's update, carry the prior entry forward.
				next.Groups[group.ID] = prevGT
				continue
			}
			if !gt.Leader.Known && prevGT.Leader.Epoch > 0 {
				next.Groups[group.ID] = prevGT
				continue
			}
		}
		next.Groups[group.ID] = gt
	}

	prevVersion := prev.SnapshotVersion
	version := prevVersion
	if uint64(maxRevision) > version {
		version = uint64(maxRevision)
	}
	if version <= prevVersion {
		version = prevVersion + 1
	}
	next.SnapshotVersion = version

	if !next.NewerThan(prev) {
		return
	}

	b.current.Store(next)
	b.notify()
	if b.metrics != nil {
		b.metrics.RecordOperation("topology", "rebuild", 0, true)
	}
}

func (b *Broadcaster) deriveGroup(ctx context.Context, group GroupSpec) (types.GroupTopology, bool) {
	gt := types.GroupTopology{}

	raw, _, ok, err := b.store.Get(ctx, leaseKey(group.ID))
	if err != nil {
		return gt, false
	}
	if ok {
		if nodeID, epoch, expiresAt, derr := decodeLease(raw); derr == nil && time.Now().Before(expiresAt) {
			gt.Leader = types.GroupLeader{GroupID: group.ID, NodeID: nodeID, Epoch: epoch, Known: true}
		}
	}
	if !gt.Leader.Known {
		gt.Leader = types.GroupLeader{GroupID: group.ID, Known: false}
	}

	for _, member := range group.Members {
		hraw, _, hok, herr := b.store.Get(ctx, healthKey(group.ID, member))
		if herr != nil || !hok {
			gt.DeadOrUnknown = append(gt.DeadOrUnknown, member)
			continue
		}
		report, derr := decodeHealthReport(group.ID, member, hraw)
		if derr != nil {
			gt.DeadOrUnknown = append(gt.DeadOrUnknown, member)
			continue
		}
		switch report.Role {
		case types.RoleStandbyInSync:
			gt.InSync = append(gt.InSync, types.ReplicaInfo{NodeID: member, ReplicationLagBytes: report.ReplicationLagBytes})
		case types.RoleStandbyLagging:
			gt.Lagging = append(gt.Lagging, types.ReplicaInfo{NodeID: member, ReplicationLagBytes: report.ReplicationLagBytes})
		case types.RoleUnreachable, types.RoleUnknown:
			gt.DeadOrUnknown = append(gt.DeadOrUnknown, member)
		case types.RolePrimary:
			// The primary is represented via Leader, not the replica lists.
		}
	}

	sort.Slice(gt.InSync, func(i, j int) bool {
		if gt.InSync[i].ReplicationLagBytes != gt.InSync[j].ReplicationLagBytes {
			return gt.InSync[i].ReplicationLagBytes < gt.InSync[j].ReplicationLagBytes
		}
		return gt.InSync[i].NodeID < gt.InSync[j].NodeID
	})
	sort.Slice(gt.Lagging, func(i, j int) bool {
		if gt.Lagging[i].ReplicationLagBytes != gt.Lagging[j].ReplicationLagBytes {
			return gt.Lagging[i].ReplicationLagBytes < gt.Lagging[j].ReplicationLagBytes
		}
		return gt.Lagging[i].NodeID < gt.Lagging[j].NodeID
	})

	return gt, true
}
