package router

import (
	"context"
	"net"
	"sync"
	"time"

	cperrors "github.com/pgcluster/controlplane/pkg/errors"
	"github.com/pgcluster/controlplane/pkg/types"
	"github.com/pgcluster/controlplane/pkg/utils"
)

// TopologySource is the narrow view the router needs of the Topology
// Broadcaster: the latest snapshot and a change-notification channel.
type TopologySource interface {
	Current() *types.TopologySnapshot
	Subscribe() <-chan struct{}
}

// Config configures a Router instance.
type Config struct {
	ListenAddress         string
	GroupID               types.GroupID
	LocalNodeID           types.NodeID // this process's own database, for demotion draining
	MaxClientConnections  int
	WaitForPrimary        time.Duration
	StartupPeekTimeout    time.Duration
	Pool                  PoolConfig
	Routing               RoutingConfig
	Endpoints             map[types.NodeID]string // NodeID -> dial address, from group membership
}

// Router is the Connection Router/Pool: it accepts client connections,
// routes each to a healthy upstream per the current topology, and forwards
// bytes for the session's lifetime.
type Router struct {
	cfg      Config
	topology TopologySource
	dialer   BackendDialer
	logger   *utils.StructuredLogger
	metrics  types.MetricsCollector

	clientSem chan struct{}

	mu              sync.Mutex
	pools           map[types.NodeID]*upstreamPool
	rejectingWrites bool
	sessionsByNode  map[types.NodeID]map[*session]struct{}

	listener net.Listener
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewRouter constructs a Router. dialer is nil-able; DialTCP is used by default.
func NewRouter(cfg Config, topology TopologySource, dialer BackendDialer, logger *utils.StructuredLogger, metrics types.MetricsCollector) *Router {
	if cfg.MaxClientConnections <= 0 {
		cfg.MaxClientConnections = 10000
	}
	if cfg.WaitForPrimary <= 0 {
		cfg.WaitForPrimary = 3 * time.Second
	}
	if cfg.StartupPeekTimeout <= 0 {
		cfg.StartupPeekTimeout = 500 * time.Millisecond
	}
	if dialer == nil {
		dialer = DialTCP
	}
	if logger == nil {
		logger, _ = utils.NewStructuredLogger(utils.DefaultStructuredLoggerConfig())
	}

	return &Router{
		cfg:            cfg,
		topology:       topology,
		dialer:         dialer,
		logger:         logger.WithComponent("router").WithField("group", string(cfg.GroupID)),
		metrics:        metrics,
		clientSem:      make(chan struct{}, cfg.MaxClientConnections),
		pools:          make(map[types.NodeID]*upstreamPool),
		sessionsByNode: make(map[types.NodeID]map[*session]struct{}),
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
	}
}

// Start binds the listener and begins accepting client connections.
func (r *Router) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", r.cfg.ListenAddress)
	if err != nil {
		return cperrors.NewError(cperrors.ErrCodeFatal, "failed to bind listener").WithCause(err)
	}
	r.listener = ln

	go r.watchTopology(ctx)
	go r.acceptLoop(ctx)
	go r.reapLoop(ctx)
	return nil
}

// reapLoop periodically closes idle pooled upstream connections that have
// exceeded Pool.IdleTimeout, across every pool the router has opened so far.
func (r *Router) reapLoop(ctx context.Context) {
	interval := r.cfg.Pool.IdleTimeout
	if interval <= 0 {
		interval = 10 * time.Minute // T_idle default per the pool's idle_timeout
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.mu.Lock()
			pools := make([]*upstreamPool, 0, len(r.pools))
			for _, p := range r.pools {
				pools = append(pools, p)
			}
			r.mu.Unlock()
			for _, p := range pools {
				p.ReapIdle()
			}
		}
	}
}

// Stop closes the listener and every pool.
func (r *Router) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
		if r.listener != nil {
			r.listener.Close()
		}
	})
	<-r.doneCh

	r.mu.Lock()
	pools := make([]*upstreamPool, 0, len(r.pools))
	for _, p := range r.pools {
		pools = append(pools, p)
	}
	r.mu.Unlock()
	for _, p := range pools {
		p.Close()
	}
}

func (r *Router) acceptLoop(ctx context.Context) {
	defer close(r.doneCh)
	for {
		conn, err := r.listener.Accept()
		if err != nil {
			select {
			case <-r.stopCh:
				return
			case <-ctx.Done():
				return
			default:
				continue
			}
		}

		select {
		case r.clientSem <- struct{}{}:
		default:
			conn.Close() // M_client exceeded
			continue
		}

		go func() {
			defer func() { <-r.clientSem }()
			r.handleConn(ctx, conn)
		}()
	}
}

func (r *Router) pool(node types.NodeID) *upstreamPool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.pools[node]; ok {
		return p
	}
	endpoint := r.cfg.Endpoints[node]
	p := newUpstreamPool(node, endpoint, r.cfg.Pool, r.dialer)
	r.pools[node] = p
	return p
}

// LiveConns implements connCounter for the selector's weighted choice.
func (r *Router) LiveConns(node types.NodeID) int {
	r.mu.Lock()
	p, ok := r.pools[node]
	r.mu.Unlock()
	if !ok {
		return 0
	}
	return p.LiveConns()
}

func (r *Router) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	intent, peeked := sniffIntent(conn, r.cfg.StartupPeekTimeout)
	client := newReplayConn(conn, peeked)

	if intent == types.IntentReadWrite {
		r.mu.Lock()
		rejecting := r.rejectingWrites
		r.mu.Unlock()
		if rejecting {
			return // mid-demotion: new write-intent sessions are refused outright
		}
	}

	node, epoch, err := r.selectWithWait(ctx, intent)
	if err != nil {
		return
	}

	pool := r.pool(node)
	pc, err := pool.Acquire(ctx)
	if err != nil {
		return
	}

	sessCtx, cancel := context.WithCancel(ctx)
	sess := &session{
		info: types.ClientSession{
			Intent:    intent,
			Upstream:  node,
			GroupID:   r.cfg.GroupID,
			Epoch:     epoch,
			StartedAt: time.Now(),
		},
		cancel: cancel,
	}
	r.trackSession(node, sess)
	defer r.untrackSession(node, sess)
	defer cancel()

	start := time.Now()
	bytesIn, bytesOut, ferr := pc.backend.Forward(sessCtx, client, client)
	healthy := ferr == nil
	pool.Release(pc, healthy)

	if r.metrics != nil {
		r.metrics.RecordOperation("router", "session", time.Since(start), healthy)
		if !healthy {
			r.metrics.RecordError("router", "session", ferr)
		}
	}
	sess.info.BytesIn = uint64(bytesIn)
	sess.info.BytesOut = uint64(bytesOut)
}

// selectWithWait retries selection against fresh snapshots until a target
// is found or WaitForPrimary elapses.
func (r *Router) selectWithWait(ctx context.Context, intent types.Intent) (types.NodeID, types.Epoch, error) {
	deadline := time.Now().Add(r.cfg.WaitForPrimary)
	sub := r.topology.Subscribe()

	for {
		node, epoch, err := selectUpstream(r.topology.Current(), r.cfg.GroupID, intent, r.cfg.Routing, r)
		if err == nil {
			return node, epoch, nil
		}
		if time.Now().After(deadline) {
			return "", 0, err
		}
		select {
		case <-sub:
		case <-time.After(100 * time.Millisecond):
		case <-ctx.Done():
			return "", 0, ctx.Err()
		}
	}
}

func (r *Router) trackSession(node types.NodeID, s *session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.sessionsByNode[node]
	if !ok {
		set = make(map[*session]struct{})
		r.sessionsByNode[node] = set
	}
	set[s] = struct{}{}
}

func (r *Router) untrackSession(node types.NodeID, s *session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if set, ok := r.sessionsByNode[node]; ok {
		delete(set, s)
	}
}

// watchTopology reconciles pool draining state on every snapshot change.
func (r *Router) watchTopology(ctx context.Context) {
	sub := r.topology.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-sub:
			r.reconcile(r.topology.Current())
		}
	}
}

// reconcile marks pools for nodes that are no longer leader-for-write or
// healthy-for-read as draining, per the topology-change handling rule.
func (r *Router) reconcile(snapshot *types.TopologySnapshot) {
	healthy := make(map[types.NodeID]bool)
	for _, gt := range snapshot.Groups {
		if gt.Leader.Known {
			healthy[gt.Leader.NodeID] = true
		}
		for _, rep := range gt.InSync {
			healthy[rep.NodeID] = true
		}
	}

	r.mu.Lock()
	pools := make(map[types.NodeID]*upstreamPool, len(r.pools))
	for node, p := range r.pools {
		pools[node] = p
	}
	r.mu.Unlock()

	for node, p := range pools {
		if healthy[node] {
			p.SetDraining(false)
			continue
		}
		p.SetDraining(true)
		r.cancelSessions(node)
	}
}

func (r *Router) cancelSessions(node types.NodeID) {
	r.mu.Lock()
	set := r.sessionsByNode[node]
	sessions := make([]*session, 0, len(set))
	for s := range set {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()
	for _, s := range sessions {
		s.cancel()
	}
}

// RejectWriteIntents implements lease.Demoter: toggles whether new
// write-intent sessions are accepted.
func (r *Router) RejectWriteIntents(reject bool) {
	r.mu.Lock()
	r.rejectingWrites = reject
	r.mu.Unlock()
}

// DrainWriteSessions implements lease.Demoter: drains the local node's
// upstream pool, closing survivors once timeout elapses.
func (r *Router) DrainWriteSessions(ctx context.Context, timeout time.Duration) error {
	r.mu.Lock()
	p, ok := r.pools[r.cfg.LocalNodeID]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	p.SetDraining(true)
	r.cancelSessionsAfter(r.cfg.LocalNodeID, timeout)
	return nil
}

func (r *Router) cancelSessionsAfter(node types.NodeID, timeout time.Duration) {
	select {
	case <-time.After(timeout):
	}
	r.cancelSessions(node)
}
