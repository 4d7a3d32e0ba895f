package router

import (
	"context"
	"sync"
	"time"

	"github.com/pgcluster/controlplane/internal/circuit"
	cperrors "github.com/pgcluster/controlplane/pkg/errors"
	"github.com/pgcluster/controlplane/pkg/types"
)

// pooledConn wraps a live backend connection with its pool bookkeeping.
type pooledConn struct {
	backend  types.UpstreamBackend
	lastUsed time.Time
}

// PoolConfig bounds one upstream's connection pool.
type PoolConfig struct {
	MaxPerUpstream int
	EnqueueTimeout time.Duration
	DrainTimeout   time.Duration
	IdleTimeout    time.Duration
}

// upstreamPool manages connections to a single database endpoint: a bounded
// set of live connections, a FIFO queue for callers beyond the bound, and a
// circuit breaker guarding against reconnect storms. No I/O is ever
// performed while the pool's mutex is held.
type upstreamPool struct {
	nodeID   types.NodeID
	endpoint string
	cfg      PoolConfig
	dialer   BackendDialer
	breaker  *circuit.CircuitBreaker

	mu       sync.Mutex
	live     int
	idle     []*pooledConn
	waiters  []chan *pooledConn
	draining bool
}

func newUpstreamPool(nodeID types.NodeID, endpoint string, cfg PoolConfig, dialer BackendDialer) *upstreamPool {
	breakerCfg := circuit.Config{
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     time.Second, // cooldown before a half-open trial; fixed, it does not grow on repeated trips
		ReadyToTrip: func(counts circuit.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	}
	return &upstreamPool{
		nodeID:   nodeID,
		endpoint: endpoint,
		cfg:      cfg,
		dialer:   dialer,
		breaker:  circuit.NewCircuitBreaker(string(nodeID), breakerCfg),
	}
}

// Acquire returns a live connection, dialing a new one if under the bound,
// or waiting in FIFO order up to EnqueueTimeout, or failing with PoolFull.
func (p *upstreamPool) Acquire(ctx context.Context) (*pooledConn, error) {
	p.mu.Lock()
	if p.draining {
		p.mu.Unlock()
		return nil, cperrors.NewError(cperrors.ErrCodeTopologyChanged, "upstream is draining").WithNode(string(p.nodeID))
	}
	if n := len(p.idle); n > 0 {
		pc := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return pc, nil
	}
	if p.live < p.cfg.MaxPerUpstream {
		p.live++
		p.mu.Unlock()
		return p.dial(ctx)
	}
	wait := make(chan *pooledConn, 1)
	p.waiters = append(p.waiters, wait)
	p.mu.Unlock()

	timeout := p.cfg.EnqueueTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	select {
	case pc := <-wait:
		if pc == nil {
			return nil, cperrors.NewError(cperrors.ErrCodePoolFull, "upstream pool exhausted").WithNode(string(p.nodeID))
		}
		return pc, nil
	case <-time.After(timeout):
		p.removeWaiter(wait)
		return nil, cperrors.NewError(cperrors.ErrCodePoolFull, "timed out waiting for a pooled connection").WithNode(string(p.nodeID))
	case <-ctx.Done():
		p.removeWaiter(wait)
		return nil, ctx.Err()
	}
}

func (p *upstreamPool) removeWaiter(target chan *pooledConn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, w := range p.waiters {
		if w == target {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
}

func (p *upstreamPool) dial(ctx context.Context) (*pooledConn, error) {
	var backend types.UpstreamBackend
	err := p.breaker.Execute(func() error {
		b, derr := p.dialer(ctx, p.endpoint)
		if derr != nil {
			return derr
		}
		if cerr := b.Connect(ctx); cerr != nil {
			b.Close()
			return cerr
		}
		backend = b
		return nil
	})
	if err != nil {
		p.mu.Lock()
		p.live--
		p.mu.Unlock()
		return nil, cperrors.NewError(cperrors.ErrCodeTransient, "failed to dial upstream").WithNode(string(p.nodeID)).WithCause(err)
	}
	return &pooledConn{backend: backend, lastUsed: time.Now()}, nil
}

// Release returns a connection to the pool, or hands it directly to the
// longest-waiting caller. healthy must be false if the connection failed
// during use, so it is closed and the slot freed rather than reused.
func (p *upstreamPool) Release(pc *pooledConn, healthy bool) {
	p.mu.Lock()
	if !healthy || p.draining {
		p.live--
		p.mu.Unlock()
		pc.backend.Close()
		return
	}
	pc.lastUsed = time.Now()
	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.mu.Unlock()
		w <- pc
		return
	}
	p.idle = append(p.idle, pc)
	p.mu.Unlock()
}

// SetDraining marks the pool as draining: no further connections are
// acquired, and in-flight waiters are failed immediately.
func (p *upstreamPool) SetDraining(draining bool) {
	p.mu.Lock()
	p.draining = draining
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()
	for _, w := range waiters {
		w <- nil
	}
}

// ReapIdle closes idle connections that have exceeded IdleTimeout.
func (p *upstreamPool) ReapIdle() {
	if p.cfg.IdleTimeout <= 0 {
		return
	}
	p.mu.Lock()
	cutoff := time.Now().Add(-p.cfg.IdleTimeout)
	kept := p.idle[:0]
	var stale []*pooledConn
	for _, pc := range p.idle {
		if pc.lastUsed.Before(cutoff) {
			stale = append(stale, pc)
			p.live--
		} else {
			kept = append(kept, pc)
		}
	}
	p.idle = kept
	p.mu.Unlock()
	for _, pc := range stale {
		pc.backend.Close()
	}
}

// Close closes every idle connection and fails pending waiters; in-flight
// checked-out connections are closed when their holders call Release, since
// the pool is then draining.
func (p *upstreamPool) Close() {
	p.SetDraining(true)
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()
	for _, pc := range idle {
		pc.backend.Close()
	}
}

// LiveConns reports the current number of checked-out-or-idle connections,
// used to weight read-replica selection.
func (p *upstreamPool) LiveConns() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live
}
