package health

import (
	"context"
	"sync"
	"time"

	cperrors "github.com/pgcluster/controlplane/pkg/errors"
	"github.com/pgcluster/controlplane/pkg/retry"
	"github.com/pgcluster/controlplane/pkg/types"
	"github.com/pgcluster/controlplane/pkg/utils"
)

// maxMissedPublishIntervals is the number of consecutive failed publish
// cycles the monitor tolerates; once more than this many have failed it
// demotes itself to local-only: it keeps
// classifying but stops believing its published view is current, so other
// components fall back to treating this node as Unknown.
const maxMissedPublishIntervals = 3

// Config configures one Health Monitor instance, scoped to a single
// (group, node) pair.
type Config struct {
	GroupID    types.GroupID
	NodeID     types.NodeID
	Interval   time.Duration
	Timeout    time.Duration
	Thresholds Thresholds
}

// Monitor runs the probe-classify-publish loop for one database endpoint.
type Monitor struct {
	cfg     Config
	probe   DBProbe
	store   types.ConsensusStore
	logger  *utils.StructuredLogger
	metrics types.MetricsCollector
	retryer *retry.Retryer

	mu                sync.RWMutex
	lastLocal         types.HealthReport
	haveLocal         bool
	inFlight          bool
	consecutiveMisses int
	localOnly         bool

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewMonitor constructs a Monitor. probe performs the actual database round
// trip; store is where HealthReports are published.
func NewMonitor(cfg Config, probe DBProbe, store types.ConsensusStore, logger *utils.StructuredLogger, metrics types.MetricsCollector) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if logger == nil {
		logger, _ = utils.NewStructuredLogger(utils.DefaultStructuredLoggerConfig())
	}

	retryCfg := retry.Config{
		MaxAttempts:     4,
		InitialDelay:    time.Second,
		MaxDelay:        30 * time.Second,
		Multiplier:      2.0,
		Jitter:          true,
		RetryableErrors: []cperrors.ErrorCode{cperrors.ErrCodeTransient, cperrors.ErrCodeConflict},
	}

	return &Monitor{
		cfg:     cfg,
		probe:   probe,
		store:   store,
		logger:  logger.WithComponent("health").WithField("group", string(cfg.GroupID)).WithField("node", string(cfg.NodeID)),
		metrics: metrics,
		retryer: retry.New(retryCfg),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start runs the probe loop until ctx is canceled or Stop is called.
func (m *Monitor) Start(ctx context.Context) {
	go m.run(ctx)
}

// Stop halts the probe loop and waits for the in-flight cycle to finish.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	<-m.doneCh
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

// tick runs one probe-classify-publish cycle. Probes are single-flight per
// node: if the previous cycle is still running, this tick is skipped rather
// than stacked.
func (m *Monitor) tick(ctx context.Context) {
	m.mu.Lock()
	if m.inFlight {
		m.mu.Unlock()
		return
	}
	m.inFlight = true
	m.mu.Unlock()

	go func() {
		defer func() {
			m.mu.Lock()
			m.inFlight = false
			m.mu.Unlock()
		}()
		m.runOnce(ctx)
	}()
}

func (m *Monitor) runOnce(ctx context.Context) {
	start := time.Now()
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	result, err := m.probe.Probe(probeCtx)
	role := classify(result, err, m.cfg.Thresholds)
	if err != nil {
		m.logger.Debug("probe failed, classifying as Unreachable", map[string]interface{}{"error": err.Error()})
	}

	report := types.HealthReport{
		NodeID:              m.cfg.NodeID,
		GroupID:             m.cfg.GroupID,
		Role:                role,
		ReplicationLagBytes: result.ReplicationLagBytes,
		LastWAL:             result.WALPosition,
		ObservedAt:          time.Now(),
	}
	m.setLocal(report)

	if m.metrics != nil {
		m.metrics.RecordOperation("health_monitor", "probe", time.Since(start), err == nil)
	}

	m.publish(ctx, report)
}

func (m *Monitor) setLocal(r types.HealthReport) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastLocal = r
	m.haveLocal = true
}

// LocalReport returns the most recently classified local observation,
// regardless of whether it was successfully published.
func (m *Monitor) LocalReport() (types.HealthReport, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastLocal, m.haveLocal
}

// LocalOnly reports whether the monitor has demoted itself after repeated
// publish failures: its classification is still current, but the
// consensus store's view of this node may be stale or absent.
func (m *Monitor) LocalOnly() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.localOnly
}

func (m *Monitor) publish(ctx context.Context, report types.HealthReport) {
	key := healthKey(report.GroupID, report.NodeID)
	ttl := 3 * m.cfg.Interval

	err := m.retryer.DoWithContext(ctx, func(attemptCtx context.Context) error {
		leaseID, lerr := m.store.GrantLease(attemptCtx, ttl)
		if lerr != nil {
			return lerr
		}
		_, perr := m.store.Put(attemptCtx, key, encodeReport(report), leaseID)
		return perr
	})

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.consecutiveMisses++
		if m.consecutiveMisses > maxMissedPublishIntervals {
			if !m.localOnly {
				m.logger.Warn("demoting to local-only after repeated publish failures")
			}
			m.localOnly = true
		}
		if m.metrics != nil {
			m.metrics.RecordError("health_monitor", "publish", err)
		}
		return
	}
	m.consecutiveMisses = 0
	if m.localOnly {
		m.logger.Info("publish recovered, resuming consensus-backed reporting")
	}
	m.localOnly = false
}
