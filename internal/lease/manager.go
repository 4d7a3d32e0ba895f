package lease

import (
	"context"
	"strings"
	"sync"
	"time"

	cperrors "github.com/pgcluster/controlplane/pkg/errors"
	"github.com/pgcluster/controlplane/pkg/retry"
	"github.com/pgcluster/controlplane/pkg/types"
	"github.com/pgcluster/controlplane/pkg/utils"
)

// LocalHealth is the narrow view the manager needs of the Health Monitor:
// the most recently classified role for the local database endpoint.
type LocalHealth interface {
	LocalReport() (types.HealthReport, bool)
}

// Demoter is the capability the manager needs from the Connection
// Router/Pool and the local database during a demotion sequence.
type Demoter interface {
	// RejectWriteIntents toggles whether new write-intent sessions are
	// accepted; called with true the instant demotion begins.
	RejectWriteIntents(reject bool)

	// DemoteDatabase issues whatever local command renders the database
	// non-writable.
	DemoteDatabase(ctx context.Context) error

	// DrainWriteSessions blocks until existing write sessions finish or
	// timeout elapses, then forcibly closes any survivors.
	DrainWriteSessions(ctx context.Context, timeout time.Duration) error
}

// Config configures one LLM instance, scoped to a single (group, node) pair.
type Config struct {
	GroupID      types.GroupID
	NodeID       types.NodeID
	Members      []types.NodeID // every node eligible to post an election proposal for this group
	LeaseTTL     time.Duration
	ElectWait    time.Duration // T_elect, phase-1/phase-2 gap
	DrainTimeout time.Duration
	DeadAfter    time.Duration // T_dead: how long an Unreachable leader must persist before its lease is contestable
}

// Manager runs the per-group leadership state machine.
type Manager struct {
	cfg     Config
	store   types.ConsensusStore
	health  LocalHealth
	demoter Demoter
	logger  *utils.StructuredLogger
	metrics types.MetricsCollector
	retryer *retry.Retryer

	mu            sync.RWMutex
	state         State
	epoch         types.Epoch
	leaseRevision int64 // fencing token: the CC revision the current lease write landed at

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewManager constructs a Manager. health supplies the local HM's
// classification; demoter signals the CRP and the local database.
func NewManager(cfg Config, store types.ConsensusStore, health LocalHealth, demoter Demoter, logger *utils.StructuredLogger, metrics types.MetricsCollector) *Manager {
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 15 * time.Second
	}
	if cfg.ElectWait <= 0 {
		cfg.ElectWait = time.Second
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 10 * time.Second
	}
	if cfg.DeadAfter <= 0 {
		cfg.DeadAfter = 3 * cfg.LeaseTTL
	}
	if logger == nil {
		logger, _ = utils.NewStructuredLogger(utils.DefaultStructuredLoggerConfig())
	}

	return &Manager{
		cfg:     cfg,
		store:   store,
		health:  health,
		demoter: demoter,
		logger:  logger.WithComponent("lease").WithField("group", string(cfg.GroupID)).WithField("node", string(cfg.NodeID)),
		metrics: metrics,
		retryer: retry.New(retry.DefaultConfig()),
		state:   StateFollower,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// safetyMargin is one third of the lease TTL, per the renewal-before-expiry rule.
func (m *Manager) safetyMargin() time.Duration {
	return m.cfg.LeaseTTL / 3
}

// State returns the manager's current state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Epoch returns the fencing epoch from the most recent successful lease CAS
// this node performed, valid only while State() == StateLeader.
func (m *Manager) Epoch() types.Epoch {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.epoch
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	prev := m.state
	m.state = s
	m.mu.Unlock()
	if prev != s {
		m.logger.Info("state transition", map[string]interface{}{"from": prev.String(), "to": s.String()})
	}
}

// Start runs the state machine loop until ctx is canceled or Stop is called.
func (m *Manager) Start(ctx context.Context) {
	go m.run(ctx)
}

// Stop requests a graceful shutdown: if leading, the lease is released
// best-effort before the loop exits.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	<-m.doneCh
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.doneCh)

	for {
		select {
		case <-ctx.Done():
			m.release(context.Background())
			m.setState(StateStopped)
			return
		case <-m.stopCh:
			m.release(context.Background())
			m.setState(StateStopped)
			return
		default:
		}

		switch m.State() {
		case StateFollower:
			m.runFollower(ctx)
		case StateCandidate:
			m.runCandidate(ctx)
		case StateLeader:
			m.runLeader(ctx)
		case StateDemoting:
			m.runDemoting(ctx)
		case StateStopped:
			return
		}
	}
}

// runFollower watches the lease and health keys, waiting for a reason to
// contest leadership.
func (m *Manager) runFollower(ctx context.Context) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			contestable, err := m.leaseIsContestable(ctx)
			if err != nil {
				continue // Transient: stay Follower, retry next tick.
			}
			if !contestable {
				continue
			}
			if !m.eligible(ctx) {
				continue
			}
			m.setState(StateCandidate)
			return
		}
	}
}

// leaseIsContestable reports whether the current lease is absent, expired,
// or held by a node reporting Unreachable for longer than DeadAfter.
func (m *Manager) leaseIsContestable(ctx context.Context) (bool, error) {
	raw, _, ok, err := m.store.Get(ctx, leaseKey(m.cfg.GroupID))
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}
	holder, _, expiresAt, err := decodeLease(raw)
	if err != nil {
		return true, nil // malformed lease is treated as absent
	}
	if time.Now().After(expiresAt) {
		return true, nil
	}
	if holder == m.cfg.NodeID {
		return false, nil
	}

	holderKey := healthKeyFor(m.cfg.GroupID, holder)
	hraw, _, hok, err := m.store.Get(ctx, holderKey)
	if err != nil || !hok {
		return false, nil
	}
	role, observedAt, derr := decodeHealthRoleAndTime(hraw)
	if derr != nil {
		return false, nil
	}
	if role == types.RoleUnreachable && time.Since(observedAt) > m.cfg.DeadAfter {
		return true, nil
	}
	return false, nil
}

// eligible reports whether this node may contest leadership: the local HM
// must report Primary or StandbyInSync (a prior-leader WAL carryover is
// handled by the election's tie-break, not here).
func (m *Manager) eligible(ctx context.Context) bool {
	if m.health == nil {
		return false
	}
	report, ok := m.health.LocalReport()
	if !ok {
		return false
	}
	return report.Role == types.RolePrimary || report.Role == types.RoleStandbyInSync
}

// runCandidate executes the two-phase election and, on winning, attempts
// the lease CAS.
func (m *Manager) runCandidate(ctx context.Context) {
	report, ok := m.health.LocalReport()
	if !ok {
		m.setState(StateFollower)
		return
	}

	if _, err := m.store.Put(ctx, electionKey(m.cfg.GroupID, m.cfg.NodeID), encodeElectionProposal(report.LastWAL), 0); err != nil {
		m.setState(StateFollower)
		return
	}

	select {
	case <-time.After(m.cfg.ElectWait):
	case <-ctx.Done():
		return
	case <-m.stopCh:
		return
	}

	won, err := m.wonElection(ctx)
	if err != nil || !won {
		m.setState(StateFollower)
		return
	}

	if err := m.tryBecomeLeader(ctx); err != nil {
		m.setState(StateFollower)
		return
	}
	m.setState(StateLeader)
}

// wonElection reads every member's phase-1 proposal for the group (absent
// members are simply not in the running) and reports whether this node has
// the strictly highest WAL, ties broken by the lexicographically smallest
// NodeID.
func (m *Manager) wonElection(ctx context.Context) (bool, error) {
	type proposal struct {
		node types.NodeID
		wal  uint64
	}
	var best *proposal

	members := m.cfg.Members
	if len(members) == 0 {
		members = []types.NodeID{m.cfg.NodeID}
	}

	for _, node := range members {
		raw, _, ok, err := m.store.Get(ctx, electionKey(m.cfg.GroupID, node))
		if err != nil {
			return false, err
		}
		if !ok {
			continue
		}
		wal, err := decodeElectionProposal(raw)
		if err != nil {
			continue
		}
		p := proposal{node: node, wal: wal}
		if best == nil || p.wal > best.wal || (p.wal == best.wal && p.node < best.node) {
			best = &p
		}
	}
	if best == nil {
		return false, nil
	}
	return best.node == m.cfg.NodeID, nil
}

// tryBecomeLeader performs the lease CAS that actually grants leadership.
func (m *Manager) tryBecomeLeader(ctx context.Context) error {
	_, rev, ok, err := m.store.Get(ctx, leaseKey(m.cfg.GroupID))
	if err != nil {
		return err
	}

	now, err := m.store.Now(ctx)
	if err != nil {
		return err
	}
	newEpoch := types.Epoch(now + 1)
	expiresAt := time.Now().Add(m.cfg.LeaseTTL)
	newValue := encodeLease(m.cfg.NodeID, newEpoch, expiresAt)

	var newRev int64
	if !ok {
		newRev, err = m.store.CompareAndSwap(ctx, leaseKey(m.cfg.GroupID), 0, true, newValue, 0)
	} else {
		newRev, err = m.store.CompareAndSwap(ctx, leaseKey(m.cfg.GroupID), rev, false, newValue, 0)
	}
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.epoch = newEpoch
	m.leaseRevision = newRev
	m.mu.Unlock()
	return nil
}

// runLeader renews the lease before its safety margin elapses and begins
// demotion the instant renewal fails.
func (m *Manager) runLeader(ctx context.Context) {
	for {
		m.mu.RLock()
		rev := m.leaseRevision
		m.mu.RUnlock()

		_, _, _, expiresAt, err := m.currentLease(ctx)
		if err != nil {
			m.setState(StateDemoting)
			return
		}

		renewAt := expiresAt.Add(-m.safetyMargin())
		wait := time.Until(renewAt)
		if wait < 0 {
			wait = 0
		}

		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-time.After(wait):
		}

		if err := m.renew(ctx, rev); err != nil {
			m.setState(StateDemoting)
			return
		}
	}
}

func (m *Manager) currentLease(ctx context.Context) (types.NodeID, int64, types.Epoch, time.Time, error) {
	raw, rev, ok, err := m.store.Get(ctx, leaseKey(m.cfg.GroupID))
	if err != nil {
		return "", 0, 0, time.Time{}, err
	}
	if !ok {
		return "", 0, 0, time.Time{}, cperrors.NewError(cperrors.ErrCodeLeaseLost, "lease key vanished")
	}
	holder, epoch, expiresAt, err := decodeLease(raw)
	if err != nil {
		return "", 0, 0, time.Time{}, err
	}
	if holder != m.cfg.NodeID {
		return holder, rev, epoch, expiresAt, cperrors.NewError(cperrors.ErrCodeLeaseLost, "lease held by another node")
	}
	return holder, rev, epoch, expiresAt, nil
}

func (m *Manager) renew(ctx context.Context, expectedRevision int64) error {
	newEpoch := m.Epoch() // epoch is stable across renewals, only ExpiresAt advances
	expiresAt := time.Now().Add(m.cfg.LeaseTTL)
	newValue := encodeLease(m.cfg.NodeID, newEpoch, expiresAt)

	newRev, err := m.store.CompareAndSwap(ctx, leaseKey(m.cfg.GroupID), expectedRevision, false, newValue, 0)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.leaseRevision = newRev
	m.mu.Unlock()
	return nil
}

// runDemoting executes the mandatory demotion sequence before returning to Follower.
func (m *Manager) runDemoting(ctx context.Context) {
	if m.demoter != nil {
		m.demoter.RejectWriteIntents(true)
		_ = m.demoter.DemoteDatabase(ctx)
		_ = m.demoter.DrainWriteSessions(ctx, m.cfg.DrainTimeout)
		m.demoter.RejectWriteIntents(false)
	}
	m.setState(StateFollower)
}

// release best-effort deletes the lease if this node currently holds it,
// called once on shutdown.
func (m *Manager) release(ctx context.Context) {
	m.mu.RLock()
	rev := m.leaseRevision
	state := m.state
	m.mu.RUnlock()
	if state != StateLeader && state != StateDemoting {
		return
	}
	_, _ = m.store.Delete(ctx, leaseKey(m.cfg.GroupID), rev, true)
}

func healthKeyFor(group types.GroupID, node types.NodeID) string {
	var b strings.Builder
	b.WriteString("/health/")
	b.WriteString(string(group))
	b.WriteByte('/')
	b.WriteString(string(node))
	return b.String()
}
