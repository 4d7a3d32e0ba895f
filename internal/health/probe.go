package health

import "context"

// ProbeResult is what a DBProbe reports back for one probe attempt. Only
// the fields the classification rules need are surfaced; everything else
// about the database's internal state is out of scope.
type ProbeResult struct {
	// Reachable is false if the probe could not establish a connection or
	// timed out within T_timeout.
	Reachable bool

	// Writable is true when the database reports itself as primary.
	Writable bool

	// InRecovery is true when the database reports itself in standby/recovery.
	InRecovery bool

	// ReplicationLagBytes and ReplicationLagSecs are only meaningful
	// when InRecovery is true.
	ReplicationLagBytes uint64
	ReplicationLagSecs  float64

	// WALPosition is the node's current WAL position, used both in the
	// published HealthReport and as the election tie-breaker.
	WALPosition uint64
}

// DBProbe is the narrow capability the Health Monitor needs from a database
// endpoint: a single round trip that reports writability, recovery state,
// and replication lag. Implementations speak whatever wire protocol the
// underlying database uses; this package never parses it directly.
type DBProbe interface {
	// Probe performs one probe attempt, respecting ctx's deadline.
	Probe(ctx context.Context) (ProbeResult, error)
}

// DatabaseDemoter issues the local command that renders a database
// non-writable during a leadership demotion. It is deliberately separate
// from DBProbe: demoting is a privileged, rarely-exercised path, while
// probing runs on every tick.
type DatabaseDemoter interface {
	DemoteDatabase(ctx context.Context) error
}
