/*
Package types provides the core data model and interfaces shared by every
control-plane component: NodeID, GroupID, Epoch, Lease, HealthReport,
TopologySnapshot, Upstream, and ClientSession, plus the polymorphic
abstractions components depend on — ConsensusStore, UpstreamBackend (over
the ConnLike byte stream) and MetricsCollector.

# Architecture Overview

	┌──────────────┐   ┌───────────────┐   ┌──────────────┐
	│ HealthMonitor│──▶│ ConsensusStore│◀──│LeaderLeaseMgr│
	└──────────────┘   └───────┬───────┘   └──────────────┘
	                           │
	                   ┌───────▼────────┐
	                   │TopologyBroadcst│
	                   └───────┬────────┘
	                           │ pointer-swap
	                   ┌───────▼────────┐
	                   │ ConnRouter/Pool│──▶ UpstreamBackend
	                   └────────────────┘

# Core Interfaces

ConsensusStore abstracts the strongly-consistent key-value store: atomic
compare-and-swap, time-bounded leases, key watches, and a monotonic cluster
clock. UpstreamBackend abstracts a single database connection: connect,
forward bytes, ping, close — the only capability set the router needs,
since wire-protocol parsing itself is out of scope.

# Data Structures

Lease, HealthReport, and TopologySnapshot are immutable values once
constructed; TopologySnapshot in particular is read-shared across router
session handlers via an atomic pointer swap, never mutated in place.

# Thread Safety

All interfaces here are implemented to be safe for concurrent use. Consensus
store operations may be called from any component's goroutine; the returned
WatchEvent channel is safe to range over from a single reader goroutine per
subscription.
*/
package types
