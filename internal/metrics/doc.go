/*
Package metrics provides Prometheus-based metrics collection for the control
plane: per-component operation counters, plus domain gauges and counters for
lease renewals, leader elections, topology snapshot versions, and connection
pool saturation.

# Architecture

	┌─────────────┐
	│  Collector  │  ← aggregates operation + domain metrics
	└──────┬──────┘
	       │
	   ┌───┴────────────────────────────┐
	   │                                │
	┌──▼───────────┐         ┌─────────▼──────┐
	│  Prometheus  │         │  HTTP Endpoints │
	│   Registry   │         │  /metrics       │
	│              │         │  /health        │
	│ - Counters   │         │  /debug/metrics │
	│ - Histograms │         │  /debug/operations
	│ - Gauges     │         └─────────────────┘
	└──────────────┘

# Recording Operations

The Consensus Client, Health Monitor, Topology Broadcaster and Connection
Router/Pool report through the same types.MetricsCollector interface; the
Leader Lease Manager accepts a collector but records nothing through it:

	start := time.Now()
	_, _, _, err := store.Get(ctx, key)
	collector.RecordOperation("consensus", "get", time.Since(start), err == nil)
	if err != nil {
		collector.RecordError("consensus", "get", err)
	}

# Domain Metrics

	collector.RecordLeaseRenewal(groupID, success)
	collector.RecordElection(groupID, "won")
	collector.SetEpoch(groupID, epoch)
	collector.SetSnapshotVersion(snapshot.SnapshotVersion)
	collector.SetPoolUsage(upstreamNodeID, inUse, capacity)
	collector.RecordDrain(upstreamNodeID, drainDuration)
	collector.UpdateActiveConnections(count)

# Prometheus Metrics

Counters:
  - pgctld_operations_total{component,operation,status}
  - pgctld_errors_total{component,operation,type}
  - pgctld_lease_renewals_total{group,result}
  - pgctld_elections_total{group,result}

Histograms:
  - pgctld_operation_duration_seconds{component,operation}
  - pgctld_pool_drain_duration_seconds{upstream}

Gauges:
  - pgctld_group_epoch{group}
  - pgctld_topology_snapshot_version
  - pgctld_pool_connections_in_use{upstream}
  - pgctld_pool_connections_capacity{upstream}
  - pgctld_active_client_connections

# HTTP Endpoints

/metrics serves the Prometheus-formatted registry for scraping.
/health is a liveness probe for the metrics server itself.
/debug/metrics and /debug/operations provide human-readable summaries
without requiring a Prometheus scrape.

# Thread Safety

All Collector methods are safe for concurrent use from any component's
goroutine.

# See Also

  - internal/health: health probing and HealthReport publication
  - internal/lease: leader election and fencing
  - internal/circuit: circuit breaker for upstream reliability
  - pkg/errors: structured error taxonomy
*/
package metrics
