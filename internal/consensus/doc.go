// Package consensus implements the Consensus Client (CC): a thin wrapper
// around an etcd cluster providing the capability set every other component
// is built on — atomic compare-and-swap, time-bounded leases, restartable
// key-prefix watches, and a monotonic cluster clock derived from etcd's
// revision counter.
//
// Every other component (Health Monitor, Leader Lease Manager, Topology
// Broadcaster, Connection Router/Pool) depends only on types.ConsensusStore,
// never on this package directly, so a test double can stand in without an
// etcd cluster.
package consensus
