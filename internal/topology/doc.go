// Package topology implements the Topology Broadcaster (TB): it derives the
// canonical cluster view — per-group leader, in-sync replicas, lagging
// replicas, and dead/unknown nodes — from consensus-store state, and fans
// out version-numbered snapshots to subscribers via an atomic pointer swap.
package topology
