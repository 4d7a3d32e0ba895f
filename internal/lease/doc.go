// Package lease implements the Leader Lease Manager (LLM): a per-group,
// per-node state machine that competes for and renews a leader lease in the
// consensus store, runs the two-phase WAL-ordered election when a seat
// opens up, and demotes gracefully when the lease is lost or surrendered.
package lease
