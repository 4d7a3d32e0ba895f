// Package health implements the Health Monitor (HM): a per-node, per-group
// probe loop that classifies the local database endpoint's role and
// publishes the result to the consensus store under a TTL lease.
//
// Probing the database itself is left to a DBProbe implementation supplied
// by the caller — this package owns the scheduling, classification,
// publish-retry, and demote-to-local-only behavior, not wire-protocol
// parsing of the probe responses.
package health
