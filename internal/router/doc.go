// Package router implements the Connection Router/Pool (CRP): the data
// plane that accepts client connections, classifies each session's intent,
// selects a healthy upstream from the latest TopologySnapshot, and forwards
// bytes through a bounded, transaction-scoped connection pool.
//
// The database wire protocol itself is opaque to this package except for a
// startup-message intent hint; forwarding is byte-oriented, not
// message-aware.
package router
