/*
Package config provides configuration management for the control plane with
file and environment-variable sources.

# Configuration Architecture

Two-source hierarchy with precedence:

	┌─────────────────────────────────────────────┐
	│        Environment Variables                │ ← Highest Priority
	│             (PGCTLD_*)                      │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│         Configuration File                  │
	│            (YAML format)                    │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│           Default Values                    │ ← Lowest Priority
	│        (Compiled-in defaults)              │
	└─────────────────────────────────────────────┘

Only the fields enumerated in Configuration are recognized; LoadFromFile
rejects unknown keys rather than silently ignoring typos.

# Usage

	cfg := config.NewDefault()

	if err := cfg.LoadFromFile("/etc/pgctld/config.yaml"); err != nil {
		log.Fatal(err)
	}
	if err := cfg.LoadFromEnv(); err != nil {
		log.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}

Configuration file format:

	listen_address: ":5432"
	cluster_id: "prod-cluster-1"
	node_id: "node-a"
	consensus_endpoints:
	  - "10.0.0.1:2379"
	  - "10.0.0.2:2379"
	groups:
	  - id: "g1"
	    members:
	      node-a: "10.0.1.1:5432"
	      node-b: "10.0.1.2:5432"
	    lease_ttl: 10s
	    lag_threshold_bytes: 16777216
	    lag_threshold_seconds: 5
	pool:
	  max_per_upstream: 100
	  max_client_connections: 10000
	  enqueue_timeout: 2s
	  drain_timeout: 10s
	  idle_timeout: 600s
	probe:
	  interval: 1s
	  timeout: 2s
	routing:
	  read_only_fallback_to_primary: true
	  wait_for_primary: 3s

No persisted state on local disk is required beyond this file; all
cross-process state lives in the consensus store.
*/
package config
