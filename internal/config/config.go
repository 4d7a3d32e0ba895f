package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Configuration represents the complete control-plane configuration. Only the
// fields enumerated here are recognized; LoadFromFile rejects unknown keys.
type Configuration struct {
	ListenAddress      string       `yaml:"listen_address"`
	ClusterID          string       `yaml:"cluster_id"`
	NodeID             string       `yaml:"node_id"`
	ConsensusEndpoints []string     `yaml:"consensus_endpoints"`
	Groups             []GroupConfig `yaml:"groups"`
	Pool               PoolConfig   `yaml:"pool"`
	Probe              ProbeConfig  `yaml:"probe"`
	Routing            RoutingConfig `yaml:"routing"`

	// Admin is ambient, not part of the bit-exact external interface of the
	// consensus-store key layout — it configures the admin HTTP surface only.
	Admin AdminConfig `yaml:"admin"`
}

// GroupConfig describes one replication group.
type GroupConfig struct {
	ID                string            `yaml:"id"`
	Members           map[string]string `yaml:"members"` // NodeID -> endpoint
	LeaseTTL          time.Duration     `yaml:"lease_ttl"`
	LagThresholdBytes int64             `yaml:"lag_threshold_bytes"`
	LagThresholdSecs  int               `yaml:"lag_threshold_seconds"`
}

// PoolConfig configures the connection router/pool (CRP).
type PoolConfig struct {
	MaxPerUpstream       int           `yaml:"max_per_upstream"`
	MaxClientConnections int           `yaml:"max_client_connections"`
	EnqueueTimeout       time.Duration `yaml:"enqueue_timeout"`
	DrainTimeout         time.Duration `yaml:"drain_timeout"`
	IdleTimeout          time.Duration `yaml:"idle_timeout"`
}

// ProbeConfig configures the health monitor (HM).
type ProbeConfig struct {
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

// RoutingConfig configures read/write routing behavior in CRP.
type RoutingConfig struct {
	ReadOnlyFallbackToPrimary bool          `yaml:"read_only_fallback_to_primary"`
	WaitForPrimary            time.Duration `yaml:"wait_for_primary"`
}

// AdminConfig configures the ambient admin HTTP surface (health/status/metrics).
type AdminConfig struct {
	ListenAddress string `yaml:"listen_address"`
	LogLevel      string `yaml:"log_level"`
	LogFile       string `yaml:"log_file"`
}

// NewDefault returns a configuration with the defaults named throughout the spec.
func NewDefault() *Configuration {
	return &Configuration{
		ListenAddress:      ":5432",
		ConsensusEndpoints: []string{"127.0.0.1:2379"},
		Groups:             nil,
		Pool: PoolConfig{
			MaxPerUpstream:       100,
			MaxClientConnections: 10000,
			EnqueueTimeout:       2 * time.Second,
			DrainTimeout:         10 * time.Second,
			IdleTimeout:          600 * time.Second,
		},
		Probe: ProbeConfig{
			Interval: 1 * time.Second,
			Timeout:  2 * time.Second,
		},
		Routing: RoutingConfig{
			ReadOnlyFallbackToPrimary: true,
			WaitForPrimary:            3 * time.Second,
		},
		Admin: AdminConfig{
			ListenAddress: ":8081",
			LogLevel:      "INFO",
		},
	}
}

// LoadFromFile loads configuration from a YAML file, rejecting unknown fields.
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.SetStrict(true)
	if err := decoder.Decode(c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadFromEnv applies environment-variable overrides for scalar fields.
func (c *Configuration) LoadFromEnv() error {
	if val := os.Getenv("PGCTLD_LISTEN_ADDRESS"); val != "" {
		c.ListenAddress = val
	}
	if val := os.Getenv("PGCTLD_CLUSTER_ID"); val != "" {
		c.ClusterID = val
	}
	if val := os.Getenv("PGCTLD_NODE_ID"); val != "" {
		c.NodeID = val
	}
	if val := os.Getenv("PGCTLD_CONSENSUS_ENDPOINTS"); val != "" {
		c.ConsensusEndpoints = strings.Split(val, ",")
	}

	if val := os.Getenv("PGCTLD_POOL_MAX_PER_UPSTREAM"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Pool.MaxPerUpstream = n
		}
	}
	if val := os.Getenv("PGCTLD_POOL_MAX_CLIENT_CONNECTIONS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Pool.MaxClientConnections = n
		}
	}
	if val := os.Getenv("PGCTLD_POOL_ENQUEUE_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Pool.EnqueueTimeout = d
		}
	}
	if val := os.Getenv("PGCTLD_POOL_DRAIN_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Pool.DrainTimeout = d
		}
	}
	if val := os.Getenv("PGCTLD_POOL_IDLE_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Pool.IdleTimeout = d
		}
	}

	if val := os.Getenv("PGCTLD_PROBE_INTERVAL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Probe.Interval = d
		}
	}
	if val := os.Getenv("PGCTLD_PROBE_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Probe.Timeout = d
		}
	}

	if val := os.Getenv("PGCTLD_ROUTING_READ_ONLY_FALLBACK_TO_PRIMARY"); val != "" {
		c.Routing.ReadOnlyFallbackToPrimary = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("PGCTLD_ROUTING_WAIT_FOR_PRIMARY"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Routing.WaitForPrimary = d
		}
	}

	if val := os.Getenv("PGCTLD_ADMIN_LISTEN_ADDRESS"); val != "" {
		c.Admin.ListenAddress = val
	}
	if val := os.Getenv("PGCTLD_LOG_LEVEL"); val != "" {
		c.Admin.LogLevel = val
	}
	if val := os.Getenv("PGCTLD_LOG_FILE"); val != "" {
		c.Admin.LogFile = val
	}

	return nil
}

// SaveToFile saves the configuration to a YAML file.
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration, rejecting anything that would leave a
// component unable to start.
func (c *Configuration) Validate() error {
	if c.ListenAddress == "" {
		return fmt.Errorf("listen_address is required")
	}
	if c.ClusterID == "" {
		return fmt.Errorf("cluster_id is required")
	}
	if c.NodeID == "" {
		return fmt.Errorf("node_id is required")
	}
	if len(c.ConsensusEndpoints) == 0 {
		return fmt.Errorf("consensus_endpoints must have at least one entry")
	}

	seen := make(map[string]bool, len(c.Groups))
	for _, g := range c.Groups {
		if g.ID == "" {
			return fmt.Errorf("group with empty id")
		}
		if seen[g.ID] {
			return fmt.Errorf("duplicate group id: %s", g.ID)
		}
		seen[g.ID] = true
		if len(g.Members) == 0 {
			return fmt.Errorf("group %s has no members", g.ID)
		}
		if g.LeaseTTL <= 0 {
			return fmt.Errorf("group %s: lease_ttl must be greater than 0", g.ID)
		}
		if g.LagThresholdBytes < 0 {
			return fmt.Errorf("group %s: lag_threshold_bytes cannot be negative", g.ID)
		}
		if g.LagThresholdSecs < 0 {
			return fmt.Errorf("group %s: lag_threshold_seconds cannot be negative", g.ID)
		}
	}

	if c.Pool.MaxPerUpstream <= 0 {
		return fmt.Errorf("pool.max_per_upstream must be greater than 0")
	}
	if c.Pool.MaxClientConnections <= 0 {
		return fmt.Errorf("pool.max_client_connections must be greater than 0")
	}
	if c.Pool.EnqueueTimeout <= 0 {
		return fmt.Errorf("pool.enqueue_timeout must be greater than 0")
	}
	if c.Pool.DrainTimeout <= 0 {
		return fmt.Errorf("pool.drain_timeout must be greater than 0")
	}

	if c.Probe.Interval <= 0 {
		return fmt.Errorf("probe.interval must be greater than 0")
	}
	if c.Probe.Timeout <= 0 {
		return fmt.Errorf("probe.timeout must be greater than 0")
	}
	if c.Probe.Timeout >= c.Probe.Interval*3 {
		return fmt.Errorf("probe.timeout must be smaller than three times probe.interval")
	}

	if c.Routing.WaitForPrimary <= 0 {
		return fmt.Errorf("routing.wait_for_primary must be greater than 0")
	}

	validLogLevels := []string{"DEBUG", "INFO", "WARN", "ERROR"}
	logLevel := c.Admin.LogLevel
	if logLevel == "" {
		logLevel = "INFO"
	}
	logLevelValid := false
	for _, level := range validLogLevels {
		if logLevel == level {
			logLevelValid = true
			break
		}
	}
	if !logLevelValid {
		return fmt.Errorf("invalid log_level: %s (must be one of: %s)",
			logLevel, strings.Join(validLogLevels, ", "))
	}

	return nil
}

// GroupByID returns the configured group with the given ID, if any.
func (c *Configuration) GroupByID(id string) (GroupConfig, bool) {
	for _, g := range c.Groups {
		if g.ID == id {
			return g, true
		}
	}
	return GroupConfig{}, false
}
