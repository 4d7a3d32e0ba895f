package metrics

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector aggregates control-plane metrics: per-component operation
// counters (satisfying types.MetricsCollector), plus domain gauges and
// counters for lease renewals, elections, topology snapshots, and pool
// saturation.
type Collector struct {
	mu       sync.RWMutex
	config   *Config
	registry *prometheus.Registry

	// Ambient operation metrics, one series per (component, operation).
	operationCounter  *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	errorCounter      *prometheus.CounterVec

	// Domain metrics.
	leaseRenewals     *prometheus.CounterVec
	electionsTotal    *prometheus.CounterVec
	currentEpoch      *prometheus.GaugeVec
	snapshotVersion   prometheus.Gauge
	poolInUse         *prometheus.GaugeVec
	poolCapacity      *prometheus.GaugeVec
	drainDuration     *prometheus.HistogramVec
	activeConnections prometheus.Gauge

	// Internal tracking, exposed via the debug endpoints.
	operations map[string]*OperationMetrics
	lastReset  time.Time

	server *http.Server
}

// Config controls metrics collection and the admin metrics server.
type Config struct {
	Enabled        bool              `yaml:"enabled"`
	Port           int               `yaml:"port"`
	Path           string            `yaml:"path"`
	Labels         map[string]string `yaml:"labels"`
	Namespace      string            `yaml:"namespace"`
	Subsystem      string            `yaml:"subsystem"`
	UpdateInterval time.Duration     `yaml:"update_interval"`
}

// OperationMetrics tracks aggregate stats for one (component, operation) pair.
type OperationMetrics struct {
	Count         int64         `json:"count"`
	TotalDuration time.Duration `json:"total_duration"`
	Errors        int64         `json:"errors"`
	LastOperation time.Time     `json:"last_operation"`
	AvgDuration   time.Duration `json:"avg_duration"`
}

// NewCollector creates a new metrics collector.
func NewCollector(config *Config) (*Collector, error) {
	if config == nil {
		config = &Config{
			Enabled:        true,
			Port:           8080,
			Path:           "/metrics",
			Namespace:      "pgctld",
			Subsystem:      "",
			UpdateInterval: 30 * time.Second,
			Labels:         make(map[string]string),
		}
	}

	if !config.Enabled {
		return &Collector{config: config}, nil
	}

	registry := prometheus.NewRegistry()

	collector := &Collector{
		config:     config,
		registry:   registry,
		operations: make(map[string]*OperationMetrics),
		lastReset:  time.Now(),
	}

	if err := collector.initMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}
	if err := collector.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	return collector, nil
}

// Start starts the metrics collection server.
func (c *Collector) Start(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(c.config.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	mux.HandleFunc("/health", c.healthHandler)
	mux.HandleFunc("/debug/metrics", c.debugMetricsHandler)
	mux.HandleFunc("/debug/operations", c.debugOperationsHandler)

	c.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", c.config.Port),
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	go c.updateLoop(ctx)

	return nil
}

// Stop stops the metrics collection server.
func (c *Collector) Stop(ctx context.Context) error {
	if c.server != nil {
		return c.server.Shutdown(ctx)
	}
	return nil
}

// RecordOperation records an operation's outcome for a given component,
// satisfying types.MetricsCollector.
func (c *Collector) RecordOperation(component, operation string, duration time.Duration, success bool) {
	if !c.config.Enabled {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	key := component + "." + operation
	if m, exists := c.operations[key]; exists {
		m.Count++
		m.TotalDuration += duration
		if !success {
			m.Errors++
		}
		m.LastOperation = time.Now()
		m.AvgDuration = time.Duration(int64(m.TotalDuration) / m.Count)
	} else {
		errs := int64(0)
		if !success {
			errs = 1
		}
		c.operations[key] = &OperationMetrics{
			Count:         1,
			TotalDuration: duration,
			Errors:        errs,
			LastOperation: time.Now(),
			AvgDuration:   duration,
		}
	}

	status := "success"
	if !success {
		status = "error"
	}
	c.operationCounter.With(prometheus.Labels{
		"component": component,
		"operation": operation,
		"status":    status,
	}).Inc()
	c.operationDuration.With(prometheus.Labels{
		"component": component,
		"operation": operation,
	}).Observe(duration.Seconds())
}

// RecordError records an error for a given component and operation,
// satisfying types.MetricsCollector.
func (c *Collector) RecordError(component, operation string, err error) {
	if !c.config.Enabled {
		return
	}

	c.errorCounter.With(prometheus.Labels{
		"component": component,
		"operation": operation,
		"type":      c.classifyError(err),
	}).Inc()
}

// RecordLeaseRenewal records a lease keep-alive outcome for a group.
func (c *Collector) RecordLeaseRenewal(groupID string, success bool) {
	if !c.config.Enabled {
		return
	}
	result := "success"
	if !success {
		result = "failure"
	}
	c.leaseRenewals.With(prometheus.Labels{"group": groupID, "result": result}).Inc()
}

// RecordElection records the outcome of a leader election attempt for a group.
func (c *Collector) RecordElection(groupID, result string) {
	if !c.config.Enabled {
		return
	}
	c.electionsTotal.With(prometheus.Labels{"group": groupID, "result": result}).Inc()
}

// SetEpoch publishes a group's current epoch.
func (c *Collector) SetEpoch(groupID string, epoch uint64) {
	if !c.config.Enabled {
		return
	}
	c.currentEpoch.With(prometheus.Labels{"group": groupID}).Set(float64(epoch))
}

// SetSnapshotVersion publishes the most recently issued topology snapshot version.
func (c *Collector) SetSnapshotVersion(version uint64) {
	if !c.config.Enabled {
		return
	}
	c.snapshotVersion.Set(float64(version))
}

// SetPoolUsage publishes a per-upstream pool's live connection count and capacity.
func (c *Collector) SetPoolUsage(upstream string, inUse, capacity int) {
	if !c.config.Enabled {
		return
	}
	c.poolInUse.With(prometheus.Labels{"upstream": upstream}).Set(float64(inUse))
	c.poolCapacity.With(prometheus.Labels{"upstream": upstream}).Set(float64(capacity))
}

// RecordDrain records how long a pool drain took for an upstream.
func (c *Collector) RecordDrain(upstream string, duration time.Duration) {
	if !c.config.Enabled {
		return
	}
	c.drainDuration.With(prometheus.Labels{"upstream": upstream}).Observe(duration.Seconds())
}

// UpdateActiveConnections updates the total accepted client connection count.
func (c *Collector) UpdateActiveConnections(count int) {
	if !c.config.Enabled {
		return
	}
	c.activeConnections.Set(float64(count))
}

// GetMetrics returns a snapshot of the internal operation tracking map.
func (c *Collector) GetMetrics() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()

	operations := make(map[string]*OperationMetrics, len(c.operations))
	for k, v := range c.operations {
		cp := *v
		operations[k] = &cp
	}

	return map[string]interface{}{
		"operations": operations,
		"last_reset": c.lastReset,
		"uptime":     time.Since(c.lastReset),
	}
}

// ResetMetrics clears the internal operation tracking map.
func (c *Collector) ResetMetrics() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.operations = make(map[string]*OperationMetrics)
	c.lastReset = time.Now()
}

func (c *Collector) initMetrics() error {
	c.operationCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "operations_total",
			Help:      "Total number of component operations.",
		},
		[]string{"component", "operation", "status"},
	)

	c.operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "operation_duration_seconds",
			Help:      "Duration of component operations in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~32s
		},
		[]string{"component", "operation"},
	)

	c.errorCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "errors_total",
			Help:      "Total number of component errors by classification.",
		},
		[]string{"component", "operation", "type"},
	)

	c.leaseRenewals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "lease_renewals_total",
			Help:      "Total leader lease keep-alive attempts by group and result.",
		},
		[]string{"group", "result"},
	)

	c.electionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "elections_total",
			Help:      "Total leader election attempts by group and result.",
		},
		[]string{"group", "result"},
	)

	c.currentEpoch = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "group_epoch",
			Help:      "Current leadership epoch observed per group.",
		},
		[]string{"group"},
	)

	c.snapshotVersion = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "topology_snapshot_version",
			Help:      "SnapshotVersion of the most recently issued topology snapshot.",
		},
	)

	c.poolInUse = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "pool_connections_in_use",
			Help:      "Live backend connections per upstream.",
		},
		[]string{"upstream"},
	)

	c.poolCapacity = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "pool_connections_capacity",
			Help:      "Configured maximum backend connections per upstream.",
		},
		[]string{"upstream"},
	)

	c.drainDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "pool_drain_duration_seconds",
			Help:      "Time taken to drain an upstream's pool.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"upstream"},
	)

	c.activeConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "active_client_connections",
			Help:      "Number of currently accepted client connections.",
		},
	)

	return nil
}

func (c *Collector) registerMetrics() error {
	collectors := []prometheus.Collector{
		c.operationCounter,
		c.operationDuration,
		c.errorCounter,
		c.leaseRenewals,
		c.electionsTotal,
		c.currentEpoch,
		c.snapshotVersion,
		c.poolInUse,
		c.poolCapacity,
		c.drainDuration,
		c.activeConnections,
	}

	for _, collector := range collectors {
		if err := c.registry.Register(collector); err != nil {
			return err
		}
	}

	return nil
}

func (c *Collector) classifyError(err error) string {
	errStr := err.Error()
	switch {
	case contains(errStr, "timeout"):
		return "timeout"
	case contains(errStr, "connection"):
		return "connection"
	case contains(errStr, "not found"):
		return "not_found"
	case contains(errStr, "permission"):
		return "permission"
	case contains(errStr, "throttl"):
		return "throttling"
	default:
		return "other"
	}
}

func (c *Collector) updateLoop(ctx context.Context) {
	ticker := time.NewTicker(c.config.UpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Nothing polled periodically today; gauges are pushed by
			// their owning components as state changes.
		}
	}
}

func (c *Collector) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"healthy","service":"pgctld-metrics"}`))
}

func (c *Collector) debugMetricsHandler(w http.ResponseWriter, r *http.Request) {
	metrics := c.GetMetrics()

	w.Header().Set("Content-Type", "application/json")
	writef := func(format string, args ...interface{}) { _, _ = fmt.Fprintf(w, format, args...) }

	writef("{\n")
	writef("  \"uptime\": \"%v\",\n", metrics["uptime"])
	writef("  \"last_reset\": \"%v\",\n", metrics["last_reset"])
	writef("  \"operations\": {\n")

	if operations, ok := metrics["operations"].(map[string]*OperationMetrics); ok {
		first := true
		for name, op := range operations {
			if !first {
				writef(",\n")
			}
			writef("    \"%s\": {\n", name)
			writef("      \"count\": %d,\n", op.Count)
			writef("      \"errors\": %d,\n", op.Errors)
			writef("      \"avg_duration\": \"%v\"\n", op.AvgDuration)
			writef("    }")
			first = false
		}
	}

	writef("\n  }\n")
	writef("}\n")
}

func (c *Collector) debugOperationsHandler(w http.ResponseWriter, r *http.Request) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	w.Header().Set("Content-Type", "text/plain")
	writef := func(format string, args ...interface{}) { _, _ = fmt.Fprintf(w, format, args...) }

	writef("Control Plane Operations Summary\n")
	writef("=================================\n\n")
	writef("Uptime: %v\n", time.Since(c.lastReset))
	writef("Last Reset: %v\n\n", c.lastReset)

	if len(c.operations) == 0 {
		writef("No operations recorded.\n")
		return
	}

	writef("%-30s %10s %10s %14s\n", "Operation", "Count", "Errors", "Avg Duration")
	writef("%-30s %10s %10s %14s\n", "---------", "-----", "------", "------------")

	for name, op := range c.operations {
		writef("%-30s %10d %10d %14v\n", name, op.Count, op.Errors, op.AvgDuration)
	}
}

// Utility functions

func contains(s, substr string) bool {
	return len(s) >= len(substr) && (s == substr ||
		(len(s) > len(substr) && indexOf(s, substr) >= 0))
}

func indexOf(s, substr string) int {
	for i := 0; i <= len(s)-len(substr); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}
