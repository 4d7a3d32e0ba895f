package metrics

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNewCollector(t *testing.T) {
	t.Parallel()

	t.Run("with valid config", func(t *testing.T) {
		config := &Config{
			Enabled:   true,
			Port:      9090,
			Path:      "/metrics",
			Namespace: "pgctld",
			Subsystem: "test",
		}
		collector, err := NewCollector(config)
		if err != nil {
			t.Fatalf("NewCollector() error = %v, want nil", err)
		}
		if collector == nil {
			t.Fatal("NewCollector() returned nil collector")
		}
		if collector.config != config {
			t.Error("collector.config does not match input config")
		}
		if collector.registry == nil {
			t.Error("collector.registry is nil")
		}
		if collector.operations == nil {
			t.Error("collector.operations map is nil")
		}
	})

	t.Run("with nil config uses defaults", func(t *testing.T) {
		collector, err := NewCollector(nil)
		if err != nil {
			t.Fatalf("NewCollector(nil) error = %v, want nil", err)
		}
		if collector == nil {
			t.Fatal("NewCollector(nil) returned nil collector")
		}
		if collector.config.Port != 8080 {
			t.Errorf("default port = %d, want 8080", collector.config.Port)
		}
		if collector.config.Path != "/metrics" {
			t.Errorf("default path = %q, want %q", collector.config.Path, "/metrics")
		}
	})

	t.Run("with disabled config", func(t *testing.T) {
		config := &Config{Enabled: false}
		collector, err := NewCollector(config)
		if err != nil {
			t.Fatalf("NewCollector() error = %v, want nil", err)
		}
		if collector == nil {
			t.Fatal("NewCollector() returned nil collector")
		}
		if collector.registry != nil {
			t.Error("disabled collector should not have registry")
		}
	})
}

func testConfig(port int) *Config {
	return &Config{Enabled: true, Port: port, Namespace: "test"}
}

func TestRecordOperation(t *testing.T) {
	t.Parallel()

	t.Run("record successful operation", func(t *testing.T) {
		collector, err := NewCollector(testConfig(9091))
		if err != nil {
			t.Fatalf("NewCollector() error = %v", err)
		}

		collector.RecordOperation("router", "route", 100*time.Millisecond, true)

		operations := collector.GetMetrics()["operations"].(map[string]*OperationMetrics)
		op, exists := operations["router.route"]
		if !exists {
			t.Fatal("router.route operation not recorded")
		}
		if op.Count != 1 {
			t.Errorf("op.Count = %d, want 1", op.Count)
		}
		if op.Errors != 0 {
			t.Errorf("op.Errors = %d, want 0", op.Errors)
		}
	})

	t.Run("record failed operation", func(t *testing.T) {
		collector, err := NewCollector(testConfig(9092))
		if err != nil {
			t.Fatalf("NewCollector() error = %v", err)
		}

		collector.RecordOperation("lease", "renew", 50*time.Millisecond, false)

		operations := collector.GetMetrics()["operations"].(map[string]*OperationMetrics)
		op := operations["lease.renew"]
		if op.Errors != 1 {
			t.Errorf("op.Errors = %d, want 1", op.Errors)
		}
	})

	t.Run("record multiple operations averages duration", func(t *testing.T) {
		collector, err := NewCollector(testConfig(9093))
		if err != nil {
			t.Fatalf("NewCollector() error = %v", err)
		}

		collector.RecordOperation("health", "probe", 100*time.Millisecond, true)
		collector.RecordOperation("health", "probe", 200*time.Millisecond, true)
		collector.RecordOperation("health", "probe", 300*time.Millisecond, false)

		operations := collector.GetMetrics()["operations"].(map[string]*OperationMetrics)
		op := operations["health.probe"]
		if op.Count != 3 {
			t.Errorf("op.Count = %d, want 3", op.Count)
		}
		if op.Errors != 1 {
			t.Errorf("op.Errors = %d, want 1", op.Errors)
		}
		if op.AvgDuration != 200*time.Millisecond {
			t.Errorf("op.AvgDuration = %v, want 200ms", op.AvgDuration)
		}
	})

	t.Run("disabled collector ignores operations", func(t *testing.T) {
		collector, err := NewCollector(&Config{Enabled: false})
		if err != nil {
			t.Fatalf("NewCollector() error = %v", err)
		}

		collector.RecordOperation("router", "route", 100*time.Millisecond, true)

		if len(collector.operations) != 0 {
			t.Error("disabled collector should not track operations")
		}
	})
}

func TestRecordError(t *testing.T) {
	t.Parallel()

	t.Run("record error", func(t *testing.T) {
		collector, err := NewCollector(testConfig(9096))
		if err != nil {
			t.Fatalf("NewCollector() error = %v", err)
		}

		collector.RecordError("consensus", "get", errors.New("cc unavailable: timeout"))
	})

	t.Run("disabled collector ignores errors", func(t *testing.T) {
		collector, err := NewCollector(&Config{Enabled: false})
		if err != nil {
			t.Fatalf("NewCollector() error = %v", err)
		}

		collector.RecordError("consensus", "get", errors.New("boom"))
	})
}

func TestClassifyError(t *testing.T) {
	t.Parallel()

	collector, err := NewCollector(testConfig(9097))
	if err != nil {
		t.Fatalf("NewCollector() error = %v", err)
	}

	tests := []struct {
		name         string
		err          error
		expectedType string
	}{
		{"timeout error", errors.New("operation timeout"), "timeout"},
		{"connection error", errors.New("connection refused"), "connection"},
		{"not found error", errors.New("key not found"), "not_found"},
		{"permission error", errors.New("permission denied"), "permission"},
		{"throttling error", errors.New("rate throttled"), "throttling"},
		{"other error", errors.New("unknown error"), "other"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := collector.classifyError(tt.err)
			if result != tt.expectedType {
				t.Errorf("classifyError() = %q, want %q", result, tt.expectedType)
			}
		})
	}
}

func TestDomainMetrics(t *testing.T) {
	t.Parallel()

	collector, err := NewCollector(testConfig(9098))
	if err != nil {
		t.Fatalf("NewCollector() error = %v", err)
	}

	// None of these should panic; Prometheus label cardinality errors would
	// surface as a panic from the underlying vec.
	collector.RecordLeaseRenewal("g1", true)
	collector.RecordLeaseRenewal("g1", false)
	collector.RecordElection("g1", "won")
	collector.RecordElection("g1", "lost")
	collector.SetEpoch("g1", 42)
	collector.SetSnapshotVersion(7)
	collector.SetPoolUsage("node-a", 3, 100)
	collector.RecordDrain("node-a", 250*time.Millisecond)
	collector.UpdateActiveConnections(12)

	t.Run("disabled collector ignores domain metrics", func(t *testing.T) {
		disabled, err := NewCollector(&Config{Enabled: false})
		if err != nil {
			t.Fatalf("NewCollector() error = %v", err)
		}
		disabled.RecordLeaseRenewal("g1", true)
		disabled.RecordElection("g1", "won")
		disabled.SetEpoch("g1", 1)
		disabled.SetSnapshotVersion(1)
		disabled.SetPoolUsage("node-a", 1, 10)
		disabled.RecordDrain("node-a", time.Second)
		disabled.UpdateActiveConnections(1)
	})
}

func TestGetMetrics(t *testing.T) {
	t.Parallel()

	collector, err := NewCollector(testConfig(9100))
	if err != nil {
		t.Fatalf("NewCollector() error = %v", err)
	}

	collector.RecordOperation("router", "route", 100*time.Millisecond, true)
	collector.RecordOperation("lease", "renew", 50*time.Millisecond, true)

	metrics := collector.GetMetrics()
	if metrics == nil {
		t.Fatal("GetMetrics() returned nil")
	}

	operations, ok := metrics["operations"].(map[string]*OperationMetrics)
	if !ok {
		t.Fatal("operations is not map[string]*OperationMetrics")
	}
	if len(operations) != 2 {
		t.Errorf("len(operations) = %d, want 2", len(operations))
	}
}

func TestResetMetrics(t *testing.T) {
	t.Parallel()

	collector, err := NewCollector(testConfig(9101))
	if err != nil {
		t.Fatalf("NewCollector() error = %v", err)
	}

	collector.RecordOperation("router", "route", 100*time.Millisecond, true)
	collector.RecordOperation("lease", "renew", 50*time.Millisecond, true)

	oldResetTime := collector.lastReset
	time.Sleep(10 * time.Millisecond)
	collector.ResetMetrics()

	metrics := collector.GetMetrics()
	operations := metrics["operations"].(map[string]*OperationMetrics)
	if len(operations) != 0 {
		t.Errorf("after reset: len(operations) = %d, want 0", len(operations))
	}
	if !collector.lastReset.After(oldResetTime) {
		t.Error("lastReset should be updated after reset")
	}
}

func TestStopWithoutStart(t *testing.T) {
	t.Parallel()

	collector, err := NewCollector(testConfig(9102))
	if err != nil {
		t.Fatalf("NewCollector() error = %v", err)
	}

	ctx := context.Background()
	if err := collector.Stop(ctx); err != nil {
		t.Errorf("Stop() without Start() error = %v, want nil", err)
	}
}

func TestContainsHelper(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		s      string
		substr string
		want   bool
	}{
		{"substring at start", "hello world", "hello", true},
		{"substring in middle", "hello world", "lo wo", true},
		{"substring at end", "hello world", "world", true},
		{"substring not found", "hello world", "foo", false},
		{"empty substring", "hello", "", true},
		{"exact match", "hello", "hello", true},
		{"substring longer than string", "hi", "hello", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := contains(tt.s, tt.substr)
			if result != tt.want {
				t.Errorf("contains(%q, %q) = %v, want %v", tt.s, tt.substr, result, tt.want)
			}
		})
	}
}

func TestIndexOfHelper(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		s      string
		substr string
		want   int
	}{
		{"substring at start", "hello world", "hello", 0},
		{"substring in middle", "hello world", "world", 6},
		{"substring not found", "hello world", "foo", -1},
		{"empty substring", "hello", "", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := indexOf(tt.s, tt.substr)
			if result != tt.want {
				t.Errorf("indexOf(%q, %q) = %d, want %d", tt.s, tt.substr, result, tt.want)
			}
		})
	}
}
