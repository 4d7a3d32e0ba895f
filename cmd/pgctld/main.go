// Command pgctld runs one node's control-plane agent: it probes the local
// database, contests and holds group leadership, derives cluster topology,
// and routes client connections to the correct upstream.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pgcluster/controlplane/internal/config"
	"github.com/pgcluster/controlplane/internal/consensus"
	"github.com/pgcluster/controlplane/internal/health"
	"github.com/pgcluster/controlplane/internal/lease"
	"github.com/pgcluster/controlplane/internal/metrics"
	"github.com/pgcluster/controlplane/internal/router"
	"github.com/pgcluster/controlplane/internal/topology"
	"github.com/pgcluster/controlplane/pkg/api"
	cperrors "github.com/pgcluster/controlplane/pkg/errors"
	pkghealth "github.com/pgcluster/controlplane/pkg/health"
	"github.com/pgcluster/controlplane/pkg/status"
	"github.com/pgcluster/controlplane/pkg/types"
	"github.com/pgcluster/controlplane/pkg/utils"
)

const (
	exitOK              = 0
	exitConfigError     = 64
	exitClusterMismatch = 65
	exitConsensusDown   = 69
	exitInvariant       = 70
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "pgctld",
		Short: "Distributed PostgreSQL cluster control-plane agent",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML configuration file")

	root.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run the control-plane agent in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("pgctld (control plane)")
		},
	})

	if err := root.Execute(); err != nil {
		os.Exit(exitConfigError)
	}
}

func run(ctx context.Context) error {
	cfg := config.NewDefault()
	if configPath != "" {
		if err := cfg.LoadFromFile(configPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(exitConfigError)
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitConfigError)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitConfigError)
	}

	logLevel := utils.INFO
	switch cfg.Admin.LogLevel {
	case "DEBUG":
		logLevel = utils.DEBUG
	case "WARN":
		logLevel = utils.WARN
	case "ERROR":
		logLevel = utils.ERROR
	}
	loggerCfg := utils.DefaultStructuredLoggerConfig()
	loggerCfg.Level = logLevel
	logger, err := utils.NewStructuredLogger(loggerCfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitConfigError)
	}
	logger = logger.WithComponent("pgctld").WithField("node_id", cfg.NodeID)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go waitForSignal(cancel, logger)

	metricsCollector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   true,
		Namespace: "pgctld",
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitConfigError)
	}

	healthTracker := pkghealth.NewTracker(pkghealth.DefaultConfig())
	statusTracker := status.NewTracker(status.DefaultTrackerConfig())
	for _, component := range []string{"consensus", "health_monitor", "lease_manager", "topology_broadcaster", "router"} {
		healthTracker.RegisterComponent(component)
	}

	store, err := consensus.NewClient(consensus.Config{
		Endpoints: cfg.ConsensusEndpoints,
	}, logger.WithComponent("consensus"), metricsCollector)
	if err != nil {
		logger.Error("failed to connect to consensus store", map[string]interface{}{"error": err.Error()})
		os.Exit(exitConsensusDown)
	}
	defer store.Close()

	if err := checkClusterID(ctx, store, cfg.ClusterID); err != nil {
		logger.Error("cluster id mismatch", map[string]interface{}{"error": err.Error()})
		os.Exit(exitClusterMismatch)
	}
	healthTracker.RecordSuccess("consensus")

	localGroup, ok := cfg.GroupByID(localGroupID(cfg))
	if !ok {
		fmt.Fprintln(os.Stderr, "local node is not a member of any configured group")
		os.Exit(exitConfigError)
	}

	groupSpecs := make([]topology.GroupSpec, 0, len(cfg.Groups))
	for _, g := range cfg.Groups {
		groupSpecs = append(groupSpecs, topology.GroupSpec{
			ID:      types.GroupID(g.ID),
			Members: memberIDs(g.Members),
		})
	}

	broadcaster := topology.NewBroadcaster(topology.Config{Groups: groupSpecs}, store, logger, metricsCollector)
	broadcaster.Start(ctx)
	healthTracker.RecordSuccess("topology_broadcaster")

	probe := health.NewHTTPProbe(localStatusURL(localGroup, cfg.NodeID))
	monitor := health.NewMonitor(health.Config{
		GroupID:  types.GroupID(localGroup.ID),
		NodeID:   types.NodeID(cfg.NodeID),
		Interval: cfg.Probe.Interval,
		Timeout:  cfg.Probe.Timeout,
		Thresholds: health.Thresholds{
			LagBytes:   localGroup.LagThresholdBytes,
			LagSeconds: localGroup.LagThresholdSecs,
		},
	}, probe, store, logger, metricsCollector)
	monitor.Start(ctx)
	healthTracker.RecordSuccess("health_monitor")

	endpoints := make(map[types.NodeID]string, len(localGroup.Members))
	for node, endpoint := range localGroup.Members {
		endpoints[types.NodeID(node)] = endpoint
	}

	cr := router.NewRouter(router.Config{
		ListenAddress:        cfg.ListenAddress,
		GroupID:              types.GroupID(localGroup.ID),
		LocalNodeID:          types.NodeID(cfg.NodeID),
		MaxClientConnections: cfg.Pool.MaxClientConnections,
		WaitForPrimary:       cfg.Routing.WaitForPrimary,
		Pool: router.PoolConfig{
			MaxPerUpstream: cfg.Pool.MaxPerUpstream,
			EnqueueTimeout: cfg.Pool.EnqueueTimeout,
			DrainTimeout:   cfg.Pool.DrainTimeout,
			IdleTimeout:    cfg.Pool.IdleTimeout,
		},
		Routing: router.RoutingConfig{
			ReadOnlyFallbackToPrimary: cfg.Routing.ReadOnlyFallbackToPrimary,
		},
		Endpoints: endpoints,
	}, broadcaster, router.DialTCP, logger, metricsCollector)

	if err := cr.Start(ctx); err != nil {
		logger.Error("failed to start router", map[string]interface{}{"error": err.Error()})
		os.Exit(exitConfigError)
	}
	defer cr.Stop()
	healthTracker.RecordSuccess("router")

	demoter := &compositeDemoter{
		router: cr,
		db:     health.NewHTTPDemoter(localDemoteURL(localGroup, cfg.NodeID)),
	}

	llm := lease.NewManager(lease.Config{
		GroupID:      types.GroupID(localGroup.ID),
		NodeID:       types.NodeID(cfg.NodeID),
		Members:      memberIDs(localGroup.Members),
		LeaseTTL:     localGroup.LeaseTTL,
		DrainTimeout: cfg.Pool.DrainTimeout,
	}, store, monitor, demoter, logger, metricsCollector)
	llm.Start(ctx)

	adminServer := api.NewServer(api.ServerConfig{
		Address:       cfg.Admin.ListenAddress,
		EnableMetrics: true,
	}, statusTracker, healthTracker)
	adminServer.StartBackground()
	defer adminServer.Shutdown(context.Background())

	logger.Info("pgctld started", map[string]interface{}{
		"listen_address": cfg.ListenAddress,
		"group":          localGroup.ID,
	})

	defer func() {
		if r := recover(); r != nil {
			logger.Error("internal invariant violation", map[string]interface{}{"panic": fmt.Sprintf("%v", r)})
			os.Exit(exitInvariant)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down", nil)
	llm.Stop()
	broadcaster.Stop()
	monitor.Stop()
	return nil
}

func waitForSignal(cancel context.CancelFunc, logger *utils.StructuredLogger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("received shutdown signal", nil)
	cancel()
}

// checkClusterID verifies the immutable /cluster/id record matches the
// configured cluster_id, initializing it on first boot.
func checkClusterID(ctx context.Context, store types.ConsensusStore, clusterID string) error {
	value, _, ok, err := store.Get(ctx, "/cluster/id")
	if err != nil {
		return err
	}
	if !ok {
		_, err := store.CompareAndSwap(ctx, "/cluster/id", 0, true, []byte(clusterID), 0)
		return err
	}
	if string(value) != clusterID {
		return cperrors.NewError(cperrors.ErrCodeFatal, "configured cluster_id does not match the cluster's recorded id")
	}
	return nil
}

// localGroupID returns the ID of the configured group this node belongs to.
func localGroupID(cfg *config.Configuration) string {
	for _, g := range cfg.Groups {
		if _, ok := g.Members[cfg.NodeID]; ok {
			return g.ID
		}
	}
	return ""
}

func memberIDs(members map[string]string) []types.NodeID {
	ids := make([]types.NodeID, 0, len(members))
	for node := range members {
		ids = append(ids, types.NodeID(node))
	}
	return ids
}

func localStatusURL(g config.GroupConfig, nodeID string) string {
	return "http://" + g.Members[nodeID] + "/pgctld/status"
}

func localDemoteURL(g config.GroupConfig, nodeID string) string {
	return "http://" + g.Members[nodeID] + "/pgctld/demote"
}
