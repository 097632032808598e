// Command poolkeeperd is the node-local entrypoint for the container
// pool orchestrator core: it wires the Store, Runtime Driver,
// Container Manager, Pool/Workload Registries, Sync Coordinator, Idle
// Reaper, and Claim/Release Pipeline into one running process, and
// exposes a small operator CLI over them. The HTTP/REST surface, YAML
// workload loading, and dashboard UI described in the spec as external
// collaborators are not implemented here; this binary is what such a
// layer would embed or shell out to.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ferrohost/poolkeeper/pkg/activity"
	"github.com/ferrohost/poolkeeper/pkg/config"
	"github.com/ferrohost/poolkeeper/pkg/containermgr"
	"github.com/ferrohost/poolkeeper/pkg/hooks"
	"github.com/ferrohost/poolkeeper/pkg/log"
	"github.com/ferrohost/poolkeeper/pkg/metrics"
	"github.com/ferrohost/poolkeeper/pkg/pipeline"
	"github.com/ferrohost/poolkeeper/pkg/reaper"
	"github.com/ferrohost/poolkeeper/pkg/recovery"
	"github.com/ferrohost/poolkeeper/pkg/registry"
	"github.com/ferrohost/poolkeeper/pkg/runtime"
	"github.com/ferrohost/poolkeeper/pkg/store"
	"github.com/ferrohost/poolkeeper/pkg/sync"
	"github.com/ferrohost/poolkeeper/pkg/types"
	"github.com/ferrohost/poolkeeper/pkg/workload"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "poolkeeperd",
	Short: "poolkeeperd - per-node container pool orchestrator",
	Long: `poolkeeperd maintains warm pools of pre-started, isolated
containers on one node and leases them to tenants on demand, restoring
prior state from remote object storage, running lifecycle hooks, and
reclaiming idle containers — all backed by a local embedded store that
survives process restarts without destroying live containers.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"poolkeeperd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("data-dir", "", "Override the bbolt store path")
	rootCmd.PersistentFlags().String("manager", "127.0.0.1:9191", "poolkeeperd control address (reserved for the external API layer)")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(poolCmd)
	rootCmd.AddCommand(workloadCmd)
	rootCmd.AddCommand(activityCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

func loadConfig(cmd *cobra.Command) config.Config {
	cfg := config.FromEnv()
	if dataDir, _ := cmd.Flags().GetString("data-dir"); dataDir != "" {
		cfg.DataDir = dataDir
	}
	return cfg
}

// node bundles every long-lived component this process owns, in the
// order the Recovery Reconciler, Registries, and Pipeline need them
// assembled.
type node struct {
	cfg       config.Config
	st        store.Store
	driver    runtime.Driver
	mgr       *containermgr.Manager
	activity  *activity.Log
	workloads *workload.Registry
	pools     *registry.Registry
	syncCoord *sync.Coordinator
	hookRun   *hooks.Runner
	reap      *reaper.Reaper
	pipe      *pipeline.Pipeline
}

func startNode(cfg config.Config) (*node, error) {
	st, err := store.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	driver, err := runtime.NewContainerdDriver(cfg.ContainerdSocket)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("connect runtime driver: %w", err)
	}

	mgr := containermgr.New(driver, cfg)
	act := activity.New(st, cfg.ActivityLogMaxEvents, cfg.ActivityLogTrimEvery)
	workloads := workload.New(act)
	syncCoord := sync.New(st, driver, act)
	hookRun := hooks.New(driver, act)
	pools := registry.New(st, mgr, driver, workloads)

	n := &node{
		cfg:       cfg,
		st:        st,
		driver:    driver,
		mgr:       mgr,
		activity:  act,
		workloads: workloads,
		pools:     pools,
		syncCoord: syncCoord,
		hookRun:   hookRun,
	}

	n.reap = reaper.New(n.onExpiry, st)
	n.pipe = pipeline.New(pools, workloads, mgr, syncCoord, hookRun, n.reap, act, st)

	return n, nil
}

// onExpiry is the Idle Reaper's injected callback: an auto-release
// driven entirely by filesystem inactivity, running the same Release
// path a tenant-initiated release would.
func (n *node) onExpiry(ctx context.Context, containerID, tenantID, poolID string) {
	logger := log.WithComponent("reaper")
	metrics.ReaperExpiriesTotal.Inc()
	if _, err := n.pipe.Release(ctx, tenantID, pipeline.ReleaseOpts{}); err != nil {
		logger.Error().Err(err).Str("container_id", containerID).Str("tenant_id", tenantID).Msg("auto-release on idle expiry failed")
	}
}

// recoverAndResume runs the Recovery Reconciler, re-attaches a
// Scheduler to every persisted Pool whose workload is registered
// (other pools are logged and skipped), and restores Idle Reaper watches
// for every claimed row in a pool with a file-idle TTL, per spec §4.7
// "Restore after restart" and §4.8.
func (n *node) recoverAndResume(ctx context.Context) (*types.RecoveryReport, error) {
	reconciler := recovery.New(n.st, n.driver)
	report, err := reconciler.Run(ctx)
	if err != nil {
		return nil, fmt.Errorf("recovery pass: %w", err)
	}

	pools, err := n.st.ListPools()
	if err != nil {
		return nil, fmt.Errorf("list pools: %w", err)
	}

	var candidates []reaper.RestoreCandidate
	for _, pool := range pools {
		if err := n.pools.RestorePool(pool); err != nil {
			log.Logger.Warn().Err(err).Str("pool_id", pool.ID).Msg("failed to restore pool; skipping")
			continue
		}
		if pool.FileIdleTTLMs <= 0 {
			continue
		}
		rows, err := n.st.ListContainersInPool(pool.ID)
		if err != nil {
			return nil, fmt.Errorf("list containers in pool %s: %w", pool.ID, err)
		}
		for _, row := range rows {
			if row.Status != types.ContainerStatusClaimed {
				continue
			}
			paths := n.mgr.HostPaths(row.ContainerID)
			candidates = append(candidates, reaper.RestoreCandidate{
				ContainerID: row.ContainerID,
				TenantID:    row.TenantID,
				PoolID:      pool.ID,
				StateDir:    paths.StateDir,
				TTLMs:       pool.FileIdleTTLMs,
			})
		}
	}
	n.reap.RestoreAfterRestart(ctx, candidates)

	return report, nil
}

// shutdown stops every background task without destroying containers,
// leaving rows and runtime state intact for the next recovery pass.
func (n *node) shutdown() {
	n.pools.Shutdown()
	n.reap.Stop()
	n.syncCoord.Close()
	n.activity.Close()
	_ = n.driver.Close()
	_ = n.st.Close()
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the orchestrator: recover state, resume pools, and serve claims until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig(cmd)
		logger := log.WithComponent("main")

		n, err := startNode(cfg)
		if err != nil {
			return err
		}

		ctx := context.Background()
		report, err := n.recoverAndResume(ctx)
		if err != nil {
			n.shutdown()
			return err
		}
		logger.Info().
			Int("runtime_count", report.RuntimeCount).
			Int("stale_rows", report.StaleRows).
			Int("foreign_destroyed", report.ForeignDestroyed).
			Msg("recovery converged")

		metricsAddr := "127.0.0.1:9100"
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				logger.Error().Err(err).Msg("metrics server stopped")
			}
		}()
		logger.Info().Str("addr", metricsAddr).Msg("metrics endpoint listening")

		logger.Info().Msg("poolkeeperd running; press Ctrl+C to stop")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		logger.Info().Msg("shutting down")
		n.shutdown()
		logger.Info().Msg("shutdown complete")
		return nil
	},
}

// Pool commands. These operate against a freshly started node rather
// than a running daemon, since the HTTP/REST control surface a real
// deployment would use to reach a *running* poolkeeperd is an external
// collaborator (§1) this module does not implement.
var poolCmd = &cobra.Command{
	Use:   "pool",
	Short: "Manage pools on this node's store",
}

var poolCreateCmd = &cobra.Command{
	Use:   "create WORKLOAD_ID",
	Short: "Create a new pool for a workload",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		workloadID := args[0]
		workloadFile, _ := cmd.Flags().GetString("workload-file")
		minIdle, _ := cmd.Flags().GetInt("min-idle")
		maxSize, _ := cmd.Flags().GetInt("max-size")
		idleTimeoutMs, _ := cmd.Flags().GetInt64("idle-timeout-ms")
		evictionIntervalMs, _ := cmd.Flags().GetInt64("eviction-interval-ms")
		acquireTimeoutMs, _ := cmd.Flags().GetInt64("acquire-timeout-ms")
		fileIdleTTLMs, _ := cmd.Flags().GetInt64("file-idle-ttl-ms")

		cfg := loadConfig(cmd)
		n, err := startNode(cfg)
		if err != nil {
			return err
		}
		defer n.shutdown()

		if workloadFile != "" {
			spec, err := readWorkloadSpec(workloadFile)
			if err != nil {
				return err
			}
			if err := n.workloads.Upsert(spec); err != nil {
				return fmt.Errorf("upsert workload: %w", err)
			}
		}

		pool := &types.Pool{
			ID:                 uuid.NewString(),
			WorkloadID:         workloadID,
			MinIdle:            minIdle,
			MaxSize:            maxSize,
			IdleTimeoutMs:      idleTimeoutMs,
			EvictionIntervalMs: evictionIntervalMs,
			AcquireTimeoutMs:   acquireTimeoutMs,
			FileIdleTTLMs:      fileIdleTTLMs,
			CreatedAt:          time.Now(),
		}
		if err := n.pools.CreatePool(pool); err != nil {
			return fmt.Errorf("create pool: %w", err)
		}

		fmt.Printf("pool created: %s (workload=%s min=%d max=%d)\n", pool.ID, workloadID, minIdle, maxSize)
		return nil
	},
}

var poolDrainCmd = &cobra.Command{
	Use:   "drain POOL_ID",
	Short: "Stop the fill loop and destroy every container in a pool",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig(cmd)
		n, err := startNode(cfg)
		if err != nil {
			return err
		}
		defer n.shutdown()

		if _, err := n.recoverAndResume(context.Background()); err != nil {
			return err
		}
		if err := n.pools.DestroyPool(context.Background(), args[0]); err != nil {
			return fmt.Errorf("drain pool: %w", err)
		}
		fmt.Printf("pool drained: %s\n", args[0])
		return nil
	},
}

var poolScaleCmd = &cobra.Command{
	Use:   "scale POOL_ID N",
	Short: "Scale a pool's idle containers up or down to N",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		poolID := args[0]
		var n int
		if _, err := fmt.Sscanf(args[1], "%d", &n); err != nil {
			return fmt.Errorf("invalid target size %q: %w", args[1], err)
		}

		cfg := loadConfig(cmd)
		node, err := startNode(cfg)
		if err != nil {
			return err
		}
		defer node.shutdown()

		if _, err := node.recoverAndResume(context.Background()); err != nil {
			return err
		}
		if err := node.pools.ScaleTo(context.Background(), poolID, n); err != nil {
			return fmt.Errorf("scale pool: %w", err)
		}
		fmt.Printf("pool %s scaled to %d\n", poolID, n)
		return nil
	},
}

var poolStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print aggregate pool statistics for this node",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig(cmd)
		n, err := startNode(cfg)
		if err != nil {
			return err
		}
		defer n.shutdown()

		if _, err := n.recoverAndResume(context.Background()); err != nil {
			return err
		}
		stats, err := n.pools.Stats()
		if err != nil {
			return fmt.Errorf("pool stats: %w", err)
		}

		fmt.Printf("pools:      %d\n", stats.TotalPools)
		fmt.Printf("containers: %d (idle=%d active=%d)\n", stats.TotalContainers, stats.IdleContainers, stats.ActiveContainers)
		fmt.Printf("tenants:    %d\n", stats.TotalTenants)
		return nil
	},
}

func init() {
	poolCmd.AddCommand(poolCreateCmd, poolDrainCmd, poolScaleCmd, poolStatsCmd)

	poolCreateCmd.Flags().String("workload-file", "", "Path to a JSON-encoded WorkloadSpec to upsert before creating the pool")
	poolCreateCmd.Flags().Int("min-idle", 0, "Minimum idle containers to maintain")
	poolCreateCmd.Flags().Int("max-size", 10, "Maximum total containers in this pool")
	poolCreateCmd.Flags().Int64("idle-timeout-ms", 0, "Idle container timeout in milliseconds (0 disables)")
	poolCreateCmd.Flags().Int64("eviction-interval-ms", 5000, "Fill loop tick interval in milliseconds")
	poolCreateCmd.Flags().Int64("acquire-timeout-ms", 30000, "Acquire timeout in milliseconds")
	poolCreateCmd.Flags().Int64("file-idle-ttl-ms", 0, "Idle reaper TTL in milliseconds (0 disables the reaper for this pool)")
}

// Workload commands.
var workloadCmd = &cobra.Command{
	Use:   "workload",
	Short: "Manage workload specs",
}

var workloadUpsertCmd = &cobra.Command{
	Use:   "upsert FILE",
	Short: "Validate and register a JSON-encoded WorkloadSpec",
	Long: `Validate and register a JSON-encoded WorkloadSpec. Parsing
operator-authored YAML with environment interpolation is an external
collaborator per the core's scope; this command accepts the
already-resolved spec as JSON.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig(cmd)
		n, err := startNode(cfg)
		if err != nil {
			return err
		}
		defer n.shutdown()

		spec, err := readWorkloadSpec(args[0])
		if err != nil {
			return err
		}
		if err := n.workloads.Upsert(spec); err != nil {
			return fmt.Errorf("upsert workload: %w", err)
		}
		fmt.Printf("workload upserted: %s\n", spec.ID)
		return nil
	},
}

func readWorkloadSpec(path string) (*types.WorkloadSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workload file: %w", err)
	}
	var spec types.WorkloadSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parse workload file: %w", err)
	}
	return &spec, nil
}

func init() {
	workloadCmd.AddCommand(workloadUpsertCmd)
}

// Activity commands.
var activityCmd = &cobra.Command{
	Use:   "activity",
	Short: "Inspect the activity log",
}

var activityTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Print the most recent activity events",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		cfg := loadConfig(cmd)
		n, err := startNode(cfg)
		if err != nil {
			return err
		}
		defer n.shutdown()

		events, err := n.activity.List(limit, 0, store.ActivityFilter{})
		if err != nil {
			return fmt.Errorf("list activity: %w", err)
		}
		for _, e := range events {
			fmt.Printf("[%s] %-24s pool=%s container=%s tenant=%s %s\n",
				e.Timestamp.Format(time.RFC3339), e.Type, e.PoolID, e.ContainerID, e.TenantID, e.Message)
		}
		return nil
	},
}

func init() {
	activityCmd.AddCommand(activityTailCmd)
	activityTailCmd.Flags().Int("limit", 50, "Number of recent events to print")
}
