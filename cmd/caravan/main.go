package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/caravan/pkg/cache"
	"github.com/cuemby/caravan/pkg/cla"
	"github.com/cuemby/caravan/pkg/config"
	"github.com/cuemby/caravan/pkg/dataservice"
	"github.com/cuemby/caravan/pkg/log"
	"github.com/cuemby/caravan/pkg/metrics"
	"github.com/cuemby/caravan/pkg/mpool"
	"github.com/cuemby/caravan/pkg/offload"
	"github.com/cuemby/caravan/pkg/routing"
	"github.com/cuemby/caravan/pkg/types"
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
	Use:   "caravan",
	Short: "Caravan - BPv7 store-and-forward agent",
	Long: `Caravan is a Bundle Protocol version 7 (RFC 9171) agent for
delay/disruption-tolerant networks. It accepts application payloads,
stores bundles across link outages, forwards them toward their
destination endpoints, and participates in custody transfer.`,
	Version: Version,
}

var configPath string

func init() {
	// Set version template
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Caravan version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	agentCmd.Flags().StringVarP(&configPath, "config", "c", "caravan.yaml", "Path to agent configuration")
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Caravan version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime)
	},
}

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the bundle agent",
	RunE:  runAgent,
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log.Init(log.Config{
		Level:      cfg.LogLevel,
		JSONOutput: cfg.LogJSON,
		Output:     os.Stdout,
	})
	logger := log.WithComponent("agent")

	pool := mpool.New(cfg.PoolBlocks)
	tbl := routing.New(pool, cfg.MaxInterfaces)
	tbl.DepthLimit = cfg.QueueDepth

	if _, err := dataservice.NewBase(tbl, cfg.Node); err != nil {
		return fmt.Errorf("failed to start dataservice: %w", err)
	}

	store, err := cache.New(tbl, types.IPNAddress{Node: cfg.Node, Service: cfg.CacheService})
	if err != nil {
		return fmt.Errorf("failed to attach storage cache: %w", err)
	}
	if backend := buildOffload(pool, cfg.Offload); backend != nil {
		if err := backend.Start(); err != nil {
			return fmt.Errorf("failed to start offload backend: %w", err)
		}
		defer backend.Stop()
		store.Offloader = backend
	}

	var adapters []*cla.UDP
	for _, cc := range cfg.CLAs {
		u, err := cla.NewUDP(tbl, cc.Local, cc.Remote)
		if err != nil {
			return fmt.Errorf("failed to create cla: %w", err)
		}
		for _, r := range cc.Routes {
			if err := tbl.AddRoute(r.Dest, r.Mask, u.Intf()); err != nil {
				return fmt.Errorf("failed to add route: %w", err)
			}
		}
		if err := u.Start(); err != nil {
			return fmt.Errorf("failed to start cla: %w", err)
		}
		adapters = append(adapters, u)
	}

	if cfg.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				logger.Error().Err(err).Msg("metrics endpoint failed")
			}
		}()
	}

	ticker := time.NewTicker(time.Duration(cfg.MaintenanceIntervalMS) * time.Millisecond)
	defer ticker.Stop()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	logger.Info().Uint64("node", cfg.Node).Msg("agent started")
	for {
		select {
		case <-ticker.C:
			tbl.Maintain()
		case sig := <-sigCh:
			logger.Info().Str("signal", sig.String()).Msg("shutting down")
			for _, u := range adapters {
				u.Stop()
			}
			store.Detach()
			return nil
		}
	}
}

func buildOffload(pool *mpool.Pool, cfg config.OffloadConfig) offload.Backend {
	switch cfg.Backend {
	case "file":
		b := offload.NewFileBackend(pool)
		b.Configure(offload.KeyBaseDirectory, cfg.BaseDirectory)
		return b
	case "bolt":
		b := offload.NewBoltBackend(pool)
		b.Configure(offload.KeyDatabasePath, cfg.DatabasePath)
		return b
	default:
		return nil
	}
}
