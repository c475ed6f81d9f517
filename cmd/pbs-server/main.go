package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/pbs/pkg/auth"
	"github.com/cuemby/pbs/pkg/config"
	"github.com/cuemby/pbs/pkg/forwarder"
	"github.com/cuemby/pbs/pkg/frontend"
	"github.com/cuemby/pbs/pkg/lease"
	"github.com/cuemby/pbs/pkg/log"
	"github.com/cuemby/pbs/pkg/metrics"
	"github.com/cuemby/pbs/pkg/partition"
	"github.com/cuemby/pbs/pkg/storage"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "pbs-server",
	Short: "Privacy Budget Service partition server",
	Long: `pbs-server runs one partition of the Privacy Budget Service: a
two-phase-commit coordinator that tracks per-key, per-hour token
budgets, fronted by a leasable-lock-gated HTTP API and a TCP forwarder
that routes traffic to whichever instance currently holds the lease.`,
	RunE: runServer,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.Flags().String("config", "", "Path to a YAML config file (spec §6)")
	rootCmd.Flags().String("data-dir", "./data", "Local storage directory (bbolt-backed blobs and tables)")
	rootCmd.Flags().String("api-addr", "127.0.0.1:8080", "Address the transaction HTTP API listens on")
	rootCmd.Flags().String("forward-addr", "127.0.0.1:8081", "Address the TCP forwarder listens on")
	rootCmd.Flags().String("node-id", "", "This instance's lease holder id (defaults to hostname)")
	rootCmd.Flags().Float64("rate-limit", 0, "Max incoming requests per second (0 disables the limiter)")
	rootCmd.Flags().Int("rate-limit-burst", 50, "Burst size for --rate-limit")

	cobra.OnInitialize(initLogging)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
}

func runServer(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	apiAddr, _ := cmd.Flags().GetString("api-addr")
	forwardAddr, _ := cmd.Flags().GetString("forward-addr")
	nodeID, _ := cmd.Flags().GetString("node-id")
	rateLimit, _ := cmd.Flags().GetFloat64("rate-limit")
	rateLimitBurst, _ := cmd.Flags().GetInt("rate-limit-burst")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if nodeID == "" {
		nodeID, err = os.Hostname()
		if err != nil {
			return fmt.Errorf("determine node id: %w", err)
		}
	}

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	blobs, err := storage.NewBoltBlobStore(dataDir)
	if err != nil {
		return fmt.Errorf("open blob store: %w", err)
	}
	defer blobs.Close()
	table, err := storage.NewBoltNoSqlTable(dataDir)
	if err != nil {
		return fmt.Errorf("open nosql table: %w", err)
	}
	defer table.Close()

	part, err := partition.Init(partition.Config{
		PartitionName:              cfg.PartitionName,
		JournalBucket:              cfg.JournalBucketName,
		FlushInterval:              time.Duration(cfg.FlushIntervalMs) * time.Millisecond,
		Blobs:                      blobs,
		BudgetKeyTable:             table,
		BudgetKeyTableName:         cfg.BudgetKeyTableName,
		TransactionManagerCapacity: cfg.TMCapacity,
	})
	if err != nil {
		return fmt.Errorf("init partition: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics.SetVersion(cfg.PartitionName)
	metrics.RegisterComponent("journal", false, "recovering")
	metrics.RegisterComponent("partition", false, "loading")
	metrics.RegisterComponent("lease", false, "not acquired")

	if err := part.Load(ctx); err != nil {
		return fmt.Errorf("load partition: %w", err)
	}
	metrics.UpdateComponent("journal", true, "")
	metrics.UpdateComponent("partition", true, "")
	log.Info("partition loaded")

	leaseDuration := time.Duration(cfg.PartitionLeaseDurationS) * time.Second
	lock := lease.NewLeasableLock(table, cfg.PartitionLockTableName, cfg.PartitionName, nodeID, apiAddr, leaseDuration)

	fwd, err := forwarder.Listen(forwardAddr, apiAddr)
	if err != nil {
		return fmt.Errorf("listen forwarder: %w", err)
	}

	leaseMgr := lease.NewManager(lock, leaseDuration, func(tr lease.Transition) {
		switch tr.Kind {
		case lease.Acquired, lease.Renewed:
			fwd.ResetForwardingAddress(apiAddr)
			metrics.UpdateComponent("lease", true, "")
		case lease.NotAcquired, lease.Lost:
			fwd.ResetForwardingAddress(tr.HolderEndpoint)
			metrics.UpdateComponent("lease", false, "held by "+tr.HolderEndpoint)
		}
	})
	leaseMgr.Run(ctx)

	server := frontend.NewServer(part.TxnManager, leaseMgr.IsHeld)
	server.SetRateLimit(rateLimit, rateLimitBurst)

	var tokenCache *auth.TokenCache
	if cfg.AuthEndpoint != "" {
		httpClient := &http.Client{Timeout: 5 * time.Second}
		verifier := auth.NewHTTPVerifier(cfg.AuthEndpoint, httpClient)
		server.SetAuthorizer(auth.NewInboundCache(verifier, 0))

		if cfg.RemoteCoordinatorEndpoint != "" {
			fetcher := auth.NewHTTPTokenFetcher(cfg.AuthEndpoint, cfg.RemoteCoordinatorClaimedIdentity, httpClient)
			tokenCache = auth.NewTokenCache(fetcher, 0)
			if err := tokenCache.Run(ctx); err != nil {
				return fmt.Errorf("start outbound token cache: %w", err)
			}
		}
	}

	errCh := make(chan error, 2)
	go func() {
		if err := server.ListenAndServe(apiAddr); err != nil {
			errCh <- fmt.Errorf("transaction API server: %w", err)
		}
	}()
	go func() {
		if err := fwd.Serve(); err != nil {
			errCh <- fmt.Errorf("forwarder: %w", err)
		}
	}()

	log.Info(fmt.Sprintf("pbs-server ready: api=%s forward=%s partition=%s", apiAddr, forwardAddr, cfg.PartitionName))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Info("shutting down")
	case err := <-errCh:
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
	}

	cancel()
	leaseMgr.Stop()
	fwd.Stop()
	if tokenCache != nil {
		tokenCache.Stop()
	}

	unloadCtx, unloadCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer unloadCancel()
	if err := part.Unload(unloadCtx); err != nil {
		return fmt.Errorf("unload partition: %w", err)
	}
	return nil
}
