package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/seqlab/benchd/internal/api"
	"github.com/seqlab/benchd/internal/config"
	"github.com/seqlab/benchd/internal/device"
	"github.com/seqlab/benchd/internal/engine"
	"github.com/seqlab/benchd/internal/lock"
	"github.com/seqlab/benchd/internal/queue"
	"github.com/seqlab/benchd/internal/resource"
	"github.com/seqlab/benchd/internal/runstate"
	"github.com/seqlab/benchd/internal/scheduler"
	"github.com/seqlab/benchd/internal/store"
	"github.com/seqlab/benchd/internal/worker"
)

// NewServeCommand creates the serve command.
func NewServeCommand() *cobra.Command {
	var listenAddr, dbPath string

	cmd := &cobra.Command{
		Use:          "serve",
		Short:        "Start the orchestration daemon",
		Long:         "Start the HTTP API, the admission scheduler, and the task workers in one process.",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(listenAddr, dbPath)
		},
	}

	cmd.Flags().StringVar(&listenAddr, "listen", "", "HTTP listen address (default from BENCHD_LISTEN_ADDR)")
	cmd.Flags().StringVar(&dbPath, "db", "", "SQLite database path (default from BENCHD_DB_PATH)")

	return cmd
}

func runServe(listenAddr, dbPath string) error {
	cfg := config.Load()
	if listenAddr != "" {
		cfg.ListenAddr = listenAddr
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("benchd starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"workers", cfg.Workers,
		"lease_ttl", cfg.LeaseTTL,
	)

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	st, err := store.NewSQLiteStore(db)
	if err != nil {
		return fmt.Errorf("catalog store: %w", err)
	}
	states, err := runstate.NewSQLiteStore(db)
	if err != nil {
		return fmt.Errorf("run state store: %w", err)
	}
	q, err := queue.NewSQLiteQueue(db)
	if err != nil {
		return fmt.Errorf("task queue: %w", err)
	}
	locks, err := lock.NewSQLiteManager(db)
	if err != nil {
		return fmt.Errorf("lock manager: %w", err)
	}

	registry := device.NewRegistry()
	registry.Register(device.DriverSim, device.NewSimAdapter())

	runtime := device.NewRuntime(registry, logger)
	resources := resource.NewManager(st, locks, runtime, cfg.LeaseTTL, logger)
	broker := engine.NewBroker()
	orch := engine.NewOrchestrator(st, states, q, resources, runtime, broker, logger)
	sched := scheduler.NewScheduler(st, states, q, resources, cfg.RetryInterval, logger)
	pool := worker.NewPool(q, orch, cfg.Workers, cfg.LeaseTTL, cfg.PollInterval, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := seedCatalog(ctx, st, cfg.ProtocolDir, cfg.AssetFile, logger); err != nil {
		return fmt.Errorf("seed catalog: %w", err)
	}

	sched.Start(ctx)
	pool.Start(ctx)

	srv := api.NewServer(cfg.ListenAddr, st, states, registry, sched, orch, broker, logger)
	serveErr := srv.Run()

	// Stop the loops, wait for in-flight drives, then tear down sessions so
	// parked leases lapse cleanly for the next process.
	cancel()
	sched.Wait()
	pool.Wait()
	runtime.TeardownAll(context.Background())

	return serveErr
}
