package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/seqlab/benchd/internal/config"
	"github.com/seqlab/benchd/internal/device"
	"github.com/seqlab/benchd/internal/engine"
	"github.com/seqlab/benchd/internal/lock"
	"github.com/seqlab/benchd/internal/queue"
	"github.com/seqlab/benchd/internal/resource"
	"github.com/seqlab/benchd/internal/runstate"
	"github.com/seqlab/benchd/internal/store"
	"github.com/seqlab/benchd/internal/worker"
)

// NewWorkerCommand creates the worker command.
func NewWorkerCommand() *cobra.Command {
	var dbPath string

	cmd := &cobra.Command{
		Use:          "worker",
		Short:        "Start task workers without the HTTP API",
		Long:         "Start a standalone worker pool that leases tasks from the shared database. Admission and stale-lease recovery stay with the serve process; extra worker processes only add drive capacity.",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(dbPath)
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "", "SQLite database path (default from BENCHD_DB_PATH)")

	return cmd
}

func runWorker(dbPath string) error {
	cfg := config.Load()
	if dbPath != "" {
		cfg.DBPath = dbPath
	}
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("benchd worker starting",
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
	pool := worker.NewPool(q, orch, cfg.Workers, cfg.LeaseTTL, cfg.PollInterval, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool.Start(ctx)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("shutting down", "signal", sig.String())

	// Stop leasing, wait for in-flight drives, then tear down sessions so
	// parked leases lapse cleanly for the next process.
	cancel()
	pool.Wait()
	runtime.TeardownAll(context.Background())

	logger.Info("worker stopped")
	return nil
}
