package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/seqlab/benchd/internal/config"
	"github.com/seqlab/benchd/internal/protocol"
	"github.com/seqlab/benchd/internal/store"
)

// NewSeedCommand creates the seed command.
func NewSeedCommand() *cobra.Command {
	var protocolDir, assetFile, dbPath string

	cmd := &cobra.Command{
		Use:          "seed",
		Short:        "Load protocol and asset catalogs into the database",
		Long:         "Load protocol definitions and asset inventory from YAML into the catalog. Seeding is idempotent: existing records are updated, and a live asset's status is never touched.",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if protocolDir == "" && assetFile == "" {
				return fmt.Errorf("nothing to seed: pass --protocols and/or --assets")
			}
			cfg := config.Load()
			if dbPath == "" {
				dbPath = cfg.DBPath
			}
			logger := config.NewLogger(os.Stdout, cfg.LogLevel)

			db, err := store.Open(dbPath)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer db.Close()

			st, err := store.NewSQLiteStore(db)
			if err != nil {
				return fmt.Errorf("catalog store: %w", err)
			}

			return seedCatalog(cmd.Context(), st, protocolDir, assetFile, logger)
		},
	}

	cmd.Flags().StringVar(&protocolDir, "protocols", "", "directory of protocol YAML files")
	cmd.Flags().StringVar(&assetFile, "assets", "", "asset inventory YAML file")
	cmd.Flags().StringVar(&dbPath, "db", "", "SQLite database path (default from BENCHD_DB_PATH)")

	return cmd
}

// seedCatalog loads protocol definitions and assets into the catalog. Either
// source may be empty.
func seedCatalog(ctx context.Context, st store.Store, protocolDir, assetFile string, logger *slog.Logger) error {
	if protocolDir != "" {
		defs, err := protocol.LoadDir(protocolDir)
		if err != nil {
			return fmt.Errorf("load protocols: %w", err)
		}
		for _, def := range defs {
			if err := st.PutProtocol(ctx, def); err != nil {
				return fmt.Errorf("store protocol %s: %w", def.ID, err)
			}
		}
		logger.Info("protocols seeded", "count", len(defs), "dir", protocolDir)
	}

	if assetFile != "" {
		assets, err := protocol.LoadAssetFile(assetFile)
		if err != nil {
			return fmt.Errorf("load assets: %w", err)
		}
		for _, a := range assets {
			if err := st.PutAsset(ctx, a); err != nil {
				return fmt.Errorf("store asset %s: %w", a.ID, err)
			}
		}
		logger.Info("assets seeded", "count", len(assets), "file", assetFile)
	}

	return nil
}
