package commands

import (
	"github.com/spf13/cobra"

	"github.com/ksi-dev/ksid/internal/composition"
	"github.com/ksi-dev/ksid/internal/config"
	"github.com/ksi-dev/ksid/internal/logging"
	"github.com/ksi-dev/ksid/internal/store"
)

var migrateDir string

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending store migrations and rebuild the composition index",
	Long: `migrate opens the store (creating its buckets if this is a fresh
database) and rebuilds the composition index from disk, then exits
without serving. Safe to run repeatedly.`,
	RunE: runMigrate,
}

func init() {
	migrateCmd.Flags().StringVar(&migrateDir, "directory", "", "Working directory")
}

func runMigrate(cmd *cobra.Command, args []string) error {
	workDir, err := GetWorkDir(migrateDir)
	if err != nil {
		return err
	}

	paths := config.GetPaths()
	if err := paths.EnsurePaths(); err != nil {
		return err
	}

	cfg, err := config.Load(workDir)
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.StorePath)
	if err != nil {
		return err
	}
	defer st.Close()

	logging.Info().Str("store", cfg.StorePath).Msg("store buckets ensured")

	loader := composition.NewLoader(cfg.CompositionRoot)
	if err := loader.LoadAll(); err != nil {
		logging.Warn().Err(err).Msg("failed to load some compositions")
	}

	index := composition.NewIndex(loader, st)
	n, err := index.Rebuild()
	if err != nil {
		return err
	}

	logging.Info().Int("count", n).Msg("composition index rebuilt")
	return nil
}
