package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Long: `Create the database if needed and apply every pending schema migration.

Other commands migrate on start as well; this command only needs the
database section of the configuration.`,
		Example: `  # Migrate the default database (./wisp.db)
  wisp migrate

  # Migrate a specific database
  WISP_DATABASE_PATH=/var/lib/wisp/wisp.db wisp migrate`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			store, err := openStore(ctx, cfg.Database)
			if err != nil {
				return err
			}
			defer store.Close()

			log.Info().Str("path", cfg.Database.Path).Msg("Running migrations")
			if err := store.Migrate(ctx); err != nil {
				return fmt.Errorf("failed to run migrations: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Database %s is up to date\n", cfg.Database.Path)
			return nil
		},
	}
}
