package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"docstore/api/internal/config"
	"docstore/api/internal/store"
)

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(rootOpts *RootOptions, cfg config.Config) *cobra.Command {
	var down bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back the document schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := rootOpts.logger(cmd)

			db, err := store.Open(ctx, cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("database connection failed: %w", err)
			}
			defer db.Close()

			if down {
				if err := store.RollbackMigrations(ctx, db, store.Migrations()); err != nil {
					return err
				}
				log.Info().Msg("migrations rolled back")
				return nil
			}

			applied, err := store.ApplyMigrations(ctx, db, store.Migrations())
			if err != nil {
				return err
			}
			log.Info().Strs("applied", applied).Msg("migrations up to date")
			return nil
		},
	}

	cmd.Flags().StringVar(&cfg.DatabaseURL, "database-url", cfg.DatabaseURL, "Postgres connection string")
	cmd.Flags().BoolVar(&down, "down", false, "roll back every migration")

	return cmd
}
