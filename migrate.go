package main

import (
	"github.com/spf13/cobra"

	"studybuddy/internal/log"
	"studybuddy/internal/storage"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cfg, flush, err := setup(cmd.Context())
		defer flush()
		if err != nil {
			return err
		}
		logger := log.FromCtx(ctx)

		dbType := cfg.BasicConfig.DBType
		db, err := storage.Open(dbType, cfg)
		if err != nil {
			logger.Error().Err(err).Msg("open database")
			return err
		}
		defer db.Close()

		if err := storage.Migrate(ctx, db, dbType); err != nil {
			logger.Error().Err(err).Msg("migrate database")
			return err
		}
		logger.Info().Str("db", dbType).Msg("migrations applied")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
