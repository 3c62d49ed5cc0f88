package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/quatton/qbench/pkg/db"
	"github.com/quatton/qbench/pkg/qlog"
)

var migrateRollback bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply ledger database migrations",
	Long:  `Create or upgrade the bench schema in the database named by the QBENCH_DB_* variables.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		log := qlog.FromContext(ctx)
		settings, err := GetSettings(cmd)
		if err != nil {
			return err
		}

		database, err := db.New(ctx, settings.DB)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer database.Close()

		if migrateRollback {
			return db.Rollback(ctx, database, log)
		}
		return db.Migrate(ctx, database, log)
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.Flags().BoolVar(&migrateRollback, "rollback", false, "roll back the last migration group")
}
