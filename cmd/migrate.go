package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"cncvn/api/database"
)

var migrateTarget string

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the ClickHouse event tables and the Postgres users table",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		switch migrateTarget {
		case "all", "clickhouse", "postgres":
		default:
			return fmt.Errorf("unknown migrate target %q, use all, clickhouse or postgres", migrateTarget)
		}

		if migrateTarget != "postgres" {
			ch, err := database.NewClickHouseDB(ctx, cfg.ClickHouse, log)
			if err != nil {
				return err
			}
			defer ch.Close()
			if err := database.MigrateClickHouse(ctx, ch.Conn); err != nil {
				return err
			}
			log.Info().Msg("clickhouse migrations applied")
		}

		if migrateTarget != "clickhouse" {
			pg, err := database.NewPostgresDB(ctx, cfg.Postgres, log)
			if err != nil {
				return err
			}
			defer pg.Close()
			if err := database.MigratePostgres(ctx, pg.DB); err != nil {
				return err
			}
			log.Info().Msg("postgres migrations applied")
		}
		return nil
	},
}

func init() {
	migrateCmd.Flags().StringVar(&migrateTarget, "target", "all", "which database to migrate: all, clickhouse or postgres")
	RootCmd.AddCommand(migrateCmd)
}
