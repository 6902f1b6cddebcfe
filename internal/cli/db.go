package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/infrafactory/internal/db"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Event log database management",
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Database.URL == "" {
			return fmt.Errorf("database.url is not configured")
		}
		d, err := db.Open(cmd.Context(), cfg.Database.URL)
		if err != nil {
			return err
		}
		defer d.Close()

		if err := d.Migrate(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Database schema is up to date.")
		return nil
	},
}

var dbResetYes bool

var dbResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Drop and recreate every table (destructive!)",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !dbResetYes {
			return fmt.Errorf("refusing to drop the event log without --yes")
		}
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Database.URL == "" {
			return fmt.Errorf("database.url is not configured")
		}
		d, err := db.Open(cmd.Context(), cfg.Database.URL)
		if err != nil {
			return err
		}
		defer d.Close()

		if err := d.Reset(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Database reset.")
		return nil
	},
}

func init() {
	dbResetCmd.Flags().BoolVar(&dbResetYes, "yes", false, "confirm dropping all event data")
	dbCmd.AddCommand(dbMigrateCmd)
	dbCmd.AddCommand(dbResetCmd)
}
