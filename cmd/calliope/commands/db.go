package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/calliopehq/calliope/config"
	"github.com/calliopehq/calliope/db"
	"github.com/calliopehq/calliope/errors"
	"github.com/calliopehq/calliope/logger"
)

// DbCmd represents the db (database) command
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the calliope database",
	Long: `Manage database operations.

Examples:
  calliope db migrate   # Apply pending schema migrations`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE:  runDbMigrate,
}

func init() {
	DbCmd.AddCommand(dbMigrateCmd)
}

func runDbMigrate(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}

	log := logger.Named("db")
	database, err := db.Open(cfg.Database.Path, log)
	if err != nil {
		return err
	}
	defer database.Close()

	if err := db.Migrate(database, log); err != nil {
		return err
	}

	fmt.Printf("Database migrated: %s\n", cfg.Database.Path)
	return nil
}
