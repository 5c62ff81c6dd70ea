package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/taskdaemon/taskdaemon-sub002/internal/db"
)

var (
	migrateSteps   int
	migrateVersion int
)

func init() {
	rootCmd.AddCommand(migrateCmd)

	migrateCmd.AddCommand(migrateUpCmd)
	migrateCmd.AddCommand(migrateDownCmd)
	migrateCmd.AddCommand(migrateStatusCmd)
	migrateCmd.AddCommand(migrateVersionCmd)

	migrateDownCmd.Flags().IntVarP(&migrateSteps, "steps", "n", 1, "number of migrations to roll back")
	migrateUpCmd.Flags().IntVar(&migrateVersion, "to", 0, "migrate to specific version (0 = latest)")
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage database migrations",
	Long: `Manage database schema migrations.

Commands:
  up       Apply pending migrations
  down     Roll back migrations
  status   Show migration status
  version  Show current schema version`,
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		database, err := openDatabaseNoMigrate()
		if err != nil {
			return err
		}
		defer database.Close()

		if migrateVersion > 0 {
			if err := database.MigrateTo(ctx, migrateVersion); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			cmd.Printf("Migrated to version %d\n", migrateVersion)
			return nil
		}

		applied, err := database.MigrateUp(ctx)
		if err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		if applied == 0 {
			cmd.Println("No pending migrations")
		} else {
			cmd.Printf("Applied %d migration(s)\n", applied)
		}
		return nil
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back migrations",
	Long:  `Roll back the last N migrations (default: 1).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		database, err := openDatabaseNoMigrate()
		if err != nil {
			return err
		}
		defer database.Close()

		rolledBack, err := database.MigrateDown(ctx, migrateSteps)
		if err != nil {
			return fmt.Errorf("rollback failed: %w", err)
		}
		if rolledBack == 0 {
			cmd.Println("No migrations to roll back")
		} else {
			cmd.Printf("Rolled back %d migration(s)\n", rolledBack)
		}
		return nil
	},
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show migration status",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		database, err := openDatabaseNoMigrate()
		if err != nil {
			return err
		}
		defer database.Close()

		status, err := database.MigrationStatus(ctx)
		if err != nil {
			return fmt.Errorf("failed to get migration status: %w", err)
		}

		formatter := NewFormatter(os.Stdout)
		if formatter.Structured() {
			return formatter.Write(status)
		}

		rows := make([][]string, 0, len(status))
		for _, s := range status {
			state, appliedAt := "pending", "-"
			if s.Applied {
				state, appliedAt = "applied", s.AppliedAt
			}
			rows = append(rows, []string{fmt.Sprintf("%d", s.Version), s.Description, state, appliedAt})
		}
		return writeTable(os.Stdout, []string{"VERSION", "DESCRIPTION", "STATUS", "APPLIED AT"}, rows)
	},
}

var migrateVersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show current schema version",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		database, err := openDatabaseNoMigrate()
		if err != nil {
			return err
		}
		defer database.Close()

		version, err := database.SchemaVersion(ctx)
		if err != nil {
			return fmt.Errorf("failed to get schema version: %w", err)
		}

		formatter := NewFormatter(os.Stdout)
		if formatter.Structured() {
			return formatter.Write(map[string]int{"version": version})
		}
		cmd.Printf("Schema version: %d\n", version)
		return nil
	},
}

// openDatabase opens the database using the current configuration.
func openDatabase() (*db.DB, error) {
	return openDatabaseWithMigration(true)
}

func openDatabaseNoMigrate() (*db.DB, error) {
	return openDatabaseWithMigration(false)
}

func openDatabaseWithMigration(autoMigrate bool) (*db.DB, error) {
	if appConfig == nil {
		return nil, fmt.Errorf("configuration not loaded")
	}

	database, err := db.Open(db.Config{
		Path:          appConfig.DatabasePath(),
		MaxOpenConns:  appConfig.Database.MaxConnections,
		BusyTimeoutMs: appConfig.Database.BusyTimeoutMs,
	})
	if err != nil {
		return nil, err
	}

	if autoMigrate {
		if err := autoMigrateDatabase(database); err != nil {
			_ = database.Close()
			return nil, err
		}
	}

	return database, nil
}

func autoMigrateDatabase(database *db.DB) error {
	if database == nil {
		return fmt.Errorf("database is required")
	}

	ctx := context.Background()
	beforeVersion := 0

	version, err := database.SchemaVersion(ctx)
	if err != nil {
		if !isMissingSchemaTable(err) {
			return fmt.Errorf("failed to read schema version: %w", err)
		}
	} else {
		beforeVersion = version
	}

	applied, err := database.MigrateUp(ctx)
	if err != nil {
		return fmt.Errorf("auto-migrate failed: %w", err)
	}

	if applied > 0 {
		afterVersion := beforeVersion
		if version, err := database.SchemaVersion(ctx); err == nil {
			afterVersion = version
		}
		logger.Info().
			Int("from_version", beforeVersion).
			Int("to_version", afterVersion).
			Msg("database migrated")
	}

	return nil
}

func isMissingSchemaTable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no such table") && strings.Contains(msg, "schema_version")
}
