package main

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/spf13/cobra"

	"github.com/solvia-ai/relay/internal/config"
	"github.com/solvia-ai/relay/internal/store"
)

func buildMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Database migration commands",
		Long: `Manage the relay database schema.

Run migrations after upgrading relay to apply any schema changes. The
serve command can also apply them at boot when database.migrate_on_start
is set.`,
	}

	cmd.AddCommand(
		buildMigrateUpCmd(),
		buildMigrateDownCmd(),
		buildMigrateStatusCmd(),
	)
	return cmd
}

// openMigrationStore loads the config and opens a store without running
// migrations, leaving that to the subcommand.
func openMigrationStore(configPath string) (*store.Store, error) {
	cfg, err := config.Load(resolveConfigPath(configPath))
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	st, err := store.New(store.Config{
		DSN:             cfg.Database.URL,
		MaxConnections:  cfg.Database.MaxConnections,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return st, nil
}

func buildMigrateUpCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		Long: `Apply all pending database migrations in lexical id order.

Each migration runs inside its own transaction; a failure leaves earlier
migrations applied and the failing one rolled back.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openMigrationStore(configPath)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.Migrate(cmd.Context()); err != nil {
				return err
			}
			slog.Info("migrations up to date")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	return cmd
}

func buildMigrateDownCmd() *cobra.Command {
	var (
		configPath string
		steps      int
	)

	cmd := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		Long: `Roll back the last N applied migrations, newest first.

Use with caution in production: rolling back drops the tables or columns
the migration created.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openMigrationStore(configPath)
			if err != nil {
				return err
			}
			defer st.Close()

			rolled, err := st.MigrateDown(cmd.Context(), steps)
			if err != nil {
				return err
			}
			if len(rolled) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No migrations to roll back.")
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	cmd.Flags().IntVarP(&steps, "steps", "n", 1, "Number of migrations to roll back")
	return cmd
}

func buildMigrateStatusCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openMigrationStore(configPath)
			if err != nil {
				return err
			}
			defer st.Close()

			status, err := st.MigrationStatus(cmd.Context())
			if err != nil {
				return err
			}

			ids := make([]string, 0, len(status))
			for id := range status {
				ids = append(ids, id)
			}
			sort.Strings(ids)

			out := cmd.OutOrStdout()
			pending := 0
			for _, id := range ids {
				state := "applied"
				if !status[id] {
					state = "pending"
					pending++
				}
				fmt.Fprintf(out, "%-50s %s\n", id, state)
			}
			fmt.Fprintf(out, "\n%d migrations, %d pending\n", len(ids), pending)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	return cmd
}
