package main

import (
	"fmt"
	"strings"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/example/tokenauth/internal/config"
	"github.com/example/tokenauth/internal/store"
)

// NewMigrateCmd creates the migrate subcommand.
func NewMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		Long:  `Apply, roll back or inspect the embedded PostgreSQL migrations.`,
	}

	var upSteps, downSteps int
	up := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withMigrator(func(m *store.Migrator) error {
				if err := m.Up(upSteps); err != nil {
					return oops.Code("MIGRATION_FAILED").With("operation", "up").Wrap(err)
				}
				cmd.Println("Migrations applied successfully")
				return nil
			})
		},
	}
	up.Flags().IntVar(&upSteps, "steps", 0, "number of migrations to apply (0 = all)")

	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withMigrator(func(m *store.Migrator) error {
				if err := m.Down(downSteps); err != nil {
					return oops.Code("MIGRATION_FAILED").With("operation", "down").Wrap(err)
				}
				cmd.Println("Migrations rolled back successfully")
				return nil
			})
		},
	}
	down.Flags().IntVar(&downSteps, "steps", 0, "number of migrations to roll back (0 = all)")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show the current migration version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withMigrator(func(m *store.Migrator) error {
				v, dirty, err := m.Version()
				if err != nil {
					return oops.Code("MIGRATION_FAILED").With("operation", "version").Wrap(err)
				}
				if dirty {
					return oops.Code("MIGRATION_DIRTY").With("version", v).
						Errorf("database is in a dirty state (version %d)", v)
				}
				cmd.Printf("Current migration version: %d\n", v)
				return nil
			})
		},
	}

	force := &cobra.Command{
		Use:   "force VERSION",
		Short: "Set the migration version without running migrations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := parseForceVersion(args[0])
			if err != nil {
				return err
			}
			return withMigrator(func(m *store.Migrator) error {
				if err := m.Force(v); err != nil {
					return oops.Code("MIGRATION_FAILED").With("operation", "force").Wrap(err)
				}
				cmd.Printf("Forced database to version %d\n", v)
				return nil
			})
		},
	}

	cmd.AddCommand(up, down, versionCmd, force)
	return cmd
}

func parseForceVersion(s string) (int, error) {
	var v int
	if _, err := fmt.Sscanf(strings.TrimSpace(s), "%d", &v); err != nil {
		return 0, oops.Code("INVALID_VERSION").With("input", s).Errorf("invalid migration version %q", s)
	}
	return v, nil
}

func postgresDSN(c *config.Config) (string, error) {
	if c.DBAdapter != "postgres" {
		return "", oops.Code("CONFIG_INVALID").
			Errorf("migrations only work with PostgreSQL, current adapter: %s", c.DBAdapter)
	}
	dsn, err := c.BuildPostgresDSN()
	if err != nil {
		return "", oops.Code("CONFIG_INVALID").Wrap(err)
	}
	return dsn, nil
}

func withMigrator(fn func(*store.Migrator) error) error {
	c, err := loadConfig()
	if err != nil {
		return err
	}
	dsn, err := postgresDSN(c)
	if err != nil {
		return err
	}
	m, err := store.NewMigrator(dsn)
	if err != nil {
		return oops.Code("DB_CONNECT_FAILED").With("operation", "connect to database").Wrap(err)
	}
	defer m.Close()
	return fn(m)
}
