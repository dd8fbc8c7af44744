package main

import (
	"context"
	"io"
	"log/slog"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/example/tokenauth/internal/config"
	"github.com/example/tokenauth/internal/logging"
	"github.com/example/tokenauth/internal/store"
)

// Global flags available to all subcommands.
var configFile string

// NewRootCmd creates the root command for authctl.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "authctl",
		Short:        "Administer the token auth service",
		Long:         `authctl runs database migrations and manages principals of the token auth service.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path (defaults to $CONFIG_FILE)")

	cmd.AddCommand(NewMigrateCmd())
	cmd.AddCommand(NewUserCmd())

	return cmd
}

func loadConfig() (*config.Config, error) {
	var (
		c   *config.Config
		err error
	)
	if configFile != "" {
		c, err = config.Load(configFile)
	} else {
		c, err = config.New()
	}
	if err != nil {
		return nil, oops.Code("CONFIG_INVALID").Wrap(err)
	}
	return c, nil
}

// openStore opens the persistent backend named by the config. The memory
// adapter is refused: nothing written to it would outlive the command.
func openStore(ctx context.Context, c *config.Config, log *slog.Logger) (store.DB, error) {
	switch c.DBAdapter {
	case "sqlite":
		db, err := store.OpenSQLite(ctx, c.SQLiteFile)
		if err != nil {
			return nil, oops.Code("DB_CONNECT_FAILED").With("adapter", "sqlite").Wrap(err)
		}
		return db, nil
	case "postgres":
		dsn, err := c.BuildPostgresDSN()
		if err != nil {
			return nil, oops.Code("CONFIG_INVALID").Wrap(err)
		}
		if err := store.ApplyMigrations(dsn, log); err != nil {
			return nil, oops.Code("MIGRATION_FAILED").With("operation", "run migrations").Wrap(err)
		}
		db, err := store.OpenPostgres(ctx, dsn)
		if err != nil {
			return nil, oops.Code("DB_CONNECT_FAILED").With("adapter", "postgres").Wrap(err)
		}
		return db, nil
	default:
		return nil, oops.Code("CONFIG_INVALID").Errorf("DB_ADAPTER %q cannot be administered (use sqlite or postgres)", c.DBAdapter)
	}
}

func newLogger(c *config.Config, w io.Writer) *slog.Logger {
	return logging.Setup("authctl", version, "text", c.LogLevel, w)
}
