package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/zulandar/signalbox/internal/config"
	"github.com/zulandar/signalbox/internal/db"
)

func newMigrateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the Signalbox database schema",
		Long:  "Opens the configured store and runs schema migrations. Safe to run multiple times (idempotent).",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd.OutOrStdout(), configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "signalbox.yaml", "path to Signalbox config file")
	return cmd
}

func runMigrate(out io.Writer, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	gormDB, err := db.Connect(cfg.Store)
	if err != nil {
		return fmt.Errorf("connect to store: %w", err)
	}

	switch cfg.Store.Driver {
	case "sqlite":
		fmt.Fprintf(out, "Migrating sqlite store at %s\n", cfg.Store.Path)
	case "mysql":
		fmt.Fprintf(out, "Migrating mysql store %s at %s:%d\n", cfg.Store.Database, cfg.Store.Host, cfg.Store.Port)
	}

	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}

	fmt.Fprintf(out, "Migrated %d tables\n", len(db.AllModels()))
	return nil
}
