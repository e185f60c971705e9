package main

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"lineinspect/internal/config"
	"lineinspect/internal/logging"
	"lineinspect/internal/storage"
)

const envDBDriver = "LINEINSPECT_DB_DRIVER"

// commandContext lazily loads what subcommands share.
type commandContext struct {
	configFlag *string
	driverFlag *string

	cfg    *config.Config
	logger *slog.Logger
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	if c.cfg != nil {
		return c.cfg, nil
	}
	cfg, err := config.Load(*c.configFlag)
	if err != nil {
		return nil, err
	}
	c.cfg = cfg
	return cfg, nil
}

func (c *commandContext) ensureLogger() (*slog.Logger, error) {
	if c.logger != nil {
		return c.logger, nil
	}
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	c.logger = logger
	return logger, nil
}

func (c *commandContext) driver() string {
	if v := strings.TrimSpace(*c.driverFlag); v != "" {
		return v
	}
	if v := strings.TrimSpace(os.Getenv(envDBDriver)); v != "" {
		return v
	}
	return "sqlite3"
}

// openCatalog opens and migrates the catalog database.
func (c *commandContext) openCatalog() (*sql.DB, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	driver := c.driver()
	if db, ok := cfg.Databases[driver]; ok && driver == "sqlite3" && db.DSN != ":memory:" && !strings.HasPrefix(db.DSN, "file:") {
		if err := os.MkdirAll(filepath.Dir(db.DSN), 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}
	db, err := storage.Open(driver, cfg)
	if err != nil {
		return nil, err
	}
	if err := storage.Migrate(db, driver); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return db, nil
}

func newRootCommand() *cobra.Command {
	var configFlag, driverFlag string
	ctx := &commandContext{configFlag: &configFlag, driverFlag: &driverFlag}

	rootCmd := &cobra.Command{
		Use:           "lineinspect",
		Short:         "Power line inspection upload and analysis server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Configuration file path (.json or .toml)")
	rootCmd.PersistentFlags().StringVar(&driverFlag, "db-driver", "", "Catalog database driver: sqlite3 or mysql")

	rootCmd.AddCommand(newServeCommand(ctx))
	rootCmd.AddCommand(newSessionsCommand(ctx))
	rootCmd.AddCommand(newHealthCommand(ctx))
	rootCmd.AddCommand(newCleanStagingCommand(ctx))
	rootCmd.AddCommand(newTokenCommand())
	return rootCmd
}
