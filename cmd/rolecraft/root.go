// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rolecraft Contributors

package main

import (
	"github.com/spf13/cobra"

	"github.com/rolecraft/rolecraft/internal/config"
	"github.com/rolecraft/rolecraft/internal/logging"
)

// Global flags available to all subcommands.
var configFile string

// NewRootCmd creates the root command for the rolecraft CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rolecraft",
		Short: "Rolecraft - a role hierarchy engine for game servers",
		Long: `Rolecraft manages role-based permissions for multiplayer game
servers: prioritized roles, permission inheritance, and per-member
overrides, backed by PostgreSQL or flat files.`,
	}

	// Global flag for config file path
	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path")

	// Add subcommands
	cmd.AddCommand(NewSweepCmd())
	cmd.AddCommand(NewMigrateCmd())
	cmd.AddCommand(NewSeedCmd())
	cmd.AddCommand(NewValidateCmd())

	return cmd
}

// loadConfig resolves the config file path and layers flags from cmd
// over it. The --config flag wins; otherwise the XDG default path is
// probed and silently skipped when absent.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path := configFile
	if path == "" {
		var err error
		path, err = config.DefaultPath()
		if err != nil {
			return config.Config{}, err
		}
	}
	return config.Load(path, cmd.Flags())
}

// setupLogging installs the default slog logger from config.
func setupLogging(cfg config.Config) {
	logging.SetDefault("rolecraft", version, cfg.Log.Format, logging.ParseLevel(cfg.Log.Level))
}

// addConfigFlags registers the dotted flags that overlay file config.
// Flag names match config keys so posflag can map them directly.
func addConfigFlags(cmd *cobra.Command) {
	defaults := config.Defaults()
	cmd.Flags().String("log.level", defaults.Log.Level, "log level (debug, info, warn, error)")
	cmd.Flags().String("log.format", defaults.Log.Format, "log format (json or text)")
	cmd.Flags().String("store.backend", defaults.Store.Backend, "storage backend (postgres, file, memory)")
	cmd.Flags().String("store.path", "", "roles directory (file backend)")
	cmd.Flags().String("metrics.addr", defaults.Metrics.Addr, "metrics/health HTTP address (empty = disabled)")
}
