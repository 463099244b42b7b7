// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"github.com/spf13/cobra"

	"github.com/holomush/tickhost/internal/xdg"
)

// Global flags available to all subcommands.
var configFile string

// NewRootCmd creates the root command for the tickhost CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tickhost",
		Short: "tickhost - a tick-driven plugin host",
		Long: `tickhost runs a single-threaded main loop and drives plugins and
their Lua extensions through load, enable and unload.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path (default $XDG_CONFIG_HOME/tickhost/config.yaml)")

	cmd.AddCommand(NewRunCmd())
	cmd.AddCommand(NewStatusCmd())
	cmd.AddCommand(NewValidateCmd())
	cmd.AddCommand(NewGenSchemaCmd())
	cmd.AddCommand(NewMigrateCmd())

	return cmd
}

// resolveConfigFile returns --config, or the XDG config file when present.
func resolveConfigFile() string {
	if configFile != "" {
		return configFile
	}
	if path, ok := xdg.ConfigFile(); ok {
		return path
	}
	return ""
}
