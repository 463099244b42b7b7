// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"os"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/holomush/tickhost/internal/config"
	"github.com/holomush/tickhost/internal/store"
)

// migrator is the subset of *store.Migrator the migrate commands use.
type migrator interface {
	Up() error
	Down() error
	Version() (uint, bool, error)
	Pending() ([]uint, error)
	Close() error
}

// newMigrator is replaced in tests.
var newMigrator = func(url string) (migrator, error) {
	return store.NewMigrator(url)
}

// NewMigrateCmd creates the migrate command group.
func NewMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the transition journal schema",
		Long: `Apply or roll back the PostgreSQL schema of the transition journal.
The database URL comes from --database-url, the config file, or DATABASE_URL.`,
	}
	cmd.PersistentFlags().String("database-url", "", "PostgreSQL URL")

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: withMigrator(func(cmd *cobra.Command, m migrator) error {
			pending, err := m.Pending()
			if err != nil {
				return err
			}
			if len(pending) == 0 {
				cmd.Println("Schema is up to date")
				return nil
			}
			if err := m.Up(); err != nil {
				return err
			}
			cmd.Printf("Applied %d migration(s)\n", len(pending))
			return nil
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back all migrations, dropping the journal",
		RunE: withMigrator(func(cmd *cobra.Command, m migrator) error {
			if err := m.Down(); err != nil {
				return err
			}
			cmd.Println("Rolled back all migrations")
			return nil
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show the applied schema version",
		RunE: withMigrator(func(cmd *cobra.Command, m migrator) error {
			v, dirty, err := m.Version()
			if err != nil {
				return err
			}
			name, err := store.MigrationName(v)
			if err != nil {
				return err
			}
			if name == "" {
				name = "none"
			}
			state := "clean"
			if dirty {
				state = "dirty"
			}
			cmd.Printf("Version %d (%s, %s)\n", v, name, state)
			return nil
		}),
	})

	return cmd
}

func withMigrator(fn func(*cobra.Command, migrator) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		url, err := databaseURL(cmd)
		if err != nil {
			return err
		}
		m, err := newMigrator(url)
		if err != nil {
			return err
		}
		defer func() {
			if err := m.Close(); err != nil {
				cmd.PrintErrf("closing migrator: %v\n", err)
			}
		}()
		return fn(cmd, m)
	}
}

// databaseURL resolves the URL from the flag, then the config file, then
// the DATABASE_URL environment variable.
func databaseURL(cmd *cobra.Command) (string, error) {
	if url, _ := cmd.Flags().GetString("database-url"); url != "" {
		return url, nil
	}
	if path := resolveConfigFile(); path != "" {
		cfg, err := config.Load(path, nil)
		if err != nil {
			return "", err
		}
		if cfg.DatabaseURL != "" {
			return cfg.DatabaseURL, nil
		}
	}
	if url := os.Getenv("DATABASE_URL"); url != "" {
		return url, nil
	}
	return "", oops.Code("CONFIG_INVALID").With("key", "database_url").
		Errorf("database URL is required (--database-url, config file or DATABASE_URL)")
}
