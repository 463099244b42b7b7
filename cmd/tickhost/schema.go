// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"os"
	"path/filepath"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/holomush/tickhost/internal/plugin"
)

// NewGenSchemaCmd creates the gen-schema subcommand.
func NewGenSchemaCmd() *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "gen-schema",
		Short: "Generate the plugin manifest JSON Schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			schema, err := plugin.GenerateSchema()
			if err != nil {
				return err
			}
			if out == "" {
				_, err := cmd.OutOrStdout().Write(append(schema, '\n'))
				return err
			}

			if err := os.MkdirAll(filepath.Dir(out), 0o750); err != nil {
				return oops.Code("SCHEMA_WRITE_FAILED").With("path", out).Wrap(err)
			}
			if err := os.WriteFile(out, schema, 0o600); err != nil {
				return oops.Code("SCHEMA_WRITE_FAILED").With("path", out).Wrap(err)
			}
			cmd.Printf("Generated %s\n", out)
			return nil
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", "", "write the schema to this file instead of stdout")
	return cmd
}
