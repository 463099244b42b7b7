// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"os"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/holomush/tickhost/internal/plugin"
)

// NewValidateCmd creates the validate subcommand.
func NewValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <plugin.yaml>...",
		Short: "Validate plugin manifests",
		Long: `Check each manifest against the plugin JSON Schema and the host's
manifest rules, including the api-version constraint.`,
		Args: cobra.MinimumNArgs(1),
		RunE: runValidate,
	}
}

func runValidate(cmd *cobra.Command, args []string) error {
	failed := 0
	for _, path := range args {
		if err := validateManifest(path); err != nil {
			failed++
			cmd.PrintErrf("%s: %s\n", path, plugin.FormatSchemaError(err))
			continue
		}
		cmd.Printf("%s: ok\n", path)
	}
	if failed > 0 {
		return oops.Code("MANIFEST_VALIDATION_FAILED").
			With("failed", failed).
			Errorf("%d of %d manifests invalid", failed, len(args))
	}
	return nil
}

func validateManifest(path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // path is an operator-supplied CLI argument
	if err != nil {
		return oops.Code("MANIFEST_UNREADABLE").With("path", path).Wrap(err)
	}
	if err := plugin.ValidateSchema(data); err != nil {
		return err
	}
	_, err = plugin.ParseManifest(data)
	return err
}
