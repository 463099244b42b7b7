// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_HasExpectedSubcommands(t *testing.T) {
	cmd := NewRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--help"})

	require.NoError(t, cmd.Execute())

	for _, sub := range []string{"run", "status", "validate", "gen-schema", "migrate"} {
		assert.Contains(t, buf.String(), sub, "help missing %q command", sub)
	}
}

func TestRootCommand_ConfigFlag(t *testing.T) {
	configFile = ""
	t.Cleanup(func() { configFile = "" })

	cmd := NewRootCmd()
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetArgs([]string{"--config=/etc/tickhost.yaml", "--help"})

	require.NoError(t, cmd.Execute())
	assert.Equal(t, "/etc/tickhost.yaml", configFile)
}

func TestRunCommand_RegistersConfigFlags(t *testing.T) {
	cmd := NewRunCmd()
	for _, name := range []string{"plugins-dir", "tick-rate", "stall-threshold", "async-workers", "metrics-addr", "log-format", "log-level", "database-url", "journal"} {
		assert.NotNil(t, cmd.Flags().Lookup(name), "missing flag %s", name)
	}
}

func TestResolveConfigFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	configFile = ""
	t.Cleanup(func() { configFile = "" })

	assert.Empty(t, resolveConfigFile())

	path := filepath.Join(dir, "tickhost", "config.yaml")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o700))
	require.NoError(t, os.WriteFile(path, []byte("tick_rate: 20ms\n"), 0o600))
	assert.Equal(t, path, resolveConfigFile())

	configFile = "/explicit.yaml"
	assert.Equal(t, "/explicit.yaml", resolveConfigFile())
}
