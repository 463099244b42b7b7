// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin_test

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/tickhost/internal/plugin"
	"github.com/holomush/tickhost/pkg/errutil"
)

func writePlugin(t *testing.T, root, dir, manifest string) string {
	t.Helper()
	pluginDir := filepath.Join(root, dir)
	require.NoError(t, os.MkdirAll(pluginDir, 0o750))
	if manifest != "" {
		require.NoError(t, os.WriteFile(filepath.Join(pluginDir, plugin.ManifestFile), []byte(manifest), 0o600))
	}
	return pluginDir
}

func TestManager_Discover(t *testing.T) {
	root := t.TempDir()
	betaDir := writePlugin(t, root, "b", "name: beta\nversion: 1.0.0\nmetrics-id: 7\n")
	writePlugin(t, root, "a", "name: alpha\nversion: 1.0.0\n")
	writePlugin(t, root, "empty", "")
	writePlugin(t, root, "broken", "name: Broken\nversion: 1.0.0\n")
	require.NoError(t, os.WriteFile(filepath.Join(root, "stray.yaml"), []byte("x"), 0o600))

	var logs bytes.Buffer
	mgr := plugin.NewManager(root, plugin.WithManagerLogger(slog.New(slog.NewTextHandler(&logs, nil))))
	found, err := mgr.Discover(context.Background())
	require.NoError(t, err)

	require.Len(t, found, 2)
	assert.Equal(t, []string{"alpha", "beta"}, mgr.ListPlugins())

	beta, ok := mgr.Get("beta")
	require.True(t, ok)
	assert.Equal(t, betaDir, beta.Dir)
	assert.Equal(t, 7, beta.MetricsID())
	assert.False(t, beta.Enabled(), "discovered plugins start disabled")

	assert.Contains(t, logs.String(), "skipping plugin without manifest")
	assert.Contains(t, logs.String(), "skipping plugin with invalid manifest")
}

func TestManager_DuplicateNamesKeepFirst(t *testing.T) {
	root := t.TempDir()
	first := writePlugin(t, root, "a", "name: alpha\nversion: 1.0.0\n")
	writePlugin(t, root, "b", "name: alpha\nversion: 2.0.0\n")

	mgr := plugin.NewManager(root)
	found, err := mgr.Discover(context.Background())
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, first, found[0].Dir)
}

func TestManager_MissingDirectory(t *testing.T) {
	mgr := plugin.NewManager(filepath.Join(t.TempDir(), "nope"))
	found, err := mgr.Discover(context.Background())
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestManifestPlugin_Path(t *testing.T) {
	p := plugin.NewManifestPlugin(&plugin.Manifest{Name: "alpha", Version: "1.0.0"}, "/srv/plugins/alpha", nil)

	got, err := p.Path("scripts/main.lua")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/srv/plugins/alpha", "scripts", "main.lua"), got)

	_, err = p.Path("../beta/main.lua")
	errutil.AssertErrorCode(t, err, "PLUGIN_PATH_ESCAPES")
	_, err = p.Path("/etc/passwd")
	errutil.AssertErrorCode(t, err, "PLUGIN_PATH_ESCAPES")
}
