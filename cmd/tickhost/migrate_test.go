// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/tickhost/pkg/errutil"
)

type fakeMigrator struct {
	url     string
	pending []uint
	version uint
	dirty   bool
	upErr   error
	ups     int
	downs   int
	closed  bool
}

func (f *fakeMigrator) Up() error                    { f.ups++; return f.upErr }
func (f *fakeMigrator) Down() error                  { f.downs++; return nil }
func (f *fakeMigrator) Version() (uint, bool, error) { return f.version, f.dirty, nil }
func (f *fakeMigrator) Pending() ([]uint, error)     { return f.pending, nil }
func (f *fakeMigrator) Close() error                 { f.closed = true; return nil }

func useFakeMigrator(t *testing.T, fake *fakeMigrator) {
	t.Helper()
	orig := newMigrator
	newMigrator = func(url string) (migrator, error) {
		fake.url = url
		return fake, nil
	}
	t.Cleanup(func() { newMigrator = orig })
}

func TestMigrateUp_AppliesPending(t *testing.T) {
	fake := &fakeMigrator{pending: []uint{1, 2}}
	useFakeMigrator(t, fake)

	out, _, err := executeRoot(t, "migrate", "up", "--database-url", "postgres://flag/db")
	require.NoError(t, err)
	assert.Equal(t, "postgres://flag/db", fake.url)
	assert.Equal(t, 1, fake.ups)
	assert.True(t, fake.closed)
	assert.Contains(t, out, "Applied 2 migration(s)")
}

func TestMigrateUp_NothingPending(t *testing.T) {
	fake := &fakeMigrator{}
	useFakeMigrator(t, fake)

	out, _, err := executeRoot(t, "migrate", "up", "--database-url", "postgres://flag/db")
	require.NoError(t, err)
	assert.Zero(t, fake.ups)
	assert.Contains(t, out, "Schema is up to date")
}

func TestMigrateUp_Failure(t *testing.T) {
	fake := &fakeMigrator{pending: []uint{1}, upErr: errors.New("locked")}
	useFakeMigrator(t, fake)

	_, _, err := executeRoot(t, "migrate", "up", "--database-url", "postgres://flag/db")
	require.Error(t, err)
	assert.True(t, fake.closed)
}

func TestMigrateDown(t *testing.T) {
	fake := &fakeMigrator{}
	useFakeMigrator(t, fake)

	out, _, err := executeRoot(t, "migrate", "down", "--database-url", "postgres://flag/db")
	require.NoError(t, err)
	assert.Equal(t, 1, fake.downs)
	assert.Contains(t, out, "Rolled back")
}

func TestMigrateVersion(t *testing.T) {
	useFakeMigrator(t, &fakeMigrator{version: 1, dirty: true})

	out, _, err := executeRoot(t, "migrate", "version", "--database-url", "postgres://flag/db")
	require.NoError(t, err)
	assert.Contains(t, out, "Version 1 (000001_transitions, dirty)")
}

func TestMigrate_DatabaseURLFromConfigFile(t *testing.T) {
	fake := &fakeMigrator{}
	useFakeMigrator(t, fake)
	t.Setenv("DATABASE_URL", "postgres://env/db")

	path := filepath.Join(t.TempDir(), "tickhost.yaml")
	require.NoError(t, os.WriteFile(path, []byte("database_url: postgres://file/db\n"), 0o600))
	t.Cleanup(func() { configFile = "" })

	_, _, err := executeRoot(t, "--config", path, "migrate", "version")
	require.NoError(t, err)
	assert.Equal(t, "postgres://file/db", fake.url)
}

func TestMigrate_DatabaseURLFromEnv(t *testing.T) {
	fake := &fakeMigrator{}
	useFakeMigrator(t, fake)
	t.Setenv("DATABASE_URL", "postgres://env/db")
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	configFile = ""

	_, _, err := executeRoot(t, "migrate", "version")
	require.NoError(t, err)
	assert.Equal(t, "postgres://env/db", fake.url)
}

func TestMigrate_DatabaseURLRequired(t *testing.T) {
	useFakeMigrator(t, &fakeMigrator{})
	t.Setenv("DATABASE_URL", "")
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	configFile = ""

	_, _, err := executeRoot(t, "migrate", "up")
	errutil.AssertErrorCode(t, err, "CONFIG_INVALID")
	errutil.AssertErrorContext(t, err, "key", "database_url")
}
