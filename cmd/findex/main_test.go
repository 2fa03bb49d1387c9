// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/poiesic/findex"
	"github.com/poiesic/findex/auth"
	"github.com/poiesic/findex/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
)

// run executes the CLI with args and returns what it wrote to stdout.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	app := newApp()
	app.Writer = &stdout
	app.ErrWriter = &stderr
	err := app.Run(append([]string{"findex", "--log-level", "error"}, args...))
	return stdout.String(), err
}

// initIndex writes a badger configuration under a temp dir.
func initIndex(t *testing.T) (dir, cfgPath string) {
	t.Helper()
	dir = t.TempDir()
	cfgPath = filepath.Join(dir, "findex.toml")
	_, err := run(t, "--config", cfgPath, "init",
		"--path", filepath.Join(dir, "data"),
		"--key-file", filepath.Join(dir, "findex.key"),
		"--label", "v1")
	require.NoError(t, err)
	return dir, cfgPath
}

func TestLogLevel(t *testing.T) {
	_, err := run(t, "--log-level", "verbose", "keygen")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log level")
}

func TestInit(t *testing.T) {
	dir, cfgPath := initIndex(t)

	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)
	assert.Equal(t, config.BackendBadger, cfg.Backend.Kind)
	assert.Equal(t, "v1", cfg.Index.Label)

	_, err = findex.ReadKeyFile(filepath.Join(dir, "findex.key"))
	require.NoError(t, err)

	t.Run("refuses to overwrite", func(t *testing.T) {
		_, err := run(t, "--config", cfgPath, "init")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "already exists")
	})

	t.Run("validates backend", func(t *testing.T) {
		_, err := run(t, "--config", filepath.Join(dir, "other.toml"), "init", "--backend", "redis")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "backend.url")
	})
}

func TestKeygen(t *testing.T) {
	out, err := run(t, "keygen")
	require.NoError(t, err)
	assert.Len(t, strings.TrimSpace(out), 64)

	path := filepath.Join(t.TempDir(), "k")
	_, err = run(t, "keygen", "--out", path)
	require.NoError(t, err)
	_, err = findex.ReadKeyFile(path)
	require.NoError(t, err)
}

func TestTokenCommands(t *testing.T) {
	dir := t.TempDir()
	full := filepath.Join(dir, "full.token")
	reader := filepath.Join(dir, "reader.token")

	_, err := run(t, "token", "new", "--index-id", "docs", "--out", full)
	require.NoError(t, err)

	out, err := run(t, "token", "inspect", "--in", full)
	require.NoError(t, err)
	assert.Contains(t, out, "Index: docs")
	assert.Contains(t, out, "index, fetch_entries, fetch_chains, upsert_entries, insert_chains")

	_, err = run(t, "token", "reduce", "--in", full, "--search", "--out", reader)
	require.NoError(t, err)
	out, err = run(t, "token", "inspect", "--in", reader)
	require.NoError(t, err)
	assert.Contains(t, out, "Permissions: fetch_entries, fetch_chains\n")

	_, err = run(t, "token", "reduce", "--in", full)
	assert.ErrorIs(t, err, auth.ErrInvalidPermission)

	out, err = run(t, "token", "new", "--index-id", "docs")
	require.NoError(t, err)
	parsed, err := auth.ParseToken(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.True(t, parsed.CanSearch())
}

func TestAddSearchDelete(t *testing.T) {
	_, cfgPath := initIndex(t)

	out, err := run(t, "--config", cfgPath, "add", "--location", "doc-1", "alpha", "beta")
	require.NoError(t, err)
	assert.Equal(t, "Added 2 keyword(s), 2 new\n", out)

	_, err = run(t, "--config", cfgPath, "add", "--link", "alpha", "greek")
	require.NoError(t, err)

	out, err = run(t, "--config", cfgPath, "search", "greek", "beta", "gamma")
	require.NoError(t, err)
	assert.Equal(t, "greek: doc-1\nbeta: doc-1\ngamma: \n", out)

	out, err = run(t, "--config", cfgPath, "delete", "--location", "doc-1", "alpha")
	require.NoError(t, err)
	assert.Equal(t, "Deleted 1 keyword(s), 0 new\n", out)

	out, err = run(t, "--config", cfgPath, "search", "alpha", "greek")
	require.NoError(t, err)
	assert.Equal(t, "alpha: \ngreek: \n", out)
}

func TestBindingValidation(t *testing.T) {
	_, cfgPath := initIndex(t)

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"no value", []string{"add", "alpha"}, "--location or --link"},
		{"both values", []string{"add", "--location", "a", "--link", "b", "alpha"}, "mutually exclusive"},
		{"no keywords", []string{"delete", "--location", "a"}, "keyword"},
		{"search without keywords", []string{"search"}, "keyword"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := run(t, append([]string{"--config", cfgPath}, tt.args...)...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestMissingConfig(t *testing.T) {
	_, err := run(t, "--config", filepath.Join(t.TempDir(), "absent.toml"), "search", "alpha")
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestCompactAndDump(t *testing.T) {
	dir, cfgPath := initIndex(t)
	_, err := run(t, "--config", cfgPath, "add", "--location", "doc-1", "alpha", "beta")
	require.NoError(t, err)

	out, err := run(t, "--config", cfgPath, "dump", "--table", "entry")
	require.NoError(t, err)
	assert.Len(t, strings.Fields(out), 2)

	newKey := filepath.Join(dir, "next.key")
	out, err = run(t, "--config", cfgPath, "compact", "--new-key-file", newKey, "--new-label", "v2")
	require.NoError(t, err)
	assert.Contains(t, out, "Full sweep: true")
	assert.Contains(t, out, "Migrated: 2, deferred: 0, failed: 0")
	assert.Contains(t, out, "Old epoch retired")

	// Point the configuration at the new epoch.
	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)
	cfg.Index.KeyFile = newKey
	cfg.Index.Label = "v2"
	require.NoError(t, cfg.Save(cfgPath))

	out, err = run(t, "--config", cfgPath, "search", "alpha")
	require.NoError(t, err)
	assert.Equal(t, "alpha: doc-1\n", out)

	_, err = run(t, "--config", cfgPath, "dump", "--table", "nope")
	assert.Error(t, err)
}

func TestServeRequiresToken(t *testing.T) {
	_, cfgPath := initIndex(t)
	_, err := run(t, "--config", cfgPath, "serve", "--token-file", filepath.Join(t.TempDir(), "absent"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestCommandFlags(t *testing.T) {
	app := newApp()

	find := func(name string) *cli.Command {
		for _, cmd := range app.Commands {
			if cmd.Name == name {
				return cmd
			}
		}
		return nil
	}

	t.Run("compact passes default to one", func(t *testing.T) {
		cmd := find("compact")
		require.NotNil(t, cmd)
		var passes *cli.IntFlag
		for _, flag := range cmd.Flags {
			if f, ok := flag.(*cli.IntFlag); ok && f.Name == "passes" {
				passes = f
			}
		}
		require.NotNil(t, passes)
		assert.Equal(t, 1, passes.Value)
	})

	t.Run("serve requires a token file", func(t *testing.T) {
		cmd := find("serve")
		require.NotNil(t, cmd)
		var tokenFlag *cli.StringFlag
		for _, flag := range cmd.Flags {
			if f, ok := flag.(*cli.StringFlag); ok && f.Name == "token-file" {
				tokenFlag = f
			}
		}
		require.NotNil(t, tokenFlag)
		assert.True(t, tokenFlag.Required)
	})
}
