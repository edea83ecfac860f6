package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// execute runs the root command against a temp SQLite store.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	dir := t.TempDir()
	db := filepath.Join(dir, "test.db")
	cfgPath := filepath.Join(dir, "chunkforge.yaml")
	body := fmt.Sprintf("log_level: error\nstore:\n  backend: sqlite\n  path: %s\n  log_path: %s\n", db, db)
	require.NoError(t, os.WriteFile(cfgPath, []byte(body), 0o644))
	t.Setenv("CHUNKFORGE_DB", "")
	t.Setenv("CHUNKFORGE_LOG_DB", "")
	t.Setenv("CHUNKFORGE_STORE", "")

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append(args, "--config", cfgPath))
	err := rootCmd.Execute()
	return out.String(), err
}

func TestReplayFixtureCommand(t *testing.T) {
	out, err := execute(t, "replay", filepath.Join("..", "..", "internal", "replay", "testdata", "lighthouse.json"))
	require.NoError(t, err, out)
	assert.Contains(t, out, "Status: complete")
	assert.Contains(t, out, "Audit passed: true")
}

func TestInspectEmptyStore(t *testing.T) {
	out, err := execute(t, "inspect")
	require.NoError(t, err)
	assert.Contains(t, out, "no sessions found")
}

func TestInspectUnknownSession(t *testing.T) {
	_, err := execute(t, "inspect", "missing")
	assert.Error(t, err)
}
