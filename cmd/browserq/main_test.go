package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manthysbr/browserq/internal/config"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load()
	require.NoError(t, err)
	return cfg
}

func TestRun_Jobs(t *testing.T) {
	dir := t.TempDir()
	manifest := "jobs:\n  - name: homepage\n    kind: screenshot\n    description: Front page capture\n  - name: invoice\n    kind: pdf\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "jobs.yaml"), []byte(manifest), 0o644))

	var stdout, stderr bytes.Buffer
	err := run(context.Background(), testConfig(t), "jobs", []string{"--jobs", dir}, &stdout, &stderr)
	require.NoError(t, err)

	out := stdout.String()
	assert.Contains(t, out, "NAME")
	assert.Contains(t, out, "homepage")
	assert.Contains(t, out, "Front page capture")
	assert.Contains(t, out, "invoice")
	assert.NotContains(t, out, `"level"`, "logs go to stderr")
}

// noopWasm is a minimal WASI command: an empty exported _start.
var noopWasm = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x01, 0x04, 0x01, 0x60, 0x00, 0x00,
	0x03, 0x02, 0x01, 0x00,
	0x05, 0x03, 0x01, 0x00, 0x01,
	0x07, 0x13, 0x02,
	0x06, 0x6d, 0x65, 0x6d, 0x6f, 0x72, 0x79, 0x02, 0x00,
	0x06, 0x5f, 0x73, 0x74, 0x61, 0x72, 0x74, 0x00, 0x00,
	0x0a, 0x04, 0x01, 0x02, 0x00, 0x0b,
}

func TestRun_JobsListsWasmModules(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "noop.wasm"), noopWasm, 0o644))
	manifest := `{"name":"extract","kind":"wasm","options":{"module":"noop.wasm"}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "extract.json"), []byte(manifest), 0o644))

	var stdout, stderr bytes.Buffer
	err := run(context.Background(), testConfig(t), "jobs", []string{"--jobs", dir}, &stdout, &stderr)
	require.NoError(t, err)

	out := stdout.String()
	assert.Contains(t, out, "WASM MODULE")
	assert.Regexp(t, `extract\s+_start`, out)
}

func TestRun_JobsMissingPath(t *testing.T) {
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), testConfig(t), "jobs", []string{"--jobs", filepath.Join(t.TempDir(), "absent")}, &stdout, &stderr)
	assert.ErrorContains(t, err, "failed to load job definitions")
}

func TestRun_UnknownCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), testConfig(t), "launch", nil, &stdout, &stderr)
	assert.ErrorContains(t, err, `unknown command "launch"`)
}

func TestRun_InvalidFlagValue(t *testing.T) {
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), testConfig(t), "serve", []string{"--db-driver", "mysql"}, &stdout, &stderr)
	assert.ErrorContains(t, err, `unknown database driver "mysql"`)
}

func TestRun_WorkerRejectsDuckDB(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "shot.json"), []byte(`{"name":"shot","kind":"screenshot"}`), 0o644))

	var stdout, stderr bytes.Buffer
	err := run(context.Background(), testConfig(t), "worker",
		[]string{"--jobs", dir, "--db-driver", "duckdb", "--db-dsn", filepath.Join(dir, "q.duckdb")}, &stdout, &stderr)
	assert.ErrorContains(t, err, "cannot be shared between processes")
}
