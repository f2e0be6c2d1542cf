package synapse_test

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manthysbr/browserq/internal/synapse"
)

// Minimal valid Wasm module: exports memory + _start (no-op).
// Equivalent WAT:
//
//	(module
//	  (memory (export "memory") 1)
//	  (func (export "_start"))
//	)
var noopWasm = []byte{
	0x00, 0x61, 0x73, 0x6d, // magic: \0asm
	0x01, 0x00, 0x00, 0x00, // version: 1

	// Type section: 1 type, () -> ()
	0x01, 0x04,
	0x01, 0x60, 0x00, 0x00,

	// Function section: 1 func → type 0
	0x03, 0x02,
	0x01, 0x00,

	// Memory section: 1 memory, min=1 page
	0x05, 0x03,
	0x01, 0x00, 0x01,

	// Export section: "memory" (mem 0) + "_start" (func 0)
	0x07, 0x13,
	0x02,
	0x06, 0x6d, 0x65, 0x6d, 0x6f, 0x72, 0x79, 0x02, 0x00,
	0x06, 0x5f, 0x73, 0x74, 0x61, 0x72, 0x74, 0x00, 0x00,

	// Code section: 1 body, empty (just end)
	0x0a, 0x04,
	0x01, 0x02, 0x00, 0x0b,
}

func newRuntime(t *testing.T) *synapse.Runtime {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))

	rt, err := synapse.NewRuntime(ctx, logger)
	require.NoError(t, err)
	t.Cleanup(func() { rt.Close(ctx) })
	return rt
}

func TestRuntimeLifecycle(t *testing.T) {
	ctx := context.Background()
	rt := newRuntime(t)

	assert.Empty(t, rt.Modules())

	m, err := rt.LoadModule(ctx, "noop", noopWasm, synapse.ModuleOptions{})
	require.NoError(t, err)
	assert.Equal(t, "noop", m.Name())
	assert.Contains(t, m.ExportedFunctions(), "_start")

	assert.Equal(t, []string{"noop"}, rt.Modules())

	got, ok := rt.Module("noop")
	assert.True(t, ok)
	assert.Equal(t, "noop", got.Name())

	require.NoError(t, rt.Unload(ctx, "noop"))
	assert.Empty(t, rt.Modules())
	assert.Error(t, rt.Unload(ctx, "noop"))
}

func TestModuleRunNoopProducesNoOutput(t *testing.T) {
	ctx := context.Background()
	rt := newRuntime(t)

	m, err := rt.LoadModule(ctx, "noop", noopWasm, synapse.ModuleOptions{Timeout: time.Second})
	require.NoError(t, err)

	out, err := m.Run(ctx, []byte("<html><body>hello</body></html>"))
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestModuleHotReload(t *testing.T) {
	ctx := context.Background()
	rt := newRuntime(t)

	_, err := rt.LoadModule(ctx, "noop", noopWasm, synapse.ModuleOptions{})
	require.NoError(t, err)
	_, err = rt.LoadModule(ctx, "noop", noopWasm, synapse.ModuleOptions{})
	require.NoError(t, err)

	assert.Len(t, rt.Modules(), 1)
}

func TestLoadModuleRejectsGarbage(t *testing.T) {
	rt := newRuntime(t)
	_, err := rt.LoadModule(context.Background(), "junk", []byte("not wasm"), synapse.ModuleOptions{})
	assert.Error(t, err)
}
