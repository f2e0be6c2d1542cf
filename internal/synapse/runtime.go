// Package synapse runs WebAssembly transforms over page content.
// Modules are WASI command modules: they read the page from stdin and write
// the job result to stdout.
package synapse

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// Runtime owns the wazero runtime and the compiled modules.
type Runtime struct {
	mu      sync.RWMutex
	logger  *slog.Logger
	rt      wazero.Runtime
	modules map[string]*Module
}

// NewRuntime creates a wazero runtime with WASI and the host module.
// Call Close() when done to free compiled module caches.
func NewRuntime(ctx context.Context, logger *slog.Logger) (*Runtime, error) {
	cfg := wazero.NewRuntimeConfig().
		WithCloseOnContextDone(true)

	rt := wazero.NewRuntimeWithConfig(ctx, cfg)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("synapse: failed to instantiate WASI: %w", err)
	}
	if err := instantiateHostFunctions(ctx, rt, logger); err != nil {
		rt.Close(ctx)
		return nil, err
	}

	logger.Info("synapse runtime initialized")

	return &Runtime{
		logger:  logger,
		rt:      rt,
		modules: make(map[string]*Module),
	}, nil
}

// LoadModule compiles wasmBytes under name. Loading a name twice replaces
// the earlier module.
func (r *Runtime) LoadModule(ctx context.Context, name string, wasmBytes []byte, opts ModuleOptions) (*Module, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.modules[name]; ok {
		existing.Close(ctx)
		r.logger.Info("synapse: replacing existing module", "name", name)
	}

	compiled, err := r.rt.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, fmt.Errorf("synapse: failed to compile %q: %w", name, err)
	}

	m := &Module{
		name:     name,
		opts:     opts.withDefaults(),
		compiled: compiled,
		rt:       r.rt,
		logger:   r.logger,
	}
	r.modules[name] = m
	r.logger.Info("synapse: module loaded", "name", name)

	return m, nil
}

func (r *Runtime) Module(name string) (*Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[name]
	return m, ok
}

// Modules returns the loaded module names in sorted order.
func (r *Runtime) Modules() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.modules))
	for name := range r.modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Unload removes and closes a module by name.
func (r *Runtime) Unload(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.modules[name]
	if !ok {
		return fmt.Errorf("synapse: module %q not found", name)
	}

	m.Close(ctx)
	delete(r.modules, name)
	r.logger.Info("synapse: module unloaded", "name", name)
	return nil
}

// Close shuts down the runtime and all loaded modules.
func (r *Runtime) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name, m := range r.modules {
		m.Close(ctx)
		r.logger.Debug("synapse: closed module", "name", name)
	}
	r.modules = nil

	return r.rt.Close(ctx)
}
