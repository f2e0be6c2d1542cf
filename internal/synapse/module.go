package synapse

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/sys"
)

const (
	defaultTimeout   = 5 * time.Second
	defaultMaxOutput = 32 << 20
)

var ErrOutputTooLarge = errors.New("synapse: module output exceeds limit")

// ModuleOptions bounds a single Run.
type ModuleOptions struct {
	Timeout   time.Duration
	MaxOutput int
}

func (o ModuleOptions) withDefaults() ModuleOptions {
	if o.Timeout <= 0 {
		o.Timeout = defaultTimeout
	}
	if o.MaxOutput <= 0 {
		o.MaxOutput = defaultMaxOutput
	}
	return o
}

// Module is a compiled transform. Each Run instantiates it afresh, so
// concurrent runs share no state.
type Module struct {
	name     string
	opts     ModuleOptions
	compiled wazero.CompiledModule
	rt       wazero.Runtime
	logger   *slog.Logger
}

// Run pipes input to the module's stdin, calls _start and returns stdout.
// A non-zero exit code is an error carrying the module's stderr.
func (m *Module) Run(ctx context.Context, input []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, m.opts.Timeout)
	defer cancel()

	stdout := &limitedBuffer{max: m.opts.MaxOutput}
	var stderr bytes.Buffer

	cfg := wazero.NewModuleConfig().
		WithStdin(bytes.NewReader(input)).
		WithStdout(stdout).
		WithStderr(&stderr).
		WithStartFunctions("_start").
		WithName("")

	mod, err := m.rt.InstantiateModule(ctx, m.compiled, cfg)
	if mod != nil {
		defer mod.Close(ctx)
	}
	if stderrMsg := stderr.String(); stderrMsg != "" {
		m.logger.Debug("synapse: module stderr", "module", m.name, "stderr", stderrMsg)
	}
	if err != nil {
		var exit *sys.ExitError
		if errors.As(err, &exit) && exit.ExitCode() == 0 {
			return stdout.Bytes(), stdout.err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("synapse: %q: %w", m.name, ctxErr)
		}
		return nil, fmt.Errorf("synapse: execution failed for %q: %w: %s", m.name, err, stderr.String())
	}
	return stdout.Bytes(), stdout.err
}

func (m *Module) Name() string { return m.name }

// ExportedFunctions lists the module's exported function names, sorted.
func (m *Module) ExportedFunctions() []string {
	defs := m.compiled.ExportedFunctions()
	names := make([]string, 0, len(defs))
	for name := range defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Module) Close(ctx context.Context) {
	if m.compiled != nil {
		m.compiled.Close(ctx)
	}
}

type limitedBuffer struct {
	buf bytes.Buffer
	max int
	err error
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if b.buf.Len()+len(p) > b.max {
		b.err = ErrOutputTooLarge
		return 0, io.ErrShortWrite
	}
	return b.buf.Write(p)
}

func (b *limitedBuffer) Bytes() []byte { return b.buf.Bytes() }
