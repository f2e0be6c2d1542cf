package kinds

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/manthysbr/browserq/internal/core/ports"
	"github.com/manthysbr/browserq/internal/jobdef"
	"github.com/manthysbr/browserq/internal/synapse"
)

type WasmInput struct {
	Source
}

type wasmOptions struct {
	Module    string
	Timeout   time.Duration
	MaxOutput int
}

// Wasm loads a page and pipes its HTML through a WebAssembly module.
// Manifest options:
//
//	module      path to the .wasm file, relative to the manifest (required)
//	timeout     per-run limit, e.g. "10s"
//	max_output  maximum stdout size in bytes
func Wasm(opts Options, rt *synapse.Runtime) jobdef.Kind {
	schema := sourceProperties(openapi3.NewObjectSchema()).
		WithoutAdditionalProperties()

	return jobdef.NewKind(jobdef.Spec[WasmInput]{
		Name:        "wasm",
		Description: "Transform page HTML with a WebAssembly module",
		Schema:      schema,
		Check: func(ctx context.Context, in WasmInput) error {
			return in.Source.check(ctx, opts)
		},
		Bind: func(ctx context.Context, b jobdef.Binding) (func(context.Context, ports.Page, WasmInput) ([]byte, error), error) {
			wo, err := parseWasmOptions(b.Options)
			if err != nil {
				return nil, err
			}
			path := wo.Module
			if !filepath.IsAbs(path) {
				path = filepath.Join(b.Dir, path)
			}
			wasmBytes, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("read wasm module: %w", err)
			}
			mod, err := rt.LoadModule(ctx, b.Name, wasmBytes, synapse.ModuleOptions{
				Timeout:   wo.Timeout,
				MaxOutput: wo.MaxOutput,
			})
			if err != nil {
				return nil, err
			}
			if !slices.Contains(mod.ExportedFunctions(), "_start") {
				if err := rt.Unload(ctx, b.Name); err != nil {
					return nil, err
				}
				return nil, fmt.Errorf("wasm module %s does not export _start", wo.Module)
			}

			return func(ctx context.Context, page ports.Page, in WasmInput) ([]byte, error) {
				if err := in.Source.load(ctx, page); err != nil {
					return nil, err
				}
				html, err := page.HTML(ctx)
				if err != nil {
					return nil, fmt.Errorf("read page html: %w", err)
				}
				return mod.Run(ctx, []byte(html))
			}, nil
		},
	})
}

func parseWasmOptions(raw map[string]any) (wasmOptions, error) {
	var wo wasmOptions
	for key, v := range raw {
		switch key {
		case "module":
			s, ok := v.(string)
			if !ok || s == "" {
				return wo, errors.New(`option "module" must be a non-empty string`)
			}
			wo.Module = s
		case "timeout":
			s, ok := v.(string)
			if !ok {
				return wo, errors.New(`option "timeout" must be a duration string`)
			}
			d, err := time.ParseDuration(s)
			if err != nil || d <= 0 {
				return wo, fmt.Errorf(`option "timeout": invalid duration %q`, s)
			}
			wo.Timeout = d
		case "max_output":
			n, ok := v.(float64)
			if !ok || n <= 0 || n != float64(int(n)) {
				return wo, errors.New(`option "max_output" must be a positive integer`)
			}
			wo.MaxOutput = int(n)
		default:
			return wo, fmt.Errorf("unknown option %q", key)
		}
	}
	if wo.Module == "" {
		return wo, errors.New(`option "module" is required`)
	}
	return wo, nil
}
