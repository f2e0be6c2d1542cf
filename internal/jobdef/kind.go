package jobdef

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/manthysbr/browserq/internal/core/ports"
)

// ExecuteFunc runs a job against a freshly opened page. input is the canonical
// JSON stored with the job.
type ExecuteFunc func(ctx context.Context, page ports.Page, input []byte) ([]byte, error)

// Binding is what a manifest entry hands to its kind when it is loaded.
type Binding struct {
	Name    string
	Options map[string]any
	// Dir is the directory of the manifest file, used to resolve relative paths in Options.
	Dir string
}

// Spec describes a kind in terms of its typed input T.
type Spec[T any] struct {
	Name        string
	Description string
	Schema      *openapi3.Schema

	// Check runs after schema validation, on submit and again before execution.
	Check func(ctx context.Context, in T) error

	// Bind returns the executor for one manifest entry.
	Bind func(ctx context.Context, b Binding) (func(ctx context.Context, page ports.Page, in T) ([]byte, error), error)
}

// Static binds every manifest entry of a kind to the same executor.
func Static[T any](fn func(ctx context.Context, page ports.Page, in T) ([]byte, error)) func(context.Context, Binding) (func(context.Context, ports.Page, T) ([]byte, error), error) {
	return func(context.Context, Binding) (func(context.Context, ports.Page, T) ([]byte, error), error) {
		return fn, nil
	}
}

// Kind is the type-erased form of a Spec, as held by discovery.
type Kind struct {
	name        string
	description string
	schema      *openapi3.Schema

	encode func(fields map[string]any) ([]byte, error)
	check  func(ctx context.Context, input []byte) error
	bind   func(ctx context.Context, b Binding) (ExecuteFunc, error)
}

// NewKind erases the input type of spec.
func NewKind[T any](spec Spec[T]) Kind {
	decode := func(data []byte) (T, error) {
		var in T
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&in); err != nil {
			return in, fmt.Errorf("decode %s input: %w", spec.Name, err)
		}
		return in, nil
	}

	return Kind{
		name:        spec.Name,
		description: spec.Description,
		schema:      spec.Schema,
		encode: func(fields map[string]any) ([]byte, error) {
			data, err := json.Marshal(fields)
			if err != nil {
				return nil, err
			}
			in, err := decode(data)
			if err != nil {
				return nil, err
			}
			return json.Marshal(in)
		},
		check: func(ctx context.Context, input []byte) error {
			in, err := decode(input)
			if err != nil {
				return err
			}
			if spec.Check == nil {
				return nil
			}
			return spec.Check(ctx, in)
		},
		bind: func(ctx context.Context, b Binding) (ExecuteFunc, error) {
			if spec.Bind == nil {
				return nil, fmt.Errorf("kind %s has no executor", spec.Name)
			}
			fn, err := spec.Bind(ctx, b)
			if err != nil {
				return nil, err
			}
			return func(ctx context.Context, page ports.Page, input []byte) ([]byte, error) {
				in, err := decode(input)
				if err != nil {
					return nil, err
				}
				return fn(ctx, page, in)
			}, nil
		},
	}
}

func (k Kind) Name() string { return k.name }

func (k Kind) Description() string { return k.description }
