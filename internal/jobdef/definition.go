package jobdef

import (
	"context"
	"errors"
	"fmt"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/manthysbr/browserq/internal/core/ports"
)

// Entry is one job declaration inside a manifest file.
type Entry struct {
	Name        string         `json:"name" yaml:"name"`
	Kind        string         `json:"kind" yaml:"kind"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Defaults    map[string]any `json:"defaults,omitempty" yaml:"defaults,omitempty"`
	Options     map[string]any `json:"options,omitempty" yaml:"options,omitempty"`
	Disabled    bool           `json:"disabled,omitempty" yaml:"disabled,omitempty"`
}

// Definition is a named, validated job type that workers can execute.
type Definition struct {
	name        string
	kind        string
	description string
	source      string
	schema      *openapi3.Schema

	check   func(ctx context.Context, input []byte) error
	encode  func(fields map[string]any) ([]byte, error)
	execute ExecuteFunc
}

// Define binds kind to entry. dir resolves relative paths in entry options.
func Define(ctx context.Context, kind Kind, entry Entry, dir string) (*Definition, error) {
	if entry.Name == "" {
		return nil, errors.New("job definition must declare a name")
	}
	if kind.schema == nil {
		return nil, fmt.Errorf("kind %s has no input schema", kind.name)
	}
	schema, err := withDefaults(kind.schema, entry.Defaults)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", entry.Name, err)
	}
	exec, err := kind.bind(ctx, Binding{Name: entry.Name, Options: entry.Options, Dir: dir})
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", entry.Name, err)
	}

	description := entry.Description
	if description == "" {
		description = kind.description
	}
	return &Definition{
		name:        entry.Name,
		kind:        kind.name,
		description: description,
		schema:      schema,
		check:       kind.check,
		encode:      kind.encode,
		execute:     exec,
	}, nil
}

func (d *Definition) Name() string { return d.name }

func (d *Definition) Kind() string { return d.kind }

func (d *Definition) Description() string { return d.description }

// Source is the manifest file the definition was loaded from, if any.
func (d *Definition) Source() string { return d.source }

// Schema returns the input schema with manifest defaults applied.
// Callers must not modify it.
func (d *Definition) Schema() *openapi3.Schema { return d.schema }

// Canonicalize validates raw input fields and returns the canonical JSON
// stored with the job. Unknown fields and out-of-range values are rejected
// with a *ValidationError; missing fields take their defaults.
func (d *Definition) Canonicalize(fields map[string]any) ([]byte, error) {
	value, err := applySchema(d.name, d.schema, fields)
	if err != nil {
		return nil, err
	}
	input, err := d.encode(value)
	if err != nil {
		return nil, &ValidationError{Job: d.name, Issues: []FieldIssue{{Message: err.Error()}}}
	}
	return input, nil
}

// Validate runs the kind's semantic checks against canonical input.
func (d *Definition) Validate(ctx context.Context, input []byte) error {
	return d.check(ctx, input)
}

// Execute runs the job's logic on page.
func (d *Definition) Execute(ctx context.Context, page ports.Page, input []byte) ([]byte, error) {
	return d.execute(ctx, page, input)
}
