package jobdef

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
)

// FieldIssue is a single problem found while validating job input.
type FieldIssue struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError reports why an input map does not satisfy a definition's schema.
type ValidationError struct {
	Job    string       `json:"job"`
	Issues []FieldIssue `json:"issues"`
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Issues))
	for _, issue := range e.Issues {
		if issue.Field == "" {
			parts = append(parts, issue.Message)
			continue
		}
		parts = append(parts, issue.Field+": "+issue.Message)
	}
	return fmt.Sprintf("invalid input for job %q: %s", e.Job, strings.Join(parts, "; "))
}

// applySchema checks raw against schema and returns a normalised copy with
// top-level defaults filled in. raw is never modified.
func applySchema(job string, schema *openapi3.Schema, raw map[string]any) (map[string]any, error) {
	value, err := normalize(raw)
	if err != nil {
		return nil, &ValidationError{Job: job, Issues: []FieldIssue{{Message: err.Error()}}}
	}

	var issues []FieldIssue
	for _, field := range sortedKeys(value) {
		if _, ok := schema.Properties[field]; !ok {
			issues = append(issues, FieldIssue{Field: field, Message: "unknown field"})
		}
	}
	if len(issues) > 0 {
		return nil, &ValidationError{Job: job, Issues: issues}
	}

	for field, ref := range schema.Properties {
		if ref == nil || ref.Value == nil || ref.Value.Default == nil {
			continue
		}
		if _, ok := value[field]; !ok {
			value[field] = ref.Value.Default
		}
	}
	// Defaults may carry Go-typed values; validate only JSON-shaped data.
	if value, err = normalize(value); err != nil {
		return nil, &ValidationError{Job: job, Issues: []FieldIssue{{Message: err.Error()}}}
	}

	if err := schema.VisitJSON(value, openapi3.MultiErrors()); err != nil {
		return nil, &ValidationError{Job: job, Issues: schemaIssues(err)}
	}
	return value, nil
}

func schemaIssues(err error) []FieldIssue {
	var multi openapi3.MultiError
	if errors.As(err, &multi) {
		var issues []FieldIssue
		for _, e := range multi {
			issues = append(issues, schemaIssues(e)...)
		}
		return issues
	}

	var schemaErr *openapi3.SchemaError
	if errors.As(err, &schemaErr) {
		return []FieldIssue{{
			Field:   strings.Join(schemaErr.JSONPointer(), "."),
			Message: schemaErr.Reason,
		}}
	}
	return []FieldIssue{{Message: err.Error()}}
}

// normalize round-trips v through JSON so numbers become float64 and
// nested values become plain maps and slices.
func normalize(v map[string]any) (map[string]any, error) {
	if v == nil {
		return map[string]any{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("input is not JSON-encodable: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func cloneSchema(s *openapi3.Schema) (*openapi3.Schema, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	var out openapi3.Schema
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// withDefaults returns a copy of schema whose property defaults are replaced
// by overrides. Every override must name a known field and satisfy it.
func withDefaults(schema *openapi3.Schema, overrides map[string]any) (*openapi3.Schema, error) {
	out, err := cloneSchema(schema)
	if err != nil {
		return nil, fmt.Errorf("clone schema: %w", err)
	}
	if len(overrides) == 0 {
		return out, nil
	}
	normalized, err := normalize(overrides)
	if err != nil {
		return nil, err
	}
	for _, field := range sortedKeys(normalized) {
		ref, ok := out.Properties[field]
		if !ok || ref == nil || ref.Value == nil {
			return nil, fmt.Errorf("default for unknown field %q", field)
		}
		if err := ref.Value.VisitJSON(normalized[field]); err != nil {
			return nil, fmt.Errorf("default for %q: %w", field, err)
		}
		ref.Value.Default = normalized[field]
	}
	return out, nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
