// Package jsonschema adapts gojsonschema to the sockrouter.Validator
// contract, compiling each schema document once, on first use, and caching
// the compiled form.
package jsonschema

import (
	"context"
	"fmt"

	"github.com/xeipuuv/gojsonschema"

	"github.com/bjaus/sockrouter"
)

// Validator compiles and caches gojsonschema schemas, keyed by the opaque
// value sockrouter hands it as MessageSchema.PayloadSpec/MetaSpec — here,
// a raw JSON schema document (string or []byte).
type Validator struct {
	compiled map[string]*gojsonschema.Schema
}

// New returns a Validator with no precompiled schemas; schemas compile
// lazily on first use and are cached by the schema document's text.
func New() *Validator {
	return &Validator{compiled: map[string]*gojsonschema.Schema{}}
}

var _ sockrouter.Validator = (*Validator)(nil)

func (v *Validator) schemaFor(spec any) (*gojsonschema.Schema, error) {
	if spec == nil {
		return nil, nil
	}

	var key string
	var loader gojsonschema.JSONLoader
	switch t := spec.(type) {
	case string:
		key = t
		loader = gojsonschema.NewStringLoader(t)
	case []byte:
		key = string(t)
		loader = gojsonschema.NewBytesLoader(t)
	default:
		return nil, fmt.Errorf("jsonschema: unsupported schema spec type %T", spec)
	}

	if s, ok := v.compiled[key]; ok {
		return s, nil
	}

	schema, err := gojsonschema.NewSchema(loader)
	if err != nil {
		return nil, fmt.Errorf("jsonschema: compile: %w", err)
	}
	v.compiled[key] = schema
	return schema, nil
}

func (v *Validator) ValidatePayload(_ context.Context, spec any, raw []byte) ([]string, error) {
	schema, err := v.schemaFor(spec)
	if err != nil {
		return nil, err
	}
	if schema == nil {
		return nil, nil
	}
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("jsonschema: validate: %w", err)
	}
	return issuesOf(result), nil
}

func (v *Validator) ValidateMeta(_ context.Context, spec any, meta map[string]any) ([]string, error) {
	schema, err := v.schemaFor(spec)
	if err != nil {
		return nil, err
	}
	if schema == nil {
		return nil, nil
	}
	result, err := schema.Validate(gojsonschema.NewGoLoader(meta))
	if err != nil {
		return nil, fmt.Errorf("jsonschema: validate meta: %w", err)
	}
	return issuesOf(result), nil
}

func issuesOf(result *gojsonschema.Result) []string {
	if result.Valid() {
		return nil
	}
	issues := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		issues = append(issues, e.String())
	}
	return issues
}
