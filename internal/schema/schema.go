// Package schema compiles the JSON schemas attached to completion requests.
package schema

import (
	"bytes"
	"fmt"

	"github.com/kaptinlin/jsonschema"
)

// Schema is a compiled JSON schema.
type Schema struct {
	raw      []byte
	compiled *jsonschema.Schema
}

// Compile parses raw as a JSON schema.
func Compile(raw []byte) (*Schema, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty json schema")
	}
	compiler := jsonschema.NewCompiler()
	compiled, err := compiler.Compile(raw)
	if err != nil {
		return nil, fmt.Errorf("compile json schema: %w", err)
	}
	return &Schema{raw: raw, compiled: compiled}, nil
}

// Raw returns the schema source.
func (s *Schema) Raw() []byte { return s.raw }

// Validate checks a JSON document against the schema.
func (s *Schema) Validate(data []byte) error {
	result := s.compiled.ValidateJSON(data)
	if result.IsValid() {
		return nil
	}
	return fmt.Errorf("schema validation failed: %v", result.Errors)
}
