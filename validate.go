package chatwire

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Validator checks a decoded JSON value against a schema. It is an injected
// capability: the stream processor uses it for message metadata and data
// parts, and the MCP client uses it for tool inputs. Validate returns an
// error describing the mismatch, or nil when the value conforms.
type Validator interface {
	Validate(value any) error
}

// SchemaValidator validates values against a compiled JSON Schema document.
type SchemaValidator struct {
	schema *jsonschema.Schema
}

// CompileSchema compiles a JSON Schema document into a SchemaValidator.
func CompileSchema(schemaJSON []byte) (*SchemaValidator, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}

	return &SchemaValidator{schema: schema}, nil
}

// Validate checks value against the compiled schema. Values that did not come
// straight from a JSON decoder are round-tripped through JSON first, so any
// Go value with a JSON representation can be validated.
func (v *SchemaValidator) Validate(value any) error {
	normalized, err := normalizeJSONValue(value)
	if err != nil {
		return err
	}
	if err := v.schema.Validate(normalized); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}

// normalizeJSONValue converts value into the decoded-JSON shape the schema
// engine expects (map[string]any, []any, float64, string, bool, nil).
func normalizeJSONValue(value any) (any, error) {
	switch value.(type) {
	case nil, bool, string, float64, map[string]any, []any:
		return value, nil
	}
	bs, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal value for validation: %w", err)
	}
	decoded, err := jsonschema.UnmarshalJSON(bytes.NewReader(bs))
	if err != nil {
		return nil, fmt.Errorf("failed to normalize value for validation: %w", err)
	}
	return decoded, nil
}
