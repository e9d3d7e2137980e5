package coordination

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// MetadataValidator checks agent metadata maps against a JSON Schema.
type MetadataValidator struct {
	schema *jsonschema.Schema
}

// NewMetadataValidator compiles schemaJSON.
func NewMetadataValidator(schemaJSON []byte) (*MetadataValidator, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal metadata schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("agent-metadata.json", doc); err != nil {
		return nil, fmt.Errorf("add metadata schema resource: %w", err)
	}
	schema, err := c.Compile("agent-metadata.json")
	if err != nil {
		return nil, fmt.Errorf("compile metadata schema: %w", err)
	}
	return &MetadataValidator{schema: schema}, nil
}

// LoadMetadataValidator reads and compiles a schema file. An empty path
// returns a nil validator, which accepts everything.
func LoadMetadataValidator(path string) (*MetadataValidator, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read metadata schema: %w", err)
	}
	return NewMetadataValidator(raw)
}

// Validate returns an error wrapping ErrInvalidMetadata when md does not
// conform. A nil validator accepts any metadata.
func (v *MetadataValidator) Validate(md map[string]any) error {
	if v == nil || md == nil {
		return nil
	}
	// Round-trip through jsonschema.UnmarshalJSON so numbers arrive as
	// json.Number, which the validator requires.
	raw, err := json.Marshal(md)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
	}
	if err := v.schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
	}
	return nil
}
