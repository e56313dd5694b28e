package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
)

// Schema is a compiled JSON schema that can be reused across validations.
type Schema struct {
	id       string
	compiled *jsonschema.Schema
}

// Compile compiles a JSON schema document registered under id.
func Compile(id string, schema []byte) (*Schema, error) {
	if len(bytes.TrimSpace(schema)) == 0 {
		return nil, fmt.Errorf("schema is empty")
	}
	resourceID := schemaID(id)
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(resourceID, bytes.NewReader(schema)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := compiler.Compile(resourceID)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &Schema{id: id, compiled: compiled}, nil
}

// MustCompile is Compile for embedded schemas known to be valid.
func MustCompile(id string, schema []byte) *Schema {
	s, err := Compile(id, schema)
	if err != nil {
		panic(fmt.Sprintf("schema %s: %v", id, err))
	}
	return s
}

// ID returns the identifier the schema was compiled under.
func (s *Schema) ID() string {
	return s.id
}

// Validate checks value against the schema. Composite Go values are
// normalized through JSON first so nested ints, typed maps and structs
// validate the same way their encoded form would.
func (s *Schema) Validate(value any) error {
	if s == nil || s.compiled == nil {
		return fmt.Errorf("schema not compiled")
	}
	payload, err := normalizeValue(value)
	if err != nil {
		return fmt.Errorf("normalize payload: %w", err)
	}
	if err := s.compiled.Validate(payload); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}

// ValidateSchema validates a value against a JSON schema payload.
func ValidateSchema(id string, schema []byte, value any) error {
	compiled, err := Compile(id, schema)
	if err != nil {
		return err
	}
	return compiled.Validate(value)
}

// ValidateMap validates a value against an inline schema map.
func ValidateMap(schema map[string]any, value any) error {
	if len(schema) == 0 {
		return fmt.Errorf("schema is empty")
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("marshal schema: %w", err)
	}
	return ValidateSchema("inline", data, value)
}

// Cache memoizes compiled schemas by id.
type Cache struct {
	mu      sync.Mutex
	schemas map[string]*Schema
}

// Get compiles schema on first use and returns the cached copy afterwards.
func (c *Cache) Get(id string, schema []byte) (*Schema, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.schemas[id]; ok {
		return s, nil
	}
	s, err := Compile(id, schema)
	if err != nil {
		return nil, err
	}
	if c.schemas == nil {
		c.schemas = make(map[string]*Schema)
	}
	c.schemas[id] = s
	return s, nil
}

func normalizeValue(value any) (any, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return decode(v)
	case []byte:
		return decode(v)
	case string, bool, float64, json.Number:
		return value, nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		return decode(data)
	}
}

func decode(data []byte) (any, error) {
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return out, nil
}

func schemaID(id string) string {
	if id == "" {
		id = "schema"
	}
	return "inmemory://" + id
}
