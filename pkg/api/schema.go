package api

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Request body schemas. They pin the shape of each payload (field types,
// lengths, no unknown properties); handlers still check field semantics.
const (
	turnSchema = `{
  "type": "object",
  "properties": {
    "key":     {"type": "string", "maxLength": 256},
    "user_id": {"type": "integer"},
    "locale":  {"type": "string", "maxLength": 35},
    "text":    {"type": "string", "maxLength": 4096},
    "choice":  {"type": "string", "maxLength": 256}
  },
  "required": ["key", "user_id"],
  "additionalProperties": false
}`

	completionSchema = `{
  "type": "object",
  "properties": {
    "operation_id": {"type": "string", "maxLength": 128},
    "success":      {"type": "boolean"},
    "artifact_url": {"type": "string", "maxLength": 2048},
    "error":        {"type": "string", "maxLength": 4096}
  },
  "required": ["operation_id", "success"],
  "additionalProperties": false
}`
)

var (
	turnBody       = mustCompile("turn", turnSchema)
	completionBody = mustCompile("completion", completionSchema)
)

// compileSchema compiles a Draft 2020-12 schema registered under name.
func compileSchema(name, schema string) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	schemaURL := fmt.Sprintf("https://stargate.schemas.local/api/%s.schema.json", name)
	if err := c.AddResource(schemaURL, strings.NewReader(schema)); err != nil {
		return nil, fmt.Errorf("api schema %s load failed: %w", name, err)
	}
	compiled, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("api schema %s compile failed: %w", name, err)
	}
	return compiled, nil
}

func mustCompile(name, schema string) *jsonschema.Schema {
	s, err := compileSchema(name, schema)
	if err != nil {
		panic(err)
	}
	return s
}
