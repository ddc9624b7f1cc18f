package catalog

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const schemaURL = "schema://engagement-catalog.json"

// Schema is the JSON schema every catalog document must satisfy.
const Schema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "time_zone": {"type": "string"},
    "event_rules": {"type": "array", "items": {"$ref": "#/$defs/event_rule"}},
    "achievements": {"type": "array", "items": {"$ref": "#/$defs/achievement"}},
    "challenges": {"type": "array", "items": {"$ref": "#/$defs/challenge"}}
  },
  "$defs": {
    "id": {"type": "string", "pattern": "^[a-z0-9][a-z0-9_.-]*$", "maxLength": 64},
    "kind": {"enum": ["appointments", "messages", "documents", "goals", "streak", "custom"]},
    "event_rule": {
      "type": "object",
      "additionalProperties": false,
      "required": ["type", "points"],
      "properties": {
        "type": {"type": "string", "minLength": 1},
        "points": {"type": "integer", "minimum": 0},
        "counts_as_activity": {"type": "boolean"},
        "requirement_kind": {"$ref": "#/$defs/kind"},
        "custom_key": {"type": "string"}
      }
    },
    "requirement": {
      "type": "object",
      "additionalProperties": false,
      "required": ["kind", "target"],
      "properties": {
        "kind": {"$ref": "#/$defs/kind"},
        "target": {"type": "integer", "minimum": 1},
        "description": {"type": "string"},
        "key": {"type": "string"}
      },
      "if": {"properties": {"kind": {"const": "custom"}}},
      "then": {"required": ["key"], "properties": {"key": {"minLength": 1}}}
    },
    "achievement": {
      "type": "object",
      "additionalProperties": false,
      "required": ["id", "name", "points", "requirements"],
      "properties": {
        "id": {"$ref": "#/$defs/id"},
        "name": {"type": "string", "minLength": 1},
        "description": {"type": "string"},
        "category": {"type": "string"},
        "icon": {"type": "string"},
        "points": {"type": "integer", "minimum": 0},
        "difficulty": {"enum": ["easy", "medium", "hard", "legendary"]},
        "badge": {"type": "string"},
        "requirements": {"type": "array", "minItems": 1, "items": {"$ref": "#/$defs/requirement"}}
      }
    },
    "task": {
      "type": "object",
      "additionalProperties": false,
      "required": ["id", "name", "points"],
      "properties": {
        "id": {"$ref": "#/$defs/id"},
        "name": {"type": "string", "minLength": 1},
        "points": {"type": "integer", "minimum": 0}
      }
    },
    "challenge": {
      "type": "object",
      "additionalProperties": false,
      "required": ["id", "name", "start_date", "end_date", "tasks"],
      "properties": {
        "id": {"$ref": "#/$defs/id"},
        "name": {"type": "string", "minLength": 1},
        "description": {"type": "string"},
        "start_date": {"type": "string", "minLength": 10},
        "end_date": {"type": "string", "minLength": 10},
        "tasks": {"type": "array", "minItems": 1, "items": {"$ref": "#/$defs/task"}},
        "completion_badge": {"type": "string"}
      }
    }
  }
}`

var (
	compileOnce sync.Once
	compiled    *jsonschema.Schema
	compileErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		var def any
		if err := json.Unmarshal([]byte(Schema), &def); err != nil {
			compileErr = fmt.Errorf("parse schema definition: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(schemaURL, def); err != nil {
			compileErr = fmt.Errorf("add resource: %w", err)
			return
		}
		compiled, compileErr = c.Compile(schemaURL)
	})
	return compiled, compileErr
}

// ValidateSchema checks raw JSON against Schema.
func ValidateSchema(data []byte) error {
	var parsed any
	if err := json.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("%w: invalid JSON: %v", ErrInvalidCatalog, err)
	}

	schema, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("compile catalog schema: %w", err)
	}
	if err := schema.Validate(parsed); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}
	return nil
}
