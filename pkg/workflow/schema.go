package workflow

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// definitionSchema is the JSON Schema uploaded workflow definitions must
// satisfy before the document is bound to a struct.
const definitionSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["name", "steps"],
  "properties": {
    "name": {
      "type": "string",
      "minLength": 1,
      "pattern": "^[a-z0-9_]+$"
    },
    "description": {
      "type": "string"
    },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["name", "target_function", "action"],
        "properties": {
          "name": {
            "type": "string",
            "minLength": 1,
            "pattern": "^[a-z0-9_]+$"
          },
          "target_function": {
            "type": "string",
            "minLength": 1
          },
          "action": {
            "type": "string",
            "minLength": 1
          },
          "payload_template": {
            "type": "object",
            "additionalProperties": {
              "type": "string"
            }
          },
          "on_failure": {
            "type": "string",
            "enum": ["continue", "abort", "retry"]
          }
        }
      }
    },
    "required_fields": {
      "type": "array",
      "items": {
        "type": "string",
        "minLength": 1
      }
    },
    "timeout_seconds": {
      "type": "integer",
      "minimum": 1
    },
    "visibility_timeout": {
      "type": "integer",
      "minimum": 1
    },
    "max_retries": {
      "type": "integer",
      "minimum": 0
    }
  }
}`

// validateDefinitionDocument checks the raw upload against the definition
// schema and collapses violations into one validation error.
func validateDefinitionDocument(raw []byte) error {
	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(definitionSchema),
		gojsonschema.NewBytesLoader(raw),
	)
	if err != nil {
		return NewValidationError("ValidateDefinition", "INVALID_DOCUMENT", "definition is not valid JSON", ErrInvalidRequest)
	}

	if result.Valid() {
		return nil
	}

	violations := make([]string, 0, len(result.Errors()))
	for _, violation := range result.Errors() {
		violations = append(violations, violation.String())
	}

	return NewValidationError(
		"ValidateDefinition",
		"SCHEMA_VIOLATION",
		fmt.Sprintf("definition violates schema: %s", strings.Join(violations, "; ")),
		ErrInvalidRequest,
	)
}
