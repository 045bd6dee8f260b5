package callback

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const actionSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["type"],
  "additionalProperties": false,
  "properties": {
    "type": {"type": "string", "pattern": "^(?i:success|failure|heartbeat)$"},
    "output": {"type": "object"},
    "error": {"type": "string", "maxLength": 256},
    "cause": {"type": "string", "maxLength": 32768},
    "details": {"type": "object"},
    "response": {
      "type": "object",
      "additionalProperties": false,
      "minProperties": 1,
      "maxProperties": 1,
      "properties": {
        "json": {"type": "object"},
        "html": {"type": "string", "minLength": 1},
        "text": {"type": "string", "minLength": 1},
        "redirect": {"type": "string", "minLength": 1}
      }
    }
  },
  "allOf": [
    {
      "if": {"properties": {"type": {"pattern": "^(?i:success)$"}}},
      "then": {"required": ["output"], "not": {"anyOf": [{"required": ["error"]}, {"required": ["cause"]}, {"required": ["details"]}]}}
    },
    {
      "if": {"properties": {"type": {"pattern": "^(?i:failure)$"}}},
      "then": {"not": {"required": ["output"]}}
    },
    {
      "if": {"properties": {"type": {"pattern": "^(?i:heartbeat)$"}}},
      "then": {"not": {"anyOf": [{"required": ["output"]}, {"required": ["error"]}, {"required": ["cause"]}, {"required": ["details"]}]}}
    }
  ]
}`

const createRequestSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "taskToken": {"type": "string", "minLength": 1},
    "token": {"type": "string", "minLength": 1},
    "actions": {
      "oneOf": [
        {
          "type": "array",
          "minItems": 1,
          "uniqueItems": true,
          "items": {"type": "string", "pattern": "^(?i:success|failure|heartbeat)$"}
        },
        {
          "type": "object",
          "minProperties": 1,
          "propertyNames": {"pattern": "^[A-Za-z0-9_-]{1,64}$"},
          "additionalProperties": {"$ref": "https://shannon.schemas.local/callbacks/action.schema.json"}
        }
      ]
    },
    "outputPayload": {"type": "object"},
    "expiration": {"type": "string", "minLength": 1},
    "enable_output_parameters": {"type": "boolean"}
  },
  "required": ["actions"],
  "oneOf": [
    {"required": ["taskToken"], "not": {"required": ["token"]}},
    {"required": ["token"], "not": {"required": ["taskToken"]}}
  ]
}`

const (
	actionSchemaURL        = "https://shannon.schemas.local/callbacks/action.schema.json"
	createRequestSchemaURL = "https://shannon.schemas.local/callbacks/create-request.schema.json"
)

var createRequestSchema = mustCompile(createRequestSchemaURL)

func newSchemaCompiler() (*jsonschema.Compiler, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(actionSchemaURL, strings.NewReader(actionSchemaJSON)); err != nil {
		return nil, fmt.Errorf("action schema load failed: %w", err)
	}
	if err := c.AddResource(createRequestSchemaURL, strings.NewReader(createRequestSchemaJSON)); err != nil {
		return nil, fmt.Errorf("create request schema load failed: %w", err)
	}
	return c, nil
}

func mustCompile(url string) *jsonschema.Schema {
	c, err := newSchemaCompiler()
	if err != nil {
		panic(err)
	}
	return c.MustCompile(url)
}

// ValidateCreateRequestDocument checks a decoded create request against its schema.
func ValidateCreateRequestDocument(v any) error {
	return createRequestSchema.Validate(v)
}
