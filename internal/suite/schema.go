package suite

import (
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"
	yaml "gopkg.in/yaml.v3"
)

// JSONSchema returns the schema the project configuration file must satisfy.
// Structural problems are caught here; cross-field rules (duplicate ids,
// framework-specific requirements) are checked after decoding.
func JSONSchema() string {
	return `{
		"$schema": "http://json-schema.org/draft-07/schema#",
		"type": "object",
		"required": ["suites"],
		"properties": {
			"suites": {
				"type": "array",
				"items": { "$ref": "#/definitions/suite" }
			}
		},
		"definitions": {
			"suite": {
				"type": "object",
				"required": ["id", "framework"],
				"properties": {
					"id": { "type": "string", "minLength": 1 },
					"framework": { "type": "string", "minLength": 1 },
					"path_prefix_style": { "type": "string", "enum": ["full", "basename", "none"] },
					"custom_prefix": { "type": "string" },
					"args": { "$ref": "#/definitions/stringList" },
					"discovery_args": { "$ref": "#/definitions/stringList" },
					"run_args": { "$ref": "#/definitions/stringList" },
					"env": {
						"type": "object",
						"additionalProperties": { "type": "string" }
					},
					"cwd": { "type": "string" },
					"parser": { "type": "string", "enum": ["default", "teamcity"] },
					"stale_policy": { "type": "string", "enum": ["flag", "delete"] },
					"executable_pattern": { "type": "string" },
					"command": { "$ref": "#/definitions/stringList" },
					"discovery_command": { "$ref": "#/definitions/stringList" }
				},
				"additionalProperties": false
			},
			"stringList": {
				"type": "array",
				"items": { "type": "string" }
			}
		}
	}`
}

// ValidateYAML checks a raw project configuration against the schema.
func ValidateYAML(payload []byte) error {
	var data interface{}
	if err := yaml.Unmarshal(payload, &data); err != nil {
		return fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal to JSON: %w", err)
	}

	schemaLoader := gojsonschema.NewStringLoader(JSONSchema())
	documentLoader := gojsonschema.NewBytesLoader(jsonData)

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return fmt.Errorf("failed to validate schema: %w", err)
	}

	if !result.Valid() {
		var errMsg string
		for _, desc := range result.Errors() {
			errMsg += fmt.Sprintf("- %s\n", desc)
		}
		return fmt.Errorf("schema validation failed:\n%s", errMsg)
	}

	return nil
}
