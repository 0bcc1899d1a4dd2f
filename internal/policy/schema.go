package policy

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

const policySchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "title": "latch policy file",
  "type": "object",
  "required": ["version", "rules"],
  "additionalProperties": false,
  "properties": {
    "version": {"enum": ["1", 1]},
    "posture": {"type": "string", "enum": ["conservative", "balanced", "autonomous"]},
    "rules": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["action", "level"],
        "additionalProperties": false,
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "action": {"type": "string", "pattern": "^[a-z][a-z0-9_]*$"},
          "scope": {
            "type": "object",
            "additionalProperties": {"type": "string", "minLength": 1}
          },
          "level": {"type": "string", "enum": ["free", "notify", "propose", "never"]},
          "reason": {"type": "string"},
          "granted_via": {"type": "string"}
        }
      }
    }
  }
}`

// ValidateSchema checks YAML policy bytes against the embedded JSON schema.
// gojsonschema works on JSON, so the YAML is normalized and re-encoded first.
func ValidateSchema(yamlBytes []byte) error {
	var raw interface{}
	if err := yaml.Unmarshal(yamlBytes, &raw); err != nil {
		return fmt.Errorf("parsing YAML for schema validation: %w", err)
	}
	jsonBytes, err := json.Marshal(normalizeYAML(raw))
	if err != nil {
		return fmt.Errorf("converting YAML to JSON: %w", err)
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(policySchema),
		gojsonschema.NewBytesLoader(jsonBytes),
	)
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	if !result.Valid() {
		var b strings.Builder
		for _, verr := range result.Errors() {
			fmt.Fprintf(&b, "- %s\n", verr)
		}
		return fmt.Errorf("schema validation errors:\n%s", b.String())
	}
	return nil
}

func normalizeYAML(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = normalizeYAML(item)
		}
		return out
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[fmt.Sprintf("%v", k)] = normalizeYAML(item)
		}
		return out
	case []interface{}:
		for i, item := range val {
			val[i] = normalizeYAML(item)
		}
		return val
	default:
		return v
	}
}
