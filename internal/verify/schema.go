package verify

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"lode/internal/jsonc"
)

// anchorRegistrySchema is the promotion contract for the checked-in anchor
// registry. It is embedded so the gate cannot drift from the binary.
const anchorRegistrySchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["standard_id", "edition", "anchors"],
  "properties": {
    "standard_id": {"type": "string", "minLength": 1},
    "edition": {"type": "string", "minLength": 1},
    "anchors": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["anchor_id", "unit_id", "part", "unit_type", "page_start"],
        "properties": {
          "anchor_id": {"type": "string", "pattern": "^[^:]+:[a-z0-9]+:[0-9a-f]{16}$"},
          "unit_id": {"type": "string", "minLength": 1},
          "part": {"type": "string", "minLength": 1},
          "unit_type": {"type": "string", "enum": ["paragraph", "table", "figure"]},
          "page_start": {"type": "integer", "minimum": 1},
          "display_locator": {"type": "string"},
          "fingerprint": {"type": "string", "pattern": "^[0-9a-f]{24}$"}
        },
        "additionalProperties": false
      }
    }
  },
  "additionalProperties": false
}`

// validateRegistrySchema parses the published anchor registry and validates
// it against the embedded schema.
func validateRegistrySchema(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read anchor registry: %w", err)
	}
	var parsed any
	if err := json.Unmarshal(jsonc.Strip(data), &parsed); err != nil {
		return fmt.Errorf("parse anchor registry: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("anchor-registry.schema.json",
		strings.NewReader(anchorRegistrySchema)); err != nil {
		return fmt.Errorf("load registry schema: %w", err)
	}
	schema, err := compiler.Compile("anchor-registry.schema.json")
	if err != nil {
		return fmt.Errorf("compile registry schema: %w", err)
	}
	if err := schema.Validate(parsed); err != nil {
		return fmt.Errorf("anchor registry schema: %w", err)
	}
	return nil
}
