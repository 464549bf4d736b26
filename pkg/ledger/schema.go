package ledger

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const entrySchemaURL = "https://sudo-agent.internal/schemas/ledger-entry.schema.json"

const entrySchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["schema_version", "ledger_version", "request_id", "created_at", "event", "action"],
  "properties": {
    "schema_version": {"type": "string"},
    "ledger_version": {"type": "string"},
    "request_id": {"type": "string", "minLength": 1},
    "event": {"enum": ["decision", "outcome"]},
    "action": {"type": "string", "minLength": 1}
  }
}`

var entrySchema *jsonschema.Schema

func init() {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(entrySchemaURL, strings.NewReader(entrySchemaJSON)); err != nil {
		panic(fmt.Errorf("ledger: load entry schema: %w", err))
	}
	compiled, err := c.Compile(entrySchemaURL)
	if err != nil {
		panic(fmt.Errorf("ledger: compile entry schema: %w", err))
	}
	entrySchema = compiled
}

// ValidateShape checks entry against the ledger-entry JSON Schema before it
// enters hash computation, catching a malformed entry (e.g. an event typo,
// a missing request_id) with a clear error instead of a confusing
// downstream hash mismatch.
func ValidateShape(entry *Entry) error {
	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("ledger: marshal for shape validation: %w", err)
	}
	var v interface{}
	if err := json.Unmarshal(body, &v); err != nil {
		return fmt.Errorf("ledger: unmarshal for shape validation: %w", err)
	}
	if err := entrySchema.Validate(v); err != nil {
		return fmt.Errorf("ledger: entry failed shape validation: %w", err)
	}
	return nil
}
