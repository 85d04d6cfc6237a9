package notify

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const recordChangedSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["actor_id"],
  "additionalProperties": false,
  "properties": {
    "actor_id": {"type": "string", "minLength": 1},
    "tier": {"enum": ["free", "starter", "pro", "enterprise"]},
    "status": {"enum": ["active", "trialing", "canceled", "past_due", "unpaid"]},
    "trial_end": {"type": "string", "format": "date-time"},
    "clear_trial_end": {"type": "boolean"},
    "changed_at": {"type": "string", "format": "date-time"}
  }
}`

const sessionRevokedSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["actor_id", "revoked_at"],
  "properties": {
    "actor_id": {"type": "string", "minLength": 1},
    "revoked_at": {"type": "string", "format": "date-time"}
  }
}`

var (
	recordChangedSchema  = mustCompile("record_changed.json", recordChangedSchemaJSON)
	sessionRevokedSchema = mustCompile("session_revoked.json", sessionRevokedSchemaJSON)
)

func mustCompile(name, schema string) *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat = true
	if err := compiler.AddResource(name, strings.NewReader(schema)); err != nil {
		panic(fmt.Sprintf("notify: add schema %s: %v", name, err))
	}
	compiled, err := compiler.Compile(name)
	if err != nil {
		panic(fmt.Sprintf("notify: compile schema %s: %v", name, err))
	}
	return compiled
}

func validatePayload(schema *jsonschema.Schema, payload []byte) error {
	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}
