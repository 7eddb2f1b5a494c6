package gateway

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// dispositionSchema constrains disposition writes at the edge. Dispositions
// are regulated records; a malformed code or negative amount must never
// reach the store.
const dispositionSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["account_id", "agent_id", "code"],
  "properties": {
    "account_id": {"type": "string", "minLength": 1},
    "agent_id":   {"type": "string", "minLength": 1},
    "code": {
      "type": "string",
      "enum": ["PTP", "RPC", "NO_ANSWER", "WRONG_NUMBER", "PAYMENT", "DISPUTE", "CEASE", "CALLBACK"]
    },
    "notes":        {"type": "string", "maxLength": 2000},
    "amount_cents": {"type": "integer", "minimum": 0}
  },
  "additionalProperties": false
}`

var (
	dispositionSchemaOnce sync.Once
	compiledDisposition   *jsonschema.Schema
	dispositionCompileErr error
)

func compiledDispositionSchema() (*jsonschema.Schema, error) {
	dispositionSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(dispositionSchema)))
		if err != nil {
			dispositionCompileErr = fmt.Errorf("unmarshal disposition schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("disposition.json", doc); err != nil {
			dispositionCompileErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		compiledDisposition, dispositionCompileErr = c.Compile("disposition.json")
	})
	return compiledDisposition, dispositionCompileErr
}

// validateDisposition checks a raw request body against the disposition
// schema before it is decoded into store types.
func validateDisposition(body []byte) error {
	schema, err := compiledDispositionSchema()
	if err != nil {
		return err
	}
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator requires for the integer checks.
	parsed, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return schema.Validate(parsed)
}
