package api

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// taskSchema is the body the queue worker POSTs to /tasks/inbound.
const taskSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["eventKey", "payload"],
  "properties": {
    "eventKey": {"type": "string", "minLength": 1, "maxLength": 512},
    "enqueuedAt": {"type": "string"},
    "payload": {
      "type": "object",
      "required": ["tenantId", "contactId"],
      "properties": {
        "tenantId": {"type": "string", "minLength": 1},
        "contactId": {"type": "string", "minLength": 1},
        "kind": {"enum": ["text", "audio"]},
        "text": {"type": "string"},
        "mediaUrl": {"type": "string"},
        "mediaMime": {"type": "string"},
        "to": {"type": "string"},
        "receivedAt": {"type": "string"}
      }
    }
  }
}`

// webhookSchema is the normalized webhook body. The payload is checked in
// full by the pipeline; here only the envelope shape matters.
const webhookSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["eventKey", "payload"],
  "properties": {
    "eventKey": {"type": "string"},
    "payload": {"type": "object"}
  }
}`

var (
	taskBodySchema    = mustCompile("task.json", taskSchema)
	webhookBodySchema = mustCompile("webhook.json", webhookSchema)
)

func mustCompile(name, src string) *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
	if err != nil {
		panic(fmt.Sprintf("parsing schema %s: %v", name, err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, doc); err != nil {
		panic(fmt.Sprintf("adding schema %s: %v", name, err))
	}
	sch, err := c.Compile(name)
	if err != nil {
		panic(fmt.Sprintf("compiling schema %s: %v", name, err))
	}
	return sch
}

// validateBody checks raw JSON against sch.
func validateBody(sch *jsonschema.Schema, raw []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return sch.Validate(inst)
}
