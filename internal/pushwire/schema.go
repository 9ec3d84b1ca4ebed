package pushwire

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// eventSchema constrains inbound frames before they reach the engine. The
// server is trusted but shares the channel with proxies and older client
// builds; a malformed frame is dropped by the read loop, never applied.
const eventSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["type", "data"],
  "properties": {
    "type": {
      "enum": [
        "reservation_created",
        "reservation_updated",
        "reservation_cancelled",
        "modify_reservation_ack",
        "modify_reservation_nack"
      ]
    },
    "correlation_id": {"type": "string"},
    "data": {
      "type": "object",
      "properties": {
        "wa_id": {"type": "string"},
        "date": {"type": "string", "pattern": "^[0-9]{4}-[0-9]{2}-[0-9]{2}$"},
        "time_slot": {"type": "string"},
        "customer_name": {"type": "string"},
        "type": {"type": "integer", "minimum": 0, "maximum": 2},
        "reservation_id": {"type": "integer"},
        "cancelled": {"type": "boolean"},
        "approximate": {"type": "boolean"},
        "success": {"type": "boolean"},
        "message": {"type": "string"}
      }
    }
  }
}`

type EventValidator struct {
	schema *jsonschema.Schema
}

func NewEventValidator() (*EventValidator, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(eventSchema))
	if err != nil {
		return nil, fmt.Errorf("parse event schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("reservation-event.json", doc); err != nil {
		return nil, fmt.Errorf("register event schema: %w", err)
	}
	schema, err := compiler.Compile("reservation-event.json")
	if err != nil {
		return nil, fmt.Errorf("compile event schema: %w", err)
	}
	return &EventValidator{schema: schema}, nil
}

// Validate checks a raw inbound frame against the protocol schema.
func (v *EventValidator) Validate(raw []byte) error {
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}
	return v.schema.Validate(instance)
}
