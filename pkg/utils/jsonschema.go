package utils

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/invopop/jsonschema"
)

var reflector = &jsonschema.Reflector{
	Anonymous:      true,
	DoNotReference: true,
}

// SchemaFor reflects a JSON schema for v's type, honouring `json` and
// `jsonschema` struct tags. Non-struct and nil values yield the empty
// object schema.
func SchemaFor(v interface{}) json.RawMessage {
	if v == nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	t := reflect.TypeOf(v)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return json.RawMessage(`{"type":"object"}`)
	}

	schema := reflector.ReflectFromType(t)
	schema.Version = ""
	data, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return data
}

// DecodeArguments converts loosely typed tool arguments into v, which
// must be a pointer.
func DecodeArguments(args map[string]interface{}, v interface{}) error {
	if args == nil {
		args = map[string]interface{}{}
	}
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("failed to encode arguments: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}
