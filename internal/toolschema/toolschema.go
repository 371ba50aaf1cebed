// Package toolschema generates JSON Schemas for native tool parameters
// by reflecting Go argument structs, so tools declare their arguments as
// typed structs instead of hand-written schema literals.
package toolschema

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// For reflects a schema from the argument struct type T.
//
// Struct tags drive the output:
//
//	type Args struct {
//	    Query string `json:"query" jsonschema:"required,description=Search query"`
//	    Limit int    `json:"limit,omitempty" jsonschema:"minimum=1,maximum=100"`
//	}
func For[T any]() (json.RawMessage, error) {
	reflector := &jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}
	schema := reflector.Reflect(new(T))

	data, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}

	// Model-facing tool schemas carry only the parameter shape.
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("normalize schema: %w", err)
	}
	delete(m, "$schema")
	delete(m, "$id")

	out, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// MustFor is For, panicking on failure. Intended for package-level tool
// declarations where a reflection failure is a programming error.
func MustFor[T any]() json.RawMessage {
	schema, err := For[T]()
	if err != nil {
		panic(err)
	}
	return schema
}
