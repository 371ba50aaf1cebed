package toolschema

import (
	"encoding/json"
	"testing"
)

type searchArgs struct {
	Query string `json:"query" jsonschema:"required,description=Search query"`
	Limit int    `json:"limit,omitempty" jsonschema:"minimum=1,maximum=100"`
}

func TestForReflectsStructTags(t *testing.T) {
	raw, err := For[searchArgs]()
	if err != nil {
		t.Fatal(err)
	}

	var schema map[string]any
	if err := json.Unmarshal(raw, &schema); err != nil {
		t.Fatal(err)
	}
	if schema["type"] != "object" {
		t.Errorf("type = %v", schema["type"])
	}
	if _, ok := schema["$schema"]; ok {
		t.Error("$schema should be stripped")
	}

	props, ok := schema["properties"].(map[string]any)
	if !ok {
		t.Fatalf("properties = %v", schema["properties"])
	}
	query, ok := props["query"].(map[string]any)
	if !ok || query["type"] != "string" {
		t.Errorf("query = %v", props["query"])
	}
	if query["description"] != "Search query" {
		t.Errorf("description = %v", query["description"])
	}

	required, _ := schema["required"].([]any)
	found := false
	for _, r := range required {
		if r == "query" {
			found = true
		}
	}
	if !found {
		t.Errorf("required = %v, want query", required)
	}
}

func TestMustForPanicsOnlyOnFailure(t *testing.T) {
	// Valid types must not panic.
	raw := MustFor[searchArgs]()
	if len(raw) == 0 {
		t.Fatal("empty schema")
	}
}
