package agent

import (
	"context"
	"encoding/json"
	"testing"
)

func namedTool(name string) Tool {
	return &FuncTool{
		ToolName:   name,
		ToolSchema: json.RawMessage(`{"type":"object"}`),
		Fn: func(context.Context, json.RawMessage) (*ToolResult, error) {
			return &ToolResult{Content: name}, nil
		},
	}
}

func TestRegistryRegisterOverwrites(t *testing.T) {
	r := NewRegistry()
	first := namedTool("dup")
	second := namedTool("dup")
	r.Register(first)
	r.Register(second)

	if r.Len() != 1 {
		t.Fatalf("Len = %d, want 1", r.Len())
	}
	got, ok := r.Get("dup")
	if !ok || got != second {
		t.Error("later registration did not win")
	}
}

func TestRegistryUnregister(t *testing.T) {
	r := NewRegistry()
	r.Register(namedTool("a"))
	r.Unregister("a")
	if _, ok := r.Get("a"); ok {
		t.Error("tool still present after Unregister")
	}
	// Unregistering a missing tool is a no-op.
	r.Unregister("ghost")
}

func TestRegistryListSorted(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		r.Register(namedTool(name))
	}
	list := r.List()
	want := []string{"alpha", "mid", "zeta"}
	if len(list) != len(want) {
		t.Fatalf("List = %d tools", len(list))
	}
	for i, tool := range list {
		if tool.Name() != want[i] {
			t.Errorf("List[%d] = %s, want %s", i, tool.Name(), want[i])
		}
	}
}

func TestRegistrySnapshotIsolation(t *testing.T) {
	r := NewRegistry()
	r.Register(namedTool("stable"))

	snap := r.Snapshot()
	r.Register(namedTool("late"))
	r.Unregister("stable")

	if _, ok := snap["stable"]; !ok {
		t.Error("snapshot lost a tool removed after the copy")
	}
	if _, ok := snap["late"]; ok {
		t.Error("snapshot picked up a tool registered after the copy")
	}
}
