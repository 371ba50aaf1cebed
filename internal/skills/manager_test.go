package skills

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/strandworks/strand/internal/agent"
)

func writeSkill(t *testing.T, root, dir, manifest string) string {
	t.Helper()
	skillDir := filepath.Join(root, dir)
	if err := os.MkdirAll(skillDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(skillDir, ManifestFilename), []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}
	return skillDir
}

func greetHandler(_ context.Context, args json.RawMessage) (string, error) {
	var p struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return "", err
	}
	return "hello " + p.Name, nil
}

const greetManifest = `{
	// Greeting skill for tests.
	name: "greet",
	description: "Greets a person by name",
	parameters: {"type":"object","properties":{"name":{"type":"string"}}},
	handler: "./greet.go#Greet",
}`

func TestDiscoverAndLoadActivatesSkill(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "greet", greetManifest)

	registry := agent.NewRegistry()
	m := NewManager(registry, Hooks{}, nil)
	m.RegisterHandler("Greet", greetHandler)

	if err := m.DiscoverAndLoad(context.Background(), root); err != nil {
		t.Fatal(err)
	}

	skill, ok := m.Get("greet")
	if !ok || skill.State != StateActive {
		t.Fatalf("skill = %+v", skill)
	}
	tool, ok := registry.Get("greet")
	if !ok {
		t.Fatal("tool not registered")
	}
	out, err := tool.Execute(context.Background(), json.RawMessage(`{"name":"ada"}`))
	if err != nil {
		t.Fatal(err)
	}
	if out.Content != "hello ada" {
		t.Errorf("content = %q", out.Content)
	}
}

func TestDiscoverSkipsDisabledSkill(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "off", `{
		name: "off",
		description: "Disabled skill",
		handler: "./off.go#Off",
		enabled: false,
	}`)

	registry := agent.NewRegistry()
	m := NewManager(registry, Hooks{}, nil)
	m.RegisterHandler("Off", greetHandler)

	if err := m.DiscoverAndLoad(context.Background(), root); err != nil {
		t.Fatal(err)
	}
	if _, ok := m.Get("off"); ok {
		t.Error("disabled skill was loaded")
	}
	if registry.Len() != 0 {
		t.Errorf("registry has %d tools", registry.Len())
	}
}

func TestDiscoverSkipsWrongOS(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "plan9only", `{
		name: "plan9only",
		description: "Never matches this platform",
		handler: "./x.go#X",
		os: ["plan9"],
	}`)

	m := NewManager(agent.NewRegistry(), Hooks{}, nil)
	m.RegisterHandler("X", greetHandler)
	if err := m.DiscoverAndLoad(context.Background(), root); err != nil {
		t.Fatal(err)
	}
	if _, ok := m.Get("plan9only"); ok {
		t.Error("platform-gated skill was loaded")
	}
}

func TestLoadUnregisteredHandlerErrors(t *testing.T) {
	root := t.TempDir()
	dir := writeSkill(t, root, "ghost", `{
		name: "ghost",
		description: "References a missing handler",
		handler: "./ghost.go#Ghost",
	}`)

	m := NewManager(agent.NewRegistry(), Hooks{}, nil)
	_, err := m.Load(context.Background(), dir)
	if !errors.Is(err, ErrHandlerNotRegistered) {
		t.Fatalf("err = %v", err)
	}
	skill, ok := m.Get("ghost")
	if !ok || skill.State != StateError || skill.Err == nil {
		t.Errorf("skill = %+v", skill)
	}
}

func TestLifecycleHooksRunInOrder(t *testing.T) {
	root := t.TempDir()
	dir := writeSkill(t, root, "greet", greetManifest)

	var order []string
	hook := func(name string) func(context.Context, *Skill) error {
		return func(context.Context, *Skill) error {
			order = append(order, name)
			return nil
		}
	}
	registry := agent.NewRegistry()
	m := NewManager(registry, Hooks{
		OnLoad:       hook("load"),
		OnActivate:   hook("activate"),
		OnDeactivate: hook("deactivate"),
		OnUnload:     hook("unload"),
	}, nil)
	m.RegisterHandler("Greet", greetHandler)

	ctx := context.Background()
	if _, err := m.Load(ctx, dir); err != nil {
		t.Fatal(err)
	}
	if err := m.Activate(ctx, "greet"); err != nil {
		t.Fatal(err)
	}
	if err := m.Deactivate(ctx, "greet"); err != nil {
		t.Fatal(err)
	}
	if _, ok := registry.Get("greet"); ok {
		t.Error("tool still registered after deactivation")
	}
	if err := m.Unload(ctx, "greet"); err != nil {
		t.Fatal(err)
	}
	if _, ok := m.Get("greet"); ok {
		t.Error("skill still known after unload")
	}

	want := []string{"load", "activate", "deactivate", "unload"}
	if len(order) != len(want) {
		t.Fatalf("order = %v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %s, want %s", i, order[i], want[i])
		}
	}
}

func TestActivateHookFailureSetsError(t *testing.T) {
	root := t.TempDir()
	dir := writeSkill(t, root, "greet", greetManifest)

	boom := errors.New("activation exploded")
	registry := agent.NewRegistry()
	m := NewManager(registry, Hooks{
		OnActivate: func(context.Context, *Skill) error { return boom },
	}, nil)
	m.RegisterHandler("Greet", greetHandler)

	ctx := context.Background()
	if _, err := m.Load(ctx, dir); err != nil {
		t.Fatal(err)
	}
	if err := m.Activate(ctx, "greet"); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	skill, _ := m.Get("greet")
	if skill.State != StateError {
		t.Errorf("state = %s, want error", skill.State)
	}
	if _, ok := registry.Get("greet"); ok {
		t.Error("tool registered despite failed activation")
	}
}

func TestYAMLManifest(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "shout")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	yamlManifest := "name: shout\ndescription: Uppercases input\nhandler: ./shout.go#Shout\nparameters:\n  type: object\n"
	if err := os.WriteFile(filepath.Join(dir, ManifestFilenameYAML), []byte(yamlManifest), 0o644); err != nil {
		t.Fatal(err)
	}

	m := NewManager(agent.NewRegistry(), Hooks{}, nil)
	m.RegisterHandler("Shout", greetHandler)
	skill, err := m.Load(context.Background(), dir)
	if err != nil {
		t.Fatal(err)
	}
	if skill.Manifest.Name != "shout" || skill.State != StateLoaded {
		t.Errorf("skill = %+v", skill)
	}
}

func TestValidateManifest(t *testing.T) {
	tests := []struct {
		name     string
		manifest Manifest
		ok       bool
	}{
		{"valid", Manifest{Name: "web_search", Description: "d", Handler: "./a.go#A"}, true},
		{"missing name", Manifest{Description: "d", Handler: "./a.go#A"}, false},
		{"uppercase name", Manifest{Name: "WebSearch", Description: "d", Handler: "./a.go#A"}, false},
		{"missing description", Manifest{Name: "a", Handler: "./a.go#A"}, false},
		{"missing handler", Manifest{Name: "a", Description: "d"}, false},
		{"handler without export", Manifest{Name: "a", Description: "d", Handler: "./a.go"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateManifest(&tt.manifest)
			if (err == nil) != tt.ok {
				t.Errorf("err = %v, want ok=%v", err, tt.ok)
			}
		})
	}
}
