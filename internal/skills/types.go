// Package skills loads directory-based skill manifests and exposes their
// handlers as agent tools. Handlers are resolved through a compile-time
// registration table since Go binaries cannot load code at runtime.
package skills

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ManifestFilename is the JSON manifest each skill directory carries.
const ManifestFilename = "skill.json"

// ManifestFilenameYAML is the YAML alternative, used when skill.json is
// absent.
const ManifestFilenameYAML = "skill.yaml"

// Manifest is the parsed skill.json / skill.yaml content.
type Manifest struct {
	// Name is the unique tool name the skill registers (snake-case).
	Name string `json:"name" yaml:"name"`

	// Description explains what the skill does; shown to the model.
	Description string `json:"description" yaml:"description"`

	// Parameters is the JSON Schema of the handler's arguments.
	Parameters json.RawMessage `json:"parameters,omitempty" yaml:"-"`

	// ParametersYAML receives the schema when the manifest is YAML.
	ParametersYAML map[string]any `json:"-" yaml:"parameters"`

	// Handler references the implementation as "./file#ExportName". Only
	// the export name is significant for resolution.
	Handler string `json:"handler" yaml:"handler"`

	// Enabled excludes the skill from auto-load when explicitly false.
	Enabled *bool `json:"enabled,omitempty" yaml:"enabled"`

	// OS restricts the skill to the named platforms (darwin, linux,
	// windows). Empty means all.
	OS []string `json:"os,omitempty" yaml:"os"`
}

// IsEnabled reports whether the manifest opts the skill into auto-load.
func (m *Manifest) IsEnabled() bool {
	return m.Enabled == nil || *m.Enabled
}

// Export returns the export name referenced by the handler string.
func (m *Manifest) Export() (string, error) {
	_, export, ok := strings.Cut(m.Handler, "#")
	if !ok || export == "" {
		return "", fmt.Errorf("handler %q is not of the form ./file#Export", m.Handler)
	}
	return export, nil
}

// State is a skill's lifecycle position.
type State string

const (
	StateUnloaded State = "unloaded"
	StateLoading  State = "loading"
	StateLoaded   State = "loaded"
	StateActive   State = "active"
	StateError    State = "error"
)

// HandlerFunc is a skill implementation. Registered at compile time and
// looked up by export name when the manifest is loaded.
type HandlerFunc func(ctx context.Context, args json.RawMessage) (string, error)

// Hooks run at lifecycle transitions. Any hook may be nil. A hook error
// moves the skill to StateError.
type Hooks struct {
	OnLoad       func(ctx context.Context, s *Skill) error
	OnActivate   func(ctx context.Context, s *Skill) error
	OnDeactivate func(ctx context.Context, s *Skill) error
	OnUnload     func(ctx context.Context, s *Skill) error
}

// Skill is one discovered manifest with its runtime state.
type Skill struct {
	Manifest Manifest

	// Dir is the directory the manifest was found in.
	Dir string

	// State is the current lifecycle state.
	State State

	// Err holds the failure that put the skill into StateError.
	Err error

	handler HandlerFunc
}

var (
	// ErrSkillNotFound indicates an unknown skill name.
	ErrSkillNotFound = errors.New("skill not found")

	// ErrHandlerNotRegistered indicates the manifest references an export
	// with no compile-time registration.
	ErrHandlerNotRegistered = errors.New("handler not registered")
)

var nameRe = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)

// ValidateManifest checks the fields every skill must carry.
func ValidateManifest(m *Manifest) error {
	if m.Name == "" {
		return errors.New("skill name is required")
	}
	if !nameRe.MatchString(m.Name) {
		return fmt.Errorf("skill name %q must be lowercase alphanumeric with - or _", m.Name)
	}
	if m.Description == "" {
		return fmt.Errorf("skill %s: description is required", m.Name)
	}
	if m.Handler == "" {
		return fmt.Errorf("skill %s: handler is required", m.Name)
	}
	if _, err := m.Export(); err != nil {
		return fmt.Errorf("skill %s: %w", m.Name, err)
	}
	return nil
}
