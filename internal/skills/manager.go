package skills

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"

	"github.com/strandworks/strand/internal/agent"
)

// Registry is the tool sink skills register into. *agent.Registry
// satisfies it.
type Registry interface {
	Register(tool agent.Tool)
	Unregister(name string)
}

// Manager discovers, loads, and activates skills and keeps their tools
// registered. Safe for concurrent use.
type Manager struct {
	registry Registry
	hooks    Hooks
	logger   *slog.Logger

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	skills   map[string]*Skill
}

// NewManager creates a skill manager registering into registry. registry
// and logger may be nil.
func NewManager(registry Registry, hooks Hooks, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		registry: registry,
		hooks:    hooks,
		logger:   logger.With("component", "skills"),
		handlers: make(map[string]HandlerFunc),
		skills:   make(map[string]*Skill),
	}
}

// RegisterHandler binds an export name to its implementation. Manifests
// reference exports as "./file#ExportName"; the file part documents where
// the handler lives, only the export name resolves.
func (m *Manager) RegisterHandler(export string, fn HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[export] = fn
}

// Skills returns a snapshot of all known skills.
func (m *Manager) Skills() []*Skill {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Skill, 0, len(m.skills))
	for _, s := range m.skills {
		copied := *s
		out = append(out, &copied)
	}
	return out
}

// Get returns a snapshot of one skill.
func (m *Manager) Get(name string) (*Skill, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.skills[name]
	if !ok {
		return nil, false
	}
	copied := *s
	return &copied, true
}

// DiscoverAndLoad recursively scans dir for manifests, loading and
// activating every enabled skill that passes gating. Individual skill
// failures are recorded on the skill and do not abort the scan.
func (m *Manager) DiscoverAndLoad(ctx context.Context, dir string) error {
	manifests, err := findManifests(dir)
	if err != nil {
		return err
	}
	for _, path := range manifests {
		if err := ctx.Err(); err != nil {
			return err
		}
		skill, err := m.Load(ctx, filepath.Dir(path))
		if err != nil {
			m.logger.Warn("skill load failed", "path", path, "error", err)
			continue
		}
		if skill == nil {
			continue // gated out
		}
		if err := m.Activate(ctx, skill.Manifest.Name); err != nil {
			m.logger.Warn("skill activation failed",
				"skill", skill.Manifest.Name, "error", err)
		}
	}
	return nil
}

// Load parses the manifest in dir, resolves its handler, and moves the
// skill to StateLoaded. Gated skills (enabled:false, OS mismatch) return
// (nil, nil). Resolution failures leave the skill in StateError and
// return the error.
func (m *Manager) Load(ctx context.Context, dir string) (*Skill, error) {
	manifest, err := readManifest(dir)
	if err != nil {
		return nil, err
	}
	if err := ValidateManifest(manifest); err != nil {
		return nil, err
	}
	if !manifest.IsEnabled() {
		m.logger.Debug("skill disabled", "skill", manifest.Name)
		return nil, nil
	}
	if !osAllowed(manifest.OS) {
		m.logger.Debug("skill gated by platform",
			"skill", manifest.Name, "os", runtime.GOOS)
		return nil, nil
	}

	skill := &Skill{Manifest: *manifest, Dir: dir, State: StateLoading}
	m.mu.Lock()
	m.skills[manifest.Name] = skill
	m.mu.Unlock()

	export, _ := manifest.Export()
	m.mu.RLock()
	handler, ok := m.handlers[export]
	m.mu.RUnlock()
	if !ok {
		err := fmt.Errorf("skill %s: %w: %s", manifest.Name, ErrHandlerNotRegistered, export)
		m.setError(manifest.Name, err)
		return nil, err
	}
	skill.handler = handler

	if m.hooks.OnLoad != nil {
		if err := m.hooks.OnLoad(ctx, skill); err != nil {
			m.setError(manifest.Name, err)
			return nil, err
		}
	}

	m.setState(manifest.Name, StateLoaded)
	m.logger.Info("skill loaded", "skill", manifest.Name, "dir", dir)
	return skill, nil
}

// Activate registers the skill's tool and moves it to StateActive.
func (m *Manager) Activate(ctx context.Context, name string) error {
	m.mu.Lock()
	skill, ok := m.skills[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSkillNotFound, name)
	}
	if skill.State != StateLoaded {
		m.mu.Unlock()
		return fmt.Errorf("skill %s: cannot activate from state %s", name, skill.State)
	}
	m.mu.Unlock()

	if m.hooks.OnActivate != nil {
		if err := m.hooks.OnActivate(ctx, skill); err != nil {
			m.setError(name, err)
			return err
		}
	}

	if m.registry != nil {
		m.registry.Register(skill.tool())
	}
	m.setState(name, StateActive)
	m.logger.Info("skill activated", "skill", name)
	return nil
}

// Deactivate unregisters the skill's tool and moves it back to
// StateLoaded.
func (m *Manager) Deactivate(ctx context.Context, name string) error {
	m.mu.Lock()
	skill, ok := m.skills[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSkillNotFound, name)
	}
	if skill.State != StateActive {
		m.mu.Unlock()
		return fmt.Errorf("skill %s: cannot deactivate from state %s", name, skill.State)
	}
	m.mu.Unlock()

	if m.hooks.OnDeactivate != nil {
		if err := m.hooks.OnDeactivate(ctx, skill); err != nil {
			m.setError(name, err)
			return err
		}
	}

	if m.registry != nil {
		m.registry.Unregister(name)
	}
	m.setState(name, StateLoaded)
	m.logger.Info("skill deactivated", "skill", name)
	return nil
}

// Unload removes the skill entirely, deactivating it first if needed.
func (m *Manager) Unload(ctx context.Context, name string) error {
	m.mu.RLock()
	skill, ok := m.skills[name]
	var state State
	if ok {
		state = skill.State
	}
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSkillNotFound, name)
	}

	if state == StateActive {
		if err := m.Deactivate(ctx, name); err != nil {
			return err
		}
	}
	if m.hooks.OnUnload != nil {
		if err := m.hooks.OnUnload(ctx, skill); err != nil {
			m.setError(name, err)
			return err
		}
	}

	m.mu.Lock()
	delete(m.skills, name)
	m.mu.Unlock()
	m.logger.Info("skill unloaded", "skill", name)
	return nil
}

func (m *Manager) setState(name string, state State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.skills[name]; ok {
		s.State = state
		s.Err = nil
	}
}

func (m *Manager) setError(name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.skills[name]; ok {
		s.State = StateError
		s.Err = err
	}
}

// tool adapts the skill to the agent tool interface.
func (s *Skill) tool() agent.Tool {
	schema := s.Manifest.Parameters
	if schema == nil && s.Manifest.ParametersYAML != nil {
		if raw, err := json.Marshal(s.Manifest.ParametersYAML); err == nil {
			schema = raw
		}
	}
	if schema == nil {
		schema = json.RawMessage(`{"type":"object"}`)
	}
	handler := s.handler
	return &agent.FuncTool{
		ToolName:        s.Manifest.Name,
		ToolDescription: s.Manifest.Description,
		ToolSchema:      schema,
		Fn: func(ctx context.Context, args json.RawMessage) (*agent.ToolResult, error) {
			out, err := handler(ctx, args)
			if err != nil {
				return nil, err
			}
			return &agent.ToolResult{Content: out}, nil
		},
	}
}

// findManifests walks dir for skill.json / skill.yaml files. A missing
// root directory is not an error.
func findManifests(dir string) ([]string, error) {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil, nil
	}
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch d.Name() {
		case ManifestFilename, ManifestFilenameYAML:
			paths = append(paths, path)
		}
		return nil
	})
	return paths, err
}

// readManifest parses the manifest in dir, preferring skill.json.
func readManifest(dir string) (*Manifest, error) {
	jsonPath := filepath.Join(dir, ManifestFilename)
	if data, err := os.ReadFile(jsonPath); err == nil {
		var m Manifest
		if err := json5.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("parse %s: %w", jsonPath, err)
		}
		return &m, nil
	}

	yamlPath := filepath.Join(dir, ManifestFilenameYAML)
	data, err := os.ReadFile(yamlPath)
	if err != nil {
		return nil, fmt.Errorf("no manifest in %s", dir)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse %s: %w", yamlPath, err)
	}
	return &m, nil
}

func osAllowed(allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, os := range allowed {
		if os == runtime.GOOS {
			return true
		}
	}
	return false
}
