package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/santhosh-tekuri/jsonschema/v5"
	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
)

// Filename is the configuration file searched for.
const Filename = "agent.json"

// ErrNotFound indicates no agent.json exists between the start directory
// and the filesystem root.
var ErrNotFound = errors.New("agent.json not found")

var compiledSchema = jsonschema.MustCompileString("agent.schema.json", configSchema)

// Discover walks upward from dir looking for agent.json and returns its
// path.
func Discover(dir string) (string, error) {
	current, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	for {
		candidate := filepath.Join(current, Filename)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
		parent := filepath.Dir(current)
		if parent == current {
			return "", ErrNotFound
		}
		current = parent
	}
}

// Load reads, validates, and decodes the configuration at path. A .env
// file adjacent to the config is loaded first; variables already present
// in the environment win over .env values. The API key falls back to the
// provider's environment variable.
func Load(path string) (*Config, error) {
	loadDotenv(filepath.Dir(path))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	cfg.ResolveAPIKey()
	return cfg, nil
}

// LoadOrDefault discovers and loads the config starting at dir, falling
// back to defaults when none exists.
func LoadOrDefault(dir string) (*Config, string, error) {
	path, err := Discover(dir)
	if errors.Is(err, ErrNotFound) {
		loadDotenv(dir)
		cfg := Default()
		cfg.ResolveAPIKey()
		return cfg, "", nil
	}
	if err != nil {
		return nil, "", err
	}
	cfg, err := Load(path)
	return cfg, path, err
}

// Parse validates raw JSON5 content against the strict schema and
// decodes it. Unknown top-level keys are a validation error.
func Parse(data []byte) (*Config, error) {
	// JSON5 to plain JSON for schema validation.
	var doc any
	if err := json5.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := compiledSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	normalized, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("normalize config: %w", err)
	}
	cfg := Default()
	if err := json.Unmarshal(normalized, cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(cfg)
	return cfg, nil
}

// loadDotenv loads .env next to the config. godotenv.Load never
// overrides variables already in the environment.
func loadDotenv(dir string) {
	envPath := filepath.Join(dir, ".env")
	if _, err := os.Stat(envPath); err == nil {
		_ = godotenv.Load(envPath)
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Provider == "" {
		cfg.Provider = "openai"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 10
	}
}

// Init writes a commented starter agent.json at path. It refuses to
// overwrite an existing file.
func Init(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	starter := `{
  // Model and sampling.
  model: "gpt-4o",
  maxTokens: 4096,
  maxIterations: 10,

  // Provider: "openai" or "anthropic". The API key is read from
  // OPENAI_API_KEY / ANTHROPIC_API_KEY when omitted here.
  provider: "openai",

  // Persistent memory. Remove to run without a store.
  memory: {
    path: "strand.db",
  },
}
`
	return os.WriteFile(path, []byte(starter), 0o644)
}
