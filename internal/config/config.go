package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"jobtrace/internal/domain"
)

// Config models jobtrace.yml.
type Config struct {
	Candidate string     `yaml:"candidate"`
	Providers []Provider `yaml:"providers"`
	Profiles  []Profile  `yaml:"profiles"`
	Server    struct {
		MaxArtifactBytes int64 `yaml:"max_artifact_bytes"`
	} `yaml:"server"`
	Snapshots struct {
		File string `yaml:"file"`
	} `yaml:"snapshots"`
}

type Provider struct {
	ID      string `yaml:"id"`
	Enabled bool   `yaml:"enabled"`
	Fixture string `yaml:"fixture"`
}

type Profile struct {
	ID       string   `yaml:"id"`
	Keywords []string `yaml:"keywords"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with jt config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Candidate == "" {
		c.Candidate = domain.DefaultCandidate
	}
	if !domain.ValidID(c.Candidate) {
		return fmt.Errorf("config.candidate %q is not a valid id", c.Candidate)
	}
	if len(c.Providers) == 0 {
		return fmt.Errorf("config.providers must list at least one provider")
	}
	seen := map[string]bool{}
	for _, p := range c.Providers {
		if !domain.ValidID(p.ID) {
			return fmt.Errorf("provider id %q is not a valid id", p.ID)
		}
		if seen[p.ID] {
			return fmt.Errorf("duplicate provider id %s", p.ID)
		}
		seen[p.ID] = true
	}
	if len(c.Profiles) == 0 {
		return fmt.Errorf("config.profiles must list at least one scoring profile")
	}
	for _, pr := range c.Profiles {
		if !domain.ValidID(pr.ID) {
			return fmt.Errorf("profile id %q is not a valid id", pr.ID)
		}
	}
	if c.Server.MaxArtifactBytes < 0 {
		return fmt.Errorf("config.server.max_artifact_bytes must not be negative")
	}
	return nil
}

// EnabledProviders returns provider ids with enabled=true, in config order.
func (c *Config) EnabledProviders() []Provider {
	var out []Provider
	for _, p := range c.Providers {
		if p.Enabled {
			out = append(out, p)
		}
	}
	return out
}

// ProviderIDs returns all configured provider ids in config order.
func (c *Config) ProviderIDs() []string {
	out := make([]string, 0, len(c.Providers))
	for _, p := range c.Providers {
		out = append(out, p.ID)
	}
	return out
}

// MaxArtifactBytes returns the read API payload cap, defaulted when unset.
func (c *Config) MaxArtifactBytes() int64 {
	if c.Server.MaxArtifactBytes > 0 {
		return c.Server.MaxArtifactBytes
	}
	return 4 << 20
}

// SnapshotsPath resolves the pinned snapshot manifest path for a workspace.
func (c *Config) SnapshotsPath(workspace string) string {
	file := c.Snapshots.File
	if file == "" {
		file = "snapshots.yml"
	}
	if filepath.IsAbs(file) {
		return file
	}
	return filepath.Join(workspace, file)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "jobtrace.yml")
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the default Config struct.
func Default() *Config {
	cfg, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		panic(err)
	}
	return cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `candidate: default

providers:
  - id: openai
    enabled: true
    fixture: fixtures/openai.json
  - id: lever
    enabled: true
    fixture: fixtures/lever.json
  - id: greenhouse
    enabled: false
    fixture: fixtures/greenhouse.json

profiles:
  - id: backend
    keywords: [go, backend, distributed]
  - id: remote
    keywords: [remote]

server:
  max_artifact_bytes: 4194304

snapshots:
  file: snapshots.yml
`
