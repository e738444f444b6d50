package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"guardline/internal/phases"
	"guardline/internal/policy"
	"guardline/internal/progress"
)

// Config models guardline.yml: the project identity, extra emergency
// override patterns, command classification patterns, and the phase catalog.
type Config struct {
	Project struct {
		Name string `yaml:"name"`
	} `yaml:"project"`
	Overrides struct {
		Patterns []OverridePattern `yaml:"patterns"`
	} `yaml:"overrides"`
	Commands struct {
		Classes map[string][]string `yaml:"classes"`
	} `yaml:"commands"`
	Phases []phases.Phase `yaml:"phases"`
}

// OverridePattern is one user-supplied emergency pattern. Exactly one of
// prefix or phrase must be set.
type OverridePattern struct {
	Name   string `yaml:"name"`
	Prefix string `yaml:"prefix,omitempty"`
	Phrase string `yaml:"phrase,omitempty"`
}

var knownClasses = map[string]bool{
	progress.ClassTestRunner:     true,
	progress.ClassBuildTool:      true,
	progress.ClassLinter:         true,
	progress.ClassReviewTool:     true,
	progress.ClassVersionControl: true,
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.Name == "" {
		return fmt.Errorf("config.project.name is required")
	}
	if len(c.Phases) == 0 {
		return fmt.Errorf("config.phases must list at least one phase")
	}
	seen := map[string]bool{}
	for _, p := range c.Phases {
		if p.ID == "" {
			return fmt.Errorf("config.phases contains empty phase id")
		}
		if seen[p.ID] {
			return fmt.Errorf("config.phases has duplicate phase id %s", p.ID)
		}
		seen[p.ID] = true
	}
	for _, p := range c.Overrides.Patterns {
		if p.Name == "" {
			return fmt.Errorf("override pattern missing name")
		}
		if (p.Prefix == "") == (p.Phrase == "") {
			return fmt.Errorf("override pattern %s must set exactly one of prefix or phrase", p.Name)
		}
	}
	for class := range c.Commands.Classes {
		if !knownClasses[class] {
			return fmt.Errorf("config.commands.classes has unknown class %s", class)
		}
	}
	return nil
}

// Matchers returns the override matcher chain: built-ins first, then the
// config-supplied patterns in file order.
func (c *Config) Matchers() []policy.Matcher {
	out := policy.DefaultMatchers()
	for _, p := range c.Overrides.Patterns {
		if p.Prefix != "" {
			out = append(out, policy.PrefixMatcher(p.Name, p.Prefix))
		} else {
			out = append(out, policy.PhraseMatcher(p.Name, p.Phrase))
		}
	}
	return out
}

// Catalog returns the phase catalog declared in the config.
func (c *Config) Catalog() phases.Catalog {
	return phases.Catalog{Phases: c.Phases}
}

// ClassPatterns returns command classification patterns, config entries
// first so they win over the defaults. Config classes are sorted by name so
// classification is deterministic across runs.
func (c *Config) ClassPatterns() []progress.ClassPattern {
	classes := make([]string, 0, len(c.Commands.Classes))
	for class := range c.Commands.Classes {
		classes = append(classes, class)
	}
	sort.Strings(classes)
	var out []progress.ClassPattern
	for _, class := range classes {
		out = append(out, progress.ClassPattern{Class: class, Patterns: c.Commands.Classes[class]})
	}
	return append(out, progress.DefaultClassPatterns()...)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "guardline.yml")
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run gl init", Path(workspace))
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config when no file exists.
func LoadOptional(workspace, projectName string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(projectName), nil
		}
		return nil, err
	}
	return FromYAML(data)
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

// Default returns the default Config struct for a project.
func Default(projectName string) *Config {
	var cfg Config
	cfg.Project.Name = projectName
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(projectName))).Decode(&cfg)
	return &cfg
}

// GenerateDefault returns default config YAML for a new project.
func GenerateDefault(projectName string) string {
	return fmt.Sprintf(defaultTemplate, projectName)
}

const defaultTemplate = `project:
  name: %s

overrides:
  patterns: []
  # Extra emergency patterns, e.g.:
  #   - name: incident
  #     prefix: "INCIDENT:"
  #   - name: rollback
  #     phrase: "rollback required"

commands:
  classes: {}
  # Extra command classification patterns, e.g.:
  #   test-runner: ["task test"]
  #   build-tool: ["task build"]

phases:
  - id: "01"
    objective: "Foundation: project skeleton and core data model"
  - id: "02"
    objective: "Feature work against the core model"
  - id: "03"
    objective: "Hardening: tests, docs, release preparation"
`
