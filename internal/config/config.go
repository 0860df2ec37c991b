package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"stageline/internal/domain"
)

// Config models stageline.yml.
type Config struct {
	Project struct {
		ID   string `yaml:"id"`
		Kind string `yaml:"kind"`
	} `yaml:"project"`
	Stages struct {
		Order    []string `yaml:"order"`
		Planning string   `yaml:"planning"`
	} `yaml:"stages"`
	Generator struct {
		TimeoutSeconds int `yaml:"timeout_seconds"`
	} `yaml:"generator"`
	Ingest struct {
		PollSeconds int `yaml:"poll_seconds"`
	} `yaml:"ingest"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with sl project config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if c.Project.Kind != "idea-pipeline" {
		return fmt.Errorf("config.project.kind must be 'idea-pipeline'")
	}
	if len(c.Stages.Order) == 0 {
		return fmt.Errorf("config.stages.order is required")
	}
	seen := map[string]bool{}
	for _, s := range c.Stages.Order {
		if s == "" {
			return fmt.Errorf("config.stages.order contains an empty stage name")
		}
		if s == domain.StageUnassigned {
			return fmt.Errorf("stage name %q is reserved", domain.StageUnassigned)
		}
		if seen[s] {
			return fmt.Errorf("stage %s listed twice", s)
		}
		seen[s] = true
	}
	if c.Stages.Planning == "" {
		return fmt.Errorf("config.stages.planning is required")
	}
	if !seen[c.Stages.Planning] {
		return fmt.Errorf("planning stage %s not in stages.order", c.Stages.Planning)
	}
	if c.Generator.TimeoutSeconds < 0 {
		return fmt.Errorf("generator.timeout_seconds must be >= 0")
	}
	if c.Ingest.PollSeconds < 0 {
		return fmt.Errorf("ingest.poll_seconds must be >= 0")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhooks[%d].url is required", i)
		}
	}
	return nil
}

// StageKnown reports whether a stage name is part of the configured pipeline.
func (c *Config) StageKnown(stage string) bool {
	for _, s := range c.Stages.Order {
		if s == stage {
			return true
		}
	}
	return false
}

// PlanningStage returns the stage that triggers brief creation.
func (c *Config) PlanningStage() string {
	return c.Stages.Planning
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "stageline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	cfg.Project.ID = projectID
	cfg.Project.Kind = "idea-pipeline"
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, projectID))).Decode(&cfg)
	return &cfg
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

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `project:
  id: %s
  kind: idea-pipeline

stages:
  order: [inbox, think, plan, build, ship]
  planning: plan

generator:
  timeout_seconds: 20

ingest:
  poll_seconds: 2
`
