package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models trak.yml.
type Config struct {
	Project struct {
		Name string `yaml:"name"`
	} `yaml:"project"`
	Governance struct {
		// Roles is the vocabulary of generic role tokens. Assigning one of
		// these on a managed story is denied with a role-specific message
		// rather than a format error.
		Roles []string `yaml:"roles"`
		// Strict turns on the retrospective gate for `trak validate story`
		// runs that do not pass --strict explicitly.
		Strict bool `yaml:"strict"`
	} `yaml:"governance"`
	Webhooks []Webhook `yaml:"webhooks"`
}

// Webhook is one outbound activity subscription.
type Webhook struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with trak init", path)
		}
		return nil, err
	}
	return FromYAML(data)
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

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.Name == "" {
		return fmt.Errorf("config.project.name is required")
	}
	seen := map[string]bool{}
	for _, role := range c.Governance.Roles {
		if role == "" {
			return fmt.Errorf("config.governance.roles contains an empty role token")
		}
		if seen[role] {
			return fmt.Errorf("config.governance.roles lists %s twice", role)
		}
		seen[role] = true
	}
	for i, h := range c.Webhooks {
		if h.URL == "" {
			return fmt.Errorf("webhook %d has no url", i)
		}
		if h.TimeoutSeconds < 0 {
			return fmt.Errorf("webhook %d has negative timeout_seconds", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "trak.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectName string) string {
	return fmt.Sprintf(defaultTemplate, projectName)
}

// Default returns the default Config struct for a project.
func Default(projectName string) *Config {
	cfg, err := FromYAML([]byte(GenerateDefault(projectName)))
	if err != nil {
		// The template is static; a parse failure is a programming error.
		panic(err)
	}
	return cfg
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
  name: %s

governance:
  # Generic role tokens. On a managed story these may not be assigned
  # directly; register an agent definition and assign <name>-v1 instead.
  roles:
    - backend-dev
    - frontend-dev
    - qa
    - devops
  strict: false

# Outbound webhooks receive activity entries as JSON POSTs.
# webhooks:
#   - url: https://example.com/hooks/trak
#     secret: change-me
#     events: [task.assignment.denied, story.validated]
#     timeout_seconds: 5
`
