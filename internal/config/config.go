package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models gateline.yml, the per-project configuration document.
// It is persisted in the database per project; the file form exists for
// import/export only.
type Config struct {
	Project struct {
		ID   string `yaml:"id"`
		Kind string `yaml:"kind"`
	} `yaml:"project"`
	Hitl struct {
		Enabled              bool `yaml:"enabled"`
		CounterCeiling       int  `yaml:"counter_ceiling"`
		ApprovalExpirySecs   int  `yaml:"approval_expiry_seconds"`
		EscalationExpirySecs int  `yaml:"escalation_expiry_seconds"`
	} `yaml:"hitl"`
	Budget struct {
		LimitUnits    int64   `yaml:"limit_units"`
		WarnThreshold float64 `yaml:"warn_threshold"`
	} `yaml:"budget"`
	Orchestration struct {
		MaxBuildRetries    int `yaml:"max_build_retries"`
		MaxMediationPasses int `yaml:"max_mediation_passes"`
		RetryBackoffSecs   int `yaml:"retry_backoff_seconds"`
		MaxRetryAttempts   int `yaml:"max_retry_attempts"`
	} `yaml:"orchestration"`
	Policy struct {
		// Keywords maps a phase to deliverable keywords. When set for a
		// phase, it replaces the built-in keyword table for that phase.
		Keywords map[string][]string `yaml:"keywords"`
	} `yaml:"policy"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with gl config import --file <path>", path)
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
	if c.Project.Kind != "product-project" {
		return fmt.Errorf("config.project.kind must be 'product-project'")
	}
	if c.Hitl.CounterCeiling < 0 {
		return fmt.Errorf("config.hitl.counter_ceiling must be >= 0")
	}
	if c.Hitl.ApprovalExpirySecs <= 0 {
		return fmt.Errorf("config.hitl.approval_expiry_seconds must be > 0")
	}
	if c.Budget.LimitUnits < 0 {
		return fmt.Errorf("config.budget.limit_units must be >= 0")
	}
	if c.Budget.WarnThreshold < 0 || c.Budget.WarnThreshold > 1 {
		return fmt.Errorf("config.budget.warn_threshold must be within [0,1]")
	}
	if c.Orchestration.MaxBuildRetries < 0 {
		return fmt.Errorf("config.orchestration.max_build_retries must be >= 0")
	}
	if c.Orchestration.MaxMediationPasses <= 0 {
		return fmt.Errorf("config.orchestration.max_mediation_passes must be > 0")
	}
	for phase, kws := range c.Policy.Keywords {
		if phase == "" {
			return fmt.Errorf("config.policy.keywords contains empty phase")
		}
		for _, kw := range kws {
			if kw == "" {
				return fmt.Errorf("policy keywords for phase %s contain an empty entry", phase)
			}
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "gateline.yml")
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
	cfg.Project.Kind = "product-project"
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

// ToYAML serializes the config document.
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

const defaultTemplate = `project:
  id: %s
  kind: product-project

hitl:
  enabled: true
  counter_ceiling: 5
  approval_expiry_seconds: 3600
  escalation_expiry_seconds: 86400

budget:
  limit_units: 1000000
  warn_threshold: 0.8

orchestration:
  max_build_retries: 3
  max_mediation_passes: 3
  retry_backoff_seconds: 2
  max_retry_attempts: 4
`
