package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"

	"baton/internal/domain"
)

// Config models baton.yml: the role table, agent profiles, the
// action-to-capability map, quality rules, and the template catalog.
type Config struct {
	Engine struct {
		ID string `yaml:"id"`
	} `yaml:"engine"`
	Roles        []RoleConfig           `yaml:"roles"`
	Agents       map[string]AgentConfig `yaml:"agents"`
	Capabilities map[string]string      `yaml:"capabilities"`
	Rules        []RuleConfig           `yaml:"rules"`
	Templates    []TemplateConfig       `yaml:"templates"`
}

type RoleConfig struct {
	ID           string   `yaml:"id"`
	Name         string   `yaml:"name"`
	Capabilities []string `yaml:"capabilities"`
	QualityGates []string `yaml:"quality_gates"`
	NextRoles    []string `yaml:"next_roles"`
}

type AgentConfig struct {
	Roles []string `yaml:"roles"`
}

type RuleConfig struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Kind        string `yaml:"kind"`
	Pattern     string `yaml:"pattern"`
	Severity    string `yaml:"severity"`
	Gate        string `yaml:"gate"`
	Description string `yaml:"description"`
}

type TemplateConfig struct {
	ID      string `yaml:"id"`
	Name    string `yaml:"name"`
	Content string `yaml:"content"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with baton config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Engine.ID == "" {
		return fmt.Errorf("config.engine.id is required")
	}
	if len(c.Roles) == 0 {
		return fmt.Errorf("config.roles is required")
	}
	seen := map[string]bool{}
	for _, r := range c.Roles {
		if r.ID == "" {
			return fmt.Errorf("config.roles contains empty role id")
		}
		if seen[r.ID] {
			return fmt.Errorf("duplicate role id %s", r.ID)
		}
		seen[r.ID] = true
		if len(r.Capabilities) == 0 {
			return fmt.Errorf("role %s declares no capabilities", r.ID)
		}
	}
	for _, r := range c.Roles {
		for _, next := range r.NextRoles {
			if !seen[next] {
				return fmt.Errorf("role %s allows unknown next role %s", r.ID, next)
			}
		}
	}
	for agentID, a := range c.Agents {
		if agentID == "" {
			return fmt.Errorf("config.agents contains empty agent id")
		}
		if len(a.Roles) == 0 {
			return fmt.Errorf("agent %s supports no roles", agentID)
		}
		for _, roleID := range a.Roles {
			if !seen[roleID] {
				return fmt.Errorf("agent %s references unknown role %s", agentID, roleID)
			}
		}
	}
	if len(c.Capabilities) == 0 {
		return fmt.Errorf("config.capabilities is required")
	}
	for action, capability := range c.Capabilities {
		if !domain.ActionKind(action).Valid() {
			return fmt.Errorf("config.capabilities maps unknown action %s", action)
		}
		if capability == "" {
			return fmt.Errorf("action %s maps to empty capability", action)
		}
	}
	for _, kind := range domain.ActionKinds {
		if _, ok := c.Capabilities[string(kind)]; !ok {
			return fmt.Errorf("config.capabilities missing action %s", kind)
		}
	}
	gates := map[string]bool{}
	for _, r := range c.Rules {
		if r.ID == "" {
			return fmt.Errorf("config.rules contains empty rule id")
		}
		if r.Kind != domain.RuleKindLint && r.Kind != domain.RuleKindRequire {
			return fmt.Errorf("rule %s has unknown kind %s", r.ID, r.Kind)
		}
		if r.Pattern == "" {
			return fmt.Errorf("rule %s has empty pattern", r.ID)
		}
		if _, err := regexp.Compile(r.Pattern); err != nil {
			return fmt.Errorf("rule %s pattern: %w", r.ID, err)
		}
		if r.Gate == "" {
			return fmt.Errorf("rule %s has empty gate", r.ID)
		}
		gates[r.Gate] = true
	}
	for _, r := range c.Roles {
		for _, gate := range r.QualityGates {
			if !gates[gate] {
				return fmt.Errorf("role %s requires gate %s with no contributing rule", r.ID, gate)
			}
		}
	}
	for _, t := range c.Templates {
		if t.ID == "" {
			return fmt.Errorf("config.templates contains empty template id")
		}
		if t.Content == "" {
			return fmt.Errorf("template %s has empty content", t.ID)
		}
	}
	return nil
}

// DomainRoles converts the configured role table to domain values.
func (c *Config) DomainRoles() []domain.Role {
	roles := make([]domain.Role, 0, len(c.Roles))
	for _, r := range c.Roles {
		roles = append(roles, domain.Role{
			ID:           r.ID,
			Name:         r.Name,
			Capabilities: r.Capabilities,
			QualityGates: r.QualityGates,
			NextRoles:    r.NextRoles,
		})
	}
	return roles
}

// DomainRules converts the configured rules to domain values.
func (c *Config) DomainRules() []domain.QualityRule {
	rules := make([]domain.QualityRule, 0, len(c.Rules))
	for _, r := range c.Rules {
		severity := r.Severity
		if severity == "" {
			severity = "error"
		}
		rules = append(rules, domain.QualityRule{
			ID:          r.ID,
			Name:        r.Name,
			Kind:        r.Kind,
			Pattern:     r.Pattern,
			Severity:    severity,
			Gate:        r.Gate,
			Description: r.Description,
		})
	}
	return rules
}

// DomainTemplates converts the configured templates to domain values.
func (c *Config) DomainTemplates() []domain.Template {
	templates := make([]domain.Template, 0, len(c.Templates))
	for _, t := range c.Templates {
		templates = append(templates, domain.Template{ID: t.ID, Name: t.Name, Content: t.Content})
	}
	return templates
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "baton.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(engineID string) string {
	return fmt.Sprintf(defaultTemplate, engineID)
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

// Default returns the default Config struct for an engine id.
func Default(engineID string) *Config {
	var cfg Config
	cfg.Engine.ID = engineID
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, engineID))).Decode(&cfg)
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

const defaultTemplate = `engine:
  id: %s

roles:
  - id: planner
    name: Planner
    capabilities: [planning]
    quality_gates: [plan.reviewed]
    next_roles: [implementer]

  - id: implementer
    name: Implementer
    capabilities: [code-implementation, unit-testing]
    quality_gates: [code.clean, tests.present]
    next_roles: [reviewer]

  - id: reviewer
    name: Reviewer
    capabilities: [code-review]
    quality_gates: [review.recorded]
    next_roles: [documenter]

  - id: documenter
    name: Documenter
    capabilities: [documentation]
    quality_gates: []
    next_roles: []

agents:
  general:
    roles: [planner, implementer, reviewer, documenter]
  cursor:
    roles: [implementer, reviewer]

capabilities:
  create: code-implementation
  modify: code-implementation
  validate: code-review
  test: unit-testing
  document: documentation
  analyze: planning

rules:
  - id: plan.sections
    name: "Plan includes goals section"
    kind: require
    pattern: "(?i)## goals"
    severity: error
    gate: plan.reviewed
    description: "A plan without stated goals cannot be reviewed"

  - id: lint.todo
    name: "No leftover placeholder markers"
    kind: lint
    pattern: "XXX-PLACEHOLDER|\\[fill me in\\]"
    severity: warning
    gate: code.clean
    description: "Generated artifacts should not carry placeholder markers"

  - id: lint.debug
    name: "No debug prints"
    kind: lint
    pattern: "console\\.log\\(|fmt\\.Println\\(\"debug"
    severity: error
    gate: code.clean

  - id: tests.assert
    name: "Tests contain assertions"
    kind: require
    pattern: "(?i)assert|expect|t\\.Fatal"
    severity: error
    gate: tests.present

  - id: review.verdict
    name: "Review records a verdict"
    kind: require
    pattern: "(?i)approved|changes requested"
    severity: error
    gate: review.recorded

templates:
  - id: plan.outline
    name: Plan outline
    content: |
      # Plan: {{feature}}

      ## Goals
      {{goals}}

      ## Approach
      {{approach}}

  - id: review.checklist
    name: Review checklist
    content: |
      # Review: {{feature}}

      Verdict: {{verdict}}

      - correctness checked
      - error handling checked
      - tests checked
`
