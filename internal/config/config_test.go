package config

import (
	"strings"
	"testing"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default("test-engine")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Engine.ID != "test-engine" {
		t.Fatalf("engine id: got %s", cfg.Engine.ID)
	}
	if len(cfg.Roles) == 0 || len(cfg.Rules) == 0 || len(cfg.Templates) == 0 {
		t.Fatalf("default config missing sections: %d roles, %d rules, %d templates",
			len(cfg.Roles), len(cfg.Rules), len(cfg.Templates))
	}
}

func TestGenerateDefaultRoundTrips(t *testing.T) {
	cfg, err := FromYAML([]byte(GenerateDefault("eng")))
	if err != nil {
		t.Fatalf("generated default does not parse: %v", err)
	}
	if cfg.Engine.ID != "eng" {
		t.Fatalf("engine id: got %s", cfg.Engine.ID)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "unknown next role",
			mutate:  func(c *Config) { c.Roles[0].NextRoles = []string{"ghost"} },
			wantErr: "unknown next role",
		},
		{
			name:    "duplicate role id",
			mutate:  func(c *Config) { c.Roles[1].ID = c.Roles[0].ID },
			wantErr: "duplicate role id",
		},
		{
			name:    "gate without contributing rule",
			mutate:  func(c *Config) { c.Roles[0].QualityGates = []string{"nobody.checks.this"} },
			wantErr: "no contributing rule",
		},
		{
			name:    "invalid rule pattern",
			mutate:  func(c *Config) { c.Rules[0].Pattern = "([unclosed" },
			wantErr: "pattern",
		},
		{
			name:    "unknown capability action",
			mutate:  func(c *Config) { c.Capabilities["deploy"] = "release-management" },
			wantErr: "unknown action",
		},
		{
			name:    "unmapped capability action",
			mutate:  func(c *Config) { delete(c.Capabilities, "analyze") },
			wantErr: "missing action analyze",
		},
		{
			name:    "agent with unknown role",
			mutate:  func(c *Config) { c.Agents["general"] = AgentConfig{Roles: []string{"ghost"}} },
			wantErr: "unknown role",
		},
		{
			name:    "unknown rule kind",
			mutate:  func(c *Config) { c.Rules[0].Kind = "forbid" },
			wantErr: "unknown kind",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default("eng")
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected error containing %q", tc.wantErr)
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("error %q does not contain %q", err.Error(), tc.wantErr)
			}
		})
	}
}

func TestDomainConversions(t *testing.T) {
	cfg := Default("eng")
	roles := cfg.DomainRoles()
	if len(roles) != len(cfg.Roles) {
		t.Fatalf("roles: got %d want %d", len(roles), len(cfg.Roles))
	}
	rules := cfg.DomainRules()
	for _, r := range rules {
		if r.Severity == "" {
			t.Fatalf("rule %s has empty severity after conversion", r.ID)
		}
		if r.Gate == "" {
			t.Fatalf("rule %s has empty gate after conversion", r.ID)
		}
	}
}
