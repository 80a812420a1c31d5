// Package config resolves the cloudcode home directory and loads the
// daemon configuration from <home>/config.yaml.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lsadehaan/cloud-code/pkg/models"
)

// CapabilityClass describes one workstation flavor the fleet can provision.
type CapabilityClass struct {
	Name        string   `yaml:"name"`
	Tool        string   `yaml:"tool"`  // runner name: claude | aider | codex | gemini
	Image       string   `yaml:"image"` // container image for the workstation
	MemoryLimit string   `yaml:"memory_limit,omitempty"`
	CPULimit    float64  `yaml:"cpu_limit,omitempty"`
	Keywords    []string `yaml:"keywords,omitempty"` // routing hints
}

// AutoApproval is one row of the credential auto-approval table: a credential
// type and the scopes the broker may grant without human review.
type AutoApproval struct {
	Type   string   `yaml:"type"`
	Scopes []string `yaml:"scopes"`
}

// Config is the daemon configuration loaded from <home>/config.yaml.
// Zero values are filled with defaults by Load.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	APIKey     string `yaml:"api_key,omitempty"`

	DispatchInterval    time.Duration `yaml:"dispatch_interval"`
	HealthInterval      time.Duration `yaml:"health_interval"`
	ExecTimeout         time.Duration `yaml:"exec_timeout"`
	MaxAttempts         int           `yaml:"max_attempts"`
	DefaultCostLimitUSD float64       `yaml:"default_cost_limit_usd"`
	PoolCeiling         int           `yaml:"pool_ceiling"`

	DefaultClass string            `yaml:"default_class"`
	Classes      []CapabilityClass `yaml:"classes"`

	AutoApprovals   []AutoApproval `yaml:"auto_approvals"`
	CredTTL         time.Duration  `yaml:"credential_ttl"`
	CredRenewWithin time.Duration  `yaml:"credential_renew_within"`

	SecretsBackend string `yaml:"secrets_backend"` // env | vault
	VaultAddr      string `yaml:"vault_addr,omitempty"`
	VaultMount     string `yaml:"vault_mount,omitempty"`

	StoreDriver string `yaml:"store_driver"` // sqlite | postgres
	PostgresDSN string `yaml:"postgres_dsn,omitempty"`

	Tracker      string `yaml:"tracker,omitempty"` // github | slack | none
	GitHubToken  string `yaml:"github_token,omitempty"`
	SlackWebhook string `yaml:"slack_webhook,omitempty"`

	Sandbox bool `yaml:"sandbox"`
}

// Path returns the config file path under home.
func Path(home string) string {
	return filepath.Join(home, "config.yaml")
}

// Load reads <home>/config.yaml. A missing file yields the defaults;
// a malformed file is an error.
func Load(home string) (*Config, error) {
	cfg := &Config{}
	data, err := os.ReadFile(Path(home))
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = "127.0.0.1:0"
	}
	if c.DispatchInterval <= 0 {
		c.DispatchInterval = 5 * time.Second
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = 30 * time.Second
	}
	if c.ExecTimeout <= 0 {
		c.ExecTimeout = models.DefaultExecTimeoutSeconds * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = models.DefaultMaxAttempts
	}
	if c.DefaultCostLimitUSD <= 0 {
		c.DefaultCostLimitUSD = models.DefaultCostLimitUSD
	}
	if c.PoolCeiling <= 0 {
		c.PoolCeiling = models.DefaultPoolCeiling
	}
	if c.CredTTL <= 0 {
		c.CredTTL = time.Hour
	}
	if c.CredRenewWithin <= 0 {
		c.CredRenewWithin = 10 * time.Minute
	}
	if c.SecretsBackend == "" {
		c.SecretsBackend = "env"
	}
	if c.StoreDriver == "" {
		c.StoreDriver = "sqlite"
	}
	if len(c.Classes) == 0 {
		c.Classes = []CapabilityClass{
			{Name: "general", Tool: "claude", Image: "cloudcode/worker-claude:latest"},
			{Name: "reviewer", Tool: "codex", Image: "cloudcode/worker-codex:latest"},
		}
	}
	if c.DefaultClass == "" {
		c.DefaultClass = c.Classes[0].Name
	}
	if len(c.AutoApprovals) == 0 {
		c.AutoApprovals = []AutoApproval{
			{Type: "github_token", Scopes: []string{"read_only", "repo_scoped"}},
			{Type: "npm_token", Scopes: []string{"read_only"}},
		}
	}
}

func (c *Config) validate() error {
	names := make(map[string]bool, len(c.Classes))
	for _, cl := range c.Classes {
		if cl.Name == "" {
			return fmt.Errorf("config: capability class with empty name")
		}
		if names[cl.Name] {
			return fmt.Errorf("config: duplicate capability class %q", cl.Name)
		}
		names[cl.Name] = true
	}
	if !names[c.DefaultClass] {
		return fmt.Errorf("config: default_class %q is not a declared class", c.DefaultClass)
	}
	switch c.StoreDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("config: unknown store_driver %q", c.StoreDriver)
	}
	if c.StoreDriver == "postgres" && c.PostgresDSN == "" {
		return fmt.Errorf("config: store_driver postgres requires postgres_dsn")
	}
	switch c.SecretsBackend {
	case "env", "vault":
	default:
		return fmt.Errorf("config: unknown secrets_backend %q", c.SecretsBackend)
	}
	if c.SecretsBackend == "vault" && c.VaultAddr == "" {
		return fmt.Errorf("config: secrets_backend vault requires vault_addr")
	}
	return nil
}

// Class returns the capability class by name, or false when not declared.
func (c *Config) Class(name string) (CapabilityClass, bool) {
	for _, cl := range c.Classes {
		if cl.Name == name {
			return cl, true
		}
	}
	return CapabilityClass{}, false
}

// Save writes the config back to <home>/config.yaml with 0600 permissions.
func Save(home string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(home, 0o755); err != nil {
		return err
	}
	return os.WriteFile(Path(home), data, 0o600)
}
