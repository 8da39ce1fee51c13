package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"draftline/internal/pathglob"
)

// Config models draftline.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Database struct {
		Driver string `yaml:"driver"`
		DSN    string `yaml:"dsn"`
	} `yaml:"database"`
	Workspaces struct {
		Root         string        `yaml:"root"`
		CloneTimeout time.Duration `yaml:"clone_timeout"`
		Shallow      bool          `yaml:"shallow"`
		MaxRepos     int           `yaml:"max_repos"`
	} `yaml:"workspaces"`
	Stages   map[string]int `yaml:"stages"`
	Plan     EngineConfig   `yaml:"plan"`
	Apply    ApplyConfig    `yaml:"apply"`
	Verify   VerifyConfig   `yaml:"verify"`
	Policy   PolicyConfig   `yaml:"policy"`
	Approval struct {
		LockTTL  time.Duration `yaml:"lock_ttl"`
		LockWait time.Duration `yaml:"lock_wait"`
	} `yaml:"approval"`
	Publish   PublishConfig   `yaml:"publish"`
	Artifacts ArtifactsConfig `yaml:"artifacts"`
	Jobs      struct {
		TTL                time.Duration `yaml:"ttl"`
		ResumeOnStart      bool          `yaml:"resume_on_start"`
		CancelPollInterval time.Duration `yaml:"cancel_poll_interval"`
		JanitorInterval    time.Duration `yaml:"janitor_interval"`
	} `yaml:"jobs"`
	Stories struct {
		Dir string `yaml:"dir"`
	} `yaml:"stories"`
	RBAC struct {
		Roles map[string]RBACRole `yaml:"roles"`
	} `yaml:"rbac"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
	Log      struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// EngineConfig configures an external command used as a black-box engine.
type EngineConfig struct {
	Command string        `yaml:"command"`
	Timeout time.Duration `yaml:"timeout"`
}

type ApplyConfig struct {
	EngineConfig `yaml:",inline"`
	MaxLOCDelta  int `yaml:"max_loc_delta"`
}

type VerifyConfig struct {
	Commands []VerifyCommand `yaml:"commands"`
}

type VerifyCommand struct {
	Name    string        `yaml:"name"`
	Command string        `yaml:"command"`
	Timeout time.Duration `yaml:"timeout"`
}

type PolicyConfig struct {
	MaxFiles       int      `yaml:"max_files"`
	MaxLOCDelta    int      `yaml:"max_loc_delta"`
	AllowPaths     []string `yaml:"allow_paths"`
	DenyPaths      []string `yaml:"deny_paths"`
	ProtectedPaths []string `yaml:"protected_paths"`
	RequireTests   bool     `yaml:"require_tests"`
}

type PublishConfig struct {
	BranchPrefix      string   `yaml:"branch_prefix"`
	MaxBranchAttempts int      `yaml:"max_branch_attempts"`
	Remote            string   `yaml:"remote"`
	Host              string   `yaml:"host"`
	APIURL            string   `yaml:"api_url"`
	TokenEnv          string   `yaml:"token_env"`
	Labels            []string `yaml:"labels"`
}

type ArtifactsConfig struct {
	Root           string        `yaml:"root"`
	MaxSize        int64         `yaml:"max_size"`
	Retention      time.Duration `yaml:"retention"`
	WriteAttempts  int           `yaml:"write_attempts"`
	WriteBaseDelay time.Duration `yaml:"write_base_delay"`
	CacheEntries   int           `yaml:"cache_entries"`
}

type RBACRole struct {
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// StageNames are the keys accepted under stages.
var StageNames = []string{"plan", "apply", "verify", "package", "publish"}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with dl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("config.database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}
	if c.Database.Driver == "postgres" && strings.TrimSpace(c.Database.DSN) == "" {
		return fmt.Errorf("config.database.dsn is required for postgres")
	}
	for _, name := range StageNames {
		if c.Stages[name] < 1 {
			return fmt.Errorf("config.stages.%s must be at least 1", name)
		}
	}
	for name := range c.Stages {
		if !knownStage(name) {
			return fmt.Errorf("config.stages contains unknown stage %s", name)
		}
	}
	if c.Policy.MaxFiles < 1 {
		return fmt.Errorf("config.policy.max_files must be positive")
	}
	if c.Policy.MaxLOCDelta < 1 {
		return fmt.Errorf("config.policy.max_loc_delta must be positive")
	}
	for key, patterns := range map[string][]string{
		"allow_paths":     c.Policy.AllowPaths,
		"deny_paths":      c.Policy.DenyPaths,
		"protected_paths": c.Policy.ProtectedPaths,
	} {
		for i, pat := range patterns {
			if err := pathglob.Validate(pat); err != nil {
				return fmt.Errorf("config.policy.%s[%d]: %w", key, i, err)
			}
		}
	}
	for i, cmd := range c.Verify.Commands {
		if strings.TrimSpace(cmd.Command) == "" {
			return fmt.Errorf("config.verify.commands[%d].command is required", i)
		}
		if strings.TrimSpace(cmd.Name) == "" {
			return fmt.Errorf("config.verify.commands[%d].name is required", i)
		}
	}
	if c.Approval.LockTTL <= 0 {
		return fmt.Errorf("config.approval.lock_ttl must be positive")
	}
	if c.Publish.MaxBranchAttempts < 1 {
		return fmt.Errorf("config.publish.max_branch_attempts must be at least 1")
	}
	switch c.Publish.Host {
	case "", "none", "github":
	default:
		return fmt.Errorf("config.publish.host must be github or none, got %q", c.Publish.Host)
	}
	if c.Artifacts.MaxSize <= 0 {
		return fmt.Errorf("config.artifacts.max_size must be positive")
	}
	if c.Artifacts.WriteAttempts < 1 {
		return fmt.Errorf("config.artifacts.write_attempts must be at least 1")
	}
	if c.Jobs.TTL <= 0 {
		return fmt.Errorf("config.jobs.ttl must be positive")
	}
	if len(c.RBAC.Roles) > 0 {
		if _, ok := c.RBAC.Roles["owner"]; !ok {
			return fmt.Errorf("config.rbac.roles must include owner")
		}
		for roleID, role := range c.RBAC.Roles {
			if roleID == "" {
				return fmt.Errorf("config.rbac.roles contains empty role id")
			}
			for _, perm := range role.Permissions {
				if perm == "" {
					return fmt.Errorf("role %s has empty permission id", roleID)
				}
			}
		}
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

func knownStage(name string) bool {
	for _, s := range StageNames {
		if s == name {
			return true
		}
	}
	return false
}

// Capacity returns the concurrency limit for a stage key.
func (c *Config) Capacity(stage string) int {
	if n := c.Stages[stage]; n > 0 {
		return n
	}
	return 1
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "draftline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns the default config if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing from
// data keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /v0

database:
  driver: sqlite
  dsn: ""

workspaces:
  root: .draftline/workspaces
  clone_timeout: 5m
  shallow: true
  max_repos: 5

stages:
  plan: 4
  apply: 1
  verify: 2
  package: 4
  publish: 1

plan:
  command: ""
  timeout: 10m

apply:
  command: ""
  timeout: 20m
  max_loc_delta: 1000

verify:
  commands: []

policy:
  max_files: 5
  max_loc_delta: 200
  allow_paths: []
  deny_paths:
    - ".git/**"
  protected_paths:
    - ".github/workflows/**"
    - "**/migrations/**"
  require_tests: true

approval:
  lock_ttl: 60s
  lock_wait: 2s

publish:
  branch_prefix: draftline
  max_branch_attempts: 5
  remote: origin
  host: github
  api_url: https://api.github.com
  token_env: DRAFTLINE_GITHUB_TOKEN
  labels: [draft, automated]

artifacts:
  root: .draftline/artifacts
  max_size: 104857600
  retention: 720h
  write_attempts: 3
  write_base_delay: 500ms
  cache_entries: 256

jobs:
  ttl: 168h
  resume_on_start: true
  cancel_poll_interval: 2s
  janitor_interval: 1h

stories:
  dir: stories

rbac:
  roles:
    owner:
      description: "Full access"
      permissions: [job.create, job.read, job.cancel, job.retry, plan.revise, plan.approve, artifact.read, rbac.manage]
    approver:
      description: "Reviews and approves plans"
      permissions: [job.read, plan.revise, plan.approve, artifact.read]
    requester:
      description: "Creates and follows jobs"
      permissions: [job.create, job.read, job.cancel, job.retry, plan.revise, artifact.read]
    viewer:
      description: "Read-only"
      permissions: [job.read, artifact.read]

log:
  level: info
  format: text
`
