package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"maf/internal/domain"
)

// Config models maf.yml.
type Config struct {
	Log          LogConfig              `yaml:"log"`
	Bus          BusConfig              `yaml:"bus"`
	Orchestrator OrchestratorConfig     `yaml:"orchestrator"`
	Decomposer   DecomposerConfig       `yaml:"decomposer"`
	Agents       map[string]AgentConfig `yaml:"agents"`
	Server       ServerConfig           `yaml:"server"`
	Webhooks     []WebhookConfig        `yaml:"webhooks"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	// Dir receives maf.log; empty logs to stderr.
	Dir string `yaml:"dir"`
}

type BusConfig struct {
	Type        string `yaml:"type"`
	HistorySize int    `yaml:"history_size"`

	// persistent log backend
	Partitions     int           `yaml:"partitions"`
	Group          string        `yaml:"group"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	BatchSize      int           `yaml:"batch_size"`
	HandlerTimeout time.Duration `yaml:"handler_timeout"`
	LeaseTTL       time.Duration `yaml:"lease_ttl"`
	StartFrom      string        `yaml:"start_from"`
	RetryMaxTime   time.Duration `yaml:"retry_max_time"`
}

type OrchestratorConfig struct {
	Name             string        `yaml:"name"`
	HealthInterval   time.Duration `yaml:"health_interval"`
	RecoveryInterval time.Duration `yaml:"recovery_interval"`
	StallTimeout     time.Duration `yaml:"stall_timeout"`
	AssignTimeout    time.Duration `yaml:"assign_timeout"`
	MaxRetries       int           `yaml:"max_retries"`
	CleanupInterval  time.Duration `yaml:"cleanup_interval"`
	Retention        time.Duration `yaml:"retention"`
	Roles            []string      `yaml:"roles"`
}

type DecomposerConfig struct {
	// Command receives the feature description on stdin and prints a JSON plan.
	Command string        `yaml:"command"`
	Timeout time.Duration `yaml:"timeout"`
	// Plan is used when no command is configured.
	Plan []PlanStep `yaml:"plan"`
}

type PlanStep struct {
	Agent       string `yaml:"agent" json:"agent"`
	Description string `yaml:"description" json:"description"`
	DependsOn   []int  `yaml:"depends_on" json:"depends_on"`
}

type AgentConfig struct {
	Command           string        `yaml:"command"`
	Mode              string        `yaml:"mode"`
	MaxConcurrent     int           `yaml:"max_concurrent"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	Timeout           time.Duration `yaml:"timeout"`
}

type ServerConfig struct {
	Addr      string `yaml:"addr"`
	BasePath  string `yaml:"base_path"`
	JWTSecret string `yaml:"jwt_secret"`
}

type WebhookConfig struct {
	URL     string        `yaml:"url"`
	Events  []string      `yaml:"events"`
	Enabled *bool         `yaml:"enabled"`
	Timeout time.Duration `yaml:"timeout"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with maf init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Bus.Type {
	case "memory", "log":
	default:
		return fmt.Errorf("bus.type must be memory or log, got %q", c.Bus.Type)
	}
	if c.Bus.HistorySize <= 0 {
		return fmt.Errorf("bus.history_size must be positive")
	}
	if c.Bus.Type == "log" {
		if c.Bus.Partitions <= 0 {
			return fmt.Errorf("bus.partitions must be positive")
		}
		if strings.TrimSpace(c.Bus.Group) == "" {
			return fmt.Errorf("bus.group is required for the log backend")
		}
		if c.Bus.PollInterval <= 0 || c.Bus.HandlerTimeout <= 0 || c.Bus.LeaseTTL <= 0 {
			return fmt.Errorf("bus.poll_interval, bus.handler_timeout and bus.lease_ttl must be positive")
		}
		if c.Bus.StartFrom != "earliest" && c.Bus.StartFrom != "latest" {
			return fmt.Errorf("bus.start_from must be earliest or latest")
		}
	}
	o := c.Orchestrator
	if o.HealthInterval <= 0 || o.RecoveryInterval <= 0 {
		return fmt.Errorf("orchestrator intervals must be positive")
	}
	if o.StallTimeout <= 0 {
		return fmt.Errorf("orchestrator.stall_timeout must be positive")
	}
	if o.MaxRetries < 0 {
		return fmt.Errorf("orchestrator.max_retries must not be negative")
	}
	if o.CleanupInterval > 0 && o.Retention <= 0 {
		return fmt.Errorf("orchestrator.retention is required when cleanup_interval is set")
	}
	for _, role := range o.Roles {
		if domain.NormalizeRole(role) != role {
			return fmt.Errorf("orchestrator.roles: %q is not a canonical role (want %q)", role, domain.NormalizeRole(role))
		}
	}
	for i, step := range c.Decomposer.Plan {
		if strings.TrimSpace(step.Agent) == "" || strings.TrimSpace(step.Description) == "" {
			return fmt.Errorf("decomposer.plan[%d] needs agent and description", i)
		}
		for _, dep := range step.DependsOn {
			if dep < 0 || dep >= i {
				return fmt.Errorf("decomposer.plan[%d] depends on %d; only earlier steps are allowed", i, dep)
			}
		}
	}
	for role, a := range c.Agents {
		if role == "" {
			return fmt.Errorf("agents contains empty role")
		}
		if a.Mode != "" && a.Mode != "event" && a.Mode != "poll" {
			return fmt.Errorf("agents.%s.mode must be event or poll", role)
		}
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "maf.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses config over the defaults and validates it.
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

const defaultTemplate = `log:
  level: INFO
  dir: ""

bus:
  type: memory
  history_size: 1000
  partitions: 8
  group: orchestrator
  poll_interval: 200ms
  batch_size: 100
  handler_timeout: 30s
  lease_ttl: 15s
  start_from: earliest
  retry_max_time: 5s

orchestrator:
  name: orchestrator
  health_interval: 60s
  recovery_interval: 10m
  stall_timeout: 30m
  assign_timeout: 30m
  max_retries: 3
  cleanup_interval: 0s
  retention: 168h
  roles:
    - frontend_agent
    - backend_agent
    - db_agent
    - devops_agent
    - qa_agent
    - docs_agent
    - security_agent
    - ux_ui_agent

decomposer:
  command: ""
  timeout: 2m

server:
  addr: 127.0.0.1:8080
  base_path: /v1
  jwt_secret: ""
`
