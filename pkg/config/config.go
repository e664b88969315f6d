package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/zen-systems/captain/pkg/adapter"
)

// FileName is the per-workspace configuration file.
const FileName = "captain.yaml"

// Config holds the orchestrator configuration.
type Config struct {
	Workspace    string               `yaml:"workspace"`
	StateDir     string               `yaml:"state_dir"`
	Loop         LoopConfig           `yaml:"loop"`
	Triage       TriageConfig         `yaml:"triage"`
	MatrixPath   string               `yaml:"matrix"`
	Snapshot     string               `yaml:"snapshot"`
	Hats         map[string]HatConfig `yaml:"hats"`
	Verification map[string]string    `yaml:"verification"`
	Audit        AuditConfig          `yaml:"audit"`
	NATS         NATSConfig           `yaml:"nats"`
	Retry        adapter.RetryPolicy  `yaml:"retry"`
	Pricing      adapter.Pricing      `yaml:"pricing"`
	Models       ModelAliases         `yaml:"models"`

	APIKeys   adapter.Keys `yaml:"-"`
	ConfigDir string       `yaml:"-"`
	Path      string       `yaml:"-"`
}

// LoopConfig bounds the orchestration loop.
type LoopConfig struct {
	RecoveryPollInterval time.Duration `yaml:"recovery_poll_interval"`
	// MaxGateRetries is the number of local retries after a gate rejection
	// before escalating to the human bridge. Nil means the default.
	MaxGateRetries     *int          `yaml:"max_gate_retries"`
	HumanTimeout       time.Duration `yaml:"human_timeout"`
	MaxIterations      int           `yaml:"max_iterations"`
	MaxRuntime         time.Duration `yaml:"max_runtime"`
	MaxCostUSD         float64       `yaml:"max_cost_usd"`
	AbandonAfterBlocks int           `yaml:"abandon_after_blocks"`
}

// HatConfig binds a hat to an adapter and model.
type HatConfig struct {
	Adapter      string `yaml:"adapter"`
	Model        string `yaml:"model"`
	Instructions string `yaml:"instructions,omitempty"`
}

// AuditConfig locates the forensic log sinks.
type AuditConfig struct {
	LogPath    string `yaml:"log_path"`
	SQLitePath string `yaml:"sqlite_path,omitempty"`
}

// NATSConfig enables mirroring bus events to NATS. Empty URL disables it.
type NATSConfig struct {
	URL    string `yaml:"url,omitempty"`
	Prefix string `yaml:"prefix,omitempty"`
}

const (
	DefaultPollInterval       = 2 * time.Second
	DefaultMaxGateRetries     = 2
	DefaultMaxIterations      = 100
	DefaultMaxRuntime         = 4 * time.Hour
	DefaultAbandonAfterBlocks = 10
)

// GateRetries returns the configured retry bound.
func (l LoopConfig) GateRetries() int {
	if l.MaxGateRetries == nil {
		return DefaultMaxGateRetries
	}
	return *l.MaxGateRetries
}

// Load reads configuration for workspace. The workspace captain.yaml wins over
// ~/.captain/config.yaml; environment variables (and a workspace .env file)
// take precedence over both.
func Load(workspace string) (*Config, error) {
	if workspace == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve workspace: %w", err)
		}
		workspace = wd
	}
	abs, err := filepath.Abs(workspace)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace: %w", err)
	}

	// Missing .env is fine.
	_ = godotenv.Load(filepath.Join(abs, ".env"))

	configDir, err := getConfigDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get config directory: %w", err)
	}

	path := filepath.Join(abs, FileName)
	if _, err := os.Stat(path); err != nil {
		path = filepath.Join(configDir, "config.yaml")
	}

	cfg := &Config{}
	if _, err := os.Stat(path); err == nil {
		cfg, err = LoadFile(path)
		if err != nil {
			return nil, err
		}
	} else {
		path = ""
	}
	cfg.Path = path
	cfg.ConfigDir = configDir
	if cfg.Workspace == "" {
		cfg.Workspace = abs
	}
	applyEnv(cfg)
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile parses one YAML file without consulting the environment.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	cfg.Path = path
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", path, err)
	}
	return &cfg, nil
}

// Validate checks value ranges that defaults cannot repair.
func (c *Config) Validate() error {
	return c.Triage.Validate()
}

// Default returns a configuration rooted at workspace with every default set.
func Default(workspace string) *Config {
	cfg := &Config{Workspace: workspace}
	applyDefaults(cfg)
	return cfg
}

// StatePath joins name onto the state directory.
func (c *Config) StatePath(name string) string {
	return filepath.Join(c.StateDir, name)
}

// WorkspacePath joins name onto the workspace.
func (c *Config) WorkspacePath(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(c.Workspace, name)
}

func applyDefaults(cfg *Config) {
	if cfg.Workspace == "" {
		cfg.Workspace = "."
	}
	if cfg.StateDir == "" {
		cfg.StateDir = filepath.Join(cfg.Workspace, ".captain")
	} else if !filepath.IsAbs(cfg.StateDir) {
		cfg.StateDir = filepath.Join(cfg.Workspace, cfg.StateDir)
	}
	if cfg.Loop.RecoveryPollInterval <= 0 {
		cfg.Loop.RecoveryPollInterval = DefaultPollInterval
	}
	if cfg.Loop.MaxGateRetries != nil && *cfg.Loop.MaxGateRetries < 0 {
		zero := 0
		cfg.Loop.MaxGateRetries = &zero
	}
	if cfg.Loop.MaxIterations == 0 {
		cfg.Loop.MaxIterations = DefaultMaxIterations
	}
	if cfg.Loop.MaxRuntime == 0 {
		cfg.Loop.MaxRuntime = DefaultMaxRuntime
	}
	if cfg.Loop.AbandonAfterBlocks == 0 {
		cfg.Loop.AbandonAfterBlocks = DefaultAbandonAfterBlocks
	}
	if cfg.Snapshot == "" {
		cfg.Snapshot = "git"
	}
	if cfg.Audit.LogPath == "" {
		cfg.Audit.LogPath = "RequestLog.md"
	}
	if cfg.NATS.URL != "" && cfg.NATS.Prefix == "" {
		cfg.NATS.Prefix = "captain"
	}
	if cfg.Retry == (adapter.RetryPolicy{}) {
		cfg.Retry = adapter.DefaultRetryPolicy()
	}
	if cfg.Retry.MaxBackoffMs < cfg.Retry.BaseBackoffMs {
		cfg.Retry.MaxBackoffMs = cfg.Retry.BaseBackoffMs
	}
	applyTriageDefaults(&cfg.Triage)
}

func applyEnv(cfg *Config) {
	cfg.APIKeys = adapter.Keys{
		Anthropic: os.Getenv("ANTHROPIC_API_KEY"),
		OpenAI:    os.Getenv("OPENAI_API_KEY"),
		Google:    os.Getenv("GOOGLE_API_KEY"),
		DeepSeek:  os.Getenv("DEEPSEEK_API_KEY"),
	}
	cfg.MatrixPath = getEnvOrDefault("CAPTAIN_MATRIX", cfg.MatrixPath)
	cfg.Snapshot = getEnvOrDefault("CAPTAIN_SNAPSHOT", cfg.Snapshot)
	cfg.NATS.URL = getEnvOrDefault("CAPTAIN_NATS_URL", cfg.NATS.URL)
	cfg.Audit.SQLitePath = getEnvOrDefault("CAPTAIN_AUDIT_DB", cfg.Audit.SQLitePath)
	if raw := os.Getenv("CAPTAIN_MAX_GATE_RETRIES"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			cfg.Loop.MaxGateRetries = &n
		}
	}
	if raw := os.Getenv("CAPTAIN_HUMAN_TIMEOUT"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil {
			cfg.Loop.HumanTimeout = d
		}
	}
}

// HasAdapter returns true if the API key for the given adapter is configured.
func (c *Config) HasAdapter(name string) bool {
	switch name {
	case "anthropic":
		return c.APIKeys.Anthropic != ""
	case "openai":
		return c.APIKeys.OpenAI != ""
	case "google":
		return c.APIKeys.Google != ""
	case "deepseek":
		return c.APIKeys.DeepSeek != ""
	case "mock":
		return true
	default:
		return false
	}
}

// getEnvOrDefault returns the environment variable value if set,
// otherwise returns the default value.
func getEnvOrDefault(envVar, defaultValue string) string {
	if val := os.Getenv(envVar); val != "" {
		return val
	}
	return defaultValue
}

func getConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".captain"), nil
}
