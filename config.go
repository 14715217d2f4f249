// Package awc wires the autonomous work core: the heartbeat drivers, the
// agent orchestrator and the synthesizer, on top of the kanban store, the
// gate pipeline and the event bus.
package awc

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/arctek/awc/gate"
)

// DefaultsFile is the checked-in middle tier of configuration, resolved
// relative to the working directory.
const DefaultsFile = "awc.defaults.yaml"

// Config is the resolved process configuration. Resolution order is
// environment > defaults file > built-ins; secrets only ever come from the
// environment.
type Config struct {
	DataDir     string `yaml:"dataDir"`
	Port        int    `yaml:"port"`
	BearerToken string `yaml:"-"`

	TickInterval time.Duration `yaml:"tickInterval"`
	DailyHour    int           `yaml:"dailyHour"`

	MaxConcurrentAgents int           `yaml:"maxConcurrentAgents"`
	BlockedRetryMinutes int           `yaml:"blockedRetryMinutes"`
	AgentVariant        string        `yaml:"agentVariant"`
	AgentTimeout        time.Duration `yaml:"agentTimeout"`
	MaxMergeAttempts    int           `yaml:"maxMergeAttempts"`

	WorktreeDir       string `yaml:"worktreeDir"`
	IntegrationBranch string `yaml:"integrationBranch"`

	Gate GateConfig `yaml:"gate"`
}

// GateConfig holds the per-project check commands. Command lists live in
// the defaults file; they have no environment override.
type GateConfig struct {
	TypeCheck []string `yaml:"typeCheck"`
	Lint      []string `yaml:"lint"`
	Test      []string `yaml:"test"`
	Build     []string `yaml:"build"`
	Serve     []string `yaml:"serve"`
}

// Commands converts the static trio into the gate runner's shape.
func (g GateConfig) Commands() gate.Commands {
	return gate.Commands{TypeCheck: g.TypeCheck, Lint: g.Lint, Test: g.Test}
}

// DefaultConfig returns the built-in bottom tier.
func DefaultConfig() Config {
	return Config{
		DataDir:             "data",
		Port:                8321,
		TickInterval:        60 * time.Second,
		DailyHour:           7,
		MaxConcurrentAgents: 3,
		BlockedRetryMinutes: 30,
		AgentVariant:        "claude",
		AgentTimeout:        30 * time.Minute,
		MaxMergeAttempts:    3,
		WorktreeDir:         ".worktrees",
		IntegrationBranch:   "main",
	}
}

// LoadConfig resolves the three configuration tiers.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()

	if data, err := os.ReadFile(DefaultsFile); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", DefaultsFile, err)
		}
	} else if !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read %s: %w", DefaultsFile, err)
	}

	applyEnv(&cfg)

	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 60 * time.Second
	}
	if cfg.MaxConcurrentAgents <= 0 {
		cfg.MaxConcurrentAgents = 1
	}
	if cfg.DailyHour < 0 || cfg.DailyHour > 23 {
		return cfg, fmt.Errorf("dailyHour %d out of range", cfg.DailyHour)
	}
	return cfg, nil
}

// applyEnv overlays the environment tier. PORT is honoured as a fallback
// for AWC_PORT so smoke-gated child instances pick up their assigned port.
func applyEnv(cfg *Config) {
	envStr(&cfg.DataDir, "AWC_DATA_DIR")
	envStr(&cfg.BearerToken, "AWC_BEARER_TOKEN")
	envStr(&cfg.AgentVariant, "AWC_AGENT_VARIANT")
	envStr(&cfg.WorktreeDir, "AWC_WORKTREE_DIR")
	envStr(&cfg.IntegrationBranch, "AWC_INTEGRATION_BRANCH")

	envInt(&cfg.Port, "AWC_PORT")
	if v, ok := os.LookupEnv("PORT"); ok && os.Getenv("AWC_PORT") == "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Port = n
		}
	}
	envInt(&cfg.DailyHour, "AWC_DAILY_HOUR")
	envInt(&cfg.MaxConcurrentAgents, "AWC_MAX_AGENTS")
	envInt(&cfg.BlockedRetryMinutes, "AWC_BLOCKED_RETRY_MINUTES")
	envInt(&cfg.MaxMergeAttempts, "AWC_MAX_MERGE_ATTEMPTS")

	envDuration(&cfg.TickInterval, "AWC_TICK_INTERVAL")
	envDuration(&cfg.AgentTimeout, "AWC_AGENT_TIMEOUT")
}

func envStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			*dst = d
		}
	}
}

// DatabasePath is the primary store location under the data directory.
func (c Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "app.db")
}

// MemoryDir holds the append-only daily audit mirrors.
func (c Config) MemoryDir() string {
	return filepath.Join(c.DataDir, "memory")
}

// SkillsDir holds the human-authored skill documents Gate 0 matches against.
func (c Config) SkillsDir() string {
	return filepath.Join(c.DataDir, "skills")
}

// SmokeDataDir is the root for per-smoke-run temp stores.
func (c Config) SmokeDataDir() string {
	return filepath.Join(c.DataDir, ".smoke-data")
}

// ChecklistPath is the human-editable heartbeat checklist.
func (c Config) ChecklistPath() string {
	return filepath.Join(c.DataDir, "HEARTBEAT.md")
}
