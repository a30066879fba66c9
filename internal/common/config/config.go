// Package config provides configuration management for agentfleet.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for agentfleet.
type Config struct {
	Agent         AgentConfig         `mapstructure:"agent"`
	Bus           BusConfig           `mapstructure:"bus"`
	Heartbeat     HeartbeatConfig     `mapstructure:"heartbeat"`
	Ownership     OwnershipConfig     `mapstructure:"ownership"`
	Summarization SummarizationConfig `mapstructure:"summarization"`
	Memory        MemoryConfig        `mapstructure:"memory"`
	Logging       LoggingConfig       `mapstructure:"logging"`
	Orchestrator  OrchestratorConfig  `mapstructure:"orchestrator"`
	Docker        DockerConfig        `mapstructure:"docker"`
	KB            KBConfig            `mapstructure:"kb"`
}

// AgentConfig holds per-agent identity, model, and state directory
// configuration.
type AgentConfig struct {
	// Project names the project this agent belongs to; together with Name
	// it forms the agent's identity (project, name). CLI overrides take
	// precedence over these at bootstrap (see identity.DeriveID).
	Project string `mapstructure:"project"`
	Name    string `mapstructure:"name"`

	// StateDir is the root under which each agent keeps its queue,
	// history, summaries, and prompt files, in a <project>/<name>
	// subdirectory. Defaults to ~/.agentfleet/state.
	StateDir string `mapstructure:"stateDir"`

	// ModelID names the concrete model the anthropic provider targets.
	ModelID   string `mapstructure:"modelId"`
	MaxTokens int    `mapstructure:"maxTokens"`

	// Standalone skips every bus-touching bootstrap step (identity lock,
	// registry, heartbeat, ownership enforcement).
	Standalone bool `mapstructure:"standalone"`

	// ToolsAllowlist restricts the task runner's builtin tool table; nil
	// permits every registered tool.
	ToolsAllowlist []string      `mapstructure:"toolsAllowlist"`
	CommandTimeout time.Duration `mapstructure:"commandTimeout"`

	TailRingSize int `mapstructure:"tailRingSize"`
}

// KBConfig selects and configures the knowledge-base adapter.
type KBConfig struct {
	// Driver is "memory" or "sqlite".
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
}

// BusConfig configures the transport the agent and consoles share.
type BusConfig struct {
	// RedisURL selects the networked Redis-backed bus. Empty means run a
	// standalone in-memory bus instead (single process, tests, demos).
	RedisURL string `mapstructure:"redisUrl"`

	// Namespace prefixes every subject and key so multiple fleets can
	// share one Redis instance without collision.
	Namespace string `mapstructure:"namespace"`

	RequestTimeout time.Duration `mapstructure:"requestTimeout"`
}

// HeartbeatConfig configures the agent-side heartbeat publisher and the
// console-side liveness monitor.
type HeartbeatConfig struct {
	Period time.Duration `mapstructure:"period"`
	// StaleAfter is how long since the last heartbeat a monitor waits
	// before considering an agent's presence record stale.
	StaleAfter time.Duration `mapstructure:"staleAfter"`
}

// OwnershipConfig configures the exclusive-writer lock.
type OwnershipConfig struct {
	TTL          time.Duration `mapstructure:"ttl"`
	GraceTimeout time.Duration `mapstructure:"graceTimeout"`
	PollInterval time.Duration `mapstructure:"pollInterval"`
}

// SummarizationConfig configures the history compaction engine.
type SummarizationConfig struct {
	// Strategy is one of "token_based", "time_based", "importance_based", "hybrid".
	Strategy string `mapstructure:"strategy"`

	TokenThreshold  int           `mapstructure:"tokenThreshold"`
	TimeThreshold   time.Duration `mapstructure:"timeThreshold"`
	PreserveRecent  int           `mapstructure:"preserveRecent"`
	CompactionTick  time.Duration `mapstructure:"compactionTick"`
}

// MemoryConfig configures the token-budget accountant.
type MemoryConfig struct {
	TokenLimit     int     `mapstructure:"tokenLimit"`
	WarnThreshold  float64 `mapstructure:"warnThreshold"` // fraction of TokenLimit, e.g. 0.8
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// OrchestratorConfig configures the fleet-wide agent registry/spawn service.
type OrchestratorConfig struct {
	StorePath      string        `mapstructure:"storePath"`
	SpawnTimeout   time.Duration `mapstructure:"spawnTimeout"`
	SweepInterval  time.Duration `mapstructure:"sweepInterval"`
}

// DockerConfig holds Docker client configuration for docker-mode agent spawn.
type DockerConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Host           string `mapstructure:"host"`
	APIVersion     string `mapstructure:"apiVersion"`
	DefaultNetwork string `mapstructure:"defaultNetwork"`
	Image          string `mapstructure:"image"`
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("AGENTFLEET_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("agent.project", "")
	v.SetDefault("agent.name", "")
	v.SetDefault("agent.stateDir", defaultStateDir())
	v.SetDefault("agent.modelId", "claude-sonnet-4-5")
	v.SetDefault("agent.maxTokens", 4096)
	v.SetDefault("agent.standalone", false)
	v.SetDefault("agent.commandTimeout", 30*time.Second)
	v.SetDefault("agent.tailRingSize", 2048)

	v.SetDefault("kb.driver", "memory")
	v.SetDefault("kb.path", "")

	v.SetDefault("bus.redisUrl", "")
	v.SetDefault("bus.namespace", "agentfleet")
	v.SetDefault("bus.requestTimeout", 15*time.Second)

	v.SetDefault("heartbeat.period", 3*time.Second)
	v.SetDefault("heartbeat.staleAfter", 9*time.Second)

	v.SetDefault("ownership.ttl", 5*time.Minute)
	v.SetDefault("ownership.graceTimeout", 10*time.Second)
	v.SetDefault("ownership.pollInterval", time.Second)

	v.SetDefault("summarization.strategy", "hybrid")
	v.SetDefault("summarization.tokenThreshold", 8000)
	v.SetDefault("summarization.timeThreshold", 30*time.Minute)
	v.SetDefault("summarization.preserveRecent", 10)
	v.SetDefault("summarization.compactionTick", time.Minute)

	v.SetDefault("memory.tokenLimit", 128000)
	v.SetDefault("memory.warnThreshold", 0.8)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("orchestrator.storePath", defaultOrchestratorStorePath())
	v.SetDefault("orchestrator.spawnTimeout", 30*time.Second)
	v.SetDefault("orchestrator.sweepInterval", 30*time.Second)

	v.SetDefault("docker.enabled", false)
	v.SetDefault("docker.host", defaultDockerHost())
	v.SetDefault("docker.apiVersion", "1.41")
	v.SetDefault("docker.defaultNetwork", "agentfleet-network")
	v.SetDefault("docker.image", "agentfleet/agent:latest")
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".agentfleet", "state")
}

func defaultOrchestratorStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".agentfleet", "orchestrator.db")
}

// defaultDockerHost returns the platform-appropriate Docker socket path,
// respecting DOCKER_HOST as an override.
func defaultDockerHost() string {
	if host := os.Getenv("DOCKER_HOST"); host != "" {
		return host
	}
	if runtime.GOOS == "windows" {
		return "npipe:////./pipe/docker_engine"
	}
	return "unix:///var/run/docker.sock"
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AGENTFLEET_.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("AGENTFLEET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agentfleet/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that configuration fields have legal values.
func validate(cfg *Config) error {
	var errs []string

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text, console")
	}

	validStrategies := map[string]bool{"token_based": true, "time_based": true, "importance_based": true, "hybrid": true}
	if !validStrategies[cfg.Summarization.Strategy] {
		errs = append(errs, "summarization.strategy must be one of: token_based, time_based, importance_based, hybrid")
	}
	if cfg.Summarization.TokenThreshold <= 0 {
		errs = append(errs, "summarization.tokenThreshold must be positive")
	}
	if cfg.Summarization.PreserveRecent < 0 {
		errs = append(errs, "summarization.preserveRecent must not be negative")
	}

	if cfg.Memory.TokenLimit <= 0 {
		errs = append(errs, "memory.tokenLimit must be positive")
	}
	if cfg.Memory.WarnThreshold <= 0 || cfg.Memory.WarnThreshold > 1 {
		errs = append(errs, "memory.warnThreshold must be in (0, 1]")
	}

	if cfg.Ownership.TTL <= 0 {
		errs = append(errs, "ownership.ttl must be positive")
	}
	if cfg.Ownership.GraceTimeout < 0 {
		errs = append(errs, "ownership.graceTimeout must not be negative")
	}

	validKBDrivers := map[string]bool{"memory": true, "sqlite": true}
	if !validKBDrivers[cfg.KB.Driver] {
		errs = append(errs, "kb.driver must be one of: memory, sqlite")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
