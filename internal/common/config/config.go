// Package config provides configuration management for Collabot.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Collabot.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	ToolServer   ToolServerConfig   `mapstructure:"toolServer"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Agent        AgentConfig        `mapstructure:"agent"`
	Analysis     AnalysisConfig     `mapstructure:"analysis"`
	Pool         PoolConfig         `mapstructure:"pool"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Bus          BusConfig          `mapstructure:"bus"`
	Archive      ArchiveConfig      `mapstructure:"archive"`
	Providers    ProvidersConfig    `mapstructure:"providers"`
}

// ServerConfig holds gateway HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// ToolServerConfig holds the agent-facing tool server configuration.
type ToolServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// AgentConfig holds agent subprocess configuration.
type AgentConfig struct {
	// Command is the agent CLI executable. Arguments for the stream-json
	// protocol are appended by the launcher.
	Command string `mapstructure:"command"`

	// ExtraArgs are appended verbatim to every agent invocation.
	ExtraArgs []string `mapstructure:"extraArgs"`

	// DefaultModel is used when neither the dispatch nor the role names one.
	DefaultModel string `mapstructure:"defaultModel"`

	// Models maps role model-hint aliases to concrete model identifiers.
	Models map[string]string `mapstructure:"models"`

	// MaxTurns caps agent turns per non-conversational dispatch. 0 = no cap.
	MaxTurns int `mapstructure:"maxTurns"`

	// MaxBudgetUsd caps spend per non-conversational dispatch. 0 = no cap.
	MaxBudgetUsd float64 `mapstructure:"maxBudgetUsd"`

	// SkipPermissions passes the agent's permission-bypass flag. Collabot
	// runs agents headless, so interactive prompts would stall the stream.
	SkipPermissions bool `mapstructure:"skipPermissions"`
}

// AnalysisConfig holds stall-timer durations per role category.
type AnalysisConfig struct {
	StallCodingSeconds         int `mapstructure:"stallCodingSeconds"`
	StallConversationalSeconds int `mapstructure:"stallConversationalSeconds"`
	StallResearchSeconds       int `mapstructure:"stallResearchSeconds"`
}

// PoolConfig holds agent pool limits.
type PoolConfig struct {
	// MaxConcurrent bounds in-flight dispatches. 0 = unbounded.
	MaxConcurrent int `mapstructure:"maxConcurrent"`
}

// OrchestratorConfig holds core orchestration paths and defaults.
type OrchestratorConfig struct {
	ProjectsDir    string `mapstructure:"projectsDir"`
	RolesDir       string `mapstructure:"rolesDir"`
	DefaultProject string `mapstructure:"defaultProject"`
	DefaultRole    string `mapstructure:"defaultRole"`
}

// BusConfig holds event bus configuration. An empty URL selects the
// in-memory bus.
type BusConfig struct {
	NatsURL       string `mapstructure:"natsUrl"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// ArchiveConfig holds the optional dispatch archive database configuration.
type ArchiveConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Driver  string `mapstructure:"driver"` // sqlite, postgres
	Path    string `mapstructure:"path"`   // sqlite file path
	DSN     string `mapstructure:"dsn"`    // postgres connection string
}

// ProvidersConfig holds per-provider transport configuration.
type ProvidersConfig struct {
	Terminal TerminalProviderConfig `mapstructure:"terminal"`
	Telegram TelegramProviderConfig `mapstructure:"telegram"`
}

// TerminalProviderConfig configures the stdout provider.
type TerminalProviderConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// TelegramProviderConfig configures the Telegram chat bridge.
type TelegramProviderConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Token       string `mapstructure:"token"`
	ChatID      int64  `mapstructure:"chatId"`
	PollTimeout int    `mapstructure:"pollTimeout"` // in seconds
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// BaseURL returns the tool server base URL agents connect back to.
func (t *ToolServerConfig) BaseURL() string {
	host := t.Host
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s:%d", host, t.Port)
}

// StallTimeout returns the stall duration for a role category. Unknown
// categories fall back to the coding timeout.
func (a *AnalysisConfig) StallTimeout(category string) time.Duration {
	switch category {
	case "conversational":
		return time.Duration(a.StallConversationalSeconds) * time.Second
	case "research":
		return time.Duration(a.StallResearchSeconds) * time.Second
	default:
		return time.Duration(a.StallCodingSeconds) * time.Second
	}
}

// detectDefaultLogFormat returns "json" in production-like environments and
// "text" for terminal/development use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("COLLABOT_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Gateway defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 7700)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Tool server defaults
	v.SetDefault("toolServer.host", "127.0.0.1")
	v.SetDefault("toolServer.port", 7701)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Agent defaults
	v.SetDefault("agent.command", "claude")
	v.SetDefault("agent.extraArgs", []string{})
	v.SetDefault("agent.defaultModel", "claude-sonnet-4-5")
	v.SetDefault("agent.models", map[string]string{
		"fast":     "claude-haiku-4-5",
		"balanced": "claude-sonnet-4-5",
		"smart":    "claude-opus-4-5",
	})
	v.SetDefault("agent.maxTurns", 40)
	v.SetDefault("agent.maxBudgetUsd", 5.0)
	v.SetDefault("agent.skipPermissions", true)

	// Analysis defaults
	v.SetDefault("analysis.stallCodingSeconds", 300)
	v.SetDefault("analysis.stallConversationalSeconds", 180)
	v.SetDefault("analysis.stallResearchSeconds", 420)

	// Pool defaults
	v.SetDefault("pool.maxConcurrent", 8)

	// Orchestrator defaults
	v.SetDefault("orchestrator.projectsDir", "~/.collabot/projects")
	v.SetDefault("orchestrator.rolesDir", "~/.collabot/roles")
	v.SetDefault("orchestrator.defaultProject", "scratch")
	v.SetDefault("orchestrator.defaultRole", "worker")

	// Bus defaults - empty URL means use in-memory event bus
	v.SetDefault("bus.natsUrl", "")
	v.SetDefault("bus.maxReconnects", 10)

	// Archive defaults
	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.driver", "sqlite")
	v.SetDefault("archive.path", "~/.collabot/archive.db")
	v.SetDefault("archive.dsn", "")

	// Provider defaults
	v.SetDefault("providers.terminal.enabled", true)
	v.SetDefault("providers.telegram.enabled", false)
	v.SetDefault("providers.telegram.token", "")
	v.SetDefault("providers.telegram.chatId", 0)
	v.SetDefault("providers.telegram.pollTimeout", 30)
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix COLLABOT_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory,
// ~/.collabot/, or /etc/collabot/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("COLLABOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("agent.defaultModel", "COLLABOT_AGENT_DEFAULT_MODEL")
	_ = v.BindEnv("agent.maxTurns", "COLLABOT_AGENT_MAX_TURNS")
	_ = v.BindEnv("agent.maxBudgetUsd", "COLLABOT_AGENT_MAX_BUDGET_USD")
	_ = v.BindEnv("orchestrator.projectsDir", "COLLABOT_PROJECTS_DIR")
	_ = v.BindEnv("orchestrator.rolesDir", "COLLABOT_ROLES_DIR")
	_ = v.BindEnv("bus.natsUrl", "COLLABOT_NATS_URL")
	_ = v.BindEnv("providers.telegram.token", "COLLABOT_TELEGRAM_TOKEN", "TELEGRAM_BOT_TOKEN")
	_ = v.BindEnv("providers.telegram.chatId", "COLLABOT_TELEGRAM_CHAT_ID")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.collabot/")
	v.AddConfigPath("/etc/collabot/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	expandPaths(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// expandPaths resolves "~" prefixes in filesystem paths.
func expandPaths(cfg *Config) {
	cfg.Orchestrator.ProjectsDir = expandHome(cfg.Orchestrator.ProjectsDir)
	cfg.Orchestrator.RolesDir = expandHome(cfg.Orchestrator.RolesDir)
	cfg.Archive.Path = expandHome(cfg.Archive.Path)
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path[1:], "/"))
	}
	return path
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if cfg.ToolServer.Port <= 0 || cfg.ToolServer.Port > 65535 {
		errs = append(errs, "toolServer.port must be between 1 and 65535")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text, console")
	}

	if cfg.Agent.Command == "" {
		errs = append(errs, "agent.command is required")
	}
	if cfg.Agent.DefaultModel == "" {
		errs = append(errs, "agent.defaultModel is required")
	}
	if cfg.Agent.MaxTurns < 0 {
		errs = append(errs, "agent.maxTurns must not be negative")
	}
	if cfg.Agent.MaxBudgetUsd < 0 {
		errs = append(errs, "agent.maxBudgetUsd must not be negative")
	}

	if cfg.Analysis.StallCodingSeconds <= 0 ||
		cfg.Analysis.StallConversationalSeconds <= 0 ||
		cfg.Analysis.StallResearchSeconds <= 0 {
		errs = append(errs, "analysis stall timeouts must be positive")
	}

	if cfg.Pool.MaxConcurrent < 0 {
		errs = append(errs, "pool.maxConcurrent must not be negative")
	}

	if cfg.Orchestrator.ProjectsDir == "" {
		errs = append(errs, "orchestrator.projectsDir is required")
	}
	if cfg.Orchestrator.DefaultRole == "" {
		errs = append(errs, "orchestrator.defaultRole is required")
	}

	if cfg.Archive.Enabled {
		switch cfg.Archive.Driver {
		case "sqlite":
			if cfg.Archive.Path == "" {
				errs = append(errs, "archive.path is required for the sqlite driver")
			}
		case "postgres":
			if cfg.Archive.DSN == "" {
				errs = append(errs, "archive.dsn is required for the postgres driver")
			}
		default:
			errs = append(errs, "archive.driver must be one of: sqlite, postgres")
		}
	}

	if cfg.Providers.Telegram.Enabled {
		if cfg.Providers.Telegram.Token == "" {
			errs = append(errs, "providers.telegram.token is required when telegram is enabled")
		}
		if cfg.Providers.Telegram.ChatID == 0 {
			errs = append(errs, "providers.telegram.chatId is required when telegram is enabled")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
