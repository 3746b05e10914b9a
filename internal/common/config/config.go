// Package config provides configuration management for amiga.
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

// Config holds all configuration sections for amiga.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Store     StoreConfig     `mapstructure:"store"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Workspace WorkspaceConfig `mapstructure:"workspace"`
	Pool      PoolConfig      `mapstructure:"pool"`
	Runner    RunnerConfig    `mapstructure:"runner"`
	Session   SessionConfig   `mapstructure:"session"`
	Budget    BudgetConfig    `mapstructure:"budget"`
	Rate      RateConfig      `mapstructure:"rate"`
	SmallLM   SmallLMConfig   `mapstructure:"smallLm"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// StoreConfig holds durable storage configuration. DataDir is the root for
// everything the service persists: the SQLite database, sessions.json,
// cost.json, the per-session hook logs and the per-task agent logs.
type StoreConfig struct {
	DataDir string `mapstructure:"dataDir"`
	DBFile  string `mapstructure:"dbFile"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL means the in-memory event bus is used.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// WorkspaceConfig holds Git working-copy configuration.
type WorkspaceConfig struct {
	Root       string `mapstructure:"root"`       // base directory for per-task checkouts
	RepoPath   string `mapstructure:"repoPath"`   // canonical repository the agents work on
	BaseBranch string `mapstructure:"baseBranch"` // branch task branches fork from
}

// PoolConfig holds worker pool configuration.
type PoolConfig struct {
	Workers   int `mapstructure:"workers"`
	QueueSize int `mapstructure:"queueSize"` // 0 means unbounded
}

// RunnerConfig holds agent subprocess configuration. Model names the model
// the agent binary runs, used to price the tokens its hooks report.
type RunnerConfig struct {
	AgentBinary       string `mapstructure:"agentBinary"`
	Model             string `mapstructure:"model"`
	TimeoutSeconds    int    `mapstructure:"timeoutSeconds"`
	KillGraceSeconds  int    `mapstructure:"killGraceSeconds"`
	StallAfterSeconds int    `mapstructure:"stallAfterSeconds"`
	SweepSeconds      int    `mapstructure:"sweepSeconds"`
}

// SessionConfig holds chat history configuration.
type SessionConfig struct {
	HistoryLimit int `mapstructure:"historyLimit"`
}

// BudgetConfig holds cost accounting configuration. Zero limits disable the
// corresponding fence. TaskEstimateUSD is the spend pre-charged against the
// remaining budget when a background task is admitted.
type BudgetConfig struct {
	DailyLimitUSD   float64 `mapstructure:"dailyLimitUsd"`
	MonthlyLimitUSD float64 `mapstructure:"monthlyLimitUsd"`
	TaskEstimateUSD float64 `mapstructure:"taskEstimateUsd"`
	PricesPath      string  `mapstructure:"pricesPath"`
}

// RateConfig holds token-bucket rate limit configuration.
type RateConfig struct {
	UserPerMinute   int `mapstructure:"userPerMinute"`
	UserPerHour     int `mapstructure:"userPerHour"`
	GlobalPerSecond int `mapstructure:"globalPerSecond"`
}

// SmallLMConfig holds the classification/answer model configuration.
// The API key is read from the provider-specific environment variable.
type SmallLMConfig struct {
	Model     string `mapstructure:"model"`
	MaxTokens int    `mapstructure:"maxTokens"`
	APIKey    string `mapstructure:"apiKey"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// DBPath returns the absolute path of the SQLite database file.
func (s *StoreConfig) DBPath() string {
	if filepath.IsAbs(s.DBFile) {
		return s.DBFile
	}
	return filepath.Join(s.DataDir, s.DBFile)
}

// SessionsFile returns the path of the persisted session map.
func (s *StoreConfig) SessionsFile() string {
	return filepath.Join(s.DataDir, "sessions.json")
}

// CostFile returns the path of the persisted cost ledger.
func (s *StoreConfig) CostFile() string {
	return filepath.Join(s.DataDir, "cost.json")
}

// HookSessionsDir returns the root directory the hook scripts append to.
func (s *StoreConfig) HookSessionsDir() string {
	return filepath.Join(s.DataDir, "sessions")
}

// LogsDir returns the directory holding per-task agent logs.
func (s *StoreConfig) LogsDir() string {
	return filepath.Join(s.DataDir, "logs")
}

// Timeout returns the hard wall-clock cap as a time.Duration.
func (r *RunnerConfig) Timeout() time.Duration {
	return time.Duration(r.TimeoutSeconds) * time.Second
}

// KillGrace returns the SIGTERM-to-SIGKILL grace as a time.Duration.
func (r *RunnerConfig) KillGrace() time.Duration {
	return time.Duration(r.KillGraceSeconds) * time.Second
}

// StallAfter returns the tool-event liveness fence as a time.Duration.
func (r *RunnerConfig) StallAfter() time.Duration {
	return time.Duration(r.StallAfterSeconds) * time.Second
}

// SweepInterval returns the stall sweep cadence as a time.Duration.
func (r *RunnerConfig) SweepInterval() time.Duration {
	return time.Duration(r.SweepSeconds) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	// Check if running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	// Check for explicit production environment
	if env := os.Getenv("AMIGA_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Store defaults
	v.SetDefault("store.dataDir", "./data")
	v.SetDefault("store.dbFile", "amiga.db")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "amiga-client")
	v.SetDefault("nats.maxReconnects", 10)

	// Workspace defaults
	v.SetDefault("workspace.root", "/tmp/amiga")
	v.SetDefault("workspace.repoPath", "")
	v.SetDefault("workspace.baseBranch", "main")

	// Pool defaults
	v.SetDefault("pool.workers", 3)
	v.SetDefault("pool.queueSize", 0)

	// Runner defaults
	v.SetDefault("runner.agentBinary", "amiga-agent")
	v.SetDefault("runner.model", "claude-sonnet-4")
	v.SetDefault("runner.timeoutSeconds", 300)
	v.SetDefault("runner.killGraceSeconds", 5)
	v.SetDefault("runner.stallAfterSeconds", 120)
	v.SetDefault("runner.sweepSeconds", 30)

	// Session defaults
	v.SetDefault("session.historyLimit", 10)

	// Budget defaults - zero limits mean no fence
	v.SetDefault("budget.dailyLimitUsd", 0.0)
	v.SetDefault("budget.monthlyLimitUsd", 0.0)
	v.SetDefault("budget.taskEstimateUsd", 0.01)
	v.SetDefault("budget.pricesPath", "models.yaml")

	// Rate defaults
	v.SetDefault("rate.userPerMinute", 30)
	v.SetDefault("rate.userPerHour", 500)
	v.SetDefault("rate.globalPerSecond", 30)

	// Small-LM defaults
	v.SetDefault("smallLm.model", "claude-3-5-haiku-latest")
	v.SetDefault("smallLm.maxTokens", 1024)
	v.SetDefault("smallLm.apiKey", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AMIGA_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/amiga/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("AMIGA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for the short operational env vars. AutomaticEnv does
	// not handle camelCase to SNAKE_CASE conversion, and the deployment
	// environment sets these without the AMIGA_ prefix.
	_ = v.BindEnv("pool.workers", "WORKERS", "AMIGA_POOL_WORKERS")
	_ = v.BindEnv("runner.timeoutSeconds", "TASK_TIMEOUT_SECONDS", "AMIGA_RUNNER_TIMEOUT_SECONDS")
	_ = v.BindEnv("budget.dailyLimitUsd", "DAILY_COST_LIMIT_USD", "AMIGA_BUDGET_DAILY_LIMIT_USD")
	_ = v.BindEnv("budget.monthlyLimitUsd", "MONTHLY_COST_LIMIT_USD", "AMIGA_BUDGET_MONTHLY_LIMIT_USD")
	_ = v.BindEnv("session.historyLimit", "SESSION_HISTORY_LIMIT", "AMIGA_SESSION_HISTORY_LIMIT")
	_ = v.BindEnv("workspace.root", "WORKSPACE_ROOT", "AMIGA_WORKSPACE_ROOT")
	_ = v.BindEnv("workspace.repoPath", "WORKSPACE_REPO", "AMIGA_WORKSPACE_REPO_PATH")
	_ = v.BindEnv("logging.level", "LOG_LEVEL", "AMIGA_LOGGING_LEVEL")
	_ = v.BindEnv("smallLm.apiKey", "ANTHROPIC_API_KEY")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/amiga/")

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

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
// In development mode (default), most fields are optional.
func validate(cfg *Config) error {
	var errs []string

	// Server validation - always required
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Store.DataDir == "" {
		errs = append(errs, "store.dataDir is required")
	}
	if cfg.Store.DBFile == "" {
		errs = append(errs, "store.dbFile is required")
	}

	if cfg.Pool.Workers <= 0 {
		errs = append(errs, "pool.workers must be positive")
	}
	if cfg.Pool.QueueSize < 0 {
		errs = append(errs, "pool.queueSize must not be negative")
	}

	if cfg.Runner.TimeoutSeconds <= 0 {
		errs = append(errs, "runner.timeoutSeconds must be positive")
	}
	if cfg.Runner.KillGraceSeconds <= 0 {
		errs = append(errs, "runner.killGraceSeconds must be positive")
	}
	if cfg.Runner.StallAfterSeconds <= 0 {
		errs = append(errs, "runner.stallAfterSeconds must be positive")
	}
	if cfg.Runner.SweepSeconds <= 0 {
		errs = append(errs, "runner.sweepSeconds must be positive")
	}

	if cfg.Session.HistoryLimit <= 0 {
		errs = append(errs, "session.historyLimit must be positive")
	}

	if cfg.Budget.DailyLimitUSD < 0 || cfg.Budget.MonthlyLimitUSD < 0 {
		errs = append(errs, "budget limits must not be negative")
	}
	if cfg.Budget.TaskEstimateUSD < 0 {
		errs = append(errs, "budget.taskEstimateUsd must not be negative")
	}

	if cfg.Rate.UserPerMinute <= 0 || cfg.Rate.UserPerHour <= 0 || cfg.Rate.GlobalPerSecond <= 0 {
		errs = append(errs, "rate limits must be positive")
	}

	if cfg.Workspace.Root == "" {
		errs = append(errs, "workspace.root is required")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
