package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DefaultAgentID is the CodeGPT agent the bundled crawler talks to.
const DefaultAgentID = "403d73ce-4400-4020-8164-d2bbef542186"

// Config stores all configuration for the application.
type Config struct {
	ServerPort string `mapstructure:"SERVER_PORT"`
	LogLevel   string `mapstructure:"LOG_LEVEL"`

	OutputRoot        string `mapstructure:"OUTPUT_ROOT"`
	WorkerCommand     string `mapstructure:"WORKER_COMMAND"`
	WorkerArgs        string `mapstructure:"WORKER_ARGS"`
	WorkerDir         string `mapstructure:"WORKER_DIR"`
	WatchExtension    string `mapstructure:"WATCH_EXTENSION"`
	PollIntervalMS    int    `mapstructure:"POLL_INTERVAL_MS"`
	RunTimeoutSeconds int    `mapstructure:"RUN_TIMEOUT_SECONDS"`
	LineBuffer        int    `mapstructure:"LINE_BUFFER"`

	PostgresURL    string `mapstructure:"POSTGRES_URL"`
	RedisAddr      string `mapstructure:"REDIS_ADDR"`
	RedisPassword  string `mapstructure:"REDIS_PASSWORD"`
	RedisDB        int    `mapstructure:"REDIS_DB"`
	BundleTTLHours int    `mapstructure:"BUNDLE_TTL_HOURS"`

	CodeGPTAPIKey string `mapstructure:"CODEGPT_API_KEY"`
	AgentID       string `mapstructure:"AGENT_ID"`
}

// Load reads configuration from file or environment variables.
func Load() (*Config, error) {
	return LoadWith(viper.New(), ".env")
}

// LoadWith reads configuration into the given viper instance. Callers that
// bind command line flags pass their own instance; envFile may be empty.
func LoadWith(v *viper.Viper, envFile string) (*Config, error) {
	if envFile != "" {
		v.SetConfigFile(envFile)
		v.SetConfigType("env")
	}
	v.AutomaticEnv()

	// Attempt to read the .env file, but don't fail if it's not present
	// This allows configuration purely through environment variables in production
	if envFile != "" {
		_ = v.ReadInConfig()
	}

	v.SetDefault("SERVER_PORT", "8080")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("OUTPUT_ROOT", "out")
	v.SetDefault("WORKER_COMMAND", "node")
	v.SetDefault("WORKER_ARGS", "crawler.mjs")
	v.SetDefault("WORKER_DIR", "")
	v.SetDefault("WATCH_EXTENSION", ".txt")
	v.SetDefault("POLL_INTERVAL_MS", 100)
	v.SetDefault("RUN_TIMEOUT_SECONDS", 0) // 0 = wait for the worker indefinitely
	v.SetDefault("LINE_BUFFER", 1024)
	v.SetDefault("POSTGRES_URL", "")
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("BUNDLE_TTL_HOURS", 48)
	v.SetDefault("CODEGPT_API_KEY", "")
	v.SetDefault("AGENT_ID", DefaultAgentID)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if cfg.WatchExtension != "" && !strings.HasPrefix(cfg.WatchExtension, ".") {
		cfg.WatchExtension = "." + cfg.WatchExtension
	}
	return &cfg, nil
}

// WorkerArgList splits WORKER_ARGS on whitespace. The target URL is appended
// after these when the worker is launched.
func (c *Config) WorkerArgList() []string {
	return strings.Fields(c.WorkerArgs)
}

// WorkerEnv returns the variables handed to the worker on top of the
// inherited environment. Empty values are left out.
func (c *Config) WorkerEnv() map[string]string {
	env := make(map[string]string)
	if c.CodeGPTAPIKey != "" {
		env["CODEGPT_API_KEY"] = c.CodeGPTAPIKey
	}
	if c.AgentID != "" {
		env["AGENT_ID"] = c.AgentID
	}
	return env
}

func (c *Config) PollInterval() time.Duration {
	if c.PollIntervalMS <= 0 {
		return 100 * time.Millisecond
	}
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// RunTimeout is zero when runs are unbounded.
func (c *Config) RunTimeout() time.Duration {
	if c.RunTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(c.RunTimeoutSeconds) * time.Second
}

func (c *Config) BundleTTL() time.Duration {
	return time.Duration(c.BundleTTLHours) * time.Hour
}
