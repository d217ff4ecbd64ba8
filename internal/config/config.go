// Package config loads server configuration from the environment, an optional
// steward.yaml in the data directory, and an optional .env file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds every runtime setting of the coordination server.
type Config struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	HealthPort int    `mapstructure:"health_port"`

	DataDir string `mapstructure:"data_dir"`
	DBPath  string `mapstructure:"db_path"`

	AuthToken string `mapstructure:"auth_token"`

	LogLevel string `mapstructure:"log_level"`
	LogFile  string `mapstructure:"log_file"`

	// TestCommand overrides test-command discovery for the reality checker.
	TestCommand string `mapstructure:"test_command"`

	// ToolTimeout bounds a single tool dispatch wall clock.
	ToolTimeout time.Duration `mapstructure:"tool_timeout"`

	// ShutdownGrace bounds the in-flight drain during shutdown.
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`

	// TraceStdout enables the stdout span exporter for tool dispatch tracing.
	TraceStdout bool `mapstructure:"trace_stdout"`
}

const (
	defaultPort          = 8400
	defaultShutdownGrace = 10 * time.Second
	defaultToolTimeout   = 30 * time.Second
)

// Load reads configuration. Precedence: environment > steward.yaml > defaults.
func Load() (*Config, error) {
	// Best effort; a missing .env is the normal case.
	_ = godotenv.Load()

	v := viper.New()
	v.SetDefault("host", "127.0.0.1")
	v.SetDefault("port", defaultPort)
	v.SetDefault("health_port", 0)
	v.SetDefault("data_dir", defaultDataDir())
	v.SetDefault("db_path", "")
	v.SetDefault("auth_token", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_file", "")
	v.SetDefault("test_command", "")
	v.SetDefault("tool_timeout", defaultToolTimeout)
	v.SetDefault("shutdown_grace", defaultShutdownGrace)
	v.SetDefault("trace_stdout", false)

	bindEnvAliases(v)

	dataDir := v.GetString("data_dir")
	v.SetConfigName("steward")
	v.SetConfigType("yaml")
	v.AddConfigPath(dataDir)
	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, fmt.Errorf("read steward.yaml: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyDerived(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// bindEnvAliases maps the documented environment variables onto viper keys.
func bindEnvAliases(v *viper.Viper) {
	aliases := map[string][]string{
		"host":           {"MAIN_HOST"},
		"port":           {"MAIN_PORT"},
		"health_port":    {"HEALTH_PORT"},
		"data_dir":       {"DATA_DIR"},
		"db_path":        {"DB_PATH"},
		"auth_token":     {"AUTH_TOKEN"},
		"log_level":      {"LOG_LEVEL"},
		"log_file":       {"LOG_FILE"},
		"test_command":   {"TEST_COMMAND"},
		"tool_timeout":   {"TOOL_TIMEOUT"},
		"shutdown_grace": {"SHUTDOWN_GRACE"},
		"trace_stdout":   {"TRACE_STDOUT"},
	}
	for key, envs := range aliases {
		args := append([]string{key}, envs...)
		_ = v.BindEnv(args...)
	}
}

func applyDerived(cfg *Config) {
	if cfg.HealthPort == 0 {
		cfg.HealthPort = cfg.Port + 1
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "steward.db")
	}
	if cfg.LogFile == "" {
		cfg.LogFile = filepath.Join(cfg.DataDir, "steward.log")
	}
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = defaultToolTimeout
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = defaultShutdownGrace
	}
}

// Validate checks ports and ensures the data directory is usable.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid MAIN_PORT: %d", c.Port)
	}
	if c.HealthPort < 1 || c.HealthPort > 65535 {
		return fmt.Errorf("invalid HEALTH_PORT: %d", c.HealthPort)
	}
	if c.HealthPort == c.Port {
		return fmt.Errorf("HEALTH_PORT must differ from MAIN_PORT (%d)", c.Port)
	}
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("DATA_DIR must not be empty")
	}
	if err := os.MkdirAll(c.DataDir, 0o755); err != nil {
		return fmt.Errorf("create DATA_DIR %s: %w", c.DataDir, err)
	}
	return nil
}

// BusAddr returns the listen address for the realtime bus.
func (c *Config) BusAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// HealthAddr returns the listen address for the health endpoint.
func (c *Config) HealthAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.HealthPort)
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".steward"
	}
	return filepath.Join(home, ".steward")
}
