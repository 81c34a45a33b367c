// Package config provides configuration management for kernelhost.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for kernelhost.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Kernel   KernelConfig   `mapstructure:"kernel"`
	Shell    ShellConfig    `mapstructure:"shell"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Docker   DockerConfig   `mapstructure:"docker"`
	MCP      MCPConfig      `mapstructure:"mcp"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// KernelConfig holds interpreter kernel configuration.
type KernelConfig struct {
	// Launcher selects how kernel processes are started: "local" or "docker".
	Launcher string `mapstructure:"launcher"`

	// Runtime is the default runtime name from the runtime manifest (e.g. "python3").
	Runtime string `mapstructure:"runtime"`

	// RuntimesPath optionally overrides the embedded runtime manifest.
	RuntimesPath string `mapstructure:"runtimesPath"`

	// StartupTimeout bounds the spawn-to-ready handshake, in seconds.
	StartupTimeout int `mapstructure:"startupTimeout"`

	// ExecTimeout is the default execution timeout in seconds. 0 disables it.
	ExecTimeout int `mapstructure:"execTimeout"`

	// PingTimeout bounds the round-trip liveness probe, in seconds.
	PingTimeout int `mapstructure:"pingTimeout"`

	// InterruptGrace is how long to wait for an interrupted execution to
	// settle before declaring the kernel dead, in seconds.
	InterruptGrace int `mapstructure:"interruptGrace"`

	// MaxKernels caps concurrently live kernels. 0 means unlimited.
	MaxKernels int `mapstructure:"maxKernels"`

	// SkipAvailabilityCheck disables the interpreter availability precheck
	// performed at tool creation. Used by test harnesses.
	SkipAvailabilityCheck bool `mapstructure:"skipAvailabilityCheck"`
}

// ShellConfig holds the fallback shell executor and PTY session configuration.
type ShellConfig struct {
	Command        string `mapstructure:"command"`        // login shell for PTY sessions
	StopGrace      int    `mapstructure:"stopGrace"`      // SIGTERM to SIGKILL grace, in seconds
	ScrollbackSize int    `mapstructure:"scrollbackSize"` // PTY scrollback bytes
	Rows           int    `mapstructure:"rows"`
	Cols           int    `mapstructure:"cols"`
}

// DatabaseConfig holds database connection configuration.
// Driver "sqlite3" uses Path; driver "pgx" uses the host/user/name fields.
type DatabaseConfig struct {
	Driver       string `mapstructure:"driver"`
	Path         string `mapstructure:"path"`         // sqlite database file
	SettingsPath string `mapstructure:"settingsPath"` // sqlite settings file
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	DBName       string `mapstructure:"dbName"`
	SSLMode      string `mapstructure:"sslMode"`
	MaxConns     int    `mapstructure:"maxConns"`

	// HistoryRetentionDays is how long execution history rows are kept
	// before the background sweep deletes them. 0 disables pruning.
	HistoryRetentionDays int `mapstructure:"historyRetentionDays"`
}

// NATSConfig holds NATS messaging configuration.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// DockerConfig holds Docker launcher configuration.
type DockerConfig struct {
	Host       string `mapstructure:"host"`
	APIVersion string `mapstructure:"apiVersion"`

	// Image is the container image used for docker-launched kernels.
	Image string `mapstructure:"image"`

	// Network optionally attaches kernel containers to a network.
	Network string `mapstructure:"network"`
}

// MCPConfig holds the embedded MCP tool server configuration.
type MCPConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
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

// StartupTimeoutDuration returns the handshake timeout as a time.Duration.
func (k *KernelConfig) StartupTimeoutDuration() time.Duration {
	return time.Duration(k.StartupTimeout) * time.Second
}

// ExecTimeoutDuration returns the default execution timeout as a time.Duration.
func (k *KernelConfig) ExecTimeoutDuration() time.Duration {
	return time.Duration(k.ExecTimeout) * time.Second
}

// PingTimeoutDuration returns the liveness probe timeout as a time.Duration.
func (k *KernelConfig) PingTimeoutDuration() time.Duration {
	return time.Duration(k.PingTimeout) * time.Second
}

// InterruptGraceDuration returns the interrupt grace period as a time.Duration.
func (k *KernelConfig) InterruptGraceDuration() time.Duration {
	return time.Duration(k.InterruptGrace) * time.Second
}

// StopGraceDuration returns the shell stop grace period as a time.Duration.
func (s *ShellConfig) StopGraceDuration() time.Duration {
	return time.Duration(s.StopGrace) * time.Second
}

// HistoryRetentionDuration returns the history retention window as a time.Duration.
func (d *DatabaseConfig) HistoryRetentionDuration() time.Duration {
	return time.Duration(d.HistoryRetentionDays) * 24 * time.Hour
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
	if env := os.Getenv("KERNELHOST_ENV"); env == "production" || env == "prod" {
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

	// Kernel defaults
	v.SetDefault("kernel.launcher", "local")
	v.SetDefault("kernel.runtime", "python3")
	v.SetDefault("kernel.runtimesPath", "")
	v.SetDefault("kernel.startupTimeout", 30)
	v.SetDefault("kernel.execTimeout", 120)
	v.SetDefault("kernel.pingTimeout", 5)
	v.SetDefault("kernel.interruptGrace", 5)
	v.SetDefault("kernel.maxKernels", 0)
	v.SetDefault("kernel.skipAvailabilityCheck", false)

	// Shell defaults
	v.SetDefault("shell.command", "")
	v.SetDefault("shell.stopGrace", 2)
	v.SetDefault("shell.scrollbackSize", 262144)
	v.SetDefault("shell.rows", 40)
	v.SetDefault("shell.cols", 120)

	// Database defaults - sqlite file in the working directory
	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.path", "kernelhost.db")
	v.SetDefault("database.settingsPath", "kernelhost-settings.db")
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "kernelhost")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "kernelhost")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.historyRetentionDays", 30)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "kernelhost")
	v.SetDefault("nats.maxReconnects", 10)

	// Docker defaults
	v.SetDefault("docker.host", "unix:///var/run/docker.sock")
	v.SetDefault("docker.apiVersion", "1.41")
	v.SetDefault("docker.image", "python:3.12-slim")
	v.SetDefault("docker.network", "")

	// MCP defaults
	v.SetDefault("mcp.enabled", true)
	v.SetDefault("mcp.port", 9090)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix KERNELHOST_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/kernelhost/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("KERNELHOST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("kernel.skipAvailabilityCheck", "KERNELHOST_KERNEL_SKIP_AVAILABILITY_CHECK")
	_ = v.BindEnv("kernel.startupTimeout", "KERNELHOST_KERNEL_STARTUP_TIMEOUT")
	_ = v.BindEnv("kernel.execTimeout", "KERNELHOST_KERNEL_EXEC_TIMEOUT")
	_ = v.BindEnv("database.settingsPath", "KERNELHOST_DATABASE_SETTINGS_PATH")
	_ = v.BindEnv("database.historyRetentionDays", "KERNELHOST_DATABASE_HISTORY_RETENTION_DAYS")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/kernelhost/")

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

	// Kernel validation
	if cfg.Kernel.Launcher != "local" && cfg.Kernel.Launcher != "docker" {
		errs = append(errs, "kernel.launcher must be one of: local, docker")
	}
	if cfg.Kernel.Runtime == "" {
		errs = append(errs, "kernel.runtime is required")
	}
	if cfg.Kernel.StartupTimeout <= 0 {
		errs = append(errs, "kernel.startupTimeout must be positive")
	}
	if cfg.Kernel.ExecTimeout < 0 {
		errs = append(errs, "kernel.execTimeout must not be negative")
	}
	if cfg.Kernel.MaxKernels < 0 {
		errs = append(errs, "kernel.maxKernels must not be negative")
	}

	// Database validation
	switch cfg.Database.Driver {
	case "sqlite3":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite3 driver")
		}
	case "pgx":
		if cfg.Database.Host == "" {
			errs = append(errs, "database.host is required for the pgx driver")
		}
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for the pgx driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for the pgx driver")
		}
	default:
		errs = append(errs, "database.driver must be one of: sqlite3, pgx")
	}
	if cfg.Database.HistoryRetentionDays < 0 {
		errs = append(errs, "database.historyRetentionDays must not be negative")
	}

	// NATS validation - optional (uses in-memory event bus if not set)
	// No validation needed - empty URL means use in-memory

	// MCP validation
	if cfg.MCP.Enabled && (cfg.MCP.Port <= 0 || cfg.MCP.Port > 65535) {
		errs = append(errs, "mcp.port must be between 1 and 65535")
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

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}
