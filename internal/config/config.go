// Package config provides configuration management for loopsync using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultServerPort      = 8080
	defaultServerTimeout   = 30 * time.Second
	defaultShutdownTimeout = 5 * time.Second
	defaultDialTimeout     = 5 * time.Second
	defaultCommandTimeout  = 5 * time.Second
	defaultStatePath       = "./data/loopsync.json"
	defaultBackupRetention = 7
)

// Config holds all configuration for the application.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
	State   StateConfig   `mapstructure:"state"`
	Sync    SyncConfig    `mapstructure:"sync"`
	Backup  BackupConfig  `mapstructure:"backup"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// StateConfig holds playout state persistence configuration.
type StateConfig struct {
	// Path is the location of the playout state document on disk.
	Path string `mapstructure:"path"`
}

// SyncConfig holds playout engine connection tuning.
type SyncConfig struct {
	DialTimeout    time.Duration `mapstructure:"dial_timeout"`
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
}

// BackupConfig holds backup configuration.
type BackupConfig struct {
	Directory string               `mapstructure:"directory"` // Backup storage location (empty = {state dir}/backups)
	Schedule  BackupScheduleConfig `mapstructure:"schedule"`
}

// BackupScheduleConfig holds scheduled backup configuration.
type BackupScheduleConfig struct {
	Enabled   bool   `mapstructure:"enabled"`   // Enable scheduled backups
	Cron      string `mapstructure:"cron"`      // 6-field cron expression (default: "0 0 2 * * *" daily at 2 AM)
	Retention int    `mapstructure:"retention"` // Number of backups to keep
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with LOOPSYNC_ and use underscores for
// nesting. Example: LOOPSYNC_SERVER_PORT=8080. The bare PORT variable is also
// honored for server.port.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	SetDefaults(v)

	// Config file settings
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/loopsync")
		v.AddConfigPath("$HOME/.loopsync")
	}

	// Environment variable settings
	v.SetEnvPrefix("LOOPSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("server.port", "LOOPSYNC_SERVER_PORT", "PORT")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Config file not found is OK - we'll use defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, DecodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file to ensure defaults are in place.
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultServerTimeout)
	v.SetDefault("server.write_timeout", defaultServerTimeout)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)
	v.SetDefault("server.cors_origins", []string{"*"})

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// State defaults
	v.SetDefault("state.path", defaultStatePath)

	// Sync defaults
	v.SetDefault("sync.dial_timeout", defaultDialTimeout)
	v.SetDefault("sync.command_timeout", defaultCommandTimeout)

	// Backup defaults
	v.SetDefault("backup.directory", "")                // Empty = {state dir}/backups
	v.SetDefault("backup.schedule.enabled", true)       // Enabled by default
	v.SetDefault("backup.schedule.cron", "0 0 2 * * *") // Daily at 2 AM (6-field cron)
	v.SetDefault("backup.schedule.retention", defaultBackupRetention)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	// Server validation
	const maxPort = 65535
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	// State validation
	if c.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}

	// Sync validation
	if c.Sync.DialTimeout <= 0 {
		return fmt.Errorf("sync.dial_timeout must be positive")
	}
	if c.Sync.CommandTimeout <= 0 {
		return fmt.Errorf("sync.command_timeout must be positive")
	}

	// Backup validation
	if c.Backup.Schedule.Retention < 1 || c.Backup.Schedule.Retention > 365 {
		return fmt.Errorf("backup.schedule.retention must be between 1 and 365")
	}
	if c.Backup.Schedule.Enabled && c.Backup.Schedule.Cron == "" {
		return fmt.Errorf("backup.schedule.cron is required when scheduled backups are enabled")
	}

	return nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Dir returns the directory holding the state document.
func (c *StateConfig) Dir() string {
	return filepath.Dir(c.Path)
}

// BackupPath returns the backup directory path.
// If Directory is set, returns it directly; otherwise returns {stateDir}/backups.
func (c *BackupConfig) BackupPath(stateDir string) string {
	if c.Directory != "" {
		return c.Directory
	}
	return filepath.Join(stateDir, "backups")
}
