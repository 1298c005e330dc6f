// Package config loads the bundlehost configuration from a YAML or TOML file,
// environment overrides and struct tag defaults.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Static errors for the config package
var (
	ErrConfigNil                  = errors.New("config cannot be nil")
	ErrConfigNotPointer           = errors.New("config must be a pointer to a struct")
	ErrConfigNotStruct            = errors.New("config must point to a struct")
	ErrConfigRequiredFieldMissing = errors.New("required config field missing")
	ErrUnsupportedFormat          = errors.New("unsupported config file format")
	ErrUnsupportedTypeForDefault  = errors.New("unsupported type for default value")
	ErrInvalidLogLevel            = errors.New("invalid log level")
	ErrInvalidLogFormat           = errors.New("invalid log format")
	ErrInvalidLaunchWorkers       = errors.New("launch workers must be positive")
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "BUNDLEHOST_"

// Config is the complete bundlehost configuration.
type Config struct {
	Framework FrameworkConfig `yaml:"framework" toml:"framework" json:"framework" env:"FRAMEWORK"`
	Deploy    DeployConfig    `yaml:"deploy" toml:"deploy" json:"deploy" env:"DEPLOY"`
	Admin     AdminConfig     `yaml:"admin" toml:"admin" json:"admin" env:"ADMIN"`
	Log       LogConfig       `yaml:"log" toml:"log" json:"log" env:"LOG"`
}

// FrameworkConfig configures the bundle framework.
type FrameworkConfig struct {
	// StorageDir holds the bundle cache. Empty keeps all state in memory.
	StorageDir   string `yaml:"storage_dir" toml:"storage_dir" json:"storage_dir" env:"STORAGE_DIR" desc:"Bundle cache directory"`
	CleanStorage bool   `yaml:"clean_storage" toml:"clean_storage" json:"clean_storage" env:"CLEAN_STORAGE" desc:"Wipe the bundle cache on startup"`

	// AutoInstall locations are installed in parallel at start.
	AutoInstall []string `yaml:"auto_install" toml:"auto_install" json:"auto_install" env:"AUTO_INSTALL"`
	// AutoStart locations are installed and started in order after AutoInstall.
	AutoStart     []string `yaml:"auto_start" toml:"auto_start" json:"auto_start" env:"AUTO_START"`
	LaunchWorkers int      `yaml:"launch_workers" toml:"launch_workers" json:"launch_workers" env:"LAUNCH_WORKERS" default:"4"`

	Properties         map[string]string `yaml:"properties" toml:"properties" json:"properties" env:"PROPERTIES"`
	SystemCapabilities []string          `yaml:"system_capabilities" toml:"system_capabilities" json:"system_capabilities" env:"SYSTEM_CAPABILITIES" desc:"Extra capabilities of the framework bundle as namespace:name[@version]"`

	EventQueueHint  int           `yaml:"event_queue_hint" toml:"event_queue_hint" json:"event_queue_hint" env:"EVENT_QUEUE_HINT" default:"64"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" toml:"shutdown_timeout" json:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT" default:"30s"`
}

// DeployConfig configures the directory deployer. An empty Dir disables it.
type DeployConfig struct {
	Dir             string        `yaml:"dir" toml:"dir" json:"dir" env:"DIR"`
	ScanSchedule    string        `yaml:"scan_schedule" toml:"scan_schedule" json:"scan_schedule" env:"SCAN_SCHEDULE" default:"@every 30s"`
	DisableWatch    bool          `yaml:"disable_watch" toml:"disable_watch" json:"disable_watch" env:"DISABLE_WATCH"`
	RetryMaxElapsed time.Duration `yaml:"retry_max_elapsed" toml:"retry_max_elapsed" json:"retry_max_elapsed" env:"RETRY_MAX_ELAPSED" default:"10s"`
}

// AdminConfig configures the admin HTTP API. An empty Addr disables it.
type AdminConfig struct {
	Addr string `yaml:"addr" toml:"addr" json:"addr" env:"ADDR"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level" toml:"level" json:"level" env:"LEVEL" default:"info"`
	Format string `yaml:"format" toml:"format" json:"format" env:"FORMAT" default:"text"`
}

// Validate checks values that tags cannot express.
func (c *Config) Validate() error {
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: %q", ErrInvalidLogLevel, c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("%w: %q", ErrInvalidLogFormat, c.Log.Format)
	}
	if c.Framework.LaunchWorkers <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidLaunchWorkers, c.Framework.LaunchWorkers)
	}
	return nil
}
