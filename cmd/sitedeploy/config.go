package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/artpar/sitedeploy/internal/shell/deploy"
	"github.com/spf13/viper"
)

// =============================================================================
// Config Types
// =============================================================================

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	DataDir  string         `mapstructure:"data_dir" yaml:"data_dir"`
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`
	Docker   DockerConfig   `mapstructure:"docker" yaml:"docker"`
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
	Deploy   DeployConfig   `mapstructure:"deploy" yaml:"deploy"`
	Local    LocalConfig    `mapstructure:"local" yaml:"local"`
	Capture  CaptureConfig  `mapstructure:"capture" yaml:"capture"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// Address returns the server address in host:port format.
func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	DSN string `mapstructure:"dsn" yaml:"dsn"`
}

// DockerConfig holds Docker client configuration.
type DockerConfig struct {
	Host string `mapstructure:"host" yaml:"host"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// DeployConfig holds container deploy configuration.
type DeployConfig struct {
	// OutputRoot is where the code generator writes {kind}_{appId} directories.
	OutputRoot string `mapstructure:"output_root" yaml:"output_root"`

	// PublicHost is the bare host of deploy URLs, e.g. "localhost". No scheme.
	PublicHost  string `mapstructure:"public_host" yaml:"public_host"`
	LabelPrefix string `mapstructure:"label_prefix" yaml:"label_prefix"`

	PortRangeStart int `mapstructure:"port_range_start" yaml:"port_range_start"`
	PortRangeEnd   int `mapstructure:"port_range_end" yaml:"port_range_end"`

	MemoryLimit int64         `mapstructure:"memory_limit" yaml:"memory_limit"` // bytes
	CPULimit    float64       `mapstructure:"cpu_limit" yaml:"cpu_limit"`       // cores
	StopTimeout time.Duration `mapstructure:"stop_timeout" yaml:"stop_timeout"`

	// RollbackMode is "ledger" or "redeploy".
	RollbackMode string `mapstructure:"rollback_mode" yaml:"rollback_mode"`
}

// LocalConfig holds the no-container fallback configuration.
type LocalConfig struct {
	Enabled        bool          `mapstructure:"enabled" yaml:"enabled"`
	PublishRoot    string        `mapstructure:"publish_root" yaml:"publish_root"`
	PublicURL      string        `mapstructure:"public_url" yaml:"public_url"`
	InstallTimeout time.Duration `mapstructure:"install_timeout" yaml:"install_timeout"`
	BuildTimeout   time.Duration `mapstructure:"build_timeout" yaml:"build_timeout"`
}

// CaptureConfig holds cover-capture configuration.
type CaptureConfig struct {
	Enabled        bool          `mapstructure:"enabled" yaml:"enabled"`
	QueueSize      int           `mapstructure:"queue_size" yaml:"queue_size"`
	Timeout        time.Duration `mapstructure:"timeout" yaml:"timeout"`
	PreviewBaseURL string        `mapstructure:"preview_base_url" yaml:"preview_base_url"`
}

// =============================================================================
// Config Loading
// =============================================================================

// LoadConfig loads configuration from file and environment.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8123)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "10m") // deploys run npm and docker build inline
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("data_dir", "./data")
	v.SetDefault("docker.host", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("deploy.output_root", "./tmp/code_output")
	v.SetDefault("deploy.public_host", "localhost")
	v.SetDefault("deploy.label_prefix", "acm")
	v.SetDefault("deploy.port_range_start", 4000)
	v.SetDefault("deploy.port_range_end", 4999)
	v.SetDefault("deploy.memory_limit", 256*1024*1024)
	v.SetDefault("deploy.cpu_limit", 1.0)
	v.SetDefault("deploy.stop_timeout", "10s")
	v.SetDefault("deploy.rollback_mode", string(deploy.RollbackLedger))

	v.SetDefault("local.enabled", true)
	v.SetDefault("local.public_url", "http://localhost:8123/deploy")
	v.SetDefault("local.install_timeout", "300s")
	v.SetDefault("local.build_timeout", "180s")

	v.SetDefault("capture.enabled", true)
	v.SetDefault("capture.queue_size", 64)
	v.SetDefault("capture.timeout", "60s")
	v.SetDefault("capture.preview_base_url", "http://localhost:8123")

	// Load from file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			// Only return error if file was explicitly specified and is invalid
			var parseErr viper.ConfigParseError
			if errors.As(err, &parseErr) {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
			// File not found is OK, we'll use defaults
		}
	}

	// Enable environment variable overrides
	v.SetEnvPrefix("SITEDEPLOY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Derived from data_dir when unset, so only bound for env lookups
	_ = v.BindEnv("database.dsn")
	_ = v.BindEnv("local.publish_root")

	// Unmarshal config
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Database.DSN == "" {
		cfg.Database.DSN = filepath.Join(cfg.DataDir, "sitedeploy.db")
	}
	if cfg.Local.PublishRoot == "" {
		cfg.Local.PublishRoot = filepath.Join(cfg.DataDir, "www")
	}

	return &cfg, nil
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	d := c.Deploy
	if d.PortRangeStart < 1 || d.PortRangeEnd > 65535 || d.PortRangeStart > d.PortRangeEnd {
		return fmt.Errorf("deploy port range %d-%d is invalid", d.PortRangeStart, d.PortRangeEnd)
	}
	if d.OutputRoot == "" {
		return errors.New("deploy.output_root is required")
	}
	if d.LabelPrefix == "" {
		return errors.New("deploy.label_prefix is required")
	}
	if d.PublicHost == "" || strings.Contains(d.PublicHost, "://") || strings.Contains(d.PublicHost, "/") {
		return fmt.Errorf("deploy.public_host %q must be a bare host without scheme or path", d.PublicHost)
	}
	if d.MemoryLimit < 0 || d.CPULimit < 0 {
		return errors.New("deploy resource limits must not be negative")
	}
	if _, err := deploy.ParseRollbackMode(d.RollbackMode); err != nil {
		return err
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d is invalid", c.Server.Port)
	}
	if p := c.Server.Port; p >= d.PortRangeStart && p <= d.PortRangeEnd {
		return fmt.Errorf("server.port %d overlaps the deploy port range", p)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("log.format %q must be json or text", c.Log.Format)
	}
	return nil
}

// =============================================================================
// Logger Setup
// =============================================================================

// SetupLogger creates a logger with the configured level and format.
func SetupLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Log.Format) == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
