package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	// Server configuration
	LogLevel      string `mapstructure:"log_level"`
	BindAddress   string `mapstructure:"bind_address"`
	DataDirectory string `mapstructure:"data_directory"`

	// Render execution limits
	MaxConcurrentJobs int           `mapstructure:"max_concurrent_jobs"`
	RenderTimeout     time.Duration `mapstructure:"render_timeout"`
	MaxRenderTimeout  time.Duration `mapstructure:"max_render_timeout"`
	KillGracePeriod   time.Duration `mapstructure:"kill_grace_period"`
	OutputMaxSize     int           `mapstructure:"output_max_size"`

	// Rendering engine
	EngineBinary       string `mapstructure:"engine_binary"`
	EngineMinVersion   string `mapstructure:"engine_min_version"`
	RequireEngineProbe bool   `mapstructure:"require_engine_probe"`

	// Registry lifecycle
	EvictionGrace time.Duration `mapstructure:"eviction_grace"`

	// Status mirror
	RedisAddress    string        `mapstructure:"redis_address"`
	RedisPassword   string        `mapstructure:"redis_password"`
	RedisDB         int           `mapstructure:"redis_db"`
	MirrorTTL       time.Duration `mapstructure:"mirror_ttl"`
	MirrorKeyPrefix string        `mapstructure:"mirror_key_prefix"`

	// Artifact storage
	S3Bucket          string `mapstructure:"s3_bucket"`
	S3Region          string `mapstructure:"s3_region"`
	S3Endpoint        string `mapstructure:"s3_endpoint"`
	S3AccessKeyID     string `mapstructure:"s3_access_key_id"`
	S3SecretAccessKey string `mapstructure:"s3_secret_access_key"`
	S3ForcePathStyle  bool   `mapstructure:"s3_force_path_style"`

	// Housekeeping
	RetentionPeriod time.Duration `mapstructure:"retention_period"`
	SweepInterval   time.Duration `mapstructure:"sweep_interval"`

	// HTTP behavior
	RequestBodyLimit   int64         `mapstructure:"request_body_limit"`
	SubmitRatePerSec   float64       `mapstructure:"submit_rate_per_sec"`
	SubmitBurst        int           `mapstructure:"submit_burst"`
	StreamPollInterval time.Duration `mapstructure:"stream_poll_interval"`
	StreamKeepAlive    time.Duration `mapstructure:"stream_keepalive"`
}

// Load loads configuration from environment variables and config files
func Load() (*Config, error) {
	// Set default values
	viper.SetDefault("log_level", "INFO")
	viper.SetDefault("bind_address", getEnvOrDefault("PORT", "8000"))
	viper.SetDefault("data_directory", "/scenerunr")
	viper.SetDefault("max_concurrent_jobs", 64)
	viper.SetDefault("render_timeout", "300s")
	viper.SetDefault("max_render_timeout", "600s")
	viper.SetDefault("kill_grace_period", "5s")
	viper.SetDefault("output_max_size", 65536)
	viper.SetDefault("engine_binary", "manim")
	viper.SetDefault("engine_min_version", ">= 0.17.0")
	viper.SetDefault("require_engine_probe", false)
	viper.SetDefault("eviction_grace", "10m")
	viper.SetDefault("redis_address", "")
	viper.SetDefault("redis_password", "")
	viper.SetDefault("redis_db", 0)
	viper.SetDefault("mirror_ttl", "1h")
	viper.SetDefault("mirror_key_prefix", "job:")
	viper.SetDefault("s3_bucket", "scenerunr-artifacts")
	viper.SetDefault("s3_region", "us-east-1")
	viper.SetDefault("s3_endpoint", "")
	viper.SetDefault("s3_access_key_id", "")
	viper.SetDefault("s3_secret_access_key", "")
	viper.SetDefault("s3_force_path_style", false)
	viper.SetDefault("retention_period", "1h")
	viper.SetDefault("sweep_interval", "1h")
	viper.SetDefault("request_body_limit", 1000000)
	viper.SetDefault("submit_rate_per_sec", 5.0)
	viper.SetDefault("submit_burst", 10)
	viper.SetDefault("stream_poll_interval", "1s")
	viper.SetDefault("stream_keepalive", "15s")

	// Set environment variable prefix
	viper.SetEnvPrefix("SCENERUNR")
	viper.AutomaticEnv()

	// Try to read config file
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("/etc/scenerunr/")
	viper.AddConfigPath("$HOME/.scenerunr/")

	// Read config file (optional)
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate configuration
	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// validate validates the configuration
func validate(config *Config) error {
	// Validate log level
	if _, err := logrus.ParseLevel(config.LogLevel); err != nil {
		return fmt.Errorf("invalid log level: %s", config.LogLevel)
	}

	// Validate numeric ranges
	if config.MaxConcurrentJobs <= 0 {
		return fmt.Errorf("max_concurrent_jobs must be positive")
	}

	if config.RenderTimeout <= 0 {
		return fmt.Errorf("render_timeout must be positive")
	}

	if config.MaxRenderTimeout < config.RenderTimeout {
		return fmt.Errorf("max_render_timeout must be at least render_timeout")
	}

	if config.KillGracePeriod <= 0 {
		return fmt.Errorf("kill_grace_period must be positive")
	}

	if config.MirrorTTL <= 0 {
		return fmt.Errorf("mirror_ttl must be positive")
	}

	if config.RetentionPeriod <= 0 {
		return fmt.Errorf("retention_period must be positive")
	}

	if config.SweepInterval <= 0 {
		return fmt.Errorf("sweep_interval must be positive")
	}

	if config.StreamPollInterval <= 0 {
		return fmt.Errorf("stream_poll_interval must be positive")
	}

	if config.RequestBodyLimit <= 0 {
		return fmt.Errorf("request_body_limit must be positive")
	}

	if config.SubmitRatePerSec > 0 && config.SubmitBurst <= 0 {
		return fmt.Errorf("submit_burst must be positive when submit_rate_per_sec is set")
	}

	return nil
}

// getEnvOrDefault gets environment variable or returns default value
func getEnvOrDefault(env, defaultValue string) string {
	if value := os.Getenv(env); value != "" {
		return value
	}
	return "0.0.0.0:" + defaultValue
}

// GetBindAddress returns the complete bind address
func (c *Config) GetBindAddress() string {
	if c.BindAddress == "" {
		return "0.0.0.0:8000"
	}
	return c.BindAddress
}

// GetLogLevel returns the parsed log level
func (c *Config) GetLogLevel() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// JobsDir returns the root directory for per-job working directories
func (c *Config) JobsDir() string {
	return filepath.Join(c.DataDirectory, "jobs")
}

// MirrorEnabled reports whether a durable status mirror is configured
func (c *Config) MirrorEnabled() bool {
	return c.RedisAddress != ""
}
