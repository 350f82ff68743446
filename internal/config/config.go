// Package config handles application configuration loading and validation
// from environment variables, providing a type-safe configuration structure.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration values loaded from environment
// variables (and optionally a YAML file). It is constructed once at process
// start and passed by reference into the proxy and store constructors.
type Config struct {
	// Server configuration
	ListenAddr  string // Address to listen on (e.g., ":8888")
	OpenBrowser bool   // Open the dashboard in a browser after startup

	// Upstream model server
	OllamaHost      string        // Base URL of the Ollama-compatible server
	UpstreamTimeout time.Duration // Connect/read timeout for unary proxy calls
	ChatTimeout     time.Duration // Read timeout for chat sessions (idle between tokens)
	InfoTimeout     time.Duration // Timeout for info pass-through calls (/api/tags, /api/ps)

	// Persistence
	DatabasePath string // Path to the SQLite database file
	HistoryLimit int    // Number of interaction records retained

	// Caching
	CacheEnabled bool // Initial state of the runtime cache toggle

	// Logging
	LogLevel  string // Log level (debug, info, warn, error)
	LogFormat string // Log format (json, console)
	LogFile   string // Path to log file (empty for stdout)

	// Monitoring
	EnableMetrics bool   // Whether to expose a Prometheus metrics endpoint
	MetricsPath   string // Path for the Prometheus metrics endpoint
}

// DefaultHistoryLimit is the number of interaction records kept in the store.
const DefaultHistoryLimit = 100

// New creates a new configuration with values from environment variables.
// It applies default values where environment variables are not set. If
// FLUXPROXY_CONFIG points at a YAML file, values from that file override
// the environment-derived ones.
func New() (*Config, error) {
	config := &Config{
		ListenAddr:  getEnvString("FLUXPROXY_ADDR", ":8888"),
		OpenBrowser: getEnvBool("FLUXPROXY_OPEN_BROWSER", true),

		OllamaHost:      getEnvString("OLLAMA_HOST", "http://localhost:11434"),
		UpstreamTimeout: getEnvDuration("FLUXPROXY_UPSTREAM_TIMEOUT", 60*time.Second),
		ChatTimeout:     getEnvDuration("FLUXPROXY_CHAT_TIMEOUT", 300*time.Second),
		InfoTimeout:     getEnvDuration("FLUXPROXY_INFO_TIMEOUT", 5*time.Second),

		DatabasePath: getEnvString("FLUXPROXY_DB", "fluxproxy.db"),
		HistoryLimit: getEnvInt("FLUXPROXY_HISTORY_LIMIT", DefaultHistoryLimit),

		CacheEnabled: getEnvBool("FLUXPROXY_CACHE_ENABLED", true),

		LogLevel:  getEnvString("LOG_LEVEL", "info"),
		LogFormat: getEnvString("LOG_FORMAT", "console"),
		LogFile:   getEnvString("LOG_FILE", ""),

		EnableMetrics: getEnvBool("ENABLE_METRICS", true),
		MetricsPath:   getEnvString("METRICS_PATH", "/metrics"),
	}

	if path := os.Getenv("FLUXPROXY_CONFIG"); path != "" {
		if err := config.applyFile(path); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if config.HistoryLimit <= 0 {
		return nil, fmt.Errorf("history limit must be positive, got %d", config.HistoryLimit)
	}

	return config, nil
}

// fileConfig mirrors Config for the optional YAML overlay. Only fields that
// are present in the file override the environment-derived values.
type fileConfig struct {
	ListenAddr      *string        `yaml:"listen_addr"`
	OpenBrowser     *bool          `yaml:"open_browser"`
	OllamaHost      *string        `yaml:"ollama_host"`
	UpstreamTimeout *time.Duration `yaml:"upstream_timeout"`
	ChatTimeout     *time.Duration `yaml:"chat_timeout"`
	InfoTimeout     *time.Duration `yaml:"info_timeout"`
	DatabasePath    *string        `yaml:"database_path"`
	HistoryLimit    *int           `yaml:"history_limit"`
	CacheEnabled    *bool          `yaml:"cache_enabled"`
	LogLevel        *string        `yaml:"log_level"`
	LogFormat       *string        `yaml:"log_format"`
	LogFile         *string        `yaml:"log_file"`
	EnableMetrics   *bool          `yaml:"enable_metrics"`
	MetricsPath     *string        `yaml:"metrics_path"`
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return err
	}
	if fc.ListenAddr != nil {
		c.ListenAddr = *fc.ListenAddr
	}
	if fc.OpenBrowser != nil {
		c.OpenBrowser = *fc.OpenBrowser
	}
	if fc.OllamaHost != nil {
		c.OllamaHost = *fc.OllamaHost
	}
	if fc.UpstreamTimeout != nil {
		c.UpstreamTimeout = *fc.UpstreamTimeout
	}
	if fc.ChatTimeout != nil {
		c.ChatTimeout = *fc.ChatTimeout
	}
	if fc.InfoTimeout != nil {
		c.InfoTimeout = *fc.InfoTimeout
	}
	if fc.DatabasePath != nil {
		c.DatabasePath = *fc.DatabasePath
	}
	if fc.HistoryLimit != nil {
		c.HistoryLimit = *fc.HistoryLimit
	}
	if fc.CacheEnabled != nil {
		c.CacheEnabled = *fc.CacheEnabled
	}
	if fc.LogLevel != nil {
		c.LogLevel = *fc.LogLevel
	}
	if fc.LogFormat != nil {
		c.LogFormat = *fc.LogFormat
	}
	if fc.LogFile != nil {
		c.LogFile = *fc.LogFile
	}
	if fc.EnableMetrics != nil {
		c.EnableMetrics = *fc.EnableMetrics
	}
	if fc.MetricsPath != nil {
		c.MetricsPath = *fc.MetricsPath
	}
	return nil
}

// getEnvString retrieves a string value from an environment variable,
// falling back to the provided default value if the variable is not set.
func getEnvString(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// getEnvBool retrieves a boolean value from an environment variable,
// falling back to the provided default value if the variable is not set
// or cannot be parsed as a boolean.
func getEnvBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		parsedValue, err := strconv.ParseBool(value)
		if err == nil {
			return parsedValue
		}
	}
	return defaultValue
}

// getEnvInt retrieves an integer value from an environment variable,
// falling back to the provided default value if the variable is not set
// or cannot be parsed as an integer.
func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		parsedValue, err := strconv.Atoi(value)
		if err == nil {
			return parsedValue
		}
	}
	return defaultValue
}

// getEnvDuration retrieves a duration value from an environment variable,
// falling back to the provided default value if the variable is not set
// or cannot be parsed as a duration.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		parsedValue, err := time.ParseDuration(value)
		if err == nil {
			return parsedValue
		}
	}
	return defaultValue
}
