package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables read by loadFromEnv.
const (
	EnvSocketURL  = "QUILL_SOCKET_URL"
	EnvToken      = "QUILL_TOKEN"
	EnvTransports = "QUILL_TRANSPORTS"
	EnvServerHost = "QUILL_SERVER_HOST"
	EnvServerPort = "QUILL_SERVER_PORT"
	EnvLogLevel   = "QUILL_LOG_LEVEL"
	EnvLogFormat  = "QUILL_LOG_FORMAT"
)

// LoadOptions represents options for loading configuration
type LoadOptions struct {
	Path    string
	EnvFile string
}

// Load loads configuration from various sources
func Load(opts ...LoadOptions) (*Config, error) {
	cfg := Default()

	var options LoadOptions
	if len(opts) > 0 {
		options = opts[0]
	}

	if err := loadEnvFile(options.EnvFile); err != nil {
		return nil, err
	}

	if options.Path != "" {
		if err := loadFromFile(cfg, options.Path); err != nil {
			return nil, err
		}
	}

	loadFromEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadEnvFile populates the process environment from a dotenv file without
// overriding variables that are already set. A missing default .env is fine.
func loadEnvFile(path string) error {
	explicit := path != ""
	if !explicit {
		path = ".env"
	}

	if err := godotenv.Load(path); err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load env file: %w", err)
	}

	return nil
}

// loadFromFile loads configuration from a file
func loadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse JSON config: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse YAML config: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file format: %s", ext)
	}

	return nil
}

// loadFromEnv loads configuration from environment variables
func loadFromEnv(cfg *Config) {
	if u := os.Getenv(EnvSocketURL); u != "" {
		cfg.Realtime.URL = u
	}
	if token := os.Getenv(EnvToken); token != "" {
		cfg.Realtime.Token = token
	}
	if transports := os.Getenv(EnvTransports); transports != "" {
		var list []string
		for _, t := range strings.Split(transports, ",") {
			if t = strings.TrimSpace(t); t != "" {
				list = append(list, t)
			}
		}
		cfg.Realtime.Transports = list
	}

	if host := os.Getenv(EnvServerHost); host != "" {
		cfg.Server.Host = host
	}
	if port := os.Getenv(EnvServerPort); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}

	if level := os.Getenv(EnvLogLevel); level != "" {
		cfg.Logging.Level = level
	}
	if format := os.Getenv(EnvLogFormat); format != "" {
		cfg.Logging.Format = format
	}
}

// ConfigError represents a configuration error
type ConfigError struct {
	Field   string
	Message string
}

// NewConfigError creates a new configuration error
func NewConfigError(field, message string) *ConfigError {
	return &ConfigError{
		Field:   field,
		Message: message,
	}
}

// Error implements the error interface
func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error in field '%s': %s", e.Field, e.Message)
}
