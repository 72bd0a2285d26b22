package config

import (
	"net/url"
	"time"

	"github.com/HMasataka/quill/internal/logging"
)

// DefaultSocketURL is the realtime endpoint used when QUILL_SOCKET_URL is unset.
const DefaultSocketURL = "ws://localhost:3001/socket"

// Config represents the application configuration
type Config struct {
	Realtime RealtimeConfig `json:"realtime" yaml:"realtime"`
	Server   ServerConfig   `json:"server" yaml:"server"`
	Logging  logging.Config `json:"logging" yaml:"logging"`
}

// RealtimeConfig describes where the client connects. Retry counts and
// delays are fixed by the realtime package and deliberately absent here.
type RealtimeConfig struct {
	URL        string   `json:"url" yaml:"url"`
	Token      string   `json:"token,omitempty" yaml:"token,omitempty"`
	Transports []string `json:"transports" yaml:"transports"`
}

// ServerConfig represents the development server configuration
type ServerConfig struct {
	Host         string        `json:"host" yaml:"host"`
	Port         int           `json:"port" yaml:"port"`
	ReadTimeout  time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		Realtime: RealtimeConfig{
			URL:        DefaultSocketURL,
			Transports: []string{"websocket", "polling"},
		},
		Server: ServerConfig{
			Host:         "localhost",
			Port:         3001,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		Logging: logging.Config{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	u, err := url.Parse(c.Realtime.URL)
	if err != nil || u.Host == "" {
		return NewConfigError("realtime.url", "invalid endpoint url")
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return NewConfigError("realtime.url", "scheme must be ws, wss, http or https")
	}

	if len(c.Realtime.Transports) == 0 {
		return NewConfigError("realtime.transports", "at least one transport is required")
	}
	for _, t := range c.Realtime.Transports {
		if t != "websocket" && t != "polling" {
			return NewConfigError("realtime.transports", "unknown transport "+t)
		}
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return NewConfigError("server.port", "invalid port number")
	}

	if c.Server.ReadTimeout < 0 {
		return NewConfigError("server.read_timeout", "timeout cannot be negative")
	}

	if c.Server.WriteTimeout < 0 {
		return NewConfigError("server.write_timeout", "timeout cannot be negative")
	}

	return nil
}
