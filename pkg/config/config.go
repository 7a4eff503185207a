// Package config loads relay settings from defaults, an optional YAML file,
// a .env file and the process environment, in that order. Command line flags
// are applied on top by the caller.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	relayerrors "github.com/sessamekesh/realtime-relay/pkg/errors"
	"github.com/sessamekesh/realtime-relay/pkg/upstream"
	"gopkg.in/yaml.v3"
)

const (
	EnvApiKey      = "OPENAI_API_KEY"
	EnvPort        = "PORT"
	EnvUpstreamURL = "REALTIME_RELAY_UPSTREAM_URL"
	EnvModel       = "REALTIME_RELAY_MODEL"

	DefaultPort = 8081
)

type Config struct {
	// ApiKey is only read from the environment so it never lands in a
	// checked-in config file.
	ApiKey string `yaml:"-"`

	Port        int    `yaml:"port"`
	UpstreamURL string `yaml:"upstream_url"`
	Model       string `yaml:"model"`

	// ConnectTimeout bounds the upstream handshake. Zero disables it.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	StallDeadline  time.Duration `yaml:"stall_deadline"`

	MaxConnections int   `yaml:"max_connections"`
	MaxMessageSize int64 `yaml:"max_message_size"`

	PingInterval time.Duration `yaml:"ping_interval"`

	// AllowedOrigins empty means every origin not denied is accepted.
	AllowedOrigins []string `yaml:"allowed_origins"`
	DeniedOrigins  []string `yaml:"denied_origins"`

	LogFile string `yaml:"log_file"`

	// SessionDefaults is sent upstream as the session of one session.update
	// right after each upstream connect.
	SessionDefaults map[string]any `yaml:"session_defaults"`
}

func Default() *Config {
	return &Config{
		Port:           DefaultPort,
		UpstreamURL:    upstream.DefaultURL,
		Model:          upstream.DefaultModel,
		ConnectTimeout: 30 * time.Second,
		StallDeadline:  2 * time.Minute,
		MaxConnections: 1024,
		MaxMessageSize: 16 << 20,
		PingInterval:   30 * time.Second,
	}
}

// LoadFile reads path over the defaults. Keys missing from the file keep
// their default values.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	return cfg, nil
}

// LoadDotEnv loads the given .env files into the process environment without
// overriding variables already set. Missing files are skipped.
func LoadDotEnv(paths ...string) error {
	for _, path := range paths {
		if err := godotenv.Load(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("loading %s: %w", path, err)
		}
	}
	return nil
}

// ApplyEnv overlays environment variables onto c. lookup is usually
// os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvApiKey); ok {
		c.ApiKey = v
	}

	if v, ok := lookup(EnvPort); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return &relayerrors.InvalidConfigError{FieldName: EnvPort, Reason: fmt.Sprintf("%q is not a port number", v)}
		}
		c.Port = port
	}

	if v, ok := lookup(EnvUpstreamURL); ok && v != "" {
		c.UpstreamURL = v
	}
	if v, ok := lookup(EnvModel); ok && v != "" {
		c.Model = v
	}

	return nil
}

func (c *Config) Validate() error {
	if c.ApiKey == "" {
		return &relayerrors.InvalidConfigError{
			FieldName: EnvApiKey,
			Reason:    "environment variable is required. Please set it in your .env file or environment",
		}
	}

	if c.Port < 0 || c.Port > 65535 {
		return &relayerrors.InvalidConfigError{FieldName: "port", Reason: fmt.Sprintf("%d is out of range", c.Port)}
	}

	u, err := url.Parse(c.UpstreamURL)
	if err != nil {
		return &relayerrors.InvalidConfigError{FieldName: "upstream_url", Reason: err.Error()}
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return &relayerrors.InvalidConfigError{FieldName: "upstream_url", Reason: "scheme must be ws or wss"}
	}

	if c.ConnectTimeout < 0 {
		return &relayerrors.InvalidConfigError{FieldName: "connect_timeout", Reason: "must not be negative"}
	}
	if c.StallDeadline < 0 {
		return &relayerrors.InvalidConfigError{FieldName: "stall_deadline", Reason: "must not be negative"}
	}
	if c.MaxConnections < 0 {
		return &relayerrors.InvalidConfigError{FieldName: "max_connections", Reason: "must not be negative"}
	}
	if c.MaxMessageSize < 0 {
		return &relayerrors.InvalidConfigError{FieldName: "max_message_size", Reason: "must not be negative"}
	}

	return nil
}

func (c *Config) ListenAddress() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c *Config) AllowAllOrigins() bool {
	return len(c.AllowedOrigins) == 0
}
