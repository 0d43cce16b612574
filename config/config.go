// Package config loads the fleet server configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/everydev1618/fleet/protocol"
)

// Config is the top-level server configuration.
type Config struct {
	Addr      string        `yaml:"addr"`
	DBPath    string        `yaml:"db"`
	LogLevel  string        `yaml:"log_level"`
	LogJSON   bool          `yaml:"log_json"`
	Heartbeat time.Duration `yaml:"heartbeat"`

	Manager  Manager                `yaml:"manager"`
	TLS      TLS                    `yaml:"tls"`
	Defaults protocol.ClientOptions `yaml:"defaults"`

	// Clients are registered at startup when no client of the same name
	// is stored yet.
	Clients []Client `yaml:"clients"`
}

// Manager configures the worker pool.
type Manager struct {
	MaxWorkers     int           `yaml:"max_workers"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	InitTimeout    time.Duration `yaml:"init_timeout"`
	MetricsTimeout time.Duration `yaml:"metrics_timeout"`
	// StreamHeartbeat is the keepalive period of stream connections.
	StreamHeartbeat time.Duration `yaml:"stream_heartbeat"`
}

// TLS configures how secure hosts are dialed. CertDir holds ca.pem,
// cert.pem and key.pem.
type TLS struct {
	CertDir            string        `yaml:"cert_dir"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
	DialTimeout        time.Duration `yaml:"dial_timeout"`
}

// Client seeds one client and its hosts.
type Client struct {
	Name    string                 `yaml:"name"`
	Options protocol.ClientOptions `yaml:"options"`
	Hosts   []protocol.Host        `yaml:"hosts"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Addr:      ":3002",
		DBPath:    ".fleet.db",
		LogLevel:  "info",
		Heartbeat: 30 * time.Second,
		Manager: Manager{
			MaxWorkers:      10,
			RequestTimeout:  30 * time.Second,
			InitTimeout:     30 * time.Second,
			MetricsTimeout:  5 * time.Second,
			StreamHeartbeat: 30 * time.Second,
		},
	}
}

// Load reads path over the defaults. A missing file is not an error.
// ${VAR} references are expanded from the environment before parsing.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		slog.Debug("config file not found, using defaults", "path", path)
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the server cannot run with.
func (c Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr is required")
	}
	if c.DBPath == "" {
		return fmt.Errorf("db is required")
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	if c.Manager.MaxWorkers < 0 {
		return fmt.Errorf("manager.max_workers must not be negative")
	}

	seen := make(map[string]bool)
	for i, cl := range c.Clients {
		if cl.Name == "" {
			return fmt.Errorf("clients[%d]: name is required", i)
		}
		if seen[cl.Name] {
			return fmt.Errorf("clients[%d]: duplicate name %q", i, cl.Name)
		}
		seen[cl.Name] = true
		for j, h := range cl.Hosts {
			if err := h.Validate(); err != nil {
				return fmt.Errorf("clients[%d].hosts[%d]: %w", i, j, err)
			}
		}
	}
	return nil
}

// Level parses LogLevel.
func (c Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(c.LogLevel))); err != nil {
		return l, fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	return l, nil
}

// Logger builds the process logger from LogLevel and LogJSON.
func (c Config) Logger() *slog.Logger {
	level, err := c.Level()
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.LogJSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
