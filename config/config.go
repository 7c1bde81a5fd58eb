// Package config defines the task engine's application configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level engine configuration (spec.md §6).
type Config struct {
	Server             ServerConfig  `json:"server" yaml:"server"`
	Auth               AuthConfig    `json:"auth" yaml:"auth"`
	Groups             []GroupConfig `json:"groups" yaml:"groups"`
	DefaultTaskTimeout time.Duration `json:"default_task_timeout" yaml:"default_task_timeout"`
	QueuePollInterval  time.Duration `json:"queue_poll_interval" yaml:"queue_poll_interval"`
	DataDir            string        `json:"data_dir" yaml:"data_dir"`
	LogLevel           string        `json:"log_level" yaml:"log_level"`
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Addr string `json:"addr" yaml:"addr"` // listen address, e.g., ":9090"
}

// AuthConfig controls the HTTP surface's bearer-token and admin-login
// verification (server/auth).
type AuthConfig struct {
	JWTSecret string `json:"jwt_secret" yaml:"jwt_secret"`
	AdminUser string `json:"admin_user" yaml:"admin_user"`
	AdminPass string `json:"admin_pass" yaml:"admin_pass"` // bcrypt hash
}

// GroupConfig sizes one concurrency pool's gate (spec.md §4.E, §6).
type GroupConfig struct {
	ID             string `json:"id" yaml:"id"`
	MaxParallelism int    `json:"max_parallelism" yaml:"max_parallelism"`
}

// DefaultConfig returns a config with the defaults spec.md §6 specifies:
// a 60 minute per-task timeout, a 100ms parent watch-loop cadence, and a
// "default" group capped at 32.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr: ":9090",
		},
		Auth: AuthConfig{
			AdminUser: "admin",
		},
		Groups: []GroupConfig{
			{ID: "default", MaxParallelism: 32},
		},
		DefaultTaskTimeout: 60 * time.Minute,
		QueuePollInterval:  100 * time.Millisecond,
		DataDir:            "./data",
		LogLevel:           "info",
	}
}

// GroupSize builds a gate.SizeFunc-compatible lookup over Groups, falling
// back to the "default" group's configured cap (or 32 if that group is
// unconfigured too) for any group_id never listed explicitly.
func (c *Config) GroupSize(groupID string) int {
	fallback := 32
	for _, g := range c.Groups {
		if g.ID == "default" {
			fallback = g.MaxParallelism
		}
	}
	for _, g := range c.Groups {
		if g.ID == groupID {
			return g.MaxParallelism
		}
	}
	return fallback
}

// Load reads a YAML config file and returns the parsed configuration,
// layered on top of DefaultConfig so a partial file is still valid.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
