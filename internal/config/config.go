// Package config loads the proxy configuration from YAML.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete server configuration.
type Config struct {
	Listen   string         `yaml:"listen"`
	Log      LogConfig      `yaml:"log"`
	Proxy    ProxyConfig    `yaml:"proxy"`
	Store    Store          `yaml:"store"`
	Counters CountersConfig `yaml:"counters"`
	Report   ReportConfig   `yaml:"report"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Users    []UserConfig   `yaml:"users"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

type ProxyConfig struct {
	DialTimeout   time.Duration `yaml:"dial_timeout"`
	TunnelTimeout time.Duration `yaml:"tunnel_timeout"`
}

// Store selects and configures the counter store.
type Store struct {
	Driver  string        `yaml:"driver"` // memory, lru, redis
	TTL     time.Duration `yaml:"ttl"`    // 0 keeps counters until popped
	LRUSize int           `yaml:"lru_size"`
	Redis   RedisConfig   `yaml:"redis"`
}

type RedisConfig struct {
	Addrs    []string `yaml:"addrs"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	DB       int      `yaml:"db"`
}

type CountersConfig struct {
	// Atomic replaces read-then-write increments with single store
	// operations where the store supports them.
	Atomic bool `yaml:"atomic"`
}

type ReportConfig struct {
	Interval time.Duration `yaml:"interval"` // 0 disables reporting
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// UserConfig is one account allowed to use the proxy.
type UserConfig struct {
	Username   string `yaml:"username"`
	ID         int64  `yaml:"id"`
	Password   string `yaml:"password"`
	SpeedLimit int64  `yaml:"speed_limit"` // bytes/sec, 0 = unlimited
}

func Default() *Config {
	return &Config{
		Listen: ":8080",
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Proxy: ProxyConfig{
			DialTimeout:   10 * time.Second,
			TunnelTimeout: time.Hour,
		},
		Store: Store{
			Driver:  "memory",
			LRUSize: 65536,
			Redis: RedisConfig{
				Addrs: []string{"127.0.0.1:6379"},
			},
		},
		Report: ReportConfig{
			Interval: time.Minute,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: ":9090",
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML on top of Default and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// envVarRegex matches ${VAR}, ${VAR:-default} and $VAR.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		if idx := strings.Index(name, ":-"); idx != -1 {
			if val, ok := os.LookupEnv(name[:idx]); ok {
				return val
			}
			return name[idx+2:]
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate reports every problem found, not just the first.
func (c *Config) Validate() error {
	var errs []string

	if c.Listen == "" {
		errs = append(errs, "listen is required")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("invalid log.level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Sprintf("invalid log.format: %s (must be text or json)", c.Log.Format))
	}

	switch c.Store.Driver {
	case "memory":
	case "lru":
		if c.Store.LRUSize < 1 {
			errs = append(errs, "store.lru_size must be positive")
		}
	case "redis":
		if len(c.Store.Redis.Addrs) == 0 {
			errs = append(errs, "store.redis.addrs is required for the redis driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("invalid store.driver: %s (must be memory, lru, or redis)", c.Store.Driver))
	}
	if c.Store.TTL < 0 {
		errs = append(errs, "store.ttl must not be negative")
	}

	if c.Proxy.DialTimeout <= 0 {
		errs = append(errs, "proxy.dial_timeout must be positive")
	}
	if c.Proxy.TunnelTimeout <= 0 {
		errs = append(errs, "proxy.tunnel_timeout must be positive")
	}
	if c.Report.Interval < 0 {
		errs = append(errs, "report.interval must not be negative")
	}
	if c.Metrics.Enabled && c.Metrics.Address == "" {
		errs = append(errs, "metrics.address is required when enabled")
	}

	names := make(map[string]bool, len(c.Users))
	ids := make(map[int64]bool, len(c.Users))
	for i, u := range c.Users {
		if u.Username == "" {
			errs = append(errs, fmt.Sprintf("users[%d]: username is required", i))
		} else if names[u.Username] {
			errs = append(errs, fmt.Sprintf("users[%d]: duplicate username %s", i, u.Username))
		}
		if ids[u.ID] {
			errs = append(errs, fmt.Sprintf("users[%d]: duplicate id %d", i, u.ID))
		}
		if u.SpeedLimit < 0 {
			errs = append(errs, fmt.Sprintf("users[%d]: speed_limit must not be negative", i))
		}
		names[u.Username] = true
		ids[u.ID] = true
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
