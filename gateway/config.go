// Copyright 2026 The Forgeguard Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the gateway server.
type Config struct {
	// SocketPath is the path to the Unix socket agents connect to.
	// Defaults to /run/forgeguard/gateway.sock.
	SocketPath string `yaml:"socket_path"`

	// ListenAddress is an optional TCP address to listen on
	// (e.g., "127.0.0.1:8080"). If set, the gateway listens on both
	// the Unix socket and TCP. Useful for clients that can't use Unix
	// sockets directly.
	ListenAddress string `yaml:"listen_address"`

	// ReposRoot is the directory all repo_path request values must
	// resolve under. Requests naming repositories outside this root
	// are rejected before any git invocation. Required.
	ReposRoot string `yaml:"repos_root"`

	// GitPath is the git binary to invoke. Defaults to "git" resolved
	// via PATH.
	GitPath string `yaml:"git_path"`

	Platform   PlatformConfig  `yaml:"platform"`
	Identity   IdentityConfig  `yaml:"identity"`
	Policy     PolicyConfig    `yaml:"policy"`
	RateLimits RateLimitConfig `yaml:"rate_limits"`
	Audit      AuditConfig     `yaml:"audit"`
	Refresh    RefreshConfig   `yaml:"refresh"`
}

// PlatformConfig selects the forge API endpoint.
type PlatformConfig struct {
	// BaseURL is the REST API root. Defaults to https://api.github.com.
	// Must be https.
	BaseURL string `yaml:"base_url"`

	// GitHost is the only host git remotes may name; the platform
	// credential is never attached to a request bound anywhere else.
	// Defaults to "github.com".
	GitHost string `yaml:"git_host"`
}

// IdentityConfig names the bot account the gateway acts as.
type IdentityConfig struct {
	// Bot is the canonical bot login. Required.
	Bot string `yaml:"bot"`

	// Aliases are alternate spellings the platform may report for the
	// same identity (e.g., "forgebot[bot]" for App-attributed actions).
	Aliases []string `yaml:"aliases"`
}

// PolicyConfig tunes the ownership engine.
type PolicyConfig struct {
	// ReservedPrefixes are branch-name prefixes the agent may push to
	// before a pull request exists. Defaults to ["agent/"].
	ReservedPrefixes []string `yaml:"reserved_prefixes"`

	// OwnershipTTL bounds staleness of cached ownership facts.
	// Defaults to 60s.
	OwnershipTTL Duration `yaml:"ownership_ttl"`
}

// RateLimitConfig sets per-class operation budgets.
type RateLimitConfig struct {
	// Window is the fixed-window length. Defaults to 1m.
	Window Duration `yaml:"window"`

	// Classes maps operation class names to per-window limits. The
	// "total" class bounds all operations together. Classes without an
	// entry are bounded only by total.
	Classes map[string]int `yaml:"classes"`
}

// AuditConfig locates the audit log.
type AuditConfig struct {
	// Database is the SQLite file path. Required.
	Database string `yaml:"database"`
}

// RefreshConfig tunes credential rotation.
type RefreshConfig struct {
	// Margin is how far before expiry the platform credential is
	// rotated. Defaults to 15m.
	Margin Duration `yaml:"margin"`

	// FailureThreshold is the consecutive-failure count at which the
	// gateway stops serving authenticated operations. Defaults to 3.
	FailureThreshold int `yaml:"failure_threshold"`
}

// Duration is a time.Duration that unmarshals from YAML strings like
// "30s" or "15m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// LoadConfig loads a configuration from a YAML file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Apply defaults
	if config.SocketPath == "" {
		config.SocketPath = "/run/forgeguard/gateway.sock"
	}
	if config.GitPath == "" {
		config.GitPath = "git"
	}
	if config.Platform.BaseURL == "" {
		config.Platform.BaseURL = "https://api.github.com"
	}
	if config.Platform.GitHost == "" {
		config.Platform.GitHost = "github.com"
	}
	if config.Policy.OwnershipTTL == 0 {
		config.Policy.OwnershipTTL = Duration(60 * time.Second)
	}
	if config.RateLimits.Window == 0 {
		config.RateLimits.Window = Duration(time.Minute)
	}
	if config.RateLimits.Classes == nil {
		config.RateLimits.Classes = map[string]int{
			"push":      30,
			"pr_create": 10,
			"total":     120,
		}
	}
	if config.Refresh.Margin == 0 {
		config.Refresh.Margin = Duration(15 * time.Minute)
	}
	if config.Refresh.FailureThreshold == 0 {
		config.Refresh.FailureThreshold = 3
	}

	return &config, nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.SocketPath == "" && c.ListenAddress == "" {
		return fmt.Errorf("one of socket_path or listen_address is required")
	}
	if c.ReposRoot == "" {
		return fmt.Errorf("repos_root is required")
	}
	if !filepath.IsAbs(c.ReposRoot) {
		return fmt.Errorf("repos_root must be an absolute path, got %q", c.ReposRoot)
	}
	if !strings.HasPrefix(c.Platform.BaseURL, "https://") {
		return fmt.Errorf("platform.base_url must be https, got %q", c.Platform.BaseURL)
	}
	if c.Platform.GitHost == "" {
		return fmt.Errorf("platform.git_host is required")
	}
	if strings.ContainsAny(c.Platform.GitHost, "/?#@") || strings.Contains(c.Platform.GitHost, "://") {
		return fmt.Errorf("platform.git_host must be a bare host, got %q", c.Platform.GitHost)
	}
	if c.Identity.Bot == "" {
		return fmt.Errorf("identity.bot is required")
	}
	if c.Audit.Database == "" {
		return fmt.Errorf("audit.database is required")
	}
	for class, limit := range c.RateLimits.Classes {
		if limit < 0 {
			return fmt.Errorf("rate_limits.classes[%q]: limit must be non-negative, got %d", class, limit)
		}
	}
	return nil
}
