// Copyright 2026 The Forgeguard Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

const validConfig = `
socket_path: /run/forgeguard/gateway.sock
repos_root: /var/lib/forgeguard/repos
identity:
  bot: forgebot
  aliases: ["forgebot[bot]"]
policy:
  reserved_prefixes: [agent/, bot/]
  ownership_ttl: 30s
rate_limits:
  window: 2m
  classes:
    push: 15
    total: 60
audit:
  database: /var/lib/forgeguard/audit.db
refresh:
  margin: 10m
  failure_threshold: 5
`

func TestLoadConfig(t *testing.T) {
	config, err := LoadConfig(writeConfig(t, validConfig))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if err := config.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if config.Platform.BaseURL != "https://api.github.com" {
		t.Errorf("default base_url = %q", config.Platform.BaseURL)
	}
	if config.GitPath != "git" {
		t.Errorf("default git_path = %q", config.GitPath)
	}
	if got := config.Policy.OwnershipTTL.Std(); got != 30*time.Second {
		t.Errorf("ownership_ttl = %s, want 30s", got)
	}
	if len(config.Policy.ReservedPrefixes) != 2 {
		t.Errorf("reserved_prefixes = %v", config.Policy.ReservedPrefixes)
	}
	if got := config.RateLimits.Window.Std(); got != 2*time.Minute {
		t.Errorf("window = %s, want 2m", got)
	}
	if config.RateLimits.Classes["push"] != 15 {
		t.Errorf("push limit = %d, want 15", config.RateLimits.Classes["push"])
	}
	if got := config.Refresh.Margin.Std(); got != 10*time.Minute {
		t.Errorf("margin = %s, want 10m", got)
	}
	if config.Refresh.FailureThreshold != 5 {
		t.Errorf("failure_threshold = %d, want 5", config.Refresh.FailureThreshold)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	config, err := LoadConfig(writeConfig(t, `
repos_root: /var/lib/forgeguard/repos
identity:
  bot: forgebot
audit:
  database: /var/lib/forgeguard/audit.db
`))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if err := config.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if config.SocketPath != "/run/forgeguard/gateway.sock" {
		t.Errorf("default socket_path = %q", config.SocketPath)
	}
	if got := config.Policy.OwnershipTTL.Std(); got != 60*time.Second {
		t.Errorf("default ownership_ttl = %s", got)
	}
	if got := config.RateLimits.Window.Std(); got != time.Minute {
		t.Errorf("default window = %s", got)
	}
	if config.RateLimits.Classes["total"] != 120 {
		t.Errorf("default total limit = %d", config.RateLimits.Classes["total"])
	}
	if config.Platform.GitHost != "github.com" {
		t.Errorf("default git_host = %q", config.Platform.GitHost)
	}
	if config.Refresh.FailureThreshold != 3 {
		t.Errorf("default failure_threshold = %d", config.Refresh.FailureThreshold)
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"missing repos_root", func(c *Config) { c.ReposRoot = "" }, "repos_root"},
		{"relative repos_root", func(c *Config) { c.ReposRoot = "repos" }, "absolute"},
		{"missing bot", func(c *Config) { c.Identity.Bot = "" }, "identity.bot"},
		{"missing database", func(c *Config) { c.Audit.Database = "" }, "audit.database"},
		{"plain http platform", func(c *Config) { c.Platform.BaseURL = "http://api.github.com" }, "https"},
		{"negative limit", func(c *Config) { c.RateLimits.Classes["push"] = -1 }, "non-negative"},
		{"missing git_host", func(c *Config) { c.Platform.GitHost = "" }, "git_host"},
		{"git_host with scheme", func(c *Config) { c.Platform.GitHost = "https://github.com" }, "bare host"},
		{"git_host with path", func(c *Config) { c.Platform.GitHost = "github.com/evil" }, "bare host"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			config, err := LoadConfig(writeConfig(t, validConfig))
			if err != nil {
				t.Fatalf("LoadConfig: %v", err)
			}
			test.mutate(config)
			err = config.Validate()
			if err == nil {
				t.Fatal("Validate succeeded, want error")
			}
			if !strings.Contains(err.Error(), test.wantErr) {
				t.Errorf("error %q does not mention %q", err, test.wantErr)
			}
		})
	}
}

func TestDurationRejectsGarbage(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, `
repos_root: /repos
policy:
  ownership_ttl: quickly
`))
	if err == nil || !strings.Contains(err.Error(), "invalid duration") {
		t.Errorf("LoadConfig = %v, want invalid duration error", err)
	}
}
