package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
anthropic:
  api_key: test-key
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Loop.MaxIterations != 15 {
		t.Fatalf("max_iterations default = %d, want 15", cfg.Loop.MaxIterations)
	}
	if cfg.Redis.SessionTTL != 24*time.Hour {
		t.Fatalf("session_ttl default = %s", cfg.Redis.SessionTTL)
	}
	if cfg.SSE.MaxConnections != 50 {
		t.Fatalf("max_connections default = %d", cfg.SSE.MaxConnections)
	}
	if cfg.Profile != "research" {
		t.Fatalf("profile default = %q", cfg.Profile)
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("TEST_RELAY_KEY", "sk-from-env")
	path := writeConfig(t, `
anthropic:
  api_key: ${TEST_RELAY_KEY}
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Anthropic.APIKey != "sk-from-env" {
		t.Fatalf("api_key = %q, want expanded env value", cfg.Anthropic.APIKey)
	}
}

func TestLoadRejectsMissingAPIKey(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":9999"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for missing api_key")
	}
}

func TestLoadRejectsDuplicateEndpoints(t *testing.T) {
	path := writeConfig(t, `
anthropic:
  api_key: k
mcp:
  endpoints:
    - name: gateway
      url: http://localhost:3100/mcp
    - name: gateway
      url: http://localhost:3200/mcp
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for duplicate endpoint names")
	}
}

func TestLoadParsesEndpoints(t *testing.T) {
	path := writeConfig(t, `
anthropic:
  api_key: k
profile: browser
mcp:
  endpoints:
    - name: gateway
      url: http://localhost:3100/mcp
      secret: shh
      timeout: 30s
    - name: browser
      url: http://localhost:3200/mcp
      required: true
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.MCP.Endpoints) != 2 {
		t.Fatalf("endpoints = %d, want 2", len(cfg.MCP.Endpoints))
	}
	if cfg.MCP.Endpoints[0].Timeout != 30*time.Second {
		t.Fatalf("timeout = %s", cfg.MCP.Endpoints[0].Timeout)
	}
	if !cfg.MCP.Endpoints[1].Required {
		t.Fatal("required flag not parsed")
	}
	if cfg.Profile != "browser" {
		t.Fatalf("profile = %q", cfg.Profile)
	}
}
