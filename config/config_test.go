package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Client.MaxReconnectAttempts != 5 {
		t.Fatalf("expected 5 reconnect attempts, got %d", cfg.Client.MaxReconnectAttempts)
	}
	if cfg.OperatorID != "operator" {
		t.Fatalf("expected operator id %q, got %q", "operator", cfg.OperatorID)
	}
	if cfg.Redis.Enabled {
		t.Fatal("redis should be disabled by default")
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.yaml")
	data := `
port: "9000"
operator_id: desk
client:
  max_reconnect_attempts: 3
  negotiation_timeout: 5s
redis:
  enabled: true
  host: cache
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("PORT", "9100")
	t.Setenv("STUN_URLS", "stun:a:3478, stun:b:3478")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != "9100" {
		t.Fatalf("env should win over file, got port %q", cfg.Port)
	}
	if cfg.OperatorID != "desk" {
		t.Fatalf("expected operator id from file, got %q", cfg.OperatorID)
	}
	if cfg.Client.MaxReconnectAttempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", cfg.Client.MaxReconnectAttempts)
	}
	if cfg.Client.NegotiationTimeout != 5*time.Second {
		t.Fatalf("expected 5s timeout, got %s", cfg.Client.NegotiationTimeout)
	}
	if !cfg.Redis.Enabled || cfg.Redis.Addr() != "cache:6379" {
		t.Fatalf("unexpected redis config: %+v", cfg.Redis)
	}
	if len(cfg.Client.STUNURLs) != 2 || cfg.Client.STUNURLs[1] != "stun:b:3478" {
		t.Fatalf("unexpected stun urls: %v", cfg.Client.STUNURLs)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"zero attempts", "MAX_RECONNECT_ATTEMPTS", "0"},
		{"not a number", "MESSAGE_BURST", "lots"},
		{"bad duration", "RECONNECT_DELAY", "soon"},
		{"negative rate", "MESSAGE_RATE", "-1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("CONFIG_FILE", "")
			t.Setenv(tt.key, tt.val)
			if _, err := Load(); err == nil {
				t.Fatalf("expected error for %s=%s", tt.key, tt.val)
			}
		})
	}
}
