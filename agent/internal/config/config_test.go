package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDuration_UnmarshalJSON_String(t *testing.T) {
	var d Duration
	if err := json.Unmarshal([]byte(`"30s"`), &d); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Duration != 30*time.Second {
		t.Errorf("expected 30s, got %v", d.Duration)
	}
}

func TestDuration_UnmarshalJSON_Number(t *testing.T) {
	var d Duration
	if err := json.Unmarshal([]byte(`1.5`), &d); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Duration != 1500*time.Millisecond {
		t.Errorf("expected 1.5s, got %v", d.Duration)
	}
}

func TestDuration_UnmarshalJSON_Invalid(t *testing.T) {
	var d Duration
	if err := json.Unmarshal([]byte(`"soon"`), &d); err == nil {
		t.Fatal("expected error for invalid duration string")
	}
	if err := json.Unmarshal([]byte(`true`), &d); err == nil {
		t.Fatal("expected error for boolean duration")
	}
}

func TestDuration_RoundTrip(t *testing.T) {
	original := Duration{Duration: 45 * time.Second}
	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}
	var decoded Duration
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if decoded.Duration != original.Duration {
		t.Errorf("round-trip mismatch: expected %v, got %v", original.Duration, decoded.Duration)
	}
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeTemp(t, `{
		"backend": {"url": "https://api.example.com/api", "request_timeout": "5s"},
		"channel": {"reconnect_interval": "1s", "max_reconnect_attempts": 3},
		"agent": {"log_level": "debug", "notifications": "granted"}
	}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Backend.URL != "https://api.example.com/api" {
		t.Errorf("wrong backend URL: %s", cfg.Backend.URL)
	}
	if cfg.Backend.RequestTimeout.Duration != 5*time.Second {
		t.Errorf("wrong request timeout: %v", cfg.Backend.RequestTimeout.Duration)
	}
	if cfg.Channel.ReconnectInterval.Duration != time.Second {
		t.Errorf("wrong reconnect interval: %v", cfg.Channel.ReconnectInterval.Duration)
	}
	if cfg.Channel.MaxReconnectAttempts != 3 {
		t.Errorf("wrong max attempts: %d", cfg.Channel.MaxReconnectAttempts)
	}
	if cfg.Agent.Notifications != "granted" {
		t.Errorf("wrong notifications: %s", cfg.Agent.Notifications)
	}
}

func TestLoad_AppliesDefaults(t *testing.T) {
	path := writeTemp(t, `{"backend": {"url": "http://localhost:8000"}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Channel.ReconnectInterval.Duration != 3*time.Second {
		t.Errorf("expected default reconnect interval 3s, got %v", cfg.Channel.ReconnectInterval.Duration)
	}
	if cfg.Channel.MaxReconnectAttempts != 5 {
		t.Errorf("expected default max attempts 5, got %d", cfg.Channel.MaxReconnectAttempts)
	}
	if cfg.Channel.HeartbeatInterval.Duration != 30*time.Second {
		t.Errorf("expected default heartbeat 30s, got %v", cfg.Channel.HeartbeatInterval.Duration)
	}
	if cfg.Backend.RequestTimeout.Duration != 15*time.Second {
		t.Errorf("expected default request timeout 15s, got %v", cfg.Backend.RequestTimeout.Duration)
	}
	if cfg.Agent.LogLevel != "info" {
		t.Errorf("expected default log level info, got %s", cfg.Agent.LogLevel)
	}
	if cfg.Agent.Notifications != "default" {
		t.Errorf("expected default notifications, got %s", cfg.Agent.Notifications)
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	tests := map[string]string{
		"missing url":    `{"backend": {}}`,
		"ws scheme":      `{"backend": {"url": "ws://localhost"}}`,
		"no host":        `{"backend": {"url": "http://"}}`,
		"bad attempts":   `{"backend": {"url": "http://h"}, "channel": {"max_reconnect_attempts": -1}}`,
		"bad notify":     `{"backend": {"url": "http://h"}, "agent": {"notifications": "always"}}`,
		"bad log level":  `{"backend": {"url": "http://h"}, "agent": {"log_level": "loud"}}`,
		"invalid json":   `not json`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeTemp(t, body)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	if _, err := Load("/nonexistent/path/config.json"); err == nil {
		t.Fatal("expected error for nonexistent file")
	}
}

func TestSave_RoundTrip(t *testing.T) {
	cfg := &Config{Backend: BackendConfig{URL: "https://api.example.com"}}
	cfg.ApplyDefaults()

	path := filepath.Join(t.TempDir(), "agent-config.json")
	if err := Save(path, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Backend.URL != cfg.Backend.URL {
		t.Errorf("URL mismatch: %s", loaded.Backend.URL)
	}
	if loaded.Channel.HeartbeatInterval != cfg.Channel.HeartbeatInterval {
		t.Errorf("heartbeat mismatch: %v", loaded.Channel.HeartbeatInterval)
	}
}

// writeTemp creates a temporary file with the given content and returns its path.
func writeTemp(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}
