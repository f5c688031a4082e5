// Package config handles agent configuration loading and validation.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"time"
)

// Config is the top-level agent configuration.
type Config struct {
	Backend BackendConfig `json:"backend"`
	Channel ChannelConfig `json:"channel"`
	Agent   AgentConfig   `json:"agent"`
}

// BackendConfig describes the remote PhishGuard API.
type BackendConfig struct {
	URL            string   `json:"url"` // HTTP base address, e.g. https://api.example.com/api
	TLSSkipVerify  bool     `json:"tls_skip_verify,omitempty"` // dev only
	RequestTimeout Duration `json:"request_timeout,omitempty"`
}

// ChannelConfig tunes the live update channel.
type ChannelConfig struct {
	ReconnectInterval    Duration `json:"reconnect_interval,omitempty"`
	MaxReconnectAttempts int      `json:"max_reconnect_attempts,omitempty"`
	HeartbeatInterval    Duration `json:"heartbeat_interval,omitempty"`
	HandshakeTimeout     Duration `json:"handshake_timeout,omitempty"`
}

// AgentConfig holds process-level settings.
type AgentConfig struct {
	StateDir      string `json:"state_dir,omitempty"` // default ~/.phishguard
	LogLevel      string `json:"log_level,omitempty"`
	Notifications string `json:"notifications,omitempty"` // "default", "granted", "denied"
}

// Duration is a JSON-friendly time.Duration (accepts strings like "30s", "5m",
// or a number of seconds).
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val * float64(time.Second))
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Load reads, validates and applies defaults to a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// Save writes cfg as indented JSON, creating or truncating the file.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Validate checks required fields and enumerations.
func (c *Config) Validate() error {
	if c.Backend.URL == "" {
		return fmt.Errorf("backend.url is required")
	}
	u, err := url.Parse(c.Backend.URL)
	if err != nil {
		return fmt.Errorf("backend.url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("backend.url must use http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("backend.url must include a host")
	}
	if c.Channel.MaxReconnectAttempts < 1 {
		return fmt.Errorf("channel.max_reconnect_attempts must be at least 1")
	}
	switch c.Agent.Notifications {
	case "default", "granted", "denied":
	default:
		return fmt.Errorf("agent.notifications must be default, granted, or denied")
	}
	switch c.Agent.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("agent.log_level must be debug, info, warn, or error")
	}
	return nil
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	if c.Backend.RequestTimeout.Duration == 0 {
		c.Backend.RequestTimeout.Duration = 15 * time.Second
	}
	if c.Channel.ReconnectInterval.Duration == 0 {
		c.Channel.ReconnectInterval.Duration = 3 * time.Second
	}
	if c.Channel.MaxReconnectAttempts == 0 {
		c.Channel.MaxReconnectAttempts = 5
	}
	if c.Channel.HeartbeatInterval.Duration == 0 {
		c.Channel.HeartbeatInterval.Duration = 30 * time.Second
	}
	if c.Channel.HandshakeTimeout.Duration == 0 {
		c.Channel.HandshakeTimeout.Duration = 10 * time.Second
	}
	if c.Agent.LogLevel == "" {
		c.Agent.LogLevel = "info"
	}
	if c.Agent.Notifications == "" {
		c.Agent.Notifications = "default"
	}
}
