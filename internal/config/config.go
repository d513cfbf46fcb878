// Package config handles mcpattach configuration loading.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nugget/mcpattach/internal/buildinfo"
	"github.com/nugget/mcpattach/internal/paths"
	"gopkg.in/yaml.v3"
)

// MCPProtocolVersion is the protocol revision sent in the default
// initialize handshake.
const MCPProtocolVersion = "2024-11-05"

// Handshake defaults written into every server entry that leaves them out.
const (
	DefaultHandshakeMethod    = "initialize"
	DefaultHandshakeRequestID = "handshake"
)

// HistoryDisabled as history_db turns the attach history store off.
const HistoryDisabled = "off"

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/mcpattach/config.yaml, /etc/mcpattach/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "mcpattach", "config.yaml"))
	}

	paths = append(paths, "/etc/mcpattach/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all mcpattach configuration.
type Config struct {
	// StateDir overrides the per-user state root that launch logs and
	// the history database live under.
	StateDir  string         `yaml:"state_dir"`
	LogLevel  string         `yaml:"log_level"`
	LogFormat string         `yaml:"log_format"` // text or json
	Debug     bool           `yaml:"debug"`      // extra launch-log detail
	HistoryDB string         `yaml:"history_db"` // default <state>/history.db; "off" disables
	Listen    ListenConfig   `yaml:"listen"`
	MQTT      MQTTConfig     `yaml:"mqtt"`
	Servers   []ServerConfig `yaml:"servers"`
}

// ListenConfig defines the optional status API server.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`    // 0 disables the API
}

// Enabled reports whether the status API should be served.
func (l ListenConfig) Enabled() bool { return l.Port > 0 }

// Addr returns the host:port the API listens on.
func (l ListenConfig) Addr() string { return fmt.Sprintf("%s:%d", l.Address, l.Port) }

// MQTTConfig defines the optional MQTT status mirror.
type MQTTConfig struct {
	Broker      string `yaml:"broker"` // mqtt://, mqtts://, ssl://, or tcp:// URL
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"` // default "mcpattach"

	// DiscoveryPrefix is the Home Assistant discovery prefix (default
	// "homeassistant"). Set to "off" to skip discovery messages.
	DiscoveryPrefix string `yaml:"discovery_prefix"`
}

// Configured reports whether a broker is set.
func (m MQTTConfig) Configured() bool { return m.Broker != "" }

// ServerConfig describes one tool server.
type ServerConfig struct {
	ID      string            `yaml:"id"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Cwd     string            `yaml:"cwd"`
	Env     map[string]string `yaml:"env"`

	// Restart re-attaches the server when it exits unexpectedly.
	Restart bool `yaml:"restart"`

	Handshake HandshakeConfig `yaml:"handshake"`
}

// HandshakeConfig is the request sent to prove a server is ready and
// the retry policy around it. Zero durations and counts mean defaults.
type HandshakeConfig struct {
	Method    string         `yaml:"method"`
	Params    map[string]any `yaml:"params"`
	RequestID any            `yaml:"request_id"`
	TimeoutMS int            `yaml:"timeout_ms"`
	Retries   int            `yaml:"retries"`
	BackoffMS int            `yaml:"backoff_ms"`
}

// Timeout returns the handshake timeout, or 0 for the default.
func (h HandshakeConfig) Timeout() time.Duration {
	return time.Duration(h.TimeoutMS) * time.Millisecond
}

// Backoff returns the base retry backoff, or 0 for the default.
func (h HandshakeConfig) Backoff() time.Duration {
	return time.Duration(h.BackoffMS) * time.Millisecond
}

// DefaultInitializeParams returns the params of the MCP initialize
// request mcpattach sends when a server does not configure its own.
func DefaultInitializeParams() map[string]any {
	return map[string]any{
		"protocolVersion": MCPProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    buildinfo.ClientName,
			"version": buildinfo.Version,
		},
	}
}

// Load reads configuration from a YAML file, applies defaults, and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Default returns a default configuration with no servers.
func Default() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "text",
		MQTT:      MQTTConfig{TopicPrefix: "mcpattach", DiscoveryPrefix: "homeassistant"},
	}
}

func (c *Config) applyDefaults() {
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "mcpattach"
	}
	c.MQTT.TopicPrefix = strings.TrimSuffix(c.MQTT.TopicPrefix, "/")
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = "homeassistant"
	}
	for i := range c.Servers {
		h := &c.Servers[i].Handshake
		if h.Method == "" {
			h.Method = DefaultHandshakeMethod
		}
		if h.Params == nil && h.Method == DefaultHandshakeMethod {
			h.Params = DefaultInitializeParams()
		}
		if h.RequestID == nil {
			h.RequestID = DefaultHandshakeRequestID
		}
	}
}

// Validate reports every problem with the configuration at once.
func (c *Config) Validate() error {
	var errs []error

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseLogFormat(c.LogFormat); err != nil {
		errs = append(errs, err)
	}
	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port %d out of range", c.Listen.Port))
	}
	if c.MQTT.Configured() {
		u, err := url.Parse(c.MQTT.Broker)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("mqtt.broker: %w", err))
		case u.Host == "":
			errs = append(errs, fmt.Errorf("mqtt.broker %q has no host", c.MQTT.Broker))
		}
	}

	seen := make(map[string]bool, len(c.Servers))
	for i, s := range c.Servers {
		where := fmt.Sprintf("servers[%d]", i)
		if s.ID != "" {
			where = fmt.Sprintf("servers[%d] (%s)", i, s.ID)
		}
		if err := paths.ValidateID(s.ID); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", where, err))
		}
		if seen[s.ID] {
			errs = append(errs, fmt.Errorf("%s: duplicate id", where))
		}
		seen[s.ID] = true
		if s.Command == "" {
			errs = append(errs, fmt.Errorf("%s: command is required", where))
		}
		h := s.Handshake
		if h.TimeoutMS < 0 || h.Retries < 0 || h.BackoffMS < 0 {
			errs = append(errs, fmt.Errorf("%s: handshake timeout_ms, retries, and backoff_ms must not be negative", where))
		}
	}

	return errors.Join(errs...)
}

// Server returns the server configured with id.
func (c *Config) Server(id string) (ServerConfig, bool) {
	for _, s := range c.Servers {
		if s.ID == id {
			return s, true
		}
	}
	return ServerConfig{}, false
}

// StateRoot resolves the state directory: state_dir if set, otherwise
// the per-user default.
func (c *Config) StateRoot() (string, error) {
	return paths.StateRoot(c.StateDir)
}

// HistoryPath returns the history database path under root, or "" when
// history is disabled.
func (c *Config) HistoryPath(root string) string {
	switch c.HistoryDB {
	case HistoryDisabled:
		return ""
	case "":
		return filepath.Join(root, "history.db")
	default:
		return paths.ExpandHome(c.HistoryDB)
	}
}
