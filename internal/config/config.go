// Package config loads and saves the daemon's YAML settings file.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"corekeeper/internal/core/types"
	"corekeeper/internal/paths"
	pkgerrors "corekeeper/pkg/errors"
)

// Environment overrides applied after the file is read.
const (
	EnvKernelPath = "COREKEEPER_KERNEL_PATH"
	EnvLogLevel   = "COREKEEPER_LOG_LEVEL"
)

// AutoConnect values besides a connection id.
const (
	AutoConnectNone = "none"
	AutoConnectLast = "last"
)

// Config represents the daemon configuration.
type Config struct {
	Kernel       KernelConfig       `yaml:"kernel" json:"kernel"`
	Inbound      InboundConfig      `yaml:"inbound" json:"inbound"`
	DNSServers   []string           `yaml:"dns_servers" json:"dns_servers"`
	Routing      []RoutingRule      `yaml:"routing" json:"routing"`
	Log          LogConfig          `yaml:"log" json:"log"`
	Subscription SubscriptionConfig `yaml:"subscription" json:"subscription"`
	Latency      LatencyConfig      `yaml:"latency" json:"latency"`

	// StatsInterval is how often traffic counters are polled.
	StatsInterval time.Duration `yaml:"stats_interval" json:"stats_interval"`
	// AutoConnect is "none", "last" or a connection id/name started with the daemon.
	AutoConnect string `yaml:"auto_connect" json:"auto_connect"`
	// Notifications enables desktop notifications for connection events.
	Notifications bool `yaml:"notifications" json:"notifications"`
}

// KernelConfig locates and tunes the proxy kernel.
type KernelConfig struct {
	Path        string        `yaml:"path" json:"path"`
	AssetDir    string        `yaml:"asset_dir" json:"asset_dir"`
	LogLevel    string        `yaml:"log_level" json:"log_level"`
	APIPort     int           `yaml:"api_port" json:"api_port"`
	StartGrace  time.Duration `yaml:"start_grace" json:"start_grace"`
	StopTimeout time.Duration `yaml:"stop_timeout" json:"stop_timeout"`
}

// InboundConfig are the local proxy listeners.
type InboundConfig struct {
	Listen    string `yaml:"listen" json:"listen"`
	SOCKSPort int    `yaml:"socks_port" json:"socks_port"`
	HTTPPort  int    `yaml:"http_port" json:"http_port"`
}

// RoutingRule sends traffic matching Pattern to Outbound.
type RoutingRule struct {
	Type     string `yaml:"type" json:"type"` // domain, geosite, ip, geoip
	Pattern  string `yaml:"pattern" json:"pattern"`
	Outbound string `yaml:"outbound" json:"outbound"` // proxy, direct, block
}

type LogConfig struct {
	Level string `yaml:"level" json:"level"`
	File  string `yaml:"file" json:"file"`
}

type SubscriptionConfig struct {
	CheckInterval time.Duration `yaml:"check_interval" json:"check_interval"`
	UserAgent     string        `yaml:"user_agent" json:"user_agent"`
	Timeout       time.Duration `yaml:"timeout" json:"timeout"`
	Retries       int           `yaml:"retries" json:"retries"`
}

type LatencyConfig struct {
	Workers int           `yaml:"workers" json:"workers"`
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Kernel: KernelConfig{
			LogLevel:    "warning",
			APIPort:     10085,
			StartGrace:  time.Second,
			StopTimeout: 5 * time.Second,
		},
		Inbound: InboundConfig{
			Listen:    "127.0.0.1",
			SOCKSPort: 1080,
			HTTPPort:  1081,
		},
		DNSServers: []string{"1.1.1.1", "8.8.8.8"},
		Log: LogConfig{
			Level: "info",
		},
		Subscription: SubscriptionConfig{
			CheckInterval: 5 * time.Minute,
			UserAgent:     "corekeeper/1.0",
			Timeout:       30 * time.Second,
			Retries:       3,
		},
		Latency: LatencyConfig{
			Workers: 10,
			Timeout: 5 * time.Second,
		},
		StatsInterval: time.Second,
		AutoConnect:   AutoConnectNone,
		Notifications: true,
	}
}

// Load reads the configuration at path. A missing file is created with
// default values. Errors wrap ErrConfigPath when the file cannot be reached
// and ErrConfigCorrupt when it cannot be parsed.
func Load(path string) (*Config, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("%w: %v", pkgerrors.ErrConfigPath, err)
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		cfg := Default()
		if err := cfg.Save(path); err != nil {
			return nil, fmt.Errorf("%w: %v", pkgerrors.ErrConfigPath, err)
		}
		cfg.applyEnv()
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pkgerrors.ErrConfigPath, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	cfg.applyEnv()
	return cfg, nil
}

// Parse decodes YAML on top of the defaults. Unknown fields are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if len(bytes.TrimSpace(data)) > 0 {
		decoder := yaml.NewDecoder(bytes.NewReader(data))
		decoder.KnownFields(true)
		if err := decoder.Decode(cfg); err != nil {
			return nil, fmt.Errorf("%w: %v", pkgerrors.ErrConfigCorrupt, err)
		}
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", pkgerrors.ErrConfigCorrupt, err)
	}
	return cfg, nil
}

var (
	validLogLevels    = []string{"debug", "info", "warn", "error"}
	validKernelLevels = []string{"debug", "info", "warning", "error", "none"}
	validOutbounds    = []string{"proxy", "direct", "block"}
	validRuleTypes    = []string{"domain", "geosite", "ip", "geoip"}
)

// validate normalizes out-of-range values and rejects settings the daemon
// cannot run with.
func (c *Config) validate() error {
	def := Default()

	if !slices.Contains(validLogLevels, c.Log.Level) {
		c.Log.Level = def.Log.Level
	}
	if !slices.Contains(validKernelLevels, c.Kernel.LogLevel) {
		c.Kernel.LogLevel = def.Kernel.LogLevel
	}
	if c.Kernel.StartGrace <= 0 {
		c.Kernel.StartGrace = def.Kernel.StartGrace
	}
	if c.Kernel.StopTimeout <= 0 {
		c.Kernel.StopTimeout = def.Kernel.StopTimeout
	}
	if c.StatsInterval < 200*time.Millisecond {
		c.StatsInterval = def.StatsInterval
	}
	if c.Subscription.CheckInterval < time.Minute {
		c.Subscription.CheckInterval = def.Subscription.CheckInterval
	}
	if c.Subscription.Timeout <= 0 {
		c.Subscription.Timeout = def.Subscription.Timeout
	}
	if c.Subscription.Retries < 0 {
		c.Subscription.Retries = 0
	}
	if c.Latency.Workers <= 0 {
		c.Latency.Workers = def.Latency.Workers
	}
	if c.Latency.Timeout <= 0 {
		c.Latency.Timeout = def.Latency.Timeout
	}
	if strings.TrimSpace(c.AutoConnect) == "" {
		c.AutoConnect = AutoConnectNone
	}
	if c.Inbound.Listen == "" {
		c.Inbound.Listen = def.Inbound.Listen
	}

	for name, port := range map[string]int{
		"inbound.socks_port": c.Inbound.SOCKSPort,
		"inbound.http_port":  c.Inbound.HTTPPort,
		"kernel.api_port":    c.Kernel.APIPort,
	} {
		if port < 0 || port > 65535 {
			return fmt.Errorf("%s %d out of range", name, port)
		}
	}
	if c.Inbound.SOCKSPort == 0 && c.Inbound.HTTPPort == 0 {
		return fmt.Errorf("at least one of inbound.socks_port and inbound.http_port must be set")
	}
	if c.Inbound.SOCKSPort != 0 && c.Inbound.SOCKSPort == c.Inbound.HTTPPort {
		return fmt.Errorf("inbound.socks_port and inbound.http_port are both %d", c.Inbound.SOCKSPort)
	}
	if c.Kernel.APIPort == 0 {
		c.Kernel.APIPort = def.Kernel.APIPort
	}
	if c.Kernel.APIPort == c.Inbound.SOCKSPort || c.Kernel.APIPort == c.Inbound.HTTPPort {
		return fmt.Errorf("kernel.api_port %d collides with an inbound port", c.Kernel.APIPort)
	}

	for i, r := range c.Routing {
		if !slices.Contains(validRuleTypes, r.Type) {
			return fmt.Errorf("routing[%d]: unknown type %q", i, r.Type)
		}
		if !slices.Contains(validOutbounds, r.Outbound) {
			return fmt.Errorf("routing[%d]: unknown outbound %q", i, r.Outbound)
		}
		if r.Pattern == "" {
			return fmt.Errorf("routing[%d]: empty pattern", i)
		}
	}
	return nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvKernelPath); v != "" {
		c.Kernel.Path = v
	}
	if v := strings.ToLower(os.Getenv(EnvLogLevel)); slices.Contains(validLogLevels, v) {
		c.Log.Level = v
	}
}

// Save writes the configuration to path.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("error serializing configuration: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("error saving configuration: %w", err)
	}
	paths.ChownToRealUser(path)
	return nil
}

// CoreTemplate is the kernel config shared by every connection.
func (c *Config) CoreTemplate() types.CoreConfig {
	rules := make([]types.RoutingRule, 0, len(c.Routing))
	for _, r := range c.Routing {
		rules = append(rules, types.RoutingRule{Type: r.Type, Pattern: r.Pattern, Outbound: r.Outbound})
	}
	return types.CoreConfig{
		SOCKSPort:    c.Inbound.SOCKSPort,
		HTTPPort:     c.Inbound.HTTPPort,
		Listen:       c.Inbound.Listen,
		APIPort:      c.Kernel.APIPort,
		LogLevel:     c.Kernel.LogLevel,
		DNSServers:   append([]string(nil), c.DNSServers...),
		RoutingRules: rules,
	}
}

// JSON renders the configuration compactly for diagnostics.
func (c *Config) JSON() string {
	data, err := json.Marshal(c)
	if err != nil {
		return "{}"
	}
	return string(data)
}
