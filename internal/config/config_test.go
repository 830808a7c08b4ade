package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	pkgerrors "corekeeper/pkg/errors"
)

func TestLoadCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Inbound.SOCKSPort != 1080 || cfg.AutoConnect != AutoConnectNone {
		t.Fatalf("Load() = %+v, want defaults", cfg)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("default config not written: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("config mode = %o, want 600", perm)
	}

	again, err := Load(path)
	if err != nil {
		t.Fatalf("reloading the written defaults: %v", err)
	}
	if again.StatsInterval != time.Second || again.Kernel.StopTimeout != 5*time.Second {
		t.Errorf("durations did not round trip: %+v", again)
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr bool
		check   func(t *testing.T, c *Config)
	}{
		{
			name: "empty file is all defaults",
			yaml: "",
			check: func(t *testing.T, c *Config) {
				if c.Log.Level != "info" {
					t.Errorf("log level = %q", c.Log.Level)
				}
			},
		},
		{
			name: "overrides",
			yaml: "inbound:\n  socks_port: 2080\n  http_port: 0\nstats_interval: 3s\nauto_connect: last\n",
			check: func(t *testing.T, c *Config) {
				if c.Inbound.SOCKSPort != 2080 || c.Inbound.HTTPPort != 0 {
					t.Errorf("inbound = %+v", c.Inbound)
				}
				if c.StatsInterval != 3*time.Second || c.AutoConnect != AutoConnectLast {
					t.Errorf("config = %+v", c)
				}
			},
		},
		{
			name: "bad values are normalized",
			yaml: "log:\n  level: loud\nstats_interval: 1ms\nlatency:\n  workers: -3\n",
			check: func(t *testing.T, c *Config) {
				if c.Log.Level != "info" || c.StatsInterval != time.Second || c.Latency.Workers != 10 {
					t.Errorf("config = %+v", c)
				}
			},
		},
		{name: "unknown field", yaml: "themes: dark\n", wantErr: true},
		{name: "not yaml", yaml: "inbound: [\n", wantErr: true},
		{name: "port clash", yaml: "inbound:\n  socks_port: 1080\n  http_port: 1080\n", wantErr: true},
		{name: "no inbound", yaml: "inbound:\n  socks_port: 0\n  http_port: 0\n", wantErr: true},
		{name: "port range", yaml: "inbound:\n  socks_port: 70000\n", wantErr: true},
		{name: "bad routing", yaml: "routing:\n  - type: regex\n    pattern: x\n    outbound: proxy\n", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Parse([]byte(tt.yaml))
			if tt.wantErr {
				if !errors.Is(err, pkgerrors.ErrConfigCorrupt) {
					t.Fatalf("Parse() error = %v, want ErrConfigCorrupt", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			tt.check(t, cfg)
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvKernelPath, "/opt/xray/xray")
	t.Setenv(EnvLogLevel, "DEBUG")

	cfg, err := Load(filepath.Join(t.TempDir(), "config.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Kernel.Path != "/opt/xray/xray" || cfg.Log.Level != "debug" {
		t.Fatalf("env overrides not applied: kernel=%q log=%q", cfg.Kernel.Path, cfg.Log.Level)
	}
}

func TestLoadUnreachablePath(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(file, nil, 0600); err != nil {
		t.Fatal(err)
	}
	// a regular file where a directory is expected
	_, err := Load(filepath.Join(file, "config.yaml"))
	if !errors.Is(err, pkgerrors.ErrConfigPath) {
		t.Fatalf("Load() error = %v, want ErrConfigPath", err)
	}
}

func TestCoreTemplateAndJSON(t *testing.T) {
	cfg := Default()
	cfg.Routing = []RoutingRule{{Type: "geosite", Pattern: "cn", Outbound: "direct"}}

	tmpl := cfg.CoreTemplate()
	if tmpl.SOCKSPort != 1080 || tmpl.APIPort != 10085 || len(tmpl.RoutingRules) != 1 {
		t.Fatalf("CoreTemplate() = %+v", tmpl)
	}
	tmpl.DNSServers[0] = "changed"
	if cfg.DNSServers[0] == "changed" {
		t.Fatal("CoreTemplate() shares DNS servers with the config")
	}

	var decoded map[string]any
	if err := json.Unmarshal([]byte(cfg.JSON()), &decoded); err != nil {
		t.Fatalf("JSON() is not valid JSON: %v", err)
	}
	if _, ok := decoded["inbound"]; !ok {
		t.Errorf("JSON() = %s", cfg.JSON())
	}
}
