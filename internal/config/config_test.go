package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg == nil {
		t.Fatal("DefaultConfig returned nil")
	}

	if cfg.Policy.Mode != ModeDetect {
		t.Errorf("expected default mode %q, got %q", ModeDetect, cfg.Policy.Mode)
	}
	if cfg.Detectors.Brute.Threshold != 10 {
		t.Errorf("expected brute threshold 10, got %d", cfg.Detectors.Brute.Threshold)
	}
	if cfg.Detectors.Brute.Window != 10*time.Second {
		t.Errorf("expected brute window 10s, got %v", cfg.Detectors.Brute.Window)
	}
	if cfg.Detectors.Cooldown != 30*time.Second {
		t.Errorf("expected cooldown 30s, got %v", cfg.Detectors.Cooldown)
	}

	m := cfg.Scoring.Metrics
	tests := []struct {
		name   string
		metric MetricConfig
		weight float64
		cap    float64
		window time.Duration
	}{
		{"fail_rate", m.FailRate, 0.40, 30, 60 * time.Second},
		{"conn_rate", m.ConnRate, 0.25, 20, 60 * time.Second},
		{"unique_ips", m.UniqueIPs, 0.20, 15, 600 * time.Second},
		{"repeat_offenders", m.RepeatOffenders, 0.10, 10, 3600 * time.Second},
		{"ban_events", m.BanEvents, 0.05, 5, 600 * time.Second},
	}
	for _, tt := range tests {
		if tt.metric.Weight != tt.weight || tt.metric.Cap != tt.cap || tt.metric.Window != tt.window {
			t.Errorf("%s: got (%v, %v, %v), want (%v, %v, %v)", tt.name,
				tt.metric.Weight, tt.metric.Cap, tt.metric.Window, tt.weight, tt.cap, tt.window)
		}
	}

	if cfg.Policy.Orange.BlockDuration != 60*time.Second {
		t.Errorf("expected orange block 60s, got %v", cfg.Policy.Orange.BlockDuration)
	}
	if cfg.Policy.Red.BlockDuration != 300*time.Second {
		t.Errorf("expected red block 300s, got %v", cfg.Policy.Red.BlockDuration)
	}
	if len(cfg.Policy.Modules) != 5 {
		t.Errorf("expected 5 policy modules, got %d", len(cfg.Policy.Modules))
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("DefaultConfig should be valid, got error: %v", err)
	}
}

func TestValidate_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "unknown mode",
			mutate:  func(c *Config) { c.Policy.Mode = "block-everything" },
			wantErr: "Mode",
		},
		{
			name:    "zero brute threshold",
			mutate:  func(c *Config) { c.Detectors.Brute.Threshold = 0 },
			wantErr: "Threshold",
		},
		{
			name:    "weights do not sum to one",
			mutate:  func(c *Config) { c.Scoring.Metrics.FailRate.Weight = 0.5 },
			wantErr: "sum to 1.0",
		},
		{
			name:    "zero cap",
			mutate:  func(c *Config) { c.Scoring.Metrics.ConnRate.Cap = 0 },
			wantErr: "Cap",
		},
		{
			name:    "short red block",
			mutate:  func(c *Config) { c.Policy.Red.BlockDuration = 10 * time.Second },
			wantErr: "red.block_duration",
		},
		{
			name:    "bad allowlist entry",
			mutate:  func(c *Config) { c.Redirectors[0].AllowList = []string{"not-an-ip"} },
			wantErr: "redirectors[0].allowlist",
		},
		{
			name:    "duplicate redirector",
			mutate:  func(c *Config) { c.Redirectors = append(c.Redirectors, c.Redirectors[0]) },
			wantErr: "redirector \"ssh\" configured twice",
		},
		{
			name:    "cidr in blocklist seed",
			mutate:  func(c *Config) { c.BlockList.Seed = []string{"10.0.0.0/8"} },
			wantErr: "single address",
		},
		{
			name: "duplicate module",
			mutate: func(c *Config) {
				c.Policy.Modules = append(c.Policy.Modules, c.Policy.Modules[0])
			},
			wantErr: "configured twice",
		},
		{
			name:    "unknown firewall backend",
			mutate:  func(c *Config) { c.Firewall.Backend = "pf" },
			wantErr: "Backend",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestSplitAndTrim(t *testing.T) {
	tests := []struct {
		input    string
		expected []string
	}{
		{"a,b,c", []string{"a", "b", "c"}},
		{" 10.0.0.1 , 10.0.0.2 ", []string{"10.0.0.1", "10.0.0.2"}},
		{"a,,b", []string{"a", "b"}},
		{"", []string{}},
	}

	for _, tt := range tests {
		got := splitAndTrim(tt.input, ",")
		if len(got) != len(tt.expected) {
			t.Errorf("splitAndTrim(%q) = %v, want %v", tt.input, got, tt.expected)
			continue
		}
		for i := range got {
			if got[i] != tt.expected[i] {
				t.Errorf("splitAndTrim(%q)[%d] = %q, want %q", tt.input, i, got[i], tt.expected[i])
			}
		}
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Run("mode and lists", func(t *testing.T) {
		t.Setenv("GHOSTWALL_MODE", ModeAutoBlock)
		t.Setenv("GHOSTWALL_ALLOWLIST", "192.168.1.10, 10.1.0.0/16")
		t.Setenv("GHOSTWALL_LISTEN_ADDR", ":22")

		cfg := DefaultConfig()
		if err := cfg.applyEnvOverrides(); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cfg.Policy.Mode != ModeAutoBlock {
			t.Errorf("expected mode auto-block, got %s", cfg.Policy.Mode)
		}
		r := cfg.Redirectors[0]
		if len(r.AllowList) != 2 {
			t.Errorf("expected 2 allowlist entries, got %v", r.AllowList)
		}
		if !r.Enabled || r.ListenAddr != ":22" {
			t.Errorf("expected redirector enabled on :22, got %v %s", r.Enabled, r.ListenAddr)
		}
	})

	t.Run("numeric thresholds", func(t *testing.T) {
		t.Setenv("GHOSTWALL_BRUTE_THRESHOLD", "25")
		t.Setenv("GHOSTWALL_COOLDOWN", "45s")

		cfg := DefaultConfig()
		if err := cfg.applyEnvOverrides(); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cfg.Detectors.Brute.Threshold != 25 {
			t.Errorf("expected brute threshold 25, got %d", cfg.Detectors.Brute.Threshold)
		}
		if cfg.Detectors.Cooldown != 45*time.Second {
			t.Errorf("expected cooldown 45s, got %v", cfg.Detectors.Cooldown)
		}
	})

	t.Run("non-numeric threshold is fatal", func(t *testing.T) {
		t.Setenv("GHOSTWALL_BRUTE_THRESHOLD", "ten")

		cfg := DefaultConfig()
		if err := cfg.applyEnvOverrides(); err == nil {
			t.Error("expected error for non-numeric threshold")
		}
	})

	t.Run("bad duration is fatal", func(t *testing.T) {
		t.Setenv("GHOSTWALL_DECAY_HALF_LIFE", "forever")

		cfg := DefaultConfig()
		if err := cfg.applyEnvOverrides(); err == nil {
			t.Error("expected error for bad duration")
		}
	})
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ghostwall.yaml")
	data := `
policy:
  mode: auto-block
detectors:
  brute:
    window: 20s
    threshold: 5
scoring:
  half_life: 3m
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("GHOSTWALL_CONFIG_PATH", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Policy.Mode != ModeAutoBlock {
		t.Errorf("expected auto-block, got %s", cfg.Policy.Mode)
	}
	if cfg.Detectors.Brute.Window != 20*time.Second || cfg.Detectors.Brute.Threshold != 5 {
		t.Errorf("unexpected brute config: %+v", cfg.Detectors.Brute)
	}
	if cfg.Scoring.HalfLife != 3*time.Minute {
		t.Errorf("expected half life 3m, got %v", cfg.Scoring.HalfLife)
	}
	// untouched sections keep their defaults
	if cfg.Detectors.Sweep.Threshold != 15 {
		t.Errorf("expected default sweep threshold, got %d", cfg.Detectors.Sweep.Threshold)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("loaded config should validate: %v", err)
	}
}

func TestLoad_RedirectorList(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ghostwall.yaml")
	data := `
redirectors:
  - enabled: true
    listen_addr: ":22"
    backend_addr: 127.0.0.1:2200
    decoy_addr: 127.0.0.1:2222
  - name: telnet-edge
    enabled: true
    service: telnet
    listen_addr: ":23"
    backend_addr: 127.0.0.1:2300
    decoy_addr: 127.0.0.1:2323
    max_connections: 64
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("GHOSTWALL_CONFIG_PATH", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(cfg.Redirectors) != 2 {
		t.Fatalf("expected 2 redirectors, got %d", len(cfg.Redirectors))
	}
	ssh, telnet := cfg.Redirectors[0], cfg.Redirectors[1]
	if ssh.Label() != "ssh" || ssh.MaxConnections != 1024 || ssh.IdleTimeout != 15*time.Minute {
		t.Errorf("unset keys should keep redirector defaults: %+v", ssh)
	}
	if telnet.Label() != "telnet-edge" || telnet.Service != "telnet" || telnet.MaxConnections != 64 {
		t.Errorf("unexpected telnet redirector: %+v", telnet)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("loaded config should validate: %v", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Setenv("GHOSTWALL_CONFIG_PATH", filepath.Join(t.TempDir(), "absent.yaml"))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("missing file should yield defaults, got %v", err)
	}
	if cfg.Policy.Mode != ModeDetect {
		t.Errorf("expected default mode, got %s", cfg.Policy.Mode)
	}
}

func TestParsePrefix(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"10.0.0.5", "10.0.0.5/32", false},
		{"10.0.0.77/24", "10.0.0.0/24", false},
		{"::1", "::1/128", false},
		{"bogus", "", true},
		{"10.0.0.0/99", "", true},
	}
	for _, tt := range tests {
		got, err := ParsePrefix(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParsePrefix(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got.String() != tt.want {
			t.Errorf("ParsePrefix(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}
