// Package config handles configuration loading for GhostWall.
package config

import (
	"fmt"
	"math"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Policy modes.
const (
	ModeDetect    = "detect"
	ModeAutoBlock = "auto-block"
)

// Config holds the complete daemon configuration.
type Config struct {
	Logging     LoggingConfig      `yaml:"logging"`
	Queue       QueueConfig        `yaml:"queue"`
	Sensor      SensorConfig       `yaml:"sensor"`
	Detectors   DetectorsConfig    `yaml:"detectors"`
	Decoy       DecoyConfig        `yaml:"decoy"`
	Scoring     ScoringConfig      `yaml:"scoring"`
	Policy      PolicyConfig       `yaml:"policy"`
	Firewall    FirewallConfig     `yaml:"firewall"`
	BlockList   BlockListConfig    `yaml:"blocklist"`
	Redirectors []RedirectorConfig `yaml:"redirectors" validate:"dive"`
	Ledger      LedgerConfig       `yaml:"ledger"`
	Storage     StorageConfig      `yaml:"storage"`
	Publish     PublishConfig      `yaml:"publish"`
	Server      ServerConfig       `yaml:"server"`
	RateLimit   RateLimitConfig    `yaml:"rate_limit"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json text"`
}

// QueueConfig sizes the per-subscriber event queues.
type QueueConfig struct {
	Size int `yaml:"size" validate:"min=1"`
}

// SensorConfig selects the raw traffic observation sources.
type SensorConfig struct {
	Journal   JournalSensorConfig   `yaml:"journal"`
	File      FileSensorConfig      `yaml:"file"`
	Conntrack ConntrackSensorConfig `yaml:"conntrack"`
}

// JournalSensorConfig reads netfilter LOG lines from the systemd journal.
type JournalSensorConfig struct {
	Enabled bool   `yaml:"enabled"`
	Prefix  string `yaml:"prefix"` // LOG prefix to accept; empty accepts all
}

// FileSensorConfig follows a kernel log file (e.g. /var/log/kern.log).
type FileSensorConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path" validate:"required_if=Enabled true"`
	Prefix  string `yaml:"prefix"`
}

// ConntrackSensorConfig polls the kernel connection tracking table.
type ConntrackSensorConfig struct {
	Enabled      bool          `yaml:"enabled"`
	PollInterval time.Duration `yaml:"poll_interval" validate:"gt=0"`
}

// WindowThreshold is a window-based detector setting.
type WindowThreshold struct {
	Window    time.Duration `yaml:"window" validate:"gt=0"`
	Threshold int           `yaml:"threshold" validate:"min=1"`
}

// HTTPProbeConfig holds HTTP probe detector settings.
type HTTPProbeConfig struct {
	Ports          []int         `yaml:"ports" validate:"min=1,dive,min=1,max=65535"`
	Window         time.Duration `yaml:"window" validate:"gt=0"`
	Threshold      int           `yaml:"threshold" validate:"min=1"`
	BruteThreshold int           `yaml:"brute_threshold" validate:"min=1"`
}

// DetectorsConfig holds thresholds and windows per detector.
type DetectorsConfig struct {
	Cooldown         time.Duration   `yaml:"cooldown" validate:"gt=0"`
	CooldownCapacity int             `yaml:"cooldown_capacity" validate:"min=1"`
	ARP              WindowThreshold `yaml:"arp"`
	Sweep            WindowThreshold `yaml:"sweep"`
	Brute            WindowThreshold `yaml:"brute"`
	HTTP             HTTPProbeConfig `yaml:"http"`
}

// DecoyConfig locates the decoy service logs.
type DecoyConfig struct {
	CowrieLog  string `yaml:"cowrie_log"`
	FTPLog     string `yaml:"ftp_log"`
	StartAtEnd bool   `yaml:"start_at_end"`
}

// MetricConfig is the (weight, cap, window) tuple of a scoring metric.
type MetricConfig struct {
	Weight float64       `yaml:"weight" validate:"gte=0,lte=1"`
	Cap    float64       `yaml:"cap" validate:"gt=0"`
	Window time.Duration `yaml:"window" validate:"gt=0"`
}

// MetricsConfig holds the five scoring metrics.
type MetricsConfig struct {
	FailRate        MetricConfig `yaml:"fail_rate"`
	ConnRate        MetricConfig `yaml:"conn_rate"`
	UniqueIPs       MetricConfig `yaml:"unique_ips"`
	RepeatOffenders MetricConfig `yaml:"repeat_offenders"`
	BanEvents       MetricConfig `yaml:"ban_events"`
}

// ScoringConfig holds scoring engine settings.
type ScoringConfig struct {
	Tick            time.Duration `yaml:"tick" validate:"gt=0"`
	HalfLife        time.Duration `yaml:"half_life" validate:"gt=0"`
	RepeatThreshold int           `yaml:"repeat_threshold" validate:"min=1"`
	Timeline        int           `yaml:"timeline" validate:"min=1"`
	Metrics         MetricsConfig `yaml:"metrics"`
}

// MitigationConfig is the enforcement attached to a policy rule.
type MitigationConfig struct {
	Action         string        `yaml:"action" validate:"omitempty,oneof=block_ip rate_limit"`
	Duration       time.Duration `yaml:"duration"`
	LimitPerMinute int           `yaml:"limit_per_minute"`
}

// RuleConfig is one row of a module's policy table.
type RuleConfig struct {
	ID             string           `yaml:"id" validate:"required"`
	EventTypes     []string         `yaml:"event_types" validate:"min=1"`
	SessionActions []string         `yaml:"session_actions"`
	MinCount       int              `yaml:"min_count" validate:"min=1"`
	Severity       string           `yaml:"severity" validate:"oneof=low medium high"`
	Confidence     float64          `yaml:"confidence" validate:"gte=0,lte=1"`
	Summary        string           `yaml:"summary" validate:"required"`
	Tags           []string         `yaml:"tags"`
	Commands       []string         `yaml:"commands"`
	Mitigation     MitigationConfig `yaml:"mitigation"`
}

// ModuleConfig configures one protocol defense module.
type ModuleConfig struct {
	Name     string        `yaml:"name" validate:"oneof=ssh http ftp telnet smtp"`
	Sources  []string      `yaml:"sources"`
	Ports    []int         `yaml:"ports" validate:"dive,min=1,max=65535"`
	Window   time.Duration `yaml:"window" validate:"gt=0"`
	Cooldown time.Duration `yaml:"cooldown" validate:"gt=0"`
	Rules    []RuleConfig  `yaml:"rules" validate:"min=1,dive"`
}

// EscalationConfig is the response to a threat level.
type EscalationConfig struct {
	TopOffenders  int           `yaml:"top_offenders" validate:"min=1"`
	BlockDuration time.Duration `yaml:"block_duration"`
}

// PolicyConfig holds defense policy engine settings.
type PolicyConfig struct {
	Mode              string           `yaml:"mode" validate:"oneof=detect auto-block"`
	OffenderWindow    time.Duration    `yaml:"offender_window" validate:"gt=0"`
	Orange            EscalationConfig `yaml:"orange"`
	Red               EscalationConfig `yaml:"red"`
	RedRateLimit      int              `yaml:"red_rate_limit" validate:"min=1"`
	ExpirySweep       time.Duration    `yaml:"expiry_sweep" validate:"gt=0"`
	TransitionBacklog int              `yaml:"transition_backlog" validate:"min=1"`
	Modules           []ModuleConfig   `yaml:"modules" validate:"min=1,dive"`
}

// FirewallConfig selects and configures the firewall backend.
type FirewallConfig struct {
	Backend        string        `yaml:"backend" validate:"oneof=auto nftables iptables noop"`
	Table          string        `yaml:"table" validate:"required"`
	Set            string        `yaml:"set" validate:"required"`
	CommandTimeout time.Duration `yaml:"command_timeout" validate:"gt=0"`
	Setup          bool          `yaml:"setup"`
}

// RedisConfig holds redis connection settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Key      string `yaml:"key"`
}

// BlockListConfig holds persistent block-list settings.
type BlockListConfig struct {
	Store string      `yaml:"store" validate:"oneof=file redis"`
	Path  string      `yaml:"path" validate:"required_if=Store file"`
	Redis RedisConfig `yaml:"redis"`
	Seed  []string    `yaml:"seed"`
}

// RedirectorConfig holds the settings of one connection redirector. Each
// redirector fronts a single service.
type RedirectorConfig struct {
	Name           string        `yaml:"name"`
	Enabled        bool          `yaml:"enabled"`
	ListenAddr     string        `yaml:"listen_addr" validate:"required_if=Enabled true"`
	BackendAddr    string        `yaml:"backend_addr" validate:"required_if=Enabled true"`
	DecoyAddr      string        `yaml:"decoy_addr" validate:"required_if=Enabled true"`
	Service        string        `yaml:"service" validate:"oneof=ssh http ftp telnet smtp"`
	AllowList      []string      `yaml:"allowlist"`
	ForceDecoy     []string      `yaml:"force_decoy"`
	MaxConnections int           `yaml:"max_connections" validate:"min=1"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" validate:"gt=0"`
	HalfCloseGrace time.Duration `yaml:"half_close_grace" validate:"gt=0"`
	IdleTimeout    time.Duration `yaml:"idle_timeout" validate:"gt=0"`
	DrainTimeout   time.Duration `yaml:"drain_timeout" validate:"gt=0"`
}

// S3Config holds ledger archive upload settings.
type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket" validate:"required_if=Enabled true"`
	Region          string `yaml:"region"`
	Prefix          string `yaml:"prefix"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UsePathStyle    bool   `yaml:"use_path_style"`
	StorageClass    string `yaml:"storage_class"`
	KeepLocal       bool   `yaml:"keep_local"`
}

// LedgerConfig holds action ledger settings.
type LedgerConfig struct {
	Path          string        `yaml:"path" validate:"required"`
	FlushInterval time.Duration `yaml:"flush_interval" validate:"gt=0"`
	MaxSizeMB     int           `yaml:"max_size_mb" validate:"min=0"`
	Recent        int           `yaml:"recent" validate:"min=1"`
	Archive       S3Config      `yaml:"archive"`
}

// ClickHouseConfig holds ClickHouse event archive settings.
type ClickHouseConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Hosts         []string      `yaml:"hosts"`
	Database      string        `yaml:"database"`
	Username      string        `yaml:"username"`
	Password      string        `yaml:"password"`
	DialTimeout   time.Duration `yaml:"dial_timeout"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
}

// StorageConfig holds the events/sessions store settings.
type StorageConfig struct {
	Driver         string           `yaml:"driver" validate:"oneof=memory sqlite"`
	SQLitePath     string           `yaml:"sqlite_path" validate:"required_if=Driver sqlite"`
	MemoryCapacity int              `yaml:"memory_capacity" validate:"min=1"`
	Retention      time.Duration    `yaml:"retention" validate:"gt=0"`
	ClickHouse     ClickHouseConfig `yaml:"clickhouse"`
}

// KafkaConfig holds kafka publisher settings.
type KafkaConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Brokers      []string      `yaml:"brokers" validate:"required_if=Enabled true"`
	ActionsTopic string        `yaml:"actions_topic"`
	EventsTopic  string        `yaml:"events_topic"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
}

// NATSConfig holds NATS publisher settings.
type NATSConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url" validate:"required_if=Enabled true"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// PublishConfig holds outward stream settings.
type PublishConfig struct {
	Kafka KafkaConfig `yaml:"kafka"`
	NATS  NATSConfig  `yaml:"nats"`
}

// ServerConfig holds read API settings.
type ServerConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Addr          string        `yaml:"addr" validate:"required_if=Enabled true"`
	ReadTimeout   time.Duration `yaml:"read_timeout" validate:"gt=0"`
	WriteTimeout  time.Duration `yaml:"write_timeout" validate:"gt=0"`
	AdminKeyHash  string        `yaml:"admin_key_hash"`
	RecentActions int           `yaml:"recent_actions" validate:"min=1"`
}

// RateLimitConfig holds read API rate limiting settings.
type RateLimitConfig struct {
	Enabled       bool          `yaml:"enabled"`
	RequestsPerIP int           `yaml:"requests_per_ip" validate:"min=1"`
	WindowSize    time.Duration `yaml:"window_size" validate:"gt=0"`
	BurstSize     int           `yaml:"burst_size" validate:"min=0"`
	CleanupPeriod time.Duration `yaml:"cleanup_period" validate:"gt=0"`
	ExemptPaths   []string      `yaml:"exempt_paths"`
	TrustProxy    bool          `yaml:"trust_proxy"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Queue: QueueConfig{
			Size: 10000,
		},
		Sensor: SensorConfig{
			Journal: JournalSensorConfig{
				Enabled: false,
				Prefix:  "GHOSTWALL",
			},
			File: FileSensorConfig{
				Path:   "/var/log/kern.log",
				Prefix: "GHOSTWALL",
			},
			Conntrack: ConntrackSensorConfig{
				PollInterval: 2 * time.Second,
			},
		},
		Detectors: DetectorsConfig{
			Cooldown:         30 * time.Second,
			CooldownCapacity: 65536,
			ARP:              WindowThreshold{Window: 10 * time.Second, Threshold: 20},
			Sweep:            WindowThreshold{Window: 10 * time.Second, Threshold: 15},
			Brute:            WindowThreshold{Window: 10 * time.Second, Threshold: 10},
			HTTP: HTTPProbeConfig{
				Ports:          []int{80, 443, 8080, 8443},
				Window:         60 * time.Second,
				Threshold:      10,
				BruteThreshold: 30,
			},
		},
		Decoy: DecoyConfig{
			CowrieLog:  "",
			FTPLog:     "",
			StartAtEnd: true,
		},
		Scoring: ScoringConfig{
			Tick:            5 * time.Second,
			HalfLife:        2 * time.Minute,
			RepeatThreshold: 4,
			Timeline:        720,
			Metrics: MetricsConfig{
				FailRate:        MetricConfig{Weight: 0.40, Cap: 30, Window: 60 * time.Second},
				ConnRate:        MetricConfig{Weight: 0.25, Cap: 20, Window: 60 * time.Second},
				UniqueIPs:       MetricConfig{Weight: 0.20, Cap: 15, Window: 600 * time.Second},
				RepeatOffenders: MetricConfig{Weight: 0.10, Cap: 10, Window: 3600 * time.Second},
				BanEvents:       MetricConfig{Weight: 0.05, Cap: 5, Window: 600 * time.Second},
			},
		},
		Policy: PolicyConfig{
			Mode:              ModeDetect,
			OffenderWindow:    10 * time.Minute,
			Orange:            EscalationConfig{TopOffenders: 3, BlockDuration: 60 * time.Second},
			Red:               EscalationConfig{TopOffenders: 5, BlockDuration: 300 * time.Second},
			RedRateLimit:      10,
			ExpirySweep:       5 * time.Second,
			TransitionBacklog: 16,
			Modules:           DefaultModules(),
		},
		Firewall: FirewallConfig{
			Backend:        "noop",
			Table:          "ghostwall",
			Set:            "blocklist",
			CommandTimeout: 4 * time.Second,
			Setup:          false,
		},
		BlockList: BlockListConfig{
			Store: "file",
			Path:  "/var/lib/ghostwall/blocklist.json",
			Redis: RedisConfig{
				Addr: "localhost:6379",
				Key:  "ghostwall:blocklist",
			},
		},
		Redirectors: []RedirectorConfig{DefaultRedirector()},
		Ledger: LedgerConfig{
			Path:          "/var/lib/ghostwall/actions.jsonl",
			FlushInterval: time.Second,
			MaxSizeMB:     64,
			Recent:        200,
			Archive: S3Config{
				Region:       "us-east-1",
				Prefix:       "ghostwall/ledger/",
				StorageClass: "STANDARD_IA",
			},
		},
		Storage: StorageConfig{
			Driver:         "memory",
			SQLitePath:     "/var/lib/ghostwall/events.db",
			MemoryCapacity: 10000,
			Retention:      24 * time.Hour,
			ClickHouse: ClickHouseConfig{
				Hosts:         []string{"localhost:9000"},
				Database:      "ghostwall",
				Username:      "default",
				DialTimeout:   10 * time.Second,
				BatchSize:     1000,
				FlushInterval: 5 * time.Second,
				MaxRetries:    3,
				RetryDelay:    time.Second,
			},
		},
		Publish: PublishConfig{
			Kafka: KafkaConfig{
				ActionsTopic: "ghostwall.actions",
				EventsTopic:  "ghostwall.events",
				BatchTimeout: 100 * time.Millisecond,
			},
			NATS: NATSConfig{
				URL:           "nats://localhost:4222",
				SubjectPrefix: "ghostwall",
			},
		},
		Server: ServerConfig{
			Enabled:       true,
			Addr:          "127.0.0.1:8088",
			ReadTimeout:   10 * time.Second,
			WriteTimeout:  10 * time.Second,
			RecentActions: 20,
		},
		RateLimit: RateLimitConfig{
			Enabled:       true,
			RequestsPerIP: 600,
			WindowSize:    time.Minute,
			BurstSize:     30,
			CleanupPeriod: 5 * time.Minute,
			ExemptPaths:   []string{"/health", "/metrics"},
		},
	}
}

// DefaultRedirector returns the disabled SSH redirector. Entries of a
// redirectors list start from these values.
func DefaultRedirector() RedirectorConfig {
	return RedirectorConfig{
		Enabled:        false,
		ListenAddr:     ":2022",
		BackendAddr:    "127.0.0.1:22",
		DecoyAddr:      "127.0.0.1:2222",
		Service:        "ssh",
		MaxConnections: 1024,
		ConnectTimeout: 5 * time.Second,
		HalfCloseGrace: 5 * time.Second,
		IdleTimeout:    15 * time.Minute,
		DrainTimeout:   10 * time.Second,
	}
}

// UnmarshalYAML fills keys missing from a redirectors entry with the
// DefaultRedirector values.
func (r *RedirectorConfig) UnmarshalYAML(node *yaml.Node) error {
	type plain RedirectorConfig
	p := plain(DefaultRedirector())
	if err := node.Decode(&p); err != nil {
		return err
	}
	*r = RedirectorConfig(p)
	return nil
}

// Label names the redirector in logs and metrics: its name, or its
// service when unnamed.
func (r RedirectorConfig) Label() string {
	if r.Name != "" {
		return r.Name
	}
	return r.Service
}

// primaryRedirector is the entry the GHOSTWALL_* redirector variables
// override, created from defaults when the list is empty.
func (c *Config) primaryRedirector() *RedirectorConfig {
	if len(c.Redirectors) == 0 {
		c.Redirectors = append(c.Redirectors, DefaultRedirector())
	}
	return &c.Redirectors[0]
}

// Load loads configuration from a file or returns defaults.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	configPath := os.Getenv("GHOSTWALL_CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/ghostwall.yaml"
	}

	data, err := os.ReadFile(configPath)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	case os.IsNotExist(err):
		// defaults
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides. Unparseable
// numeric or duration values are errors so a typo cannot disable detection.
func (c *Config) applyEnvOverrides() error {
	if level := os.Getenv("GHOSTWALL_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if mode := os.Getenv("GHOSTWALL_MODE"); mode != "" {
		c.Policy.Mode = mode
	}
	if v := os.Getenv("GHOSTWALL_LISTEN_ADDR"); v != "" {
		r := c.primaryRedirector()
		r.ListenAddr = v
		r.Enabled = true
	}
	if v := os.Getenv("GHOSTWALL_BACKEND_ADDR"); v != "" {
		c.primaryRedirector().BackendAddr = v
	}
	if v := os.Getenv("GHOSTWALL_DECOY_ADDR"); v != "" {
		c.primaryRedirector().DecoyAddr = v
	}
	if v := os.Getenv("GHOSTWALL_ALLOWLIST"); v != "" {
		c.primaryRedirector().AllowList = splitAndTrim(v, ",")
	}
	if v := os.Getenv("GHOSTWALL_FORCE_DECOY"); v != "" {
		c.primaryRedirector().ForceDecoy = splitAndTrim(v, ",")
	}
	if v := os.Getenv("GHOSTWALL_BLOCKLIST_SEED"); v != "" {
		c.BlockList.Seed = splitAndTrim(v, ",")
	}
	if v := os.Getenv("GHOSTWALL_FIREWALL_BACKEND"); v != "" {
		c.Firewall.Backend = v
	}
	if v := os.Getenv("GHOSTWALL_API_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("GHOSTWALL_LEDGER_PATH"); v != "" {
		c.Ledger.Path = v
	}
	if v := os.Getenv("GHOSTWALL_REDIS_ADDR"); v != "" {
		c.BlockList.Redis.Addr = v
		c.BlockList.Store = "redis"
	}
	if v := os.Getenv("GHOSTWALL_KAFKA_BROKERS"); v != "" {
		c.Publish.Kafka.Brokers = splitAndTrim(v, ",")
		c.Publish.Kafka.Enabled = true
	}
	if v := os.Getenv("GHOSTWALL_NATS_URL"); v != "" {
		c.Publish.NATS.URL = v
		c.Publish.NATS.Enabled = true
	}

	durations := []struct {
		env string
		dst *time.Duration
	}{
		{"GHOSTWALL_COOLDOWN", &c.Detectors.Cooldown},
		{"GHOSTWALL_BRUTE_WINDOW", &c.Detectors.Brute.Window},
		{"GHOSTWALL_DECAY_HALF_LIFE", &c.Scoring.HalfLife},
	}
	for _, d := range durations {
		if v := os.Getenv(d.env); v != "" {
			parsed, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid %s %q: %w", d.env, v, err)
			}
			*d.dst = parsed
		}
	}

	ints := []struct {
		env string
		dst *int
	}{
		{"GHOSTWALL_BRUTE_THRESHOLD", &c.Detectors.Brute.Threshold},
		{"GHOSTWALL_SWEEP_THRESHOLD", &c.Detectors.Sweep.Threshold},
		{"GHOSTWALL_ARP_THRESHOLD", &c.Detectors.ARP.Threshold},
		{"GHOSTWALL_HTTP_THRESHOLD", &c.Detectors.HTTP.Threshold},
	}
	for _, n := range ints {
		if v := os.Getenv(n.env); v != "" {
			parsed, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid %s %q: %w", n.env, v, err)
			}
			*n.dst = parsed
		}
	}

	return nil
}

// splitAndTrim splits a string by separator and trims whitespace from each part.
func splitAndTrim(s, sep string) []string {
	parts := make([]string, 0)
	for _, part := range strings.Split(s, sep) {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// minBanDuration is the smallest element timeout accepted by the firewall set.
const minBanDuration = 60 * time.Second

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	m := c.Scoring.Metrics
	sum := m.FailRate.Weight + m.ConnRate.Weight + m.UniqueIPs.Weight +
		m.RepeatOffenders.Weight + m.BanEvents.Weight
	if math.Abs(sum-1.0) > 1e-6 {
		return fmt.Errorf("scoring metric weights must sum to 1.0, got %.4f", sum)
	}

	for name, esc := range map[string]EscalationConfig{"orange": c.Policy.Orange, "red": c.Policy.Red} {
		if esc.BlockDuration < minBanDuration {
			return fmt.Errorf("policy.%s.block_duration must be at least %s", name, minBanDuration)
		}
	}

	seen := make(map[string]bool)
	for _, mod := range c.Policy.Modules {
		if seen[mod.Name] {
			return fmt.Errorf("policy module %q configured twice", mod.Name)
		}
		seen[mod.Name] = true
		for _, rule := range mod.Rules {
			switch rule.Mitigation.Action {
			case "block_ip":
				if rule.Mitigation.Duration < minBanDuration {
					return fmt.Errorf("rule %s.%s: block duration must be at least %s", mod.Name, rule.ID, minBanDuration)
				}
			case "rate_limit":
				if rule.Mitigation.LimitPerMinute < 1 {
					return fmt.Errorf("rule %s.%s: limit_per_minute must be positive", mod.Name, rule.ID)
				}
			}
		}
	}

	lists := map[string][]string{"blocklist.seed": c.BlockList.Seed}
	labels := make(map[string]bool)
	for i, r := range c.Redirectors {
		if labels[r.Label()] {
			return fmt.Errorf("redirector %q configured twice", r.Label())
		}
		labels[r.Label()] = true
		lists[fmt.Sprintf("redirectors[%d].allowlist", i)] = r.AllowList
		lists[fmt.Sprintf("redirectors[%d].force_decoy", i)] = r.ForceDecoy
	}
	for name, list := range lists {
		for _, entry := range list {
			if _, err := ParsePrefix(entry); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
		}
	}
	for _, entry := range c.BlockList.Seed {
		if _, err := netip.ParseAddr(entry); err != nil {
			return fmt.Errorf("blocklist.seed: %q is not a single address", entry)
		}
	}

	return nil
}

// ParsePrefix accepts either a bare address or a CIDR prefix.
func ParsePrefix(s string) (netip.Prefix, error) {
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("invalid prefix %q: %w", s, err)
		}
		return p.Masked(), nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid address %q: %w", s, err)
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}
