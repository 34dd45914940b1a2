package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	defaultBindAddr        = "127.0.0.1:18790"
	defaultMaxTasks        = 1000
	defaultOverdueSchedule = "@every 1m"
	defaultRetentionSched  = "@daily"
	defaultMaxBodyBytes    = 64 << 10
)

// APIKeyEntry maps one credential to the caller identity the registry sees.
type APIKeyEntry struct {
	Key       string   `yaml:"key"`
	Principal string   `yaml:"principal"`
	Name      string   `yaml:"name"`
	Scopes    []string `yaml:"scopes"` // "tasks.read", "tasks.write"; empty grants both
}

// Allows reports whether the entry carries scope.
func (e APIKeyEntry) Allows(scope string) bool {
	if len(e.Scopes) == 0 {
		return true
	}
	for _, s := range e.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// AuthConfig controls credential checking in the gateway.
// With Enabled false the caller identity is taken from the X-Principal header,
// which is only suitable for local development.
type AuthConfig struct {
	Enabled bool          `yaml:"enabled"`
	Keys    []APIKeyEntry `yaml:"keys"`
}

// RateLimitConfig holds per-credential token bucket settings.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

// OverdueConfig controls the deadline sweeper. Schedule is a 5-field cron
// expression or an "@every <duration>" descriptor.
type OverdueConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Schedule string `yaml:"schedule"`
}

// CORSConfig controls cross-origin headers on the REST API.
type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// RetentionConfig bounds how long journal and audit rows are kept.
// A zero window keeps rows forever.
type RetentionConfig struct {
	TaskEventDays int    `yaml:"task_event_days"`
	AuditLogDays  int    `yaml:"audit_log_days"`
	Schedule      string `yaml:"schedule"`
}

// TelemetryConfig mirrors the OpenTelemetry provider settings.
type TelemetryConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Exporter       string  `yaml:"exporter"` // otlp-http, stdout, none
	Endpoint       string  `yaml:"endpoint"`
	ServiceName    string  `yaml:"service_name"`
	SampleRate     float64 `yaml:"sample_rate"`
	MetricsEnabled *bool   `yaml:"metrics_enabled,omitempty"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	// MaxTasks is the registry capacity. Tasks are never removed, so this is
	// also the lifetime creation limit of one daemon process.
	MaxTasks int `yaml:"max_tasks"`

	// DBPath locates the SQLite event journal. Empty means <home>/taskd.db;
	// "off" disables the journal.
	DBPath string `yaml:"db_path"`

	// AllowOrigins controls accepted Origin headers for browser WS connections.
	// Empty list means same-origin only.
	AllowOrigins []string `yaml:"allow_origins"`

	// DrainTimeoutSeconds bounds graceful shutdown. 0 uses the default (5s).
	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`

	// MaxBodyBytes caps request bodies on the REST API. 0 uses the default (64KiB).
	MaxBodyBytes int64 `yaml:"max_body_bytes"`

	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	CORS      CORSConfig      `yaml:"cors"`
	Overdue   OverdueConfig   `yaml:"overdue"`
	Retention RetentionConfig `yaml:"retention"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// JournalEnabled reports whether the SQLite event journal should be opened.
func (c Config) JournalEnabled() bool {
	return !strings.EqualFold(strings.TrimSpace(c.DBPath), "off")
}

// JournalPath returns the resolved journal location.
func (c Config) JournalPath() string {
	if p := strings.TrimSpace(c.DBPath); p != "" {
		return p
	}
	return filepath.Join(c.HomeDir, "taskd.db")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the active config. Key material is
// excluded; only the principals are hashed.
func (c Config) Fingerprint() string {
	principals := make([]string, 0, len(c.Auth.Keys))
	for _, k := range c.Auth.Keys {
		principals = append(principals, k.Principal)
	}
	sort.Strings(principals)
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|max=%d|db=%s|origins=%v|auth=%t:%v|rl=%t:%d:%d|overdue=%t:%s|retention=%d:%d:%s",
		c.BindAddr, c.LogLevel, c.MaxTasks, c.DBPath, c.AllowOrigins,
		c.Auth.Enabled, principals,
		c.RateLimit.Enabled, c.RateLimit.RequestsPerMinute, c.RateLimit.BurstSize,
		c.Overdue.Enabled, c.Overdue.Schedule,
		c.Retention.TaskEventDays, c.Retention.AuditLogDays, c.Retention.Schedule)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr:            defaultBindAddr,
		LogLevel:            "info",
		MaxTasks:            defaultMaxTasks,
		DrainTimeoutSeconds: 5,
		MaxBodyBytes:        defaultMaxBodyBytes,
		Auth:                AuthConfig{Enabled: true},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 600,
			BurstSize:         50,
		},
		Overdue: OverdueConfig{
			Enabled:  true,
			Schedule: defaultOverdueSchedule,
		},
		Retention: RetentionConfig{
			TaskEventDays: 30,
			AuditLogDays:  90,
			Schedule:      defaultRetentionSched,
		},
	}
}

// HomeDir returns TASKD_HOME, or ~/.taskd when unset.
func HomeDir() string {
	if override := os.Getenv("TASKD_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".taskd")
}

// Load reads <home>/config.yaml over the defaults, then applies environment
// overrides. A missing file is not an error.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create taskd home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// WriteDefault writes the default config to <homeDir>/config.yaml unless a
// file already exists there.
func WriteDefault(homeDir string) (bool, error) {
	path := ConfigPath(homeDir)
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return false, fmt.Errorf("create home: %w", err)
	}
	out, err := yaml.Marshal(defaultConfig())
	if err != nil {
		return false, fmt.Errorf("marshal config.yaml: %w", err)
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return false, fmt.Errorf("write config.yaml: %w", err)
	}
	return true, nil
}

func normalize(cfg *Config) {
	cfg.BindAddr = strings.TrimSpace(cfg.BindAddr)
	if cfg.BindAddr == "" {
		cfg.BindAddr = defaultBindAddr
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.MaxTasks <= 0 {
		cfg.MaxTasks = defaultMaxTasks
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = 5
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if strings.TrimSpace(cfg.Overdue.Schedule) == "" {
		cfg.Overdue.Schedule = defaultOverdueSchedule
	}
	if strings.TrimSpace(cfg.Retention.Schedule) == "" {
		cfg.Retention.Schedule = defaultRetentionSched
	}
	for i := range cfg.Auth.Keys {
		cfg.Auth.Keys[i].Key = strings.TrimSpace(cfg.Auth.Keys[i].Key)
		cfg.Auth.Keys[i].Principal = strings.TrimSpace(cfg.Auth.Keys[i].Principal)
	}
}

func validate(cfg Config) error {
	seen := make(map[string]struct{}, len(cfg.Auth.Keys))
	for i, k := range cfg.Auth.Keys {
		if k.Key == "" {
			return fmt.Errorf("auth.keys[%d]: key is required", i)
		}
		if k.Principal == "" {
			return fmt.Errorf("auth.keys[%d]: principal is required", i)
		}
		if _, dup := seen[k.Key]; dup {
			return fmt.Errorf("auth.keys[%d]: duplicate key for principal %q", i, k.Principal)
		}
		seen[k.Key] = struct{}{}
		for _, scope := range k.Scopes {
			if scope != ScopeRead && scope != ScopeWrite {
				return fmt.Errorf("auth.keys[%d]: unknown scope %q", i, scope)
			}
		}
	}
	if cfg.RateLimit.RequestsPerMinute < 0 || cfg.RateLimit.BurstSize < 0 {
		return fmt.Errorf("rate_limit values must not be negative")
	}
	if cfg.Retention.TaskEventDays < 0 || cfg.Retention.AuditLogDays < 0 {
		return fmt.Errorf("retention windows must not be negative")
	}
	return nil
}

// Scopes understood by the gateway.
const (
	ScopeRead  = "tasks.read"
	ScopeWrite = "tasks.write"
)

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("TASKD_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("TASKD_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("TASKD_MAX_TASKS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.MaxTasks = v
		}
	}
	if raw := os.Getenv("TASKD_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("TASKD_DRAIN_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.DrainTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("TASKD_AUTH_DISABLED"); raw == "1" || strings.EqualFold(raw, "true") {
		cfg.Auth.Enabled = false
	}
}
