package config

import (
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	otelPkg "github.com/basket/taskward/internal/otel"
)

const (
	defaultBindAddr       = "127.0.0.1:18790"
	defaultClaimTTLMinute = 60
	maxClaimTTLMinute     = 480
	defaultBackupKeep     = 7
	defaultHeartbeatMins  = 15
)

// CoordinationConfig holds the claim lease limits and registry options.
type CoordinationConfig struct {
	ClaimDefaultTTLMinutes int `yaml:"claim_default_ttl_minutes" envconfig:"CLAIM_DEFAULT_TTL_MINUTES"`
	ClaimMaxTTLMinutes     int `yaml:"claim_max_ttl_minutes" envconfig:"CLAIM_MAX_TTL_MINUTES"`
	// AgentMetadataSchema is an optional JSON Schema file that explicit
	// agent registrations must satisfy. Relative paths resolve against the
	// home directory.
	AgentMetadataSchema string `yaml:"agent_metadata_schema" envconfig:"AGENT_METADATA_SCHEMA"`
}

// BackupConfig schedules VACUUM INTO snapshots of the database.
type BackupConfig struct {
	Schedule string `yaml:"schedule" envconfig:"SCHEDULE"`
	Dir      string `yaml:"dir" envconfig:"DIR"`
	Keep     int    `yaml:"keep" envconfig:"KEEP"`
}

// RateLimitConfig bounds gateway requests per token (or remote address).
// RequestsPerMinute of 0 disables limiting.
type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute" envconfig:"REQUESTS_PER_MINUTE"`
	BurstSize         int `yaml:"burst_size" envconfig:"BURST_SIZE"`
}

type Config struct {
	HomeDir string `yaml:"-" ignored:"true"`

	BindAddr     string   `yaml:"bind_addr" envconfig:"BIND_ADDR"`
	LogLevel     string   `yaml:"log_level" envconfig:"LOG_LEVEL"`
	DBPath       string   `yaml:"db_path" envconfig:"DB_PATH"`
	AuthToken    string   `yaml:"auth_token" envconfig:"AUTH_TOKEN"`
	AllowOrigins []string `yaml:"allow_origins" envconfig:"ALLOW_ORIGINS"`

	// StatsHeartbeatMinutes is how often the server logs a stats line. 0 disables.
	StatsHeartbeatMinutes int `yaml:"stats_heartbeat_minutes" envconfig:"STATS_HEARTBEAT_MINUTES"`

	Coordination CoordinationConfig `yaml:"coordination" ignored:"true"`
	Backup       BackupConfig       `yaml:"backup" ignored:"true"`
	RateLimit    RateLimitConfig    `yaml:"rate_limit" ignored:"true"`
	OTel         otelPkg.Config     `yaml:"otel" ignored:"true"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// PolicyPath returns the path to policy.yaml within the given home directory.
func PolicyPath(homeDir string) string {
	return filepath.Join(homeDir, "policy.yaml")
}

// Fingerprint returns a stable hash of the settings that matter at runtime.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|db=%s|ttl=%d/%d|schema=%s|origins=%v|backup=%s",
		c.BindAddr, c.LogLevel, c.DBPath,
		c.Coordination.ClaimDefaultTTLMinutes, c.Coordination.ClaimMaxTTLMinutes,
		c.Coordination.AgentMetadataSchema, c.AllowOrigins, c.Backup.Schedule)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// MetadataSchemaPath resolves AgentMetadataSchema against HomeDir.
func (c Config) MetadataSchemaPath() string {
	p := strings.TrimSpace(c.Coordination.AgentMetadataSchema)
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.HomeDir, p)
}

func defaultConfig() Config {
	return Config{
		BindAddr:              defaultBindAddr,
		LogLevel:              "info",
		StatsHeartbeatMinutes: defaultHeartbeatMins,
		Coordination: CoordinationConfig{
			ClaimDefaultTTLMinutes: defaultClaimTTLMinute,
			ClaimMaxTTLMinutes:     maxClaimTTLMinute,
		},
		Backup: BackupConfig{
			Keep: defaultBackupKeep,
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("TASKWARD_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".taskward")
}

// Load reads config from HomeDir().
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads <homeDir>/config.yaml (absent is fine), applies TASKWARD_*
// environment overrides, fills defaults and validates.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create taskward home: %w", err)
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

	if err := applyEnvOverrides(&cfg); err != nil {
		return cfg, err
	}
	normalize(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	sections := []struct {
		prefix string
		target any
	}{
		{"TASKWARD", cfg},
		{"TASKWARD", &cfg.Coordination},
		{"TASKWARD_BACKUP", &cfg.Backup},
		{"TASKWARD_RATE_LIMIT", &cfg.RateLimit},
		{"TASKWARD_OTEL", &cfg.OTel},
	}
	for _, s := range sections {
		if err := envconfig.Process(s.prefix, s.target); err != nil {
			return fmt.Errorf("env overrides (%s): %w", s.prefix, err)
		}
	}
	return nil
}

func normalize(cfg *Config) {
	if strings.TrimSpace(cfg.BindAddr) == "" {
		cfg.BindAddr = defaultBindAddr
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "coordination.db")
	}
	if cfg.Coordination.ClaimDefaultTTLMinutes == 0 {
		cfg.Coordination.ClaimDefaultTTLMinutes = defaultClaimTTLMinute
	}
	if cfg.Coordination.ClaimMaxTTLMinutes == 0 {
		cfg.Coordination.ClaimMaxTTLMinutes = maxClaimTTLMinute
	}
	if strings.TrimSpace(cfg.Backup.Dir) == "" {
		cfg.Backup.Dir = filepath.Join(cfg.HomeDir, "backups")
	}
	if cfg.Backup.Keep <= 0 {
		cfg.Backup.Keep = defaultBackupKeep
	}
	if cfg.RateLimit.RequestsPerMinute < 0 {
		cfg.RateLimit.RequestsPerMinute = 0
	}
	if cfg.RateLimit.RequestsPerMinute > 0 && cfg.RateLimit.BurstSize <= 0 {
		cfg.RateLimit.BurstSize = 10
	}
	if cfg.StatsHeartbeatMinutes < 0 {
		cfg.StatsHeartbeatMinutes = 0
	}
}

// Validate rejects lease limits the engine could not honor.
func (c Config) Validate() error {
	var errs []error
	if c.Coordination.ClaimDefaultTTLMinutes <= 0 {
		errs = append(errs, fmt.Errorf("coordination.claim_default_ttl_minutes must be positive, got %d", c.Coordination.ClaimDefaultTTLMinutes))
	}
	if c.Coordination.ClaimMaxTTLMinutes <= 0 {
		errs = append(errs, fmt.Errorf("coordination.claim_max_ttl_minutes must be positive, got %d", c.Coordination.ClaimMaxTTLMinutes))
	}
	if c.Coordination.ClaimDefaultTTLMinutes > c.Coordination.ClaimMaxTTLMinutes {
		errs = append(errs, fmt.Errorf("coordination.claim_default_ttl_minutes (%d) exceeds claim_max_ttl_minutes (%d)",
			c.Coordination.ClaimDefaultTTLMinutes, c.Coordination.ClaimMaxTTLMinutes))
	}
	return errors.Join(errs...)
}
