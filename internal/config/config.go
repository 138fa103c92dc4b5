// Package config handles the daemon's HCL configuration file.
//
// A minimal file only needs the guard block; every other block has
// defaults applied by [Config.ApplyDefaults]:
//
//	guard {
//	  enabled = true
//	  mode    = "fix"
//	}
//
//	interface_profile "wlan*" {
//	  profile = "public"
//	}
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/hcl/v2/hclsimple"

	"grimm.is/fwguard/internal/brand"
)

// Config is the decoded configuration file.
type Config struct {
	Guard         *GuardConfig         `hcl:"guard,block" json:"guard"`
	Engine        *EngineConfig        `hcl:"engine,block" json:"engine"`
	Correlation   *CorrelationConfig   `hcl:"correlation,block" json:"correlation"`
	RuleStore     *RuleStoreConfig     `hcl:"rule_store,block" json:"rule_store"`
	Audit         *AuditConfig         `hcl:"audit,block" json:"audit"`
	Hostnames     *HostnamesConfig     `hcl:"hostnames,block" json:"hostnames"`
	Profiles      []InterfaceProfile   `hcl:"interface_profile,block" json:"interface_profiles,omitempty"`
	Notifications *NotificationsConfig `hcl:"notifications,block" json:"notifications,omitempty"`
	API           *APIConfig           `hcl:"api,block" json:"api"`
	State         *StateConfig         `hcl:"state,block" json:"state"`
	Logging       *LoggingConfig       `hcl:"logging,block" json:"logging"`
}

// GuardConfig selects whether external rule changes are reconciled and how.
type GuardConfig struct {
	Enabled bool   `hcl:"enabled,optional" json:"enabled"`
	Mode    string `hcl:"mode,optional" json:"mode"` // off, alert, disable, fix

	// Rules whose name starts with this prefix are removed on every cleanup.
	TempRulePrefix string `hcl:"temp_rule_prefix,optional" json:"temp_rule_prefix"`
}

// EngineConfig controls the periodic work of the engine.
type EngineConfig struct {
	TickInterval string `hcl:"tick_interval,optional" json:"tick_interval"`
	// CleanupEvery is the number of ticks between rule reloads and cleanups.
	CleanupEvery int    `hcl:"cleanup_every,optional" json:"cleanup_every"`
	SaveInterval string `hcl:"save_interval,optional" json:"save_interval"`
	// MaxLogEntries bounds the connection log of each program.
	MaxLogEntries int  `hcl:"max_log_entries,optional" json:"max_log_entries"`
	LoadLog       bool `hcl:"load_log,optional" json:"load_log"`
	// ProgramRetention is how long a program without rules or traffic is kept.
	ProgramRetention string `hcl:"program_retention,optional" json:"program_retention"`
}

// CorrelationConfig tunes how audit events are attributed to identities.
type CorrelationConfig struct {
	// SharedHosts are executables that host several services.
	SharedHosts []string `hcl:"shared_hosts,optional" json:"shared_hosts"`
	SystemPID   int      `hcl:"system_pid,optional" json:"system_pid"`
}

// RuleStoreConfig selects and configures the firewall rule backend.
type RuleStoreConfig struct {
	Backend         string `hcl:"backend,optional" json:"backend"` // nftables, memory
	Table           string `hcl:"table,optional" json:"table"`
	LogGroup        int    `hcl:"log_group,optional" json:"log_group"`
	PollInterval    string `hcl:"poll_interval,optional" json:"poll_interval"`
	DefaultInbound  string `hcl:"default_inbound,optional" json:"default_inbound"`
	DefaultOutbound string `hcl:"default_outbound,optional" json:"default_outbound"`
}

// AuditConfig configures the packet audit source.
type AuditConfig struct {
	Enabled bool `hcl:"enabled,optional" json:"enabled"`
	// LogGroup defaults to the rule store's log group.
	LogGroup int `hcl:"log_group,optional" json:"log_group"`
	// HistorySize bounds the events replayed by LoadLog.
	HistorySize int `hcl:"history_size,optional" json:"history_size"`
}

// HostnamesConfig configures reverse lookups of remote addresses.
type HostnamesConfig struct {
	Enabled bool `hcl:"enabled,optional" json:"enabled"`
	// Server is host:port of the resolver; empty uses /etc/resolv.conf.
	Server   string `hcl:"server,optional" json:"server"`
	Timeout  string `hcl:"timeout,optional" json:"timeout"`
	CacheTTL string `hcl:"cache_ttl,optional" json:"cache_ttl"`
}

// InterfaceProfile maps interfaces matching a glob to a network profile.
type InterfaceProfile struct {
	Pattern string `hcl:"pattern,label" json:"pattern"`
	Profile string `hcl:"profile" json:"profile"`
}

// APIConfig configures the local HTTP API.
type APIConfig struct {
	Enabled bool   `hcl:"enabled,optional" json:"enabled"`
	Listen  string `hcl:"listen,optional" json:"listen"`
	// TokenHash is the bcrypt hash of the bearer token required by
	// mutating routes. Empty leaves them open to anyone who can connect.
	TokenHash string `hcl:"token_hash,optional" json:"-"`
	// MaxConnections caps concurrent API connections; 0 means 64.
	MaxConnections int `hcl:"max_connections,optional" json:"max_connections"`
}

// StateConfig locates the program registry database.
type StateConfig struct {
	Path string `hcl:"path,optional" json:"path"`
}

// LoggingConfig configures the daemon logger.
type LoggingConfig struct {
	Level string `hcl:"level,optional" json:"level"`
	JSON  bool   `hcl:"json,optional" json:"json"`
}

// Defaults.
const (
	DefaultMode             = "alert"
	DefaultTickInterval     = time.Second
	DefaultCleanupEvery     = 60
	DefaultSaveInterval     = 15 * time.Minute
	DefaultMaxLogEntries    = 500
	DefaultProgramRetention = 30 * 24 * time.Hour
	DefaultLogGroup         = 100
	DefaultPollInterval     = 2 * time.Second
	DefaultHistorySize      = 5000
	DefaultLookupTimeout    = 2 * time.Second
	DefaultHostCacheTTL     = time.Hour
	DefaultListen           = "127.0.0.1:8470"
)

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills missing blocks and empty fields.
func (c *Config) ApplyDefaults() {
	if c.Guard == nil {
		c.Guard = &GuardConfig{}
	}
	if c.Guard.Mode == "" {
		c.Guard.Mode = DefaultMode
	}
	if c.Guard.TempRulePrefix == "" {
		c.Guard.TempRulePrefix = brand.TempRulePrefix
	}

	if c.Engine == nil {
		c.Engine = &EngineConfig{}
	}
	if c.Engine.TickInterval == "" {
		c.Engine.TickInterval = DefaultTickInterval.String()
	}
	if c.Engine.CleanupEvery == 0 {
		c.Engine.CleanupEvery = DefaultCleanupEvery
	}
	if c.Engine.SaveInterval == "" {
		c.Engine.SaveInterval = DefaultSaveInterval.String()
	}
	if c.Engine.MaxLogEntries == 0 {
		c.Engine.MaxLogEntries = DefaultMaxLogEntries
	}
	if c.Engine.ProgramRetention == "" {
		c.Engine.ProgramRetention = DefaultProgramRetention.String()
	}

	if c.Correlation == nil {
		c.Correlation = &CorrelationConfig{}
	}
	if c.Correlation.SharedHosts == nil {
		c.Correlation.SharedHosts = []string{"systemd"}
	}

	if c.RuleStore == nil {
		c.RuleStore = &RuleStoreConfig{}
	}
	if c.RuleStore.Backend == "" {
		c.RuleStore.Backend = "nftables"
	}
	if c.RuleStore.Table == "" {
		c.RuleStore.Table = brand.TableName
	}
	if c.RuleStore.LogGroup == 0 {
		c.RuleStore.LogGroup = DefaultLogGroup
	}
	if c.RuleStore.PollInterval == "" {
		c.RuleStore.PollInterval = DefaultPollInterval.String()
	}
	if c.RuleStore.DefaultInbound == "" {
		c.RuleStore.DefaultInbound = "allow"
	}
	if c.RuleStore.DefaultOutbound == "" {
		c.RuleStore.DefaultOutbound = "allow"
	}

	if c.Audit == nil {
		c.Audit = &AuditConfig{Enabled: true}
	}
	if c.Audit.LogGroup == 0 {
		c.Audit.LogGroup = c.RuleStore.LogGroup
	}
	if c.Audit.HistorySize == 0 {
		c.Audit.HistorySize = DefaultHistorySize
	}

	if c.Hostnames == nil {
		c.Hostnames = &HostnamesConfig{Enabled: true}
	}
	if c.Hostnames.Timeout == "" {
		c.Hostnames.Timeout = DefaultLookupTimeout.String()
	}
	if c.Hostnames.CacheTTL == "" {
		c.Hostnames.CacheTTL = DefaultHostCacheTTL.String()
	}

	if c.Notifications == nil {
		c.Notifications = &NotificationsConfig{}
	}

	if c.API == nil {
		c.API = &APIConfig{}
	}
	if c.API.Listen == "" {
		c.API.Listen = DefaultListen
	}

	if c.State == nil {
		c.State = &StateConfig{}
	}
	if c.State.Path == "" {
		c.State.Path = brand.DefaultStatePath()
	}

	if c.Logging == nil {
		c.Logging = &LoggingConfig{}
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Tick returns the engine tick interval.
func (e *EngineConfig) Tick() time.Duration {
	return durationOr(e.TickInterval, DefaultTickInterval)
}

// Save returns the persistence interval.
func (e *EngineConfig) Save() time.Duration {
	return durationOr(e.SaveInterval, DefaultSaveInterval)
}

// Retention returns how long idle programs are kept.
func (e *EngineConfig) Retention() time.Duration {
	return durationOr(e.ProgramRetention, DefaultProgramRetention)
}

// Poll returns the rule store polling interval.
func (r *RuleStoreConfig) Poll() time.Duration {
	return durationOr(r.PollInterval, DefaultPollInterval)
}

// LookupTimeout returns the per-query DNS timeout.
func (h *HostnamesConfig) LookupTimeout() time.Duration {
	return durationOr(h.Timeout, DefaultLookupTimeout)
}

// TTL returns how long resolved names are cached.
func (h *HostnamesConfig) TTL() time.Duration {
	return durationOr(h.CacheTTL, DefaultHostCacheTTL)
}

func durationOr(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// Load reads, decodes and validates the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(path, data)
}

// Parse decodes HCL source. The filename is used for diagnostics.
func Parse(filename string, data []byte) (*Config, error) {
	var cfg Config
	if err := hclsimple.Decode(hclName(filename), data, nil, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// hclsimple picks the syntax from the extension.
func hclName(filename string) string {
	switch filepath.Ext(filename) {
	case ".hcl", ".json":
		return filename
	}
	return filename + ".hcl"
}
