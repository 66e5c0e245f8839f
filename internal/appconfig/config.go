// Package appconfig loads and writes the on-disk application
// configuration: engine tunables, terminal defaults, and non-secret
// host profiles. Secrets never live here; passwords and passphrases
// are prompted for and held in memory only.
package appconfig

import (
	"os"
	"path/filepath"
	"time"

	"github.com/pocketmux/pocketmux/schema"
)

// CurrentConfigVersion marks the supported config version.
const CurrentConfigVersion = 1

// Config is the top-level application configuration.
type Config struct {
	ConfigVersion int            `mapstructure:"config_version" yaml:"config_version"`
	Engine        EngineConfig   `mapstructure:"engine" yaml:"engine"`
	Terminal      TerminalConfig `mapstructure:"terminal" yaml:"terminal"`
	SSH           SSHConfig      `mapstructure:"ssh" yaml:"ssh"`
	Hosts         []HostProfile  `mapstructure:"hosts" yaml:"hosts"`
}

// EngineConfig is the file representation of the engine tunables.
// Durations are spelled in whole units to keep the YAML readable.
type EngineConfig struct {
	ConnectTimeoutSeconds      int    `mapstructure:"connect_timeout_seconds" yaml:"connect_timeout_seconds"`
	CommandTimeoutSeconds      int    `mapstructure:"command_timeout_seconds" yaml:"command_timeout_seconds"`
	KeepaliveIntervalSeconds   int    `mapstructure:"keepalive_interval_seconds" yaml:"keepalive_interval_seconds"`
	HealthCheckIntervalSeconds int    `mapstructure:"health_check_interval_seconds" yaml:"health_check_interval_seconds"`
	RetryBaseDelayMillis       int    `mapstructure:"retry_base_delay_ms" yaml:"retry_base_delay_ms"`
	RetryFixedDelayMillis      int    `mapstructure:"retry_fixed_delay_ms" yaml:"retry_fixed_delay_ms"`
	ProbeDelaySeconds          int    `mapstructure:"probe_delay_seconds" yaml:"probe_delay_seconds"`
	ProbeMaxAttempts           int    `mapstructure:"probe_max_attempts" yaml:"probe_max_attempts"`
	ProbeBudgetSeconds         int    `mapstructure:"probe_budget_seconds" yaml:"probe_budget_seconds"`
	SessionCount               int    `mapstructure:"session_count" yaml:"session_count"`
	SessionPrefix              string `mapstructure:"session_prefix" yaml:"session_prefix"`
	SlotOpenDelayMillis        int    `mapstructure:"slot_open_delay_ms" yaml:"slot_open_delay_ms"`
	ResetSettleMillis          int    `mapstructure:"reset_settle_ms" yaml:"reset_settle_ms"`
	BurstThresholdMillis       int    `mapstructure:"burst_threshold_ms" yaml:"burst_threshold_ms"`
	ShortFlushMillis           int    `mapstructure:"short_flush_ms" yaml:"short_flush_ms"`
	LongFlushMillis            int    `mapstructure:"long_flush_ms" yaml:"long_flush_ms"`
}

// TerminalConfig sets the geometry and terminal type for persistent
// shells.
type TerminalConfig struct {
	Columns int    `mapstructure:"columns" yaml:"columns"`
	Rows    int    `mapstructure:"rows" yaml:"rows"`
	Term    string `mapstructure:"term" yaml:"term"`
}

// SSHConfig configures the client transport.
type SSHConfig struct {
	// KnownHostsPath enables host key verification when set.
	KnownHostsPath string `mapstructure:"known_hosts_path" yaml:"known_hosts_path"`
	DefaultPort    int    `mapstructure:"default_port" yaml:"default_port"`
}

// HostProfile is a saved, non-secret connection target.
type HostProfile struct {
	Name    string `mapstructure:"name" yaml:"name"`
	Host    string `mapstructure:"host" yaml:"host"`
	Port    int    `mapstructure:"port" yaml:"port"`
	User    string `mapstructure:"user" yaml:"user"`
	KeyPath string `mapstructure:"key_path" yaml:"key_path"`
}

// Profile returns the named host profile.
func (c Config) Profile(name string) (HostProfile, bool) {
	for _, h := range c.Hosts {
		if h.Name == name {
			return h, true
		}
	}
	return HostProfile{}, false
}

// EngineSettings converts the file representation into the engine's
// config, validating it.
func (c Config) EngineSettings() (schema.EngineConfig, error) {
	e := c.Engine
	cfg := schema.EngineConfig{
		ConnectTimeout:      time.Duration(e.ConnectTimeoutSeconds) * time.Second,
		CommandTimeout:      time.Duration(e.CommandTimeoutSeconds) * time.Second,
		KeepaliveInterval:   time.Duration(e.KeepaliveIntervalSeconds) * time.Second,
		HealthCheckInterval: time.Duration(e.HealthCheckIntervalSeconds) * time.Second,
		RetryBaseDelay:      time.Duration(e.RetryBaseDelayMillis) * time.Millisecond,
		RetryFixedDelay:     time.Duration(e.RetryFixedDelayMillis) * time.Millisecond,
		ProbeDelay:          time.Duration(e.ProbeDelaySeconds) * time.Second,
		ProbeMaxAttempts:    e.ProbeMaxAttempts,
		ProbeBudget:         time.Duration(e.ProbeBudgetSeconds) * time.Second,
		SessionCount:        e.SessionCount,
		SessionPrefix:       e.SessionPrefix,
		SlotOpenDelay:       time.Duration(e.SlotOpenDelayMillis) * time.Millisecond,
		ResetSettle:         time.Duration(e.ResetSettleMillis) * time.Millisecond,
		BurstThreshold:      time.Duration(e.BurstThresholdMillis) * time.Millisecond,
		ShortFlush:          time.Duration(e.ShortFlushMillis) * time.Millisecond,
		LongFlush:           time.Duration(e.LongFlushMillis) * time.Millisecond,
		Columns:             c.Terminal.Columns,
		Rows:                c.Terminal.Rows,
		Term:                c.Terminal.Term,
		KnownHostsPath:      c.SSH.KnownHostsPath,
	}
	return schema.NormalizeEngineConfig(cfg)
}

// DefaultConfig returns a config mirroring the engine defaults.
func DefaultConfig() Config {
	def := schema.DefaultEngineConfig()
	return Config{
		ConfigVersion: CurrentConfigVersion,
		Engine: EngineConfig{
			ConnectTimeoutSeconds:      int(def.ConnectTimeout / time.Second),
			CommandTimeoutSeconds:      int(def.CommandTimeout / time.Second),
			KeepaliveIntervalSeconds:   int(def.KeepaliveInterval / time.Second),
			HealthCheckIntervalSeconds: int(def.HealthCheckInterval / time.Second),
			RetryBaseDelayMillis:       int(def.RetryBaseDelay / time.Millisecond),
			RetryFixedDelayMillis:      int(def.RetryFixedDelay / time.Millisecond),
			ProbeDelaySeconds:          int(def.ProbeDelay / time.Second),
			ProbeMaxAttempts:           def.ProbeMaxAttempts,
			ProbeBudgetSeconds:         int(def.ProbeBudget / time.Second),
			SessionCount:               def.SessionCount,
			SessionPrefix:              def.SessionPrefix,
			SlotOpenDelayMillis:        int(def.SlotOpenDelay / time.Millisecond),
			ResetSettleMillis:          int(def.ResetSettle / time.Millisecond),
			BurstThresholdMillis:       int(def.BurstThreshold / time.Millisecond),
			ShortFlushMillis:           int(def.ShortFlush / time.Millisecond),
			LongFlushMillis:            int(def.LongFlush / time.Millisecond),
		},
		Terminal: TerminalConfig{
			Columns: def.Columns,
			Rows:    def.Rows,
			Term:    def.Term,
		},
		SSH: SSHConfig{
			KnownHostsPath: "",
			DefaultPort:    22,
		},
		Hosts: []HostProfile{},
	}
}

// DefaultConfigPath returns the standard config path.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".pocketmux", "config.yaml"), nil
}
