package schema

import (
	"errors"
	"fmt"
	"time"
)

// EngineConfig defines timing, sizing, and naming for the session engine.
type EngineConfig struct {
	ConnectTimeout      time.Duration
	CommandTimeout      time.Duration
	KeepaliveInterval   time.Duration
	HealthCheckInterval time.Duration

	// Lenient command retry.
	RetryBaseDelay  time.Duration
	RetryFixedDelay time.Duration

	// Multiplexer probe loop.
	ProbeDelay       time.Duration
	ProbeMaxAttempts int
	ProbeBudget      time.Duration

	// Session registry.
	SessionCount  int
	SessionPrefix string
	SlotOpenDelay time.Duration
	ResetSettle   time.Duration

	// Output aggregation.
	BurstThreshold time.Duration
	ShortFlush     time.Duration
	LongFlush      time.Duration

	// Terminal geometry for persistent shells.
	Columns int
	Rows    int
	Term    string

	// KnownHostsPath enables host key verification when set. Empty
	// keeps the accept-any behavior used by the mobile first-connect
	// flow.
	KnownHostsPath string
}

// DefaultEngineConfig returns the engine defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		ConnectTimeout:      30 * time.Second,
		CommandTimeout:      15 * time.Second,
		KeepaliveInterval:   15 * time.Second,
		HealthCheckInterval: 5 * time.Second,
		RetryBaseDelay:      500 * time.Millisecond,
		RetryFixedDelay:     200 * time.Millisecond,
		ProbeDelay:          3 * time.Second,
		ProbeMaxAttempts:    40,
		ProbeBudget:         2 * time.Minute,
		SessionCount:        3,
		SessionPrefix:       "pocketmux",
		SlotOpenDelay:       150 * time.Millisecond,
		ResetSettle:         300 * time.Millisecond,
		BurstThreshold:      100 * time.Millisecond,
		ShortFlush:          8 * time.Millisecond,
		LongFlush:           16 * time.Millisecond,
		Columns:             80,
		Rows:                24,
		Term:                "xterm-256color",
	}
}

// SessionName returns the stable remote session name for a slot index.
// Each index maps to exactly one name for the process's lifetime, so
// re-attachment across app restarts is deterministic.
func (c EngineConfig) SessionName(index int) SessionName {
	return SessionName(fmt.Sprintf("%s-%d", c.SessionPrefix, index))
}

// NormalizeEngineConfig applies defaults and validates the config.
func NormalizeEngineConfig(cfg EngineConfig) (EngineConfig, error) {
	def := DefaultEngineConfig()
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = def.CommandTimeout
	}
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = def.KeepaliveInterval
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = def.HealthCheckInterval
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = def.RetryBaseDelay
	}
	if cfg.RetryFixedDelay <= 0 {
		cfg.RetryFixedDelay = def.RetryFixedDelay
	}
	if cfg.ProbeDelay <= 0 {
		cfg.ProbeDelay = def.ProbeDelay
	}
	if cfg.ProbeMaxAttempts <= 0 {
		cfg.ProbeMaxAttempts = def.ProbeMaxAttempts
	}
	if cfg.ProbeBudget <= 0 {
		cfg.ProbeBudget = def.ProbeBudget
	}
	if cfg.SessionCount <= 0 {
		cfg.SessionCount = def.SessionCount
	}
	if cfg.SessionPrefix == "" {
		cfg.SessionPrefix = def.SessionPrefix
	}
	if cfg.SlotOpenDelay < 0 {
		cfg.SlotOpenDelay = def.SlotOpenDelay
	}
	if cfg.ResetSettle < 0 {
		cfg.ResetSettle = def.ResetSettle
	}
	if cfg.BurstThreshold <= 0 {
		cfg.BurstThreshold = def.BurstThreshold
	}
	if cfg.ShortFlush <= 0 {
		cfg.ShortFlush = def.ShortFlush
	}
	if cfg.LongFlush <= 0 {
		cfg.LongFlush = def.LongFlush
	}
	if cfg.Columns <= 0 {
		cfg.Columns = def.Columns
	}
	if cfg.Rows <= 0 {
		cfg.Rows = def.Rows
	}
	if cfg.Term == "" {
		cfg.Term = def.Term
	}
	if cfg.ShortFlush > cfg.LongFlush {
		return EngineConfig{}, errors.New("short flush delay must not exceed long flush delay")
	}
	if cfg.SessionCount > 9 {
		return EngineConfig{}, errors.New("session count must be at most 9")
	}
	return cfg, nil
}
