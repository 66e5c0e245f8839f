// Package muxprobe detects whether tmux is installed on the remote
// host. Detection runs a single composite command whose output is one
// sentinel line, so one round trip answers both "is tmux there" and
// "what package manager would install it".
package muxprobe

import (
	"context"
	"strings"
	"time"

	"github.com/pocketmux/pocketmux/internal/retrypolicy"
	"github.com/pocketmux/pocketmux/schema"
	"pkt.systems/pslog"
)

const (
	sentinelOK      = "POCKETMUX_TMUX_OK"
	sentinelMissing = "POCKETMUX_TMUX_MISSING_"
)

// probeCommand prints exactly one sentinel: OK when tmux resolves on
// PATH, otherwise MISSING tagged with the detected OS family.
const probeCommand = `if command -v tmux >/dev/null 2>&1; then echo ` + sentinelOK +
	`; elif [ -f /etc/debian_version ]; then echo ` + sentinelMissing + `DEBIAN` +
	`; elif [ -f /etc/redhat-release ]; then echo ` + sentinelMissing + `RHEL` +
	`; elif [ -f /etc/alpine-release ]; then echo ` + sentinelMissing + `ALPINE` +
	`; else echo ` + sentinelMissing + `UNKNOWN; fi`

// Commander runs a remote command leniently, ignoring its exit code.
type Commander interface {
	RunLenient(ctx context.Context, command string, maxRetries int) (string, error)
}

// Config bounds the wait-for-install loop.
type Config struct {
	// Delay between probe attempts while tmux stays missing.
	Delay time.Duration
	// MaxAttempts caps the number of probes.
	MaxAttempts int
	// Budget caps the total wall-clock time across all probes.
	Budget time.Duration
}

// Prober answers whether tmux is available on the remote host.
type Prober struct {
	cmd Commander
	cfg Config
	log pslog.Logger
}

// NewProber constructs a Prober over the given command executor.
func NewProber(cmd Commander, cfg Config, logger pslog.Logger) *Prober {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Prober{cmd: cmd, cfg: cfg, log: logger}
}

// CheckInstalled probes once. MuxUnknown is returned with a non-nil
// error when the probe could not produce a sentinel, and with a nil
// error when the output was unparseable.
func (p *Prober) CheckInstalled(ctx context.Context) (schema.MuxStatus, schema.OSHint, error) {
	out, err := p.cmd.RunLenient(ctx, probeCommand, 3)
	if err != nil {
		return schema.MuxUnknown, schema.OSHintUnknown, err
	}
	status, hint := parseSentinel(out)
	if status == schema.MuxUnknown {
		p.log.Warn("multiplexer probe produced no sentinel", "output", strings.TrimSpace(out))
	}
	return status, hint, nil
}

// WaitInstalled probes repeatedly until tmux appears, the attempt
// budget runs out, or the wall clock budget elapses. Each conclusive
// MISSING result invokes notify with the OS hint so the caller can
// surface an install suggestion while waiting. On exhaustion the last
// observed status is returned together with ErrProbeInconclusive.
func (p *Prober) WaitInstalled(ctx context.Context, notify func(schema.OSHint)) (schema.MuxStatus, schema.OSHint, error) {
	var (
		lastStatus = schema.MuxUnknown
		lastHint   = schema.OSHintUnknown
	)
	policy := retrypolicy.Policy{
		MaxAttempts: p.cfg.MaxAttempts,
		Budget:      p.cfg.Budget,
		Delay:       retrypolicy.Fixed(p.cfg.Delay),
	}
	err := policy.Do(ctx, func(ctx context.Context, attempt int) error {
		status, hint, err := p.CheckInstalled(ctx)
		if err != nil {
			p.log.Debug("multiplexer probe attempt failed", "attempt", attempt, "err", err)
			return err
		}
		lastStatus, lastHint = status, hint
		switch status {
		case schema.MuxInstalled:
			return nil
		case schema.MuxMissing:
			if notify != nil {
				notify(hint)
			}
			p.log.Info("tmux missing on remote host", "os", hint, "attempt", attempt)
			return schema.ErrProbeInconclusive
		default:
			return schema.ErrProbeInconclusive
		}
	})
	if err != nil {
		return lastStatus, lastHint, schema.ErrProbeInconclusive
	}
	return schema.MuxInstalled, lastHint, nil
}

// parseSentinel scans output lines for the probe sentinel. Lines that
// are not sentinels, such as login banners, are skipped.
func parseSentinel(out string) (schema.MuxStatus, schema.OSHint) {
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == sentinelOK {
			return schema.MuxInstalled, schema.OSHintUnknown
		}
		if rest, ok := strings.CutPrefix(line, sentinelMissing); ok {
			return schema.MuxMissing, osHint(rest)
		}
	}
	return schema.MuxUnknown, schema.OSHintUnknown
}

func osHint(tag string) schema.OSHint {
	switch tag {
	case "DEBIAN":
		return schema.OSHintDebian
	case "RHEL":
		return schema.OSHintRHEL
	case "ALPINE":
		return schema.OSHintAlpine
	default:
		return schema.OSHintUnknown
	}
}
