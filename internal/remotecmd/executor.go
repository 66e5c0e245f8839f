// Package remotecmd runs one-shot commands on the remote host over
// exec channels, absorbing transient channel contention with bounded
// retry so liveness probes and multiplexer bookkeeping never surface
// spurious failures.
package remotecmd

import (
	"bytes"
	"context"
	"errors"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/pocketmux/pocketmux/internal/retrypolicy"
	"github.com/pocketmux/pocketmux/internal/sshconn"
	"github.com/pocketmux/pocketmux/schema"
	"pkt.systems/pslog"
)

// Result is the outcome of one completed remote command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner opens a channel and runs one command to completion. The
// default implementation uses SSH exec channels; tests inject fakes.
type Runner interface {
	Run(ctx context.Context, command string) (Result, error)
}

// Conns is the slice of the connection manager the executor needs.
type Conns interface {
	IsConnected() bool
	EnsureConnected(ctx context.Context) bool
}

// Config tunes command timeouts and retry backoff.
type Config struct {
	CommandTimeout time.Duration
	// BaseDelay is multiplied by the attempt number after a channel
	// open failure.
	BaseDelay time.Duration
	// FixedDelay is used after non-channel failures.
	FixedDelay time.Duration
}

// Executor runs strict and lenient remote commands.
type Executor struct {
	cfg    Config
	runner Runner
	conns  Conns
	log    pslog.Logger
}

// NewExecutor constructs an Executor running over the manager's
// transport.
func NewExecutor(manager *sshconn.Manager, cfg Config, logger pslog.Logger) *Executor {
	return NewExecutorWithRunner(&sshRunner{conns: manager}, manager, cfg, logger)
}

// NewExecutorWithRunner constructs an Executor with an injected runner.
func NewExecutorWithRunner(runner Runner, conns Conns, cfg Config, logger pslog.Logger) *Executor {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Executor{cfg: cfg, runner: runner, conns: conns, log: logger}
}

// Run executes a command strictly: a non-zero exit fails with the
// captured stderr.
func (e *Executor) Run(ctx context.Context, command string) (string, error) {
	runCtx, cancel := context.WithTimeout(ctx, e.cfg.CommandTimeout)
	defer cancel()
	res, err := e.runner.Run(runCtx, command)
	if err != nil {
		return "", &schema.CommandError{Command: command, Err: err}
	}
	if res.ExitCode != 0 {
		return "", &schema.CommandError{Command: command, ExitCode: res.ExitCode, Stderr: res.Stderr}
	}
	return res.Stdout, nil
}

// RunLenient executes a command ignoring its exit code: stdout is
// returned regardless and stderr is logged only. Channel-open failures
// are retried with growing backoff, reconnecting first when the
// transport itself is down; other failures retry on a small fixed
// delay. After maxRetries attempts the last cause is surfaced inside a
// CommandError.
func (e *Executor) RunLenient(ctx context.Context, command string, maxRetries int) (string, error) {
	if maxRetries <= 0 {
		maxRetries = 1
	}
	var out string
	policy := retrypolicy.Policy{
		MaxAttempts: maxRetries,
		Delay: func(attempt int, err error) time.Duration {
			var coe *schema.ChannelOpenError
			if errors.As(err, &coe) {
				return e.cfg.BaseDelay * time.Duration(attempt)
			}
			return e.cfg.FixedDelay
		},
	}
	err := policy.Do(ctx, func(ctx context.Context, attempt int) error {
		runCtx, cancel := context.WithTimeout(ctx, e.cfg.CommandTimeout)
		res, err := e.runner.Run(runCtx, command)
		cancel()
		if err != nil {
			var coe *schema.ChannelOpenError
			if errors.As(err, &coe) && !e.conns.IsConnected() {
				e.conns.EnsureConnected(ctx)
			}
			e.log.Debug("lenient command attempt failed", "attempt", attempt, "err", err)
			return err
		}
		if res.Stderr != "" {
			e.log.Debug("lenient command stderr", "command", command, "stderr", res.Stderr)
		}
		out = res.Stdout
		return nil
	})
	if err != nil {
		return "", &schema.CommandError{Command: command, Err: err}
	}
	return out, nil
}

// sshRunner opens one exec channel per command over the current
// connection.
type sshRunner struct {
	conns *sshconn.Manager
}

func (r *sshRunner) Run(ctx context.Context, command string) (Result, error) {
	client := r.conns.Client()
	if client == nil {
		return Result{}, &schema.ChannelOpenError{Err: schema.ErrNotConnected}
	}
	sess, err := client.NewSession()
	if err != nil {
		return Result{}, &schema.ChannelOpenError{Err: err}
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- sess.Run(command) }()

	select {
	case <-ctx.Done():
		_ = sess.Close()
		return Result{}, ctx.Err()
	case err := <-done:
		res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
		if err == nil {
			return res, nil
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitStatus()
			return res, nil
		}
		return Result{}, err
	}
}
