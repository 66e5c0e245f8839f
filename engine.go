// Package pocketmux is the remote session engine behind a mobile
// terminal client. It keeps one SSH connection alive per remote host,
// multiplexes a fixed set of tmux-backed sessions over it as UI tabs,
// and streams their output in ordered, coalesced batches.
package pocketmux

import (
	"context"
	"errors"
	"sync"

	"github.com/pocketmux/pocketmux/internal/eventbus"
	"github.com/pocketmux/pocketmux/internal/muxprobe"
	"github.com/pocketmux/pocketmux/internal/muxsession"
	"github.com/pocketmux/pocketmux/internal/outstream"
	"github.com/pocketmux/pocketmux/internal/remotecmd"
	"github.com/pocketmux/pocketmux/internal/sshconn"
	"github.com/pocketmux/pocketmux/internal/tabs"
	"github.com/pocketmux/pocketmux/schema"
	"pkt.systems/pslog"
)

// Engine composes the connection manager, command executor, session
// registry, tab machine, and output aggregator into the surface a UI
// binds to.
type Engine struct {
	cfg  schema.EngineConfig
	log  pslog.Logger
	bus  *eventbus.Bus
	agg  *outstream.Aggregator
	conn *sshconn.Manager
	exec *remotecmd.Executor
	mux  *muxprobe.Prober

	mu            sync.Mutex
	registry      *muxsession.Registry
	tabs          *tabs.Machine
	fallbackShell *sshconn.Shell
	fallback      bool
	forwardCancel func()
}

// New constructs an Engine. The config is normalized; invalid values
// fail construction rather than surfacing later.
func New(cfg schema.EngineConfig, logger pslog.Logger) (*Engine, error) {
	cfg, err := schema.NormalizeEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}

	bus := eventbus.New(logger)
	agg := outstream.New(outstream.Config{
		BurstThreshold: cfg.BurstThreshold,
		ShortFlush:     cfg.ShortFlush,
		LongFlush:      cfg.LongFlush,
	}, func(session int, batch []byte) {
		bus.Output(schema.OutputEvent{Session: session, Bytes: batch})
	})
	conn := sshconn.NewManager(sshconn.Config{
		ConnectTimeout:      cfg.ConnectTimeout,
		KeepaliveInterval:   cfg.KeepaliveInterval,
		HealthCheckInterval: cfg.HealthCheckInterval,
		Term:                cfg.Term,
		KnownHostsPath:      cfg.KnownHostsPath,
	}, logger)
	exec := remotecmd.NewExecutor(conn, remotecmd.Config{
		CommandTimeout: cfg.CommandTimeout,
		BaseDelay:      cfg.RetryBaseDelay,
		FixedDelay:     cfg.RetryFixedDelay,
	}, logger)
	mux := muxprobe.NewProber(exec, muxprobe.Config{
		Delay:       cfg.ProbeDelay,
		MaxAttempts: cfg.ProbeMaxAttempts,
		Budget:      cfg.ProbeBudget,
	}, logger)

	return &Engine{
		cfg:  cfg,
		log:  logger,
		bus:  bus,
		agg:  agg,
		conn: conn,
		exec: exec,
		mux:  mux,
	}, nil
}

// Connect establishes the transport, probes for tmux, and brings up
// either the full session registry or, when tmux never materializes,
// a single raw shell in fallback mode.
func (e *Engine) Connect(ctx context.Context, params schema.ConnectParams) error {
	if err := e.conn.Connect(ctx, params); err != nil {
		return err
	}
	e.bus.Status(schema.StatusEvent{Message: "connected to " + params.Addr()})

	status, _, err := e.mux.WaitInstalled(ctx, func(hint schema.OSHint) {
		e.bus.Status(schema.StatusEvent{Message: "tmux not found, install it with: " + hint.InstallSuggestion()})
	})
	if err != nil || status != schema.MuxInstalled {
		// A cancelled connect aborts; only a host without tmux degrades.
		if ctx.Err() != nil {
			e.conn.Disconnect()
			return ctx.Err()
		}
		e.log.Warn("multiplexer unavailable, entering fallback mode", "status", status, "err", err)
		return e.startFallback(ctx)
	}
	return e.startMux(ctx)
}

func (e *Engine) startMux(ctx context.Context) error {
	registry := muxsession.NewRegistry(e.cfg, e.shellFactory, e.exec, e.agg, e.bus, e.log)
	machine := tabs.New(registry, e.log)

	e.mu.Lock()
	e.registry = registry
	e.tabs = machine
	e.fallback = false
	e.mu.Unlock()

	// Subscribe before Initialize so no SessionReady event is missed.
	e.startForwarder()
	if err := registry.Initialize(ctx); err != nil {
		e.stopForwarder()
		e.mu.Lock()
		e.registry = nil
		e.tabs = nil
		e.mu.Unlock()
		return err
	}
	return nil
}

func (e *Engine) startFallback(ctx context.Context) error {
	shell, err := e.conn.OpenShell(ctx, e.cfg.Columns, e.cfg.Rows)
	if err != nil {
		return err
	}
	if shell == nil {
		return schema.ErrNotConnected
	}

	e.mu.Lock()
	e.fallbackShell = shell
	e.tabs = tabs.NewFallback(e.log)
	e.fallback = true
	e.mu.Unlock()

	go e.pumpFallback(shell)
	e.bus.Status(schema.StatusEvent{Message: "tmux unavailable, using a single shell"})
	return nil
}

// shellFactory adapts the connection manager to the registry's channel
// interface. A nil shell stays a nil interface value.
func (e *Engine) shellFactory(ctx context.Context, cols, rows int) (muxsession.Channel, error) {
	shell, err := e.conn.OpenShell(ctx, cols, rows)
	if err != nil || shell == nil {
		return nil, err
	}
	return shell, nil
}

func (e *Engine) pumpFallback(shell *sshconn.Shell) {
	go func() {
		buf := make([]byte, 32*1024)
		for {
			n, err := shell.Stdout().Read(buf)
			if n > 0 {
				e.agg.OnBytes(0, buf[:n])
			}
			if err != nil {
				return
			}
		}
	}()
	<-shell.Done()
	e.mu.Lock()
	stale := e.fallbackShell != shell
	if !stale {
		e.fallbackShell = nil
	}
	e.mu.Unlock()
	if stale {
		return
	}
	e.log.Warn("fallback shell closed")
	e.bus.Error(schema.ErrorEvent{Session: 0, Message: "shell closed"})
}

// startForwarder relays SessionReady events from the bus into the tab
// machine so tabs appear as slots come up.
func (e *Engine) startForwarder() {
	ch, cancel := e.bus.Subscribe()
	e.mu.Lock()
	e.forwardCancel = cancel
	e.mu.Unlock()
	go func() {
		for ev := range ch {
			if ev.Type != eventbus.EventSessionReady {
				continue
			}
			e.mu.Lock()
			machine := e.tabs
			e.mu.Unlock()
			if machine != nil {
				machine.OnSessionReady(ev.Session)
			}
		}
	}()
}

func (e *Engine) stopForwarder() {
	e.mu.Lock()
	cancel := e.forwardCancel
	e.forwardCancel = nil
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Disconnect best-effort kills the owned remote sessions so they do
// not accumulate across connect cycles, then tears the transport down
// unconditionally. Idempotent.
func (e *Engine) Disconnect() {
	e.teardown(true)
}

// Detach closes every channel but leaves the remote tmux sessions
// running, so a later Connect re-attaches to the same scrollback and
// programs. Used when the app is backgrounded rather than quit.
func (e *Engine) Detach() {
	e.teardown(false)
}

func (e *Engine) teardown(killSessions bool) {
	e.mu.Lock()
	registry := e.registry
	shell := e.fallbackShell
	e.registry = nil
	e.tabs = nil
	e.fallbackShell = nil
	e.fallback = false
	e.mu.Unlock()

	e.stopForwarder()
	if registry != nil {
		if killSessions {
			ctx, cancel := context.WithTimeout(context.Background(), e.cfg.CommandTimeout)
			registry.KillAll(ctx)
			cancel()
		} else {
			registry.Detach()
		}
	}
	if shell != nil {
		_ = shell.Close()
	}
	e.conn.Disconnect()
	e.bus.Status(schema.StatusEvent{Message: "disconnected"})
}

// IsConnected reports whether the transport is up.
func (e *Engine) IsConnected() bool { return e.conn.IsConnected() }

// EnsureConnected reconnects with retained credentials if needed.
func (e *Engine) EnsureConnected(ctx context.Context) bool {
	return e.conn.EnsureConnected(ctx)
}

// RunCommand executes a one-shot remote command strictly.
func (e *Engine) RunCommand(ctx context.Context, command string) (string, error) {
	return e.exec.Run(ctx, command)
}

// RunCommandLenient executes a one-shot remote command, ignoring its
// exit code and retrying transient channel failures.
func (e *Engine) RunCommandLenient(ctx context.Context, command string, maxRetries int) (string, error) {
	return e.exec.RunLenient(ctx, command, maxRetries)
}

// OpenShell opens an ad-hoc interactive channel outside the registry.
// Returns (nil, nil) while disconnected.
func (e *Engine) OpenShell(ctx context.Context, cols, rows int) (*sshconn.Shell, error) {
	return e.conn.OpenShell(ctx, cols, rows)
}

// SendInput routes raw input bytes to the active tab's session.
func (e *Engine) SendInput(p []byte) error {
	e.mu.Lock()
	fallback := e.fallback
	shell := e.fallbackShell
	registry := e.registry
	machine := e.tabs
	e.mu.Unlock()

	if machine == nil {
		return schema.ErrNotInitialized
	}
	if fallback {
		if shell == nil {
			return schema.ErrNotConnected
		}
		_, err := shell.Write(p)
		return err
	}
	return registry.SendInput(machine.ActiveSession(), p)
}

// Resize propagates new terminal geometry to every open channel.
func (e *Engine) Resize(cols, rows int) {
	e.mu.Lock()
	registry := e.registry
	shell := e.fallbackShell
	e.mu.Unlock()
	if registry != nil {
		registry.Resize(cols, rows)
	}
	if shell != nil {
		if err := shell.Resize(cols, rows); err != nil {
			e.log.Debug("fallback resize failed", "err", err)
		}
	}
}

// Tabs returns the current tab strip.
func (e *Engine) Tabs() []schema.TabSnapshot {
	e.mu.Lock()
	machine := e.tabs
	e.mu.Unlock()
	if machine == nil {
		return nil
	}
	return machine.Snapshot()
}

// CreateTab opens a tab for an unmapped session slot. A rejection at
// the tab ceiling also surfaces as a status event, so consumers that
// only watch the event stream see it.
func (e *Engine) CreateTab() (schema.TabSnapshot, error) {
	e.mu.Lock()
	machine := e.tabs
	e.mu.Unlock()
	if machine == nil {
		return schema.TabSnapshot{}, schema.ErrNotInitialized
	}
	snap, err := machine.CreateTab()
	if errors.Is(err, schema.ErrTabLimit) {
		e.bus.Status(schema.StatusEvent{Message: "tab limit reached"})
	}
	return snap, err
}

// SwitchTab activates the tab at the given strip position.
func (e *Engine) SwitchTab(index int) {
	e.mu.Lock()
	machine := e.tabs
	e.mu.Unlock()
	if machine != nil {
		machine.SwitchTab(index)
	}
}

// CloseTab removes the tab at the given strip position.
func (e *Engine) CloseTab(index int) error {
	e.mu.Lock()
	machine := e.tabs
	e.mu.Unlock()
	if machine == nil {
		return schema.ErrNotInitialized
	}
	return machine.CloseTab(index)
}

// ResetTab kills and recreates the session behind the tab at the
// given strip position.
func (e *Engine) ResetTab(ctx context.Context, index int) error {
	e.mu.Lock()
	machine := e.tabs
	e.mu.Unlock()
	if machine == nil {
		return schema.ErrNotInitialized
	}
	return machine.ResetTab(ctx, index)
}

// Fallback reports whether the engine runs in single-shell mode.
func (e *Engine) Fallback() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fallback
}

// SlotState returns the lifecycle state of a registry slot.
func (e *Engine) SlotState(session int) schema.SlotState {
	e.mu.Lock()
	registry := e.registry
	e.mu.Unlock()
	if registry == nil {
		return schema.SlotEmpty
	}
	return registry.State(session)
}

// Events subscribes to the engine's event stream.
func (e *Engine) Events() (<-chan eventbus.Event, func()) {
	return e.bus.Subscribe()
}

// Close disconnects and releases the output aggregator.
func (e *Engine) Close() {
	e.Disconnect()
	e.agg.Close()
}
