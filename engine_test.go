package pocketmux

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	gliderssh "github.com/gliderlabs/ssh"

	"github.com/pocketmux/pocketmux/internal/eventbus"
	"github.com/pocketmux/pocketmux/schema"
)

const testPassword = "hunter2"

// muxServer emulates a remote host: exec requests answer the probe and
// tmux bookkeeping commands, interactive PTY shells echo their input.
type muxServer struct {
	addr          string
	tmuxInstalled bool

	mu       sync.Mutex
	commands []string
}

func startMuxServer(t *testing.T, tmuxInstalled bool) *muxServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ms := &muxServer{addr: ln.Addr().String(), tmuxInstalled: tmuxInstalled}
	srv := &gliderssh.Server{
		Handler: ms.handle,
		PasswordHandler: func(_ gliderssh.Context, password string) bool {
			return password == testPassword
		},
	}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() {
		_ = srv.Close()
		_ = ln.Close()
	})
	return ms
}

func (ms *muxServer) handle(s gliderssh.Session) {
	cmd := s.RawCommand()
	if cmd == "" {
		if _, _, ok := s.Pty(); ok {
			_, _ = io.Copy(s, s)
		}
		return
	}
	ms.mu.Lock()
	ms.commands = append(ms.commands, cmd)
	installed := ms.tmuxInstalled
	ms.mu.Unlock()
	switch {
	case strings.Contains(cmd, "command -v tmux"):
		if installed {
			_, _ = io.WriteString(s, "POCKETMUX_TMUX_OK\n")
		} else {
			_, _ = io.WriteString(s, "POCKETMUX_TMUX_MISSING_DEBIAN\n")
		}
	case strings.Contains(cmd, "has-session"):
		_, _ = io.WriteString(s, "POCKETMUX_NO_SESSION\n")
	}
}

func (ms *muxServer) ran(substr string) []string {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	var out []string
	for _, cmd := range ms.commands {
		if strings.Contains(cmd, substr) {
			out = append(out, cmd)
		}
	}
	return out
}

func testEngineConfig() schema.EngineConfig {
	cfg := schema.DefaultEngineConfig()
	cfg.ConnectTimeout = 5 * time.Second
	cfg.CommandTimeout = 5 * time.Second
	cfg.KeepaliveInterval = time.Minute
	cfg.HealthCheckInterval = time.Minute
	cfg.ProbeDelay = 10 * time.Millisecond
	cfg.ProbeMaxAttempts = 2
	cfg.ProbeBudget = 2 * time.Second
	cfg.SlotOpenDelay = time.Millisecond
	cfg.ResetSettle = time.Millisecond
	return cfg
}

func testParams(addr string) schema.ConnectParams {
	host, port, _ := net.SplitHostPort(addr)
	params := schema.ConnectParams{Host: host, User: "tester", Password: testPassword}
	for _, c := range port {
		params.Port = params.Port*10 + int(c-'0')
	}
	return params
}

type engineEvents struct {
	mu     sync.Mutex
	events []eventbus.Event
	cancel func()
}

func collect(t *testing.T, e *Engine) *engineEvents {
	t.Helper()
	ch, cancel := e.Events()
	c := &engineEvents{cancel: cancel}
	t.Cleanup(cancel)
	go func() {
		for ev := range ch {
			c.mu.Lock()
			c.events = append(c.events, ev)
			c.mu.Unlock()
		}
	}()
	return c
}

func (c *engineEvents) outputFor(session int) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []byte
	for _, ev := range c.events {
		if ev.Type == eventbus.EventOutput && ev.Output.Session == session {
			out = append(out, ev.Output.Bytes...)
		}
	}
	return out
}

func (c *engineEvents) statusContains(substr string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ev := range c.events {
		if ev.Type == eventbus.EventStatus && strings.Contains(ev.Status.Message, substr) {
			return true
		}
	}
	return false
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func TestEngineFullSessionLifecycle(t *testing.T) {
	ms := startMuxServer(t, true)
	e, err := New(testEngineConfig(), nil)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	defer e.Close()
	events := collect(t, e)

	if err := e.Connect(context.Background(), testParams(ms.addr)); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if e.Fallback() {
		t.Fatalf("entered fallback with tmux installed")
	}

	waitFor(t, 5*time.Second, func() bool { return len(e.Tabs()) == 3 })
	snap := e.Tabs()
	if !snap[0].Active {
		t.Fatalf("first tab not active: %+v", snap)
	}
	for i := 0; i < 3; i++ {
		if e.SlotState(i) != schema.SlotLive {
			t.Fatalf("slot %d state %s", i, e.SlotState(i))
		}
	}
	if got := ms.ran("new-session"); len(got) != 0 {
		// new-session runs inside the PTY shell, never as an exec.
		t.Fatalf("unexpected exec commands: %v", got)
	}

	// At the ceiling the rejection comes back typed and as a status
	// event for stream-only consumers.
	if _, err := e.CreateTab(); !errors.Is(err, schema.ErrTabLimit) {
		t.Fatalf("expected ErrTabLimit, got %v", err)
	}
	waitFor(t, time.Second, func() bool { return events.statusContains("tab limit") })

	// Input routes to the active tab and echoes back tagged with its
	// session.
	if err := e.SendInput([]byte("whoami\n")); err != nil {
		t.Fatalf("send input: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool {
		return bytes.Contains(events.outputFor(0), []byte("whoami"))
	})

	e.SwitchTab(1)
	if err := e.SendInput([]byte("uptime\n")); err != nil {
		t.Fatalf("send input: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool {
		return bytes.Contains(events.outputFor(1), []byte("uptime"))
	})
	if bytes.Contains(events.outputFor(0), []byte("uptime")) {
		t.Fatalf("input leaked to inactive session")
	}

	// Reset kills only the targeted remote session.
	if err := e.ResetTab(context.Background(), 1); err != nil {
		t.Fatalf("reset: %v", err)
	}
	kills := ms.ran("kill-session")
	if len(kills) != 1 || !strings.Contains(kills[0], "pocketmux-1") {
		t.Fatalf("unexpected kill commands: %v", kills)
	}
	if got := len(e.Tabs()); got != 3 {
		t.Fatalf("reset changed tab count to %d", got)
	}

	// Detach closes the channels but leaves the remote sessions alive.
	before := len(ms.ran("kill-session"))
	e.Detach()
	if e.IsConnected() {
		t.Fatalf("still connected after Detach")
	}
	if e.Tabs() != nil {
		t.Fatalf("tabs survived detach")
	}
	if got := len(ms.ran("kill-session")); got != before {
		t.Fatalf("detach killed remote sessions")
	}

	// A full disconnect kills every owned session before closing down.
	if err := e.Connect(context.Background(), testParams(ms.addr)); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	e.Disconnect()
	if got := len(ms.ran("kill-session")) - before; got != 3 {
		t.Fatalf("disconnect killed %d sessions, want 3", got)
	}
	// Second disconnect is a no-op.
	e.Disconnect()
}

func TestEngineFallbackWhenTmuxMissing(t *testing.T) {
	ms := startMuxServer(t, false)
	e, err := New(testEngineConfig(), nil)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	defer e.Close()
	events := collect(t, e)

	if err := e.Connect(context.Background(), testParams(ms.addr)); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if !e.Fallback() {
		t.Fatalf("expected fallback mode")
	}
	if !events.statusContains("apt-get install") {
		t.Fatalf("install suggestion never surfaced")
	}

	snap := e.Tabs()
	if len(snap) != 1 || !snap[0].Active {
		t.Fatalf("expected a single active tab, got %+v", snap)
	}
	if _, err := e.CreateTab(); !errors.Is(err, schema.ErrFallbackMode) {
		t.Fatalf("expected ErrFallbackMode, got %v", err)
	}
	if err := e.CloseTab(0); !errors.Is(err, schema.ErrFallbackMode) {
		t.Fatalf("expected ErrFallbackMode, got %v", err)
	}

	if err := e.SendInput([]byte("pwd\n")); err != nil {
		t.Fatalf("send input: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool {
		return bytes.Contains(events.outputFor(0), []byte("pwd"))
	})

	e.Disconnect()
}

func TestEngineConnectCancelledDuringProbe(t *testing.T) {
	ms := startMuxServer(t, false)
	cfg := testEngineConfig()
	cfg.ProbeDelay = 100 * time.Millisecond
	cfg.ProbeMaxAttempts = 50
	cfg.ProbeBudget = 30 * time.Second
	e, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	defer e.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(150 * time.Millisecond)
		cancel()
	}()

	// Cancelling mid-probe aborts the connect; it must not degrade to a
	// fallback shell or leave the transport open.
	if err := e.Connect(ctx, testParams(ms.addr)); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if e.Fallback() {
		t.Fatalf("cancelled connect entered fallback mode")
	}
	if e.IsConnected() {
		t.Fatalf("transport left open after cancelled connect")
	}
}

func TestEngineRunCommand(t *testing.T) {
	ms := startMuxServer(t, true)
	e, err := New(testEngineConfig(), nil)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	defer e.Close()

	if err := e.Connect(context.Background(), testParams(ms.addr)); err != nil {
		t.Fatalf("connect: %v", err)
	}
	out, err := e.RunCommandLenient(context.Background(), "tmux has-session -t probe", 2)
	if err != nil {
		t.Fatalf("lenient command: %v", err)
	}
	if !strings.Contains(out, "POCKETMUX_NO_SESSION") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestEngineOperationsBeforeConnect(t *testing.T) {
	e, err := New(testEngineConfig(), nil)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	defer e.Close()

	if e.IsConnected() {
		t.Fatalf("fresh engine reports connected")
	}
	if e.Tabs() != nil {
		t.Fatalf("fresh engine has tabs")
	}
	if err := e.SendInput([]byte("x")); !errors.Is(err, schema.ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
	if err := e.ResetTab(context.Background(), 0); !errors.Is(err, schema.ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
	shell, err := e.OpenShell(context.Background(), 80, 24)
	if err != nil || shell != nil {
		t.Fatalf("expected (nil, nil) while disconnected, got %v %v", shell, err)
	}
}

func TestEngineRejectsBadConfig(t *testing.T) {
	cfg := testEngineConfig()
	cfg.ShortFlush = 50 * time.Millisecond
	cfg.LongFlush = 10 * time.Millisecond
	if _, err := New(cfg, nil); err == nil {
		t.Fatalf("expected config validation failure")
	}
}
