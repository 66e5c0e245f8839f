// Package sshconn owns the single authenticated SSH transport and the
// interactive channels opened over it. The Manager is the only writer
// of the connection handle; every other component re-checks
// connectivity immediately before use and tolerates the handle being
// gone between calls.
package sshconn

import (
	"context"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/pocketmux/pocketmux/schema"
	"pkt.systems/pslog"
)

// Config tunes the connection lifecycle.
type Config struct {
	ConnectTimeout      time.Duration
	KeepaliveInterval   time.Duration
	HealthCheckInterval time.Duration
	Term                string
	KnownHostsPath      string
}

// Manager owns the transport handle and its lifecycle: connect,
// authenticate, keepalive, reconnect, disconnect. At most one live
// handle exists at a time. Credentials are retained only so
// reconnection can proceed without re-prompting, and are cleared on
// explicit disconnect.
type Manager struct {
	cfg Config
	log pslog.Logger

	mu            sync.Mutex
	client        *ssh.Client
	params        schema.ConnectParams
	stop          chan struct{}
	reconnectDone chan struct{}
}

// NewManager constructs a Manager.
func NewManager(cfg Config, logger pslog.Logger) *Manager {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	if cfg.Term == "" {
		cfg.Term = "xterm-256color"
	}
	return &Manager{cfg: cfg, log: logger}
}

// Connect authenticates against the host and, on success, starts the
// keepalive and health-check timers. Any previous handle is discarded.
// Failures are returned as classified *schema.ConnectError values.
func (m *Manager) Connect(ctx context.Context, params schema.ConnectParams) error {
	client, err := m.dial(ctx, params)
	if err != nil {
		return err
	}

	m.mu.Lock()
	old := m.client
	oldStop := m.stop
	m.client = client
	m.params = params
	m.stop = make(chan struct{})
	stop := m.stop
	m.mu.Unlock()

	if oldStop != nil {
		close(oldStop)
	}
	if old != nil {
		_ = old.Close()
	}

	go m.watch(client)
	go m.timers(stop)
	m.log.Info("connected", "addr", params.Addr(), "user", params.User)
	return nil
}

func (m *Manager) dial(ctx context.Context, params schema.ConnectParams) (*ssh.Client, error) {
	if params.Empty() {
		return nil, &schema.ConnectError{Kind: schema.ConnectOther, Err: schema.ErrNoCredentials}
	}
	auth, err := authMethods(params)
	if err != nil {
		return nil, schema.ClassifyConnect(err)
	}
	hostKeys, err := hostKeyCallback(m.cfg.KnownHostsPath)
	if err != nil {
		return nil, schema.ClassifyConnect(err)
	}
	config := &ssh.ClientConfig{
		User:            params.User,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         m.cfg.ConnectTimeout,
	}

	addr := params.Addr()
	dialer := net.Dialer{Timeout: m.cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, schema.ClassifyConnect(err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		_ = conn.Close()
		return nil, schema.ClassifyConnect(err)
	}
	return ssh.NewClient(sshConn, chans, reqs), nil
}

// watch clears the handle when the transport dies underneath us.
func (m *Manager) watch(client *ssh.Client) {
	err := client.Wait()
	m.mu.Lock()
	current := m.client == client
	if current {
		m.client = nil
	}
	m.mu.Unlock()
	if current {
		m.log.Warn("transport dropped", "err", err)
	}
}

func (m *Manager) timers(stop chan struct{}) {
	keepalive := time.NewTicker(m.cfg.KeepaliveInterval)
	health := time.NewTicker(m.cfg.HealthCheckInterval)
	defer keepalive.Stop()
	defer health.Stop()
	for {
		select {
		case <-stop:
			return
		case <-keepalive.C:
			m.keepalive()
		case <-health.C:
			m.healthCheck()
		}
	}
}

func (m *Manager) keepalive() {
	client := m.Client()
	if client == nil {
		return
	}
	if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
		m.log.Warn("keepalive failed", "err", err)
		m.tryReconnect(context.Background())
	}
}

func (m *Manager) healthCheck() {
	m.mu.Lock()
	down := m.client == nil && !m.params.Empty()
	m.mu.Unlock()
	if down {
		m.tryReconnect(context.Background())
	}
}

// IsConnected reports whether a live transport handle exists.
func (m *Manager) IsConnected() bool {
	return m.Client() != nil
}

// Client returns the current handle, or nil when disconnected. Callers
// must treat it as read-only and tolerate it closing at any moment.
func (m *Manager) Client() *ssh.Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.client
}

// EnsureConnected returns true if connected, reconnecting with the
// retained credentials if necessary. Concurrent callers piggyback on a
// single in-flight reconnect attempt.
func (m *Manager) EnsureConnected(ctx context.Context) bool {
	if m.IsConnected() {
		return true
	}
	return m.tryReconnect(ctx)
}

func (m *Manager) tryReconnect(ctx context.Context) bool {
	m.mu.Lock()
	if m.client != nil {
		m.mu.Unlock()
		return true
	}
	if m.reconnectDone != nil {
		done := m.reconnectDone
		m.mu.Unlock()
		select {
		case <-done:
			return m.IsConnected()
		case <-ctx.Done():
			return false
		}
	}
	if m.params.Empty() {
		m.mu.Unlock()
		return false
	}
	done := make(chan struct{})
	m.reconnectDone = done
	params := m.params
	m.mu.Unlock()

	m.log.Info("reconnecting", "addr", params.Addr())
	client, err := m.dial(ctx, params)

	m.mu.Lock()
	m.reconnectDone = nil
	if err != nil {
		m.mu.Unlock()
		close(done)
		m.log.Warn("reconnect failed", "err", err)
		return false
	}
	if m.params.Empty() {
		// Disconnected while we were dialing; drop the new handle.
		m.mu.Unlock()
		close(done)
		_ = client.Close()
		return false
	}
	m.client = client
	m.mu.Unlock()
	close(done)
	go m.watch(client)
	m.log.Info("reconnected", "addr", params.Addr())
	return true
}

// Disconnect stops the timers, closes the handle, and clears the
// retained credentials. It never fails and is safe to call repeatedly.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	client := m.client
	stop := m.stop
	m.client = nil
	m.stop = nil
	m.params = schema.ConnectParams{}
	m.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	if client != nil {
		_ = client.Close()
	}
	m.log.Info("disconnected")
}
