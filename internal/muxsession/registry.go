// Package muxsession maintains the fixed set of tmux-backed remote
// sessions. Each slot maps to one stable session name, so the remote
// tmux server keeps scrollback and running programs alive across app
// restarts and transport drops, and re-attachment is deterministic.
package muxsession

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/pocketmux/pocketmux/internal/eventbus"
	"github.com/pocketmux/pocketmux/schema"
	"pkt.systems/pslog"
)

const (
	hasSessionSentinel = "POCKETMUX_HAS_SESSION"
	noSessionSentinel  = "POCKETMUX_NO_SESSION"
)

// Channel is one interactive PTY channel carrying a slot's session.
type Channel interface {
	io.Writer
	Stdout() io.Reader
	Stderr() io.Reader
	Done() <-chan struct{}
	Resize(cols, rows int) error
	Close() error
}

// ShellFactory opens interactive channels. Returning (nil, nil) means
// the transport is currently down.
type ShellFactory func(ctx context.Context, cols, rows int) (Channel, error)

// Commander runs remote bookkeeping commands leniently.
type Commander interface {
	RunLenient(ctx context.Context, command string, maxRetries int) (string, error)
}

// Sink receives ordered output bytes per slot.
type Sink interface {
	OnBytes(session int, p []byte)
	Drop(session int)
}

type slot struct {
	state schema.SlotState
	// gen increments on every (re)open so pumps and watchers spawned
	// for a previous channel cannot touch the slot's fresh state.
	gen int
	ch  Channel
}

// Registry owns the slot lifecycle: probe, attach-or-create, reset,
// and teardown. Slots that die are marked closed and never respawned
// on their own; only an explicit reset brings a slot back.
type Registry struct {
	cfg  schema.EngineConfig
	open ShellFactory
	cmd  Commander
	sink Sink
	bus  *eventbus.Bus
	log  pslog.Logger

	mu     sync.Mutex
	slots  []*slot
	active int
	inited bool
}

// NewRegistry constructs a Registry.
func NewRegistry(cfg schema.EngineConfig, open ShellFactory, cmd Commander, sink Sink, bus *eventbus.Bus, logger pslog.Logger) *Registry {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	slots := make([]*slot, cfg.SessionCount)
	for i := range slots {
		slots[i] = &slot{state: schema.SlotEmpty}
	}
	return &Registry{
		cfg:   cfg,
		open:  open,
		cmd:   cmd,
		sink:  sink,
		bus:   bus,
		log:   logger,
		slots: slots,
	}
}

// Initialize opens every slot in order: existing remote sessions are
// re-attached, missing ones created. A SessionReady event is published
// per slot as it comes up. If any slot fails, slots opened so far are
// torn down and the whole initialization fails.
func (r *Registry) Initialize(ctx context.Context) error {
	r.mu.Lock()
	if r.inited {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	for i := range r.slots {
		attached, err := r.sessionExists(ctx, i)
		if err != nil {
			r.rollback(i)
			return &schema.SessionInitError{Slot: i, Err: err}
		}
		if err := r.openSlot(ctx, i, attached, false); err != nil {
			r.rollback(i)
			return &schema.SessionInitError{Slot: i, Err: err}
		}
		if i < len(r.slots)-1 && r.cfg.SlotOpenDelay > 0 {
			// Staggered opens keep the remote sshd from seeing a burst
			// of simultaneous channel requests.
			select {
			case <-ctx.Done():
				r.rollback(i + 1)
				return &schema.SessionInitError{Slot: i + 1, Err: ctx.Err()}
			case <-time.After(r.cfg.SlotOpenDelay):
			}
		}
	}

	r.mu.Lock()
	r.inited = true
	r.active = 0
	r.mu.Unlock()
	r.log.Info("session registry initialized", "slots", len(r.slots))
	return nil
}

func (r *Registry) sessionExists(ctx context.Context, session int) (bool, error) {
	name := r.cfg.SessionName(session)
	command := fmt.Sprintf("tmux has-session -t %s 2>/dev/null && echo %s || echo %s",
		name, hasSessionSentinel, noSessionSentinel)
	out, err := r.cmd.RunLenient(ctx, command, 3)
	if err != nil {
		return false, err
	}
	return containsLine(out, hasSessionSentinel), nil
}

// openSlot opens a channel and points it at the slot's tmux session.
// exec replaces the login shell so the channel dies together with the
// tmux client, never leaving an orphaned shell behind.
func (r *Registry) openSlot(ctx context.Context, session int, attach, reset bool) error {
	r.setState(session, schema.SlotOpening)

	ch, err := r.open(ctx, r.cfg.Columns, r.cfg.Rows)
	if err != nil {
		r.setState(session, schema.SlotClosed)
		return err
	}
	if ch == nil {
		r.setState(session, schema.SlotClosed)
		return schema.ErrNotConnected
	}

	name := r.cfg.SessionName(session)
	var line string
	if attach {
		line = fmt.Sprintf("exec tmux attach-session -t %s\n", name)
	} else {
		line = fmt.Sprintf("exec tmux new-session -s %s\n", name)
	}
	if _, err := ch.Write([]byte(line)); err != nil {
		_ = ch.Close()
		r.setState(session, schema.SlotClosed)
		return err
	}

	r.mu.Lock()
	s := r.slots[session]
	s.gen++
	s.ch = ch
	s.state = schema.SlotLive
	gen := s.gen
	r.mu.Unlock()

	go r.pumpStdout(session, gen, ch)
	go r.pumpStderr(session, gen, ch)
	go r.watchClose(session, gen, ch)

	r.log.Info("session slot open", "slot", session, "name", name, "attached", attach, "reset", reset)
	r.bus.SessionReady(schema.SessionReadyEvent{
		Session:  session,
		Name:     name,
		Attached: attach,
		Reset:    reset,
	})
	return nil
}

func (r *Registry) pumpStdout(session, gen int, ch Channel) {
	buf := make([]byte, 32*1024)
	for {
		n, err := ch.Stdout().Read(buf)
		if n > 0 {
			r.deliver(session, gen, buf[:n])
		}
		if err != nil {
			return
		}
	}
}

// deliver hands pumped bytes to the sink. The generation check and the
// sink call happen under the same lock, so a pump preempted mid-read
// cannot slip stale bytes in after a reset has dropped the slot's
// pending output.
func (r *Registry) deliver(session, gen int, p []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.slots[session].gen != gen {
		return
	}
	r.sink.OnBytes(session, p)
}

func (r *Registry) pumpStderr(session, gen int, ch Channel) {
	buf := make([]byte, 4*1024)
	for {
		n, err := ch.Stderr().Read(buf)
		if n > 0 && r.currentGen(session) == gen {
			r.log.Trace("session stderr", "slot", session, "bytes", string(buf[:n]))
		}
		if err != nil {
			return
		}
	}
}

// watchClose marks the slot closed when its channel dies out from
// under it. The slot stays closed until an explicit reset.
func (r *Registry) watchClose(session, gen int, ch Channel) {
	<-ch.Done()
	r.mu.Lock()
	s := r.slots[session]
	stale := s.gen != gen || s.state != schema.SlotLive
	if !stale {
		s.state = schema.SlotClosed
		s.ch = nil
	}
	r.mu.Unlock()
	if stale {
		return
	}
	r.log.Warn("session channel closed", "slot", session)
	r.bus.Error(schema.ErrorEvent{Session: session, Message: "session channel closed"})
}

// SendInput writes raw bytes to the slot's channel. Input to a slot
// with no live channel is dropped and logged rather than failed, since
// keystrokes can race a channel death.
func (r *Registry) SendInput(session int, p []byte) error {
	if session < 0 || session >= len(r.slots) {
		return schema.ErrSlotIndex
	}
	r.mu.Lock()
	s := r.slots[session]
	ch := s.ch
	state := s.state
	r.mu.Unlock()
	if ch == nil || state != schema.SlotLive {
		r.log.Warn("input dropped, slot not live", "slot", session, "state", state, "bytes", len(p))
		return nil
	}
	_, err := ch.Write(p)
	return err
}

// SwitchToSession changes which slot receives routed input. Purely
// local bookkeeping; no remote traffic.
func (r *Registry) SwitchToSession(session int) error {
	if session < 0 || session >= len(r.slots) {
		return schema.ErrSlotIndex
	}
	r.mu.Lock()
	r.active = session
	r.mu.Unlock()
	return nil
}

// Active returns the slot currently receiving routed input.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// ResetSession kills the slot's remote session and recreates it fresh.
// Pending output for the slot is discarded so nothing from the old
// session bleeds into the new one. Other slots are untouched.
func (r *Registry) ResetSession(ctx context.Context, session int) error {
	if session < 0 || session >= len(r.slots) {
		return schema.ErrSlotIndex
	}
	r.mu.Lock()
	if !r.inited {
		r.mu.Unlock()
		return schema.ErrNotInitialized
	}
	s := r.slots[session]
	s.gen++
	old := s.ch
	s.ch = nil
	s.state = schema.SlotOpening
	r.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}

	name := r.cfg.SessionName(session)
	if _, err := r.cmd.RunLenient(ctx, fmt.Sprintf("tmux kill-session -t %s 2>/dev/null", name), 3); err != nil {
		r.log.Warn("kill-session failed", "slot", session, "err", err)
	}
	if r.cfg.ResetSettle > 0 {
		// Give the tmux server a beat to reap the session before the
		// same name is reused.
		select {
		case <-ctx.Done():
			r.setState(session, schema.SlotClosed)
			return ctx.Err()
		case <-time.After(r.cfg.ResetSettle):
		}
	}
	r.sink.Drop(session)

	if err := r.openSlot(ctx, session, false, true); err != nil {
		r.bus.Error(schema.ErrorEvent{Session: session, Message: "session reset failed"})
		return err
	}
	return nil
}

// Resize propagates new terminal geometry to every live channel.
func (r *Registry) Resize(cols, rows int) {
	r.mu.Lock()
	channels := make([]Channel, 0, len(r.slots))
	for _, s := range r.slots {
		if s.state == schema.SlotLive && s.ch != nil {
			channels = append(channels, s.ch)
		}
	}
	r.mu.Unlock()
	for _, ch := range channels {
		if err := ch.Resize(cols, rows); err != nil {
			r.log.Debug("resize failed", "err", err)
		}
	}
}

// Detach closes every channel while leaving the remote sessions
// running, so a later connect re-attaches to the same scrollback and
// programs. The registry returns to its uninitialized state.
func (r *Registry) Detach() {
	r.mu.Lock()
	channels := make([]Channel, 0, len(r.slots))
	for _, s := range r.slots {
		s.gen++
		if s.ch != nil {
			channels = append(channels, s.ch)
		}
		s.ch = nil
		s.state = schema.SlotEmpty
	}
	r.inited = false
	r.active = 0
	r.mu.Unlock()

	for _, ch := range channels {
		_ = ch.Close()
	}
	r.log.Info("session registry detached")
}

// KillAll tears down every slot: remote sessions are killed best
// effort, channels closed, and the registry returns to its
// uninitialized state.
func (r *Registry) KillAll(ctx context.Context) {
	r.mu.Lock()
	channels := make([]Channel, 0, len(r.slots))
	for _, s := range r.slots {
		s.gen++
		if s.ch != nil {
			channels = append(channels, s.ch)
		}
		s.ch = nil
		s.state = schema.SlotEmpty
	}
	r.inited = false
	r.active = 0
	r.mu.Unlock()

	for i := range r.slots {
		name := r.cfg.SessionName(i)
		if _, err := r.cmd.RunLenient(ctx, fmt.Sprintf("tmux kill-session -t %s 2>/dev/null", name), 2); err != nil {
			r.log.Debug("kill-session during teardown failed", "slot", i, "err", err)
		}
	}
	for _, ch := range channels {
		_ = ch.Close()
	}
	r.log.Info("session registry torn down")
}

// Initialized reports whether the registry holds live slots.
func (r *Registry) Initialized() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inited
}

// State returns the slot's lifecycle state.
func (r *Registry) State(session int) schema.SlotState {
	if session < 0 || session >= len(r.slots) {
		return schema.SlotEmpty
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.slots[session].state
}

// Count returns the number of slots.
func (r *Registry) Count() int { return len(r.slots) }

func (r *Registry) currentGen(session int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.slots[session].gen
}

func (r *Registry) setState(session int, state schema.SlotState) {
	r.mu.Lock()
	r.slots[session].state = state
	r.mu.Unlock()
}

// rollback closes the first n slots after a failed initialization so
// a retry starts from a clean slate.
func (r *Registry) rollback(n int) {
	r.mu.Lock()
	channels := make([]Channel, 0, n)
	for i := 0; i < len(r.slots); i++ {
		s := r.slots[i]
		s.gen++
		if s.ch != nil {
			channels = append(channels, s.ch)
		}
		s.ch = nil
		s.state = schema.SlotEmpty
	}
	r.mu.Unlock()
	for _, ch := range channels {
		_ = ch.Close()
	}
	r.log.Warn("session initialization rolled back", "opened", n)
}

func containsLine(out, want string) bool {
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) == want {
			return true
		}
	}
	return false
}
