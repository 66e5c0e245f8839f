// Package tabs maps registry slots to the UI-facing tab strip. Tabs
// appear reactively as sessions come up, are capped at the slot count,
// and the last tab can never be closed.
package tabs

import (
	"context"
	"fmt"
	"sync"

	"github.com/pocketmux/pocketmux/schema"
	"pkt.systems/pslog"
)

// Sessions is the slice of the registry the tab machine drives.
type Sessions interface {
	SwitchToSession(session int) error
	ResetSession(ctx context.Context, session int) error
	Count() int
}

type tab struct {
	id      schema.TabID
	name    schema.TabName
	session int
}

// Machine holds the tab strip state. In fallback mode there is exactly
// one immutable tab over the single raw shell; the multi-tab surface
// is rejected wholesale.
type Machine struct {
	sessions Sessions
	log      pslog.Logger
	fallback bool

	mu     sync.Mutex
	tabs   []tab
	active int
	nextID int
}

// New constructs a tab machine over the session registry.
func New(sessions Sessions, logger pslog.Logger) *Machine {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Machine{sessions: sessions, log: logger}
}

// NewFallback constructs the single-tab machine used when no remote
// multiplexer is available.
func NewFallback(logger pslog.Logger) *Machine {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	m := &Machine{fallback: true, log: logger}
	m.tabs = []tab{{id: "tab-0", name: "Shell", session: 0}}
	m.nextID = 1
	return m
}

// OnSessionReady creates a tab for a newly attached session slot. The
// first tab becomes active. Re-opened slots (resets) already have a
// tab and create nothing.
func (m *Machine) OnSessionReady(ev schema.SessionReadyEvent) {
	if m.fallback {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tabs {
		if t.session == ev.Session {
			return
		}
	}
	if len(m.tabs) >= m.sessions.Count() {
		m.log.Warn("session ready beyond tab ceiling", "session", ev.Session)
		return
	}
	m.addTabLocked(ev.Session)
}

func (m *Machine) addTabLocked(session int) tab {
	t := tab{
		id:      schema.TabID(fmt.Sprintf("tab-%d", m.nextID)),
		name:    schema.TabName(fmt.Sprintf("Tab %d", session+1)),
		session: session,
	}
	m.nextID++
	m.tabs = append(m.tabs, t)
	if len(m.tabs) == 1 {
		m.active = 0
	}
	m.log.Debug("tab created", "id", t.id, "session", session)
	return t
}

// CreateTab opens a tab for the lowest session slot that has none.
// Rejected in fallback mode and when every slot already has a tab.
func (m *Machine) CreateTab() (schema.TabSnapshot, error) {
	if m.fallback {
		return schema.TabSnapshot{}, schema.ErrFallbackMode
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.tabs) >= m.sessions.Count() {
		return schema.TabSnapshot{}, schema.ErrTabLimit
	}
	used := make(map[int]bool, len(m.tabs))
	for _, t := range m.tabs {
		used[t.session] = true
	}
	session := -1
	for i := 0; i < m.sessions.Count(); i++ {
		if !used[i] {
			session = i
			break
		}
	}
	if session < 0 {
		return schema.TabSnapshot{}, schema.ErrTabLimit
	}
	m.addTabLocked(session)
	m.active = len(m.tabs) - 1
	if err := m.sessions.SwitchToSession(session); err != nil {
		return schema.TabSnapshot{}, err
	}
	return m.snapshotLocked(len(m.tabs) - 1), nil
}

// SwitchTab activates the tab at the given strip position. Positions
// out of range are ignored, so stale UI taps cannot corrupt state.
func (m *Machine) SwitchTab(index int) {
	m.mu.Lock()
	if index < 0 || index >= len(m.tabs) {
		m.mu.Unlock()
		m.log.Debug("switch to missing tab ignored", "index", index)
		return
	}
	m.active = index
	session := m.tabs[index].session
	m.mu.Unlock()
	if m.fallback || m.sessions == nil {
		return
	}
	if err := m.sessions.SwitchToSession(session); err != nil {
		m.log.Warn("switch session failed", "session", session, "err", err)
	}
}

// CloseTab removes the tab at the given strip position. The last
// remaining tab is protected. When the active tab closes, the first
// tab becomes active.
func (m *Machine) CloseTab(index int) error {
	if m.fallback {
		return schema.ErrFallbackMode
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if index < 0 || index >= len(m.tabs) {
		return schema.ErrSlotIndex
	}
	if len(m.tabs) == 1 {
		return schema.ErrLastTab
	}
	closed := m.tabs[index]
	m.tabs = append(m.tabs[:index], m.tabs[index+1:]...)
	switch {
	case m.active == index:
		m.active = 0
	case m.active > index:
		m.active--
	}
	m.log.Debug("tab closed", "id", closed.id)
	return nil
}

// ResetTab recreates the session behind the tab at the given strip
// position. Unavailable in fallback mode.
func (m *Machine) ResetTab(ctx context.Context, index int) error {
	if m.fallback {
		return schema.ErrFallbackMode
	}
	m.mu.Lock()
	if index < 0 || index >= len(m.tabs) {
		m.mu.Unlock()
		return schema.ErrSlotIndex
	}
	session := m.tabs[index].session
	m.mu.Unlock()
	return m.sessions.ResetSession(ctx, session)
}

// ActiveSession returns the session slot behind the active tab.
func (m *Machine) ActiveSession() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.tabs) == 0 {
		return 0
	}
	return m.tabs[m.active].session
}

// Fallback reports whether the machine runs in single-tab mode.
func (m *Machine) Fallback() bool { return m.fallback }

// Snapshot returns the current tab strip for the UI.
func (m *Machine) Snapshot() []schema.TabSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]schema.TabSnapshot, len(m.tabs))
	for i := range m.tabs {
		out[i] = m.snapshotLocked(i)
	}
	return out
}

func (m *Machine) snapshotLocked(i int) schema.TabSnapshot {
	t := m.tabs[i]
	return schema.TabSnapshot{
		ID:      t.id,
		Name:    t.name,
		Session: t.session,
		Active:  i == m.active,
	}
}
