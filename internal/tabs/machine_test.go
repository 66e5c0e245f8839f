package tabs

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/pocketmux/pocketmux/schema"
)

type fakeSessions struct {
	mu       sync.Mutex
	count    int
	switches []int
	resets   []int
}

func (f *fakeSessions) SwitchToSession(session int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.switches = append(f.switches, session)
	return nil
}

func (f *fakeSessions) ResetSession(_ context.Context, session int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets = append(f.resets, session)
	return nil
}

func (f *fakeSessions) Count() int { return f.count }

func readyMachine(t *testing.T, slots int) (*Machine, *fakeSessions) {
	t.Helper()
	sessions := &fakeSessions{count: slots}
	m := New(sessions, nil)
	for i := 0; i < slots; i++ {
		m.OnSessionReady(schema.SessionReadyEvent{Session: i})
	}
	return m, sessions
}

func TestTabsAppearPerSessionFirstActive(t *testing.T) {
	m, _ := readyMachine(t, 3)
	snap := m.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("expected 3 tabs, got %d", len(snap))
	}
	if !snap[0].Active || snap[1].Active || snap[2].Active {
		t.Fatalf("first tab not active: %+v", snap)
	}
	for i, ts := range snap {
		if ts.Session != i {
			t.Fatalf("tab %d bound to session %d", i, ts.Session)
		}
	}
}

func TestSessionReadyResetCreatesNoDuplicate(t *testing.T) {
	m, _ := readyMachine(t, 3)
	m.OnSessionReady(schema.SessionReadyEvent{Session: 1, Reset: true})
	if got := len(m.Snapshot()); got != 3 {
		t.Fatalf("reset created a duplicate tab: %d tabs", got)
	}
}

func TestCreateTabRejectedAtCeiling(t *testing.T) {
	m, _ := readyMachine(t, 3)
	if _, err := m.CreateTab(); !errors.Is(err, schema.ErrTabLimit) {
		t.Fatalf("expected ErrTabLimit, got %v", err)
	}
}

func TestCreateTabReopensClosedSlot(t *testing.T) {
	m, sessions := readyMachine(t, 3)
	if err := m.CloseTab(1); err != nil {
		t.Fatalf("close: %v", err)
	}
	snap, err := m.CreateTab()
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if snap.Session != 1 {
		t.Fatalf("expected reopened session 1, got %d", snap.Session)
	}
	if !snap.Active {
		t.Fatalf("new tab not active")
	}
	sessions.mu.Lock()
	defer sessions.mu.Unlock()
	if len(sessions.switches) == 0 || sessions.switches[len(sessions.switches)-1] != 1 {
		t.Fatalf("create did not route input to new session: %v", sessions.switches)
	}
}

func TestSwitchTabRoutesAndIgnoresOutOfRange(t *testing.T) {
	m, sessions := readyMachine(t, 3)
	m.SwitchTab(2)
	if m.ActiveSession() != 2 {
		t.Fatalf("active session %d, want 2", m.ActiveSession())
	}
	sessions.mu.Lock()
	n := len(sessions.switches)
	sessions.mu.Unlock()

	m.SwitchTab(9)
	m.SwitchTab(-1)
	if m.ActiveSession() != 2 {
		t.Fatalf("out-of-range switch changed active tab")
	}
	sessions.mu.Lock()
	defer sessions.mu.Unlock()
	if len(sessions.switches) != n {
		t.Fatalf("out-of-range switch reached the registry")
	}
}

func TestCloseTabProtectsLast(t *testing.T) {
	m, _ := readyMachine(t, 3)
	if err := m.CloseTab(2); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := m.CloseTab(1); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := m.CloseTab(0); !errors.Is(err, schema.ErrLastTab) {
		t.Fatalf("expected ErrLastTab, got %v", err)
	}
	if got := len(m.Snapshot()); got != 1 {
		t.Fatalf("expected 1 tab left, got %d", got)
	}
}

func TestCloseActiveTabFallsBackToFirst(t *testing.T) {
	m, _ := readyMachine(t, 3)
	m.SwitchTab(2)
	if err := m.CloseTab(2); err != nil {
		t.Fatalf("close: %v", err)
	}
	snap := m.Snapshot()
	if !snap[0].Active {
		t.Fatalf("first tab not active after closing active tab: %+v", snap)
	}
}

func TestCloseBeforeActiveShiftsIndex(t *testing.T) {
	m, _ := readyMachine(t, 3)
	m.SwitchTab(2)
	if err := m.CloseTab(0); err != nil {
		t.Fatalf("close: %v", err)
	}
	if m.ActiveSession() != 2 {
		t.Fatalf("active session drifted to %d", m.ActiveSession())
	}
}

func TestResetTabDelegates(t *testing.T) {
	m, sessions := readyMachine(t, 3)
	if err := m.ResetTab(context.Background(), 1); err != nil {
		t.Fatalf("reset: %v", err)
	}
	sessions.mu.Lock()
	defer sessions.mu.Unlock()
	if len(sessions.resets) != 1 || sessions.resets[0] != 1 {
		t.Fatalf("unexpected resets: %v", sessions.resets)
	}
}

func TestFallbackSingleTab(t *testing.T) {
	m := NewFallback(nil)
	if !m.Fallback() {
		t.Fatalf("fallback machine not flagged")
	}
	snap := m.Snapshot()
	if len(snap) != 1 || !snap[0].Active {
		t.Fatalf("expected one active tab, got %+v", snap)
	}
	if _, err := m.CreateTab(); !errors.Is(err, schema.ErrFallbackMode) {
		t.Fatalf("expected ErrFallbackMode on create, got %v", err)
	}
	if err := m.CloseTab(0); !errors.Is(err, schema.ErrFallbackMode) {
		t.Fatalf("expected ErrFallbackMode on close, got %v", err)
	}
	if err := m.ResetTab(context.Background(), 0); !errors.Is(err, schema.ErrFallbackMode) {
		t.Fatalf("expected ErrFallbackMode on reset, got %v", err)
	}
	// SessionReady events in fallback mode never grow the strip.
	m.OnSessionReady(schema.SessionReadyEvent{Session: 1})
	if got := len(m.Snapshot()); got != 1 {
		t.Fatalf("fallback machine grew to %d tabs", got)
	}
}
