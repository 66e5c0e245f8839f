// Package outstream coalesces streamed terminal bytes into fewer,
// larger delivery batches without ever reordering or dropping them.
package outstream

import (
	"sync"
	"time"
)

// Config tunes the adaptive flush behavior.
type Config struct {
	// BurstThreshold is how long a slot must be quiet before the next
	// chunk is treated as the start of a new burst.
	BurstThreshold time.Duration
	// ShortFlush is used for the first chunk of a new burst, so a
	// keystroke echo is delivered quickly.
	ShortFlush time.Duration
	// LongFlush is used while a stream is sustained, so animated
	// output coalesces into fewer deliveries.
	LongFlush time.Duration
}

// Aggregator buffers per-session output and emits it in receipt order.
// Delivery granularity varies with the flush delay; byte order never
// does. The emit callback runs with the aggregator lock held and must
// not call back into the aggregator.
type Aggregator struct {
	cfg  Config
	emit func(session int, batch []byte)
	now  func() time.Time

	mu     sync.Mutex
	slots  map[int]*slotBuffer
	closed bool
}

type slotBuffer struct {
	buf       []byte
	timer     *time.Timer
	lastFlush time.Time
}

// New constructs an Aggregator delivering batches to emit.
func New(cfg Config, emit func(session int, batch []byte)) *Aggregator {
	return &Aggregator{
		cfg:   cfg,
		emit:  emit,
		now:   time.Now,
		slots: make(map[int]*slotBuffer),
	}
}

// OnBytes appends bytes to the session's buffer and schedules a flush
// if one is not already pending. An idle buffer never emits.
func (a *Aggregator) OnBytes(session int, p []byte) {
	if len(p) == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	sb := a.slots[session]
	if sb == nil {
		sb = &slotBuffer{}
		a.slots[session] = sb
	}
	sb.buf = append(sb.buf, p...)
	if sb.timer != nil {
		// A flush is already pending; these bytes ride along.
		return
	}
	delay := a.cfg.LongFlush
	if a.now().Sub(sb.lastFlush) > a.cfg.BurstThreshold {
		delay = a.cfg.ShortFlush
	}
	sb.timer = time.AfterFunc(delay, func() { a.flush(session) })
}

func (a *Aggregator) flush(session int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	sb := a.slots[session]
	if sb == nil {
		return
	}
	sb.timer = nil
	if a.closed || len(sb.buf) == 0 {
		return
	}
	batch := sb.buf
	sb.buf = nil
	sb.lastFlush = a.now()
	a.emit(session, batch)
}

// Drop discards any pending bytes and flush timer for the session.
// Used when a slot is reset so stale output never reaches the fresh
// session's display.
func (a *Aggregator) Drop(session int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	sb := a.slots[session]
	if sb == nil {
		return
	}
	if sb.timer != nil {
		sb.timer.Stop()
	}
	delete(a.slots, session)
}

// Close stops all timers and discards buffered bytes.
func (a *Aggregator) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	for session, sb := range a.slots {
		if sb.timer != nil {
			sb.timer.Stop()
		}
		delete(a.slots, session)
	}
}
