package outstream

import (
	"bytes"
	"fmt"
	"sync"
	"testing"
	"time"
)

func testConfig() Config {
	return Config{
		BurstThreshold: 100 * time.Millisecond,
		ShortFlush:     8 * time.Millisecond,
		LongFlush:      16 * time.Millisecond,
	}
}

type collector struct {
	mu      sync.Mutex
	batches map[int][][]byte
}

func newCollector() *collector {
	return &collector{batches: make(map[int][][]byte)}
}

func (c *collector) emit(session int, batch []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches[session] = append(c.batches[session], batch)
}

func (c *collector) joined(session int) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out bytes.Buffer
	for _, b := range c.batches[session] {
		out.Write(b)
	}
	return out.Bytes()
}

func (c *collector) count(session int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.batches[session])
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func TestOrderPreserved(t *testing.T) {
	c := newCollector()
	a := New(testConfig(), c.emit)
	defer a.Close()

	var want bytes.Buffer
	for i := 0; i < 20; i++ {
		chunk := []byte(fmt.Sprintf("chunk-%02d;", i))
		want.Write(chunk)
		a.OnBytes(0, chunk)
		if i%5 == 0 {
			time.Sleep(12 * time.Millisecond)
		}
	}
	waitFor(t, time.Second, func() bool {
		return bytes.Equal(c.joined(0), want.Bytes())
	})
}

func TestBurstCoalesced(t *testing.T) {
	c := newCollector()
	a := New(testConfig(), c.emit)
	defer a.Close()

	total := 0
	for i := 0; i < 50; i++ {
		a.OnBytes(2, []byte("0123456789"))
		total += 10
		time.Sleep(time.Millisecond)
	}
	waitFor(t, time.Second, func() bool {
		return len(c.joined(2)) == total
	})
	if n := c.count(2); n >= 50 {
		t.Fatalf("expected coalescing, got %d batches for 50 chunks", n)
	}
}

func TestIdleBufferNeverEmits(t *testing.T) {
	c := newCollector()
	a := New(testConfig(), c.emit)
	defer a.Close()

	time.Sleep(60 * time.Millisecond)
	if n := c.count(0); n != 0 {
		t.Fatalf("idle aggregator emitted %d batches", n)
	}
}

func TestSessionsIndependent(t *testing.T) {
	c := newCollector()
	a := New(testConfig(), c.emit)
	defer a.Close()

	a.OnBytes(0, []byte("zero"))
	a.OnBytes(1, []byte("one"))
	waitFor(t, time.Second, func() bool {
		return string(c.joined(0)) == "zero" && string(c.joined(1)) == "one"
	})
}

func TestDropDiscardsPendingBytes(t *testing.T) {
	c := newCollector()
	a := New(Config{
		BurstThreshold: 100 * time.Millisecond,
		ShortFlush:     50 * time.Millisecond,
		LongFlush:      60 * time.Millisecond,
	}, c.emit)
	defer a.Close()

	a.OnBytes(1, []byte("stale"))
	a.OnBytes(0, []byte("keep"))
	a.Drop(1)

	waitFor(t, time.Second, func() bool {
		return string(c.joined(0)) == "keep"
	})
	if n := c.count(1); n != 0 {
		t.Fatalf("dropped slot still emitted %d batches", n)
	}
}

func TestCloseStopsEmission(t *testing.T) {
	c := newCollector()
	a := New(testConfig(), c.emit)
	a.OnBytes(0, []byte("pending"))
	a.Close()
	time.Sleep(50 * time.Millisecond)
	if n := c.count(0); n != 0 {
		t.Fatalf("closed aggregator emitted %d batches", n)
	}
	// OnBytes after Close is a no-op.
	a.OnBytes(0, []byte("late"))
	time.Sleep(30 * time.Millisecond)
	if n := c.count(0); n != 0 {
		t.Fatalf("closed aggregator accepted bytes")
	}
}
