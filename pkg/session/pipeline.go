package session

import (
	"sort"
	"sync"
	"time"

	"github.com/boardsync/boardsync/internal/clock"
)

// KeySet is a set of record keys per map name.
type KeySet map[string]map[string]struct{}

func (ks KeySet) add(name string, keys ...string) {
	if len(keys) == 0 {
		return
	}
	set, ok := ks[name]
	if !ok {
		set = make(map[string]struct{}, len(keys))
		ks[name] = set
	}
	for _, k := range keys {
		set[k] = struct{}{}
	}
}

func (ks KeySet) merge(other KeySet) {
	for name, set := range other {
		for k := range set {
			ks.add(name, k)
		}
	}
}

// Len returns the number of keys across all maps.
func (ks KeySet) Len() int {
	n := 0
	for _, set := range ks {
		n += len(set)
	}
	return n
}

// Lists returns the keys per map, sorted.
func (ks KeySet) Lists() map[string][]string {
	out := make(map[string][]string, len(ks))
	for name, set := range ks {
		keys := make([]string, 0, len(set))
		for k := range set {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out[name] = keys
	}
	return out
}

// Coalescer batches local writes. The first key marked opens a window; when
// it closes, every key marked inside it is flushed in one call. Because the
// flush reads current state, later fields override earlier ones.
type Coalescer struct {
	clock  clock.Clock
	window time.Duration
	flush  func(KeySet)

	mu      sync.Mutex
	pending KeySet
	timer   clock.Timer
	stopped bool
}

func NewCoalescer(c clock.Clock, window time.Duration, flush func(KeySet)) *Coalescer {
	return &Coalescer{clock: clock.OrReal(c), window: window, flush: flush, pending: make(KeySet)}
}

// Mark adds keys of map name to the open window, opening one if needed.
func (c *Coalescer) Mark(name string, keys ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped || len(keys) == 0 {
		return
	}
	c.pending.add(name, keys...)
	if c.timer == nil {
		c.timer = c.clock.AfterFunc(c.window, c.Flush)
	}
}

// Flush closes the window now.
func (c *Coalescer) Flush() {
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	batch := c.pending
	c.pending = make(KeySet)
	stopped := c.stopped
	c.mu.Unlock()

	if stopped || batch.Len() == 0 {
		return
	}
	c.flush(batch)
}

// Pending returns how many keys wait for the window to close.
func (c *Coalescer) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending.Len()
}

// Stop discards the open window. Later marks are ignored.
func (c *Coalescer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.pending = make(KeySet)
}

// EchoFilter recognises the network echo of this replica's own writes
// during a drag and for a short window after it.
type EchoFilter struct {
	clock  clock.Clock
	window time.Duration

	mu       sync.Mutex
	dragging int
	until    time.Time
}

func NewEchoFilter(c clock.Clock, window time.Duration) *EchoFilter {
	return &EchoFilter{clock: clock.OrReal(c), window: window}
}

func (f *EchoFilter) BeginDrag() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dragging++
}

// EndDrag opens the echo window. Unbalanced calls are ignored.
func (f *EchoFilter) EndDrag() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dragging == 0 {
		return
	}
	f.dragging--
	if f.dragging == 0 {
		f.until = f.clock.Now().Add(f.window)
	}
}

// Dragging reports whether a drag is in progress.
func (f *EchoFilter) Dragging() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dragging > 0
}

// Suppress reports whether a change authored by origin must be dropped.
// Other replicas' changes never are.
func (f *EchoFilter) Suppress(origin, self string) bool {
	if origin != self {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dragging > 0 || f.clock.Now().Before(f.until)
}
