// Package presence tracks the ephemeral state of connected peers: who is
// online, where their cursor is and what they have selected. Nothing here is
// persisted or merged into the document.
package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/boardsync/boardsync/internal/clock"
	"github.com/boardsync/boardsync/internal/codec"
	"github.com/boardsync/boardsync/pkg/constants"
	"github.com/boardsync/boardsync/pkg/logger"
)

type Cursor struct {
	X float64 `cbor:"x"`
	Y float64 `cbor:"y"`
}

// Entry is one peer's presence.
type Entry struct {
	UserID      string  `cbor:"uid"`
	DisplayName string  `cbor:"name"`
	Color       string  `cbor:"color"`
	Cursor      *Cursor `cbor:"cursor,omitempty"`
	SelectedID  string  `cbor:"sel,omitempty"`
}

// MessageType distinguishes presence messages.
type MessageType string

const (
	MessageState MessageType = "state"
	MessageLeave MessageType = "leave"
)

// Message is what peers exchange. Peer is the sender's replica id.
type Message struct {
	Type  MessageType `cbor:"t"`
	Peer  string      `cbor:"p"`
	Clock uint64      `cbor:"c"`
	Entry *Entry      `cbor:"e,omitempty"`
}

func EncodeMessage(m Message) ([]byte, error) {
	return codec.Default().Marshal(m)
}

func DecodeMessage(b []byte) (Message, error) {
	var m Message
	err := codec.Default().Unmarshal(b, &m)
	return m, err
}

// Event reports how the roster changed.
type Event struct {
	Joined  []string
	Updated []string
	Left    []string
}

func (e Event) empty() bool {
	return len(e.Joined) == 0 && len(e.Updated) == 0 && len(e.Left) == 0
}

// Config configures an Awareness.
type Config struct {
	// Replica is the local peer id carried in outgoing messages.
	Replica   string
	Heartbeat time.Duration
	Timeout   time.Duration
	// Send delivers a message to the other peers. It must not block.
	Send   func(Message)
	Clock  clock.Clock
	Logger logger.Logger
}

type peer struct {
	entry Entry
	clock uint64
	seen  time.Time
}

// Awareness holds the local presence entry and the roster of remote peers.
type Awareness struct {
	cfg Config

	mu       sync.Mutex
	local    *Entry
	seq      uint64
	lastSent time.Time
	peers    map[string]*peer

	obsMu     sync.Mutex
	nextID    int
	observers map[int]func(Event)

	tickMu sync.Mutex
	ticker clock.Ticker
	done   chan struct{}
	wg     sync.WaitGroup
}

func New(cfg Config) *Awareness {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = constants.DefaultPresenceHeartbeat
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = constants.DefaultPresenceTimeout
	}
	if cfg.Send == nil {
		cfg.Send = func(Message) {}
	}
	cfg.Clock = clock.OrReal(cfg.Clock)
	cfg.Logger = logger.OrDiscard(cfg.Logger)
	return &Awareness{cfg: cfg, peers: make(map[string]*peer), observers: make(map[int]func(Event))}
}

// SetLocal replaces the local entry and announces it.
func (a *Awareness) SetLocal(e Entry) {
	a.mu.Lock()
	a.local = &e
	msg := a.stateLocked()
	a.mu.Unlock()
	a.cfg.Send(msg)
}

// UpdateLocal edits the local entry in place and announces it. It does
// nothing before SetLocal.
func (a *Awareness) UpdateLocal(fn func(*Entry)) {
	a.mu.Lock()
	if a.local == nil {
		a.mu.Unlock()
		return
	}
	fn(a.local)
	msg := a.stateLocked()
	a.mu.Unlock()
	a.cfg.Send(msg)
}

// Local returns the local entry.
func (a *Awareness) Local() (Entry, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.local == nil {
		return Entry{}, false
	}
	return *a.local, true
}

func (a *Awareness) stateLocked() Message {
	a.seq++
	a.lastSent = a.cfg.Clock.Now()
	e := *a.local
	return Message{Type: MessageState, Peer: a.cfg.Replica, Clock: a.seq, Entry: &e}
}

// Announce re-sends the local entry, e.g. after a reconnect.
func (a *Awareness) Announce() {
	a.mu.Lock()
	if a.local == nil {
		a.mu.Unlock()
		return
	}
	msg := a.stateLocked()
	a.mu.Unlock()
	a.cfg.Send(msg)
}

// Leave tells peers this replica is gone and clears the local entry.
func (a *Awareness) Leave() {
	a.mu.Lock()
	if a.local == nil {
		a.mu.Unlock()
		return
	}
	a.local = nil
	a.seq++
	msg := Message{Type: MessageLeave, Peer: a.cfg.Replica, Clock: a.seq}
	a.mu.Unlock()
	a.cfg.Send(msg)
}

// Handle applies a message from another peer. Messages older than the last
// one seen from the same peer are ignored.
func (a *Awareness) Handle(m Message) {
	if m.Peer == "" || m.Peer == a.cfg.Replica {
		return
	}
	var ev Event
	a.mu.Lock()
	p, known := a.peers[m.Peer]
	switch {
	case known && m.Clock <= p.clock:
	case m.Type == MessageLeave:
		if known {
			delete(a.peers, m.Peer)
			ev.Left = []string{m.Peer}
		}
	case m.Type == MessageState && m.Entry != nil:
		if known {
			p.entry, p.clock, p.seen = *m.Entry, m.Clock, a.cfg.Clock.Now()
			ev.Updated = []string{m.Peer}
		} else {
			a.peers[m.Peer] = &peer{entry: *m.Entry, clock: m.Clock, seen: a.cfg.Clock.Now()}
			ev.Joined = []string{m.Peer}
		}
	default:
		a.cfg.Logger.Debug("presence: ignoring message", "type", string(m.Type), "peer", m.Peer)
	}
	a.mu.Unlock()
	a.emit(ev)
}

// Remove drops a peer, e.g. when the transport reports it disconnected.
func (a *Awareness) Remove(peerID string) {
	a.mu.Lock()
	_, ok := a.peers[peerID]
	delete(a.peers, peerID)
	a.mu.Unlock()
	if ok {
		a.emit(Event{Left: []string{peerID}})
	}
}

// Clear drops every remote peer. Used when the local transport goes down.
func (a *Awareness) Clear() {
	a.mu.Lock()
	left := make([]string, 0, len(a.peers))
	for id := range a.peers {
		left = append(left, id)
	}
	a.peers = make(map[string]*peer)
	a.mu.Unlock()
	sort.Strings(left)
	a.emit(Event{Left: left})
}

// Peers returns the remote entries keyed by replica id.
func (a *Awareness) Peers() map[string]Entry {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]Entry, len(a.peers))
	for id, p := range a.peers {
		out[id] = p.entry
	}
	return out
}

// Online returns the user ids of the local and remote peers, sorted and
// without duplicates.
func (a *Awareness) Online() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	seen := make(map[string]bool)
	if a.local != nil {
		seen[a.local.UserID] = true
	}
	for _, p := range a.peers {
		seen[p.entry.UserID] = true
	}
	out := make([]string, 0, len(seen))
	for uid := range seen {
		out = append(out, uid)
	}
	sort.Strings(out)
	return out
}

// Tick re-announces the local entry when a heartbeat is due and evicts peers
// that have not been heard from within the timeout.
func (a *Awareness) Tick() {
	now := a.cfg.Clock.Now()
	var ev Event
	var msg *Message

	a.mu.Lock()
	for id, p := range a.peers {
		if now.Sub(p.seen) >= a.cfg.Timeout {
			delete(a.peers, id)
			ev.Left = append(ev.Left, id)
		}
	}
	if a.local != nil && now.Sub(a.lastSent) >= a.cfg.Heartbeat {
		m := a.stateLocked()
		msg = &m
	}
	a.mu.Unlock()

	sort.Strings(ev.Left)
	for _, id := range ev.Left {
		a.cfg.Logger.Debug("presence: peer timed out", "peer", id)
	}
	if msg != nil {
		a.cfg.Send(*msg)
	}
	a.emit(ev)
}

// Observe calls fn whenever the remote roster changes.
func (a *Awareness) Observe(fn func(Event)) func() {
	a.obsMu.Lock()
	defer a.obsMu.Unlock()
	a.nextID++
	id := a.nextID
	a.observers[id] = fn
	return func() {
		a.obsMu.Lock()
		delete(a.observers, id)
		a.obsMu.Unlock()
	}
}

func (a *Awareness) emit(ev Event) {
	if ev.empty() {
		return
	}
	a.obsMu.Lock()
	ids := make([]int, 0, len(a.observers))
	for id := range a.observers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Event), len(ids))
	for i, id := range ids {
		fns[i] = a.observers[id]
	}
	a.obsMu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// Start runs Tick at a fraction of the heartbeat until Stop.
func (a *Awareness) Start() {
	a.tickMu.Lock()
	defer a.tickMu.Unlock()
	if a.done != nil {
		return
	}
	interval := a.cfg.Heartbeat / 3
	if interval <= 0 {
		interval = a.cfg.Heartbeat
	}
	a.ticker = a.cfg.Clock.NewTicker(interval)
	a.done = make(chan struct{})
	a.wg.Add(1)
	go func(t clock.Ticker, done <-chan struct{}) {
		defer a.wg.Done()
		for {
			select {
			case <-done:
				return
			case <-t.C():
				a.Tick()
			}
		}
	}(a.ticker, a.done)
}

// Stop ends the tick loop.
func (a *Awareness) Stop() {
	a.tickMu.Lock()
	if a.done == nil {
		a.tickMu.Unlock()
		return
	}
	a.ticker.Stop()
	close(a.done)
	a.done = nil
	a.tickMu.Unlock()
	a.wg.Wait()
}
