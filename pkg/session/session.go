// Package session is the per-room facade an application talks to. A Session
// owns one board document and wires it to the network transport, the
// durable cache, presence, the tombstone sweeper and the local write
// pipeline.
//
// Mutations validate, apply to the local replica and return; nothing waits
// for the network. Local writes are coalesced per record for DebounceWindow
// before they are broadcast, persisted and reported to OnChange listeners.
// While the transport is down the session is degraded: writes keep applying
// and the touched keys are queued until the next connection.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/boardsync/boardsync/pkg/cache"
	"github.com/boardsync/boardsync/pkg/conflict"
	"github.com/boardsync/boardsync/pkg/constants"
	"github.com/boardsync/boardsync/pkg/document"
	"github.com/boardsync/boardsync/pkg/logger"
	"github.com/boardsync/boardsync/pkg/presence"
	"github.com/boardsync/boardsync/pkg/replicated"
	"github.com/boardsync/boardsync/pkg/transport"
	"github.com/boardsync/boardsync/pkg/validation"
)

// Stats are counters kept by a session.
type Stats struct {
	// LocalWrites counts local transactions, before coalescing.
	LocalWrites int64
	// Flushes counts coalesced batches sent downstream.
	Flushes int64
	// EchoesDropped counts inbound deltas discarded as our own echo.
	EchoesDropped int64
	// RemoteApplied counts inbound deltas merged into the document.
	RemoteApplied int64
	// Persisted counts deltas appended to the cache.
	Persisted int64
	// Compactions counts snapshot rewrites of the cache.
	Compactions int64
	// Outbox is how many keys wait for the next connection.
	Outbox int
}

type stats struct {
	localWrites   atomic.Int64
	flushes       atomic.Int64
	echoesDropped atomic.Int64
	remoteApplied atomic.Int64
	persisted     atomic.Int64
	compactions   atomic.Int64
}

type outbound struct {
	env transport.Envelope
	// keys are queued in the outbox if the broadcast fails. Envelopes
	// without keys are dropped instead.
	keys KeySet
}

type persistJob struct {
	delta []byte
}

type Session struct {
	opts Options
	log  logger.Logger

	doc       *replicated.Doc
	document  *document.Document
	validator *validation.Validator
	awareness *presence.Awareness
	sweeper   *conflict.Sweeper
	coalescer *Coalescer
	echo      *EchoFilter

	transport transport.Transport
	cache     cache.Cache

	// mu serializes mutations and inbound merges, so every handler runs to
	// completion before the next starts.
	mu sync.Mutex

	stateMu sync.Mutex
	state   State
	initErr error
	ready   chan struct{}

	listenersMu sync.Mutex
	nextID      int
	listeners   map[int]func(document.Change)

	// remote holds changes merged under mu until they can be emitted
	// without it.
	remoteMu sync.Mutex
	remote   []document.Change

	outboxMu sync.Mutex
	outbox   KeySet

	out     chan outbound
	persist chan persistJob

	loading       atomic.Bool
	leaving       atomic.Bool
	loaded        atomic.Bool
	compactNeeded atomic.Bool
	sinceCompact  int

	stats stats

	unsubscribe []func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a session and starts initializing it in the background. Use
// Ready to wait for the outcome.
func New(opts Options) (*Session, error) {
	if opts.Room == "" {
		return nil, constants.ErrNoRoomID
	}
	if opts.Actor == "" {
		return nil, constants.ErrNoActorID
	}
	if opts.Transport == nil {
		return nil, errors.New("session: transport required")
	}
	if opts.Cache == nil {
		return nil, errors.New("session: cache required")
	}
	opts.setDefaults()
	log := opts.Logger

	doc := replicated.NewDoc(opts.Replica, replicated.Options{
		Policy: conflict.NewPolicy(log),
		Clock:  opts.Clock,
	})
	v := validation.New(opts.Limits, opts.Timezone, log)

	s := &Session{
		opts:      opts,
		log:       log,
		doc:       doc,
		validator: v,
		document: document.New(doc, document.Options{
			Engine:   conflict.NewEngine(v),
			Timezone: opts.Timezone,
			Logger:   log,
		}),
		sweeper: conflict.NewSweeper(doc, []string{document.MapNotes, document.MapEvents}, conflict.SweeperConfig{
			Grace:     opts.GraceWindow,
			Interval:  opts.SweepInterval,
			Retention: opts.PurgeRetention,
			Clock:     opts.Clock,
			Logger:    log,
		}),
		echo:      NewEchoFilter(opts.Clock, opts.EchoWindow),
		transport: opts.Transport,
		cache:     opts.Cache,
		ready:     make(chan struct{}),
		listeners: make(map[int]func(document.Change)),
		outbox:    make(KeySet),
		out:       make(chan outbound, 256),
		persist:   make(chan persistJob, 1024),
	}
	s.coalescer = NewCoalescer(opts.Clock, opts.DebounceWindow, s.flush)
	s.awareness = presence.New(presence.Config{
		Replica:   opts.Replica,
		Heartbeat: opts.PresenceHeartbeat,
		Timeout:   opts.PresenceTimeout,
		Send:      s.sendPresence,
		Clock:     opts.Clock,
		Logger:    log,
	})
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.unsubscribe = append(s.unsubscribe,
		doc.OnUpdate(s.onUpdate),
		s.document.Observe(s.onDocumentChange),
	)

	if err := s.transitionTo(StateConnecting); err != nil {
		return nil, err
	}
	s.wg.Add(1)
	go s.initialize()
	return s, nil
}

func (s *Session) transitionTo(next State) error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if err := s.state.validateTransitionTo(next); err != nil {
		return err
	}
	s.log.Debug("session: state transitioned", "room", s.opts.Room, "from", s.state, "to", next)
	s.state = next
	return nil
}

// ConnectionState returns the current lifecycle state.
func (s *Session) ConnectionState() State {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

// Ready blocks until initialization finished. It returns the
// initialization error, ErrSessionClosed if the session was destroyed
// first, or ctx's error.
func (s *Session) Ready(ctx context.Context) error {
	select {
	case <-s.ready:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.state == StateDestroyed {
		return constants.ErrSessionClosed
	}
	return s.initErr
}

// check fails once the session can no longer accept mutations.
func (s *Session) check() error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	switch s.state {
	case StateDestroyed:
		return constants.ErrSessionClosed
	case StateFailed:
		return s.initErr
	}
	return nil
}

func (s *Session) Room() string    { return s.opts.Room }
func (s *Session) Actor() string   { return s.opts.Actor }
func (s *Session) Replica() string { return s.opts.Replica }

// Document gives read access to the board. Mutate through the session.
func (s *Session) Document() *document.Document {
	return s.document
}

// Presence returns the session's awareness state.
func (s *Session) Presence() *presence.Awareness {
	return s.awareness
}

func (s *Session) Stats() Stats {
	s.outboxMu.Lock()
	outbox := s.outbox.Len()
	s.outboxMu.Unlock()
	return Stats{
		LocalWrites:   s.stats.localWrites.Load(),
		Flushes:       s.stats.flushes.Load(),
		EchoesDropped: s.stats.echoesDropped.Load(),
		RemoteApplied: s.stats.remoteApplied.Load(),
		Persisted:     s.stats.persisted.Load(),
		Compactions:   s.stats.compactions.Load(),
		Outbox:        outbox,
	}
}

// OnChange registers fn for document changes: coalesced local batches and
// merged remote deltas. fn runs on the goroutine that produced the change
// and must not block. The returned func unregisters it.
func (s *Session) OnChange(fn func(document.Change)) func() {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.nextID++
	id := s.nextID
	s.listeners[id] = fn
	return func() {
		s.listenersMu.Lock()
		defer s.listenersMu.Unlock()
		delete(s.listeners, id)
	}
}

func (s *Session) emit(c document.Change) {
	if len(c.Notes) == 0 && len(c.Events) == 0 && !c.Meta {
		return
	}
	s.listenersMu.Lock()
	fns := make([]func(document.Change), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.listenersMu.Unlock()
	for _, fn := range fns {
		fn(c)
	}
}

// onDocumentChange queues remote changes for emitRemote. Local ones are
// reported by flush, after coalescing.
func (s *Session) onDocumentChange(c document.Change) {
	if c.Local {
		return
	}
	s.remoteMu.Lock()
	s.remote = append(s.remote, c)
	s.remoteMu.Unlock()
}

// emitRemote reports the queued remote changes. It must be called without
// mu held so listeners can mutate the session.
func (s *Session) emitRemote() {
	s.remoteMu.Lock()
	pending := s.remote
	s.remote = nil
	s.remoteMu.Unlock()
	for _, c := range pending {
		s.emit(c)
	}
}

func (s *Session) onUpdate(delta *replicated.Delta, local bool) {
	if local {
		s.stats.localWrites.Add(1)
		for name := range delta.Maps {
			s.coalescer.Mark(name, delta.Keys(name)...)
		}
		return
	}
	if s.loading.Load() {
		return
	}
	s.persistDelta(delta)
}

// flush sends one coalesced batch downstream. It reads the current state of
// the keys, so the batch carries the newest value of every field.
func (s *Session) flush(keys KeySet) {
	lists := keys.Lists()
	delta := s.doc.Extract(lists)
	if delta == nil {
		return
	}
	s.stats.flushes.Add(1)
	s.persistDelta(delta)
	s.broadcastDelta(transport.KindDelta, delta, keys)
	s.emit(document.Change{
		Origin: s.opts.Replica,
		Local:  true,
		Notes:  lists[document.MapNotes],
		Events: lists[document.MapEvents],
		Meta:   len(lists[document.MapMeta]) > 0,
	})
}

// Flush sends pending coalesced writes now instead of when their window
// closes.
func (s *Session) Flush() {
	s.coalescer.Flush()
}

func (s *Session) persistDelta(delta *replicated.Delta) {
	data, err := replicated.EncodeDelta(delta)
	if err != nil {
		s.log.Error("BUG: session: cannot encode delta", "error", err)
		return
	}
	select {
	case s.persist <- persistJob{delta: data}:
	default:
		// The next compaction writes the full state, which covers the
		// dropped delta.
		s.compactNeeded.Store(true)
		s.log.Warn("session: persistence queue full, scheduling compaction", "room", s.opts.Room)
	}
}

func (s *Session) broadcastDelta(kind transport.Kind, delta *replicated.Delta, keys KeySet) {
	data, err := replicated.EncodeDelta(delta)
	if err != nil {
		s.log.Error("BUG: session: cannot encode delta", "error", err)
		return
	}
	s.enqueue(outbound{
		env:  transport.Envelope{Kind: kind, From: s.opts.Replica, Payload: data},
		keys: keys,
	})
}

func (s *Session) enqueue(o outbound) {
	select {
	case s.out <- o:
	default:
		s.queueOutbox(o.keys)
	}
}

func (s *Session) queueOutbox(keys KeySet) {
	if keys.Len() == 0 {
		return
	}
	s.outboxMu.Lock()
	defer s.outboxMu.Unlock()
	s.outbox.merge(keys)
}

// flushOutbox sends the current state of every queued key in one delta.
func (s *Session) flushOutbox() {
	s.outboxMu.Lock()
	keys := s.outbox
	s.outbox = make(KeySet)
	s.outboxMu.Unlock()
	if keys.Len() == 0 {
		return
	}
	if delta := s.doc.Extract(keys.Lists()); delta != nil {
		s.log.Debug("session: flushing outbox", "room", s.opts.Room, "keys", keys.Len())
		s.broadcastDelta(transport.KindDelta, delta, keys)
	}
}

func (s *Session) sendPresence(m presence.Message) {
	data, err := presence.EncodeMessage(m)
	if err != nil {
		s.log.Error("BUG: session: cannot encode presence", "error", err)
		return
	}
	env := transport.Envelope{Kind: transport.KindPresence, From: s.opts.Replica, Payload: data}
	if s.leaving.Load() {
		// The sender goroutine is stopping; the leave goes out directly.
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.transport.Broadcast(ctx, env)
		return
	}
	if !s.ConnectionState().Connected() {
		return
	}
	s.enqueue(outbound{env: env})
}

// BeginDrag marks the start of a drag-style interaction. Echoes of our own
// writes are discarded until the echo window after the matching EndDrag.
func (s *Session) BeginDrag() {
	s.echo.BeginDrag()
}

// EndDrag flushes the drag's pending writes and opens the echo window.
func (s *Session) EndDrag() {
	s.coalescer.Flush()
	s.echo.EndDrag()
}

// Destroy tears the session down. Pending network I/O is abandoned; the
// local state is compacted into the cache, which keeps its data. Later
// calls fail with ErrSessionClosed.
func (s *Session) Destroy() error {
	s.stateMu.Lock()
	if s.state == StateDestroyed {
		s.stateMu.Unlock()
		return nil
	}
	wasConnected := s.state.Connected()
	s.log.Debug("session: state transitioned", "room", s.opts.Room, "from", s.state, "to", StateDestroyed)
	s.state = StateDestroyed
	s.stateMu.Unlock()

	s.awareness.Stop()
	if wasConnected {
		s.leaving.Store(true)
		s.awareness.Leave()
	}
	s.cancel()
	s.sweeper.Stop()
	s.coalescer.Stop()
	for _, unsub := range s.unsubscribe {
		unsub()
	}
	s.wg.Wait()
	// initialize may have started them after the first stop.
	s.sweeper.Stop()
	s.awareness.Stop()

	var errs []error
	if s.loaded.Load() {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.IOTimeout)
		if err := s.compact(ctx); err != nil {
			errs = append(errs, err)
		}
		cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.IOTimeout)
	defer cancel()
	if err := s.transport.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close transport: %w", err))
	}
	if err := s.cache.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close cache: %w", err))
	}

	s.listenersMu.Lock()
	s.listeners = make(map[int]func(document.Change))
	s.listenersMu.Unlock()

	s.log.Info("session: destroyed", "room", s.opts.Room)
	return errors.Join(errs...)
}

// sleep waits d on the session clock. It reports false if the session was
// destroyed first.
func (s *Session) sleep(d time.Duration) bool {
	fired := make(chan struct{})
	t := s.opts.Clock.AfterFunc(d, func() { close(fired) })
	defer t.Stop()
	select {
	case <-fired:
		return true
	case <-s.ctx.Done():
		return false
	}
}
