package session

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/boardsync/boardsync/pkg/cache"
	"github.com/boardsync/boardsync/pkg/constants"
	"github.com/boardsync/boardsync/pkg/presence"
	"github.com/boardsync/boardsync/pkg/replicated"
	"github.com/boardsync/boardsync/pkg/transport"
)

// initialize loads the cache and connects the transport, retrying the parts
// that failed with a linearly growing delay. It closes s.ready when done.
func (s *Session) initialize() {
	defer s.wg.Done()
	defer close(s.ready)

	retryer := transport.NewLinearBackoffRetryer(s.opts.InitRetryDelay, s.opts.InitMaxAttempts-1)
	var (
		state     cache.State
		loaded    atomic.Bool
		connected atomic.Bool
		lastErr   error
	)
	for attempt := 0; ; attempt++ {
		g, ctx := errgroup.WithContext(s.ctx)
		if !loaded.Load() {
			g.Go(func() error {
				st, err := s.cache.Load(ctx, s.opts.Room)
				if err != nil {
					return fmt.Errorf("load cache: %w", err)
				}
				state = st
				loaded.Store(true)
				return nil
			})
		}
		if !connected.Load() {
			g.Go(func() error {
				if err := s.transport.Connect(ctx); err != nil {
					return fmt.Errorf("connect: %w", err)
				}
				connected.Store(true)
				return nil
			})
		}
		lastErr = g.Wait()
		if lastErr == nil {
			break
		}
		if s.ctx.Err() != nil {
			return
		}
		// MaxRetries 0 means unlimited to the retryer, so the bound is
		// enforced here.
		if attempt+1 >= s.opts.InitMaxAttempts {
			s.fail(fmt.Errorf("%w after %d attempts: %w", constants.ErrInitFailed, attempt+1, lastErr))
			return
		}
		delay, ok := retryer.NextDelay(attempt, lastErr)
		if !ok {
			s.fail(fmt.Errorf("%w after %d attempts: %w", constants.ErrInitFailed, attempt+1, lastErr))
			return
		}
		s.log.Warn("session: initialization attempt failed", "room", s.opts.Room, "attempt", attempt+1, "retry_in", delay, "error", lastErr)
		if !s.sleep(delay) {
			return
		}
	}

	s.restore(state)
	s.loaded.Store(true)

	if s.opts.Claim {
		s.mu.Lock()
		claimed, err := s.document.Claim(s.opts.Actor)
		s.mu.Unlock()
		if err != nil {
			s.log.Warn("session: cannot claim room", "room", s.opts.Room, "error", err)
		} else if claimed {
			s.log.Info("session: claimed room", "room", s.opts.Room, "owner", s.opts.Actor)
		}
	}

	if err := s.transitionTo(StateSynced); err != nil {
		// Destroyed while initializing.
		return
	}

	s.wg.Add(4)
	go s.persistLoop()
	go s.sendLoop()
	go s.inboundLoop()
	go s.statusLoop()

	s.sweeper.Start()
	s.awareness.Start()
	if s.opts.Presence != nil {
		s.awareness.SetLocal(*s.opts.Presence)
	}
	s.requestSync()
	s.flushOutbox()
	s.log.Info("session: synced", "room", s.opts.Room, "replica", s.opts.Replica)
}

func (s *Session) fail(err error) {
	s.stateMu.Lock()
	s.initErr = err
	s.stateMu.Unlock()
	if terr := s.transitionTo(StateFailed); terr != nil {
		return
	}
	s.log.Error("session: initialization failed", "room", s.opts.Room, "error", err)
}

// restore merges the cached snapshot and deltas. Unreadable entries are
// skipped; peers resend what they hold on the first sync.
func (s *Session) restore(state cache.State) {
	s.sinceCompact = len(state.Deltas)
	if state.Empty() {
		return
	}
	s.loading.Store(true)
	defer s.loading.Store(false)
	defer s.emitRemote()

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(state.Snapshot) > 0 {
		if _, err := s.doc.Decode(state.Snapshot); err != nil {
			s.log.Warn("session: skipping corrupt snapshot", "room", s.opts.Room, "error", err)
		}
	}
	skipped := 0
	for _, data := range state.Deltas {
		if _, err := s.doc.Decode(data); err != nil {
			skipped++
		}
	}
	if skipped > 0 {
		s.log.Warn("session: skipped corrupt cached deltas", "room", s.opts.Room, "count", skipped)
	}
	s.log.Debug("session: restored from cache", "room", s.opts.Room, "deltas", len(state.Deltas))
}

func (s *Session) requestSync() {
	s.enqueue(outbound{env: transport.Envelope{Kind: transport.KindSyncRequest, From: s.opts.Replica}})
}

// persistLoop appends deltas to the cache in order and compacts the log
// every CompactEvery appends.
func (s *Session) persistLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case job := <-s.persist:
			ctx, cancel := context.WithTimeout(s.ctx, s.opts.IOTimeout)
			if err := s.cache.Append(ctx, s.opts.Room, job.delta); err != nil {
				s.log.Warn("session: cannot persist delta", "room", s.opts.Room, "error", err)
				s.compactNeeded.Store(true)
			} else {
				s.stats.persisted.Add(1)
				s.sinceCompact++
			}
			if s.sinceCompact >= s.opts.CompactEvery || s.compactNeeded.Load() {
				if err := s.compact(ctx); err != nil {
					s.log.Warn("session: cannot compact cache", "room", s.opts.Room, "error", err)
				}
			}
			cancel()
		}
	}
}

// compact replaces the cached log with a snapshot of the whole document.
func (s *Session) compact(ctx context.Context) error {
	snapshot, err := s.doc.Encode()
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := s.cache.Compact(ctx, s.opts.Room, snapshot); err != nil {
		return fmt.Errorf("compact: %w", err)
	}
	s.sinceCompact = 0
	s.compactNeeded.Store(false)
	s.stats.compactions.Add(1)
	return nil
}

// sendLoop broadcasts queued envelopes. Keys whose delta could not be sent
// go to the outbox.
func (s *Session) sendLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case o := <-s.out:
			ctx, cancel := context.WithTimeout(s.ctx, s.opts.IOTimeout)
			err := s.transport.Broadcast(ctx, o.env)
			cancel()
			if err == nil {
				continue
			}
			if errors.Is(err, constants.ErrNotConnected) {
				s.log.Debug("session: not connected, queueing", "room", s.opts.Room, "kind", o.env.Kind)
			} else {
				s.log.Warn("session: broadcast failed", "room", s.opts.Room, "kind", o.env.Kind, "error", err)
			}
			s.queueOutbox(o.keys)
		}
	}
}

func (s *Session) inboundLoop() {
	defer s.wg.Done()
	msgs := s.transport.Messages()
	for {
		select {
		case <-s.ctx.Done():
			return
		case env, ok := <-msgs:
			if !ok {
				return
			}
			s.handle(env)
		}
	}
}

func (s *Session) handle(env transport.Envelope) {
	switch env.Kind {
	case transport.KindDelta, transport.KindSyncState:
		delta, err := replicated.DecodeDelta(env.Payload)
		if err != nil {
			s.log.Warn("session: dropping undecodable delta", "room", s.opts.Room, "from", env.From, "error", err)
			return
		}
		s.applyRemote(delta)
	case transport.KindSyncRequest:
		if env.From == s.opts.Replica {
			return
		}
		s.broadcastDelta(transport.KindSyncState, s.doc.Snapshot(), nil)
	case transport.KindPresence:
		m, err := presence.DecodeMessage(env.Payload)
		if err != nil {
			s.log.Warn("session: dropping undecodable presence", "room", s.opts.Room, "from", env.From, "error", err)
			return
		}
		s.awareness.Handle(m)
	default:
		s.log.Debug("session: ignoring envelope", "kind", env.Kind)
	}
}

// applyRemote merges an inbound delta unless it is the echo of a local drag.
func (s *Session) applyRemote(delta *replicated.Delta) {
	if s.echo.Suppress(delta.Origin, s.opts.Replica) {
		s.stats.echoesDropped.Add(1)
		return
	}
	s.mu.Lock()
	s.doc.Apply(delta)
	s.mu.Unlock()
	s.stats.remoteApplied.Add(1)
	s.emitRemote()
}

// statusLoop moves between synced and degraded as the transport drops and
// comes back. On reconnect it resyncs and drains the outbox.
func (s *Session) statusLoop() {
	defer s.wg.Done()
	statuses := s.transport.Status()
	for {
		select {
		case <-s.ctx.Done():
			return
		case st, ok := <-statuses:
			if !ok {
				return
			}
			s.onStatus(st)
		}
	}
}

func (s *Session) onStatus(st transport.Status) {
	current := s.ConnectionState()
	switch {
	case st == transport.StatusConnected && current == StateDegraded:
		if err := s.transitionTo(StateSynced); err != nil {
			return
		}
		s.log.Info("session: reconnected", "room", s.opts.Room)
		s.requestSync()
		s.flushOutbox()
		s.awareness.Announce()
	case st == transport.StatusDisconnected && current == StateSynced:
		if err := s.transitionTo(StateDegraded); err != nil {
			return
		}
		s.log.Warn("session: transport lost, degraded", "room", s.opts.Room)
		s.awareness.Clear()
	}
}
