package session

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/boardsync/boardsync/internal/clock"
	"github.com/boardsync/boardsync/pkg/constants"
	"github.com/boardsync/boardsync/pkg/document"
	"github.com/boardsync/boardsync/pkg/models"
	"github.com/boardsync/boardsync/pkg/presence"
	"github.com/boardsync/boardsync/pkg/replicated"
	"github.com/boardsync/boardsync/pkg/timezone"
	"github.com/boardsync/boardsync/pkg/transport"
	memtransport "github.com/boardsync/boardsync/pkg/transport/memory"

	memcache "github.com/boardsync/boardsync/pkg/cache/memory"
)

const (
	room     = "room-1"
	waitFor  = 2 * time.Second
	pollTick = 5 * time.Millisecond
)

const textPayload = `{"kind":"text","content":{"type":"text","text":"hello"}}`

type peer struct {
	session   *Session
	transport *memtransport.Transport
	backing   *memcache.Backing
}

type SessionSuite struct {
	suite.Suite
	hub   *memtransport.Hub
	peers []*peer
}

func TestSessionSuite(t *testing.T) {
	suite.Run(t, new(SessionSuite))
}

func (s *SessionSuite) SetupTest() {
	s.hub = memtransport.NewHub(nil)
	s.peers = nil
}

func (s *SessionSuite) TearDownTest() {
	for _, p := range s.peers {
		_ = p.session.Destroy()
	}
}

func (s *SessionSuite) open(actor string, claim bool, mutate ...func(*Options)) *peer {
	backing := memcache.NewBacking()
	return s.openWith(actor, claim, backing, mutate...)
}

func (s *SessionSuite) openWith(actor string, claim bool, backing *memcache.Backing, mutate ...func(*Options)) *peer {
	replica := actor + "-" + replicated.NewReplicaID()
	tr := s.hub.Join(room, replica)
	opts := Options{
		Room:           room,
		Actor:          actor,
		Replica:        replica,
		Transport:      tr,
		Cache:          memcache.New(backing),
		Claim:          claim,
		Timezone:       timezone.NewEngine("Europe/Berlin", nil),
		DebounceWindow: 20 * time.Millisecond,
		InitRetryDelay: 5 * time.Millisecond,
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	sess, err := New(opts)
	s.Require().NoError(err)
	p := &peer{session: sess, transport: tr, backing: backing}
	s.peers = append(s.peers, p)
	return p
}

func (s *SessionSuite) ready(p *peer) {
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	s.Require().NoError(p.session.Ready(ctx))
	s.Require().Equal(StateSynced, p.session.ConnectionState())
}

// pair opens an owner and an editor that share the room.
func (s *SessionSuite) pair() (*peer, *peer) {
	alice := s.open("alice", true)
	s.ready(alice)
	s.Require().NoError(alice.session.AddCollaborator("bob", models.PermissionEditor))
	alice.session.Flush()

	bob := s.open("bob", false)
	s.ready(bob)
	s.Require().Eventually(func() bool {
		return bob.session.HasPermission("bob", models.PermissionEditor)
	}, waitFor, pollTick)
	return alice, bob
}

func (s *SessionSuite) converged(a, b *peer) {
	s.Require().Eventually(func() bool {
		return cmp.Diff(a.session.Notes(), b.session.Notes()) == "" &&
			cmp.Diff(a.session.Events(), b.session.Events()) == "" &&
			cmp.Diff(a.session.Metadata(), b.session.Metadata()) == ""
	}, waitFor, pollTick, "notes: %s\nevents: %s",
		cmp.Diff(a.session.Notes(), b.session.Notes()),
		cmp.Diff(a.session.Events(), b.session.Events()))
}

func (s *SessionSuite) TestCreateReplicates() {
	alice, bob := s.pair()

	id, err := alice.session.Create(string(models.KindText), []byte(textPayload))
	s.Require().NoError(err)

	s.Require().Eventually(func() bool {
		_, ok := bob.session.Note(id)
		return ok
	}, waitFor, pollTick)
	n, _ := bob.session.Note(id)
	s.Equal("alice", n.CreatedBy)
	s.Equal(&models.TextContent{Text: "hello"}, n.Content)
	s.converged(alice, bob)
}

func (s *SessionSuite) TestConcurrentFieldEditsConverge() {
	alice, bob := s.pair()

	id, err := alice.session.Create("text", []byte(textPayload))
	s.Require().NoError(err)
	s.Require().Eventually(func() bool {
		_, ok := bob.session.Note(id)
		return ok
	}, waitFor, pollTick)

	s.Require().NoError(alice.session.Update(id, []byte(`{"content":{"type":"text","text":"from alice"}}`)))
	s.Require().NoError(bob.session.Update(id, []byte(`{"position":{"x":40,"y":50,"width":300,"height":200}}`)))

	s.converged(alice, bob)
	n, ok := alice.session.Note(id)
	s.Require().True(ok)
	s.Equal(&models.TextContent{Text: "from alice"}, n.Content)
	s.Equal(models.Position{X: 40, Y: 50, Width: 300, Height: 200}, n.Position)
}

func (s *SessionSuite) TestEventLifecycle() {
	alice, bob := s.pair()

	id, err := alice.session.Create(KindEvent, []byte(`{"title":"standup","startTime":"2024-06-10T09:00","endTime":"2024-06-10T09:30"}`))
	s.Require().NoError(err)
	s.Require().NoError(alice.session.Update(id, []byte(`{"title":"retro"}`)))

	s.Require().Eventually(func() bool {
		e, ok := bob.session.Event(id)
		return ok && e.Title == "retro"
	}, waitFor, pollTick)

	err = bob.session.Update(id, []byte(`{"title":"mine"}`))
	s.ErrorIs(err, constants.ErrPermissionDenied, "bob neither created nor collaborates on the event")

	day := time.Date(2024, 6, 10, 0, 0, 0, 0, bob.session.Timezone().Viewer())
	s.Len(bob.session.EventsForDate(day), 1)

	s.Require().NoError(alice.session.Delete(id))
	s.Require().Eventually(func() bool {
		return len(bob.session.EventsForDate(day)) == 0
	}, waitFor, pollTick)
	e, ok := bob.session.Event(id)
	s.Require().True(ok, "tombstone stays until the grace window passes")
	s.True(e.Deleted())
}

func (s *SessionSuite) TestOnChange() {
	alice, bob := s.pair()

	var mu sync.Mutex
	var local, remote []document.Change
	unsub := alice.session.OnChange(func(c document.Change) {
		mu.Lock()
		defer mu.Unlock()
		local = append(local, c)
	})
	bob.session.OnChange(func(c document.Change) {
		mu.Lock()
		defer mu.Unlock()
		remote = append(remote, c)
	})

	id, err := alice.session.Create("text", []byte(textPayload))
	s.Require().NoError(err)

	s.Require().Eventually(func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, c := range remote {
			if !c.Local && cmp.Equal(c.Notes, []string{id}) {
				return len(local) == 1
			}
		}
		return false
	}, waitFor, pollTick)
	mu.Lock()
	s.True(local[0].Local)
	s.Equal([]string{id}, local[0].Notes)
	s.True(local[0].Meta, "creating touches lastModified")
	mu.Unlock()

	unsub()
	_, err = alice.session.Create("text", []byte(textPayload))
	s.Require().NoError(err)
	alice.session.Flush()
	mu.Lock()
	s.Len(local, 1)
	mu.Unlock()
}

func (s *SessionSuite) TestDegradedQueuesAndReconnects() {
	alice, bob := s.pair()

	alice.transport.Disconnect()
	s.Require().Eventually(func() bool {
		return alice.session.ConnectionState() == StateDegraded
	}, waitFor, pollTick)

	id, err := alice.session.Create("text", []byte(textPayload))
	s.Require().NoError(err, "writes apply while degraded")
	_, ok := alice.session.Note(id)
	s.True(ok)
	s.Require().Eventually(func() bool {
		return alice.session.Stats().Outbox > 0
	}, waitFor, pollTick)

	s.Require().NoError(alice.transport.Connect(context.Background()))
	s.Require().Eventually(func() bool {
		return alice.session.ConnectionState() == StateSynced
	}, waitFor, pollTick)
	s.Require().Eventually(func() bool {
		_, ok := bob.session.Note(id)
		return ok
	}, waitFor, pollTick)
	s.Zero(alice.session.Stats().Outbox)
	s.converged(alice, bob)
}

func (s *SessionSuite) TestSyncOnJoinCatchesUp() {
	alice := s.open("alice", true)
	s.ready(alice)
	var ids []string
	for i := 0; i < 5; i++ {
		id, err := alice.session.Create("text", []byte(textPayload))
		s.Require().NoError(err)
		ids = append(ids, id)
	}
	alice.session.Flush()

	carol := s.open("carol", false)
	s.ready(carol)
	s.Require().Eventually(func() bool {
		return len(carol.session.Notes()) == len(ids)
	}, waitFor, pollTick)
	s.False(carol.session.HasPermission("carol", models.PermissionViewer))
	s.True(carol.session.HasPermission("alice", models.PermissionOwner))

	_, err := carol.session.Create("text", []byte(textPayload))
	s.ErrorIs(err, constants.ErrPermissionDenied)
}

func (s *SessionSuite) TestInitRetries() {
	p := s.open("alice", true, func(o *Options) {
		tr := o.Transport.(*memtransport.Transport)
		tr.FailNext(2)
	})
	s.ready(p)
}

func (s *SessionSuite) TestInitFails() {
	p := s.open("alice", true, func(o *Options) {
		o.InitMaxAttempts = 3
		o.Transport.(*memtransport.Transport).FailNext(10)
	})
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	err := p.session.Ready(ctx)
	s.Require().ErrorIs(err, constants.ErrInitFailed)
	s.ErrorIs(err, constants.ErrTransport)
	s.Equal(StateFailed, p.session.ConnectionState())

	_, err = p.session.Create("text", []byte(textPayload))
	s.ErrorIs(err, constants.ErrInitFailed)
	s.NoError(p.session.Destroy())
}

func (s *SessionSuite) TestInitSingleAttempt() {
	p := s.open("alice", true, func(o *Options) {
		o.InitMaxAttempts = 1
		o.Transport.(*memtransport.Transport).FailNext(1000)
	})
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	s.Require().ErrorIs(p.session.Ready(ctx), constants.ErrInitFailed)
	s.Equal(StateFailed, p.session.ConnectionState())
}

func (s *SessionSuite) TestListenerMutatesOnRemoteChange() {
	alice, bob := s.pair()

	replies := make(chan string, 1)
	var once sync.Once
	alice.session.OnChange(func(c document.Change) {
		if c.Local || len(c.Notes) == 0 {
			return
		}
		once.Do(func() {
			id, err := alice.session.Create("text", []byte(`{"kind":"text","content":{"type":"text","text":"ack"}}`))
			if err != nil {
				id = ""
			}
			replies <- id
		})
	})

	_, err := bob.session.Create("text", []byte(textPayload))
	s.Require().NoError(err)

	var reply string
	select {
	case reply = <-replies:
	case <-time.After(waitFor):
		s.FailNow("listener did not get to mutate")
	}
	s.Require().NotEmpty(reply)
	s.Require().Eventually(func() bool {
		_, ok := bob.session.Note(reply)
		return ok
	}, waitFor, pollTick)

	done := make(chan error, 1)
	go func() { done <- alice.session.Destroy() }()
	select {
	case err := <-done:
		s.NoError(err)
	case <-time.After(waitFor):
		s.FailNow("Destroy did not return")
	}
}

func (s *SessionSuite) TestUpdateEventKeepsZone() {
	alice := s.open("alice", true)
	s.ready(alice)

	id, err := alice.session.Create(KindEvent, []byte(`{"title":"call","startTime":"2024-06-12T10:00","endTime":"2024-06-12T11:00","timezone":"Asia/Tokyo"}`))
	s.Require().NoError(err)
	s.Require().NoError(alice.session.Update(id, []byte(`{"startTime":"2024-06-12T01:30:00Z"}`)))

	e, ok := alice.session.Event(id)
	s.Require().True(ok)
	s.Equal("Asia/Tokyo", e.Timezone)
	s.Equal("2024-06-12T10:30:00", e.Start.String())
	s.Equal("2024-06-12T11:00:00", e.End.String())

	placed, err := alice.session.Place(e)
	s.Require().NoError(err)
	s.Equal(30*time.Minute, placed.EndsAt.Sub(placed.StartsAt))
}

func (s *SessionSuite) TestDestroy() {
	p := s.open("alice", true)
	s.ready(p)
	s.Require().NoError(p.session.Destroy())
	s.Equal(StateDestroyed, p.session.ConnectionState())
	s.NoError(p.session.Destroy(), "destroy is idempotent")

	_, err := p.session.Create("text", []byte(textPayload))
	s.ErrorIs(err, constants.ErrSessionClosed)
	s.ErrorIs(p.session.Update("x", []byte(`{}`)), constants.ErrSessionClosed)
	s.ErrorIs(p.session.Delete("x"), constants.ErrSessionClosed)
	s.ErrorIs(p.session.AddCollaborator("bob", models.PermissionViewer), constants.ErrSessionClosed)
	s.ErrorIs(p.session.Ready(context.Background()), constants.ErrSessionClosed)
	s.Zero(s.hub.Peers(room))
}

func (s *SessionSuite) TestReloadFromCacheAfterDestroy() {
	backing := memcache.NewBacking()
	first := s.openWith("alice", true, backing)
	s.ready(first)
	id, err := first.session.Create("text", []byte(textPayload))
	s.Require().NoError(err)
	first.session.Flush()
	s.Require().NoError(first.session.Destroy())
	s.Zero(backing.Deltas(room), "destroy compacts the log")

	second := s.openWith("alice", false, backing)
	s.ready(second)
	n, ok := second.session.Note(id)
	s.Require().True(ok)
	s.Equal("alice", n.CreatedBy)
	s.True(second.session.HasPermission("alice", models.PermissionOwner))
}

func (s *SessionSuite) TestCompactsAfterThreshold() {
	p := s.open("alice", true, func(o *Options) { o.CompactEvery = 3 })
	s.ready(p)
	for i := 0; i < 4; i++ {
		_, err := p.session.Create("text", []byte(textPayload))
		s.Require().NoError(err)
		p.session.Flush()
	}
	s.Require().Eventually(func() bool {
		return p.session.Stats().Compactions >= 1
	}, waitFor, pollTick)
	s.Less(p.backing.Deltas(room), 3)
}

func (s *SessionSuite) TestDeleteReleasesAssets() {
	released := make(chan []string, 1)
	p := s.open("alice", true, func(o *Options) {
		o.Releaser = AssetReleaserFunc(func(_ context.Context, urls []string) error {
			released <- urls
			return nil
		})
	})
	s.ready(p)

	id, err := p.session.Create("image", []byte(`{"kind":"image","content":{"type":"image","url":"https://cdn.test/a.png"}}`))
	s.Require().NoError(err)
	s.Require().NoError(p.session.Delete(id))

	select {
	case urls := <-released:
		s.Equal([]string{"https://cdn.test/a.png"}, urls)
	case <-time.After(waitFor):
		s.Fail("assets were not released")
	}
	_, ok := p.session.Note(id)
	s.False(ok)
	s.ErrorIs(p.session.Delete(id), constants.ErrNotFound)
}

func (s *SessionSuite) TestCreateRejects() {
	p := s.open("alice", true)
	s.ready(p)

	_, err := p.session.Create("sticker", []byte(textPayload))
	s.ErrorIs(err, constants.ErrUnknownKind)
	s.ErrorIs(err, constants.ErrValidation)

	_, err = p.session.Create("image", []byte(textPayload))
	s.ErrorIs(err, constants.ErrKindMismatch)

	_, err = p.session.Create(KindEvent, []byte(`{"title":"x","startTime":"2024-06-10T10:00","endTime":"2024-06-10T09:00"}`))
	s.ErrorIs(err, constants.ErrValidation)

	s.ErrorIs(p.session.Update("missing", []byte(`{"title":"x"}`)), constants.ErrNotFound)
	s.Empty(p.session.Notes())
	s.Empty(p.session.Events())
}

func (s *SessionSuite) TestPresence() {
	alice := s.open("alice", true, func(o *Options) {
		o.Presence = &presence.Entry{UserID: "alice", DisplayName: "Alice", Color: "#ff0000"}
	})
	s.ready(alice)
	bob := s.open("bob", false, func(o *Options) {
		o.Presence = &presence.Entry{UserID: "bob", DisplayName: "Bob", Color: "#00ff00"}
	})
	s.ready(bob)

	// Bob announced after alice was connected; alice answers on her next
	// update.
	alice.session.Presence().UpdateLocal(func(e *presence.Entry) { e.Cursor = &presence.Cursor{X: 1, Y: 2} })
	s.Require().Eventually(func() bool {
		return cmp.Equal(alice.session.Presence().Online(), []string{"alice", "bob"}) &&
			cmp.Equal(bob.session.Presence().Online(), []string{"alice", "bob"})
	}, waitFor, pollTick)

	s.Require().NoError(bob.session.Destroy())
	s.Require().Eventually(func() bool {
		return cmp.Equal(alice.session.Presence().Online(), []string{"alice"})
	}, waitFor, pollTick)
}

func TestRapidUpdatesCoalesce(t *testing.T) {
	fake := clock.NewFake(epoch)
	hub := memtransport.NewHub(nil)
	observer := hub.Join(room, "observer")
	require.NoError(t, observer.Connect(context.Background()))

	s, err := New(Options{
		Room:      room,
		Actor:     "alice",
		Replica:   "r-alice",
		Transport: hub.Join(room, "r-alice"),
		Cache:     memcache.New(nil),
		Claim:     true,
		Clock:     fake,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Destroy() })
	require.NoError(t, s.Ready(context.Background()))

	id, err := s.Create("text", []byte(textPayload))
	require.NoError(t, err)
	s.Flush()
	before := s.Stats()

	s.BeginDrag()
	for i := 0; i < 20; i++ {
		require.NoError(t, s.Update(id, []byte(`{"position":{"x":`+strconv.Itoa(i)+`,"y":0,"width":200,"height":200}}`)))
		fake.Advance(4 * time.Millisecond)
	}
	fake.Advance(20 * time.Millisecond)
	s.EndDrag()

	after := s.Stats()
	assert.Equal(t, int64(20), after.LocalWrites-before.LocalWrites)
	assert.Equal(t, int64(1), after.Flushes-before.Flushes)

	var deltas []*replicated.Delta
	deadline := time.After(waitFor)
	for len(deltas) < 2 {
		select {
		case env := <-observer.Messages():
			if env.Kind != transport.KindDelta {
				continue
			}
			d, err := replicated.DecodeDelta(env.Payload)
			require.NoError(t, err)
			deltas = append(deltas, d)
		case <-deadline:
			t.Fatalf("got %d deltas", len(deltas))
		}
	}
	// Claim and create went out together, then the coalesced drag.
	last := deltas[1]
	require.Equal(t, []string{id}, last.Keys(document.MapNotes))
	n, ok := s.Note(id)
	require.True(t, ok)
	assert.Equal(t, float64(19), n.Position.X)
}

func TestEchoSuppressedWithinWindow(t *testing.T) {
	fake := clock.NewFake(epoch)
	hub := memtransport.NewHub(nil)
	s, err := New(Options{
		Room:      room,
		Actor:     "alice",
		Replica:   "r-alice",
		Transport: hub.Join(room, "r-alice"),
		Cache:     memcache.New(nil),
		Claim:     true,
		Clock:     fake,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Destroy() })
	require.NoError(t, s.Ready(context.Background()))

	id, err := s.Create("text", []byte(textPayload))
	require.NoError(t, err)
	s.Flush()
	echo, err := replicated.EncodeDelta(s.doc.Extract(map[string][]string{document.MapNotes: {id}}))
	require.NoError(t, err)
	env := transport.Envelope{Kind: transport.KindDelta, From: "r-alice", Payload: echo}

	s.BeginDrag()
	s.handle(env)
	assert.Equal(t, int64(1), s.Stats().EchoesDropped, "dropped during drag")

	s.EndDrag()
	fake.Advance(149 * time.Millisecond)
	s.handle(env)
	assert.Equal(t, int64(2), s.Stats().EchoesDropped, "dropped inside the window")

	fake.Advance(time.Millisecond)
	s.handle(env)
	assert.Equal(t, int64(2), s.Stats().EchoesDropped)
	assert.Equal(t, int64(1), s.Stats().RemoteApplied, "applied once the window closed")
}

func TestNewRequiresCollaborators(t *testing.T) {
	hub := memtransport.NewHub(nil)
	_, err := New(Options{Actor: "a", Transport: hub.Join(room, "a"), Cache: memcache.New(nil)})
	assert.ErrorIs(t, err, constants.ErrNoRoomID)
	_, err = New(Options{Room: room, Transport: hub.Join(room, "a"), Cache: memcache.New(nil)})
	assert.ErrorIs(t, err, constants.ErrNoActorID)
	_, err = New(Options{Room: room, Actor: "a", Cache: memcache.New(nil)})
	assert.Error(t, err)
}

func TestRegistry(t *testing.T) {
	hub := memtransport.NewHub(nil)
	reg := NewRegistry()
	opened := 0
	open := func() (*Session, error) {
		opened++
		return New(Options{Room: room, Actor: "alice", Transport: hub.Join(room, "alice"), Cache: memcache.New(nil), Claim: true})
	}
	ctx := context.Background()

	a, err := reg.Acquire(ctx, room, "alice", open)
	require.NoError(t, err)
	b, err := reg.Acquire(ctx, room, "alice", open)
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, 1, opened)
	assert.Equal(t, 1, reg.Len())

	destroyed, err := reg.Release(room, "alice")
	require.NoError(t, err)
	assert.False(t, destroyed)
	destroyed, err = reg.Release(room, "alice")
	require.NoError(t, err)
	assert.True(t, destroyed)
	assert.Equal(t, StateDestroyed, a.ConnectionState())
	assert.Zero(t, reg.Len())

	destroyed, err = reg.Release(room, "alice")
	assert.NoError(t, err)
	assert.False(t, destroyed)

	failing := errors.New("boom")
	_, err = reg.Acquire(ctx, "other", "alice", func() (*Session, error) { return nil, failing })
	assert.ErrorIs(t, err, failing)
	assert.Zero(t, reg.Len())

	_, err = reg.Acquire(ctx, "r2", "bob", func() (*Session, error) {
		return New(Options{Room: "r2", Actor: "bob", Transport: hub.Join("r2", "bob"), Cache: memcache.New(nil)})
	})
	require.NoError(t, err)
	assert.NoError(t, reg.Close())
	assert.Zero(t, reg.Len())
}
