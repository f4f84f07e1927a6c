package replicated

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boardsync/boardsync/internal/clock"
	"github.com/boardsync/boardsync/pkg/constants"
)

var epoch = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type replica struct {
	doc   *Doc
	clock *clock.Fake
	sent  []*Delta
}

func newReplica(t *testing.T, id string) *replica {
	t.Helper()
	r := &replica{clock: clock.NewFake(epoch)}
	r.doc = NewDoc(id, Options{Clock: r.clock})
	r.doc.OnUpdate(func(d *Delta, local bool) {
		if local {
			r.sent = append(r.sent, d)
		}
	})
	return r
}

func (r *replica) set(t *testing.T, key string, fields map[string]any) {
	t.Helper()
	require.NoError(t, r.doc.Map("events").Set(key, fields))
}

func (r *replica) take() []*Delta {
	out := r.sent
	r.sent = nil
	return out
}

func applyAll(doc *Doc, deltas ...*Delta) {
	for _, d := range deltas {
		doc.Apply(d)
	}
}

func stateOf(doc *Doc) map[string]MapDelta {
	return doc.Snapshot().Maps
}

func requireConverged(t *testing.T, a, b *Doc) {
	t.Helper()
	if diff := cmp.Diff(stateOf(a), stateOf(b), cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("replicas diverged (-%s +%s):\n%s", a.Replica(), b.Replica(), diff)
	}
}

func decodeString(t *testing.T, doc *Doc, key, field string) string {
	t.Helper()
	r, ok := doc.Map("events").Get(key)
	require.True(t, ok, "missing %s", key)
	var s string
	found, err := r.Decode(field, &s)
	require.NoError(t, err)
	require.True(t, found, "missing field %s", field)
	return s
}

func TestSetAndGet(t *testing.T) {
	r := newReplica(t, "a")
	r.set(t, "e1", map[string]any{"title": "standup", "color": "#fff"})

	rec, ok := r.doc.Map("events").Get("e1")
	require.True(t, ok)
	assert.Equal(t, []string{"color", "title"}, rec.FieldNames())
	assert.Equal(t, "standup", decodeString(t, r.doc, "e1", "title"))
	assert.False(t, rec.Birth.IsZero())
	assert.True(t, rec.Updated().After(rec.Birth))

	_, ok = r.doc.Map("events").Get("nope")
	assert.False(t, ok)
	assert.Equal(t, []string{"e1"}, r.doc.Map("events").Keys())
	assert.Equal(t, 1, r.doc.Map("events").Len())
}

func TestConcurrentFieldEditsConverge(t *testing.T) {
	a, b := newReplica(t, "a"), newReplica(t, "b")
	a.set(t, "e1", map[string]any{"title": "draft", "color": "#000"})
	applyAll(b.doc, a.take()...)

	a.clock.Advance(time.Second)
	b.clock.Advance(2 * time.Second)
	a.set(t, "e1", map[string]any{"color": "#f00"})
	b.set(t, "e1", map[string]any{"title": "final"})
	fromA, fromB := a.take(), b.take()

	applyAll(a.doc, fromB...)
	applyAll(b.doc, fromA...)

	requireConverged(t, a.doc, b.doc)
	assert.Equal(t, "final", decodeString(t, a.doc, "e1", "title"))
	assert.Equal(t, "#f00", decodeString(t, b.doc, "e1", "color"))
}

func TestLaterWriteWinsInEitherOrder(t *testing.T) {
	for _, order := range []string{"ab", "ba"} {
		t.Run(order, func(t *testing.T) {
			a, b, c := newReplica(t, "a"), newReplica(t, "b"), newReplica(t, "c")
			a.set(t, "e1", map[string]any{"title": "origin"})
			seed := a.take()
			applyAll(b.doc, seed...)
			applyAll(c.doc, seed...)

			a.clock.Advance(time.Second)
			b.clock.Advance(3 * time.Second)
			a.set(t, "e1", map[string]any{"title": "early"})
			b.set(t, "e1", map[string]any{"title": "late"})
			fromA, fromB := a.take(), b.take()

			if order == "ab" {
				applyAll(c.doc, append(fromA, fromB...)...)
			} else {
				applyAll(c.doc, append(fromB, fromA...)...)
			}
			assert.Equal(t, "late", decodeString(t, c.doc, "e1", "title"))
		})
	}
}

func TestEqualWallTimesBreakTiesByReplica(t *testing.T) {
	a, b := newReplica(t, "a"), newReplica(t, "b")
	a.set(t, "e1", map[string]any{"title": "x"})
	applyAll(b.doc, a.take()...)

	// Put both clocks at the same wall time for the concurrent write.
	b.clock.Advance(time.Second)
	a.clock.Advance(time.Second)
	a.doc.Clock().last, b.doc.Clock().last = 0, 0
	a.set(t, "e1", map[string]any{"title": "from a"})
	b.set(t, "e1", map[string]any{"title": "from b"})
	fromA, fromB := a.take(), b.take()
	applyAll(a.doc, fromB...)
	applyAll(b.doc, fromA...)

	requireConverged(t, a.doc, b.doc)
	assert.Equal(t, "from b", decodeString(t, a.doc, "e1", "title"))
}

func TestApplyIsIdempotent(t *testing.T) {
	a, b := newReplica(t, "a"), newReplica(t, "b")
	a.set(t, "e1", map[string]any{"title": "x"})
	a.set(t, "e2", map[string]any{"title": "y"})
	deltas := a.take()

	var changes []Change
	b.doc.Observe(func(c Change) { changes = append(changes, c) })

	applyAll(b.doc, deltas...)
	before := stateOf(b.doc)
	applyAll(b.doc, deltas...)
	b.doc.Apply(a.doc.Snapshot())

	assert.Len(t, changes, 2)
	assert.Empty(t, cmp.Diff(before, stateOf(b.doc), cmpopts.EquateEmpty()))
	requireConverged(t, a.doc, b.doc)
}

func TestDuplicateCreateKeepsEarliestBirth(t *testing.T) {
	a, b := newReplica(t, "a"), newReplica(t, "b")
	b.clock.Advance(time.Minute)
	a.set(t, "dup", map[string]any{"title": "first"})
	b.set(t, "dup", map[string]any{"title": "second", "color": "#abc"})
	fromA, fromB := a.take(), b.take()

	applyAll(a.doc, fromB...)
	applyAll(b.doc, fromA...)
	applyAll(b.doc, fromA...)

	requireConverged(t, a.doc, b.doc)
	assert.Equal(t, "first", decodeString(t, b.doc, "dup", "title"))
	rec, _ := b.doc.Map("events").Get("dup")
	assert.False(t, rec.Has("color"), "losing incarnation must be discarded whole")
}

func TestPurgeBlocksLateDeltas(t *testing.T) {
	a, b := newReplica(t, "a"), newReplica(t, "b")
	a.set(t, "e1", map[string]any{"title": "x"})
	create := a.take()
	applyAll(b.doc, create...)

	b.clock.Advance(time.Second)
	b.set(t, "e1", map[string]any{"title": "late edit"})
	late := b.take()

	purge := a.doc.Purge("events", "e1")
	require.NotNil(t, purge)
	assert.True(t, a.doc.Purged("events", "e1"))

	applyAll(a.doc, late...)
	applyAll(a.doc, create...)
	_, ok := a.doc.Map("events").Get("e1")
	assert.False(t, ok, "purged key came back")

	applyAll(b.doc, purge)
	requireConverged(t, a.doc, b.doc)

	err := a.doc.Map("events").Set("e1", map[string]any{"title": "again"})
	assert.True(t, errors.Is(err, constants.ErrNotFound))
}

func TestPurgeSparesLaterIncarnation(t *testing.T) {
	a, b := newReplica(t, "a"), newReplica(t, "b")
	a.set(t, "e1", map[string]any{"title": "old"})
	old := a.take()
	purge := a.doc.Purge("events", "e1")
	require.NotNil(t, purge)
	assert.Equal(t, old[0].Maps["events"].Records["e1"].Birth, purge.Maps["events"].Purges["e1"].Birth)

	b.clock.Advance(time.Second)
	b.set(t, "e1", map[string]any{"title": "new"})
	fresh := b.take()

	applyAll(a.doc, fresh...)
	applyAll(b.doc, purge)
	applyAll(b.doc, old...)

	assert.Equal(t, "new", decodeString(t, a.doc, "e1", "title"))
	assert.Equal(t, "new", decodeString(t, b.doc, "e1", "title"))
	assert.True(t, b.doc.Purged("events", "e1"))
	requireConverged(t, a.doc, b.doc)

	a.set(t, "e1", map[string]any{"title": "edited"})
	applyAll(b.doc, a.take()...)
	assert.Equal(t, "edited", decodeString(t, b.doc, "e1", "title"))
}

func TestExpirePurges(t *testing.T) {
	a := newReplica(t, "a")
	a.set(t, "e1", map[string]any{"title": "x"})
	a.doc.Purge("events", "e1")

	a.clock.Advance(5 * time.Minute)
	assert.Equal(t, 0, a.doc.ExpirePurges(10*time.Minute))
	a.clock.Advance(6 * time.Minute)
	assert.Equal(t, 1, a.doc.ExpirePurges(10*time.Minute))
	assert.False(t, a.doc.Purged("events", "e1"))
}

func TestTransactIsAtomic(t *testing.T) {
	a := newReplica(t, "a")
	var changes []Change
	a.doc.Observe(func(c Change) { changes = append(changes, c) })

	_, err := a.doc.Transact(func(tx *Txn) error {
		require.NoError(t, tx.Set("events", "e1", map[string]any{"title": "x"}))
		return errors.New("abort")
	})
	require.Error(t, err)
	assert.Equal(t, 0, a.doc.Map("events").Len())
	assert.Empty(t, changes)

	delta, err := a.doc.Transact(func(tx *Txn) error {
		if err := tx.Set("events", "e1", map[string]any{"title": "x"}); err != nil {
			return err
		}
		rec, ok := tx.Get("events", "e1")
		require.True(t, ok)
		require.True(t, rec.Has("title"))
		return tx.Set("meta", "room", map[string]any{"lastModified": epoch})
	})
	require.NoError(t, err)
	require.NotNil(t, delta)
	require.Len(t, changes, 1)
	assert.True(t, changes[0].Local)
	assert.Equal(t, "a", changes[0].Origin)
	assert.Equal(t, []string{"e1"}, changes[0].Keys["events"])
	assert.Equal(t, []string{"room"}, changes[0].Keys["meta"])
}

func TestRemoteChangeIsNotLocal(t *testing.T) {
	a, b := newReplica(t, "a"), newReplica(t, "b")
	var got []MapChange
	b.doc.Map("events").Observe(func(c MapChange) { got = append(got, c) })
	unobserve := b.doc.Map("meta").Observe(func(MapChange) { t.Fatal("meta did not change") })
	defer unobserve()

	a.set(t, "e1", map[string]any{"title": "x"})
	applyAll(b.doc, a.take()...)
	require.Len(t, got, 1)
	assert.False(t, got[0].Local)
	assert.Equal(t, "a", got[0].Origin)
}

func TestUnobserve(t *testing.T) {
	a := newReplica(t, "a")
	calls := 0
	stop := a.doc.Observe(func(Change) { calls++ })
	a.set(t, "e1", map[string]any{"title": "x"})
	stop()
	a.set(t, "e1", map[string]any{"title": "y"})
	assert.Equal(t, 1, calls)
}

func TestClockIsMonotonic(t *testing.T) {
	c := NewClock("a", clock.NewFake(epoch))
	first := c.Next()
	second := c.Next()
	assert.True(t, second.After(first))

	c.Observe(Stamp{Wall: epoch.Add(time.Hour).UnixNano(), Replica: "b"})
	third := c.Next()
	assert.Greater(t, third.Wall, epoch.Add(time.Hour).UnixNano())
	assert.Equal(t, "a", third.Replica)
}

func TestEncodeIsCanonical(t *testing.T) {
	a, b := newReplica(t, "a"), newReplica(t, "b")
	a.set(t, "e1", map[string]any{"title": "x", "color": "#fff"})
	a.set(t, "e2", map[string]any{"title": "y"})
	applyAll(b.doc, a.take()...)

	ea, err := a.doc.Map("events").Encode()
	require.NoError(t, err)
	eb, err := b.doc.Map("events").Encode()
	require.NoError(t, err)
	assert.Equal(t, ea, eb)

	c := newReplica(t, "c")
	require.NoError(t, c.doc.Map("events").Decode(ea))
	requireConverged(t, a.doc, c.doc)

	snap, err := a.doc.Encode()
	require.NoError(t, err)
	d := newReplica(t, "d")
	change, err := d.doc.Decode(snap)
	require.NoError(t, err)
	assert.Equal(t, []string{"e1", "e2"}, change.Keys["events"])
}

func TestDeleteMissingKey(t *testing.T) {
	a := newReplica(t, "a")
	err := a.doc.Map("events").Delete("ghost")
	assert.True(t, errors.Is(err, constants.ErrNotFound))

	a.set(t, "e1", map[string]any{"title": "x"})
	require.NoError(t, a.doc.Map("events").Delete("e1"))
	assert.Equal(t, 0, a.doc.Map("events").Len())
}

func TestDeltaRoundTrip(t *testing.T) {
	a := newReplica(t, "a")
	a.set(t, "e1", map[string]any{"title": "x"})
	delta := a.take()[0]

	raw, err := EncodeDelta(delta)
	require.NoError(t, err)
	got, err := DecodeDelta(raw)
	require.NoError(t, err)
	assert.Equal(t, []string{"e1"}, got.Keys("events"))

	b := newReplica(t, "b")
	b.doc.Apply(got)
	requireConverged(t, a.doc, b.doc)
}

func TestExtract(t *testing.T) {
	a, b := newReplica(t, "a"), newReplica(t, "b")
	a.set(t, "e1", map[string]any{"title": "one"})
	a.set(t, "e1", map[string]any{"color": "#fff"})
	a.set(t, "e2", map[string]any{"title": "two"})
	require.NotNil(t, a.doc.Purge("events", "e2"))
	a.take()

	assert.Nil(t, a.doc.Extract(map[string][]string{"events": {"missing"}, "notes": {"n1"}}))

	d := a.doc.Extract(map[string][]string{"events": {"e1", "e2"}})
	require.NotNil(t, d)
	assert.Len(t, d.Maps["events"].Records, 1)
	assert.Contains(t, d.Maps["events"].Purges, "e2")

	applyAll(b.doc, d)
	requireConverged(t, a.doc, b.doc)
}
