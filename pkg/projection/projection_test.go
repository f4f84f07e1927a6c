package projection_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	memcache "github.com/boardsync/boardsync/pkg/cache/memory"
	"github.com/boardsync/boardsync/pkg/document"
	"github.com/boardsync/boardsync/pkg/models"
	"github.com/boardsync/boardsync/pkg/projection"
	"github.com/boardsync/boardsync/pkg/session"
	"github.com/boardsync/boardsync/pkg/timezone"
	memtransport "github.com/boardsync/boardsync/pkg/transport/memory"
)

func newSession(t *testing.T, zone string) *session.Session {
	t.Helper()
	hub := memtransport.NewHub(nil)
	s, err := session.New(session.Options{
		Room:           "room",
		Actor:          "alice",
		Transport:      hub.Join("room", "alice"),
		Cache:          memcache.New(nil),
		Claim:          true,
		Timezone:       timezone.NewEngine(zone, nil),
		DebounceWindow: time.Hour,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Destroy() })
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Ready(ctx))
	return s
}

func TestProjectionFollowsSession(t *testing.T) {
	s := newSession(t, "Asia/Tokyo")
	existing, err := s.Create("text", []byte(`{"kind":"text","content":{"type":"text","text":"before"}}`))
	require.NoError(t, err)
	s.Flush()

	p := projection.New(s, nil)
	defer p.Close()
	_, ok := p.Note(existing)
	require.True(t, ok, "initial load")

	id, err := s.Create("checklist", []byte(`{"kind":"checklist","content":{"type":"checklist","items":[{"text":"milk"}]}}`))
	require.NoError(t, err)
	s.Flush()
	n, ok := p.Note(id)
	require.True(t, ok)
	assert.Equal(t, models.KindChecklist, n.Kind)
	assert.Len(t, p.NotesByKind()[models.KindText], 1)

	require.NoError(t, s.Delete(existing))
	s.Flush()
	_, ok = p.Note(existing)
	assert.False(t, ok)
	assert.Len(t, p.Notes(), 1)
	assert.Equal(t, []string{"alice"}, p.Metadata().Collaborators)
}

func TestProjectionOnUpdate(t *testing.T) {
	s := newSession(t, "UTC")
	p := projection.New(s, nil)
	defer p.Close()

	versions := make(chan uint64, 8)
	unsub := p.OnUpdate(func(v uint64) { versions <- v })
	before := p.Version()

	_, err := s.Create("text", []byte(`{"kind":"text","content":{"type":"text","text":"x"}}`))
	require.NoError(t, err)
	s.Flush()

	select {
	case v := <-versions:
		assert.Greater(t, v, before)
	case <-time.After(time.Second):
		t.Fatal("no update")
	}
	unsub()
}

func TestWeekGroupsByViewerDay(t *testing.T) {
	s := newSession(t, "America/New_York")
	p := projection.New(s, nil)
	defer p.Close()

	// Floating: 14:00 wherever the viewer is.
	floating, err := s.Create("event", []byte(`{"title":"lunch","startTime":"2024-06-11T14:00","endTime":"2024-06-11T15:00"}`))
	require.NoError(t, err)
	// 09:00 in Tokyo on the 13th is 20:00 on the 12th in New York.
	tokyo, err := s.Create("event", []byte(`{"title":"call","startTime":"2024-06-13T09:00","endTime":"2024-06-13T10:00","timezone":"Asia/Tokyo"}`))
	require.NoError(t, err)
	s.Flush()

	ny := s.Timezone().Viewer()
	week := p.Week(time.Date(2024, 6, 10, 9, 0, 0, 0, ny))
	require.Len(t, week, 7)
	assert.Equal(t, time.Date(2024, 6, 10, 0, 0, 0, 0, ny), week[0].Date)

	require.Len(t, week[1].Events, 1)
	assert.Equal(t, floating, week[1].Events[0].ID)
	assert.Equal(t, 14, week[1].Events[0].StartsAt.In(ny).Hour())

	require.Len(t, week[2].Events, 1)
	assert.Equal(t, tokyo, week[2].Events[0].ID)
	assert.Equal(t, 20, week[2].Events[0].StartsAt.In(ny).Hour())
	assert.Empty(t, week[3].Events)

	require.NoError(t, s.Delete(floating))
	s.Flush()
	week = p.Week(time.Date(2024, 6, 10, 0, 0, 0, 0, ny))
	assert.Empty(t, week[1].Events, "tombstones are hidden at once")
	assert.Len(t, p.Events(), 1)
}

// racySource reports a new note while the projection is loading.
type racySource struct {
	mu       sync.Mutex
	notes    map[string]models.Note
	onChange func(document.Change)
	once     sync.Once
	tz       *timezone.Engine
}

func (r *racySource) OnChange(fn func(document.Change)) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = fn
	return func() {}
}

func (r *racySource) Note(id string) (models.Note, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.notes[id]
	return n, ok
}

func (r *racySource) Notes() []models.Note {
	r.mu.Lock()
	out := make([]models.Note, 0, len(r.notes))
	for _, n := range r.notes {
		out = append(out, n)
	}
	fn := r.onChange
	r.mu.Unlock()

	// The load has read its notes; a write lands before it is stored.
	r.once.Do(func() {
		r.mu.Lock()
		r.notes["late"] = models.Note{ID: "late", Kind: models.KindText}
		r.mu.Unlock()
		go fn(document.Change{Notes: []string{"late"}})
		time.Sleep(20 * time.Millisecond)
	})
	return out
}

func (r *racySource) Event(string) (models.CalendarEvent, bool) {
	return models.CalendarEvent{}, false
}

func (r *racySource) Events() []models.CalendarEvent {
	return nil
}

func (r *racySource) Place(e models.CalendarEvent) (document.Placed, error) {
	return document.Placed{CalendarEvent: e}, nil
}

func (r *racySource) Timezone() *timezone.Engine {
	return r.tz
}

func (r *racySource) Metadata() models.Metadata {
	return models.Metadata{}
}

func TestChangeDuringLoadIsKept(t *testing.T) {
	src := &racySource{
		notes: map[string]models.Note{"early": {ID: "early", Kind: models.KindText}},
		tz:    timezone.NewEngine("UTC", nil),
	}
	p := projection.New(src, nil)
	defer p.Close()

	require.Eventually(t, func() bool {
		_, ok := p.Note("late")
		return ok
	}, time.Second, 5*time.Millisecond)
	_, ok := p.Note("early")
	assert.True(t, ok)
}
