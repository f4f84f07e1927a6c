// Package projection keeps a flattened, render-ready copy of a board. It
// follows a session's change notifications and refreshes only the records a
// change names.
package projection

import (
	"sort"
	"sync"
	"time"

	"github.com/boardsync/boardsync/pkg/document"
	"github.com/boardsync/boardsync/pkg/logger"
	"github.com/boardsync/boardsync/pkg/models"
	"github.com/boardsync/boardsync/pkg/timezone"
)

// Source is what a projection reads from. *session.Session implements it.
type Source interface {
	OnChange(fn func(document.Change)) func()
	Note(id string) (models.Note, bool)
	Notes() []models.Note
	Event(id string) (models.CalendarEvent, bool)
	Events() []models.CalendarEvent
	Place(e models.CalendarEvent) (document.Placed, error)
	Timezone() *timezone.Engine
	Metadata() models.Metadata
}

// Day is one calendar day of a week view.
type Day struct {
	// Date is midnight in the viewer's zone.
	Date   time.Time
	Events []document.Placed
}

type Projection struct {
	src Source
	log logger.Logger

	mu       sync.RWMutex
	notes    map[string]models.Note
	events   map[string]document.Placed
	meta     models.Metadata
	version  uint64
	onUpdate map[int]func(uint64)
	nextID   int

	unsubscribe func()
}

// New builds a projection of src and keeps it current until Close.
func New(src Source, log logger.Logger) *Projection {
	p := &Projection{
		src:      src,
		log:      logger.OrDiscard(log),
		notes:    make(map[string]models.Note),
		events:   make(map[string]document.Placed),
		onUpdate: make(map[int]func(uint64)),
	}
	// Subscribe first so nothing between the load and the subscription is
	// missed. apply and reload both read the source under p.mu, so whichever
	// runs last sees the newest state.
	p.unsubscribe = src.OnChange(p.apply)
	p.reload()
	return p
}

// reload replaces the projection with the source's current state.
func (p *Projection) reload() {
	p.mu.Lock()
	notes := p.src.Notes()
	events := p.src.Events()
	meta := p.src.Metadata()
	p.notes = make(map[string]models.Note, len(notes))
	for _, n := range notes {
		p.notes[n.ID] = n
	}
	p.events = make(map[string]document.Placed, len(events))
	for _, e := range events {
		p.placeLocked(e)
	}
	p.meta = meta
	p.version++
	v := p.version
	p.mu.Unlock()
	p.notify(v)
}

// placeLocked stores e with its display interval. p.mu must be held.
func (p *Projection) placeLocked(e models.CalendarEvent) {
	placed, err := p.src.Place(e)
	if err != nil {
		p.log.Warn("projection: cannot place event", "id", e.ID, "error", err)
		delete(p.events, e.ID)
		return
	}
	p.events[e.ID] = placed
}

func (p *Projection) apply(c document.Change) {
	p.mu.Lock()
	for _, id := range c.Notes {
		if n, ok := p.src.Note(id); ok {
			p.notes[id] = n
		} else {
			delete(p.notes, id)
		}
	}
	for _, id := range c.Events {
		if e, ok := p.src.Event(id); ok && !e.Deleted() {
			p.placeLocked(e)
		} else {
			delete(p.events, id)
		}
	}
	if c.Meta {
		p.meta = p.src.Metadata()
	}
	p.version++
	v := p.version
	p.mu.Unlock()
	p.notify(v)
}

// OnUpdate calls fn with the new version after every refresh. fn must not
// block. The returned func unregisters it.
func (p *Projection) OnUpdate(fn func(version uint64)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	id := p.nextID
	p.onUpdate[id] = fn
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.onUpdate, id)
	}
}

func (p *Projection) notify(v uint64) {
	p.mu.RLock()
	fns := make([]func(uint64), 0, len(p.onUpdate))
	for _, fn := range p.onUpdate {
		fns = append(fns, fn)
	}
	p.mu.RUnlock()
	for _, fn := range fns {
		fn(v)
	}
}

// Version increases with every refresh.
func (p *Projection) Version() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.version
}

func (p *Projection) Note(id string) (models.Note, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n, ok := p.notes[id]
	return n, ok
}

// Notes returns the live notes, oldest first.
func (p *Projection) Notes() []models.Note {
	p.mu.RLock()
	out := make([]models.Note, 0, len(p.notes))
	for _, n := range p.notes {
		out = append(out, n)
	}
	p.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// NotesByKind groups the live notes by kind.
func (p *Projection) NotesByKind() map[models.Kind][]models.Note {
	out := make(map[models.Kind][]models.Note)
	for _, n := range p.Notes() {
		out[n.Kind] = append(out[n.Kind], n)
	}
	return out
}

// Events returns the live events ordered by display start, then id.
func (p *Projection) Events() []document.Placed {
	p.mu.RLock()
	out := make([]document.Placed, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e)
	}
	p.mu.RUnlock()
	sortPlaced(out)
	return out
}

func sortPlaced(ps []document.Placed) {
	sort.Slice(ps, func(i, j int) bool {
		if !ps[i].StartsAt.Equal(ps[j].StartsAt) {
			return ps[i].StartsAt.Before(ps[j].StartsAt)
		}
		return ps[i].ID < ps[j].ID
	})
}

// Range returns the events overlapping [start, end).
func (p *Projection) Range(start, end time.Time) []document.Placed {
	var out []document.Placed
	for _, e := range p.Events() {
		if e.StartsAt.Before(end) && e.EndsAt.After(start) {
			out = append(out, e)
		}
	}
	return out
}

// Week returns seven days starting on weekStart's day in the viewer's zone.
// An event spanning several days appears on each of them.
func (p *Projection) Week(weekStart time.Time) []Day {
	loc := p.src.Timezone().Viewer()
	y, m, d := weekStart.In(loc).Date()
	days := make([]Day, 7)
	for i := range days {
		start := time.Date(y, m, d+i, 0, 0, 0, 0, loc)
		end := time.Date(y, m, d+i+1, 0, 0, 0, 0, loc)
		days[i] = Day{Date: start, Events: p.Range(start, end)}
	}
	return days
}

// Metadata returns the projected room metadata.
func (p *Projection) Metadata() models.Metadata {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.meta
}

// Close stops following the source.
func (p *Projection) Close() {
	if p.unsubscribe != nil {
		p.unsubscribe()
	}
}
