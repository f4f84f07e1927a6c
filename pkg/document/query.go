package document

import (
	"sort"
	"time"

	"github.com/boardsync/boardsync/pkg/models"
)

// Placed is an event with its interval resolved in the viewer's zone.
type Placed struct {
	models.CalendarEvent
	StartsAt time.Time
	EndsAt   time.Time
}

// Place resolves e's interval for the viewer. Floating events use the
// viewer's zone, absolute events their own.
func (d *Document) Place(e models.CalendarEvent) (Placed, error) {
	start, err := d.tz.Display(e.Start, e.Timezone)
	if err != nil {
		return Placed{}, err
	}
	end, err := d.tz.Display(e.End, e.Timezone)
	if err != nil {
		return Placed{}, err
	}
	return Placed{CalendarEvent: e, StartsAt: start, EndsAt: end}, nil
}

// GetForRange returns the live events whose interval overlaps [start, end),
// ordered by resolved start.
func (d *Document) GetForRange(start, end time.Time) []Placed {
	var out []Placed
	for _, e := range d.Events() {
		p, err := d.Place(e)
		if err != nil {
			d.log.Warn("document: cannot place event", "id", e.ID, "error", err)
			continue
		}
		if p.StartsAt.Before(end) && p.EndsAt.After(start) {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].StartsAt.Equal(out[j].StartsAt) {
			return out[i].StartsAt.Before(out[j].StartsAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// GetForDate returns the live events overlapping the calendar day of date in
// the viewer's zone.
func (d *Document) GetForDate(date time.Time) []Placed {
	start, end := d.DayBounds(date)
	return d.GetForRange(start, end)
}

// DayBounds returns the start of date's day and of the next day in the
// viewer's zone. Days around DST transitions are 23 or 25 hours long.
func (d *Document) DayBounds(date time.Time) (time.Time, time.Time) {
	loc := d.tz.Viewer()
	y, m, day := date.In(loc).Date()
	return time.Date(y, m, day, 0, 0, 0, 0, loc), time.Date(y, m, day+1, 0, 0, 0, 0, loc)
}
