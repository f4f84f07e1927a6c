// Package timezone turns stored event wall clocks into displayable instants.
//
// An event without a zone is floating: its wall clock is read in the viewer's
// zone, so every viewer sees the same clock time. An event with a zone is
// absolute: its wall clock is read in that zone and then converted to the
// viewer's zone. Wall clocks that fall in a DST gap are moved forward one hour;
// wall clocks that occur twice resolve to the earlier instant unless Latest is
// requested.
package timezone

import (
	"fmt"
	"sync"
	"time"

	// Zone data is embedded so resolution does not depend on the host.
	_ "time/tzdata"

	"github.com/boardsync/boardsync/pkg/constants"
	"github.com/boardsync/boardsync/pkg/logger"
)

var locations sync.Map // map[string]*time.Location

// LoadLocation is time.LoadLocation with a process-wide cache.
func LoadLocation(name string) (*time.Location, error) {
	if v, ok := locations.Load(name); ok {
		return v.(*time.Location), nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", constants.ErrTimezoneResolution, name, err)
	}
	locations.Store(name, loc)
	return loc, nil
}

// Engine resolves event times for one viewer.
type Engine struct {
	viewer *time.Location
	amb    Ambiguity
	log    logger.Logger
}

// NewEngine returns an engine for a viewer in zone. An empty zone means the
// process local zone; an unknown zone falls back to UTC with a warning.
func NewEngine(zone string, log logger.Logger) *Engine {
	e := &Engine{viewer: time.Local, log: logger.OrDiscard(log)}
	if zone == "" {
		return e
	}
	loc, err := LoadLocation(zone)
	if err != nil {
		e.log.Warn("timezone: unknown viewer zone, using UTC", "zone", zone, "error", err)
		loc = time.UTC
	}
	e.viewer = loc
	return e
}

// NewEngineIn returns an engine for a viewer in loc.
func NewEngineIn(loc *time.Location, log logger.Logger) *Engine {
	if loc == nil {
		loc = time.Local
	}
	return &Engine{viewer: loc, log: logger.OrDiscard(log)}
}

// WithAmbiguity returns a copy of e that resolves repeated wall clocks with
// amb instead of Earliest.
func (e *Engine) WithAmbiguity(amb Ambiguity) *Engine {
	c := *e
	c.amb = amb
	return &c
}

// Ambiguity returns the strategy Display uses.
func (e *Engine) Ambiguity() Ambiguity {
	return e.amb
}

// Viewer returns the viewer's zone.
func (e *Engine) Viewer() *time.Location {
	return e.viewer
}

// Zone returns the location that interprets an event declaring zone. An empty
// zone is floating and uses the viewer's zone. Unknown zones log a warning and
// fall back to the viewer's zone.
func (e *Engine) Zone(zone string) *time.Location {
	if zone == "" {
		return e.viewer
	}
	loc, err := LoadLocation(zone)
	if err != nil {
		e.log.Warn("timezone: falling back to viewer zone", "zone", zone, "viewer", e.viewer.String(), "error", err)
		return e.viewer
	}
	return loc
}

// Display returns the instant of w for an event declaring zone, expressed in
// the viewer's zone.
func (e *Engine) Display(w WallClock, zone string) (time.Time, error) {
	return e.DisplayWith(w, zone, e.amb)
}

// DisplayWith is Display with an explicit ambiguity strategy.
func (e *Engine) DisplayWith(w WallClock, zone string, amb Ambiguity) (time.Time, error) {
	res, err := Resolve(w, e.Zone(zone), amb)
	if err != nil {
		return time.Time{}, err
	}
	return res.Instant.In(e.viewer), nil
}

// ValidateAllDay checks that start and end fall on the same calendar day in
// the event's zone. Callers with an exclusive end must step it back first.
func (e *Engine) ValidateAllDay(start, end WallClock, zone string) error {
	loc := e.Zone(zone)
	s, err := Resolve(start, loc, Earliest)
	if err != nil {
		return err
	}
	t, err := Resolve(end, loc, Earliest)
	if err != nil {
		return err
	}
	if diff := DayDiff(WallOf(s.Instant.In(loc)), WallOf(t.Instant.In(loc))); diff != 0 {
		return fmt.Errorf("%w: all-day event spans %d extra day(s)", constants.ErrValidation, diff)
	}
	return nil
}
