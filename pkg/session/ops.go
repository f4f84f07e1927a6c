package session

import (
	"context"
	"fmt"
	"time"

	"github.com/boardsync/boardsync/pkg/constants"
	"github.com/boardsync/boardsync/pkg/document"
	"github.com/boardsync/boardsync/pkg/models"
	"github.com/boardsync/boardsync/pkg/timezone"
)

// KindEvent is the Create kind for calendar events. Every other accepted
// kind is a note kind.
const KindEvent = "event"

// target is what a Create call writes. The set of implementations is closed.
type target interface {
	target()
}

type eventTarget struct{}

type noteTarget struct {
	kind models.Kind
}

func (eventTarget) target() {}
func (noteTarget) target()  {}

func parseTarget(kind string) (target, error) {
	if kind == KindEvent {
		return eventTarget{}, nil
	}
	if k := models.Kind(kind); k.Valid() {
		return noteTarget{kind: k}, nil
	}
	return nil, fmt.Errorf("%w: %w %q", constants.ErrValidation, constants.ErrUnknownKind, kind)
}

// Create validates raw as a record of kind ("event" or a note kind) and
// writes it on behalf of the session's actor. It returns the new id.
func (s *Session) Create(kind string, raw []byte) (string, error) {
	if err := s.check(); err != nil {
		return "", err
	}
	t, err := parseTarget(kind)
	if err != nil {
		return "", err
	}

	switch t := t.(type) {
	case eventTarget:
		e, err := s.validator.ValidateEvent(raw)
		if err != nil {
			return "", err
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		created, err := s.document.CreateEvent(s.opts.Actor, *e)
		if err != nil {
			return "", err
		}
		return created.ID, nil
	case noteTarget:
		n, err := s.validator.ValidateNote(raw)
		if err != nil {
			return "", err
		}
		if n.Kind != t.kind {
			return "", fmt.Errorf("%w: %w: payload is %s, want %s", constants.ErrValidation, constants.ErrKindMismatch, n.Kind, t.kind)
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		created, err := s.document.CreateNote(s.opts.Actor, *n)
		if err != nil {
			return "", err
		}
		return created.ID, nil
	default:
		panic(fmt.Sprintf("session: unhandled target %T", t))
	}
}

// Update applies a partial payload to note or event id.
func (s *Session) Update(id string, raw []byte) error {
	if err := s.check(); err != nil {
		return err
	}
	if n, ok := s.document.Note(id); ok {
		patch, err := s.validator.DecodeNotePatch(raw, n.Kind)
		if err != nil {
			return err
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		_, err = s.document.UpdateNote(s.opts.Actor, id, patch)
		return err
	}
	if e, ok := s.document.Event(id); ok {
		patch, err := s.validator.DecodeEventPatch(raw, e)
		if err != nil {
			return err
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		_, err = s.document.UpdateEvent(s.opts.Actor, id, patch)
		return err
	}
	return fmt.Errorf("%w: %s", constants.ErrNotFound, id)
}

// Delete tombstones note or event id. Assets of a deleted note are released
// in the background.
func (s *Session) Delete(id string) error {
	if err := s.check(); err != nil {
		return err
	}
	if _, ok := s.document.Note(id); ok {
		s.mu.Lock()
		removed, err := s.document.DeleteNote(s.opts.Actor, id)
		s.mu.Unlock()
		if err != nil {
			return err
		}
		s.releaseAssets(removed)
		return nil
	}
	if _, ok := s.document.Event(id); ok {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.document.DeleteEvent(s.opts.Actor, id)
	}
	return fmt.Errorf("%w: %s", constants.ErrNotFound, id)
}

func (s *Session) releaseAssets(n models.Note) {
	urls := models.Assets(n.Content)
	if len(urls) == 0 || s.opts.Releaser == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, s.opts.IOTimeout)
		defer cancel()
		if err := s.opts.Releaser.Release(ctx, urls); err != nil {
			s.log.Warn("session: cannot release assets", "note", n.ID, "count", len(urls), "error", err)
		}
	}()
}

// AddCollaborator grants uid level. The session's actor must be an owner.
func (s *Session) AddCollaborator(uid string, level models.Permission) error {
	if err := s.check(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.document.AddCollaborator(s.opts.Actor, uid, level)
}

// RemoveCollaborator revokes uid's access. The session's actor must be an
// owner.
func (s *Session) RemoveCollaborator(uid string) error {
	if err := s.check(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.document.RemoveCollaborator(s.opts.Actor, uid)
}

// Claim makes the session's actor the owner of an unclaimed room.
func (s *Session) Claim() (bool, error) {
	if err := s.check(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.document.Claim(s.opts.Actor)
}

func (s *Session) HasPermission(uid string, level models.Permission) bool {
	return s.document.HasPermission(uid, level)
}

func (s *Session) Metadata() models.Metadata {
	return s.document.Metadata()
}

func (s *Session) Note(id string) (models.Note, bool) {
	return s.document.Note(id)
}

func (s *Session) Notes() []models.Note {
	return s.document.Notes()
}

// Event returns event id. Tombstoned events are returned too; check
// Deleted.
func (s *Session) Event(id string) (models.CalendarEvent, bool) {
	return s.document.Event(id)
}

func (s *Session) Events() []models.CalendarEvent {
	return s.document.Events()
}

// EventsForRange returns the live events overlapping [start, end) placed in
// the viewer's zone.
func (s *Session) EventsForRange(start, end time.Time) []document.Placed {
	return s.document.GetForRange(start, end)
}

// EventsForDate returns the live events on the viewer's calendar day.
func (s *Session) EventsForDate(date time.Time) []document.Placed {
	return s.document.GetForDate(date)
}

func (s *Session) Place(e models.CalendarEvent) (document.Placed, error) {
	return s.document.Place(e)
}

func (s *Session) Timezone() *timezone.Engine {
	return s.document.Timezone()
}
