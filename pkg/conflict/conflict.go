// Package conflict is the merge and mutation policy of the board document.
//
// Concurrent field writes resolve last-writer-wins, with the writer replica
// breaking ties. Two incarnations of the same key resolve to the one created
// first. Deletion is a tombstone that the Sweeper purges once the grace window
// has passed. Every update is checked here before it is written.
package conflict

import (
	"fmt"
	"time"

	"github.com/boardsync/boardsync/pkg/constants"
	"github.com/boardsync/boardsync/pkg/logger"
	"github.com/boardsync/boardsync/pkg/models"
	"github.com/boardsync/boardsync/pkg/replicated"
	"github.com/boardsync/boardsync/pkg/validation"
)

// Field names shared by every record kind.
const (
	FieldCreatedBy = "createdBy"
	FieldCreatedAt = "createdAt"
	FieldUpdatedAt = "updatedAt"
	FieldDeletedAt = "deletedAt"
	FieldDeletedBy = "deletedBy"
	FieldTitle     = "title"
	FieldContent   = "content"
)

// Policy is replicated.LWW with duplicate creates logged.
type Policy struct {
	lww replicated.LWW
	log logger.Logger
}

func NewPolicy(log logger.Logger) *Policy {
	return &Policy{log: logger.OrDiscard(log)}
}

var _ replicated.Policy = (*Policy)(nil)

func (p *Policy) FieldWins(local, remote replicated.Field) bool {
	return p.lww.FieldWins(local, remote)
}

func (p *Policy) BirthWins(local, remote replicated.Stamp) bool {
	wins := p.lww.BirthWins(local, remote)
	p.log.Info("conflict: duplicate create resolved", "kept", keptBirth(local, remote, wins).String())
	return wins
}

func keptBirth(local, remote replicated.Stamp, remoteWins bool) replicated.Stamp {
	if remoteWins {
		return remote
	}
	return local
}

// Tombstone returns the fields that soft-delete a record.
func Tombstone(kind Kind, actor string, now time.Time) map[string]any {
	fields := map[string]any{
		FieldDeletedAt: now.UTC(),
		FieldDeletedBy: actor,
		FieldUpdatedAt: now.UTC(),
	}
	switch kind {
	case KindEvent:
		fields[FieldTitle] = constants.DeletedTitle
	case KindNote:
		fields[FieldContent] = nil
	}
	return fields
}

// Kind is the family of a record.
type Kind int

const (
	KindNote Kind = iota
	KindEvent
)

func (k Kind) String() string {
	if k == KindEvent {
		return "event"
	}
	return "note"
}

// Engine checks updates before they are written.
type Engine struct {
	validator *validation.Validator
}

func NewEngine(v *validation.Validator) *Engine {
	if v == nil {
		v = validation.New(validation.DefaultLimits(), nil, nil)
	}
	return &Engine{validator: v}
}

func (e *Engine) Validator() *validation.Validator {
	return e.validator
}

// CheckNoteUpdate verifies that the note exists, the patch keeps its kind and
// the result is valid, and returns the updated note.
func (e *Engine) CheckNoteUpdate(current *models.Note, deleted bool, patch models.NotePatch) (models.Note, error) {
	if current == nil || deleted {
		return models.Note{}, fmt.Errorf("%w: note", constants.ErrNotFound)
	}
	if patch.Empty() {
		return *current, nil
	}
	if patch.Content != nil && patch.Content.Kind() != current.Kind {
		return models.Note{}, fmt.Errorf("%w: %w: %s content for %s note %s",
			constants.ErrValidation, constants.ErrKindMismatch, patch.Content.Kind(), current.Kind, current.ID)
	}
	next := patch.Apply(*current)
	if next.CreatedBy == "" {
		return models.Note{}, fmt.Errorf("%w: note %s has no creator", constants.ErrValidation, current.ID)
	}
	if errs := e.validator.CheckNote(&next); len(errs) > 0 {
		return models.Note{}, errs
	}
	return next, nil
}

// CheckEventUpdate verifies that the event exists and is not deleted, that
// actor created it or collaborates on it, and that the result keeps its
// required fields and time range rules. It returns the updated event.
func (e *Engine) CheckEventUpdate(current *models.CalendarEvent, actor string, patch models.EventPatch) (models.CalendarEvent, error) {
	if current == nil || current.Deleted() {
		return models.CalendarEvent{}, fmt.Errorf("%w: event", constants.ErrNotFound)
	}
	if !current.CanEdit(actor) {
		return models.CalendarEvent{}, fmt.Errorf("%w: %s may not edit event %s", constants.ErrPermissionDenied, actor, current.ID)
	}
	next := patch.Apply(*current)
	if next.CreatedBy == "" {
		return models.CalendarEvent{}, fmt.Errorf("%w: event %s has no creator", constants.ErrValidation, current.ID)
	}
	if errs := e.validator.CheckEvent(&next); len(errs) > 0 {
		return models.CalendarEvent{}, errs
	}
	return next, nil
}

// CheckEventDelete verifies that actor may delete the event.
func (e *Engine) CheckEventDelete(current *models.CalendarEvent, actor string) error {
	if current == nil || current.Deleted() {
		return fmt.Errorf("%w: event", constants.ErrNotFound)
	}
	if !current.CanEdit(actor) {
		return fmt.Errorf("%w: %s may not delete event %s", constants.ErrPermissionDenied, actor, current.ID)
	}
	return nil
}
