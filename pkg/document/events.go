package document

import (
	"fmt"
	"sort"

	"github.com/boardsync/boardsync/pkg/conflict"
	"github.com/boardsync/boardsync/pkg/constants"
	"github.com/boardsync/boardsync/pkg/models"
	"github.com/boardsync/boardsync/pkg/replicated"
)

// CreateEvent writes a new event authored by actor, who needs editor rights.
func (d *Document) CreateEvent(actor string, e models.CalendarEvent) (models.CalendarEvent, error) {
	now := d.now()
	e.CreatedBy = actor
	e.CreatedAt, e.UpdatedAt = now, now
	e.DeletedAt, e.DeletedBy = nil, ""
	if e.ID == "" {
		e.ID = models.NewID()
	}
	if errs := d.engine.Validator().CheckEvent(&e); len(errs) > 0 {
		return models.CalendarEvent{}, errs
	}

	_, err := d.doc.Transact(func(tx *replicated.Txn) error {
		members, err := readMembers(tx)
		if err != nil {
			return err
		}
		if err := requireLevel(members, actor, models.PermissionEditor); err != nil {
			return err
		}
		if _, exists := tx.Get(MapEvents, e.ID); exists {
			return fmt.Errorf("%w: event %s already exists", constants.ErrValidation, e.ID)
		}
		if err := tx.Set(MapEvents, e.ID, eventFields(&e)); err != nil {
			return err
		}
		return touch(tx, now)
	})
	if err != nil {
		return models.CalendarEvent{}, err
	}
	return e, nil
}

// UpdateEvent applies patch to event id. actor needs editor rights and must
// have created the event or be one of its collaborators.
func (d *Document) UpdateEvent(actor, id string, patch models.EventPatch) (models.CalendarEvent, error) {
	now := d.now()
	var updated models.CalendarEvent
	_, err := d.doc.Transact(func(tx *replicated.Txn) error {
		members, err := readMembers(tx)
		if err != nil {
			return err
		}
		if err := requireLevel(members, actor, models.PermissionEditor); err != nil {
			return err
		}
		current, err := txEvent(tx, id)
		if err != nil {
			return err
		}
		next, err := d.engine.CheckEventUpdate(current, actor, patch)
		if err != nil {
			return fmt.Errorf("event %s: %w", id, err)
		}
		fields := eventPatchFields(patch)
		if len(fields) == 0 {
			updated = next
			return nil
		}
		fields[conflict.FieldUpdatedAt] = now
		if err := tx.Set(MapEvents, id, fields); err != nil {
			return err
		}
		next.UpdatedAt = now
		updated = next
		return touch(tx, now)
	})
	return updated, err
}

// DeleteEvent tombstones event id. The same rights as UpdateEvent apply.
func (d *Document) DeleteEvent(actor, id string) error {
	now := d.now()
	_, err := d.doc.Transact(func(tx *replicated.Txn) error {
		members, err := readMembers(tx)
		if err != nil {
			return err
		}
		if err := requireLevel(members, actor, models.PermissionEditor); err != nil {
			return err
		}
		current, err := txEvent(tx, id)
		if err != nil {
			return err
		}
		if err := d.engine.CheckEventDelete(current, actor); err != nil {
			return fmt.Errorf("event %s: %w", id, err)
		}
		if err := tx.Set(MapEvents, id, conflict.Tombstone(conflict.KindEvent, actor, now)); err != nil {
			return err
		}
		return touch(tx, now)
	})
	return err
}

func txEvent(tx *replicated.Txn, id string) (*models.CalendarEvent, error) {
	rec, ok := tx.Get(MapEvents, id)
	if !ok {
		return nil, nil
	}
	return decodeEvent(id, rec)
}

// Event returns an event, tombstones included.
func (d *Document) Event(id string) (models.CalendarEvent, bool) {
	rec, ok := d.doc.Map(MapEvents).Get(id)
	if !ok {
		return models.CalendarEvent{}, false
	}
	e, err := decodeEvent(id, rec)
	if err != nil {
		d.log.Error("document: unreadable event", "id", id, "error", err)
		return models.CalendarEvent{}, false
	}
	return *e, true
}

// Events returns every live event ordered by start, then id.
func (d *Document) Events() []models.CalendarEvent {
	var out []models.CalendarEvent
	d.doc.Map(MapEvents).Range(func(id string, rec replicated.Record) bool {
		e, err := decodeEvent(id, rec)
		if err != nil {
			d.log.Error("document: unreadable event", "id", id, "error", err)
			return true
		}
		if !e.Deleted() {
			out = append(out, *e)
		}
		return true
	})
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Start != out[j].Start {
			return out[i].Start.Before(out[j].Start)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
