package document

import (
	"fmt"
	"sort"

	"github.com/boardsync/boardsync/pkg/conflict"
	"github.com/boardsync/boardsync/pkg/constants"
	"github.com/boardsync/boardsync/pkg/models"
	"github.com/boardsync/boardsync/pkg/replicated"
)

// CreateNote writes a new note authored by actor, who needs editor rights.
// CreatedBy and the timestamps are filled in; the stored note is returned.
func (d *Document) CreateNote(actor string, n models.Note) (models.Note, error) {
	now := d.now()
	n.CreatedBy = actor
	n.CreatedAt, n.UpdatedAt = now, now
	if n.ID == "" {
		n.ID = models.NewID()
	}
	if errs := d.engine.Validator().CheckNote(&n); len(errs) > 0 {
		return models.Note{}, errs
	}
	fields, err := noteFields(&n)
	if err != nil {
		return models.Note{}, err
	}

	_, err = d.doc.Transact(func(tx *replicated.Txn) error {
		members, err := readMembers(tx)
		if err != nil {
			return err
		}
		if err := requireLevel(members, actor, models.PermissionEditor); err != nil {
			return err
		}
		if _, exists := tx.Get(MapNotes, n.ID); exists {
			return fmt.Errorf("%w: note %s already exists", constants.ErrValidation, n.ID)
		}
		if err := tx.Set(MapNotes, n.ID, fields); err != nil {
			return err
		}
		return touch(tx, now)
	})
	if err != nil {
		return models.Note{}, err
	}
	return n, nil
}

// UpdateNote applies patch to note id. actor needs editor rights.
func (d *Document) UpdateNote(actor, id string, patch models.NotePatch) (models.Note, error) {
	now := d.now()
	var updated models.Note
	_, err := d.doc.Transact(func(tx *replicated.Txn) error {
		members, err := readMembers(tx)
		if err != nil {
			return err
		}
		if err := requireLevel(members, actor, models.PermissionEditor); err != nil {
			return err
		}
		current, deleted, err := txNote(tx, id)
		if err != nil {
			return err
		}
		next, err := d.engine.CheckNoteUpdate(current, deleted, patch)
		if err != nil {
			return fmt.Errorf("note %s: %w", id, err)
		}
		fields, err := notePatchFields(patch)
		if err != nil {
			return err
		}
		fields[conflict.FieldUpdatedAt] = now
		if err := tx.Set(MapNotes, id, fields); err != nil {
			return err
		}
		next.UpdatedAt = now
		updated = next
		return touch(tx, now)
	})
	return updated, err
}

// DeleteNote tombstones note id and returns the note as it was, so callers
// can release its assets. actor needs editor rights.
func (d *Document) DeleteNote(actor, id string) (models.Note, error) {
	now := d.now()
	var removed models.Note
	_, err := d.doc.Transact(func(tx *replicated.Txn) error {
		members, err := readMembers(tx)
		if err != nil {
			return err
		}
		if err := requireLevel(members, actor, models.PermissionEditor); err != nil {
			return err
		}
		current, deleted, err := txNote(tx, id)
		if err != nil {
			return err
		}
		if current == nil || deleted {
			return fmt.Errorf("%w: note %s", constants.ErrNotFound, id)
		}
		removed = *current
		if err := tx.Set(MapNotes, id, conflict.Tombstone(conflict.KindNote, actor, now)); err != nil {
			return err
		}
		return touch(tx, now)
	})
	return removed, err
}

func txNote(tx *replicated.Txn, id string) (*models.Note, bool, error) {
	rec, ok := tx.Get(MapNotes, id)
	if !ok {
		return nil, false, nil
	}
	return decodeNote(id, rec)
}

// Note returns a live note.
func (d *Document) Note(id string) (models.Note, bool) {
	rec, ok := d.doc.Map(MapNotes).Get(id)
	if !ok {
		return models.Note{}, false
	}
	n, deleted, err := decodeNote(id, rec)
	if err != nil {
		d.log.Error("document: unreadable note", "id", id, "error", err)
		return models.Note{}, false
	}
	if deleted {
		return models.Note{}, false
	}
	return *n, true
}

// Notes returns every live note, oldest first.
func (d *Document) Notes() []models.Note {
	var out []models.Note
	d.doc.Map(MapNotes).Range(func(id string, rec replicated.Record) bool {
		n, deleted, err := decodeNote(id, rec)
		if err != nil {
			d.log.Error("document: unreadable note", "id", id, "error", err)
			return true
		}
		if !deleted {
			out = append(out, *n)
		}
		return true
	})
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// NoteTombstoned reports whether id is a note tombstone still waiting for
// the sweep.
func (d *Document) NoteTombstoned(id string) bool {
	rec, ok := d.doc.Map(MapNotes).Get(id)
	return ok && rec.Has(conflict.FieldDeletedAt)
}
