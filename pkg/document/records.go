package document

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/boardsync/boardsync/pkg/conflict"
	"github.com/boardsync/boardsync/pkg/models"
	"github.com/boardsync/boardsync/pkg/replicated"
	"github.com/boardsync/boardsync/pkg/timezone"
)

// Note fields.
const (
	fieldKind     = "kind"
	fieldPosition = "position"
)

// Event fields.
const (
	fieldDescription     = "description"
	fieldStart           = "start"
	fieldEnd             = "end"
	fieldTimezone        = "timezone"
	fieldAllDay          = "isAllDay"
	fieldColor           = "color"
	fieldPattern         = "pattern"
	fieldCollaborators   = "collaborators"
	fieldTags            = "tags"
	fieldAttendees       = "attendees"
	fieldReminderMinutes = "reminderMinutes"
)

func noteFields(n *models.Note) (map[string]any, error) {
	content, err := models.EncodeContent(n.Content)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		fieldKind:               string(n.Kind),
		conflict.FieldContent:   cbor.RawMessage(content),
		fieldPosition:           n.Position,
		conflict.FieldCreatedBy: n.CreatedBy,
		conflict.FieldCreatedAt: n.CreatedAt.UTC(),
		conflict.FieldUpdatedAt: n.UpdatedAt.UTC(),
	}, nil
}

func notePatchFields(p models.NotePatch) (map[string]any, error) {
	fields := make(map[string]any, 2)
	if p.Content != nil {
		content, err := models.EncodeContent(p.Content)
		if err != nil {
			return nil, err
		}
		fields[conflict.FieldContent] = cbor.RawMessage(content)
	}
	if p.Position != nil {
		fields[fieldPosition] = *p.Position
	}
	return fields, nil
}

// decodeNote rebuilds a note. Tombstoned notes decode with nil content and
// deleted set.
func decodeNote(id string, r replicated.Record) (n *models.Note, deleted bool, err error) {
	n = &models.Note{ID: id}
	var deletedAt time.Time
	if deleted, err = r.Decode(conflict.FieldDeletedAt, &deletedAt); err != nil {
		return nil, false, fmt.Errorf("note %s: %w", id, err)
	}
	var kind string
	if _, err := r.Decode(fieldKind, &kind); err != nil {
		return nil, false, fmt.Errorf("note %s: kind: %w", id, err)
	}
	n.Kind = models.Kind(kind)
	for field, dst := range map[string]any{
		fieldPosition:           &n.Position,
		conflict.FieldCreatedBy: &n.CreatedBy,
		conflict.FieldCreatedAt: &n.CreatedAt,
		conflict.FieldUpdatedAt: &n.UpdatedAt,
	} {
		if _, err := r.Decode(field, dst); err != nil {
			return nil, false, fmt.Errorf("note %s: %s: %w", id, field, err)
		}
	}
	if deleted {
		return n, true, nil
	}
	if f, ok := r.Fields[conflict.FieldContent]; ok {
		c, err := models.DecodeContent(f.Value)
		if err != nil {
			return nil, false, fmt.Errorf("note %s: %w", id, err)
		}
		n.Content = c
	}
	return n, false, nil
}

func eventFields(e *models.CalendarEvent) map[string]any {
	return map[string]any{
		conflict.FieldTitle:     e.Title,
		fieldDescription:        e.Description,
		fieldStart:              e.Start,
		fieldEnd:                e.End,
		fieldTimezone:           e.Timezone,
		fieldAllDay:             e.IsAllDay,
		fieldColor:              e.Color,
		fieldPattern:            string(e.Pattern),
		fieldCollaborators:      e.Collaborators,
		fieldTags:               e.Tags,
		fieldAttendees:          e.Attendees,
		fieldReminderMinutes:    e.ReminderMinutes,
		conflict.FieldCreatedBy: e.CreatedBy,
		conflict.FieldCreatedAt: e.CreatedAt.UTC(),
		conflict.FieldUpdatedAt: e.UpdatedAt.UTC(),
	}
}

func eventPatchFields(p models.EventPatch) map[string]any {
	fields := make(map[string]any)
	set := func(name string, ok bool, v func() any) {
		if ok {
			fields[name] = v()
		}
	}
	set(conflict.FieldTitle, p.Title != nil, func() any { return *p.Title })
	set(fieldDescription, p.Description != nil, func() any { return *p.Description })
	set(fieldStart, p.Start != nil, func() any { return *p.Start })
	set(fieldEnd, p.End != nil, func() any { return *p.End })
	set(fieldTimezone, p.Timezone != nil, func() any { return *p.Timezone })
	set(fieldAllDay, p.IsAllDay != nil, func() any { return *p.IsAllDay })
	set(fieldColor, p.Color != nil, func() any { return *p.Color })
	set(fieldPattern, p.Pattern != nil, func() any { return string(*p.Pattern) })
	set(fieldCollaborators, p.Collaborators != nil, func() any { return *p.Collaborators })
	set(fieldTags, p.Tags != nil, func() any { return *p.Tags })
	set(fieldAttendees, p.Attendees != nil, func() any { return *p.Attendees })
	set(fieldReminderMinutes, p.ReminderMinutes != nil, func() any { return *p.ReminderMinutes })
	return fields
}

func decodeEvent(id string, r replicated.Record) (*models.CalendarEvent, error) {
	e := &models.CalendarEvent{ID: id}
	var pattern string
	var start, end timezone.WallClock
	for field, dst := range map[string]any{
		conflict.FieldTitle:     &e.Title,
		fieldDescription:        &e.Description,
		fieldStart:              &start,
		fieldEnd:                &end,
		fieldTimezone:           &e.Timezone,
		fieldAllDay:             &e.IsAllDay,
		fieldColor:              &e.Color,
		fieldPattern:            &pattern,
		fieldCollaborators:      &e.Collaborators,
		fieldTags:               &e.Tags,
		fieldAttendees:          &e.Attendees,
		fieldReminderMinutes:    &e.ReminderMinutes,
		conflict.FieldCreatedBy: &e.CreatedBy,
		conflict.FieldCreatedAt: &e.CreatedAt,
		conflict.FieldUpdatedAt: &e.UpdatedAt,
		conflict.FieldDeletedBy: &e.DeletedBy,
	} {
		if _, err := r.Decode(field, dst); err != nil {
			return nil, fmt.Errorf("event %s: %s: %w", id, field, err)
		}
	}
	e.Start, e.End = start, end
	e.Pattern = models.Pattern(pattern)

	var deletedAt time.Time
	found, err := r.Decode(conflict.FieldDeletedAt, &deletedAt)
	if err != nil {
		return nil, fmt.Errorf("event %s: %s: %w", id, conflict.FieldDeletedAt, err)
	}
	if found {
		e.DeletedAt = &deletedAt
	}
	return e, nil
}

// member is the stored metadata entry for one user.
type member struct {
	Level    models.Permission `cbor:"level"`
	JoinedAt time.Time         `cbor:"joinedAt"`
}

const memberPrefix = "member:"
