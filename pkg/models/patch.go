package models

import "github.com/boardsync/boardsync/pkg/timezone"

// Patch is a partial update of one record. Nil fields are left unchanged.
type Patch interface {
	// Empty reports whether the patch changes nothing.
	Empty() bool
	patch()
}

// NotePatch changes a note's content or position. A content patch must keep
// the note's kind.
type NotePatch struct {
	Content  Content
	Position *Position
}

func (NotePatch) patch() {}

func (p NotePatch) Empty() bool {
	return p.Content == nil && p.Position == nil
}

// Merge returns p overridden by the non-nil fields of later.
func (p NotePatch) Merge(later NotePatch) NotePatch {
	if later.Content != nil {
		p.Content = later.Content
	}
	if later.Position != nil {
		pos := *later.Position
		p.Position = &pos
	}
	return p
}

// Apply returns a copy of n with the patch applied.
func (p NotePatch) Apply(n Note) Note {
	if p.Content != nil {
		n.Content = p.Content
	}
	if p.Position != nil {
		n.Position = *p.Position
	}
	return n
}

// EventPatch changes any editable field of a calendar event.
type EventPatch struct {
	Title           *string
	Description     *string
	Start           *timezone.WallClock
	End             *timezone.WallClock
	Timezone        *string
	IsAllDay        *bool
	Color           *string
	Pattern         *Pattern
	Collaborators   *[]string
	Tags            *[]string
	Attendees       *[]string
	ReminderMinutes *int
}

func (EventPatch) patch() {}

func (p EventPatch) Empty() bool {
	return p == EventPatch{}
}

// Merge returns p overridden by the non-nil fields of later.
func (p EventPatch) Merge(later EventPatch) EventPatch {
	override(&p.Title, later.Title)
	override(&p.Description, later.Description)
	override(&p.Start, later.Start)
	override(&p.End, later.End)
	override(&p.Timezone, later.Timezone)
	override(&p.IsAllDay, later.IsAllDay)
	override(&p.Color, later.Color)
	override(&p.Pattern, later.Pattern)
	override(&p.Collaborators, later.Collaborators)
	override(&p.Tags, later.Tags)
	override(&p.Attendees, later.Attendees)
	override(&p.ReminderMinutes, later.ReminderMinutes)
	return p
}

// Apply returns a copy of e with the patch applied.
func (p EventPatch) Apply(e CalendarEvent) CalendarEvent {
	apply(&e.Title, p.Title)
	apply(&e.Description, p.Description)
	apply(&e.Start, p.Start)
	apply(&e.End, p.End)
	apply(&e.Timezone, p.Timezone)
	apply(&e.IsAllDay, p.IsAllDay)
	apply(&e.Color, p.Color)
	apply(&e.Pattern, p.Pattern)
	apply(&e.Collaborators, p.Collaborators)
	apply(&e.Tags, p.Tags)
	apply(&e.Attendees, p.Attendees)
	apply(&e.ReminderMinutes, p.ReminderMinutes)
	return e
}

func override[T any](dst **T, src *T) {
	if src != nil {
		v := *src
		*dst = &v
	}
}

func apply[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}

// Ptr returns a pointer to v, for building patches.
func Ptr[T any](v T) *T {
	return &v
}
