// Package models defines the records kept in a board document: notes on the
// spatial board and events on the shared weekly calendar.
package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/boardsync/boardsync/pkg/timezone"
)

// NewID returns a fresh record id. Ids are never reused.
func NewID() string {
	return uuid.NewString()
}

// Position places a note on the board. Rotation is in degrees.
type Position struct {
	X        float64 `json:"x" cbor:"x"`
	Y        float64 `json:"y" cbor:"y"`
	Width    float64 `json:"width" cbor:"w"`
	Height   float64 `json:"height" cbor:"h"`
	Rotation float64 `json:"rotation" cbor:"r"`
}

// Position bounds.
const (
	MaxCoordinate = 10000
	MinWidth      = 100
	MaxWidth      = 2000
	MinHeight     = 80
	MaxHeight     = 2000
	MaxRotation   = 180
)

// DefaultPosition is used when a note is created without one.
var DefaultPosition = Position{Width: 200, Height: 200}

// Note is one item on the board. Content.Kind() always equals Kind.
type Note struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	Content   Content   `json:"-"`
	Position  Position  `json:"position"`
	CreatedBy string    `json:"createdBy"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Pattern is the redundant, colorblind-safe fill of an event.
type Pattern string

const (
	PatternPlain  Pattern = "plain"
	PatternStripe Pattern = "stripe"
	PatternDot    Pattern = "dot"
)

func (p Pattern) Valid() bool {
	switch p {
	case PatternPlain, PatternStripe, PatternDot:
		return true
	}
	return false
}

// CalendarEvent is one entry in the shared calendar. Start and End are wall
// clocks; an empty Timezone makes the event floating.
type CalendarEvent struct {
	ID              string             `json:"id"`
	Title           string             `json:"title"`
	Description     string             `json:"description,omitempty"`
	Start           timezone.WallClock `json:"startTime"`
	End             timezone.WallClock `json:"endTime"`
	Timezone        string             `json:"timezone,omitempty"`
	IsAllDay        bool               `json:"isAllDay"`
	Color           string             `json:"color"`
	Pattern         Pattern            `json:"pattern"`
	CreatedBy       string             `json:"createdBy"`
	Collaborators   []string           `json:"collaborators,omitempty"`
	Tags            []string           `json:"tags,omitempty"`
	Attendees       []string           `json:"attendees,omitempty"`
	ReminderMinutes int                `json:"reminderMinutes,omitempty"`
	CreatedAt       time.Time          `json:"createdAt"`
	UpdatedAt       time.Time          `json:"updatedAt"`
	DeletedAt       *time.Time         `json:"deletedAt,omitempty"`
	DeletedBy       string             `json:"deletedBy,omitempty"`
}

// Floating reports whether the event has no declared zone.
func (e *CalendarEvent) Floating() bool {
	return e.Timezone == ""
}

// Deleted reports whether the event is a tombstone.
func (e *CalendarEvent) Deleted() bool {
	return e.DeletedAt != nil
}

// CanEdit reports whether userID created the event or is one of its
// collaborators.
func (e *CalendarEvent) CanEdit(userID string) bool {
	if userID == e.CreatedBy {
		return true
	}
	for _, c := range e.Collaborators {
		if c == userID {
			return true
		}
	}
	return false
}

// Permission is a room access level. Levels are ordered.
type Permission int

const (
	PermissionNone Permission = iota
	PermissionViewer
	PermissionEditor
	PermissionOwner
)

func (p Permission) String() string {
	switch p {
	case PermissionViewer:
		return "viewer"
	case PermissionEditor:
		return "editor"
	case PermissionOwner:
		return "owner"
	default:
		return "none"
	}
}

// AtLeast reports whether p grants level.
func (p Permission) AtLeast(level Permission) bool {
	return p >= level
}

func ParsePermission(s string) (Permission, error) {
	switch s {
	case "viewer":
		return PermissionViewer, nil
	case "editor":
		return PermissionEditor, nil
	case "owner":
		return PermissionOwner, nil
	}
	return PermissionNone, fmt.Errorf("unknown permission level %q", s)
}

func (p Permission) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Permission) UnmarshalText(b []byte) error {
	if string(b) == "none" {
		*p = PermissionNone
		return nil
	}
	parsed, err := ParsePermission(string(b))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Metadata is the per-room record. Collaborators is ordered by join time.
type Metadata struct {
	Collaborators []string              `json:"collaborators"`
	Permissions   map[string]Permission `json:"permissions"`
	LastModified  time.Time             `json:"lastModified"`
}
