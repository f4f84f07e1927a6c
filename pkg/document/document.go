// Package document is the typed board document: notes, calendar events and
// room metadata kept in replicated maps. Every mutation checks permissions
// and goes through the conflict engine before anything is written; the maps
// themselves are not exposed.
package document

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/boardsync/boardsync/pkg/conflict"
	"github.com/boardsync/boardsync/pkg/constants"
	"github.com/boardsync/boardsync/pkg/logger"
	"github.com/boardsync/boardsync/pkg/models"
	"github.com/boardsync/boardsync/pkg/replicated"
	"github.com/boardsync/boardsync/pkg/timezone"
)

// Map names.
const (
	MapNotes  = "notes"
	MapEvents = "events"
	MapMeta   = "meta"
)

// Maps lists every map of a board document.
var Maps = []string{MapNotes, MapEvents, MapMeta}

const (
	metaKey           = "room"
	fieldLastModified = "lastModified"
)

// Change lists what one transaction or applied delta changed.
type Change struct {
	Origin string
	Local  bool
	Notes  []string
	Events []string
	Meta   bool
}

// Document wraps a replicated.Doc with typed, validated access.
type Document struct {
	doc    *replicated.Doc
	engine *conflict.Engine
	tz     *timezone.Engine
	log    logger.Logger
}

// Options configure a Document.
type Options struct {
	Engine   *conflict.Engine
	Timezone *timezone.Engine
	Logger   logger.Logger
}

func New(doc *replicated.Doc, opts Options) *Document {
	log := logger.OrDiscard(opts.Logger)
	if opts.Timezone == nil {
		opts.Timezone = timezone.NewEngineIn(time.Local, log)
	}
	if opts.Engine == nil {
		opts.Engine = conflict.NewEngine(nil)
	}
	return &Document{doc: doc, engine: opts.Engine, tz: opts.Timezone, log: log}
}

// Replica returns the underlying doc's replica id.
func (d *Document) Replica() string {
	return d.doc.Replica()
}

// Timezone returns the engine used to place events.
func (d *Document) Timezone() *timezone.Engine {
	return d.tz
}

// Observe calls fn after every change. The returned func stops it.
func (d *Document) Observe(fn func(Change)) func() {
	return d.doc.Observe(func(c replicated.Change) {
		fn(Change{
			Origin: c.Origin,
			Local:  c.Local,
			Notes:  c.Keys[MapNotes],
			Events: c.Keys[MapEvents],
			Meta:   c.Has(MapMeta),
		})
	})
}

// now returns a time later than every write this replica has made or seen.
func (d *Document) now() time.Time {
	return d.doc.Clock().Next().Time()
}

func touch(tx *replicated.Txn, now time.Time) error {
	return tx.Set(MapMeta, metaKey, map[string]any{fieldLastModified: now})
}

func readMembers(tx *replicated.Txn) (map[string]member, error) {
	rec, ok := tx.Get(MapMeta, metaKey)
	if !ok {
		return nil, nil
	}
	return decodeMembers(rec)
}

func decodeMembers(rec replicated.Record) (map[string]member, error) {
	out := make(map[string]member)
	for name := range rec.Fields {
		uid, ok := strings.CutPrefix(name, memberPrefix)
		if !ok {
			continue
		}
		var m member
		if _, err := rec.Decode(name, &m); err != nil {
			return nil, fmt.Errorf("metadata member %s: %w", uid, err)
		}
		if m.Level > models.PermissionNone {
			out[uid] = m
		}
	}
	return out, nil
}

func (d *Document) members() map[string]member {
	rec, ok := d.doc.Map(MapMeta).Get(metaKey)
	if !ok {
		return nil
	}
	members, err := decodeMembers(rec)
	if err != nil {
		d.log.Error("document: unreadable metadata", "error", err)
		return nil
	}
	return members
}

// requireLevel fails with ErrPermissionDenied unless actor holds level.
func requireLevel(members map[string]member, actor string, level models.Permission) error {
	if members[actor].Level.AtLeast(level) {
		return nil
	}
	return fmt.Errorf("%w: %s needs %s", constants.ErrPermissionDenied, actor, level)
}

// Claim makes actor the owner of a room that has no members yet. It reports
// whether it did.
func (d *Document) Claim(actor string) (bool, error) {
	if actor == "" {
		return false, constants.ErrNoActorID
	}
	claimed := false
	now := d.now()
	_, err := d.doc.Transact(func(tx *replicated.Txn) error {
		members, err := readMembers(tx)
		if err != nil {
			return err
		}
		if len(members) > 0 {
			return nil
		}
		claimed = true
		return tx.Set(MapMeta, metaKey, map[string]any{
			memberPrefix + actor: member{Level: models.PermissionOwner, JoinedAt: now},
			fieldLastModified:    now,
		})
	})
	return claimed, err
}

// Permission returns the level recorded for uid.
func (d *Document) Permission(uid string) models.Permission {
	return d.members()[uid].Level
}

// HasPermission reports whether uid holds at least level.
func (d *Document) HasPermission(uid string, level models.Permission) bool {
	return d.Permission(uid).AtLeast(level)
}

// AddCollaborator grants uid level, or changes the level of an existing
// member. Only owners may call it. The permission and the collaborator list
// change together.
func (d *Document) AddCollaborator(actor, uid string, level models.Permission) error {
	if uid == "" {
		return fmt.Errorf("%w: collaborator id required", constants.ErrValidation)
	}
	if level <= models.PermissionNone || level > models.PermissionOwner {
		return fmt.Errorf("%w: invalid level %d", constants.ErrValidation, level)
	}
	now := d.now()
	_, err := d.doc.Transact(func(tx *replicated.Txn) error {
		members, err := readMembers(tx)
		if err != nil {
			return err
		}
		if err := requireLevel(members, actor, models.PermissionOwner); err != nil {
			return err
		}
		m, ok := members[uid]
		if !ok {
			m.JoinedAt = now
		}
		m.Level = level
		if err := ensureOwnerRemains(members, uid, level); err != nil {
			return err
		}
		return tx.Set(MapMeta, metaKey, map[string]any{memberPrefix + uid: m, fieldLastModified: now})
	})
	return err
}

// RemoveCollaborator revokes uid's access. Only owners may call it, and the
// last owner cannot be removed.
func (d *Document) RemoveCollaborator(actor, uid string) error {
	now := d.now()
	_, err := d.doc.Transact(func(tx *replicated.Txn) error {
		members, err := readMembers(tx)
		if err != nil {
			return err
		}
		if err := requireLevel(members, actor, models.PermissionOwner); err != nil {
			return err
		}
		if _, ok := members[uid]; !ok {
			return fmt.Errorf("%w: collaborator %s", constants.ErrNotFound, uid)
		}
		if err := ensureOwnerRemains(members, uid, models.PermissionNone); err != nil {
			return err
		}
		return tx.Set(MapMeta, metaKey, map[string]any{
			memberPrefix + uid: member{Level: models.PermissionNone, JoinedAt: now},
			fieldLastModified:  now,
		})
	})
	return err
}

func ensureOwnerRemains(members map[string]member, uid string, level models.Permission) error {
	if level == models.PermissionOwner {
		return nil
	}
	for id, m := range members {
		if id != uid && m.Level == models.PermissionOwner {
			return nil
		}
	}
	if members[uid].Level == models.PermissionOwner {
		return fmt.Errorf("%w: cannot demote the last owner %s", constants.ErrValidation, uid)
	}
	return nil
}

// Metadata returns the room metadata. Collaborators are ordered by join time,
// then id.
func (d *Document) Metadata() models.Metadata {
	md := models.Metadata{Permissions: make(map[string]models.Permission)}
	rec, ok := d.doc.Map(MapMeta).Get(metaKey)
	if !ok {
		return md
	}
	if _, err := rec.Decode(fieldLastModified, &md.LastModified); err != nil {
		d.log.Warn("document: unreadable lastModified", "error", err)
	}
	members, err := decodeMembers(rec)
	if err != nil {
		d.log.Error("document: unreadable metadata", "error", err)
		return md
	}
	for uid, m := range members {
		md.Permissions[uid] = m.Level
		md.Collaborators = append(md.Collaborators, uid)
	}
	sort.Slice(md.Collaborators, func(i, j int) bool {
		a, b := members[md.Collaborators[i]], members[md.Collaborators[j]]
		if !a.JoinedAt.Equal(b.JoinedAt) {
			return a.JoinedAt.Before(b.JoinedAt)
		}
		return md.Collaborators[i] < md.Collaborators[j]
	})
	return md
}
