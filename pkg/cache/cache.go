// Package cache is the durable local store a session loads its document
// from and appends every change to. Entries are opaque encoded deltas; the
// cache never interprets them.
package cache

import "context"

// State is what a room has on disk: the last compacted snapshot followed by
// every delta appended since, oldest first. Both are encoded replicated
// deltas, so they can be applied in any order.
type State struct {
	Snapshot []byte
	Deltas   [][]byte
}

// Empty reports whether nothing was stored for the room.
func (s State) Empty() bool {
	return len(s.Snapshot) == 0 && len(s.Deltas) == 0
}

type Cache interface {
	Load(ctx context.Context, room string) (State, error)
	Append(ctx context.Context, room string, delta []byte) error
	// Compact replaces the room's snapshot and drops its delta log.
	Compact(ctx context.Context, room string, snapshot []byte) error
	// Close releases the handle. Stored data is kept.
	Close() error
}
