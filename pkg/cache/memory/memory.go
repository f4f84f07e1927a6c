// Package memory is a Cache kept in process memory. Data lives in a Backing
// that outlives the Cache handles opened on it, so tests can close a session
// and reopen the same room.
package memory

import (
	"bytes"
	"context"
	"sync"

	"github.com/boardsync/boardsync/pkg/cache"
	"github.com/boardsync/boardsync/pkg/constants"
)

type Backing struct {
	mu    sync.Mutex
	rooms map[string]*cache.State
}

func NewBacking() *Backing {
	return &Backing{rooms: make(map[string]*cache.State)}
}

// Deltas returns how many deltas are logged for room.
func (b *Backing) Deltas(room string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st, ok := b.rooms[room]; ok {
		return len(st.Deltas)
	}
	return 0
}

type Cache struct {
	backing *Backing

	mu     sync.Mutex
	closed bool
}

var _ cache.Cache = (*Cache)(nil)

// New opens a handle on b, or on a fresh backing when b is nil.
func New(b *Backing) *Cache {
	if b == nil {
		b = NewBacking()
	}
	return &Cache{backing: b}
}

func (c *Cache) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return constants.ErrCacheClosed
	}
	return nil
}

func (c *Cache) Load(ctx context.Context, room string) (cache.State, error) {
	if err := c.check(ctx); err != nil {
		return cache.State{}, err
	}
	b := c.backing
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.rooms[room]
	if !ok {
		return cache.State{}, nil
	}
	out := cache.State{Snapshot: bytes.Clone(st.Snapshot)}
	for _, d := range st.Deltas {
		out.Deltas = append(out.Deltas, bytes.Clone(d))
	}
	return out, nil
}

func (c *Cache) Append(ctx context.Context, room string, delta []byte) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	b := c.backing
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.rooms[room]
	if !ok {
		st = &cache.State{}
		b.rooms[room] = st
	}
	st.Deltas = append(st.Deltas, bytes.Clone(delta))
	return nil
}

func (c *Cache) Compact(ctx context.Context, room string, snapshot []byte) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	b := c.backing
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rooms[room] = &cache.State{Snapshot: bytes.Clone(snapshot)}
	return nil
}

func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}
