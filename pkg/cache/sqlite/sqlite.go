// Package sqlite is a Cache stored in a SQLite database: one snapshot row per
// room plus an append-only delta table.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/boardsync/boardsync/pkg/cache"
	"github.com/boardsync/boardsync/pkg/constants"
)

const schema = `
CREATE TABLE IF NOT EXISTS snapshots (
    room        TEXT PRIMARY KEY,
    data        BLOB NOT NULL,
    updated_ns  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS deltas (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    room        TEXT NOT NULL,
    data        BLOB NOT NULL,
    created_ns  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_deltas_room ON deltas(room, id);
`

type Cache struct {
	db *sql.DB

	mu     sync.RWMutex
	closed bool
}

var _ cache.Cache = (*Cache)(nil)

// Open opens or creates the database at path and applies the schema.
func Open(path string) (*Cache, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply cache schema: %w", err)
	}
	return &Cache{db: db}, nil
}

// use runs fn unless the cache is closed. The read lock keeps Close from
// closing the database underneath fn.
func (c *Cache) use(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return constants.ErrCacheClosed
	}
	return fn()
}

func (c *Cache) Load(ctx context.Context, room string) (cache.State, error) {
	var st cache.State
	err := c.use(ctx, func() error {
		err := c.db.QueryRowContext(ctx, `SELECT data FROM snapshots WHERE room = ?`, room).Scan(&st.Snapshot)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("load snapshot: %w", err)
		}

		rows, err := c.db.QueryContext(ctx, `SELECT data FROM deltas WHERE room = ? ORDER BY id`, room)
		if err != nil {
			return fmt.Errorf("load deltas: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var data []byte
			if err := rows.Scan(&data); err != nil {
				return fmt.Errorf("scan delta: %w", err)
			}
			st.Deltas = append(st.Deltas, data)
		}
		return rows.Err()
	})
	return st, err
}

func (c *Cache) Append(ctx context.Context, room string, delta []byte) error {
	return c.use(ctx, func() error {
		_, err := c.db.ExecContext(ctx,
			`INSERT INTO deltas (room, data, created_ns) VALUES (?, ?, ?)`,
			room, delta, time.Now().UnixNano())
		if err != nil {
			return fmt.Errorf("append delta: %w", err)
		}
		return nil
	})
}

func (c *Cache) Compact(ctx context.Context, room string, snapshot []byte) error {
	return c.use(ctx, func() error {
		tx, err := c.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin compaction: %w", err)
		}
		defer tx.Rollback()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO snapshots (room, data, updated_ns) VALUES (?, ?, ?)
			ON CONFLICT(room) DO UPDATE SET data = excluded.data, updated_ns = excluded.updated_ns`,
			room, snapshot, time.Now().UnixNano()); err != nil {
			return fmt.Errorf("write snapshot: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM deltas WHERE room = ?`, room); err != nil {
			return fmt.Errorf("truncate deltas: %w", err)
		}
		return tx.Commit()
	})
}

func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.db.Close()
}
