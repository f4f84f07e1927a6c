// Package cachetest checks a cache.Cache implementation against the
// behaviour sessions rely on.
package cachetest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boardsync/boardsync/pkg/cache"
	"github.com/boardsync/boardsync/pkg/constants"
)

// Opener returns a new handle on the same storage every time it is called.
type Opener func() cache.Cache

// Run runs the conformance tests. fresh must return an Opener over empty
// storage.
func Run(t *testing.T, fresh func(t *testing.T) Opener) {
	ctx := context.Background()

	t.Run("load empty room", func(t *testing.T) {
		c := fresh(t)()
		defer c.Close()

		st, err := c.Load(ctx, "r1")
		require.NoError(t, err)
		assert.True(t, st.Empty())
	})

	t.Run("append keeps order", func(t *testing.T) {
		c := fresh(t)()
		defer c.Close()

		for _, d := range [][]byte{{1}, {2}, {3}} {
			require.NoError(t, c.Append(ctx, "r1", d))
		}
		require.NoError(t, c.Append(ctx, "r2", []byte{9}))

		st, err := c.Load(ctx, "r1")
		require.NoError(t, err)
		assert.Empty(t, st.Snapshot)
		assert.Equal(t, [][]byte{{1}, {2}, {3}}, st.Deltas)
	})

	t.Run("compact replaces log", func(t *testing.T) {
		c := fresh(t)()
		defer c.Close()

		require.NoError(t, c.Append(ctx, "r1", []byte{1}))
		require.NoError(t, c.Compact(ctx, "r1", []byte{0xaa}))
		require.NoError(t, c.Append(ctx, "r1", []byte{2}))

		st, err := c.Load(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, []byte{0xaa}, st.Snapshot)
		assert.Equal(t, [][]byte{{2}}, st.Deltas)
	})

	t.Run("close keeps data", func(t *testing.T) {
		open := fresh(t)
		c := open()
		require.NoError(t, c.Append(ctx, "r1", []byte{1}))
		require.NoError(t, c.Close())

		assert.ErrorIs(t, c.Append(ctx, "r1", []byte{2}), constants.ErrCacheClosed)
		_, err := c.Load(ctx, "r1")
		assert.ErrorIs(t, err, constants.ErrCacheClosed)

		c = open()
		defer c.Close()
		st, err := c.Load(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, [][]byte{{1}}, st.Deltas)
	})
}
