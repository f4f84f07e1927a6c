package sqlite

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/boardsync/boardsync/pkg/cache"
	"github.com/boardsync/boardsync/pkg/cache/cachetest"
)

func TestConformance(t *testing.T) {
	cachetest.Run(t, func(t *testing.T) cachetest.Opener {
		path := filepath.Join(t.TempDir(), "cache.db")
		return func() cache.Cache {
			c, err := Open(path)
			require.NoError(t, err)
			return c
		}
	})
}

func TestOpenCreatesDirectory(t *testing.T) {
	c, err := Open(filepath.Join(t.TempDir(), "nested", "dir", "cache.db"))
	require.NoError(t, err)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
}
