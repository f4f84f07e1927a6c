package timezone

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseWall(t *testing.T) {
	for in, want := range map[string]string{
		"2024-03-10T02:30:00": "2024-03-10T02:30:00",
		"2024-03-10T02:30":    "2024-03-10T02:30:00",
		"2024-03-10":          "2024-03-10T00:00:00",
	} {
		w, err := ParseWall(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, w.String())
	}

	_, err := ParseWall("10/03/2024")
	assert.Error(t, err)
}

func TestWallClockText(t *testing.T) {
	w := WallClock{Year: 2024, Month: time.March, Day: 10, Hour: 2, Minute: 30}
	b, err := w.MarshalText()
	require.NoError(t, err)

	var got WallClock
	require.NoError(t, got.UnmarshalText(b))
	assert.Equal(t, w, got)
}

func TestWallClockArithmetic(t *testing.T) {
	a := WallClock{Year: 2024, Month: time.December, Day: 31, Hour: 23, Minute: 30}
	b := a.Add(time.Hour)
	assert.Equal(t, "2025-01-01T00:30:00", b.String())
	assert.True(t, a.Before(b))
	assert.Equal(t, time.Hour, b.Sub(a))
	assert.Equal(t, 1, DayDiff(a, b))
	assert.Equal(t, 0, DayDiff(a, a.Date()))
	assert.False(t, WallClock{Year: 2023, Month: time.February, Day: 29}.Valid())
	assert.True(t, WallClock{Year: 2024, Month: time.February, Day: 29}.Valid())
	assert.True(t, WallClock{}.IsZero())
}
