package timezone

import (
	"fmt"
	"time"
)

const wallLayout = "2006-01-02T15:04:05"

// WallClock is a date and time of day without a zone. It is what the
// document stores for event start and end.
type WallClock struct {
	Year   int        `cbor:"y"`
	Month  time.Month `cbor:"mo"`
	Day    int        `cbor:"d"`
	Hour   int        `cbor:"h"`
	Minute int        `cbor:"mi"`
	Second int        `cbor:"s"`
}

// WallOf returns the wall clock of t in t's own location.
func WallOf(t time.Time) WallClock {
	return WallClock{
		Year:   t.Year(),
		Month:  t.Month(),
		Day:    t.Day(),
		Hour:   t.Hour(),
		Minute: t.Minute(),
		Second: t.Second(),
	}
}

// ParseWall parses "2006-01-02T15:04:05" or "2006-01-02T15:04".
func ParseWall(s string) (WallClock, error) {
	for _, layout := range []string{wallLayout, "2006-01-02T15:04", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return WallOf(t), nil
		}
	}
	return WallClock{}, fmt.Errorf("invalid wall clock %q", s)
}

func (w WallClock) String() string {
	return w.utc().Format(wallLayout)
}

func (w WallClock) IsZero() bool {
	return w == WallClock{}
}

// Valid reports whether the components name a real calendar date and time.
func (w WallClock) Valid() bool {
	if w.Month < time.January || w.Month > time.December ||
		w.Hour < 0 || w.Hour > 23 || w.Minute < 0 || w.Minute > 59 || w.Second < 0 || w.Second > 59 {
		return false
	}
	return w.utc().Day() == w.Day && w.Day >= 1
}

// Add returns the wall clock d later, computed on the naive timeline.
func (w WallClock) Add(d time.Duration) WallClock {
	return WallOf(w.utc().Add(d))
}

// Before compares on the naive timeline.
func (w WallClock) Before(o WallClock) bool {
	return w.utc().Before(o.utc())
}

// Sub returns w-o on the naive timeline.
func (w WallClock) Sub(o WallClock) time.Duration {
	return w.utc().Sub(o.utc())
}

// Date truncates to midnight.
func (w WallClock) Date() WallClock {
	return WallClock{Year: w.Year, Month: w.Month, Day: w.Day}
}

// utc treats the components as UTC, which gives a gap-free naive timeline.
func (w WallClock) utc() time.Time {
	return time.Date(w.Year, w.Month, w.Day, w.Hour, w.Minute, w.Second, 0, time.UTC)
}

func (w WallClock) MarshalText() ([]byte, error) {
	return []byte(w.String()), nil
}

func (w *WallClock) UnmarshalText(b []byte) error {
	parsed, err := ParseWall(string(b))
	if err != nil {
		return err
	}
	*w = parsed
	return nil
}

// DayDiff returns the number of calendar days from a to b.
func DayDiff(a, b WallClock) int {
	return int(b.Date().utc().Sub(a.Date().utc()).Hours() / 24)
}
