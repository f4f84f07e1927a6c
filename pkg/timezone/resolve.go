package timezone

import (
	"fmt"
	"time"

	"github.com/boardsync/boardsync/pkg/constants"
)

// Ambiguity selects which instant a repeated wall clock (fall-back) maps to.
type Ambiguity int

const (
	// Earliest picks the UTC-earlier occurrence. It is the default.
	Earliest Ambiguity = iota
	// Latest picks the UTC-later occurrence. Callers must ask for it explicitly.
	Latest
)

func (a Ambiguity) String() string {
	switch a {
	case Earliest:
		return "earliest"
	case Latest:
		return "latest"
	default:
		return "invalid"
	}
}

// Resolution describes how a wall clock was mapped to an instant.
type Resolution struct {
	Instant time.Time
	// Shifted is set when the wall clock fell in a DST gap and was advanced.
	Shifted bool
	// Ambiguous is set when the wall clock occurred twice.
	Ambiguous bool
}

// maxGapShifts bounds gap normalization. No zone has skipped more than a day.
const maxGapShifts = 24

// Resolve maps w to an instant in loc. A wall clock inside a DST gap is
// advanced by one hour and resolved again; a repeated wall clock resolves to
// the occurrence selected by amb.
func Resolve(w WallClock, loc *time.Location, amb Ambiguity) (Resolution, error) {
	if loc == nil {
		return Resolution{}, fmt.Errorf("%w: nil location", constants.ErrTimezoneResolution)
	}
	if !w.Valid() {
		return Resolution{}, fmt.Errorf("%w: invalid wall clock %v", constants.ErrTimezoneResolution, w)
	}

	shifted := false
	for i := 0; i <= maxGapShifts; i++ {
		candidates := instantsFor(w, loc)
		switch len(candidates) {
		case 0:
			w = w.Add(time.Hour)
			shifted = true
			continue
		case 1:
			return Resolution{Instant: candidates[0], Shifted: shifted}, nil
		default:
			pick := candidates[0]
			for _, c := range candidates[1:] {
				if (amb == Latest && c.After(pick)) || (amb != Latest && c.Before(pick)) {
					pick = c
				}
			}
			return Resolution{Instant: pick, Shifted: shifted, Ambiguous: true}, nil
		}
	}
	return Resolution{}, fmt.Errorf("%w: %v does not exist in %s", constants.ErrTimezoneResolution, w, loc)
}

// instantsFor returns every instant whose wall clock in loc equals w.
// Offsets are sampled a day either side of the naive instant, which covers
// any single transition.
func instantsFor(w WallClock, loc *time.Location) []time.Time {
	naive := w.utc()
	seen := make(map[int]bool, 3)
	var out []time.Time
	for _, sample := range []time.Time{naive.Add(-26 * time.Hour), naive, naive.Add(26 * time.Hour)} {
		_, offset := sample.In(loc).Zone()
		if seen[offset] {
			continue
		}
		seen[offset] = true
		candidate := naive.Add(-time.Duration(offset) * time.Second).In(loc)
		if WallOf(candidate) == w {
			out = append(out, candidate)
		}
	}
	return dedupe(out)
}

func dedupe(ts []time.Time) []time.Time {
	out := ts[:0]
	for _, t := range ts {
		dup := false
		for _, o := range out {
			if o.Equal(t) {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, t)
		}
	}
	return out
}
