package replicated

import (
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/boardsync/boardsync/internal/clock"
)

// NewReplicaID returns a time-ordered replica identity.
func NewReplicaID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the random source does.
		panic(fmt.Sprintf("BUG: replicated: cannot generate replica id: %v", err))
	}
	return id.String()
}

// Stamp orders writes. Wall is Unix nanoseconds from the writer's hybrid
// clock; Replica breaks ties so every pair of stamps is ordered.
type Stamp struct {
	Wall    int64  `cbor:"w"`
	Replica string `cbor:"r"`
}

// Compare returns -1, 0 or +1.
func (s Stamp) Compare(o Stamp) int {
	switch {
	case s.Wall < o.Wall:
		return -1
	case s.Wall > o.Wall:
		return 1
	case s.Replica < o.Replica:
		return -1
	case s.Replica > o.Replica:
		return 1
	}
	return 0
}

func (s Stamp) After(o Stamp) bool { return s.Compare(o) > 0 }

func (s Stamp) IsZero() bool { return s == Stamp{} }

// Time returns Wall as a time.Time.
func (s Stamp) Time() time.Time {
	return time.Unix(0, s.Wall).UTC()
}

func (s Stamp) String() string {
	return fmt.Sprintf("%d@%s", s.Wall, s.Replica)
}

// Clock issues strictly increasing stamps for one replica. It follows the
// wall clock but never goes backwards, and it moves past every remote stamp
// it observes, so a local write always orders after what the replica has seen.
type Clock struct {
	mu      sync.Mutex
	replica string
	source  clock.Clock
	last    int64
}

func NewClock(replica string, source clock.Clock) *Clock {
	return &Clock{replica: replica, source: clock.OrReal(source)}
}

// Next returns a stamp later than every stamp issued or observed so far.
func (c *Clock) Next() Stamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	w := c.source.Now().UnixNano()
	if w <= c.last {
		w = c.last + 1
	}
	c.last = w
	return Stamp{Wall: w, Replica: c.replica}
}

// Observe advances the clock past s.
func (c *Clock) Observe(s Stamp) {
	c.mu.Lock()
	if s.Wall > c.last {
		c.last = s.Wall
	}
	c.mu.Unlock()
}

// Now is the source clock's current time.
func (c *Clock) Now() time.Time {
	return c.source.Now()
}
