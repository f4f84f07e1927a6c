package replicated

import (
	"sort"

	"github.com/boardsync/boardsync/internal/codec"
)

// Delta is a set of record versions and purges. Applying a delta is
// idempotent and commutative, and a full snapshot is itself a delta.
type Delta struct {
	Origin string              `cbor:"o"`
	Maps   map[string]MapDelta `cbor:"m"`
}

// MapDelta is the part of a delta addressed to one map.
type MapDelta struct {
	Records map[string]Record `cbor:"r,omitempty"`
	Purges  map[string]Purge  `cbor:"p,omitempty"`
}

// Purge records that a key was removed for good. Birth is the incarnation
// the purging replica held; At is the purge's hybrid clock wall time, in Unix
// nanoseconds.
type Purge struct {
	Birth Stamp `cbor:"b"`
	At    int64 `cbor:"t"`
}

// covers reports whether the purge removes r: the purged incarnation itself,
// whatever its later edits, and any incarnation born no later than the purge.
func (p Purge) covers(r Record) bool {
	return r.Birth == p.Birth || r.Birth.Wall <= p.At
}

func (d *Delta) Empty() bool {
	if d == nil {
		return true
	}
	for _, m := range d.Maps {
		if len(m.Records) > 0 || len(m.Purges) > 0 {
			return false
		}
	}
	return true
}

// Keys returns the keys the delta touches in map name, sorted.
func (d *Delta) Keys(name string) []string {
	m := d.Maps[name]
	keys := make([]string, 0, len(m.Records)+len(m.Purges))
	for k := range m.Records {
		keys = append(keys, k)
	}
	for k := range m.Purges {
		if _, dup := m.Records[k]; !dup {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func (d *Delta) mapDelta(name string) MapDelta {
	if d.Maps == nil {
		d.Maps = make(map[string]MapDelta)
	}
	m, ok := d.Maps[name]
	if !ok {
		m = MapDelta{Records: make(map[string]Record), Purges: make(map[string]Purge)}
		d.Maps[name] = m
	}
	return m
}

// EncodeDelta encodes d in canonical CBOR.
func EncodeDelta(d *Delta) ([]byte, error) {
	return codec.Default().Marshal(d)
}

func DecodeDelta(data []byte) (*Delta, error) {
	var d Delta
	if err := codec.Default().Unmarshal(data, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// Change describes the keys one transaction or one applied delta actually
// changed. Origin is the replica that authored the delta; Local is set for
// transactions run on this replica.
type Change struct {
	Origin string
	Local  bool
	Keys   map[string][]string
}

// Has reports whether the change touched map name.
func (c Change) Has(name string) bool {
	return len(c.Keys[name]) > 0
}

func (c Change) empty() bool {
	for _, keys := range c.Keys {
		if len(keys) > 0 {
			return false
		}
	}
	return true
}
