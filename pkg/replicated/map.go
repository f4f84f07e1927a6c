package replicated

import (
	"fmt"
	"sort"

	"github.com/boardsync/boardsync/internal/codec"
	"github.com/boardsync/boardsync/pkg/constants"
)

// ReplicatedMap is a replicated key/record map with observable changes.
type ReplicatedMap interface {
	Get(key string) (Record, bool)
	Set(key string, fields map[string]any) error
	Delete(key string) error
	Observe(fn func(MapChange)) (unobserve func())
	Encode() ([]byte, error)
	Decode(data []byte) error
	Merge(delta MapDelta) []string
}

// MapChange is the part of a Change that concerns one map.
type MapChange struct {
	Origin string
	Local  bool
	Keys   []string
}

// Map is a handle on one map of a Doc.
type Map struct {
	doc  *Doc
	name string
}

var _ ReplicatedMap = (*Map)(nil)

func (m *Map) Name() string {
	return m.name
}

func (m *Map) Get(key string) (Record, bool) {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()
	r, ok := m.doc.state(m.name).records[key]
	if !ok {
		return Record{}, false
	}
	return r.clone(), true
}

// Keys returns the keys in order.
func (m *Map) Keys() []string {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()
	return sortedKeys(m.doc.state(m.name).records)
}

func (m *Map) Len() int {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()
	return len(m.doc.state(m.name).records)
}

// Range calls fn for each record in key order until fn returns false. It
// works on a copy, so fn may use the doc.
func (m *Map) Range(fn func(key string, r Record) bool) {
	m.doc.mu.Lock()
	st := m.doc.state(m.name)
	keys := sortedKeys(st.records)
	records := make([]Record, len(keys))
	for i, k := range keys {
		records[i] = st.records[k].clone()
	}
	m.doc.mu.Unlock()

	for i, k := range keys {
		if !fn(k, records[i]) {
			return
		}
	}
}

// Set writes fields on key in its own transaction.
func (m *Map) Set(key string, fields map[string]any) error {
	_, err := m.doc.Transact(func(tx *Txn) error {
		return tx.Set(m.name, key, fields)
	})
	return err
}

// Delete purges key.
func (m *Map) Delete(key string) error {
	if m.doc.Purge(m.name, key) == nil {
		return fmt.Errorf("%w: %s/%s", constants.ErrNotFound, m.name, key)
	}
	return nil
}

func (m *Map) Observe(fn func(MapChange)) func() {
	return m.doc.Observe(func(c Change) {
		if keys := c.Keys[m.name]; len(keys) > 0 {
			fn(MapChange{Origin: c.Origin, Local: c.Local, Keys: keys})
		}
	})
}

// Encode returns this map's state in canonical CBOR.
func (m *Map) Encode() ([]byte, error) {
	return codec.Default().Marshal(m.doc.Snapshot().Maps[m.name])
}

// Decode merges state produced by Encode.
func (m *Map) Decode(data []byte) error {
	var md MapDelta
	if err := codec.Default().Unmarshal(data, &md); err != nil {
		return err
	}
	m.Merge(md)
	return nil
}

// Merge applies md and returns the keys that changed.
func (m *Map) Merge(md MapDelta) []string {
	change := m.doc.Apply(&Delta{Maps: map[string]MapDelta{m.name: md}})
	return change.Keys[m.name]
}

func sortedKeys(records map[string]Record) []string {
	keys := make([]string, 0, len(records))
	for k := range records {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedFieldNames(fields map[string]any) []string {
	names := make([]string, 0, len(fields))
	for k := range fields {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
