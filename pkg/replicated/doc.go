// Package replicated is the replicated map primitive the board document is
// built on.
//
// A Doc holds named maps of records. Each record is a set of fields stamped
// by a hybrid clock; merging keeps, per field, the version the Policy picks,
// so replicas that have seen the same deltas hold the same state whatever
// the delivery order. Deltas are state based: applying one twice, or applying
// a full snapshot, changes nothing the second time.
//
// Keys are removed with Purge. A purged key is kept in a ledger for a
// retention period so a late delta of the purged incarnation, or of one born
// before the purge, cannot bring it back. An incarnation born after the purge
// is a new record and survives it.
package replicated

import (
	"sort"
	"sync"
	"time"

	"github.com/boardsync/boardsync/internal/clock"
)

// Options configure a Doc.
type Options struct {
	// Policy resolves concurrent versions. Defaults to LWW.
	Policy Policy
	// Clock drives stamps and purge times. Defaults to the wall clock.
	Clock clock.Clock
}

// Doc is a set of named replicated maps owned by one replica. It is safe for
// concurrent use. Observers run synchronously after the doc is unlocked, in
// the goroutine that made the change.
type Doc struct {
	mu      sync.Mutex
	replica string
	clock   *Clock
	policy  Policy
	maps    map[string]*mapState

	obsMu     sync.Mutex
	nextObsID int
	observers []observer
	updates   []updateObserver
}

type mapState struct {
	records map[string]Record
	purged  map[string]Purge
}

type observer struct {
	id int
	fn func(Change)
}

type updateObserver struct {
	id int
	fn func(*Delta, bool)
}

func NewDoc(replica string, opts Options) *Doc {
	if opts.Policy == nil {
		opts.Policy = LWW{}
	}
	return &Doc{
		replica: replica,
		clock:   NewClock(replica, opts.Clock),
		policy:  opts.Policy,
		maps:    make(map[string]*mapState),
	}
}

// Replica returns the identity stamped on local writes.
func (d *Doc) Replica() string {
	return d.replica
}

// Clock returns the doc's hybrid clock.
func (d *Doc) Clock() *Clock {
	return d.clock
}

// Map returns a handle on map name. Maps are created on first use.
func (d *Doc) Map(name string) *Map {
	return &Map{doc: d, name: name}
}

func (d *Doc) state(name string) *mapState {
	m, ok := d.maps[name]
	if !ok {
		m = &mapState{records: make(map[string]Record), purged: make(map[string]Purge)}
		d.maps[name] = m
	}
	return m
}

// Observe registers fn for every change. The returned func unregisters it.
func (d *Doc) Observe(fn func(Change)) func() {
	d.obsMu.Lock()
	defer d.obsMu.Unlock()
	d.nextObsID++
	id := d.nextObsID
	d.observers = append(d.observers, observer{id: id, fn: fn})
	return func() {
		d.obsMu.Lock()
		defer d.obsMu.Unlock()
		for i, o := range d.observers {
			if o.id == id {
				d.observers = append(d.observers[:i:i], d.observers[i+1:]...)
				return
			}
		}
	}
}

// OnUpdate registers fn for every delta that changed the doc: local
// transactions and purges with local set, applied remote deltas without.
func (d *Doc) OnUpdate(fn func(delta *Delta, local bool)) func() {
	d.obsMu.Lock()
	defer d.obsMu.Unlock()
	d.nextObsID++
	id := d.nextObsID
	d.updates = append(d.updates, updateObserver{id: id, fn: fn})
	return func() {
		d.obsMu.Lock()
		defer d.obsMu.Unlock()
		for i, o := range d.updates {
			if o.id == id {
				d.updates = append(d.updates[:i:i], d.updates[i+1:]...)
				return
			}
		}
	}
}

func (d *Doc) notify(delta *Delta, change Change) {
	if change.empty() {
		return
	}
	d.obsMu.Lock()
	updates := append([]updateObserver(nil), d.updates...)
	observers := append([]observer(nil), d.observers...)
	d.obsMu.Unlock()

	for _, u := range updates {
		u.fn(delta, change.Local)
	}
	for _, o := range observers {
		o.fn(change)
	}
}

// Apply merges a remote delta. Deltas this replica authored are applied like
// any other; they are no-ops once their writes are present.
func (d *Doc) Apply(delta *Delta) Change {
	if delta.Empty() {
		return Change{Origin: delta.origin()}
	}
	d.mu.Lock()
	change := d.merge(delta, false)
	d.mu.Unlock()
	d.notify(delta, change)
	return change
}

func (d *Delta) origin() string {
	if d == nil {
		return ""
	}
	return d.Origin
}

// merge applies delta and returns the keys that changed. d.mu must be held.
func (d *Doc) merge(delta *Delta, local bool) Change {
	change := Change{Origin: delta.Origin, Local: local, Keys: make(map[string][]string)}
	names := make([]string, 0, len(delta.Maps))
	for name := range delta.Maps {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		md := delta.Maps[name]
		st := d.state(name)
		changed := make(map[string]bool)

		for key, p := range md.Purges {
			d.clock.Observe(Stamp{Wall: p.At})
			if r, had := st.records[key]; had && p.covers(r) {
				delete(st.records, key)
				changed[key] = true
			}
			if prev, ok := st.purged[key]; !ok || p.At > prev.At {
				st.purged[key] = p
			}
		}
		for key, remote := range md.Records {
			d.observeRecord(remote)
			if p, gone := st.purged[key]; gone && p.covers(remote) {
				continue
			}
			local, ok := st.records[key]
			if !ok {
				st.records[key] = remote.clone()
				changed[key] = true
				continue
			}
			if merged, diff := d.mergeRecord(local, remote); diff {
				st.records[key] = merged
				changed[key] = true
			}
		}

		if len(changed) > 0 {
			keys := make([]string, 0, len(changed))
			for k := range changed {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			change.Keys[name] = keys
		}
	}
	return change
}

func (d *Doc) observeRecord(r Record) {
	d.clock.Observe(r.Birth)
	for _, f := range r.Fields {
		d.clock.Observe(f.Stamp)
	}
}

// mergeRecord merges remote into local. It reports whether the result
// differs from local.
func (d *Doc) mergeRecord(local, remote Record) (Record, bool) {
	if local.Birth != remote.Birth {
		if d.policy.BirthWins(local.Birth, remote.Birth) {
			return remote.clone(), true
		}
		return local, false
	}
	var merged Record
	diff := false
	for name, rf := range remote.Fields {
		lf, ok := local.Fields[name]
		if ok && (fieldEqual(lf, rf) || !d.policy.FieldWins(lf, rf)) {
			continue
		}
		if !diff {
			merged = local.clone()
			diff = true
		}
		merged.Fields[name] = rf
	}
	if !diff {
		return local, false
	}
	return merged, true
}

// Purge removes keys from map name for good and returns the delta that
// carries the purge to other replicas. Keys that are not present are skipped.
func (d *Doc) Purge(name string, keys ...string) *Delta {
	now := d.clock.Next().Wall
	delta := &Delta{Origin: d.replica}

	d.mu.Lock()
	st := d.state(name)
	md := delta.mapDelta(name)
	for _, key := range keys {
		r, ok := st.records[key]
		if !ok {
			continue
		}
		md.Purges[key] = Purge{Birth: r.Birth, At: now}
	}
	if len(md.Purges) == 0 {
		d.mu.Unlock()
		return nil
	}
	change := d.merge(delta, true)
	d.mu.Unlock()

	d.notify(delta, change)
	return delta
}

// ExpirePurges forgets purges older than retention. Returns how many were
// dropped.
func (d *Doc) ExpirePurges(retention time.Duration) int {
	cutoff := d.clock.Now().Add(-retention).UnixNano()
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, st := range d.maps {
		for key, p := range st.purged {
			if p.At < cutoff {
				delete(st.purged, key)
				n++
			}
		}
	}
	return n
}

// Purged reports whether key is in map name's purge ledger.
func (d *Doc) Purged(name, key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.state(name).purged[key]
	return ok
}

// Snapshot returns the full state, purge ledger included, as a delta.
func (d *Doc) Snapshot() *Delta {
	d.mu.Lock()
	defer d.mu.Unlock()
	snap := &Delta{Origin: d.replica, Maps: make(map[string]MapDelta, len(d.maps))}
	for name, st := range d.maps {
		md := MapDelta{Records: make(map[string]Record, len(st.records)), Purges: make(map[string]Purge, len(st.purged))}
		for k, r := range st.records {
			md.Records[k] = r.clone()
		}
		for k, p := range st.purged {
			md.Purges[k] = p
		}
		snap.Maps[name] = md
	}
	return snap
}

// Extract returns the current state of the given keys as a delta: the record
// if it exists, its purge if it was purged, nothing otherwise. Returns nil
// when none of the keys is known.
func (d *Doc) Extract(keys map[string][]string) *Delta {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := &Delta{Origin: d.replica}
	for name, ks := range keys {
		st, ok := d.maps[name]
		if !ok {
			continue
		}
		for _, k := range ks {
			if r, ok := st.records[k]; ok {
				out.mapDelta(name).Records[k] = r.clone()
			} else if p, ok := st.purged[k]; ok {
				out.mapDelta(name).Purges[k] = p
			}
		}
	}
	if out.Empty() {
		return nil
	}
	return out
}

// Encode returns the snapshot in canonical CBOR. Equal states encode to
// equal bytes.
func (d *Doc) Encode() ([]byte, error) {
	return EncodeDelta(d.Snapshot())
}

// Decode merges an encoded snapshot or delta into the doc.
func (d *Doc) Decode(data []byte) (Change, error) {
	delta, err := DecodeDelta(data)
	if err != nil {
		return Change{}, err
	}
	return d.Apply(delta), nil
}
