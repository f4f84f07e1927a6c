package replicated

import (
	"fmt"

	"github.com/boardsync/boardsync/internal/codec"
	"github.com/boardsync/boardsync/pkg/constants"
)

// Txn stages writes that Transact applies together. Observers see all of a
// transaction's writes in one Change, never part of them.
type Txn struct {
	doc   *Doc
	delta *Delta
}

// Transact runs fn with the doc locked and applies what it staged as one
// local delta, which it returns. If fn fails nothing is applied. fn must not
// call other Doc or Map methods.
func (d *Doc) Transact(fn func(tx *Txn) error) (*Delta, error) {
	d.mu.Lock()
	tx := &Txn{doc: d, delta: &Delta{Origin: d.replica}}
	if err := fn(tx); err != nil {
		d.mu.Unlock()
		return nil, err
	}
	if tx.delta.Empty() {
		d.mu.Unlock()
		return nil, nil
	}
	change := d.merge(tx.delta, true)
	d.mu.Unlock()

	d.notify(tx.delta, change)
	return tx.delta, nil
}

// Get returns the record with the transaction's staged fields applied.
func (tx *Txn) Get(name, key string) (Record, bool) {
	committed, ok := tx.doc.state(name).records[key]
	staged, isStaged := tx.delta.Maps[name].Records[key]
	switch {
	case !ok && !isStaged:
		return Record{}, false
	case !isStaged:
		return committed.clone(), true
	case !ok:
		return staged.clone(), true
	}
	out := committed.clone()
	for f, v := range staged.Fields {
		out.Fields[f] = v
	}
	return out, true
}

// Keys returns the committed keys of map name.
func (tx *Txn) Keys(name string) []string {
	return sortedKeys(tx.doc.state(name).records)
}

// Set stamps and stages fields on key, creating the record if needed.
// Values are CBOR encoded.
func (tx *Txn) Set(name, key string, fields map[string]any) error {
	st := tx.doc.state(name)
	_, live := st.records[key]
	if _, gone := st.purged[key]; gone && !live {
		return fmt.Errorf("%w: %s/%s was purged", constants.ErrNotFound, name, key)
	}

	md := tx.delta.mapDelta(name)
	rec, staged := md.Records[key]
	if !staged {
		var birth Stamp
		if committed, ok := st.records[key]; ok {
			birth = committed.Birth
		} else {
			birth = tx.doc.clock.Next()
		}
		rec = Record{Birth: birth, Fields: make(map[string]Field, len(fields))}
	}

	for _, field := range sortedFieldNames(fields) {
		raw, err := codec.Default().Marshal(fields[field])
		if err != nil {
			return fmt.Errorf("failed to encode field %s of %s: %w", field, key, err)
		}
		rec.Fields[field] = Field{Value: raw, Stamp: tx.doc.clock.Next()}
	}
	md.Records[key] = rec
	return nil
}
