package replicated

import (
	"sort"

	"github.com/fxamacker/cbor/v2"

	"github.com/boardsync/boardsync/internal/codec"
)

// Field is one stamped value of a record.
type Field struct {
	Value cbor.RawMessage `cbor:"v"`
	Stamp Stamp           `cbor:"s"`
}

// Record is one key of a map. Birth identifies the incarnation: two replicas
// that create the same key independently produce records with different
// births, and the policy decides which incarnation survives.
type Record struct {
	Birth  Stamp            `cbor:"b"`
	Fields map[string]Field `cbor:"f"`
}

// Has reports whether the record carries field.
func (r Record) Has(field string) bool {
	_, ok := r.Fields[field]
	return ok
}

// Decode decodes field into dst. It reports false when the field is absent.
func (r Record) Decode(field string, dst any) (bool, error) {
	f, ok := r.Fields[field]
	if !ok {
		return false, nil
	}
	return true, codec.Default().Unmarshal(f.Value, dst)
}

// Updated returns the latest field stamp.
func (r Record) Updated() Stamp {
	latest := r.Birth
	for _, f := range r.Fields {
		if f.Stamp.After(latest) {
			latest = f.Stamp
		}
	}
	return latest
}

// FieldNames returns the field names in order.
func (r Record) FieldNames() []string {
	names := make([]string, 0, len(r.Fields))
	for name := range r.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r Record) clone() Record {
	fields := make(map[string]Field, len(r.Fields))
	for k, v := range r.Fields {
		fields[k] = v
	}
	return Record{Birth: r.Birth, Fields: fields}
}

func fieldEqual(a, b Field) bool {
	return a.Stamp == b.Stamp && string(a.Value) == string(b.Value)
}
