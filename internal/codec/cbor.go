package codec

import (
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// CBOR is the wire codec for deltas, snapshots and transport envelopes.
// Encoding is canonical so equal states encode to equal bytes.
type CBOR struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

var (
	defaultCBOR     *CBOR
	defaultCBOROnce sync.Once
)

// Default returns the shared CBOR codec.
func Default() *CBOR {
	defaultCBOROnce.Do(func() {
		c, err := NewCBOR()
		if err != nil {
			panic(fmt.Sprintf("BUG: codec: invalid CBOR options: %v", err))
		}
		defaultCBOR = c
	})
	return defaultCBOR
}

func NewCBOR() (*CBOR, error) {
	enc, err := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		Time:          cbor.TimeRFC3339Nano,
		TimeTag:       cbor.EncTagNone,
		ShortestFloat: cbor.ShortestFloat16,
	}.EncMode()
	if err != nil {
		return nil, err
	}
	dec, err := cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyEnforcedAPF,
		MaxMapPairs: 1 << 20,
	}.DecMode()
	if err != nil {
		return nil, err
	}
	return &CBOR{enc: enc, dec: dec}, nil
}

func (c *CBOR) Marshal(v any) ([]byte, error) {
	return c.enc.Marshal(v)
}

func (c *CBOR) Unmarshal(data []byte, dst any) error {
	return c.dec.Unmarshal(data, dst)
}

var _ Codec = (*CBOR)(nil)
