// Package codec holds the binary encoding shared by the replicated document,
// the transport envelopes and presence messages.
package codec

// Codec encodes values to bytes and back.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, dst any) error
}
