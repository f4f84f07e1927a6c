// Package transport is the network boundary between a session and its
// peers. A Transport moves opaque envelopes; it never decodes document state.
//
// Delivery is at-least-eventually: envelopes can be dropped while
// disconnected or duplicated on reconnect. The session recovers both through
// the sync handshake and idempotent delta application.
package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/boardsync/boardsync/internal/codec"
)

// Kind tells the receiver how to read an envelope's payload.
type Kind string

const (
	// KindDelta carries an encoded replicated.Delta.
	KindDelta Kind = "delta"
	// KindSyncRequest asks every peer for its full state. No payload.
	KindSyncRequest Kind = "sync-request"
	// KindSyncState answers a sync request with a full snapshot delta.
	KindSyncState Kind = "sync-state"
	// KindPresence carries an encoded presence.Message.
	KindPresence Kind = "presence"
)

func (k Kind) Valid() bool {
	switch k {
	case KindDelta, KindSyncRequest, KindSyncState, KindPresence:
		return true
	}
	return false
}

// Envelope is the unit a transport carries.
type Envelope struct {
	Kind    Kind            `cbor:"k"`
	Room    string          `cbor:"room"`
	From    string          `cbor:"from"`
	Payload cbor.RawMessage `cbor:"p,omitempty"`
}

// Encode returns the canonical CBOR form of env.
func Encode(env Envelope) ([]byte, error) {
	return codec.Default().Marshal(env)
}

// Decode parses an envelope and rejects unknown kinds.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := codec.Default().Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if !env.Kind.Valid() {
		return Envelope{}, fmt.Errorf("decode envelope: unknown kind %q", env.Kind)
	}
	return env, nil
}

// Status is the connection state a transport reports.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Transport is what a session needs from the network.
type Transport interface {
	// Connect starts the transport. It returns once the first connection
	// attempt has succeeded or failed.
	Connect(ctx context.Context) error

	// Broadcast sends env to every other peer of the room. It fails with
	// constants.ErrNotConnected while disconnected.
	Broadcast(ctx context.Context, env Envelope) error

	// Messages streams inbound envelopes. It is closed by Close.
	Messages() <-chan Envelope

	// Status streams connection changes. Only the latest unread status is
	// kept, so a slow reader always sees the current one.
	Status() <-chan Status

	// Close disconnects and releases resources. Calling it twice is a no-op.
	Close(ctx context.Context) error
}

// StatusFeed is a latest-value status channel shared by the transports.
type StatusFeed struct {
	mu      sync.Mutex
	ch      chan Status
	current Status
	closed  bool
}

func NewStatusFeed() *StatusFeed {
	return &StatusFeed{ch: make(chan Status, 1)}
}

// C returns the channel readers receive from.
func (f *StatusFeed) C() <-chan Status {
	return f.ch
}

// Current returns the last published status.
func (f *StatusFeed) Current() Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

// Publish records s and replaces any status nobody has read yet.
// Repeating the current status is ignored.
func (f *StatusFeed) Publish(s Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || s == f.current {
		return
	}
	f.current = s
	select {
	case <-f.ch:
	default:
	}
	f.ch <- s
}

// Close closes the channel. Later publishes are dropped.
func (f *StatusFeed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	close(f.ch)
}
