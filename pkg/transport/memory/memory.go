// Package memory is an in-process transport. A Hub stands in for the relay:
// every envelope a peer broadcasts is delivered to the other connected peers
// of the same room.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/boardsync/boardsync/pkg/constants"
	"github.com/boardsync/boardsync/pkg/logger"
	"github.com/boardsync/boardsync/pkg/transport"
)

// DefaultInboxSize is how many undelivered envelopes a peer buffers before
// the hub starts dropping.
const DefaultInboxSize = 1024

type Hub struct {
	mu    sync.Mutex
	rooms map[string]map[*Transport]struct{}
	log   logger.Logger
}

func NewHub(log logger.Logger) *Hub {
	return &Hub{rooms: make(map[string]map[*Transport]struct{}), log: logger.OrDiscard(log)}
}

// Join returns a transport for peer in room. It is not connected until
// Connect is called.
func (h *Hub) Join(room, peer string) *Transport {
	return &Transport{
		hub:    h,
		room:   room,
		peer:   peer,
		inbox:  make(chan transport.Envelope, DefaultInboxSize),
		status: transport.NewStatusFeed(),
	}
}

// Peers returns how many transports are connected to room.
func (h *Hub) Peers(room string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[room])
}

func (h *Hub) attach(t *Transport) {
	h.mu.Lock()
	defer h.mu.Unlock()
	peers, ok := h.rooms[t.room]
	if !ok {
		peers = make(map[*Transport]struct{})
		h.rooms[t.room] = peers
	}
	peers[t] = struct{}{}
}

func (h *Hub) detach(t *Transport) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.rooms[t.room], t)
	if len(h.rooms[t.room]) == 0 {
		delete(h.rooms, t.room)
	}
}

// deliver holds the hub lock for the whole fan-out so no inbox is closed
// while it is being written.
func (h *Hub) deliver(from *Transport, env transport.Envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for t := range h.rooms[from.room] {
		if t == from {
			continue
		}
		select {
		case t.inbox <- env:
		default:
			h.log.Warn("memory: inbox full, dropping envelope", "room", t.room, "peer", t.peer, "kind", env.Kind)
		}
	}
}

// Transport is one peer's connection to a Hub.
type Transport struct {
	hub  *Hub
	room string
	peer string

	mu        sync.Mutex
	connected bool
	closed    bool
	failNext  int

	inbox  chan transport.Envelope
	status *transport.StatusFeed
}

var _ transport.Transport = (*Transport)(nil)

// FailNext makes the next n Connect calls fail with ErrTransport.
func (t *Transport) FailNext(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failNext = n
}

func (t *Transport) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return constants.ErrTransportClosed
	}
	if t.failNext > 0 {
		t.failNext--
		return fmt.Errorf("%w: memory hub refused %s", constants.ErrTransport, t.peer)
	}
	if t.connected {
		return nil
	}
	t.status.Publish(transport.StatusConnecting)
	t.hub.attach(t)
	t.connected = true
	t.status.Publish(transport.StatusConnected)
	return nil
}

// Disconnect simulates a network drop. Connect can be called again.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return
	}
	t.hub.detach(t)
	t.connected = false
	t.status.Publish(transport.StatusDisconnected)
}

func (t *Transport) Broadcast(ctx context.Context, env transport.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	connected, closed := t.connected, t.closed
	t.mu.Unlock()
	if closed {
		return constants.ErrTransportClosed
	}
	if !connected {
		return constants.ErrNotConnected
	}
	env.Room = t.room
	t.hub.deliver(t, env)
	return nil
}

func (t *Transport) Messages() <-chan transport.Envelope {
	return t.inbox
}

func (t *Transport) Status() <-chan transport.Status {
	return t.status.C()
}

func (t *Transport) Close(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if t.connected {
		t.hub.detach(t)
		t.connected = false
		t.status.Publish(transport.StatusDisconnected)
	}
	close(t.inbox)
	t.status.Close()
	return nil
}
