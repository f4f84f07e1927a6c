package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boardsync/boardsync/pkg/constants"
	"github.com/boardsync/boardsync/pkg/transport"
)

func TestHubFanOut(t *testing.T) {
	ctx := context.Background()
	hub := NewHub(nil)
	a, b, c := hub.Join("r1", "a"), hub.Join("r1", "b"), hub.Join("r2", "c")
	for _, tr := range []*Transport{a, b, c} {
		require.NoError(t, tr.Connect(ctx))
	}
	assert.Equal(t, 2, hub.Peers("r1"))

	require.NoError(t, a.Broadcast(ctx, transport.Envelope{Kind: transport.KindSyncRequest, From: "a"}))

	got := <-b.Messages()
	assert.Equal(t, transport.KindSyncRequest, got.Kind)
	assert.Equal(t, "r1", got.Room)
	assert.Empty(t, a.Messages(), "sender must not receive its own envelope")
	assert.Empty(t, c.Messages(), "other rooms must not receive it")
}

func TestDisconnectAndReconnect(t *testing.T) {
	ctx := context.Background()
	hub := NewHub(nil)
	a, b := hub.Join("r1", "a"), hub.Join("r1", "b")
	require.NoError(t, a.Connect(ctx))
	require.NoError(t, b.Connect(ctx))
	assert.Equal(t, transport.StatusConnected, <-a.Status())

	a.Disconnect()
	assert.Equal(t, transport.StatusDisconnected, <-a.Status())
	assert.ErrorIs(t, a.Broadcast(ctx, transport.Envelope{Kind: transport.KindDelta}), constants.ErrNotConnected)

	require.NoError(t, a.Connect(ctx))
	assert.Equal(t, transport.StatusConnected, <-a.Status())
	require.NoError(t, a.Broadcast(ctx, transport.Envelope{Kind: transport.KindDelta}))
	assert.Len(t, b.Messages(), 1)
}

func TestFailNext(t *testing.T) {
	ctx := context.Background()
	a := NewHub(nil).Join("r1", "a")
	a.FailNext(2)

	assert.ErrorIs(t, a.Connect(ctx), constants.ErrTransport)
	assert.ErrorIs(t, a.Connect(ctx), constants.ErrTransport)
	assert.NoError(t, a.Connect(ctx))
}

func TestClose(t *testing.T) {
	ctx := context.Background()
	hub := NewHub(nil)
	a := hub.Join("r1", "a")
	require.NoError(t, a.Connect(ctx))

	require.NoError(t, a.Close(ctx))
	require.NoError(t, a.Close(ctx))
	assert.Zero(t, hub.Peers("r1"))

	_, open := <-a.Messages()
	assert.False(t, open)
	assert.ErrorIs(t, a.Broadcast(ctx, transport.Envelope{Kind: transport.KindDelta}), constants.ErrTransportClosed)
	assert.ErrorIs(t, a.Connect(ctx), constants.ErrTransportClosed)
}
