package relay_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boardsync/boardsync/contrib/relay"
	memcache "github.com/boardsync/boardsync/pkg/cache/memory"
	"github.com/boardsync/boardsync/pkg/models"
	"github.com/boardsync/boardsync/pkg/session"
	"github.com/boardsync/boardsync/pkg/transport"
	"github.com/boardsync/boardsync/pkg/transport/gorillaws"
)

const waitFor = 5 * time.Second

func startRelay(t *testing.T) (*relay.Server, string) {
	t.Helper()
	r := relay.New(relay.Options{})
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		r.Close()
		srv.Close()
	})
	return r, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url, room, peer string) *gorillaws.Transport {
	t.Helper()
	tr, err := gorillaws.New(url, room, gorillaws.WithPeer(peer))
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, tr.Connect(ctx))
	t.Cleanup(func() { _ = tr.Close(context.Background()) })
	return tr
}

func TestRelayFansOutWithinRoom(t *testing.T) {
	r, url := startRelay(t)
	a := dial(t, url, "r1", "a")
	b := dial(t, url, "r1", "b")
	other := dial(t, url, "r2", "c")

	require.Eventually(t, func() bool {
		return r.Peers("r1") == 2 && r.Peers("r2") == 1
	}, waitFor, 10*time.Millisecond)

	ctx := context.Background()
	require.NoError(t, a.Broadcast(ctx, transport.Envelope{Kind: transport.KindSyncRequest, From: "a"}))

	select {
	case env := <-b.Messages():
		assert.Equal(t, transport.KindSyncRequest, env.Kind)
		assert.Equal(t, "a", env.From)
		assert.Equal(t, "r1", env.Room)
	case <-time.After(waitFor):
		t.Fatal("b did not receive the envelope")
	}

	select {
	case env := <-a.Messages():
		t.Fatalf("sender got its own envelope back: %+v", env)
	case env := <-other.Messages():
		t.Fatalf("other room got the envelope: %+v", env)
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, b.Close(ctx))
	require.Eventually(t, func() bool { return r.Peers("r1") == 1 }, waitFor, 10*time.Millisecond)
}

func TestRelayHealth(t *testing.T) {
	r := relay.New(relay.Options{})
	srv := httptest.NewServer(r)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	dial(t, url, "r1", "a")
	require.Eventually(t, func() bool { return r.Peers("r1") == 1 }, waitFor, 10*time.Millisecond)

	res, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	var body struct {
		Status string `json:"status"`
		Rooms  int    `json:"rooms"`
		Peers  int    `json:"peers"`
	}
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 1, body.Rooms)
	assert.Equal(t, 1, body.Peers)

	res2, err := http.Get(srv.URL + "/rooms")
	require.NoError(t, err)
	defer res2.Body.Close()
	var rooms map[string]int
	require.NoError(t, json.NewDecoder(res2.Body).Decode(&rooms))
	assert.Equal(t, map[string]int{"r1": 1}, rooms)

	res3, err := http.Get(srv.URL + "/nope")
	require.NoError(t, err)
	res3.Body.Close()
	assert.Equal(t, http.StatusNotFound, res3.StatusCode)

	r.Close()
	res4, err := http.Get(srv.URL + "/rooms/r1")
	require.NoError(t, err)
	res4.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, res4.StatusCode)
}

// Two sessions converge through the relay over real websockets.
func TestSessionsSyncThroughRelay(t *testing.T) {
	_, url := startRelay(t)

	open := func(actor string, claim bool) *session.Session {
		replica := actor + "-replica"
		tr, err := gorillaws.New(url, "board", gorillaws.WithPeer(replica))
		require.NoError(t, err)
		s, err := session.New(session.Options{
			Room:           "board",
			Actor:          actor,
			Replica:        replica,
			Transport:      tr,
			Cache:          memcache.New(nil),
			Claim:          claim,
			DebounceWindow: 10 * time.Millisecond,
		})
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Destroy() })
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		require.NoError(t, s.Ready(ctx))
		return s
	}

	alice := open("alice", true)
	require.NoError(t, alice.AddCollaborator("bob", models.PermissionEditor))
	alice.Flush()
	bob := open("bob", false)
	require.Eventually(t, func() bool {
		return bob.HasPermission("bob", models.PermissionEditor)
	}, waitFor, 10*time.Millisecond)

	id, err := bob.Create("text", []byte(`{"kind":"text","content":{"type":"text","text":"via relay"}}`))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, ok := alice.Note(id)
		return ok
	}, waitFor, 10*time.Millisecond)
	n, _ := alice.Note(id)
	assert.Equal(t, "bob", n.CreatedBy)
	assert.Equal(t, &models.TextContent{Text: "via relay"}, n.Content)
}
