// Package boardsync is a local-first collaborative board: sticky notes and a
// shared calendar that every participant edits offline and that converge
// once peers reconnect.
//
// # Rooms and sessions
//
// A [Client] opens one [session.Session] per room and actor. [Client.CreateRoom]
// makes the actor the owner of a room nobody has claimed yet;
// [Client.JoinRoom] opens a room the actor was invited to. Sessions are
// reference counted, so opening the same room twice returns the same
// session until both callers [Client.Release] it.
//
// Mutations ([session.Session.Create], [session.Session.Update],
// [session.Session.Delete]) validate the raw JSON payload, apply to the
// local replica and return without waiting for the network. Subscribe with
// [session.Session.OnChange], or build a render model with
// [github.com/boardsync/boardsync/pkg/projection].
//
// # Transports and caches
//
// The websocket transport talks to the relay in
// [github.com/boardsync/boardsync/contrib/relay]. The durable cache keeps
// the room on disk with SQLite so a restarted client can work offline. Both
// have in-memory versions for tests, selected with [config.TransportConfig]
// and [config.CacheConfig].
package boardsync
