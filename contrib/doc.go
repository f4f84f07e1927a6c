// Package contrib holds programs and servers built on boardsync that are
// not part of the client library.
//
// [github.com/boardsync/boardsync/contrib/relay] is the room fan-out server
// the websocket transport connects to, and contrib/relay/cmd/boardrelay
// runs it as a standalone binary.
package contrib
