// Package relay is the fan-out hub boards synchronize through. Every binary
// frame a peer sends on /rooms/{room} is forwarded, unchanged, to the other
// peers connected to the same room. The relay never decodes frames, so it
// holds no document state and needs no upgrade when the document format
// changes.
//
// The websocket side is implemented with the `gws` library and routed with
// gorilla/mux.
package relay

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/lxzan/gws"

	"github.com/boardsync/boardsync/pkg/constants"
	"github.com/boardsync/boardsync/pkg/logger"
	"github.com/boardsync/boardsync/pkg/transport/gorillaws"
)

const (
	sessionRoom = "room"
	sessionPeer = "peer"
)

// Options configure a Server.
type Options struct {
	// ReadLimit caps the size of one inbound frame.
	ReadLimit int
	// WriteTimeout bounds a forward to one peer.
	WriteTimeout time.Duration
	Logger       logger.Logger
}

// Server is an http.Handler serving the relay routes.
type Server struct {
	opts     Options
	log      logger.Logger
	router   *mux.Router
	upgrader *gws.Upgrader

	mu     sync.RWMutex
	rooms  map[string]map[*gws.Conn]struct{}
	closed bool
}

// handler implements gws.Event for relay connections.
type handler struct {
	server *Server
}

func New(opts Options) *Server {
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = 4 << 20
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	s := &Server{
		opts:  opts,
		log:   logger.OrDiscard(opts.Logger),
		rooms: make(map[string]map[*gws.Conn]struct{}),
	}
	s.upgrader = gws.NewUpgrader(&handler{server: s}, &gws.ServerOption{
		ReadMaxPayloadSize: opts.ReadLimit,
		SubProtocols:       []string{gorillaws.Subprotocol},
		Authorize: func(r *http.Request, session gws.SessionStorage) bool {
			room := mux.Vars(r)["room"]
			if room == "" {
				return false
			}
			session.Store(sessionRoom, room)
			session.Store(sessionPeer, r.URL.Query().Get("peer"))
			return true
		},
	})

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/rooms", s.handleRooms).Methods(http.MethodGet)
	r.HandleFunc("/rooms/{room}", s.handleRoom).Methods(http.MethodGet)
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleRoom(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		http.Error(w, "relay shutting down", http.StatusServiceUnavailable)
		return
	}
	socket, err := s.upgrader.Upgrade(w, r)
	if err != nil {
		s.log.Debug("relay: upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	go socket.ReadLoop()
}

type health struct {
	Status string `json:"status"`
	Rooms  int    `json:"rooms"`
	Peers  int    `json:"peers"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	rooms := s.Rooms()
	h := health{Status: "ok", Rooms: len(rooms)}
	for _, n := range rooms {
		h.Peers += n
	}
	writeJSON(w, h)
}

func (s *Server) handleRooms(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.Rooms())
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// Peers returns how many peers are connected to room.
func (s *Server) Peers(room string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rooms[room])
}

// Rooms returns the peer count of every open room.
func (s *Server) Rooms() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int, len(s.rooms))
	for room, peers := range s.rooms {
		out[room] = len(peers)
	}
	return out
}

func roomOf(socket *gws.Conn) string {
	v, _ := socket.Session().Load(sessionRoom)
	room, _ := v.(string)
	return room
}

func peerOf(socket *gws.Conn) string {
	v, _ := socket.Session().Load(sessionPeer)
	peer, _ := v.(string)
	return peer
}

func (h *handler) OnOpen(socket *gws.Conn) {
	room := roomOf(socket)
	h.server.mu.Lock()
	peers, ok := h.server.rooms[room]
	if !ok {
		peers = make(map[*gws.Conn]struct{})
		h.server.rooms[room] = peers
	}
	peers[socket] = struct{}{}
	n := len(peers)
	h.server.mu.Unlock()
	h.server.log.Info("relay: peer joined", "room", room, "peer", peerOf(socket), "peers", n)
}

func (h *handler) OnClose(socket *gws.Conn, err error) {
	room := roomOf(socket)
	h.server.mu.Lock()
	if peers, ok := h.server.rooms[room]; ok {
		delete(peers, socket)
		if len(peers) == 0 {
			delete(h.server.rooms, room)
		}
	}
	n := len(h.server.rooms[room])
	h.server.mu.Unlock()
	if err != nil && !isClosedError(err) {
		h.server.log.Debug("relay: connection closed", "room", room, "peer", peerOf(socket), "error", err)
	}
	h.server.log.Info("relay: peer left", "room", room, "peer", peerOf(socket), "peers", n)
}

func (h *handler) OnPing(socket *gws.Conn, payload []byte) {
	if err := socket.WritePong(payload); err != nil {
		h.server.log.Debug("relay: cannot write pong", "error", err)
	}
}

func (h *handler) OnPong(*gws.Conn, []byte) {}

// OnMessage forwards a binary frame to the rest of the room. Text frames are
// not part of the protocol and are dropped.
func (h *handler) OnMessage(socket *gws.Conn, message *gws.Message) {
	defer message.Close()
	if message.Opcode != gws.OpcodeBinary {
		h.server.log.Debug("relay: dropping non-binary frame", "opcode", message.Opcode)
		return
	}
	// The message buffer is recycled on Close; forwards outlive it.
	payload := append([]byte(nil), message.Bytes()...)
	room := roomOf(socket)

	h.server.mu.RLock()
	targets := make([]*gws.Conn, 0, len(h.server.rooms[room]))
	for peer := range h.server.rooms[room] {
		if peer != socket {
			targets = append(targets, peer)
		}
	}
	h.server.mu.RUnlock()

	for _, peer := range targets {
		peer := peer
		_ = peer.SetWriteDeadline(time.Now().Add(h.server.opts.WriteTimeout))
		peer.WriteAsync(gws.OpcodeBinary, payload, func(err error) {
			if err != nil {
				h.server.log.Warn("relay: forward failed", "room", room, "peer", peerOf(peer), "error", err)
			}
		})
	}
}

// Close disconnects every peer with a normal closure. New upgrades are
// refused afterwards.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	var conns []*gws.Conn
	rooms := make([]string, 0, len(s.rooms))
	for room, peers := range s.rooms {
		rooms = append(rooms, room)
		for c := range peers {
			conns = append(conns, c)
		}
	}
	s.mu.Unlock()

	sort.Strings(rooms)
	s.log.Info("relay: closing", "rooms", rooms, "peers", len(conns))
	for _, c := range conns {
		c.WriteClose(constants.CloseMessageCode, []byte("relay shutting down"))
	}
}

// ListenAndServe serves on addr until ctx is done, then closes every peer
// and shuts the HTTP server down.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: s, ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	s.log.Info("relay: listening", "addr", ln.Addr().String())

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	s.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func isClosedError(err error) bool {
	var ce *gws.CloseError
	if errors.As(err, &ce) {
		return ce.Code == constants.CloseMessageCode
	}
	return errors.Is(err, net.ErrClosed)
}
