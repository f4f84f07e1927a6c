package boardsync

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/boardsync/boardsync/pkg/cache"
	memcache "github.com/boardsync/boardsync/pkg/cache/memory"
	"github.com/boardsync/boardsync/pkg/cache/sqlite"
	"github.com/boardsync/boardsync/pkg/config"
	"github.com/boardsync/boardsync/pkg/constants"
	"github.com/boardsync/boardsync/pkg/logger"
	"github.com/boardsync/boardsync/pkg/presence"
	"github.com/boardsync/boardsync/pkg/replicated"
	"github.com/boardsync/boardsync/pkg/session"
	"github.com/boardsync/boardsync/pkg/timezone"
	"github.com/boardsync/boardsync/pkg/transport"
	"github.com/boardsync/boardsync/pkg/transport/gorillaws"
	memtransport "github.com/boardsync/boardsync/pkg/transport/memory"
)

// Option customizes a Client.
type Option func(*Client)

// WithLogger replaces the logger the config describes.
func WithLogger(l logger.Logger) Option {
	return func(c *Client) {
		c.log = l
	}
}

// WithReleaser sets the hook that frees the assets of deleted notes.
func WithReleaser(r session.AssetReleaser) Option {
	return func(c *Client) {
		c.releaser = r
	}
}

// WithPresence sets the entry every session announces once synced.
func WithPresence(e presence.Entry) Option {
	return func(c *Client) {
		c.presence = &e
	}
}

// WithHub connects "memory" transports to hub instead of a private one, so
// several clients in one process can share rooms.
func WithHub(hub *memtransport.Hub) Option {
	return func(c *Client) {
		c.hub = hub
	}
}

// WithBacking stores "memory" caches in b, so a later client can reload
// them.
func WithBacking(b *memcache.Backing) Option {
	return func(c *Client) {
		c.backing = b
	}
}

// Client owns the sessions of one process.
type Client struct {
	cfg      *config.Config
	log      logger.Logger
	closer   io.Closer
	tz       *timezone.Engine
	registry *session.Registry
	releaser session.AssetReleaser
	presence *presence.Entry

	hub     *memtransport.Hub
	backing *memcache.Backing

	mu     sync.Mutex
	closed bool
}

// New returns a client configured by cfg. A nil cfg uses config.Default.
func New(cfg *config.Config, opts ...Option) (*Client, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Client{cfg: cfg, registry: session.NewRegistry()}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		log, closer, err := cfg.NewLogger()
		if err != nil {
			return nil, err
		}
		c.log, c.closer = log, closer
	}
	if c.hub == nil {
		c.hub = memtransport.NewHub(c.log)
	}
	if c.backing == nil {
		c.backing = memcache.NewBacking()
	}
	c.tz = timezone.NewEngine(cfg.Session.Timezone, c.log).WithAmbiguity(cfg.Ambiguity())
	return c, nil
}

// FromFile loads the config at path and returns a client for it.
func FromFile(path string, opts ...Option) (*Client, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return New(cfg, opts...)
}

// Config returns the client's configuration.
func (c *Client) Config() *config.Config {
	return c.cfg
}

// CreateRoom opens roomID for actorID and makes actorID its owner if the
// room has no members yet. The session is still initializing when it is
// returned; use Ready to wait.
func (c *Client) CreateRoom(ctx context.Context, roomID, actorID string) (*session.Session, error) {
	return c.open(ctx, roomID, actorID, true)
}

// JoinRoom opens roomID for actorID without claiming it.
func (c *Client) JoinRoom(ctx context.Context, roomID, actorID string) (*session.Session, error) {
	return c.open(ctx, roomID, actorID, false)
}

func (c *Client) open(ctx context.Context, roomID, actorID string, claim bool) (*session.Session, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, constants.ErrSessionClosed
	}
	if roomID == "" {
		return nil, constants.ErrNoRoomID
	}
	if actorID == "" {
		return nil, constants.ErrNoActorID
	}
	return c.registry.Acquire(ctx, roomID, actorID, func() (*session.Session, error) {
		return c.newSession(roomID, actorID, claim)
	})
}

func (c *Client) newSession(roomID, actorID string, claim bool) (*session.Session, error) {
	replica := replicated.NewReplicaID()
	tr, err := c.newTransport(roomID, replica)
	if err != nil {
		return nil, err
	}
	store, err := c.newCache()
	if err != nil {
		_ = tr.Close(context.Background())
		return nil, err
	}

	s := c.cfg.Session
	sess, err := session.New(session.Options{
		Room:              roomID,
		Actor:             actorID,
		Replica:           replica,
		Transport:         tr,
		Cache:             store,
		Claim:             claim,
		Limits:            c.cfg.ValidationLimits(),
		Timezone:          c.tz,
		Releaser:          c.releaser,
		Presence:          c.presence,
		GraceWindow:       s.GraceWindow.Duration,
		SweepInterval:     s.SweepInterval.Duration,
		PurgeRetention:    c.cfg.PurgeRetention(),
		DebounceWindow:    s.DebounceWindow.Duration,
		EchoWindow:        s.EchoWindow.Duration,
		InitRetryDelay:    s.InitRetryDelay.Duration,
		InitMaxAttempts:   s.InitMaxAttempts,
		CompactEvery:      s.CompactEvery,
		PresenceHeartbeat: c.cfg.Presence.Heartbeat.Duration,
		PresenceTimeout:   c.cfg.Presence.Timeout.Duration,
		Logger:            c.log,
	})
	if err != nil {
		_ = tr.Close(context.Background())
		_ = store.Close()
		return nil, err
	}
	c.log.Info("boardsync: opened room", "room", roomID, "actor", actorID, "replica", replica, "claim", claim)
	return sess, nil
}

func (c *Client) newTransport(roomID, replica string) (transport.Transport, error) {
	t := c.cfg.Transport
	switch t.Kind {
	case "memory":
		return c.hub.Join(roomID, replica), nil
	case "websocket":
		retryer := transport.NewExponentialBackoffRetryer()
		if t.ReconnectInitial.Duration > 0 {
			retryer.InitialDelay = t.ReconnectInitial.Duration
		}
		if t.ReconnectMax.Duration > 0 {
			retryer.MaxDelay = t.ReconnectMax.Duration
		}
		return gorillaws.New(t.URL, roomID,
			gorillaws.WithPeer(replica),
			gorillaws.WithRetryer(retryer),
			gorillaws.WithLogger(c.log),
		)
	default:
		return nil, fmt.Errorf("%w: transport kind %q", constants.ErrValidation, t.Kind)
	}
}

func (c *Client) newCache() (cache.Cache, error) {
	switch c.cfg.Cache.Kind {
	case "memory":
		return memcache.New(c.backing), nil
	case "sqlite":
		return sqlite.Open(c.cfg.Cache.Path)
	default:
		return nil, fmt.Errorf("%w: cache kind %q", constants.ErrValidation, c.cfg.Cache.Kind)
	}
}

// Release gives back a session obtained from CreateRoom or JoinRoom. The
// last release destroys it; its cached data stays.
func (c *Client) Release(roomID, actorID string) error {
	_, err := c.registry.Release(roomID, actorID)
	return err
}

// Rooms returns how many sessions are open.
func (c *Client) Rooms() int {
	return c.registry.Len()
}

// Close destroys every session and releases the log output.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	err := c.registry.Close()
	if c.closer != nil {
		if cerr := c.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
