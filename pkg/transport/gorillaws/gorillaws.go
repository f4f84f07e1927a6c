// Package gorillaws is a websocket Transport built on gorilla/websocket.
// It connects to a relay at <base>/rooms/<room>, exchanges binary CBOR
// envelopes, and reconnects with a Retryer after the connection drops.
package gorillaws

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	gorilla "github.com/gorilla/websocket"

	"github.com/boardsync/boardsync/pkg/constants"
	"github.com/boardsync/boardsync/pkg/logger"
	"github.com/boardsync/boardsync/pkg/transport"
)

// Subprotocol is negotiated with the relay.
const Subprotocol = "boardsync.cbor"

// DefaultDialer is gorilla's default dialer with compression enabled and the
// boardsync subprotocol requested.
var DefaultDialer = &gorilla.Dialer{
	Proxy:             gorilla.DefaultDialer.Proxy,
	HandshakeTimeout:  gorilla.DefaultDialer.HandshakeTimeout,
	EnableCompression: true,
	Subprotocols:      []string{Subprotocol},
}

type Option func(t *Transport)

func WithDialer(d *gorilla.Dialer) Option {
	return func(t *Transport) { t.dialer = d }
}

// WithRetryer replaces the reconnect policy. The default is
// transport.NewExponentialBackoffRetryer().
func WithRetryer(r transport.Retryer) Option {
	return func(t *Transport) { t.retryer = r }
}

func WithLogger(l logger.Logger) Option {
	return func(t *Transport) { t.log = logger.OrDiscard(l) }
}

// WithPeer sends id to the relay as the peer query parameter, which the
// relay uses in its logs.
func WithPeer(id string) Option {
	return func(t *Transport) { t.peer = id }
}

func WithHeader(h http.Header) Option {
	return func(t *Transport) { t.header = h }
}

// WithInboxSize sets how many inbound envelopes are buffered.
func WithInboxSize(n int) Option {
	return func(t *Transport) { t.inboxSize = n }
}

type Transport struct {
	url       string
	room      string
	peer      string
	header    http.Header
	dialer    *gorilla.Dialer
	retryer   transport.Retryer
	log       logger.Logger
	inboxSize int

	// connLock guards conn. It is held for single reads of the pointer and
	// for writes, never across a dial.
	connLock sync.Mutex
	conn     *gorilla.Conn

	inbox  chan transport.Envelope
	status *transport.StatusFeed

	// dropped wakes the reconnect loop.
	dropped chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
	closed  bool
}

var _ transport.Transport = (*Transport)(nil)

// New validates baseURL and returns a Transport for room. It does not dial.
func New(baseURL, room string, opts ...Option) (*Transport, error) {
	if room == "" {
		return nil, constants.ErrNoRoomID
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("gorillaws: parse url: %w", err)
	}
	if u.Scheme != constants.WebsocketScheme && u.Scheme != constants.WebsocketSecureScheme {
		return nil, fmt.Errorf("gorillaws: unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/rooms/" + room
	u.RawPath = ""

	t := &Transport{
		room:      room,
		dialer:    DefaultDialer,
		retryer:   transport.NewExponentialBackoffRetryer(),
		log:       logger.Discard(),
		inboxSize: 256,
		status:    transport.NewStatusFeed(),
		dropped:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.peer != "" {
		q := u.Query()
		q.Set("peer", t.peer)
		u.RawQuery = q.Encode()
	}
	t.url = u.String()
	t.inbox = make(chan transport.Envelope, t.inboxSize)
	t.ctx, t.cancel = context.WithCancel(context.Background())
	return t, nil
}

// URL returns the address the transport dials.
func (t *Transport) URL() string {
	return t.url
}

// Connect dials the relay. After the first call, lost connections are
// re-established in the background.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return constants.ErrTransportClosed
	}
	if !t.started {
		t.started = true
		t.wg.Add(1)
		go t.reconnectLoop()
	}
	t.mu.Unlock()

	if t.connected() {
		return nil
	}
	return t.dial(ctx)
}

func (t *Transport) connected() bool {
	t.connLock.Lock()
	defer t.connLock.Unlock()
	return t.conn != nil
}

func (t *Transport) dial(ctx context.Context) error {
	t.status.Publish(transport.StatusConnecting)

	conn, res, err := t.dialer.DialContext(ctx, t.url, t.header)
	if err != nil {
		t.status.Publish(transport.StatusDisconnected)
		return fmt.Errorf("%w: dial %s: %v", constants.ErrTransport, t.url, err)
	}
	defer res.Body.Close()

	t.connLock.Lock()
	if t.ctx.Err() != nil {
		t.connLock.Unlock()
		_ = conn.Close()
		return constants.ErrTransportClosed
	}
	t.conn = conn
	t.wg.Add(1)
	t.connLock.Unlock()

	go t.readLoop(conn)

	t.status.Publish(transport.StatusConnected)
	t.log.Debug("gorillaws: connected", "url", t.url)
	return nil
}

// drop forgets conn if it is still current and wakes the reconnect loop.
func (t *Transport) drop(conn *gorilla.Conn, cause error) {
	t.connLock.Lock()
	if t.conn != conn {
		t.connLock.Unlock()
		return
	}
	t.conn = nil
	t.connLock.Unlock()

	_ = conn.Close()
	if t.ctx.Err() != nil {
		return
	}
	t.log.Warn("gorillaws: connection lost", "url", t.url, "error", cause)
	t.status.Publish(transport.StatusDisconnected)
	select {
	case t.dropped <- struct{}{}:
	default:
	}
}

func (t *Transport) readLoop(conn *gorilla.Conn) {
	defer t.wg.Done()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) && !gorilla.IsCloseError(err, gorilla.CloseNormalClosure) {
				t.log.Debug("gorillaws: read failed", "error", err)
			}
			t.drop(conn, err)
			return
		}
		env, err := transport.Decode(data)
		if err != nil {
			t.log.Warn("gorillaws: dropping undecodable message", "error", err)
			continue
		}
		select {
		case t.inbox <- env:
		case <-t.ctx.Done():
			return
		}
	}
}

func (t *Transport) reconnectLoop() {
	defer t.wg.Done()
	for {
		select {
		case <-t.ctx.Done():
			return
		case <-t.dropped:
		}

		var lastErr error
		for attempt := 0; ; attempt++ {
			delay, ok := t.retryer.NextDelay(attempt, lastErr)
			if !ok {
				t.log.Error("gorillaws: giving up reconnecting", "url", t.url, "attempts", attempt, "error", lastErr)
				break
			}
			select {
			case <-t.ctx.Done():
				return
			case <-time.After(delay):
			}
			if lastErr = t.dial(t.ctx); lastErr == nil {
				t.retryer.Reset()
				break
			}
			t.log.Debug("gorillaws: reconnect failed", "attempt", attempt, "error", lastErr)
		}
	}
}

// Broadcast writes env as one binary message. The relay forwards it to the
// other peers of the room.
func (t *Transport) Broadcast(ctx context.Context, env transport.Envelope) error {
	if t.ctx.Err() != nil {
		return constants.ErrTransportClosed
	}
	env.Room = t.room
	data, err := transport.Encode(env)
	if err != nil {
		return err
	}

	t.connLock.Lock()
	conn := t.conn
	if conn == nil {
		t.connLock.Unlock()
		return constants.ErrNotConnected
	}
	deadline, hasDeadline := ctx.Deadline()
	if hasDeadline {
		_ = conn.SetWriteDeadline(deadline)
	}
	err = conn.WriteMessage(gorilla.BinaryMessage, data)
	if hasDeadline {
		_ = conn.SetWriteDeadline(time.Time{})
	}
	t.connLock.Unlock()

	if err != nil {
		t.drop(conn, err)
		return fmt.Errorf("%w: write: %v", constants.ErrTransport, err)
	}
	return nil
}

func (t *Transport) Messages() <-chan transport.Envelope {
	return t.inbox
}

func (t *Transport) Status() <-chan transport.Status {
	return t.status.C()
}

// Close sends a close frame, bounded by ctx, then closes the socket and
// waits for the background goroutines.
func (t *Transport) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.cancel()

	t.connLock.Lock()
	conn := t.conn
	t.conn = nil
	t.connLock.Unlock()

	var err error
	if conn != nil {
		// The close frame tells the relay we left on purpose. A failed write
		// still closes the socket locally.
		if deadline, ok := ctx.Deadline(); ok {
			_ = conn.SetWriteDeadline(deadline)
		}
		msg := gorilla.FormatCloseMessage(constants.CloseMessageCode, "")
		if werr := conn.WriteMessage(gorilla.CloseMessage, msg); werr != nil {
			t.log.Debug("gorillaws: failed to write close message", "error", werr)
		}
		err = conn.Close()
	}

	t.wg.Wait()
	t.status.Publish(transport.StatusDisconnected)
	t.status.Close()
	close(t.inbox)
	return err
}
