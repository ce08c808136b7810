// Package signaling maintains the client's single authenticated message
// channel to the coordination server. Inbound events are fanned out to
// registered listeners; outbound events are serialized onto the socket.
package signaling

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/valiyev-777/Speaking/internal/domain"
	"github.com/valiyev-777/Speaking/internal/protocol"
)

var ErrNotConnected = errors.New("signaling: not connected")

// Listener receives every inbound event, plus the synthetic
// connection_status events emitted on open and close.
type Listener func(protocol.Event)

type Options struct {
	// URL is the server base, e.g. "ws://localhost:8000".
	URL string
	// KeepAlivePeriod between ping events. Defaults to 30s.
	KeepAlivePeriod time.Duration
	// ReconnectDelay after an unexpected close. Fixed, not exponential;
	// the server tolerates eager clients and the original design kept
	// this flat. Defaults to 3s.
	ReconnectDelay time.Duration
	Dialer         *websocket.Dialer
}

// Channel is the process-wide signaling connection. One logical
// connection exists per authenticated identity; Connect is idempotent
// and Disconnect is terminal until the next Connect.
type Channel struct {
	opts Options

	mu        sync.Mutex
	conn      *websocket.Conn
	done      chan struct{}
	userID    domain.UserID
	token     string
	epoch     uint64
	reconnect *time.Timer

	listeners  map[int]Listener
	nextHandle int

	// writeMu serializes writes; gorilla allows one concurrent writer.
	writeMu sync.Mutex
}

func NewChannel(opts Options) *Channel {
	if opts.KeepAlivePeriod <= 0 {
		opts.KeepAlivePeriod = 30 * time.Second
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 3 * time.Second
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	return &Channel{
		opts:      opts,
		listeners: make(map[int]Listener),
	}
}

// AddListener registers fn for inbound events and returns a handle for
// RemoveListener. Both are safe to call from inside a listener callback.
func (c *Channel) AddListener(fn Listener) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextHandle++
	c.listeners[c.nextHandle] = fn
	return c.nextHandle
}

func (c *Channel) RemoveListener(handle int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.listeners, handle)
}

// Connect opens the transport for the given identity. No-op if already
// open. On failure the reconnect timer is armed, so a transient dial
// error still converges to a connection.
func (c *Channel) Connect(userID domain.UserID, token string) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		log.Debug().Str("module", "signaling").Msg("already connected")
		return nil
	}
	c.userID = userID
	c.token = token
	epoch := c.epoch
	c.mu.Unlock()

	return c.dial(epoch)
}

// Disconnect closes the transport and cancels the keep-alive and any
// pending reconnect. Terminal: no auto-reconnect until Connect again.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	c.epoch++
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
	hadConn := c.conn != nil
	if hadConn {
		c.closeConnLocked()
	}
	c.userID = ""
	c.token = ""
	c.mu.Unlock()

	if hadConn {
		log.Info().Str("module", "signaling").Msg("disconnected")
		c.broadcast(statusEvent(false))
	}
}

// Send writes an event to the server. Events are never buffered: if the
// transport is down the send is logged and reported, and the caller must
// re-issue after reconnection if it needs delivery.
func (c *Channel) Send(ev protocol.Event) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		log.Warn().Str("module", "signaling").Str("type", string(ev.Type)).Msg("send while not connected, dropped")
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return fmt.Errorf("signaling: set deadline: %w", err)
	}
	if err := conn.WriteJSON(ev); err != nil {
		log.Error().Err(err).Str("module", "signaling").Str("type", string(ev.Type)).Msg("write failed")
		return fmt.Errorf("signaling: write: %w", err)
	}
	return nil
}

// Connected reports transport status.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *Channel) UserID() domain.UserID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

func (c *Channel) dial(epoch uint64) error {
	c.mu.Lock()
	uid, token := c.userID, c.token
	c.mu.Unlock()

	endpoint := fmt.Sprintf("%s/ws/match/%s?token=%s",
		strings.TrimRight(c.opts.URL, "/"), uid, url.QueryEscape(token))

	conn, resp, err := c.opts.Dialer.Dial(endpoint, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	c.mu.Lock()
	if epoch != c.epoch {
		// Disconnect happened while dialing.
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return ErrNotConnected
	}
	if err != nil {
		c.scheduleReconnectLocked(epoch)
		c.mu.Unlock()
		log.Warn().Err(err).Str("module", "signaling").Msg("dial failed, retry scheduled")
		return fmt.Errorf("signaling: dial: %w", err)
	}
	if c.conn != nil {
		// A concurrent dial won; keep the existing transport.
		c.mu.Unlock()
		conn.Close()
		return nil
	}
	done := make(chan struct{})
	c.conn = conn
	c.done = done
	c.mu.Unlock()

	log.Info().Str("module", "signaling").Str("user_id", string(uid)).Msg("connected")
	go c.readLoop(conn, epoch)
	go c.keepAlive(done)
	c.broadcast(statusEvent(true))
	return nil
}

// closeConnLocked tears down the current transport. Caller holds mu.
func (c *Channel) closeConnLocked() {
	close(c.done)
	_ = c.conn.Close()
	c.conn = nil
	c.done = nil
}

// scheduleReconnectLocked arms the single reconnect timer. Caller holds
// mu. The epoch check makes a timer armed before Disconnect a no-op.
func (c *Channel) scheduleReconnectLocked(epoch uint64) {
	if c.reconnect != nil {
		return
	}
	c.reconnect = time.AfterFunc(c.opts.ReconnectDelay, func() {
		c.mu.Lock()
		c.reconnect = nil
		if epoch != c.epoch || c.conn != nil {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
		log.Info().Str("module", "signaling").Msg("reconnecting")
		_ = c.dial(epoch)
	})
}

func (c *Channel) readLoop(conn *websocket.Conn, epoch uint64) {
	for {
		var ev protocol.Event
		if err := conn.ReadJSON(&ev); err != nil {
			c.mu.Lock()
			notify := c.conn == conn && epoch == c.epoch
			if c.conn == conn {
				c.closeConnLocked()
			}
			if notify {
				// Unexpected drop, not a caller Disconnect.
				log.Warn().Err(err).Str("module", "signaling").Msg("connection lost")
				c.scheduleReconnectLocked(epoch)
			}
			c.mu.Unlock()
			if notify {
				c.broadcast(statusEvent(false))
			}
			return
		}
		c.broadcast(ev)
	}
}

func (c *Channel) keepAlive(done chan struct{}) {
	ticker := time.NewTicker(c.opts.KeepAlivePeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := c.Send(protocol.Event{Type: protocol.TypePing}); err != nil {
				return
			}
		}
	}
}

// broadcast fans an event out to a snapshot of the listener set, so
// listeners may add or remove listeners from inside the callback.
func (c *Channel) broadcast(ev protocol.Event) {
	c.mu.Lock()
	snapshot := make([]Listener, 0, len(c.listeners))
	for _, fn := range c.listeners {
		snapshot = append(snapshot, fn)
	}
	c.mu.Unlock()

	for _, fn := range snapshot {
		fn(ev)
	}
}

func statusEvent(connected bool) protocol.Event {
	ev, _ := protocol.Encode(protocol.TypeConnectionStatus, protocol.ConnectionStatusPayload{Connected: connected})
	return ev
}
