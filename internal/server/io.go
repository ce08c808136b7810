package server

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/valiyev-777/Speaking/internal/domain"
)

// Frame is a raw outbound payload.
type Frame []byte

var ErrBackpressure = errors.New("backpressure")

type WsConn struct {
	conn *websocket.Conn
	send chan Frame

	mu     sync.RWMutex
	closed bool
}

func NewWsConn(conn *websocket.Conn) *WsConn {
	return &WsConn{
		conn: conn,
		send: make(chan Frame, 32),
	}
}

func (c *WsConn) TrySend(f Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *WsConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

func (ctl *SignalController) writePump(ctx context.Context, c *WsConn) {
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "server.signal").Msg("writePump ctx done")
			return
		case data, ok := <-c.send:
			if !ok {
				log.Warn().Str("module", "server.signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				log.Error().Err(err).Str("module", "server.signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "server.signal").Msg("writePump write error")
				return
			}
		}
	}
}

func (ctl *SignalController) readPump(ctx context.Context, uid domain.UserID, c *WsConn) {
	defer func() {
		log.Info().Str("module", "server.signal").Str("uid", string(uid)).Msg("readPump closing")
		ctl.onDisconnect(uid, c)
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "server.signal").Str("uid", string(uid)).Msg("readPump ctx done")
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				log.Info().Err(err).Str("module", "server.signal").Str("uid", string(uid)).Msg("readPump read error")
				return
			}
			ctl.handleSignal(uid, c, data)
		}
	}
}

func (ctl *SignalController) sendJSON(c *WsConn, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "server.signal").Msg("sendJSON marshal")
		return
	}
	_ = c.TrySend(b)
}
