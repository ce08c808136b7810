// Package server is the coordination side: auth, presence, the per-user
// signaling endpoint, matchmaking and the peer-to-peer event relay.
package server

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/valiyev-777/Speaking/internal/domain"
	"github.com/valiyev-777/Speaking/internal/protocol"
)

type hubEntry struct {
	User   *domain.User
	Conn   *WsConn
	Cancel context.CancelFunc
}

// Hub tracks the one live signaling connection per authenticated user.
type Hub struct {
	mu      sync.RWMutex
	clients map[domain.UserID]*hubEntry
}

func NewHub() *Hub {
	return &Hub{clients: make(map[domain.UserID]*hubEntry)}
}

// Bind registers a connection for the user, displacing any previous one
// (one channel per identity).
func (h *Hub) Bind(uid domain.UserID, user *domain.User, conn *WsConn, cancel context.CancelFunc) {
	h.mu.Lock()
	prev := h.clients[uid]
	h.clients[uid] = &hubEntry{User: user, Conn: conn, Cancel: cancel}
	h.mu.Unlock()

	if prev != nil {
		if prev.Cancel != nil {
			prev.Cancel()
		}
		prev.Conn.Close()
		log.Warn().Str("module", "server.hub").Str("uid", string(uid)).Msg("displaced previous connection")
	}
	log.Info().Str("module", "server.hub").Str("uid", string(uid)).Msg("client bound")
}

// Unbind removes the user's entry if it still refers to conn; a newer
// connection's binding is left alone.
func (h *Hub) Unbind(uid domain.UserID, conn *WsConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if e, ok := h.clients[uid]; ok && e.Conn == conn {
		delete(h.clients, uid)
		log.Info().Str("module", "server.hub").Str("uid", string(uid)).Msg("client unbound")
	}
}

func (h *Hub) Get(uid domain.UserID) (*domain.User, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	e, ok := h.clients[uid]
	if !ok {
		return nil, false
	}
	return e.User, true
}

// SendTo delivers an event to a connected user. Best effort: a missing
// or backpressured client is logged, not an error for the caller.
func (h *Hub) SendTo(uid domain.UserID, ev protocol.Event) bool {
	h.mu.RLock()
	e, ok := h.clients[uid]
	h.mu.RUnlock()
	if !ok {
		log.Debug().Str("module", "server.hub").Str("uid", string(uid)).Str("type", string(ev.Type)).Msg("target not connected")
		return false
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Str("module", "server.hub").Msg("marshal event")
		return false
	}
	if err := e.Conn.TrySend(raw); err != nil {
		log.Warn().Err(err).Str("module", "server.hub").Str("uid", string(uid)).Msg("send failed")
		return false
	}
	return true
}

func (h *Hub) OnlineCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) OnlineUsers() []domain.User {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]domain.User, 0, len(h.clients))
	for _, e := range h.clients {
		out = append(out, *e.User)
	}
	return out
}
