package server

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/valiyev-777/Speaking/internal/domain"
	"github.com/valiyev-777/Speaking/internal/protocol"
)

// levelTolerance bounds level-filtered pairing: partners match when
// their requested levels are within half a band of each other.
const levelTolerance = 0.5

var ErrAlreadyQueued = errors.New("already in queue")

type queueEntry struct {
	UserID      domain.UserID
	Mode        domain.QueueMode
	FilterLevel *float64
	JoinedAt    time.Time
}

type activeSession struct {
	ID     domain.SessionID
	RoomID domain.RoomID
	Users  [2]domain.UserID
}

// Matchmaker owns the waiting queue and the active-session table. A
// periodic round pairs waiting users; the server, not the client, is
// the authority on match formation and session ids.
type Matchmaker struct {
	hub      *Hub
	users    *UserStore
	interval time.Duration

	mu       sync.Mutex
	queue    []*queueEntry
	sessions map[domain.SessionID]*activeSession
}

func NewMatchmaker(hub *Hub, users *UserStore, interval time.Duration) *Matchmaker {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Matchmaker{
		hub:      hub,
		users:    users,
		interval: interval,
		sessions: make(map[domain.SessionID]*activeSession),
	}
}

// Run drives matching rounds until ctx is canceled.
func (m *Matchmaker) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	log.Info().Str("module", "server.match").Dur("interval", m.interval).Msg("matchmaker started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "server.match").Msg("matchmaker stopped")
			return
		case <-ticker.C:
			m.MatchRound()
		}
	}
}

func (m *Matchmaker) Join(uid domain.UserID, mode domain.QueueMode, filterLevel *float64) error {
	if err := mode.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.queue {
		if e.UserID == uid {
			return ErrAlreadyQueued
		}
	}
	m.queue = append(m.queue, &queueEntry{
		UserID:      uid,
		Mode:        mode,
		FilterLevel: filterLevel,
		JoinedAt:    time.Now(),
	})
	log.Info().Str("module", "server.match").Str("uid", string(uid)).Str("mode", string(mode)).Int("queue_len", len(m.queue)).Msg("queued")
	return nil
}

func (m *Matchmaker) Leave(uid domain.UserID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeFromQueueLocked(uid)
}

func (m *Matchmaker) removeFromQueueLocked(uid domain.UserID) {
	for i, e := range m.queue {
		if e.UserID == uid {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			return
		}
	}
}

// MatchRound runs one pairing pass for both modes. Exposed for tests;
// Run calls it on the ticker.
func (m *Matchmaker) MatchRound() {
	m.mu.Lock()

	var roulette, filtered []*queueEntry
	for _, e := range m.queue {
		// A user whose transport dropped stays queued server-side only
		// briefly; skip them so their partner is not matched into a
		// dead session.
		if _, online := m.hub.Get(e.UserID); !online {
			continue
		}
		switch e.Mode {
		case domain.ModeRoulette:
			roulette = append(roulette, e)
		case domain.ModeLevelFilter:
			filtered = append(filtered, e)
		}
	}

	type pair struct{ a, b *queueEntry }
	var pairs []pair

	for len(roulette) >= 2 {
		pairs = append(pairs, pair{roulette[0], roulette[1]})
		roulette = roulette[2:]
	}

	matched := make(map[domain.UserID]bool)
	for i, e := range filtered {
		if matched[e.UserID] {
			continue
		}
		for _, other := range filtered[i+1:] {
			if matched[other.UserID] {
				continue
			}
			if math.Abs(levelOrDefault(e)-levelOrDefault(other)) <= levelTolerance {
				pairs = append(pairs, pair{e, other})
				matched[e.UserID] = true
				matched[other.UserID] = true
				break
			}
		}
	}

	for _, p := range pairs {
		m.removeFromQueueLocked(p.a.UserID)
		m.removeFromQueueLocked(p.b.UserID)
	}
	m.mu.Unlock()

	for _, p := range pairs {
		m.createMatch(p.a.UserID, p.b.UserID)
	}
}

func levelOrDefault(e *queueEntry) float64 {
	if e.FilterLevel != nil {
		return *e.FilterLevel
	}
	return 6.0
}

// CreateDirectSession pairs two users outside the queue (accepted
// partner invite). The inviter initiates the offer.
func (m *Matchmaker) CreateDirectSession(inviter, accepter domain.UserID) {
	m.createMatch(inviter, accepter)
}

func (m *Matchmaker) createMatch(initiator, responder domain.UserID) {
	u1, err1 := m.users.Get(initiator)
	u2, err2 := m.users.Get(responder)
	if err1 != nil || err2 != nil {
		log.Error().Str("module", "server.match").Msg("match with unknown user, dropped")
		return
	}

	sid := domain.SessionID(uuid.NewString())
	roomID := domain.RoomID("room_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12])

	m.mu.Lock()
	m.sessions[sid] = &activeSession{
		ID:     sid,
		RoomID: roomID,
		Users:  [2]domain.UserID{initiator, responder},
	}
	m.mu.Unlock()

	log.Info().
		Str("module", "server.match").
		Str("sid", string(sid)).
		Str("room", string(roomID)).
		Str("initiator", u1.Username).
		Str("responder", u2.Username).
		Msg("matched")

	m.notifyMatched(initiator, u2, sid, roomID, true)
	m.notifyMatched(responder, u1, sid, roomID, false)
}

func (m *Matchmaker) notifyMatched(to domain.UserID, partner *domain.User, sid domain.SessionID, roomID domain.RoomID, isInitiator bool) {
	ev, err := protocol.Encode(protocol.TypeMatched, protocol.MatchedPayload{
		PartnerID:       string(partner.ID),
		PartnerUsername: partner.Username,
		PartnerLevel:    partner.Level,
		RoomID:          string(roomID),
		SessionID:       string(sid),
		IsInitiator:     isInitiator,
	})
	if err != nil {
		log.Error().Err(err).Str("module", "server.match").Msg("encode matched")
		return
	}
	m.hub.SendTo(to, ev)
}

// EndSession closes an active session and tells the partner. The ender
// also receives the confirmation echo.
func (m *Matchmaker) EndSession(sid domain.SessionID, by domain.UserID) {
	m.mu.Lock()
	sess, ok := m.sessions[sid]
	if ok {
		delete(m.sessions, sid)
	}
	m.mu.Unlock()

	ended, _ := protocol.Encode(protocol.TypeSessionEnded, protocol.SessionEndedPayload{SessionID: string(sid)})
	if ok {
		partner := sess.Users[0]
		if partner == by {
			partner = sess.Users[1]
		}
		m.hub.SendTo(partner, ended)
		log.Info().Str("module", "server.match").Str("sid", string(sid)).Str("by", string(by)).Msg("session ended")
	}
	m.hub.SendTo(by, ended)
}

// DropUser removes a disconnected user from the queue and ends their
// sessions, so the partner learns about the disconnect server-side.
func (m *Matchmaker) DropUser(uid domain.UserID) {
	m.mu.Lock()
	m.removeFromQueueLocked(uid)
	var endedSessions []*activeSession
	for sid, sess := range m.sessions {
		if sess.Users[0] == uid || sess.Users[1] == uid {
			delete(m.sessions, sid)
			endedSessions = append(endedSessions, sess)
		}
	}
	m.mu.Unlock()

	for _, sess := range endedSessions {
		partner := sess.Users[0]
		if partner == uid {
			partner = sess.Users[1]
		}
		ev, _ := protocol.Encode(protocol.TypeSessionEnded, protocol.SessionEndedPayload{SessionID: string(sess.ID)})
		m.hub.SendTo(partner, ev)
		log.Info().Str("module", "server.match").Str("sid", string(sess.ID)).Str("uid", string(uid)).Msg("session ended by disconnect")
	}
}

// QueueLen is a test hook.
func (m *Matchmaker) QueueLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}
