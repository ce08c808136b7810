// Package match owns queue membership and the transition from
// searching to matched to in-session. It turns inbound queue/match
// events into session lifecycle calls on the peer controller.
package match

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/valiyev-777/Speaking/internal/client/state"
	"github.com/valiyev-777/Speaking/internal/domain"
	"github.com/valiyev-777/Speaking/internal/protocol"
)

type State int

const (
	StateIdle State = iota
	StateQueued
	StateInSession
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateQueued:
		return "queued"
	case StateInSession:
		return "in_session"
	}
	return "unknown"
}

var (
	ErrNotIdle      = errors.New("match: busy, leave the queue or end the session first")
	ErrNotQueued    = errors.New("match: not in queue")
	ErrNotInSession = errors.New("match: no active session")
)

// Sender is the outbound signaling surface.
type Sender interface {
	Send(protocol.Event) error
}

// SessionController is the peer session lifecycle the coordinator
// drives; implemented by rtc.Controller.
type SessionController interface {
	Start(ctx context.Context, session *domain.Session) error
	HandleOffer(from domain.UserID, sdp webrtc.SessionDescription)
	HandleAnswer(from domain.UserID, sdp webrtc.SessionDescription)
	HandleCandidate(from domain.UserID, cand webrtc.ICECandidateInit)
	End()
}

// Coordinator is the queue/match state machine:
// Idle -> Queued -> InSession -> Idle. QueueMembership and Session are
// owned here exclusively and are never both non-nil.
type Coordinator struct {
	sender     Sender
	controller SessionController
	store      *state.Store

	mu      sync.Mutex
	state   State
	queue   *domain.QueueMembership
	session *domain.Session

	// gen invalidates the asynchronous session start armed by
	// handleMatched; every teardown increments it, so a start racing a
	// teardown either never runs or undoes itself.
	gen uint64
}

func NewCoordinator(sender Sender, controller SessionController, store *state.Store) *Coordinator {
	return &Coordinator{
		sender:     sender,
		controller: controller,
		store:      store,
		state:      StateIdle,
	}
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) Session() *domain.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *Coordinator) Queue() *domain.QueueMembership {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queue
}

// JoinQueue requests a match. The local transition to Queued is
// optimistic; the server's queue_joined event is authoritative.
func (c *Coordinator) JoinQueue(mode domain.QueueMode, filterLevel *float64) error {
	if err := mode.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return ErrNotIdle
	}
	membership := &domain.QueueMembership{
		Mode:        mode,
		FilterLevel: filterLevel,
		JoinedAt:    time.Now(),
	}
	c.state = StateQueued
	c.queue = membership
	c.mu.Unlock()

	ev, err := protocol.Encode(protocol.TypeJoinQueue, protocol.JoinQueuePayload{
		Mode:        mode,
		LevelFilter: filterLevel,
	})
	if err == nil {
		err = c.sender.Send(ev)
	}
	if err != nil {
		c.mu.Lock()
		c.state = StateIdle
		c.queue = nil
		c.mu.Unlock()
		return err
	}

	c.publish()
	log.Info().Str("module", "match").Str("mode", string(mode)).Msg("joined queue")
	return nil
}

// LeaveQueue abandons the wait. Optimistic as well; queue_left confirms.
func (c *Coordinator) LeaveQueue() error {
	c.mu.Lock()
	if c.state != StateQueued {
		c.mu.Unlock()
		return ErrNotQueued
	}
	c.state = StateIdle
	c.queue = nil
	c.mu.Unlock()

	_ = c.sender.Send(protocol.Event{Type: protocol.TypeLeaveQueue})
	c.publish()
	log.Info().Str("module", "match").Msg("left queue")
	return nil
}

// EndSession ends the active session from this side and tears down the
// peer connection.
func (c *Coordinator) EndSession() error {
	c.mu.Lock()
	if c.state != StateInSession || c.session == nil {
		c.mu.Unlock()
		return ErrNotInSession
	}
	sid := c.session.ID
	c.state = StateIdle
	c.session = nil
	c.gen++
	c.mu.Unlock()

	ev, _ := protocol.Encode(protocol.TypeEndSession, protocol.EndSessionPayload{SessionID: string(sid)})
	_ = c.sender.Send(ev)
	c.controller.End()
	c.publish()
	log.Info().Str("module", "match").Str("sid", string(sid)).Msg("ended session")
	return nil
}

// InvitePartner asks the server to offer a direct session to an online
// partner; the resulting matched event flows through the normal path.
func (c *Coordinator) InvitePartner(partnerID domain.UserID) error {
	ev, err := protocol.Encode(protocol.TypeInvitePartner, protocol.InvitePartnerPayload{
		PartnerUserID: string(partnerID),
	})
	if err != nil {
		return err
	}
	return c.sender.Send(ev)
}

// RespondInvite accepts or rejects a partner_invite.
func (c *Coordinator) RespondInvite(inviterID domain.UserID, accepted bool) error {
	ev, err := protocol.Encode(protocol.TypeInviteResponse, protocol.InviteResponsePayload{
		InviterUserID: string(inviterID),
		Accepted:      accepted,
	})
	if err != nil {
		return err
	}
	return c.sender.Send(ev)
}

// HandleEvent is the coordinator's signaling listener.
func (c *Coordinator) HandleEvent(ev protocol.Event) {
	switch ev.Type {
	case protocol.TypeConnectionStatus:
		var p protocol.ConnectionStatusPayload
		if err := ev.DecodeData(&p); err != nil {
			return
		}
		c.store.Update(func(s *state.Snapshot) { s.Connected = p.Connected })

	case protocol.TypeQueueJoined:
		c.handleQueueJoined(ev)

	case protocol.TypeQueueLeft:
		c.mu.Lock()
		if c.state == StateQueued {
			c.state = StateIdle
			c.queue = nil
		}
		c.mu.Unlock()
		c.publish()

	case protocol.TypeMatched:
		var p protocol.MatchedPayload
		if err := ev.DecodeData(&p); err != nil {
			log.Error().Err(err).Str("module", "match").Msg("bad matched payload")
			return
		}
		c.handleMatched(p)

	case protocol.TypeSessionEnded:
		c.handleSessionEnded()

	case protocol.TypeOffer:
		var sdp webrtc.SessionDescription
		if err := ev.DecodeData(&sdp); err != nil {
			log.Error().Err(err).Str("module", "match").Msg("bad offer payload")
			return
		}
		c.controller.HandleOffer(domain.UserID(ev.FromUserID), sdp)

	case protocol.TypeAnswer:
		var sdp webrtc.SessionDescription
		if err := ev.DecodeData(&sdp); err != nil {
			log.Error().Err(err).Str("module", "match").Msg("bad answer payload")
			return
		}
		c.controller.HandleAnswer(domain.UserID(ev.FromUserID), sdp)

	case protocol.TypeICECandidate:
		var p protocol.CandidateData
		if err := ev.DecodeData(&p); err != nil {
			log.Error().Err(err).Str("module", "match").Msg("bad candidate payload")
			return
		}
		c.controller.HandleCandidate(domain.UserID(ev.FromUserID), p.Candidate)

	case protocol.TypePartnerInvite:
		var p protocol.PartnerInvitePayload
		if err := ev.DecodeData(&p); err != nil {
			return
		}
		c.store.Update(func(s *state.Snapshot) {
			s.Notice = p.FromUsername + " invited you to a session"
		})

	case protocol.TypeInviteSent, protocol.TypeInviteRejected, protocol.TypeInviteError:
		c.store.Update(func(s *state.Snapshot) { s.Notice = ev.Message })

	case protocol.TypeError:
		log.Warn().Str("module", "match").Str("message", ev.Message).Msg("server error")
		c.store.Update(func(s *state.Snapshot) { s.Notice = ev.Message })
	}
}

func (c *Coordinator) handleQueueJoined(ev protocol.Event) {
	var p protocol.QueueJoinedPayload
	if err := ev.DecodeData(&p); err != nil {
		log.Error().Err(err).Str("module", "match").Msg("bad queue_joined payload")
		return
	}
	c.mu.Lock()
	if c.state != StateQueued || c.queue == nil {
		// Late confirmation after leave or match; the authoritative
		// state already moved on.
		c.mu.Unlock()
		return
	}
	// Reconcile the optimistic membership with the server's view.
	c.queue.Mode = p.Mode
	c.queue.FilterLevel = p.LevelFilter
	c.mu.Unlock()
	c.publish()
	log.Info().Str("module", "match").Int("estimated_wait_seconds", p.EstimatedWaitSeconds).Msg("queue confirmed")
}

// handleMatched moves to InSession and starts the peer session. A match
// arriving while already in session fully tears down the previous peer
// link first; negotiation state never straddles two sessions.
func (c *Coordinator) handleMatched(p protocol.MatchedPayload) {
	c.mu.Lock()
	if c.session != nil {
		c.controller.End()
	}
	sess := p.Session()
	c.queue = nil
	c.session = sess
	c.state = StateInSession
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	c.publish()
	log.Info().
		Str("module", "match").
		Str("sid", string(sess.ID)).
		Str("partner", sess.PartnerUsername).
		Bool("initiator", sess.IsInitiator).
		Msg("matched")

	// Capture acquisition may block on a permission prompt; keep the
	// signaling read loop free. The generation check pins the start to
	// this session: if a teardown lands first the start never runs, and
	// if one lands while Start is in flight the result is undone.
	go func() {
		c.mu.Lock()
		stale := gen != c.gen
		c.mu.Unlock()
		if stale {
			return
		}
		err := c.controller.Start(context.Background(), sess)
		c.mu.Lock()
		stale = gen != c.gen
		c.mu.Unlock()
		if stale {
			c.controller.End()
			return
		}
		if err != nil {
			log.Error().Err(err).Str("module", "match").Msg("session start failed")
			c.store.Update(func(s *state.Snapshot) { s.Notice = err.Error() })
		}
	}()
}

// handleSessionEnded serves the partner-initiated end; same teardown as
// EndSession minus the outbound event.
func (c *Coordinator) handleSessionEnded() {
	c.mu.Lock()
	if c.session == nil {
		c.mu.Unlock()
		return
	}
	sid := c.session.ID
	c.state = StateIdle
	c.session = nil
	c.gen++
	c.mu.Unlock()

	c.controller.End()
	c.publish()
	log.Info().Str("module", "match").Str("sid", string(sid)).Msg("session ended by partner")
}

// publish mirrors coordinator state into the observable store.
func (c *Coordinator) publish() {
	c.mu.Lock()
	st, queue, sess := c.state, c.queue, c.session
	c.mu.Unlock()

	c.store.Update(func(s *state.Snapshot) {
		switch st {
		case StateIdle:
			s.Phase = state.PhaseIdle
		case StateQueued:
			s.Phase = state.PhaseQueued
		case StateInSession:
			s.Phase = state.PhaseInSession
		}
		s.Queue = queue
		s.Session = sess
		if sess == nil {
			// Chat and the mute state are session-scoped.
			s.Chat = nil
			s.MicEnabled = true
		}
	})
}
