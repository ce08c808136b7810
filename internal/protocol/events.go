// Package protocol defines the signaling events exchanged between the
// Speaking client and the coordination server. Every message is a JSON
// envelope with a type discriminator and an optional payload.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/valiyev-777/Speaking/internal/domain"
)

type Type string

const (
	TypeJoinQueue   Type = "join_queue"
	TypeLeaveQueue  Type = "leave_queue"
	TypeQueueJoined Type = "queue_joined"
	TypeQueueLeft   Type = "queue_left"
	TypeMatched     Type = "matched"

	TypeOffer        Type = "offer"
	TypeAnswer       Type = "answer"
	TypeICECandidate Type = "ice_candidate"

	TypeEndSession   Type = "end_session"
	TypeSessionEnded Type = "session_ended"

	TypeChat Type = "chat"

	TypePing Type = "ping"
	TypePong Type = "pong"

	TypeInvitePartner  Type = "invite_partner"
	TypeInviteResponse Type = "invite_response"
	TypePartnerInvite  Type = "partner_invite"
	TypeInviteSent     Type = "invite_sent"
	TypeInviteRejected Type = "invite_rejected"
	TypeInviteError    Type = "invite_error"

	TypeError Type = "error"

	// TypeConnectionStatus is never sent on the wire. The channel
	// synthesizes it locally so listeners can track transport health
	// without polling.
	TypeConnectionStatus Type = "connection_status"
)

// Event is the wire envelope. Data holds the type-specific payload;
// FromUserID is stamped by the server when relaying peer-to-peer events.
type Event struct {
	Type       Type            `json:"type"`
	Data       json.RawMessage `json:"data,omitempty"`
	FromUserID string          `json:"from_user_id,omitempty"`
	Message    string          `json:"message,omitempty"`
	Timestamp  string          `json:"timestamp,omitempty"`
}

// DecodeData unmarshals the payload into v.
func (e Event) DecodeData(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s: empty payload", e.Type)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("%s: %w", e.Type, err)
	}
	return nil
}

// Encode builds an event with payload marshaled into Data.
func Encode(t Type, payload any) (Event, error) {
	ev := Event{Type: t}
	if payload == nil {
		return ev, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s: %w", t, err)
	}
	ev.Data = raw
	return ev, nil
}

type JoinQueuePayload struct {
	Mode        domain.QueueMode `json:"mode"`
	LevelFilter *float64         `json:"level_filter,omitempty"`
}

type QueueJoinedPayload struct {
	Mode                 domain.QueueMode `json:"mode"`
	LevelFilter          *float64         `json:"level_filter,omitempty"`
	EstimatedWaitSeconds int              `json:"estimated_wait_seconds"`
}

type MatchedPayload struct {
	PartnerID       string  `json:"partner_id"`
	PartnerUsername string  `json:"partner_username"`
	PartnerLevel    float64 `json:"partner_level"`
	RoomID          string  `json:"room_id"`
	SessionID       string  `json:"session_id"`
	IsInitiator     bool    `json:"is_initiator"`
}

// Session converts the payload into the client-side session record.
func (p MatchedPayload) Session() *domain.Session {
	return &domain.Session{
		ID:              domain.SessionID(p.SessionID),
		RoomID:          domain.RoomID(p.RoomID),
		PartnerID:       domain.UserID(p.PartnerID),
		PartnerUsername: p.PartnerUsername,
		PartnerLevel:    p.PartnerLevel,
		IsInitiator:     p.IsInitiator,
	}
}

// SignalPayload wraps offer/answer/ice_candidate events. Outbound it
// carries the target user; the server relays the inner Data unchanged
// and stamps the sender into the envelope's from_user_id.
type SignalPayload struct {
	TargetUserID string          `json:"target_user_id"`
	Data         json.RawMessage `json:"data"`
}

// CandidateData is the inner payload of an ice_candidate event.
type CandidateData struct {
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

type EndSessionPayload struct {
	SessionID string `json:"session_id"`
}

type SessionEndedPayload struct {
	SessionID string `json:"session_id,omitempty"`
}

type ChatPayload struct {
	TargetUserID string `json:"target_user_id"`
	Message      string `json:"message"`
}

type InvitePartnerPayload struct {
	PartnerUserID string `json:"partner_user_id"`
}

type InviteResponsePayload struct {
	InviterUserID string `json:"inviter_user_id"`
	Accepted      bool   `json:"accepted"`
}

type PartnerInvitePayload struct {
	FromUsername string  `json:"from_username"`
	FromLevel    float64 `json:"from_level"`
}

// ConnectionStatusPayload is local-only, see TypeConnectionStatus.
type ConnectionStatusPayload struct {
	Connected bool `json:"connected"`
}

// EncodeSignal builds an offer/answer/ice_candidate envelope addressed
// to a partner.
func EncodeSignal(t Type, target domain.UserID, inner any) (Event, error) {
	raw, err := json.Marshal(inner)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s: %w", t, err)
	}
	return Encode(t, SignalPayload{TargetUserID: string(target), Data: raw})
}

// NewOffer addresses a session description offer to a partner.
func NewOffer(target domain.UserID, sdp webrtc.SessionDescription) (Event, error) {
	return EncodeSignal(TypeOffer, target, sdp)
}

// NewAnswer addresses a session description answer to a partner.
func NewAnswer(target domain.UserID, sdp webrtc.SessionDescription) (Event, error) {
	return EncodeSignal(TypeAnswer, target, sdp)
}

// NewCandidate addresses a discovered ICE candidate to a partner.
func NewCandidate(target domain.UserID, cand webrtc.ICECandidateInit) (Event, error) {
	return EncodeSignal(TypeICECandidate, target, CandidateData{Candidate: cand})
}
