package domain

import (
	"errors"
	"time"
)

type (
	SessionID string
	RoomID    string
)

// QueueMode selects the matchmaking policy a user waits under.
type QueueMode string

const (
	ModeRoulette    QueueMode = "roulette"
	ModeLevelFilter QueueMode = "level_filter"
)

var ErrUnknownQueueMode = errors.New("unknown queue mode")

func (m QueueMode) Validate() error {
	switch m {
	case ModeRoulette, ModeLevelFilter:
		return nil
	}
	return ErrUnknownQueueMode
}

// Session describes one matched pairing as seen from one side.
// Exactly one side has IsInitiator set; that side creates the offer.
type Session struct {
	ID              SessionID
	RoomID          RoomID
	PartnerID       UserID
	PartnerUsername string
	PartnerLevel    float64
	IsInitiator     bool
}

// QueueMembership exists only while a user awaits a match.
// It is mutually exclusive with an active Session.
type QueueMembership struct {
	Mode        QueueMode
	FilterLevel *float64
	JoinedAt    time.Time
}

type ChatSender string

const (
	ChatSenderSelf    ChatSender = "self"
	ChatSenderPartner ChatSender = "partner"
)

// ChatMessage is ephemeral, held only for the life of a session view.
type ChatMessage struct {
	ID        string
	Sender    ChatSender
	Text      string
	Timestamp time.Time
}
