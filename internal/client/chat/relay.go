// Package chat is the stateless text pass-through scoped to the active
// session.
package chat

import (
	"time"

	"github.com/google/uuid"

	"github.com/valiyev-777/Speaking/internal/client/state"
	"github.com/valiyev-777/Speaking/internal/domain"
	"github.com/valiyev-777/Speaking/internal/protocol"
)

type Sender interface {
	Send(protocol.Event) error
}

type Relay struct {
	sender Sender
	store  *state.Store
}

func NewRelay(sender Sender, store *state.Store) *Relay {
	return &Relay{sender: sender, store: store}
}

// Send forwards a chat line to the partner. No acknowledgement exists;
// a nil return only means the transport accepted the write.
func (r *Relay) Send(target domain.UserID, text string) error {
	ev, err := protocol.Encode(protocol.TypeChat, protocol.ChatPayload{
		TargetUserID: string(target),
		Message:      text,
	})
	if err != nil {
		return err
	}
	if err := r.sender.Send(ev); err != nil {
		return err
	}
	r.store.AppendChat(domain.ChatMessage{
		ID:        uuid.NewString(),
		Sender:    domain.ChatSenderSelf,
		Text:      text,
		Timestamp: time.Now(),
	})
	return nil
}

// HandleEvent surfaces inbound chat lines keyed by sender.
func (r *Relay) HandleEvent(ev protocol.Event) {
	if ev.Type != protocol.TypeChat || ev.Message == "" {
		return
	}
	ts := time.Now()
	if ev.Timestamp != "" {
		if parsed, err := time.Parse(time.RFC3339, ev.Timestamp); err == nil {
			ts = parsed
		}
	}
	r.store.AppendChat(domain.ChatMessage{
		ID:        uuid.NewString(),
		Sender:    domain.ChatSenderPartner,
		Text:      ev.Message,
		Timestamp: ts,
	})
}
