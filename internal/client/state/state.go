// Package state holds the shared session state the UI observes. Only
// the signaling channel, match coordinator and peer controller mutate
// it; the UI subscribes for snapshots.
package state

import (
	"sync"

	"github.com/valiyev-777/Speaking/internal/client/rtc"
	"github.com/valiyev-777/Speaking/internal/domain"
)

// Phase mirrors the match coordinator's top-level state.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseQueued    Phase = "queued"
	PhaseInSession Phase = "in_session"
)

type Snapshot struct {
	Connected  bool
	Phase      Phase
	Queue      *domain.QueueMembership
	Session    *domain.Session
	PeerStatus rtc.Status
	MicEnabled bool
	Chat       []domain.ChatMessage
	// Notice carries transient user-facing messages (invite results,
	// permission errors); cleared by the next update that sets one.
	Notice string
}

type Store struct {
	mu   sync.Mutex
	snap Snapshot
	subs map[int]func(Snapshot)
	next int
}

func NewStore() *Store {
	return &Store{
		snap: Snapshot{Phase: PhaseIdle, MicEnabled: true},
		subs: make(map[int]func(Snapshot)),
	}
}

// Subscribe registers fn for every state change and returns a handle.
// Safe to call from inside a callback.
func (s *Store) Subscribe(fn func(Snapshot)) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	s.subs[s.next] = fn
	return s.next
}

func (s *Store) Unsubscribe(handle int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, handle)
}

func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copyLocked()
}

// Update applies fn under the store lock and notifies subscribers with
// the resulting snapshot.
func (s *Store) Update(fn func(*Snapshot)) {
	s.mu.Lock()
	fn(&s.snap)
	snap := s.copyLocked()
	subs := make([]func(Snapshot), 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub(snap)
	}
}

func (s *Store) AppendChat(msg domain.ChatMessage) {
	s.Update(func(snap *Snapshot) {
		snap.Chat = append(snap.Chat, msg)
	})
}

func (s *Store) copyLocked() Snapshot {
	snap := s.snap
	if len(s.snap.Chat) > 0 {
		snap.Chat = append([]domain.ChatMessage(nil), s.snap.Chat...)
	}
	return snap
}
