package match

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/valiyev-777/Speaking/internal/client/state"
	"github.com/valiyev-777/Speaking/internal/domain"
	"github.com/valiyev-777/Speaking/internal/protocol"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []protocol.Event
	err  error
}

func (f *fakeSender) Send(ev protocol.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, ev)
	return nil
}

func (f *fakeSender) types() []protocol.Type {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]protocol.Type, len(f.sent))
	for i, ev := range f.sent {
		out[i] = ev.Type
	}
	return out
}

type fakeController struct {
	mu      sync.Mutex
	started []*domain.Session
	ended   int
	offers  []domain.UserID
	answers []domain.UserID
	cands   []domain.UserID

	// startEntered, when set, receives on every Start entry; startGate,
	// when set, holds Start open until closed.
	startEntered chan struct{}
	startGate    chan struct{}
}

func (f *fakeController) Start(_ context.Context, sess *domain.Session) error {
	f.mu.Lock()
	entered, gate := f.startEntered, f.startGate
	f.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, sess)
	return nil
}

func (f *fakeController) HandleOffer(from domain.UserID, _ webrtc.SessionDescription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offers = append(f.offers, from)
}

func (f *fakeController) HandleAnswer(from domain.UserID, _ webrtc.SessionDescription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, from)
}

func (f *fakeController) HandleCandidate(from domain.UserID, _ webrtc.ICECandidateInit) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cands = append(f.cands, from)
}

func (f *fakeController) End() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended++
}

func (f *fakeController) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.started)
}

func (f *fakeController) endCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ended
}

func newTestCoordinator() (*Coordinator, *fakeSender, *fakeController, *state.Store) {
	sender := &fakeSender{}
	controller := &fakeController{}
	store := state.NewStore()
	return NewCoordinator(sender, controller, store), sender, controller, store
}

func matchedEvent(t *testing.T, initiator bool) protocol.Event {
	t.Helper()
	ev, err := protocol.Encode(protocol.TypeMatched, protocol.MatchedPayload{
		PartnerID:       "partner-1",
		PartnerUsername: "dana",
		PartnerLevel:    6.5,
		RoomID:          "room_aaaabbbbcccc",
		SessionID:       "sess-1",
		IsInitiator:     initiator,
	})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return ev
}

func waitStarts(t *testing.T, ctl *fakeController, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if ctl.startCount() >= want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("controller starts = %d, want %d", ctl.startCount(), want)
}

func TestJoinQueueRequiresIdle(t *testing.T) {
	c, sender, _, _ := newTestCoordinator()

	if err := c.JoinQueue(domain.ModeRoulette, nil); err != nil {
		t.Fatalf("JoinQueue: %v", err)
	}
	if c.State() != StateQueued {
		t.Fatalf("state = %v", c.State())
	}
	if err := c.JoinQueue(domain.ModeRoulette, nil); err != ErrNotIdle {
		t.Fatalf("second join err = %v, want ErrNotIdle", err)
	}
	if got := sender.types(); len(got) != 1 || got[0] != protocol.TypeJoinQueue {
		t.Fatalf("sent = %v", got)
	}
}

func TestJoinQueueRevertsOnSendFailure(t *testing.T) {
	c, sender, _, _ := newTestCoordinator()
	sender.err = errors.New("transport down")

	if err := c.JoinQueue(domain.ModeRoulette, nil); err == nil {
		t.Fatal("expected send error")
	}
	if c.State() != StateIdle {
		t.Fatalf("state = %v, want idle after failed join", c.State())
	}
	if c.Queue() != nil {
		t.Fatal("queue membership survived failed join")
	}
}

func TestLeaveQueueOnlyWhenQueued(t *testing.T) {
	c, _, _, _ := newTestCoordinator()
	if err := c.LeaveQueue(); err != ErrNotQueued {
		t.Fatalf("err = %v, want ErrNotQueued", err)
	}
	if err := c.JoinQueue(domain.ModeRoulette, nil); err != nil {
		t.Fatalf("JoinQueue: %v", err)
	}
	if err := c.LeaveQueue(); err != nil {
		t.Fatalf("LeaveQueue: %v", err)
	}
	if c.State() != StateIdle {
		t.Fatalf("state = %v", c.State())
	}
}

func TestMatchedMovesToSessionAndStartsController(t *testing.T) {
	c, _, ctl, store := newTestCoordinator()
	if err := c.JoinQueue(domain.ModeLevelFilter, nil); err != nil {
		t.Fatalf("JoinQueue: %v", err)
	}

	c.HandleEvent(matchedEvent(t, true))

	if c.State() != StateInSession {
		t.Fatalf("state = %v", c.State())
	}
	if c.Queue() != nil {
		t.Fatal("queue membership and session both set")
	}
	sess := c.Session()
	if sess == nil || sess.PartnerUsername != "dana" || !sess.IsInitiator {
		t.Fatalf("session = %+v", sess)
	}
	waitStarts(t, ctl, 1)

	snap := store.Snapshot()
	if snap.Phase != state.PhaseInSession || snap.Session == nil {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestMatchedWhileInSessionTearsDownFirst(t *testing.T) {
	c, _, ctl, _ := newTestCoordinator()
	_ = c.JoinQueue(domain.ModeRoulette, nil)
	c.HandleEvent(matchedEvent(t, true))
	waitStarts(t, ctl, 1)

	before := ctl.endCount()
	c.HandleEvent(matchedEvent(t, false))
	waitStarts(t, ctl, 2)

	if ctl.endCount() < before+1 {
		t.Fatalf("previous session not ended before new start (ends %d -> %d)", before, ctl.endCount())
	}
	if sess := c.Session(); sess == nil || sess.IsInitiator {
		t.Fatalf("session = %+v, want responder side", sess)
	}
}

func TestSessionEndedByPartner(t *testing.T) {
	c, sender, ctl, store := newTestCoordinator()
	_ = c.JoinQueue(domain.ModeRoulette, nil)
	c.HandleEvent(matchedEvent(t, false))
	waitStarts(t, ctl, 1)

	c.HandleEvent(protocol.Event{Type: protocol.TypeSessionEnded})

	if c.State() != StateIdle {
		t.Fatalf("state = %v", c.State())
	}
	if ctl.endCount() < 1 {
		t.Fatalf("controller ends = %d, want at least 1", ctl.endCount())
	}
	// Partner-initiated end must not echo an end_session back.
	for _, typ := range sender.types() {
		if typ == protocol.TypeEndSession {
			t.Fatal("coordinator echoed end_session for a partner-initiated end")
		}
	}
	if snap := store.Snapshot(); snap.Chat != nil {
		t.Fatal("chat survived session end")
	}
}

func TestEndSessionSendsAndTearsDown(t *testing.T) {
	c, sender, ctl, _ := newTestCoordinator()
	if err := c.EndSession(); err != ErrNotInSession {
		t.Fatalf("err = %v, want ErrNotInSession", err)
	}
	_ = c.JoinQueue(domain.ModeRoulette, nil)
	c.HandleEvent(matchedEvent(t, true))
	waitStarts(t, ctl, 1)

	if err := c.EndSession(); err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	types := sender.types()
	if types[len(types)-1] != protocol.TypeEndSession {
		t.Fatalf("last sent = %v", types)
	}
	if ctl.endCount() < 1 {
		t.Fatalf("ends = %d", ctl.endCount())
	}
}

func TestEndSessionDuringStartUndoesTheStart(t *testing.T) {
	sender := &fakeSender{}
	ctl := &fakeController{
		startEntered: make(chan struct{}, 2),
		startGate:    make(chan struct{}),
	}
	store := state.NewStore()
	c := NewCoordinator(sender, ctl, store)
	_ = c.JoinQueue(domain.ModeRoulette, nil)

	c.HandleEvent(matchedEvent(t, true))
	<-ctl.startEntered

	// The user hangs up while capture acquisition is still in flight.
	if err := c.EndSession(); err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	endsAfterHangup := ctl.endCount()
	close(ctl.startGate)
	waitStarts(t, ctl, 1)

	// The late start belongs to a torn-down session and must undo itself.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && ctl.endCount() <= endsAfterHangup {
		time.Sleep(2 * time.Millisecond)
	}
	if ctl.endCount() <= endsAfterHangup {
		t.Fatalf("late start left peer state alive (ends = %d)", ctl.endCount())
	}
	if c.State() != StateIdle || c.Session() != nil {
		t.Fatalf("state = %v, want idle with no session", c.State())
	}
}

func TestSessionEndRestoresMicState(t *testing.T) {
	c, _, ctl, store := newTestCoordinator()
	_ = c.JoinQueue(domain.ModeRoulette, nil)
	c.HandleEvent(matchedEvent(t, false))
	waitStarts(t, ctl, 1)
	store.Update(func(s *state.Snapshot) { s.MicEnabled = false })

	c.HandleEvent(protocol.Event{Type: protocol.TypeSessionEnded})

	if !store.Snapshot().MicEnabled {
		t.Fatal("mute survived the session it was scoped to")
	}
}

func TestSignalEventsForwardToController(t *testing.T) {
	c, _, ctl, _ := newTestCoordinator()
	_ = c.JoinQueue(domain.ModeRoulette, nil)
	c.HandleEvent(matchedEvent(t, false))
	waitStarts(t, ctl, 1)

	sdp := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\n"}
	raw, _ := protocol.Encode(protocol.TypeOffer, sdp)
	raw.FromUserID = "partner-1"
	c.HandleEvent(raw)

	cand, _ := protocol.Encode(protocol.TypeICECandidate, protocol.CandidateData{
		Candidate: webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 127.0.0.1 9 typ host"},
	})
	cand.FromUserID = "partner-1"
	c.HandleEvent(cand)

	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	if len(ctl.offers) != 1 || ctl.offers[0] != "partner-1" {
		t.Fatalf("offers = %v", ctl.offers)
	}
	if len(ctl.cands) != 1 || ctl.cands[0] != "partner-1" {
		t.Fatalf("candidates = %v", ctl.cands)
	}
}

func TestConnectionStatusUpdatesStore(t *testing.T) {
	c, _, _, store := newTestCoordinator()
	up, _ := protocol.Encode(protocol.TypeConnectionStatus, protocol.ConnectionStatusPayload{Connected: true})
	c.HandleEvent(up)
	if !store.Snapshot().Connected {
		t.Fatal("store not marked connected")
	}
	down, _ := protocol.Encode(protocol.TypeConnectionStatus, protocol.ConnectionStatusPayload{Connected: false})
	c.HandleEvent(down)
	if store.Snapshot().Connected {
		t.Fatal("store still marked connected")
	}
}

func TestQueueJoinedAfterLeaveIsIgnored(t *testing.T) {
	c, _, _, _ := newTestCoordinator()
	_ = c.JoinQueue(domain.ModeRoulette, nil)
	_ = c.LeaveQueue()

	confirm, _ := protocol.Encode(protocol.TypeQueueJoined, protocol.QueueJoinedPayload{Mode: domain.ModeRoulette})
	c.HandleEvent(confirm)

	if c.State() != StateIdle || c.Queue() != nil {
		t.Fatalf("late confirmation resurrected the queue: state=%v", c.State())
	}
}
