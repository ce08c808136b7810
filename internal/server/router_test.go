package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/valiyev-777/Speaking/internal/domain"
	"github.com/valiyev-777/Speaking/internal/protocol"
)

type routerFixture struct {
	srv   *httptest.Server
	match *Matchmaker
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	hub := NewHub()
	users := NewUserStore()
	tokens := NewTokenIssuer("test-secret", time.Hour)
	match := NewMatchmaker(hub, users, time.Hour)
	ctl := NewSignalController(SignalControllerOptions{
		Hub:    hub,
		Users:  users,
		Match:  match,
		Tokens: tokens,
	})
	router := NewServer(users, tokens, hub, ctl).SetupRouter("test")
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &routerFixture{srv: srv, match: match}
}

func (f *routerFixture) register(t *testing.T, email, username string) authResponse {
	t.Helper()
	body, _ := json.Marshal(map[string]any{
		"email":         email,
		"password":      "hunter2",
		"username":      username,
		"current_level": 6.0,
	})
	resp, err := http.Post(f.srv.URL+"/auth/register", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("register status = %d", resp.StatusCode)
	}
	var out authResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return out
}

// wsClient is a raw signaling connection speaking the wire protocol
// directly, standing in for the real client package.
type wsClient struct {
	conn *websocket.Conn
}

func (f *routerFixture) dial(t *testing.T, auth authResponse) *wsClient {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(f.srv.URL, "http") +
		"/ws/match/" + string(auth.User.ID) + "?token=" + url.QueryEscape(auth.AccessToken)
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &wsClient{conn: conn}
}

func (c *wsClient) send(t *testing.T, typ protocol.Type, payload any) {
	t.Helper()
	ev, err := protocol.Encode(typ, payload)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := c.conn.WriteJSON(ev); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func (c *wsClient) next(t *testing.T) protocol.Event {
	t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev protocol.Event
	if err := c.conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	return ev
}

func TestLoginRoundTrip(t *testing.T) {
	f := newRouterFixture(t)
	reg := f.register(t, "a@b.com", "alice")
	if reg.AccessToken == "" || reg.TokenType != "bearer" {
		t.Fatalf("auth response = %+v", reg)
	}

	form := url.Values{"username": {"a@b.com"}, "password": {"hunter2"}}
	resp, err := http.PostForm(f.srv.URL+"/auth/login", form)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d", resp.StatusCode)
	}
	var out authResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.User.ID != reg.User.ID {
		t.Fatal("login returned a different user")
	}

	bad := url.Values{"username": {"a@b.com"}, "password": {"wrong"}}
	resp2, err := http.PostForm(f.srv.URL+"/auth/login", bad)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad login status = %d", resp2.StatusCode)
	}
}

func TestMeRequiresBearer(t *testing.T) {
	f := newRouterFixture(t)
	reg := f.register(t, "a@b.com", "alice")

	resp, err := http.Get(f.srv.URL + "/auth/me")
	if err != nil {
		t.Fatalf("me: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, f.srv.URL+"/auth/me", nil)
	req.Header.Set("Authorization", "Bearer "+reg.AccessToken)
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("me: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("authenticated status = %d", resp2.StatusCode)
	}
	var user domain.User
	if err := json.NewDecoder(resp2.Body).Decode(&user); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if user.ID != reg.User.ID {
		t.Fatalf("me returned %q", user.ID)
	}
}

func TestWebSocketRejectsBadToken(t *testing.T) {
	f := newRouterFixture(t)
	reg := f.register(t, "a@b.com", "alice")

	wsURL := "ws" + strings.TrimPrefix(f.srv.URL, "http") +
		"/ws/match/" + string(reg.User.ID) + "?token=forged"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("dial succeeded with a forged token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("handshake response = %+v", resp)
	}
	if resp.Body != nil {
		resp.Body.Close()
	}
}

func TestWebSocketRejectsTokenForOtherUser(t *testing.T) {
	f := newRouterFixture(t)
	a := f.register(t, "a@b.com", "alice")
	b := f.register(t, "b@b.com", "bob")

	// Alice's token on Bob's endpoint.
	wsURL := "ws" + strings.TrimPrefix(f.srv.URL, "http") +
		"/ws/match/" + string(b.User.ID) + "?token=" + url.QueryEscape(a.AccessToken)
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("dial succeeded with a mismatched token")
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
}

func TestEndToEndMatchAndRelay(t *testing.T) {
	f := newRouterFixture(t)
	regA := f.register(t, "a@b.com", "alice")
	regB := f.register(t, "b@b.com", "bob")

	a := f.dial(t, regA)
	b := f.dial(t, regB)

	a.send(t, protocol.TypeJoinQueue, protocol.JoinQueuePayload{Mode: domain.ModeRoulette})
	b.send(t, protocol.TypeJoinQueue, protocol.JoinQueuePayload{Mode: domain.ModeRoulette})
	if ev := a.next(t); ev.Type != protocol.TypeQueueJoined {
		t.Fatalf("a got %q", ev.Type)
	}
	if ev := b.next(t); ev.Type != protocol.TypeQueueJoined {
		t.Fatalf("b got %q", ev.Type)
	}

	f.match.MatchRound()

	var pa, pb protocol.MatchedPayload
	evA, evB := a.next(t), b.next(t)
	if evA.Type != protocol.TypeMatched || evB.Type != protocol.TypeMatched {
		t.Fatalf("events = %q / %q", evA.Type, evB.Type)
	}
	if err := evA.DecodeData(&pa); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if err := evB.DecodeData(&pb); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if pa.IsInitiator == pb.IsInitiator {
		t.Fatal("both sides claim the same role")
	}

	// Route the offer from the initiator side to the other.
	initiator, responder := a, b
	initiatorID, responderID := regA.User.ID, regB.User.ID
	if pb.IsInitiator {
		initiator, responder = b, a
		initiatorID, responderID = regB.User.ID, regA.User.ID
	}

	initiator.send(t, protocol.TypeOffer, protocol.SignalPayload{
		TargetUserID: string(responderID),
		Data:         json.RawMessage(`{"type":"offer","sdp":"v=0\r\n"}`),
	})
	offer := responder.next(t)
	if offer.Type != protocol.TypeOffer || offer.FromUserID != string(initiatorID) {
		t.Fatalf("offer = %+v", offer)
	}

	responder.send(t, protocol.TypeAnswer, protocol.SignalPayload{
		TargetUserID: string(initiatorID),
		Data:         json.RawMessage(`{"type":"answer","sdp":"v=0\r\n"}`),
	})
	answer := initiator.next(t)
	if answer.Type != protocol.TypeAnswer || answer.FromUserID != string(responderID) {
		t.Fatalf("answer = %+v", answer)
	}

	// Chat both ways, then end the session from one side.
	a.send(t, protocol.TypeChat, protocol.ChatPayload{TargetUserID: string(regB.User.ID), Message: "hi"})
	chat := b.next(t)
	if chat.Type != protocol.TypeChat || chat.Message != "hi" || chat.FromUserID != string(regA.User.ID) {
		t.Fatalf("chat = %+v", chat)
	}

	a.send(t, protocol.TypeEndSession, protocol.EndSessionPayload{SessionID: pa.SessionID})
	if ev := b.next(t); ev.Type != protocol.TypeSessionEnded {
		t.Fatalf("b got %q, want session_ended", ev.Type)
	}
	if ev := a.next(t); ev.Type != protocol.TypeSessionEnded {
		t.Fatalf("a got %q, want session_ended echo", ev.Type)
	}
}

func TestOnlineStatsReflectConnections(t *testing.T) {
	f := newRouterFixture(t)
	reg := f.register(t, "a@b.com", "alice")

	count := func() int {
		resp, err := http.Get(f.srv.URL + "/stats/online")
		if err != nil {
			t.Fatalf("stats: %v", err)
		}
		defer resp.Body.Close()
		var out struct {
			Online int `json:"online"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return out.Online
	}

	if got := count(); got != 0 {
		t.Fatalf("online = %d before any connection", got)
	}

	c := f.dial(t, reg)
	deadline := time.Now().Add(2 * time.Second)
	for count() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("online count never reached 1")
		}
		time.Sleep(5 * time.Millisecond)
	}

	c.conn.Close()
	for count() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("online count never dropped to 0")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
