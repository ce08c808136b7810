package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/valiyev-777/Speaking/internal/domain"
	"github.com/valiyev-777/Speaking/internal/protocol"
)

// SignalControllerOptions wires the controller's collaborators.
type SignalControllerOptions struct {
	Hub    *Hub
	Users  *UserStore
	Match  *Matchmaker
	Tokens *TokenIssuer

	ReadLimit            int64
	EstimatedWaitSeconds int
	ChatRateLimit        int
	ChatRateInterval     time.Duration
}

// SignalController owns the websocket endpoint: it authenticates the
// upgrade, binds the connection into the hub, and dispatches every
// inbound envelope to the matchmaker or relays it to the partner.
type SignalController struct {
	hub      *Hub
	users    *UserStore
	match    *Matchmaker
	tokens   *TokenIssuer
	upgrader websocket.Upgrader

	readLimit     int64
	estimatedWait int
	chatLimiter   *MessageRateLimiter
}

func NewSignalController(opts SignalControllerOptions) *SignalController {
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = 64 * 1024
	}
	if opts.EstimatedWaitSeconds <= 0 {
		opts.EstimatedWaitSeconds = 20
	}
	if opts.ChatRateLimit <= 0 {
		opts.ChatRateLimit = 20
	}
	if opts.ChatRateInterval <= 0 {
		opts.ChatRateInterval = 10 * time.Second
	}
	return &SignalController{
		hub:    opts.Hub,
		users:  opts.Users,
		match:  opts.Match,
		tokens: opts.Tokens,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		readLimit:     opts.ReadLimit,
		estimatedWait: opts.EstimatedWaitSeconds,
		chatLimiter:   NewMessageRateLimiter(opts.ChatRateLimit, opts.ChatRateInterval),
	}
}

// HandleSignal upgrades GET /ws/match/:user_id?token=... and runs the
// connection until the peer goes away.
func (ctl *SignalController) HandleSignal(c *gin.Context) {
	pathUID := domain.UserID(c.Param("user_id"))
	token := c.Query("token")

	uid, err := ctl.tokens.Verify(token)
	if err != nil || uid != pathUID {
		log.Warn().Str("module", "server.signal").Str("path_uid", string(pathUID)).Msg("ws auth rejected")
		c.JSON(http.StatusUnauthorized, gin.H{"detail": "invalid token"})
		return
	}

	user, err := ctl.users.Get(uid)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"detail": "user not found"})
		return
	}

	raw, err := ctl.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "server.signal").Msg("upgrade failed")
		return
	}
	raw.SetReadLimit(ctl.readLimit)

	conn := NewWsConn(raw)
	ctx, cancel := context.WithCancel(c.Request.Context())
	ctl.hub.Bind(uid, user, conn, cancel)
	ctl.users.SetOnline(uid, true)

	log.Info().Str("module", "server.signal").Str("uid", string(uid)).Str("username", user.Username).Msg("connected")

	go ctl.writePump(ctx, conn)
	ctl.readPump(ctx, uid, conn)
}

func (ctl *SignalController) onDisconnect(uid domain.UserID, c *WsConn) {
	ctl.hub.Unbind(uid, c)
	// If the same identity reconnected already, the new binding stays
	// and we must not tear down its queue or sessions.
	if _, online := ctl.hub.Get(uid); online {
		return
	}
	ctl.match.Leave(uid)
	ctl.match.DropUser(uid)
	ctl.chatLimiter.Forget(uid)
	ctl.users.SetOnline(uid, false)
	log.Info().Str("module", "server.signal").Str("uid", string(uid)).Msg("disconnected")
}

func (ctl *SignalController) handleSignal(uid domain.UserID, c *WsConn, data []byte) {
	var ev protocol.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		log.Warn().Err(err).Str("module", "server.signal").Str("uid", string(uid)).Msg("bad envelope")
		ctl.sendError(c, "invalid message")
		return
	}

	switch ev.Type {
	case protocol.TypePing:
		ctl.sendJSON(c, protocol.Event{Type: protocol.TypePong})

	case protocol.TypeJoinQueue:
		ctl.handleJoinQueue(uid, c, ev)

	case protocol.TypeLeaveQueue:
		ctl.match.Leave(uid)
		ctl.sendJSON(c, protocol.Event{Type: protocol.TypeQueueLeft})

	case protocol.TypeOffer, protocol.TypeAnswer, protocol.TypeICECandidate:
		ctl.relaySignal(uid, c, ev)

	case protocol.TypeEndSession:
		var p protocol.EndSessionPayload
		if err := ev.DecodeData(&p); err != nil {
			ctl.sendError(c, "invalid end_session payload")
			return
		}
		ctl.match.EndSession(domain.SessionID(p.SessionID), uid)

	case protocol.TypeChat:
		ctl.handleChat(uid, c, ev)

	case protocol.TypeInvitePartner:
		ctl.handleInvite(uid, c, ev)

	case protocol.TypeInviteResponse:
		ctl.handleInviteResponse(uid, c, ev)

	default:
		log.Warn().Str("module", "server.signal").Str("uid", string(uid)).Str("type", string(ev.Type)).Msg("unknown event type")
		ctl.sendError(c, "unknown message type")
	}
}

func (ctl *SignalController) handleJoinQueue(uid domain.UserID, c *WsConn, ev protocol.Event) {
	var p protocol.JoinQueuePayload
	if err := ev.DecodeData(&p); err != nil {
		ctl.sendError(c, "invalid join_queue payload")
		return
	}
	if err := ctl.match.Join(uid, p.Mode, p.LevelFilter); err != nil {
		ctl.sendError(c, err.Error())
		return
	}
	joined, err := protocol.Encode(protocol.TypeQueueJoined, protocol.QueueJoinedPayload{
		Mode:                 p.Mode,
		LevelFilter:          p.LevelFilter,
		EstimatedWaitSeconds: ctl.estimatedWait,
	})
	if err != nil {
		log.Error().Err(err).Str("module", "server.signal").Msg("encode queue_joined")
		return
	}
	ctl.sendJSON(c, joined)
}

// relaySignal forwards the inner SDP/candidate data to the target,
// re-wrapped with the sender stamped into from_user_id. The inner
// payload is opaque to the server.
func (ctl *SignalController) relaySignal(uid domain.UserID, c *WsConn, ev protocol.Event) {
	var p protocol.SignalPayload
	if err := ev.DecodeData(&p); err != nil {
		ctl.sendError(c, "invalid signal payload")
		return
	}
	target := domain.UserID(p.TargetUserID)
	out := protocol.Event{
		Type:       ev.Type,
		Data:       p.Data,
		FromUserID: string(uid),
	}
	if !ctl.hub.SendTo(target, out) {
		log.Warn().
			Str("module", "server.signal").
			Str("type", string(ev.Type)).
			Str("from", string(uid)).
			Str("target", string(target)).
			Msg("signal relay target offline")
	}
}

func (ctl *SignalController) handleChat(uid domain.UserID, c *WsConn, ev protocol.Event) {
	if !ctl.chatLimiter.Allow(uid) {
		ctl.sendError(c, "rate limit exceeded")
		return
	}
	var p protocol.ChatPayload
	if err := ev.DecodeData(&p); err != nil {
		ctl.sendError(c, "invalid chat payload")
		return
	}
	out := protocol.Event{
		Type:       protocol.TypeChat,
		FromUserID: string(uid),
		Message:    p.Message,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	}
	ctl.hub.SendTo(domain.UserID(p.TargetUserID), out)
}

func (ctl *SignalController) handleInvite(uid domain.UserID, c *WsConn, ev protocol.Event) {
	var p protocol.InvitePartnerPayload
	if err := ev.DecodeData(&p); err != nil {
		ctl.sendError(c, "invalid invite payload")
		return
	}
	from, err := ctl.users.Get(uid)
	if err != nil {
		return
	}
	target := domain.UserID(p.PartnerUserID)
	if _, online := ctl.hub.Get(target); !online {
		ctl.sendJSON(c, protocol.Event{Type: protocol.TypeInviteError, Message: "partner is not online"})
		return
	}
	invite, err := protocol.Encode(protocol.TypePartnerInvite, protocol.PartnerInvitePayload{
		FromUsername: from.Username,
		FromLevel:    from.Level,
	})
	if err != nil {
		log.Error().Err(err).Str("module", "server.signal").Msg("encode partner_invite")
		return
	}
	invite.FromUserID = string(uid)
	ctl.hub.SendTo(target, invite)
	msg := "invite sent"
	if tu, err := ctl.users.Get(target); err == nil {
		msg = "invite sent to " + tu.Username
	}
	ctl.sendJSON(c, protocol.Event{Type: protocol.TypeInviteSent, Message: msg})
}

func (ctl *SignalController) handleInviteResponse(uid domain.UserID, c *WsConn, ev protocol.Event) {
	var p protocol.InviteResponsePayload
	if err := ev.DecodeData(&p); err != nil {
		ctl.sendError(c, "invalid invite_response payload")
		return
	}
	inviter := domain.UserID(p.InviterUserID)
	if !p.Accepted {
		msg := "invite declined"
		if responder, err := ctl.users.Get(uid); err == nil {
			msg = responder.Username + " declined the invite"
		}
		ctl.hub.SendTo(inviter, protocol.Event{
			Type:       protocol.TypeInviteRejected,
			FromUserID: string(uid),
			Message:    msg,
		})
		return
	}
	ctl.match.CreateDirectSession(inviter, uid)
}

func (ctl *SignalController) sendError(c *WsConn, msg string) {
	ctl.sendJSON(c, protocol.Event{Type: protocol.TypeError, Message: msg})
}
