// Package client assembles the realtime core: signaling channel, match
// coordinator, peer session controller, chat relay and the observable
// session state.
package client

import (
	"github.com/pion/webrtc/v4"

	"github.com/valiyev-777/Speaking/internal/client/chat"
	"github.com/valiyev-777/Speaking/internal/client/match"
	"github.com/valiyev-777/Speaking/internal/client/rtc"
	"github.com/valiyev-777/Speaking/internal/client/signaling"
	"github.com/valiyev-777/Speaking/internal/client/state"
	"github.com/valiyev-777/Speaking/internal/config"
	"github.com/valiyev-777/Speaking/internal/domain"
	"github.com/valiyev-777/Speaking/internal/protocol"
)

type Client struct {
	Channel     *signaling.Channel
	Store       *state.Store
	Controller  *rtc.Controller
	Coordinator *match.Coordinator
	Chat        *chat.Relay
}

// channelSignaller adapts the signaling channel to the controller's
// outbound surface.
type channelSignaller struct {
	ch *signaling.Channel
}

func (s channelSignaller) SendOffer(target domain.UserID, sdp webrtc.SessionDescription) error {
	ev, err := protocol.NewOffer(target, sdp)
	if err != nil {
		return err
	}
	return s.ch.Send(ev)
}

func (s channelSignaller) SendAnswer(target domain.UserID, sdp webrtc.SessionDescription) error {
	ev, err := protocol.NewAnswer(target, sdp)
	if err != nil {
		return err
	}
	return s.ch.Send(ev)
}

func (s channelSignaller) SendCandidate(target domain.UserID, cand webrtc.ICECandidateInit) error {
	ev, err := protocol.NewCandidate(target, cand)
	if err != nil {
		return err
	}
	return s.ch.Send(ev)
}

// newStatusSink mirrors peer status transitions into the store, in
// order, without holding the controller lock. A single drain goroutine
// serializes the updates; subscribers may call back into the
// controller.
func newStatusSink(store *state.Store) func(rtc.Status) {
	updates := make(chan rtc.Status, 16)
	go func() {
		for s := range updates {
			store.Update(func(sn *state.Snapshot) { sn.PeerStatus = s })
		}
	}()
	return func(s rtc.Status) { updates <- s }
}

func New(cfg *config.Config) *Client {
	store := state.NewStore()
	channel := signaling.NewChannel(signaling.Options{
		URL:             cfg.WSURL,
		KeepAlivePeriod: cfg.KeepAlivePeriod,
		ReconnectDelay:  cfg.ReconnectDelay,
	})

	controller := rtc.NewController(rtc.Options{
		Signaller:         channelSignaller{ch: channel},
		WebRTC:            rtc.DefaultWebRTCConfig(cfg.STUNServers),
		FailTimeout:       cfg.ICEFailTimeout,
		DisconnectTimeout: cfg.ICEDisconnectTimeout,
		OnStatus: newStatusSink(store),
		OnMic: func(enabled bool) {
			store.Update(func(sn *state.Snapshot) { sn.MicEnabled = enabled })
		},
	})

	coordinator := match.NewCoordinator(channel, controller, store)
	relay := chat.NewRelay(channel, store)

	channel.AddListener(coordinator.HandleEvent)
	channel.AddListener(relay.HandleEvent)

	return &Client{
		Channel:     channel,
		Store:       store,
		Controller:  controller,
		Coordinator: coordinator,
		Chat:        relay,
	}
}

// Connect opens the signaling channel for the authenticated identity.
func (c *Client) Connect(userID domain.UserID, token string) error {
	return c.Channel.Connect(userID, token)
}

// Close tears everything down; used on logout and process exit.
func (c *Client) Close() {
	c.Controller.End()
	c.Channel.Disconnect()
}
