// Package rtc owns one peer connection's lifecycle per matched session:
// local audio capture, offer/answer negotiation, candidate exchange and
// buffering, connection-state tracking, mute control and teardown.
package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/valiyev-777/Speaking/internal/domain"
)

// Status is the externally visible connection status.
type Status int

const (
	StatusIdle Status = iota
	StatusConnecting
	StatusConnected
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusFailed:
		return "failed"
	}
	return "unknown"
}

// Signaller is the outbound half of the signaling channel the
// controller needs: addressed delivery of negotiation events.
type Signaller interface {
	SendOffer(target domain.UserID, sdp webrtc.SessionDescription) error
	SendAnswer(target domain.UserID, sdp webrtc.SessionDescription) error
	SendCandidate(target domain.UserID, cand webrtc.ICECandidateInit) error
}

type Options struct {
	Signaller  Signaller
	NewCapture CaptureFunc
	WebRTC     webrtc.Configuration

	// FailTimeout bounds the single ICE-restart attempt after a failed
	// state; if ICE is still failed when it fires, status becomes the
	// absorbing Failed. Default 5s.
	FailTimeout time.Duration
	// DisconnectTimeout is the grace period for a transient
	// disconnected signal before a restart is attempted. Default 10s.
	DisconnectTimeout time.Duration

	// OnStatus is invoked under the controller lock on every status
	// change; it must not call back into the controller.
	OnStatus func(Status)
	// OnMic is invoked outside the controller lock after every mic
	// toggle with the new enabled state.
	OnMic func(bool)
}

// Controller negotiates and maintains exactly one peer connection for
// the current session.
type Controller struct {
	opts Options

	mu             sync.Mutex
	session        *domain.Session
	capture        Capture
	link           *PeerLink
	pending        []webrtc.ICECandidateInit
	pendingOffer   *webrtc.SessionDescription
	awaitingAnswer bool
	status         Status

	// epoch invalidates timers and pion callbacks armed for a previous
	// session; End increments it, making stale callbacks no-ops.
	epoch           uint64
	failTimer       *time.Timer
	disconnectTimer *time.Timer
}

func NewController(opts Options) *Controller {
	if opts.NewCapture == nil {
		opts.NewCapture = NewSilenceCapture
	}
	if len(opts.WebRTC.ICEServers) == 0 {
		opts.WebRTC = DefaultWebRTCConfig(nil)
	}
	if opts.FailTimeout <= 0 {
		opts.FailTimeout = 5 * time.Second
	}
	if opts.DisconnectTimeout <= 0 {
		opts.DisconnectTimeout = 10 * time.Second
	}
	return &Controller{opts: opts}
}

// Start acquires capture, builds the peer link, attaches audio and, for
// the initiator, sends the session's one offer. The non-initiator waits
// for the inbound offer instead. A permission failure leaves status
// idle and nothing sent.
func (c *Controller) Start(ctx context.Context, session *domain.Session) error {
	c.End() // negotiation state must never straddle two sessions

	c.mu.Lock()
	c.session = session
	epoch := c.epoch
	c.setStatusLocked(StatusConnecting)
	c.mu.Unlock()

	// Suspension point: may block on a permission prompt.
	capture, err := c.opts.NewCapture(ctx)
	if err != nil {
		c.mu.Lock()
		if epoch == c.epoch {
			c.session = nil
			c.setStatusLocked(StatusIdle)
		}
		c.mu.Unlock()
		if errors.Is(err, ErrPermissionDenied) {
			return err
		}
		return fmt.Errorf("rtc: capture: %w", err)
	}

	c.mu.Lock()
	if epoch != c.epoch {
		c.mu.Unlock()
		capture.Close()
		return nil
	}

	link, err := NewPeerLink(c.opts.WebRTC, session.ID)
	if err != nil {
		c.session = nil
		c.setStatusLocked(StatusIdle)
		c.mu.Unlock()
		capture.Close()
		return fmt.Errorf("rtc: peer link: %w", err)
	}
	c.capture = capture
	c.link = link

	partner := session.PartnerID
	link.OnICECandidate(func(cand webrtc.ICECandidateInit) {
		c.onLocalCandidate(epoch, partner, cand)
	})
	link.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		c.onICEState(epoch, s)
	})
	link.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.onPeerState(epoch, s)
	})
	link.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		// Audio playout is the embedder's concern; the track is drained
		// so RTCP keeps flowing.
		go drainTrack(track)
	})

	if _, err := link.AddLocalTrack(capture.Track()); err != nil {
		c.teardownLocked()
		c.mu.Unlock()
		return fmt.Errorf("rtc: add track: %w", err)
	}

	if !session.IsInitiator {
		pendingOffer := c.pendingOffer
		c.pendingOffer = nil
		c.mu.Unlock()
		if pendingOffer != nil {
			// The offer raced ahead of capture acquisition.
			c.HandleOffer(partner, *pendingOffer)
		}
		return nil
	}

	offer, err := link.CreateOfferAndSet(false)
	if err != nil {
		c.teardownLocked()
		c.mu.Unlock()
		return fmt.Errorf("rtc: offer: %w", err)
	}
	c.awaitingAnswer = true
	c.mu.Unlock()

	if err := c.opts.Signaller.SendOffer(partner, offer); err != nil {
		log.Error().Err(err).Str("module", "rtc").Msg("send offer")
		return err
	}
	log.Info().Str("module", "rtc").Str("sid", string(session.ID)).Msg("offer sent")
	return nil
}

// HandleOffer applies the partner's offer, drains buffered candidates
// and answers. Also serves renegotiation offers (ICE restarts).
func (c *Controller) HandleOffer(from domain.UserID, sdp webrtc.SessionDescription) {
	c.mu.Lock()
	if c.session == nil || from != c.session.PartnerID {
		c.mu.Unlock()
		log.Warn().Str("module", "rtc").Str("from", string(from)).Msg("offer outside session, discarded")
		return
	}
	if c.link == nil {
		// Start has not finished acquiring capture yet; replay once it has.
		c.pendingOffer = &sdp
		c.mu.Unlock()
		return
	}
	if err := c.link.SetRemoteDescription(sdp); err != nil {
		c.mu.Unlock()
		log.Error().Err(err).Str("module", "rtc").Msg("set remote offer")
		return
	}
	c.flushPendingLocked()
	answer, err := c.link.CreateAnswerAndSet()
	if err != nil {
		c.mu.Unlock()
		log.Error().Err(err).Str("module", "rtc").Msg("create answer")
		return
	}
	partner := c.session.PartnerID
	c.mu.Unlock()

	if err := c.opts.Signaller.SendAnswer(partner, answer); err != nil {
		log.Error().Err(err).Str("module", "rtc").Msg("send answer")
		return
	}
	log.Info().Str("module", "rtc").Msg("answer sent")
}

// HandleAnswer applies the partner's answer. Valid only while a local
// offer is outstanding; anything else is logged and discarded without
// touching negotiation state.
func (c *Controller) HandleAnswer(from domain.UserID, sdp webrtc.SessionDescription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil || from != c.session.PartnerID {
		log.Warn().Str("module", "rtc").Str("from", string(from)).Msg("answer outside session, discarded")
		return
	}
	if !c.awaitingAnswer || c.link == nil ||
		c.link.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		log.Warn().Str("module", "rtc").Msg("answer with no outstanding offer, discarded")
		return
	}
	if err := c.link.SetRemoteDescription(sdp); err != nil {
		log.Error().Err(err).Str("module", "rtc").Msg("set remote answer")
		return
	}
	c.awaitingAnswer = false
	c.flushPendingLocked()
}

// HandleCandidate applies a partner candidate, or buffers it in receipt
// order until the remote description lands.
func (c *Controller) HandleCandidate(from domain.UserID, cand webrtc.ICECandidateInit) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil || from != c.session.PartnerID {
		log.Warn().Str("module", "rtc").Str("from", string(from)).Msg("candidate outside session, discarded")
		return
	}
	if c.link == nil || !c.link.RemoteDescriptionSet() {
		c.pending = append(c.pending, cand)
		return
	}
	if err := c.link.AddICECandidate(cand); err != nil {
		log.Error().Err(err).Str("module", "rtc").Msg("add candidate")
	}
}

// ToggleMic flips the local track; the inbound stream is unaffected.
// Returns the new enabled state, or false when no session is active.
func (c *Controller) ToggleMic() bool {
	c.mu.Lock()
	if c.capture == nil {
		c.mu.Unlock()
		return false
	}
	// The capture gates the samples feeding the outgoing sender, so
	// flipping it mutes the transmitted audio directly.
	enabled := !c.capture.Enabled()
	c.capture.SetEnabled(enabled)
	c.mu.Unlock()

	log.Info().Str("module", "rtc").Bool("mic", enabled).Msg("toggled mic")
	if c.opts.OnMic != nil {
		c.opts.OnMic(enabled)
	}
	return enabled
}

// End is the idempotent full teardown: capture stopped, link closed,
// buffers cleared, status back to idle. Safe to call concurrently and
// repeatedly.
func (c *Controller) End() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.teardownLocked()
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Controller) teardownLocked() {
	c.epoch++
	if c.failTimer != nil {
		c.failTimer.Stop()
		c.failTimer = nil
	}
	if c.disconnectTimer != nil {
		c.disconnectTimer.Stop()
		c.disconnectTimer = nil
	}
	if c.capture != nil {
		c.capture.Close()
		c.capture = nil
	}
	if c.link != nil {
		c.link.Close()
		c.link = nil
	}
	c.pending = nil
	c.pendingOffer = nil
	c.awaitingAnswer = false
	c.session = nil
	c.setStatusLocked(StatusIdle)
}

// flushPendingLocked drains the candidate buffer in receipt order.
// Runs exactly once per negotiation: the buffer is nil afterwards and
// later candidates apply directly.
func (c *Controller) flushPendingLocked() {
	for _, cand := range c.pending {
		if err := c.link.AddICECandidate(cand); err != nil {
			log.Error().Err(err).Str("module", "rtc").Msg("add buffered candidate")
		}
	}
	c.pending = nil
}

func (c *Controller) setStatusLocked(s Status) {
	if c.status == s {
		return
	}
	c.status = s
	if c.opts.OnStatus != nil {
		c.opts.OnStatus(s)
	}
}

func (c *Controller) onLocalCandidate(epoch uint64, partner domain.UserID, cand webrtc.ICECandidateInit) {
	c.mu.Lock()
	stale := epoch != c.epoch
	c.mu.Unlock()
	if stale {
		return
	}
	if err := c.opts.Signaller.SendCandidate(partner, cand); err != nil {
		log.Error().Err(err).Str("module", "rtc").Msg("send candidate")
	}
}

func (c *Controller) onICEState(epoch uint64, s webrtc.ICEConnectionState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if epoch != c.epoch {
		return
	}
	switch s {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		c.stopRecoveryTimersLocked()
		c.setStatusLocked(StatusConnected)
	case webrtc.ICEConnectionStateFailed:
		// One restart attempt, then a bounded window to the absorbing
		// failed state. No silent auto-redial beyond this.
		c.restartICELocked()
		c.setStatusLocked(StatusConnecting)
		c.armFailTimerLocked(epoch)
	case webrtc.ICEConnectionStateDisconnected:
		// Treated optimistically: often heals on its own.
		c.setStatusLocked(StatusConnecting)
		c.armDisconnectTimerLocked(epoch)
	}
}

func (c *Controller) onPeerState(epoch uint64, s webrtc.PeerConnectionState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if epoch != c.epoch {
		return
	}
	switch s {
	case webrtc.PeerConnectionStateConnected:
		c.setStatusLocked(StatusConnected)
	case webrtc.PeerConnectionStateFailed:
		c.setStatusLocked(StatusFailed)
	}
}

// restartICELocked renegotiates candidates. Only the initiator can
// drive a restart offer; the responder heals when the partner's restart
// offer arrives through the normal offer path.
func (c *Controller) restartICELocked() {
	if c.session == nil || !c.session.IsInitiator || c.link == nil {
		return
	}
	offer, err := c.link.CreateOfferAndSet(true)
	if err != nil {
		log.Error().Err(err).Str("module", "rtc").Msg("restart offer")
		return
	}
	c.awaitingAnswer = true
	partner := c.session.PartnerID
	go func() {
		if err := c.opts.Signaller.SendOffer(partner, offer); err != nil {
			log.Error().Err(err).Str("module", "rtc").Msg("send restart offer")
		}
	}()
	log.Info().Str("module", "rtc").Msg("ICE restart offer sent")
}

func (c *Controller) armFailTimerLocked(epoch uint64) {
	if c.failTimer != nil {
		c.failTimer.Stop()
	}
	c.failTimer = time.AfterFunc(c.opts.FailTimeout, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.failTimer = nil
		if epoch != c.epoch || c.link == nil {
			return
		}
		if c.link.ICEConnectionState() == webrtc.ICEConnectionStateFailed {
			log.Warn().Str("module", "rtc").Msg("ICE restart did not recover")
			c.setStatusLocked(StatusFailed)
		}
	})
}

func (c *Controller) armDisconnectTimerLocked(epoch uint64) {
	if c.disconnectTimer != nil {
		c.disconnectTimer.Stop()
	}
	c.disconnectTimer = time.AfterFunc(c.opts.DisconnectTimeout, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.disconnectTimer = nil
		if epoch != c.epoch || c.link == nil {
			return
		}
		if c.link.ICEConnectionState() == webrtc.ICEConnectionStateDisconnected {
			log.Warn().Str("module", "rtc").Msg("still disconnected, restarting ICE")
			c.restartICELocked()
		}
	})
}

func (c *Controller) stopRecoveryTimersLocked() {
	if c.failTimer != nil {
		c.failTimer.Stop()
		c.failTimer = nil
	}
	if c.disconnectTimer != nil {
		c.disconnectTimer.Stop()
		c.disconnectTimer = nil
	}
}

func drainTrack(track *webrtc.TrackRemote) {
	for {
		if _, _, err := track.ReadRTP(); err != nil {
			return
		}
	}
}
