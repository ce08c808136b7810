package rtc

import (
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/valiyev-777/Speaking/internal/domain"
)

// PeerLink wraps one pion PeerConnection for one session. The
// controller is its only owner; Close is idempotent.
type PeerLink struct {
	pc  *webrtc.PeerConnection
	sid domain.SessionID

	mu     sync.Mutex
	closed bool
}

func DefaultWebRTCConfig(stunURLs []string) webrtc.Configuration {
	if len(stunURLs) == 0 {
		stunURLs = []string{"stun:stun.l.google.com:19302"}
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: stunURLs},
		},
	}
}

func NewPeerLink(cfg webrtc.Configuration, sid domain.SessionID) (*PeerLink, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	return &PeerLink{pc: pc, sid: sid}, nil
}

// OnICECandidate registers fn for locally discovered candidates. Fires
// once per candidate until gathering completes; nil candidates (end of
// gathering) are filtered out.
func (l *PeerLink) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	l.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand != nil {
			fn(cand.ToJSON())
		}
	})
}

func (l *PeerLink) OnICEConnectionStateChange(fn func(webrtc.ICEConnectionState)) {
	l.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Info().Str("module", "rtc").Str("sid", string(l.sid)).Str("ice_state", s.String()).Msg("ICE state")
		fn(s)
	})
}

func (l *PeerLink) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	l.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "rtc").Str("sid", string(l.sid)).Str("peer_connection_state", s.String()).Msg("Peer state")
		fn(s)
	})
}

func (l *PeerLink) OnTrack(fn func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)) {
	l.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "rtc").
			Str("sid", string(l.sid)).
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Msg("remote track")
		fn(track, receiver)
	})
}

// AddLocalTrack attaches the local audio track to the connection.
func (l *PeerLink) AddLocalTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	return l.pc.AddTrack(track)
}

// CreateOfferAndSet builds an offer and installs it as the local
// description. Candidates trickle out via OnICECandidate as they are
// discovered; the offer is sent without waiting for gathering.
func (l *PeerLink) CreateOfferAndSet(restart bool) (webrtc.SessionDescription, error) {
	var opts *webrtc.OfferOptions
	if restart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}
	offer, err := l.pc.CreateOffer(opts)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return offer, nil
}

// CreateAnswerAndSet builds an answer to the installed remote offer and
// sets it as the local description.
func (l *PeerLink) CreateAnswerAndSet() (webrtc.SessionDescription, error) {
	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

func (l *PeerLink) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	return l.pc.SetRemoteDescription(sdp)
}

func (l *PeerLink) RemoteDescriptionSet() bool {
	return l.pc.RemoteDescription() != nil
}

func (l *PeerLink) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return l.pc.AddICECandidate(ci)
}

func (l *PeerLink) SignalingState() webrtc.SignalingState {
	return l.pc.SignalingState()
}

func (l *PeerLink) ICEConnectionState() webrtc.ICEConnectionState {
	return l.pc.ICEConnectionState()
}

func (l *PeerLink) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.mu.Unlock()

	if err := l.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "rtc").Str("sid", string(l.sid)).Msg("close error")
	} else {
		log.Info().Str("module", "rtc").Str("sid", string(l.sid)).Msg("closed")
	}
}
