package rtc

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// ErrPermissionDenied means the local microphone is not available to
// this process. Fatal for session start; the remedy is an OS permission
// grant, not a retry.
var ErrPermissionDenied = errors.New("rtc: microphone permission denied")

// Capture owns the local audio source for one session. The controller
// is its only user; it is closed exactly once per session.
type Capture interface {
	Track() webrtc.TrackLocal
	SetEnabled(enabled bool)
	Enabled() bool
	Close()
}

// CaptureFunc acquires local audio capture. It may block on a
// permission prompt; ErrPermissionDenied aborts the session start.
type CaptureFunc func(ctx context.Context) (Capture, error)

const sampleInterval = 20 * time.Millisecond

// opusSilence is a minimal Opus frame decoding to silence, used to keep
// the outbound track alive while no real source is plugged in or while
// the mic is muted.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// SampleCapture feeds an outbound audio track from a sample source.
// The default pump writes silence; a real microphone source replaces it
// by providing frames via WriteSample from its own reader.
type SampleCapture struct {
	track *webrtc.TrackLocalStaticSample

	mu      sync.Mutex
	enabled bool

	closed chan struct{}
	once   sync.Once
}

// NewSilenceCapture builds a capture whose track carries silence. Used
// by the terminal client and by tests; browsers bring their own mic.
func NewSilenceCapture(context.Context) (Capture, error) {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio", "speaking",
	)
	if err != nil {
		return nil, err
	}
	c := &SampleCapture{
		track:   track,
		enabled: true,
		closed:  make(chan struct{}),
	}
	go c.pump()
	return c, nil
}

func (c *SampleCapture) pump() {
	ticker := time.NewTicker(sampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			// A muted track still carries silence so the peer's jitter
			// buffer does not starve.
			_ = c.track.WriteSample(media.Sample{Data: opusSilence, Duration: sampleInterval})
		}
	}
}

func (c *SampleCapture) Track() webrtc.TrackLocal { return c.track }

func (c *SampleCapture) SetEnabled(enabled bool) {
	c.mu.Lock()
	c.enabled = enabled
	c.mu.Unlock()
}

func (c *SampleCapture) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

func (c *SampleCapture) Close() {
	c.once.Do(func() { close(c.closed) })
}
