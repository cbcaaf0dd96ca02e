package media

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

// opusSilence is a 20ms Opus packet that decodes to silence.
var opusSilence = []byte{0xF8, 0xFF, 0xFE}

const opusFrame = 20 * time.Millisecond

// SyntheticSource produces device-less tracks: audio carries Opus silence,
// video is a negotiated but idle VP8 track. Used where no capture drivers
// exist and in tests.
type SyntheticSource struct {
	mu       sync.Mutex
	acquired int
	released int
}

func NewSyntheticSource() *SyntheticSource { return &SyntheticSource{} }

func (s *SyntheticSource) SetupMediaEngine(me *webrtc.MediaEngine) error {
	return me.RegisterDefaultCodecs()
}

func (s *SyntheticSource) Acquire(ctx context.Context, c Constraints) (*Capture, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !c.Audio && !c.Video {
		return nil, ErrNoDevice
	}
	var audioTrack, videoTrack webrtc.TrackLocal
	stop := make(chan struct{})

	if c.Audio {
		tr, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
			"mic-"+uuid.NewString(), "synthetic")
		if err != nil {
			return nil, err
		}
		audioTrack = tr
		go pumpSilence(tr, stop)
	}
	if c.Video {
		tr, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
			"cam-"+uuid.NewString(), "synthetic")
		if err != nil {
			close(stop)
			return nil, err
		}
		videoTrack = tr
	}

	s.mu.Lock()
	s.acquired++
	s.mu.Unlock()
	return NewCapture(audioTrack, videoTrack, func() { close(stop) }), nil
}

func (s *SyntheticSource) AcquireDisplay(ctx context.Context) (*Capture, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tr, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		"screen-"+uuid.NewString(), "synthetic-display")
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.acquired++
	s.mu.Unlock()
	return NewCapture(nil, tr, nil), nil
}

func (s *SyntheticSource) Release(c *Capture) {
	if !c.stop() {
		return
	}
	s.mu.Lock()
	s.released++
	s.mu.Unlock()
}

// Open returns how many captures are acquired and not yet released.
func (s *SyntheticSource) Open() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acquired - s.released
}

func pumpSilence(tr *webrtc.TrackLocalStaticSample, stop <-chan struct{}) {
	ticker := time.NewTicker(opusFrame)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			_ = tr.WriteSample(pionmedia.Sample{Data: opusSilence, Duration: opusFrame})
		}
	}
}
