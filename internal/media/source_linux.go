//go:build linux

package media

import (
	"context"
	"fmt"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/io/audio"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/mediadevices/pkg/wave"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

// DeviceSource captures camera, microphone and screen through
// pion/mediadevices (V4L2, malgo and X11 on Linux).
type DeviceSource struct {
	log      *logrus.Entry
	selector *mediadevices.CodecSelector

	// fallback serves calls when no device can be opened at all
	fallback *SyntheticSource
}

// NewDefaultSource returns the platform capture source. With synthetic set,
// a call without usable devices still gets silent tracks.
func NewDefaultSource(log *logrus.Entry, synthetic bool) (Source, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	s := &DeviceSource{
		log: log.WithField("component", "media"),
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}
	if synthetic {
		s.fallback = NewSyntheticSource()
	}

	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		s.log.Warn("no media devices found")
	}
	for _, d := range devices {
		s.log.Debugf("media device kind=%v label=%q id=%s", d.Kind, d.Label, d.DeviceID)
	}
	return s, nil
}

func (s *DeviceSource) SetupMediaEngine(me *webrtc.MediaEngine) error {
	s.selector.Populate(me)
	return nil
}

// Acquire opens the requested devices. GetUserMedia fails as a unit, so when
// both kinds are requested it also tries each kind alone before giving up.
func (s *DeviceSource) Acquire(ctx context.Context, c Constraints) (*Capture, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	type attempt struct {
		video, audio bool
		label        string
	}
	var attempts []attempt
	switch {
	case c.Video && c.Audio:
		attempts = []attempt{{true, true, "video+audio"}, {false, true, "audio-only"}, {true, false, "video-only"}}
	case c.Video:
		attempts = []attempt{{true, false, "video-only"}}
	case c.Audio:
		attempts = []attempt{{false, true, "audio-only"}}
	default:
		return nil, ErrNoDevice
	}

	var lastErr error
	for _, a := range attempts {
		constraints := mediadevices.MediaStreamConstraints{Codec: s.selector}
		if a.video {
			constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
				if c.VideoDeviceID != "" {
					mc.DeviceID = c.VideoDeviceID
				}
				// raw formats only; MJPEG nodes on some cameras poison the encoder
				mc.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				mc.Width = prop.IntRanged{Max: 640}
				mc.Height = prop.IntRanged{Max: 480}
			}
		}
		if a.audio {
			constraints.Audio = func(mc *mediadevices.MediaTrackConstraints) {
				if c.AudioDeviceID != "" {
					mc.DeviceID = c.AudioDeviceID
				}
				if c.Filter != nil {
					mc.AudioTransform = filterTransform(c.Filter)
				}
			}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			lastErr = err
			s.log.Warnf("GetUserMedia (%s) failed: %v", a.label, err)
			continue
		}
		capture := s.captureFrom(stream.GetTracks())
		s.log.Infof("local media captured (%s)", a.label)
		return capture, nil
	}

	if s.fallback != nil {
		s.log.Warn("all capture attempts failed, using synthetic tracks")
		return s.fallback.Acquire(ctx, c)
	}
	return nil, fmt.Errorf("%w: %v", ErrNoDevice, lastErr)
}

// AcquireDisplay captures the screen.
func (s *DeviceSource) AcquireDisplay(ctx context.Context) (*Capture, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stream, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Codec: s.selector,
		Video: func(mc *mediadevices.MediaTrackConstraints) {
			mc.FrameFormat = prop.FrameFormat(frame.FormatI420)
		},
	})
	if err != nil {
		if s.fallback != nil {
			s.log.Warnf("GetDisplayMedia failed, using synthetic track: %v", err)
			return s.fallback.AcquireDisplay(ctx)
		}
		return nil, fmt.Errorf("media: display capture: %w", err)
	}
	return s.captureFrom(stream.GetTracks()), nil
}

func (s *DeviceSource) Release(c *Capture) {
	c.stop()
}

func (s *DeviceSource) captureFrom(tracks []mediadevices.Track) *Capture {
	var audioTrack, videoTrack webrtc.TrackLocal
	for _, t := range tracks {
		t.OnEnded(func(err error) {
			if err != nil {
				s.log.Warnf("local track ended: %v", err)
			}
		})
		switch t.Kind() {
		case webrtc.RTPCodecTypeAudio:
			audioTrack = t
		case webrtc.RTPCodecTypeVideo:
			videoTrack = t
		}
	}
	return NewCapture(audioTrack, videoTrack, func() {
		for _, t := range tracks {
			t.Close()
		}
	})
}

// filterTransform runs every captured chunk through f before encoding.
func filterTransform(f PCMFilter) audio.TransformFunc {
	return func(r audio.Reader) audio.Reader {
		return audio.ReaderFunc(func() (wave.Audio, func(), error) {
			chunk, release, err := r.Read()
			if err != nil {
				return nil, func() {}, err
			}
			switch a := chunk.(type) {
			case *wave.Int16Interleaved:
				f.FilterInt16(a.Data, a.Size.Channels)
			case *wave.Float32Interleaved:
				f.FilterFloat32(a.Data, a.Size.Channels)
			}
			return chunk, release, nil
		})
	}
}
