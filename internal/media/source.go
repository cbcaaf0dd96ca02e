// Package media acquires local capture tracks for a call and handles the
// media that does not go through the capture path: soundpad clips and the
// WebM rendition of remote video.
package media

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
)

var ErrNoDevice = errors.New("media: no capture device available")

// PCMFilter processes raw capture audio in place before it is encoded.
// audio.Graph implements it.
type PCMFilter interface {
	FilterInt16(samples []int16, channels int)
	FilterFloat32(samples []float32, channels int)
}

// Constraints selects what Acquire opens.
type Constraints struct {
	Audio         bool
	Video         bool
	AudioDeviceID string
	VideoDeviceID string
	Filter        PCMFilter
}

// Capture is a set of local tracks opened together.
type Capture struct {
	Audio webrtc.TrackLocal
	Video webrtc.TrackLocal

	closed  atomic.Bool
	closeFn func()
}

// NewCapture wraps tracks with the func that stops them.
func NewCapture(audio, video webrtc.TrackLocal, closeFn func()) *Capture {
	return &Capture{Audio: audio, Video: video, closeFn: closeFn}
}

// Close stops the underlying devices once.
func (c *Capture) Close() { c.stop() }

// stop reports whether this call was the one that closed c.
func (c *Capture) stop() bool {
	if c == nil || c.closed.Swap(true) {
		return false
	}
	if c.closeFn != nil {
		c.closeFn()
	}
	return true
}

// Source opens capture devices.
type Source interface {
	// SetupMediaEngine registers the codecs this source's tracks are encoded with.
	SetupMediaEngine(*webrtc.MediaEngine) error
	Acquire(ctx context.Context, c Constraints) (*Capture, error)
	AcquireDisplay(ctx context.Context) (*Capture, error)
	Release(c *Capture)
}
