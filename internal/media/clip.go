package media

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/opus"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
	"github.com/sirupsen/logrus"
)

// largest Opus packet: 120ms of 48kHz stereo int16
const maxDecodedBytes = 5760 * 2 * 2

// SampleWriter is where encoded clip pages go. *webrtc.TrackLocalStaticSample
// implements it.
type SampleWriter interface {
	WriteSample(pionmedia.Sample) error
}

// PCMSink receives the locally decoded clip audio.
type PCMSink interface {
	WritePCM(samples []int16, sampleRate int, stereo bool)
}

// ClipPlayer plays Ogg/Opus soundpad clips onto the secondary audio track
// and, where the packets are decodable, into a local PCM sink so the user
// hears what they send.
type ClipPlayer struct {
	log   *logrus.Entry
	track *webrtc.TrackLocalStaticSample
	out   SampleWriter
	local PCMSink

	// sleep paces pages; replaced in tests
	sleep func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	playing atomic.Bool
	closed  bool
}

// NewClipPlayer creates a player with its own Opus track.
func NewClipPlayer(local PCMSink, log *logrus.Entry) (*ClipPlayer, error) {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"soundpad-"+uuid.NewString(), "soundpad")
	if err != nil {
		return nil, fmt.Errorf("media: soundpad track: %w", err)
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &ClipPlayer{
		log:   log.WithField("component", "soundpad"),
		track: track,
		out:   track,
		local: local,
		sleep: sleepCtx,
	}, nil
}

// Track is the soundpad track to add to the connection.
func (p *ClipPlayer) Track() webrtc.TrackLocal { return p.track }

// Playing reports whether a clip is being sent.
func (p *ClipPlayer) Playing() bool { return p.playing.Load() }

// Play starts sending clip, replacing any clip still playing. It returns
// once the clip header is validated; pages are paced in the background.
func (p *ClipPlayer) Play(ctx context.Context, clip []byte) error {
	reader, header, err := oggreader.NewWith(bytes.NewReader(clip))
	if err != nil {
		return fmt.Errorf("media: clip is not Ogg/Opus: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("media: clip player closed")
	}
	p.stopLocked()

	playCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	p.cancel, p.done = cancel, done
	p.playing.Store(true)
	go p.run(playCtx, reader, int(header.Channels), done)
	return nil
}

func (p *ClipPlayer) run(ctx context.Context, reader *oggreader.OggReader, channels int, done chan struct{}) {
	defer close(done)
	defer p.playing.Store(false)

	decoder := opus.NewDecoder()
	pcm := make([]byte, maxDecodedBytes)
	decodeOK := p.local != nil

	var lastGranule uint64
	pages := 0
	for {
		data, hdr, err := reader.ParseNextPage()
		if errors.Is(err, io.EOF) {
			p.log.Debugf("clip finished after %d pages", pages)
			return
		}
		if err != nil {
			p.log.Warnf("clip page: %v", err)
			return
		}
		if bytes.HasPrefix(data, []byte("OpusTags")) {
			continue
		}

		var dur time.Duration
		if hdr.GranulePosition > lastGranule {
			dur = time.Duration(float64(hdr.GranulePosition-lastGranule) / 48000 * float64(time.Second))
		}
		lastGranule = hdr.GranulePosition

		if err := p.out.WriteSample(pionmedia.Sample{Data: data, Duration: dur}); err != nil {
			p.log.Debugf("soundpad write: %v", err)
		}
		pages++

		if decodeOK {
			bw, stereo, err := decoder.Decode(data, pcm)
			if err != nil {
				// pion/opus handles SILK only; CELT clips are sent but not monitored
				p.log.Debugf("local decode disabled: %v", err)
				decodeOK = false
			} else {
				p.local.WritePCM(bytesToInt16(pcm), bw.SampleRate(), stereo || channels > 1)
			}
		}

		if err := p.sleep(ctx, dur); err != nil {
			return
		}
	}
}

// Stop aborts the current clip, if any, and waits for it to wind down.
func (p *ClipPlayer) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
}

func (p *ClipPlayer) stopLocked() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
	p.cancel, p.done = nil, nil
}

// Close stops playback for good.
func (p *ClipPlayer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
	p.closed = true
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func bytesToInt16(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[2*i:]))
	}
	return out
}

// LevelMeter is a PCMSink that keeps the peak level of the last buffer.
type LevelMeter struct {
	peak atomic.Uint64
}

func (m *LevelMeter) WritePCM(samples []int16, _ int, _ bool) {
	var peak float64
	for _, s := range samples {
		if v := math.Abs(float64(s)) / 32768; v > peak {
			peak = v
		}
	}
	m.peak.Store(math.Float64bits(peak))
}

// Peak returns the last peak in [0, 1].
func (m *LevelMeter) Peak() float64 { return math.Float64frombits(m.peak.Load()) }
