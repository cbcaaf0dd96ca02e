package media

import (
	"bytes"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v4/pkg/media/samplebuilder"
	"github.com/sirupsen/logrus"
)

const (
	videoClockRate = 90000
	audioClockRate = 48000

	// packets a sample builder may hold while waiting for late ones
	maxLateVideo = 256
	maxLateAudio = 32

	// subscriber queue depth; slow subscribers lose messages, never block
	subscriberQueue = 32
)

// WebMStream turns remote VP8 video and Opus audio RTP into a live WebM
// byte stream. The first message every subscriber gets is the init segment,
// followed by the last keyframe cluster when one exists, then live clusters.
// One cluster is emitted per video frame; audio queued since the previous
// video frame goes into the same cluster.
type WebMStream struct {
	log *logrus.Entry

	videoBuilder *samplebuilder.SampleBuilder
	audioBuilder *samplebuilder.SampleBuilder
	videoClock   rtpClock
	audioClock   rtpClock

	mu        sync.Mutex
	withAudio bool
	width     uint16
	height    uint16
	init      []byte
	lastKey   []byte
	audioQ    []queuedAudio
	subs      map[chan []byte]struct{}
	closed    bool
}

type queuedAudio struct {
	ms   int64
	data []byte
}

// NewWebMStream returns a stream. withAudio adds an Opus track and must be
// decided before the first keyframe.
func NewWebMStream(withAudio bool, log *logrus.Entry) *WebMStream {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &WebMStream{
		log:          log.WithField("component", "webm"),
		videoBuilder: samplebuilder.New(maxLateVideo, &codecs.VP8Packet{}, videoClockRate),
		audioBuilder: samplebuilder.New(maxLateAudio, &codecs.OpusPacket{}, audioClockRate),
		withAudio:    withAudio,
		subs:         make(map[chan []byte]struct{}),
	}
}

// VideoSink receives the VP8 RTP of the remote video role.
func (s *WebMStream) VideoSink() *RTPSink { return &RTPSink{write: s.writeVideoRTP} }

// AudioSink receives the Opus RTP of the remote voice role.
func (s *WebMStream) AudioSink() *RTPSink { return &RTPSink{write: s.writeAudioRTP} }

// RTPSink adapts one media kind of a WebMStream to the packet sink the
// connection writes remote RTP into.
type RTPSink struct {
	mu    sync.Mutex
	write func(*rtp.Packet)
}

func (k *RTPSink) WriteRTP(p *rtp.Packet) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.write(p)
	return nil
}

func (s *WebMStream) writeVideoRTP(p *rtp.Packet) {
	s.videoBuilder.Push(p)
	for sample := s.videoBuilder.Pop(); sample != nil; sample = s.videoBuilder.Pop() {
		ms := s.videoClock.millis(sample.PacketTimestamp, videoClockRate)
		s.WriteVideoFrame(ms, sample.Data)
	}
}

func (s *WebMStream) writeAudioRTP(p *rtp.Packet) {
	s.audioBuilder.Push(p)
	for sample := s.audioBuilder.Pop(); sample != nil; sample = s.audioBuilder.Pop() {
		ms := s.audioClock.millis(sample.PacketTimestamp, audioClockRate)
		s.WriteAudioFrame(ms, sample.Data)
	}
}

// WriteVideoFrame adds one complete VP8 frame at ms since the first frame.
func (s *WebMStream) WriteVideoFrame(ms int64, frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	key := vp8Keyframe(frame)

	if s.init == nil {
		if !key {
			return // MSE can only start on a keyframe
		}
		w, h, ok := vp8Dimensions(frame)
		if !ok {
			w, h = 640, 480
		}
		s.width, s.height = w, h
		s.init = initSegment(w, h, s.withAudio)
		s.log.Infof("init segment VP8 %dx%d audio=%v subs=%d", w, h, s.withAudio, len(s.subs))
		s.broadcastLocked(s.init)
	}

	// anchor the cluster at the earliest queued audio so relative
	// timecodes stay non-negative
	start := ms
	if len(s.audioQ) > 0 && s.audioQ[0].ms < start {
		start = s.audioQ[0].ms
	}
	var blocks bytes.Buffer
	for _, a := range s.audioQ {
		rel := a.ms - start
		if rel > 30000 {
			continue
		}
		blocks.Write(simpleBlock(trackAudio, int16(rel), false, a.data))
	}
	s.audioQ = s.audioQ[:0]
	blocks.Write(simpleBlock(trackVideo, int16(clampRel(ms-start)), key, frame))

	c := cluster(start, blocks.Bytes())
	if key {
		s.lastKey = c
	}
	s.broadcastLocked(c)
}

// WriteAudioFrame queues one Opus packet until the next video frame.
func (s *WebMStream) WriteAudioFrame(ms int64, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || !s.withAudio {
		return
	}
	s.audioQ = append(s.audioQ, queuedAudio{ms: ms, data: append([]byte(nil), data...)})
}

func clampRel(v int64) int64 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return v
}

// Subscribe returns a channel of WebM messages and its cancel func.
func (s *WebMStream) Subscribe() (<-chan []byte, func()) {
	ch := make(chan []byte, subscriberQueue)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	if s.init != nil {
		ch <- s.init
		if s.lastKey != nil {
			ch <- s.lastKey
		}
	}
	s.subs[ch] = struct{}{}
	n := len(s.subs)
	s.mu.Unlock()
	s.log.Debugf("subscriber added (total=%d)", n)

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			if _, ok := s.subs[ch]; ok {
				delete(s.subs, ch)
				close(ch)
			}
			s.mu.Unlock()
		})
	}
}

// Ready reports whether the init segment exists.
func (s *WebMStream) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.init != nil
}

// Close ends every subscription.
func (s *WebMStream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for ch := range s.subs {
		close(ch)
	}
	s.subs = nil
	s.audioQ = nil
}

func (s *WebMStream) broadcastLocked(msg []byte) {
	for ch := range s.subs {
		select {
		case ch <- msg:
		default:
		}
	}
}

// rtpClock unwraps 32-bit RTP timestamps into milliseconds since the first
// sample of a track.
type rtpClock struct {
	started bool
	last    uint32
	wraps   int64
	base    int64
}

func (c *rtpClock) millis(ts uint32, rate int64) int64 {
	if !c.started {
		c.started = true
		c.last = ts
		c.base = int64(ts)
	}
	if ts < c.last && c.last-ts > 1<<31 {
		c.wraps++
	}
	c.last = ts
	ticks := c.wraps<<32 + int64(ts) - c.base
	return ticks * 1000 / rate
}
