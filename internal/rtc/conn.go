package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/petervdpas/peercall/internal/proto"
	"github.com/sirupsen/logrus"
)

var ErrClosed = errors.New("rtc: connection closed")

// RemoteTrack is an inbound track after classification.
type RemoteTrack struct {
	Role     proto.Role
	ID       string
	StreamID string
	Kind     webrtc.RTPCodecType
	Track    *webrtc.TrackRemote
}

// Sink consumes RTP packets of one remote role.
type Sink interface {
	WriteRTP(*rtp.Packet) error
}

// Handlers are invoked from pion goroutines. Owners are expected to hand
// the events over to their own loop rather than act inline.
type Handlers struct {
	OnCandidate         func(proto.Candidate)
	OnConnectionState   func(webrtc.PeerConnectionState)
	OnTrack             func(RemoteTrack)
	OnNegotiationNeeded func()
}

// Conn is one call's negotiation and media engine.
type Conn struct {
	pc  *webrtc.PeerConnection
	log *logrus.Entry
	h   Handlers

	localStreamID string

	mu         sync.Mutex
	candidates candidateQueue
	classifier *classifier
	senders    map[proto.Role]*webrtc.RTPSender
	tags       map[proto.Role]proto.TrackTag
	sinks      map[proto.Role]Sink

	deafened atomic.Bool
	closed   atomic.Bool
}

// New creates a PeerConnection from api and wires its callbacks to h.
func New(api *webrtc.API, cfg Config, h Handlers, log *logrus.Entry) (*Conn, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.iceServers()})
	if err != nil {
		return nil, fmt.Errorf("rtc: new peer connection: %w", err)
	}
	c := &Conn{
		pc:            pc,
		log:           log.WithField("component", "rtc"),
		h:             h,
		localStreamID: "peercall-" + uuid.NewString(),
		classifier:    newClassifier(),
		senders:       make(map[proto.Role]*webrtc.RTPSender),
		tags:          make(map[proto.Role]proto.TrackTag),
		sinks:         make(map[proto.Role]Sink),
	}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil || c.h.OnCandidate == nil {
			return
		}
		c.h.OnCandidate(initToCandidate(cand.ToJSON()))
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.log.Debugf("connection state %s", s)
		if c.h.OnConnectionState != nil {
			c.h.OnConnectionState(s)
		}
	})
	pc.OnNegotiationNeeded(func() {
		if c.h.OnNegotiationNeeded != nil && !c.closed.Load() {
			c.h.OnNegotiationNeeded()
		}
	})
	pc.OnTrack(c.onTrack)
	return c, nil
}

// LocalStreamID is the stream every local track is grouped under.
func (c *Conn) LocalStreamID() string { return c.localStreamID }

func (c *Conn) SignalingState() webrtc.SignalingState { return c.pc.SignalingState() }

func (c *Conn) ConnectionState() webrtc.PeerConnectionState { return c.pc.ConnectionState() }

// ── descriptors ──────────────────────────────────────────────────────────────

// CreateOffer creates and applies a local offer. The returned description
// carries the role tags of every local track.
func (c *Conn) CreateOffer(_ context.Context) (proto.SessionDescription, error) {
	if c.closed.Load() {
		return proto.SessionDescription{}, ErrClosed
	}
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return proto.SessionDescription{}, fmt.Errorf("rtc: create offer: %w", err)
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return proto.SessionDescription{}, fmt.Errorf("rtc: set local offer: %w", err)
	}
	return proto.SessionDescription{Type: offer.Type.String(), SDP: offer.SDP, Tracks: c.LocalTags()}, nil
}

// AcceptOffer applies a remote offer and returns the local answer.
func (c *Conn) AcceptOffer(_ context.Context, desc proto.SessionDescription) (proto.SessionDescription, error) {
	if c.closed.Load() {
		return proto.SessionDescription{}, ErrClosed
	}
	if _, err := ParseSDP(desc.SDP); err != nil {
		return proto.SessionDescription{}, err
	}
	if err := c.applyRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: desc.SDP}, desc.Tracks); err != nil {
		return proto.SessionDescription{}, err
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return proto.SessionDescription{}, fmt.Errorf("rtc: create answer: %w", err)
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return proto.SessionDescription{}, fmt.Errorf("rtc: set local answer: %w", err)
	}
	return proto.SessionDescription{Type: answer.Type.String(), SDP: answer.SDP, Tracks: c.LocalTags()}, nil
}

// AcceptAnswer applies the remote answer to our outstanding offer.
func (c *Conn) AcceptAnswer(_ context.Context, desc proto.SessionDescription) error {
	if c.closed.Load() {
		return ErrClosed
	}
	return c.applyRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: desc.SDP}, desc.Tracks)
}

func (c *Conn) applyRemote(sd webrtc.SessionDescription, tags []proto.TrackTag) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range tags {
		c.classifier.tag(t)
	}
	if err := c.pc.SetRemoteDescription(sd); err != nil {
		return fmt.Errorf("rtc: set remote %s: %w", sd.Type, err)
	}
	if n := c.candidates.len(); n > 0 {
		c.log.Debugf("flushing %d queued candidates", n)
	}
	if err := c.candidates.open(c.pc.AddICECandidate); err != nil {
		c.log.Warnf("apply queued candidates: %v", err)
	}
	return nil
}

// AddCandidate applies a remote candidate, or queues it until a remote
// description has been set.
func (c *Conn) AddCandidate(cand proto.Candidate) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.candidates.add(candidateToInit(cand), c.pc.AddICECandidate); err != nil {
		return fmt.Errorf("rtc: add candidate: %w", err)
	}
	return nil
}

// ── classification hints ─────────────────────────────────────────────────────

// ExpectTag records the role of a remote track announced out of band.
func (c *Conn) ExpectTag(t proto.TrackTag) {
	c.mu.Lock()
	c.classifier.tag(t)
	c.mu.Unlock()
}

// ExpectScreenShare makes the next untagged inbound video a screen share.
func (c *Conn) ExpectScreenShare() {
	c.mu.Lock()
	c.classifier.expectScreen = true
	c.mu.Unlock()
}

// RemoteVideoStopped tells the classifier the remote stopped role.
func (c *Conn) RemoteVideoStopped(role proto.Role) {
	c.mu.Lock()
	c.classifier.videoStopped(role)
	c.mu.Unlock()
}

// ── remote media ─────────────────────────────────────────────────────────────

func (c *Conn) onTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	c.mu.Lock()
	role := c.classifier.classify(track.ID(), track.StreamID(), track.Kind())
	c.mu.Unlock()

	c.log.WithFields(logrus.Fields{
		"track":  track.ID(),
		"stream": track.StreamID(),
		"role":   role,
		"codec":  track.Codec().MimeType,
	}).Info("remote track")

	if track.Kind() == webrtc.RTPCodecTypeVideo {
		// ask for a keyframe so the first frames are decodable
		err := c.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())}})
		if err != nil {
			c.log.Debugf("PLI: %v", err)
		}
	}

	if c.h.OnTrack != nil {
		c.h.OnTrack(RemoteTrack{
			Role:     role,
			ID:       track.ID(),
			StreamID: track.StreamID(),
			Kind:     track.Kind(),
			Track:    track,
		})
	}
	go c.readRemote(role, track)
}

func (c *Conn) readRemote(role proto.Role, track *webrtc.TrackRemote) {
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		if role.IsAudio() && c.deafened.Load() {
			continue
		}
		c.mu.Lock()
		sink := c.sinks[role]
		c.mu.Unlock()
		if sink != nil {
			if err := sink.WriteRTP(pkt); err != nil {
				c.log.Debugf("sink %s: %v", role, err)
			}
		}
	}
}

// SetSink routes packets of role to sink; nil detaches.
func (c *Conn) SetSink(role proto.Role, sink Sink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sink == nil {
		delete(c.sinks, role)
		return
	}
	c.sinks[role] = sink
}

// SetDeafened drops inbound audio while set.
func (c *Conn) SetDeafened(deafened bool) { c.deafened.Store(deafened) }

// Close tears down the PeerConnection. Safe to call more than once.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.pc.Close()
}
