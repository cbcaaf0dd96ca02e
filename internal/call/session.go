package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/looplab/fsm"
	"github.com/pion/webrtc/v4"
	"github.com/petervdpas/peercall/internal/audio"
	"github.com/petervdpas/peercall/internal/media"
	"github.com/petervdpas/peercall/internal/metrics"
	"github.com/petervdpas/peercall/internal/proto"
	"github.com/petervdpas/peercall/internal/rtc"
	"github.com/petervdpas/peercall/internal/signaling"
	"github.com/sirupsen/logrus"
)

// ErrNoSoundpad is returned by PlayClip when the session has no soundpad track.
var ErrNoSoundpad = errors.New("call: soundpad disabled")

// Config describes one session.
type Config struct {
	Record proto.Record
	Self   string

	Relay     signaling.Relay
	Source    media.Source
	NewEngine EngineFactory

	Observer Observer
	Metrics  *metrics.Collector

	// Gate, when set, runs the microphone through a noise gate.
	Gate          *audio.GateConfig
	AudioDeviceID string
	VideoDeviceID string

	// Soundpad adds the secondary audio track for clips. ClipMonitor hears
	// the decoded clips locally.
	Soundpad    bool
	ClipMonitor media.PCMSink

	Timing Timing
	Log    *logrus.Entry
}

// Session is one call between self and a single counterpart. All state is
// owned by one loop goroutine; public methods post closures to it and wait.
type Session struct {
	rec    proto.Record
	self   string
	peer   string
	side   Side
	cfg    Config
	timing Timing
	obs    Observer
	met    *metrics.Collector
	log    *logrus.Entry

	inbox  *mailbox
	notify *notifier
	done   chan struct{}

	state  atomic.Value // State
	reason atomic.Value // string

	// loop-owned
	machine  *fsm.FSM
	timers   *timerSet
	finished bool

	engine  Engine
	channel *signaling.Channel
	graph   *audio.Graph
	player  *media.ClipPlayer
	mic     *media.Capture
	camera  *media.Capture
	screen  *media.Capture

	lastOffer    *proto.SessionDescription
	offerRetries int

	lastRemoteFP       string
	waiting            *remoteOffer
	waitUntil          time.Time
	pending            *remoteOffer
	renegotiatePending bool

	micMuted          bool
	mutedBeforeDeafen bool
	deafened          bool

	cleanupOnce sync.Once
}

type remoteOffer struct {
	desc proto.SessionDescription
	fp   string
}

// NewSession validates cfg and starts the session loop. The session stays
// idle until Start.
func NewSession(cfg Config) (*Session, error) {
	if cfg.Relay == nil || cfg.Source == nil || cfg.NewEngine == nil {
		return nil, errors.New("call: relay, source and engine factory are required")
	}
	rec := cfg.Record
	if rec.ID == "" {
		return nil, errors.New("call: record id missing")
	}
	if cfg.Self != rec.CallerID && cfg.Self != rec.CalleeID {
		return nil, fmt.Errorf("call: %s is not a participant of %s", cfg.Self, rec.ID)
	}
	side := Callee
	if cfg.Self == rec.CallerID {
		side = Caller
	}
	if cfg.Observer == nil {
		cfg.Observer = NopObserver{}
	}
	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	s := &Session{
		rec:    rec,
		self:   cfg.Self,
		peer:   rec.Counterpart(cfg.Self),
		side:   side,
		cfg:    cfg,
		timing: cfg.Timing.withDefaults(),
		obs:    cfg.Observer,
		met:    cfg.Metrics,
		log:    log.WithFields(logrus.Fields{"call": rec.ID, "side": side}),
		inbox:  newMailbox(),
		notify: newNotifier(),
		done:   make(chan struct{}),
	}
	s.state.Store(StateIdle)
	s.reason.Store("")
	s.timers = newTimerSet(s.inbox.put)
	s.machine = newMachine(s.onTransition)
	go s.loop()
	return s, nil
}

func (s *Session) Record() proto.Record { return s.rec }
func (s *Session) Side() Side           { return s.side }
func (s *Session) Peer() string         { return s.peer }

// State is safe to call from any goroutine.
func (s *Session) State() State { return s.state.Load().(State) }

// Done is closed once the session reached ended and released everything.
func (s *Session) Done() <-chan struct{} { return s.done }

// Reason is why the session ended, empty while it is live.
func (s *Session) Reason() string { return s.reason.Load().(string) }

// Start acquires local media, creates the engine and opens signaling. The
// caller then sends its offer; the callee waits for it.
func (s *Session) Start(ctx context.Context) error {
	return s.call(func() error { return s.start(ctx) })
}

// Reject declines the call. Callee only.
func (s *Session) Reject(_ context.Context) error {
	return s.call(func() error {
		if s.side != Callee {
			return ErrNotCallee
		}
		if s.State().Terminal() {
			return ErrEnded
		}
		s.terminate(ReasonRejected, proto.KindCallRejected, true)
		return nil
	})
}

// End hangs up: call-cancelled before the call was answered, call-ended
// after. Local resources are released after the flush delay.
func (s *Session) End(_ context.Context) error {
	return s.call(func() error {
		switch s.State() {
		case StateEnding, StateEnded:
			return ErrEnded
		case StateIdle:
			s.terminate(ReasonCancelled, "", false)
		case StateStarting, StateRinging:
			s.terminate(ReasonCancelled, proto.KindCallCancelled, true)
		default:
			s.terminate(ReasonEnded, proto.KindCallEnded, true)
		}
		return nil
	})
}

func (s *Session) SetMicMuted(muted bool) error {
	return s.call(func() error {
		if s.graph == nil {
			return ErrNotStarted
		}
		s.micMuted = muted
		s.graph.SetMuted(muted)
		return nil
	})
}

// SetDeafened drops remote audio and mutes the microphone. Undeafening
// restores the microphone to what it was before.
func (s *Session) SetDeafened(deafened bool) error {
	return s.call(func() error {
		if err := s.ready(); err != nil {
			return err
		}
		if deafened == s.deafened {
			return nil
		}
		if deafened {
			s.mutedBeforeDeafen = s.micMuted
			s.micMuted = true
		} else {
			s.micMuted = s.mutedBeforeDeafen
		}
		s.deafened = deafened
		s.graph.SetMuted(s.micMuted)
		s.graph.SetDeafened(deafened)
		s.engine.SetDeafened(deafened)
		return nil
	})
}

// AudioState returns the local mute and deafen flags.
func (s *Session) AudioState() (proto.AudioState, error) {
	var st proto.AudioState
	err := s.call(func() error {
		st = proto.AudioState{Muted: s.micMuted, Deafened: s.deafened}
		return nil
	})
	return st, err
}

// SendAudioState tells the counterpart about the local mute state.
func (s *Session) SendAudioState(_ context.Context, muted, deafened bool) error {
	return s.call(func() error {
		if err := s.ready(); err != nil {
			return err
		}
		return s.send(proto.KindAudioStateChange, proto.AudioState{Muted: muted, Deafened: deafened})
	})
}

func (s *Session) StartCamera(ctx context.Context) error {
	return s.call(func() error {
		if err := s.ready(); err != nil {
			return err
		}
		if s.engine.HasLocal(proto.RolePrimaryVideo) {
			return nil
		}
		cam, err := s.cfg.Source.Acquire(ctx, media.Constraints{Video: true, VideoDeviceID: s.cfg.VideoDeviceID})
		if err != nil {
			return fmt.Errorf("call: acquire camera: %w", err)
		}
		tag, err := s.addCamera(cam)
		if err != nil {
			return err
		}
		err = s.send(proto.KindCameraStarted, proto.MediaChange{Track: &tag})
		s.renegotiate()
		return err
	})
}

func (s *Session) StopCamera(_ context.Context) error {
	return s.call(func() error {
		if err := s.ready(); err != nil {
			return err
		}
		if !s.engine.HasLocal(proto.RolePrimaryVideo) {
			return nil
		}
		if err := s.engine.RemoveLocal(proto.RolePrimaryVideo); err != nil {
			return err
		}
		s.release(&s.camera)
		s.emit(func(o Observer) { o.OnLocalMedia(proto.RolePrimaryVideo, false) })
		err := s.send(proto.KindCameraStopped, proto.MediaChange{})
		s.renegotiate()
		return err
	})
}

// StartScreenShare sends capture's video as the secondary video track. The
// session owns capture from here on.
func (s *Session) StartScreenShare(_ context.Context, capture *media.Capture) error {
	if capture == nil || capture.Video == nil {
		return errors.New("call: screen capture has no video track")
	}
	owned := false
	err := s.call(func() error {
		if err := s.ready(); err != nil {
			return err
		}
		if s.engine.HasLocal(proto.RoleSecondaryVideo) {
			return nil
		}
		tag, err := s.engine.AddLocal(proto.RoleSecondaryVideo, capture.Video)
		if err != nil {
			return err
		}
		s.screen, owned = capture, true
		s.emit(func(o Observer) { o.OnLocalMedia(proto.RoleSecondaryVideo, true) })
		err = s.send(proto.KindScreenShareStarted, proto.MediaChange{Track: &tag})
		s.renegotiate()
		return err
	})
	if !owned {
		s.cfg.Source.Release(capture)
	}
	return err
}

func (s *Session) StopScreenShare(_ context.Context) error {
	return s.call(func() error {
		if err := s.ready(); err != nil {
			return err
		}
		if !s.engine.HasLocal(proto.RoleSecondaryVideo) {
			return nil
		}
		if err := s.engine.RemoveLocal(proto.RoleSecondaryVideo); err != nil {
			return err
		}
		s.release(&s.screen)
		s.emit(func(o Observer) { o.OnLocalMedia(proto.RoleSecondaryVideo, false) })
		err := s.send(proto.KindScreenShareStopped, proto.MediaChange{})
		s.renegotiate()
		return err
	})
}

// ScreenSharing reports whether the local screen is being sent.
func (s *Session) ScreenSharing() bool {
	var on bool
	_ = s.call(func() error {
		on = s.engine != nil && s.engine.HasLocal(proto.RoleSecondaryVideo)
		return nil
	})
	return on
}

// CameraOn reports whether the local camera is being sent.
func (s *Session) CameraOn() bool {
	var on bool
	_ = s.call(func() error {
		on = s.engine != nil && s.engine.HasLocal(proto.RolePrimaryVideo)
		return nil
	})
	return on
}

// ReplaceAudioTrack switches the microphone without renegotiating.
func (s *Session) ReplaceAudioTrack(ctx context.Context, deviceID string) error {
	return s.call(func() error {
		if err := s.ready(); err != nil {
			return err
		}
		mic, err := s.cfg.Source.Acquire(ctx, media.Constraints{Audio: true, AudioDeviceID: deviceID, Filter: s.graph})
		if err != nil {
			return fmt.Errorf("call: acquire microphone %q: %w", deviceID, err)
		}
		if mic.Audio == nil {
			s.cfg.Source.Release(mic)
			return media.ErrNoDevice
		}
		if err := s.engine.ReplaceLocal(proto.RolePrimaryAudio, mic.Audio); err != nil {
			s.cfg.Source.Release(mic)
			return err
		}
		s.release(&s.mic)
		s.mic = mic
		return nil
	})
}

// ReplaceVideoTrack switches the camera without renegotiating.
func (s *Session) ReplaceVideoTrack(ctx context.Context, deviceID string) error {
	return s.call(func() error {
		if err := s.ready(); err != nil {
			return err
		}
		cam, err := s.cfg.Source.Acquire(ctx, media.Constraints{Video: true, VideoDeviceID: deviceID})
		if err != nil {
			return fmt.Errorf("call: acquire camera %q: %w", deviceID, err)
		}
		if cam.Video == nil {
			s.cfg.Source.Release(cam)
			return media.ErrNoDevice
		}
		if err := s.engine.ReplaceLocal(proto.RolePrimaryVideo, cam.Video); err != nil {
			s.cfg.Source.Release(cam)
			return err
		}
		s.release(&s.camera)
		s.camera = cam
		return nil
	})
}

// SetNoiseGate swaps the microphone gate; nil removes it.
func (s *Session) SetNoiseGate(cfg *audio.GateConfig) error {
	return s.call(func() error {
		if s.graph == nil {
			return ErrNotStarted
		}
		if cfg == nil {
			s.graph.DetachGate()
			return nil
		}
		gate, err := audio.NewNoiseGate(*cfg)
		if err != nil {
			return fmt.Errorf("call: noise gate: %w", err)
		}
		s.graph.AttachGate(gate)
		return nil
	})
}

// PlayClip sends an Ogg/Opus clip on the soundpad track.
func (s *Session) PlayClip(ctx context.Context, clip []byte) error {
	return s.call(func() error {
		if err := s.ready(); err != nil {
			return err
		}
		if s.player == nil {
			return ErrNoSoundpad
		}
		return s.player.Play(ctx, clip)
	})
}

// AttachSink routes remote RTP of role into sink.
func (s *Session) AttachSink(role proto.Role, sink rtc.Sink) error {
	return s.call(func() error {
		if err := s.ready(); err != nil {
			return err
		}
		s.engine.SetSink(role, sink)
		return nil
	})
}

// start runs on the loop.
func (s *Session) start(ctx context.Context) error {
	if !s.machine.Can(evStart) {
		return ErrStarted
	}
	s.fire(evStart)
	s.met.CallStarted(string(s.side))

	ctx, cancel := context.WithTimeout(ctx, s.timing.SetupTimeout)
	defer cancel()
	if err := s.setup(ctx); err != nil {
		s.log.Errorf("setup failed: %v", err)
		s.emit(func(o Observer) { o.OnError(err) })
		kind := proto.KindCallEnded
		if s.side == Caller {
			kind = proto.KindCallCancelled
		}
		s.terminate(ReasonSetupFailed, kind, s.channel != nil)
		return err
	}

	next := evConnect
	if s.side == Caller {
		next = evRing
	}
	if s.State() == StateStarting {
		s.fire(next)
	}
	return nil
}

func (s *Session) setup(ctx context.Context) error {
	s.graph = audio.NewGraph(s.log)
	if s.cfg.Gate != nil {
		gate, err := audio.NewNoiseGate(*s.cfg.Gate)
		if err != nil {
			return fmt.Errorf("call: noise gate: %w", err)
		}
		s.graph.AttachGate(gate)
	}

	mic, err := s.cfg.Source.Acquire(ctx, media.Constraints{
		Audio:         true,
		AudioDeviceID: s.cfg.AudioDeviceID,
		Filter:        s.graph,
	})
	if err != nil {
		return fmt.Errorf("call: acquire microphone: %w", err)
	}
	s.mic = mic

	engine, err := s.cfg.NewEngine(rtc.Handlers{
		OnCandidate:         func(c proto.Candidate) { s.inbox.put(candidateEvent{c}) },
		OnConnectionState:   func(st webrtc.PeerConnectionState) { s.inbox.put(connStateEvent{st}) },
		OnTrack:             func(t rtc.RemoteTrack) { s.inbox.put(trackEvent{t}) },
		OnNegotiationNeeded: func() { s.inbox.put(negotiationEvent{}) },
	}, s.log)
	if err != nil {
		return fmt.Errorf("call: create engine: %w", err)
	}
	s.engine = engine

	if mic.Audio != nil {
		if _, err := engine.AddLocal(proto.RolePrimaryAudio, mic.Audio); err != nil {
			return fmt.Errorf("call: add microphone: %w", err)
		}
		s.emit(func(o Observer) { o.OnLocalMedia(proto.RolePrimaryAudio, true) })
	}

	if s.rec.CallType == proto.CallVideo {
		cam, err := s.cfg.Source.Acquire(ctx, media.Constraints{Video: true, VideoDeviceID: s.cfg.VideoDeviceID})
		if err != nil {
			s.log.Warnf("camera unavailable, continuing with audio only: %v", err)
		} else if _, err := s.addCamera(cam); err != nil {
			s.log.Warnf("camera not added: %v", err)
		}
	}

	if s.cfg.Soundpad {
		player, err := media.NewClipPlayer(s.cfg.ClipMonitor, s.log)
		if err != nil {
			s.log.Warnf("soundpad disabled: %v", err)
		} else if _, err := engine.AddLocal(proto.RoleSecondaryAudio, player.Track()); err != nil {
			player.Close()
			s.log.Warnf("soundpad disabled: %v", err)
		} else {
			s.player = player
		}
	}

	ch, err := signaling.Open(ctx, signaling.Options{
		Relay:       s.cfg.Relay,
		CallID:      s.rec.ID,
		Self:        s.self,
		Peer:        s.peer,
		Handler:     func(sig proto.Signal) { s.inbox.put(signalEvent{sig}) },
		OnDuplicate: func(proto.Signal) { s.met.Duplicate() },
		Log:         s.log,
	})
	if err != nil {
		return fmt.Errorf("call: open signaling: %w", err)
	}
	s.channel = ch

	if s.side == Caller {
		offer, err := s.engine.CreateOffer(ctx)
		if err != nil {
			return fmt.Errorf("call: create offer: %w", err)
		}
		s.lastOffer = &offer
		s.offerRetries = 0
		_ = s.send(proto.KindOffer, offer)
		s.timers.arm(timerOfferRetry, s.timing.OfferRetry)
	}
	return nil
}

// addCamera takes ownership of cam.
func (s *Session) addCamera(cam *media.Capture) (proto.TrackTag, error) {
	if cam.Video == nil {
		s.cfg.Source.Release(cam)
		return proto.TrackTag{}, media.ErrNoDevice
	}
	tag, err := s.engine.AddLocal(proto.RolePrimaryVideo, cam.Video)
	if err != nil {
		s.cfg.Source.Release(cam)
		return proto.TrackTag{}, err
	}
	s.camera = cam
	s.emit(func(o Observer) { o.OnLocalMedia(proto.RolePrimaryVideo, true) })
	return tag, nil
}

func (s *Session) release(c **media.Capture) {
	if *c != nil {
		s.cfg.Source.Release(*c)
		*c = nil
	}
}

func (s *Session) ready() error {
	if s.State().Terminal() {
		return ErrEnded
	}
	if s.engine == nil {
		return ErrNotStarted
	}
	return nil
}

// terminate moves to ending and, unless flush is set, straight on to ended.
// kind, if set, is sent to the counterpart first.
func (s *Session) terminate(reason string, kind proto.Kind, flush bool) {
	if !s.machine.Can(evEnd) {
		return
	}
	s.reason.Store(reason)
	s.fire(evEnd)
	s.timers.cancelAll()
	s.waiting, s.pending = nil, nil
	s.renegotiatePending = false

	if kind != "" && s.channel != nil {
		_ = s.send(kind, proto.Hangup{Reason: reason})
	}
	if flush {
		s.timers.arm(timerEndFlush, s.timing.EndFlush)
		return
	}
	s.finish()
}

func (s *Session) finish() {
	if !s.machine.Can(evFinish) {
		return
	}
	s.cleanup()
	s.fire(evFinish)
	reason := s.Reason()
	s.met.CallEnded(reason)
	s.log.Infof("call ended: %s", reason)
	s.emit(func(o Observer) { o.OnEnded(reason) })
	s.finished = true
}

func (s *Session) cleanup() {
	s.cleanupOnce.Do(func() {
		if s.player != nil {
			s.player.Close()
		}
		if s.channel != nil {
			ctx, cancel := context.WithTimeout(context.Background(), s.timing.SignalSendTimeout)
			s.channel.Close(ctx)
			cancel()
		}
		if s.engine != nil {
			if err := s.engine.Close(); err != nil {
				s.log.Debugf("close engine: %v", err)
			}
		}
		s.release(&s.screen)
		s.release(&s.camera)
		s.release(&s.mic)
		if s.graph != nil {
			s.graph.Close()
		}
	})
}

func (s *Session) fire(ev string) {
	if err := s.machine.Event(context.Background(), ev); err != nil {
		s.log.Warnf("state event %s: %v", ev, err)
	}
}

func (s *Session) onTransition(from, to State) {
	s.state.Store(to)
	s.met.Transition(string(from), string(to))
	s.log.Debugf("state %s -> %s", from, to)
	s.emit(func(o Observer) { o.OnStateChange(from, to) })
}

func (s *Session) emit(fn func(Observer)) {
	obs := s.obs
	s.notify.post(func() { fn(obs) })
}

func (s *Session) send(kind proto.Kind, payload any) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timing.SignalSendTimeout)
	defer cancel()
	if _, err := s.channel.Send(ctx, kind, payload); err != nil {
		s.log.Warnf("send %s: %v", kind, err)
		return fmt.Errorf("call: send %s: %w", kind, err)
	}
	s.met.SignalSent(string(kind))
	return nil
}
