package call

import (
	"context"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/petervdpas/peercall/internal/proto"
	"github.com/petervdpas/peercall/internal/rtc"
)

// mailbox is the session inbox. put never blocks, so pion and relay
// goroutines can post from inside their own callbacks.
type mailbox struct {
	mu    sync.Mutex
	items []event
	ready chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{ready: make(chan struct{}, 1)}
}

func (m *mailbox) put(e event) {
	m.mu.Lock()
	m.items = append(m.items, e)
	m.mu.Unlock()
	select {
	case m.ready <- struct{}{}:
	default:
	}
}

func (m *mailbox) take() []event {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.items
	m.items = nil
	return items
}

func (s *Session) loop() {
	defer s.notify.close()
	for range s.inbox.ready {
		for _, ev := range s.inbox.take() {
			s.handle(ev)
			if s.finished {
				close(s.done)
				return
			}
		}
	}
}

// call runs fn on the loop and returns its result.
func (s *Session) call(fn func() error) error {
	select {
	case <-s.done:
		return ErrEnded
	default:
	}
	reply := make(chan error, 1)
	s.inbox.put(callEvent{fn: func() { reply <- fn() }})
	select {
	case err := <-reply:
		return err
	case <-s.done:
		// done closes after the closure that finished the session replied
		select {
		case err := <-reply:
			return err
		default:
			return ErrEnded
		}
	}
}

func (s *Session) handle(ev event) {
	switch e := ev.(type) {
	case callEvent:
		e.fn()
	case signalEvent:
		s.onSignal(e.sig)
	case candidateEvent:
		if s.channel != nil && !s.State().Terminal() {
			_ = s.send(proto.KindICECandidate, e.c)
		}
	case connStateEvent:
		s.onConnectionState(e.state)
	case trackEvent:
		s.onTrack(e.track)
	case negotiationEvent:
		s.onNegotiationNeeded()
	case timerEvent:
		if s.timers.fire(e) {
			s.onTimer(e.name)
		}
	}
}

func (s *Session) onSignal(sig proto.Signal) {
	if s.State().Terminal() || s.engine == nil {
		s.log.Debugf("ignoring %s in state %s", sig.Kind, s.State())
		return
	}
	s.met.SignalReceived(string(sig.Kind))

	switch sig.Kind {
	case proto.KindOffer:
		s.onOffer(sig)
	case proto.KindAnswer:
		s.onAnswer(sig)
	case proto.KindICECandidate:
		var c proto.Candidate
		if err := sig.Decode(&c); err != nil {
			s.log.Warnf("candidate: %v", err)
			return
		}
		if err := s.engine.AddCandidate(c); err != nil {
			s.log.Debugf("add candidate: %v", err)
		}
	case proto.KindCallEnded:
		s.terminate(ReasonRemoteEnded, "", false)
	case proto.KindCallRejected:
		s.terminate(ReasonRemoteRejected, "", false)
	case proto.KindCallCancelled:
		s.terminate(ReasonRemoteCancelled, "", false)
	case proto.KindScreenShareStarted:
		if tag, ok := mediaTag(sig); ok {
			s.engine.ExpectTag(tag)
		} else {
			s.engine.ExpectScreenShare()
		}
		s.emit(func(o Observer) { o.OnRemoteScreenShare(true) })
	case proto.KindScreenShareStopped:
		s.engine.RemoteVideoStopped(proto.RoleSecondaryVideo)
		s.emit(func(o Observer) { o.OnRemoteScreenShare(false) })
	case proto.KindCameraStarted:
		if tag, ok := mediaTag(sig); ok {
			s.engine.ExpectTag(tag)
		}
		s.emit(func(o Observer) { o.OnRemoteCamera(true) })
	case proto.KindCameraStopped:
		s.engine.RemoteVideoStopped(proto.RolePrimaryVideo)
		s.emit(func(o Observer) { o.OnRemoteCamera(false) })
	case proto.KindAudioStateChange:
		var st proto.AudioState
		if err := sig.Decode(&st); err != nil {
			s.log.Warnf("audio state: %v", err)
			return
		}
		s.emit(func(o Observer) { o.OnRemoteAudioState(st) })
	}
}

func mediaTag(sig proto.Signal) (proto.TrackTag, bool) {
	if len(sig.Payload) == 0 {
		return proto.TrackTag{}, false
	}
	var mc proto.MediaChange
	if err := sig.Decode(&mc); err != nil || mc.Track == nil || mc.Track.TrackID == "" {
		return proto.TrackTag{}, false
	}
	return *mc.Track, true
}

// onOffer keeps at most one offer waiting for stable and one pending behind
// it; a newer pending offer replaces the older one.
func (s *Session) onOffer(sig proto.Signal) {
	var desc proto.SessionDescription
	if err := sig.Decode(&desc); err != nil {
		s.log.Warnf("offer: %v", err)
		return
	}
	fp := rtc.Fingerprint(desc.SDP)
	if fp == s.lastRemoteFP ||
		(s.waiting != nil && s.waiting.fp == fp) ||
		(s.pending != nil && s.pending.fp == fp) {
		s.log.Debugf("dropping duplicate offer %s", sig.ID)
		s.met.Duplicate()
		return
	}

	o := &remoteOffer{desc: desc, fp: fp}
	if s.waiting != nil {
		if s.pending != nil {
			s.log.Debug("newer offer supersedes pending one")
		}
		s.pending = o
		return
	}
	s.processOffer(o)
}

func (s *Session) processOffer(o *remoteOffer) {
	if s.engine.SignalingState() == webrtc.SignalingStateStable {
		s.applyOffer(o)
		return
	}
	s.waiting = o
	s.waitUntil = time.Now().Add(s.timing.StableWait)
	s.timers.arm(timerStablePoll, s.timing.StablePoll)
}

func (s *Session) pollStable() {
	if s.waiting == nil {
		return
	}
	switch {
	case s.engine.SignalingState() == webrtc.SignalingStateStable:
		o := s.waiting
		s.waiting = nil
		s.applyOffer(o)
	case time.Now().After(s.waitUntil):
		s.log.Warnf("dropping offer: signaling state still %s after %s",
			s.engine.SignalingState(), s.timing.StableWait)
		s.waiting = nil
	default:
		s.timers.arm(timerStablePoll, s.timing.StablePoll)
		return
	}

	if s.pending != nil && s.waiting == nil && !s.State().Terminal() {
		next := s.pending
		s.pending = nil
		s.processOffer(next)
	}
}

func (s *Session) applyOffer(o *remoteOffer) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timing.SignalSendTimeout)
	defer cancel()
	answer, err := s.engine.AcceptOffer(ctx, o.desc)
	if err != nil {
		s.met.NegotiationFailed()
		s.log.Warnf("apply offer: %v", err)
		return
	}
	s.lastRemoteFP = o.fp
	_ = s.send(proto.KindAnswer, answer)
	s.afterStable()
}

func (s *Session) onAnswer(sig proto.Signal) {
	if st := s.engine.SignalingState(); st != webrtc.SignalingStateHaveLocalOffer {
		s.log.Debugf("ignoring answer in signaling state %s", st)
		return
	}
	var desc proto.SessionDescription
	if err := sig.Decode(&desc); err != nil {
		s.log.Warnf("answer: %v", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timing.SignalSendTimeout)
	defer cancel()
	if err := s.engine.AcceptAnswer(ctx, desc); err != nil {
		s.met.NegotiationFailed()
		s.log.Warnf("apply answer: %v", err)
		return
	}
	s.afterStable()
}

func (s *Session) afterStable() {
	if s.renegotiatePending && s.engine.SignalingState() == webrtc.SignalingStateStable {
		s.renegotiatePending = false
		s.renegotiate()
	}
}

// renegotiate sends a fresh offer, or defers it until the current exchange
// is done.
func (s *Session) renegotiate() {
	if s.State().Terminal() {
		return
	}
	if s.engine.SignalingState() != webrtc.SignalingStateStable || s.waiting != nil {
		s.renegotiatePending = true
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timing.SignalSendTimeout)
	defer cancel()
	offer, err := s.engine.CreateOffer(ctx)
	if err != nil {
		s.met.NegotiationFailed()
		s.log.Warnf("renegotiation offer: %v", err)
		return
	}
	_ = s.send(proto.KindOffer, offer)
}

func (s *Session) onNegotiationNeeded() {
	if s.State() != StateActive || s.waiting != nil ||
		s.engine.SignalingState() != webrtc.SignalingStateStable {
		return
	}
	s.renegotiate()
}

func (s *Session) onConnectionState(st webrtc.PeerConnectionState) {
	s.emit(func(o Observer) { o.OnConnectionStateChange(st) })
	if s.State().Terminal() {
		return
	}
	switch st {
	case webrtc.PeerConnectionStateConnected:
		if s.timers.armed(timerFailureGrace) {
			s.log.Info("connection recovered")
			s.timers.cancel(timerFailureGrace)
		}
		s.activate()
	case webrtc.PeerConnectionStateFailed:
		if !s.timers.armed(timerFailureGrace) {
			s.log.Warnf("connection failed, waiting %s for recovery", s.timing.FailureGrace)
			s.timers.arm(timerFailureGrace, s.timing.FailureGrace)
		}
	}
}

func (s *Session) onTrack(t rtc.RemoteTrack) {
	if s.State().Terminal() {
		return
	}
	s.log.Debugf("remote track %s classified as %s", t.ID, t.Role)
	s.emit(func(o Observer) { o.OnRemoteTrack(t) })
	switch s.State() {
	case StateStarting, StateRinging, StateConnecting:
		s.activate()
	}
}

func (s *Session) activate() {
	if !s.machine.Can(evActivate) {
		return
	}
	s.fire(evActivate)
	s.timers.cancel(timerOfferRetry)
	s.timers.arm(timerStats, s.timing.StatsInterval)
}

func (s *Session) onTimer(name timerName) {
	switch name {
	case timerOfferRetry:
		s.retryOffer()
	case timerStablePoll:
		s.pollStable()
	case timerFailureGrace:
		s.log.Warn("connection did not recover")
		s.terminate(ReasonConnectionFailed, proto.KindCallEnded, true)
	case timerEndFlush:
		s.finish()
	case timerStats:
		if rtt, ok := s.engine.RoundTripTime(); ok {
			s.met.ObserveRTT(rtt)
			s.emit(func(o Observer) { o.OnRoundTripTime(rtt) })
		}
		if s.State() == StateActive {
			s.timers.arm(timerStats, s.timing.StatsInterval)
		}
	}
}

// retryOffer re-sends the initial offer under a new signal id while no
// answer has arrived.
func (s *Session) retryOffer() {
	switch s.State() {
	case StateStarting, StateRinging, StateConnecting:
	default:
		return
	}
	if s.lastOffer == nil || s.engine.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		return
	}
	if s.offerRetries >= s.timing.MaxOfferRetries {
		s.log.Warnf("no answer after %d offer retries", s.offerRetries)
		return
	}
	s.offerRetries++
	s.met.OfferRetry()
	s.log.Debugf("re-sending offer (%d/%d)", s.offerRetries, s.timing.MaxOfferRetries)
	_ = s.send(proto.KindOffer, *s.lastOffer)
	s.timers.arm(timerOfferRetry, s.timing.OfferRetry)
}
