// Package call runs two-party WebRTC call sessions: one Session per call,
// driven by an event loop, and a Manager that owns the current session,
// answers invites and keeps the call record in step.
package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/petervdpas/peercall/internal/audio"
	"github.com/petervdpas/peercall/internal/media"
	"github.com/petervdpas/peercall/internal/metrics"
	"github.com/petervdpas/peercall/internal/proto"
	"github.com/petervdpas/peercall/internal/rtc"
	"github.com/petervdpas/peercall/internal/signaling"
	"github.com/sirupsen/logrus"
)

// IncomingCall is handed to OnIncoming handlers for every invite.
type IncomingCall struct {
	Record proto.Record
	Accept func(ctx context.Context) (*Session, error)
	Reject func(ctx context.Context) error
}

// ManagerConfig wires a Manager. Records and Invites are optional.
type ManagerConfig struct {
	Self      string
	Relay     signaling.Relay
	Records   RecordStore
	Invites   InviteSource
	Source    media.Source
	NewEngine EngineFactory
	Metrics   *metrics.Collector

	Gate          *audio.GateConfig
	AudioDeviceID string
	VideoDeviceID string
	Soundpad      bool
	ClipMonitor   media.PCMSink

	Timing Timing
	Log    *logrus.Entry
}

// Manager owns at most one session at a time and bridges invites to it.
type Manager struct {
	cfg ManagerConfig
	log *logrus.Entry

	mu      sync.RWMutex
	current *Session
	ringing map[string]proto.Record
	gate    *audio.GateConfig

	observersMu sync.RWMutex
	observers   []Observer

	incomingMu sync.RWMutex
	incoming   []func(*IncomingCall)

	stopInvites func()
	done        chan struct{}
	closeOnce   sync.Once
}

// NewManager creates a Manager and, with an InviteSource, starts listening
// for calls addressed to Self immediately.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Self == "" || cfg.Relay == nil || cfg.Source == nil || cfg.NewEngine == nil {
		return nil, errors.New("call: self, relay, source and engine factory are required")
	}
	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	m := &Manager{
		cfg:     cfg,
		log:     log.WithField("component", "call"),
		ringing: make(map[string]proto.Record),
		gate:    cfg.Gate,
		done:    make(chan struct{}),
	}
	if cfg.Invites != nil {
		ch, cancel, err := cfg.Invites.SubscribeInvites(context.Background(), cfg.Self)
		if err != nil {
			return nil, fmt.Errorf("call: subscribe invites: %w", err)
		}
		m.stopInvites = cancel
		go m.dispatchLoop(ch)
	}
	return m, nil
}

// OnIncoming registers a callback fired for each incoming call. Each SSE
// client of the control API registers one.
func (m *Manager) OnIncoming(fn func(*IncomingCall)) {
	m.incomingMu.Lock()
	m.incoming = append(m.incoming, fn)
	m.incomingMu.Unlock()
}

// AddObserver subscribes o to the events of every session this manager runs.
func (m *Manager) AddObserver(o Observer) {
	m.observersMu.Lock()
	m.observers = append(m.observers, o)
	m.observersMu.Unlock()
}

// Current returns the session in progress, or nil.
func (m *Manager) Current() *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Ringing returns the invites not yet answered.
func (m *Manager) Ringing() []proto.Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]proto.Record, 0, len(m.ringing))
	for _, r := range m.ringing {
		out = append(out, r)
	}
	return out
}

// Initiate calls peer.
func (m *Manager) Initiate(ctx context.Context, peer string, callType proto.CallType) (*Session, error) {
	if peer == "" || peer == m.cfg.Self {
		return nil, fmt.Errorf("call: invalid peer %q", peer)
	}
	if !callType.Valid() {
		return nil, fmt.Errorf("call: invalid call type %q", callType)
	}
	rec := proto.Record{
		ID:        uuid.NewString(),
		CallerID:  m.cfg.Self,
		CalleeID:  peer,
		CallType:  callType,
		Status:    proto.StatusRinging,
		CreatedAt: time.Now().UTC(),
	}
	sess, err := m.claim(rec)
	if err != nil {
		return nil, err
	}
	if m.cfg.Records != nil {
		if err := m.cfg.Records.CreateCall(ctx, rec); err != nil {
			m.release(sess)
			_ = sess.End(ctx)
			return nil, fmt.Errorf("call: create record: %w", err)
		}
	}
	m.log.Infof("calling %s (%s, call %s)", peer, callType, rec.ID)
	if err := sess.Start(ctx); err != nil {
		m.release(sess)
		return nil, err
	}
	return sess, nil
}

// Accept answers an invite.
func (m *Manager) Accept(ctx context.Context, rec proto.Record) (*Session, error) {
	if rec.CalleeID != m.cfg.Self {
		return nil, ErrNotCallee
	}
	if m.cfg.Records != nil {
		// the caller may have given up since the invite arrived
		stored, err := m.cfg.Records.Record(ctx, rec.ID)
		if err != nil {
			return nil, fmt.Errorf("call: read record %s: %w", rec.ID, err)
		}
		if stored.Status.Terminal() {
			m.dropRinging(rec.ID)
			return nil, ErrEnded
		}
	}
	sess, err := m.claim(rec)
	if err != nil {
		return nil, err
	}
	m.dropRinging(rec.ID)

	if m.cfg.Records != nil {
		if err := m.cfg.Records.UpdateCallStatus(ctx, rec.ID, proto.StatusActive); err != nil {
			m.log.Warnf("mark %s active: %v", rec.ID, err)
		}
	}
	m.log.Infof("accepted call %s from %s", rec.ID, rec.CallerID)
	if err := sess.Start(ctx); err != nil {
		m.release(sess)
		return nil, err
	}
	return sess, nil
}

// Reject declines callID: through the session if one is running, otherwise
// by publishing call-rejected directly.
func (m *Manager) Reject(ctx context.Context, callID string) error {
	m.mu.Lock()
	cur := m.current
	rec, ringing := m.ringing[callID]
	delete(m.ringing, callID)
	m.mu.Unlock()

	if cur != nil && cur.Record().ID == callID {
		return cur.Reject(ctx)
	}
	if !ringing {
		return ErrNoCall
	}
	return m.rejectInvite(ctx, rec, ReasonRejected)
}

func (m *Manager) rejectInvite(ctx context.Context, rec proto.Record, reason string) error {
	sig, err := proto.NewSignal(rec.ID, m.cfg.Self, rec.CallerID, proto.KindCallRejected, proto.Hangup{Reason: reason})
	if err != nil {
		return err
	}
	if err := m.cfg.Relay.Publish(ctx, sig); err != nil {
		return fmt.Errorf("call: publish rejection: %w", err)
	}
	m.cfg.Metrics.SignalSent(string(proto.KindCallRejected))
	if m.cfg.Records != nil {
		if err := m.cfg.Records.UpdateCallStatus(ctx, rec.ID, proto.StatusRejected); err != nil {
			m.log.Warnf("mark %s rejected: %v", rec.ID, err)
		}
	}
	m.log.Infof("rejected call %s from %s (%s)", rec.ID, rec.CallerID, reason)
	return nil
}

// End hangs up the current call.
func (m *Manager) End(ctx context.Context) error {
	sess := m.Current()
	if sess == nil {
		return ErrNoCall
	}
	return sess.End(ctx)
}

// ToggleMic flips the microphone mute and tells the counterpart. It
// returns the new muted flag.
func (m *Manager) ToggleMic(ctx context.Context) (bool, error) {
	sess := m.Current()
	if sess == nil {
		return false, ErrNoCall
	}
	st, err := sess.AudioState()
	if err != nil {
		return false, err
	}
	if err := sess.SetMicMuted(!st.Muted); err != nil {
		return st.Muted, err
	}
	return !st.Muted, sess.SendAudioState(ctx, !st.Muted, st.Deafened)
}

// ToggleDeafen flips deafen and tells the counterpart. It returns the new
// deafened flag.
func (m *Manager) ToggleDeafen(ctx context.Context) (bool, error) {
	sess := m.Current()
	if sess == nil {
		return false, ErrNoCall
	}
	st, err := sess.AudioState()
	if err != nil {
		return false, err
	}
	if err := sess.SetDeafened(!st.Deafened); err != nil {
		return st.Deafened, err
	}
	now, err := sess.AudioState()
	if err != nil {
		return !st.Deafened, err
	}
	return now.Deafened, sess.SendAudioState(ctx, now.Muted, now.Deafened)
}

// ToggleCamera starts or stops the camera and returns whether it is on.
func (m *Manager) ToggleCamera(ctx context.Context) (bool, error) {
	sess := m.Current()
	if sess == nil {
		return false, ErrNoCall
	}
	if sess.CameraOn() {
		return false, sess.StopCamera(ctx)
	}
	return true, sess.StartCamera(ctx)
}

// ToggleScreenShare starts or stops sharing the screen and returns whether
// it is on.
func (m *Manager) ToggleScreenShare(ctx context.Context) (bool, error) {
	sess := m.Current()
	if sess == nil {
		return false, ErrNoCall
	}
	if sess.ScreenSharing() {
		return false, sess.StopScreenShare(ctx)
	}
	capture, err := m.cfg.Source.AcquireDisplay(ctx)
	if err != nil {
		return false, fmt.Errorf("call: acquire display: %w", err)
	}
	return true, sess.StartScreenShare(ctx, capture)
}

// PlayLocalClip sends an Ogg/Opus clip on the soundpad track.
func (m *Manager) PlayLocalClip(ctx context.Context, clip []byte) error {
	sess := m.Current()
	if sess == nil {
		return ErrNoCall
	}
	return sess.PlayClip(ctx, clip)
}

// SetNoiseGate changes the gate for future calls and the current one. nil
// disables it.
func (m *Manager) SetNoiseGate(cfg *audio.GateConfig) error {
	m.mu.Lock()
	m.gate = cfg
	sess := m.current
	m.mu.Unlock()
	if sess == nil {
		return nil
	}
	return sess.SetNoiseGate(cfg)
}

// Close shuts down the manager and hangs up the current call, waiting up
// to the flush delay for it to finish.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.done)
		if m.stopInvites != nil {
			m.stopInvites()
		}
		sess := m.Current()
		if sess == nil {
			return
		}
		if err := sess.End(context.Background()); err != nil && !errors.Is(err, ErrEnded) {
			m.log.Warnf("hang up on close: %v", err)
		}
		select {
		case <-sess.Done():
		case <-time.After(sess.timing.EndFlush + sess.timing.SignalSendTimeout):
			m.log.Warn("session did not finish before shutdown")
		}
	})
}

// claim reserves the single call slot for a new session.
func (m *Manager) claim(rec proto.Record) (*Session, error) {
	select {
	case <-m.done:
		return nil, ErrEnded
	default:
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil {
		return nil, ErrBusy
	}
	sess, err := NewSession(Config{
		Record:        rec,
		Self:          m.cfg.Self,
		Relay:         m.cfg.Relay,
		Source:        m.cfg.Source,
		NewEngine:     m.cfg.NewEngine,
		Observer:      &sessionObserver{m: m, rec: rec},
		Metrics:       m.cfg.Metrics,
		Gate:          m.gate,
		AudioDeviceID: m.cfg.AudioDeviceID,
		VideoDeviceID: m.cfg.VideoDeviceID,
		Soundpad:      m.cfg.Soundpad,
		ClipMonitor:   m.cfg.ClipMonitor,
		Timing:        m.cfg.Timing,
		Log:           m.log,
	})
	if err != nil {
		return nil, err
	}
	m.current = sess
	return sess, nil
}

func (m *Manager) release(sess *Session) {
	m.mu.Lock()
	if m.current == sess {
		m.current = nil
	}
	m.mu.Unlock()
}

// dispatchLoop reads invites and fires the OnIncoming handlers.
func (m *Manager) dispatchLoop(invites <-chan proto.Record) {
	for {
		select {
		case <-m.done:
			return
		case rec, ok := <-invites:
			if !ok {
				return
			}
			m.dispatch(rec)
		}
	}
}

func (m *Manager) dropRinging(callID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.ringing[callID]
	delete(m.ringing, callID)
	return ok
}

func (m *Manager) dispatch(rec proto.Record) {
	if rec.CalleeID != m.cfg.Self {
		return
	}
	if rec.Status.Terminal() {
		if m.dropRinging(rec.ID) {
			m.log.Infof("call %s from %s is over before it was answered (%s)", rec.ID, rec.CallerID, rec.Status)
		}
		return
	}
	if rec.Status != proto.StatusRinging {
		return
	}
	m.mu.Lock()
	_, seen := m.ringing[rec.ID]
	busy := m.current != nil
	if !busy && !seen {
		m.ringing[rec.ID] = rec
	}
	m.mu.Unlock()
	if seen {
		return
	}

	if busy {
		m.log.Infof("busy, declining call %s from %s", rec.ID, rec.CallerID)
		// the rejection updates the record, which comes back on this stream
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := m.rejectInvite(ctx, rec, "busy"); err != nil {
				m.log.Warnf("decline %s: %v", rec.ID, err)
			}
		}()
		return
	}

	m.log.Infof("incoming %s call %s from %s", rec.CallType, rec.ID, rec.CallerID)
	ic := &IncomingCall{
		Record: rec,
		Accept: func(ctx context.Context) (*Session, error) {
			return m.Accept(ctx, rec)
		},
		Reject: func(ctx context.Context) error {
			return m.Reject(ctx, rec.ID)
		},
	}
	m.incomingMu.RLock()
	handlers := make([]func(*IncomingCall), len(m.incoming))
	copy(handlers, m.incoming)
	m.incomingMu.RUnlock()
	for _, fn := range handlers {
		fn(ic)
	}
}

// sessionObserver fans session events out to the manager's observers and
// settles the record when the session ends.
type sessionObserver struct {
	m   *Manager
	rec proto.Record
}

func (o *sessionObserver) each(fn func(Observer)) {
	o.m.observersMu.RLock()
	obs := make([]Observer, len(o.m.observers))
	copy(obs, o.m.observers)
	o.m.observersMu.RUnlock()
	for _, x := range obs {
		fn(x)
	}
}

func (o *sessionObserver) OnStateChange(from, to State) {
	o.each(func(x Observer) { x.OnStateChange(from, to) })
}

func (o *sessionObserver) OnConnectionStateChange(st webrtc.PeerConnectionState) {
	o.each(func(x Observer) { x.OnConnectionStateChange(st) })
}

func (o *sessionObserver) OnLocalMedia(role proto.Role, on bool) {
	o.each(func(x Observer) { x.OnLocalMedia(role, on) })
}

func (o *sessionObserver) OnRemoteTrack(t rtc.RemoteTrack) {
	o.each(func(x Observer) { x.OnRemoteTrack(t) })
}

func (o *sessionObserver) OnRemoteScreenShare(on bool) {
	o.each(func(x Observer) { x.OnRemoteScreenShare(on) })
}

func (o *sessionObserver) OnRemoteCamera(on bool) {
	o.each(func(x Observer) { x.OnRemoteCamera(on) })
}

func (o *sessionObserver) OnRemoteAudioState(st proto.AudioState) {
	o.each(func(x Observer) { x.OnRemoteAudioState(st) })
}

func (o *sessionObserver) OnRoundTripTime(rtt time.Duration) {
	o.each(func(x Observer) { x.OnRoundTripTime(rtt) })
}

func (o *sessionObserver) OnError(err error) {
	o.each(func(x Observer) { x.OnError(err) })
}

func (o *sessionObserver) OnEnded(reason string) {
	m := o.m
	m.mu.Lock()
	if m.current != nil && m.current.Record().ID == o.rec.ID {
		m.current = nil
	}
	m.mu.Unlock()

	if m.cfg.Records != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		var err error
		if reason == ReasonSetupFailed && o.rec.CallerID == m.cfg.Self {
			err = m.cfg.Records.DeleteCall(ctx, o.rec.ID)
		} else {
			err = m.cfg.Records.UpdateCallStatus(ctx, o.rec.ID, StatusFor(reason))
		}
		cancel()
		if err != nil {
			m.log.Warnf("settle record %s: %v", o.rec.ID, err)
		}
	}
	o.each(func(x Observer) { x.OnEnded(reason) })
}
