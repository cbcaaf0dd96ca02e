package call_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/petervdpas/peercall/internal/call"
	"github.com/petervdpas/peercall/internal/media"
	"github.com/petervdpas/peercall/internal/proto"
	"github.com/petervdpas/peercall/internal/relay"
	"github.com/petervdpas/peercall/internal/rtc"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

func quietLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func fastTiming() call.Timing {
	return call.Timing{
		SetupTimeout:      time.Second,
		OfferRetry:        time.Hour,
		MaxOfferRetries:   3,
		StablePoll:        5 * time.Millisecond,
		StableWait:        time.Second,
		FailureGrace:      50 * time.Millisecond,
		EndFlush:          20 * time.Millisecond,
		StatsInterval:     10 * time.Millisecond,
		SignalSendTimeout: time.Second,
	}
}

// fakeEngine models just enough of the signaling state machine for the
// session: CreateOffer moves to have-local-offer, AcceptAnswer back to
// stable, AcceptOffer leaves it stable.
type fakeEngine struct {
	h rtc.Handlers

	mu           sync.Mutex
	state        webrtc.SignalingState
	offers       int
	accepted     []proto.SessionDescription
	answers      []proto.SessionDescription
	candidates   []proto.Candidate
	tags         []proto.TrackTag
	expectScreen int
	stopped      []proto.Role
	local        map[proto.Role]webrtc.TrackLocal
	sinks        map[proto.Role]rtc.Sink
	deafened     bool
	closed       bool
}

func newFakeEngine(h rtc.Handlers) *fakeEngine {
	return &fakeEngine{
		h:     h,
		state: webrtc.SignalingStateStable,
		local: make(map[proto.Role]webrtc.TrackLocal),
		sinks: make(map[proto.Role]rtc.Sink),
	}
}

func (e *fakeEngine) localTagsLocked() []proto.TrackTag {
	var out []proto.TrackTag
	for role, tr := range e.local {
		out = append(out, proto.TrackTag{TrackID: tr.ID(), StreamID: "fake", Role: role})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Role < out[j].Role })
	return out
}

func (e *fakeEngine) CreateOffer(context.Context) (proto.SessionDescription, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return proto.SessionDescription{}, rtc.ErrClosed
	}
	e.offers++
	e.state = webrtc.SignalingStateHaveLocalOffer
	return proto.SessionDescription{
		Type:   "offer",
		SDP:    fmt.Sprintf("fake offer %d %p", e.offers, e),
		Tracks: e.localTagsLocked(),
	}, nil
}

func (e *fakeEngine) AcceptOffer(_ context.Context, offer proto.SessionDescription) (proto.SessionDescription, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return proto.SessionDescription{}, rtc.ErrClosed
	}
	e.accepted = append(e.accepted, offer)
	e.tags = append(e.tags, offer.Tracks...)
	return proto.SessionDescription{
		Type:   "answer",
		SDP:    fmt.Sprintf("fake answer %d", len(e.accepted)),
		Tracks: e.localTagsLocked(),
	}, nil
}

func (e *fakeEngine) AcceptAnswer(_ context.Context, answer proto.SessionDescription) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != webrtc.SignalingStateHaveLocalOffer {
		return errors.New("fake: no local offer")
	}
	e.answers = append(e.answers, answer)
	e.state = webrtc.SignalingStateStable
	return nil
}

func (e *fakeEngine) AddCandidate(c proto.Candidate) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.candidates = append(e.candidates, c)
	return nil
}

func (e *fakeEngine) SignalingState() webrtc.SignalingState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *fakeEngine) ConnectionState() webrtc.PeerConnectionState {
	return webrtc.PeerConnectionStateNew
}

func (e *fakeEngine) ExpectTag(t proto.TrackTag) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tags = append(e.tags, t)
}

func (e *fakeEngine) ExpectScreenShare() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.expectScreen++
}

func (e *fakeEngine) RemoteVideoStopped(role proto.Role) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopped = append(e.stopped, role)
}

func (e *fakeEngine) AddLocal(role proto.Role, track webrtc.TrackLocal) (proto.TrackTag, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.local[role]; ok {
		return proto.TrackTag{}, rtc.ErrSenderExists
	}
	e.local[role] = track
	return proto.TrackTag{TrackID: track.ID(), StreamID: "fake", Role: role}, nil
}

func (e *fakeEngine) RemoveLocal(role proto.Role) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.local[role]; !ok {
		return rtc.ErrNoSender
	}
	delete(e.local, role)
	return nil
}

func (e *fakeEngine) ReplaceLocal(role proto.Role, track webrtc.TrackLocal) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.local[role]; !ok {
		return rtc.ErrNoSender
	}
	e.local[role] = track
	return nil
}

func (e *fakeEngine) HasLocal(role proto.Role) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.local[role]
	return ok
}

func (e *fakeEngine) SetSink(role proto.Role, sink rtc.Sink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sinks[role] = sink
}

func (e *fakeEngine) SetDeafened(d bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.deafened = d
}

func (e *fakeEngine) RoundTripTime() (time.Duration, bool) { return 25 * time.Millisecond, true }

func (e *fakeEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

func (e *fakeEngine) setSignaling(st webrtc.SignalingState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = st
}

func (e *fakeEngine) acceptedSDPs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []string
	for _, d := range e.accepted {
		out = append(out, d.SDP)
	}
	return out
}

func (e *fakeEngine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *fakeEngine) isDeafened() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.deafened
}

func (e *fakeEngine) snapshot(fn func(e *fakeEngine)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(e)
}

// engines is an EngineFactory that keeps every engine it made.
type engines struct {
	mu   sync.Mutex
	list []*fakeEngine
}

func (f *engines) factory(h rtc.Handlers, _ *logrus.Entry) (call.Engine, error) {
	e := newFakeEngine(h)
	f.mu.Lock()
	f.list = append(f.list, e)
	f.mu.Unlock()
	return e, nil
}

func (f *engines) get(t *testing.T, i int) *fakeEngine {
	t.Helper()
	var e *fakeEngine
	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		if len(f.list) > i {
			e = f.list[i]
			return true
		}
		return false
	}, waitFor, tick)
	return e
}

func (f *engines) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.list)
}

// recorder is an Observer that keeps what it saw.
type recorder struct {
	call.NopObserver

	mu          sync.Mutex
	states      []call.State
	ended       []string
	errs        []error
	remoteAudio []proto.AudioState
	screen      []bool
	camera      []bool
	tracks      []rtc.RemoteTrack
	rtts        int
}

func (r *recorder) OnStateChange(_, to call.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, to)
}

func (r *recorder) OnEnded(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ended = append(r.ended, reason)
}

func (r *recorder) OnError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recorder) OnRemoteAudioState(st proto.AudioState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.remoteAudio = append(r.remoteAudio, st)
}

func (r *recorder) OnRemoteScreenShare(on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.screen = append(r.screen, on)
}

func (r *recorder) OnRemoteCamera(on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.camera = append(r.camera, on)
}

func (r *recorder) OnRemoteTrack(t rtc.RemoteTrack) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tracks = append(r.tracks, t)
}

func (r *recorder) OnRoundTripTime(time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rtts++
}

func (r *recorder) view(fn func(r *recorder)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r)
}

func (r *recorder) stateList() []call.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]call.State(nil), r.states...)
}

// tap records every signal addressed to one participant of a call.
type tap struct {
	mu   sync.Mutex
	sigs []proto.Signal
}

func newTap(t *testing.T, m *relay.Memory, callID, who string) *tap {
	t.Helper()
	ch, cancel, err := m.Subscribe(context.Background(), callID, who)
	require.NoError(t, err)
	tp := &tap{}
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			case sig := <-ch:
				tp.mu.Lock()
				tp.sigs = append(tp.sigs, sig)
				tp.mu.Unlock()
			}
		}
	}()
	t.Cleanup(func() {
		close(stop)
		cancel()
	})
	return tp
}

func (tp *tap) all() []proto.Signal {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	return append([]proto.Signal(nil), tp.sigs...)
}

// count counts distinct signal ids of kind; relays may deliver twice.
func (tp *tap) count(kind proto.Kind) int {
	seen := map[string]bool{}
	for _, s := range tp.all() {
		if s.Kind == kind {
			seen[s.ID] = true
		}
	}
	return len(seen)
}

func (tp *tap) wait(t *testing.T, kind proto.Kind, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return tp.count(kind) >= n }, waitFor, tick,
		"waiting for %d %s signals", n, kind)
}

func (tp *tap) kinds() []proto.Kind {
	var out []proto.Kind
	for _, s := range tp.all() {
		out = append(out, s.Kind)
	}
	return out
}

func (tp *tap) last(kind proto.Kind) proto.Signal {
	sigs := tp.all()
	for i := len(sigs) - 1; i >= 0; i-- {
		if sigs[i].Kind == kind {
			return sigs[i]
		}
	}
	return proto.Signal{}
}

func publish(t *testing.T, m *relay.Memory, callID, from, to string, kind proto.Kind, payload any) {
	t.Helper()
	sig, err := proto.NewSignal(callID, from, to, kind, payload)
	require.NoError(t, err)
	require.NoError(t, m.Publish(context.Background(), sig))
}

func newRecord(caller, callee string, ct proto.CallType) proto.Record {
	return proto.Record{
		ID:        uuid.NewString(),
		CallerID:  caller,
		CalleeID:  callee,
		CallType:  ct,
		Status:    proto.StatusRinging,
		CreatedAt: time.Now().UTC(),
	}
}

type sessionOpts struct {
	timing   call.Timing
	source   media.Source
	soundpad bool
}

func newSession(t *testing.T, m *relay.Memory, rec proto.Record, self string, eng *engines, obs call.Observer, opts *sessionOpts) *call.Session {
	t.Helper()
	o := sessionOpts{timing: fastTiming(), source: media.NewSyntheticSource()}
	if opts != nil {
		if opts.timing != (call.Timing{}) {
			o.timing = opts.timing
		}
		if opts.source != nil {
			o.source = opts.source
		}
		o.soundpad = opts.soundpad
	}
	s, err := call.NewSession(call.Config{
		Record:    rec,
		Self:      self,
		Relay:     m,
		Source:    o.source,
		NewEngine: eng.factory,
		Observer:  obs,
		Soundpad:  o.soundpad,
		Timing:    o.timing,
		Log:       quietLog(),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.End(context.Background())
		select {
		case <-s.Done():
		case <-time.After(waitFor):
			t.Errorf("session %s did not finish", rec.ID)
		}
	})
	return s
}

func waitDone(t *testing.T, s *call.Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(waitFor):
		t.Fatalf("session did not finish, state %s", s.State())
	}
}

func waitState(t *testing.T, s *call.Session, want call.State) {
	t.Helper()
	require.Eventually(t, func() bool { return s.State() == want }, waitFor, tick,
		"waiting for state %s", want)
}

// noDevices fails every acquisition.
type noDevices struct{ *media.SyntheticSource }

func newNoDevices() *noDevices { return &noDevices{media.NewSyntheticSource()} }

func (*noDevices) Acquire(context.Context, media.Constraints) (*media.Capture, error) {
	return nil, media.ErrNoDevice
}
