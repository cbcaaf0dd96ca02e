package call_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/petervdpas/peercall/internal/call"
	"github.com/petervdpas/peercall/internal/media"
	"github.com/petervdpas/peercall/internal/proto"
	"github.com/petervdpas/peercall/internal/relay"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManager(t *testing.T, m *relay.Memory, self string, eng *engines, src media.Source) *call.Manager {
	t.Helper()
	if src == nil {
		src = media.NewSyntheticSource()
	}
	mgr, err := call.NewManager(call.ManagerConfig{
		Self:      self,
		Relay:     m,
		Records:   m,
		Invites:   m,
		Source:    src,
		NewEngine: eng.factory,
		Timing:    fastTiming(),
		Log:       quietLog(),
	})
	require.NoError(t, err)
	t.Cleanup(mgr.Close)
	return mgr
}

type incomingBox struct {
	mu    sync.Mutex
	calls []*call.IncomingCall
}

func (b *incomingBox) add(ic *call.IncomingCall) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, ic)
}

func (b *incomingBox) wait(t *testing.T, n int) *call.IncomingCall {
	t.Helper()
	var ic *call.IncomingCall
	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		if len(b.calls) >= n {
			ic = b.calls[n-1]
			return true
		}
		return false
	}, waitFor, tick)
	return ic
}

func TestManagerInitiateCreatesRecordAndIsExclusive(t *testing.T) {
	m := relay.NewMemory()
	alice := newManager(t, m, "alice", &engines{}, nil)

	sess, err := alice.Initiate(ctx, "bob", proto.CallVoice)
	require.NoError(t, err)
	assert.Equal(t, call.StateRinging, sess.State())
	assert.Same(t, sess, alice.Current())

	rec, err := m.Record(ctx, sess.Record().ID)
	require.NoError(t, err)
	assert.Equal(t, proto.StatusRinging, rec.Status)
	assert.Equal(t, "bob", rec.CalleeID)

	_, err = alice.Initiate(ctx, "carol", proto.CallVoice)
	assert.ErrorIs(t, err, call.ErrBusy)

	_, err = alice.Initiate(ctx, "alice", proto.CallVoice)
	assert.Error(t, err)
	_, err = alice.Initiate(ctx, "bob", proto.CallType("hologram"))
	assert.Error(t, err)
}

func TestManagerAcceptAndHangUp(t *testing.T) {
	m := relay.NewMemory()
	aliceEng, bobEng := &engines{}, &engines{}
	alice := newManager(t, m, "alice", aliceEng, nil)
	bob := newManager(t, m, "bob", bobEng, nil)
	box := &incomingBox{}
	bob.OnIncoming(box.add)

	caller, err := alice.Initiate(ctx, "bob", proto.CallVideo)
	require.NoError(t, err)
	callID := caller.Record().ID

	ic := box.wait(t, 1)
	assert.Equal(t, callID, ic.Record.ID)
	assert.Len(t, bob.Ringing(), 1)

	callee, err := ic.Accept(ctx)
	require.NoError(t, err)
	assert.Empty(t, bob.Ringing())
	rec, _ := m.Record(ctx, callID)
	assert.Equal(t, proto.StatusActive, rec.Status)

	// the callee answers the offer it found in history; the caller applies it
	ae := aliceEng.get(t, 0)
	require.Eventually(t, func() bool {
		return ae.SignalingState() == webrtc.SignalingStateStable
	}, waitFor, tick)
	ae.h.OnConnectionState(webrtc.PeerConnectionStateConnected)
	bobEng.get(t, 0).h.OnConnectionState(webrtc.PeerConnectionStateConnected)
	waitState(t, caller, call.StateActive)
	waitState(t, callee, call.StateActive)

	muted, err := alice.ToggleMic(ctx)
	require.NoError(t, err)
	assert.True(t, muted)
	muted, err = alice.ToggleMic(ctx)
	require.NoError(t, err)
	assert.False(t, muted)

	deaf, err := bob.ToggleDeafen(ctx)
	require.NoError(t, err)
	assert.True(t, deaf)

	on, err := alice.ToggleCamera(ctx)
	require.NoError(t, err)
	assert.False(t, on) // video call: camera was already on

	require.NoError(t, alice.End(ctx))
	waitDone(t, caller)
	waitDone(t, callee)
	assert.Equal(t, call.ReasonEnded, caller.Reason())
	assert.Equal(t, call.ReasonRemoteEnded, callee.Reason())

	require.Eventually(t, func() bool { return alice.Current() == nil && bob.Current() == nil }, waitFor, tick)
	require.Eventually(t, func() bool {
		rec, _ := m.Record(ctx, callID)
		return rec.Status == proto.StatusEnded
	}, waitFor, tick)
	assert.ErrorIs(t, alice.End(ctx), call.ErrNoCall)
}

func TestManagerRejectInvite(t *testing.T) {
	m := relay.NewMemory()
	alice := newManager(t, m, "alice", &engines{}, nil)
	bob := newManager(t, m, "bob", &engines{}, nil)
	box := &incomingBox{}
	bob.OnIncoming(box.add)

	caller, err := alice.Initiate(ctx, "bob", proto.CallVoice)
	require.NoError(t, err)

	ic := box.wait(t, 1)
	require.NoError(t, ic.Reject(ctx))
	waitDone(t, caller)
	assert.Equal(t, call.ReasonRemoteRejected, caller.Reason())

	require.Eventually(t, func() bool {
		rec, _ := m.Record(ctx, caller.Record().ID)
		return rec.Status == proto.StatusRejected
	}, waitFor, tick)
	assert.Nil(t, bob.Current())
	assert.ErrorIs(t, bob.Reject(ctx, caller.Record().ID), call.ErrNoCall)
}

func TestManagerCallerCancelsBeforeAccept(t *testing.T) {
	m := relay.NewMemory()
	alice := newManager(t, m, "alice", &engines{}, nil)
	bobEng := &engines{}
	bob := newManager(t, m, "bob", bobEng, nil)
	box := &incomingBox{}
	bob.OnIncoming(box.add)

	caller, err := alice.Initiate(ctx, "bob", proto.CallVoice)
	require.NoError(t, err)
	ic := box.wait(t, 1)
	require.Len(t, bob.Ringing(), 1)

	require.NoError(t, alice.End(ctx))
	waitDone(t, caller)
	assert.Equal(t, call.ReasonCancelled, caller.Reason())

	require.Eventually(t, func() bool { return len(bob.Ringing()) == 0 }, waitFor, tick)

	_, err = ic.Accept(ctx)
	assert.ErrorIs(t, err, call.ErrEnded)
	assert.Nil(t, bob.Current())
	assert.Zero(t, bobEng.count())

	rec, err := m.Record(ctx, ic.Record.ID)
	require.NoError(t, err)
	assert.Equal(t, proto.StatusCancelled, rec.Status)
}

func TestManagerAcceptChecksStoredStatus(t *testing.T) {
	m := relay.NewMemory()
	bob := newManager(t, m, "bob", &engines{}, nil)

	rec := proto.Record{
		ID: "stale", CallerID: "alice", CalleeID: "bob", CallType: proto.CallVoice,
		Status: proto.StatusMissed, CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, m.CreateCall(ctx, rec))
	rec.Status = proto.StatusRinging

	_, err := bob.Accept(ctx, rec)
	assert.ErrorIs(t, err, call.ErrEnded)
	assert.Nil(t, bob.Current())

	_, err = bob.Accept(ctx, proto.Record{ID: "never-created", CallerID: "alice", CalleeID: "bob", CallType: proto.CallVoice})
	assert.Error(t, err)
	assert.Nil(t, bob.Current())
}

func TestManagerDeclinesWhenBusy(t *testing.T) {
	m := relay.NewMemory()
	alice := newManager(t, m, "alice", &engines{}, nil)
	bob := newManager(t, m, "bob", &engines{}, nil)
	box := &incomingBox{}
	bob.OnIncoming(box.add)

	_, err := bob.Initiate(ctx, "dave", proto.CallVoice)
	require.NoError(t, err)

	fromAlice, err := alice.Initiate(ctx, "bob", proto.CallVoice)
	require.NoError(t, err)
	waitDone(t, fromAlice)
	assert.Equal(t, call.ReasonRemoteRejected, fromAlice.Reason())

	time.Sleep(20 * time.Millisecond)
	box.mu.Lock()
	assert.Empty(t, box.calls)
	box.mu.Unlock()
}

func TestManagerSetupFailureDeletesRecord(t *testing.T) {
	m := relay.NewMemory()
	invites, cancel, err := m.SubscribeInvites(ctx, "bob")
	require.NoError(t, err)
	defer cancel()

	alice := newManager(t, m, "alice", &engines{}, newNoDevices())
	_, err = alice.Initiate(ctx, "bob", proto.CallVoice)
	require.ErrorIs(t, err, media.ErrNoDevice)

	var rec proto.Record
	select {
	case rec = <-invites:
	case <-time.After(waitFor):
		t.Fatal("no invite")
	}
	require.Eventually(t, func() bool {
		_, err := m.Record(ctx, rec.ID)
		return errors.Is(err, relay.ErrUnknownCall)
	}, waitFor, tick)
	assert.Nil(t, alice.Current())
}

func TestManagerToggleScreenShare(t *testing.T) {
	m := relay.NewMemory()
	src := media.NewSyntheticSource()
	alice := newManager(t, m, "alice", &engines{}, src)

	_, err := alice.ToggleScreenShare(ctx)
	assert.ErrorIs(t, err, call.ErrNoCall)

	_, err = alice.Initiate(ctx, "bob", proto.CallVoice)
	require.NoError(t, err)
	on, err := alice.ToggleScreenShare(ctx)
	require.NoError(t, err)
	assert.True(t, on)
	assert.Equal(t, 2, src.Open())

	alice.Close()
	assert.Zero(t, src.Open())
}
