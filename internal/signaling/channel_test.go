package signaling

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/petervdpas/peercall/internal/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRelay keeps history in memory and lets the test push live signals.
type fakeRelay struct {
	mu        sync.Mutex
	history   []proto.Signal
	published []proto.Signal
	live      chan proto.Signal
	purged    []string
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{live: make(chan proto.Signal, 16)}
}

func (f *fakeRelay) Publish(_ context.Context, sig proto.Signal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, sig)
	return nil
}

func (f *fakeRelay) Subscribe(_ context.Context, _, _ string) (<-chan proto.Signal, func(), error) {
	return f.live, func() {}, nil
}

func (f *fakeRelay) FetchHistory(_ context.Context, callID, to, from string) ([]proto.Signal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []proto.Signal
	for _, s := range f.history {
		if s.CallID == callID && s.To == to && s.From == from {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeRelay) Purge(_ context.Context, callID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.purged = append(f.purged, callID)
	return nil
}

type collector struct {
	mu   sync.Mutex
	sigs []proto.Signal
}

func (c *collector) handle(s proto.Signal) {
	c.mu.Lock()
	c.sigs = append(c.sigs, s)
	c.mu.Unlock()
}

func (c *collector) ids() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.sigs))
	for i, s := range c.sigs {
		out[i] = s.ID
	}
	return out
}

func mkSignal(t *testing.T, id, from, to string, kind proto.Kind, at time.Time) proto.Signal {
	t.Helper()
	s, err := proto.NewSignal("call-1", from, to, kind, nil)
	require.NoError(t, err)
	s.ID = id
	s.CreatedAt = at
	return s
}

func TestChannelDeliversHistoryInOrderThenLive(t *testing.T) {
	r := newFakeRelay()
	base := time.Now()
	r.history = []proto.Signal{
		mkSignal(t, "b", "bob", "alice", proto.KindICECandidate, base.Add(2*time.Millisecond)),
		mkSignal(t, "a", "bob", "alice", proto.KindOffer, base.Add(time.Millisecond)),
	}
	var got collector
	ch, err := Open(context.Background(), Options{
		Relay: r, CallID: "call-1", Self: "alice", Peer: "bob", Handler: got.handle,
	})
	require.NoError(t, err)
	defer ch.Close(context.Background())

	r.live <- mkSignal(t, "c", "bob", "alice", proto.KindICECandidate, base.Add(3*time.Millisecond))

	require.Eventually(t, func() bool { return len(got.ids()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"a", "b", "c"}, got.ids())
}

func TestChannelDedupAcrossHistoryAndLive(t *testing.T) {
	r := newFakeRelay()
	offer := mkSignal(t, "offer-1", "bob", "alice", proto.KindOffer, time.Now())
	r.history = []proto.Signal{offer}

	var got collector
	var dups int
	var mu sync.Mutex
	ch, err := Open(context.Background(), Options{
		Relay: r, CallID: "call-1", Self: "alice", Peer: "bob", Handler: got.handle,
		OnDuplicate: func(proto.Signal) { mu.Lock(); dups++; mu.Unlock() },
	})
	require.NoError(t, err)
	defer ch.Close(context.Background())

	// the same signal arrives live as well, twice
	r.live <- offer
	r.live <- offer
	r.live <- mkSignal(t, "end-1", "bob", "alice", proto.KindCallEnded, time.Now())

	require.Eventually(t, func() bool { return len(got.ids()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"offer-1", "end-1"}, got.ids())
	assert.EqualValues(t, 2, ch.Duplicates())
	assert.EqualValues(t, 2, ch.Delivered())
	mu.Lock()
	assert.Equal(t, 2, dups)
	mu.Unlock()
}

func TestChannelDropsSignalsNotForThisLeg(t *testing.T) {
	r := newFakeRelay()
	var got collector
	ch, err := Open(context.Background(), Options{
		Relay: r, CallID: "call-1", Self: "alice", Peer: "bob", Handler: got.handle,
	})
	require.NoError(t, err)
	defer ch.Close(context.Background())

	now := time.Now()
	r.live <- mkSignal(t, "x1", "mallory", "alice", proto.KindOffer, now) // wrong sender
	r.live <- mkSignal(t, "x2", "bob", "carol", proto.KindOffer, now)     // wrong recipient
	other := mkSignal(t, "x3", "bob", "alice", proto.KindOffer, now)
	other.CallID = "call-2"
	r.live <- other
	r.live <- mkSignal(t, "ok", "bob", "alice", proto.KindAnswer, now)

	require.Eventually(t, func() bool { return len(got.ids()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"ok"}, got.ids())
}

func TestChannelSendAndClose(t *testing.T) {
	r := newFakeRelay()
	ch, err := Open(context.Background(), Options{
		Relay: r, CallID: "call-1", Self: "alice", Peer: "bob", Handler: func(proto.Signal) {},
	})
	require.NoError(t, err)

	sig, err := ch.Send(context.Background(), proto.KindAudioStateChange, proto.AudioState{Muted: true})
	require.NoError(t, err)
	assert.Equal(t, "alice", sig.From)
	assert.Equal(t, "bob", sig.To)
	assert.NotEmpty(t, sig.ID)

	var st proto.AudioState
	require.NoError(t, sig.Decode(&st))
	assert.True(t, st.Muted)

	ch.Close(context.Background())
	ch.Close(context.Background())

	r.mu.Lock()
	assert.Len(t, r.published, 1)
	assert.Equal(t, []string{"call-1"}, r.purged)
	r.mu.Unlock()

	_, err = ch.Send(context.Background(), proto.KindCallEnded, nil)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestOpenRequiresFields(t *testing.T) {
	_, err := Open(context.Background(), Options{Relay: newFakeRelay(), Handler: func(proto.Signal) {}})
	assert.Error(t, err)
}
