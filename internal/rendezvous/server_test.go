package rendezvous

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/petervdpas/peercall/internal/metrics"
	"github.com/petervdpas/peercall/internal/proto"
	"github.com/petervdpas/peercall/internal/signaling"
	"github.com/petervdpas/peercall/internal/storage"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 3 * time.Second
	tick    = 5 * time.Millisecond
)

func quietLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

type fixture struct {
	srv  *Server
	http *httptest.Server
	auth *Auth
	met  *metrics.Collector
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	auth, err := NewAuth("test-secret", "peercall-test", time.Hour)
	require.NoError(t, err)
	met := metrics.New("relay")
	srv, err := New(Options{Store: db, Auth: auth, Metrics: met, Log: quietLog()})
	require.NoError(t, err)

	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)
	return &fixture{srv: srv, http: hs, auth: auth, met: met}
}

func (f *fixture) client(t *testing.T, who string) *Client {
	t.Helper()
	tok, err := f.auth.Issue(who, time.Now())
	require.NoError(t, err)
	c := NewClient(f.http.URL, who, tok, quietLog())
	c.Connect(context.Background())
	t.Cleanup(func() { c.Close() })
	return c
}

func (f *fixture) call(t *testing.T, caller *Client, callee string) proto.Record {
	t.Helper()
	rec := proto.Record{
		ID:       uuid.NewString(),
		CallerID: caller.self,
		CalleeID: callee,
		CallType: proto.CallVoice,
	}
	require.NoError(t, caller.CreateCall(context.Background(), rec))
	return rec
}

func newSig(t *testing.T, callID, from, to string, kind proto.Kind) proto.Signal {
	t.Helper()
	s, err := proto.NewSignal(callID, from, to, kind, nil)
	require.NoError(t, err)
	return s
}

func TestAuthIssueVerify(t *testing.T) {
	a, err := NewAuth("s3cret", "peercall", time.Minute)
	require.NoError(t, err)
	now := time.Now()

	tok, err := a.Issue("alice", now)
	require.NoError(t, err)
	who, err := a.Verify(tok, now)
	require.NoError(t, err)
	assert.Equal(t, "alice", who)

	_, err = a.Verify(tok, now.Add(2*time.Hour))
	assert.Error(t, err, "expired")

	other, _ := NewAuth("different", "peercall", time.Minute)
	_, err = other.Verify(tok, now)
	assert.Error(t, err, "wrong secret")

	_, err = NewAuth("", "", 0)
	assert.Error(t, err)
	_, err = a.Issue(" ", now)
	assert.Error(t, err)
}

func TestRequestsNeedToken(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.http.URL + "/api/calls")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, err = http.Get(f.http.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestPublishEnforcesSender(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.client(t, "alice")
	rec := f.call(t, alice, "bob")

	err := alice.Publish(ctx, newSig(t, rec.ID, "mallory", "bob", proto.KindOffer))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "from does not match")

	err = alice.Publish(ctx, newSig(t, rec.ID, "alice", "carol", proto.KindOffer))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a participant")

	err = alice.Publish(ctx, newSig(t, uuid.NewString(), "alice", "bob", proto.KindOffer))
	assert.ErrorIs(t, err, ErrNotFound)

	err = alice.CreateCall(ctx, proto.Record{ID: uuid.NewString(), CallerID: "bob", CalleeID: "alice", CallType: proto.CallVoice})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "caller does not match")
}

func TestLiveDeliveryInvitesAndHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.client(t, "alice")
	bob := f.client(t, "bob")

	invites, stopInvites, err := bob.SubscribeInvites(ctx, "bob")
	require.NoError(t, err)
	defer stopInvites()

	// invites ride the websocket; wait until bob is connected
	require.Eventually(t, func() bool { return f.srv.hub.count() == 2 }, waitFor, tick)

	rec := f.call(t, alice, "bob")
	select {
	case got := <-invites:
		assert.Equal(t, rec.ID, got.ID)
		assert.Equal(t, proto.StatusRinging, got.Status)
	case <-time.After(waitFor):
		t.Fatal("no invite")
	}

	subCtx, cancel := context.WithTimeout(ctx, waitFor)
	defer cancel()
	live, stop, err := bob.Subscribe(subCtx, rec.ID, "bob")
	require.NoError(t, err)
	defer stop()

	offer := newSig(t, rec.ID, "alice", "bob", proto.KindOffer)
	require.NoError(t, alice.Publish(ctx, offer))
	select {
	case got := <-live:
		assert.Equal(t, offer.ID, got.ID)
	case <-time.After(waitFor):
		t.Fatal("no live signal")
	}

	// republishing the same id is accepted but not redelivered
	require.NoError(t, alice.Publish(ctx, offer))

	hist, err := bob.FetchHistory(ctx, rec.ID, "bob", "alice")
	require.NoError(t, err)
	require.Len(t, hist, 1)

	_, err = alice.FetchHistory(ctx, rec.ID, "bob", "carol")
	assert.Error(t, err, "alice may not read bob's inbox from carol")

	require.NoError(t, bob.UpdateCallStatus(ctx, rec.ID, proto.StatusActive))
	got, err := alice.Record(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, proto.StatusActive, got.Status)

	require.NoError(t, bob.Purge(ctx, rec.ID))
	hist, err = bob.FetchHistory(ctx, rec.ID, "bob", "alice")
	require.NoError(t, err)
	assert.Empty(t, hist)

	calls, err := alice.ListCalls(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, calls, 1)

	require.NoError(t, alice.DeleteCall(ctx, rec.ID))
	_, err = alice.Record(ctx, rec.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInviteStreamCarriesStatusChanges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.client(t, "alice")
	bob := f.client(t, "bob")

	invites, stopInvites, err := bob.SubscribeInvites(ctx, "bob")
	require.NoError(t, err)
	defer stopInvites()
	require.Eventually(t, func() bool { return f.srv.hub.count() == 2 }, waitFor, tick)

	next := func() proto.Record {
		t.Helper()
		select {
		case got := <-invites:
			return got
		case <-time.After(waitFor):
			t.Fatal("nothing on the invite stream")
		}
		return proto.Record{}
	}

	rec := f.call(t, alice, "bob")
	assert.Equal(t, proto.StatusRinging, next().Status)

	require.NoError(t, alice.UpdateCallStatus(ctx, rec.ID, proto.StatusCancelled))
	got := next()
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, proto.StatusCancelled, got.Status)

	other := f.call(t, alice, "bob")
	assert.Equal(t, other.ID, next().ID)
	require.NoError(t, alice.DeleteCall(ctx, other.ID))
	got = next()
	assert.Equal(t, other.ID, got.ID)
	assert.Equal(t, proto.StatusFailed, got.Status)
}

type collector struct {
	mu  sync.Mutex
	ids []string
}

func (c *collector) handle(s proto.Signal) {
	c.mu.Lock()
	c.ids = append(c.ids, s.ID)
	c.mu.Unlock()
}

func (c *collector) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.ids...)
}

func TestSignalingChannelOverRelayServer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.client(t, "alice")
	bob := f.client(t, "bob")
	rec := f.call(t, alice, "bob")

	early := newSig(t, rec.ID, "alice", "bob", proto.KindOffer)
	require.NoError(t, alice.Publish(ctx, early))

	got := &collector{}
	openCtx, cancel := context.WithTimeout(ctx, waitFor)
	defer cancel()
	ch, err := signaling.Open(openCtx, signaling.Options{
		Relay:   bob,
		CallID:  rec.ID,
		Self:    "bob",
		Peer:    "alice",
		Handler: got.handle,
		Log:     quietLog(),
	})
	require.NoError(t, err)

	late := newSig(t, rec.ID, "alice", "bob", proto.KindICECandidate)
	require.NoError(t, alice.Publish(ctx, late))

	require.Eventually(t, func() bool { return len(got.snapshot()) == 2 }, waitFor, tick)
	assert.Equal(t, []string{early.ID, late.ID}, got.snapshot())

	sent, err := ch.Send(ctx, proto.KindAnswer, proto.SessionDescription{Type: "answer", SDP: "v=0"})
	require.NoError(t, err)
	hist, err := alice.FetchHistory(ctx, rec.ID, "alice", "bob")
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, sent.ID, hist[0].ID)

	ch.Close(ctx)
	hist, err = alice.FetchHistory(ctx, rec.ID, "alice", "bob")
	require.NoError(t, err)
	assert.Empty(t, hist, "close purges history")
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.client(t, "alice")
	rec := f.call(t, alice, "bob")
	require.NoError(t, alice.Publish(ctx, newSig(t, rec.ID, "alice", "bob", proto.KindCallEnded)))

	resp, err := http.Get(f.http.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), `peercall_relay_relay_published_total{kind="call-ended"} 1`)
}

func TestRateLimiter(t *testing.T) {
	r := newRateLimiter(2, time.Minute)
	now := time.Now()
	assert.True(t, r.allow("a", now))
	assert.True(t, r.allow("a", now))
	assert.False(t, r.allow("a", now))
	assert.True(t, r.allow("b", now))
	assert.True(t, r.allow("a", now.Add(61*time.Second)))

	r.cleanup(now.Add(3 * time.Minute))
	r.mu.Lock()
	assert.Empty(t, r.buckets)
	r.mu.Unlock()
}

func TestFetchRelayInfo(t *testing.T) {
	f := newFixture(t)
	c := f.client(t, "alice")

	_, err := c.FetchRelayInfo(context.Background())
	assert.ErrorIs(t, err, ErrNotFound)

	f.srv.relayInfo = &proto.RelayInfo{PeerID: "12D3KooWRelay", Addrs: []string{"/ip4/203.0.113.5/tcp/4001"}}
	ri, err := c.FetchRelayInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "12D3KooWRelay", ri.PeerID)
	assert.Len(t, ri.Addrs, 1)
}
