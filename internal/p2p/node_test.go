package p2p

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/petervdpas/peercall/internal/proto"
	"github.com/petervdpas/peercall/internal/storage"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func newNode(t *testing.T, bootstrap ...string) *Node {
	t.Helper()
	dir := t.TempDir()
	db, err := storage.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	n, err := New(context.Background(), Options{
		KeyFile:        filepath.Join(dir, "peer.key"),
		Bootstrap:      bootstrap,
		Store:          db,
		PublishTimeout: 5 * time.Second,
		Log:            quietLog(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { n.Close() })
	return n
}

func randomPeer(t *testing.T) string {
	t.Helper()
	priv, _, err := crypto.GenerateEd25519Key(nil)
	require.NoError(t, err)
	id, err := peer.IDFromPrivateKey(priv)
	require.NoError(t, err)
	return id.String()
}

func TestKeyIsPersisted(t *testing.T) {
	keyFile := filepath.Join(t.TempDir(), "keys", "peer.key")
	first, err := PeerIDFromKey(keyFile, quietLog())
	require.NoError(t, err)
	second, err := PeerIDFromKey(keyFile, quietLog())
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestRelayAddrInfo(t *testing.T) {
	relayID := randomPeer(t)
	ri, err := relayAddrInfo(&proto.RelayInfo{
		PeerID: relayID,
		Addrs:  []string{"/ip4/1.2.3.4/tcp/4001", "/ip4/1.2.3.4/tcp/4001/p2p/" + relayID, "garbage"},
	})
	require.NoError(t, err)
	require.Len(t, ri.Addrs, 2)

	for _, a := range circuitAddrs(ri) {
		assert.Equal(t, "/ip4/1.2.3.4/tcp/4001/p2p/"+relayID+"/p2p-circuit", a.String())
		assert.True(t, isCircuitAddr(a))
	}

	_, err = relayAddrInfo(&proto.RelayInfo{PeerID: "nope"})
	assert.Error(t, err)
	_, err = relayAddrInfo(&proto.RelayInfo{PeerID: relayID})
	assert.Error(t, err, "no addrs")
}

func TestInboxChecksAuthorship(t *testing.T) {
	n := newNode(t)
	ctx := context.Background()
	caller := randomPeer(t)
	mallory := randomPeer(t)

	invites, stop, err := n.SubscribeInvites(ctx, n.ID())
	require.NoError(t, err)
	defer stop()

	rec := proto.Record{ID: uuid.NewString(), CallerID: caller, CalleeID: n.ID(), CallType: proto.CallVideo, Status: proto.StatusRinging}
	assert.Error(t, n.handle(ctx, mallory, proto.Envelope{Type: proto.EnvInvite, Record: &rec}), "invite signed by someone else")
	require.NoError(t, n.handle(ctx, caller, proto.Envelope{Type: proto.EnvInvite, Record: &rec}))
	require.NoError(t, n.handle(ctx, caller, proto.Envelope{Type: proto.EnvInvite, Record: &rec}), "repeat invite is ignored")

	select {
	case got := <-invites:
		assert.Equal(t, rec.ID, got.ID)
	case <-time.After(time.Second):
		t.Fatal("no invite")
	}
	select {
	case <-invites:
		t.Fatal("repeat invite was delivered")
	default:
	}

	live, cancel, err := n.Subscribe(ctx, rec.ID, n.ID())
	require.NoError(t, err)
	defer cancel()

	sig, err := proto.NewSignal(rec.ID, caller, n.ID(), proto.KindOffer, proto.SessionDescription{Type: "offer", SDP: "v=0"})
	require.NoError(t, err)
	forged := sig
	forged.From = mallory
	assert.Error(t, n.handle(ctx, caller, proto.Envelope{Type: proto.EnvSignal, Signal: &forged}))

	require.NoError(t, n.handle(ctx, caller, proto.Envelope{Type: proto.EnvSignal, Signal: &sig}))
	require.NoError(t, n.handle(ctx, caller, proto.Envelope{Type: proto.EnvSignal, Signal: &sig}))
	select {
	case got := <-live:
		assert.Equal(t, sig.ID, got.ID)
	case <-time.After(time.Second):
		t.Fatal("no live signal")
	}
	assert.Empty(t, live, "duplicate dropped")

	hist, err := n.FetchHistory(ctx, rec.ID, n.ID(), caller)
	require.NoError(t, err)
	assert.Len(t, hist, 1)

	assert.Error(t, n.handle(ctx, mallory, proto.Envelope{Type: proto.EnvStatus, CallID: rec.ID, Status: proto.StatusEnded}))
	require.NoError(t, n.handle(ctx, caller, proto.Envelope{Type: proto.EnvStatus, CallID: rec.ID, Status: proto.StatusCancelled}))
	got, err := n.Record(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, proto.StatusCancelled, got.Status)
	select {
	case upd := <-invites:
		assert.Equal(t, rec.ID, upd.ID)
		assert.Equal(t, proto.StatusCancelled, upd.Status)
	case <-time.After(time.Second):
		t.Fatal("status change not announced")
	}

	require.NoError(t, n.handle(ctx, caller, proto.Envelope{Type: proto.EnvDelete, CallID: rec.ID}))
	_, err = n.Record(ctx, rec.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	select {
	case upd := <-invites:
		assert.Equal(t, proto.StatusFailed, upd.Status)
	case <-time.After(time.Second):
		t.Fatal("deletion not announced")
	}
}

func TestSubscribeOnlyOwnInbox(t *testing.T) {
	n := newNode(t)
	_, _, err := n.Subscribe(context.Background(), "call", randomPeer(t))
	assert.ErrorIs(t, err, ErrForeignInbox)
	_, _, err = n.SubscribeInvites(context.Background(), randomPeer(t))
	assert.ErrorIs(t, err, ErrForeignInbox)
}

func TestTwoPeersOverGossipsub(t *testing.T) {
	if testing.Short() {
		t.Skip("starts two libp2p hosts")
	}
	ctx := context.Background()
	alice := newNode(t)
	bob := newNode(t, alice.Addrs()...)

	invites, stop, err := bob.SubscribeInvites(ctx, bob.ID())
	require.NoError(t, err)
	defer stop()

	rec := proto.Record{ID: uuid.NewString(), CallerID: alice.ID(), CalleeID: bob.ID(), CallType: proto.CallVoice}
	require.NoError(t, alice.CreateCall(ctx, rec))

	select {
	case got := <-invites:
		assert.Equal(t, rec.ID, got.ID)
	case <-time.After(10 * time.Second):
		t.Fatal("no invite")
	}

	// sent before bob subscribes to the call; arrives through the inbox and
	// again through the sync request, stored once
	offer, err := proto.NewSignal(rec.ID, alice.ID(), bob.ID(), proto.KindOffer, nil)
	require.NoError(t, err)
	require.NoError(t, alice.Publish(ctx, offer))

	require.Eventually(t, func() bool {
		hist, err := bob.FetchHistory(ctx, rec.ID, bob.ID(), alice.ID())
		return err == nil && len(hist) == 1
	}, 10*time.Second, 20*time.Millisecond)

	live, cancel, err := bob.Subscribe(ctx, rec.ID, bob.ID())
	require.NoError(t, err)
	defer cancel()

	cand, err := proto.NewSignal(rec.ID, alice.ID(), bob.ID(), proto.KindICECandidate, nil)
	require.NoError(t, err)
	require.NoError(t, alice.Publish(ctx, cand))
	select {
	case got := <-live:
		assert.Equal(t, cand.ID, got.ID)
	case <-time.After(10 * time.Second):
		t.Fatal("no live signal")
	}

	require.NoError(t, bob.UpdateCallStatus(ctx, rec.ID, proto.StatusActive))
	require.Eventually(t, func() bool {
		got, err := alice.Record(ctx, rec.ID)
		return err == nil && got.Status == proto.StatusActive
	}, 10*time.Second, 20*time.Millisecond)
}
