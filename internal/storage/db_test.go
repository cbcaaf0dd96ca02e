package storage

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/petervdpas/peercall/internal/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) *DB {
	t.Helper()
	d, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func signal(t *testing.T, callID, from, to string, kind proto.Kind, payload any) proto.Signal {
	t.Helper()
	s, err := proto.NewSignal(callID, from, to, kind, payload)
	require.NoError(t, err)
	return s
}

func TestCallRecordLifecycle(t *testing.T) {
	ctx := context.Background()
	d := openTemp(t)

	rec := proto.Record{
		ID:        uuid.NewString(),
		CallerID:  "alice",
		CalleeID:  "bob",
		CallType:  proto.CallVideo,
		CreatedAt: time.Now(),
	}
	require.NoError(t, d.CreateCall(ctx, rec))
	assert.ErrorIs(t, d.CreateCall(ctx, rec), ErrExists)

	got, err := d.GetCall(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, proto.StatusRinging, got.Status)
	assert.Equal(t, proto.CallVideo, got.CallType)
	assert.Equal(t, rec.CreatedAt.UnixMilli(), got.CreatedAt.UnixMilli())

	require.NoError(t, d.UpdateCallStatus(ctx, rec.ID, proto.StatusActive))
	got, _ = d.GetCall(ctx, rec.ID)
	assert.Equal(t, proto.StatusActive, got.Status)

	assert.ErrorIs(t, d.UpdateCallStatus(ctx, "nope", proto.StatusEnded), ErrNotFound)

	list, err := d.ListCalls(ctx, "bob", 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, rec.ID, list[0].ID)

	require.NoError(t, d.DeleteCall(ctx, rec.ID))
	_, err = d.GetCall(ctx, rec.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSignalHistoryIsOrderedAndDeduplicated(t *testing.T) {
	ctx := context.Background()
	d := openTemp(t)

	offer := signal(t, "c1", "alice", "bob", proto.KindOffer, proto.SessionDescription{Type: "offer", SDP: "v=0"})
	cand := signal(t, "c1", "alice", "bob", proto.KindICECandidate, proto.Candidate{Candidate: "candidate:1"})
	back := signal(t, "c1", "bob", "alice", proto.KindAnswer, proto.SessionDescription{Type: "answer", SDP: "v=0"})
	other := signal(t, "c2", "alice", "bob", proto.KindCallEnded, nil)

	for _, s := range []proto.Signal{offer, cand, back, other} {
		ok, err := d.SaveSignal(ctx, s)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := d.SaveSignal(ctx, offer)
	require.NoError(t, err)
	assert.False(t, ok, "same id stored twice")

	got, err := d.Signals(ctx, "c1", "bob", "alice")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, offer.ID, got[0].ID)
	assert.Equal(t, cand.ID, got[1].ID)

	var desc proto.SessionDescription
	require.NoError(t, got[0].Decode(&desc))
	assert.Equal(t, "v=0", desc.SDP)

	ended, err := d.Signals(ctx, "c2", "bob", "alice")
	require.NoError(t, err)
	require.Len(t, ended, 1)
	assert.Empty(t, ended[0].Payload)

	require.NoError(t, d.PurgeSignals(ctx, "c1"))
	got, err = d.Signals(ctx, "c1", "bob", "alice")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSaveSignalRejectsInvalid(t *testing.T) {
	d := openTemp(t)
	_, err := d.SaveSignal(context.Background(), proto.Signal{ID: "x", CallID: "c", From: "a", To: "a", Kind: proto.KindOffer})
	assert.Error(t, err)
}

func TestPruneSignals(t *testing.T) {
	ctx := context.Background()
	d := openTemp(t)

	old := signal(t, "c1", "alice", "bob", proto.KindCallEnded, nil)
	old.CreatedAt = time.Now().Add(-48 * time.Hour)
	fresh := signal(t, "c1", "alice", "bob", proto.KindCallEnded, nil)
	for _, s := range []proto.Signal{old, fresh} {
		_, err := d.SaveSignal(ctx, s)
		require.NoError(t, err)
	}

	n, err := d.PruneSignals(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestRebind(t *testing.T) {
	pg := &DB{dialect: dialectPostgres}
	assert.Equal(t, "a = $1 AND b = $2", pg.rebind("a = ? AND b = ?"))
	lite := &DB{dialect: dialectSQLite}
	assert.Equal(t, "a = ?", lite.rebind("a = ?"))
}

func TestPayloadRoundTripsRawJSON(t *testing.T) {
	ctx := context.Background()
	d := openTemp(t)
	s := signal(t, "c1", "alice", "bob", proto.KindAudioStateChange, proto.AudioState{Muted: true})
	_, err := d.SaveSignal(ctx, s)
	require.NoError(t, err)

	got, err := d.Signals(ctx, "c1", "bob", "alice")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.JSONEq(t, string(s.Payload), string(got[0].Payload))
	assert.True(t, json.Valid(got[0].Payload))
}
