package relay

import (
	"context"
	"testing"
	"time"

	"github.com/petervdpas/peercall/internal/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisKeys(t *testing.T) {
	assert.Equal(t, "peercall:history:c1", historyKey("c1"))
	assert.Equal(t, "peercall:seen:c1", seenKey("c1"))
	assert.Equal(t, "peercall:live:c1:bob", liveChannel("c1", "bob"))
	assert.Equal(t, "peercall:call:c1", recordKey("c1"))
	assert.Equal(t, "peercall:invites:bob", inviteChannel("bob"))
}

func TestRecordFromHash(t *testing.T) {
	created := time.UnixMilli(1700000000123).UTC()
	rec, err := recordFromHash("c1", map[string]string{
		"caller_id":  "alice",
		"callee_id":  "bob",
		"call_type":  "video",
		"status":     "active",
		"created_at": "1700000000123",
	})
	require.NoError(t, err)
	assert.Equal(t, proto.Record{
		ID: "c1", CallerID: "alice", CalleeID: "bob",
		CallType: proto.CallVideo, Status: proto.StatusActive, CreatedAt: created,
	}, rec)

	_, err = recordFromHash("c1", map[string]string{"created_at": "soon"})
	assert.Error(t, err)
}

func TestOpenRedisNeedsAddr(t *testing.T) {
	_, err := OpenRedis(context.Background(), RedisConfig{}, nil)
	assert.Error(t, err)
}
