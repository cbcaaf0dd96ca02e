package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/petervdpas/peercall/internal/proto"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// RedisConfig controls the redis client. Zero fields take conservative
// defaults.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	PingTimeout  time.Duration

	// HistoryTTL bounds how long signal history and records live.
	HistoryTTL time.Duration
}

func (c RedisConfig) withDefaults() RedisConfig {
	out := c
	if out.DialTimeout <= 0 {
		out.DialTimeout = 3 * time.Second
	}
	if out.ReadTimeout <= 0 {
		out.ReadTimeout = 2 * time.Second
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = 2 * time.Second
	}
	if out.PoolSize <= 0 {
		out.PoolSize = 10
	}
	if out.PingTimeout <= 0 {
		out.PingTimeout = 2 * time.Second
	}
	if out.HistoryTTL <= 0 {
		out.HistoryTTL = 24 * time.Hour
	}
	return out
}

// Redis relays signals through redis: history is a list per call, live
// delivery is pub/sub on a channel per (call, recipient) and records are
// hashes. Several peer processes can share one redis.
type Redis struct {
	rdb *redis.Client
	ttl time.Duration
	log *logrus.Entry
}

// OpenRedis connects and validates connectivity via PING.
func OpenRedis(ctx context.Context, cfg RedisConfig, log *logrus.Entry) (*Redis, error) {
	cfg = cfg.withDefaults()
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &Redis{rdb: rdb, ttl: cfg.HistoryTTL, log: log.WithField("component", "redis-relay")}, nil
}

func historyKey(callID string) string { return proto.RedisPrefix + "history:" + callID }

func liveChannel(callID, to string) string {
	return proto.RedisPrefix + "live:" + callID + ":" + to
}

func recordKey(callID string) string { return proto.RedisPrefix + "call:" + callID }

func inviteChannel(callee string) string { return proto.RedisPrefix + "invites:" + callee }

// seenKey holds the signal ids already appended to a call's history.
func seenKey(callID string) string { return proto.RedisPrefix + "seen:" + callID }

// appendScript pushes a signal once per id and reports whether it was new.
var appendScript = redis.NewScript(`
-- KEYS[1] = seen set, KEYS[2] = history list
-- ARGV[1] = signal id, ARGV[2] = encoded signal, ARGV[3] = ttl_ms
if redis.call('SADD', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('RPUSH', KEYS[2], ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
redis.call('PEXPIRE', KEYS[2], ARGV[3])
return 1
`)

var createScript = redis.NewScript(`
-- KEYS[1] = record hash; ARGV = ttl_ms, then field/value pairs
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
for i = 2, #ARGV, 2 do
  redis.call('HSET', KEYS[1], ARGV[i], ARGV[i + 1])
end
redis.call('PEXPIRE', KEYS[1], ARGV[1])
return 1
`)

var statusScript = redis.NewScript(`
-- KEYS[1] = record hash; ARGV[1] = status
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[1], 'status', ARGV[1])
return 1
`)

func (r *Redis) Publish(ctx context.Context, sig proto.Signal) error {
	if err := sig.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(sig)
	if err != nil {
		return err
	}
	fresh, err := appendScript.Run(ctx, r.rdb,
		[]string{seenKey(sig.CallID), historyKey(sig.CallID)},
		sig.ID, data, r.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("append signal: %w", err)
	}
	if fresh == 0 {
		return nil
	}
	return r.rdb.Publish(ctx, liveChannel(sig.CallID, sig.To), data).Err()
}

// Subscribe returns once redis confirmed the subscription, so a history
// fetch made afterwards cannot miss a signal published in between.
func (r *Redis) Subscribe(ctx context.Context, callID, participantID string) (<-chan proto.Signal, func(), error) {
	ps := r.rdb.Subscribe(ctx, liveChannel(callID, participantID))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, fmt.Errorf("subscribe: %w", err)
	}

	out := make(chan proto.Signal, liveBuffer)
	done := make(chan struct{})
	go func() {
		for msg := range ps.Channel() {
			var sig proto.Signal
			if err := json.Unmarshal([]byte(msg.Payload), &sig); err != nil {
				r.log.Debugf("bad live payload on %s: %v", msg.Channel, err)
				continue
			}
			select {
			case out <- sig:
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			_ = ps.Close()
		})
	}
	return out, cancel, nil
}

func (r *Redis) FetchHistory(ctx context.Context, callID, to, from string) ([]proto.Signal, error) {
	raw, err := r.rdb.LRange(ctx, historyKey(callID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	var out []proto.Signal
	for _, item := range raw {
		var sig proto.Signal
		if err := json.Unmarshal([]byte(item), &sig); err != nil {
			continue
		}
		if sig.To == to && (from == "" || sig.From == from) {
			out = append(out, sig)
		}
	}
	return out, nil
}

func (r *Redis) Purge(ctx context.Context, callID string) error {
	return r.rdb.Del(ctx, historyKey(callID), seenKey(callID)).Err()
}

func (r *Redis) CreateCall(ctx context.Context, rec proto.Record) error {
	if rec.ID == "" || rec.CallerID == "" || rec.CalleeID == "" {
		return fmt.Errorf("relay: incomplete call record")
	}
	if rec.Status == "" {
		rec.Status = proto.StatusRinging
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	ok, err := createScript.Run(ctx, r.rdb, []string{recordKey(rec.ID)},
		r.ttl.Milliseconds(),
		"caller_id", rec.CallerID,
		"callee_id", rec.CalleeID,
		"call_type", string(rec.CallType),
		"status", string(rec.Status),
		"created_at", rec.CreatedAt.UnixMilli(),
	).Int()
	if err != nil {
		return fmt.Errorf("create call: %w", err)
	}
	if ok == 0 {
		return fmt.Errorf("relay: call %s already exists", rec.ID)
	}

	return r.announce(ctx, rec)
}

func (r *Redis) UpdateCallStatus(ctx context.Context, callID string, status proto.CallStatus) error {
	ok, err := statusScript.Run(ctx, r.rdb, []string{recordKey(callID)}, string(status)).Int()
	if err != nil {
		return err
	}
	if ok == 0 {
		return ErrUnknownCall
	}
	rec, err := r.Record(ctx, callID)
	if err != nil {
		return err
	}
	return r.announce(ctx, rec)
}

func (r *Redis) DeleteCall(ctx context.Context, callID string) error {
	rec, err := r.Record(ctx, callID)
	if errors.Is(err, ErrUnknownCall) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := r.rdb.Del(ctx, recordKey(callID)).Err(); err != nil {
		return err
	}
	// a deleted call never connected
	rec.Status = proto.StatusFailed
	return r.announce(ctx, rec)
}

// announce publishes rec on its callee's invite channel.
func (r *Redis) announce(ctx context.Context, rec proto.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return r.rdb.Publish(ctx, inviteChannel(rec.CalleeID), data).Err()
}

// Record reads the stored record of callID.
func (r *Redis) Record(ctx context.Context, callID string) (proto.Record, error) {
	fields, err := r.rdb.HGetAll(ctx, recordKey(callID)).Result()
	if err != nil {
		return proto.Record{}, err
	}
	if len(fields) == 0 {
		return proto.Record{}, ErrUnknownCall
	}
	return recordFromHash(callID, fields)
}

func recordFromHash(callID string, f map[string]string) (proto.Record, error) {
	ms, err := strconv.ParseInt(f["created_at"], 10, 64)
	if err != nil {
		return proto.Record{}, fmt.Errorf("record %s: created_at: %w", callID, err)
	}
	return proto.Record{
		ID:        callID,
		CallerID:  f["caller_id"],
		CalleeID:  f["callee_id"],
		CallType:  proto.CallType(f["call_type"]),
		Status:    proto.CallStatus(f["status"]),
		CreatedAt: time.UnixMilli(ms).UTC(),
	}, nil
}

func (r *Redis) SubscribeInvites(ctx context.Context, participantID string) (<-chan proto.Record, func(), error) {
	ps := r.rdb.Subscribe(ctx, inviteChannel(participantID))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, fmt.Errorf("subscribe invites: %w", err)
	}

	out := make(chan proto.Record, 8)
	done := make(chan struct{})
	go func() {
		for msg := range ps.Channel() {
			var rec proto.Record
			if err := json.Unmarshal([]byte(msg.Payload), &rec); err != nil {
				continue
			}
			select {
			case out <- rec:
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			_ = ps.Close()
		})
	}
	return out, cancel, nil
}

func (r *Redis) Close() error {
	err := r.rdb.Close()
	if errors.Is(err, redis.ErrClosed) {
		return nil
	}
	return err
}
