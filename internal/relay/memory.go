// Package relay holds the redis relay and an in-process relay for tests.
// Both store call records and announce them to the callee on creation and
// on every status change.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/petervdpas/peercall/internal/proto"
)

// ErrUnknownCall is returned when a record operation names a call that does
// not exist.
var ErrUnknownCall = errors.New("relay: unknown call")

// liveBuffer is the channel depth of one live subscription.
const liveBuffer = 64

type subKey struct {
	callID string
	to     string
}

type memSub struct {
	ch   chan proto.Signal
	done chan struct{}
	once sync.Once
}

func (s *memSub) close() {
	s.once.Do(func() { close(s.done) })
}

// Memory is an in-process relay. Both legs of a call share one Memory.
// With Duplicate set every live delivery happens twice, which exercises
// receiver-side dedup.
type Memory struct {
	Duplicate bool

	mu      sync.Mutex
	history map[string][]proto.Signal // callID -> signals in publish order
	subs    map[subKey][]*memSub
	records map[string]proto.Record
	invites map[string][]*inviteSub
}

type inviteSub struct {
	ch   chan proto.Record
	done chan struct{}
	once sync.Once
}

// NewMemory returns an empty hub.
func NewMemory() *Memory {
	return &Memory{
		history: make(map[string][]proto.Signal),
		subs:    make(map[subKey][]*memSub),
		records: make(map[string]proto.Record),
		invites: make(map[string][]*inviteSub),
	}
}

func (m *Memory) Publish(ctx context.Context, sig proto.Signal) error {
	if err := sig.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	m.history[sig.CallID] = append(m.history[sig.CallID], sig)
	targets := append([]*memSub(nil), m.subs[subKey{sig.CallID, sig.To}]...)
	m.mu.Unlock()

	copies := 1
	if m.Duplicate {
		copies = 2
	}
	for _, s := range targets {
		for i := 0; i < copies; i++ {
			select {
			case s.ch <- sig:
			case <-s.done:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}

func (m *Memory) Subscribe(_ context.Context, callID, participantID string) (<-chan proto.Signal, func(), error) {
	s := &memSub{ch: make(chan proto.Signal, liveBuffer), done: make(chan struct{})}
	key := subKey{callID, participantID}

	m.mu.Lock()
	m.subs[key] = append(m.subs[key], s)
	m.mu.Unlock()

	cancel := func() {
		s.close()
		m.mu.Lock()
		defer m.mu.Unlock()
		list := m.subs[key]
		for i, x := range list {
			if x == s {
				m.subs[key] = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(m.subs[key]) == 0 {
			delete(m.subs, key)
		}
	}
	return s.ch, cancel, nil
}

func (m *Memory) FetchHistory(_ context.Context, callID, to, from string) ([]proto.Signal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []proto.Signal
	for _, s := range m.history[callID] {
		if s.To == to && s.From == from {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) Purge(_ context.Context, callID string) error {
	m.mu.Lock()
	delete(m.history, callID)
	m.mu.Unlock()
	return nil
}

// History returns everything still persisted for callID.
func (m *Memory) History(callID string) []proto.Signal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]proto.Signal(nil), m.history[callID]...)
}

// ── call records ─────────────────────────────────────────────────────────────

func (m *Memory) CreateCall(_ context.Context, rec proto.Record) error {
	if rec.ID == "" || rec.CallerID == "" || rec.CalleeID == "" {
		return fmt.Errorf("relay: incomplete call record")
	}
	m.mu.Lock()
	if _, ok := m.records[rec.ID]; ok {
		m.mu.Unlock()
		return fmt.Errorf("relay: call %s already exists", rec.ID)
	}
	m.records[rec.ID] = rec
	m.mu.Unlock()
	m.announce(rec)
	return nil
}

func (m *Memory) UpdateCallStatus(_ context.Context, callID string, status proto.CallStatus) error {
	m.mu.Lock()
	rec, ok := m.records[callID]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownCall
	}
	rec.Status = status
	m.records[callID] = rec
	m.mu.Unlock()
	m.announce(rec)
	return nil
}

func (m *Memory) DeleteCall(_ context.Context, callID string) error {
	m.mu.Lock()
	rec, ok := m.records[callID]
	delete(m.records, callID)
	m.mu.Unlock()
	if ok {
		// a deleted call never connected
		rec.Status = proto.StatusFailed
		m.announce(rec)
	}
	return nil
}

// Record returns the stored record of callID.
func (m *Memory) Record(_ context.Context, callID string) (proto.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[callID]
	if !ok {
		return proto.Record{}, ErrUnknownCall
	}
	return rec, nil
}

// announce hands rec to the callee's invite subscribers.
func (m *Memory) announce(rec proto.Record) {
	m.mu.Lock()
	targets := append([]*inviteSub(nil), m.invites[rec.CalleeID]...)
	m.mu.Unlock()
	for _, s := range targets {
		select {
		case s.ch <- rec:
		case <-s.done:
		}
	}
}

func (m *Memory) SubscribeInvites(_ context.Context, participantID string) (<-chan proto.Record, func(), error) {
	s := &inviteSub{ch: make(chan proto.Record, 8), done: make(chan struct{})}
	m.mu.Lock()
	m.invites[participantID] = append(m.invites[participantID], s)
	m.mu.Unlock()

	cancel := func() {
		s.once.Do(func() { close(s.done) })
		m.mu.Lock()
		defer m.mu.Unlock()
		list := m.invites[participantID]
		for i, x := range list {
			if x == s {
				m.invites[participantID] = append(list[:i], list[i+1:]...)
				break
			}
		}
	}
	return s.ch, cancel, nil
}

func (m *Memory) Close() error { return nil }
