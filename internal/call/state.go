package call

import (
	"context"

	"github.com/looplab/fsm"
	"github.com/pion/webrtc/v4"
	"github.com/petervdpas/peercall/internal/proto"
	"github.com/petervdpas/peercall/internal/rtc"
)

// State is the lifecycle state of a Session.
type State string

const (
	StateIdle       State = "idle"
	StateStarting   State = "starting"
	StateRinging    State = "ringing"
	StateConnecting State = "connecting"
	StateActive     State = "active"
	StateEnding     State = "ending"
	StateEnded      State = "ended"
)

// Terminal reports whether s is ending or ended.
func (s State) Terminal() bool { return s == StateEnding || s == StateEnded }

const (
	evStart    = "start"
	evRing     = "ring"
	evConnect  = "connect"
	evActivate = "activate"
	evEnd      = "end"
	evFinish   = "finish"
)

// newMachine builds the session state machine. ended is only reachable
// through ending. onChange runs after every transition; it must not fire
// further events.
func newMachine(onChange func(from, to State)) *fsm.FSM {
	return fsm.NewFSM(
		string(StateIdle),
		fsm.Events{
			{Name: evStart, Src: []string{string(StateIdle)}, Dst: string(StateStarting)},
			{Name: evRing, Src: []string{string(StateStarting)}, Dst: string(StateRinging)},
			{Name: evConnect, Src: []string{string(StateStarting)}, Dst: string(StateConnecting)},
			{Name: evActivate, Src: []string{
				string(StateStarting), string(StateRinging), string(StateConnecting),
			}, Dst: string(StateActive)},
			{Name: evEnd, Src: []string{
				string(StateIdle), string(StateStarting), string(StateRinging),
				string(StateConnecting), string(StateActive),
			}, Dst: string(StateEnding)},
			{Name: evFinish, Src: []string{string(StateEnding)}, Dst: string(StateEnded)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				onChange(State(e.Src), State(e.Dst))
			},
		},
	)
}

// event is anything the session loop consumes.
type event interface{}

type signalEvent struct{ sig proto.Signal }

type candidateEvent struct{ c proto.Candidate }

type connStateEvent struct{ state webrtc.PeerConnectionState }

type trackEvent struct{ track rtc.RemoteTrack }

type negotiationEvent struct{}

type timerEvent struct {
	name timerName
	gen  uint64
}

type callEvent struct{ fn func() }
