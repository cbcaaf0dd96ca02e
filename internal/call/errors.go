package call

import "errors"

var (
	ErrEnded      = errors.New("call: session ended")
	ErrNotCallee  = errors.New("call: only the callee can reject")
	ErrBusy       = errors.New("call: another call is in progress")
	ErrNoCall     = errors.New("call: no call in progress")
	ErrNotStarted = errors.New("call: session not started")
	ErrStarted    = errors.New("call: session already started")
)
