package call

import "time"

type timerName string

const (
	timerOfferRetry   timerName = "offer-retry"
	timerStablePoll   timerName = "stable-poll"
	timerFailureGrace timerName = "failure-grace"
	timerEndFlush     timerName = "end-flush"
	timerStats        timerName = "stats"
)

type armedTimer struct {
	t   *time.Timer
	gen uint64
}

// timerSet holds the session's named timers. Each arm gets a new generation;
// a fired event whose generation no longer matches was cancelled or
// re-armed after it was queued and is ignored. Only the loop touches it.
type timerSet struct {
	post   func(event)
	gen    uint64
	active map[timerName]armedTimer
}

func newTimerSet(post func(event)) *timerSet {
	return &timerSet{post: post, active: make(map[timerName]armedTimer)}
}

func (ts *timerSet) arm(name timerName, d time.Duration) {
	ts.cancel(name)
	ts.gen++
	gen := ts.gen
	ts.active[name] = armedTimer{
		t:   time.AfterFunc(d, func() { ts.post(timerEvent{name: name, gen: gen}) }),
		gen: gen,
	}
}

func (ts *timerSet) cancel(name timerName) {
	if a, ok := ts.active[name]; ok {
		a.t.Stop()
		delete(ts.active, name)
	}
}

func (ts *timerSet) cancelAll() {
	for name := range ts.active {
		ts.cancel(name)
	}
}

func (ts *timerSet) armed(name timerName) bool {
	_, ok := ts.active[name]
	return ok
}

// fire consumes ev and reports whether it is still current.
func (ts *timerSet) fire(ev timerEvent) bool {
	a, ok := ts.active[ev.name]
	if !ok || a.gen != ev.gen {
		return false
	}
	delete(ts.active, ev.name)
	return true
}
