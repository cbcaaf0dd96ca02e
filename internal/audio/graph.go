package audio

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Graph is the audio pipeline of one call. It sits between the microphone
// capture and the encoder: muted audio is replaced with silence, unmuted
// audio runs through the attached noise gate, if any. A Graph is created
// when a call starts and closed exactly once when it ends.
type Graph struct {
	log *logrus.Entry

	muted    atomic.Bool
	deafened atomic.Bool

	mu     sync.RWMutex
	gate   *NoiseGate
	closed bool

	closeOnce sync.Once
}

// NewGraph returns an open graph with no gate attached.
func NewGraph(log *logrus.Entry) *Graph {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Graph{log: log.WithField("component", "audio")}
}

// AttachGate installs gate, closing the one it replaces.
func (g *Graph) AttachGate(gate *NoiseGate) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		_ = gate.Close()
		return
	}
	old := g.gate
	g.gate = gate
	g.mu.Unlock()
	if old != nil && old != gate {
		_ = old.Close()
	}
	g.log.Debug("noise gate attached")
}

// DetachGate removes and closes the current gate. Mute state is untouched.
func (g *Graph) DetachGate() {
	g.mu.Lock()
	old := g.gate
	g.gate = nil
	g.mu.Unlock()
	if old != nil {
		_ = old.Close()
		g.log.Debug("noise gate detached")
	}
}

// Gate returns the attached gate or nil.
func (g *Graph) Gate() *NoiseGate {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.gate
}

func (g *Graph) SetMuted(muted bool) { g.muted.Store(muted) }
func (g *Graph) Muted() bool         { return g.muted.Load() }

// SetDeafened records the deafen state; remote audio sinks consult it.
func (g *Graph) SetDeafened(deafened bool) { g.deafened.Store(deafened) }
func (g *Graph) Deafened() bool            { return g.deafened.Load() }

// FilterInt16 processes one interleaved capture chunk in place.
func (g *Graph) FilterInt16(samples []int16, channels int) {
	if g.muted.Load() {
		clear(samples)
		return
	}
	g.mu.RLock()
	gate := g.gate
	g.mu.RUnlock()
	if gate != nil {
		gate.ProcessInterleaved(samples, channels)
	}
}

// FilterFloat32 processes one interleaved float capture chunk in place.
func (g *Graph) FilterFloat32(samples []float32, channels int) {
	if g.muted.Load() {
		clear(samples)
		return
	}
	g.mu.RLock()
	gate := g.gate
	g.mu.RUnlock()
	if gate != nil {
		gate.ProcessFloat32Interleaved(samples, channels)
	}
}

// Close tears the graph down. Safe to call more than once.
func (g *Graph) Close() {
	g.closeOnce.Do(func() {
		g.mu.Lock()
		g.closed = true
		gate := g.gate
		g.gate = nil
		g.mu.Unlock()
		if gate != nil {
			_ = gate.Close()
		}
		g.muted.Store(true)
		g.log.Debug("audio graph closed")
	})
}
