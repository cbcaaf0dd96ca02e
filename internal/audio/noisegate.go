// Package audio provides the per-call audio processing graph: microphone
// mute, deafen state and an optional noise gate in front of the encoder.
package audio

import (
	"fmt"
	"math"
	"sync"

	"github.com/sirupsen/logrus"
)

// Effect is a PCM processor that can be chained in front of an encoder.
type Effect interface {
	// Process applies the effect to mono PCM samples. The returned slice may
	// be the input slice.
	Process(samples []int16) ([]int16, error)
	GetName() string
	Close() error
}

// GateConfig holds the noise gate parameters. Levels are dBFS.
type GateConfig struct {
	SampleRate int     `json:"sample_rate"`
	Channels   int     `json:"channels"`
	CutoffHz   float64 `json:"cutoff_hz"`
	OpenDB     float64 `json:"open_db"`
	CloseDB    float64 `json:"close_db"`
	HoldMS     int     `json:"hold_ms"`
	AttackMS   float64 `json:"attack_ms"`
	ReleaseMS  float64 `json:"release_ms"`
	// EnvelopeMS is the time constant of the RMS envelope follower.
	EnvelopeMS float64 `json:"envelope_ms"`
}

// DefaultGateConfig is tuned for speech at 48kHz.
func DefaultGateConfig() GateConfig {
	return GateConfig{
		SampleRate: 48000,
		Channels:   1,
		CutoffHz:   100,
		OpenDB:     -45,
		CloseDB:    -55,
		HoldMS:     200,
		AttackMS:   5,
		ReleaseMS:  80,
		EnvelopeMS: 20,
	}
}

// Validate checks the parameters are usable.
func (c GateConfig) Validate() error {
	switch {
	case c.SampleRate <= 0:
		return fmt.Errorf("noise gate: sample rate must be positive")
	case c.Channels <= 0:
		return fmt.Errorf("noise gate: channels must be positive")
	case c.CutoffHz <= 0 || c.CutoffHz >= float64(c.SampleRate)/2:
		return fmt.Errorf("noise gate: cutoff %.1fHz out of range", c.CutoffHz)
	case c.CloseDB > c.OpenDB:
		return fmt.Errorf("noise gate: close threshold %.1f above open threshold %.1f", c.CloseDB, c.OpenDB)
	case c.HoldMS < 0 || c.AttackMS <= 0 || c.ReleaseMS <= 0 || c.EnvelopeMS <= 0:
		return fmt.Errorf("noise gate: hold, attack, release and envelope times must be positive")
	}
	return nil
}

// NoiseGate removes rumble with a high-pass filter, follows the RMS
// envelope of each processed frame and drives a slew-limited gain toward
// 1 while the envelope is above the open threshold and toward 0 once it has
// stayed below the close threshold for longer than the hold interval.
//
// A NoiseGate is safe for concurrent use. After Close it passes audio
// through unchanged.
type NoiseGate struct {
	mu  sync.Mutex
	cfg GateConfig

	hp *highPass

	openLevel   float64
	closeLevel  float64
	holdSamples int
	attackStep  float64
	releaseStep float64

	envelope float64
	open     bool
	holdLeft int
	gain     float64

	scratch []float64
	closed  bool
}

// NewNoiseGate builds a gate from cfg.
func NewNoiseGate(cfg GateConfig) (*NoiseGate, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	g := &NoiseGate{
		cfg:         cfg,
		hp:          newHighPass(cfg.CutoffHz, cfg.SampleRate, cfg.Channels),
		openLevel:   dbToLinear(cfg.OpenDB),
		closeLevel:  dbToLinear(cfg.CloseDB),
		holdSamples: cfg.HoldMS * cfg.SampleRate / 1000,
		attackStep:  1 / (cfg.AttackMS * float64(cfg.SampleRate) / 1000),
		releaseStep: 1 / (cfg.ReleaseMS * float64(cfg.SampleRate) / 1000),
	}
	logrus.WithFields(logrus.Fields{
		"open_db":  cfg.OpenDB,
		"close_db": cfg.CloseDB,
		"hold_ms":  cfg.HoldMS,
	}).Debug("noise gate created")
	return g, nil
}

func dbToLinear(db float64) float64 { return math.Pow(10, db/20) }

// Config returns the parameters the gate was built with.
func (g *NoiseGate) Config() GateConfig { return g.cfg }

// Process gates one mono frame in place.
func (g *NoiseGate) Process(samples []int16) ([]int16, error) {
	g.ProcessInterleaved(samples, 1)
	return samples, nil
}

// ProcessInterleaved gates an interleaved int16 chunk in place.
func (g *NoiseGate) ProcessInterleaved(samples []int16, channels int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed || len(samples) == 0 {
		return
	}
	buf := g.buffer(len(samples))
	for i, s := range samples {
		buf[i] = float64(s) / 32768
	}
	g.run(buf, channels)
	for i, v := range buf {
		samples[i] = toInt16(v)
	}
}

// ProcessFloat32Interleaved gates an interleaved float32 chunk in place.
func (g *NoiseGate) ProcessFloat32Interleaved(samples []float32, channels int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed || len(samples) == 0 {
		return
	}
	buf := g.buffer(len(samples))
	for i, s := range samples {
		buf[i] = float64(s)
	}
	g.run(buf, channels)
	for i, v := range buf {
		samples[i] = float32(clamp(v))
	}
}

func (g *NoiseGate) buffer(n int) []float64 {
	if cap(g.scratch) < n {
		g.scratch = make([]float64, n)
	}
	return g.scratch[:n]
}

// run is the whole gate for one frame. Caller holds mu.
func (g *NoiseGate) run(buf []float64, channels int) {
	if channels < 1 {
		channels = 1
	}
	if channels != len(g.hp.state) {
		g.hp = newHighPass(g.cfg.CutoffHz, g.cfg.SampleRate, channels)
	}
	g.hp.filter(buf)

	var sum float64
	for _, v := range buf {
		sum += v * v
	}
	rms := math.Sqrt(sum / float64(len(buf)))

	frames := len(buf) / channels
	frameMS := float64(frames) * 1000 / float64(g.cfg.SampleRate)
	a := math.Exp(-frameMS / g.cfg.EnvelopeMS)
	g.envelope = a*g.envelope + (1-a)*rms

	switch {
	case g.envelope >= g.openLevel:
		g.open = true
		g.holdLeft = g.holdSamples
	case g.envelope < g.closeLevel && g.open:
		g.holdLeft -= frames
		if g.holdLeft <= 0 {
			g.open = false
			g.holdLeft = 0
		}
	}

	target := 0.0
	if g.open {
		target = 1
	}
	for f := 0; f < frames; f++ {
		if g.gain < target {
			g.gain = math.Min(target, g.gain+g.attackStep)
		} else if g.gain > target {
			g.gain = math.Max(target, g.gain-g.releaseStep)
		}
		base := f * channels
		for c := 0; c < channels; c++ {
			buf[base+c] *= g.gain
		}
	}
}

func clamp(v float64) float64 {
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}

func toInt16(v float64) int16 {
	v = clamp(v) * 32767
	return int16(math.Round(v))
}

// Gain returns the current gain in [0, 1].
func (g *NoiseGate) Gain() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.gain
}

// IsOpen reports whether the gate currently targets full gain.
func (g *NoiseGate) IsOpen() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.open
}

// Reset returns the gate to its closed initial state.
func (g *NoiseGate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.hp.reset()
	g.envelope, g.gain = 0, 0
	g.open, g.holdLeft = false, 0
}

func (g *NoiseGate) GetName() string { return "NoiseGate" }

// Close releases the scratch buffers. Further processing is a pass-through.
func (g *NoiseGate) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	g.scratch = nil
	g.hp.state = nil
	return nil
}
