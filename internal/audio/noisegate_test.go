package audio

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const frameLen = 480 // 10ms at 48kHz

func sineFrame(amp float64, offset int) []int16 {
	out := make([]int16, frameLen)
	for i := range out {
		v := amp * math.Sin(2*math.Pi*1000*float64(offset+i)/48000)
		out[i] = int16(v * 32767)
	}
	return out
}

func silentFrame() []int16 { return make([]int16, frameLen) }

// fastConfig makes the envelope follow each frame's RMS directly so the
// test controls exactly when the level is above or below the thresholds.
func fastConfig() GateConfig {
	cfg := DefaultGateConfig()
	cfg.EnvelopeMS = 0.001
	return cfg
}

func TestGateStaysOpenThroughShortDip(t *testing.T) {
	g, err := NewNoiseGate(fastConfig())
	require.NoError(t, err)
	defer g.Close()

	assert.Zero(t, g.Gain())

	for i := 0; i < 3; i++ {
		_, err := g.Process(sineFrame(0.5, i*frameLen))
		require.NoError(t, err)
	}
	require.True(t, g.IsOpen())
	require.InDelta(t, 1.0, g.Gain(), 1e-9)

	// 100ms of silence, shorter than the 200ms hold
	for i := 0; i < 10; i++ {
		_, _ = g.Process(silentFrame())
		assert.Greater(t, g.Gain(), 0.0, "gain reached 0 during dip frame %d", i)
	}
	assert.True(t, g.IsOpen())
}

func TestGateClosesAfterHoldAndRelease(t *testing.T) {
	g, err := NewNoiseGate(fastConfig())
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, _ = g.Process(sineFrame(0.5, i*frameLen))
	}
	for i := 0; i < 60; i++ {
		_, _ = g.Process(silentFrame())
	}
	assert.False(t, g.IsOpen())
	assert.Zero(t, g.Gain())
}

func TestGateRampIsSlewLimited(t *testing.T) {
	g, err := NewNoiseGate(fastConfig())
	require.NoError(t, err)

	frame := sineFrame(0.5, 0)
	orig := append([]int16(nil), frame...)
	_, _ = g.Process(frame)

	// the first samples are attenuated while the gain ramps up from 0
	assert.Less(t, math.Abs(float64(frame[10])), math.Abs(float64(orig[10]))+1)
	assert.Equal(t, int16(0), frame[0])
}

func TestGateQuietInputNeverOpens(t *testing.T) {
	g, err := NewNoiseGate(fastConfig())
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		f := sineFrame(0.001, i*frameLen) // about -63 dBFS RMS
		_, _ = g.Process(f)
		for _, s := range f {
			assert.Zero(t, s)
		}
	}
	assert.False(t, g.IsOpen())
}

func TestGateClosedPassesThrough(t *testing.T) {
	g, err := NewNoiseGate(DefaultGateConfig())
	require.NoError(t, err)
	require.NoError(t, g.Close())

	frame := sineFrame(0.5, 0)
	orig := append([]int16(nil), frame...)
	out, err := g.Process(frame)
	require.NoError(t, err)
	assert.Equal(t, orig, out)
}

func TestGateConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*GateConfig)
	}{
		{"zero rate", func(c *GateConfig) { c.SampleRate = 0 }},
		{"cutoff above nyquist", func(c *GateConfig) { c.CutoffHz = 30000 }},
		{"close above open", func(c *GateConfig) { c.CloseDB = -10 }},
		{"no release", func(c *GateConfig) { c.ReleaseMS = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultGateConfig()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
	assert.NoError(t, DefaultGateConfig().Validate())
}

func TestFloat32Interleaved(t *testing.T) {
	cfg := fastConfig()
	cfg.Channels = 2
	g, err := NewNoiseGate(cfg)
	require.NoError(t, err)

	buf := make([]float32, frameLen*2)
	for i := 0; i < frameLen; i++ {
		v := float32(0.5 * math.Sin(2*math.Pi*1000*float64(i)/48000))
		buf[2*i], buf[2*i+1] = v, v
	}
	g.ProcessFloat32Interleaved(buf, 2)
	assert.True(t, g.IsOpen())
	for i := 0; i < len(buf); i += 2 {
		assert.Equal(t, buf[i], buf[i+1])
	}
}
