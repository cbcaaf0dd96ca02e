package audio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGraphMuteSilences(t *testing.T) {
	g := NewGraph(nil)
	defer g.Close()

	frame := sineFrame(0.5, 0)
	orig := append([]int16(nil), frame...)
	g.FilterInt16(frame, 1)
	assert.Equal(t, orig, frame, "no gate attached, unmuted: untouched")

	g.SetMuted(true)
	g.FilterInt16(frame, 1)
	for _, s := range frame {
		assert.Zero(t, s)
	}

	f32 := []float32{0.1, 0.2, 0.3}
	g.FilterFloat32(f32, 1)
	assert.Equal(t, []float32{0, 0, 0}, f32)
}

func TestGraphGateAttachDetachKeepsMute(t *testing.T) {
	g := NewGraph(nil)
	defer g.Close()
	g.SetMuted(true)
	g.SetDeafened(true)

	gate, err := NewNoiseGate(fastConfig())
	require.NoError(t, err)
	g.AttachGate(gate)
	assert.Same(t, gate, g.Gate())
	assert.True(t, g.Muted())

	other, err := NewNoiseGate(fastConfig())
	require.NoError(t, err)
	g.AttachGate(other)

	// the replaced gate was closed and now passes audio through
	frame := sineFrame(0.5, 0)
	orig := append([]int16(nil), frame...)
	gate.ProcessInterleaved(frame, 1)
	assert.Equal(t, orig, frame)

	g.DetachGate()
	assert.Nil(t, g.Gate())
	assert.True(t, g.Muted())
	assert.True(t, g.Deafened())
}

func TestGraphUnmutedRunsGate(t *testing.T) {
	g := NewGraph(nil)
	defer g.Close()
	gate, err := NewNoiseGate(fastConfig())
	require.NoError(t, err)
	g.AttachGate(gate)

	quiet := sineFrame(0.001, 0)
	g.FilterInt16(quiet, 1)
	for _, s := range quiet {
		assert.Zero(t, s)
	}
}

func TestGraphCloseIsIdempotent(t *testing.T) {
	g := NewGraph(nil)
	gate, err := NewNoiseGate(fastConfig())
	require.NoError(t, err)
	g.AttachGate(gate)

	g.Close()
	g.Close()
	assert.Nil(t, g.Gate())

	late, err := NewNoiseGate(fastConfig())
	require.NoError(t, err)
	g.AttachGate(late)
	assert.Nil(t, g.Gate())
}
