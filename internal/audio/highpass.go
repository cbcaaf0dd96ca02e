package audio

import "math"

// biquadState is the direct-form-I history of one channel.
type biquadState struct {
	x1, x2 float64
	y1, y2 float64
}

// highPass is a second-order Butterworth high-pass (RBJ cookbook
// coefficients) with independent state per interleaved channel.
type highPass struct {
	b0, b1, b2 float64
	a1, a2     float64
	state      []biquadState
}

func newHighPass(cutoffHz float64, sampleRate, channels int) *highPass {
	if channels < 1 {
		channels = 1
	}
	w0 := 2 * math.Pi * cutoffHz / float64(sampleRate)
	cosW := math.Cos(w0)
	alpha := math.Sin(w0) / math.Sqrt2 // sin(w0) / 2Q with Q = 1/sqrt(2)
	a0 := 1 + alpha

	return &highPass{
		b0:    (1 + cosW) / 2 / a0,
		b1:    -(1 + cosW) / a0,
		b2:    (1 + cosW) / 2 / a0,
		a1:    -2 * cosW / a0,
		a2:    (1 - alpha) / a0,
		state: make([]biquadState, channels),
	}
}

// filter runs the interleaved buffer through the filter in place.
func (h *highPass) filter(buf []float64) {
	ch := len(h.state)
	for i, x := range buf {
		s := &h.state[i%ch]
		y := h.b0*x + h.b1*s.x1 + h.b2*s.x2 - h.a1*s.y1 - h.a2*s.y2
		s.x2, s.x1 = s.x1, x
		s.y2, s.y1 = s.y1, y
		buf[i] = y
	}
}

func (h *highPass) reset() {
	for i := range h.state {
		h.state[i] = biquadState{}
	}
}
