package rtc

import (
	"errors"

	"github.com/pion/webrtc/v4"
	"github.com/petervdpas/peercall/internal/proto"
)

// candidateQueue holds remote candidates until a remote description exists.
// Once opened, queued candidates are applied in arrival order and later ones
// go straight through.
type candidateQueue struct {
	ready   bool
	pending []webrtc.ICECandidateInit
}

func (q *candidateQueue) add(c webrtc.ICECandidateInit, apply func(webrtc.ICECandidateInit) error) error {
	if !q.ready {
		q.pending = append(q.pending, c)
		return nil
	}
	return apply(c)
}

// open marks the remote description as present and flushes the queue FIFO.
func (q *candidateQueue) open(apply func(webrtc.ICECandidateInit) error) error {
	q.ready = true
	pending := q.pending
	q.pending = nil
	var errs []error
	for _, c := range pending {
		if err := apply(c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (q *candidateQueue) len() int { return len(q.pending) }

func candidateToInit(c proto.Candidate) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

func initToCandidate(c webrtc.ICECandidateInit) proto.Candidate {
	return proto.Candidate{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}
