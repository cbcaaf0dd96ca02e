package rtc

import (
	"time"

	"github.com/pion/webrtc/v4"
)

// RoundTripTime returns the current RTT of the nominated candidate pair.
func (c *Conn) RoundTripTime() (time.Duration, bool) {
	if c.closed.Load() {
		return 0, false
	}
	return rttFromReport(c.pc.GetStats())
}

func rttFromReport(report webrtc.StatsReport) (time.Duration, bool) {
	for _, s := range report {
		pair, ok := s.(webrtc.ICECandidatePairStats)
		if !ok || !pair.Nominated || pair.State != webrtc.StatsICECandidatePairStateSucceeded {
			continue
		}
		if pair.CurrentRoundTripTime > 0 {
			return time.Duration(pair.CurrentRoundTripTime * float64(time.Second)), true
		}
	}
	return 0, false
}
