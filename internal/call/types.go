package call

import (
	"context"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/petervdpas/peercall/internal/proto"
	"github.com/petervdpas/peercall/internal/rtc"
	"github.com/sirupsen/logrus"
)

// Engine is the negotiation and media surface a Session drives.
// *rtc.Conn satisfies it; tests substitute a fake.
type Engine interface {
	CreateOffer(ctx context.Context) (proto.SessionDescription, error)
	AcceptOffer(ctx context.Context, offer proto.SessionDescription) (proto.SessionDescription, error)
	AcceptAnswer(ctx context.Context, answer proto.SessionDescription) error
	AddCandidate(c proto.Candidate) error

	SignalingState() webrtc.SignalingState
	ConnectionState() webrtc.PeerConnectionState

	ExpectTag(t proto.TrackTag)
	ExpectScreenShare()
	RemoteVideoStopped(role proto.Role)

	AddLocal(role proto.Role, track webrtc.TrackLocal) (proto.TrackTag, error)
	RemoveLocal(role proto.Role) error
	ReplaceLocal(role proto.Role, track webrtc.TrackLocal) error
	HasLocal(role proto.Role) bool

	SetSink(role proto.Role, sink rtc.Sink)
	SetDeafened(deafened bool)
	RoundTripTime() (time.Duration, bool)
	Close() error
}

// EngineFactory creates the engine of one call. Handlers route engine
// events into the session loop.
type EngineFactory func(h rtc.Handlers, log *logrus.Entry) (Engine, error)

// RTCFactory builds pion-backed engines. setup registers codecs on each
// call's MediaEngine; media.Source.SetupMediaEngine fits.
func RTCFactory(cfg rtc.Config, setup rtc.MediaSetup) EngineFactory {
	return func(h rtc.Handlers, log *logrus.Entry) (Engine, error) {
		api, err := rtc.NewAPI(cfg, setup)
		if err != nil {
			return nil, err
		}
		conn, err := rtc.New(api, cfg, h, log)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// RecordStore persists call records.
type RecordStore interface {
	CreateCall(ctx context.Context, rec proto.Record) error
	UpdateCallStatus(ctx context.Context, callID string, status proto.CallStatus) error
	DeleteCall(ctx context.Context, callID string) error
	Record(ctx context.Context, callID string) (proto.Record, error)
}

// InviteSource announces calls addressed to a participant: once when the
// record is created and again on every status change. A deleted record is
// announced as failed.
type InviteSource interface {
	SubscribeInvites(ctx context.Context, participant string) (<-chan proto.Record, func(), error)
}

// Side is which end of the call this session is.
type Side string

const (
	Caller Side = "caller"
	Callee Side = "callee"
)

// Timing holds the session's bounded waits. Zero fields take the defaults.
type Timing struct {
	SetupTimeout      time.Duration
	OfferRetry        time.Duration
	MaxOfferRetries   int
	StablePoll        time.Duration
	StableWait        time.Duration
	FailureGrace      time.Duration
	EndFlush          time.Duration
	StatsInterval     time.Duration
	SignalSendTimeout time.Duration
}

func DefaultTiming() Timing {
	return Timing{
		SetupTimeout:      15 * time.Second,
		OfferRetry:        5 * time.Second,
		MaxOfferRetries:   3,
		StablePoll:        50 * time.Millisecond,
		StableWait:        2 * time.Second,
		FailureGrace:      10 * time.Second,
		EndFlush:          500 * time.Millisecond,
		StatsInterval:     2 * time.Second,
		SignalSendTimeout: 5 * time.Second,
	}
}

func (t Timing) withDefaults() Timing {
	d := DefaultTiming()
	if t.SetupTimeout <= 0 {
		t.SetupTimeout = d.SetupTimeout
	}
	if t.OfferRetry <= 0 {
		t.OfferRetry = d.OfferRetry
	}
	if t.MaxOfferRetries <= 0 {
		t.MaxOfferRetries = d.MaxOfferRetries
	}
	if t.StablePoll <= 0 {
		t.StablePoll = d.StablePoll
	}
	if t.StableWait <= 0 {
		t.StableWait = d.StableWait
	}
	if t.FailureGrace <= 0 {
		t.FailureGrace = d.FailureGrace
	}
	if t.EndFlush <= 0 {
		t.EndFlush = d.EndFlush
	}
	if t.StatsInterval <= 0 {
		t.StatsInterval = d.StatsInterval
	}
	if t.SignalSendTimeout <= 0 {
		t.SignalSendTimeout = d.SignalSendTimeout
	}
	return t
}

// End reasons reported through Observer.OnEnded and Session.Reason.
const (
	ReasonEnded            = "ended"
	ReasonCancelled        = "cancelled"
	ReasonRejected         = "rejected"
	ReasonRemoteEnded      = "remote-ended"
	ReasonRemoteCancelled  = "remote-cancelled"
	ReasonRemoteRejected   = "remote-rejected"
	ReasonConnectionFailed = "connection-failed"
	ReasonSetupFailed      = "setup-failed"
	ReasonShutdown         = "shutdown"
)

// StatusFor maps an end reason to the record status it leaves behind.
func StatusFor(reason string) proto.CallStatus {
	switch reason {
	case ReasonCancelled, ReasonRemoteCancelled:
		return proto.StatusCancelled
	case ReasonRejected, ReasonRemoteRejected:
		return proto.StatusRejected
	case ReasonConnectionFailed, ReasonSetupFailed:
		return proto.StatusFailed
	}
	return proto.StatusEnded
}
