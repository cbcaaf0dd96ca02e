package proto

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind identifies a call-control message.
type Kind string

const (
	KindOffer              Kind = "offer"
	KindAnswer             Kind = "answer"
	KindICECandidate       Kind = "ice-candidate"
	KindCallEnded          Kind = "call-ended"
	KindCallRejected       Kind = "call-rejected"
	KindCallCancelled      Kind = "call-cancelled"
	KindScreenShareStarted Kind = "screen-share-started"
	KindScreenShareStopped Kind = "screen-share-stopped"
	KindCameraStarted      Kind = "camera-started"
	KindCameraStopped      Kind = "camera-stopped"
	KindAudioStateChange   Kind = "audio-state-change"
)

var knownKinds = map[Kind]bool{
	KindOffer: true, KindAnswer: true, KindICECandidate: true,
	KindCallEnded: true, KindCallRejected: true, KindCallCancelled: true,
	KindScreenShareStarted: true, KindScreenShareStopped: true,
	KindCameraStarted: true, KindCameraStopped: true,
	KindAudioStateChange: true,
}

// Valid reports whether k is one of the protocol kinds.
func (k Kind) Valid() bool { return knownKinds[k] }

// Terminal reports whether receiving k ends the call.
func (k Kind) Terminal() bool {
	return k == KindCallEnded || k == KindCallRejected || k == KindCallCancelled
}

// Signal is one immutable call-control message. Receivers dedup on ID.
type Signal struct {
	ID        string          `json:"id"`
	CallID    string          `json:"call_id"`
	From      string          `json:"from"`
	To        string          `json:"to"`
	Kind      Kind            `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// NewSignal builds a signal with a fresh id. payload may be nil.
func NewSignal(callID, from, to string, kind Kind, payload any) (Signal, error) {
	sig := Signal{
		ID:        uuid.NewString(),
		CallID:    callID,
		From:      from,
		To:        to,
		Kind:      kind,
		CreatedAt: time.Now().UTC(),
	}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Signal{}, fmt.Errorf("proto: encode %s payload: %w", kind, err)
		}
		sig.Payload = b
	}
	return sig, nil
}

// Decode unmarshals the payload into v.
func (s Signal) Decode(v any) error {
	if len(s.Payload) == 0 {
		return fmt.Errorf("proto: %s signal %s has no payload", s.Kind, s.ID)
	}
	if err := json.Unmarshal(s.Payload, v); err != nil {
		return fmt.Errorf("proto: decode %s payload: %w", s.Kind, err)
	}
	return nil
}

// Validate checks the fields every relay requires before accepting a signal.
func (s Signal) Validate() error {
	switch {
	case s.ID == "":
		return fmt.Errorf("proto: signal id missing")
	case s.CallID == "":
		return fmt.Errorf("proto: signal %s: call_id missing", s.ID)
	case s.From == "" || s.To == "":
		return fmt.Errorf("proto: signal %s: from/to missing", s.ID)
	case s.From == s.To:
		return fmt.Errorf("proto: signal %s: from equals to", s.ID)
	case !s.Kind.Valid():
		return fmt.Errorf("proto: signal %s: unknown kind %q", s.ID, s.Kind)
	}
	return nil
}

// Role is the semantic role of one media track inside a call.
type Role string

const (
	RolePrimaryAudio   Role = "primary-audio"
	RoleSecondaryAudio Role = "secondary-audio" // soundpad
	RolePrimaryVideo   Role = "primary-video"   // camera
	RoleSecondaryVideo Role = "secondary-video" // screen share
)

// IsAudio reports whether r is one of the audio roles.
func (r Role) IsAudio() bool { return r == RolePrimaryAudio || r == RoleSecondaryAudio }

// TrackTag announces the role of one of the sender's local tracks. Tags ride
// along with offers, answers and camera/screen start signals so the receiver
// does not have to infer roles.
type TrackTag struct {
	TrackID  string `json:"track_id"`
	StreamID string `json:"stream_id,omitempty"`
	Role     Role   `json:"role"`
}

// SessionDescription is the payload of offer and answer signals.
type SessionDescription struct {
	Type   string     `json:"type"`
	SDP    string     `json:"sdp"`
	Tracks []TrackTag `json:"tracks,omitempty"`
}

// Candidate is the payload of ice-candidate signals. Field names match the
// browser RTCIceCandidateInit dictionary.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// MediaChange is the payload of camera/screen start and stop signals.
type MediaChange struct {
	Track *TrackTag `json:"track,omitempty"`
}

// AudioState is the payload of audio-state-change.
type AudioState struct {
	Muted    bool `json:"muted"`
	Deafened bool `json:"deafened"`
}

// Hangup is the optional payload of terminal signals.
type Hangup struct {
	Reason string `json:"reason,omitempty"`
}
