// Package proto holds the wire types and protocol constants shared by the
// relays, the signaling channel and the call sessions.
package proto

import "time"

const (
	// gossipsub topic prefix; each participant listens on InboxTopicPrefix + its peer ID
	InboxTopicPrefix = "/peercall/inbox/1.0.0/"

	MdnsTag = "peercall-mdns"

	// redis key and channel prefixes used by the redis relay
	RedisPrefix = "peercall:"
)

// CallType is the media kind a call was started with.
type CallType string

const (
	CallVoice CallType = "voice"
	CallVideo CallType = "video"
)

// Valid reports whether t is a known call type.
func (t CallType) Valid() bool { return t == CallVoice || t == CallVideo }

// CallStatus is the persisted status of a call record.
type CallStatus string

const (
	StatusRinging   CallStatus = "ringing"
	StatusActive    CallStatus = "active"
	StatusEnded     CallStatus = "ended"
	StatusRejected  CallStatus = "rejected"
	StatusCancelled CallStatus = "cancelled"
	StatusMissed    CallStatus = "missed"
	StatusFailed    CallStatus = "failed"
)

// Valid reports whether s is a known status.
func (s CallStatus) Valid() bool {
	return s == StatusRinging || s == StatusActive || s.Terminal()
}

// Terminal reports whether no further transition is expected from s.
func (s CallStatus) Terminal() bool {
	switch s {
	case StatusEnded, StatusRejected, StatusCancelled, StatusMissed, StatusFailed:
		return true
	}
	return false
}

// Record is the persisted call record. The relay backend owns it; sessions
// only touch it at transition boundaries.
type Record struct {
	ID        string     `json:"id"`
	CallerID  string     `json:"caller_id"`
	CalleeID  string     `json:"callee_id"`
	CallType  CallType   `json:"call_type"`
	Status    CallStatus `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
}

// Counterpart returns the other participant of the record as seen by self.
func (r Record) Counterpart(self string) string {
	if r.CallerID == self {
		return r.CalleeID
	}
	return r.CallerID
}

func NowMillis() int64 { return time.Now().UnixMilli() }

// RelayInfo describes a circuit relay v2 host that gossipsub peers use for
// NAT traversal. The relay server serves it on GET /relay.
type RelayInfo struct {
	PeerID string   `json:"peer_id"`
	Addrs  []string `json:"addrs"`
}
