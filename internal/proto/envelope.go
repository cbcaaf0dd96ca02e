package proto

// EnvelopeType tags the frames exchanged on relay transports: the relay
// server websocket and the gossipsub inbox topics.
type EnvelopeType string

const (
	// client -> relay server
	EnvSubscribe   EnvelopeType = "subscribe"
	EnvUnsubscribe EnvelopeType = "unsubscribe"

	// relay -> participant
	EnvSubscribed EnvelopeType = "subscribed"
	EnvSignal     EnvelopeType = "signal"
	EnvInvite     EnvelopeType = "invite"
	EnvStatus     EnvelopeType = "status"
	EnvDelete     EnvelopeType = "delete"
	EnvError      EnvelopeType = "error"
)

// Envelope is one relay frame. Only the fields of its Type are set.
type Envelope struct {
	Type   EnvelopeType `json:"type"`
	CallID string       `json:"call_id,omitempty"`
	Signal *Signal      `json:"signal,omitempty"`
	Record *Record      `json:"record,omitempty"`
	Status CallStatus   `json:"status,omitempty"`
	Error  string       `json:"error,omitempty"`
}
