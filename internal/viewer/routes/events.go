package routes

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/petervdpas/peercall/internal/call"
	"github.com/petervdpas/peercall/internal/proto"
	"github.com/petervdpas/peercall/internal/rtc"
	"github.com/petervdpas/peercall/internal/util"
	"github.com/sirupsen/logrus"
)

const (
	rttHistory = 120
	eventQueue = 64
)

// Event is one message of the /api/call/events stream.
type Event struct {
	Type string    `json:"type"`
	TS   time.Time `json:"ts"`
	Data any       `json:"data,omitempty"`
}

// RTTSample is one round-trip measurement kept for /api/call/debug.
type RTTSample struct {
	TS     time.Time `json:"ts"`
	Millis float64   `json:"ms"`
}

// EventHub turns call observer callbacks into events for SSE clients.
type EventHub struct {
	log *logrus.Entry
	rtt *util.RingBuffer[RTTSample]

	mu     sync.Mutex
	subs   map[chan Event]struct{}
	closed bool
}

var _ call.Observer = (*EventHub)(nil)

func NewEventHub(log *logrus.Entry) *EventHub {
	return &EventHub{
		log:  log,
		rtt:  util.NewRingBuffer[RTTSample](rttHistory),
		subs: make(map[chan Event]struct{}),
	}
}

// Subscribe returns a channel of events and its cancel func. Slow
// subscribers lose events rather than block the call.
func (h *EventHub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, eventQueue)
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			if _, ok := h.subs[ch]; ok {
				delete(h.subs, ch)
				close(ch)
			}
			h.mu.Unlock()
		})
	}
}

// RTT returns the recent round-trip samples, oldest first.
func (h *EventHub) RTT() []RTTSample { return h.rtt.Snapshot() }

// LastRTT is the newest sample, nil before the first measurement.
func (h *EventHub) LastRTT() *RTTSample {
	if s, ok := h.rtt.Last(); ok {
		return &s
	}
	return nil
}

func (h *EventHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.subs {
		close(ch)
	}
	h.subs = nil
}

func (h *EventHub) publish(typ string, data any) {
	e := Event{Type: typ, TS: time.Now().UTC(), Data: data}
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- e:
		default:
			h.log.Debugf("events: dropped %s for slow client", typ)
		}
	}
}

// Incoming is registered with Manager.OnIncoming.
func (h *EventHub) Incoming(ic *call.IncomingCall) {
	h.publish("incoming-call", ic.Record)
}

func (h *EventHub) OnStateChange(from, to call.State) {
	h.publish("state", map[string]call.State{"from": from, "to": to})
}

func (h *EventHub) OnConnectionStateChange(st webrtc.PeerConnectionState) {
	h.publish("connection", st.String())
}

func (h *EventHub) OnLocalMedia(role proto.Role, on bool) {
	h.publish("local-media", map[string]any{"role": role, "on": on})
}

func (h *EventHub) OnRemoteTrack(t rtc.RemoteTrack) {
	h.publish("remote-track", map[string]any{"role": t.Role, "id": t.ID, "kind": t.Kind.String()})
}

func (h *EventHub) OnRemoteScreenShare(on bool) {
	h.publish("remote-screen-share", map[string]bool{"on": on})
}

func (h *EventHub) OnRemoteCamera(on bool) {
	h.publish("remote-camera", map[string]bool{"on": on})
}

func (h *EventHub) OnRemoteAudioState(st proto.AudioState) {
	h.publish("remote-audio", st)
}

func (h *EventHub) OnRoundTripTime(rtt time.Duration) {
	s := RTTSample{TS: time.Now().UTC(), Millis: float64(rtt.Microseconds()) / 1000}
	h.rtt.Push(s)
	h.publish("rtt", s)
}

func (h *EventHub) OnEnded(reason string) {
	h.publish("ended", map[string]string{"reason": reason})
}

func (h *EventHub) OnError(err error) {
	h.publish("error", map[string]string{"error": err.Error()})
}

func writeEvent(w io.Writer, e Event) {
	b, err := json.Marshal(e)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, b)
}
