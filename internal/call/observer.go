package call

import (
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/petervdpas/peercall/internal/proto"
	"github.com/petervdpas/peercall/internal/rtc"
)

// Observer receives session events. Calls arrive in order on a dedicated
// goroutine, never on the session loop, so observers may call back into
// the Session.
type Observer interface {
	OnStateChange(from, to State)
	OnConnectionStateChange(state webrtc.PeerConnectionState)
	OnLocalMedia(role proto.Role, on bool)
	OnRemoteTrack(track rtc.RemoteTrack)
	OnRemoteScreenShare(on bool)
	OnRemoteCamera(on bool)
	OnRemoteAudioState(state proto.AudioState)
	OnRoundTripTime(rtt time.Duration)
	OnEnded(reason string)
	OnError(err error)
}

// NopObserver ignores everything. Embed it to implement a subset.
type NopObserver struct{}

func (NopObserver) OnStateChange(State, State)                         {}
func (NopObserver) OnConnectionStateChange(webrtc.PeerConnectionState) {}
func (NopObserver) OnLocalMedia(proto.Role, bool)                      {}
func (NopObserver) OnRemoteTrack(rtc.RemoteTrack)                      {}
func (NopObserver) OnRemoteScreenShare(bool)                           {}
func (NopObserver) OnRemoteCamera(bool)                                {}
func (NopObserver) OnRemoteAudioState(proto.AudioState)                {}
func (NopObserver) OnRoundTripTime(time.Duration)                      {}
func (NopObserver) OnEnded(string)                                     {}
func (NopObserver) OnError(error)                                      {}

// notifier runs observer callbacks in order off the session loop. The queue
// is unbounded so a slow observer never stalls the loop.
type notifier struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool
	done   chan struct{}
}

func newNotifier() *notifier {
	n := &notifier{done: make(chan struct{})}
	n.cond = sync.NewCond(&n.mu)
	go n.run()
	return n
}

func (n *notifier) post(fn func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.queue = append(n.queue, fn)
	n.cond.Signal()
}

// close lets the queue drain and stops the goroutine.
func (n *notifier) close() {
	n.mu.Lock()
	n.closed = true
	n.cond.Signal()
	n.mu.Unlock()
}

func (n *notifier) run() {
	defer close(n.done)
	for {
		n.mu.Lock()
		for len(n.queue) == 0 && !n.closed {
			n.cond.Wait()
		}
		if len(n.queue) == 0 {
			n.mu.Unlock()
			return
		}
		batch := n.queue
		n.queue = nil
		n.mu.Unlock()

		for _, fn := range batch {
			fn()
		}
	}
}
