package rendezvous

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/petervdpas/peercall/internal/proto"
	"github.com/sirupsen/logrus"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 25 * time.Second
	maxFrameSize   = 256 << 10
	clientSendSize = 256

	maxClientsPerParticipant = 8
)

// client is one websocket connection of an authenticated participant.
type client struct {
	participant string
	conn        *websocket.Conn
	send        chan []byte

	mu    sync.Mutex
	calls map[string]bool // subscribed call ids
}

func (c *client) subscribed(callID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[callID]
}

// hub routes live signals and invites to connected participants.
type hub struct {
	log *logrus.Entry

	mu      sync.Mutex
	clients map[string]map[*client]struct{} // participant -> connections
}

func newHub(log *logrus.Entry) *hub {
	return &hub{log: log, clients: make(map[string]map[*client]struct{})}
}

func (h *hub) add(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.clients[c.participant]
	if len(set) >= maxClientsPerParticipant {
		return false
	}
	if set == nil {
		set = make(map[*client]struct{})
		h.clients[c.participant] = set
	}
	set[c] = struct{}{}
	return true
}

func (h *hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.clients[c.participant]
	if _, ok := set[c]; !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.clients, c.participant)
	}
	close(c.send)
}

// deliverSignal pushes sig to every connection of sig.To subscribed to its
// call. Returns the number of connections reached.
func (h *hub) deliverSignal(sig proto.Signal) int {
	b, err := json.Marshal(proto.Envelope{Type: proto.EnvSignal, CallID: sig.CallID, Signal: &sig})
	if err != nil {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for c := range h.clients[sig.To] {
		if c.subscribed(sig.CallID) && h.enqueueLocked(c, b) {
			n++
		}
	}
	return n
}

// deliverRecord sends rec to every connection of its callee: EnvInvite for a
// new call, EnvStatus when its status changed.
func (h *hub) deliverRecord(typ proto.EnvelopeType, rec proto.Record) {
	b, err := json.Marshal(proto.Envelope{Type: typ, CallID: rec.ID, Record: &rec, Status: rec.Status})
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients[rec.CalleeID] {
		h.enqueueLocked(c, b)
	}
}

func (h *hub) reply(c *client, env proto.Envelope) {
	b, err := json.Marshal(env)
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c.participant][c]; ok {
		h.enqueueLocked(c, b)
	}
}

// enqueueLocked never blocks the publisher; a connection that cannot keep
// up is closed so its owner reconnects and replays history.
func (h *hub) enqueueLocked(c *client, b []byte) bool {
	select {
	case c.send <- b:
		return true
	default:
		h.log.Warnf("%s: send buffer full, dropping connection", c.participant)
		_ = c.conn.Close()
		return false
	}
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, set := range h.clients {
		n += len(set)
	}
	return n
}

// readPump handles subscribe/unsubscribe frames until the connection dies.
func (h *hub) readPump(c *client) {
	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var env proto.Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debugf("%s: read: %v", c.participant, err)
			}
			return
		}
		switch env.Type {
		case proto.EnvSubscribe:
			if env.CallID == "" {
				continue
			}
			c.mu.Lock()
			c.calls[env.CallID] = true
			c.mu.Unlock()
			h.reply(c, proto.Envelope{Type: proto.EnvSubscribed, CallID: env.CallID})
		case proto.EnvUnsubscribe:
			c.mu.Lock()
			delete(c.calls, env.CallID)
			c.mu.Unlock()
		default:
			h.reply(c, proto.Envelope{Type: proto.EnvError, Error: "unknown frame " + string(env.Type)})
		}
	}
}

func (h *hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case b, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
