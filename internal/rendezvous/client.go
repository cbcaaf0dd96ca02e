package rendezvous

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/petervdpas/peercall/internal/proto"
	"github.com/sirupsen/logrus"
)

// ErrNotFound is returned when the server does not know a call.
var ErrNotFound = errors.New("rendezvous: not found")

// Client talks to a relay server for one participant. It satisfies
// signaling.Relay and the record and invite interfaces of the call manager.
// Live signals and invites share one websocket that reconnects with backoff;
// after every reconnect the open subscriptions replay their history so
// nothing published while offline is lost.
type Client struct {
	BaseURL string
	HTTP    *http.Client

	self  string
	token string
	log   *logrus.Entry

	mu       sync.Mutex
	conn     *websocket.Conn
	subs     map[string][]*liveSub // call id -> subscriptions
	invites  []*inviteSub
	writeMu  sync.Mutex
	stop     context.CancelFunc
	loopDone chan struct{}
}

type liveSub struct {
	ch    chan proto.Signal
	done  chan struct{}
	acked chan struct{}
	once  sync.Once
	ack   sync.Once
}

type inviteSub struct {
	ch   chan proto.Record
	done chan struct{}
	once sync.Once
}

func NewClient(baseURL, self, token string, log *logrus.Entry) *Client {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Client{
		BaseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		HTTP:    &http.Client{Timeout: 10 * time.Second},
		self:    self,
		token:   token,
		log:     log.WithField("component", "relay-client"),
		subs:    make(map[string][]*liveSub),
	}
}

// Connect starts the websocket loop. It returns immediately; the first
// connection is made in the background.
func (c *Client) Connect(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stop != nil {
		return
	}
	ctx, c.stop = context.WithCancel(ctx)
	c.loopDone = make(chan struct{})
	go c.run(ctx)
}

// Close stops the websocket loop and ends every subscription.
func (c *Client) Close() error {
	c.mu.Lock()
	stop, done := c.stop, c.loopDone
	conn := c.conn
	c.mu.Unlock()
	if stop != nil {
		stop()
	}
	if conn != nil {
		_ = conn.Close()
	}
	if done != nil {
		<-done
	}
	return nil
}

// ── REST ─────────────────────────────────────────────────────────────────────

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", bearerPrefix+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode/100 != 2 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Error == "" {
			e.Error = resp.Status
		}
		return fmt.Errorf("%s %s: %s", method, path, e.Error)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) Publish(ctx context.Context, sig proto.Signal) error {
	return c.do(ctx, http.MethodPost, "/api/signals", sig, nil)
}

func (c *Client) FetchHistory(ctx context.Context, callID, to, from string) ([]proto.Signal, error) {
	q := url.Values{"to": {to}}
	if from != "" {
		q.Set("from", from)
	}
	var out []proto.Signal
	err := c.do(ctx, http.MethodGet, "/api/calls/"+url.PathEscape(callID)+"/signals?"+q.Encode(), nil, &out)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return out, err
}

func (c *Client) Purge(ctx context.Context, callID string) error {
	err := c.do(ctx, http.MethodDelete, "/api/calls/"+url.PathEscape(callID)+"/signals", nil, nil)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

func (c *Client) CreateCall(ctx context.Context, rec proto.Record) error {
	return c.do(ctx, http.MethodPost, "/api/calls", rec, nil)
}

func (c *Client) UpdateCallStatus(ctx context.Context, callID string, status proto.CallStatus) error {
	body := map[string]proto.CallStatus{"status": status}
	return c.do(ctx, http.MethodPatch, "/api/calls/"+url.PathEscape(callID), body, nil)
}

func (c *Client) DeleteCall(ctx context.Context, callID string) error {
	err := c.do(ctx, http.MethodDelete, "/api/calls/"+url.PathEscape(callID), nil, nil)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

func (c *Client) Record(ctx context.Context, callID string) (proto.Record, error) {
	var rec proto.Record
	err := c.do(ctx, http.MethodGet, "/api/calls/"+url.PathEscape(callID), nil, &rec)
	return rec, err
}

// ListCalls returns the participant's recent calls, newest first.
func (c *Client) ListCalls(ctx context.Context, limit int) ([]proto.Record, error) {
	var out []proto.Record
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/calls?limit=%d", limit), nil, &out)
	return out, err
}

// FetchRelayInfo asks the server for its circuit relay. ErrNotFound means the
// server runs without one.
func (c *Client) FetchRelayInfo(ctx context.Context) (*proto.RelayInfo, error) {
	var ri proto.RelayInfo
	if err := c.do(ctx, http.MethodGet, "/relay", nil, &ri); err != nil {
		return nil, err
	}
	if ri.PeerID == "" || len(ri.Addrs) == 0 {
		return nil, fmt.Errorf("rendezvous: incomplete relay info")
	}
	return &ri, nil
}

// ── live feed ────────────────────────────────────────────────────────────────

// Subscribe returns once the server has acknowledged the subscription, so a
// history fetch made afterwards cannot miss a signal published in between.
func (c *Client) Subscribe(ctx context.Context, callID, participantID string) (<-chan proto.Signal, func(), error) {
	if participantID != c.self {
		return nil, nil, fmt.Errorf("rendezvous: client of %s cannot subscribe for %s", c.self, participantID)
	}
	s := &liveSub{
		ch:    make(chan proto.Signal, 64),
		done:  make(chan struct{}),
		acked: make(chan struct{}),
	}

	c.mu.Lock()
	first := len(c.subs[callID]) == 0
	c.subs[callID] = append(c.subs[callID], s)
	conn := c.conn
	c.mu.Unlock()

	cancel := func() { c.unsubscribe(callID, s) }

	if first && conn != nil {
		_ = c.write(conn, proto.Envelope{Type: proto.EnvSubscribe, CallID: callID})
	} else if !first {
		c.mu.Lock()
		for _, other := range c.subs[callID] {
			if other != s {
				select {
				case <-other.acked:
					s.ack.Do(func() { close(s.acked) })
				default:
				}
				break
			}
		}
		c.mu.Unlock()
	}

	select {
	case <-s.acked:
		return s.ch, cancel, nil
	case <-ctx.Done():
		cancel()
		return nil, nil, fmt.Errorf("rendezvous: subscribe %s: %w", callID, ctx.Err())
	}
}

func (c *Client) unsubscribe(callID string, s *liveSub) {
	s.once.Do(func() { close(s.done) })
	c.mu.Lock()
	list := c.subs[callID]
	for i, x := range list {
		if x == s {
			c.subs[callID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	last := len(c.subs[callID]) == 0
	if last {
		delete(c.subs, callID)
	}
	conn := c.conn
	c.mu.Unlock()
	if last && conn != nil {
		_ = c.write(conn, proto.Envelope{Type: proto.EnvUnsubscribe, CallID: callID})
	}
}

// SubscribeInvites delivers calls addressed to participantID: once when
// created and again on every status change.
func (c *Client) SubscribeInvites(_ context.Context, participantID string) (<-chan proto.Record, func(), error) {
	if participantID != c.self {
		return nil, nil, fmt.Errorf("rendezvous: client of %s cannot receive invites of %s", c.self, participantID)
	}
	s := &inviteSub{ch: make(chan proto.Record, 8), done: make(chan struct{})}
	c.mu.Lock()
	c.invites = append(c.invites, s)
	c.mu.Unlock()

	cancel := func() {
		s.once.Do(func() { close(s.done) })
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, x := range c.invites {
			if x == s {
				c.invites = append(c.invites[:i], c.invites[i+1:]...)
				break
			}
		}
	}
	return s.ch, cancel, nil
}

func (c *Client) wsURL() string {
	u := c.BaseURL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/ws?token=" + url.QueryEscape(c.token)
}

func (c *Client) run(ctx context.Context) {
	defer close(c.loopDone)
	defer c.endSubscriptions()

	backoff := 250 * time.Millisecond
	for {
		err := c.session(ctx)
		if ctx.Err() != nil {
			return
		}
		c.log.Debugf("websocket: %v (reconnecting in %s)", err, backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 5*time.Second {
			backoff *= 2
		}
	}
}

// session runs one websocket connection until it fails.
func (c *Client) session(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.wsURL(), nil)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.conn = conn
	calls := make([]string, 0, len(c.subs))
	for id := range c.subs {
		calls = append(calls, id)
	}
	c.mu.Unlock()
	c.log.Debug("websocket connected")

	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		_ = conn.Close()
	}()

	for _, id := range calls {
		if err := c.write(conn, proto.Envelope{Type: proto.EnvSubscribe, CallID: id}); err != nil {
			return err
		}
	}

	for {
		var env proto.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return err
		}
		switch env.Type {
		case proto.EnvSubscribed:
			c.onSubscribed(ctx, env.CallID)
		case proto.EnvSignal:
			if env.Signal != nil {
				c.dispatch(*env.Signal)
			}
		case proto.EnvInvite, proto.EnvStatus:
			if env.Record != nil {
				c.dispatchInvite(*env.Record)
			}
		case proto.EnvError:
			c.log.Warnf("relay server: %s", env.Error)
		}
	}
}

// onSubscribed acks waiting subscriptions. Subscriptions that were acked
// before, on an earlier connection, replay history instead.
func (c *Client) onSubscribed(ctx context.Context, callID string) {
	c.mu.Lock()
	var replay bool
	for _, s := range c.subs[callID] {
		select {
		case <-s.acked:
			replay = true
		default:
			s.ack.Do(func() { close(s.acked) })
		}
	}
	c.mu.Unlock()
	if !replay {
		return
	}
	go func() {
		hctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		sigs, err := c.FetchHistory(hctx, callID, c.self, "")
		if err != nil {
			c.log.Warnf("replay %s after reconnect: %v", callID, err)
			return
		}
		for _, s := range sigs {
			c.dispatch(s)
		}
	}()
}

func (c *Client) dispatch(sig proto.Signal) {
	c.mu.Lock()
	targets := append([]*liveSub(nil), c.subs[sig.CallID]...)
	c.mu.Unlock()
	for _, s := range targets {
		select {
		case s.ch <- sig:
		case <-s.done:
		}
	}
}

func (c *Client) dispatchInvite(rec proto.Record) {
	c.mu.Lock()
	targets := append([]*inviteSub(nil), c.invites...)
	c.mu.Unlock()
	for _, s := range targets {
		select {
		case s.ch <- rec:
		case <-s.done:
		}
	}
}

func (c *Client) endSubscriptions() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, list := range c.subs {
		for _, s := range list {
			s.once.Do(func() { close(s.done) })
		}
	}
	for _, s := range c.invites {
		s.once.Do(func() { close(s.done) })
	}
}

func (c *Client) write(conn *websocket.Conn, env proto.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(env)
}
