// Package rendezvous is the peercall relay server and its client. The server
// persists call records and signal history, authenticates participants with
// JWTs and pushes live signals and invites over websockets.
package rendezvous

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/petervdpas/peercall/internal/metrics"
	"github.com/petervdpas/peercall/internal/p2p"
	"github.com/petervdpas/peercall/internal/proto"
	"github.com/petervdpas/peercall/internal/storage"
	"github.com/sirupsen/logrus"
)

// Store is the persistence the relay server needs. *storage.DB implements it
// on SQLite and PostgreSQL.
type Store interface {
	SaveSignal(ctx context.Context, sig proto.Signal) (bool, error)
	Signals(ctx context.Context, callID, to, from string) ([]proto.Signal, error)
	PurgeSignals(ctx context.Context, callID string) error
	PruneSignals(ctx context.Context, cutoff time.Time) (int64, error)

	CreateCall(ctx context.Context, rec proto.Record) error
	UpdateCallStatus(ctx context.Context, callID string, status proto.CallStatus) error
	DeleteCall(ctx context.Context, callID string) error
	GetCall(ctx context.Context, callID string) (proto.Record, error)
	ListCalls(ctx context.Context, participant string, limit int) ([]proto.Record, error)
}

// Options configures a Server.
type Options struct {
	Addr    string
	Store   Store
	Auth    *Auth
	Metrics *metrics.Collector
	Log     *logrus.Entry

	// HistoryTTL bounds how long signals stay persisted when no participant
	// purges them.
	HistoryTTL time.Duration

	// PublishPerMinute limits signals per participant.
	PublishPerMinute int

	// RelayPort > 0 starts a libp2p circuit relay v2 host for gossipsub peers.
	RelayPort    int
	RelayKeyFile string
	ExternalURL  string

	Debug bool
}

type Server struct {
	opts    Options
	store   Store
	auth    *Auth
	met     *metrics.Collector
	log     *logrus.Entry
	hub     *hub
	limiter *rateLimiter

	upgrader websocket.Upgrader
	engine   *gin.Engine
	srv      *http.Server
	addr     string

	relayHost host.Host
	relayInfo *proto.RelayInfo
}

func New(opts Options) (*Server, error) {
	if opts.Store == nil || opts.Auth == nil {
		return nil, errors.New("rendezvous: store and auth are required")
	}
	if opts.Log == nil {
		opts.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	if opts.HistoryTTL <= 0 {
		opts.HistoryTTL = 24 * time.Hour
	}
	if opts.PublishPerMinute <= 0 {
		opts.PublishPerMinute = 600
	}
	log := opts.Log.WithField("component", "rendezvous")

	s := &Server{
		opts:    opts,
		store:   opts.Store,
		auth:    opts.Auth,
		met:     opts.Metrics,
		log:     log,
		hub:     newHub(log),
		limiter: newRateLimiter(opts.PublishPerMinute, time.Minute),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	s.engine = s.routes()
	return s, nil
}

func (s *Server) routes() *gin.Engine {
	if s.opts.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(s.log))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "connections": s.hub.count()})
	})
	r.GET("/metrics", gin.WrapH(s.met.Handler()))
	r.GET("/relay", func(c *gin.Context) {
		if s.relayInfo == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "relay disabled"})
			return
		}
		c.JSON(http.StatusOK, s.relayInfo)
	})

	auth := s.auth.requireToken()
	r.GET("/ws", auth, s.handleWebsocket)

	api := r.Group("/api", auth)
	api.POST("/signals", s.handlePublish)
	api.POST("/calls", s.handleCreateCall)
	api.GET("/calls", s.handleListCalls)
	api.GET("/calls/:id", s.handleGetCall)
	api.PATCH("/calls/:id", s.handleUpdateCall)
	api.DELETE("/calls/:id", s.handleDeleteCall)
	api.GET("/calls/:id/signals", s.handleHistory)
	api.DELETE("/calls/:id/signals", s.handlePurge)
	return r
}

// Handler exposes the router, mostly for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Start listens on the configured address and serves until ctx ends.
func (s *Server) Start(ctx context.Context) error {
	if s.opts.RelayPort > 0 {
		rh, ri, err := p2p.StartCircuitRelay(s.opts.RelayPort, s.opts.RelayKeyFile, s.opts.ExternalURL, s.log)
		if err != nil {
			return fmt.Errorf("start relay: %w", err)
		}
		s.relayHost, s.relayInfo = rh, ri
	}

	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return err
	}
	s.addr = ln.Addr().String()
	s.srv = &http.Server{Handler: s.engine, ReadHeaderTimeout: 10 * time.Second}

	go s.janitor(ctx)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shutdownCtx)
		if s.relayHost != nil {
			_ = s.relayHost.Close()
		}
	}()

	s.log.Infof("relay server listening on %s", s.addr)
	if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Addr returns the bound address once Start is listening.
func (s *Server) Addr() string { return s.addr }

// janitor prunes stale history and idle rate-limit buckets.
func (s *Server) janitor(ctx context.Context) {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			s.limiter.cleanup(now)
			n, err := s.store.PruneSignals(ctx, now.Add(-s.opts.HistoryTTL))
			if err != nil {
				s.log.Warnf("prune signals: %v", err)
			} else if n > 0 {
				s.log.Debugf("pruned %d signals", n)
			}
		}
	}
}

func participates(rec proto.Record, who string) bool {
	return rec.CallerID == who || rec.CalleeID == who
}

func abort(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}

// record loads the call named in the path and checks the caller takes part
// in it. Unknown and foreign calls both read as not found.
func (s *Server) record(c *gin.Context) (proto.Record, bool) {
	rec, err := s.store.GetCall(c.Request.Context(), c.Param("id"))
	switch {
	case errors.Is(err, storage.ErrNotFound):
		abort(c, http.StatusNotFound, "unknown call")
		return rec, false
	case err != nil:
		abort(c, http.StatusInternalServerError, err.Error())
		return rec, false
	case !participates(rec, participantOf(c)):
		abort(c, http.StatusNotFound, "unknown call")
		return rec, false
	}
	return rec, true
}

func (s *Server) handlePublish(c *gin.Context) {
	me := participantOf(c)
	if !s.limiter.allow(me, time.Now()) {
		abort(c, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	var sig proto.Signal
	if err := c.ShouldBindJSON(&sig); err != nil {
		abort(c, http.StatusBadRequest, "bad json")
		return
	}
	if sig.CreatedAt.IsZero() {
		sig.CreatedAt = time.Now().UTC()
	}
	if err := sig.Validate(); err != nil {
		abort(c, http.StatusBadRequest, err.Error())
		return
	}
	if sig.From != me {
		abort(c, http.StatusForbidden, "from does not match token subject")
		return
	}

	ctx := c.Request.Context()
	rec, err := s.store.GetCall(ctx, sig.CallID)
	if errors.Is(err, storage.ErrNotFound) {
		abort(c, http.StatusNotFound, "unknown call")
		return
	} else if err != nil {
		abort(c, http.StatusInternalServerError, err.Error())
		return
	}
	if !participates(rec, sig.From) || !participates(rec, sig.To) {
		abort(c, http.StatusForbidden, "not a participant of this call")
		return
	}

	fresh, err := s.store.SaveSignal(ctx, sig)
	if err != nil {
		abort(c, http.StatusInternalServerError, err.Error())
		return
	}
	delivered := 0
	if fresh {
		delivered = s.hub.deliverSignal(sig)
		s.met.RelayPublished(string(sig.Kind))
	}
	c.JSON(http.StatusAccepted, gin.H{"id": sig.ID, "delivered": delivered})
}

func (s *Server) handleHistory(c *gin.Context) {
	me := participantOf(c)
	to, from := c.Query("to"), c.Query("from")
	if to == "" {
		to = me
	}
	if me != to && me != from {
		abort(c, http.StatusForbidden, "history of other participants")
		return
	}
	if _, ok := s.record(c); !ok {
		return
	}
	sigs, err := s.store.Signals(c.Request.Context(), c.Param("id"), to, from)
	if err != nil {
		abort(c, http.StatusInternalServerError, err.Error())
		return
	}
	if sigs == nil {
		sigs = []proto.Signal{}
	}
	c.JSON(http.StatusOK, sigs)
}

func (s *Server) handlePurge(c *gin.Context) {
	ctx := c.Request.Context()
	rec, err := s.store.GetCall(ctx, c.Param("id"))
	if err == nil && !participates(rec, participantOf(c)) {
		abort(c, http.StatusNotFound, "unknown call")
		return
	}
	if err := s.store.PurgeSignals(ctx, c.Param("id")); err != nil {
		abort(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleCreateCall(c *gin.Context) {
	var rec proto.Record
	if err := c.ShouldBindJSON(&rec); err != nil {
		abort(c, http.StatusBadRequest, "bad json")
		return
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Status == "" {
		rec.Status = proto.StatusRinging
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	switch {
	case rec.CallerID != participantOf(c):
		abort(c, http.StatusForbidden, "caller does not match token subject")
		return
	case rec.CalleeID == "" || rec.CalleeID == rec.CallerID:
		abort(c, http.StatusBadRequest, "invalid callee")
		return
	case !rec.CallType.Valid() || !rec.Status.Valid():
		abort(c, http.StatusBadRequest, "invalid call type or status")
		return
	}

	err := s.store.CreateCall(c.Request.Context(), rec)
	if errors.Is(err, storage.ErrExists) {
		abort(c, http.StatusConflict, "call exists")
		return
	} else if err != nil {
		abort(c, http.StatusInternalServerError, err.Error())
		return
	}
	s.log.Infof("call %s: %s -> %s (%s)", rec.ID, rec.CallerID, rec.CalleeID, rec.CallType)
	s.hub.deliverRecord(proto.EnvInvite, rec)
	c.JSON(http.StatusCreated, rec)
}

func (s *Server) handleGetCall(c *gin.Context) {
	if rec, ok := s.record(c); ok {
		c.JSON(http.StatusOK, rec)
	}
}

func (s *Server) handleListCalls(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	recs, err := s.store.ListCalls(c.Request.Context(), participantOf(c), limit)
	if err != nil {
		abort(c, http.StatusInternalServerError, err.Error())
		return
	}
	if recs == nil {
		recs = []proto.Record{}
	}
	c.JSON(http.StatusOK, recs)
}

func (s *Server) handleUpdateCall(c *gin.Context) {
	var body struct {
		Status proto.CallStatus `json:"status"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || !body.Status.Valid() {
		abort(c, http.StatusBadRequest, "invalid status")
		return
	}
	rec, ok := s.record(c)
	if !ok {
		return
	}
	if err := s.store.UpdateCallStatus(c.Request.Context(), rec.ID, body.Status); err != nil {
		abort(c, http.StatusInternalServerError, err.Error())
		return
	}
	rec.Status = body.Status
	s.hub.deliverRecord(proto.EnvStatus, rec)
	c.JSON(http.StatusOK, rec)
}

func (s *Server) handleDeleteCall(c *gin.Context) {
	rec, ok := s.record(c)
	if !ok {
		return
	}
	if err := s.store.DeleteCall(c.Request.Context(), rec.ID); err != nil {
		abort(c, http.StatusInternalServerError, err.Error())
		return
	}
	// a deleted call never connected
	rec.Status = proto.StatusFailed
	s.hub.deliverRecord(proto.EnvStatus, rec)
	c.Status(http.StatusNoContent)
}

func (s *Server) handleWebsocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Debugf("websocket upgrade: %v", err)
		return
	}
	cl := &client{
		participant: participantOf(c),
		conn:        conn,
		send:        make(chan []byte, clientSendSize),
		calls:       make(map[string]bool),
	}
	if !s.hub.add(cl) {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "too many connections"))
		_ = conn.Close()
		return
	}
	s.met.RelayConnected()
	s.log.Debugf("%s connected", cl.participant)

	go s.hub.writePump(cl)
	s.hub.readPump(cl)

	s.hub.remove(cl)
	s.met.RelayDisconnected()
	s.log.Debugf("%s disconnected", cl.participant)
}

// requestLogger logs one line per request with a request id.
func requestLogger(log *logrus.Entry) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		rid := c.GetHeader("X-Request-Id")
		if rid == "" {
			rid = uuid.NewString()
		}
		c.Header("X-Request-Id", rid)
		c.Next()

		entry := log.WithFields(logrus.Fields{
			"request_id": rid,
			"method":     c.Request.Method,
			"path":       c.FullPath(),
			"status":     c.Writer.Status(),
			"duration":   time.Since(start).String(),
		})
		if c.Writer.Status() >= http.StatusInternalServerError {
			entry.Warn("request failed")
		} else {
			entry.Debug("request")
		}
	}
}
