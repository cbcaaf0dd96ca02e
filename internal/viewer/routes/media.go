package routes

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/petervdpas/peercall/internal/call"
	"github.com/petervdpas/peercall/internal/media"
	"github.com/petervdpas/peercall/internal/proto"
	"github.com/sirupsen/logrus"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 65536,
	// the control API only listens on loopback by default
	CheckOrigin: func(r *http.Request) bool { return true },
}

type streamKey struct {
	callID string
	role   proto.Role
}

type sharedStream struct {
	stream *media.WebMStream
	refs   int
}

// streams hands out one WebMStream per (call, video role). A remote role has
// a single sink, so every websocket watching it shares the stream.
type streams struct {
	log *logrus.Entry

	mu     sync.Mutex
	active map[streamKey]*sharedStream
}

func newStreams(log *logrus.Entry) *streams {
	return &streams{log: log, active: make(map[streamKey]*sharedStream)}
}

// acquire returns the stream of role in sess, attaching sinks on first use.
// The primary video stream carries the primary audio as well.
func (s *streams) acquire(sess *call.Session, role proto.Role) (*media.WebMStream, func(), error) {
	key := streamKey{callID: sess.Record().ID, role: role}
	withAudio := role == proto.RolePrimaryVideo

	s.mu.Lock()
	defer s.mu.Unlock()
	if sh, ok := s.active[key]; ok {
		sh.refs++
		return sh.stream, s.releaser(sess, key), nil
	}

	st := media.NewWebMStream(withAudio, s.log.WithField("role", role))
	if err := sess.AttachSink(role, st.VideoSink()); err != nil {
		st.Close()
		return nil, nil, err
	}
	if withAudio {
		if err := sess.AttachSink(proto.RolePrimaryAudio, st.AudioSink()); err != nil {
			_ = sess.AttachSink(role, nil)
			st.Close()
			return nil, nil, err
		}
	}
	s.active[key] = &sharedStream{stream: st, refs: 1}

	go func() {
		<-sess.Done()
		s.drop(key)
	}()
	return st, s.releaser(sess, key), nil
}

func (s *streams) releaser(sess *call.Session, key streamKey) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			sh, ok := s.active[key]
			if !ok {
				s.mu.Unlock()
				return
			}
			sh.refs--
			if sh.refs > 0 {
				s.mu.Unlock()
				return
			}
			delete(s.active, key)
			s.mu.Unlock()

			// the session may be gone already; detaching is then moot
			_ = sess.AttachSink(key.role, nil)
			if key.role == proto.RolePrimaryVideo {
				_ = sess.AttachSink(proto.RolePrimaryAudio, nil)
			}
			sh.stream.Close()
		})
	}
}

func (s *streams) drop(key streamKey) {
	s.mu.Lock()
	sh, ok := s.active[key]
	delete(s.active, key)
	s.mu.Unlock()
	if ok {
		sh.stream.Close()
	}
}

// GET /api/call/media/{role}: websocket of binary WebM messages for MSE.
// The first message is the init segment, the rest are clusters.
func registerMediaRoutes(mux *http.ServeMux, d Deps) {
	reg := newStreams(d.Log.WithField("component", "media-route"))

	mux.HandleFunc("GET /api/call/media/{role}", func(w http.ResponseWriter, r *http.Request) {
		role := proto.Role(r.PathValue("role"))
		if role != proto.RolePrimaryVideo && role != proto.RoleSecondaryVideo {
			http.Error(w, "role must be primary-video or secondary-video", http.StatusBadRequest)
			return
		}
		sess := d.Manager.Current()
		if sess == nil {
			writeError(w, call.ErrNoCall)
			return
		}
		stream, release, err := reg.acquire(sess, role)
		if err != nil {
			writeError(w, err)
			return
		}
		defer release()

		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			d.Log.Debugf("media %s: websocket upgrade: %v", role, err)
			return
		}
		defer conn.Close()
		d.Log.Debugf("media %s: viewer connected", role)

		dataCh, cancel := stream.Subscribe()
		defer cancel()

		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case <-closed:
				return
			case <-sess.Done():
				return
			case data, ok := <-dataCh:
				if !ok {
					return
				}
				if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
					return
				}
			}
		}
	})
}
