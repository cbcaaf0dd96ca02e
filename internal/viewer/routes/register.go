package routes

import (
	"net/http"

	"github.com/petervdpas/peercall/internal/call"
	"github.com/sirupsen/logrus"
)

type Logs interface {
	ServeLogsJSON(w http.ResponseWriter, r *http.Request)
	ServeLogsSSE(w http.ResponseWriter, r *http.Request)
}

type Deps struct {
	Manager *call.Manager
	Self    string

	// Metrics serves /metrics when set.
	Metrics http.Handler
	Logs    Logs

	// ClipLevel reports the peak of the soundpad clip playing locally.
	ClipLevel func() float64

	// SoundpadDir holds named .ogg clips for POST /api/call/clip?name=.
	SoundpadDir string

	// LocalOnly restricts every route to loopback clients.
	LocalOnly bool

	Log *logrus.Entry
}

// Register mounts the control API on mux. It returns the event hub so the
// caller can close it on shutdown.
func Register(mux *http.ServeMux, d Deps) *EventHub {
	if d.Log == nil {
		d.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	inner := http.NewServeMux()

	if d.Logs != nil {
		inner.HandleFunc("/api/logs", d.Logs.ServeLogsJSON)
		inner.HandleFunc("/api/logs/stream", d.Logs.ServeLogsSSE)
	}
	if d.Metrics != nil {
		inner.Handle("/metrics", d.Metrics)
	}

	hub := NewEventHub(d.Log)
	if d.Manager != nil {
		d.Manager.AddObserver(hub)
		d.Manager.OnIncoming(hub.Incoming)
		registerCallRoutes(inner, d, hub)
		registerMediaRoutes(inner, d)
	}

	var h http.Handler = inner
	if d.LocalOnly {
		h = localOnly(inner)
	}
	mux.Handle("/", h)
	return hub
}
