// Package viewer serves the local control API of a peer: call control,
// the event stream, remote media, logs and metrics.
package viewer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/petervdpas/peercall/internal/call"
	"github.com/petervdpas/peercall/internal/viewer/routes"
	"github.com/sirupsen/logrus"
)

const shutdownGrace = 3 * time.Second

type Viewer struct {
	Addr string

	Manager *call.Manager
	Self    string
	Logs    *LogBuffer
	Metrics http.Handler

	SoundpadDir string
	ClipLevel   func() float64

	Log *logrus.Entry
}

// Handler builds the mux without listening. The returned func releases the
// event hub.
func Handler(v Viewer) (http.Handler, func()) {
	mux := http.NewServeMux()
	deps := routes.Deps{
		Manager:     v.Manager,
		Self:        v.Self,
		Metrics:     v.Metrics,
		SoundpadDir: v.SoundpadDir,
		ClipLevel:   v.ClipLevel,
		LocalOnly:   isLoopbackAddr(v.Addr),
		Log:         v.Log,
	}
	if v.Logs != nil {
		deps.Logs = v.Logs
	}
	hub := routes.Register(mux, deps)
	return apiHeaders(mux), hub.Close
}

// Start serves the control API on v.Addr until ctx is done.
func Start(ctx context.Context, v Viewer) error {
	if v.Log == nil {
		v.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	h, closeHub := Handler(v)
	defer closeHub()

	ln, err := net.Listen("tcp", v.Addr)
	if err != nil {
		return fmt.Errorf("viewer: listen %s: %w", v.Addr, err)
	}
	srv := &http.Server{Handler: h, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	v.Log.Infof("control API on http://%s", ln.Addr())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	// SSE and media websockets never finish on their own
	if err := srv.Shutdown(sctx); err != nil {
		_ = srv.Close()
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// apiHeaders marks every response as uncacheable; call state changes between
// requests.
func apiHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Cache-Control", "no-store")
		h.Set("X-Content-Type-Options", "nosniff")
		next.ServeHTTP(w, r)
	})
}

func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
