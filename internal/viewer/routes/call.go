package routes

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/petervdpas/peercall/internal/audio"
	"github.com/petervdpas/peercall/internal/call"
	"github.com/petervdpas/peercall/internal/proto"
)

const maxClipBytes = 8 << 20

type sessionView struct {
	CallID        string           `json:"call_id"`
	Side          call.Side        `json:"side"`
	Peer          string           `json:"peer"`
	CallType      proto.CallType   `json:"call_type"`
	State         call.State       `json:"state"`
	Reason        string           `json:"reason,omitempty"`
	Audio         proto.AudioState `json:"audio"`
	CameraOn      bool             `json:"camera_on"`
	ScreenSharing bool             `json:"screen_sharing"`
}

func viewOf(s *call.Session) *sessionView {
	if s == nil {
		return nil
	}
	v := &sessionView{
		CallID:        s.Record().ID,
		Side:          s.Side(),
		Peer:          s.Peer(),
		CallType:      s.Record().CallType,
		State:         s.State(),
		Reason:        s.Reason(),
		CameraOn:      s.CameraOn(),
		ScreenSharing: s.ScreenSharing(),
	}
	// ended sessions no longer answer
	if st, err := s.AudioState(); err == nil {
		v.Audio = st
	}
	return v
}

func registerCallRoutes(mux *http.ServeMux, d Deps, hub *EventHub) {
	mgr := d.Manager

	// GET /api/call/state: the current session and unanswered invites.
	handleGet(mux, "/api/call/state", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"self":    d.Self,
			"current": viewOf(mgr.Current()),
			"ringing": mgr.Ringing(),
		})
	})

	handleGet(mux, "/api/call/debug", func(w http.ResponseWriter, r *http.Request) {
		out := map[string]any{
			"current":  viewOf(mgr.Current()),
			"rtt":      hub.RTT(),
			"rtt_last": hub.LastRTT(),
		}
		if d.ClipLevel != nil {
			out["clip_peak"] = d.ClipLevel()
		}
		writeJSON(w, out)
	})

	handlePost(mux, "/api/call/start", func(w http.ResponseWriter, r *http.Request, req struct {
		Peer string         `json:"peer"`
		Type proto.CallType `json:"type"`
	}) {
		if req.Peer == "" {
			http.Error(w, "missing peer", http.StatusBadRequest)
			return
		}
		if req.Type == "" {
			req.Type = proto.CallVoice
		}
		if !req.Type.Valid() {
			http.Error(w, fmt.Sprintf("invalid call type %q", req.Type), http.StatusBadRequest)
			return
		}
		sess, err := mgr.Initiate(r.Context(), req.Peer, req.Type)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, viewOf(sess))
	})

	handlePost(mux, "/api/call/accept", func(w http.ResponseWriter, r *http.Request, req struct {
		CallID string `json:"call_id"`
	}) {
		rec, ok := findRinging(mgr, req.CallID)
		if !ok {
			http.Error(w, "no such invite", http.StatusNotFound)
			return
		}
		sess, err := mgr.Accept(r.Context(), rec)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, viewOf(sess))
	})

	handlePost(mux, "/api/call/reject", func(w http.ResponseWriter, r *http.Request, req struct {
		CallID string `json:"call_id"`
	}) {
		if req.CallID == "" {
			http.Error(w, "missing call_id", http.StatusBadRequest)
			return
		}
		if err := mgr.Reject(r.Context(), req.CallID); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "rejected", "call_id": req.CallID})
	})

	handlePost(mux, "/api/call/hangup", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		if err := mgr.End(r.Context()); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "hung_up"})
	})

	toggle := func(path, field string, fn func(*http.Request) (bool, error)) {
		handlePost(mux, path, func(w http.ResponseWriter, r *http.Request, _ struct{}) {
			on, err := fn(r)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, map[string]bool{field: on})
		})
	}
	toggle("/api/call/toggle-mic", "muted", func(r *http.Request) (bool, error) { return mgr.ToggleMic(r.Context()) })
	toggle("/api/call/toggle-deafen", "deafened", func(r *http.Request) (bool, error) { return mgr.ToggleDeafen(r.Context()) })
	toggle("/api/call/toggle-camera", "camera_on", func(r *http.Request) (bool, error) { return mgr.ToggleCamera(r.Context()) })
	toggle("/api/call/toggle-screen", "screen_sharing", func(r *http.Request) (bool, error) { return mgr.ToggleScreenShare(r.Context()) })

	// POST /api/call/clip: an Ogg/Opus body, or ?name= for a file in the
	// soundpad directory.
	mux.HandleFunc("/api/call/clip", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		clip, err := readClip(r, d.SoundpadDir)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := mgr.PlayLocalClip(r.Context(), clip); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "playing"})
	})

	// PUT /api/call/noise-gate: {"enabled":bool, ...gate fields}. Missing
	// fields keep the built-in defaults.
	mux.HandleFunc("/api/call/noise-gate", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		req := struct {
			Enabled bool `json:"enabled"`
			audio.GateConfig
		}{GateConfig: audio.DefaultGateConfig()}
		if decodeJSON(w, r, &req) != nil {
			return
		}
		var gate *audio.GateConfig
		if req.Enabled {
			if err := req.GateConfig.Validate(); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			gate = &req.GateConfig
		}
		if err := mgr.SetNoiseGate(gate); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]bool{"enabled": req.Enabled})
	})

	// GET /api/call/events: SSE stream of call events until the client leaves.
	handleGet(mux, "/api/call/events", func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}
		sseHeaders(w)

		ch, cancel := hub.Subscribe()
		defer cancel()

		fmt.Fprintf(w, "event: connected\ndata: {\"self\":%q}\n\n", d.Self)
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case e, ok := <-ch:
				if !ok {
					return
				}
				writeEvent(w, e)
				flusher.Flush()
			}
		}
	})
}

func findRinging(mgr *call.Manager, callID string) (proto.Record, bool) {
	for _, rec := range mgr.Ringing() {
		if rec.ID == callID {
			return rec, true
		}
	}
	return proto.Record{}, false
}

func readClip(r *http.Request, dir string) ([]byte, error) {
	if name := r.URL.Query().Get("name"); name != "" {
		if dir == "" {
			return nil, fmt.Errorf("no soundpad directory configured")
		}
		base := filepath.Base(name)
		if !strings.EqualFold(filepath.Ext(base), ".ogg") {
			base += ".ogg"
		}
		return os.ReadFile(filepath.Join(dir, base))
	}
	clip, err := io.ReadAll(io.LimitReader(r.Body, maxClipBytes+1))
	if err != nil {
		return nil, err
	}
	if len(clip) == 0 {
		return nil, fmt.Errorf("empty clip")
	}
	if len(clip) > maxClipBytes {
		return nil, fmt.Errorf("clip larger than %d bytes", maxClipBytes)
	}
	return clip, nil
}
