package viewer

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/petervdpas/peercall/internal/util"
	"github.com/sirupsen/logrus"
)

const logSubQueue = 64

type LogEntry struct {
	TS     time.Time     `json:"ts"`
	Level  string        `json:"level"`
	Msg    string        `json:"msg"`
	Fields logrus.Fields `json:"fields,omitempty"`

	level logrus.Level
}

// LogBuffer is a logrus hook that remembers recent entries for /api/logs and
// fans new ones out to /api/logs/stream.
type LogBuffer struct {
	recent *util.RingBuffer[LogEntry]

	mu   sync.Mutex
	subs map[chan LogEntry]struct{}
}

var _ logrus.Hook = (*LogBuffer)(nil)

func NewLogBuffer(size int) *LogBuffer {
	if size <= 0 {
		size = 500
	}
	return &LogBuffer{
		recent: util.NewRingBuffer[LogEntry](size),
		subs:   make(map[chan LogEntry]struct{}),
	}
}

func (b *LogBuffer) Levels() []logrus.Level { return logrus.AllLevels }

func (b *LogBuffer) Fire(e *logrus.Entry) error {
	le := LogEntry{TS: e.Time, Level: e.Level.String(), Msg: e.Message, level: e.Level}
	if len(e.Data) > 0 {
		le.Fields = make(logrus.Fields, len(e.Data))
		for k, v := range e.Data {
			// errors marshal as {} otherwise
			if err, ok := v.(error); ok {
				v = err.Error()
			}
			le.Fields[k] = v
		}
	}
	b.recent.Push(le)

	b.mu.Lock()
	for ch := range b.subs {
		select {
		case ch <- le:
		default:
		}
	}
	b.mu.Unlock()
	return nil
}

func (b *LogBuffer) Snapshot() []LogEntry { return b.recent.Snapshot() }

// Subscribe streams entries logged from now on. Slow readers lose entries.
func (b *LogBuffer) Subscribe() (<-chan LogEntry, func()) {
	ch := make(chan LogEntry, logSubQueue)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			close(ch)
			b.mu.Unlock()
		})
	}
}

// logFilter reads ?level= (minimum severity, default trace) and ?tail=.
type logFilter struct {
	max  logrus.Level
	tail int
}

func parseLogFilter(r *http.Request) (logFilter, error) {
	f := logFilter{max: logrus.TraceLevel}
	q := r.URL.Query()
	if s := q.Get("level"); s != "" {
		lvl, err := logrus.ParseLevel(s)
		if err != nil {
			return f, err
		}
		f.max = lvl
	}
	if s := q.Get("tail"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return f, fmt.Errorf("bad tail %q", s)
		}
		f.tail = n
	}
	return f, nil
}

func (f logFilter) keep(e LogEntry) bool { return e.level <= f.max }

func (f logFilter) apply(entries []LogEntry) []LogEntry {
	out := entries[:0:0]
	for _, e := range entries {
		if f.keep(e) {
			out = append(out, e)
		}
	}
	if f.tail > 0 && len(out) > f.tail {
		out = out[len(out)-f.tail:]
	}
	return out
}

// GET /api/logs?level=warn&tail=50
func (b *LogBuffer) ServeLogsJSON(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	f, err := parseLogFilter(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(f.apply(b.Snapshot()))
}

// GET /api/logs/stream: SSE. With ?tail=N the last N buffered entries are
// sent first.
func (b *LogBuffer) ServeLogsSSE(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	f, err := parseLogFilter(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ch, cancel := b.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if f.tail > 0 {
		for _, e := range f.apply(b.Snapshot()) {
			writeLogEvent(w, e)
		}
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if !f.keep(e) {
				continue
			}
			writeLogEvent(w, e)
			flusher.Flush()
		}
	}
}

func writeLogEvent(w io.Writer, e LogEntry) {
	b, _ := json.Marshal(e)
	fmt.Fprintf(w, "event: log\ndata: %s\n\n", b)
}
