// internal/viewer/logbuf.go
package viewer

import (
	"bytes"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"

	"github.com/petervdpas/peercall/internal/util"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const sseKeepAlive = 20 * time.Second

type LogEntry struct {
	TS    time.Time `json:"ts"`
	Level string    `json:"level"`
	Cmp   string    `json:"cmp,omitempty"`
	Call  string    `json:"call,omitempty"`
	Msg   string    `json:"msg"`
	Raw   string    `json:"raw"`
}

// LogBuffer keeps the most recent zerolog lines for the debug API. Add it to
// the logger's writers; it expects zerolog's JSON output, one event per line.
type LogBuffer struct {
	mu      sync.Mutex
	entries *util.RingBuffer[LogEntry]

	subs map[*logSub]struct{}

	partial bytes.Buffer
}

func NewLogBuffer(max int) *LogBuffer {
	if max <= 0 {
		max = 500
	}
	return &LogBuffer{
		entries: util.NewRingBuffer[LogEntry](max),
		subs:    make(map[*logSub]struct{}),
	}
}

// Write implements io.Writer.
func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.partial.Write(p)

	for {
		data := b.partial.Bytes()
		i := bytes.IndexByte(data, '\n')
		if i == -1 {
			break
		}

		line := strings.TrimRight(string(data[:i]), "\r")
		b.partial.Next(i + 1)
		if strings.TrimSpace(line) == "" {
			continue
		}

		e := parseLine(line)
		b.entries.Push(e)
		b.broadcastLocked(e)
	}

	return len(p), nil
}

func parseLine(line string) LogEntry {
	e := LogEntry{TS: time.Now(), Msg: line, Raw: line}
	var fields map[string]any
	if err := json.UnmarshalFromString(line, &fields); err != nil {
		return e
	}
	str := func(k string) string {
		s, _ := fields[k].(string)
		return s
	}
	e.Level = str(zerolog.LevelFieldName)
	e.Msg = str(zerolog.MessageFieldName)
	e.Cmp = str("cmp")
	e.Call = str("call")
	switch ts := fields[zerolog.TimestampFieldName].(type) {
	case float64:
		e.TS = time.Unix(int64(ts), 0)
	case string:
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			e.TS = t
		}
	}
	return e
}

// broadcastLocked never blocks; a subscriber that is not keeping up misses
// lines and gets a gap marker before the next one it receives.
func (b *LogBuffer) broadcastLocked(e LogEntry) {
	for sub := range b.subs {
		select {
		case sub.ch <- e:
		default:
			sub.dropped.Add(1)
		}
	}
}

func (b *LogBuffer) Snapshot() []LogEntry {
	return b.entries.Snapshot()
}

type logSub struct {
	ch      chan LogEntry
	dropped atomic.Int64
}

func (b *LogBuffer) subscribe() (*logSub, func()) {
	sub := &logSub{ch: make(chan LogEntry, 64)}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	return sub, func() {
		b.mu.Lock()
		if _, ok := b.subs[sub]; ok {
			delete(b.subs, sub)
			close(sub.ch)
		}
		b.mu.Unlock()
	}
}

// logFilter matches entries against the call and cmp query parameters.
func logFilter(r *http.Request) func(LogEntry) bool {
	callID := r.URL.Query().Get("call")
	cmp := r.URL.Query().Get("cmp")
	return func(e LogEntry) bool {
		return (callID == "" || e.Call == callID) && (cmp == "" || e.Cmp == cmp)
	}
}

// GET /api/logs?call=<id>&cmp=<component>
func (b *LogBuffer) ServeLogsJSON(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(b.entries.Filter(logFilter(r)))
}

// GET /api/logs/stream?call=&cmp=&backlog=1
//
// Server-Sent Events tail. backlog=1 first replays the buffered lines that
// match. Lines lost to a slow reader are reported as a "gap" event.
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

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	match := logFilter(r)
	sub, cancel := b.subscribe()
	defer cancel()

	if r.URL.Query().Get("backlog") == "1" {
		for _, e := range b.entries.Filter(match) {
			writeSSE(w, "log", e)
		}
	}
	flusher.Flush()

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			_, _ = w.Write([]byte(": keep-alive\n\n"))
		case e, ok := <-sub.ch:
			if !ok {
				return
			}
			if n := sub.dropped.Swap(0); n > 0 {
				writeSSE(w, "gap", map[string]int64{"dropped": n})
			}
			if !match(e) {
				continue
			}
			writeSSE(w, "log", e)
		}
		flusher.Flush()
	}
}

func writeSSE(w http.ResponseWriter, event string, v any) {
	b, _ := json.Marshal(v)
	_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, b)
}
