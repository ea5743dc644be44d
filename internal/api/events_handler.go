package api

import (
	"bytes"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mattjoyce/taskrelay/internal/events"
)

const (
	sseKeepAlive  = 15 * time.Second
	sseRetryMilli = 3000
)

// eventFilter narrows a stream to one tenant (plus process-wide events) and,
// optionally, to a set of event types.
type eventFilter struct {
	tenant string
	types  map[string]bool
}

func parseEventFilter(r *http.Request) eventFilter {
	q := r.URL.Query()
	f := eventFilter{tenant: strings.TrimSpace(q.Get("tenant"))}
	for _, raw := range q["type"] {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				if f.types == nil {
					f.types = make(map[string]bool)
				}
				f.types[t] = true
			}
		}
	}
	return f
}

func (f eventFilter) wants(ev events.Event) bool {
	return f.types == nil || f.types[ev.Type]
}

// handleEvents handles GET /events?tenant=&type=a,b as server-sent events.
// Last-Event-ID resumes from the hub's replay ring.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	filter := parseEventFilter(r)

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	// Subscribe before replaying so nothing published in between is lost.
	live, cancel := s.deps.Events.Subscribe(filter.tenant)
	defer cancel()

	var buf bytes.Buffer
	buf.WriteString("retry: " + strconv.Itoa(sseRetryMilli) + "\n\n")

	lastID := parseLastEventID(r.Header.Get("Last-Event-ID"))
	for _, ev := range s.deps.Events.SnapshotSince(lastID, filter.tenant) {
		lastID = ev.ID
		if filter.wants(ev) {
			appendSSE(&buf, ev)
		}
	}
	if !flushTo(w, flusher, &buf) {
		return
	}

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-live:
			if !open {
				return
			}
			// Already sent during replay.
			if ev.ID <= lastID {
				continue
			}
			lastID = ev.ID
			if !filter.wants(ev) {
				continue
			}
			appendSSE(&buf, ev)
		case <-keepAlive.C:
			buf.WriteString(": keep-alive\n\n")
		}
		if !flushTo(w, flusher, &buf) {
			return
		}
	}
}

func flushTo(w http.ResponseWriter, f http.Flusher, buf *bytes.Buffer) bool {
	if buf.Len() > 0 {
		if _, err := w.Write(buf.Bytes()); err != nil {
			return false
		}
		buf.Reset()
	}
	f.Flush()
	return true
}

func parseLastEventID(v string) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// appendSSE frames ev. Data is compact JSON, so one data line suffices.
func appendSSE(buf *bytes.Buffer, ev events.Event) {
	buf.WriteString("id: ")
	buf.WriteString(strconv.FormatInt(ev.ID, 10))
	buf.WriteByte('\n')
	if ev.Type != "" {
		buf.WriteString("event: ")
		buf.WriteString(ev.Type)
		buf.WriteByte('\n')
	}
	buf.WriteString("data: ")
	buf.Write(ev.Data)
	buf.WriteString("\n\n")
}
