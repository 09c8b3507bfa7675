package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/devcontrol/devcontrol/internal/events"
)

const sseKeepAlive = 15 * time.Second

// streamFilter narrows /events to one project and/or a type prefix
// ("deployment.", "approval.").
type streamFilter struct {
	project    string
	typePrefix string
}

func newStreamFilter(r *http.Request) streamFilter {
	q := r.URL.Query()
	return streamFilter{project: q.Get("project"), typePrefix: q.Get("type")}
}

func (f streamFilter) match(ev events.Event) bool {
	if f.typePrefix != "" && !strings.HasPrefix(ev.Type, f.typePrefix) {
		return false
	}
	if f.project == "" {
		return true
	}
	var tagged struct {
		ProjectID string `json:"project_id"`
	}
	if err := json.Unmarshal(ev.Data, &tagged); err != nil {
		return false
	}
	return tagged.ProjectID == f.project
}

// handleEvents streams hub events as server-sent events. A reconnecting
// client sends Last-Event-ID and gets the buffered events it missed.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	filter := newStreamFilter(r)

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	// Subscribe first; anything also in the replay is skipped by ID.
	live, unsubscribe := s.events.Subscribe()
	defer unsubscribe()

	cursor := lastEventID(r)
	send := func(ev events.Event) bool {
		if ev.ID <= cursor {
			return true
		}
		cursor = ev.ID
		if !filter.match(ev) {
			return true
		}
		return writeSSE(w, ev) == nil
	}

	for _, ev := range s.events.SnapshotSince(cursor) {
		if !send(ev) {
			return
		}
	}
	flusher.Flush()

	ping := time.NewTicker(sseKeepAlive)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-live:
			if !ok || !send(ev) {
				return
			}
			flusher.Flush()
		case <-ping.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func lastEventID(r *http.Request) int64 {
	v := r.Header.Get("Last-Event-ID")
	if v == "" {
		v = r.URL.Query().Get("since")
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func writeSSE(w http.ResponseWriter, ev events.Event) error {
	var b strings.Builder
	fmt.Fprintf(&b, "id: %d\n", ev.ID)
	if ev.Type != "" {
		fmt.Fprintf(&b, "event: %s\n", ev.Type)
	}
	fmt.Fprintf(&b, "data: %s\n\n", ev.Data)
	_, err := io.WriteString(w, b.String())
	return err
}
