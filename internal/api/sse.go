package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"generation-orchestrator/internal/models"
)

// sseWriter frames events as a text/event-stream. Headers go out with the
// first frame so earlier failures can still be answered with JSON.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
	lastID  int64
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("streaming unsupported")
	}
	return &sseWriter{w: w, flusher: f}, nil
}

func (s *sseWriter) start() {
	if s.started {
		return
	}
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
	s.started = true
}

// Event writes one frame. The id line carries the per-scope seq so a
// reconnecting client resumes via Last-Event-ID.
func (s *sseWriter) Event(ev models.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	s.start()
	if _, err := fmt.Fprintf(s.w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Type, data); err != nil {
		return err
	}
	s.flusher.Flush()
	s.lastID = ev.Seq
	return nil
}

// Heartbeat writes a comment frame that keeps proxies from closing an idle stream.
func (s *sseWriter) Heartbeat() error {
	s.start()
	if _, err := fmt.Fprint(s.w, ": keepalive\n\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseWriter) Started() bool { return s.started }
func (s *sseWriter) LastID() int64 { return s.lastID }

// lastEventID reads the resume point from the last_event_id query parameter
// or the Last-Event-ID header. Missing means replay from the start.
func lastEventID(r *http.Request) (int64, error) {
	raw := r.URL.Query().Get("last_event_id")
	if raw == "" {
		raw = r.Header.Get("Last-Event-ID")
	}
	if raw == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 0 {
		return 0, fmt.Errorf("invalid last event id %q", raw)
	}
	return id, nil
}
