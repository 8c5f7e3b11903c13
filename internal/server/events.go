package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/deepsearch/internal/research"
)

// sseWriter streams data-only server-sent events: every event is one JSON
// object carrying its own "type" field, flushed immediately.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
}

func newSSEWriter(c echo.Context) (*sseWriter, error) {
	flusher, ok := c.Response().Writer.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming unsupported by connection")
	}
	h := c.Response().Header()
	h.Set(echo.HeaderContentType, "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Response().WriteHeader(http.StatusOK)
	return &sseWriter{w: c.Response().Writer, flusher: flusher}, nil
}

// send writes one event frame. Write errors mean the client went away; the
// caller stops streaming but the underlying work is not interrupted here.
func (s *sseWriter) send(payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// searchEvent is the wire shape of search-mode stream events.
type searchEvent struct {
	Type       string `json:"type"`
	Content    any    `json:"content,omitempty"`
	Message    string `json:"message,omitempty"`
	Details    string `json:"details,omitempty"`
	Suggestion string `json:"suggestion,omitempty"`
}

// sessionBroker fans research events out to SSE subscribers. Full history is
// retained per session so a subscriber that connects mid-run replays from the
// beginning; finished sessions are evicted after the retention window, after
// which streams fall back to the stored session snapshot.
type sessionBroker struct {
	mu        sync.Mutex
	history   map[string][]research.Event
	subs      map[string]map[chan research.Event]struct{}
	finished  map[string]bool
	retention time.Duration
}

func newSessionBroker() *sessionBroker {
	return &sessionBroker{
		history:   make(map[string][]research.Event),
		subs:      make(map[string]map[chan research.Event]struct{}),
		finished:  make(map[string]bool),
		retention: 10 * time.Minute,
	}
}

func (b *sessionBroker) open(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history[sessionID] = nil
	b.finished[sessionID] = false
}

// publish records the event and delivers it to live subscribers. Slow
// subscribers are skipped rather than blocking the research run; they catch
// up from history on reconnect.
func (b *sessionBroker) publish(ev research.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history[ev.SessionID] = append(b.history[ev.SessionID], ev)
	if ev.Type == research.EventSessionCompleted || ev.Type == research.EventSessionError {
		b.finished[ev.SessionID] = true
	}
	for ch := range b.subs[ev.SessionID] {
		select {
		case ch <- ev:
		default:
		}
	}
}

// subscribe returns a channel primed with the session's history, a known
// flag, and an unsubscribe func. The channel is closed if the session has
// already finished.
func (b *sessionBroker) subscribe(sessionID string) (<-chan research.Event, bool, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	hist, known := b.history[sessionID]
	if !known {
		return nil, false, func() {}
	}
	ch := make(chan research.Event, len(hist)+256)
	for _, ev := range hist {
		ch <- ev
	}
	if b.finished[sessionID] {
		close(ch)
		return ch, true, func() {}
	}
	if b.subs[sessionID] == nil {
		b.subs[sessionID] = make(map[chan research.Event]struct{})
	}
	b.subs[sessionID][ch] = struct{}{}
	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[sessionID], ch)
	}
	return ch, true, cancel
}

// finish closes live subscriber channels once the run ends and schedules the
// history for eviction.
func (b *sessionBroker) finish(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.finished[sessionID] = true
	for ch := range b.subs[sessionID] {
		close(ch)
	}
	delete(b.subs, sessionID)
	time.AfterFunc(b.retention, func() { b.evict(sessionID) })
}

// evict drops all broker state for a finished session.
func (b *sessionBroker) evict(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.history, sessionID)
	delete(b.finished, sessionID)
	delete(b.subs, sessionID)
}
