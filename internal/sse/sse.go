// Package sse writes server-sent events in the answer stream's wire
// format: each event is one `data: <json>` line followed by a blank line.
package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
)

// Event types emitted during an answer run, in the order a client can
// expect them: steps and sources arrive during generation, response
// fragments stream the answer text, the metadata events follow, and
// exactly one of complete or error terminates the stream.
const (
	TypeSteps     = "steps"
	TypeSources   = "sources"
	TypeResponse  = "response"
	TypeTags      = "tags"
	TypeFollowUps = "follow_ups"
	TypeTitle     = "title"
	TypeComplete  = "complete"
	TypeError     = "error"
)

// Event is one frame on the stream.
type Event struct {
	Type    string `json:"type"`
	Content any    `json:"content"`
}

// Writer serializes events onto an HTTP response. It flushes after every
// event so frames reach the client immediately.
//
// Writer is safe for concurrent use by multiple goroutines.
type Writer struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	closed  bool
}

// NewWriter prepares w for event streaming and sends the SSE headers.
// Returns an error if the ResponseWriter does not support flushing.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")

	return &Writer{w: w, flusher: flusher}, nil
}

// Send writes one event frame and flushes it.
func (s *Writer) Send(eventType string, content any) error {
	payload, err := json.Marshal(Event{Type: eventType, Content: content})
	if err != nil {
		return fmt.Errorf("encoding %s event: %w", eventType, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("stream closed")
	}

	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		s.closed = true
		return fmt.Errorf("writing %s event: %w", eventType, err)
	}
	s.flusher.Flush()
	return nil
}

// Close marks the stream as finished. Subsequent Sends fail.
func (s *Writer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}
