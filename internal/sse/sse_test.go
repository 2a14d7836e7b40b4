package sse

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWriterSendsFrames(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewWriter(rec)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	if err := w.Send(TypeResponse, "partial text"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := w.Send(TypeTags, []string{"physics"}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if got := rec.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Errorf("Content-Type = %q", got)
	}

	body := rec.Body.String()
	frames := strings.Split(strings.TrimSuffix(body, "\n\n"), "\n\n")
	if len(frames) != 2 {
		t.Fatalf("frames = %d, want 2:\n%s", len(frames), body)
	}

	for i, frame := range frames {
		if !strings.HasPrefix(frame, "data: ") {
			t.Fatalf("frame %d missing data prefix: %q", i, frame)
		}
		var ev Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(frame, "data: ")), &ev); err != nil {
			t.Fatalf("frame %d not JSON: %v", i, err)
		}
	}

	var first Event
	_ = json.Unmarshal([]byte(strings.TrimPrefix(frames[0], "data: ")), &first)
	if first.Type != TypeResponse || first.Content != "partial text" {
		t.Errorf("first frame = %+v", first)
	}
}

func TestWriterClosed(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewWriter(rec)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	w.Close()
	if err := w.Send(TypeResponse, "late"); err == nil {
		t.Fatal("Send after Close should fail")
	}
}

// nonFlushable implements http.ResponseWriter without http.Flusher.
type nonFlushable struct{}

func (nonFlushable) Header() http.Header         { return http.Header{} }
func (nonFlushable) Write(p []byte) (int, error) { return len(p), nil }
func (nonFlushable) WriteHeader(int)             {}

func TestWriterRequiresFlusher(t *testing.T) {
	if _, err := NewWriter(nonFlushable{}); err == nil {
		t.Fatal("expected error for non-flushable writer")
	}
}
