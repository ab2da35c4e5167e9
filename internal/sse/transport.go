package sse

import (
	"fmt"
	"net/http"
)

// Transport is the write side of one SSE connection. Implementations
// are not required to be safe for concurrent use; the connection
// serializes writes.
type Transport interface {
	// WriteEvent writes one "event:"/"data:" frame and flushes it.
	WriteEvent(eventType string, data []byte) error

	// WriteComment writes a comment frame, used for keep-alive probes.
	WriteComment(comment string) error
}

// httpTransport streams events over an http.ResponseWriter. Response
// headers go out on the first write, so a handler can still answer
// with a plain error response if it rejects the stream before sending
// any event.
type httpTransport struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

// NewHTTPTransport wraps a ResponseWriter for event streaming. It
// fails when the writer cannot flush incrementally.
func NewHTTPTransport(w http.ResponseWriter) (Transport, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing")
	}
	return &httpTransport{w: w, flusher: flusher}, nil
}

func (t *httpTransport) start() {
	if t.started {
		return
	}
	t.started = true
	h := t.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	t.w.WriteHeader(http.StatusOK)
	t.flusher.Flush()
}

func (t *httpTransport) WriteEvent(eventType string, data []byte) error {
	t.start()
	if _, err := fmt.Fprintf(t.w, "event: %s\ndata: %s\n\n", eventType, data); err != nil {
		return err
	}
	t.flusher.Flush()
	return nil
}

func (t *httpTransport) WriteComment(comment string) error {
	t.start()
	if _, err := fmt.Fprintf(t.w, ": %s\n\n", comment); err != nil {
		return err
	}
	t.flusher.Flush()
	return nil
}
