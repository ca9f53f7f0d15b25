package stream

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// Writer encodes events as wire frames on an http.ResponseWriter,
// flushing after every frame so consumers see tokens as they are produced.
type Writer struct {
	w       io.Writer
	flusher http.Flusher
}

// NewWriter wraps a response writer for streaming and sets the SSE headers.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // disable nginx buffering

	return &Writer{w: w, flusher: flusher}, nil
}

// Emit writes one event as a frame and flushes it.
func (w *Writer) Emit(e Event) error {
	payload, err := e.payload()
	if err != nil {
		return err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", e.Type, err)
	}
	if _, err := fmt.Fprintf(w.w, "event: %s\ndata: %s\n\n", e.Type, data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	w.flusher.Flush()
	return nil
}

// Encode renders one event as its wire frame without flushing semantics.
// Used by the non-streaming response path and by tests.
func Encode(e Event) ([]byte, error) {
	payload, err := e.payload()
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", e.Type, err)
	}
	return fmt.Appendf(nil, "event: %s\ndata: %s\n\n", e.Type, data), nil
}
