package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ErrStreamingUnsupported indicates the ResponseWriter cannot flush.
var ErrStreamingUnsupported = errors.New("streaming unsupported")

// sseWriter emits server-sent events with JSON payloads. Each event is
// flushed immediately so tokens reach the client as they are produced.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &sseWriter{w: w, flusher: flusher}, nil
}

// send writes one event frame. JSON payloads contain no raw newlines, so a
// single data line is always enough.
func (s *sseWriter) send(name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding %s event: %w", name, err)
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return fmt.Errorf("writing %s event: %w", name, err)
	}
	s.flusher.Flush()
	return nil
}
