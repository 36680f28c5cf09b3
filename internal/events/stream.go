package events

import (
	"fmt"
	"net/http"
	"time"
)

// StreamObserver streams envelopes as server-sent events.
type StreamObserver struct {
	*queue
}

func NewStreamObserver(runID string, buffer int) *StreamObserver {
	return &StreamObserver{queue: newQueue(runID, buffer)}
}

func (o *StreamObserver) Close() error {
	o.queue.close()
	return nil
}

// Serve writes queued envelopes to w until the request ends or the
// observer is closed. A comment line is sent every keepAlive.
func (o *StreamObserver) Serve(w http.ResponseWriter, r *http.Request, keepAlive time.Duration) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("streaming unsupported")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if keepAlive <= 0 {
		keepAlive = 15 * time.Second
	}
	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			o.queue.close()
			return nil
		case <-o.done:
			return nil
		case msg := <-o.out:
			if _, err := fmt.Fprintf(w, "event: log\ndata: %s\n\n", msg); err != nil {
				o.queue.close()
				return err
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				o.queue.close()
				return err
			}
			flusher.Flush()
		}
	}
}
