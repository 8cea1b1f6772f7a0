package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/previewlabs/previewd/loghub"
)

// streamPayload is the JSON body of one SSE log event.
type streamPayload struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Message   string `json:"message"`
	Source    string `json:"source"`
}

// handleLogStream serves GET /instances/{id}/logs as a Server-Sent Events
// stream. Every entry is flushed to the transport immediately; heartbeats
// are sent as comment lines so idle proxies do not sever the connection; a
// close event marks the clean end of the stream when the hub closes.
func (h *Handler) handleLogStream(w http.ResponseWriter, r *http.Request, id string) {
	sub, err := h.manager.Subscribe(id)
	if err != nil {
		http.Error(w, "Instance not found", http.StatusNotFound)
		return
	}
	defer sub.Close()

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.logger.Error("Response writer does not support flushing")
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	h.logger.Info("Log stream client connected", "instanceID", id)

	for {
		select {
		case ev, open := <-sub.C:
			if !open {
				// Hub closed: clean end-of-stream, not an error.
				fmt.Fprintf(w, "event: close\ndata: {}\n\n")
				flusher.Flush()
				h.logger.Info("Log stream ended", "instanceID", id)
				return
			}
			if ev.Heartbeat {
				if _, err := fmt.Fprintf(w, ": keepalive\n\n"); err != nil {
					return
				}
				flusher.Flush()
				continue
			}
			if err := writeLogEvent(w, ev.Entry); err != nil {
				h.logger.Debug("Log stream client write failed", "instanceID", id, "error", err)
				return
			}
			flusher.Flush()

		case <-r.Context().Done():
			h.logger.Info("Log stream client disconnected", "instanceID", id)
			return
		}
	}
}

func writeLogEvent(w http.ResponseWriter, entry loghub.Entry) error {
	payload := streamPayload{
		Timestamp: entry.Timestamp.Format(time.RFC3339Nano),
		Level:     entry.Level,
		Message:   entry.Message,
		Source:    entry.Source,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "id: %d\nevent: log\ndata: %s\n\n", entry.Seq, data); err != nil {
		return err
	}
	return nil
}
