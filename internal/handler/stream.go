package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// StreamJob streams job status updates via SSE. A snapshot is emitted
// immediately, then only when the job changes, until a terminal status
// has been delivered or the client disconnects.
func (h *Handler) StreamJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.sendError(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	last, ok := h.lookup(r.Context(), jobID)
	if !ok {
		writeEventError(w, "Job not found")
		flusher.Flush()
		return
	}

	writeEvent(w, last)
	flusher.Flush()
	if last.Status.Terminal() {
		return
	}

	poll := time.NewTicker(h.config.StreamPollInterval)
	defer poll.Stop()
	keepAlive := time.NewTicker(h.config.StreamKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()

		case <-poll.C:
			current, ok := h.lookup(r.Context(), jobID)
			if !ok {
				writeEventError(w, "Job not found")
				flusher.Flush()
				return
			}

			if current == last {
				continue
			}

			writeEvent(w, current)
			flusher.Flush()
			last = current

			if current.Status.Terminal() {
				return
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}

func writeEventError(w http.ResponseWriter, message string) {
	data, _ := json.Marshal(map[string]string{"error": message})
	fmt.Fprintf(w, "event: error\ndata: %s\n\n", data)
}
