package panel

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/skein-dev/skein/internal/telemetry"
)

// handleSSEGlobal streams all execution events via Server-Sent Events.
func (s *Server) handleSSEGlobal(w http.ResponseWriter, r *http.Request) {
	s.serveSSE(w, r, telemetry.Filter{})
}

// handleSSEExecution streams events for a single execution.
func (s *Server) handleSSEExecution(w http.ResponseWriter, r *http.Request) {
	s.serveSSE(w, r, telemetry.Filter{ExecutionID: r.PathValue("id")})
}

func (s *Server) serveSSE(w http.ResponseWriter, r *http.Request, filter telemetry.Filter) {
	if s.deps.Hub == nil {
		http.Error(w, "event streaming not configured", http.StatusNotImplemented)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	ch, cancel, err := s.deps.Hub.Subscribe(r.Context(), filter)
	if err != nil {
		s.deps.Logger.Error("sse subscribe failed", "error", err)
		http.Error(w, "subscribe failed", http.StatusInternalServerError)
		return
	}
	defer cancel()

	// Initial comment confirms the stream is open before any event fires.
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
		}
	}
}
