package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// streamSSE runs a query and relays its events as Server-Sent Events.
// GET /api/research/stream?query=<text>
func (s *Server) streamSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported", "Streaming is not supported by this connection")
		return
	}
	query := r.URL.Query().Get("query")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	events := s.coordinator.Stream(ctx, query, s.research.Stream(query, s.afterStream))

	hb := time.NewTicker(s.opts.Heartbeat)
	defer hb.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("SSE client disconnected")
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Error("Failed to encode stream event", zap.String("type", string(ev.Type)), zap.Error(err))
				continue
			}
			fmt.Fprintf(w, "id: %d\n", ev.Seq)
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		case <-hb.C:
			// Keeps proxies from closing an idle connection.
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}
