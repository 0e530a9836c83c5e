package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/brojonat/tipjar/service/metrics"
	"github.com/brojonat/tipjar/service/tipjar"
)

// handleStreamSession streams session snapshots as Server-Sent Events.
// GET /api/v1/sessions/{id}/stream
//
// The current snapshot is sent right after the connected event, then again
// after every change. Changes are coalesced: a slow client only ever
// receives the latest state. An open stream keeps its session from being
// evicted as idle.
func handleStreamSession(sessions *tipjar.Manager, m *metrics.Metrics, keepaliveInterval time.Duration, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		widget, err := sessions.Get(id)
		if err != nil {
			writeSessionError(w, err)
			return
		}

		// The stream outlives the server's write timeout.
		rc := http.NewResponseController(w)
		if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
			logger.DebugContext(r.Context(), "failed to clear write deadline", "error", err)
		}

		// Set SSE headers
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		flush := func() {
			if flusher, ok := w.(http.Flusher); ok {
				flusher.Flush()
			}
		}
		flush()

		if m != nil {
			m.RecordSSEConnectionChange(1)
			defer m.RecordSSEConnectionChange(-1)
		}

		logger.DebugContext(r.Context(), "SSE client connected",
			"session_id", id,
			"remote_addr", r.RemoteAddr,
		)

		changed := make(chan struct{}, 1)
		unsubscribe := widget.Subscribe(func(tipjar.Snapshot) {
			select {
			case changed <- struct{}{}:
			default:
			}
		})
		defer unsubscribe()

		send := func(event string, data any) {
			payload, err := json.Marshal(data)
			if err != nil {
				logger.WarnContext(r.Context(), "failed to marshal event", "event", event, "error", err)
				return
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
			flush()
			if m != nil {
				m.RecordSSEEventSent(event)
			}
		}

		send("connected", map[string]string{"session_id": id})
		send("snapshot", widget.Snapshot())

		keepalive := time.NewTicker(keepaliveInterval)
		defer keepalive.Stop()

		for {
			select {
			case <-keepalive.C:
				if _, err := sessions.Get(id); errors.Is(err, tipjar.ErrSessionNotFound) {
					send("closed", map[string]string{"session_id": id})
					return
				}
				fmt.Fprintf(w, ": keepalive\n\n")
				flush()

			case <-changed:
				send("snapshot", widget.Snapshot())

			case <-r.Context().Done():
				logger.DebugContext(r.Context(), "SSE client disconnected",
					"session_id", id,
					"remote_addr", r.RemoteAddr,
				)
				return
			}
		}
	})
}
