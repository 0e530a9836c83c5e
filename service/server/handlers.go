package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/brojonat/tipjar/service/config"
	"github.com/brojonat/tipjar/service/tipjar"
)

const maxRequestBodySize = 1 << 10 // amount selection is the only request body

type configResponse struct {
	Recipient       string          `json:"recipient"`
	Presets         []config.Preset `json:"presets"`
	Cluster         string          `json:"cluster"`
	ExplorerBaseURL string          `json:"explorer_base_url"`
	FeeMode         string          `json:"fee_mode"`
	PollInterval    string          `json:"poll_interval"`
}

// handleGetConfig returns the static widget configuration.
// GET /api/v1/config
func handleGetConfig(settings tipjar.Settings) http.Handler {
	resp := configResponse{
		Recipient:       settings.Recipient.String(),
		Presets:         settings.Presets,
		Cluster:         settings.Cluster,
		ExplorerBaseURL: settings.ExplorerBaseURL,
		FeeMode:         string(settings.FeeMode),
		PollInterval:    settings.PollInterval.String(),
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, resp, http.StatusOK)
	})
}

// handleCreateSession starts a new widget session.
// POST /api/v1/sessions
func handleCreateSession(sessions *tipjar.Manager, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		widget, err := sessions.Create(r.Context())
		if err != nil {
			if !errors.Is(err, tipjar.ErrTooManySessions) {
				logger.Error("failed to create session", "error", err)
			}
			writeSessionError(w, err)
			return
		}
		writeJSON(w, widget.Snapshot(), http.StatusCreated)
	})
}

// handleGetSession returns the current snapshot of a session.
// GET /api/v1/sessions/{id}
func handleGetSession(sessions *tipjar.Manager) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		widget, err := sessions.Get(r.PathValue("id"))
		if err != nil {
			writeSessionError(w, err)
			return
		}
		writeJSON(w, widget.Snapshot(), http.StatusOK)
	})
}

// handleDeleteSession tears down a session and its wallet connection.
// DELETE /api/v1/sessions/{id}
func handleDeleteSession(sessions *tipjar.Manager) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := sessions.Delete(r.Context(), r.PathValue("id")); err != nil {
			writeSessionError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

// handleAction performs the primary button action: connect when
// disconnected, otherwise sign and submit a tip.
// POST /api/v1/sessions/{id}/action[?wait=true]
//
// The provider call outlives the request. Without wait the handler answers
// 202 with the in-progress snapshot; with wait it blocks until the call
// resolves or the client goes away.
func handleAction(sessions *tipjar.Manager, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		widget, err := sessions.Get(r.PathValue("id"))
		if err != nil {
			writeSessionError(w, err)
			return
		}

		step, err := widget.BeginAction()
		if err != nil {
			writeSessionError(w, err)
			return
		}
		if step == nil {
			writeJSON(w, widget.Snapshot(), http.StatusOK)
			return
		}

		ctx := context.WithoutCancel(r.Context())
		done := make(chan struct{})
		go func() {
			defer close(done)
			step(ctx)
		}()

		if r.URL.Query().Get("wait") != "true" {
			writeJSON(w, widget.Snapshot(), http.StatusAccepted)
			return
		}

		// A passkey prompt can outlast the server's write timeout.
		rc := http.NewResponseController(w)
		if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
			logger.Debug("failed to clear write deadline", "error", err)
		}

		select {
		case <-done:
			writeJSON(w, widget.Snapshot(), http.StatusOK)
		case <-r.Context().Done():
			logger.Debug("client left before action resolved", "session_id", widget.ID())
		}
	})
}

// handleReset returns a settled attempt to idle.
// POST /api/v1/sessions/{id}/reset
func handleReset(sessions *tipjar.Manager) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		widget, err := sessions.Get(r.PathValue("id"))
		if err != nil {
			writeSessionError(w, err)
			return
		}
		if err := widget.Reset(); err != nil {
			writeSessionError(w, err)
			return
		}
		writeJSON(w, widget.Snapshot(), http.StatusOK)
	})
}

// handleSelectAmount changes the selected preset.
// POST /api/v1/sessions/{id}/amount
func handleSelectAmount(sessions *tipjar.Manager, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		widget, err := sessions.Get(r.PathValue("id"))
		if err != nil {
			writeSessionError(w, err)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req struct {
			Amount *float64 `json:"amount"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			logger.Debug("failed to decode amount request", "error", err)
			if strings.Contains(err.Error(), "http: request body too large") {
				writeError(w, "request body too large", http.StatusBadRequest)
				return
			}
			writeError(w, "invalid request body: must be valid JSON", http.StatusBadRequest)
			return
		}
		if req.Amount == nil {
			writeError(w, "amount is required", http.StatusBadRequest)
			return
		}

		if err := widget.SelectAmount(*req.Amount); err != nil {
			writeSessionError(w, err)
			return
		}
		writeJSON(w, widget.Snapshot(), http.StatusOK)
	})
}

// handleDisconnect ends the wallet connection but keeps the session.
// POST /api/v1/sessions/{id}/disconnect
func handleDisconnect(sessions *tipjar.Manager, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		widget, err := sessions.Get(r.PathValue("id"))
		if err != nil {
			writeSessionError(w, err)
			return
		}
		if err := widget.Disconnect(r.Context()); err != nil {
			logger.Warn("wallet disconnect failed", "session_id", widget.ID(), "error", err)
			writeError(w, "failed to disconnect wallet", http.StatusBadGateway)
			return
		}
		writeJSON(w, widget.Snapshot(), http.StatusOK)
	})
}

// writeSessionError maps tip jar errors to HTTP statuses.
func writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, tipjar.ErrSessionNotFound):
		writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, tipjar.ErrBusy), errors.Is(err, tipjar.ErrAttemptNotIdle):
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, tipjar.ErrUnknownPreset):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, tipjar.ErrTooManySessions):
		writeError(w, err.Error(), http.StatusServiceUnavailable)
	default:
		writeError(w, "internal server error", http.StatusInternalServerError)
	}
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}
