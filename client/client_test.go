package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealth(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.Write([]byte("OK"))
	}))
	defer server.Close()

	assert.NoError(t, NewClient(server.URL, nil, nil).Health(context.Background()))
}

func TestHealth_Down(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	err := NewClient(server.URL, nil, nil).Health(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestConfig(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "GET", r.Method)
		assert.Equal(t, "/api/v1/config", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"recipient": "recipient123",
			"presets":   []map[string]interface{}{{"amount": 0.01, "label": "0.01 SOL"}},
			"cluster":   "devnet",
		})
	}))
	defer server.Close()

	cfg, err := NewClient(server.URL, nil, nil).Config(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "recipient123", cfg.Recipient)
	require.Len(t, cfg.Presets, 1)
	assert.Equal(t, 0.01, cfg.Presets[0].Amount)
	assert.Equal(t, "devnet", cfg.Cluster)
}

func TestCreateSession(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "/api/v1/sessions", r.URL.Path)
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"session_id": "sess-1",
			"status":     "idle",
			"label":      "Connect with Passkey",
		})
	}))
	defer server.Close()

	s, err := NewClient(server.URL, nil, nil).CreateSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "sess-1", s.SessionID)
	assert.Equal(t, "idle", s.Status)
	assert.Nil(t, s.BalanceLamports)
}

func TestCreateSession_ServerFull(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"error": "too many active sessions"})
	}))
	defer server.Close()

	_, err := NewClient(server.URL, nil, nil).CreateSession(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too many active sessions")
}

func TestGetSession_NotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/sessions/missing", r.URL.Path)
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"error": "session not found"})
	}))
	defer server.Close()

	_, err := NewClient(server.URL, nil, nil).GetSession(context.Background(), "missing")
	require.Error(t, err)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "session not found", apiErr.Message)
}

func TestDeleteSession(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "DELETE", r.Method)
		assert.Equal(t, "/api/v1/sessions/sess-1", r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	assert.NoError(t, NewClient(server.URL, nil, nil).DeleteSession(context.Background(), "sess-1"))
}

func TestAction(t *testing.T) {
	tests := []struct {
		name   string
		wait   bool
		status int
		query  string
	}{
		{"async", false, http.StatusAccepted, ""},
		{"wait", true, http.StatusOK, "true"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "POST", r.Method)
				assert.Equal(t, "/api/v1/sessions/sess-1/action", r.URL.Path)
				assert.Equal(t, tt.query, r.URL.Query().Get("wait"))
				w.WriteHeader(tt.status)
				json.NewEncoder(w).Encode(map[string]interface{}{"session_id": "sess-1", "status": "sending", "busy": true})
			}))
			defer server.Close()

			s, err := NewClient(server.URL, nil, nil).Action(context.Background(), "sess-1", tt.wait)
			require.NoError(t, err)
			assert.Equal(t, "sending", s.Status)
			assert.True(t, s.Busy)
		})
	}
}

func TestAction_WaitIgnoresClientTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("wait") == "true" {
			time.Sleep(150 * time.Millisecond)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"session_id": "sess-1", "status": "success"})
	}))
	defer server.Close()

	c := NewClient(server.URL, &http.Client{Timeout: 50 * time.Millisecond}, nil)

	s, err := c.Action(context.Background(), "sess-1", true)
	require.NoError(t, err)
	assert.Equal(t, "success", s.Status)

	// Other calls keep the configured timeout.
	_, err = c.Action(context.Background(), "sess-1", false)
	require.NoError(t, err)
	assert.Equal(t, 50*time.Millisecond, c.httpClient.Timeout)
}

func TestAction_Conflict(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]string{"error": "widget is busy"})
	}))
	defer server.Close()

	_, err := NewClient(server.URL, nil, nil).Action(context.Background(), "sess-1", false)
	require.Error(t, err)
	assert.True(t, IsConflict(err))
	assert.Contains(t, err.Error(), "widget is busy")
}

func TestSelectAmount(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/sessions/sess-1/amount", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body map[string]float64
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, 0.05, body["amount"])

		json.NewEncoder(w).Encode(map[string]interface{}{"session_id": "sess-1", "selected_amount": 0.05})
	}))
	defer server.Close()

	s, err := NewClient(server.URL, nil, nil).SelectAmount(context.Background(), "sess-1", 0.05)
	require.NoError(t, err)
	assert.Equal(t, 0.05, s.SelectedAmount)
}

func TestResetAndDisconnect(t *testing.T) {
	var paths []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		json.NewEncoder(w).Encode(map[string]interface{}{"session_id": "sess-1", "status": "idle"})
	}))
	defer server.Close()

	c := NewClient(server.URL, nil, nil)
	_, err := c.Reset(context.Background(), "sess-1")
	require.NoError(t, err)
	_, err = c.Disconnect(context.Background(), "sess-1")
	require.NoError(t, err)

	assert.Equal(t, []string{"/api/v1/sessions/sess-1/reset", "/api/v1/sessions/sess-1/disconnect"}, paths)
}

func TestParseErrorResponse_Unstructured(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream down"))
	}))
	defer server.Close()

	_, err := NewClient(server.URL, nil, nil).GetSession(context.Background(), "sess-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 502: upstream down")
}

func writeSSE(w http.ResponseWriter, event string, data interface{}) {
	payload, _ := json.Marshal(data)
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
	w.(http.Flusher).Flush()
}

func TestAwait_MatchingSnapshot(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/sessions/sess-1/stream", r.URL.Path)
		w.Header().Set("Content-Type", "text/event-stream")

		writeSSE(w, "connected", map[string]string{"session_id": "sess-1"})
		writeSSE(w, "snapshot", map[string]interface{}{"session_id": "sess-1", "status": "sending"})
		fmt.Fprint(w, ": keepalive\n\n")
		writeSSE(w, "snapshot", map[string]interface{}{
			"session_id":            "sess-1",
			"status":                "success",
			"transaction_reference": "abc123",
		})
		<-r.Context().Done()
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := NewClient(server.URL, nil, nil).Await(ctx, "sess-1", (*Session).Settled)
	require.NoError(t, err)
	assert.Equal(t, "success", s.Status)
	assert.Equal(t, "abc123", s.TransactionReference)
}

func TestAwait_SessionClosed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		writeSSE(w, "snapshot", map[string]interface{}{"session_id": "sess-1", "status": "idle"})
		writeSSE(w, "closed", map[string]string{"session_id": "sess-1"})
	}))
	defer server.Close()

	_, err := NewClient(server.URL, nil, nil).Await(context.Background(), "sess-1", (*Session).Settled)
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestAwait_ContextCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		writeSSE(w, "snapshot", map[string]interface{}{"session_id": "sess-1", "status": "idle"})
		<-r.Context().Done()
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := NewClient(server.URL, nil, nil).Await(ctx, "sess-1", (*Session).Settled)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAwait_NotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"error": "session not found"})
	}))
	defer server.Close()

	_, err := NewClient(server.URL, nil, nil).Await(context.Background(), "nope", (*Session).Settled)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session not found")
}
