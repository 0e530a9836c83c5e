package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/brojonat/tipjar/service/balance"
	"github.com/brojonat/tipjar/service/config"
	"github.com/brojonat/tipjar/service/metrics"
	"github.com/brojonat/tipjar/service/tipjar"
	"github.com/brojonat/tipjar/service/wallet"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testWallet    = "MemoSq4gqABAXKb96qnH8TysNcWxMyWCqXgDLGmfcHr"
	testRecipient = "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"
)

type fixedLedger struct{ lamports uint64 }

func (l fixedLedger) GetBalance(ctx context.Context, address string) (uint64, error) {
	return l.lamports, nil
}

type testEnv struct {
	server   *Server
	sessions *tipjar.Manager
	handler  http.Handler

	mu        sync.Mutex
	providers map[string]*wallet.MockProvider
}

func (e *testEnv) provider(id string) *wallet.MockProvider {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.providers[id]
}

func testSettings() tipjar.Settings {
	return tipjar.Settings{
		Recipient: solanago.MustPublicKeyFromBase58(testRecipient),
		Presets: []config.Preset{
			{Amount: 0.01, Label: "0.01 SOL"},
			{Amount: 0.05, Label: "0.05 SOL"},
		},
		Cluster:         "devnet",
		ExplorerBaseURL: "https://explorer.solana.com",
		FeeMode:         wallet.FeeModePaymaster,
		PollInterval:    10 * time.Second,
	}
}

func newTestEnv(t *testing.T, maxSessions int, m *metrics.Metrics) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	env := &testEnv{providers: make(map[string]*wallet.MockProvider)}

	env.sessions = tipjar.NewManager(tipjar.ManagerConfig{
		Settings: testSettings(),
		NewProvider: func(id string) wallet.Provider {
			p := wallet.NewMockProvider(testWallet, "abc123")
			env.mu.Lock()
			env.providers[id] = p
			env.mu.Unlock()
			return p
		},
		NewLedger:   func() (balance.Reader, error) { return fixedLedger{lamports: 50_000_000}, nil },
		Logger:      logger,
		MaxSessions: maxSessions,
	})
	t.Cleanup(func() { env.sessions.CloseAll(context.Background()) })

	env.server = New(":0", testSettings(), env.sessions, m, logger)
	env.handler = env.server.Handler()
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func (e *testEnv) createSession(t *testing.T) tipjar.Snapshot {
	t.Helper()
	w := e.do(t, http.MethodPost, "/api/v1/sessions", "")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decodeSnapshot(t, w)
}

func decodeSnapshot(t *testing.T, w *httptest.ResponseRecorder) tipjar.Snapshot {
	t.Helper()
	var snap tipjar.Snapshot
	require.NoError(t, json.NewDecoder(w.Body).Decode(&snap))
	return snap
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	return resp["error"]
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, 10, nil)
	w := env.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OK", w.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, 10, nil)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/metrics", "").Code, "disabled without metrics")

	env = newTestEnv(t, 10, metrics.NewMetrics(prometheus.NewRegistry()))
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/metrics", "").Code)
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, 10, nil)
	w := env.do(t, http.MethodOptions, "/api/v1/sessions", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "DELETE")
}

func TestGetConfig(t *testing.T) {
	env := newTestEnv(t, 10, nil)
	w := env.do(t, http.MethodGet, "/api/v1/config", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp configResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, testRecipient, resp.Recipient)
	assert.Len(t, resp.Presets, 2)
	assert.Equal(t, "devnet", resp.Cluster)
	assert.Equal(t, "paymaster", resp.FeeMode)
	assert.Equal(t, "10s", resp.PollInterval)
}

func TestCreateAndGetSession(t *testing.T) {
	env := newTestEnv(t, 10, nil)

	created := env.createSession(t)
	assert.NotEmpty(t, created.SessionID)
	assert.Equal(t, tipjar.StatusIdle, created.Status)
	assert.False(t, created.Connected)
	assert.Equal(t, tipjar.LabelConnect, created.Label)
	assert.Equal(t, 0.01, created.SelectedAmount)
	assert.Nil(t, created.BalanceLamports)

	w := env.do(t, http.MethodGet, "/api/v1/sessions/"+created.SessionID, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, created.SessionID, decodeSnapshot(t, w).SessionID)
}

func TestSessionNotFound(t *testing.T) {
	env := newTestEnv(t, 10, nil)

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/v1/sessions/nope"},
		{http.MethodDelete, "/api/v1/sessions/nope"},
		{http.MethodPost, "/api/v1/sessions/nope/action"},
		{http.MethodPost, "/api/v1/sessions/nope/reset"},
		{http.MethodPost, "/api/v1/sessions/nope/disconnect"},
		{http.MethodGet, "/api/v1/sessions/nope/stream"},
	} {
		w := env.do(t, tc.method, tc.path, "")
		assert.Equal(t, http.StatusNotFound, w.Code, "%s %s", tc.method, tc.path)
		assert.Equal(t, "session not found", decodeError(t, w))
	}
}

func TestTooManySessions(t *testing.T) {
	env := newTestEnv(t, 1, nil)
	env.createSession(t)

	w := env.do(t, http.MethodPost, "/api/v1/sessions", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "too many active sessions", decodeError(t, w))
}

func TestAction_ConnectTipAndReset(t *testing.T) {
	env := newTestEnv(t, 10, nil)
	id := env.createSession(t).SessionID
	base := "/api/v1/sessions/" + id

	w := env.do(t, http.MethodPost, base+"/action?wait=true", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	snap := decodeSnapshot(t, w)
	assert.True(t, snap.Connected)
	assert.Equal(t, testWallet, snap.Address)
	assert.Equal(t, "Tip 0.01 SOL", snap.Label)

	w = env.do(t, http.MethodPost, base+"/action?wait=true", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	snap = decodeSnapshot(t, w)
	assert.Equal(t, tipjar.StatusSuccess, snap.Status)
	assert.Equal(t, "abc123", snap.TransactionReference)
	assert.Equal(t, "https://explorer.solana.com/tx/abc123?cluster=devnet", snap.ExplorerURL)
	assert.Equal(t, tipjar.LabelSuccess, snap.Label)
	require.Len(t, env.provider(id).GetSignRequests(), 1)

	// A settled attempt must be reset before the next tip.
	w = env.do(t, http.MethodPost, base+"/action", "")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "payment attempt is not idle", decodeError(t, w))

	w = env.do(t, http.MethodPost, base+"/reset", "")
	require.Equal(t, http.StatusOK, w.Code)
	snap = decodeSnapshot(t, w)
	assert.Equal(t, tipjar.StatusIdle, snap.Status)
	assert.Empty(t, snap.TransactionReference)
	assert.Len(t, env.provider(id).GetSignRequests(), 1, "reset makes no provider call")
}

func TestAction_SignFailure(t *testing.T) {
	env := newTestEnv(t, 10, nil)
	id := env.createSession(t).SessionID
	base := "/api/v1/sessions/" + id

	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, base+"/action?wait=true", "").Code)
	env.provider(id).SetSignError(&wallet.ProviderError{Message: "User rejected"})

	w := env.do(t, http.MethodPost, base+"/action?wait=true", "")
	require.Equal(t, http.StatusOK, w.Code)
	snap := decodeSnapshot(t, w)
	assert.Equal(t, tipjar.StatusError, snap.Status)
	assert.Equal(t, "User rejected", snap.ErrorMessage)
	assert.Equal(t, tipjar.LabelRetry, snap.Label)
}

func TestAction_AsyncRejectsConcurrentRequests(t *testing.T) {
	env := newTestEnv(t, 10, nil)
	id := env.createSession(t).SessionID
	base := "/api/v1/sessions/" + id

	p := env.provider(id)
	p.Hold()

	w := env.do(t, http.MethodPost, base+"/action", "")
	require.Equal(t, http.StatusAccepted, w.Code)
	snap := decodeSnapshot(t, w)
	assert.True(t, snap.Connecting)
	assert.True(t, snap.Busy)

	w = env.do(t, http.MethodPost, base+"/action", "")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "widget is busy", decodeError(t, w))

	w = env.do(t, http.MethodPost, base+"/reset", "")
	assert.Equal(t, http.StatusConflict, w.Code, "reset is refused while a call is outstanding")

	p.Release()
	require.Eventually(t, func() bool {
		w := env.do(t, http.MethodGet, base, "")
		return decodeSnapshot(t, w).Connected
	}, time.Second, 5*time.Millisecond)
	assert.Len(t, p.GetConnectCalls(), 1)
}

func TestAction_WaitOutlivesWriteTimeout(t *testing.T) {
	env := newTestEnv(t, 10, nil)
	ts := httptest.NewUnstartedServer(env.handler)
	ts.Config.WriteTimeout = 200 * time.Millisecond
	ts.Start()
	defer ts.Close()

	id := env.createSession(t).SessionID
	p := env.provider(id)
	p.Hold()
	go func() {
		time.Sleep(400 * time.Millisecond)
		p.Release()
	}()

	resp, err := http.Post(ts.URL+"/api/v1/sessions/"+id+"/action?wait=true", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var snap tipjar.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	assert.True(t, snap.Connected)
	assert.Equal(t, testWallet, snap.Address)
}

func TestSelectAmount(t *testing.T) {
	env := newTestEnv(t, 10, nil)
	base := "/api/v1/sessions/" + env.createSession(t).SessionID

	tests := []struct {
		name     string
		body     string
		status   int
		errorMsg string
	}{
		{"preset", `{"amount":0.05}`, http.StatusOK, ""},
		{"unknown preset", `{"amount":0.07}`, http.StatusBadRequest, "amount is not a configured preset"},
		{"missing amount", `{}`, http.StatusBadRequest, "amount is required"},
		{"malformed JSON", `{"amount":`, http.StatusBadRequest, "invalid request body: must be valid JSON"},
		{"too large", `{"amount":0.05,"pad":"` + strings.Repeat("x", 2048) + `"}`, http.StatusBadRequest, "request body too large"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, base+"/amount", tt.body)
			require.Equal(t, tt.status, w.Code, w.Body.String())
			if tt.errorMsg != "" {
				assert.Equal(t, tt.errorMsg, decodeError(t, w))
				return
			}
			assert.Equal(t, 0.05, decodeSnapshot(t, w).SelectedAmount)
		})
	}
}

func TestSelectAmount_NotIdle(t *testing.T) {
	env := newTestEnv(t, 10, nil)
	base := "/api/v1/sessions/" + env.createSession(t).SessionID

	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, base+"/action?wait=true", "").Code)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, base+"/action?wait=true", "").Code)

	w := env.do(t, http.MethodPost, base+"/amount", `{"amount":0.05}`)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestDisconnect(t *testing.T) {
	env := newTestEnv(t, 10, nil)
	id := env.createSession(t).SessionID
	base := "/api/v1/sessions/" + id

	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, base+"/action?wait=true", "").Code)

	w := env.do(t, http.MethodPost, base+"/disconnect", "")
	require.Equal(t, http.StatusOK, w.Code)
	snap := decodeSnapshot(t, w)
	assert.False(t, snap.Connected)
	assert.Empty(t, snap.Address)
	assert.Nil(t, snap.BalanceLamports)
	assert.Equal(t, 1, env.provider(id).DisconnectCount())

	w = env.do(t, http.MethodGet, base, "")
	assert.Equal(t, http.StatusOK, w.Code, "the session survives a wallet disconnect")
}

func TestDeleteSession(t *testing.T) {
	env := newTestEnv(t, 10, nil)
	id := env.createSession(t).SessionID

	w := env.do(t, http.MethodDelete, "/api/v1/sessions/"+id, "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, 0, env.sessions.Len())

	w = env.do(t, http.MethodGet, "/api/v1/sessions/"+id, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHTTPMetricsRecorded(t *testing.T) {
	reg := prometheus.NewRegistry()
	env := newTestEnv(t, 10, metrics.NewMetrics(reg))
	env.createSession(t)
	env.do(t, http.MethodGet, "/api/v1/sessions/nope", "")

	families, err := reg.Gather()
	require.NoError(t, err)

	found := map[string]bool{}
	for _, mf := range families {
		if !strings.HasSuffix(mf.GetName(), "http_requests_total") {
			continue
		}
		for _, metric := range mf.GetMetric() {
			labels := map[string]string{}
			for _, lp := range metric.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			found[labels["handler"]+" "+labels["status"]] = true
		}
	}
	assert.True(t, found["/api/v1/sessions 2xx"], "found: %v", found)
	assert.True(t, found["/api/v1/sessions/{id} 4xx"], "found: %v", found)
}
