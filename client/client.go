package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrSessionClosed is returned by Await when the server ends the session
// while the stream is open.
var ErrSessionClosed = errors.New("session closed by server")

// Preset is one selectable tip amount.
type Preset struct {
	Amount float64 `json:"amount"`
	Label  string  `json:"label"`
}

// Config is the static widget configuration served by the tip jar.
type Config struct {
	Recipient       string   `json:"recipient"`
	Presets         []Preset `json:"presets"`
	Cluster         string   `json:"cluster"`
	ExplorerBaseURL string   `json:"explorer_base_url"`
	FeeMode         string   `json:"fee_mode"`
	PollInterval    string   `json:"poll_interval"`
}

// Session is a point-in-time view of one widget session.
type Session struct {
	SessionID            string  `json:"session_id"`
	Connected            bool    `json:"connected"`
	Connecting           bool    `json:"connecting"`
	ProviderLoading      bool    `json:"provider_loading"`
	Address              string  `json:"address,omitempty"`
	Status               string  `json:"status"` // idle, confirming, sending, success, error
	AttemptID            string  `json:"attempt_id,omitempty"`
	SelectedAmount       float64 `json:"selected_amount"`
	TransactionReference string  `json:"transaction_reference,omitempty"`
	ExplorerURL          string  `json:"explorer_url,omitempty"`
	ErrorMessage         string  `json:"error_message,omitempty"`
	ConnectError         string  `json:"connect_error,omitempty"`
	Label                string  `json:"label"`
	Busy                 bool    `json:"busy"`
	BalanceLamports      *uint64 `json:"balance_lamports"`
	BalanceDisplay       string  `json:"balance_display,omitempty"`
}

// Settled reports whether the payment attempt reached success or error.
func (s *Session) Settled() bool {
	return s.Status == "success" || s.Status == "error"
}

// Client is the HTTP client for the tip jar service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new tip jar service client.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}
}

// Health checks that the server is up.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed with status %d", resp.StatusCode)
	}
	return nil
}

// Config fetches the widget configuration.
func (c *Client) Config(ctx context.Context) (*Config, error) {
	var cfg Config
	if err := c.do(ctx, "GET", "/api/v1/config", nil, http.StatusOK, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// CreateSession starts a new widget session.
func (c *Client) CreateSession(ctx context.Context) (*Session, error) {
	var s Session
	if err := c.do(ctx, "POST", "/api/v1/sessions", nil, http.StatusCreated, &s); err != nil {
		return nil, err
	}
	c.logger.Debug("session created", "session_id", s.SessionID)
	return &s, nil
}

// GetSession returns the current state of a session.
func (c *Client) GetSession(ctx context.Context, id string) (*Session, error) {
	var s Session
	if err := c.do(ctx, "GET", sessionPath(id), nil, http.StatusOK, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// DeleteSession tears a session down.
func (c *Client) DeleteSession(ctx context.Context, id string) error {
	if err := c.do(ctx, "DELETE", sessionPath(id), nil, http.StatusNoContent, nil); err != nil {
		return err
	}
	c.logger.Debug("session deleted", "session_id", id)
	return nil
}

// Action presses the primary button. With wait the call returns once the
// provider call resolves, however long the passkey prompt takes; otherwise
// it returns the in-progress state.
func (c *Client) Action(ctx context.Context, id string, wait bool) (*Session, error) {
	path := sessionPath(id) + "/action"
	hc := c.httpClient
	if wait {
		path += "?wait=true"
		hc = c.untimed()
	}

	var s Session
	if err := c.doWith(hc, ctx, "POST", path, nil, 0, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Reset returns a settled attempt to idle.
func (c *Client) Reset(ctx context.Context, id string) (*Session, error) {
	var s Session
	if err := c.do(ctx, "POST", sessionPath(id)+"/reset", nil, http.StatusOK, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// SelectAmount picks one of the configured presets.
func (c *Client) SelectAmount(ctx context.Context, id string, amount float64) (*Session, error) {
	var s Session
	body := map[string]interface{}{"amount": amount}
	if err := c.do(ctx, "POST", sessionPath(id)+"/amount", body, http.StatusOK, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Disconnect ends the wallet connection but keeps the session.
func (c *Client) Disconnect(ctx context.Context, id string) (*Session, error) {
	var s Session
	if err := c.do(ctx, "POST", sessionPath(id)+"/disconnect", nil, http.StatusOK, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Await streams session snapshots and returns the first one for which
// match returns true. It blocks until a match, the context is done or the
// server closes the session.
func (c *Client) Await(ctx context.Context, id string, match func(*Session) bool) (*Session, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+sessionPath(id)+"/stream", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	// Streams must not inherit the client's request timeout.
	resp, err := c.untimed().Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseErrorResponse(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	var event, data string

	for scanner.Scan() {
		line := scanner.Text()
		if line != "" {
			if strings.HasPrefix(line, "event:") {
				event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			} else if strings.HasPrefix(line, "data:") {
				data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			}
			continue
		}

		switch event {
		case "snapshot":
			var s Session
			if err := json.Unmarshal([]byte(data), &s); err != nil {
				c.logger.Warn("failed to decode snapshot", "error", err)
			} else if match(&s) {
				return &s, nil
			}
		case "closed":
			return nil, ErrSessionClosed
		}
		event, data = "", ""
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading stream: %w", err)
	}
	return nil, fmt.Errorf("stream ended before a matching snapshot")
}

// do sends a JSON request and decodes the JSON response into out. A zero
// want accepts any 2xx status.
func (c *Client) do(ctx context.Context, method, path string, in interface{}, want int, out interface{}) error {
	return c.doWith(c.httpClient, ctx, method, path, in, want, out)
}

// untimed returns a copy of the HTTP client without a request timeout, for
// calls that wait on a passkey prompt or a stream. ctx still bounds them.
func (c *Client) untimed() *http.Client {
	hc := *c.httpClient
	hc.Timeout = 0
	return &hc
}

func (c *Client) doWith(hc *http.Client, ctx context.Context, method, path string, in interface{}, want int, out interface{}) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	ok := resp.StatusCode == want
	if want == 0 {
		ok = resp.StatusCode >= 200 && resp.StatusCode < 300
	}
	if !ok {
		return c.parseErrorResponse(resp)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func sessionPath(id string) string {
	return "/api/v1/sessions/" + url.PathEscape(id)
}

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("request failed: %s", e.Message)
}

// IsConflict reports whether err is a 409 from the server, meaning the
// widget was busy or the attempt was not idle.
func IsConflict(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict
}

// parseErrorResponse attempts to parse an error response from the server.
func (c *Client) parseErrorResponse(resp *http.Response) error {
	var errResp struct {
		Error string `json:"error"`
	}

	body, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
		return &APIError{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
		}
	}

	return &APIError{StatusCode: resp.StatusCode, Message: errResp.Error}
}
