package wallet

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/brojonat/tipjar/service/metrics"
	"github.com/gagliardetto/solana-go"
)

// SessionHeader identifies the bridge-side wallet session on every request.
const SessionHeader = "X-Bridge-Session"

// BridgeConfig configures a BridgeProvider.
type BridgeConfig struct {
	BaseURL      string  // wallet bridge, e.g. http://localhost:8787
	PaymasterURL string  // fee sponsor forwarded to the bridge
	FeeMode      FeeMode // default fee mode for sign-and-send
	SessionID    string
}

// BridgeProvider talks to a passkey wallet bridge over JSON/HTTP.
// The bridge hosts the passkey SDK; one BridgeProvider maps to one bridge session.
type BridgeProvider struct {
	cfg        BridgeConfig
	httpClient *http.Client
	metrics    *metrics.Metrics
	logger     *slog.Logger

	state stateHolder
}

// NewBridgeProvider creates a provider bound to a single bridge session.
// The HTTP client has no timeout by default: a passkey prompt waits on the user.
func NewBridgeProvider(cfg BridgeConfig, httpClient *http.Client, m *metrics.Metrics, logger *slog.Logger) *BridgeProvider {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if cfg.FeeMode == "" {
		cfg.FeeMode = FeeModePaymaster
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &BridgeProvider{
		cfg:        cfg,
		httpClient: httpClient,
		metrics:    m,
		logger:     logger.With("bridge_session", cfg.SessionID),
	}
}

type connectRequest struct {
	FeeMode      FeeMode `json:"fee_mode"`
	PaymasterURL string  `json:"paymaster_url,omitempty"`
}

type connectResponse struct {
	WalletAddress string `json:"wallet_address"`
}

type accountMeta struct {
	Pubkey     string `json:"pubkey"`
	IsSigner   bool   `json:"is_signer"`
	IsWritable bool   `json:"is_writable"`
}

type instructionPayload struct {
	ProgramID string        `json:"program_id"`
	Accounts  []accountMeta `json:"accounts"`
	Data      string        `json:"data"`
}

type transactionOptionsPayload struct {
	ClusterSimulation string `json:"cluster_simulation,omitempty"`
}

type signAndSendRequest struct {
	Instructions       []instructionPayload      `json:"instructions"`
	TransactionOptions transactionOptionsPayload `json:"transaction_options"`
	FeeMode            FeeMode                   `json:"fee_mode"`
	PaymasterURL       string                    `json:"paymaster_url,omitempty"`
}

type signAndSendResponse struct {
	Signature string `json:"signature"`
}

// Connect opens the wallet session. Loading is reported while the bridge
// waits on the passkey prompt.
func (p *BridgeProvider) Connect(ctx context.Context, opts ConnectOptions) error {
	feeMode := opts.FeeMode
	if feeMode == "" {
		feeMode = p.cfg.FeeMode
	}

	p.state.update(func(s *State) { s.Loading = true })
	defer p.state.update(func(s *State) { s.Loading = false })

	var resp connectResponse
	err := p.call(ctx, "connect", "/v1/connect", connectRequest{
		FeeMode:      feeMode,
		PaymasterURL: p.paymasterURL(feeMode),
	}, &resp)
	if err != nil {
		return err
	}
	if resp.WalletAddress == "" {
		return &ProviderError{Op: "connect", Message: "bridge returned no wallet address"}
	}
	if _, err := solana.PublicKeyFromBase58(resp.WalletAddress); err != nil {
		return fmt.Errorf("bridge returned invalid wallet address %q: %w", resp.WalletAddress, err)
	}

	p.state.update(func(s *State) {
		s.Connected = true
		s.Address = resp.WalletAddress
	})
	p.logger.InfoContext(ctx, "wallet connected", "wallet", resp.WalletAddress, "fee_mode", feeMode)
	return nil
}

// Disconnect clears the session locally even if the bridge call fails.
func (p *BridgeProvider) Disconnect(ctx context.Context) error {
	err := p.call(ctx, "disconnect", "/v1/disconnect", struct{}{}, nil)
	p.state.update(func(s *State) {
		s.Connected = false
		s.Loading = false
	})
	if err != nil {
		p.logger.WarnContext(ctx, "bridge disconnect failed", "error", err)
		return err
	}
	p.logger.InfoContext(ctx, "wallet disconnected")
	return nil
}

// SignAndSendTransaction forwards the instructions to the bridge and returns
// the submitted transaction signature.
func (p *BridgeProvider) SignAndSendTransaction(ctx context.Context, req SignAndSendRequest) (string, error) {
	if !p.State().Connected {
		return "", ErrNotConnected
	}

	instructions, err := encodeInstructions(req.Instructions)
	if err != nil {
		return "", err
	}

	var resp signAndSendResponse
	err = p.call(ctx, "sign_and_send", "/v1/sign-and-send", signAndSendRequest{
		Instructions: instructions,
		TransactionOptions: transactionOptionsPayload{
			ClusterSimulation: req.TransactionOptions.ClusterSimulation,
		},
		FeeMode:      p.cfg.FeeMode,
		PaymasterURL: p.paymasterURL(p.cfg.FeeMode),
	}, &resp)
	if err != nil {
		return "", err
	}
	if resp.Signature == "" {
		return "", &ProviderError{Op: "sign_and_send", Message: "bridge returned no signature"}
	}

	p.logger.InfoContext(ctx, "transaction submitted", "signature", resp.Signature)
	return resp.Signature, nil
}

func (p *BridgeProvider) State() State {
	return p.state.get()
}

func (p *BridgeProvider) Subscribe(fn func(State)) func() {
	return p.state.subscribe(fn)
}

func (p *BridgeProvider) paymasterURL(mode FeeMode) string {
	if mode != FeeModePaymaster {
		return ""
	}
	return p.cfg.PaymasterURL
}

// call POSTs body to the bridge and decodes a 2xx response into out.
// Non-2xx responses become a *ProviderError carrying the bridge's message.
func (p *BridgeProvider) call(ctx context.Context, method, path string, body, out interface{}) error {
	start := time.Now()
	err := p.do(ctx, method, path, body, out)
	status := "success"
	if err != nil {
		status = "error"
	}
	if p.metrics != nil {
		p.metrics.RecordProviderCall(method, status, time.Since(start).Seconds())
	}
	return err
}

func (p *BridgeProvider) do(ctx context.Context, method, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SessionHeader, p.cfg.SessionID)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return parseErrorResponse(method, resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func parseErrorResponse(op string, resp *http.Response) error {
	var errResp struct {
		Error string `json:"error"`
	}

	body, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
		return fmt.Errorf("bridge %s failed with status %d: %s", op, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	return &ProviderError{Op: op, Message: errResp.Error, StatusCode: resp.StatusCode}
}

func encodeInstructions(instructions []solana.Instruction) ([]instructionPayload, error) {
	if len(instructions) == 0 {
		return nil, fmt.Errorf("no instructions to send")
	}
	out := make([]instructionPayload, 0, len(instructions))
	for i, ix := range instructions {
		data, err := ix.Data()
		if err != nil {
			return nil, fmt.Errorf("failed to encode instruction %d: %w", i, err)
		}
		accounts := make([]accountMeta, 0, len(ix.Accounts()))
		for _, a := range ix.Accounts() {
			accounts = append(accounts, accountMeta{
				Pubkey:     a.PublicKey.String(),
				IsSigner:   a.IsSigner,
				IsWritable: a.IsWritable,
			})
		}
		out = append(out, instructionPayload{
			ProgramID: ix.ProgramID().String(),
			Accounts:  accounts,
			Data:      base64.StdEncoding.EncodeToString(data),
		})
	}
	return out, nil
}
