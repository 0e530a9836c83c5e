package tipjar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/brojonat/tipjar/service/metrics"
	"github.com/brojonat/tipjar/service/solana"
	"github.com/brojonat/tipjar/service/wallet"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
)

var (
	// ErrBusy is returned while a provider call is outstanding or the
	// provider reports it is loading.
	ErrBusy = errors.New("widget is busy")

	// ErrAttemptNotIdle is returned when the current attempt must be reset first.
	ErrAttemptNotIdle = errors.New("payment attempt is not idle")

	// ErrUnknownPreset is returned for amounts outside the configured presets.
	ErrUnknownPreset = errors.New("amount is not a configured preset")
)

// Fallback messages for provider errors that carry no text of their own.
const (
	MsgConnectFailed     = "Failed to connect wallet"
	MsgTransactionFailed = "Transaction failed"
)

// Snapshot is a point-in-time view of one widget.
type Snapshot struct {
	SessionID            string  `json:"session_id,omitempty"`
	Connected            bool    `json:"connected"`
	Connecting           bool    `json:"connecting"`
	ProviderLoading      bool    `json:"provider_loading"`
	Address              string  `json:"address,omitempty"`
	Status               Status  `json:"status"`
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

// AttemptResult describes a payment attempt once it leaves the in-flight states.
type AttemptResult struct {
	AttemptID            string
	Status               Status
	Amount               float64
	Lamports             uint64
	FromAddress          string
	TransactionReference string
	ExplorerURL          string
	ErrorMessage         string
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithAttemptIDs overrides attempt id generation.
func WithAttemptIDs(fn func() string) ControllerOption {
	return func(c *Controller) { c.newID = fn }
}

// OnAttemptSettled registers fn to run after an attempt reaches success or error.
func OnAttemptSettled(fn func(AttemptResult)) ControllerOption {
	return func(c *Controller) { c.onSettled = fn }
}

type session struct {
	connected       bool
	providerLoading bool
	address         string
}

type attempt struct {
	id        string
	amount    float64
	status    Status
	reference string
	errMsg    string
}

// Controller owns the payment status state machine for one widget.
// All transitions happen under mu; provider calls and subscriber
// notifications happen outside it.
type Controller struct {
	settings  Settings
	provider  wallet.Provider
	metrics   *metrics.Metrics
	logger    *slog.Logger
	newID     func() string
	onSettled func(AttemptResult)

	mu           sync.Mutex
	session      session
	attempt      attempt
	connecting   bool
	connectError string
	inFlight     bool
	// deferred holds provider state that arrived while a sign-and-send
	// call was outstanding; it is applied when the call resolves.
	deferred *wallet.State

	notifyMu sync.Mutex
	subs     map[int]func(Snapshot)
	nextSub  int
}

// NewController creates a controller in the idle state with the first preset selected.
func NewController(settings Settings, provider wallet.Provider, m *metrics.Metrics, logger *slog.Logger, opts ...ControllerOption) *Controller {
	c := &Controller{
		settings: settings,
		provider: provider,
		metrics:  m,
		logger:   logger,
		newID:    func() string { return uuid.NewString() },
		attempt: attempt{
			amount: settings.DefaultAmount(),
			status: StatusIdle,
		},
		subs: make(map[int]func(Snapshot)),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.applyProviderLocked(provider.State())
	return c
}

// RequestAction performs the primary button action and waits for the
// provider call, if any, to resolve.
func (c *Controller) RequestAction(ctx context.Context) error {
	step, err := c.BeginAction()
	if err != nil {
		return err
	}
	if step != nil {
		step(ctx)
	}
	return nil
}

// BeginAction applies the synchronous part of the primary action and
// returns the provider step to run, or nil when there is nothing to do.
//
// Not connected: the step connects the wallet. Connected and idle: the
// attempt moves to confirming and the step signs and submits the transfer.
func (c *Controller) BeginAction() (func(context.Context), error) {
	c.mu.Lock()

	if c.busyLocked() {
		c.mu.Unlock()
		return nil, ErrBusy
	}

	if !c.session.connected {
		c.connecting = true
		c.connectError = ""
		c.inFlight = true
		c.mu.Unlock()

		c.publish()
		return c.connect, nil
	}

	if c.session.address == "" {
		c.mu.Unlock()
		c.logger.Debug("connected without an address, ignoring action")
		return nil, nil
	}

	if c.attempt.status != StatusIdle {
		c.mu.Unlock()
		return nil, ErrAttemptNotIdle
	}

	c.attempt.id = c.newID()
	c.attempt.status = StatusConfirming
	from := c.session.address
	amount := c.attempt.amount
	attemptID := c.attempt.id

	ix, lamports, err := c.buildTransfer(from, amount)
	if err != nil {
		c.attempt.status = StatusError
		c.attempt.errMsg = MsgTransactionFailed
		result := c.resultLocked(lamports)
		c.mu.Unlock()

		c.logger.Error("failed to build transfer", "attempt_id", attemptID, "wallet", from, "error", err)
		c.publish()
		c.settled(result)
		return nil, nil
	}

	c.inFlight = true
	c.mu.Unlock()

	c.logger.Info("payment attempt started",
		"attempt_id", attemptID,
		"wallet", from,
		"amount", amount,
		"lamports", lamports,
	)
	c.publish()

	req := wallet.SignAndSendRequest{
		Instructions: []solanago.Instruction{ix},
		TransactionOptions: wallet.TransactionOptions{
			ClusterSimulation: c.settings.Cluster,
		},
	}
	return func(ctx context.Context) { c.send(ctx, attemptID, req, lamports) }, nil
}

func (c *Controller) buildTransfer(from string, amount float64) (solanago.Instruction, uint64, error) {
	lamports, err := solana.ToLamports(amount)
	if err != nil {
		return nil, 0, err
	}
	fromKey, err := solanago.PublicKeyFromBase58(from)
	if err != nil {
		return nil, lamports, fmt.Errorf("invalid wallet address: %w", err)
	}
	ix, err := solana.NewTransferInstruction(fromKey, c.settings.Recipient, lamports)
	if err != nil {
		return nil, lamports, err
	}
	return ix, lamports, nil
}

func (c *Controller) connect(ctx context.Context) {
	start := time.Now()
	err := c.provider.Connect(ctx, wallet.ConnectOptions{FeeMode: c.settings.FeeMode})

	c.mu.Lock()
	c.connecting = false
	c.inFlight = false
	if err != nil {
		c.connectError = wallet.Message(err)
		if c.connectError == "" {
			c.connectError = MsgConnectFailed
		}
	}
	c.applyProviderLocked(c.provider.State())
	address := c.session.address
	c.mu.Unlock()

	if err != nil {
		c.logger.WarnContext(ctx, "wallet connect failed", "error", err, "duration", time.Since(start))
	} else {
		c.logger.InfoContext(ctx, "wallet connected", "wallet", address, "duration", time.Since(start))
	}
	c.publish()
}

func (c *Controller) send(ctx context.Context, attemptID string, req wallet.SignAndSendRequest, lamports uint64) {
	c.mu.Lock()
	if c.attempt.id != attemptID || c.attempt.status != StatusConfirming {
		c.inFlight = false
		c.mu.Unlock()
		return
	}
	c.attempt.status = StatusSending
	c.mu.Unlock()
	c.publish()

	start := time.Now()
	signature, err := c.provider.SignAndSendTransaction(ctx, req)

	c.mu.Lock()
	c.inFlight = false
	if err != nil {
		c.attempt.status = StatusError
		c.attempt.errMsg = wallet.Message(err)
		if c.attempt.errMsg == "" {
			c.attempt.errMsg = MsgTransactionFailed
		}
	} else {
		c.attempt.status = StatusSuccess
		c.attempt.reference = signature
	}
	result := c.resultLocked(lamports)
	if c.deferred != nil {
		c.applyProviderLocked(*c.deferred)
		c.deferred = nil
	}
	c.mu.Unlock()

	if err != nil {
		c.logger.WarnContext(ctx, "payment attempt failed",
			"attempt_id", attemptID,
			"error", err,
			"duration", time.Since(start),
		)
	} else {
		c.logger.InfoContext(ctx, "payment attempt succeeded",
			"attempt_id", attemptID,
			"signature", signature,
			"duration", time.Since(start),
		)
	}
	c.publish()
	c.settled(result)
}

func (c *Controller) settled(result AttemptResult) {
	if c.metrics != nil {
		c.metrics.RecordTipAttempt(string(result.Status), result.Lamports)
	}
	if c.onSettled != nil {
		c.onSettled(result)
	}
}

// Reset returns a settled attempt to idle and clears its outcome.
// Resetting an idle attempt only clears leftover messages.
func (c *Controller) Reset() error {
	c.mu.Lock()
	if c.inFlight {
		c.mu.Unlock()
		return ErrBusy
	}
	c.attempt.status = StatusIdle
	c.attempt.id = ""
	c.attempt.reference = ""
	c.attempt.errMsg = ""
	c.connectError = ""
	c.mu.Unlock()

	c.publish()
	return nil
}

// SelectAmount changes the tip amount. Only configured presets are
// accepted, and only while the attempt is idle.
func (c *Controller) SelectAmount(amount float64) error {
	if !c.settings.IsPreset(amount) {
		return ErrUnknownPreset
	}

	c.mu.Lock()
	if c.attempt.status != StatusIdle {
		c.mu.Unlock()
		return ErrAttemptNotIdle
	}
	c.attempt.amount = amount
	c.mu.Unlock()

	c.publish()
	return nil
}

// ObserveProvider receives provider state changes. While a sign-and-send
// call is outstanding, connection and address changes are held back until
// it resolves; the loading flag is always applied.
func (c *Controller) ObserveProvider(state wallet.State) {
	c.mu.Lock()
	if c.attempt.status.InFlight() {
		c.session.providerLoading = state.Loading
		if state.Connected != c.session.connected || state.Address != c.session.address {
			deferred := state
			c.deferred = &deferred
		} else {
			c.deferred = nil
		}
	} else {
		c.applyProviderLocked(state)
	}
	c.mu.Unlock()

	c.publish()
}

func (c *Controller) applyProviderLocked(state wallet.State) {
	c.session.connected = state.Connected
	c.session.providerLoading = state.Loading
	if state.Connected {
		c.session.address = state.Address
	} else {
		c.session.address = ""
	}
}

func (c *Controller) busyLocked() bool {
	return c.inFlight || c.connecting || c.session.providerLoading || c.attempt.status.InFlight()
}

// Snapshot returns the current widget state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Snapshot {
	d := ComputeDisplay(DisplayInput{
		Status:          c.attempt.status,
		Connecting:      c.connecting,
		ProviderLoading: c.session.providerLoading,
		Connected:       c.session.connected,
		SelectedAmount:  c.attempt.amount,
	})
	snap := Snapshot{
		Connected:            c.session.connected,
		Connecting:           c.connecting,
		ProviderLoading:      c.session.providerLoading,
		Address:              c.session.address,
		Status:               c.attempt.status,
		AttemptID:            c.attempt.id,
		SelectedAmount:       c.attempt.amount,
		TransactionReference: c.attempt.reference,
		ErrorMessage:         c.attempt.errMsg,
		ConnectError:         c.connectError,
		Label:                d.Label,
		Busy:                 d.Busy,
	}
	if c.attempt.status == StatusSuccess {
		snap.ExplorerURL = solana.ExplorerTxURL(c.settings.ExplorerBaseURL, c.attempt.reference, c.settings.Cluster)
	}
	return snap
}

func (c *Controller) resultLocked(lamports uint64) AttemptResult {
	r := AttemptResult{
		AttemptID:            c.attempt.id,
		Status:               c.attempt.status,
		Amount:               c.attempt.amount,
		Lamports:             lamports,
		FromAddress:          c.session.address,
		TransactionReference: c.attempt.reference,
		ErrorMessage:         c.attempt.errMsg,
	}
	if r.Status == StatusSuccess {
		r.ExplorerURL = solana.ExplorerTxURL(c.settings.ExplorerBaseURL, r.TransactionReference, c.settings.Cluster)
	}
	return r
}

// Subscribe registers fn to receive a snapshot after every change.
// Snapshots are delivered in order; fn must not call back into the controller's
// mutating methods.
func (c *Controller) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	c.notifyMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.notifyMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.notifyMu.Lock()
			delete(c.subs, id)
			c.notifyMu.Unlock()
		})
	}
}

// publish delivers the current snapshot to every subscriber. Reading the
// snapshot under notifyMu keeps delivery monotonic across goroutines.
func (c *Controller) publish() {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	if len(c.subs) == 0 {
		return
	}
	snap := c.Snapshot()
	for _, fn := range c.subs {
		fn(snap)
	}
}
