package tipjar

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/brojonat/tipjar/service/balance"
	"github.com/brojonat/tipjar/service/metrics"
	natspkg "github.com/brojonat/tipjar/service/nats"
	"github.com/brojonat/tipjar/service/solana"
	"github.com/brojonat/tipjar/service/wallet"
)

const (
	publishTimeout = 5 * time.Second
	refreshTimeout = 10 * time.Second
)

// WidgetDeps are the collaborators of one widget session.
type WidgetDeps struct {
	Provider wallet.Provider
	Ledger   balance.Reader
	Events   natspkg.Publisher // optional
	Metrics  *metrics.Metrics
	Logger   *slog.Logger

	PollerOptions     []balance.Option
	ControllerOptions []ControllerOption
}

// Widget is one rendered tip jar: a wallet session, its payment attempt
// and the balance poller that follows the connected address.
type Widget struct {
	id         string
	settings   Settings
	provider   wallet.Provider
	controller *Controller
	poller     *balance.Poller
	events     natspkg.Publisher
	logger     *slog.Logger

	unsubscribeProvider   func()
	unsubscribeController func()

	notifyMu sync.Mutex
	subs     map[int]func(Snapshot)
	nextSub  int

	closeOnce sync.Once
}

// NewWidget wires a widget session and starts following provider state.
func NewWidget(id string, settings Settings, deps WidgetDeps) *Widget {
	logger := deps.Logger.With("session_id", id)
	w := &Widget{
		id:       id,
		settings: settings,
		provider: deps.Provider,
		events:   deps.Events,
		logger:   logger,
		subs:     make(map[int]func(Snapshot)),
	}

	pollerOpts := append([]balance.Option{balance.WithOnChange(w.publish)}, deps.PollerOptions...)
	w.poller = balance.NewPoller(deps.Ledger, settings.PollInterval, deps.Metrics, logger, pollerOpts...)

	controllerOpts := append([]ControllerOption{OnAttemptSettled(w.attemptSettled)}, deps.ControllerOptions...)
	w.controller = NewController(settings, deps.Provider, deps.Metrics, logger, controllerOpts...)

	w.unsubscribeController = w.controller.Subscribe(func(Snapshot) { w.publish() })

	// The poller follows the provider directly. The controller holds back a
	// disconnect while a payment is in flight, but the balance must not.
	w.unsubscribeProvider = deps.Provider.Subscribe(func(s wallet.State) {
		w.controller.ObserveProvider(s)
		w.poller.Track(s.Address)
	})
	w.poller.Track(deps.Provider.State().Address)

	return w
}

func (w *Widget) ID() string { return w.id }

// BeginAction starts the primary action. See Controller.BeginAction.
func (w *Widget) BeginAction() (func(context.Context), error) {
	return w.controller.BeginAction()
}

// RequestAction starts the primary action and waits for it to resolve.
func (w *Widget) RequestAction(ctx context.Context) error {
	return w.controller.RequestAction(ctx)
}

func (w *Widget) Reset() error {
	return w.controller.Reset()
}

func (w *Widget) SelectAmount(amount float64) error {
	return w.controller.SelectAmount(amount)
}

// Disconnect ends the wallet session. The balance is cleared as soon as the
// provider reports the disconnect.
func (w *Widget) Disconnect(ctx context.Context) error {
	return w.provider.Disconnect(ctx)
}

// Snapshot returns the controller state plus the cached balance.
func (w *Widget) Snapshot() Snapshot {
	s := w.controller.Snapshot()
	s.SessionID = w.id
	if s.Connected {
		if lamports, ok := w.poller.Balance(); ok {
			s.BalanceLamports = &lamports
			s.BalanceDisplay = solana.FormatSOL(lamports)
		}
	}
	return s
}

// Subscribe registers fn to receive every snapshot change. fn runs on the
// goroutine that caused the change and must not block.
func (w *Widget) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	w.notifyMu.Lock()
	id := w.nextSub
	w.nextSub++
	w.subs[id] = fn
	w.notifyMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			w.notifyMu.Lock()
			delete(w.subs, id)
			w.notifyMu.Unlock()
		})
	}
}

func (w *Widget) publish() {
	w.notifyMu.Lock()
	defer w.notifyMu.Unlock()
	if len(w.subs) == 0 {
		return
	}
	snap := w.Snapshot()
	for _, fn := range w.subs {
		fn(snap)
	}
}

func (w *Widget) attemptSettled(r AttemptResult) {
	if r.Status == StatusSuccess {
		ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
		err := w.poller.Refresh(ctx)
		cancel()
		if err != nil && !errors.Is(err, balance.ErrNotTracking) {
			w.logger.Debug("post-tip balance refresh failed", "error", err)
		}
	}

	if w.events == nil {
		return
	}
	event := &natspkg.TipEvent{
		SessionID:            w.id,
		AttemptID:            r.AttemptID,
		Status:               string(r.Status),
		Amount:               r.Amount,
		Lamports:             r.Lamports,
		Recipient:            w.settings.Recipient.String(),
		FromAddress:          r.FromAddress,
		TransactionReference: r.TransactionReference,
		ExplorerURL:          r.ExplorerURL,
		ErrorMessage:         r.ErrorMessage,
		Cluster:              w.settings.Cluster,
		PublishedAt:          time.Now().UTC(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := w.events.PublishTip(ctx, event); err != nil {
		w.logger.Warn("failed to publish tip event", "attempt_id", r.AttemptID, "error", err)
	}
}

// Close stops the poller, detaches from the provider and ends the wallet
// session if one is open. It is safe to call more than once.
func (w *Widget) Close(ctx context.Context) {
	w.closeOnce.Do(func() {
		w.unsubscribeProvider()
		w.unsubscribeController()
		w.poller.Close()

		if w.provider.State().Connected {
			if err := w.provider.Disconnect(ctx); err != nil {
				w.logger.WarnContext(ctx, "failed to disconnect wallet on close", "error", err)
			}
		}
		w.logger.DebugContext(ctx, "widget closed")
	})
}
