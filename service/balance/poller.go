package balance

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/brojonat/tipjar/service/metrics"
)

// DefaultInterval is the refresh period used when none is configured.
const DefaultInterval = 10 * time.Second

// ErrNotTracking is returned by Refresh when no address is being tracked.
var ErrNotTracking = errors.New("no wallet address is being tracked")

// Reader reads an account balance in lamports.
type Reader interface {
	GetBalance(ctx context.Context, address string) (uint64, error)
}

// Ticker is the subset of time.Ticker the poller needs.
type Ticker interface {
	Chan() <-chan time.Time
	Stop()
}

type timeTicker struct{ *time.Ticker }

func (t timeTicker) Chan() <-chan time.Time { return t.C }

func newTimeTicker(d time.Duration) Ticker { return timeTicker{time.NewTicker(d)} }

// Option configures a Poller.
type Option func(*Poller)

// WithTicker replaces the ticker factory, mainly for tests.
func WithTicker(fn func(time.Duration) Ticker) Option {
	return func(p *Poller) { p.newTicker = fn }
}

// WithOnChange registers fn to be called whenever the cached balance
// changes or is cleared. fn should read Balance() for the current value.
func WithOnChange(fn func()) Option {
	return func(p *Poller) { p.onChange = fn }
}

// Poller keeps a cached balance for one address. Reads happen immediately
// when an address is tracked and then once per interval until the address
// is cleared or the poller is closed.
type Poller struct {
	reader    Reader
	interval  time.Duration
	newTicker func(time.Duration) Ticker
	onChange  func()
	metrics   *metrics.Metrics
	logger    *slog.Logger

	mu         sync.Mutex
	address    string
	generation uint64
	lamports   uint64
	hasBalance bool
	cancel     context.CancelFunc
	closed     bool

	wg sync.WaitGroup
}

// NewPoller creates an idle poller. Call Track to start polling.
func NewPoller(reader Reader, interval time.Duration, m *metrics.Metrics, logger *slog.Logger, opts ...Option) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	p := &Poller{
		reader:    reader,
		interval:  interval,
		newTicker: newTimeTicker,
		metrics:   m,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Track follows the connected address. A new non-empty address restarts
// the schedule with an immediate read. An empty address stops polling and
// clears the cached balance before returning.
func (p *Poller) Track(address string) {
	p.mu.Lock()
	if p.closed || address == p.address {
		p.mu.Unlock()
		return
	}
	hadBalance := p.stopLocked()
	p.address = address

	if address != "" {
		ctx, cancel := context.WithCancel(context.Background())
		p.cancel = cancel
		gen := p.generation
		p.wg.Add(1)
		go p.run(ctx, gen, address)
	}
	p.mu.Unlock()

	if address == "" {
		p.logger.Debug("balance polling stopped")
	} else {
		p.logger.Debug("balance polling started", "wallet", address, "interval", p.interval)
	}
	if hadBalance {
		p.notify()
	}
}

// Refresh performs one read outside the schedule, e.g. right after a tip.
func (p *Poller) Refresh(ctx context.Context) error {
	p.mu.Lock()
	address, gen := p.address, p.generation
	p.mu.Unlock()

	if address == "" {
		return ErrNotTracking
	}
	return p.read(ctx, gen, address)
}

// Balance returns the cached lamports. ok is false when disconnected or
// before the first successful read.
func (p *Poller) Balance() (lamports uint64, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lamports, p.hasBalance
}

// Close stops polling and waits for the polling goroutine to exit.
// The poller cannot be reused.
func (p *Poller) Close() {
	p.mu.Lock()
	p.closed = true
	p.stopLocked()
	p.address = ""
	p.mu.Unlock()

	p.wg.Wait()
}

// stopLocked cancels the current schedule and clears the cache.
// It reports whether a cached balance was dropped.
func (p *Poller) stopLocked() bool {
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.generation++
	had := p.hasBalance
	p.lamports = 0
	p.hasBalance = false
	return had
}

func (p *Poller) run(ctx context.Context, gen uint64, address string) {
	defer p.wg.Done()

	ticker := p.newTicker(p.interval)
	defer ticker.Stop()

	p.read(ctx, gen, address)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			// select picks randomly when both are ready
			if ctx.Err() != nil {
				return
			}
			p.read(ctx, gen, address)
		}
	}
}

// read fetches the balance and stores it if gen is still current.
// Failures leave the cache unchanged.
func (p *Poller) read(ctx context.Context, gen uint64, address string) error {
	lamports, err := p.reader.GetBalance(ctx, address)
	if ctx.Err() != nil {
		return ctx.Err()
	}

	p.mu.Lock()
	if gen != p.generation {
		p.mu.Unlock()
		return nil
	}
	if err != nil {
		p.mu.Unlock()
		p.logger.WarnContext(ctx, "failed to read balance", "wallet", address, "error", err)
		p.recordRead("error")
		return err
	}
	changed := !p.hasBalance || p.lamports != lamports
	p.lamports = lamports
	p.hasBalance = true
	p.mu.Unlock()

	p.recordRead("success")
	p.logger.DebugContext(ctx, "balance updated", "wallet", address, "lamports", lamports)
	if changed {
		p.notify()
	}
	return nil
}

func (p *Poller) recordRead(status string) {
	if p.metrics != nil {
		p.metrics.RecordBalanceRead(status)
	}
}

func (p *Poller) notify() {
	if p.onChange != nil {
		p.onChange()
	}
}
