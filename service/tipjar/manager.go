package tipjar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/brojonat/tipjar/service/balance"
	"github.com/brojonat/tipjar/service/metrics"
	natspkg "github.com/brojonat/tipjar/service/nats"
	"github.com/brojonat/tipjar/service/wallet"
	"github.com/google/uuid"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrTooManySessions = errors.New("too many active sessions")
)

// ProviderFactory creates the wallet provider for a new session.
type ProviderFactory func(sessionID string) wallet.Provider

// LedgerFactory creates the balance reader for a new session.
type LedgerFactory func() (balance.Reader, error)

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	Settings    Settings
	NewProvider ProviderFactory
	NewLedger   LedgerFactory
	Events      natspkg.Publisher // optional
	Metrics     *metrics.Metrics
	Logger      *slog.Logger

	MaxSessions int
	IdleTimeout time.Duration // 0 disables eviction

	// Extra options applied to every widget, mainly for tests.
	PollerOptions     []balance.Option
	ControllerOptions []ControllerOption
}

type entry struct {
	widget   *Widget
	lastSeen time.Time
}

// Manager owns the live widget sessions of the server.
type Manager struct {
	cfg ManagerConfig
	now func() time.Time

	mu       sync.Mutex
	sessions map[string]*entry
	pending  int // slots reserved by Create calls still building their widget
}

func NewManager(cfg ManagerConfig) *Manager {
	return &Manager{
		cfg:      cfg,
		now:      time.Now,
		sessions: make(map[string]*entry),
	}
}

// Create starts a new widget session with its own provider and ledger client.
func (m *Manager) Create(ctx context.Context) (*Widget, error) {
	m.mu.Lock()
	if m.cfg.MaxSessions > 0 && len(m.sessions)+m.pending >= m.cfg.MaxSessions {
		m.mu.Unlock()
		return nil, ErrTooManySessions
	}
	m.pending++
	m.mu.Unlock()

	ledger, err := m.cfg.NewLedger()
	if err != nil {
		m.mu.Lock()
		m.pending--
		m.mu.Unlock()
		return nil, fmt.Errorf("failed to create ledger client: %w", err)
	}

	id := uuid.NewString()
	w := NewWidget(id, m.cfg.Settings, WidgetDeps{
		Provider:          m.cfg.NewProvider(id),
		Ledger:            ledger,
		Events:            m.cfg.Events,
		Metrics:           m.cfg.Metrics,
		Logger:            m.cfg.Logger,
		PollerOptions:     m.cfg.PollerOptions,
		ControllerOptions: m.cfg.ControllerOptions,
	})

	m.mu.Lock()
	m.pending--
	m.sessions[id] = &entry{widget: w, lastSeen: m.now()}
	m.mu.Unlock()

	if m.cfg.Metrics != nil {
		m.cfg.Metrics.RecordSessionChange(1)
	}
	m.cfg.Logger.InfoContext(ctx, "session created", "session_id", id)
	return w, nil
}

// Get returns a live session and marks it as recently used.
func (m *Manager) Get(id string) (*Widget, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	e.lastSeen = m.now()
	return e.widget, nil
}

// Delete tears down a session.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	e, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if !ok {
		return ErrSessionNotFound
	}
	m.teardown(ctx, e.widget)
	m.cfg.Logger.InfoContext(ctx, "session deleted", "session_id", id)
	return nil
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// EvictIdle tears down sessions not used within the idle timeout, skipping
// any with a provider call in flight. It returns the number evicted.
func (m *Manager) EvictIdle(ctx context.Context) int {
	if m.cfg.IdleTimeout <= 0 {
		return 0
	}
	cutoff := m.now().Add(-m.cfg.IdleTimeout)

	var stale []*Widget
	m.mu.Lock()
	for id, e := range m.sessions {
		if e.lastSeen.After(cutoff) || e.widget.Snapshot().Busy {
			continue
		}
		delete(m.sessions, id)
		stale = append(stale, e.widget)
	}
	m.mu.Unlock()

	for _, w := range stale {
		m.teardown(ctx, w)
		m.cfg.Logger.InfoContext(ctx, "session evicted", "session_id", w.ID())
	}
	return len(stale)
}

// RunEvictions calls EvictIdle every interval until ctx is cancelled.
func (m *Manager) RunEvictions(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.EvictIdle(ctx)
		}
	}
}

// CloseAll tears down every session. Used at shutdown.
func (m *Manager) CloseAll(ctx context.Context) {
	m.mu.Lock()
	widgets := make([]*Widget, 0, len(m.sessions))
	for id, e := range m.sessions {
		widgets = append(widgets, e.widget)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, w := range widgets {
		wg.Add(1)
		go func(w *Widget) {
			defer wg.Done()
			m.teardown(ctx, w)
		}(w)
	}
	wg.Wait()
	m.cfg.Logger.InfoContext(ctx, "all sessions closed", "count", len(widgets))
}

func (m *Manager) teardown(ctx context.Context, w *Widget) {
	w.Close(ctx)
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.RecordSessionChange(-1)
	}
}
