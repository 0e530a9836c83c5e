package balance

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/brojonat/tipjar/service/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testWallet = "MemoSq4gqABAXKb96qnH8TysNcWxMyWCqXgDLGmfcHr"

// mockReader returns a configurable balance and counts reads.
// When gate is set, reads block until it is closed.
type mockReader struct {
	mu       sync.Mutex
	lamports uint64
	err      error
	gate     chan struct{}
	calls    atomic.Int32
	started  chan struct{}
}

func newMockReader(lamports uint64) *mockReader {
	return &mockReader{lamports: lamports, started: make(chan struct{}, 16)}
}

func (m *mockReader) GetBalance(ctx context.Context, address string) (uint64, error) {
	m.calls.Add(1)
	m.mu.Lock()
	gate, lamports, err := m.gate, m.lamports, m.err
	m.mu.Unlock()

	select {
	case m.started <- struct{}{}:
	default:
	}
	if gate != nil {
		<-gate
	}
	return lamports, err
}

func (m *mockReader) set(lamports uint64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lamports = lamports
	m.err = err
}

// fakeTicker is driven by the test.
type fakeTicker struct {
	ch      chan time.Time
	stopped atomic.Bool
}

func (f *fakeTicker) Chan() <-chan time.Time { return f.ch }
func (f *fakeTicker) Stop()                  { f.stopped.Store(true) }

type fakeClock struct {
	created chan *fakeTicker
}

func newFakeClock() *fakeClock {
	return &fakeClock{created: make(chan *fakeTicker, 16)}
}

func (c *fakeClock) newTicker(d time.Duration) Ticker {
	t := &fakeTicker{ch: make(chan time.Time, 1)}
	c.created <- t
	return t
}

func (c *fakeClock) next(t *testing.T) *fakeTicker {
	t.Helper()
	select {
	case tk := <-c.created:
		return tk
	case <-time.After(time.Second):
		t.Fatal("ticker was not created")
		return nil
	}
}

func newTestPoller(reader Reader, clock *fakeClock, opts ...Option) *Poller {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	opts = append(opts, WithTicker(clock.newTicker))
	return NewPoller(reader, 10*time.Second, metrics.NewMetrics(prometheus.NewRegistry()), logger, opts...)
}

func waitBalance(t *testing.T, p *Poller, want uint64) {
	t.Helper()
	require.Eventually(t, func() bool {
		got, ok := p.Balance()
		return ok && got == want
	}, time.Second, 5*time.Millisecond)
}

func TestTrack_ReadsImmediately(t *testing.T) {
	reader := newMockReader(50_000_000)
	clock := newFakeClock()
	p := newTestPoller(reader, clock)
	defer p.Close()

	_, ok := p.Balance()
	assert.False(t, ok, "no balance before the first read")

	p.Track(testWallet)
	waitBalance(t, p, 50_000_000)
	assert.Equal(t, int32(1), reader.calls.Load())
}

func TestTrack_ReadsOnEveryTick(t *testing.T) {
	reader := newMockReader(1)
	clock := newFakeClock()
	p := newTestPoller(reader, clock)
	defer p.Close()

	p.Track(testWallet)
	ticker := clock.next(t)
	waitBalance(t, p, 1)

	reader.set(2, nil)
	ticker.ch <- time.Now()
	waitBalance(t, p, 2)

	reader.set(3, nil)
	ticker.ch <- time.Now()
	waitBalance(t, p, 3)
	assert.Equal(t, int32(3), reader.calls.Load())
}

func TestTrack_ReadFailureKeepsCache(t *testing.T) {
	reader := newMockReader(7)
	clock := newFakeClock()
	p := newTestPoller(reader, clock)
	defer p.Close()

	p.Track(testWallet)
	ticker := clock.next(t)
	waitBalance(t, p, 7)

	reader.set(0, errors.New("rpc unavailable"))
	ticker.ch <- time.Now()
	require.Eventually(t, func() bool { return reader.calls.Load() == 2 }, time.Second, 5*time.Millisecond)

	reader.set(8, nil)
	ticker.ch <- time.Now()
	waitBalance(t, p, 8)
}

func TestTrack_DisconnectClearsImmediately(t *testing.T) {
	reader := newMockReader(50_000_000)
	clock := newFakeClock()
	var changes atomic.Int32
	p := newTestPoller(reader, clock, WithOnChange(func() { changes.Add(1) }))
	defer p.Close()

	p.Track(testWallet)
	ticker := clock.next(t)
	waitBalance(t, p, 50_000_000)

	p.Track("")

	_, ok := p.Balance()
	assert.False(t, ok, "balance is cleared before Track returns")
	require.Eventually(t, func() bool { return changes.Load() == 2 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, ticker.stopped.Load, time.Second, 5*time.Millisecond)
}

func TestTrack_PendingTickAfterDisconnectDoesNotRead(t *testing.T) {
	reader := newMockReader(1)
	reader.gate = make(chan struct{})
	clock := newFakeClock()
	p := newTestPoller(reader, clock)

	p.Track(testWallet)
	ticker := clock.next(t)
	<-reader.started

	// a tick is already pending while the first read is in flight
	ticker.ch <- time.Now()
	p.Track("")
	close(reader.gate)

	p.Close()

	assert.Equal(t, int32(1), reader.calls.Load(), "no read after disconnect")
	_, ok := p.Balance()
	assert.False(t, ok, "in-flight read result is discarded")
}

func TestTrack_NewAddressRestartsSchedule(t *testing.T) {
	reader := newMockReader(5)
	clock := newFakeClock()
	p := newTestPoller(reader, clock)
	defer p.Close()

	p.Track(testWallet)
	first := clock.next(t)
	waitBalance(t, p, 5)

	p.Track("TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA")
	clock.next(t)
	require.Eventually(t, first.stopped.Load, time.Second, 5*time.Millisecond)
	waitBalance(t, p, 5)
	assert.Equal(t, int32(2), reader.calls.Load())
}

func TestTrack_SameAddressIsNoop(t *testing.T) {
	reader := newMockReader(5)
	clock := newFakeClock()
	p := newTestPoller(reader, clock)
	defer p.Close()

	p.Track(testWallet)
	clock.next(t)
	waitBalance(t, p, 5)

	p.Track(testWallet)
	assert.Empty(t, clock.created, "no new schedule for the same address")
	assert.Equal(t, int32(1), reader.calls.Load())
}

func TestRefresh(t *testing.T) {
	reader := newMockReader(5)
	clock := newFakeClock()
	p := newTestPoller(reader, clock)
	defer p.Close()

	assert.ErrorIs(t, p.Refresh(context.Background()), ErrNotTracking)

	p.Track(testWallet)
	clock.next(t)
	waitBalance(t, p, 5)

	reader.set(6, nil)
	require.NoError(t, p.Refresh(context.Background()))
	got, ok := p.Balance()
	assert.True(t, ok)
	assert.Equal(t, uint64(6), got)
}

func TestClose_StopsPolling(t *testing.T) {
	reader := newMockReader(5)
	clock := newFakeClock()
	p := newTestPoller(reader, clock)

	p.Track(testWallet)
	ticker := clock.next(t)
	waitBalance(t, p, 5)

	p.Close()
	assert.True(t, ticker.stopped.Load())

	p.Track(testWallet)
	assert.Empty(t, clock.created, "closed poller does not restart")
	_, ok := p.Balance()
	assert.False(t, ok)
}

func TestNewPoller_DefaultInterval(t *testing.T) {
	p := NewPoller(newMockReader(0), 0, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Equal(t, DefaultInterval, p.interval)
}
