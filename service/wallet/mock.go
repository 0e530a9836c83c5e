package wallet

import (
	"context"
	"sync"
)

// MockProvider is a mock implementation of Provider for testing.
type MockProvider struct {
	mu sync.Mutex

	address    string
	connectErr error
	signature  string
	signErr    error
	gate       chan struct{}

	connectCalls   []ConnectOptions
	signRequests   []SignAndSendRequest
	inFlight       int
	maxInFlight    int
	disconnectCall int

	started chan struct{}

	state stateHolder
}

// NewMockProvider creates a mock that connects as address and signs
// every request with signature.
func NewMockProvider(address, signature string) *MockProvider {
	return &MockProvider{
		address:   address,
		signature: signature,
		started:   make(chan struct{}, 16),
	}
}

func (m *MockProvider) Connect(ctx context.Context, opts ConnectOptions) error {
	m.mu.Lock()
	m.connectCalls = append(m.connectCalls, opts)
	connectErr := m.connectErr
	address := m.address
	m.mu.Unlock()

	if err := m.enter(ctx); err != nil {
		return err
	}
	defer m.exit()

	if connectErr != nil {
		return connectErr
	}
	m.state.update(func(s *State) {
		s.Connected = true
		s.Address = address
	})
	return nil
}

func (m *MockProvider) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	m.disconnectCall++
	m.mu.Unlock()

	m.state.update(func(s *State) {
		s.Connected = false
		s.Loading = false
	})
	return nil
}

func (m *MockProvider) SignAndSendTransaction(ctx context.Context, req SignAndSendRequest) (string, error) {
	m.mu.Lock()
	m.signRequests = append(m.signRequests, req)
	sig, signErr := m.signature, m.signErr
	m.mu.Unlock()

	if err := m.enter(ctx); err != nil {
		return "", err
	}
	defer m.exit()

	if signErr != nil {
		return "", signErr
	}
	return sig, nil
}

func (m *MockProvider) State() State {
	return m.state.get()
}

func (m *MockProvider) Subscribe(fn func(State)) func() {
	return m.state.subscribe(fn)
}

// enter tracks concurrency and blocks on the gate when one is set.
func (m *MockProvider) enter(ctx context.Context) error {
	m.mu.Lock()
	m.inFlight++
	if m.inFlight > m.maxInFlight {
		m.maxInFlight = m.inFlight
	}
	gate := m.gate
	m.mu.Unlock()

	select {
	case m.started <- struct{}{}:
	default:
	}

	if gate == nil {
		return nil
	}
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		m.exit()
		return ctx.Err()
	}
}

func (m *MockProvider) exit() {
	m.mu.Lock()
	m.inFlight--
	m.mu.Unlock()
}

// SetConnectError configures the mock to fail Connect with err.
func (m *MockProvider) SetConnectError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectErr = err
}

// SetSignError configures the mock to fail SignAndSendTransaction with err.
func (m *MockProvider) SetSignError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signErr = err
}

// Hold makes subsequent provider calls block until Release is called.
func (m *MockProvider) Hold() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gate = make(chan struct{})
}

// Release unblocks every held call.
func (m *MockProvider) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gate != nil {
		close(m.gate)
		m.gate = nil
	}
}

// Started is signalled each time a provider call begins.
func (m *MockProvider) Started() <-chan struct{} {
	return m.started
}

// SetState pushes a provider-initiated state change, as if the wallet
// changed on its own (session expiry, loading indicator).
func (m *MockProvider) SetState(state State) {
	m.state.update(func(s *State) { *s = state })
}

// GetSignRequests returns all recorded sign requests.
func (m *MockProvider) GetSignRequests() []SignAndSendRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SignAndSendRequest, len(m.signRequests))
	copy(out, m.signRequests)
	return out
}

// GetConnectCalls returns the options of every Connect call.
func (m *MockProvider) GetConnectCalls() []ConnectOptions {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ConnectOptions, len(m.connectCalls))
	copy(out, m.connectCalls)
	return out
}

// DisconnectCount returns how many times Disconnect was called.
func (m *MockProvider) DisconnectCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disconnectCall
}

// MaxInFlight returns the highest number of concurrent provider calls observed.
func (m *MockProvider) MaxInFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxInFlight
}
