package wallet

import "sync"

// stateHolder stores provider state and fans changes out to subscribers.
// Updates are serialized so subscribers observe changes in order.
// Subscribers must not call back into the provider.
type stateHolder struct {
	notifyMu sync.Mutex

	mu     sync.Mutex
	state  State
	nextID int
	subs   map[int]func(State)
}

func (h *stateHolder) get() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *stateHolder) update(fn func(*State)) {
	h.notifyMu.Lock()
	defer h.notifyMu.Unlock()

	h.mu.Lock()
	prev := h.state
	fn(&h.state)
	if !h.state.Connected {
		h.state.Address = ""
	}
	next := h.state
	subs := make([]func(State), 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	if next == prev {
		return
	}
	for _, s := range subs {
		s(next)
	}
}

func (h *stateHolder) subscribe(fn func(State)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs == nil {
		h.subs = make(map[int]func(State))
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
		})
	}
}
