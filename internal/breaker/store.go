package breaker

import (
	"context"
	"sync"
)

// Store is the durable home of breaker state. Apply must persist the state
// batch and the outcome-id dedup marker atomically: either the whole outcome
// lands or none of it does, so a crash can only lose an unprocessed outcome,
// never leave one half-applied.
type Store interface {
	// LoadAll returns every persisted breaker state keyed by Key(scope, kind).
	LoadAll(ctx context.Context) (map[string]State, error)
	// Save persists a single state transition (admin reset, emergency fan-out).
	Save(ctx context.Context, st State) error
	// Apply persists the outcome's full state batch plus its dedup marker.
	Apply(ctx context.Context, outcomeID string, states []State) error
	// Seen reports whether the outcome id was already applied.
	Seen(ctx context.Context, outcomeID string) (bool, error)
}

// MemoryStore is an in-process Store for tests and for running the engine
// without a durable backend (single-shot backtests).
type MemoryStore struct {
	mu     sync.Mutex
	states map[string]State
	seen   map[string]bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		states: make(map[string]State),
		seen:   make(map[string]bool),
	}
}

func (m *MemoryStore) LoadAll(ctx context.Context) (map[string]State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]State, len(m.states))
	for k, v := range m.states {
		out[k] = v
	}
	return out, nil
}

func (m *MemoryStore) Save(ctx context.Context, st State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[st.key()] = st
	return nil
}

func (m *MemoryStore) Apply(ctx context.Context, outcomeID string, states []State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, st := range states {
		m.states[st.key()] = st
	}
	m.seen[outcomeID] = true
	return nil
}

func (m *MemoryStore) Seen(ctx context.Context, outcomeID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seen[outcomeID], nil
}

// Seed installs a state directly, bypassing Apply. Test helper.
func (m *MemoryStore) Seed(st State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[st.key()] = st
}
