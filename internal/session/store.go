package session

import (
	"context"
	"sync"
	"time"
)

// DefaultTTL is how long stored session state survives without updates.
const DefaultTTL = 24 * time.Hour

// Store is the durable token -> state mapping shared across handlers.
// Pluggable between in-memory (dev) and redis (prod).
type Store interface {
	// Get retrieves state by token; nil without error means not found.
	Get(ctx context.Context, token string) (*State, error)

	// Set stores state under the token, refreshing its TTL.
	Set(ctx context.Context, token string, state *State) error

	// Delete removes the entry.
	Delete(ctx context.Context, token string) error

	// Quit releases any underlying connections.
	Quit() error
}

// MemoryStore is the in-memory store used in development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]memoryEntry
}

type memoryEntry struct {
	state   *State
	expires time.Time
}

// NewMemoryStore creates a memory store. A non-positive TTL uses the
// default.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{
		ttl:     ttl,
		entries: make(map[string]memoryEntry),
	}
}

// Get retrieves live state; expired entries are evicted lazily.
func (s *MemoryStore) Get(_ context.Context, token string) (*State, error) {
	s.mu.RLock()
	entry, ok := s.entries[token]
	s.mu.RUnlock()

	if !ok {
		return nil, nil
	}
	if time.Now().After(entry.expires) {
		s.mu.Lock()
		delete(s.entries, token)
		s.mu.Unlock()
		return nil, nil
	}
	return entry.state, nil
}

// Set stores state and refreshes its TTL.
func (s *MemoryStore) Set(_ context.Context, token string, state *State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[token] = memoryEntry{state: state, expires: time.Now().Add(s.ttl)}
	return nil
}

// Delete removes the entry.
func (s *MemoryStore) Delete(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, token)
	return nil
}

// Quit is a no-op for the memory store.
func (s *MemoryStore) Quit() error { return nil }

// Run sweeps expired entries until the context ends.
func (s *MemoryStore) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			s.mu.Lock()
			for token, entry := range s.entries {
				if now.After(entry.expires) {
					delete(s.entries, token)
				}
			}
			s.mu.Unlock()
		}
	}
}

// Len reports the number of live entries (test helper).
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
