package dlq

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrEntryNotFound indicates an unknown entry ID.
	ErrEntryNotFound = errors.New("dlq: entry not found")
	// ErrNotReplayable indicates an entry without a stored operation.
	ErrNotReplayable = errors.New("dlq: entry has no replayable operation")
)

// Store persists dead letter entries. The queue ships with an in-memory
// implementation; anything durable can be plugged in behind this
// interface.
type Store interface {
	Store(ctx context.Context, entry Entry) error
	Get(ctx context.Context, id string) (*Entry, error)
	List(ctx context.Context) ([]Entry, error)
	Delete(ctx context.Context, id string) error
}

// InMemoryStore keeps entries in a map. Safe for concurrent use.
type InMemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		entries: make(map[string]Entry),
	}
}

// Store implements Store.
func (s *InMemoryStore) Store(ctx context.Context, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.ID] = entry
	return nil
}

// Get implements Store.
func (s *InMemoryStore) Get(ctx context.Context, id string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	return &entry, nil
}

// List implements Store. Entries come back oldest first.
func (s *InMemoryStore) List(ctx context.Context) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	results := make([]Entry, 0, len(s.entries))
	for _, entry := range s.entries {
		results = append(results, entry)
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].EnqueuedAt.Before(results[j].EnqueuedAt)
	})

	return results, nil
}

// Delete implements Store.
func (s *InMemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[id]; !ok {
		return fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	delete(s.entries, id)
	return nil
}
