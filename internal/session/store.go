package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Store persists session records under a browser-session key.
// This abstraction allows swapping implementations (memory, Redis)
// without changing the session lifecycle.
type Store interface {
	// Load returns ErrNotFound when nothing is stored under key
	Load(ctx context.Context, key string) (*Record, error)

	// Save creates or replaces the record under key
	Save(ctx context.Context, key string, rec *Record) error

	// Delete removes the record under key
	Delete(ctx context.Context, key string) error
}

// Errors
var (
	ErrNotFound = &StoreError{Message: "session not found"}
)

// StoreError represents a storage error
type StoreError struct {
	Message string
}

func (e *StoreError) Error() string {
	return e.Message
}

// MemoryStore keeps records in process memory. Records are stored serialized
// so callers never share state with the store.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string][]byte
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string][]byte)}
}

// Load retrieves a record
func (s *MemoryStore) Load(ctx context.Context, key string) (*Record, error) {
	s.mu.RLock()
	data, ok := s.records[key]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &rec, nil
}

// Save stores a record
func (s *MemoryStore) Save(ctx context.Context, key string, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[key] = data
	return nil
}

// Delete removes a record
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
	return nil
}
