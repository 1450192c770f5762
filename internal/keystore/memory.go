package keystore

import (
	"bytes"
	"sync"
	"sync/atomic"
)

// MemoryStore keeps recorded keys in memory and hands them back out
// round-robin in insertion order.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
	order   []string
	cursor  int
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

// Store records key without a value. Storing an already known key keeps its value.
func (s *MemoryStore) Store(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[key]; ok {
		return nil
	}
	s.entries[key] = Entry{Key: key}
	s.order = append(s.order, key)
	return nil
}

// StoreValue records key with a copy of value.
func (s *MemoryStore) StoreValue(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[key]; !ok {
		s.order = append(s.order, key)
	}
	s.entries[key] = Entry{Key: key, Value: bytes.Clone(value), ValueStored: true}
	return nil
}

// Retrieve returns the entry recorded for key.
func (s *MemoryStore) Retrieve(key string) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	if !ok {
		return Entry{}, ErrKeyNotFound
	}
	e.Value = bytes.Clone(e.Value)
	return e, nil
}

// Get returns the recorded keys round-robin. It is exhausted only while empty.
func (s *MemoryStore) Get() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.order) == 0 {
		return "", false
	}
	key := s.order[s.cursor%len(s.order)]
	s.cursor++
	return key, true
}

// RecallProvider alternates between fresh keys and keys already recorded in
// a store, so reads can find what earlier writes stored. It falls back to a
// fresh key while the store is empty.
//
// Thread Safety: Safe for concurrent use.
type RecallProvider struct {
	store *MemoryStore
	fresh Provider
	calls atomic.Uint64
}

// NewRecallProvider creates a provider recalling keys from store and drawing
// new ones from fresh.
func NewRecallProvider(store *MemoryStore, fresh Provider) *RecallProvider {
	return &RecallProvider{store: store, fresh: fresh}
}

// Get returns a recorded key on every second call, a fresh key otherwise.
func (p *RecallProvider) Get() (string, bool) {
	if p.calls.Add(1)%2 == 0 {
		if key, ok := p.store.Get(); ok {
			return key, true
		}
	}
	return p.fresh.Get()
}
