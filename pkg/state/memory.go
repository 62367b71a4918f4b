package state

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used by tests and ephemeral runs.
// It enforces the same CAS contract as the durable backends.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
	counter int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

// Get retrieves a record by key.
func (s *MemoryStore) Get(_ context.Context, key string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[key]
	if !ok {
		return nil, &NotFoundError{Key: key}
	}
	out := rec
	return &out, nil
}

// Put writes a record under the CAS contract.
func (s *MemoryStore) Put(_ context.Context, key string, data json.RawMessage, expected string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	actual := VersionAbsent
	if rec, ok := s.records[key]; ok {
		actual = rec.Version
	}
	if err := checkExpected(key, expected, actual); err != nil {
		return nil, err
	}

	s.counter++
	rec := Record{
		Key:       key,
		Data:      append(json.RawMessage(nil), data...),
		Version:   strconv.FormatInt(s.counter, 10),
		UpdatedAt: time.Now().UTC(),
	}
	s.records[key] = rec
	out := rec
	return &out, nil
}

// List returns records matching the prefix, sorted by key.
func (s *MemoryStore) List(_ context.Context, prefix string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Record, 0)
	for key, rec := range s.records {
		if strings.HasPrefix(key, prefix) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Delete removes a record under the CAS contract.
func (s *MemoryStore) Delete(_ context.Context, key string, expected string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return &NotFoundError{Key: key}
	}
	if err := checkExpected(key, expected, rec.Version); err != nil {
		return err
	}
	delete(s.records, key)
	return nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }
