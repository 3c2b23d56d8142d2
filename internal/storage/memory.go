package storage

import (
	"sort"
	"sync"
)

// MemoryKVStore is an in-memory KVStore.
type MemoryKVStore struct {
	mu     sync.RWMutex
	values map[string]string
}

func NewMemoryKVStore() *MemoryKVStore {
	return &MemoryKVStore{values: make(map[string]string)}
}

func (s *MemoryKVStore) Get(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (s *MemoryKVStore) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

func (s *MemoryKVStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return nil
}

func (s *MemoryKVStore) Close() error { return nil }

// MemoryWatchStore is an in-memory WatchStore.
type MemoryWatchStore struct {
	mu  sync.RWMutex
	ids map[string]bool
}

func NewMemoryWatchStore() *MemoryWatchStore {
	return &MemoryWatchStore{ids: make(map[string]bool)}
}

func (s *MemoryWatchStore) Add(objectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids[objectID] = true
	return nil
}

func (s *MemoryWatchStore) Remove(objectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ids, objectID)
	return nil
}

// List returns watched ids in lexical order.
func (s *MemoryWatchStore) List() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]string, 0, len(s.ids))
	for id := range s.ids {
		result = append(result, id)
	}
	sort.Strings(result)
	return result, nil
}

func (s *MemoryWatchStore) Contains(objectID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ids[objectID], nil
}

func (s *MemoryWatchStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = make(map[string]bool)
	return nil
}
