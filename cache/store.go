package cache

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

var (
	// ErrEntryNotFound represents an error where a cache entry was not found
	ErrEntryNotFound = errors.New("cache entry not found")
)

// Store is a persisted key value store the cache keeps encoded images in.
// The store may be shared with other users, so the cache only ever touches
// keys carrying its own prefix.
type Store interface {
	// Get returns the value stored under key or ErrEntryNotFound
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value under key, replacing any previous value
	Set(ctx context.Context, key string, value []byte) error
	// Delete removes key, deleting a missing key is not an error
	Delete(ctx context.Context, key string) error
	// Keys lists all keys in the store
	Keys(ctx context.Context) ([]string, error)
}

// PrefixLister is implemented by stores that can list the keys under a
// prefix without walking the whole store
type PrefixLister interface {
	PrefixKeys(ctx context.Context, prefix string) ([]string, error)
}

// prefixKeys lists the keys of s starting with prefix
func prefixKeys(ctx context.Context, s Store, prefix string) ([]string, error) {
	if pl, ok := s.(PrefixLister); ok {
		return pl.PrefixKeys(ctx, prefix)
	}
	keys, err := s.Keys(ctx)
	if err != nil {
		return nil, err
	}
	return filterPrefix(keys, prefix), nil
}

func filterPrefix(keys []string, prefix string) []string {
	matched := []string{}
	for _, k := range keys {
		if strings.HasPrefix(k, prefix) {
			matched = append(matched, k)
		}
	}
	return matched
}

// NewMemoryStore returns a Store that keeps its values in memory
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string][]byte),
		m:    &sync.RWMutex{},
	}
}

// MemoryStore is a Store backed by a map
type MemoryStore struct {
	data map[string][]byte
	m    *sync.RWMutex
}

// Get implements Store
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.m.RLock()
	defer s.m.RUnlock()
	v, ok := s.data[key]
	if !ok {
		return nil, ErrEntryNotFound
	}
	return append([]byte(nil), v...), nil
}

// Set implements Store
func (s *MemoryStore) Set(_ context.Context, key string, value []byte) error {
	s.m.Lock()
	defer s.m.Unlock()
	s.data[key] = append([]byte(nil), value...)
	return nil
}

// Delete implements Store
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.m.Lock()
	defer s.m.Unlock()
	delete(s.data, key)
	return nil
}

// Keys implements Store
func (s *MemoryStore) Keys(_ context.Context) ([]string, error) {
	s.m.RLock()
	defer s.m.RUnlock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// PrefixKeys implements PrefixLister
func (s *MemoryStore) PrefixKeys(ctx context.Context, prefix string) ([]string, error) {
	keys, _ := s.Keys(ctx)
	return filterPrefix(keys, prefix), nil
}
